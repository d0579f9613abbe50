package dispatch

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sqlbus/sqlbus/internal/logger"
	"github.com/sqlbus/sqlbus/pkg/store"
	"github.com/sqlbus/sqlbus/pkg/workqueue"
)

// StoreDefinition describes one discoverable application database.
type StoreDefinition struct {
	StoreID        string
	ConnString     string
	Schema         string
	MaxConns       int
	IsControlPlane bool
}

// Source enumerates store definitions, typically from a control-plane
// catalog table.
type Source interface {
	List(ctx context.Context) ([]StoreDefinition, error)
}

// StoreFactory opens a Store from its definition.
type StoreFactory func(ctx context.Context, def StoreDefinition) (store.Store, error)

// DiscoveryConfig wires the refreshing provider.
type DiscoveryConfig struct {
	// RefreshInterval between catalog polls. Default: 5m.
	RefreshInterval time.Duration
}

func (c *DiscoveryConfig) applyDefaults() {
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = 5 * time.Minute
	}
}

// DiscoveryProvider keeps the store set in sync with a Source. On each
// refresh it opens newly-listed stores, closes missing ones, and reopens
// stores whose connection details changed. A store whose definition is
// unchanged is never reopened, so claimed rows and pools survive refreshes.
// Control-plane entries are filtered out; they host coordination tables
// only.
type DiscoveryProvider struct {
	source  Source
	factory StoreFactory
	cfg     DiscoveryConfig

	mu     sync.RWMutex
	stores map[string]store.Store
	defs   map[string]StoreDefinition

	startMu sync.Mutex
	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewDiscoveryProvider builds the provider and performs the first refresh
// synchronously so callers start with a populated set.
func NewDiscoveryProvider(ctx context.Context, source Source, factory StoreFactory, cfg DiscoveryConfig) (*DiscoveryProvider, error) {
	if source == nil {
		return nil, workqueue.ConfigurationError("discovery source must not be nil")
	}
	if factory == nil {
		return nil, workqueue.ConfigurationError("store factory must not be nil")
	}
	cfg.applyDefaults()

	p := &DiscoveryProvider{
		source:  source,
		factory: factory,
		cfg:     cfg,
		stores:  make(map[string]store.Store),
		defs:    make(map[string]StoreDefinition),
		stopCh:  make(chan struct{}),
	}
	if err := p.refresh(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *DiscoveryProvider) StoreIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	ids := make([]string, 0, len(p.stores))
	for id := range p.stores {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (p *DiscoveryProvider) StoreByID(id string) (store.Store, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	st, ok := p.stores[id]
	return st, ok
}

// Start begins the background refresh loop.
func (p *DiscoveryProvider) Start(ctx context.Context) {
	p.startMu.Lock()
	if p.started {
		p.startMu.Unlock()
		return
	}
	p.started = true
	p.startMu.Unlock()

	logger.Info("Starting store discovery",
		logger.KeyInterval, p.cfg.RefreshInterval.String())

	p.wg.Add(1)
	go p.loop(ctx)
}

// Stop halts the refresh loop and closes every managed store.
func (p *DiscoveryProvider) Stop() {
	p.startMu.Lock()
	started := p.started
	p.startMu.Unlock()

	if started {
		close(p.stopCh)
		p.wg.Wait()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for id, st := range p.stores {
		st.Close()
		delete(p.stores, id)
		delete(p.defs, id)
	}
}

func (p *DiscoveryProvider) loop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.refresh(ctx); err != nil {
				logger.Warn("Store discovery refresh failed", logger.Err(err))
			}
		}
	}
}

// refresh reconciles the managed set against the source listing.
func (p *DiscoveryProvider) refresh(ctx context.Context) error {
	defs, err := p.source.List(ctx)
	if err != nil {
		return err
	}

	listed := make(map[string]StoreDefinition, len(defs))
	for _, def := range defs {
		if def.IsControlPlane {
			continue
		}
		listed[def.StoreID] = def
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for id, st := range p.stores {
		def, stillListed := listed[id]
		if stillListed && def == p.defs[id] {
			continue
		}
		st.Close()
		delete(p.stores, id)
		delete(p.defs, id)
		if stillListed {
			logger.Info("Store config changed, reopening", logger.KeyStore, id)
		} else {
			logger.Info("Store removed from catalog", logger.KeyStore, id)
		}
	}

	for id, def := range listed {
		if _, exists := p.stores[id]; exists {
			continue
		}
		st, err := p.factory(ctx, def)
		if err != nil {
			logger.Warn("Failed to open discovered store",
				logger.KeyStore, id, logger.Err(err))
			continue
		}
		p.stores[id] = st
		p.defs[id] = def
		logger.Info("Discovered store", logger.KeyStore, id)
	}
	return nil
}
