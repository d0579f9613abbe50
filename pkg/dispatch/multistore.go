package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sqlbus/sqlbus/internal/logger"
	"github.com/sqlbus/sqlbus/pkg/lease"
	"github.com/sqlbus/sqlbus/pkg/outbox"
	"github.com/sqlbus/sqlbus/pkg/workqueue"
)

// MultiStoreConfig wires the multi-store outbox dispatcher.
type MultiStoreConfig struct {
	Strategy     SelectionStrategy // default RoundRobin
	BatchSize    int
	LeaseSeconds int
	RetryCeiling int

	// Empty-poll backoff window for Run. Zero values use the workqueue
	// defaults.
	PollMinInterval time.Duration
	PollMaxInterval time.Duration
}

// MultiStoreDispatcher rotates over the provider's stores, processing one
// outbox batch per iteration under a per-store lease. Peer processes rotate
// over the same stores; the leases keep any store single-writer at a time
// while the fleet shares the set.
type MultiStoreDispatcher struct {
	provider Provider
	registry *outbox.Registry
	cfg      MultiStoreConfig

	dispatchers map[string]*outbox.Dispatcher
	last        string
	lastCount   int
}

// NewMultiStoreDispatcher builds the dispatcher and freezes the registry.
func NewMultiStoreDispatcher(provider Provider, registry *outbox.Registry, cfg MultiStoreConfig) (*MultiStoreDispatcher, error) {
	if provider == nil {
		return nil, workqueue.ConfigurationError("store provider must not be nil")
	}
	if registry == nil {
		return nil, workqueue.ConfigurationError("handler registry must not be nil")
	}
	if cfg.Strategy == nil {
		cfg.Strategy = RoundRobin{}
	}
	registry.Freeze()

	return &MultiStoreDispatcher{
		provider:    provider,
		registry:    registry,
		cfg:         cfg,
		dispatchers: make(map[string]*outbox.Dispatcher),
	}, nil
}

// RunOnce processes one batch on the store the strategy selects. A store
// whose lease is held elsewhere is skipped without counting as progress.
func (m *MultiStoreDispatcher) RunOnce(ctx context.Context) (int, error) {
	ids := m.provider.StoreIDs()
	if len(ids) == 0 {
		return 0, nil
	}

	id := m.cfg.Strategy.Next(ids, m.last, m.lastCount)
	m.last, m.lastCount = id, 0

	st, ok := m.provider.StoreByID(id)
	if !ok {
		// Discovery removed the store between listing and lookup.
		return 0, nil
	}

	lr, err := lease.Acquire(ctx, st.Leases(), lease.Config{Name: "outbox:run:" + id})
	if err != nil {
		if errors.Is(err, lease.ErrNotAcquired) {
			logger.DebugCtx(ctx, "store busy elsewhere, skipping",
				logger.KeyStore, id, logger.KeyResource, "outbox:run:"+id)
			return 0, nil
		}
		return 0, fmt.Errorf("acquiring store lease for %q: %w", id, err)
	}
	defer lr.Close(context.WithoutCancel(ctx))

	d, err := m.dispatcherFor(id)
	if err != nil {
		return 0, err
	}

	// Lease loss cancels the handler context so in-flight work stops
	// before another process claims the rows.
	lctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-lr.Done():
			cancel()
		case <-lctx.Done():
		}
	}()

	if _, err := d.ReapExpired(lctx); err != nil {
		logger.WarnCtx(ctx, "reap pass failed", logger.KeyStore, id, logger.Err(err))
	}

	n, err := d.RunOnce(lctx)
	m.lastCount = n
	if err != nil && lr.EnsureHeld() != nil {
		return n, fmt.Errorf("store %q: %w", id, workqueue.ErrLostLease)
	}
	return n, err
}

// dispatcherFor lazily builds the per-store dispatcher. Stale entries for
// stores the provider dropped are pruned on the way.
func (m *MultiStoreDispatcher) dispatcherFor(id string) (*outbox.Dispatcher, error) {
	if d, ok := m.dispatchers[id]; ok {
		return d, nil
	}

	st, ok := m.provider.StoreByID(id)
	if !ok {
		return nil, workqueue.ConfigurationError("store %q not in provider", id)
	}
	d, err := outbox.NewDispatcher(st.Outbox(), m.registry, outbox.DispatcherConfig{
		StoreID:      id,
		BatchSize:    m.cfg.BatchSize,
		LeaseSeconds: m.cfg.LeaseSeconds,
		RetryCeiling: m.cfg.RetryCeiling,
	})
	if err != nil {
		return nil, err
	}

	current := make(map[string]struct{})
	for _, sid := range m.provider.StoreIDs() {
		current[sid] = struct{}{}
	}
	for sid := range m.dispatchers {
		if _, ok := current[sid]; !ok {
			delete(m.dispatchers, sid)
		}
	}

	m.dispatchers[id] = d
	return d, nil
}

// Run polls until ctx is cancelled. RunOnce and Run are not safe for
// concurrent use; run one loop per process and scale with processes.
func (m *MultiStoreDispatcher) Run(ctx context.Context) error {
	return workqueue.RunLoopWithBackoff(ctx, "multistore dispatcher", m.RunOnce,
		m.cfg.PollMinInterval, m.cfg.PollMaxInterval)
}
