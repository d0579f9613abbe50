package dispatch

import (
	"sort"
	"sync"

	"github.com/sqlbus/sqlbus/pkg/store"
	"github.com/sqlbus/sqlbus/pkg/workqueue"
)

// Provider supplies the current set of message-processing stores. The set
// may change between calls when backed by discovery.
type Provider interface {
	// StoreIDs returns the ids in stable sorted order.
	StoreIDs() []string
	StoreByID(id string) (store.Store, bool)
}

// StaticProvider is a fixed store set, the common single-tenant and
// config-file deployment shape.
type StaticProvider struct {
	mu     sync.RWMutex
	stores map[string]store.Store
}

// NewStaticProvider builds a provider over the given stores.
func NewStaticProvider(stores ...store.Store) (*StaticProvider, error) {
	p := &StaticProvider{stores: make(map[string]store.Store, len(stores))}
	for _, st := range stores {
		if st == nil {
			return nil, workqueue.ConfigurationError("provider store must not be nil")
		}
		if _, dup := p.stores[st.ID()]; dup {
			return nil, workqueue.ConfigurationError("duplicate store id %q", st.ID())
		}
		p.stores[st.ID()] = st
	}
	return p, nil
}

func (p *StaticProvider) StoreIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	ids := make([]string, 0, len(p.stores))
	for id := range p.stores {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (p *StaticProvider) StoreByID(id string) (store.Store, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	st, ok := p.stores[id]
	return st, ok
}
