package dispatch

import (
	"sync"

	"github.com/sqlbus/sqlbus/pkg/outbox"
	"github.com/sqlbus/sqlbus/pkg/workqueue"
)

// Router resolves a routing key (tenant id, database name) to the writer
// of the matching store. Unknown keys fail loudly; a silently misrouted
// message is worse than a rejected one.
type Router struct {
	provider Provider

	mu      sync.RWMutex
	mapping map[string]string // routing key -> store id
}

// NewRouter builds a Router over the provider with an initial mapping.
// Keys without an explicit mapping fall through to an identity lookup, so
// a routing key that equals a store id needs no entry.
func NewRouter(provider Provider, mapping map[string]string) (*Router, error) {
	if provider == nil {
		return nil, workqueue.ConfigurationError("store provider must not be nil")
	}
	m := make(map[string]string, len(mapping))
	for k, v := range mapping {
		m[k] = v
	}
	return &Router{provider: provider, mapping: m}, nil
}

// Bind maps a routing key to a store id, replacing any previous binding.
func (r *Router) Bind(key, storeID string) {
	r.mu.Lock()
	r.mapping[key] = storeID
	r.mu.Unlock()
}

// WriterFor returns the outbox writer for the store the key routes to.
func (r *Router) WriterFor(key string) (*outbox.Writer, error) {
	r.mu.RLock()
	storeID, mapped := r.mapping[key]
	r.mu.RUnlock()
	if !mapped {
		storeID = key
	}

	st, ok := r.provider.StoreByID(storeID)
	if !ok {
		return nil, workqueue.ConfigurationError("no store for routing key %q (store id %q)", key, storeID)
	}
	return outbox.NewWriter(st.Outbox()), nil
}
