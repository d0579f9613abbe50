// Package outbox provides the write and dispatch sides of the outbox table:
// a Writer producers enqueue through, a topic handler Registry, a Dispatcher
// draining claimed rows through handlers, and a retention Cleaner.
package outbox

import (
	"context"
	"sync"

	"github.com/sqlbus/sqlbus/pkg/store"
	"github.com/sqlbus/sqlbus/pkg/workqueue"
)

// Handler processes one claimed outbox message. Returning nil acknowledges
// the row; returning an error abandons it with backoff until the retry
// ceiling converts the abandon into a permanent fail.
type Handler func(ctx context.Context, msg *store.OutboxMessage) error

// Registry maps topics to handlers. Registrations are collected during
// startup and frozen before the first poll; the dispatcher only ever reads
// a frozen registry, so resolution is lock-free.
type Registry struct {
	mu       sync.Mutex
	frozen   bool
	handlers map[string]Handler
}

// NewRegistry returns an empty, unfrozen registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds topic to h. Topics are case-sensitive and must be unique;
// registering after Freeze or registering a duplicate is a configuration
// error surfaced at startup.
func (r *Registry) Register(topic string, h Handler) error {
	if topic == "" {
		return workqueue.ConfigurationError("handler topic must not be empty")
	}
	if h == nil {
		return workqueue.ConfigurationError("handler for topic %q must not be nil", topic)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return workqueue.ConfigurationError("registry is frozen, cannot register topic %q", topic)
	}
	if _, exists := r.handlers[topic]; exists {
		return workqueue.ConfigurationError("duplicate handler for topic %q", topic)
	}
	r.handlers[topic] = h
	return nil
}

// Freeze seals the registry. Idempotent.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Resolve returns the handler for topic, if any. Callers must Freeze first.
func (r *Registry) Resolve(topic string) (Handler, bool) {
	h, ok := r.handlers[topic]
	return h, ok
}

// Topics returns the registered topics, for startup logging.
func (r *Registry) Topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	return out
}
