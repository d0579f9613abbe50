// Package inbox provides the receive and dispatch sides of the inbox table:
// a Receiver that deduplicates inbound messages on (messageID, source), a
// helper API handlers use to record processing progress, and a Dispatcher
// with the same claim/ack/abandon/fail lifecycle as the outbox.
package inbox

import (
	"context"
	"sync"

	"github.com/sqlbus/sqlbus/pkg/store"
	"github.com/sqlbus/sqlbus/pkg/workqueue"
)

// Handler processes one claimed inbox record.
type Handler func(ctx context.Context, rec *store.InboxRecord) error

// Registry maps topics to inbox handlers. Frozen before the first poll;
// resolution after freeze is lock-free.
type Registry struct {
	mu       sync.Mutex
	frozen   bool
	handlers map[string]Handler
}

// NewRegistry returns an empty, unfrozen registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds topic to h. Case-sensitive, unique per topic.
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

// Resolve returns the handler for topic, if any.
func (r *Registry) Resolve(topic string) (Handler, bool) {
	h, ok := r.handlers[topic]
	return h, ok
}
