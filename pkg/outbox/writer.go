package outbox

import (
	"context"
	"time"

	"github.com/sqlbus/sqlbus/pkg/ids"
	"github.com/sqlbus/sqlbus/pkg/store"
	"github.com/sqlbus/sqlbus/pkg/workqueue"
)

// Option customizes a single enqueue.
type Option func(*store.NewOutboxMessage)

// WithCorrelationID tags the message for cross-message correlation.
func WithCorrelationID(id string) Option {
	return func(m *store.NewOutboxMessage) { m.CorrelationID = id }
}

// WithDueTime defers eligibility until the given UTC instant.
func WithDueTime(due time.Time) Option {
	return func(m *store.NewOutboxMessage) {
		u := due.UTC()
		m.DueTimeUTC = &u
	}
}

// Writer is the producer-facing enqueue API over one store's outbox.
type Writer struct {
	outbox store.OutboxStore
}

// NewWriter builds a Writer over the given outbox store.
func NewWriter(outbox store.OutboxStore) *Writer {
	return &Writer{outbox: outbox}
}

// Enqueue inserts a Ready outbox row in its own transaction.
func (w *Writer) Enqueue(ctx context.Context, topic, payload string, opts ...Option) (ids.WorkItemID, error) {
	msg, err := buildMessage(topic, payload, opts)
	if err != nil {
		return ids.WorkItemID{}, err
	}
	return w.outbox.Enqueue(ctx, msg)
}

// EnqueueInTx inserts a Ready outbox row inside the caller's transaction so
// the message commits or rolls back with the caller's business writes.
func (w *Writer) EnqueueInTx(ctx context.Context, tx store.Txn, topic, payload string, opts ...Option) (ids.WorkItemID, error) {
	msg, err := buildMessage(topic, payload, opts)
	if err != nil {
		return ids.WorkItemID{}, err
	}
	return w.outbox.EnqueueInTx(ctx, tx, msg)
}

func buildMessage(topic, payload string, opts []Option) (store.NewOutboxMessage, error) {
	if topic == "" {
		return store.NewOutboxMessage{}, workqueue.NewValidationError("topic must not be empty")
	}
	msg := store.NewOutboxMessage{Topic: topic, Payload: payload}
	for _, opt := range opts {
		opt(&msg)
	}
	return msg, nil
}
