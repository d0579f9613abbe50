package inbox

import (
	"context"
	"time"

	"github.com/sqlbus/sqlbus/pkg/store"
	"github.com/sqlbus/sqlbus/pkg/workqueue"
)

// ReceiveOption customizes a single receive.
type ReceiveOption func(*receiveArgs)

type receiveArgs struct {
	hash string
	due  *time.Time
}

// WithHash stores a content digest alongside the record so duplicate
// detection can also verify the payload did not change.
func WithHash(hash string) ReceiveOption {
	return func(a *receiveArgs) { a.hash = hash }
}

// WithDueTime defers processing eligibility until the given UTC instant.
func WithDueTime(due time.Time) ReceiveOption {
	return func(a *receiveArgs) {
		u := due.UTC()
		a.due = &u
	}
}

// Receiver is the consumer-facing entry point of the inbox. Receive is
// called once per delivery; redeliveries of an already-finished message are
// reported so the caller can drop them without a handler round-trip.
type Receiver struct {
	inbox store.InboxStore
}

// NewReceiver builds a Receiver over the given inbox store.
func NewReceiver(inbox store.InboxStore) *Receiver {
	return &Receiver{inbox: inbox}
}

// Receive upserts the record keyed by (messageID, source). First arrival
// inserts a Ready row; a duplicate bumps lastSeen and attempts. The returned
// flag is true when the record already reached Done or Dead, meaning the
// delivery can be ignored.
func (r *Receiver) Receive(ctx context.Context, messageID, source, topic, payload string, opts ...ReceiveOption) (alreadyDone bool, err error) {
	if messageID == "" {
		return false, workqueue.NewValidationError("messageID must not be empty")
	}
	if source == "" {
		return false, workqueue.NewValidationError("source must not be empty")
	}
	if topic == "" {
		return false, workqueue.NewValidationError("topic must not be empty")
	}

	var args receiveArgs
	for _, opt := range opts {
		opt(&args)
	}
	return r.inbox.Upsert(ctx, messageID, source, topic, payload, args.hash, args.due)
}

// AlreadyProcessed reports whether the record is terminal. A non-empty hash
// must also match the stored digest.
func (r *Receiver) AlreadyProcessed(ctx context.Context, messageID, source, hash string) (bool, error) {
	return r.inbox.AlreadyProcessed(ctx, messageID, source, hash)
}

// MarkProcessing records that a handler started working on the message.
func (r *Receiver) MarkProcessing(ctx context.Context, messageID, source string) error {
	return r.inbox.MarkProcessing(ctx, messageID, source)
}

// MarkProcessed records successful completion.
func (r *Receiver) MarkProcessed(ctx context.Context, messageID, source string) error {
	return r.inbox.MarkProcessed(ctx, messageID, source)
}

// MarkDead records permanent failure.
func (r *Receiver) MarkDead(ctx context.Context, messageID, source string) error {
	return r.inbox.MarkDead(ctx, messageID, source)
}
