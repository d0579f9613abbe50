package memory

import (
	"context"
	"sort"
	"time"

	"github.com/sqlbus/sqlbus/pkg/ids"
	"github.com/sqlbus/sqlbus/pkg/store"
	"github.com/sqlbus/sqlbus/pkg/workqueue"
)

// outboxStore implements store.OutboxStore.
type outboxStore struct {
	s *Store
}

var _ store.OutboxStore = (*outboxStore)(nil)

func validTopic(topic string) error {
	if topic == "" {
		return workqueue.NewValidationError("topic must not be empty")
	}
	if len(topic) > 255 {
		return workqueue.NewValidationError("topic exceeds 255 characters")
	}
	return nil
}

func (o *outboxStore) Enqueue(ctx context.Context, msg store.NewOutboxMessage) (ids.WorkItemID, error) {
	if err := ctx.Err(); err != nil {
		return ids.WorkItemID{}, err
	}

	o.s.mu.Lock()
	defer o.s.mu.Unlock()
	return o.enqueueLocked(msg)
}

func (o *outboxStore) EnqueueInTx(ctx context.Context, tx store.Txn, msg store.NewOutboxMessage) (ids.WorkItemID, error) {
	if err := ctx.Err(); err != nil {
		return ids.WorkItemID{}, err
	}
	if _, err := o.s.asTx(tx); err != nil {
		return ids.WorkItemID{}, err
	}
	return o.enqueueLocked(msg)
}

func (o *outboxStore) enqueueLocked(msg store.NewOutboxMessage) (ids.WorkItemID, error) {
	if err := validTopic(msg.Topic); err != nil {
		return ids.WorkItemID{}, err
	}

	now := o.s.now()
	row := &store.OutboxMessage{
		Item: workqueue.Item{
			ID:            ids.NewWorkItemID(),
			Status:        workqueue.StatusReady,
			NextAttemptAt: now,
			DueTimeUTC:    msg.DueTimeUTC,
			CreatedAt:     now,
		},
		Topic:         msg.Topic,
		Payload:       msg.Payload,
		CorrelationID: msg.CorrelationID,
		MessageID:     ids.NewMessageID(),
	}
	if msg.DueTimeUTC != nil {
		row.NextAttemptAt = *msg.DueTimeUTC
	}

	o.s.nextPosition++
	o.s.outbox[row.ID.UUID()] = row
	o.s.outboxPos[row.ID.UUID()] = o.s.nextPosition
	return row.ID, nil
}

func (o *outboxStore) Get(ctx context.Context, id ids.WorkItemID) (*store.OutboxMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	o.s.mu.Lock()
	defer o.s.mu.Unlock()

	row, ok := o.s.outbox[id.UUID()]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *row
	return &cp, nil
}

func (o *outboxStore) Claim(ctx context.Context, owner ids.OwnerToken, leaseSeconds, batchSize int) ([]store.OutboxMessage, error) {
	if err := workqueue.ValidateClaimArgs(leaseSeconds, batchSize); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	o.s.mu.Lock()
	defer o.s.mu.Unlock()

	now := o.s.now()
	var candidates []*store.OutboxMessage
	for _, row := range o.s.outbox {
		if eligible(&row.Item, now) {
			candidates = append(candidates, row)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
		}
		return candidates[i].ID.Compare(candidates[j].ID) < 0
	})
	if len(candidates) > batchSize {
		candidates = candidates[:batchSize]
	}

	claimed := make([]store.OutboxMessage, 0, len(candidates))
	for _, row := range candidates {
		claimItem(&row.Item, owner, leaseSeconds, now)
		claimed = append(claimed, *row)
	}
	return claimed, nil
}

func (o *outboxStore) Ack(ctx context.Context, owner ids.OwnerToken, itemIDs []ids.WorkItemID) (int, error) {
	return o.finish(ctx, owner, itemIDs, true, "")
}

func (o *outboxStore) Fail(ctx context.Context, owner ids.OwnerToken, itemIDs []ids.WorkItemID, reason string) (int, error) {
	return o.finish(ctx, owner, itemIDs, false, reason)
}

// finish applies the terminal transition and advances join counters for the
// affected members, all under the one store mutex.
func (o *outboxStore) finish(ctx context.Context, owner ids.OwnerToken, itemIDs []ids.WorkItemID, ack bool, reason string) (int, error) {
	if err := workqueue.ValidateIDs(itemIDs); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(itemIDs) == 0 {
		return 0, nil
	}

	o.s.mu.Lock()
	defer o.s.mu.Unlock()

	now := o.s.now()
	count := 0
	for _, id := range itemIDs {
		row, ok := o.s.outbox[id.UUID()]
		if !ok || !heldBy(&row.Item, owner) {
			continue
		}
		if ack {
			ackItem(&row.Item)
			row.ProcessedAt = &now
			row.ProcessedBy = owner.String()
		} else {
			failItem(&row.Item, reason)
		}
		o.s.advanceJoinsLocked(id, ack)
		count++
	}
	return count, nil
}

func (o *outboxStore) Abandon(ctx context.Context, owner ids.OwnerToken, itemIDs []ids.WorkItemID, lastError string, retryDelay *time.Duration) (int, error) {
	if err := workqueue.ValidateIDs(itemIDs); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(itemIDs) == 0 {
		return 0, nil
	}

	o.s.mu.Lock()
	defer o.s.mu.Unlock()

	now := o.s.now()
	count := 0
	for _, id := range itemIDs {
		row, ok := o.s.outbox[id.UUID()]
		if !ok || !heldBy(&row.Item, owner) {
			continue
		}
		abandonItem(&row.Item, lastError, retryDelay, now)
		count++
	}
	return count, nil
}

func (o *outboxStore) ReapExpired(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	o.s.mu.Lock()
	defer o.s.mu.Unlock()

	now := o.s.now()
	count := 0
	for _, row := range o.s.outbox {
		if expired(&row.Item, now) {
			releaseItem(&row.Item)
			count++
		}
	}
	return count, nil
}

func (o *outboxStore) DeleteDoneBefore(ctx context.Context, cutoff time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	o.s.mu.Lock()
	defer o.s.mu.Unlock()

	count := 0
	for id, row := range o.s.outbox {
		if row.Status == workqueue.StatusDone && row.CreatedAt.Before(cutoff) {
			delete(o.s.outbox, id)
			delete(o.s.outboxPos, id)
			count++
		}
	}
	return count, nil
}
