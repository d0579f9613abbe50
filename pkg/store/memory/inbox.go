package memory

import (
	"context"
	"sort"
	"time"

	"github.com/sqlbus/sqlbus/pkg/ids"
	"github.com/sqlbus/sqlbus/pkg/store"
	"github.com/sqlbus/sqlbus/pkg/workqueue"
)

// inboxStore implements store.InboxStore.
type inboxStore struct {
	s *Store
}

var _ store.InboxStore = (*inboxStore)(nil)

func (i *inboxStore) Upsert(ctx context.Context, messageID, source, topic, payload, hash string, dueTimeUTC *time.Time) (bool, error) {
	if messageID == "" {
		return false, workqueue.NewValidationError("messageId must not be empty")
	}
	if source == "" {
		return false, workqueue.NewValidationError("source must not be empty")
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	i.s.mu.Lock()
	defer i.s.mu.Unlock()

	now := i.s.now()
	key := inboxKey{messageID: messageID, source: source}
	if row, ok := i.s.inbox[key]; ok {
		row.LastSeenUTC = now
		row.Attempts++
		return row.InboxStatus.Terminal(), nil
	}

	nextAttempt := now
	if dueTimeUTC != nil {
		nextAttempt = *dueTimeUTC
	}
	i.s.inbox[key] = &store.InboxRecord{
		Item: workqueue.Item{
			ID:            ids.NewWorkItemID(),
			Status:        workqueue.StatusReady,
			NextAttemptAt: nextAttempt,
			DueTimeUTC:    dueTimeUTC,
			CreatedAt:     now,
		},
		MessageID:    messageID,
		Source:       source,
		Topic:        topic,
		Payload:      payload,
		Hash:         hash,
		InboxStatus:  store.InboxSeen,
		FirstSeenUTC: now,
		LastSeenUTC:  now,
	}
	return false, nil
}

func (i *inboxStore) Get(ctx context.Context, messageID, source string) (*store.InboxRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	i.s.mu.Lock()
	defer i.s.mu.Unlock()

	row, ok := i.s.inbox[inboxKey{messageID: messageID, source: source}]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *row
	return &cp, nil
}

func (i *inboxStore) AlreadyProcessed(ctx context.Context, messageID, source, hash string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	i.s.mu.Lock()
	defer i.s.mu.Unlock()

	row, ok := i.s.inbox[inboxKey{messageID: messageID, source: source}]
	if !ok {
		return false, nil
	}
	if !row.InboxStatus.Terminal() {
		return false, nil
	}
	if hash != "" && row.Hash != hash {
		return false, nil
	}
	return true, nil
}

func (i *inboxStore) MarkProcessing(ctx context.Context, messageID, source string) error {
	return i.setStatus(ctx, messageID, source, store.InboxProcessing)
}

func (i *inboxStore) MarkProcessed(ctx context.Context, messageID, source string) error {
	return i.setStatus(ctx, messageID, source, store.InboxDone)
}

func (i *inboxStore) MarkDead(ctx context.Context, messageID, source string) error {
	return i.setStatus(ctx, messageID, source, store.InboxDead)
}

func (i *inboxStore) setStatus(ctx context.Context, messageID, source string, status store.InboxStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	i.s.mu.Lock()
	defer i.s.mu.Unlock()

	row, ok := i.s.inbox[inboxKey{messageID: messageID, source: source}]
	if !ok {
		return store.ErrNotFound
	}
	row.InboxStatus = status
	return nil
}

func (i *inboxStore) Claim(ctx context.Context, owner ids.OwnerToken, leaseSeconds, batchSize int) ([]store.InboxRecord, error) {
	if err := workqueue.ValidateClaimArgs(leaseSeconds, batchSize); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	i.s.mu.Lock()
	defer i.s.mu.Unlock()

	now := i.s.now()
	var candidates []*store.InboxRecord
	for _, row := range i.s.inbox {
		if eligible(&row.Item, now) {
			candidates = append(candidates, row)
		}
	}
	sort.Slice(candidates, func(a, b int) bool {
		if !candidates[a].LastSeenUTC.Equal(candidates[b].LastSeenUTC) {
			return candidates[a].LastSeenUTC.Before(candidates[b].LastSeenUTC)
		}
		return candidates[a].ID.Compare(candidates[b].ID) < 0
	})
	if len(candidates) > batchSize {
		candidates = candidates[:batchSize]
	}

	claimed := make([]store.InboxRecord, 0, len(candidates))
	for _, row := range candidates {
		claimItem(&row.Item, owner, leaseSeconds, now)
		claimed = append(claimed, *row)
	}
	return claimed, nil
}

func (i *inboxStore) Ack(ctx context.Context, owner ids.OwnerToken, itemIDs []ids.WorkItemID) (int, error) {
	return i.mutate(ctx, owner, itemIDs, func(row *store.InboxRecord) {
		ackItem(&row.Item)
		row.InboxStatus = store.InboxDone
	})
}

func (i *inboxStore) Fail(ctx context.Context, owner ids.OwnerToken, itemIDs []ids.WorkItemID, reason string) (int, error) {
	return i.mutate(ctx, owner, itemIDs, func(row *store.InboxRecord) {
		failItem(&row.Item, reason)
		row.InboxStatus = store.InboxDead
	})
}

func (i *inboxStore) Abandon(ctx context.Context, owner ids.OwnerToken, itemIDs []ids.WorkItemID, lastError string, retryDelay *time.Duration) (int, error) {
	now := i.s.now()
	return i.mutate(ctx, owner, itemIDs, func(row *store.InboxRecord) {
		abandonItem(&row.Item, lastError, retryDelay, now)
	})
}

func (i *inboxStore) mutate(ctx context.Context, owner ids.OwnerToken, itemIDs []ids.WorkItemID, apply func(*store.InboxRecord)) (int, error) {
	if err := workqueue.ValidateIDs(itemIDs); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(itemIDs) == 0 {
		return 0, nil
	}

	i.s.mu.Lock()
	defer i.s.mu.Unlock()

	byItem := make(map[ids.WorkItemID]*store.InboxRecord, len(i.s.inbox))
	for _, row := range i.s.inbox {
		byItem[row.ID] = row
	}

	count := 0
	for _, id := range itemIDs {
		row, ok := byItem[id]
		if !ok || !heldBy(&row.Item, owner) {
			continue
		}
		apply(row)
		count++
	}
	return count, nil
}

func (i *inboxStore) ReapExpired(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	i.s.mu.Lock()
	defer i.s.mu.Unlock()

	now := i.s.now()
	count := 0
	for _, row := range i.s.inbox {
		if expired(&row.Item, now) {
			releaseItem(&row.Item)
			count++
		}
	}
	return count, nil
}
