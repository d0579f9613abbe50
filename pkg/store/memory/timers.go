package memory

import (
	"context"
	"sort"
	"time"

	"github.com/sqlbus/sqlbus/pkg/ids"
	"github.com/sqlbus/sqlbus/pkg/store"
	"github.com/sqlbus/sqlbus/pkg/workqueue"
)

// timerStore implements store.TimerStore.
type timerStore struct {
	s *Store
}

var _ store.TimerStore = (*timerStore)(nil)

func (t *timerStore) Schedule(ctx context.Context, topic, payload string, dueTimeUTC time.Time) (ids.WorkItemID, error) {
	if err := validTopic(topic); err != nil {
		return ids.WorkItemID{}, err
	}
	if err := ctx.Err(); err != nil {
		return ids.WorkItemID{}, err
	}

	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	due := dueTimeUTC.UTC()
	row := &store.Timer{
		Item: workqueue.Item{
			ID:            ids.NewWorkItemID(),
			Status:        workqueue.StatusReady,
			NextAttemptAt: due,
			DueTimeUTC:    &due,
			CreatedAt:     t.s.now(),
		},
		Topic:   topic,
		Payload: payload,
	}
	t.s.timers[row.ID.UUID()] = row
	return row.ID, nil
}

func (t *timerStore) Cancel(ctx context.Context, id ids.WorkItemID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	row, ok := t.s.timers[id.UUID()]
	if !ok || row.Status != workqueue.StatusReady {
		return false, nil
	}
	row.Status = workqueue.StatusCancelled
	row.Owner = nil
	row.LockedUntil = nil
	return true, nil
}

func (t *timerStore) Claim(ctx context.Context, owner ids.OwnerToken, leaseSeconds, batchSize int) ([]store.Timer, error) {
	if err := workqueue.ValidateClaimArgs(leaseSeconds, batchSize); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	now := t.s.now()
	var candidates []*store.Timer
	for _, row := range t.s.timers {
		if eligible(&row.Item, now) {
			candidates = append(candidates, row)
		}
	}
	sort.Slice(candidates, func(a, b int) bool {
		ta, tb := candidates[a].DueTimeUTC, candidates[b].DueTimeUTC
		if !ta.Equal(*tb) {
			return ta.Before(*tb)
		}
		return candidates[a].ID.Compare(candidates[b].ID) < 0
	})
	if len(candidates) > batchSize {
		candidates = candidates[:batchSize]
	}

	claimed := make([]store.Timer, 0, len(candidates))
	for _, row := range candidates {
		claimItem(&row.Item, owner, leaseSeconds, now)
		claimed = append(claimed, *row)
	}
	return claimed, nil
}

func (t *timerStore) Ack(ctx context.Context, owner ids.OwnerToken, itemIDs []ids.WorkItemID) (int, error) {
	return t.mutate(ctx, owner, itemIDs, func(row *store.Timer) {
		ackItem(&row.Item)
	})
}

func (t *timerStore) Fail(ctx context.Context, owner ids.OwnerToken, itemIDs []ids.WorkItemID, reason string) (int, error) {
	return t.mutate(ctx, owner, itemIDs, func(row *store.Timer) {
		failItem(&row.Item, reason)
	})
}

func (t *timerStore) Abandon(ctx context.Context, owner ids.OwnerToken, itemIDs []ids.WorkItemID, lastError string, retryDelay *time.Duration) (int, error) {
	now := t.s.now()
	return t.mutate(ctx, owner, itemIDs, func(row *store.Timer) {
		abandonItem(&row.Item, lastError, retryDelay, now)
	})
}

func (t *timerStore) mutate(ctx context.Context, owner ids.OwnerToken, itemIDs []ids.WorkItemID, apply func(*store.Timer)) (int, error) {
	if err := workqueue.ValidateIDs(itemIDs); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(itemIDs) == 0 {
		return 0, nil
	}

	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	count := 0
	for _, id := range itemIDs {
		row, ok := t.s.timers[id.UUID()]
		if !ok || !heldBy(&row.Item, owner) {
			continue
		}
		apply(row)
		count++
	}
	return count, nil
}

func (t *timerStore) ReapExpired(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	now := t.s.now()
	count := 0
	for _, row := range t.s.timers {
		if expired(&row.Item, now) {
			releaseItem(&row.Item)
			count++
		}
	}
	return count, nil
}
