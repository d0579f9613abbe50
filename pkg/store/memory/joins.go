package memory

import (
	"context"

	"github.com/sqlbus/sqlbus/pkg/ids"
	"github.com/sqlbus/sqlbus/pkg/store"
	"github.com/sqlbus/sqlbus/pkg/workqueue"
)

// joinStore implements store.JoinStore.
type joinStore struct {
	s *Store
}

var _ store.JoinStore = (*joinStore)(nil)

func (j *joinStore) Start(ctx context.Context, groupingKey string, expectedSteps int, metadata string) (ids.WorkItemID, error) {
	if expectedSteps <= 0 {
		return ids.WorkItemID{}, workqueue.NewValidationError("expectedSteps must be positive")
	}
	if err := ctx.Err(); err != nil {
		return ids.WorkItemID{}, err
	}

	j.s.mu.Lock()
	defer j.s.mu.Unlock()

	now := j.s.now()
	join := &store.Join{
		ID:            ids.NewWorkItemID(),
		GroupingKey:   groupingKey,
		ExpectedSteps: expectedSteps,
		Status:        store.JoinPending,
		Metadata:      metadata,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	j.s.joins[join.ID.UUID()] = join
	return join.ID, nil
}

func (j *joinStore) Attach(ctx context.Context, joinID, outboxMessageID ids.WorkItemID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	j.s.mu.Lock()
	defer j.s.mu.Unlock()

	if _, ok := j.s.joins[joinID.UUID()]; !ok {
		return store.ErrNotFound
	}
	for _, m := range j.s.joinMembers[joinID.UUID()] {
		if m.MessageID == outboxMessageID {
			return nil
		}
	}
	j.s.joinMembers[joinID.UUID()] = append(j.s.joinMembers[joinID.UUID()], &store.JoinMember{
		JoinID:    joinID,
		MessageID: outboxMessageID,
		Status:    store.JoinMemberPending,
	})
	return nil
}

func (j *joinStore) Get(ctx context.Context, joinID ids.WorkItemID) (*store.Join, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	j.s.mu.Lock()
	defer j.s.mu.Unlock()

	join, ok := j.s.joins[joinID.UUID()]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *join
	return &cp, nil
}

func (j *joinStore) Members(ctx context.Context, joinID ids.WorkItemID) ([]store.JoinMember, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	j.s.mu.Lock()
	defer j.s.mu.Unlock()

	members := j.s.joinMembers[joinID.UUID()]
	out := make([]store.JoinMember, 0, len(members))
	for _, m := range members {
		out = append(out, *m)
	}
	return out, nil
}

func (j *joinStore) SetStatus(ctx context.Context, joinID ids.WorkItemID, status store.JoinStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	j.s.mu.Lock()
	defer j.s.mu.Unlock()

	join, ok := j.s.joins[joinID.UUID()]
	if !ok {
		return store.ErrNotFound
	}
	if join.Status != store.JoinPending {
		return nil
	}
	join.Status = status
	join.UpdatedAt = j.s.now()
	return nil
}

func (j *joinStore) ReportStepCompleted(ctx context.Context, joinID, outboxMessageID ids.WorkItemID) error {
	return j.reportStep(ctx, joinID, outboxMessageID, true)
}

func (j *joinStore) ReportStepFailed(ctx context.Context, joinID, outboxMessageID ids.WorkItemID) error {
	return j.reportStep(ctx, joinID, outboxMessageID, false)
}

func (j *joinStore) reportStep(ctx context.Context, joinID, outboxMessageID ids.WorkItemID, completed bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	j.s.mu.Lock()
	defer j.s.mu.Unlock()

	join, ok := j.s.joins[joinID.UUID()]
	if !ok {
		return store.ErrNotFound
	}
	for _, m := range j.s.joinMembers[joinID.UUID()] {
		if m.MessageID != outboxMessageID || m.Status != store.JoinMemberPending {
			continue
		}
		if completed {
			m.Status = store.JoinMemberCompleted
			join.CompletedSteps++
		} else {
			m.Status = store.JoinMemberFailed
			join.FailedSteps++
		}
		join.UpdatedAt = j.s.now()
	}
	return nil
}

// advanceJoinsLocked moves any pending member referencing the finished
// outbox message and bumps the owning join's counter. Caller holds s.mu.
func (s *Store) advanceJoinsLocked(messageID ids.WorkItemID, completed bool) {
	for joinUUID, members := range s.joinMembers {
		join, ok := s.joins[joinUUID]
		if !ok {
			continue
		}
		for _, m := range members {
			if m.MessageID != messageID || m.Status != store.JoinMemberPending {
				continue
			}
			if completed {
				m.Status = store.JoinMemberCompleted
				join.CompletedSteps++
			} else {
				m.Status = store.JoinMemberFailed
				join.FailedSteps++
			}
			join.UpdatedAt = s.now()
		}
	}
}
