package memory

import (
	"context"

	"github.com/sqlbus/sqlbus/pkg/store"
)

// schedulerStateStore implements store.SchedulerStateStore.
type schedulerStateStore struct {
	s *Store
}

var _ store.SchedulerStateStore = (*schedulerStateStore)(nil)

func (s *schedulerStateStore) UpdateFencing(ctx context.Context, token int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.s.mu.Lock()
	defer s.s.mu.Unlock()

	if token < s.s.schedulerFencing {
		return false, nil
	}
	s.s.schedulerFencing = token
	return true, nil
}

func (s *schedulerStateStore) CurrentFencing(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.s.mu.Lock()
	defer s.s.mu.Unlock()

	return s.s.schedulerFencing, nil
}
