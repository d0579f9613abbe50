package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/sqlbus/sqlbus/pkg/store"
)

// schedulerStateStore implements store.SchedulerStateStore on a singleton
// row. The fencing token only ever moves forward; an instance presenting a
// stale token learns it has been superseded.
type schedulerStateStore struct {
	s *Store
	t tables
}

var _ store.SchedulerStateStore = (*schedulerStateStore)(nil)

func (s *schedulerStateStore) UpdateFencing(ctx context.Context, token int64) (bool, error) {
	query := fmt.Sprintf(`
		INSERT INTO %[1]s (id, current_fencing)
		VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET current_fencing = EXCLUDED.current_fencing
		WHERE %[1]s.current_fencing <= EXCLUDED.current_fencing
		RETURNING current_fencing
	`, s.t.schedulerState)

	var stored int64
	err := s.s.pool.QueryRow(ctx, query, token).Scan(&stored)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// The guard rejected the write: token is behind.
			return false, nil
		}
		return false, mapPgError(err, "scheduler_state.update_fencing")
	}
	return true, nil
}

func (s *schedulerStateStore) CurrentFencing(ctx context.Context) (int64, error) {
	query := fmt.Sprintf(`SELECT current_fencing FROM %s WHERE id = 1`, s.t.schedulerState)

	var fencing int64
	err := s.s.pool.QueryRow(ctx, query).Scan(&fencing)
	if err != nil {
		if mapped := mapPgError(err, "scheduler_state.current"); isNotFound(mapped) {
			return 0, nil
		}
		return 0, mapPgError(err, "scheduler_state.current")
	}
	return fencing, nil
}
