package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/sqlbus/sqlbus/pkg/ids"
	"github.com/sqlbus/sqlbus/pkg/store"
	"github.com/sqlbus/sqlbus/pkg/workqueue"
)

// timerStore implements store.TimerStore.
type timerStore struct {
	s *Store
	t tables
}

var _ store.TimerStore = (*timerStore)(nil)

const timerColumns = `id, topic, payload, status, locked_until, owner_token,
	retry_count, last_error, next_attempt_at, due_time, created_at`

func scanTimerRow(row pgx.Row) (*store.Timer, error) {
	var (
		t         store.Timer
		id        uuid.UUID
		owner     *uuid.UUID
		lastError *string
	)

	err := row.Scan(
		&id, &t.Topic, &t.Payload, &t.Status, &t.LockedUntil, &owner,
		&t.RetryCount, &lastError, &t.NextAttemptAt, &t.DueTimeUTC, &t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.ID = ids.WorkItemIDFromUUID(id)
	if owner != nil {
		o := ids.OwnerTokenFromUUID(*owner)
		t.Owner = &o
	}
	if lastError != nil {
		t.LastError = *lastError
	}
	return &t, nil
}

// Schedule persists a one-shot timer that becomes claimable at dueTimeUTC.
func (t *timerStore) Schedule(ctx context.Context, topic, payload string, dueTimeUTC time.Time) (ids.WorkItemID, error) {
	if err := validateTopic(topic); err != nil {
		return ids.WorkItemID{}, err
	}

	id := ids.NewWorkItemID()
	query := fmt.Sprintf(`
		INSERT INTO %s (id, topic, payload, due_time, next_attempt_at)
		VALUES ($1, $2, $3, $4, $4)
	`, t.t.timers)

	if _, err := t.s.pool.Exec(ctx, query, id.UUID(), topic, payload, dueTimeUTC.UTC()); err != nil {
		return ids.WorkItemID{}, mapPgError(err, "timers.schedule")
	}
	return id, nil
}

// Cancel withdraws a pending timer. A timer that already fired, failed or
// never existed is reported as not cancelled, never as an error.
func (t *timerStore) Cancel(ctx context.Context, id ids.WorkItemID) (bool, error) {
	query := fmt.Sprintf(`
		UPDATE %s SET status = 4, owner_token = NULL, locked_until = NULL
		WHERE id = $1 AND status = 0
	`, t.t.timers)

	tag, err := t.s.pool.Exec(ctx, query, id.UUID())
	if err != nil {
		return false, mapPgError(err, "timers.cancel")
	}
	return tag.RowsAffected() == 1, nil
}

// Claim reserves due timers, ordered by due time.
func (t *timerStore) Claim(ctx context.Context, owner ids.OwnerToken, leaseSeconds, batchSize int) ([]store.Timer, error) {
	if err := workqueue.ValidateClaimArgs(leaseSeconds, batchSize); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		WITH eligible AS (
			SELECT id FROM %[1]s
			WHERE status = 0
			  AND (locked_until IS NULL OR locked_until <= now())
			  AND due_time <= now()
			  AND next_attempt_at <= now()
			ORDER BY due_time, id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE %[1]s t SET
			status = 1,
			owner_token = $2,
			locked_until = now() + make_interval(secs => $3)
		FROM eligible
		WHERE t.id = eligible.id
		RETURNING `+qualify("t", timerColumns), t.t.timers)

	rows, err := t.s.pool.Query(ctx, query, batchSize, owner.UUID(), float64(leaseSeconds))
	if err != nil {
		return nil, mapPgError(err, "timers.claim")
	}
	defer rows.Close()

	var claimed []store.Timer
	for rows.Next() {
		tm, err := scanTimerRow(rows)
		if err != nil {
			return nil, mapPgError(err, "timers.claim")
		}
		claimed = append(claimed, *tm)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPgError(err, "timers.claim")
	}
	return claimed, nil
}

func (t *timerStore) Ack(ctx context.Context, owner ids.OwnerToken, itemIDs []ids.WorkItemID) (int, error) {
	if err := workqueue.ValidateIDs(itemIDs); err != nil {
		return 0, err
	}
	if len(itemIDs) == 0 {
		return 0, nil
	}

	query := fmt.Sprintf(`
		UPDATE %s SET status = 2, locked_until = NULL
		WHERE id = ANY($2) AND status = 1 AND owner_token = $1
	`, t.t.timers)

	tag, err := t.s.pool.Exec(ctx, query, owner.UUID(), uuidSlice(itemIDs))
	if err != nil {
		return 0, mapPgError(err, "timers.ack")
	}
	return int(tag.RowsAffected()), nil
}

func (t *timerStore) Abandon(ctx context.Context, owner ids.OwnerToken, itemIDs []ids.WorkItemID, lastError string, retryDelay *time.Duration) (int, error) {
	if err := workqueue.ValidateIDs(itemIDs); err != nil {
		return 0, err
	}
	if len(itemIDs) == 0 {
		return 0, nil
	}

	tag, err := t.s.pool.Exec(ctx, abandonSQL(t.t.timers, retryDelay), abandonArgs(owner, itemIDs, lastError, retryDelay)...)
	if err != nil {
		return 0, mapPgError(err, "timers.abandon")
	}
	return int(tag.RowsAffected()), nil
}

func (t *timerStore) Fail(ctx context.Context, owner ids.OwnerToken, itemIDs []ids.WorkItemID, reason string) (int, error) {
	if err := workqueue.ValidateIDs(itemIDs); err != nil {
		return 0, err
	}
	if len(itemIDs) == 0 {
		return 0, nil
	}

	query := fmt.Sprintf(`
		UPDATE %s SET status = 3, locked_until = NULL, last_error = NULLIF($3, '')
		WHERE id = ANY($2) AND status = 1 AND owner_token = $1
	`, t.t.timers)

	tag, err := t.s.pool.Exec(ctx, query, owner.UUID(), uuidSlice(itemIDs), reason)
	if err != nil {
		return 0, mapPgError(err, "timers.fail")
	}
	return int(tag.RowsAffected()), nil
}

func (t *timerStore) ReapExpired(ctx context.Context) (int, error) {
	return reapExpired(ctx, t.s.pool, t.t.timers)
}
