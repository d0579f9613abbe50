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

// outboxStore implements store.OutboxStore.
type outboxStore struct {
	s *Store
	t tables
}

var _ store.OutboxStore = (*outboxStore)(nil)

const outboxColumns = `id, status, locked_until, owner_token, retry_count,
	last_error, next_attempt_at, due_time, created_at,
	topic, payload, correlation_id, message_id, processed_at, processed_by`

func scanOutboxRow(row pgx.Row) (*store.OutboxMessage, error) {
	var (
		m           store.OutboxMessage
		id          uuid.UUID
		owner       *uuid.UUID
		lastError   *string
		correlation *string
		messageID   uuid.UUID
		processedBy *string
	)

	err := row.Scan(
		&id, &m.Status, &m.LockedUntil, &owner, &m.RetryCount,
		&lastError, &m.NextAttemptAt, &m.DueTimeUTC, &m.CreatedAt,
		&m.Topic, &m.Payload, &correlation, &messageID, &m.ProcessedAt, &processedBy,
	)
	if err != nil {
		return nil, err
	}

	m.ID = ids.WorkItemIDFromUUID(id)
	m.MessageID = ids.MessageIDFromUUID(messageID)
	if owner != nil {
		t := ids.OwnerTokenFromUUID(*owner)
		m.Owner = &t
	}
	if lastError != nil {
		m.LastError = *lastError
	}
	if correlation != nil {
		m.CorrelationID = *correlation
	}
	if processedBy != nil {
		m.ProcessedBy = *processedBy
	}
	return &m, nil
}

func validateTopic(topic string) error {
	if topic == "" {
		return workqueue.NewValidationError("topic must not be empty")
	}
	if len(topic) > 255 {
		return workqueue.NewValidationError("topic exceeds 255 characters")
	}
	return nil
}

// Enqueue inserts the message inside an internal transaction.
func (o *outboxStore) Enqueue(ctx context.Context, msg store.NewOutboxMessage) (ids.WorkItemID, error) {
	var id ids.WorkItemID
	err := o.s.WithTx(ctx, func(tx store.Txn) error {
		var err error
		id, err = o.EnqueueInTx(ctx, tx, msg)
		return err
	})
	return id, err
}

// EnqueueInTx inserts the message into the caller's transaction without
// committing it. The row becomes visible to dispatchers only when the
// caller commits.
func (o *outboxStore) EnqueueInTx(ctx context.Context, txn store.Txn, msg store.NewOutboxMessage) (ids.WorkItemID, error) {
	if err := ctx.Err(); err != nil {
		return ids.WorkItemID{}, err
	}
	if err := validateTopic(msg.Topic); err != nil {
		return ids.WorkItemID{}, err
	}

	tx, err := asTx(txn)
	if err != nil {
		return ids.WorkItemID{}, err
	}

	id := ids.NewWorkItemID()
	messageID := ids.NewMessageID()

	query := fmt.Sprintf(`
		INSERT INTO %s (id, topic, payload, correlation_id, message_id, due_time, next_attempt_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, COALESCE($6, now()))
	`, o.t.outbox)

	_, err = tx.Exec(ctx, query,
		id.UUID(), msg.Topic, msg.Payload, msg.CorrelationID, messageID.UUID(), msg.DueTimeUTC,
	)
	if err != nil {
		return ids.WorkItemID{}, mapPgError(err, "outbox.enqueue")
	}

	return id, nil
}

// Claim reserves up to batchSize eligible rows for owner.
func (o *outboxStore) Claim(ctx context.Context, owner ids.OwnerToken, leaseSeconds, batchSize int) ([]store.OutboxMessage, error) {
	if err := workqueue.ValidateClaimArgs(leaseSeconds, batchSize); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		WITH eligible AS (
			SELECT id FROM %[1]s
			WHERE status = 0
			  AND (locked_until IS NULL OR locked_until <= now())
			  AND (due_time IS NULL OR due_time <= now())
			  AND next_attempt_at <= now()
			ORDER BY created_at, id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE %[1]s o SET
			status = 1,
			owner_token = $2,
			locked_until = now() + make_interval(secs => $3)
		FROM eligible
		WHERE o.id = eligible.id
		RETURNING `+qualify("o", outboxColumns), o.t.outbox)

	rows, err := o.s.pool.Query(ctx, query, batchSize, owner.UUID(), float64(leaseSeconds))
	if err != nil {
		return nil, mapPgError(err, "outbox.claim")
	}
	defer rows.Close()

	var claimed []store.OutboxMessage
	for rows.Next() {
		m, err := scanOutboxRow(rows)
		if err != nil {
			return nil, mapPgError(err, "outbox.claim")
		}
		claimed = append(claimed, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPgError(err, "outbox.claim")
	}
	return claimed, nil
}

// Ack transitions owned InProgress rows to Done and, in the same
// transaction, marks pending join members for those rows completed and
// advances the owning joins' completed counters.
func (o *outboxStore) Ack(ctx context.Context, owner ids.OwnerToken, itemIDs []ids.WorkItemID) (int, error) {
	return o.finish(ctx, owner, itemIDs, true, "")
}

// Fail transitions owned InProgress rows to Failed and advances the failed
// counters of any joins referencing them.
func (o *outboxStore) Fail(ctx context.Context, owner ids.OwnerToken, itemIDs []ids.WorkItemID, reason string) (int, error) {
	return o.finish(ctx, owner, itemIDs, false, reason)
}

func (o *outboxStore) finish(ctx context.Context, owner ids.OwnerToken, itemIDs []ids.WorkItemID, ack bool, reason string) (int, error) {
	if err := workqueue.ValidateIDs(itemIDs); err != nil {
		return 0, err
	}
	if len(itemIDs) == 0 {
		return 0, nil
	}

	var affected int
	err := o.s.WithTx(ctx, func(txn store.Txn) error {
		tx, err := asTx(txn)
		if err != nil {
			return err
		}

		var touched []uuid.UUID
		if ack {
			query := fmt.Sprintf(`
				UPDATE %s SET
					status = 2,
					locked_until = NULL,
					processed_at = now(),
					processed_by = $1::text
				WHERE id = ANY($2) AND status = 1 AND owner_token = $1
				RETURNING id
			`, o.t.outbox)
			touched, err = collectIDs(ctx, tx, query, owner.UUID(), uuidSlice(itemIDs))
		} else {
			query := fmt.Sprintf(`
				UPDATE %s SET
					status = 3,
					locked_until = NULL,
					last_error = NULLIF($3, '')
				WHERE id = ANY($2) AND status = 1 AND owner_token = $1
				RETURNING id
			`, o.t.outbox)
			touched, err = collectIDs(ctx, tx, query, owner.UUID(), uuidSlice(itemIDs), reason)
		}
		if err != nil {
			return mapPgError(err, "outbox.finish")
		}
		affected = len(touched)
		if affected == 0 {
			return nil
		}

		return o.advanceJoins(ctx, tx, touched, ack)
	})
	if err != nil {
		return 0, err
	}
	return affected, nil
}

// advanceJoins fuses join counter updates into the ack/fail transaction.
// Members already terminal are untouched, so a redelivered ack after lease
// loss cannot double-increment (the owner filter already blocks the stale
// owner, this guards the member level as well).
func (o *outboxStore) advanceJoins(ctx context.Context, tx pgx.Tx, messageIDs []uuid.UUID, completed bool) error {
	memberStatus := "Completed"
	counter := "completed_steps"
	if !completed {
		memberStatus = "Failed"
		counter = "failed_steps"
	}

	query := fmt.Sprintf(`
		WITH advanced AS (
			UPDATE %s m SET status = $1
			WHERE m.outbox_message_id = ANY($2) AND m.status = 'Pending'
			RETURNING m.join_id
		)
		UPDATE %s j SET
			%s = j.%s + c.cnt,
			updated_at = now()
		FROM (SELECT join_id, count(*) AS cnt FROM advanced GROUP BY join_id) c
		WHERE j.id = c.join_id
	`, o.t.joinMembers, o.t.joins, counter, counter)

	if _, err := tx.Exec(ctx, query, memberStatus, messageIDs); err != nil {
		return mapPgError(err, "outbox.advance_joins")
	}
	return nil
}

// Abandon returns owned InProgress rows to Ready with backoff.
func (o *outboxStore) Abandon(ctx context.Context, owner ids.OwnerToken, itemIDs []ids.WorkItemID, lastError string, retryDelay *time.Duration) (int, error) {
	if err := workqueue.ValidateIDs(itemIDs); err != nil {
		return 0, err
	}
	if len(itemIDs) == 0 {
		return 0, nil
	}

	tag, err := o.s.pool.Exec(ctx, abandonSQL(o.t.outbox, retryDelay),
		abandonArgs(owner, itemIDs, lastError, retryDelay)...)
	if err != nil {
		return 0, mapPgError(err, "outbox.abandon")
	}
	return int(tag.RowsAffected()), nil
}

// ReapExpired returns expired InProgress rows to Ready.
func (o *outboxStore) ReapExpired(ctx context.Context) (int, error) {
	return reapExpired(ctx, o.s.pool, o.t.outbox)
}

// Get fetches one row by id.
func (o *outboxStore) Get(ctx context.Context, id ids.WorkItemID) (*store.OutboxMessage, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, outboxColumns, o.t.outbox)
	m, err := scanOutboxRow(o.s.pool.QueryRow(ctx, query, id.UUID()))
	if err != nil {
		return nil, mapPgError(err, "outbox.get")
	}
	return m, nil
}

// DeleteDoneBefore removes Done rows older than cutoff.
func (o *outboxStore) DeleteDoneBefore(ctx context.Context, cutoff time.Time) (int, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE status = 2 AND created_at < $1`, o.t.outbox)
	tag, err := o.s.pool.Exec(ctx, query, cutoff.UTC())
	if err != nil {
		return 0, mapPgError(err, "outbox.cleanup")
	}
	return int(tag.RowsAffected()), nil
}
