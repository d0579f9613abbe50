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

// inboxStore implements store.InboxStore.
type inboxStore struct {
	s *Store
	t tables
}

var _ store.InboxStore = (*inboxStore)(nil)

const inboxColumns = `item_id, message_id, source, topic, payload, hash,
	inbox_status, first_seen, last_seen, attempts,
	status, locked_until, owner_token, retry_count, last_error,
	next_attempt_at, due_time, created_at`

func scanInboxRow(row pgx.Row) (*store.InboxRecord, error) {
	var (
		r         store.InboxRecord
		itemID    uuid.UUID
		hash      *string
		owner     *uuid.UUID
		lastError *string
	)

	err := row.Scan(
		&itemID, &r.MessageID, &r.Source, &r.Topic, &r.Payload, &hash,
		&r.InboxStatus, &r.FirstSeenUTC, &r.LastSeenUTC, &r.Attempts,
		&r.Status, &r.LockedUntil, &owner, &r.RetryCount, &lastError,
		&r.NextAttemptAt, &r.DueTimeUTC, &r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.ID = ids.WorkItemIDFromUUID(itemID)
	if hash != nil {
		r.Hash = *hash
	}
	if owner != nil {
		t := ids.OwnerTokenFromUUID(*owner)
		r.Owner = &t
	}
	if lastError != nil {
		r.LastError = *lastError
	}
	return &r, nil
}

// Upsert inserts on first arrival or bumps lastSeen/attempts on a
// duplicate, atomically. The reported flag is true when the pre-existing
// row was already terminal.
func (i *inboxStore) Upsert(ctx context.Context, messageID, source, topic, payload, hash string, dueTimeUTC *time.Time) (bool, error) {
	if messageID == "" {
		return false, workqueue.NewValidationError("messageId must not be empty")
	}
	if source == "" {
		return false, workqueue.NewValidationError("source must not be empty")
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (item_id, message_id, source, topic, payload, hash, due_time, next_attempt_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, COALESCE($7, now()))
		ON CONFLICT (message_id, source) DO UPDATE SET
			last_seen = now(),
			attempts = %[1]s.attempts + 1
		RETURNING (xmax <> 0) AS existed, inbox_status
	`, i.t.inbox)

	var existed bool
	var status store.InboxStatus
	err := i.s.pool.QueryRow(ctx, query,
		ids.NewWorkItemID().UUID(), messageID, source, topic, payload, hash, dueTimeUTC,
	).Scan(&existed, &status)
	if err != nil {
		return false, mapPgError(err, "inbox.upsert")
	}

	return existed && status.Terminal(), nil
}

// Get fetches one record by its composite key.
func (i *inboxStore) Get(ctx context.Context, messageID, source string) (*store.InboxRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE message_id = $1 AND source = $2`, inboxColumns, i.t.inbox)
	r, err := scanInboxRow(i.s.pool.QueryRow(ctx, query, messageID, source))
	if err != nil {
		return nil, mapPgError(err, "inbox.get")
	}
	return r, nil
}

// AlreadyProcessed reports terminality, optionally requiring a hash match.
func (i *inboxStore) AlreadyProcessed(ctx context.Context, messageID, source, hash string) (bool, error) {
	query := fmt.Sprintf(`
		SELECT inbox_status, COALESCE(hash, '') FROM %s
		WHERE message_id = $1 AND source = $2
	`, i.t.inbox)

	var status store.InboxStatus
	var storedHash string
	err := i.s.pool.QueryRow(ctx, query, messageID, source).Scan(&status, &storedHash)
	if err != nil {
		if mapped := mapPgError(err, "inbox.already_processed"); isNotFound(mapped) {
			return false, nil
		}
		return false, mapPgError(err, "inbox.already_processed")
	}

	if !status.Terminal() {
		return false, nil
	}
	if hash != "" && storedHash != hash {
		return false, nil
	}
	return true, nil
}

func (i *inboxStore) MarkProcessing(ctx context.Context, messageID, source string) error {
	return i.setInboxStatus(ctx, messageID, source, store.InboxProcessing)
}

func (i *inboxStore) MarkProcessed(ctx context.Context, messageID, source string) error {
	return i.setInboxStatus(ctx, messageID, source, store.InboxDone)
}

func (i *inboxStore) MarkDead(ctx context.Context, messageID, source string) error {
	return i.setInboxStatus(ctx, messageID, source, store.InboxDead)
}

func (i *inboxStore) setInboxStatus(ctx context.Context, messageID, source string, status store.InboxStatus) error {
	query := fmt.Sprintf(`UPDATE %s SET inbox_status = $3 WHERE message_id = $1 AND source = $2`, i.t.inbox)
	tag, err := i.s.pool.Exec(ctx, query, messageID, source, string(status))
	if err != nil {
		return mapPgError(err, "inbox.set_status")
	}
	if tag.RowsAffected() == 0 {
		return &StoreError{Op: "inbox.set_status", Err: ErrNotFound}
	}
	return nil
}

// Claim reserves eligible records, ordered by last-seen time.
func (i *inboxStore) Claim(ctx context.Context, owner ids.OwnerToken, leaseSeconds, batchSize int) ([]store.InboxRecord, error) {
	if err := workqueue.ValidateClaimArgs(leaseSeconds, batchSize); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		WITH eligible AS (
			SELECT item_id FROM %[1]s
			WHERE status = 0
			  AND (locked_until IS NULL OR locked_until <= now())
			  AND (due_time IS NULL OR due_time <= now())
			  AND next_attempt_at <= now()
			ORDER BY last_seen, item_id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE %[1]s i SET
			status = 1,
			owner_token = $2,
			locked_until = now() + make_interval(secs => $3)
		FROM eligible
		WHERE i.item_id = eligible.item_id
		RETURNING `+qualify("i", inboxColumns), i.t.inbox)

	rows, err := i.s.pool.Query(ctx, query, batchSize, owner.UUID(), float64(leaseSeconds))
	if err != nil {
		return nil, mapPgError(err, "inbox.claim")
	}
	defer rows.Close()

	var claimed []store.InboxRecord
	for rows.Next() {
		r, err := scanInboxRow(rows)
		if err != nil {
			return nil, mapPgError(err, "inbox.claim")
		}
		claimed = append(claimed, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPgError(err, "inbox.claim")
	}
	return claimed, nil
}

func (i *inboxStore) Ack(ctx context.Context, owner ids.OwnerToken, itemIDs []ids.WorkItemID) (int, error) {
	if err := workqueue.ValidateIDs(itemIDs); err != nil {
		return 0, err
	}
	if len(itemIDs) == 0 {
		return 0, nil
	}

	query := fmt.Sprintf(`
		UPDATE %s SET
			status = 2,
			locked_until = NULL,
			inbox_status = 'Done'
		WHERE item_id = ANY($2) AND status = 1 AND owner_token = $1
	`, i.t.inbox)

	tag, err := i.s.pool.Exec(ctx, query, owner.UUID(), uuidSlice(itemIDs))
	if err != nil {
		return 0, mapPgError(err, "inbox.ack")
	}
	return int(tag.RowsAffected()), nil
}

func (i *inboxStore) Abandon(ctx context.Context, owner ids.OwnerToken, itemIDs []ids.WorkItemID, lastError string, retryDelay *time.Duration) (int, error) {
	if err := workqueue.ValidateIDs(itemIDs); err != nil {
		return 0, err
	}
	if len(itemIDs) == 0 {
		return 0, nil
	}

	query := fmt.Sprintf(`
		UPDATE %s SET
			status = 0,
			owner_token = NULL,
			locked_until = NULL,
			retry_count = retry_count + 1,
			last_error = NULLIF($3, ''),
			next_attempt_at = now() + make_interval(secs => %s)
		WHERE item_id = ANY($2) AND status = 1 AND owner_token = $1
	`, i.t.inbox, abandonDelayExpr(retryDelay))

	tag, err := i.s.pool.Exec(ctx, query, abandonArgs(owner, itemIDs, lastError, retryDelay)...)
	if err != nil {
		return 0, mapPgError(err, "inbox.abandon")
	}
	return int(tag.RowsAffected()), nil
}

func (i *inboxStore) Fail(ctx context.Context, owner ids.OwnerToken, itemIDs []ids.WorkItemID, reason string) (int, error) {
	if err := workqueue.ValidateIDs(itemIDs); err != nil {
		return 0, err
	}
	if len(itemIDs) == 0 {
		return 0, nil
	}

	query := fmt.Sprintf(`
		UPDATE %s SET
			status = 3,
			locked_until = NULL,
			last_error = NULLIF($3, ''),
			inbox_status = 'Dead'
		WHERE item_id = ANY($2) AND status = 1 AND owner_token = $1
	`, i.t.inbox)

	tag, err := i.s.pool.Exec(ctx, query, owner.UUID(), uuidSlice(itemIDs), reason)
	if err != nil {
		return 0, mapPgError(err, "inbox.fail")
	}
	return int(tag.RowsAffected()), nil
}

func (i *inboxStore) ReapExpired(ctx context.Context) (int, error) {
	return reapExpired(ctx, i.s.pool, i.t.inbox)
}
