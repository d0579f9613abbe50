package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/sqlbus/sqlbus/pkg/ids"
	"github.com/sqlbus/sqlbus/pkg/store"
	"github.com/sqlbus/sqlbus/pkg/workqueue"
)

// fanoutStore implements store.FanoutStore. Destinations are stored as a
// jsonb document on the policy row; the expansion table and the cursor give
// the dispatcher its exactly-once-per-destination bookkeeping.
type fanoutStore struct {
	s *Store
	t tables
}

var _ store.FanoutStore = (*fanoutStore)(nil)

func (f *fanoutStore) UpsertPolicy(ctx context.Context, policy store.FanoutPolicy) error {
	if policy.Name == "" {
		return workqueue.NewValidationError("fanout policy name must not be empty")
	}
	if err := validateTopic(policy.SourceTopic); err != nil {
		return err
	}
	if len(policy.Destinations) == 0 {
		return workqueue.NewValidationError("fanout policy needs at least one destination")
	}
	seen := make(map[string]struct{}, len(policy.Destinations))
	for _, d := range policy.Destinations {
		if d.Key == "" {
			return workqueue.NewValidationError("fanout destination key must not be empty")
		}
		if _, dup := seen[d.Key]; dup {
			return workqueue.NewValidationError("fanout destination keys must be unique within a policy")
		}
		seen[d.Key] = struct{}{}
		if err := validateTopic(d.Topic); err != nil {
			return err
		}
	}

	destinations, err := json.Marshal(policy.Destinations)
	if err != nil {
		return fmt.Errorf("encode destinations: %w", err)
	}

	upsertPolicy := fmt.Sprintf(`
		INSERT INTO %s (name, source_topic, destinations, is_enabled)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO UPDATE SET
			source_topic = EXCLUDED.source_topic,
			destinations = EXCLUDED.destinations,
			is_enabled = EXCLUDED.is_enabled
	`, f.t.fanoutPolicy)
	ensureCursor := fmt.Sprintf(`
		INSERT INTO %s (policy_name) VALUES ($1)
		ON CONFLICT (policy_name) DO NOTHING
	`, f.t.fanoutCursor)

	err = f.s.WithTx(ctx, func(txn store.Txn) error {
		tx, err := asTx(txn)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, upsertPolicy, policy.Name, policy.SourceTopic, destinations, policy.IsEnabled); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, ensureCursor, policy.Name)
		return err
	})
	if err != nil {
		return mapPgError(err, "fanout.upsert_policy")
	}
	return nil
}

func (f *fanoutStore) DeletePolicy(ctx context.Context, name string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE name = $1`, f.t.fanoutPolicy)
	if _, err := f.s.pool.Exec(ctx, query, name); err != nil {
		return mapPgError(err, "fanout.delete_policy")
	}
	return nil
}

func (f *fanoutStore) Policies(ctx context.Context) ([]store.FanoutPolicy, error) {
	query := fmt.Sprintf(`
		SELECT name, source_topic, destinations, is_enabled
		FROM %s ORDER BY name
	`, f.t.fanoutPolicy)

	rows, err := f.s.pool.Query(ctx, query)
	if err != nil {
		return nil, mapPgError(err, "fanout.policies")
	}
	defer rows.Close()

	var policies []store.FanoutPolicy
	for rows.Next() {
		var p store.FanoutPolicy
		var destinations []byte
		if err := rows.Scan(&p.Name, &p.SourceTopic, &destinations, &p.IsEnabled); err != nil {
			return nil, mapPgError(err, "fanout.policies")
		}
		if err := json.Unmarshal(destinations, &p.Destinations); err != nil {
			return nil, fmt.Errorf("decode destinations for policy %q: %w", p.Name, err)
		}
		policies = append(policies, p)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPgError(err, "fanout.policies")
	}
	return policies, nil
}

func (f *fanoutStore) Cursor(ctx context.Context, policyName string) (*store.FanoutCursor, error) {
	query := fmt.Sprintf(`
		SELECT policy_name, last_position, updated_at FROM %s WHERE policy_name = $1
	`, f.t.fanoutCursor)

	var c store.FanoutCursor
	err := f.s.pool.QueryRow(ctx, query, policyName).Scan(&c.PolicyName, &c.LastPosition, &c.UpdatedAt)
	if err != nil {
		return nil, mapPgError(err, "fanout.cursor")
	}
	return &c, nil
}

// ReadSource pages the source topic's outbox stream in position order.
// Every row past the cursor is visible regardless of its queue status so
// expansion lags, never skips.
func (f *fanoutStore) ReadSource(ctx context.Context, sourceTopic string, afterPosition int64, limit int) ([]store.SourceEntry, error) {
	if limit <= 0 {
		return nil, workqueue.NewValidationError("read limit must be positive")
	}

	query := fmt.Sprintf(`
		SELECT position, %s
		FROM %s
		WHERE topic = $1 AND position > $2
		ORDER BY position
		LIMIT $3
	`, outboxColumns, f.t.outbox)

	rows, err := f.s.pool.Query(ctx, query, sourceTopic, afterPosition, limit)
	if err != nil {
		return nil, mapPgError(err, "fanout.read_source")
	}
	defer rows.Close()

	var entries []store.SourceEntry
	for rows.Next() {
		var (
			e           store.SourceEntry
			m           store.OutboxMessage
			id          uuid.UUID
			owner       *uuid.UUID
			lastError   *string
			correlation *string
			messageID   uuid.UUID
			processedBy *string
		)
		err := rows.Scan(
			&e.Position,
			&id, &m.Status, &m.LockedUntil, &owner, &m.RetryCount,
			&lastError, &m.NextAttemptAt, &m.DueTimeUTC, &m.CreatedAt,
			&m.Topic, &m.Payload, &correlation, &messageID, &m.ProcessedAt, &processedBy,
		)
		if err != nil {
			return nil, mapPgError(err, "fanout.read_source")
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
		e.Message = m
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPgError(err, "fanout.read_source")
	}
	return entries, nil
}

// MarkExpanded records the (source, destination) pair inside the caller's
// transaction. Reports false when the pair already exists, so a crashed
// expansion replayed after restart writes nothing twice.
func (f *fanoutStore) MarkExpanded(ctx context.Context, txn store.Txn, sourceID ids.WorkItemID, destinationKey string) (bool, error) {
	tx, err := asTx(txn)
	if err != nil {
		return false, err
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (source_id, destination_key)
		VALUES ($1, $2)
		ON CONFLICT (source_id, destination_key) DO NOTHING
	`, f.t.fanoutExpanded)

	tag, err := tx.Exec(ctx, query, sourceID.UUID(), destinationKey)
	if err != nil {
		return false, mapPgError(err, "fanout.mark_expanded")
	}
	return tag.RowsAffected() == 1, nil
}

// AdvanceCursor moves the cursor forward only. A stale position, as after a
// lease handover race, is ignored.
func (f *fanoutStore) AdvanceCursor(ctx context.Context, policyName string, position int64) error {
	query := fmt.Sprintf(`
		UPDATE %s SET last_position = $2, updated_at = now()
		WHERE policy_name = $1 AND last_position < $2
	`, f.t.fanoutCursor)

	if _, err := f.s.pool.Exec(ctx, query, policyName, position); err != nil {
		return mapPgError(err, "fanout.advance_cursor")
	}
	return nil
}
