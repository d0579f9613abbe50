package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/sqlbus/sqlbus/pkg/ids"
	"github.com/sqlbus/sqlbus/pkg/store"
	"github.com/sqlbus/sqlbus/pkg/workqueue"
)

// joinStore implements store.JoinStore. Counter advancement on the normal
// ack/fail path lives in outboxStore; here are creation, membership, the
// wait-handler reads and the manual recovery statements.
type joinStore struct {
	s *Store
	t tables
}

var _ store.JoinStore = (*joinStore)(nil)

func (j *joinStore) Start(ctx context.Context, groupingKey string, expectedSteps int, metadata string) (ids.WorkItemID, error) {
	if expectedSteps <= 0 {
		return ids.WorkItemID{}, workqueue.NewValidationError("expectedSteps must be positive")
	}

	id := ids.NewWorkItemID()
	query := fmt.Sprintf(`
		INSERT INTO %s (id, grouping_key, expected_steps, metadata)
		VALUES ($1, NULLIF($2, ''), $3, NULLIF($4, ''))
	`, j.t.joins)

	if _, err := j.s.pool.Exec(ctx, query, id.UUID(), groupingKey, expectedSteps, metadata); err != nil {
		return ids.WorkItemID{}, mapPgError(err, "joins.start")
	}
	return id, nil
}

// Attach binds an outbox message to a join. Attaching the same message
// twice is a no-op.
func (j *joinStore) Attach(ctx context.Context, joinID, outboxMessageID ids.WorkItemID) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (join_id, outbox_message_id)
		VALUES ($1, $2)
		ON CONFLICT (join_id, outbox_message_id) DO NOTHING
	`, j.t.joinMembers)

	if _, err := j.s.pool.Exec(ctx, query, joinID.UUID(), outboxMessageID.UUID()); err != nil {
		return mapPgError(err, "joins.attach")
	}
	return nil
}

func (j *joinStore) Get(ctx context.Context, joinID ids.WorkItemID) (*store.Join, error) {
	query := fmt.Sprintf(`
		SELECT id, COALESCE(grouping_key, ''), expected_steps, completed_steps,
		       failed_steps, status, COALESCE(metadata, ''), created_at, updated_at
		FROM %s WHERE id = $1
	`, j.t.joins)

	var join store.Join
	var id uuid.UUID
	err := j.s.pool.QueryRow(ctx, query, joinID.UUID()).Scan(
		&id, &join.GroupingKey, &join.ExpectedSteps, &join.CompletedSteps,
		&join.FailedSteps, &join.Status, &join.Metadata, &join.CreatedAt, &join.UpdatedAt,
	)
	if err != nil {
		return nil, mapPgError(err, "joins.get")
	}
	join.ID = ids.WorkItemIDFromUUID(id)
	return &join, nil
}

func (j *joinStore) Members(ctx context.Context, joinID ids.WorkItemID) ([]store.JoinMember, error) {
	query := fmt.Sprintf(`
		SELECT join_id, outbox_message_id, status
		FROM %s WHERE join_id = $1
		ORDER BY outbox_message_id
	`, j.t.joinMembers)

	rows, err := j.s.pool.Query(ctx, query, joinID.UUID())
	if err != nil {
		return nil, mapPgError(err, "joins.members")
	}
	defer rows.Close()

	var members []store.JoinMember
	for rows.Next() {
		var m store.JoinMember
		var jid, mid uuid.UUID
		if err := rows.Scan(&jid, &mid, &m.Status); err != nil {
			return nil, mapPgError(err, "joins.members")
		}
		m.JoinID = ids.WorkItemIDFromUUID(jid)
		m.MessageID = ids.WorkItemIDFromUUID(mid)
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPgError(err, "joins.members")
	}
	return members, nil
}

// SetStatus moves a Pending join to a terminal status. A join that already
// left Pending is untouched so the first terminal decision wins.
func (j *joinStore) SetStatus(ctx context.Context, joinID ids.WorkItemID, status store.JoinStatus) error {
	query := fmt.Sprintf(`
		UPDATE %s SET status = $2, updated_at = now()
		WHERE id = $1 AND status = 'Pending'
	`, j.t.joins)

	if _, err := j.s.pool.Exec(ctx, query, joinID.UUID(), string(status)); err != nil {
		return mapPgError(err, "joins.set_status")
	}
	return nil
}

func (j *joinStore) ReportStepCompleted(ctx context.Context, joinID, outboxMessageID ids.WorkItemID) error {
	return j.reportStep(ctx, joinID, outboxMessageID, store.JoinMemberCompleted, "completed_steps")
}

func (j *joinStore) ReportStepFailed(ctx context.Context, joinID, outboxMessageID ids.WorkItemID) error {
	return j.reportStep(ctx, joinID, outboxMessageID, store.JoinMemberFailed, "failed_steps")
}

// reportStep is the manual recovery statement: move one member out of
// Pending and bump the matching join counter, atomically. A member already
// terminal advances nothing, which makes retries safe.
func (j *joinStore) reportStep(ctx context.Context, joinID, outboxMessageID ids.WorkItemID, memberStatus store.JoinMemberStatus, counter string) error {
	query := fmt.Sprintf(`
		WITH advanced AS (
			UPDATE %s SET status = $3
			WHERE join_id = $1 AND outbox_message_id = $2 AND status = 'Pending'
			RETURNING join_id
		)
		UPDATE %s j SET %s = j.%s + 1, updated_at = now()
		FROM advanced
		WHERE j.id = advanced.join_id
	`, j.t.joinMembers, j.t.joins, counter, counter)

	if _, err := j.s.pool.Exec(ctx, query, joinID.UUID(), outboxMessageID.UUID(), string(memberStatus)); err != nil {
		return mapPgError(err, "joins.report_step")
	}
	return nil
}
