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

// jobStore implements store.JobStore.
type jobStore struct {
	s    *Store
	t    tables
	runs *jobRunStore
}

var _ store.JobStore = (*jobStore)(nil)

func (j *jobStore) Runs() store.JobRunStore { return j.runs }

func (j *jobStore) CreateOrUpdate(ctx context.Context, job store.Job) error {
	if job.Name == "" {
		return workqueue.NewValidationError("job name must not be empty")
	}
	if err := validateTopic(job.Topic); err != nil {
		return err
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (name, cron_schedule, topic, payload, is_enabled, next_due_time)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (name) DO UPDATE SET
			cron_schedule = EXCLUDED.cron_schedule,
			topic = EXCLUDED.topic,
			payload = EXCLUDED.payload,
			is_enabled = EXCLUDED.is_enabled,
			next_due_time = EXCLUDED.next_due_time,
			updated_at = now()
	`, j.t.jobs)

	_, err := j.s.pool.Exec(ctx, query,
		job.Name, job.CronSchedule, job.Topic, job.Payload, job.IsEnabled, job.NextDueTime.UTC())
	if err != nil {
		return mapPgError(err, "jobs.create_or_update")
	}
	return nil
}

// Delete removes the job definition. Pending runs go with it through the
// cascading foreign key.
func (j *jobStore) Delete(ctx context.Context, jobName string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE name = $1`, j.t.jobs)
	if _, err := j.s.pool.Exec(ctx, query, jobName); err != nil {
		return mapPgError(err, "jobs.delete")
	}
	return nil
}

func (j *jobStore) Get(ctx context.Context, jobName string) (*store.Job, error) {
	query := fmt.Sprintf(`
		SELECT name, cron_schedule, topic, payload, is_enabled, next_due_time, created_at, updated_at
		FROM %s WHERE name = $1
	`, j.t.jobs)

	var job store.Job
	err := j.s.pool.QueryRow(ctx, query, jobName).Scan(
		&job.Name, &job.CronSchedule, &job.Topic, &job.Payload,
		&job.IsEnabled, &job.NextDueTime, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, mapPgError(err, "jobs.get")
	}
	return &job, nil
}

// Trigger inserts a run for the job due immediately, bypassing the cron
// cadence and the enabled flag.
func (j *jobStore) Trigger(ctx context.Context, jobName string) (ids.WorkItemID, error) {
	runID := ids.NewWorkItemID()

	query := fmt.Sprintf(`
		INSERT INTO %s (id, job_name, topic, payload, scheduled_time)
		SELECT $1, name, topic, payload, now() FROM %s WHERE name = $2
		RETURNING id
	`, j.t.jobRuns, j.t.jobs)

	var inserted uuid.UUID
	if err := j.s.pool.QueryRow(ctx, query, runID.UUID(), jobName).Scan(&inserted); err != nil {
		return ids.WorkItemID{}, mapPgError(err, "jobs.trigger")
	}
	return runID, nil
}

func (j *jobStore) DueJobs(ctx context.Context, now time.Time) ([]store.Job, error) {
	query := fmt.Sprintf(`
		SELECT name, cron_schedule, topic, payload, is_enabled, next_due_time, created_at, updated_at
		FROM %s
		WHERE is_enabled AND next_due_time <= $1
		ORDER BY next_due_time, name
	`, j.t.jobs)

	rows, err := j.s.pool.Query(ctx, query, now.UTC())
	if err != nil {
		return nil, mapPgError(err, "jobs.due")
	}
	defer rows.Close()

	var jobs []store.Job
	for rows.Next() {
		var job store.Job
		err := rows.Scan(
			&job.Name, &job.CronSchedule, &job.Topic, &job.Payload,
			&job.IsEnabled, &job.NextDueTime, &job.CreatedAt, &job.UpdatedAt,
		)
		if err != nil {
			return nil, mapPgError(err, "jobs.due")
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPgError(err, "jobs.due")
	}
	return jobs, nil
}

// PromoteDue turns due jobs into runs and advances each job's nextDueTime,
// all in one transaction. The nextDueTime guard keeps a concurrent promoter
// of the same job from inserting a second run for the same firing.
func (j *jobStore) PromoteDue(ctx context.Context, promotions []store.JobPromotion) error {
	if len(promotions) == 0 {
		return nil
	}

	insertRun := fmt.Sprintf(`
		INSERT INTO %s (id, job_name, topic, payload, scheduled_time)
		VALUES ($1, $2, $3, $4, $5)
	`, j.t.jobRuns)
	advance := fmt.Sprintf(`
		UPDATE %s SET next_due_time = $2, updated_at = now()
		WHERE name = $1 AND next_due_time <= $3
	`, j.t.jobs)

	err := j.s.WithTx(ctx, func(txn store.Txn) error {
		tx, err := asTx(txn)
		if err != nil {
			return err
		}

		for _, p := range promotions {
			tag, err := tx.Exec(ctx, advance, p.JobName, p.NextDueTime.UTC(), p.ScheduledTime.UTC())
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				// Another scheduler already promoted this firing.
				continue
			}
			_, err = tx.Exec(ctx, insertRun,
				ids.NewWorkItemID().UUID(), p.JobName, p.Topic, p.Payload, p.ScheduledTime.UTC())
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return mapPgError(err, "jobs.promote_due")
	}
	return nil
}

// jobRunStore implements store.JobRunStore.
type jobRunStore struct {
	s *Store
	t tables
}

var _ store.JobRunStore = (*jobRunStore)(nil)

const jobRunColumns = `id, job_name, topic, payload, scheduled_time,
	status, locked_until, owner_token, retry_count, last_error,
	next_attempt_at, due_time, created_at`

func scanJobRunRow(row pgx.Row) (*store.JobRun, error) {
	var (
		r         store.JobRun
		id        uuid.UUID
		owner     *uuid.UUID
		lastError *string
	)

	err := row.Scan(
		&id, &r.JobName, &r.Topic, &r.Payload, &r.ScheduledTime,
		&r.Status, &r.LockedUntil, &owner, &r.RetryCount, &lastError,
		&r.NextAttemptAt, &r.DueTimeUTC, &r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.ID = ids.WorkItemIDFromUUID(id)
	if owner != nil {
		o := ids.OwnerTokenFromUUID(*owner)
		r.Owner = &o
	}
	if lastError != nil {
		r.LastError = *lastError
	}
	return &r, nil
}

func (r *jobRunStore) Claim(ctx context.Context, owner ids.OwnerToken, leaseSeconds, batchSize int) ([]store.JobRun, error) {
	if err := workqueue.ValidateClaimArgs(leaseSeconds, batchSize); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		WITH eligible AS (
			SELECT id FROM %[1]s
			WHERE status = 0
			  AND (locked_until IS NULL OR locked_until <= now())
			  AND next_attempt_at <= now()
			ORDER BY scheduled_time, id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE %[1]s r SET
			status = 1,
			owner_token = $2,
			locked_until = now() + make_interval(secs => $3)
		FROM eligible
		WHERE r.id = eligible.id
		RETURNING `+qualify("r", jobRunColumns), r.t.jobRuns)

	rows, err := r.s.pool.Query(ctx, query, batchSize, owner.UUID(), float64(leaseSeconds))
	if err != nil {
		return nil, mapPgError(err, "job_runs.claim")
	}
	defer rows.Close()

	var claimed []store.JobRun
	for rows.Next() {
		run, err := scanJobRunRow(rows)
		if err != nil {
			return nil, mapPgError(err, "job_runs.claim")
		}
		claimed = append(claimed, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPgError(err, "job_runs.claim")
	}
	return claimed, nil
}

func (r *jobRunStore) Ack(ctx context.Context, owner ids.OwnerToken, itemIDs []ids.WorkItemID) (int, error) {
	if err := workqueue.ValidateIDs(itemIDs); err != nil {
		return 0, err
	}
	if len(itemIDs) == 0 {
		return 0, nil
	}

	query := fmt.Sprintf(`
		UPDATE %s SET status = 2, locked_until = NULL
		WHERE id = ANY($2) AND status = 1 AND owner_token = $1
	`, r.t.jobRuns)

	tag, err := r.s.pool.Exec(ctx, query, owner.UUID(), uuidSlice(itemIDs))
	if err != nil {
		return 0, mapPgError(err, "job_runs.ack")
	}
	return int(tag.RowsAffected()), nil
}

func (r *jobRunStore) Abandon(ctx context.Context, owner ids.OwnerToken, itemIDs []ids.WorkItemID, lastError string, retryDelay *time.Duration) (int, error) {
	if err := workqueue.ValidateIDs(itemIDs); err != nil {
		return 0, err
	}
	if len(itemIDs) == 0 {
		return 0, nil
	}

	tag, err := r.s.pool.Exec(ctx, abandonSQL(r.t.jobRuns, retryDelay), abandonArgs(owner, itemIDs, lastError, retryDelay)...)
	if err != nil {
		return 0, mapPgError(err, "job_runs.abandon")
	}
	return int(tag.RowsAffected()), nil
}

func (r *jobRunStore) Fail(ctx context.Context, owner ids.OwnerToken, itemIDs []ids.WorkItemID, reason string) (int, error) {
	if err := workqueue.ValidateIDs(itemIDs); err != nil {
		return 0, err
	}
	if len(itemIDs) == 0 {
		return 0, nil
	}

	query := fmt.Sprintf(`
		UPDATE %s SET status = 3, locked_until = NULL, last_error = NULLIF($3, '')
		WHERE id = ANY($2) AND status = 1 AND owner_token = $1
	`, r.t.jobRuns)

	tag, err := r.s.pool.Exec(ctx, query, owner.UUID(), uuidSlice(itemIDs), reason)
	if err != nil {
		return 0, mapPgError(err, "job_runs.fail")
	}
	return int(tag.RowsAffected()), nil
}

func (r *jobRunStore) ReapExpired(ctx context.Context) (int, error) {
	return reapExpired(ctx, r.s.pool, r.t.jobRuns)
}
