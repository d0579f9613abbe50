package memory

import (
	"context"
	"sort"
	"time"

	"github.com/sqlbus/sqlbus/pkg/ids"
	"github.com/sqlbus/sqlbus/pkg/store"
	"github.com/sqlbus/sqlbus/pkg/workqueue"
)

// jobStore implements store.JobStore.
type jobStore struct {
	s    *Store
	runs *jobRunStore
}

var _ store.JobStore = (*jobStore)(nil)

func (j *jobStore) Runs() store.JobRunStore { return j.runs }

func (j *jobStore) CreateOrUpdate(ctx context.Context, job store.Job) error {
	if job.Name == "" {
		return workqueue.NewValidationError("job name must not be empty")
	}
	if err := validTopic(job.Topic); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	j.s.mu.Lock()
	defer j.s.mu.Unlock()

	now := j.s.now()
	if existing, ok := j.s.jobs[job.Name]; ok {
		existing.CronSchedule = job.CronSchedule
		existing.Topic = job.Topic
		existing.Payload = job.Payload
		existing.IsEnabled = job.IsEnabled
		existing.NextDueTime = job.NextDueTime.UTC()
		existing.UpdatedAt = now
		return nil
	}

	cp := job
	cp.NextDueTime = job.NextDueTime.UTC()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	j.s.jobs[job.Name] = &cp
	return nil
}

func (j *jobStore) Delete(ctx context.Context, jobName string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	j.s.mu.Lock()
	defer j.s.mu.Unlock()

	delete(j.s.jobs, jobName)
	for id, run := range j.s.jobRuns {
		if run.JobName == jobName {
			delete(j.s.jobRuns, id)
		}
	}
	return nil
}

func (j *jobStore) Get(ctx context.Context, jobName string) (*store.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	j.s.mu.Lock()
	defer j.s.mu.Unlock()

	job, ok := j.s.jobs[jobName]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (j *jobStore) Trigger(ctx context.Context, jobName string) (ids.WorkItemID, error) {
	if err := ctx.Err(); err != nil {
		return ids.WorkItemID{}, err
	}

	j.s.mu.Lock()
	defer j.s.mu.Unlock()

	job, ok := j.s.jobs[jobName]
	if !ok {
		return ids.WorkItemID{}, store.ErrNotFound
	}

	now := j.s.now()
	run := &store.JobRun{
		Item: workqueue.Item{
			ID:            ids.NewWorkItemID(),
			Status:        workqueue.StatusReady,
			NextAttemptAt: now,
			CreatedAt:     now,
		},
		JobName:       job.Name,
		Topic:         job.Topic,
		Payload:       job.Payload,
		ScheduledTime: now,
	}
	j.s.jobRuns[run.ID.UUID()] = run
	return run.ID, nil
}

func (j *jobStore) DueJobs(ctx context.Context, now time.Time) ([]store.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	j.s.mu.Lock()
	defer j.s.mu.Unlock()

	var due []store.Job
	for _, job := range j.s.jobs {
		if job.IsEnabled && !job.NextDueTime.After(now) {
			due = append(due, *job)
		}
	}
	sort.Slice(due, func(a, b int) bool {
		if !due[a].NextDueTime.Equal(due[b].NextDueTime) {
			return due[a].NextDueTime.Before(due[b].NextDueTime)
		}
		return due[a].Name < due[b].Name
	})
	return due, nil
}

func (j *jobStore) PromoteDue(ctx context.Context, promotions []store.JobPromotion) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(promotions) == 0 {
		return nil
	}

	j.s.mu.Lock()
	defer j.s.mu.Unlock()

	now := j.s.now()
	for _, p := range promotions {
		job, ok := j.s.jobs[p.JobName]
		if !ok || job.NextDueTime.After(p.ScheduledTime) {
			// Deleted, or another scheduler already promoted this firing.
			continue
		}
		job.NextDueTime = p.NextDueTime.UTC()
		job.UpdatedAt = now

		run := &store.JobRun{
			Item: workqueue.Item{
				ID:            ids.NewWorkItemID(),
				Status:        workqueue.StatusReady,
				NextAttemptAt: now,
				CreatedAt:     now,
			},
			JobName:       p.JobName,
			Topic:         p.Topic,
			Payload:       p.Payload,
			ScheduledTime: p.ScheduledTime.UTC(),
		}
		j.s.jobRuns[run.ID.UUID()] = run
	}
	return nil
}

// jobRunStore implements store.JobRunStore.
type jobRunStore struct {
	s *Store
}

var _ store.JobRunStore = (*jobRunStore)(nil)

func (r *jobRunStore) Claim(ctx context.Context, owner ids.OwnerToken, leaseSeconds, batchSize int) ([]store.JobRun, error) {
	if err := workqueue.ValidateClaimArgs(leaseSeconds, batchSize); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	now := r.s.now()
	var candidates []*store.JobRun
	for _, run := range r.s.jobRuns {
		if eligible(&run.Item, now) {
			candidates = append(candidates, run)
		}
	}
	sort.Slice(candidates, func(a, b int) bool {
		if !candidates[a].ScheduledTime.Equal(candidates[b].ScheduledTime) {
			return candidates[a].ScheduledTime.Before(candidates[b].ScheduledTime)
		}
		return candidates[a].ID.Compare(candidates[b].ID) < 0
	})
	if len(candidates) > batchSize {
		candidates = candidates[:batchSize]
	}

	claimed := make([]store.JobRun, 0, len(candidates))
	for _, run := range candidates {
		claimItem(&run.Item, owner, leaseSeconds, now)
		claimed = append(claimed, *run)
	}
	return claimed, nil
}

func (r *jobRunStore) Ack(ctx context.Context, owner ids.OwnerToken, itemIDs []ids.WorkItemID) (int, error) {
	return r.mutate(ctx, owner, itemIDs, func(run *store.JobRun) {
		ackItem(&run.Item)
	})
}

func (r *jobRunStore) Fail(ctx context.Context, owner ids.OwnerToken, itemIDs []ids.WorkItemID, reason string) (int, error) {
	return r.mutate(ctx, owner, itemIDs, func(run *store.JobRun) {
		failItem(&run.Item, reason)
	})
}

func (r *jobRunStore) Abandon(ctx context.Context, owner ids.OwnerToken, itemIDs []ids.WorkItemID, lastError string, retryDelay *time.Duration) (int, error) {
	now := r.s.now()
	return r.mutate(ctx, owner, itemIDs, func(run *store.JobRun) {
		abandonItem(&run.Item, lastError, retryDelay, now)
	})
}

func (r *jobRunStore) mutate(ctx context.Context, owner ids.OwnerToken, itemIDs []ids.WorkItemID, apply func(*store.JobRun)) (int, error) {
	if err := workqueue.ValidateIDs(itemIDs); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(itemIDs) == 0 {
		return 0, nil
	}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	count := 0
	for _, id := range itemIDs {
		run, ok := r.s.jobRuns[id.UUID()]
		if !ok || !heldBy(&run.Item, owner) {
			continue
		}
		apply(run)
		count++
	}
	return count, nil
}

func (r *jobRunStore) ReapExpired(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	now := r.s.now()
	count := 0
	for _, run := range r.s.jobRuns {
		if expired(&run.Item, now) {
			releaseItem(&run.Item)
			count++
		}
	}
	return count, nil
}
