package scheduler

import (
	"context"
	"time"

	"github.com/sqlbus/sqlbus/internal/clock"
	"github.com/sqlbus/sqlbus/pkg/ids"
	"github.com/sqlbus/sqlbus/pkg/store"
	"github.com/sqlbus/sqlbus/pkg/workqueue"
)

// Client is the caller-facing scheduling API over one store.
type Client struct {
	timers store.TimerStore
	jobs   store.JobStore
	clk    clock.TimeProvider
}

// NewClient builds a Client. A nil clk falls back to the system clock.
func NewClient(timers store.TimerStore, jobs store.JobStore, clk clock.TimeProvider) *Client {
	if clk == nil {
		clk = clock.SystemTime{}
	}
	return &Client{timers: timers, jobs: jobs, clk: clk}
}

// ScheduleTimer registers a one-shot firing of topic at dueTime.
func (c *Client) ScheduleTimer(ctx context.Context, topic, payload string, dueTime time.Time) (ids.WorkItemID, error) {
	if topic == "" {
		return ids.WorkItemID{}, workqueue.NewValidationError("topic must not be empty")
	}
	return c.timers.Schedule(ctx, topic, payload, dueTime.UTC())
}

// CancelTimer withdraws a pending timer. Returns false when the timer
// already fired, failed or never existed.
func (c *Client) CancelTimer(ctx context.Context, id ids.WorkItemID) (bool, error) {
	return c.timers.Cancel(ctx, id)
}

// CreateOrUpdateJob upserts a recurring job and recomputes its next due
// time from the cron expression relative to now.
func (c *Client) CreateOrUpdateJob(ctx context.Context, jobName, topic, cronExpr, payload string) error {
	if jobName == "" {
		return workqueue.NewValidationError("job name must not be empty")
	}
	if topic == "" {
		return workqueue.NewValidationError("topic must not be empty")
	}
	next, err := NextDue(cronExpr, c.clk.Now())
	if err != nil {
		return err
	}

	return c.jobs.CreateOrUpdate(ctx, store.Job{
		Name:         jobName,
		CronSchedule: cronExpr,
		Topic:        topic,
		Payload:      payload,
		IsEnabled:    true,
		NextDueTime:  next,
	})
}

// DeleteJob removes the job definition and its pending runs.
func (c *Client) DeleteJob(ctx context.Context, jobName string) error {
	return c.jobs.Delete(ctx, jobName)
}

// TriggerJob inserts a run due immediately, outside the cron cadence.
func (c *Client) TriggerJob(ctx context.Context, jobName string) (ids.WorkItemID, error) {
	return c.jobs.Trigger(ctx, jobName)
}
