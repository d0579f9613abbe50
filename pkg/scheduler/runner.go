package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sqlbus/sqlbus/internal/clock"
	"github.com/sqlbus/sqlbus/internal/logger"
	"github.com/sqlbus/sqlbus/internal/telemetry"
	"github.com/sqlbus/sqlbus/pkg/ids"
	"github.com/sqlbus/sqlbus/pkg/lease"
	"github.com/sqlbus/sqlbus/pkg/metrics"
	"github.com/sqlbus/sqlbus/pkg/outbox"
	"github.com/sqlbus/sqlbus/pkg/store"
	"github.com/sqlbus/sqlbus/pkg/workqueue"
)

// RunnerConfig wires one per-store scheduler runner.
type RunnerConfig struct {
	StoreID      string
	BatchSize    int // timers and job runs per claim; default 50
	LeaseSeconds int // work-item lease; default 30

	// Clock drives due-time evaluation and cron advancement. Defaults to
	// the system clock; tests inject a fake.
	Clock clock.TimeProvider
}

func (c *RunnerConfig) applyDefaults() error {
	if c.BatchSize == 0 {
		c.BatchSize = outbox.DefaultBatchSize
	}
	if c.BatchSize < 1 || c.BatchSize > outbox.MaxBatchSize {
		return workqueue.ConfigurationError("batch size %d out of range [1, %d]", c.BatchSize, outbox.MaxBatchSize)
	}
	if c.LeaseSeconds == 0 {
		c.LeaseSeconds = outbox.DefaultLeaseSeconds
	}
	if c.Clock == nil {
		c.Clock = clock.SystemTime{}
	}
	return nil
}

// Runner promotes due jobs into runs and fires due timers and job runs
// into the outbox. Exactly one runner at a time drives a store; the
// instance lease plus the fencing token in scheduler state enforce it.
type Runner struct {
	st      store.Store
	writer  *outbox.Writer
	cfg     RunnerConfig
	owner   ids.OwnerToken
	metrics *metrics.SchedulerMetrics
}

// NewRunner builds a Runner over one store.
func NewRunner(st store.Store, cfg RunnerConfig) (*Runner, error) {
	if st == nil {
		return nil, workqueue.ConfigurationError("store must not be nil")
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	if cfg.StoreID == "" {
		cfg.StoreID = st.ID()
	}

	return &Runner{
		st:      st,
		writer:  outbox.NewWriter(st.Outbox()),
		cfg:     cfg,
		owner:   ids.NewOwnerToken(),
		metrics: metrics.NewSchedulerMetrics(),
	}, nil
}

// LeaseName returns the instance lease key for the runner's store.
func (r *Runner) LeaseName() string {
	return "scheduler:run:" + r.cfg.StoreID
}

// RunOnce performs one full scheduler pass under the caller's fencing
// token: fencing check, job promotion, timer firing, job-run firing.
// Returns the number of promotions plus firings.
func (r *Runner) RunOnce(ctx context.Context, fencing int64) (int, error) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanSchedulerRun)
	defer span.End()
	telemetry.SetAttributes(ctx,
		telemetry.StoreID(r.cfg.StoreID),
		telemetry.FencingToken(fencing))

	accepted, err := r.st.SchedulerState().UpdateFencing(ctx, fencing)
	if err != nil {
		return 0, fmt.Errorf("updating scheduler fencing: %w", err)
	}
	if !accepted {
		// A newer scheduler instance took over this store.
		return 0, fmt.Errorf("fencing token %d rejected: %w", fencing, workqueue.ErrLostLease)
	}

	total := 0

	promoted, err := r.promoteDueJobs(ctx)
	if err != nil {
		return total, err
	}
	total += promoted

	fired, err := r.fireTimers(ctx)
	if err != nil {
		return total, err
	}
	total += fired

	runs, err := r.fireJobRuns(ctx)
	if err != nil {
		return total, err
	}
	total += runs

	return total, nil
}

// promoteDueJobs turns every due job into a job run and advances its
// next due time along the cron schedule.
func (r *Runner) promoteDueJobs(ctx context.Context) (int, error) {
	now := r.cfg.Clock.Now()
	due, err := r.st.Jobs().DueJobs(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("listing due jobs: %w", err)
	}
	if len(due) == 0 {
		return 0, nil
	}

	promotions := make([]store.JobPromotion, 0, len(due))
	for _, job := range due {
		next, err := NextDue(job.CronSchedule, now)
		if err != nil {
			// A bad expression slipped past create; park the job by
			// pushing it far out rather than spinning on it every pass.
			logger.ErrorCtx(ctx, "job has invalid cron expression, deferring",
				logger.KeyJob, job.Name, logger.KeyCron, job.CronSchedule, logger.Err(err))
			next = now.Add(24 * time.Hour)
		}
		promotions = append(promotions, store.JobPromotion{
			JobName:       job.Name,
			Topic:         job.Topic,
			Payload:       job.Payload,
			ScheduledTime: job.NextDueTime,
			NextDueTime:   next,
		})
	}

	if err := r.st.Jobs().PromoteDue(ctx, promotions); err != nil {
		return 0, fmt.Errorf("promoting due jobs: %w", err)
	}
	r.metrics.RecordPromotions(r.cfg.StoreID, len(promotions))
	logger.DebugCtx(ctx, "promoted due jobs",
		logger.KeyStore, r.cfg.StoreID, logger.KeyBatchSize, len(promotions))
	return len(promotions), nil
}

// fireTimers claims due timers and enqueues their outbox messages, acking
// each timer after its enqueue.
func (r *Runner) fireTimers(ctx context.Context) (int, error) {
	timers, err := r.st.Timers().Claim(ctx, r.owner, r.cfg.LeaseSeconds, r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("claiming due timers: %w", err)
	}

	fired := 0
	for i := range timers {
		tm := &timers[i]
		_, err := r.writer.Enqueue(ctx, tm.Topic, tm.Payload, outbox.WithCorrelationID(tm.ID.String()))
		if err != nil {
			r.abandonTimer(ctx, tm.ID, err)
			continue
		}
		if _, err := r.st.Timers().Ack(ctx, r.owner, []ids.WorkItemID{tm.ID}); err != nil {
			logger.WarnCtx(ctx, "timer fired but ack failed, duplicate delivery possible",
				logger.KeyTimer, tm.ID.String(), logger.Err(err))
			continue
		}
		fired++
	}
	if fired > 0 {
		r.metrics.RecordTimersFired(r.cfg.StoreID, fired)
	}
	return fired, nil
}

func (r *Runner) abandonTimer(ctx context.Context, id ids.WorkItemID, cause error) {
	logger.WarnCtx(ctx, "timer enqueue failed, abandoning",
		logger.KeyTimer, id.String(), logger.Err(cause))
	if _, err := r.st.Timers().Abandon(ctx, r.owner, []ids.WorkItemID{id}, cause.Error(), nil); err != nil {
		logger.ErrorCtx(ctx, "failed to abandon timer",
			logger.KeyTimer, id.String(), logger.Err(err))
	}
}

// fireJobRuns claims due job runs and enqueues their outbox messages.
func (r *Runner) fireJobRuns(ctx context.Context) (int, error) {
	runs, err := r.st.Jobs().Runs().Claim(ctx, r.owner, r.cfg.LeaseSeconds, r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("claiming due job runs: %w", err)
	}

	fired := 0
	for i := range runs {
		run := &runs[i]
		_, err := r.writer.Enqueue(ctx, run.Topic, run.Payload, outbox.WithCorrelationID(run.ID.String()))
		if err != nil {
			logger.WarnCtx(ctx, "job run enqueue failed, abandoning",
				logger.KeyJobRun, run.ID.String(), logger.KeyJob, run.JobName, logger.Err(err))
			if _, aerr := r.st.Jobs().Runs().Abandon(ctx, r.owner, []ids.WorkItemID{run.ID}, err.Error(), nil); aerr != nil {
				logger.ErrorCtx(ctx, "failed to abandon job run",
					logger.KeyJobRun, run.ID.String(), logger.Err(aerr))
			}
			continue
		}
		if _, err := r.st.Jobs().Runs().Ack(ctx, r.owner, []ids.WorkItemID{run.ID}); err != nil {
			logger.WarnCtx(ctx, "job run fired but ack failed, duplicate delivery possible",
				logger.KeyJobRun, run.ID.String(), logger.Err(err))
			continue
		}
		fired++
	}
	return fired, nil
}

// Run drives the store until ctx is cancelled. It competes for the
// store's scheduler lease; while another instance holds it, Run waits and
// retries. On lease loss the current pass aborts and the runner goes back
// to competing.
func (r *Runner) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		lr, err := lease.Acquire(ctx, r.st.Leases(), lease.Config{Name: r.LeaseName()})
		if err != nil {
			if !errors.Is(err, lease.ErrNotAcquired) {
				logger.WarnCtx(ctx, "scheduler lease acquire failed",
					logger.KeyResource, r.LeaseName(), logger.Err(err))
			}
			if !sleepCtx(ctx, 5*time.Second) {
				return ctx.Err()
			}
			continue
		}

		logger.InfoCtx(ctx, "scheduler took over store",
			logger.KeyStore, r.cfg.StoreID, logger.KeyFencing, lr.FencingToken())
		err = r.runHeld(ctx, lr)
		lr.Close(context.WithoutCancel(ctx))
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if err != nil && !errors.Is(err, workqueue.ErrLostLease) && !errors.Is(err, context.Canceled) {
			return err
		}
		logger.WarnCtx(ctx, "scheduler lease lost, competing again",
			logger.KeyStore, r.cfg.StoreID, logger.KeyResource, r.LeaseName())
	}
}

// runHeld polls while the lease holds, aborting on loss.
func (r *Runner) runHeld(ctx context.Context, lr *lease.Runner) error {
	hctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-lr.Done():
			cancel()
		case <-hctx.Done():
		}
	}()

	return workqueue.RunLoop(hctx, "scheduler", func(ctx context.Context) (int, error) {
		if err := lr.EnsureHeld(); err != nil {
			return 0, fmt.Errorf("%v: %w", err, workqueue.ErrLostLease)
		}
		return r.RunOnce(ctx, lr.FencingToken())
	})
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
