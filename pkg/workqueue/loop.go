package workqueue

import (
	"context"
	"errors"
	"time"

	"github.com/sqlbus/sqlbus/internal/logger"
)

// RunLoop drives runOnce until ctx is cancelled. After an iteration that
// processed no rows it sleeps with exponential backoff (0.5s doubling to a
// 30s cap); any processed row resets the backoff to the base.
//
// Errors from runOnce are logged and absorbed so a flaky database never
// kills the loop, except validation and configuration errors, which signal
// broken wiring and are returned immediately.
func RunLoop(ctx context.Context, name string, runOnce func(context.Context) (int, error)) error {
	return RunLoopWithBackoff(ctx, name, runOnce, PollBackoffBase, PollBackoffCap)
}

// RunLoopWithBackoff is RunLoop with a caller-tuned empty-poll window.
// Zero base or cap fall back to the defaults.
func RunLoopWithBackoff(ctx context.Context, name string, runOnce func(context.Context) (int, error), base, cap time.Duration) error {
	b := NewPollBackoffWith(base, cap)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := runOnce(ctx)
		switch {
		case err == nil:
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return err
		case IsValidation(err), errors.Is(err, ErrConfiguration):
			return err
		case errors.Is(err, ErrLostLease):
			logger.WarnCtx(ctx, name+": lease lost mid-iteration", logger.KeyError, err.Error())
		default:
			logger.WarnCtx(ctx, name+": iteration failed", logger.KeyError, err.Error())
		}

		if n > 0 && err == nil {
			b.Reset()
			continue
		}

		if !sleep(ctx, b.NextBackOff()) {
			return ctx.Err()
		}
	}
}

// sleep waits for d or until ctx is done. Returns false when cancelled.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
