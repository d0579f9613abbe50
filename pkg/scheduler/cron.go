// Package scheduler provides one-shot timers and cron-driven recurring
// jobs, promoted into outbox messages by a lease-gated per-store runner.
package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/sqlbus/sqlbus/pkg/workqueue"
)

// cronParser accepts an optional leading seconds field plus the @every and
// @daily style descriptors.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseCron validates a cron expression.
func ParseCron(expr string) (cron.Schedule, error) {
	if expr == "" {
		return nil, workqueue.NewValidationError("cron expression must not be empty")
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, workqueue.NewValidationError("invalid cron expression %q: %v", expr, err)
	}
	return sched, nil
}

// NextDue computes the first firing of expr strictly after now, in UTC.
func NextDue(expr string, now time.Time) (time.Time, error) {
	sched, err := ParseCron(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(now.UTC()).UTC(), nil
}
