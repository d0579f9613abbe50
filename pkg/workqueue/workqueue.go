// Package workqueue defines the claim/ack/abandon/fail/reap contract shared
// by every work-queue table (outbox, inbox, timers, job runs).
//
// A work queue is any table whose rows move through the Ready → InProgress →
// Done/Failed lifecycle under owner-token protection. The storage backends
// implement Queue per table; dispatchers drive the lifecycle without knowing
// which table they are draining.
package workqueue

import (
	"context"
	"time"

	"github.com/sqlbus/sqlbus/pkg/ids"
)

// Status is the lifecycle state of a work item.
type Status int

const (
	StatusReady      Status = 0
	StatusInProgress Status = 1
	StatusDone       Status = 2
	StatusFailed     Status = 3

	// StatusCancelled is used only by timers, which can be withdrawn
	// before they fire. Claim never selects cancelled rows.
	StatusCancelled Status = 4
)

func (s Status) String() string {
	switch s {
	case StatusReady:
		return "ready"
	case StatusInProgress:
		return "in_progress"
	case StatusDone:
		return "done"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Item carries the lifecycle columns every work-queue row shares.
// Table-specific rows embed Item and add their own payload columns.
type Item struct {
	ID            ids.WorkItemID
	Status        Status
	LockedUntil   *time.Time
	Owner         *ids.OwnerToken
	RetryCount    int
	LastError     string
	NextAttemptAt time.Time
	DueTimeUTC    *time.Time
	CreatedAt     time.Time
}

// Queue is the generic claim/ack/abandon/fail/reap primitive over one table.
//
// T is the table's row type. Claim atomically selects up to batchSize
// eligible Ready rows, marks them InProgress under owner with a lease of
// leaseSeconds, and returns them ordered by eligibility time then id.
// Eligibility requires lockedUntil null or past, dueTimeUtc null or past,
// and nextAttemptAt past, all judged on the server's UTC clock. Claiming
// must use skip-locked row locking so concurrent claimers never block on or
// double-claim the same row.
//
// Ack, Abandon and Fail affect only rows whose owner token matches; rows
// owned by someone else are silently skipped and the returned count is the
// number of rows actually transitioned. ReapExpired returns InProgress rows
// whose lock has expired back to Ready; it is idempotent and safe to run
// concurrently with claimers.
type Queue[T any] interface {
	Claim(ctx context.Context, owner ids.OwnerToken, leaseSeconds int, batchSize int) ([]T, error)
	Ack(ctx context.Context, owner ids.OwnerToken, itemIDs []ids.WorkItemID) (int, error)
	Abandon(ctx context.Context, owner ids.OwnerToken, itemIDs []ids.WorkItemID, lastError string, retryDelay *time.Duration) (int, error)
	Fail(ctx context.Context, owner ids.OwnerToken, itemIDs []ids.WorkItemID, reason string) (int, error)
	ReapExpired(ctx context.Context) (int, error)
}

// ValidateClaimArgs checks the common claim argument constraints.
func ValidateClaimArgs(leaseSeconds, batchSize int) error {
	if leaseSeconds <= 0 {
		return NewValidationError("leaseSeconds must be positive, got %d", leaseSeconds)
	}
	if batchSize <= 0 {
		return NewValidationError("batchSize must be positive, got %d", batchSize)
	}
	return nil
}

// ValidateIDs checks the id collection passed to ack/abandon/fail.
// An empty slice is a valid no-op; a nil slice is an argument error.
func ValidateIDs(itemIDs []ids.WorkItemID) error {
	if itemIDs == nil {
		return NewValidationError("ids collection must not be nil")
	}
	return nil
}
