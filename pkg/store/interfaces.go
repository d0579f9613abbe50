package store

import (
	"context"
	"time"

	"github.com/sqlbus/sqlbus/pkg/ids"
	"github.com/sqlbus/sqlbus/pkg/workqueue"
)

// Txn is an opaque transaction handle. Writers that must participate in a
// caller transaction pass the handle through without committing it; each
// backend asserts the handle to its own concrete type.
type Txn interface{}

// Store aggregates every table store for one application database.
//
// A multi-store deployment holds one Store per tenant database plus,
// optionally, a control-plane Store that hosts only coordination tables.
type Store interface {
	// ID identifies the store in logs, leases and routing.
	ID() string

	Outbox() OutboxStore
	Inbox() InboxStore
	Timers() TimerStore
	Jobs() JobStore
	Joins() JoinStore
	Fanout() FanoutStore
	Leases() LeaseStore
	Semaphores() SemaphoreStore
	SchedulerState() SchedulerStateStore

	// WithTx runs fn inside one database transaction. The Txn passed to fn
	// may be handed to the *InTx writer methods so business writes and
	// message writes commit atomically.
	WithTx(ctx context.Context, fn func(tx Txn) error) error

	Ping(ctx context.Context) error
	Close()
}

// OutboxStore persists outbound messages and drives their lifecycle.
//
// Ack atomically advances the counters of any join whose member references
// an acknowledged row, in the same transaction as the status transition.
// Fail does the symmetric failed-step advancement.
type OutboxStore interface {
	workqueue.Queue[OutboxMessage]

	Enqueue(ctx context.Context, msg NewOutboxMessage) (ids.WorkItemID, error)
	EnqueueInTx(ctx context.Context, tx Txn, msg NewOutboxMessage) (ids.WorkItemID, error)

	// Get fetches one row by id. Used by tests and operational tooling.
	Get(ctx context.Context, id ids.WorkItemID) (*OutboxMessage, error)

	// DeleteDoneBefore removes Done rows older than cutoff. Returns the
	// number of rows deleted.
	DeleteDoneBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// InboxStore persists inbound messages deduplicated on (messageID, source).
type InboxStore interface {
	workqueue.Queue[InboxRecord]

	// Upsert inserts the record on first arrival or bumps lastSeen/attempts
	// on a duplicate. The returned flag reports whether the existing row was
	// already terminal (Done or Dead), letting callers ignore redeliveries.
	Upsert(ctx context.Context, messageID, source, topic, payload, hash string, dueTimeUTC *time.Time) (terminal bool, err error)

	Get(ctx context.Context, messageID, source string) (*InboxRecord, error)

	// AlreadyProcessed reports whether the record is terminal. When hash is
	// non-empty it must also match the stored content digest.
	AlreadyProcessed(ctx context.Context, messageID, source, hash string) (bool, error)

	MarkProcessing(ctx context.Context, messageID, source string) error
	MarkProcessed(ctx context.Context, messageID, source string) error
	MarkDead(ctx context.Context, messageID, source string) error
}

// TimerStore persists one-shot timers.
type TimerStore interface {
	workqueue.Queue[Timer]

	Schedule(ctx context.Context, topic, payload string, dueTimeUTC time.Time) (ids.WorkItemID, error)

	// Cancel transitions a still-pending timer out of the queue. Returns
	// false if the timer fired, failed or never existed.
	Cancel(ctx context.Context, id ids.WorkItemID) (bool, error)
}

// JobStore persists recurring job definitions and their runs.
type JobStore interface {
	CreateOrUpdate(ctx context.Context, job Job) error
	Delete(ctx context.Context, jobName string) error
	Get(ctx context.Context, jobName string) (*Job, error)

	// Trigger inserts a run due immediately, outside the cron cadence.
	Trigger(ctx context.Context, jobName string) (ids.WorkItemID, error)

	// DueJobs lists enabled jobs whose nextDueTime is at or before now.
	DueJobs(ctx context.Context, now time.Time) ([]Job, error)

	// PromoteDue atomically inserts a run for each promotion and advances
	// the job's nextDueTime to the supplied value.
	PromoteDue(ctx context.Context, promotions []JobPromotion) error

	Runs() JobRunStore
}

// JobPromotion describes one due job becoming a run.
type JobPromotion struct {
	JobName       string
	Topic         string
	Payload       string
	ScheduledTime time.Time
	NextDueTime   time.Time
}

// JobRunStore is the work queue over job runs.
type JobRunStore interface {
	workqueue.Queue[JobRun]
}

// JoinStore persists fan-in state. Counter advancement on ack/fail happens
// inside OutboxStore; this interface covers creation, membership and the
// wait-handler reads plus the idempotent manual recovery path.
type JoinStore interface {
	Start(ctx context.Context, groupingKey string, expectedSteps int, metadata string) (ids.WorkItemID, error)
	Attach(ctx context.Context, joinID, outboxMessageID ids.WorkItemID) error
	Get(ctx context.Context, joinID ids.WorkItemID) (*Join, error)
	Members(ctx context.Context, joinID ids.WorkItemID) ([]JoinMember, error)

	// SetStatus moves a pending join to a terminal status. No-op when the
	// join already left Pending.
	SetStatus(ctx context.Context, joinID ids.WorkItemID, status JoinStatus) error

	// ReportStepCompleted and ReportStepFailed are the manual recovery
	// path. Each is idempotent per (joinID, outboxMessageID): a member
	// already terminal is left untouched and no counter moves.
	ReportStepCompleted(ctx context.Context, joinID, outboxMessageID ids.WorkItemID) error
	ReportStepFailed(ctx context.Context, joinID, outboxMessageID ids.WorkItemID) error
}

// LeaseStore is the DB-authoritative named lease with fencing tokens.
type LeaseStore interface {
	// Acquire grants the lease iff it is free, expired, or already held by
	// owner. The fencing counter increments on every acquisition that
	// changes ownership.
	Acquire(ctx context.Context, name string, owner ids.OwnerToken, duration time.Duration) (*LeaseGrant, error)

	// Renew extends the lease iff owner still holds it and it has not
	// expired on the server clock.
	Renew(ctx context.Context, name string, owner ids.OwnerToken, duration time.Duration) (*LeaseRenewal, error)

	// Release clears ownership iff owner matches. Releasing a lease held
	// by someone else is a silent no-op.
	Release(ctx context.Context, name string, owner ids.OwnerToken) error
}

// SemaphoreStore is the bounded-concurrency lease.
type SemaphoreStore interface {
	// EnsureExists creates the semaphore row if absent. An existing row's
	// limit is updated explicitly; active holders are never revoked.
	EnsureExists(ctx context.Context, name string, limit int) error

	// TryAcquire atomically purges expired child leases, counts active
	// holders and inserts a new child lease when under the limit. A
	// clientRequestID matching an active lease returns that lease again.
	TryAcquire(ctx context.Context, name string, ttl time.Duration, ownerID string, clientRequestID string) (*SemaphoreGrant, error)

	Renew(ctx context.Context, name, token string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, name, token string) error

	// ReapExpired deletes child leases past expiry, at most limit rows per
	// call. Returns the number deleted.
	ReapExpired(ctx context.Context, limit int) (int, error)
}

// FanoutStore persists expansion policies, the per-policy cursor and the
// idempotent expansion bookkeeping.
type FanoutStore interface {
	UpsertPolicy(ctx context.Context, policy FanoutPolicy) error
	DeletePolicy(ctx context.Context, name string) error
	Policies(ctx context.Context) ([]FanoutPolicy, error)

	Cursor(ctx context.Context, policyName string) (*FanoutCursor, error)

	// ReadSource returns outbox rows of the policy's source topic with
	// stream position greater than afterPosition, oldest first.
	ReadSource(ctx context.Context, sourceTopic string, afterPosition int64, limit int) ([]SourceEntry, error)

	// MarkExpanded records that (sourceID, destinationKey) was expanded.
	// Returns false when the pair was already recorded, making repeated
	// expansion after a crash a no-op.
	MarkExpanded(ctx context.Context, tx Txn, sourceID ids.WorkItemID, destinationKey string) (bool, error)

	// AdvanceCursor moves the cursor forward. Positions never move
	// backwards; a stale position is ignored.
	AdvanceCursor(ctx context.Context, policyName string, position int64) error
}

// SchedulerStateStore tracks the fencing token of the scheduler instance
// currently driving a store.
type SchedulerStateStore interface {
	// UpdateFencing stores token iff it is >= the current value and
	// reports whether the token was accepted.
	UpdateFencing(ctx context.Context, token int64) (bool, error)

	CurrentFencing(ctx context.Context) (int64, error)
}
