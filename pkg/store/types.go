// Package store defines the storage contracts for the message tables and
// coordination primitives. Implementations live in store/postgres (pgx) and
// store/memory (tests, dev mode).
package store

import (
	"time"

	"github.com/sqlbus/sqlbus/pkg/ids"
	"github.com/sqlbus/sqlbus/pkg/workqueue"
)

// OutboxMessage is a row in the outbox table.
type OutboxMessage struct {
	workqueue.Item
	Topic         string
	Payload       string
	CorrelationID string
	MessageID     ids.MessageID
	ProcessedAt   *time.Time
	ProcessedBy   string
}

// NewOutboxMessage carries the caller-supplied fields of an enqueue.
type NewOutboxMessage struct {
	Topic         string
	Payload       string
	CorrelationID string
	DueTimeUTC    *time.Time
}

// InboxStatus is the string status of an inbox record.
type InboxStatus string

const (
	InboxSeen       InboxStatus = "Seen"
	InboxProcessing InboxStatus = "Processing"
	InboxDone       InboxStatus = "Done"
	InboxDead       InboxStatus = "Dead"
)

// Terminal reports whether the status accepts no further processing.
func (s InboxStatus) Terminal() bool {
	return s == InboxDone || s == InboxDead
}

// InboxRecord is a row in the inbox table, keyed by (MessageID, Source).
type InboxRecord struct {
	workqueue.Item
	MessageID    string
	Source       string
	Topic        string
	Payload      string
	Hash         string
	InboxStatus  InboxStatus
	FirstSeenUTC time.Time
	LastSeenUTC  time.Time
	Attempts     int
}

// Timer is a one-shot scheduled firing. DueTimeUTC gates eligibility.
type Timer struct {
	workqueue.Item
	Topic   string
	Payload string
}

// Job is a recurring definition keyed by unique name.
type Job struct {
	Name         string
	CronSchedule string
	Topic        string
	Payload      string
	IsEnabled    bool
	NextDueTime  time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// JobRun is one concrete firing of a Job.
type JobRun struct {
	workqueue.Item
	JobName       string
	Topic         string
	Payload       string
	ScheduledTime time.Time
}

// JoinStatus is the lifecycle state of a join.
type JoinStatus string

const (
	JoinPending   JoinStatus = "Pending"
	JoinCompleted JoinStatus = "Completed"
	JoinFailed    JoinStatus = "Failed"
	JoinCancelled JoinStatus = "Cancelled"
)

// Join is a fan-in counter over a set of outbox messages.
type Join struct {
	ID             ids.WorkItemID
	GroupingKey    string
	ExpectedSteps  int
	CompletedSteps int
	FailedSteps    int
	Status         JoinStatus
	Metadata       string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// JoinMemberStatus is the per-member state inside a join.
type JoinMemberStatus string

const (
	JoinMemberPending   JoinMemberStatus = "Pending"
	JoinMemberCompleted JoinMemberStatus = "Completed"
	JoinMemberFailed    JoinMemberStatus = "Failed"
)

// JoinMember binds one outbox message to a join.
type JoinMember struct {
	JoinID    ids.WorkItemID
	MessageID ids.WorkItemID
	Status    JoinMemberStatus
}

// LeaseGrant is the result of a successful acquire.
type LeaseGrant struct {
	Acquired      bool
	LeaseUntilUTC time.Time
	FencingToken  int64
	ServerNowUTC  time.Time
}

// LeaseRenewal is the result of a renew attempt.
type LeaseRenewal struct {
	Renewed       bool
	LeaseUntilUTC time.Time
	ServerNowUTC  time.Time
}

// SemaphoreAcquireStatus classifies a TryAcquire outcome.
type SemaphoreAcquireStatus int

const (
	SemaphoreAcquired SemaphoreAcquireStatus = iota
	SemaphoreNotAcquired
	SemaphoreNotFound
)

// SemaphoreGrant is the result of a TryAcquire.
type SemaphoreGrant struct {
	Status        SemaphoreAcquireStatus
	Token         string
	FencingToken  int64
	LeaseUntilUTC time.Time
}

// FanoutPolicy maps a source topic to a set of destination topics.
type FanoutPolicy struct {
	Name         string
	SourceTopic  string
	Destinations []FanoutDestination
	IsEnabled    bool
}

// FanoutDestination names one expansion target. StoreID selects which
// application store receives the expanded row; empty means the source store.
type FanoutDestination struct {
	Key     string
	Topic   string
	StoreID string
}

// FanoutCursor is the resumable position of a policy in the source stream.
// Position is the created-at ordering key of the last processed source row.
type FanoutCursor struct {
	PolicyName   string
	LastPosition int64
	UpdatedAt    time.Time
}

// SourceEntry is one outbox row read by the fanout dispatcher, paired with
// its monotonically increasing stream position.
type SourceEntry struct {
	Position int64
	Message  OutboxMessage
}
