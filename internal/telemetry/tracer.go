package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Common attribute keys for messaging operations.
// These follow OpenTelemetry semantic conventions where applicable.
// Messaging keys use the "messaging." prefix, sqlbus-specific keys their
// own component prefix.
const (
	// ========================================================================
	// Messaging attributes
	// ========================================================================
	AttrStoreID     = "messaging.store_id"
	AttrTopic       = "messaging.topic"
	AttrMessageID   = "messaging.message_id"
	AttrItemID      = "messaging.item_id"
	AttrSource      = "messaging.source"
	AttrCorrelation = "messaging.correlation_id"
	AttrBatchSize   = "messaging.batch_size"
	AttrClaimed     = "messaging.claimed"
	AttrAcked       = "messaging.acked"
	AttrRetryCount  = "messaging.retry_count"

	// ========================================================================
	// Work-queue ownership attributes
	// ========================================================================
	AttrOwner        = "workqueue.owner"
	AttrLeaseSeconds = "workqueue.lease_seconds"

	// ========================================================================
	// Lease attributes
	// ========================================================================
	AttrLeaseName    = "lease.name"
	AttrFencingToken = "lease.fencing_token"

	// ========================================================================
	// Scheduler attributes
	// ========================================================================
	AttrTimerID = "scheduler.timer_id"
	AttrJobName = "scheduler.job_name"
	AttrJobRun  = "scheduler.job_run_id"
	AttrCron    = "scheduler.cron"

	// ========================================================================
	// Join / fanout attributes
	// ========================================================================
	AttrJoinID         = "join.id"
	AttrExpectedSteps  = "join.expected_steps"
	AttrCompletedSteps = "join.completed_steps"
	AttrFailedSteps    = "join.failed_steps"
	AttrFanoutPolicy   = "fanout.policy"
	AttrFanoutCursor   = "fanout.cursor"

	// ========================================================================
	// Semaphore attributes
	// ========================================================================
	AttrSemaphoreName  = "semaphore.name"
	AttrSemaphoreLimit = "semaphore.limit"
)

// Span names for operations.
// Format: <component>.<operation>
const (
	SpanOutboxDispatch = "outbox.dispatch"
	SpanOutboxHandle   = "outbox.handle"
	SpanInboxDispatch  = "inbox.dispatch"
	SpanInboxHandle    = "inbox.handle"
	SpanSchedulerRun   = "scheduler.run"
	SpanFanoutExpand   = "fanout.expand"
)

// StoreID returns an attribute for the store identifier
func StoreID(id string) attribute.KeyValue {
	return attribute.String(AttrStoreID, id)
}

// Topic returns an attribute for the message topic
func Topic(topic string) attribute.KeyValue {
	return attribute.String(AttrTopic, topic)
}

// MessageID returns an attribute for the stable message identifier
func MessageID(id string) attribute.KeyValue {
	return attribute.String(AttrMessageID, id)
}

// ItemID returns an attribute for the work-item identifier
func ItemID(id string) attribute.KeyValue {
	return attribute.String(AttrItemID, id)
}

// Source returns an attribute for the inbox message source
func Source(source string) attribute.KeyValue {
	return attribute.String(AttrSource, source)
}

// CorrelationID returns an attribute for the correlation identifier
func CorrelationID(id string) attribute.KeyValue {
	return attribute.String(AttrCorrelation, id)
}

// BatchSize returns an attribute for the requested batch size
func BatchSize(n int) attribute.KeyValue {
	return attribute.Int(AttrBatchSize, n)
}

// Claimed returns an attribute for the number of rows claimed
func Claimed(n int) attribute.KeyValue {
	return attribute.Int(AttrClaimed, n)
}

// Acked returns an attribute for the number of rows acknowledged
func Acked(n int) attribute.KeyValue {
	return attribute.Int(AttrAcked, n)
}

// RetryCount returns an attribute for the per-item retry count
func RetryCount(n int) attribute.KeyValue {
	return attribute.Int(AttrRetryCount, n)
}

// Owner returns an attribute for the claiming owner token
func Owner(token string) attribute.KeyValue {
	return attribute.String(AttrOwner, token)
}

// LeaseSeconds returns an attribute for the claim lease length
func LeaseSeconds(seconds int) attribute.KeyValue {
	return attribute.Int(AttrLeaseSeconds, seconds)
}

// LeaseName returns an attribute for a distributed lease name
func LeaseName(name string) attribute.KeyValue {
	return attribute.String(AttrLeaseName, name)
}

// FencingToken returns an attribute for a lease fencing token
func FencingToken(token int64) attribute.KeyValue {
	return attribute.Int64(AttrFencingToken, token)
}

// TimerID returns an attribute for a one-shot timer identifier
func TimerID(id string) attribute.KeyValue {
	return attribute.String(AttrTimerID, id)
}

// JobName returns an attribute for a recurring job name
func JobName(name string) attribute.KeyValue {
	return attribute.String(AttrJobName, name)
}

// JobRunID returns an attribute for a job run identifier
func JobRunID(id string) attribute.KeyValue {
	return attribute.String(AttrJobRun, id)
}

// Cron returns an attribute for a cron expression
func Cron(expr string) attribute.KeyValue {
	return attribute.String(AttrCron, expr)
}

// JoinID returns an attribute for a join identifier
func JoinID(id string) attribute.KeyValue {
	return attribute.String(AttrJoinID, id)
}

// ExpectedSteps returns an attribute for a join's expected step count
func ExpectedSteps(n int) attribute.KeyValue {
	return attribute.Int(AttrExpectedSteps, n)
}

// FanoutPolicy returns an attribute for a fanout policy name
func FanoutPolicy(name string) attribute.KeyValue {
	return attribute.String(AttrFanoutPolicy, name)
}

// FanoutCursor returns an attribute for a fanout cursor position
func FanoutCursor(position int64) attribute.KeyValue {
	return attribute.Int64(AttrFanoutCursor, position)
}

// SemaphoreName returns an attribute for a semaphore name
func SemaphoreName(name string) attribute.KeyValue {
	return attribute.String(AttrSemaphoreName, name)
}

// SemaphoreLimit returns an attribute for a semaphore limit
func SemaphoreLimit(limit int) attribute.KeyValue {
	return attribute.Int(AttrSemaphoreLimit, limit)
}
