package logger

import (
	"log/slog"
)

// Standard field keys for structured logging.
// Use these keys consistently across all log statements so dispatcher,
// scheduler, lease and semaphore logs can be aggregated and queried together.
const (
	// ========================================================================
	// Distributed Tracing
	// ========================================================================
	KeyTraceID = "trace_id" // OpenTelemetry trace ID for request correlation
	KeySpanID  = "span_id"  // OpenTelemetry span ID for operation tracking

	// ========================================================================
	// Messaging
	// ========================================================================
	KeyStore     = "store"      // Store identifier (tenant database)
	KeyTopic     = "topic"      // Message topic
	KeyMessageID = "message_id" // Stable message identifier
	KeyItemID    = "item_id"    // Work item identifier
	KeySource    = "source"     // Inbox message source
	KeyStatus    = "status"     // Work item status after the operation
	KeyError     = "error"      // Error message

	// ========================================================================
	// Claim & dispatch
	// ========================================================================
	KeyOwner     = "owner"      // Owner token of the claiming worker
	KeyBatchSize = "batch_size" // Requested claim batch size
	KeyClaimed   = "claimed"    // Rows actually claimed
	KeyAcked     = "acked"      // Rows acknowledged
	KeyAbandoned = "abandoned"  // Rows abandoned back to Ready
	KeyFailed    = "failed"     // Rows transitioned to Failed
	KeyReaped    = "reaped"     // Expired rows returned to Ready
	KeyRetries   = "retries"    // Retry count of a work item
	KeyAttempt   = "attempt"    // Retry attempt number

	// ========================================================================
	// Coordination (lease, semaphore)
	// ========================================================================
	KeyResource   = "resource"    // Lease resource name
	KeyFencing    = "fencing"     // Fencing token
	KeySemaphore  = "semaphore"   // Semaphore name
	KeyLimit      = "limit"       // Semaphore holder limit
	KeyTTL        = "ttl"         // Lease or semaphore TTL
	KeyLeaseUntil = "lease_until" // Lease expiry (server UTC)

	// ========================================================================
	// Scheduling
	// ========================================================================
	KeyJob     = "job"      // Job name
	KeyJobRun  = "job_run"  // Job run identifier
	KeyTimer   = "timer"    // Timer identifier
	KeyCron    = "cron"     // Cron expression
	KeyDueTime = "due_time" // Scheduled due time (UTC)
	KeyJoin    = "join"     // Join identifier
	KeyPolicy  = "policy"   // Fanout policy name
	KeyCursor  = "cursor"   // Fanout cursor position

	// ========================================================================
	// Operation metadata
	// ========================================================================
	KeyDurationMs = "duration_ms" // Operation duration in milliseconds
	KeyInterval   = "interval"    // Polling or cadence interval
	KeyCount      = "count"       // Generic item count
	KeyComponent  = "component"   // outbox, inbox, scheduler, fanout, ...
	KeyRequestID  = "request_id"  // HTTP request ID (admin API)
)

// Err returns a standard error attribute. Nil yields an empty attribute.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// Component returns a pre-bound logger for a named component.
func Component(name string) *slog.Logger {
	return With(KeyComponent, name)
}
