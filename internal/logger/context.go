package logger

import (
	"context"
	"time"
)

// contextKey is a private type for context keys to avoid collisions
type contextKey struct{}

// logContextKey is the key for LogContext in context.Context
var logContextKey = contextKey{}

// LogContext holds dispatch-scoped logging context.
//
// A dispatcher creates one LogContext per claimed work item and threads it
// through the handler invocation, so every log line emitted while the item
// is in flight carries the same store/topic/message identifiers.
type LogContext struct {
	TraceID   string    // OpenTelemetry trace ID
	SpanID    string    // OpenTelemetry span ID
	Store     string    // Store identifier the item was claimed from
	Topic     string    // Message topic
	MessageID string    // Stable message identifier
	Owner     string    // Owner token of the claiming dispatcher
	StartTime time.Time // For duration calculation
}

// WithContext returns a new context with the given LogContext
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, logContextKey, lc)
}

// FromContext retrieves the LogContext from context, or nil if not present
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(logContextKey).(*LogContext)
	return lc
}

// NewLogContext creates a new LogContext for a store-scoped dispatch cycle.
func NewLogContext(store string) *LogContext {
	return &LogContext{
		Store:     store,
		StartTime: time.Now(),
	}
}

// Clone creates a copy of the LogContext
func (lc *LogContext) Clone() *LogContext {
	if lc == nil {
		return nil
	}
	return &LogContext{
		TraceID:   lc.TraceID,
		SpanID:    lc.SpanID,
		Store:     lc.Store,
		Topic:     lc.Topic,
		MessageID: lc.MessageID,
		Owner:     lc.Owner,
		StartTime: lc.StartTime,
	}
}

// WithTopic returns a copy with the topic and message ID set
func (lc *LogContext) WithTopic(topic, messageID string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.Topic = topic
		clone.MessageID = messageID
	}
	return clone
}

// WithOwner returns a copy with the owner token set
func (lc *LogContext) WithOwner(owner string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.Owner = owner
	}
	return clone
}

// WithTrace returns a copy with trace info set
func (lc *LogContext) WithTrace(traceID, spanID string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.TraceID = traceID
		clone.SpanID = spanID
	}
	return clone
}

// DurationMs returns the duration since StartTime in milliseconds
func (lc *LogContext) DurationMs() float64 {
	if lc == nil || lc.StartTime.IsZero() {
		return 0
	}
	return float64(time.Since(lc.StartTime).Microseconds()) / 1000.0
}
