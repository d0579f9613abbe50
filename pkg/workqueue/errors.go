package workqueue

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the work-queue components. Only lost-lease,
// validation and configuration errors propagate to callers; everything else
// is absorbed into row-level state transitions.
var (
	// ErrLostLease indicates the per-store or per-policy lease was lost
	// mid-iteration. The current batch must be rolled back.
	ErrLostLease = errors.New("lease lost")

	// ErrConfiguration indicates invalid component wiring detected at
	// startup (duplicate handler, missing store, conflicting providers).
	ErrConfiguration = errors.New("configuration error")

	// ErrRetryLater is returned by handlers still waiting on an external
	// condition. The dispatcher abandons the row with backoff but never
	// counts the attempt against the retry ceiling.
	ErrRetryLater = errors.New("retry later")
)

// ValidationError reports malformed caller input. It is never retried.
type ValidationError struct {
	msg string
}

// NewValidationError builds a ValidationError with printf formatting.
func NewValidationError(format string, args ...any) *ValidationError {
	return &ValidationError{msg: fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string {
	return "validation: " + e.msg
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ConfigurationError wraps ErrConfiguration with detail so the failure
// surfaces eagerly at startup with a useful message.
func ConfigurationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}
