package store

import "errors"

// ErrNotFound reports a missing row where the contract requires one. Every
// backend returns or wraps this sentinel so callers match with errors.Is.
var ErrNotFound = errors.New("not found")

// IsTransient reports whether err is a retryable storage failure such as a
// deadlock, serialization conflict, lost connection or timeout. Backends
// mark these by implementing TransientError on their error types. Callers
// may retry the operation once immediately before propagating.
func IsTransient(err error) bool {
	var t interface{ TransientError() bool }
	return errors.As(err, &t) && t.TransientError()
}
