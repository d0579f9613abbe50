package workqueue

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	// RetryDelayCap bounds the per-item retry backoff.
	RetryDelayCap = 60 * time.Second

	// PollBackoffBase is the sleep after the first empty claim.
	PollBackoffBase = 500 * time.Millisecond

	// PollBackoffCap bounds the empty-claim sleep.
	PollBackoffCap = 30 * time.Second
)

// RetryDelay computes the default exponential backoff applied when a work
// item is abandoned: min(2^retryCount, 60) seconds.
func RetryDelay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount > 5 {
		// 2^6 already exceeds the cap.
		return RetryDelayCap
	}
	d := time.Duration(1<<uint(retryCount)) * time.Second
	if d > RetryDelayCap {
		return RetryDelayCap
	}
	return d
}

// NewPollBackoff builds the exponential backoff used between empty claim
// results. Reset it whenever a claim returns rows.
func NewPollBackoff() *backoff.ExponentialBackOff {
	return NewPollBackoffWith(PollBackoffBase, PollBackoffCap)
}

// NewPollBackoffWith builds a poll backoff with a caller-tuned window.
// Zero base or cap fall back to the defaults.
func NewPollBackoffWith(base, cap time.Duration) *backoff.ExponentialBackOff {
	if base <= 0 {
		base = PollBackoffBase
	}
	if cap <= 0 {
		cap = PollBackoffCap
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.MaxInterval = cap
	b.Multiplier = 2.0
	b.RandomizationFactor = 0.1
	b.MaxElapsedTime = 0 // poll forever
	b.Reset()
	return b
}
