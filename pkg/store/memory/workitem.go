package memory

import (
	"time"

	"github.com/sqlbus/sqlbus/pkg/ids"
	"github.com/sqlbus/sqlbus/pkg/workqueue"
)

// Lifecycle helpers shared by the four work queues. All run with the store
// mutex held.

func eligible(it *workqueue.Item, now time.Time) bool {
	if it.Status != workqueue.StatusReady {
		return false
	}
	if it.LockedUntil != nil && it.LockedUntil.After(now) {
		return false
	}
	if it.DueTimeUTC != nil && it.DueTimeUTC.After(now) {
		return false
	}
	return !it.NextAttemptAt.After(now)
}

func claimItem(it *workqueue.Item, owner ids.OwnerToken, leaseSeconds int, now time.Time) {
	until := now.Add(time.Duration(leaseSeconds) * time.Second)
	it.Status = workqueue.StatusInProgress
	it.Owner = &owner
	it.LockedUntil = &until
}

// heldBy reports whether owner currently holds the in-progress item.
func heldBy(it *workqueue.Item, owner ids.OwnerToken) bool {
	return it.Status == workqueue.StatusInProgress && it.Owner != nil && *it.Owner == owner
}

func ackItem(it *workqueue.Item) {
	it.Status = workqueue.StatusDone
	it.LockedUntil = nil
}

func failItem(it *workqueue.Item, reason string) {
	it.Status = workqueue.StatusFailed
	it.LockedUntil = nil
	it.LastError = reason
}

func abandonItem(it *workqueue.Item, lastError string, retryDelay *time.Duration, now time.Time) {
	delay := workqueue.RetryDelay(it.RetryCount)
	if retryDelay != nil {
		delay = *retryDelay
	}
	it.Status = workqueue.StatusReady
	it.Owner = nil
	it.LockedUntil = nil
	it.RetryCount++
	if lastError != "" {
		it.LastError = lastError
	}
	it.NextAttemptAt = now.Add(delay)
}

func expired(it *workqueue.Item, now time.Time) bool {
	return it.Status == workqueue.StatusInProgress &&
		it.LockedUntil != nil && !it.LockedUntil.After(now)
}

func releaseItem(it *workqueue.Item) {
	it.Status = workqueue.StatusReady
	it.Owner = nil
	it.LockedUntil = nil
}
