// Package clock provides injectable wall-clock and monotonic time sources.
//
// Persisted timestamps always come from the database server's UTC clock; the
// process-local clocks here are used only for scheduling renewals, backoff
// and timeouts. Both are injected, never global.
package clock

import (
	"sort"
	"sync"
	"time"
)

// TimeProvider supplies the current wall-clock time in UTC.
type TimeProvider interface {
	Now() time.Time
}

// Monotonic supplies a steady elapsed-seconds reading unaffected by
// wall-clock jumps, plus a timer primitive against the same reading.
// Readings are non-decreasing within a process.
type Monotonic interface {
	Seconds() float64

	// After returns a channel that receives once d has elapsed on this
	// clock. Each call arms an independent timer.
	After(d time.Duration) <-chan time.Time
}

// SystemTime is the production TimeProvider backed by time.Now.
type SystemTime struct{}

func (SystemTime) Now() time.Time {
	return time.Now().UTC()
}

// systemMonotonic measures elapsed time against a fixed process epoch.
// time.Since uses Go's monotonic clock reading, so the result is immune to
// wall-clock adjustments.
type systemMonotonic struct {
	epoch time.Time
}

// NewMonotonic returns a Monotonic anchored at the moment of the call.
func NewMonotonic() Monotonic {
	return &systemMonotonic{epoch: time.Now()}
}

func (m *systemMonotonic) Seconds() float64 {
	return time.Since(m.epoch).Seconds()
}

func (m *systemMonotonic) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// FakeTime is a manually-advanced TimeProvider for tests.
type FakeTime struct {
	Current time.Time
}

func (f *FakeTime) Now() time.Time {
	return f.Current.UTC()
}

// Advance moves the fake clock forward.
func (f *FakeTime) Advance(d time.Duration) {
	f.Current = f.Current.Add(d)
}

// FakeMonotonic is a manually-advanced Monotonic for tests. Timers armed
// with After fire when Advance moves the reading past their deadline.
type FakeMonotonic struct {
	Elapsed float64

	mu      sync.Mutex
	waiters []fakeWaiter
}

type fakeWaiter struct {
	deadline float64
	ch       chan time.Time
}

func (f *FakeMonotonic) Seconds() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Elapsed
}

func (f *FakeMonotonic) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan time.Time, 1)
	deadline := f.Elapsed + d.Seconds()
	if d <= 0 {
		ch <- time.Time{}
		return ch
	}
	f.waiters = append(f.waiters, fakeWaiter{deadline: deadline, ch: ch})
	return ch
}

// Advance moves the fake monotonic reading forward by d seconds and fires
// every timer whose deadline has been reached.
func (f *FakeMonotonic) Advance(d float64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Elapsed += d
	sort.SliceStable(f.waiters, func(i, j int) bool {
		return f.waiters[i].deadline < f.waiters[j].deadline
	})
	remaining := f.waiters[:0]
	for _, w := range f.waiters {
		if w.deadline <= f.Elapsed {
			w.ch <- time.Time{}
		} else {
			remaining = append(remaining, w)
		}
	}
	f.waiters = remaining
}
