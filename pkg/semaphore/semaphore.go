// Package semaphore bounds concurrent holders of a named resource across
// processes. Slots are leased, not locked: a holder that dies frees its
// slot when the lease expires, and every grant carries a fencing token.
package semaphore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sqlbus/sqlbus/pkg/store"
)

// ErrNoSlot reports that every slot is taken.
var ErrNoSlot = errors.New("semaphore: no slot available")

// ErrUnknown reports that the semaphore was never created.
var ErrUnknown = errors.New("semaphore: unknown semaphore")

// DefaultTTL is the holder lease length when the caller passes zero.
const DefaultTTL = 30 * time.Second

// Semaphore is a handle to one named semaphore.
type Semaphore struct {
	store store.SemaphoreStore
	name  string
}

// New returns a handle. The semaphore must be created with Ensure (or by
// another process) before slots can be acquired.
func New(s store.SemaphoreStore, name string) *Semaphore {
	return &Semaphore{store: s, name: name}
}

// Name is the semaphore's resource name.
func (s *Semaphore) Name() string { return s.name }

// Ensure creates the semaphore or updates its holder limit.
func (s *Semaphore) Ensure(ctx context.Context, limit int) error {
	return s.store.EnsureExists(ctx, s.name, limit)
}

// Acquire takes a slot or fails fast. ownerID is informational (shows up in
// operational queries); clientRequestID makes the acquire idempotent, so a
// caller retrying after a lost response gets its original slot back instead
// of leaking one.
func (s *Semaphore) Acquire(ctx context.Context, ttl time.Duration, ownerID, clientRequestID string) (*Slot, error) {
	if ttl == 0 {
		ttl = DefaultTTL
	}

	grant, err := s.store.TryAcquire(ctx, s.name, ttl, ownerID, clientRequestID)
	if err != nil {
		return nil, fmt.Errorf("acquire semaphore %q: %w", s.name, err)
	}

	switch grant.Status {
	case store.SemaphoreAcquired:
		return &Slot{
			semaphore: s,
			token:     grant.Token,
			fencing:   grant.FencingToken,
			ttl:       ttl,
		}, nil
	case store.SemaphoreNotFound:
		return nil, fmt.Errorf("semaphore %q: %w", s.name, ErrUnknown)
	default:
		return nil, fmt.Errorf("semaphore %q: %w", s.name, ErrNoSlot)
	}
}

// Slot is one held semaphore slot.
type Slot struct {
	semaphore *Semaphore
	token     string
	fencing   int64
	ttl       time.Duration
}

// Token identifies the slot for renewal and release.
func (h *Slot) Token() string { return h.token }

// FencingToken is strictly increasing across grants of this semaphore.
func (h *Slot) FencingToken() int64 { return h.fencing }

// Renew extends the slot lease. Returns false once the lease expired; the
// holder must stop its guarded work and re-acquire.
func (h *Slot) Renew(ctx context.Context) (bool, error) {
	return h.semaphore.store.Renew(ctx, h.semaphore.name, h.token, h.ttl)
}

// Release frees the slot. Releasing an already-expired slot is a no-op.
func (h *Slot) Release(ctx context.Context) error {
	return h.semaphore.store.Release(ctx, h.semaphore.name, h.token)
}
