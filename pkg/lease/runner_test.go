package lease

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqlbus/sqlbus/internal/clock"
	"github.com/sqlbus/sqlbus/pkg/ids"
	"github.com/sqlbus/sqlbus/pkg/store"
	"github.com/sqlbus/sqlbus/pkg/store/memory"
)

// countingLeases grants every acquire and counts renewals. Renewals succeed
// until failAfter of them have happened.
type countingLeases struct {
	renews    atomic.Int64
	failAfter int64
}

func (c *countingLeases) Acquire(ctx context.Context, name string, owner ids.OwnerToken, d time.Duration) (*store.LeaseGrant, error) {
	return &store.LeaseGrant{Acquired: true, FencingToken: 1}, nil
}

func (c *countingLeases) Renew(ctx context.Context, name string, owner ids.OwnerToken, d time.Duration) (*store.LeaseRenewal, error) {
	n := c.renews.Add(1)
	if c.failAfter > 0 && n > c.failAfter {
		return &store.LeaseRenewal{Renewed: false}, nil
	}
	return &store.LeaseRenewal{Renewed: true}, nil
}

func (c *countingLeases) Release(ctx context.Context, name string, owner ids.OwnerToken) error {
	return nil
}

func TestAcquireAndClose(t *testing.T) {
	s := memory.New("test-store")
	ctx := context.Background()

	r, err := Acquire(ctx, s.Leases(), Config{Name: "outbox:run:test-store"})
	require.NoError(t, err)
	defer r.Close(ctx)

	assert.NoError(t, r.EnsureHeld())
	assert.EqualValues(t, 1, r.FencingToken())

	// Same name is contended while held.
	_, err = Acquire(ctx, s.Leases(), Config{Name: "outbox:run:test-store"})
	require.ErrorIs(t, err, ErrNotAcquired)

	// A different resource is independent.
	other, err := Acquire(ctx, s.Leases(), Config{Name: "outbox:run:other"})
	require.NoError(t, err)
	other.Close(ctx)

	r.Close(ctx)
	assert.ErrorIs(t, r.EnsureHeld(), ErrLost)

	// Released: the next holder takes over with a higher fencing token.
	next, err := Acquire(ctx, s.Leases(), Config{Name: "outbox:run:test-store"})
	require.NoError(t, err)
	defer next.Close(ctx)
	assert.EqualValues(t, 2, next.FencingToken())
}

func TestCloseIsIdempotent(t *testing.T) {
	s := memory.New("test-store")
	ctx := context.Background()

	r, err := Acquire(ctx, s.Leases(), Config{Name: "r"})
	require.NoError(t, err)

	r.Close(ctx)
	r.Close(ctx)

	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("Done did not close after Close")
	}
}

func TestRenewalFollowsClock(t *testing.T) {
	leases := &countingLeases{}
	fm := &clock.FakeMonotonic{}
	ctx := context.Background()

	r, err := Acquire(ctx, leases, Config{Name: "r", Duration: 30 * time.Second, Clock: fm})
	require.NoError(t, err)
	defer r.Close(ctx)

	// No renewal until the clock moves. The interval is jittered between
	// 0.3x and 0.9x of the duration, so a full-duration step always fires.
	assert.EqualValues(t, 0, leases.renews.Load())

	require.Eventually(t, func() bool {
		fm.Advance(30)
		return leases.renews.Load() >= 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.NoError(t, r.EnsureHeld())
}

func TestRenewalFailureTwiceClosesDone(t *testing.T) {
	leases := &countingLeases{failAfter: 1}
	fm := &clock.FakeMonotonic{}
	ctx := context.Background()

	r, err := Acquire(ctx, leases, Config{Name: "r", Duration: 30 * time.Second, Clock: fm})
	require.NoError(t, err)
	defer r.Close(ctx)

	// The second scheduled renewal fails, the immediate retry fails too,
	// and the lease is declared lost.
	require.Eventually(t, func() bool {
		fm.Advance(30)
		select {
		case <-r.Done():
			return true
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)

	assert.ErrorIs(t, r.EnsureHeld(), ErrLost)
	assert.GreaterOrEqual(t, leases.renews.Load(), int64(3))
}

func TestConfigValidation(t *testing.T) {
	s := memory.New("test-store")
	ctx := context.Background()

	_, err := Acquire(ctx, s.Leases(), Config{})
	require.Error(t, err)

	_, err = Acquire(ctx, s.Leases(), Config{Name: "r", Duration: time.Second})
	require.Error(t, err)
}
