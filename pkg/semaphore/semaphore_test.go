package semaphore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqlbus/sqlbus/internal/clock"
	"github.com/sqlbus/sqlbus/pkg/store/memory"
)

func newTestSemaphore(t *testing.T, limit int) (*Semaphore, *clock.FakeTime) {
	t.Helper()
	clk := &clock.FakeTime{Current: time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)}
	s := memory.New("test-store", memory.WithClock(clk))
	sem := New(s.Semaphores(), "render-workers")
	require.NoError(t, sem.Ensure(context.Background(), limit))
	return sem, clk
}

func TestAcquireUpToLimit(t *testing.T) {
	sem, _ := newTestSemaphore(t, 2)
	ctx := context.Background()

	s1, err := sem.Acquire(ctx, 30*time.Second, "w1", "")
	require.NoError(t, err)
	s2, err := sem.Acquire(ctx, 30*time.Second, "w2", "")
	require.NoError(t, err)
	assert.Greater(t, s2.FencingToken(), s1.FencingToken())

	_, err = sem.Acquire(ctx, 30*time.Second, "w3", "")
	require.ErrorIs(t, err, ErrNoSlot)

	require.NoError(t, s1.Release(ctx))
	s3, err := sem.Acquire(ctx, 30*time.Second, "w3", "")
	require.NoError(t, err)
	assert.Greater(t, s3.FencingToken(), s2.FencingToken())
}

func TestAcquireIdempotentPerRequest(t *testing.T) {
	sem, _ := newTestSemaphore(t, 1)
	ctx := context.Background()

	first, err := sem.Acquire(ctx, 30*time.Second, "w1", "req-1")
	require.NoError(t, err)

	// A retry with the same request id gets the same slot back.
	again, err := sem.Acquire(ctx, 30*time.Second, "w1", "req-1")
	require.NoError(t, err)
	assert.Equal(t, first.Token(), again.Token())
	assert.Equal(t, first.FencingToken(), again.FencingToken())

	// A different request id still hits the limit.
	_, err = sem.Acquire(ctx, 30*time.Second, "w2", "req-2")
	require.ErrorIs(t, err, ErrNoSlot)
}

func TestExpiredSlotFreesItself(t *testing.T) {
	sem, clk := newTestSemaphore(t, 1)
	ctx := context.Background()

	held, err := sem.Acquire(ctx, 30*time.Second, "w1", "")
	require.NoError(t, err)

	clk.Advance(31 * time.Second)

	ok, err := held.Renew(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = sem.Acquire(ctx, 30*time.Second, "w2", "")
	require.NoError(t, err)
}

func TestUnknownSemaphore(t *testing.T) {
	s := memory.New("test-store")
	sem := New(s.Semaphores(), "never-created")

	_, err := sem.Acquire(context.Background(), 30*time.Second, "w", "")
	require.ErrorIs(t, err, ErrUnknown)
}
