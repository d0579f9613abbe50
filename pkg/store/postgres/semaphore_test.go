package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqlbus/sqlbus/pkg/store"
)

func expireSemaphoreLeases(t *testing.T, name string) {
	t.Helper()
	_, err := sharedStore.Pool().Exec(context.Background(),
		`UPDATE semaphore_leases SET lease_until = now() - interval '1 minute' WHERE name = $1`, name)
	require.NoError(t, err)
}

func TestSemaphoreTryAcquireUpToLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Semaphores().EnsureExists(ctx, "imports", 2))

	first, err := s.Semaphores().TryAcquire(ctx, "imports", 30*time.Second, "worker-1", "")
	require.NoError(t, err)
	assert.Equal(t, store.SemaphoreAcquired, first.Status)
	assert.NotEmpty(t, first.Token)

	second, err := s.Semaphores().TryAcquire(ctx, "imports", 30*time.Second, "worker-2", "")
	require.NoError(t, err)
	assert.Equal(t, store.SemaphoreAcquired, second.Status)
	assert.Greater(t, second.FencingToken, first.FencingToken)

	third, err := s.Semaphores().TryAcquire(ctx, "imports", 30*time.Second, "worker-3", "")
	require.NoError(t, err)
	assert.Equal(t, store.SemaphoreNotAcquired, third.Status)
	assert.Empty(t, third.Token)
}

func TestSemaphoreTryAcquireUnknownName(t *testing.T) {
	s := newTestStore(t)

	grant, err := s.Semaphores().TryAcquire(context.Background(), "missing", 30*time.Second, "worker-1", "")
	require.NoError(t, err)
	assert.Equal(t, store.SemaphoreNotFound, grant.Status)
}

func TestSemaphoreTryAcquireIdempotentRequestID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Semaphores().EnsureExists(ctx, "imports", 1))

	first, err := s.Semaphores().TryAcquire(ctx, "imports", 30*time.Second, "worker-1", "req-1")
	require.NoError(t, err)
	require.Equal(t, store.SemaphoreAcquired, first.Status)

	// Replaying the same request id returns the existing lease instead of
	// reporting the semaphore full.
	replay, err := s.Semaphores().TryAcquire(ctx, "imports", 30*time.Second, "worker-1", "req-1")
	require.NoError(t, err)
	assert.Equal(t, store.SemaphoreAcquired, replay.Status)
	assert.Equal(t, first.Token, replay.Token)
	assert.Equal(t, first.FencingToken, replay.FencingToken)

	other, err := s.Semaphores().TryAcquire(ctx, "imports", 30*time.Second, "worker-2", "req-2")
	require.NoError(t, err)
	assert.Equal(t, store.SemaphoreNotAcquired, other.Status)
}

func TestSemaphoreExpiredLeaseFreesSlot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Semaphores().EnsureExists(ctx, "imports", 1))

	first, err := s.Semaphores().TryAcquire(ctx, "imports", 30*time.Second, "worker-1", "")
	require.NoError(t, err)
	require.Equal(t, store.SemaphoreAcquired, first.Status)

	expireSemaphoreLeases(t, "imports")

	grant, err := s.Semaphores().TryAcquire(ctx, "imports", 30*time.Second, "worker-2", "")
	require.NoError(t, err)
	assert.Equal(t, store.SemaphoreAcquired, grant.Status)
	assert.Greater(t, grant.FencingToken, first.FencingToken)
}

func TestSemaphoreRenew(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Semaphores().EnsureExists(ctx, "imports", 1))
	grant, err := s.Semaphores().TryAcquire(ctx, "imports", 30*time.Second, "worker-1", "")
	require.NoError(t, err)

	ok, err := s.Semaphores().Renew(ctx, "imports", grant.Token, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	expireSemaphoreLeases(t, "imports")

	ok, err = s.Semaphores().Renew(ctx, "imports", grant.Token, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "an expired lease is not renewable")
}

func TestSemaphoreReleaseFreesSlot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Semaphores().EnsureExists(ctx, "imports", 1))
	grant, err := s.Semaphores().TryAcquire(ctx, "imports", 30*time.Second, "worker-1", "")
	require.NoError(t, err)

	require.NoError(t, s.Semaphores().Release(ctx, "imports", grant.Token))

	next, err := s.Semaphores().TryAcquire(ctx, "imports", 30*time.Second, "worker-2", "")
	require.NoError(t, err)
	assert.Equal(t, store.SemaphoreAcquired, next.Status)
}

func TestSemaphoreLoweringLimitKeepsHolders(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Semaphores().EnsureExists(ctx, "imports", 2))
	for i := 0; i < 2; i++ {
		grant, err := s.Semaphores().TryAcquire(ctx, "imports", 30*time.Second, "worker", "")
		require.NoError(t, err)
		require.Equal(t, store.SemaphoreAcquired, grant.Status)
	}

	require.NoError(t, s.Semaphores().EnsureExists(ctx, "imports", 1))

	var active int
	err := s.Pool().QueryRow(ctx, `SELECT count(*) FROM semaphore_leases WHERE name = 'imports'`).Scan(&active)
	require.NoError(t, err)
	assert.Equal(t, 2, active)

	grant, err := s.Semaphores().TryAcquire(ctx, "imports", 30*time.Second, "worker", "")
	require.NoError(t, err)
	assert.Equal(t, store.SemaphoreNotAcquired, grant.Status)
}

func TestSemaphoreReapExpiredHonorsBatchLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Semaphores().EnsureExists(ctx, "imports", 10))
	for i := 0; i < 5; i++ {
		_, err := s.Semaphores().TryAcquire(ctx, "imports", 30*time.Second, "worker", "")
		require.NoError(t, err)
	}
	expireSemaphoreLeases(t, "imports")

	n, err := s.Semaphores().ReapExpired(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = s.Semaphores().ReapExpired(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestSemaphoreValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	assert.Error(t, s.Semaphores().EnsureExists(ctx, "bad name", 1))
	assert.Error(t, s.Semaphores().EnsureExists(ctx, "imports", 0))
	assert.Error(t, s.Semaphores().EnsureExists(ctx, "imports", MaxSemaphoreLimit+1))

	_, err := s.Semaphores().TryAcquire(ctx, "imports", time.Millisecond, "worker", "")
	assert.Error(t, err)

	_, err = s.Semaphores().Renew(ctx, "imports", "not-a-uuid", time.Minute)
	assert.Error(t, err)
}
