package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqlbus/sqlbus/pkg/ids"
	"github.com/sqlbus/sqlbus/pkg/store"
	"github.com/sqlbus/sqlbus/pkg/workqueue"
)

func enqueueN(t *testing.T, s *Store, topic string, n int) []ids.WorkItemID {
	t.Helper()
	out := make([]ids.WorkItemID, 0, n)
	for i := 0; i < n; i++ {
		id, err := s.Outbox().Enqueue(context.Background(), store.NewOutboxMessage{
			Topic:   topic,
			Payload: "payload",
		})
		require.NoError(t, err)
		out = append(out, id)
	}
	return out
}

// expireLocks forces every InProgress outbox lock into the past so reap
// and re-claim paths can be tested without waiting out a lease.
func expireLocks(t *testing.T, s *Store) {
	t.Helper()
	_, err := s.Pool().Exec(context.Background(),
		`UPDATE outbox SET locked_until = now() - interval '1 minute' WHERE status = 1`)
	require.NoError(t, err)
}

func TestOutboxClaimReturnsOldestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	enqueued := enqueueN(t, s, "orders", 3)

	owner := ids.NewOwnerToken()
	batch, err := s.Outbox().Claim(ctx, owner, 30, 10)
	require.NoError(t, err)
	require.Len(t, batch, 3)

	for i, msg := range batch {
		assert.Equal(t, enqueued[i], msg.ID)
		assert.Equal(t, workqueue.StatusInProgress, msg.Status)
		require.NotNil(t, msg.Owner)
		assert.Equal(t, owner, *msg.Owner)
		require.NotNil(t, msg.LockedUntil)
	}
}

func TestOutboxClaimSkipsLockedRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	enqueueN(t, s, "orders", 4)

	first, err := s.Outbox().Claim(ctx, ids.NewOwnerToken(), 30, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)

	second, err := s.Outbox().Claim(ctx, ids.NewOwnerToken(), 30, 10)
	require.NoError(t, err)
	require.Len(t, second, 2)

	claimed := map[ids.WorkItemID]bool{}
	for _, m := range append(first, second...) {
		assert.False(t, claimed[m.ID], "row %s claimed twice", m.ID)
		claimed[m.ID] = true
	}
}

func TestOutboxDueTimeGatesClaim(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	future := time.Now().UTC().Add(time.Hour)
	_, err := s.Outbox().Enqueue(ctx, store.NewOutboxMessage{
		Topic: "orders", Payload: "later", DueTimeUTC: &future,
	})
	require.NoError(t, err)

	batch, err := s.Outbox().Claim(ctx, ids.NewOwnerToken(), 30, 10)
	require.NoError(t, err)
	assert.Empty(t, batch)
}

func TestOutboxAckRequiresMatchingOwner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	enqueueN(t, s, "orders", 1)

	owner := ids.NewOwnerToken()
	batch, err := s.Outbox().Claim(ctx, owner, 30, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	// A stranger's ack is silently skipped.
	n, err := s.Outbox().Ack(ctx, ids.NewOwnerToken(), []ids.WorkItemID{batch[0].ID})
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.Outbox().Ack(ctx, owner, []ids.WorkItemID{batch[0].ID})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.Outbox().Get(ctx, batch[0].ID)
	require.NoError(t, err)
	assert.Equal(t, workqueue.StatusDone, got.Status)
	assert.NotNil(t, got.ProcessedAt)
}

func TestOutboxAbandonBacksOffAndReleases(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	enqueueN(t, s, "orders", 1)

	owner := ids.NewOwnerToken()
	batch, err := s.Outbox().Claim(ctx, owner, 30, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	n, err := s.Outbox().Abandon(ctx, owner, []ids.WorkItemID{batch[0].ID}, "handler sad", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.Outbox().Get(ctx, batch[0].ID)
	require.NoError(t, err)
	assert.Equal(t, workqueue.StatusReady, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "handler sad", got.LastError)
	// Default backoff pushes the next attempt into the future.
	assert.True(t, got.NextAttemptAt.After(time.Now().UTC().Add(500*time.Millisecond)))

	// Not claimable until the backoff elapses.
	batch, err = s.Outbox().Claim(ctx, owner, 30, 10)
	require.NoError(t, err)
	assert.Empty(t, batch)
}

func TestOutboxFailIsTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	enqueueN(t, s, "orders", 1)

	owner := ids.NewOwnerToken()
	batch, err := s.Outbox().Claim(ctx, owner, 30, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	n, err := s.Outbox().Fail(ctx, owner, []ids.WorkItemID{batch[0].ID}, "gave up")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.Outbox().Get(ctx, batch[0].ID)
	require.NoError(t, err)
	assert.Equal(t, workqueue.StatusFailed, got.Status)
	assert.Equal(t, "gave up", got.LastError)

	batch, err = s.Outbox().Claim(ctx, owner, 30, 10)
	require.NoError(t, err)
	assert.Empty(t, batch)
}

func TestOutboxReapExpiredReturnsRowsToReady(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	enqueueN(t, s, "orders", 2)

	_, err := s.Outbox().Claim(ctx, ids.NewOwnerToken(), 30, 10)
	require.NoError(t, err)
	expireLocks(t, s)

	n, err := s.Outbox().ReapExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	batch, err := s.Outbox().Claim(ctx, ids.NewOwnerToken(), 30, 10)
	require.NoError(t, err)
	assert.Len(t, batch, 2)
}

func TestOutboxDeleteDoneBeforeKeepsFailed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	enqueueN(t, s, "orders", 2)

	owner := ids.NewOwnerToken()
	batch, err := s.Outbox().Claim(ctx, owner, 30, 10)
	require.NoError(t, err)
	require.Len(t, batch, 2)

	_, err = s.Outbox().Ack(ctx, owner, []ids.WorkItemID{batch[0].ID})
	require.NoError(t, err)
	_, err = s.Outbox().Fail(ctx, owner, []ids.WorkItemID{batch[1].ID}, "kept as audit trail")
	require.NoError(t, err)

	deleted, err := s.Outbox().DeleteDoneBefore(ctx, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = s.Outbox().Get(ctx, batch[0].ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	failed, err := s.Outbox().Get(ctx, batch[1].ID)
	require.NoError(t, err)
	assert.Equal(t, workqueue.StatusFailed, failed.Status)
}

func TestOutboxEnqueueInTxRollsBackWithCaller(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sentinel := assert.AnError
	err := s.WithTx(ctx, func(tx store.Txn) error {
		_, err := s.Outbox().EnqueueInTx(ctx, tx, store.NewOutboxMessage{
			Topic: "orders", Payload: "never visible",
		})
		require.NoError(t, err)
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	batch, err := s.Outbox().Claim(ctx, ids.NewOwnerToken(), 30, 10)
	require.NoError(t, err)
	assert.Empty(t, batch)
}
