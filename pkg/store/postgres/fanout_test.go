package postgres

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqlbus/sqlbus/pkg/ids"
	"github.com/sqlbus/sqlbus/pkg/store"
	"github.com/sqlbus/sqlbus/pkg/workqueue"
)

func testPolicy() store.FanoutPolicy {
	return store.FanoutPolicy{
		Name:        "orders-mirror",
		SourceTopic: "orders.created",
		Destinations: []store.FanoutDestination{
			{Key: "analytics", Topic: "analytics.orders"},
			{Key: "audit", Topic: "audit.orders", StoreID: "audit-store"},
		},
		IsEnabled: true,
	}
}

func TestFanoutUpsertPolicyRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Fanout().UpsertPolicy(ctx, testPolicy()))

	policies, err := s.Fanout().Policies(ctx)
	require.NoError(t, err)
	require.Len(t, policies, 1)
	assert.Equal(t, testPolicy(), policies[0])

	// The cursor row is created alongside the policy, starting at zero.
	cursor, err := s.Fanout().Cursor(ctx, "orders-mirror")
	require.NoError(t, err)
	assert.Equal(t, int64(0), cursor.LastPosition)

	// Redefining the policy keeps the existing cursor.
	require.NoError(t, s.Fanout().AdvanceCursor(ctx, "orders-mirror", 7))
	updated := testPolicy()
	updated.IsEnabled = false
	require.NoError(t, s.Fanout().UpsertPolicy(ctx, updated))

	cursor, err = s.Fanout().Cursor(ctx, "orders-mirror")
	require.NoError(t, err)
	assert.Equal(t, int64(7), cursor.LastPosition)
}

func TestFanoutUpsertPolicyValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := testPolicy()
	p.Name = ""
	assert.Error(t, s.Fanout().UpsertPolicy(ctx, p))

	p = testPolicy()
	p.Destinations = nil
	assert.Error(t, s.Fanout().UpsertPolicy(ctx, p))

	p = testPolicy()
	p.Destinations[1].Key = p.Destinations[0].Key
	assert.Error(t, s.Fanout().UpsertPolicy(ctx, p))
}

func TestFanoutDeletePolicy(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Fanout().UpsertPolicy(ctx, testPolicy()))
	require.NoError(t, s.Fanout().DeletePolicy(ctx, "orders-mirror"))

	policies, err := s.Fanout().Policies(ctx)
	require.NoError(t, err)
	assert.Empty(t, policies)
}

func TestFanoutReadSourcePagesByPosition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var first ids.WorkItemID
	for i := 0; i < 3; i++ {
		id, err := s.Outbox().Enqueue(ctx, store.NewOutboxMessage{Topic: "orders.created", Payload: "{}"})
		require.NoError(t, err)
		if i == 0 {
			first = id
		}
	}
	// A different topic never shows up in this policy's stream.
	_, err := s.Outbox().Enqueue(ctx, store.NewOutboxMessage{Topic: "other", Payload: "{}"})
	require.NoError(t, err)

	entries, err := s.Fanout().ReadSource(ctx, "orders.created", 0, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, first, entries[0].Message.ID)
	assert.Less(t, entries[0].Position, entries[1].Position)

	rest, err := s.Fanout().ReadSource(ctx, "orders.created", entries[1].Position, 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Greater(t, rest[0].Position, entries[1].Position)
}

func TestFanoutReadSourceIncludesProcessedRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Outbox().Enqueue(ctx, store.NewOutboxMessage{Topic: "orders.created", Payload: "{}"})
	require.NoError(t, err)

	owner := ids.NewOwnerToken()
	claimed, err := s.Outbox().Claim(ctx, owner, 30, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	_, err = s.Outbox().Ack(ctx, owner, []ids.WorkItemID{claimed[0].ID})
	require.NoError(t, err)

	entries, err := s.Fanout().ReadSource(ctx, "orders.created", 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, workqueue.StatusDone, entries[0].Message.Status)
}

func TestFanoutMarkExpandedIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sourceID, err := s.Outbox().Enqueue(ctx, store.NewOutboxMessage{Topic: "orders.created", Payload: "{}"})
	require.NoError(t, err)

	err = s.WithTx(ctx, func(tx store.Txn) error {
		fresh, err := s.Fanout().MarkExpanded(ctx, tx, sourceID, "analytics")
		require.NoError(t, err)
		assert.True(t, fresh)

		again, err := s.Fanout().MarkExpanded(ctx, tx, sourceID, "analytics")
		require.NoError(t, err)
		assert.False(t, again)

		other, err := s.Fanout().MarkExpanded(ctx, tx, sourceID, "audit")
		require.NoError(t, err)
		assert.True(t, other)
		return nil
	})
	require.NoError(t, err)
}

func TestFanoutAdvanceCursorIsMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Fanout().UpsertPolicy(ctx, testPolicy()))

	require.NoError(t, s.Fanout().AdvanceCursor(ctx, "orders-mirror", 10))
	require.NoError(t, s.Fanout().AdvanceCursor(ctx, "orders-mirror", 5))

	cursor, err := s.Fanout().Cursor(ctx, "orders-mirror")
	require.NoError(t, err)
	assert.Equal(t, int64(10), cursor.LastPosition)
}

func TestFanoutCursorUnknownPolicy(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Fanout().Cursor(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
