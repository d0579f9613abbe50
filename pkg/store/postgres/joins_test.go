package postgres

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqlbus/sqlbus/pkg/ids"
	"github.com/sqlbus/sqlbus/pkg/store"
)

// startJoinWithSteps starts a join and attaches n freshly enqueued outbox
// messages as its members.
func startJoinWithSteps(t *testing.T, s *Store, n int) (ids.WorkItemID, []ids.WorkItemID) {
	t.Helper()
	ctx := context.Background()

	joinID, err := s.Joins().Start(ctx, "order-42", n, `{"order":42}`)
	require.NoError(t, err)

	msgIDs := make([]ids.WorkItemID, 0, n)
	for i := 0; i < n; i++ {
		id, err := s.Outbox().Enqueue(ctx, store.NewOutboxMessage{Topic: "steps.run", Payload: "{}"})
		require.NoError(t, err)
		require.NoError(t, s.Joins().Attach(ctx, joinID, id))
		msgIDs = append(msgIDs, id)
	}
	return joinID, msgIDs
}

func TestJoinStartAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	joinID, _ := startJoinWithSteps(t, s, 3)

	join, err := s.Joins().Get(ctx, joinID)
	require.NoError(t, err)
	assert.Equal(t, joinID, join.ID)
	assert.Equal(t, "order-42", join.GroupingKey)
	assert.Equal(t, 3, join.ExpectedSteps)
	assert.Equal(t, 0, join.CompletedSteps)
	assert.Equal(t, 0, join.FailedSteps)
	assert.Equal(t, store.JoinPending, join.Status)
	assert.Equal(t, `{"order":42}`, join.Metadata)

	members, err := s.Joins().Members(ctx, joinID)
	require.NoError(t, err)
	require.Len(t, members, 3)
	for _, m := range members {
		assert.Equal(t, joinID, m.JoinID)
		assert.Equal(t, store.JoinMemberPending, m.Status)
	}
}

func TestJoinStartRejectsNonPositiveSteps(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Joins().Start(context.Background(), "", 0, "")
	assert.Error(t, err)
}

func TestJoinAttachIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	joinID, msgIDs := startJoinWithSteps(t, s, 1)
	require.NoError(t, s.Joins().Attach(ctx, joinID, msgIDs[0]))

	members, err := s.Joins().Members(ctx, joinID)
	require.NoError(t, err)
	assert.Len(t, members, 1)
}

func TestJoinOutboxAckAdvancesCompletedSteps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	joinID, _ := startJoinWithSteps(t, s, 2)
	owner := ids.NewOwnerToken()

	claimed, err := s.Outbox().Claim(ctx, owner, 30, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	n, err := s.Outbox().Ack(ctx, owner, []ids.WorkItemID{claimed[0].ID})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	join, err := s.Joins().Get(ctx, joinID)
	require.NoError(t, err)
	assert.Equal(t, 1, join.CompletedSteps)
	assert.Equal(t, 0, join.FailedSteps)

	n, err = s.Outbox().Ack(ctx, owner, []ids.WorkItemID{claimed[1].ID})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	join, err = s.Joins().Get(ctx, joinID)
	require.NoError(t, err)
	assert.Equal(t, 2, join.CompletedSteps)
}

func TestJoinOutboxFailAdvancesFailedSteps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	joinID, _ := startJoinWithSteps(t, s, 2)
	owner := ids.NewOwnerToken()

	claimed, err := s.Outbox().Claim(ctx, owner, 30, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	_, err = s.Outbox().Fail(ctx, owner, []ids.WorkItemID{claimed[0].ID}, "handler blew up")
	require.NoError(t, err)

	join, err := s.Joins().Get(ctx, joinID)
	require.NoError(t, err)
	assert.Equal(t, 0, join.CompletedSteps)
	assert.Equal(t, 1, join.FailedSteps)

	members, err := s.Joins().Members(ctx, joinID)
	require.NoError(t, err)
	var failed int
	for _, m := range members {
		if m.Status == store.JoinMemberFailed {
			failed++
		}
	}
	assert.Equal(t, 1, failed)
}

func TestJoinStaleOwnerAckAdvancesNothing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	joinID, _ := startJoinWithSteps(t, s, 1)
	owner := ids.NewOwnerToken()

	claimed, err := s.Outbox().Claim(ctx, owner, 30, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	n, err := s.Outbox().Ack(ctx, ids.NewOwnerToken(), []ids.WorkItemID{claimed[0].ID})
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	join, err := s.Joins().Get(ctx, joinID)
	require.NoError(t, err)
	assert.Equal(t, 0, join.CompletedSteps)
}

func TestJoinReportStepCompletedIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	joinID, msgIDs := startJoinWithSteps(t, s, 2)

	require.NoError(t, s.Joins().ReportStepCompleted(ctx, joinID, msgIDs[0]))
	require.NoError(t, s.Joins().ReportStepCompleted(ctx, joinID, msgIDs[0]))

	join, err := s.Joins().Get(ctx, joinID)
	require.NoError(t, err)
	assert.Equal(t, 1, join.CompletedSteps)

	// A member reported completed cannot later be reported failed.
	require.NoError(t, s.Joins().ReportStepFailed(ctx, joinID, msgIDs[0]))
	join, err = s.Joins().Get(ctx, joinID)
	require.NoError(t, err)
	assert.Equal(t, 1, join.CompletedSteps)
	assert.Equal(t, 0, join.FailedSteps)
}

func TestJoinSetStatusOnlyLeavesPendingOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	joinID, _ := startJoinWithSteps(t, s, 1)

	require.NoError(t, s.Joins().SetStatus(ctx, joinID, store.JoinCompleted))
	join, err := s.Joins().Get(ctx, joinID)
	require.NoError(t, err)
	assert.Equal(t, store.JoinCompleted, join.Status)

	// The first terminal decision sticks.
	require.NoError(t, s.Joins().SetStatus(ctx, joinID, store.JoinFailed))
	join, err = s.Joins().Get(ctx, joinID)
	require.NoError(t, err)
	assert.Equal(t, store.JoinCompleted, join.Status)
}
