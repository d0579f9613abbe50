package postgres

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqlbus/sqlbus/pkg/ids"
	"github.com/sqlbus/sqlbus/pkg/store"
)

func TestInboxUpsertDeduplicatesOnMessageAndSource(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	terminal, err := s.Inbox().Upsert(ctx, "msg-1", "billing", "invoices", "{}", "", nil)
	require.NoError(t, err)
	assert.False(t, terminal)

	// Same message id from a different source is a distinct record.
	terminal, err = s.Inbox().Upsert(ctx, "msg-1", "shipping", "invoices", "{}", "", nil)
	require.NoError(t, err)
	assert.False(t, terminal)

	// A duplicate bumps attempts but stays one row.
	terminal, err = s.Inbox().Upsert(ctx, "msg-1", "billing", "invoices", "{}", "", nil)
	require.NoError(t, err)
	assert.False(t, terminal)

	rec, err := s.Inbox().Get(ctx, "msg-1", "billing")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Attempts)
	assert.Equal(t, store.InboxSeen, rec.InboxStatus)
}

func TestInboxUpsertReportsTerminalDuplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Inbox().Upsert(ctx, "msg-1", "billing", "invoices", "{}", "", nil)
	require.NoError(t, err)
	require.NoError(t, s.Inbox().MarkProcessed(ctx, "msg-1", "billing"))

	terminal, err := s.Inbox().Upsert(ctx, "msg-1", "billing", "invoices", "{}", "", nil)
	require.NoError(t, err)
	assert.True(t, terminal)
}

func TestInboxAlreadyProcessedChecksHash(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Inbox().Upsert(ctx, "msg-1", "billing", "invoices", "{}", "digest-a", nil)
	require.NoError(t, err)

	done, err := s.Inbox().AlreadyProcessed(ctx, "msg-1", "billing", "digest-a")
	require.NoError(t, err)
	assert.False(t, done, "non-terminal record is not processed")

	require.NoError(t, s.Inbox().MarkProcessed(ctx, "msg-1", "billing"))

	done, err = s.Inbox().AlreadyProcessed(ctx, "msg-1", "billing", "digest-a")
	require.NoError(t, err)
	assert.True(t, done)

	// A different content digest does not count as processed.
	done, err = s.Inbox().AlreadyProcessed(ctx, "msg-1", "billing", "digest-b")
	require.NoError(t, err)
	assert.False(t, done)
}

func TestInboxLifecycleTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Inbox().Upsert(ctx, "msg-1", "billing", "invoices", "{}", "", nil)
	require.NoError(t, err)

	require.NoError(t, s.Inbox().MarkProcessing(ctx, "msg-1", "billing"))
	rec, err := s.Inbox().Get(ctx, "msg-1", "billing")
	require.NoError(t, err)
	assert.Equal(t, store.InboxProcessing, rec.InboxStatus)

	require.NoError(t, s.Inbox().MarkDead(ctx, "msg-1", "billing"))
	rec, err = s.Inbox().Get(ctx, "msg-1", "billing")
	require.NoError(t, err)
	assert.Equal(t, store.InboxDead, rec.InboxStatus)
}

func TestInboxClaimAndAckMoveStatusToDone(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Inbox().Upsert(ctx, "msg-1", "billing", "invoices", "{}", "", nil)
	require.NoError(t, err)

	owner := ids.NewOwnerToken()
	batch, err := s.Inbox().Claim(ctx, owner, 30, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, "msg-1", batch[0].MessageID)

	n, err := s.Inbox().Ack(ctx, owner, []ids.WorkItemID{batch[0].ID})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, err := s.Inbox().Get(ctx, "msg-1", "billing")
	require.NoError(t, err)
	assert.Equal(t, store.InboxDone, rec.InboxStatus)
}

func TestInboxUpsertRejectsEmptyKeys(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Inbox().Upsert(ctx, "", "billing", "invoices", "{}", "", nil)
	assert.Error(t, err)

	_, err = s.Inbox().Upsert(ctx, "msg-1", "", "invoices", "{}", "", nil)
	assert.Error(t, err)
}
