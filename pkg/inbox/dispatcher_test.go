package inbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqlbus/sqlbus/internal/clock"
	"github.com/sqlbus/sqlbus/pkg/store"
	"github.com/sqlbus/sqlbus/pkg/store/memory"
	"github.com/sqlbus/sqlbus/pkg/workqueue"
)

func newTestStore(t *testing.T) (*memory.Store, *clock.FakeTime) {
	t.Helper()
	clk := &clock.FakeTime{Current: time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)}
	return memory.New("test-store", memory.WithClock(clk)), clk
}

func TestReceiveDeduplicates(t *testing.T) {
	ctx := context.Background()
	st, _ := newTestStore(t)
	r := NewReceiver(st.Inbox())

	done, err := r.Receive(ctx, "msg-1", "billing", "invoice.created", "{}")
	require.NoError(t, err)
	assert.False(t, done)

	// Redelivery before processing: not terminal, attempts bumped.
	done, err = r.Receive(ctx, "msg-1", "billing", "invoice.created", "{}")
	require.NoError(t, err)
	assert.False(t, done)

	rec, err := st.Inbox().Get(ctx, "msg-1", "billing")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Attempts)
	assert.Equal(t, store.InboxSeen, rec.InboxStatus)
}

func TestReceiveReportsTerminalDuplicate(t *testing.T) {
	ctx := context.Background()
	st, _ := newTestStore(t)
	r := NewReceiver(st.Inbox())

	_, err := r.Receive(ctx, "msg-1", "billing", "invoice.created", "{}")
	require.NoError(t, err)

	reg := NewRegistry()
	require.NoError(t, reg.Register("invoice.created", func(ctx context.Context, rec *store.InboxRecord) error {
		return nil
	}))
	d, err := NewDispatcher(st.Inbox(), reg, DispatcherConfig{StoreID: "test-store"})
	require.NoError(t, err)

	n, err := d.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	done, err := r.Receive(ctx, "msg-1", "billing", "invoice.created", "{}")
	require.NoError(t, err)
	assert.True(t, done)
}

func TestReceiveValidatesKeys(t *testing.T) {
	st, _ := newTestStore(t)
	r := NewReceiver(st.Inbox())

	_, err := r.Receive(context.Background(), "", "billing", "topic", "{}")
	assert.True(t, workqueue.IsValidation(err))

	_, err = r.Receive(context.Background(), "msg-1", "", "topic", "{}")
	assert.True(t, workqueue.IsValidation(err))
}

func TestDispatcherAcksAndMarksDone(t *testing.T) {
	ctx := context.Background()
	st, _ := newTestStore(t)
	r := NewReceiver(st.Inbox())

	_, err := r.Receive(ctx, "msg-1", "billing", "invoice.created", `{"invoice":7}`)
	require.NoError(t, err)

	var seen []string
	reg := NewRegistry()
	require.NoError(t, reg.Register("invoice.created", func(ctx context.Context, rec *store.InboxRecord) error {
		seen = append(seen, rec.Payload)
		return nil
	}))
	d, err := NewDispatcher(st.Inbox(), reg, DispatcherConfig{StoreID: "test-store"})
	require.NoError(t, err)

	n, err := d.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{`{"invoice":7}`}, seen)

	rec, err := st.Inbox().Get(ctx, "msg-1", "billing")
	require.NoError(t, err)
	assert.Equal(t, workqueue.StatusDone, rec.Status)
	assert.Equal(t, store.InboxDone, rec.InboxStatus)
}

func TestDispatcherMarksDeadPastCeiling(t *testing.T) {
	ctx := context.Background()
	st, clk := newTestStore(t)
	r := NewReceiver(st.Inbox())

	_, err := r.Receive(ctx, "msg-1", "billing", "invoice.created", "{}")
	require.NoError(t, err)

	reg := NewRegistry()
	require.NoError(t, reg.Register("invoice.created", func(ctx context.Context, rec *store.InboxRecord) error {
		return errors.New("parse error")
	}))
	d, err := NewDispatcher(st.Inbox(), reg, DispatcherConfig{StoreID: "test-store", RetryCeiling: 1})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		clk.Advance(2 * time.Minute)
		_, err = d.RunOnce(ctx)
		require.NoError(t, err)
	}

	rec, err := st.Inbox().Get(ctx, "msg-1", "billing")
	require.NoError(t, err)
	assert.Equal(t, workqueue.StatusFailed, rec.Status)
	assert.Equal(t, store.InboxDead, rec.InboxStatus)

	done, err := r.AlreadyProcessed(ctx, "msg-1", "billing", "")
	require.NoError(t, err)
	assert.True(t, done)
}

func TestAlreadyProcessedChecksHash(t *testing.T) {
	ctx := context.Background()
	st, _ := newTestStore(t)
	r := NewReceiver(st.Inbox())

	_, err := r.Receive(ctx, "msg-1", "billing", "invoice.created", "{}", WithHash("abc123"))
	require.NoError(t, err)
	require.NoError(t, r.MarkProcessed(ctx, "msg-1", "billing"))

	done, err := r.AlreadyProcessed(ctx, "msg-1", "billing", "abc123")
	require.NoError(t, err)
	assert.True(t, done)

	done, err = r.AlreadyProcessed(ctx, "msg-1", "billing", "different")
	require.NoError(t, err)
	assert.False(t, done)
}
