package fanout

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqlbus/sqlbus/internal/clock"
	"github.com/sqlbus/sqlbus/pkg/ids"
	"github.com/sqlbus/sqlbus/pkg/outbox"
	"github.com/sqlbus/sqlbus/pkg/store"
	"github.com/sqlbus/sqlbus/pkg/store/memory"
)

func newSource(t *testing.T) (*memory.Store, *clock.FakeTime) {
	t.Helper()
	clk := &clock.FakeTime{Current: time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)}
	return memory.New("source", memory.WithClock(clk)), clk
}

// claimTopics drains the store's eligible outbox rows and returns their
// topics with payloads.
func claimTopics(t *testing.T, st *memory.Store) map[string][]string {
	t.Helper()
	owner := ids.NewOwnerToken()
	batch, err := st.Outbox().Claim(context.Background(), owner, 30, 100)
	require.NoError(t, err)
	out := make(map[string][]string)
	for _, m := range batch {
		out[m.Topic] = append(out[m.Topic], m.Payload)
	}
	return out
}

func TestExpandsSourceRowsToDestinations(t *testing.T) {
	ctx := context.Background()
	src, _ := newSource(t)
	w := outbox.NewWriter(src.Outbox())

	require.NoError(t, src.Fanout().UpsertPolicy(ctx, store.FanoutPolicy{
		Name:        "orders-broadcast",
		SourceTopic: "orders.created",
		IsEnabled:   true,
		Destinations: []store.FanoutDestination{
			{Key: "billing", Topic: "billing.orders.created"},
			{Key: "shipping", Topic: "shipping.orders.created"},
		},
	}))

	_, err := w.Enqueue(ctx, "orders.created", `{"order":1}`)
	require.NoError(t, err)
	_, err = w.Enqueue(ctx, "orders.created", `{"order":2}`)
	require.NoError(t, err)

	d, err := NewDispatcher(src, nil, Config{})
	require.NoError(t, err)

	n, err := d.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	topics := claimTopics(t, src)
	assert.Len(t, topics["billing.orders.created"], 2)
	assert.Len(t, topics["shipping.orders.created"], 2)

	cur, err := src.Fanout().Cursor(ctx, "orders-broadcast")
	require.NoError(t, err)
	assert.Equal(t, int64(2), cur.LastPosition)
}

func TestExpansionIsIdempotentAcrossReplays(t *testing.T) {
	ctx := context.Background()
	src, _ := newSource(t)
	w := outbox.NewWriter(src.Outbox())

	policy := store.FanoutPolicy{
		Name:        "orders-broadcast",
		SourceTopic: "orders.created",
		IsEnabled:   true,
		Destinations: []store.FanoutDestination{
			{Key: "billing", Topic: "billing.orders.created"},
		},
	}
	require.NoError(t, src.Fanout().UpsertPolicy(ctx, policy))

	_, err := w.Enqueue(ctx, "orders.created", "{}")
	require.NoError(t, err)

	d, err := NewDispatcher(src, nil, Config{})
	require.NoError(t, err)

	// Expand the row, then replay the same entry as a crashed process
	// whose cursor advance never committed would: the expansion marker
	// suppresses the duplicate.
	entries, err := src.Fanout().ReadSource(ctx, "orders.created", 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.NoError(t, d.expandEntry(ctx, policy, &entries[0]))
	require.NoError(t, d.expandEntry(ctx, policy, &entries[0]))

	topics := claimTopics(t, src)
	assert.Len(t, topics["billing.orders.created"], 1)
}

func TestCrossStoreDestination(t *testing.T) {
	ctx := context.Background()
	src, clk := newSource(t)
	tenant := memory.New("tenant-b", memory.WithClock(clk))
	w := outbox.NewWriter(src.Outbox())

	require.NoError(t, src.Fanout().UpsertPolicy(ctx, store.FanoutPolicy{
		Name:        "orders-to-tenant",
		SourceTopic: "orders.created",
		IsEnabled:   true,
		Destinations: []store.FanoutDestination{
			{Key: "tenant-b", Topic: "orders.replicated", StoreID: "tenant-b"},
		},
	}))

	_, err := w.Enqueue(ctx, "orders.created", `{"order":9}`)
	require.NoError(t, err)

	resolve := func(id string) (store.Store, bool) {
		if id == "tenant-b" {
			return tenant, true
		}
		return nil, false
	}
	d, err := NewDispatcher(src, resolve, Config{})
	require.NoError(t, err)

	n, err := d.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	topics := claimTopics(t, tenant)
	assert.Equal(t, []string{`{"order":9}`}, topics["orders.replicated"])
}

func TestDisabledPolicyIsSkipped(t *testing.T) {
	ctx := context.Background()
	src, _ := newSource(t)
	w := outbox.NewWriter(src.Outbox())

	require.NoError(t, src.Fanout().UpsertPolicy(ctx, store.FanoutPolicy{
		Name:        "paused",
		SourceTopic: "orders.created",
		IsEnabled:   false,
		Destinations: []store.FanoutDestination{
			{Key: "billing", Topic: "billing.orders.created"},
		},
	}))

	_, err := w.Enqueue(ctx, "orders.created", "{}")
	require.NoError(t, err)

	d, err := NewDispatcher(src, nil, Config{})
	require.NoError(t, err)

	n, err := d.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
