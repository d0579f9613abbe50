package dispatch

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

func newStores(t *testing.T, ids ...string) ([]store.Store, *clock.FakeTime) {
	t.Helper()
	clk := &clock.FakeTime{Current: time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)}
	out := make([]store.Store, 0, len(ids))
	for _, id := range ids {
		out = append(out, memory.New(id, memory.WithClock(clk)))
	}
	return out, clk
}

func TestRoundRobinCycles(t *testing.T) {
	s := RoundRobin{}
	ids := []string{"a", "b", "c"}

	assert.Equal(t, "a", s.Next(ids, "", 0))
	assert.Equal(t, "b", s.Next(ids, "a", 10))
	assert.Equal(t, "c", s.Next(ids, "b", 0))
	assert.Equal(t, "a", s.Next(ids, "c", 5))
	// Vanished last store restarts the cycle.
	assert.Equal(t, "a", s.Next(ids, "gone", 5))
}

func TestDrainFirstStaysOnBusyStore(t *testing.T) {
	s := DrainFirst{}
	ids := []string{"a", "b"}

	assert.Equal(t, "a", s.Next(ids, "a", 50))
	assert.Equal(t, "b", s.Next(ids, "a", 0))
	assert.Equal(t, "b", s.Next(ids, "b", 1))
	assert.Equal(t, "a", s.Next(ids, "b", 0))
}

func TestMultiStoreProcessesEachStore(t *testing.T) {
	ctx := context.Background()
	stores, _ := newStores(t, "tenant-a", "tenant-b")
	provider, err := NewStaticProvider(stores...)
	require.NoError(t, err)

	handled := make(map[string]int)
	reg := outbox.NewRegistry()
	require.NoError(t, reg.Register("orders.created", func(ctx context.Context, msg *store.OutboxMessage) error {
		handled[msg.Payload]++
		return nil
	}))

	for _, st := range stores {
		_, err := outbox.NewWriter(st.Outbox()).Enqueue(ctx, "orders.created", st.ID())
		require.NoError(t, err)
	}

	m, err := NewMultiStoreDispatcher(provider, reg, MultiStoreConfig{})
	require.NoError(t, err)

	// Two iterations cover both stores under round-robin.
	for i := 0; i < 2; i++ {
		_, err := m.RunOnce(ctx)
		require.NoError(t, err)
	}

	assert.Equal(t, map[string]int{"tenant-a": 1, "tenant-b": 1}, handled)
}

func TestMultiStoreSkipsLeasedStore(t *testing.T) {
	ctx := context.Background()
	stores, _ := newStores(t, "tenant-a")
	provider, err := NewStaticProvider(stores...)
	require.NoError(t, err)

	// A peer process holds the store's dispatch lease.
	peer := newPeerLease(t, ctx, stores[0])
	defer peer.release()

	reg := outbox.NewRegistry()
	require.NoError(t, reg.Register("orders.created", func(ctx context.Context, msg *store.OutboxMessage) error {
		t.Fatal("handler must not run while a peer holds the lease")
		return nil
	}))

	_, err = outbox.NewWriter(stores[0].Outbox()).Enqueue(ctx, "orders.created", "{}")
	require.NoError(t, err)

	m, err := NewMultiStoreDispatcher(provider, reg, MultiStoreConfig{})
	require.NoError(t, err)

	n, err := m.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRouterResolvesAndFailsLoudly(t *testing.T) {
	ctx := context.Background()
	stores, _ := newStores(t, "tenant-a")
	provider, err := NewStaticProvider(stores...)
	require.NoError(t, err)

	r, err := NewRouter(provider, map[string]string{"acme-corp": "tenant-a"})
	require.NoError(t, err)

	w, err := r.WriterFor("acme-corp")
	require.NoError(t, err)
	_, err = w.Enqueue(ctx, "orders.created", "{}")
	require.NoError(t, err)

	// Identity fallthrough.
	_, err = r.WriterFor("tenant-a")
	require.NoError(t, err)

	_, err = r.WriterFor("unknown-tenant")
	require.Error(t, err)
}

type catalogSource struct {
	defs []StoreDefinition
	err  error
}

func (c *catalogSource) List(ctx context.Context) ([]StoreDefinition, error) {
	return c.defs, c.err
}

func TestDiscoveryAddsRemovesAndKeepsUnchanged(t *testing.T) {
	ctx := context.Background()
	clk := &clock.FakeTime{Current: time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)}

	opened := 0
	factory := func(ctx context.Context, def StoreDefinition) (store.Store, error) {
		opened++
		return memory.New(def.StoreID, memory.WithClock(clk)), nil
	}

	src := &catalogSource{defs: []StoreDefinition{
		{StoreID: "tenant-a", ConnString: "conn-a"},
		{StoreID: "cp", ConnString: "conn-cp", IsControlPlane: true},
	}}

	p, err := NewDiscoveryProvider(ctx, src, factory, DiscoveryConfig{})
	require.NoError(t, err)
	defer p.Stop()

	// Control-plane entry filtered out.
	assert.Equal(t, []string{"tenant-a"}, p.StoreIDs())
	assert.Equal(t, 1, opened)

	// Unchanged config does not reopen the store.
	require.NoError(t, p.refresh(ctx))
	assert.Equal(t, 1, opened)

	firstStore, _ := p.StoreByID("tenant-a")

	// Changed connection details reopen; a new store appears.
	src.defs = []StoreDefinition{
		{StoreID: "tenant-a", ConnString: "conn-a-moved"},
		{StoreID: "tenant-b", ConnString: "conn-b"},
	}
	require.NoError(t, p.refresh(ctx))
	assert.ElementsMatch(t, []string{"tenant-a", "tenant-b"}, p.StoreIDs())
	assert.Equal(t, 3, opened)

	reopened, _ := p.StoreByID("tenant-a")
	assert.NotSame(t, firstStore, reopened)

	// Removal closes and drops.
	src.defs = nil
	require.NoError(t, p.refresh(ctx))
	assert.Empty(t, p.StoreIDs())
}

// peerLease simulates another process holding a store's dispatch lease.
type peerLease struct {
	st      store.Store
	release func()
}

func newPeerLease(t *testing.T, ctx context.Context, st store.Store) *peerLease {
	t.Helper()
	owner := ids.NewOwnerToken()
	grant, err := st.Leases().Acquire(ctx, "outbox:run:"+st.ID(), owner, 30*time.Second)
	require.NoError(t, err)
	require.True(t, grant.Acquired)
	return &peerLease{st: st, release: func() {
		_ = st.Leases().Release(context.Background(), "outbox:run:"+st.ID(), owner)
	}}
}
