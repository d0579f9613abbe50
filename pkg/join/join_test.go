package join

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqlbus/sqlbus/internal/clock"
	"github.com/sqlbus/sqlbus/pkg/ids"
	"github.com/sqlbus/sqlbus/pkg/outbox"
	"github.com/sqlbus/sqlbus/pkg/store"
	"github.com/sqlbus/sqlbus/pkg/store/memory"
	"github.com/sqlbus/sqlbus/pkg/workqueue"
)

type fixture struct {
	store *memory.Store
	clk   *clock.FakeTime
	coord *Coordinator
	disp  *outbox.Dispatcher
	fired []string
}

func newFixture(t *testing.T, stepErr error) *fixture {
	t.Helper()
	clk := &clock.FakeTime{Current: time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)}
	st := memory.New("test-store", memory.WithClock(clk))
	w := outbox.NewWriter(st.Outbox())

	f := &fixture{store: st, clk: clk, coord: NewCoordinator(st.Joins(), w)}

	reg := outbox.NewRegistry()
	require.NoError(t, reg.Register("etl.extract", func(ctx context.Context, msg *store.OutboxMessage) error {
		return stepErr
	}))
	require.NoError(t, reg.Register(WaitTopic, WaitHandler(st.Joins(), w)))
	require.NoError(t, reg.Register("etl.transform", func(ctx context.Context, msg *store.OutboxMessage) error {
		f.fired = append(f.fired, "etl.transform:"+msg.Payload)
		return nil
	}))
	require.NoError(t, reg.Register("etl.compensate", func(ctx context.Context, msg *store.OutboxMessage) error {
		f.fired = append(f.fired, "etl.compensate:"+msg.Payload)
		return nil
	}))

	d, err := outbox.NewDispatcher(st.Outbox(), reg, outbox.DispatcherConfig{StoreID: "test-store", RetryCeiling: 3})
	require.NoError(t, err)
	f.disp = d
	return f
}

// drain runs dispatcher passes, advancing the clock past backoffs, until
// the outbox stays empty.
func (f *fixture) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	idle := 0
	for i := 0; i < 50 && idle < 2; i++ {
		n, err := f.disp.RunOnce(ctx)
		require.NoError(t, err)
		if n == 0 {
			idle++
		} else {
			idle = 0
		}
		f.clk.Advance(2 * time.Minute)
	}
}

func TestJoinCompletesAndFiresFollowUp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	w := outbox.NewWriter(f.store.Outbox())

	joinID, err := f.coord.Start(ctx, "batch-42", 3, `{"run":"nightly"}`)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		msgID, err := w.Enqueue(ctx, "etl.extract", "{}")
		require.NoError(t, err)
		require.NoError(t, f.coord.Attach(ctx, joinID, msgID))
	}

	_, err = f.coord.EnqueueWait(ctx, WaitRequest{
		JoinID:              joinID.String(),
		FailIfAnyStepFailed: true,
		OnCompleteTopic:     "etl.transform",
		OnCompletePayload:   `{"run":"nightly"}`,
		OnFailTopic:         "etl.compensate",
	})
	require.NoError(t, err)

	f.drain(t)

	j, err := f.coord.Get(ctx, joinID)
	require.NoError(t, err)
	assert.Equal(t, store.JoinCompleted, j.Status)
	assert.Equal(t, 3, j.CompletedSteps)
	assert.Equal(t, []string{`etl.transform:{"run":"nightly"}`}, f.fired)
}

func TestJoinFailurePathFiresOnFail(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, errors.New("extract blew up"))
	w := outbox.NewWriter(f.store.Outbox())

	joinID, err := f.coord.Start(ctx, "batch-43", 2, "")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		msgID, err := w.Enqueue(ctx, "etl.extract", "{}")
		require.NoError(t, err)
		require.NoError(t, f.coord.Attach(ctx, joinID, msgID))
	}

	_, err = f.coord.EnqueueWait(ctx, WaitRequest{
		JoinID:              joinID.String(),
		FailIfAnyStepFailed: true,
		OnCompleteTopic:     "etl.transform",
		OnFailTopic:         "etl.compensate",
		OnFailPayload:       `{"reason":"step"}`,
	})
	require.NoError(t, err)

	f.drain(t)

	j, err := f.coord.Get(ctx, joinID)
	require.NoError(t, err)
	assert.Equal(t, store.JoinFailed, j.Status)
	assert.Equal(t, 2, j.FailedSteps)
	assert.Equal(t, []string{`etl.compensate:{"reason":"step"}`}, f.fired)
}

func TestJoinToleratesFailuresWhenConfigured(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, errors.New("extract blew up"))
	w := outbox.NewWriter(f.store.Outbox())

	joinID, err := f.coord.Start(ctx, "batch-44", 1, "")
	require.NoError(t, err)

	msgID, err := w.Enqueue(ctx, "etl.extract", "{}")
	require.NoError(t, err)
	require.NoError(t, f.coord.Attach(ctx, joinID, msgID))

	_, err = f.coord.EnqueueWait(ctx, WaitRequest{
		JoinID:            joinID.String(),
		OnCompleteTopic:   "etl.transform",
		OnCompletePayload: "{}",
	})
	require.NoError(t, err)

	f.drain(t)

	j, err := f.coord.Get(ctx, joinID)
	require.NoError(t, err)
	assert.Equal(t, store.JoinCompleted, j.Status)
	assert.Equal(t, 1, j.FailedSteps)
	assert.Equal(t, []string{"etl.transform:{}"}, f.fired)
}

// flakyOutbox fails the first enqueues of one topic to model transient
// storage errors during the follow-up write.
type flakyOutbox struct {
	store.OutboxStore
	failTopic string
	failures  int
}

func (f *flakyOutbox) Enqueue(ctx context.Context, msg store.NewOutboxMessage) (ids.WorkItemID, error) {
	if msg.Topic == f.failTopic && f.failures > 0 {
		f.failures--
		return ids.WorkItemID{}, errors.New("connection reset during enqueue")
	}
	return f.OutboxStore.Enqueue(ctx, msg)
}

func TestWaitRetriesFollowUpAfterTransientEnqueueError(t *testing.T) {
	ctx := context.Background()
	clk := &clock.FakeTime{Current: time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)}
	st := memory.New("test-store", memory.WithClock(clk))
	flaky := &flakyOutbox{OutboxStore: st.Outbox(), failTopic: "etl.transform", failures: 1}

	f := &fixture{store: st, clk: clk, coord: NewCoordinator(st.Joins(), outbox.NewWriter(st.Outbox()))}

	reg := outbox.NewRegistry()
	require.NoError(t, reg.Register("etl.extract", func(ctx context.Context, msg *store.OutboxMessage) error {
		return nil
	}))
	require.NoError(t, reg.Register(WaitTopic, WaitHandler(st.Joins(), outbox.NewWriter(flaky))))
	require.NoError(t, reg.Register("etl.transform", func(ctx context.Context, msg *store.OutboxMessage) error {
		f.fired = append(f.fired, "etl.transform:"+msg.Payload)
		return nil
	}))

	d, err := outbox.NewDispatcher(st.Outbox(), reg, outbox.DispatcherConfig{StoreID: "test-store", RetryCeiling: 3})
	require.NoError(t, err)
	f.disp = d

	w := outbox.NewWriter(st.Outbox())
	joinID, err := f.coord.Start(ctx, "batch-46", 1, "")
	require.NoError(t, err)
	msgID, err := w.Enqueue(ctx, "etl.extract", "{}")
	require.NoError(t, err)
	require.NoError(t, f.coord.Attach(ctx, joinID, msgID))

	_, err = f.coord.EnqueueWait(ctx, WaitRequest{
		JoinID:            joinID.String(),
		OnCompleteTopic:   "etl.transform",
		OnCompletePayload: "{}",
	})
	require.NoError(t, err)

	f.drain(t)

	// The first wait delivery hit the enqueue error, so the join had to
	// stay Pending for the redelivery to retry the follow-up.
	j, err := f.coord.Get(ctx, joinID)
	require.NoError(t, err)
	assert.Equal(t, store.JoinCompleted, j.Status)
	assert.Equal(t, 0, flaky.failures)
	assert.Equal(t, []string{"etl.transform:{}"}, f.fired)
}

func TestManualReportRecoversLostStep(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	joinID, err := f.coord.Start(ctx, "batch-45", 2, "")
	require.NoError(t, err)

	w := outbox.NewWriter(f.store.Outbox())
	m1, err := w.Enqueue(ctx, "etl.extract", "{}")
	require.NoError(t, err)
	m2, err := w.Enqueue(ctx, "etl.extract", "{}")
	require.NoError(t, err)
	require.NoError(t, f.coord.Attach(ctx, joinID, m1))
	require.NoError(t, f.coord.Attach(ctx, joinID, m2))

	require.NoError(t, f.coord.ReportStepCompleted(ctx, joinID, m1))
	require.NoError(t, f.coord.ReportStepCompleted(ctx, joinID, m1)) // idempotent
	require.NoError(t, f.coord.ReportStepFailed(ctx, joinID, m2))

	j, err := f.coord.Get(ctx, joinID)
	require.NoError(t, err)
	assert.Equal(t, 1, j.CompletedSteps)
	assert.Equal(t, 1, j.FailedSteps)
}

func TestStartValidatesExpectedSteps(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.coord.Start(context.Background(), "k", 0, "")
	assert.True(t, workqueue.IsValidation(err))
}
