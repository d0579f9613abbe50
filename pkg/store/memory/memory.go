// Package memory implements the store contracts in process memory.
//
// The memory store backs unit tests and single-process development runs.
// All state is lost on restart. One mutex guards everything, which keeps
// the cross-table invariants (join counters moving with outbox acks, the
// semaphore headcount) trivially atomic.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sqlbus/sqlbus/internal/clock"
	"github.com/sqlbus/sqlbus/pkg/store"
	"github.com/sqlbus/sqlbus/pkg/workqueue"
)

// Store is the in-memory implementation of store.Store.
type Store struct {
	id  string
	clk clock.TimeProvider

	mu sync.Mutex

	outbox       map[uuid.UUID]*store.OutboxMessage
	outboxPos    map[uuid.UUID]int64
	nextPosition int64

	inbox map[inboxKey]*store.InboxRecord

	timers map[uuid.UUID]*store.Timer

	jobs    map[string]*store.Job
	jobRuns map[uuid.UUID]*store.JobRun

	joins       map[uuid.UUID]*store.Join
	joinMembers map[uuid.UUID][]*store.JoinMember

	leases map[string]*leaseRow

	semaphores      map[string]*semaphoreRow
	semaphoreLeases map[string][]*semaphoreLease

	fanoutPolicies map[string]*store.FanoutPolicy
	fanoutCursors  map[string]*store.FanoutCursor
	fanoutExpanded map[expansionKey]struct{}

	schedulerFencing int64

	outboxStore    *outboxStore
	inboxStore     *inboxStore
	timerStore     *timerStore
	jobStore       *jobStore
	joinStore      *joinStore
	fanoutStore    *fanoutStore
	leaseStore     *leaseStore
	semaphoreStore *semaphoreStore
	schedState     *schedulerStateStore
}

type inboxKey struct {
	messageID string
	source    string
}

type expansionKey struct {
	sourceID       uuid.UUID
	destinationKey string
}

type leaseRow struct {
	owner      *uuid.UUID
	leaseUntil *time.Time
	fencing    int64
}

type semaphoreRow struct {
	limit       int
	nextFencing int64
}

type semaphoreLease struct {
	token           uuid.UUID
	fencing         int64
	ownerID         string
	leaseUntil      time.Time
	clientRequestID string
}

var _ store.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithClock substitutes the time source. Tests use clock.FakeTime to step
// leases and due times deterministically.
func WithClock(clk clock.TimeProvider) Option {
	return func(s *Store) { s.clk = clk }
}

// New creates an empty memory store.
func New(storeID string, opts ...Option) *Store {
	s := &Store{
		id:  storeID,
		clk: clock.SystemTime{},

		outbox:          make(map[uuid.UUID]*store.OutboxMessage),
		outboxPos:       make(map[uuid.UUID]int64),
		inbox:           make(map[inboxKey]*store.InboxRecord),
		timers:          make(map[uuid.UUID]*store.Timer),
		jobs:            make(map[string]*store.Job),
		jobRuns:         make(map[uuid.UUID]*store.JobRun),
		joins:           make(map[uuid.UUID]*store.Join),
		joinMembers:     make(map[uuid.UUID][]*store.JoinMember),
		leases:          make(map[string]*leaseRow),
		semaphores:      make(map[string]*semaphoreRow),
		semaphoreLeases: make(map[string][]*semaphoreLease),
		fanoutPolicies:  make(map[string]*store.FanoutPolicy),
		fanoutCursors:   make(map[string]*store.FanoutCursor),
		fanoutExpanded:  make(map[expansionKey]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.outboxStore = &outboxStore{s: s}
	s.inboxStore = &inboxStore{s: s}
	s.timerStore = &timerStore{s: s}
	s.jobStore = &jobStore{s: s, runs: &jobRunStore{s: s}}
	s.joinStore = &joinStore{s: s}
	s.fanoutStore = &fanoutStore{s: s}
	s.leaseStore = &leaseStore{s: s}
	s.semaphoreStore = &semaphoreStore{s: s}
	s.schedState = &schedulerStateStore{s: s}
	return s
}

func (s *Store) ID() string { return s.id }

func (s *Store) Outbox() store.OutboxStore                 { return s.outboxStore }
func (s *Store) Inbox() store.InboxStore                   { return s.inboxStore }
func (s *Store) Timers() store.TimerStore                  { return s.timerStore }
func (s *Store) Jobs() store.JobStore                      { return s.jobStore }
func (s *Store) Joins() store.JoinStore                    { return s.joinStore }
func (s *Store) Fanout() store.FanoutStore                 { return s.fanoutStore }
func (s *Store) Leases() store.LeaseStore                  { return s.leaseStore }
func (s *Store) Semaphores() store.SemaphoreStore          { return s.semaphoreStore }
func (s *Store) SchedulerState() store.SchedulerStateStore { return s.schedState }

// memTx marks a transaction opened by WithTx. Methods invoked with it run
// without re-locking; the store mutex is already held for the whole fn.
type memTx struct {
	s *Store
}

// WithTx runs fn under the store mutex. Any error discards nothing: memory
// writes are applied as they happen, so callers needing rollback semantics
// must test against the SQL backends. Unit tests accept this.
func (s *Store) WithTx(ctx context.Context, fn func(tx store.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&memTx{s: s})
}

func (s *Store) asTx(txn store.Txn) (*memTx, error) {
	tx, ok := txn.(*memTx)
	if !ok || tx.s != s {
		return nil, workqueue.NewValidationError("transaction handle does not belong to this store")
	}
	return tx, nil
}

// Ping always succeeds.
func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close is a no-op.
func (s *Store) Close() {}

func (s *Store) now() time.Time {
	return s.clk.Now().UTC()
}
