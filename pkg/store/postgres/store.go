// Package postgres implements the store contracts on PostgreSQL using pgx.
//
// All lifecycle timestamps are taken from the database server's clock
// (now() in UTC), never from the client. Claims rely on FOR UPDATE SKIP
// LOCKED so concurrent dispatchers neither block on nor double-claim rows.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sqlbus/sqlbus/internal/logger"
	"github.com/sqlbus/sqlbus/pkg/store"
)

// Config holds the connection and naming configuration for one store.
type Config struct {
	// StoreID identifies the store in logs, leases and routing.
	StoreID string

	// ConnString is the PostgreSQL connection string.
	ConnString string

	// Schema is the schema holding the message tables. Default "public".
	Schema string

	// MaxConns bounds the pgx pool. Zero uses the pgx default.
	MaxConns int32

	// EnableSchemaDeployment runs migrations on Open.
	EnableSchemaDeployment bool
}

var identPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Schema == "" {
		c.Schema = "public"
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.StoreID == "" {
		return fmt.Errorf("store id is required")
	}
	if c.ConnString == "" {
		return fmt.Errorf("connection string is required")
	}
	if !identPattern.MatchString(c.Schema) {
		return fmt.Errorf("invalid schema name %q", c.Schema)
	}
	return nil
}

// querier abstracts pgxpool.Pool and pgx.Tx so every statement can run
// either standalone or inside a caller transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the PostgreSQL implementation of store.Store.
type Store struct {
	pool   *pgxpool.Pool
	cfg    *Config
	logger *slog.Logger

	outbox    *outboxStore
	inbox     *inboxStore
	timers    *timerStore
	jobs      *jobStore
	joins     *joinStore
	fanout    *fanoutStore
	leases    *leaseStore
	semaphore *semaphoreStore
	schedUtil *schedulerStateStore
}

var _ store.Store = (*Store)(nil)

// Open connects to the database, optionally deploys the schema, and returns
// a ready Store.
func Open(ctx context.Context, cfg *Config) (*Store, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid store configuration: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.ConnString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if cfg.EnableSchemaDeployment {
		if err := runMigrations(ctx, cfg.ConnString, cfg.Schema, logger.Component("schema")); err != nil {
			pool.Close()
			return nil, fmt.Errorf("schema deployment failed: %w", err)
		}
	}

	return NewWithPool(pool, cfg), nil
}

// NewWithPool builds a Store over an existing pool. The caller keeps
// ownership of migrations.
func NewWithPool(pool *pgxpool.Pool, cfg *Config) *Store {
	cfg.ApplyDefaults()

	s := &Store{
		pool:   pool,
		cfg:    cfg,
		logger: logger.Component("store").With(logger.KeyStore, cfg.StoreID),
	}
	t := newTables(cfg.Schema)
	s.outbox = &outboxStore{s: s, t: t}
	s.inbox = &inboxStore{s: s, t: t}
	s.timers = &timerStore{s: s, t: t}
	s.jobs = &jobStore{s: s, t: t, runs: &jobRunStore{s: s, t: t}}
	s.joins = &joinStore{s: s, t: t}
	s.fanout = &fanoutStore{s: s, t: t}
	s.leases = &leaseStore{s: s, t: t}
	s.semaphore = &semaphoreStore{s: s, t: t}
	s.schedUtil = &schedulerStateStore{s: s, t: t}
	return s
}

// tables holds the schema-qualified table names.
type tables struct {
	outbox         string
	inbox          string
	timers         string
	jobs           string
	jobRuns        string
	joins          string
	joinMembers    string
	leases         string
	semaphores     string
	semaphoreLease string
	fanoutPolicy   string
	fanoutCursor   string
	fanoutExpanded string
	schedulerState string
}

func newTables(schema string) tables {
	q := func(name string) string { return schema + "." + name }
	return tables{
		outbox:         q("outbox"),
		inbox:          q("inbox"),
		timers:         q("timers"),
		jobs:           q("jobs"),
		jobRuns:        q("job_runs"),
		joins:          q("outbox_joins"),
		joinMembers:    q("outbox_join_members"),
		leases:         q("leases"),
		semaphores:     q("semaphores"),
		semaphoreLease: q("semaphore_leases"),
		fanoutPolicy:   q("fanout_policies"),
		fanoutCursor:   q("fanout_cursors"),
		fanoutExpanded: q("fanout_expansions"),
		schedulerState: q("scheduler_state"),
	}
}

func (s *Store) ID() string { return s.cfg.StoreID }

func (s *Store) Outbox() store.OutboxStore                 { return s.outbox }
func (s *Store) Inbox() store.InboxStore                   { return s.inbox }
func (s *Store) Timers() store.TimerStore                  { return s.timers }
func (s *Store) Jobs() store.JobStore                      { return s.jobs }
func (s *Store) Joins() store.JoinStore                    { return s.joins }
func (s *Store) Fanout() store.FanoutStore                 { return s.fanout }
func (s *Store) Leases() store.LeaseStore                  { return s.leases }
func (s *Store) Semaphores() store.SemaphoreStore          { return s.semaphore }
func (s *Store) SchedulerState() store.SchedulerStateStore { return s.schedUtil }

// WithTx runs fn inside one transaction. The store.Txn handed to fn is a
// pgx.Tx and may be passed to the *InTx writer methods.
func (s *Store) WithTx(ctx context.Context, fn func(tx store.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return mapPgError(err, "begin")
	}
	defer tx.Rollback(ctx) // No-op if committed

	if err := fn(tx); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Pool exposes the underlying pool for callers that open their own
// transactions around Enqueue.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// asTx asserts a store.Txn back to pgx.Tx.
func asTx(txn store.Txn) (pgx.Tx, error) {
	tx, ok := txn.(pgx.Tx)
	if !ok {
		return nil, fmt.Errorf("transaction handle is %T, expected pgx.Tx", txn)
	}
	return tx, nil
}
