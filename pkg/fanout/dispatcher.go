// Package fanout expands outbox messages of a source topic into rows for
// one or more destination topics, driven by stored policies and a
// per-policy resumable cursor.
package fanout

import (
	"context"
	"errors"
	"fmt"

	"github.com/sqlbus/sqlbus/internal/logger"
	"github.com/sqlbus/sqlbus/internal/telemetry"
	"github.com/sqlbus/sqlbus/pkg/lease"
	"github.com/sqlbus/sqlbus/pkg/metrics"
	"github.com/sqlbus/sqlbus/pkg/outbox"
	"github.com/sqlbus/sqlbus/pkg/store"
	"github.com/sqlbus/sqlbus/pkg/workqueue"
)

// StoreResolver maps a destination store id to its Store. Used when a
// policy routes expansions into other application databases.
type StoreResolver func(storeID string) (store.Store, bool)

// Config wires one fanout dispatcher.
type Config struct {
	StoreID   string
	BatchSize int // source rows per pass, default 50
}

func (c *Config) applyDefaults() error {
	if c.BatchSize == 0 {
		c.BatchSize = outbox.DefaultBatchSize
	}
	if c.BatchSize < 1 || c.BatchSize > outbox.MaxBatchSize {
		return workqueue.ConfigurationError("batch size %d out of range [1, %d]", c.BatchSize, outbox.MaxBatchSize)
	}
	return nil
}

// Dispatcher expands source outbox rows per policy. Each policy is
// processed under its own lease so peer processes can split the policy
// set between them.
type Dispatcher struct {
	src     store.Store
	resolve StoreResolver
	cfg     Config
	metrics *metrics.DispatcherMetrics
}

// NewDispatcher builds a Dispatcher over the source store. resolve may be
// nil when every policy targets the source store.
func NewDispatcher(src store.Store, resolve StoreResolver, cfg Config) (*Dispatcher, error) {
	if src == nil {
		return nil, workqueue.ConfigurationError("source store must not be nil")
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	if cfg.StoreID == "" {
		cfg.StoreID = src.ID()
	}

	return &Dispatcher{
		src:     src,
		resolve: resolve,
		cfg:     cfg,
		metrics: metrics.NewDispatcherMetrics("fanout"),
	}, nil
}

// LeaseName returns the lease key scoping one policy to one process.
func LeaseName(policyName string) string {
	return "fanout:run:" + policyName
}

// RunOnce walks every enabled policy, taking its lease and expanding one
// batch. Policies whose lease is held elsewhere are skipped. Returns the
// number of source rows expanded across all policies.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	policies, err := d.src.Fanout().Policies(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing fanout policies: %w", err)
	}

	total := 0
	for _, policy := range policies {
		if !policy.IsEnabled {
			continue
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}

		n, err := d.runPolicy(ctx, policy)
		if err != nil {
			logger.WarnCtx(ctx, "fanout policy pass failed",
				logger.KeyPolicy, policy.Name, logger.Err(err))
			continue
		}
		total += n
	}
	return total, nil
}

// runPolicy expands one batch for the policy under its lease.
func (d *Dispatcher) runPolicy(ctx context.Context, policy store.FanoutPolicy) (int, error) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanFanoutExpand)
	defer span.End()
	telemetry.SetAttributes(ctx,
		telemetry.StoreID(d.cfg.StoreID),
		telemetry.FanoutPolicy(policy.Name))

	lr, err := lease.Acquire(ctx, d.src.Leases(), lease.Config{Name: LeaseName(policy.Name)})
	if err != nil {
		if errors.Is(err, lease.ErrNotAcquired) {
			return 0, nil
		}
		return 0, err
	}
	defer lr.Close(context.WithoutCancel(ctx))

	cursor, err := d.src.Fanout().Cursor(ctx, policy.Name)
	if err != nil {
		return 0, fmt.Errorf("loading cursor: %w", err)
	}

	entries, err := d.src.Fanout().ReadSource(ctx, policy.SourceTopic, cursor.LastPosition, d.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("reading source topic %q: %w", policy.SourceTopic, err)
	}
	if len(entries) == 0 {
		return 0, nil
	}
	d.metrics.ObserveClaim(d.cfg.StoreID, len(entries))

	expanded := 0
	lastPosition := cursor.LastPosition
	for i := range entries {
		entry := &entries[i]
		if err := lr.EnsureHeld(); err != nil {
			return expanded, fmt.Errorf("%v: %w", err, workqueue.ErrLostLease)
		}
		if err := d.expandEntry(ctx, policy, entry); err != nil {
			// Stop at the first failed row so the cursor never jumps a
			// row that was not fully expanded.
			return expanded, err
		}
		lastPosition = entry.Position
		expanded++
	}

	if err := lr.EnsureHeld(); err != nil {
		return expanded, fmt.Errorf("%v: %w", err, workqueue.ErrLostLease)
	}
	if err := d.src.Fanout().AdvanceCursor(ctx, policy.Name, lastPosition); err != nil {
		return expanded, fmt.Errorf("advancing cursor: %w", err)
	}
	d.metrics.RecordOutcome(d.cfg.StoreID, policy.SourceTopic, "ack", expanded)
	return expanded, nil
}

// expandEntry writes one destination row per policy destination. Each
// destination is its own source-store transaction binding the expansion
// marker to the write, so a crash replays at most the unmarked
// destinations.
func (d *Dispatcher) expandEntry(ctx context.Context, policy store.FanoutPolicy, entry *store.SourceEntry) error {
	for _, dest := range policy.Destinations {
		destStore := d.src
		if dest.StoreID != "" && dest.StoreID != d.src.ID() {
			resolved, ok := d.resolveStore(dest.StoreID)
			if !ok {
				return workqueue.ConfigurationError(
					"fanout policy %q destination %q names unknown store %q",
					policy.Name, dest.Key, dest.StoreID)
			}
			destStore = resolved
		}

		msg := store.NewOutboxMessage{
			Topic:         dest.Topic,
			Payload:       entry.Message.Payload,
			CorrelationID: entry.Message.ID.String(),
		}

		err := d.src.WithTx(ctx, func(tx store.Txn) error {
			marked, err := d.src.Fanout().MarkExpanded(ctx, tx, entry.Message.ID, dest.Key)
			if err != nil {
				return err
			}
			if !marked {
				return nil
			}
			if destStore == d.src {
				_, err = d.src.Outbox().EnqueueInTx(ctx, tx, msg)
				return err
			}
			// Remote write inside the marker transaction: a failure rolls
			// the marker back, a crash after the write replays as a
			// duplicate, which at-least-once delivery absorbs.
			_, err = destStore.Outbox().Enqueue(ctx, msg)
			return err
		})
		if err != nil {
			return fmt.Errorf("expanding %s to destination %q: %w",
				entry.Message.ID, dest.Key, err)
		}
	}
	return nil
}

func (d *Dispatcher) resolveStore(storeID string) (store.Store, bool) {
	if d.resolve == nil {
		return nil, false
	}
	return d.resolve(storeID)
}

// Run polls until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	return workqueue.RunLoop(ctx, "fanout dispatcher", d.RunOnce)
}
