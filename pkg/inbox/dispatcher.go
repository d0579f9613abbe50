package inbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/sqlbus/sqlbus/internal/logger"
	"github.com/sqlbus/sqlbus/internal/telemetry"
	"github.com/sqlbus/sqlbus/pkg/ids"
	"github.com/sqlbus/sqlbus/pkg/metrics"
	"github.com/sqlbus/sqlbus/pkg/outbox"
	"github.com/sqlbus/sqlbus/pkg/store"
	"github.com/sqlbus/sqlbus/pkg/workqueue"
)

// DispatcherConfig wires one inbox dispatcher. Batch, lease and retry
// settings share the outbox defaults and bounds.
type DispatcherConfig struct {
	StoreID      string
	BatchSize    int
	LeaseSeconds int
	RetryCeiling int
}

func (c *DispatcherConfig) applyDefaults() error {
	if c.BatchSize == 0 {
		c.BatchSize = outbox.DefaultBatchSize
	}
	if c.BatchSize < 1 || c.BatchSize > outbox.MaxBatchSize {
		return workqueue.ConfigurationError("batch size %d out of range [1, %d]", c.BatchSize, outbox.MaxBatchSize)
	}
	if c.LeaseSeconds == 0 {
		c.LeaseSeconds = outbox.DefaultLeaseSeconds
	}
	if c.LeaseSeconds < outbox.MinLeaseSeconds {
		return workqueue.ConfigurationError("lease seconds %d below minimum %d", c.LeaseSeconds, outbox.MinLeaseSeconds)
	}
	if c.RetryCeiling == 0 {
		c.RetryCeiling = outbox.DefaultRetryCeiling
	}
	return nil
}

// Dispatcher drains claimed inbox records through registered handlers.
// Acking a record also moves its inbox status to Done; failing moves it to
// Dead.
type Dispatcher struct {
	queue   store.InboxStore
	reg     *Registry
	owner   ids.OwnerToken
	cfg     DispatcherConfig
	metrics *metrics.DispatcherMetrics
}

// NewDispatcher builds a Dispatcher and freezes the registry.
func NewDispatcher(queue store.InboxStore, reg *Registry, cfg DispatcherConfig) (*Dispatcher, error) {
	if queue == nil {
		return nil, workqueue.ConfigurationError("inbox store must not be nil")
	}
	if reg == nil {
		return nil, workqueue.ConfigurationError("handler registry must not be nil")
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	reg.Freeze()

	return &Dispatcher{
		queue:   queue,
		reg:     reg,
		owner:   ids.NewOwnerToken(),
		cfg:     cfg,
		metrics: metrics.NewDispatcherMetrics("inbox"),
	}, nil
}

// Owner returns the dispatcher's owner token.
func (d *Dispatcher) Owner() ids.OwnerToken { return d.owner }

// RunOnce claims one batch and processes it to completion. Returns the
// number of records claimed.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanInboxDispatch)
	defer span.End()
	telemetry.SetAttributes(ctx, telemetry.StoreID(d.cfg.StoreID))

	batch, err := d.queue.Claim(ctx, d.owner, d.cfg.LeaseSeconds, d.cfg.BatchSize)
	if store.IsTransient(err) {
		logger.DebugCtx(ctx, "transient error claiming inbox batch, retrying once",
			logger.KeyStore, d.cfg.StoreID, logger.KeyError, err.Error())
		batch, err = d.queue.Claim(ctx, d.owner, d.cfg.LeaseSeconds, d.cfg.BatchSize)
	}
	if err != nil {
		telemetry.RecordError(ctx, err)
		return 0, fmt.Errorf("claiming inbox batch: %w", err)
	}
	d.metrics.ObserveClaim(d.cfg.StoreID, len(batch))
	if len(batch) == 0 {
		return 0, nil
	}

	var acks []ids.WorkItemID
	for i := range batch {
		rec := &batch[i]
		if err := ctx.Err(); err != nil {
			break
		}
		if d.process(ctx, rec) {
			acks = append(acks, rec.ID)
		}
	}

	if len(acks) > 0 {
		acked, err := d.queue.Ack(ctx, d.owner, acks)
		if store.IsTransient(err) {
			logger.DebugCtx(ctx, "transient error acking inbox batch, retrying once",
				logger.KeyStore, d.cfg.StoreID, logger.KeyError, err.Error())
			acked, err = d.queue.Ack(ctx, d.owner, acks)
		}
		if err != nil {
			telemetry.RecordError(ctx, err)
			return len(batch), fmt.Errorf("acking inbox batch: %w", err)
		}
		if acked < len(acks) {
			logger.WarnCtx(ctx, "some inbox acks skipped, lease likely expired",
				logger.KeyStore, d.cfg.StoreID,
				logger.KeyAcked, acked,
				logger.KeyBatchSize, len(acks))
		}
	}

	d.metrics.ObserveIteration(d.cfg.StoreID, time.Since(start))
	return len(batch), nil
}

func (d *Dispatcher) process(ctx context.Context, rec *store.InboxRecord) bool {
	handler, ok := d.reg.Resolve(rec.Topic)
	if !ok {
		logger.WarnCtx(ctx, "no handler registered for topic, abandoning",
			logger.KeyStore, d.cfg.StoreID,
			logger.KeyTopic, rec.Topic,
			logger.KeyMessageID, rec.MessageID,
			logger.KeySource, rec.Source)
		d.metrics.RecordUnknownTopic(d.cfg.StoreID, rec.Topic)
		d.abandon(ctx, rec, "no handler registered for topic "+rec.Topic)
		return false
	}

	hctx, span := telemetry.StartSpan(ctx, telemetry.SpanInboxHandle)
	telemetry.SetAttributes(hctx,
		telemetry.Topic(rec.Topic),
		telemetry.MessageID(rec.MessageID),
		telemetry.Source(rec.Source))
	err := handler(hctx, rec)
	if err != nil {
		telemetry.RecordError(hctx, err)
		telemetry.SetStatus(hctx, codes.Error, err.Error())
	}
	span.End()

	if err == nil {
		d.metrics.RecordOutcome(d.cfg.StoreID, rec.Topic, "ack", 1)
		return true
	}

	if errors.Is(err, workqueue.ErrRetryLater) {
		logger.DebugCtx(ctx, "handler not ready, abandoning without penalty",
			logger.KeyStore, d.cfg.StoreID,
			logger.KeyTopic, rec.Topic,
			logger.KeyMessageID, rec.MessageID)
		d.abandon(ctx, rec, err.Error())
		return false
	}

	if rec.RetryCount >= d.cfg.RetryCeiling {
		logger.ErrorCtx(ctx, "inbox handler failed past retry ceiling, marking dead",
			logger.KeyStore, d.cfg.StoreID,
			logger.KeyTopic, rec.Topic,
			logger.KeyMessageID, rec.MessageID,
			logger.KeySource, rec.Source,
			logger.KeyRetries, rec.RetryCount,
			logger.KeyError, err.Error())
		if _, ferr := d.queue.Fail(ctx, d.owner, []ids.WorkItemID{rec.ID}, err.Error()); ferr != nil {
			logger.ErrorCtx(ctx, "failed to mark inbox record dead",
				logger.KeyMessageID, rec.MessageID, logger.KeyError, ferr.Error())
		}
		d.metrics.RecordOutcome(d.cfg.StoreID, rec.Topic, "fail", 1)
		return false
	}

	logger.WarnCtx(ctx, "inbox handler failed, abandoning with backoff",
		logger.KeyStore, d.cfg.StoreID,
		logger.KeyTopic, rec.Topic,
		logger.KeyMessageID, rec.MessageID,
		logger.KeyRetries, rec.RetryCount,
		logger.KeyError, err.Error())
	d.abandon(ctx, rec, err.Error())
	return false
}

func (d *Dispatcher) abandon(ctx context.Context, rec *store.InboxRecord, reason string) {
	if _, err := d.queue.Abandon(ctx, d.owner, []ids.WorkItemID{rec.ID}, reason, nil); err != nil {
		logger.ErrorCtx(ctx, "failed to abandon inbox record",
			logger.KeyMessageID, rec.MessageID, logger.KeyError, err.Error())
	}
	d.metrics.RecordOutcome(d.cfg.StoreID, rec.Topic, "abandon", 1)
}

// ReapExpired returns expired InProgress records to Ready.
func (d *Dispatcher) ReapExpired(ctx context.Context) (int, error) {
	n, err := d.queue.ReapExpired(ctx)
	if err != nil {
		return 0, fmt.Errorf("reaping expired inbox records: %w", err)
	}
	if n > 0 {
		logger.InfoCtx(ctx, "reaped expired inbox records",
			logger.KeyStore, d.cfg.StoreID, logger.KeyReaped, n)
	}
	return n, nil
}

// Run polls until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	return workqueue.RunLoop(ctx, "inbox dispatcher", d.RunOnce)
}
