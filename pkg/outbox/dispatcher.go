package outbox

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
	"github.com/sqlbus/sqlbus/pkg/store"
	"github.com/sqlbus/sqlbus/pkg/workqueue"
)

// Dispatcher defaults and bounds.
const (
	DefaultBatchSize    = 50
	MaxBatchSize        = 100
	DefaultLeaseSeconds = 30
	MinLeaseSeconds     = 10
	DefaultRetryCeiling = 10
)

// DispatcherConfig wires one outbox dispatcher.
type DispatcherConfig struct {
	StoreID      string
	BatchSize    int // default 50, max 100
	LeaseSeconds int // default 30, min 10
	RetryCeiling int // abandons past this become fails; default 10
}

func (c *DispatcherConfig) applyDefaults() error {
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.BatchSize < 1 || c.BatchSize > MaxBatchSize {
		return workqueue.ConfigurationError("batch size %d out of range [1, %d]", c.BatchSize, MaxBatchSize)
	}
	if c.LeaseSeconds == 0 {
		c.LeaseSeconds = DefaultLeaseSeconds
	}
	if c.LeaseSeconds < MinLeaseSeconds {
		return workqueue.ConfigurationError("lease seconds %d below minimum %d", c.LeaseSeconds, MinLeaseSeconds)
	}
	if c.RetryCeiling == 0 {
		c.RetryCeiling = DefaultRetryCeiling
	}
	return nil
}

// Dispatcher claims outbox batches and drives them through registered
// handlers. One Dispatcher serves one store; the multi-store layer creates
// one per application database and rotates between them under leases.
type Dispatcher struct {
	queue   store.OutboxStore
	reg     *Registry
	owner   ids.OwnerToken
	cfg     DispatcherConfig
	metrics *metrics.DispatcherMetrics
}

// NewDispatcher builds a Dispatcher. The registry is frozen here; no
// handler may be registered afterwards.
func NewDispatcher(queue store.OutboxStore, reg *Registry, cfg DispatcherConfig) (*Dispatcher, error) {
	if queue == nil {
		return nil, workqueue.ConfigurationError("outbox store must not be nil")
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
		metrics: metrics.NewDispatcherMetrics("outbox"),
	}, nil
}

// Owner returns the dispatcher's owner token. Rows claimed by this
// dispatcher carry it until ack/abandon/fail or lease expiry.
func (d *Dispatcher) Owner() ids.OwnerToken { return d.owner }

type storeIDKey struct{}

// ContextStoreID returns the id of the store whose dispatcher invoked the
// handler. Handlers shared across stores by a multi-store dispatcher use
// it to resolve per-store state.
func ContextStoreID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(storeIDKey{}).(string)
	return id, ok
}

// RunOnce claims one batch and processes it to completion. Returns the
// number of rows claimed.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanOutboxDispatch)
	defer span.End()
	telemetry.SetAttributes(ctx, telemetry.StoreID(d.cfg.StoreID))

	batch, err := d.queue.Claim(ctx, d.owner, d.cfg.LeaseSeconds, d.cfg.BatchSize)
	if store.IsTransient(err) {
		logger.DebugCtx(ctx, "transient error claiming outbox batch, retrying once",
			logger.KeyStore, d.cfg.StoreID, logger.KeyError, err.Error())
		batch, err = d.queue.Claim(ctx, d.owner, d.cfg.LeaseSeconds, d.cfg.BatchSize)
	}
	if err != nil {
		telemetry.RecordError(ctx, err)
		return 0, fmt.Errorf("claiming outbox batch: %w", err)
	}
	d.metrics.ObserveClaim(d.cfg.StoreID, len(batch))
	if len(batch) == 0 {
		return 0, nil
	}

	var acks []ids.WorkItemID
	for i := range batch {
		msg := &batch[i]
		if err := ctx.Err(); err != nil {
			// Unfinished rows stay InProgress and are reaped after the
			// lease expires.
			break
		}
		if d.process(ctx, msg) {
			acks = append(acks, msg.ID)
		}
	}

	if len(acks) > 0 {
		acked, err := d.queue.Ack(ctx, d.owner, acks)
		if store.IsTransient(err) {
			logger.DebugCtx(ctx, "transient error acking outbox batch, retrying once",
				logger.KeyStore, d.cfg.StoreID, logger.KeyError, err.Error())
			acked, err = d.queue.Ack(ctx, d.owner, acks)
		}
		if err != nil {
			telemetry.RecordError(ctx, err)
			return len(batch), fmt.Errorf("acking outbox batch: %w", err)
		}
		if acked < len(acks) {
			logger.WarnCtx(ctx, "some outbox acks skipped, lease likely expired",
				logger.KeyStore, d.cfg.StoreID,
				logger.KeyAcked, acked,
				logger.KeyBatchSize, len(acks))
		}
	}

	d.metrics.ObserveIteration(d.cfg.StoreID, time.Since(start))
	return len(batch), nil
}

// process runs one message through its handler and settles the non-ack
// outcomes itself. Returns true when the row should be acknowledged.
func (d *Dispatcher) process(ctx context.Context, msg *store.OutboxMessage) bool {
	handler, ok := d.reg.Resolve(msg.Topic)
	if !ok {
		logger.WarnCtx(ctx, "no handler registered for topic, abandoning",
			logger.KeyStore, d.cfg.StoreID,
			logger.KeyTopic, msg.Topic,
			logger.KeyItemID, msg.ID.String())
		d.metrics.RecordUnknownTopic(d.cfg.StoreID, msg.Topic)
		d.abandon(ctx, msg, "no handler registered for topic "+msg.Topic)
		return false
	}

	hctx, span := telemetry.StartSpan(ctx, telemetry.SpanOutboxHandle)
	hctx = context.WithValue(hctx, storeIDKey{}, d.cfg.StoreID)
	telemetry.SetAttributes(hctx,
		telemetry.Topic(msg.Topic),
		telemetry.MessageID(msg.MessageID.String()))
	err := handler(hctx, msg)
	if err != nil {
		telemetry.RecordError(hctx, err)
		telemetry.SetStatus(hctx, codes.Error, err.Error())
	}
	span.End()

	if err == nil {
		d.metrics.RecordOutcome(d.cfg.StoreID, msg.Topic, "ack", 1)
		return true
	}

	if errors.Is(err, workqueue.ErrRetryLater) {
		logger.DebugCtx(ctx, "handler not ready, abandoning without penalty",
			logger.KeyStore, d.cfg.StoreID,
			logger.KeyTopic, msg.Topic,
			logger.KeyItemID, msg.ID.String())
		d.abandon(ctx, msg, err.Error())
		return false
	}

	if msg.RetryCount >= d.cfg.RetryCeiling {
		logger.ErrorCtx(ctx, "handler failed past retry ceiling, marking failed",
			logger.KeyStore, d.cfg.StoreID,
			logger.KeyTopic, msg.Topic,
			logger.KeyItemID, msg.ID.String(),
			logger.KeyRetries, msg.RetryCount,
			logger.KeyError, err.Error())
		if _, ferr := d.queue.Fail(ctx, d.owner, []ids.WorkItemID{msg.ID}, err.Error()); ferr != nil {
			logger.ErrorCtx(ctx, "failed to mark outbox row failed",
				logger.KeyItemID, msg.ID.String(), logger.KeyError, ferr.Error())
		}
		d.metrics.RecordOutcome(d.cfg.StoreID, msg.Topic, "fail", 1)
		return false
	}

	logger.WarnCtx(ctx, "handler failed, abandoning with backoff",
		logger.KeyStore, d.cfg.StoreID,
		logger.KeyTopic, msg.Topic,
		logger.KeyItemID, msg.ID.String(),
		logger.KeyRetries, msg.RetryCount,
		logger.KeyError, err.Error())
	d.abandon(ctx, msg, err.Error())
	return false
}

func (d *Dispatcher) abandon(ctx context.Context, msg *store.OutboxMessage, reason string) {
	if _, err := d.queue.Abandon(ctx, d.owner, []ids.WorkItemID{msg.ID}, reason, nil); err != nil {
		logger.ErrorCtx(ctx, "failed to abandon outbox row",
			logger.KeyItemID, msg.ID.String(), logger.KeyError, err.Error())
	}
	d.metrics.RecordOutcome(d.cfg.StoreID, msg.Topic, "abandon", 1)
}

// ReapExpired returns expired InProgress rows to Ready.
func (d *Dispatcher) ReapExpired(ctx context.Context) (int, error) {
	n, err := d.queue.ReapExpired(ctx)
	if err != nil {
		return 0, fmt.Errorf("reaping expired outbox rows: %w", err)
	}
	if n > 0 {
		logger.InfoCtx(ctx, "reaped expired outbox rows",
			logger.KeyStore, d.cfg.StoreID, logger.KeyReaped, n)
	}
	return n, nil
}

// Run polls until ctx is cancelled, backing off while the outbox is empty.
func (d *Dispatcher) Run(ctx context.Context) error {
	return workqueue.RunLoop(ctx, "outbox dispatcher", d.RunOnce)
}
