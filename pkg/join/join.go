// Package join implements fan-in over outbox messages. A join counts
// completed and failed steps as its member messages settle; a special
// outbox topic polls the counters and enqueues a follow-up message once
// every expected step reported in.
package join

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sqlbus/sqlbus/internal/logger"
	"github.com/sqlbus/sqlbus/pkg/ids"
	"github.com/sqlbus/sqlbus/pkg/outbox"
	"github.com/sqlbus/sqlbus/pkg/store"
	"github.com/sqlbus/sqlbus/pkg/workqueue"
)

// WaitTopic is the outbox topic carrying join completion checks.
const WaitTopic = "join.wait"

// WaitRequest is the payload of a WaitTopic message.
type WaitRequest struct {
	JoinID              string `json:"joinId"`
	FailIfAnyStepFailed bool   `json:"failIfAnyStepFailed"`
	OnCompleteTopic     string `json:"onCompleteTopic"`
	OnCompletePayload   string `json:"onCompletePayload"`
	OnFailTopic         string `json:"onFailTopic,omitempty"`
	OnFailPayload       string `json:"onFailPayload,omitempty"`
}

// Coordinator is the caller-facing join API over one store.
type Coordinator struct {
	joins  store.JoinStore
	writer *outbox.Writer
}

// NewCoordinator builds a Coordinator. The writer must target the same
// store as joins; a join never spans stores.
func NewCoordinator(joins store.JoinStore, writer *outbox.Writer) *Coordinator {
	return &Coordinator{joins: joins, writer: writer}
}

// Start creates a pending join expecting expectedSteps member messages.
func (c *Coordinator) Start(ctx context.Context, groupingKey string, expectedSteps int, metadata string) (ids.WorkItemID, error) {
	if expectedSteps <= 0 {
		return ids.WorkItemID{}, workqueue.NewValidationError("expectedSteps must be positive, got %d", expectedSteps)
	}
	return c.joins.Start(ctx, groupingKey, expectedSteps, metadata)
}

// Attach idempotently binds an outbox message to the join. The message's
// eventual ack or fail advances the join's counters.
func (c *Coordinator) Attach(ctx context.Context, joinID, outboxMessageID ids.WorkItemID) error {
	return c.joins.Attach(ctx, joinID, outboxMessageID)
}

// Get returns the join's current state.
func (c *Coordinator) Get(ctx context.Context, joinID ids.WorkItemID) (*store.Join, error) {
	return c.joins.Get(ctx, joinID)
}

// EnqueueWait enqueues the completion-check message for the join. The
// message keeps abandoning itself until all expected steps settle, then
// fires the configured follow-up topic.
func (c *Coordinator) EnqueueWait(ctx context.Context, req WaitRequest) (ids.WorkItemID, error) {
	if req.JoinID == "" {
		return ids.WorkItemID{}, workqueue.NewValidationError("joinId must not be empty")
	}
	if req.OnCompleteTopic == "" {
		return ids.WorkItemID{}, workqueue.NewValidationError("onCompleteTopic must not be empty")
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return ids.WorkItemID{}, fmt.Errorf("marshaling wait request: %w", err)
	}
	return c.writer.Enqueue(ctx, WaitTopic, string(payload), outbox.WithCorrelationID(req.JoinID))
}

// ReportStepCompleted is the manual recovery path for a member whose
// outbox row was lost or settled out of band. Idempotent per member.
func (c *Coordinator) ReportStepCompleted(ctx context.Context, joinID, outboxMessageID ids.WorkItemID) error {
	return c.joins.ReportStepCompleted(ctx, joinID, outboxMessageID)
}

// ReportStepFailed is the failure-side manual recovery path.
func (c *Coordinator) ReportStepFailed(ctx context.Context, joinID, outboxMessageID ids.WorkItemID) error {
	return c.joins.ReportStepFailed(ctx, joinID, outboxMessageID)
}

// Cancel moves a pending join to Cancelled. Members keep settling but no
// follow-up fires.
func (c *Coordinator) Cancel(ctx context.Context, joinID ids.WorkItemID) error {
	return c.joins.SetStatus(ctx, joinID, store.JoinCancelled)
}

// WaitHandler returns the outbox handler for WaitTopic. Register it once
// per dispatcher that serves the store.
func WaitHandler(joins store.JoinStore, writer *outbox.Writer) outbox.Handler {
	return func(ctx context.Context, msg *store.OutboxMessage) error {
		var req WaitRequest
		if err := json.Unmarshal([]byte(msg.Payload), &req); err != nil {
			return fmt.Errorf("malformed wait payload: %w", err)
		}
		joinID, err := ids.ParseWorkItemID(req.JoinID)
		if err != nil {
			return err
		}

		j, err := joins.Get(ctx, joinID)
		if err != nil {
			return fmt.Errorf("loading join %s: %w", req.JoinID, err)
		}

		// A join already settled by a competing delivery or by Cancel has
		// nothing left to do; ack to drain the message. The status flip is
		// the last step below, so a non-Pending join already enqueued its
		// follow-up.
		if j.Status != store.JoinPending {
			return nil
		}

		if j.CompletedSteps+j.FailedSteps < j.ExpectedSteps {
			return fmt.Errorf("join %s at %d/%d steps: %w",
				req.JoinID, j.CompletedSteps+j.FailedSteps, j.ExpectedSteps, workqueue.ErrRetryLater)
		}

		// Enqueue the follow-up before flipping the status. A crash or
		// transient error between the two leaves the join Pending, so the
		// redelivery enqueues again: a duplicate follow-up at worst, never
		// a lost one.
		if j.FailedSteps > 0 && req.FailIfAnyStepFailed {
			if req.OnFailTopic != "" {
				if _, err := writer.Enqueue(ctx, req.OnFailTopic, req.OnFailPayload,
					outbox.WithCorrelationID(req.JoinID)); err != nil {
					return err
				}
			}
			if err := joins.SetStatus(ctx, joinID, store.JoinFailed); err != nil {
				return err
			}
			logger.InfoCtx(ctx, "join failed",
				logger.KeyJoin, req.JoinID, logger.KeyFailed, j.FailedSteps)
			return nil
		}

		if _, err := writer.Enqueue(ctx, req.OnCompleteTopic, req.OnCompletePayload,
			outbox.WithCorrelationID(req.JoinID)); err != nil {
			return err
		}
		if err := joins.SetStatus(ctx, joinID, store.JoinCompleted); err != nil {
			return err
		}
		logger.InfoCtx(ctx, "join completed",
			logger.KeyJoin, req.JoinID,
			logger.KeyAcked, j.CompletedSteps,
			logger.KeyFailed, j.FailedSteps)
		return nil
	}
}
