package application

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ericfisherdev/reviewdesk/internal/domain/model"
	"github.com/ericfisherdev/reviewdesk/internal/domain/port/driven"
)

// OperationQueue is the application facade over the durable operation store:
// enqueue validation, retry accounting, cancellation, and crash recovery.
// Dispatch itself lives in the sync engine.
type OperationQueue struct {
	ops        driven.OperationStore
	changes    driven.ChangeStore
	events     driven.EventSink
	maxRetries int
}

// NewOperationQueue creates an OperationQueue with all required dependencies.
func NewOperationQueue(
	ops driven.OperationStore,
	changes driven.ChangeStore,
	events driven.EventSink,
	maxRetries int,
) *OperationQueue {
	return &OperationQueue{
		ops:        ops,
		changes:    changes,
		events:     events,
		maxRetries: maxRetries,
	}
}

// Enqueue validates and persists one operation. Mutations against a Merged or
// Abandoned change are rejected at the door rather than failing at dispatch.
func (q *OperationQueue) Enqueue(ctx context.Context, changeID int64, payload model.OperationPayload, priority int) (model.QueuedOperation, error) {
	change, err := q.changes.GetChange(ctx, changeID)
	if err != nil {
		return model.QueuedOperation{}, err
	}
	if !change.AcceptsMutations() {
		return model.QueuedOperation{}, &ValidationError{
			Field: "change",
			Msg:   fmt.Sprintf("change %d is %s and accepts no further mutations", changeID, change.Status),
		}
	}

	op, err := q.ops.Enqueue(ctx, model.QueuedOperation{
		ID:         uuid.NewString(),
		Type:       payload.OperationType(),
		ChangeID:   changeID,
		Payload:    payload,
		Priority:   priority,
		MaxRetries: q.maxRetries,
		Token:      uuid.NewString(),
	})
	if err != nil {
		return model.QueuedOperation{}, err
	}

	q.events.Publish(model.Event{
		Kind:        model.EventOperationEnqueued,
		ChangeID:    changeID,
		OperationID: op.ID,
		Detail:      string(op.Type),
		At:          time.Now().UTC(),
	})

	slog.Debug("operation enqueued", "operation", op.ID, "type", string(op.Type), "change", changeID)
	return op, nil
}

// Complete marks a dispatched operation done.
func (q *OperationQueue) Complete(ctx context.Context, op model.QueuedOperation) error {
	return q.ops.MarkCompleted(ctx, op.ID)
}

// Fail records a dispatch failure. The retry schedule is a pure function of
// the persisted retry count; exhausting the budget parks the operation in the
// terminal Failed state and notifies the presentation layer.
func (q *OperationQueue) Fail(ctx context.Context, op model.QueuedOperation, cause error) error {
	terminal := op.RetryCount+1 >= op.MaxRetries
	nextRetry := time.Now().UTC().Add(jitteredBackoff(op.RetryCount + 1))

	if err := q.ops.MarkFailed(ctx, op.ID, cause.Error(), nextRetry, terminal); err != nil {
		return err
	}

	kind := model.EventOperationFailed
	if terminal {
		kind = model.EventOperationTerminal
	}
	q.events.Publish(model.Event{
		Kind:        kind,
		ChangeID:    op.ChangeID,
		OperationID: op.ID,
		Detail:      cause.Error(),
		At:          time.Now().UTC(),
	})

	slog.Warn("operation failed",
		"operation", op.ID,
		"type", string(op.Type),
		"retry_count", op.RetryCount+1,
		"terminal", terminal,
		"error", cause,
	)
	return nil
}

// Defer returns a Processing operation to Queued without blame, due after the
// given delay. Used for auth pauses and server-directed rate limiting.
func (q *OperationQueue) Defer(ctx context.Context, op model.QueuedOperation, delay time.Duration) error {
	return q.ops.Requeue(ctx, op.ID, time.Now().UTC().Add(delay))
}

// Park moves a Processing operation behind an unresolved conflict.
func (q *OperationQueue) Park(ctx context.Context, op model.QueuedOperation) error {
	return q.ops.SetWaiting(ctx, op.ID)
}

// Release returns all parked operations for a change to Queued. Called once a
// conflict resolution has been applied.
func (q *OperationQueue) Release(ctx context.Context, changeID int64) (int, error) {
	released, err := q.ops.ReleaseWaiting(ctx, changeID, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	if released > 0 {
		slog.Info("parked operations released", "change", changeID, "count", released)
	}
	return released, nil
}

// Cancel withdraws a pending operation. Only Queued and WaitingForDependency
// operations can be cancelled.
func (q *OperationQueue) Cancel(ctx context.Context, id string) error {
	return q.ops.Cancel(ctx, id)
}

// RetryTerminal puts a terminally-failed operation back in the queue with a
// fresh retry budget. Explicit user action only.
func (q *OperationQueue) RetryTerminal(ctx context.Context, id string) error {
	return q.ops.RetryTerminal(ctx, id, time.Now().UTC())
}

// RecoverStartup returns operations stranded in Processing by a crash to
// Queued. Must run once before the dispatch loop starts.
func (q *OperationQueue) RecoverStartup(ctx context.Context) error {
	recovered, err := q.ops.ResetProcessing(ctx)
	if err != nil {
		return fmt.Errorf("recover interrupted operations: %w", err)
	}
	if recovered > 0 {
		slog.Info("recovered interrupted operations", "count", recovered)
	}
	return nil
}

// ListByChange returns all operations for a change in enqueue order.
func (q *OperationQueue) ListByChange(ctx context.Context, changeID int64) ([]model.QueuedOperation, error) {
	return q.ops.ListByChange(ctx, changeID)
}

// Stats returns the operation count per status.
func (q *OperationQueue) Stats(ctx context.Context) (map[model.OperationStatus]int, error) {
	return q.ops.CountByStatus(ctx)
}
