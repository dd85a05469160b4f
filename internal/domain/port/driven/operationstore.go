package driven

import (
	"context"
	"errors"
	"time"

	"github.com/ericfisherdev/reviewdesk/internal/domain/model"
)

// Sentinel errors returned by OperationStore implementations.
var (
	// ErrOperationNotFound indicates the requested operation does not exist.
	ErrOperationNotFound = errors.New("operation not found")

	// ErrNotCancellable indicates the operation has left the Queued or
	// WaitingForDependency state and can no longer be cancelled.
	ErrNotCancellable = errors.New("operation is not cancellable in its current state")
)

// OperationStore defines the driven port for the durable operation queue.
// The queue survives process restarts: unfinished operations reload and
// resume dispatch on startup.
type OperationStore interface {
	Enqueue(ctx context.Context, op model.QueuedOperation) (model.QueuedOperation, error)
	Get(ctx context.Context, id string) (*model.QueuedOperation, error)

	// DequeueNext returns the highest-priority, due, Queued operation and
	// marks it Processing in the same transaction. Per-change FIFO is strict:
	// an operation is eligible only when no earlier operation for the same
	// change is still outstanding (anything other than Completed/Cancelled).
	// Returns (nil, nil) when nothing is due.
	DequeueNext(ctx context.Context, now time.Time) (*model.QueuedOperation, error)

	MarkCompleted(ctx context.Context, id string) error

	// MarkFailed records a dispatch failure. When terminal is false the
	// operation returns to Queued with the supplied retry schedule; when true
	// it enters the terminal Failed state and is never auto-dispatched again.
	MarkFailed(ctx context.Context, id string, lastError string, nextRetry time.Time, terminal bool) error

	// Requeue returns a Processing operation to Queued without touching its
	// retry count. Used when a dispatch is cancelled by shutdown or deferred
	// without blame (auth pause, rate limiting).
	Requeue(ctx context.Context, id string, nextRetry time.Time) error

	// SetWaiting parks a Processing operation behind an unresolved conflict.
	SetWaiting(ctx context.Context, id string) error

	// ReleaseWaiting returns all WaitingForDependency operations for the
	// change to Queued. Called after a conflict resolution is applied.
	ReleaseWaiting(ctx context.Context, changeID int64, now time.Time) (int, error)

	// Cancel is valid only while Queued or WaitingForDependency; otherwise it
	// returns ErrNotCancellable.
	Cancel(ctx context.Context, id string) error

	// RetryTerminal resets a terminal Failed operation back to Queued with a
	// fresh retry budget. Explicit user action only.
	RetryTerminal(ctx context.Context, id string, now time.Time) error

	// ResetProcessing returns all Processing operations to Queued. Called once
	// at startup so operations interrupted by a crash resume dispatch.
	ResetProcessing(ctx context.Context) (int, error)

	ListByStatus(ctx context.Context, status model.OperationStatus) ([]model.QueuedOperation, error)
	ListByChange(ctx context.Context, changeID int64) ([]model.QueuedOperation, error)
	CountByStatus(ctx context.Context) (map[model.OperationStatus]int, error)
}
