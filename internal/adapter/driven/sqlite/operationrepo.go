package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ericfisherdev/reviewdesk/internal/domain/model"
	"github.com/ericfisherdev/reviewdesk/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.OperationStore = (*OperationRepo)(nil)

// OperationRepo is the SQLite implementation of the durable operation queue.
//
// Ordering rests on the seq column: an AUTOINCREMENT primary key assigned at
// enqueue time. Per-change FIFO is enforced in the dequeue query itself, so a
// crash between enqueue and dispatch cannot reorder operations.
type OperationRepo struct {
	db *DB
}

// NewOperationRepo creates a new OperationRepo backed by the given DB.
func NewOperationRepo(db *DB) *OperationRepo {
	return &OperationRepo{db: db}
}

const operationColumns = `seq, id, type, change_id, payload, priority, status,
	retry_count, max_retries, next_retry_at, last_error, idempotency_token,
	enqueued_at, updated_at`

// Enqueue persists a new operation in the Queued state.
func (r *OperationRepo) Enqueue(ctx context.Context, op model.QueuedOperation) (model.QueuedOperation, error) {
	payload, err := model.EncodePayload(op.Payload)
	if err != nil {
		return model.QueuedOperation{}, err
	}

	const query = `
		INSERT INTO operations (
			id, type, change_id, payload, priority, status,
			retry_count, max_retries, next_retry_at, last_error, idempotency_token,
			enqueued_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, '', ?, ?, ?)
	`

	now := time.Now().UTC()
	nextRetry := op.NextRetryAt
	if nextRetry.IsZero() {
		nextRetry = now
	}

	_, err = r.db.Writer.ExecContext(ctx, query,
		op.ID, string(op.Type), op.ChangeID, string(payload), op.Priority,
		string(model.OpQueued), op.MaxRetries, bindTime(nextRetry), op.Token, bindTime(now), bindTime(now),
	)
	if err != nil {
		return model.QueuedOperation{}, fmt.Errorf("enqueue %s operation: %w", op.Type, err)
	}

	stored, err := r.Get(ctx, op.ID)
	if err != nil {
		return model.QueuedOperation{}, err
	}
	return *stored, nil
}

// Get retrieves a single operation by ID.
func (r *OperationRepo) Get(ctx context.Context, id string) (*model.QueuedOperation, error) {
	query := `SELECT ` + operationColumns + ` FROM operations WHERE id = ?`

	op, err := scanOperation(r.db.Reader.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, driven.ErrOperationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get operation %s: %w", id, err)
	}
	return op, nil
}

// DequeueNext claims the next dispatchable operation, marking it Processing in
// the same transaction. Eligibility requires: Queued, due, belonging to a
// change on the active instance, and no earlier outstanding operation for the
// same change. Cross-change ordering is priority first, then enqueue order.
// Operations for inactive instances stay queued until their instance is
// activated again, so they are never dispatched against the wrong endpoint.
func (r *OperationRepo) DequeueNext(ctx context.Context, now time.Time) (*model.QueuedOperation, error) {
	tx, err := r.db.Writer.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback after commit is a no-op.

	query := `
		SELECT ` + operationColumns + `
		FROM operations o
		WHERE o.status = 'queued'
		  AND o.next_retry_at <= ?
		  AND EXISTS (
			SELECT 1 FROM changes c
			JOIN instances i ON i.id = c.instance_id
			WHERE c.id = o.change_id AND i.is_active = 1
		  )
		  AND NOT EXISTS (
			SELECT 1 FROM operations e
			WHERE e.change_id = o.change_id
			  AND e.seq < o.seq
			  AND e.status NOT IN ('completed', 'cancelled')
		  )
		ORDER BY o.priority DESC, o.seq ASC
		LIMIT 1
	`

	op, err := scanOperation(tx.QueryRowContext(ctx, query, bindTime(now)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select next operation: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE operations SET status = 'processing', updated_at = ? WHERE id = ?`,
		bindTime(now), op.ID,
	); err != nil {
		return nil, fmt.Errorf("claim operation %s: %w", op.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit dequeue: %w", err)
	}

	op.Status = model.OpProcessing
	return op, nil
}

// MarkCompleted moves a Processing operation to the terminal Completed state.
func (r *OperationRepo) MarkCompleted(ctx context.Context, id string) error {
	return r.setStatus(ctx, id, model.OpCompleted, "")
}

// MarkFailed records a dispatch failure, either scheduling a retry or parking
// the operation in the terminal Failed state.
func (r *OperationRepo) MarkFailed(ctx context.Context, id string, lastError string, nextRetry time.Time, terminal bool) error {
	if terminal {
		const query = `
			UPDATE operations
			SET status = 'failed', retry_count = retry_count + 1, last_error = ?, updated_at = ?
			WHERE id = ?
		`
		res, err := r.db.Writer.ExecContext(ctx, query, lastError, bindTime(time.Now()), id)
		if err != nil {
			return fmt.Errorf("mark operation %s failed: %w", id, err)
		}
		return requireRow(res, driven.ErrOperationNotFound)
	}

	const query = `
		UPDATE operations
		SET status = 'queued', retry_count = retry_count + 1, last_error = ?,
		    next_retry_at = ?, updated_at = ?
		WHERE id = ?
	`
	res, err := r.db.Writer.ExecContext(ctx, query, lastError, bindTime(nextRetry), bindTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("schedule retry for operation %s: %w", id, err)
	}
	return requireRow(res, driven.ErrOperationNotFound)
}

// Requeue returns a Processing operation to Queued without incrementing the
// retry counter.
func (r *OperationRepo) Requeue(ctx context.Context, id string, nextRetry time.Time) error {
	const query = `
		UPDATE operations
		SET status = 'queued', next_retry_at = ?, updated_at = ?
		WHERE id = ?
	`
	res, err := r.db.Writer.ExecContext(ctx, query, bindTime(nextRetry), bindTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("requeue operation %s: %w", id, err)
	}
	return requireRow(res, driven.ErrOperationNotFound)
}

// SetWaiting parks a Processing operation behind an unresolved conflict.
func (r *OperationRepo) SetWaiting(ctx context.Context, id string) error {
	return r.setStatus(ctx, id, model.OpWaiting, "")
}

// ReleaseWaiting returns all parked operations for a change to Queued, due
// immediately. Returns the number released.
func (r *OperationRepo) ReleaseWaiting(ctx context.Context, changeID int64, now time.Time) (int, error) {
	const query = `
		UPDATE operations
		SET status = 'queued', next_retry_at = ?, updated_at = ?
		WHERE change_id = ? AND status = 'waiting_for_dependency'
	`
	res, err := r.db.Writer.ExecContext(ctx, query, bindTime(now), bindTime(now), changeID)
	if err != nil {
		return 0, fmt.Errorf("release waiting operations for change %d: %w", changeID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}
	return int(rows), nil
}

// Cancel moves an operation to Cancelled. Only Queued and WaitingForDependency
// operations are cancellable; anything else returns ErrNotCancellable.
func (r *OperationRepo) Cancel(ctx context.Context, id string) error {
	const query = `
		UPDATE operations
		SET status = 'cancelled', updated_at = ?
		WHERE id = ? AND status IN ('queued', 'waiting_for_dependency')
	`
	res, err := r.db.Writer.ExecContext(ctx, query, bindTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("cancel operation %s: %w", id, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rows == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return err
		}
		return driven.ErrNotCancellable
	}
	return nil
}

// RetryTerminal resets a terminal Failed operation to Queued with a fresh
// retry budget, due immediately.
func (r *OperationRepo) RetryTerminal(ctx context.Context, id string, now time.Time) error {
	const query = `
		UPDATE operations
		SET status = 'queued', retry_count = 0, last_error = '', next_retry_at = ?, updated_at = ?
		WHERE id = ? AND status = 'failed'
	`
	res, err := r.db.Writer.ExecContext(ctx, query, bindTime(now), bindTime(now), id)
	if err != nil {
		return fmt.Errorf("retry operation %s: %w", id, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rows == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("operation %s is not in the failed state", id)
	}
	return nil
}

// ResetProcessing returns every Processing operation to Queued. Called once at
// startup so work interrupted by a crash resumes dispatch.
func (r *OperationRepo) ResetProcessing(ctx context.Context) (int, error) {
	now := bindTime(time.Now())
	res, err := r.db.Writer.ExecContext(ctx,
		`UPDATE operations SET status = 'queued', next_retry_at = ?, updated_at = ? WHERE status = 'processing'`,
		now, now)
	if err != nil {
		return 0, fmt.Errorf("reset processing operations: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}
	return int(rows), nil
}

// ListByStatus returns all operations in one state, in enqueue order.
func (r *OperationRepo) ListByStatus(ctx context.Context, status model.OperationStatus) ([]model.QueuedOperation, error) {
	query := `SELECT ` + operationColumns + ` FROM operations WHERE status = ? ORDER BY seq`
	return r.list(ctx, query, string(status))
}

// ListByChange returns all operations for a change, in enqueue order.
func (r *OperationRepo) ListByChange(ctx context.Context, changeID int64) ([]model.QueuedOperation, error) {
	query := `SELECT ` + operationColumns + ` FROM operations WHERE change_id = ? ORDER BY seq`
	return r.list(ctx, query, changeID)
}

// CountByStatus returns the number of operations in each state.
func (r *OperationRepo) CountByStatus(ctx context.Context) (map[model.OperationStatus]int, error) {
	rows, err := r.db.Reader.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM operations GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count operations: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.OperationStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan operation count: %w", err)
		}
		counts[model.OperationStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate operation counts: %w", err)
	}
	return counts, nil
}

func (r *OperationRepo) list(ctx context.Context, query string, args ...any) ([]model.QueuedOperation, error) {
	rows, err := r.db.Reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query operations: %w", err)
	}
	defer rows.Close()

	var ops []model.QueuedOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		ops = append(ops, *op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate operations: %w", err)
	}
	return ops, nil
}

func (r *OperationRepo) setStatus(ctx context.Context, id string, status model.OperationStatus, lastError string) error {
	const query = `UPDATE operations SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`

	res, err := r.db.Writer.ExecContext(ctx, query, string(status), lastError, bindTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("set operation %s status: %w", id, err)
	}
	return requireRow(res, driven.ErrOperationNotFound)
}

func scanOperation(s scanner) (*model.QueuedOperation, error) {
	var op model.QueuedOperation
	var opType, status, payload string
	var nextRetry, enqueuedAt, updatedAt string

	err := s.Scan(
		&op.Seq, &op.ID, &opType, &op.ChangeID, &payload, &op.Priority, &status,
		&op.RetryCount, &op.MaxRetries, &nextRetry, &op.LastError, &op.Token,
		&enqueuedAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	op.Type = model.OperationType(opType)
	op.Status = model.OperationStatus(status)

	op.Payload, err = model.DecodePayload(op.Type, []byte(payload))
	if err != nil {
		return nil, err
	}

	op.NextRetryAt, err = parseTime(nextRetry)
	if err != nil {
		return nil, fmt.Errorf("parse next_retry_at: %w", err)
	}
	op.EnqueuedAt, err = parseTime(enqueuedAt)
	if err != nil {
		return nil, fmt.Errorf("parse enqueued_at: %w", err)
	}
	op.UpdatedAt, err = parseTime(updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}

	return &op, nil
}
