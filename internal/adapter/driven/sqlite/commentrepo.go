package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ericfisherdev/reviewdesk/internal/domain/model"
	"github.com/ericfisherdev/reviewdesk/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.CommentStore = (*CommentRepo)(nil)

// CommentRepo is the SQLite implementation of the CommentStore port interface.
type CommentRepo struct {
	db *DB
}

// NewCommentRepo creates a new CommentRepo backed by the given DB.
func NewCommentRepo(db *DB) *CommentRepo {
	return &CommentRepo{db: db}
}

const commentColumns = `id, remote_id, change_id, patch_set_id, path, side, line, range_start,
	message, author, sync_status, conflict_class, remote_message,
	remote_updated_at, local_updated_at, created_at`

// InsertComment persists a comment and returns it with its assigned ID.
func (r *CommentRepo) InsertComment(ctx context.Context, c model.Comment) (model.Comment, error) {
	const query = `
		INSERT INTO comments (
			remote_id, change_id, patch_set_id, path, side, line, range_start,
			message, author, sync_status, conflict_class, remote_message, remote_updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	var remoteUpdated any
	if !c.RemoteUpdated.IsZero() {
		remoteUpdated = bindTime(c.RemoteUpdated)
	}

	res, err := r.db.Writer.ExecContext(ctx, query,
		c.RemoteID, c.ChangeID, c.PatchSetID, c.Path, string(c.Side), c.Line, c.RangeStart,
		c.Message, c.Author, string(c.SyncStatus), string(c.ConflictClass), c.RemoteMessage,
		remoteUpdated,
	)
	if err != nil {
		return model.Comment{}, fmt.Errorf("insert comment on %q: %w", c.Path, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return model.Comment{}, fmt.Errorf("comment insert id: %w", err)
	}

	stored, err := r.GetComment(ctx, id)
	if err != nil {
		return model.Comment{}, err
	}
	return *stored, nil
}

// GetComment retrieves a single comment by local ID.
func (r *CommentRepo) GetComment(ctx context.Context, id int64) (*model.Comment, error) {
	query := `SELECT ` + commentColumns + ` FROM comments WHERE id = ?`

	c, err := scanComment(r.db.Reader.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, driven.ErrCommentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get comment %d: %w", id, err)
	}
	return c, nil
}

// GetCommentByRemoteID retrieves a comment by its server-assigned identifier.
// Returns nil, nil when no local comment carries that remote ID.
func (r *CommentRepo) GetCommentByRemoteID(ctx context.Context, changeID int64, remoteID string) (*model.Comment, error) {
	query := `SELECT ` + commentColumns + ` FROM comments WHERE change_id = ? AND remote_id = ?`

	c, err := scanComment(r.db.Reader.QueryRowContext(ctx, query, changeID, remoteID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get comment by remote id %q: %w", remoteID, err)
	}
	return c, nil
}

// ListCommentsByChange returns all comments on a change ordered by path and line.
func (r *CommentRepo) ListCommentsByChange(ctx context.Context, changeID int64) ([]model.Comment, error) {
	query := `SELECT ` + commentColumns + ` FROM comments WHERE change_id = ? ORDER BY path, line, id`
	return r.list(ctx, query, changeID)
}

// ListCommentsByPatchSet returns all comments anchored to one patch set.
func (r *CommentRepo) ListCommentsByPatchSet(ctx context.Context, patchSetID int64) ([]model.Comment, error) {
	query := `SELECT ` + commentColumns + ` FROM comments WHERE patch_set_id = ? ORDER BY path, line, id`
	return r.list(ctx, query, patchSetID)
}

// ListCommentsByStatus returns the comments on a change in one sync state.
func (r *CommentRepo) ListCommentsByStatus(ctx context.Context, changeID int64, status model.CommentSyncStatus) ([]model.Comment, error) {
	query := `SELECT ` + commentColumns + ` FROM comments WHERE change_id = ? AND sync_status = ? ORDER BY id`
	return r.list(ctx, query, changeID, string(status))
}

func (r *CommentRepo) list(ctx context.Context, query string, args ...any) ([]model.Comment, error) {
	rows, err := r.db.Reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query comments: %w", err)
	}
	defer rows.Close()

	var comments []model.Comment
	for rows.Next() {
		c, err := scanComment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		comments = append(comments, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return comments, nil
}

// UpdateMessage records a local edit together with the resulting sync status.
func (r *CommentRepo) UpdateMessage(ctx context.Context, id int64, message string, status model.CommentSyncStatus) error {
	const query = `
		UPDATE comments
		SET message = ?, sync_status = ?, local_updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`

	res, err := r.db.Writer.ExecContext(ctx, query, message, string(status), id)
	if err != nil {
		return fmt.Errorf("update comment %d message: %w", id, err)
	}
	return requireRow(res, driven.ErrCommentNotFound)
}

// MarkSynced records the server-assigned remote ID and the Synced status in a
// single write, so no observable state ever pairs a remote ID with LocalOnly.
func (r *CommentRepo) MarkSynced(ctx context.Context, id int64, remoteID string) error {
	const query = `
		UPDATE comments
		SET remote_id = ?, sync_status = ?, conflict_class = '', remote_message = '',
		    remote_updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`

	res, err := r.db.Writer.ExecContext(ctx, query, remoteID, string(model.CommentSynced), id)
	if err != nil {
		return fmt.Errorf("mark comment %d synced: %w", id, err)
	}
	return requireRow(res, driven.ErrCommentNotFound)
}

// SetSyncStatus updates only the sync lifecycle field.
func (r *CommentRepo) SetSyncStatus(ctx context.Context, id int64, status model.CommentSyncStatus) error {
	res, err := r.db.Writer.ExecContext(ctx,
		`UPDATE comments SET sync_status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("set comment %d sync status: %w", id, err)
	}
	return requireRow(res, driven.ErrCommentNotFound)
}

// MarkConflicted places the comment in ConflictDetected while keeping the
// remote version alongside the local message.
func (r *CommentRepo) MarkConflicted(ctx context.Context, id int64, class model.ConflictClass, remoteMessage string) error {
	const query = `
		UPDATE comments
		SET sync_status = ?, conflict_class = ?, remote_message = ?,
		    remote_updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`

	res, err := r.db.Writer.ExecContext(ctx, query,
		string(model.CommentConflictDetected), string(class), remoteMessage, id)
	if err != nil {
		return fmt.Errorf("mark comment %d conflicted: %w", id, err)
	}
	return requireRow(res, driven.ErrCommentNotFound)
}

// ClearRemote severs a comment from its deleted server counterpart: the remote
// ID, conflict class, and remote message are cleared and the comment returns to
// LocalOnly in a single write, so no observable state pairs a remote ID with
// LocalOnly.
func (r *CommentRepo) ClearRemote(ctx context.Context, id int64) error {
	const query = `
		UPDATE comments
		SET remote_id = NULL, sync_status = ?, conflict_class = '', remote_message = '',
		    local_updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`

	res, err := r.db.Writer.ExecContext(ctx, query, string(model.CommentLocalOnly), id)
	if err != nil {
		return fmt.Errorf("clear comment %d remote id: %w", id, err)
	}
	return requireRow(res, driven.ErrCommentNotFound)
}

// Reanchor moves a draft comment to a new patch set and line.
func (r *CommentRepo) Reanchor(ctx context.Context, id int64, patchSetID int64, line int) error {
	const query = `
		UPDATE comments
		SET patch_set_id = ?, line = ?, local_updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`

	res, err := r.db.Writer.ExecContext(ctx, query, patchSetID, line, id)
	if err != nil {
		return fmt.Errorf("reanchor comment %d: %w", id, err)
	}
	return requireRow(res, driven.ErrCommentNotFound)
}

// DeleteComment removes a comment row.
func (r *CommentRepo) DeleteComment(ctx context.Context, id int64) error {
	res, err := r.db.Writer.ExecContext(ctx, `DELETE FROM comments WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete comment %d: %w", id, err)
	}
	return requireRow(res, driven.ErrCommentNotFound)
}

func scanComment(s scanner) (*model.Comment, error) {
	var c model.Comment
	var remoteID sql.NullString
	var side, syncStatus, conflictClass string
	var remoteUpdated sql.NullString
	var localUpdated, createdAt string

	err := s.Scan(
		&c.ID, &remoteID, &c.ChangeID, &c.PatchSetID, &c.Path, &side, &c.Line, &c.RangeStart,
		&c.Message, &c.Author, &syncStatus, &conflictClass, &c.RemoteMessage,
		&remoteUpdated, &localUpdated, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	if remoteID.Valid {
		c.RemoteID = &remoteID.String
	}
	c.Side = model.CommentSide(side)
	c.SyncStatus = model.CommentSyncStatus(syncStatus)
	c.ConflictClass = model.ConflictClass(conflictClass)

	if remoteUpdated.Valid {
		c.RemoteUpdated, err = parseTime(remoteUpdated.String)
		if err != nil {
			return nil, fmt.Errorf("parse remote_updated_at: %w", err)
		}
	}
	c.LocalUpdated, err = parseTime(localUpdated)
	if err != nil {
		return nil, fmt.Errorf("parse local_updated_at: %w", err)
	}
	c.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}

	return &c, nil
}
