package driven

import (
	"context"
	"errors"

	"github.com/ericfisherdev/reviewdesk/internal/domain/model"
)

// ErrCommentNotFound indicates the requested comment does not exist.
var ErrCommentNotFound = errors.New("comment not found")

// CommentStore defines the driven port for comment persistence.
// Implementations enforce the remote-identifier invariant: recording a remote
// ID always moves the comment out of LocalOnly in the same write.
type CommentStore interface {
	InsertComment(ctx context.Context, c model.Comment) (model.Comment, error)
	GetComment(ctx context.Context, id int64) (*model.Comment, error)
	GetCommentByRemoteID(ctx context.Context, changeID int64, remoteID string) (*model.Comment, error)
	ListCommentsByChange(ctx context.Context, changeID int64) ([]model.Comment, error)
	ListCommentsByPatchSet(ctx context.Context, patchSetID int64) ([]model.Comment, error)
	ListCommentsByStatus(ctx context.Context, changeID int64, status model.CommentSyncStatus) ([]model.Comment, error)

	// UpdateMessage records a local edit: message plus the resulting sync status.
	UpdateMessage(ctx context.Context, id int64, message string, status model.CommentSyncStatus) error

	// MarkSynced records the server-assigned remote ID and moves the comment
	// to Synced in a single write.
	MarkSynced(ctx context.Context, id int64, remoteID string) error

	SetSyncStatus(ctx context.Context, id int64, status model.CommentSyncStatus) error

	// ClearRemote severs a comment from a server counterpart that no longer
	// exists: the remote ID is cleared and the comment returns to LocalOnly in
	// a single write.
	ClearRemote(ctx context.Context, id int64) error

	// MarkConflicted places the comment in ConflictDetected, retaining the
	// remote version alongside the local one so both stay retrievable.
	MarkConflicted(ctx context.Context, id int64, class model.ConflictClass, remoteMessage string) error

	// Reanchor moves a draft comment to a new patch set and line. Used only
	// for auto-resolved pure line-number shifts; synced comments are never
	// reassigned.
	Reanchor(ctx context.Context, id int64, patchSetID int64, line int) error

	// DeleteComment removes a comment. Valid only while LocalOnly or after a
	// confirmed no-op resolution; callers enforce the lifecycle rule.
	DeleteComment(ctx context.Context, id int64) error
}
