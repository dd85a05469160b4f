package model

import "time"

// Comment is a local or remote annotation on a line of a patch set.
//
// A comment with a non-nil RemoteID is never LocalOnly: the remote identifier
// is only recorded once the server has accepted the comment.
type Comment struct {
	ID            int64
	RemoteID      *string // Nil until the server has accepted the comment.
	ChangeID      int64
	PatchSetID    int64
	Path          string
	Side          CommentSide
	Line          int // 1-based; 0 means a file-level comment.
	RangeStart    int // First line of a multi-line range; 0 for single-line.
	Message       string
	Author        string
	SyncStatus    CommentSyncStatus
	ConflictClass ConflictClass // Empty unless SyncStatus is ConflictDetected.
	RemoteMessage string        // Remote version held while a conflict awaits resolution.
	RemoteUpdated time.Time     // Server-side updated timestamp at last sync.
	LocalUpdated  time.Time
	CreatedAt     time.Time
}

// HasRemote returns true once the server has assigned this comment an identifier.
func (c Comment) HasRemote() bool {
	return c.RemoteID != nil && *c.RemoteID != ""
}

// Conflicted returns true while the comment awaits an explicit resolution choice.
func (c Comment) Conflicted() bool {
	return c.SyncStatus == CommentConflictDetected
}
