package model

import "time"

// Review is a bundle of labels, a cover message, and a set of comment
// references submitted together against one patch set. Submission is
// all-or-nothing at the protocol level, but the server may accept labels while
// rejecting individual comments; that outcome is surfaced as
// ReviewPartiallySubmitted and never silently collapsed into Submitted.
type Review struct {
	ID         int64
	ChangeID   int64
	PatchSetID int64
	Labels     map[string]int // Label name -> score, e.g. "Code-Review" -> +2.
	Message    string
	IsDraft    bool
	SyncStatus ReviewSyncStatus
	CommentIDs []int64 // Local comment IDs; all must belong to ChangeID.
	Token      string  // Client-generated idempotency token attached to the submission.
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
