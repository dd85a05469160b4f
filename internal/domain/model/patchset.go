package model

import "time"

// PatchSet is an immutable revision of a change's content. Once created it is
// never mutated; a change's current-patch-set pointer may advance to a newer
// one, but comments anchored to older patch sets stay where they are.
type PatchSet struct {
	ID        int64
	ChangeID  int64
	Number    int    // Monotonically increasing within the change.
	Revision  string // Commit hash of the patch set.
	CreatedAt time.Time
}
