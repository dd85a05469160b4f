package model

import "time"

// Change is the local snapshot of a remote review unit. Changes are created by
// the import pipeline, mutated by the sync engine on poll, and never deleted --
// only marked stale or outdated.
type Change struct {
	ID                 int64
	InstanceID         int64
	ChangeKey          string // Remote change identifier, e.g. "myproject~main~I8473b95934...".
	Project            string
	Branch             string
	Subject            string
	Owner              string
	Status             ChangeStatus
	ImportStatus       ImportStatus
	ConflictState      ConflictState
	CurrentPatchSetID  int64 // Zero until the first patch set is imported.
	RemoteCommentCount int
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Closed returns true when the change reached a terminal remote state.
// Once Merged or Abandoned, no further local mutation is accepted.
func (c Change) Closed() bool {
	return c.Status == ChangeStatusMerged || c.Status == ChangeStatusAbandoned
}

// AcceptsMutations returns true when local edits may still be queued
// against this change.
func (c Change) AcceptsMutations() bool {
	return !c.Closed()
}

// ChangeFile records one file of an imported patch set. Files that failed to
// fetch individually are kept with Fetched=false so a retry can resume.
type ChangeFile struct {
	ID            int64
	ChangeID      int64
	PatchSetID    int64
	Path          string
	Status        string // "A" added, "M" modified, "D" deleted, "R" renamed.
	LinesInserted int
	LinesDeleted  int
	Fetched       bool
}
