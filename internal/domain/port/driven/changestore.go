package driven

import (
	"context"
	"errors"

	"github.com/ericfisherdev/reviewdesk/internal/domain/model"
)

// Sentinel errors returned by ChangeStore implementations.
var (
	ErrChangeNotFound   = errors.New("change not found")
	ErrPatchSetNotFound = errors.New("patch set not found")
	ErrFileNotFound     = errors.New("file content not found")
)

// ChangeStore defines the driven port for change and patch-set persistence.
// Writes that touch more than one entity are transactional: a crash mid-update
// must never leave a change pointing at a patch set that does not exist.
type ChangeStore interface {
	UpsertChange(ctx context.Context, c model.Change) (model.Change, error)
	GetChange(ctx context.Context, id int64) (*model.Change, error)
	GetChangeByKey(ctx context.Context, instanceID int64, changeKey string) (*model.Change, error)
	ListChangesByInstance(ctx context.Context, instanceID int64) ([]model.Change, error)

	SetImportStatus(ctx context.Context, changeID int64, status model.ImportStatus) error
	SetConflictState(ctx context.Context, changeID int64, state model.ConflictState) error

	// SetChangeStatus applies a remote status transition. Implementations
	// reject transitions out of a terminal status (Merged/Abandoned).
	SetChangeStatus(ctx context.Context, changeID int64, status model.ChangeStatus) error

	InsertPatchSet(ctx context.Context, ps model.PatchSet) (model.PatchSet, error)
	GetPatchSet(ctx context.Context, id int64) (*model.PatchSet, error)
	GetPatchSetByRevision(ctx context.Context, changeID int64, revision string) (*model.PatchSet, error)
	ListPatchSets(ctx context.Context, changeID int64) ([]model.PatchSet, error)

	// AdvanceCurrentPatchSet atomically inserts the new patch set, moves the
	// change's current pointer to it, marks the change Outdated and flips its
	// conflict state to PatchSetUpdated. Comments anchored to older patch
	// sets are left untouched.
	AdvanceCurrentPatchSet(ctx context.Context, changeID int64, ps model.PatchSet) (model.PatchSet, error)

	// ReplaceFiles atomically replaces the file listing for a patch set.
	ReplaceFiles(ctx context.Context, changeID, patchSetID int64, files []model.ChangeFile) error
	ListFiles(ctx context.Context, patchSetID int64) ([]model.ChangeFile, error)
	MarkFileFetched(ctx context.Context, fileID int64) error

	// SaveFileContent stores the fetched lines of one file and marks it
	// fetched in the same write.
	SaveFileContent(ctx context.Context, fileID int64, lines []string) error

	// GetFileLines returns the stored content of one file at one patch set.
	// Returns ErrFileNotFound when the file is not in the listing or its
	// content was never fetched.
	GetFileLines(ctx context.Context, patchSetID int64, path string) ([]string, error)
}
