package model

// ConnectionStatus represents the last known state of the link to a Gerrit instance.
type ConnectionStatus string

const (
	ConnectionDisconnected ConnectionStatus = "disconnected"
	ConnectionConnected    ConnectionStatus = "connected"
	ConnectionAuthFailed   ConnectionStatus = "auth_failed"
	ConnectionIncompatible ConnectionStatus = "version_incompatible"
	ConnectionNetworkError ConnectionStatus = "network_error"
)

// ChangeStatus represents the remote lifecycle state of a change.
// Merged and Abandoned are terminal: no further local mutation is accepted.
type ChangeStatus string

const (
	ChangeStatusNew       ChangeStatus = "new"
	ChangeStatusDraft     ChangeStatus = "draft"
	ChangeStatusMerged    ChangeStatus = "merged"
	ChangeStatusAbandoned ChangeStatus = "abandoned"
)

// ImportStatus tracks how much of a change's snapshot has been fetched locally.
type ImportStatus string

const (
	ImportStatusPending   ImportStatus = "pending"
	ImportStatusImporting ImportStatus = "importing"
	ImportStatusImported  ImportStatus = "imported"
	ImportStatusFailed    ImportStatus = "failed"
	ImportStatusOutdated  ImportStatus = "outdated"
)

// ConflictState summarizes divergence between the local snapshot and the remote change.
type ConflictState string

const (
	ConflictNone            ConflictState = "none"
	ConflictCommentsPending ConflictState = "comments_pending"
	ConflictPatchSetUpdated ConflictState = "patchset_updated"
	ConflictManualRequired  ConflictState = "manual_resolution_required"
)

// CommentSyncStatus is the lifecycle of a local comment relative to the server.
type CommentSyncStatus string

const (
	CommentLocalOnly        CommentSyncStatus = "local_only"
	CommentSyncPending      CommentSyncStatus = "sync_pending"
	CommentSynced           CommentSyncStatus = "synced"
	CommentSyncFailed       CommentSyncStatus = "sync_failed"
	CommentConflictDetected CommentSyncStatus = "conflict_detected"
	CommentModifiedLocally  CommentSyncStatus = "modified_locally"
)

// CommentSide distinguishes comments on the parent (base) from the revision side.
type CommentSide string

const (
	SideParent   CommentSide = "parent"
	SideRevision CommentSide = "revision"
)

// ReviewSyncStatus is the lifecycle of a review bundle relative to the server.
type ReviewSyncStatus string

const (
	ReviewDraft              ReviewSyncStatus = "draft"
	ReviewPendingSubmission  ReviewSyncStatus = "pending_submission"
	ReviewSubmitted          ReviewSyncStatus = "submitted"
	ReviewSubmissionFailed   ReviewSyncStatus = "submission_failed"
	ReviewPartiallySubmitted ReviewSyncStatus = "partially_submitted"
)

// OperationType identifies the kind of queued remote mutation.
type OperationType string

const (
	OpAddComment    OperationType = "add_comment"
	OpUpdateComment OperationType = "update_comment"
	OpDeleteComment OperationType = "delete_comment"
	OpSubmitReview  OperationType = "submit_review"
	OpUpdateLabels  OperationType = "update_labels"
	OpPushPatchSet  OperationType = "push_patch_set"
)

// OperationStatus is the dispatch lifecycle of a queued operation.
type OperationStatus string

const (
	OpQueued     OperationStatus = "queued"
	OpProcessing OperationStatus = "processing"
	OpCompleted  OperationStatus = "completed"
	OpFailed     OperationStatus = "failed"
	OpCancelled  OperationStatus = "cancelled"
	OpWaiting    OperationStatus = "waiting_for_dependency"
)

// ConflictClass categorizes a detected divergence on a single comment.
type ConflictClass string

const (
	ConflictClassConcurrentEdit ConflictClass = "concurrent_edit"
	ConflictClassLineModified   ConflictClass = "line_modified"
	ConflictClassCommentDeleted ConflictClass = "comment_deleted"
)

// ResolutionChoice is the user's decision for a conflicted comment.
type ResolutionChoice string

const (
	ResolveKeepLocal   ResolutionChoice = "keep_local"
	ResolveKeepRemote  ResolutionChoice = "keep_remote"
	ResolveManualMerge ResolutionChoice = "manual_merge"
)

// ImportStage identifies the phase of a change import reported via progress callbacks.
type ImportStage string

const (
	StageFetchingChange   ImportStage = "fetching_change"
	StageFetchingFiles    ImportStage = "fetching_files"
	StageFetchingComments ImportStage = "fetching_comments"
	StageProcessingDiffs  ImportStage = "processing_diffs"
	StageComplete         ImportStage = "complete"
)
