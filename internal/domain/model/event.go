package model

import "time"

// EventKind identifies a status-change notification emitted by the core.
type EventKind string

const (
	EventImportProgress     EventKind = "import_progress"
	EventImportCompleted    EventKind = "import_completed"
	EventImportFailed       EventKind = "import_failed"
	EventChangeOutdated     EventKind = "change_outdated"
	EventCommentSynced      EventKind = "comment_synced"
	EventCommentSyncFailed  EventKind = "comment_sync_failed"
	EventCommentRemoved     EventKind = "comment_removed"
	EventReviewSubmitted    EventKind = "review_submitted"
	EventReviewPartial      EventKind = "review_partially_submitted"
	EventConflictDetected   EventKind = "conflict_detected"
	EventConflictResolved   EventKind = "conflict_resolved"
	EventOperationEnqueued  EventKind = "operation_enqueued"
	EventOperationFailed    EventKind = "operation_failed"
	EventOperationTerminal  EventKind = "operation_terminal"
	EventInstanceStatus     EventKind = "instance_status"
	EventPollCycleCompleted EventKind = "poll_cycle_completed"
)

// Event is a status-change notification for the presentation layer. The core
// emits these through the EventSink port; it renders nothing itself.
type Event struct {
	Kind        EventKind
	InstanceID  int64
	ChangeID    int64
	CommentID   int64
	OperationID string
	Stage       ImportStage // Set for import progress events.
	Done        int
	Total       int
	Detail      string
	At          time.Time
}
