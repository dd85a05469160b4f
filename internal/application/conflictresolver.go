package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ericfisherdev/reviewdesk/internal/domain/model"
	"github.com/ericfisherdev/reviewdesk/internal/domain/port/driven"
)

// ConflictResolver detects divergence between local comment state and the
// server, and applies user resolution choices. Both divergence paths -- remote
// comments changing under a local edit, and a new patch set invalidating draft
// anchors -- feed the same resolution flow.
type ConflictResolver struct {
	changes  driven.ChangeStore
	comments driven.CommentStore
	queue    *OperationQueue
	events   driven.EventSink
}

// NewConflictResolver creates a ConflictResolver with all required dependencies.
func NewConflictResolver(
	changes driven.ChangeStore,
	comments driven.CommentStore,
	queue *OperationQueue,
	events driven.EventSink,
) *ConflictResolver {
	return &ConflictResolver{
		changes:  changes,
		comments: comments,
		queue:    queue,
		events:   events,
	}
}

// DetectCommentConflicts compares local comment state against the server's
// published comments and marks divergent comments ConflictDetected. Returns
// the number of new conflicts found.
func (r *ConflictResolver) DetectCommentConflicts(ctx context.Context, change model.Change, remote []driven.RemoteComment) (int, error) {
	byRemoteID := make(map[string]driven.RemoteComment, len(remote))
	for _, rc := range remote {
		byRemoteID[rc.RemoteID] = rc
	}

	local, err := r.comments.ListCommentsByChange(ctx, change.ID)
	if err != nil {
		return 0, err
	}

	var detected int
	for _, c := range local {
		if !c.HasRemote() || c.Conflicted() {
			continue
		}

		rc, exists := byRemoteID[*c.RemoteID]
		switch {
		case !exists:
			// The server no longer has the comment but we hold local state
			// for it. A local edit makes that a conflict worth raising; an
			// unmodified copy follows the deletion, announced so the user
			// sees comments disappear for a reason.
			if c.SyncStatus == model.CommentModifiedLocally {
				if err := r.markConflict(ctx, change, c, model.ConflictClassCommentDeleted, ""); err != nil {
					return detected, err
				}
				detected++
			} else if c.SyncStatus == model.CommentSynced {
				if err := r.comments.DeleteComment(ctx, c.ID); err != nil {
					return detected, err
				}
				r.events.Publish(model.Event{
					Kind:      model.EventCommentRemoved,
					ChangeID:  change.ID,
					CommentID: c.ID,
					Detail:    c.Path,
					At:        time.Now().UTC(),
				})
			}

		case c.SyncStatus == model.CommentModifiedLocally && rc.Message != c.Message && rc.Updated.After(c.RemoteUpdated):
			// Edited on both sides since the last sync.
			if err := r.markConflict(ctx, change, c, model.ConflictClassConcurrentEdit, rc.Message); err != nil {
				return detected, err
			}
			detected++

		case c.SyncStatus == model.CommentSynced && rc.Message != c.Message:
			// Remote-only edit: adopt the server's version silently.
			if err := r.comments.UpdateMessage(ctx, c.ID, rc.Message, model.CommentSynced); err != nil {
				return detected, err
			}
		}
	}

	if detected > 0 {
		if err := r.changes.SetConflictState(ctx, change.ID, model.ConflictManualRequired); err != nil {
			return detected, err
		}
	}
	return detected, nil
}

// ReanchorDrafts moves LocalOnly drafts from a superseded patch set onto the
// new one. A draft whose line survived as a pure position shift is re-anchored
// automatically; a draft whose line content changed becomes a conflict. Both
// revisions are read from the stored snapshot, so re-anchoring works offline;
// a file with no stored content on either side escalates to manual.
func (r *ConflictResolver) ReanchorDrafts(ctx context.Context, change model.Change, oldPS, newPS model.PatchSet) error {
	drafts, err := r.comments.ListCommentsByPatchSet(ctx, oldPS.ID)
	if err != nil {
		return err
	}

	lineCache := make(map[string][2][]string)
	for _, c := range drafts {
		if c.SyncStatus != model.CommentLocalOnly || c.Line == 0 {
			continue
		}

		lines, ok := lineCache[c.Path]
		if !ok {
			oldLines, err := r.changes.GetFileLines(ctx, oldPS.ID, c.Path)
			if err != nil && !errors.Is(err, driven.ErrFileNotFound) {
				return fmt.Errorf("read %s at patch set %d: %w", c.Path, oldPS.Number, err)
			}
			newLines, err := r.changes.GetFileLines(ctx, newPS.ID, c.Path)
			if err != nil && !errors.Is(err, driven.ErrFileNotFound) {
				return fmt.Errorf("read %s at patch set %d: %w", c.Path, newPS.Number, err)
			}
			lines = [2][]string{oldLines, newLines}
			lineCache[c.Path] = lines
		}

		newLine, ok := detectLineShift(lines[0], lines[1], c.Line)
		if ok {
			if err := r.comments.Reanchor(ctx, c.ID, newPS.ID, newLine); err != nil {
				return err
			}
			slog.Debug("draft re-anchored", "comment", c.ID, "path", c.Path, "line", c.Line, "new_line", newLine)
			continue
		}

		if err := r.markConflict(ctx, change, c, model.ConflictClassLineModified, ""); err != nil {
			return err
		}
	}
	return nil
}

// Resolve applies the user's choice for one conflicted comment. A duplicate
// resolution of the same conflict is a no-op: only a comment still in
// ConflictDetected is acted on. merged supplies the text for ManualMerge and
// is ignored for the other choices.
func (r *ConflictResolver) Resolve(ctx context.Context, commentID int64, choice model.ResolutionChoice, merged string) error {
	c, err := r.comments.GetComment(ctx, commentID)
	if err != nil {
		return err
	}
	if !c.Conflicted() {
		slog.Debug("resolution ignored, comment not conflicted", "comment", commentID)
		return nil
	}

	switch choice {
	case model.ResolveKeepLocal:
		err = r.applyLocalWins(ctx, *c, c.Message)
	case model.ResolveKeepRemote:
		err = r.applyRemoteWins(ctx, *c)
	case model.ResolveManualMerge:
		if merged == "" {
			return &ValidationError{Field: "merged", Msg: "manual merge requires the merged text"}
		}
		err = r.applyLocalWins(ctx, *c, merged)
	default:
		return &ValidationError{Field: "choice", Msg: fmt.Sprintf("unknown resolution %q", choice)}
	}
	if err != nil {
		return err
	}

	r.events.Publish(model.Event{
		Kind:      model.EventConflictResolved,
		ChangeID:  c.ChangeID,
		CommentID: c.ID,
		Detail:    string(choice),
		At:        time.Now().UTC(),
	})

	return r.settleChange(ctx, c.ChangeID)
}

// applyLocalWins keeps the chosen local text and schedules it for upload.
// A comment the server deleted is recreated rather than updated: the stale
// remote ID is cleared first, so the re-upload is not mistaken for an
// already-synced comment.
func (r *ConflictResolver) applyLocalWins(ctx context.Context, c model.Comment, text string) error {
	status := model.CommentSyncPending
	payload := model.OperationPayload(model.UpdateCommentPayload{CommentID: c.ID})

	if c.ConflictClass == model.ConflictClassCommentDeleted || !c.HasRemote() {
		if c.HasRemote() {
			if err := r.comments.ClearRemote(ctx, c.ID); err != nil {
				return err
			}
		}
		status = model.CommentLocalOnly
		payload = model.AddCommentPayload{CommentID: c.ID}
	}

	if err := r.comments.UpdateMessage(ctx, c.ID, text, status); err != nil {
		return err
	}
	_, err := r.queue.Enqueue(ctx, c.ChangeID, payload, 0)
	return err
}

// applyRemoteWins adopts the server's version and discards the local edit.
// When the server deleted the comment, the local copy goes with it.
func (r *ConflictResolver) applyRemoteWins(ctx context.Context, c model.Comment) error {
	if c.ConflictClass == model.ConflictClassCommentDeleted {
		return r.comments.DeleteComment(ctx, c.ID)
	}
	if err := r.comments.UpdateMessage(ctx, c.ID, c.RemoteMessage, model.CommentSynced); err != nil {
		return err
	}
	// MarkSynced clears the retained remote version and conflict class.
	return r.comments.MarkSynced(ctx, c.ID, *c.RemoteID)
}

// settleChange clears the change-level conflict flag and releases parked
// operations once no conflicted comments remain.
func (r *ConflictResolver) settleChange(ctx context.Context, changeID int64) error {
	remaining, err := r.comments.ListCommentsByStatus(ctx, changeID, model.CommentConflictDetected)
	if err != nil {
		return err
	}
	if len(remaining) > 0 {
		return nil
	}

	if err := r.changes.SetConflictState(ctx, changeID, model.ConflictNone); err != nil {
		return err
	}
	_, err = r.queue.Release(ctx, changeID)
	return err
}

// OnPushRejection records a rejected patch-set push as a change-level conflict
// requiring manual intervention.
func (r *ConflictResolver) OnPushRejection(ctx context.Context, changeID int64, detail string) error {
	if err := r.changes.SetConflictState(ctx, changeID, model.ConflictManualRequired); err != nil {
		return err
	}
	r.events.Publish(model.Event{
		Kind:     model.EventConflictDetected,
		ChangeID: changeID,
		Detail:   detail,
		At:       time.Now().UTC(),
	})
	return nil
}

func (r *ConflictResolver) markConflict(ctx context.Context, change model.Change, c model.Comment, class model.ConflictClass, remoteMessage string) error {
	if err := r.comments.MarkConflicted(ctx, c.ID, class, remoteMessage); err != nil {
		return err
	}
	r.events.Publish(model.Event{
		Kind:      model.EventConflictDetected,
		ChangeID:  change.ID,
		CommentID: c.ID,
		Detail:    string(class),
		At:        time.Now().UTC(),
	})
	slog.Info("comment conflict detected", "comment", c.ID, "change", change.ID, "class", string(class))
	return nil
}

// detectLineShift reports where the content of oldLines[line-1] ended up in
// newLines. Only an unambiguous pure position shift counts: the line text must
// appear exactly once in the new file. Returns (0, false) when the line was
// edited, removed, or duplicated.
func detectLineShift(oldLines, newLines []string, line int) (int, bool) {
	if line < 1 || line > len(oldLines) {
		return 0, false
	}
	content := oldLines[line-1]

	found := 0
	newLine := 0
	for i, l := range newLines {
		if l == content {
			found++
			newLine = i + 1
		}
	}
	if found != 1 {
		return 0, false
	}
	return newLine, true
}
