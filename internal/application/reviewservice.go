package application

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/ericfisherdev/reviewdesk/internal/domain/model"
	"github.com/ericfisherdev/reviewdesk/internal/domain/port/driven"
)

// ReviewService is the local-mutation surface: drafting comments, assembling
// review bundles, and handing both to the operation queue. Nothing here talks
// to the server; dispatch is the sync engine's job.
type ReviewService struct {
	changes  driven.ChangeStore
	comments driven.CommentStore
	reviews  driven.ReviewStore
	queue    *OperationQueue
}

// NewReviewService creates a ReviewService with all required dependencies.
func NewReviewService(
	changes driven.ChangeStore,
	comments driven.CommentStore,
	reviews driven.ReviewStore,
	queue *OperationQueue,
) *ReviewService {
	return &ReviewService{
		changes:  changes,
		comments: comments,
		reviews:  reviews,
		queue:    queue,
	}
}

// DraftCommentInput is a locally-authored comment before it exists anywhere.
type DraftCommentInput struct {
	ChangeID   int64
	PatchSetID int64
	Path       string
	Side       model.CommentSide
	Line       int
	RangeStart int
	Message    string
	Author     string
}

// AddComment stores a LocalOnly draft and queues its upload.
func (s *ReviewService) AddComment(ctx context.Context, in DraftCommentInput) (model.Comment, error) {
	if in.Message == "" {
		return model.Comment{}, &ValidationError{Field: "message", Msg: "must not be empty"}
	}

	change, err := s.changes.GetChange(ctx, in.ChangeID)
	if err != nil {
		return model.Comment{}, err
	}
	if !change.AcceptsMutations() {
		return model.Comment{}, &ValidationError{
			Field: "change",
			Msg:   fmt.Sprintf("change %d is %s and accepts no further mutations", change.ID, change.Status),
		}
	}

	side := in.Side
	if side == "" {
		side = model.SideRevision
	}

	comment, err := s.comments.InsertComment(ctx, model.Comment{
		ChangeID:   in.ChangeID,
		PatchSetID: in.PatchSetID,
		Path:       in.Path,
		Side:       side,
		Line:       in.Line,
		RangeStart: in.RangeStart,
		Message:    in.Message,
		Author:     in.Author,
		SyncStatus: model.CommentLocalOnly,
	})
	if err != nil {
		return model.Comment{}, err
	}

	if _, err := s.queue.Enqueue(ctx, in.ChangeID, model.AddCommentPayload{CommentID: comment.ID}, 0); err != nil {
		return model.Comment{}, err
	}
	return comment, nil
}

// EditComment replaces the message of an existing comment. Editing a synced
// comment moves it to ModifiedLocally and queues the update; editing a
// still-local draft just rewrites it (the pending upload carries the new text).
func (s *ReviewService) EditComment(ctx context.Context, commentID int64, message string) error {
	if message == "" {
		return &ValidationError{Field: "message", Msg: "must not be empty"}
	}

	c, err := s.comments.GetComment(ctx, commentID)
	if err != nil {
		return err
	}
	if c.Conflicted() {
		return &ValidationError{Field: "comment", Msg: "comment has an unresolved conflict"}
	}

	if !c.HasRemote() {
		return s.comments.UpdateMessage(ctx, commentID, message, c.SyncStatus)
	}

	if err := s.comments.UpdateMessage(ctx, commentID, message, model.CommentModifiedLocally); err != nil {
		return err
	}
	_, err = s.queue.Enqueue(ctx, c.ChangeID, model.UpdateCommentPayload{CommentID: commentID}, 0)
	return err
}

// DeleteComment withdraws a draft. A comment the server already holds is
// deleted remotely first via a queued operation; a purely local draft is
// removed at once.
func (s *ReviewService) DeleteComment(ctx context.Context, commentID int64) error {
	c, err := s.comments.GetComment(ctx, commentID)
	if err != nil {
		return err
	}

	if !c.HasRemote() {
		return s.comments.DeleteComment(ctx, commentID)
	}

	_, err = s.queue.Enqueue(ctx, c.ChangeID, model.DeleteCommentPayload{
		CommentID: commentID,
		RemoteID:  *c.RemoteID,
	}, 0)
	return err
}

// ReviewInput assembles one review bundle.
type ReviewInput struct {
	ChangeID   int64
	PatchSetID int64
	Labels     map[string]int
	Message    string
	CommentIDs []int64
}

// DraftReview persists a review bundle in the Draft state. Every referenced
// comment must belong to the same change.
func (s *ReviewService) DraftReview(ctx context.Context, in ReviewInput) (model.Review, error) {
	for _, id := range in.CommentIDs {
		c, err := s.comments.GetComment(ctx, id)
		if err != nil {
			return model.Review{}, err
		}
		if c.ChangeID != in.ChangeID {
			return model.Review{}, &ValidationError{
				Field: "comment_ids",
				Msg:   fmt.Sprintf("comment %d belongs to change %d, not %d", id, c.ChangeID, in.ChangeID),
			}
		}
	}

	return s.reviews.CreateReview(ctx, model.Review{
		ChangeID:   in.ChangeID,
		PatchSetID: in.PatchSetID,
		Labels:     in.Labels,
		Message:    in.Message,
		IsDraft:    true,
		SyncStatus: model.ReviewDraft,
		CommentIDs: in.CommentIDs,
		Token:      uuid.NewString(),
	})
}

// SubmitReview moves a draft review to PendingSubmission and queues the
// submission. Submission priority is elevated so a review does not sit behind
// a backlog of individual comment uploads for other changes.
func (s *ReviewService) SubmitReview(ctx context.Context, reviewID int64) (model.QueuedOperation, error) {
	review, err := s.reviews.GetReview(ctx, reviewID)
	if err != nil {
		return model.QueuedOperation{}, err
	}
	if review.SyncStatus != model.ReviewDraft && review.SyncStatus != model.ReviewSubmissionFailed {
		return model.QueuedOperation{}, &ValidationError{
			Field: "review",
			Msg:   fmt.Sprintf("review %d is %s, not submittable", reviewID, review.SyncStatus),
		}
	}

	if err := s.reviews.SetReviewStatus(ctx, reviewID, model.ReviewPendingSubmission); err != nil {
		return model.QueuedOperation{}, err
	}

	op, err := s.queue.Enqueue(ctx, review.ChangeID, model.SubmitReviewPayload{ReviewID: reviewID}, 10)
	if err != nil {
		return model.QueuedOperation{}, err
	}

	slog.Info("review submission queued", "review", reviewID, "change", review.ChangeID, "operation", op.ID)
	return op, nil
}

// UpdateLabels queues a label-only vote, optionally with a cover message,
// without assembling a review bundle. Queued at the same elevated priority as
// a review submission.
func (s *ReviewService) UpdateLabels(ctx context.Context, changeID int64, labels map[string]int, message string) (model.QueuedOperation, error) {
	if len(labels) == 0 {
		return model.QueuedOperation{}, &ValidationError{Field: "labels", Msg: "must not be empty"}
	}

	change, err := s.changes.GetChange(ctx, changeID)
	if err != nil {
		return model.QueuedOperation{}, err
	}
	if !change.AcceptsMutations() {
		return model.QueuedOperation{}, &ValidationError{
			Field: "change",
			Msg:   fmt.Sprintf("change %d is %s and accepts no further mutations", change.ID, change.Status),
		}
	}

	op, err := s.queue.Enqueue(ctx, changeID, model.UpdateLabelsPayload{
		Labels:  labels,
		Message: message,
	}, 10)
	if err != nil {
		return model.QueuedOperation{}, err
	}

	slog.Info("label update queued", "change", changeID, "operation", op.ID)
	return op, nil
}

// PushPatchSet queues an upload of a local commit as a new patch set.
func (s *ReviewService) PushPatchSet(ctx context.Context, changeID int64, workTree string) (model.QueuedOperation, error) {
	change, err := s.changes.GetChange(ctx, changeID)
	if err != nil {
		return model.QueuedOperation{}, err
	}

	return s.queue.Enqueue(ctx, changeID, model.PushPatchSetPayload{
		WorkTree:     workTree,
		TargetBranch: change.Branch,
	}, 5)
}
