package application

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/reviewdesk/internal/domain/model"
)

func newTestReviewService(t *testing.T) (*ReviewService, *testStores) {
	stores := newTestStores(t)
	queue := NewOperationQueue(stores.ops, stores.changes, &captureEvents{}, 3)
	svc := NewReviewService(stores.changes, stores.comments, stores.reviews, queue)
	return svc, stores
}

func TestReviewService_AddComment(t *testing.T) {
	svc, stores := newTestReviewService(t)
	ctx := context.Background()
	inst := stores.seedInstance(t)
	change, ps := stores.seedChange(t, inst.ID)

	comment, err := svc.AddComment(ctx, DraftCommentInput{
		ChangeID:   change.ID,
		PatchSetID: ps.ID,
		Path:       "a.go",
		Line:       12,
		Message:    "nil check missing",
		Author:     "Dana Developer",
	})
	require.NoError(t, err)

	assert.Equal(t, model.CommentLocalOnly, comment.SyncStatus)
	assert.Equal(t, model.SideRevision, comment.Side, "side defaults to the revision")
	assert.Nil(t, comment.RemoteID)

	ops, err := stores.ops.ListByChange(ctx, change.ID)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, model.OpAddComment, ops[0].Type)
	assert.Equal(t, model.AddCommentPayload{CommentID: comment.ID}, ops[0].Payload)
}

func TestReviewService_AddComment_EmptyMessage(t *testing.T) {
	svc, stores := newTestReviewService(t)
	inst := stores.seedInstance(t)
	change, ps := stores.seedChange(t, inst.ID)

	_, err := svc.AddComment(context.Background(), DraftCommentInput{
		ChangeID: change.ID, PatchSetID: ps.ID, Path: "a.go", Line: 1,
	})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "message", verr.Field)
}

func TestReviewService_AddComment_ClosedChange(t *testing.T) {
	svc, stores := newTestReviewService(t)
	ctx := context.Background()
	inst := stores.seedInstance(t)
	change, ps := stores.seedChange(t, inst.ID)
	require.NoError(t, stores.changes.SetChangeStatus(ctx, change.ID, model.ChangeStatusAbandoned))

	_, err := svc.AddComment(ctx, DraftCommentInput{
		ChangeID: change.ID, PatchSetID: ps.ID, Path: "a.go", Line: 1, Message: "m",
	})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "change", verr.Field)
}

func TestReviewService_EditComment_LocalDraftRewritesInPlace(t *testing.T) {
	svc, stores := newTestReviewService(t)
	ctx := context.Background()
	inst := stores.seedInstance(t)
	change, ps := stores.seedChange(t, inst.ID)

	comment, err := svc.AddComment(ctx, DraftCommentInput{
		ChangeID: change.ID, PatchSetID: ps.ID, Path: "a.go", Line: 1, Message: "v1",
	})
	require.NoError(t, err)

	require.NoError(t, svc.EditComment(ctx, comment.ID, "v2"))

	got, err := stores.comments.GetComment(ctx, comment.ID)
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Message)
	assert.Equal(t, model.CommentLocalOnly, got.SyncStatus)

	// No second operation: the pending upload carries the new text.
	ops, err := stores.ops.ListByChange(ctx, change.ID)
	require.NoError(t, err)
	assert.Len(t, ops, 1)
}

func TestReviewService_EditComment_SyncedQueuesUpdate(t *testing.T) {
	svc, stores := newTestReviewService(t)
	ctx := context.Background()
	inst := stores.seedInstance(t)
	change, ps := stores.seedChange(t, inst.ID)

	comment, err := stores.comments.InsertComment(ctx, model.Comment{
		ChangeID: change.ID, PatchSetID: ps.ID, Path: "a.go", Line: 1,
		Message: "v1", SyncStatus: model.CommentLocalOnly,
	})
	require.NoError(t, err)
	require.NoError(t, stores.comments.MarkSynced(ctx, comment.ID, "srv-1"))

	require.NoError(t, svc.EditComment(ctx, comment.ID, "v2"))

	got, err := stores.comments.GetComment(ctx, comment.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CommentModifiedLocally, got.SyncStatus)

	ops, err := stores.ops.ListByChange(ctx, change.ID)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, model.OpUpdateComment, ops[0].Type)
}

func TestReviewService_EditComment_ConflictedRejected(t *testing.T) {
	svc, stores := newTestReviewService(t)
	ctx := context.Background()
	inst := stores.seedInstance(t)
	change, ps := stores.seedChange(t, inst.ID)

	comment, err := stores.comments.InsertComment(ctx, model.Comment{
		ChangeID: change.ID, PatchSetID: ps.ID, Path: "a.go", Line: 1,
		Message: "local", SyncStatus: model.CommentModifiedLocally,
	})
	require.NoError(t, err)
	require.NoError(t, stores.comments.MarkConflicted(ctx, comment.ID, model.ConflictClassConcurrentEdit, "remote"))

	err = svc.EditComment(ctx, comment.ID, "v2")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "comment", verr.Field)
}

func TestReviewService_DeleteComment(t *testing.T) {
	svc, stores := newTestReviewService(t)
	ctx := context.Background()
	inst := stores.seedInstance(t)
	change, ps := stores.seedChange(t, inst.ID)

	// Local draft: removed immediately, nothing queued beyond the original add.
	local, err := svc.AddComment(ctx, DraftCommentInput{
		ChangeID: change.ID, PatchSetID: ps.ID, Path: "a.go", Line: 1, Message: "m",
	})
	require.NoError(t, err)
	require.NoError(t, svc.DeleteComment(ctx, local.ID))
	_, err = stores.comments.GetComment(ctx, local.ID)
	assert.Error(t, err)

	// Synced comment: a delete operation is queued carrying the remote ID.
	synced, err := stores.comments.InsertComment(ctx, model.Comment{
		ChangeID: change.ID, PatchSetID: ps.ID, Path: "b.go", Line: 2,
		Message: "m", SyncStatus: model.CommentLocalOnly,
	})
	require.NoError(t, err)
	require.NoError(t, stores.comments.MarkSynced(ctx, synced.ID, "srv-2"))

	require.NoError(t, svc.DeleteComment(ctx, synced.ID))

	ops, err := stores.ops.ListByChange(ctx, change.ID)
	require.NoError(t, err)
	var deletes []model.QueuedOperation
	for _, op := range ops {
		if op.Type == model.OpDeleteComment {
			deletes = append(deletes, op)
		}
	}
	require.Len(t, deletes, 1)
	assert.Equal(t, model.DeleteCommentPayload{CommentID: synced.ID, RemoteID: "srv-2"}, deletes[0].Payload)
}

func TestReviewService_DraftReview(t *testing.T) {
	svc, stores := newTestReviewService(t)
	ctx := context.Background()
	inst := stores.seedInstance(t)
	change, ps := stores.seedChange(t, inst.ID)

	comment, err := svc.AddComment(ctx, DraftCommentInput{
		ChangeID: change.ID, PatchSetID: ps.ID, Path: "a.go", Line: 1, Message: "m",
	})
	require.NoError(t, err)

	review, err := svc.DraftReview(ctx, ReviewInput{
		ChangeID:   change.ID,
		PatchSetID: ps.ID,
		Labels:     map[string]int{"Code-Review": 2},
		Message:    "lgtm",
		CommentIDs: []int64{comment.ID},
	})
	require.NoError(t, err)

	assert.Equal(t, model.ReviewDraft, review.SyncStatus)
	assert.NotEmpty(t, review.Token, "every review carries an idempotency token from birth")
	assert.True(t, review.IsDraft)
}

func TestReviewService_DraftReview_ForeignComment(t *testing.T) {
	svc, stores := newTestReviewService(t)
	ctx := context.Background()
	inst := stores.seedInstance(t)
	change, ps := stores.seedChange(t, inst.ID)

	other, err := stores.changes.UpsertChange(ctx, model.Change{
		InstanceID: inst.ID, ChangeKey: "core~main~Iother", Project: "platform/core",
		Branch: "main", Status: model.ChangeStatusNew,
		ImportStatus: model.ImportStatusImported, ConflictState: model.ConflictNone,
	})
	require.NoError(t, err)
	foreign, err := stores.comments.InsertComment(ctx, model.Comment{
		ChangeID: other.ID, PatchSetID: ps.ID, Path: "a.go", Line: 1,
		Message: "m", SyncStatus: model.CommentLocalOnly,
	})
	require.NoError(t, err)

	_, err = svc.DraftReview(ctx, ReviewInput{
		ChangeID:   change.ID,
		PatchSetID: ps.ID,
		CommentIDs: []int64{foreign.ID},
	})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "comment_ids", verr.Field)
}

func TestReviewService_SubmitReview(t *testing.T) {
	svc, stores := newTestReviewService(t)
	ctx := context.Background()
	inst := stores.seedInstance(t)
	change, ps := stores.seedChange(t, inst.ID)

	review, err := svc.DraftReview(ctx, ReviewInput{
		ChangeID: change.ID, PatchSetID: ps.ID,
		Labels: map[string]int{"Code-Review": 1},
	})
	require.NoError(t, err)

	op, err := svc.SubmitReview(ctx, review.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OpSubmitReview, op.Type)
	assert.Equal(t, 10, op.Priority, "submissions jump the comment-upload backlog")

	got, err := stores.reviews.GetReview(ctx, review.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReviewPendingSubmission, got.SyncStatus)

	// A second submit while pending is rejected.
	_, err = svc.SubmitReview(ctx, review.ID)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "review", verr.Field)
}

func TestReviewService_UpdateLabels(t *testing.T) {
	svc, stores := newTestReviewService(t)
	ctx := context.Background()
	inst := stores.seedInstance(t)
	change, _ := stores.seedChange(t, inst.ID)

	op, err := svc.UpdateLabels(ctx, change.ID, map[string]int{"Code-Review": 2}, "lgtm")
	require.NoError(t, err)

	assert.Equal(t, model.OpUpdateLabels, op.Type)
	assert.Equal(t, 10, op.Priority, "votes jump the comment-upload backlog")
	assert.Equal(t, model.UpdateLabelsPayload{
		Labels:  map[string]int{"Code-Review": 2},
		Message: "lgtm",
	}, op.Payload)

	_, err = svc.UpdateLabels(ctx, change.ID, nil, "")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "labels", verr.Field)
}

func TestReviewService_PushPatchSet(t *testing.T) {
	svc, stores := newTestReviewService(t)
	ctx := context.Background()
	inst := stores.seedInstance(t)
	change, _ := stores.seedChange(t, inst.ID)

	op, err := svc.PushPatchSet(ctx, change.ID, "/home/dana/src/core")
	require.NoError(t, err)

	assert.Equal(t, model.OpPushPatchSet, op.Type)
	assert.Equal(t, model.PushPatchSetPayload{
		WorkTree:     "/home/dana/src/core",
		TargetBranch: "main",
	}, op.Payload)
}
