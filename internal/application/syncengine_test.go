package application

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/reviewdesk/internal/domain/model"
	"github.com/ericfisherdev/reviewdesk/internal/domain/port/driven"
)

type engineFixture struct {
	engine *SyncEngine
	stores *testStores
	queue  *OperationQueue
	client *fakeGerrit
	pusher *fakePusher
	events *captureEvents
}

func newTestEngine(t *testing.T, client *fakeGerrit) *engineFixture {
	stores := newTestStores(t)
	events := &captureEvents{}
	pusher := &fakePusher{}

	registry := NewRegistry(stores.instances, plainVault{}, client, events, time.Minute)
	importer := NewImporter(stores.changes, stores.comments, client, events)
	queue := NewOperationQueue(stores.ops, stores.changes, events, 3)
	resolver := NewConflictResolver(stores.changes, stores.comments, queue, events)

	engine := NewSyncEngine(
		registry, importer, queue, resolver,
		stores.changes, stores.comments, stores.reviews,
		client, pusher, events,
		time.Minute, time.Second, 10*time.Second,
	)
	return &engineFixture{
		engine: engine,
		stores: stores,
		queue:  queue,
		client: client,
		pusher: pusher,
		events: events,
	}
}

// claimOp enqueues a payload and claims it, as the dispatch loop would.
func (fx *engineFixture) claimOp(t *testing.T, changeID int64, payload model.OperationPayload) model.QueuedOperation {
	t.Helper()
	ctx := context.Background()
	_, err := fx.queue.Enqueue(ctx, changeID, payload, 0)
	require.NoError(t, err)
	op, err := fx.stores.ops.DequeueNext(ctx, time.Now())
	require.NoError(t, err)
	require.NotNil(t, op)
	return *op
}

func TestDispatchOne_AddComment(t *testing.T) {
	client := &fakeGerrit{
		createDraftFn: func(ctx context.Context, ep driven.Endpoint, key, revision string, dc driven.DraftComment) (string, error) {
			return "srv-77", nil
		},
	}
	fx := newTestEngine(t, client)
	ctx := context.Background()
	inst := fx.stores.seedInstance(t)
	change, ps := fx.stores.seedChange(t, inst.ID)

	comment, err := fx.stores.comments.InsertComment(ctx, model.Comment{
		ChangeID: change.ID, PatchSetID: ps.ID, Path: "a.go", Line: 1,
		Message: "m", SyncStatus: model.CommentLocalOnly,
	})
	require.NoError(t, err)

	op := fx.claimOp(t, change.ID, model.AddCommentPayload{CommentID: comment.ID})
	stop := fx.engine.dispatchOne(ctx, inst, driven.Endpoint{}, op)
	assert.False(t, stop)

	got, err := fx.stores.comments.GetComment(ctx, comment.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CommentSynced, got.SyncStatus)
	require.NotNil(t, got.RemoteID)
	assert.Equal(t, "srv-77", *got.RemoteID)

	settled, err := fx.stores.ops.Get(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OpCompleted, settled.Status)
	assert.True(t, fx.events.has(model.EventCommentSynced))
}

func TestDispatchOne_AddComment_IdempotentWhenAlreadyLanded(t *testing.T) {
	fx := newTestEngine(t, &fakeGerrit{})
	ctx := context.Background()
	inst := fx.stores.seedInstance(t)
	change, ps := fx.stores.seedChange(t, inst.ID)

	comment, err := fx.stores.comments.InsertComment(ctx, model.Comment{
		ChangeID: change.ID, PatchSetID: ps.ID, Path: "a.go", Line: 1,
		Message: "m", SyncStatus: model.CommentLocalOnly,
	})
	require.NoError(t, err)
	op := fx.claimOp(t, change.ID, model.AddCommentPayload{CommentID: comment.ID})

	// A previous attempt landed before the process died.
	require.NoError(t, fx.stores.comments.MarkSynced(ctx, comment.ID, "srv-1"))

	fx.engine.dispatchOne(ctx, inst, driven.Endpoint{}, op)

	assert.Zero(t, fx.client.createDraftCalls, "a comment with a remote ID is never re-published")
	settled, err := fx.stores.ops.Get(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OpCompleted, settled.Status)
}

func TestDispatchOne_AuthFailurePausesDispatch(t *testing.T) {
	client := &fakeGerrit{
		createDraftFn: func(ctx context.Context, ep driven.Endpoint, key, revision string, dc driven.DraftComment) (string, error) {
			return "", &driven.RemoteError{Kind: driven.RemoteAuthFailed, StatusCode: 401}
		},
	}
	fx := newTestEngine(t, client)
	ctx := context.Background()
	inst := fx.stores.seedInstance(t)
	change, ps := fx.stores.seedChange(t, inst.ID)

	comment, err := fx.stores.comments.InsertComment(ctx, model.Comment{
		ChangeID: change.ID, PatchSetID: ps.ID, Path: "a.go", Line: 1,
		Message: "m", SyncStatus: model.CommentLocalOnly,
	})
	require.NoError(t, err)
	op := fx.claimOp(t, change.ID, model.AddCommentPayload{CommentID: comment.ID})

	// A successful probe ran earlier; its record must survive the auth pause.
	require.NoError(t, fx.stores.instances.UpdateConnectionState(ctx, inst.ID,
		model.ConnectionConnected, "3.9.1", time.Now()))

	stop := fx.engine.dispatchOne(ctx, inst, driven.Endpoint{}, op)
	assert.True(t, stop, "auth failure stands dispatch down")
	assert.True(t, fx.engine.authPaused.Load())

	// The operation is deferred, not blamed.
	settled, err := fx.stores.ops.Get(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OpQueued, settled.Status)
	assert.Zero(t, settled.RetryCount)

	stored, err := fx.stores.instances.GetByID(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ConnectionAuthFailed, stored.Status)
	assert.Equal(t, "3.9.1", stored.ServerVersion, "the last known server version is preserved")
	assert.False(t, stored.LastConnected.IsZero(), "the last-connected timestamp is preserved")
}

func TestDispatchOne_RateLimitHonorsRetryAfter(t *testing.T) {
	client := &fakeGerrit{
		createDraftFn: func(ctx context.Context, ep driven.Endpoint, key, revision string, dc driven.DraftComment) (string, error) {
			return "", &driven.RemoteError{Kind: driven.RemoteRateLimited, RetryAfter: 5 * time.Minute}
		},
	}
	fx := newTestEngine(t, client)
	ctx := context.Background()
	inst := fx.stores.seedInstance(t)
	change, ps := fx.stores.seedChange(t, inst.ID)

	comment, err := fx.stores.comments.InsertComment(ctx, model.Comment{
		ChangeID: change.ID, PatchSetID: ps.ID, Path: "a.go", Line: 1,
		Message: "m", SyncStatus: model.CommentLocalOnly,
	})
	require.NoError(t, err)
	op := fx.claimOp(t, change.ID, model.AddCommentPayload{CommentID: comment.ID})

	stop := fx.engine.dispatchOne(ctx, inst, driven.Endpoint{}, op)
	assert.True(t, stop)

	// Not due again until the server-directed delay has passed.
	early, err := fx.stores.ops.DequeueNext(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Nil(t, early)
	due, err := fx.stores.ops.DequeueNext(ctx, time.Now().Add(6*time.Minute))
	require.NoError(t, err)
	require.NotNil(t, due)
	assert.Equal(t, op.ID, due.ID)
	assert.Zero(t, due.RetryCount)
}

func TestDispatchOne_ConflictParksOperation(t *testing.T) {
	client := &fakeGerrit{
		createDraftFn: func(ctx context.Context, ep driven.Endpoint, key, revision string, dc driven.DraftComment) (string, error) {
			return "", &driven.RemoteError{Kind: driven.RemoteConflict, StatusCode: 409}
		},
	}
	fx := newTestEngine(t, client)
	ctx := context.Background()
	inst := fx.stores.seedInstance(t)
	change, ps := fx.stores.seedChange(t, inst.ID)

	comment, err := fx.stores.comments.InsertComment(ctx, model.Comment{
		ChangeID: change.ID, PatchSetID: ps.ID, Path: "a.go", Line: 1,
		Message: "m", SyncStatus: model.CommentLocalOnly,
	})
	require.NoError(t, err)
	op := fx.claimOp(t, change.ID, model.AddCommentPayload{CommentID: comment.ID})

	stop := fx.engine.dispatchOne(ctx, inst, driven.Endpoint{}, op)
	assert.False(t, stop, "a conflict is per-change, the queue keeps draining")

	settled, err := fx.stores.ops.Get(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OpWaiting, settled.Status)
}

func TestDispatchOne_ShutdownRequeuesClaim(t *testing.T) {
	fx := newTestEngine(t, &fakeGerrit{})
	inst := fx.stores.seedInstance(t)
	change, ps := fx.stores.seedChange(t, inst.ID)

	comment, err := fx.stores.comments.InsertComment(context.Background(), model.Comment{
		ChangeID: change.ID, PatchSetID: ps.ID, Path: "a.go", Line: 1,
		Message: "m", SyncStatus: model.CommentLocalOnly,
	})
	require.NoError(t, err)
	op := fx.claimOp(t, change.ID, model.AddCommentPayload{CommentID: comment.ID})

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	stop := fx.engine.dispatchOne(cancelled, inst, driven.Endpoint{}, op)
	assert.True(t, stop)

	settled, err := fx.stores.ops.Get(context.Background(), op.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OpQueued, settled.Status, "a shutdown never strands the claim in Processing")
	assert.Zero(t, settled.RetryCount)
}

// seedPendingReview creates a PendingSubmission review bundling one unsynced
// comment, the way SubmitReview leaves things for the dispatcher.
func seedPendingReview(t *testing.T, fx *engineFixture, change model.Change, ps model.PatchSet) (model.Review, model.Comment) {
	t.Helper()
	ctx := context.Background()

	comment, err := fx.stores.comments.InsertComment(ctx, model.Comment{
		ChangeID: change.ID, PatchSetID: ps.ID, Path: "a.go", Line: 7,
		Message: "bundled comment", SyncStatus: model.CommentLocalOnly,
	})
	require.NoError(t, err)

	review, err := fx.stores.reviews.CreateReview(ctx, model.Review{
		ChangeID:   change.ID,
		PatchSetID: ps.ID,
		Labels:     map[string]int{"Code-Review": 2},
		Message:    "lgtm",
		SyncStatus: model.ReviewPendingSubmission,
		CommentIDs: []int64{comment.ID},
		Token:      uuid.NewString(),
	})
	require.NoError(t, err)
	return review, comment
}

func TestSubmitReview_HappyPath(t *testing.T) {
	fx := newTestEngine(t, &fakeGerrit{})
	ctx := context.Background()
	inst := fx.stores.seedInstance(t)
	change, ps := fx.stores.seedChange(t, inst.ID)
	review, comment := seedPendingReview(t, fx, change, ps)

	op := fx.claimOp(t, change.ID, model.SubmitReviewPayload{ReviewID: review.ID})
	stop := fx.engine.dispatchOne(ctx, inst, driven.Endpoint{}, op)
	assert.False(t, stop)

	got, err := fx.stores.reviews.GetReview(ctx, review.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReviewSubmitted, got.SyncStatus)

	synced, err := fx.stores.comments.GetComment(ctx, comment.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CommentSynced, synced.SyncStatus)
	assert.NotNil(t, synced.RemoteID)

	assert.Equal(t, 1, fx.client.setReviewCalls)
	assert.True(t, fx.events.has(model.EventReviewSubmitted))
}

func TestSubmitReview_TimeoutThenTagConfirmsExactlyOnce(t *testing.T) {
	client := &fakeGerrit{}
	client.setReviewFn = func(ctx context.Context, ep driven.Endpoint, key, revision string, in driven.ReviewInput) (*driven.ReviewOutcome, error) {
		// The submission lands but the response is lost.
		return nil, &driven.RemoteError{Kind: driven.RemoteNetworkError, Timeout: true, Msg: "request timed out"}
	}
	client.findByTagFn = func(ctx context.Context, ep driven.Endpoint, key, tag string) (bool, error) {
		return true, nil
	}

	fx := newTestEngine(t, client)
	ctx := context.Background()
	inst := fx.stores.seedInstance(t)
	change, ps := fx.stores.seedChange(t, inst.ID)
	review, comment := seedPendingReview(t, fx, change, ps)

	// The server's comment list carries the comment the lost response created.
	client.listCommentsFn = func(ctx context.Context, ep driven.Endpoint, key string) ([]driven.RemoteComment, error) {
		return []driven.RemoteComment{{
			RemoteID: "srv-55", Path: "a.go", Line: 7, Message: "bundled comment",
			Revision: ps.Revision, PatchSetNumber: 1,
		}}, nil
	}

	op := fx.claimOp(t, change.ID, model.SubmitReviewPayload{ReviewID: review.ID})
	fx.engine.dispatchOne(ctx, inst, driven.Endpoint{}, op)

	assert.Equal(t, 1, fx.client.setReviewCalls, "the review is never resent once the tag confirms it landed")
	assert.Equal(t, 1, fx.client.findByTagCalls)

	got, err := fx.stores.reviews.GetReview(ctx, review.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReviewSubmitted, got.SyncStatus)

	// The bundled comment is reconciled by content against the server's list.
	synced, err := fx.stores.comments.GetComment(ctx, comment.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CommentSynced, synced.SyncStatus)
	require.NotNil(t, synced.RemoteID)
	assert.Equal(t, "srv-55", *synced.RemoteID)
}

func TestSubmitReview_RetryChecksTagBeforeResending(t *testing.T) {
	client := &fakeGerrit{
		findByTagFn: func(ctx context.Context, ep driven.Endpoint, key, tag string) (bool, error) {
			return true, nil
		},
	}
	fx := newTestEngine(t, client)
	ctx := context.Background()
	inst := fx.stores.seedInstance(t)
	change, ps := fx.stores.seedChange(t, inst.ID)
	review, _ := seedPendingReview(t, fx, change, ps)

	op := fx.claimOp(t, change.ID, model.SubmitReviewPayload{ReviewID: review.ID})
	op.RetryCount = 1 // a previous attempt died without settling

	fx.engine.dispatchOne(ctx, inst, driven.Endpoint{}, op)

	assert.Zero(t, fx.client.setReviewCalls, "the pre-check found the tag, nothing is resent")
	got, err := fx.stores.reviews.GetReview(ctx, review.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReviewSubmitted, got.SyncStatus)
}

func TestSubmitReview_PartialRequeuesRejectedComments(t *testing.T) {
	client := &fakeGerrit{}
	fx := newTestEngine(t, client)
	ctx := context.Background()
	inst := fx.stores.seedInstance(t)
	change, ps := fx.stores.seedChange(t, inst.ID)
	review, comment := seedPendingReview(t, fx, change, ps)

	client.setReviewFn = func(ctx context.Context, ep driven.Endpoint, key, revision string, in driven.ReviewInput) (*driven.ReviewOutcome, error) {
		return &driven.ReviewOutcome{
			LabelsApplied:    true,
			CommentIDs:       map[int64]string{},
			RejectedComments: []int64{comment.ID},
		}, nil
	}

	op := fx.claimOp(t, change.ID, model.SubmitReviewPayload{ReviewID: review.ID})
	fx.engine.dispatchOne(ctx, inst, driven.Endpoint{}, op)

	got, err := fx.stores.reviews.GetReview(ctx, review.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReviewPartiallySubmitted, got.SyncStatus, "partial success is never collapsed into Submitted")

	failed, err := fx.stores.comments.GetComment(ctx, comment.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CommentSyncFailed, failed.SyncStatus)

	// The rejected comment is re-queued as an individual upload.
	ops, err := fx.stores.ops.ListByChange(ctx, change.ID)
	require.NoError(t, err)
	var requeued bool
	for _, o := range ops {
		if o.Type == model.OpAddComment && o.Status == model.OpQueued {
			requeued = true
		}
	}
	assert.True(t, requeued)
	assert.True(t, fx.events.has(model.EventReviewPartial))
}

func TestSubmitReview_FailureMarksReview(t *testing.T) {
	client := &fakeGerrit{
		setReviewFn: func(ctx context.Context, ep driven.Endpoint, key, revision string, in driven.ReviewInput) (*driven.ReviewOutcome, error) {
			return nil, &driven.RemoteError{Kind: driven.RemoteNetworkError, Msg: "connection refused"}
		},
	}
	fx := newTestEngine(t, client)
	ctx := context.Background()
	inst := fx.stores.seedInstance(t)
	change, ps := fx.stores.seedChange(t, inst.ID)
	review, _ := seedPendingReview(t, fx, change, ps)

	op := fx.claimOp(t, change.ID, model.SubmitReviewPayload{ReviewID: review.ID})
	fx.engine.dispatchOne(ctx, inst, driven.Endpoint{}, op)

	got, err := fx.stores.reviews.GetReview(ctx, review.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReviewSubmissionFailed, got.SyncStatus)

	settled, err := fx.stores.ops.Get(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OpQueued, settled.Status, "a plain network failure goes back for retry")
	assert.Equal(t, 1, settled.RetryCount)
}

func TestPushPatchSet(t *testing.T) {
	fx := newTestEngine(t, &fakeGerrit{})
	ctx := context.Background()
	inst := fx.stores.seedInstance(t)
	change, _ := fx.stores.seedChange(t, inst.ID)

	op := fx.claimOp(t, change.ID, model.PushPatchSetPayload{
		WorkTree: "/home/dana/src/core", TargetBranch: "main",
	})
	stop := fx.engine.dispatchOne(ctx, inst, driven.Endpoint{BaseURL: "https://gerrit.example.com"}, op)
	assert.False(t, stop)

	require.Len(t, fx.pusher.calls, 1)
	assert.Equal(t, "https://gerrit.example.com/a/platform/core", fx.pusher.calls[0])
}

func TestPollCycle_PatchSetAdvanceReimports(t *testing.T) {
	client := &fakeGerrit{}
	fx := newTestEngine(t, client)
	ctx := context.Background()
	inst := fx.stores.seedInstance(t)
	change, ps1 := fx.stores.seedChange(t, inst.ID)

	client.summaryFn = func(ctx context.Context, ep driven.Endpoint, key string) (*driven.ChangeSummary, error) {
		return &driven.ChangeSummary{
			ChangeKey:       key,
			Status:          model.ChangeStatusNew,
			CurrentRevision: "rev2",
			CurrentNumber:   2,
		}, nil
	}
	client.fetchChangeFn = func(ctx context.Context, ep driven.Endpoint, key string) (*driven.ChangeDetail, error) {
		return &driven.ChangeDetail{
			ChangeSummary: driven.ChangeSummary{
				ChangeKey: key, Status: model.ChangeStatusNew,
				CurrentRevision: "rev2", CurrentNumber: 2,
			},
			Project: change.Project, Branch: change.Branch,
		}, nil
	}

	require.NoError(t, fx.engine.pollCycle(ctx))

	got, err := fx.stores.changes.GetChange(ctx, change.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ImportStatusImported, got.ImportStatus)
	assert.NotEqual(t, ps1.ID, got.CurrentPatchSetID)

	current, err := fx.stores.changes.GetPatchSet(ctx, got.CurrentPatchSetID)
	require.NoError(t, err)
	assert.Equal(t, "rev2", current.Revision)

	assert.True(t, fx.events.has(model.EventChangeOutdated))
	assert.True(t, fx.events.has(model.EventPollCycleCompleted))
}

func TestPollCycle_RemoteCloseIsTerminal(t *testing.T) {
	client := &fakeGerrit{}
	fx := newTestEngine(t, client)
	ctx := context.Background()
	inst := fx.stores.seedInstance(t)
	change, _ := fx.stores.seedChange(t, inst.ID)

	client.summaryFn = func(ctx context.Context, ep driven.Endpoint, key string) (*driven.ChangeSummary, error) {
		return &driven.ChangeSummary{ChangeKey: key, Status: model.ChangeStatusMerged}, nil
	}

	require.NoError(t, fx.engine.pollCycle(ctx))

	got, err := fx.stores.changes.GetChange(ctx, change.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ChangeStatusMerged, got.Status)
}

func TestDispatchOne_UpdateLabels(t *testing.T) {
	var gotInput driven.ReviewInput
	client := &fakeGerrit{
		setReviewFn: func(ctx context.Context, ep driven.Endpoint, key, revision string, in driven.ReviewInput) (*driven.ReviewOutcome, error) {
			gotInput = in
			return &driven.ReviewOutcome{LabelsApplied: true}, nil
		},
	}
	fx := newTestEngine(t, client)
	ctx := context.Background()
	inst := fx.stores.seedInstance(t)
	change, _ := fx.stores.seedChange(t, inst.ID)

	op := fx.claimOp(t, change.ID, model.UpdateLabelsPayload{
		Labels:  map[string]int{"Code-Review": 1},
		Message: "needs a test for the retry path",
	})
	stop := fx.engine.dispatchOne(ctx, inst, driven.Endpoint{}, op)
	assert.False(t, stop)

	assert.Equal(t, 1, fx.client.setReviewCalls)
	assert.Equal(t, map[string]int{"Code-Review": 1}, gotInput.Labels)
	assert.Equal(t, "needs a test for the retry path", gotInput.Message)
	assert.Equal(t, op.Token, gotInput.Tag, "the vote carries the operation's idempotency token")

	settled, err := fx.stores.ops.Get(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OpCompleted, settled.Status)
}

func TestResolve_KeepLocalOnDeletedCommentReuploads(t *testing.T) {
	client := &fakeGerrit{
		createDraftFn: func(ctx context.Context, ep driven.Endpoint, key, revision string, dc driven.DraftComment) (string, error) {
			return "srv-2", nil
		},
	}
	fx := newTestEngine(t, client)
	ctx := context.Background()
	inst := fx.stores.seedInstance(t)
	change, ps := fx.stores.seedChange(t, inst.ID)

	c := seedSyncedComment(t, fx.stores, change, ps, "srv-1", "original", "local edit")
	require.NoError(t, fx.stores.comments.MarkConflicted(ctx, c.ID, model.ConflictClassCommentDeleted, ""))

	require.NoError(t, fx.engine.resolver.Resolve(ctx, c.ID, model.ResolveKeepLocal, ""))

	kept, err := fx.stores.comments.GetComment(ctx, c.ID)
	require.NoError(t, err)
	assert.Nil(t, kept.RemoteID)
	assert.Equal(t, model.CommentLocalOnly, kept.SyncStatus)

	op, err := fx.stores.ops.DequeueNext(ctx, time.Now())
	require.NoError(t, err)
	require.NotNil(t, op)
	require.Equal(t, model.OpAddComment, op.Type)

	stop := fx.engine.dispatchOne(ctx, inst, driven.Endpoint{}, *op)
	assert.False(t, stop)
	assert.Equal(t, 1, fx.client.createDraftCalls, "the kept comment is re-created on the server")

	got, err := fx.stores.comments.GetComment(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CommentSynced, got.SyncStatus)
	require.NotNil(t, got.RemoteID)
	assert.Equal(t, "srv-2", *got.RemoteID)
}

func TestPollCycle_CommentDivergenceKeepsConflictFlag(t *testing.T) {
	client := &fakeGerrit{}
	fx := newTestEngine(t, client)
	ctx := context.Background()
	inst := fx.stores.seedInstance(t)
	change, ps := fx.stores.seedChange(t, inst.ID)

	local := seedSyncedComment(t, fx.stores, change, ps, "srv-1", "original", "local edit")

	client.summaryFn = func(ctx context.Context, ep driven.Endpoint, key string) (*driven.ChangeSummary, error) {
		return &driven.ChangeSummary{
			ChangeKey:       key,
			Status:          model.ChangeStatusNew,
			CurrentRevision: ps.Revision,
			CurrentNumber:   ps.Number,
			CommentCount:    2,
			Subject:         change.Subject,
		}, nil
	}
	client.listCommentsFn = func(ctx context.Context, ep driven.Endpoint, key string) ([]driven.RemoteComment, error) {
		return []driven.RemoteComment{{
			RemoteID: "srv-1", Path: "a.go", Line: 5,
			Message: "remote edit", Revision: ps.Revision, PatchSetNumber: ps.Number,
			Updated: time.Now().Add(time.Hour).UTC(),
		}}, nil
	}

	require.NoError(t, fx.engine.pollCycle(ctx))

	conflicted, err := fx.stores.comments.GetComment(ctx, local.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CommentConflictDetected, conflicted.SyncStatus)

	got, err := fx.stores.changes.GetChange(ctx, change.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ConflictManualRequired, got.ConflictState,
		"writing the new comment count must not clobber the conflict flag")
	assert.Equal(t, 2, got.RemoteCommentCount)
}

func TestNextPollDelay_UsesActiveInstanceInterval(t *testing.T) {
	fx := newTestEngine(t, &fakeGerrit{})
	ctx := context.Background()

	// No active instance: the engine default applies.
	assert.Equal(t, time.Minute, fx.engine.nextPollDelay(ctx))

	inst, err := fx.stores.instances.Create(ctx, model.Instance{
		Name:           "slow-" + t.Name(),
		BaseURL:        "https://gerrit.example.com",
		CredentialBlob: "dana\nhttp-token",
		PollInterval:   5 * time.Minute,
	})
	require.NoError(t, err)
	require.NoError(t, fx.stores.instances.SetActive(ctx, inst.ID))

	assert.Equal(t, 5*time.Minute, fx.engine.nextPollDelay(ctx))
}

func TestPollCycle_AuthFailurePausesAndRecovers(t *testing.T) {
	client := &fakeGerrit{}
	fx := newTestEngine(t, client)
	ctx := context.Background()
	inst := fx.stores.seedInstance(t)
	fx.stores.seedChange(t, inst.ID)

	client.summaryFn = func(ctx context.Context, ep driven.Endpoint, key string) (*driven.ChangeSummary, error) {
		return nil, &driven.RemoteError{Kind: driven.RemoteAuthFailed, StatusCode: 401}
	}

	err := fx.engine.pollCycle(ctx)
	require.Error(t, err)
	assert.True(t, fx.engine.authPaused.Load())

	// Credentials fixed; the next successful cycle clears the pause.
	client.summaryFn = func(ctx context.Context, ep driven.Endpoint, key string) (*driven.ChangeSummary, error) {
		return &driven.ChangeSummary{ChangeKey: key, Status: model.ChangeStatusNew}, nil
	}
	require.NoError(t, fx.engine.pollCycle(ctx))
	assert.False(t, fx.engine.authPaused.Load())
}
