package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ericfisherdev/reviewdesk/internal/domain/model"
	"github.com/ericfisherdev/reviewdesk/internal/domain/port/driven"
)

// authPauseDelay is how long dispatch stands down after an authentication
// failure before the next poll cycle gets a chance to clear it.
const authPauseDelay = 30 * time.Second

// rateLimitFallback applies when the server rate-limits without a
// Retry-After header.
const rateLimitFallback = time.Minute

// refreshRequest represents a manual refresh trigger.
type refreshRequest struct {
	changeKey string
	force     bool
	done      chan error
}

// SyncEngine runs the two long-lived loops: polling the active instance for
// remote divergence, and dispatching queued operations against it. Start
// blocks until the context is cancelled; cancellation mid-dispatch leaves the
// in-flight operation Queued, never stranded in Processing.
type SyncEngine struct {
	registry *Registry
	importer *Importer
	queue    *OperationQueue
	resolver *ConflictResolver

	changes  driven.ChangeStore
	comments driven.CommentStore
	reviews  driven.ReviewStore
	client   driven.GerritClient
	pusher   driven.GitPusher
	events   driven.EventSink

	pollInterval     time.Duration
	dispatchInterval time.Duration
	callTimeout      time.Duration

	refreshCh  chan refreshRequest
	authPaused atomic.Bool
}

// NewSyncEngine creates a SyncEngine with all required dependencies.
func NewSyncEngine(
	registry *Registry,
	importer *Importer,
	queue *OperationQueue,
	resolver *ConflictResolver,
	changes driven.ChangeStore,
	comments driven.CommentStore,
	reviews driven.ReviewStore,
	client driven.GerritClient,
	pusher driven.GitPusher,
	events driven.EventSink,
	pollInterval, dispatchInterval, callTimeout time.Duration,
) *SyncEngine {
	return &SyncEngine{
		registry:         registry,
		importer:         importer,
		queue:            queue,
		resolver:         resolver,
		changes:          changes,
		comments:         comments,
		reviews:          reviews,
		client:           client,
		pusher:           pusher,
		events:           events,
		pollInterval:     pollInterval,
		dispatchInterval: dispatchInterval,
		callTimeout:      callTimeout,
		refreshCh:        make(chan refreshRequest),
	}
}

// Start runs the poll and dispatch loops until the context is cancelled.
func (e *SyncEngine) Start(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		e.pollLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		e.dispatchLoop(ctx)
	}()
	wg.Wait()
}

// Refresh forces an immediate poll of one change (or all, with an empty key),
// bypassing the interval. Blocks until the refresh completes.
func (e *SyncEngine) Refresh(ctx context.Context, changeKey string, force bool) error {
	done := make(chan error, 1)
	req := refreshRequest{changeKey: changeKey, force: force, done: done}

	select {
	case e.refreshCh <- req:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *SyncEngine) pollLoop(ctx context.Context) {
	if err := e.pollCycle(ctx); err != nil {
		slog.Error("initial poll failed", "error", err)
	}

	timer := time.NewTimer(e.nextPollDelay(ctx))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("poll loop stopped")
			return
		case <-timer.C:
			if err := e.pollCycle(ctx); err != nil {
				slog.Error("poll cycle failed", "error", err)
			}
			timer.Reset(e.nextPollDelay(ctx))
		case req := <-e.refreshCh:
			req.done <- e.handleRefresh(ctx, req)
		}
	}
}

// nextPollDelay returns the active instance's configured poll interval, or the
// engine default when none is active or the instance carries no interval.
// Re-read every tick so an interval change or instance switch takes effect on
// the next cycle without a restart.
func (e *SyncEngine) nextPollDelay(ctx context.Context) time.Duration {
	inst, err := e.registry.GetActive(ctx)
	if err != nil || inst == nil || inst.PollInterval <= 0 {
		return e.pollInterval
	}
	return inst.PollInterval
}

func (e *SyncEngine) handleRefresh(ctx context.Context, req refreshRequest) error {
	if req.changeKey == "" {
		return e.pollCycle(ctx)
	}

	inst, ep, err := e.activeEndpoint(ctx)
	if err != nil || inst == nil {
		return err
	}
	_, err = e.importer.Import(ctx, *inst, ep, req.changeKey, req.force)
	return err
}

// pollCycle compares every imported change of the active instance against the
// server's lightweight summaries and reconciles divergence. A successful cycle
// clears an authentication pause.
func (e *SyncEngine) pollCycle(ctx context.Context) error {
	start := time.Now()

	inst, ep, err := e.activeEndpoint(ctx)
	if err != nil || inst == nil {
		return err
	}

	changes, err := e.changes.ListChangesByInstance(ctx, inst.ID)
	if err != nil {
		return err
	}

	var polled, diverged, pollErrors int
	for _, change := range changes {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if change.Closed() || change.ImportStatus == model.ImportStatusPending {
			continue
		}

		polled++
		changed, err := e.pollChange(ctx, *inst, ep, change)
		if err != nil {
			if e.handlePollError(ctx, inst.ID, err) {
				return err
			}
			pollErrors++
			continue
		}
		if changed {
			diverged++
		}
	}

	e.authPaused.Store(false)

	e.events.Publish(model.Event{
		Kind:       model.EventPollCycleCompleted,
		InstanceID: inst.ID,
		Done:       polled,
		Total:      len(changes),
		At:         time.Now().UTC(),
	})

	slog.Info("poll cycle complete",
		"instance", inst.ID,
		"polled", polled,
		"diverged", diverged,
		"errors", pollErrors,
		"duration", time.Since(start).Round(time.Millisecond),
	)
	return nil
}

// handlePollError reports whether the cycle should abort. Auth and network
// failures are instance-wide; anything else is per-change.
func (e *SyncEngine) handlePollError(ctx context.Context, instanceID int64, err error) bool {
	var re *driven.RemoteError
	if !errors.As(err, &re) {
		return false
	}

	switch re.Kind {
	case driven.RemoteAuthFailed:
		e.pauseAuth(ctx, instanceID)
		return true
	case driven.RemoteNetworkError:
		slog.Warn("instance unreachable, cycle aborted", "instance", instanceID, "error", err)
		return true
	}
	return false
}

// pollChange reconciles one change. Returns true when divergence was found.
func (e *SyncEngine) pollChange(ctx context.Context, inst model.Instance, ep driven.Endpoint, change model.Change) (bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	summary, err := e.client.QueryChangeSummary(callCtx, ep, change.ChangeKey)
	cancel()
	if err != nil {
		return false, err
	}

	var diverged bool

	if summary.Status != change.Status {
		if err := e.changes.SetChangeStatus(ctx, change.ID, summary.Status); err != nil {
			return false, err
		}
		change.Status = summary.Status
		diverged = true
		if change.Closed() {
			slog.Info("change closed remotely", "change", change.ID, "status", string(summary.Status))
			return true, nil
		}
	}

	advanced, err := e.reconcilePatchSet(ctx, inst, ep, change, summary)
	if err != nil {
		return diverged, err
	}
	diverged = diverged || advanced

	// A patch-set advance re-imports comments already; otherwise only a
	// comment-count divergence warrants the heavier comments fetch.
	if !advanced && summary.CommentCount != change.RemoteCommentCount {
		remote, err := e.importer.SyncRemoteComments(ctx, ep, change)
		if err != nil {
			return diverged, err
		}
		if _, err := e.resolver.DetectCommentConflicts(ctx, change, remote); err != nil {
			return diverged, err
		}

		// The conflict scan may have flipped comment and change state; write
		// the new summary columns onto a fresh read so they are not clobbered.
		fresh, err := e.changes.GetChange(ctx, change.ID)
		if err != nil {
			return diverged, err
		}
		fresh.RemoteCommentCount = summary.CommentCount
		fresh.Subject = summary.Subject
		if _, err := e.changes.UpsertChange(ctx, *fresh); err != nil {
			return diverged, err
		}
		diverged = true
	}

	return diverged, nil
}

// reconcilePatchSet detects a remote patch-set advance, re-imports the change
// at the new revision, and re-anchors local drafts.
func (e *SyncEngine) reconcilePatchSet(ctx context.Context, inst model.Instance, ep driven.Endpoint, change model.Change, summary *driven.ChangeSummary) (bool, error) {
	if change.CurrentPatchSetID == 0 {
		return false, nil
	}
	oldPS, err := e.changes.GetPatchSet(ctx, change.CurrentPatchSetID)
	if err != nil {
		return false, err
	}
	if oldPS.Revision == summary.CurrentRevision {
		return false, nil
	}

	slog.Info("remote patch set advanced",
		"change", change.ID,
		"old_revision", oldPS.Revision,
		"new_revision", summary.CurrentRevision,
	)
	e.events.Publish(model.Event{
		Kind:       model.EventChangeOutdated,
		InstanceID: inst.ID,
		ChangeID:   change.ID,
		Detail:     summary.CurrentRevision,
		At:         time.Now().UTC(),
	})

	// Import advances the current pointer atomically and refetches files and
	// comments at the new revision.
	imported, err := e.importer.Import(ctx, inst, ep, change.ChangeKey, false)
	if err != nil {
		return true, err
	}

	newPS, err := e.changes.GetPatchSet(ctx, imported.CurrentPatchSetID)
	if err != nil {
		return true, err
	}
	if err := e.resolver.ReanchorDrafts(ctx, imported, *oldPS, *newPS); err != nil {
		return true, err
	}
	return true, nil
}

func (e *SyncEngine) dispatchLoop(ctx context.Context) {
	ticker := time.NewTicker(e.dispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("dispatch loop stopped")
			return
		case <-ticker.C:
			if e.authPaused.Load() {
				continue
			}
			e.drainQueue(ctx)
		}
	}
}

// drainQueue dispatches due operations until the queue is empty, an
// instance-wide failure pauses it, or the context is cancelled.
func (e *SyncEngine) drainQueue(ctx context.Context) {
	inst, ep, err := e.activeEndpoint(ctx)
	if err != nil {
		slog.Error("dispatch skipped", "error", err)
		return
	}
	if inst == nil {
		return
	}

	for {
		if ctx.Err() != nil {
			return
		}

		op, err := e.queue.ops.DequeueNext(ctx, time.Now().UTC())
		if err != nil {
			slog.Error("dequeue failed", "error", err)
			return
		}
		if op == nil {
			return
		}

		if stop := e.dispatchOne(ctx, *inst, ep, *op); stop {
			return
		}
	}
}

// dispatchOne executes a single claimed operation and settles its queue state.
// Returns true when dispatch should stand down for this tick.
func (e *SyncEngine) dispatchOne(ctx context.Context, inst model.Instance, ep driven.Endpoint, op model.QueuedOperation) bool {
	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	err := e.execute(callCtx, inst, ep, op)
	cancel()

	if err == nil {
		if err := e.queue.Complete(ctx, op); err != nil {
			slog.Error("mark completed failed", "operation", op.ID, "error", err)
		}
		return false
	}

	// Shutdown mid-dispatch: put the claim back and stop. The parent context
	// is already cancelled, so the requeue write runs on a detached one.
	if ctx.Err() != nil {
		if rqErr := e.queue.Defer(context.WithoutCancel(ctx), op, 0); rqErr != nil {
			slog.Error("requeue on shutdown failed", "operation", op.ID, "error", rqErr)
		}
		return true
	}

	var re *driven.RemoteError
	if errors.As(err, &re) {
		switch re.Kind {
		case driven.RemoteAuthFailed:
			e.pauseAuth(ctx, inst.ID)
			if err := e.queue.Defer(ctx, op, authPauseDelay); err != nil {
				slog.Error("defer on auth pause failed", "operation", op.ID, "error", err)
			}
			return true

		case driven.RemoteRateLimited:
			delay := re.RetryAfter
			if delay <= 0 {
				delay = rateLimitFallback
			}
			if err := e.queue.Defer(ctx, op, delay); err != nil {
				slog.Error("defer on rate limit failed", "operation", op.ID, "error", err)
			}
			return true

		case driven.RemoteConflict:
			e.parkOnConflict(ctx, ep, op, re)
			return false
		}
	}

	if err := e.queue.Fail(ctx, op, err); err != nil {
		slog.Error("mark failed failed", "operation", op.ID, "error", err)
	}
	return false
}

// parkOnConflict parks the operation behind the conflict and triggers a
// conflict scan so the user sees what to resolve.
func (e *SyncEngine) parkOnConflict(ctx context.Context, ep driven.Endpoint, op model.QueuedOperation, re *driven.RemoteError) {
	if err := e.queue.Park(ctx, op); err != nil {
		slog.Error("park failed", "operation", op.ID, "error", err)
		return
	}
	slog.Warn("operation parked on conflict", "operation", op.ID, "change", op.ChangeID, "error", re)

	change, err := e.changes.GetChange(ctx, op.ChangeID)
	if err != nil {
		slog.Error("load change for conflict scan failed", "change", op.ChangeID, "error", err)
		return
	}

	if op.Type == model.OpPushPatchSet {
		if err := e.resolver.OnPushRejection(ctx, op.ChangeID, re.Msg); err != nil {
			slog.Error("record push rejection failed", "change", op.ChangeID, "error", err)
		}
		return
	}

	remote, err := e.importer.SyncRemoteComments(ctx, ep, *change)
	if err != nil {
		slog.Error("comment sync for conflict scan failed", "change", op.ChangeID, "error", err)
		return
	}
	if _, err := e.resolver.DetectCommentConflicts(ctx, *change, remote); err != nil {
		slog.Error("conflict scan failed", "change", op.ChangeID, "error", err)
	}
}

// execute performs the remote side effect of one operation.
func (e *SyncEngine) execute(ctx context.Context, inst model.Instance, ep driven.Endpoint, op model.QueuedOperation) error {
	change, err := e.changes.GetChange(ctx, op.ChangeID)
	if err != nil {
		return err
	}

	switch payload := op.Payload.(type) {
	case model.AddCommentPayload:
		return e.executeAddComment(ctx, ep, *change, payload)
	case model.UpdateCommentPayload:
		return e.executeUpdateComment(ctx, ep, *change, payload)
	case model.DeleteCommentPayload:
		return e.executeDeleteComment(ctx, ep, *change, payload)
	case model.SubmitReviewPayload:
		return e.executeSubmitReview(ctx, ep, *change, op, payload)
	case model.UpdateLabelsPayload:
		return e.executeUpdateLabels(ctx, ep, *change, op, payload)
	case model.PushPatchSetPayload:
		return e.executePushPatchSet(ctx, ep, *change, payload)
	default:
		return fmt.Errorf("unknown operation payload %T", op.Payload)
	}
}

func (e *SyncEngine) executeAddComment(ctx context.Context, ep driven.Endpoint, change model.Change, p model.AddCommentPayload) error {
	c, err := e.comments.GetComment(ctx, p.CommentID)
	if errors.Is(err, driven.ErrCommentNotFound) {
		// Deleted locally before upload; nothing to publish.
		return nil
	}
	if err != nil {
		return err
	}
	if c.HasRemote() {
		return nil // A previous attempt landed.
	}

	ps, err := e.changes.GetPatchSet(ctx, c.PatchSetID)
	if err != nil {
		return err
	}

	remoteID, err := e.client.CreateDraftComment(ctx, ep, change.ChangeKey, ps.Revision, driven.DraftComment{
		LocalID:    c.ID,
		Path:       c.Path,
		Side:       c.Side,
		Line:       c.Line,
		RangeStart: c.RangeStart,
		Message:    c.Message,
	})
	if err != nil {
		e.noteCommentFailure(ctx, *c, err)
		return err
	}

	if err := e.comments.MarkSynced(ctx, c.ID, remoteID); err != nil {
		return err
	}
	e.events.Publish(model.Event{
		Kind:      model.EventCommentSynced,
		ChangeID:  change.ID,
		CommentID: c.ID,
		At:        time.Now().UTC(),
	})
	return nil
}

func (e *SyncEngine) executeUpdateComment(ctx context.Context, ep driven.Endpoint, change model.Change, p model.UpdateCommentPayload) error {
	c, err := e.comments.GetComment(ctx, p.CommentID)
	if errors.Is(err, driven.ErrCommentNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if c.Conflicted() {
		// The resolver owns this comment now; re-queue happens on resolution.
		return nil
	}
	if !c.HasRemote() {
		return fmt.Errorf("comment %d has no remote identifier to update", c.ID)
	}

	ps, err := e.changes.GetPatchSet(ctx, c.PatchSetID)
	if err != nil {
		return err
	}

	if err := e.client.UpdateDraftComment(ctx, ep, change.ChangeKey, ps.Revision, *c.RemoteID, c.Message); err != nil {
		e.noteCommentFailure(ctx, *c, err)
		return err
	}

	if err := e.comments.MarkSynced(ctx, c.ID, *c.RemoteID); err != nil {
		return err
	}
	e.events.Publish(model.Event{
		Kind:      model.EventCommentSynced,
		ChangeID:  change.ID,
		CommentID: c.ID,
		At:        time.Now().UTC(),
	})
	return nil
}

func (e *SyncEngine) executeDeleteComment(ctx context.Context, ep driven.Endpoint, change model.Change, p model.DeleteCommentPayload) error {
	c, err := e.comments.GetComment(ctx, p.CommentID)
	if err != nil && !errors.Is(err, driven.ErrCommentNotFound) {
		return err
	}

	var revision string
	if c != nil {
		ps, err := e.changes.GetPatchSet(ctx, c.PatchSetID)
		if err != nil {
			return err
		}
		revision = ps.Revision
	} else if change.CurrentPatchSetID != 0 {
		ps, err := e.changes.GetPatchSet(ctx, change.CurrentPatchSetID)
		if err != nil {
			return err
		}
		revision = ps.Revision
	}

	err = e.client.DeleteDraftComment(ctx, ep, change.ChangeKey, revision, p.RemoteID)
	var re *driven.RemoteError
	if err != nil && !(errors.As(err, &re) && re.Kind == driven.RemoteNotFound) {
		return err
	}

	if c != nil {
		if err := e.comments.DeleteComment(ctx, c.ID); err != nil && !errors.Is(err, driven.ErrCommentNotFound) {
			return err
		}
	}
	return nil
}

// executeSubmitReview is the exactly-once submission path. Any ambiguity --
// a retry after a lost response -- is settled by querying the server for the
// review's idempotency tag before anything is resent.
func (e *SyncEngine) executeSubmitReview(ctx context.Context, ep driven.Endpoint, change model.Change, op model.QueuedOperation, p model.SubmitReviewPayload) error {
	review, err := e.reviews.GetReview(ctx, p.ReviewID)
	if err != nil {
		return err
	}
	if review.SyncStatus == model.ReviewSubmitted {
		return nil
	}

	// A retry means a previous attempt may have landed without us seeing the
	// response. Check before resending.
	if op.RetryCount > 0 {
		landed, err := e.client.FindReviewByTag(ctx, ep, change.ChangeKey, review.Token)
		if err != nil {
			return err
		}
		if landed {
			slog.Info("review found on server by tag, not resending", "review", review.ID)
			return e.settleSubmitted(ctx, ep, change, *review, nil)
		}
	}

	ps, err := e.changes.GetPatchSet(ctx, review.PatchSetID)
	if err != nil {
		return err
	}

	input := driven.ReviewInput{
		Labels:  review.Labels,
		Message: review.Message,
		Tag:     review.Token,
	}
	for _, id := range review.CommentIDs {
		c, err := e.comments.GetComment(ctx, id)
		if errors.Is(err, driven.ErrCommentNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if c.HasRemote() {
			continue // Already published individually.
		}
		input.Comments = append(input.Comments, driven.DraftComment{
			LocalID:    c.ID,
			Path:       c.Path,
			Side:       c.Side,
			Line:       c.Line,
			RangeStart: c.RangeStart,
			Message:    c.Message,
		})
	}

	outcome, err := e.client.SetReview(ctx, ep, change.ChangeKey, ps.Revision, input)
	if err != nil {
		var re *driven.RemoteError
		if errors.As(err, &re) && re.Kind == driven.RemoteNetworkError && re.Timeout {
			// The submission may or may not have landed. Re-query by tag;
			// only a confirmed absence allows a retry to resend.
			landed, qerr := e.client.FindReviewByTag(ctx, ep, change.ChangeKey, review.Token)
			if qerr == nil && landed {
				return e.settleSubmitted(ctx, ep, change, *review, nil)
			}
		}
		if serr := e.reviews.SetReviewStatus(ctx, review.ID, model.ReviewSubmissionFailed); serr != nil {
			slog.Error("mark review failed", "review", review.ID, "error", serr)
		}
		return err
	}

	return e.settleSubmitted(ctx, ep, change, *review, outcome)
}

// settleSubmitted records a submission the server accepted, fully or in part.
// A nil outcome means success was confirmed by tag re-query and the accepted
// comment IDs must be reconciled from the server's comment list.
func (e *SyncEngine) settleSubmitted(ctx context.Context, ep driven.Endpoint, change model.Change, review model.Review, outcome *driven.ReviewOutcome) error {
	if outcome == nil {
		if err := e.reconcileByContent(ctx, ep, change, review); err != nil {
			return err
		}
		return e.finishReview(ctx, change, review, nil)
	}

	for localID, remoteID := range outcome.CommentIDs {
		if err := e.comments.MarkSynced(ctx, localID, remoteID); err != nil {
			return err
		}
	}
	return e.finishReview(ctx, change, review, outcome.RejectedComments)
}

func (e *SyncEngine) finishReview(ctx context.Context, change model.Change, review model.Review, rejected []int64) error {
	if len(rejected) == 0 {
		if err := e.reviews.SetReviewStatus(ctx, review.ID, model.ReviewSubmitted); err != nil {
			return err
		}
		e.events.Publish(model.Event{
			Kind:     model.EventReviewSubmitted,
			ChangeID: change.ID,
			At:       time.Now().UTC(),
		})
		slog.Info("review submitted", "review", review.ID, "change", change.ID)
		return nil
	}

	// Partial: labels landed, some comments did not. The failed subset is
	// re-queued individually; the partial state is never collapsed into
	// Submitted.
	if err := e.reviews.SetReviewStatus(ctx, review.ID, model.ReviewPartiallySubmitted); err != nil {
		return err
	}
	for _, commentID := range rejected {
		if err := e.comments.SetSyncStatus(ctx, commentID, model.CommentSyncFailed); err != nil {
			return err
		}
		if _, err := e.queue.Enqueue(ctx, change.ID, model.AddCommentPayload{CommentID: commentID}, 0); err != nil {
			return err
		}
	}
	e.events.Publish(model.Event{
		Kind:     model.EventReviewPartial,
		ChangeID: change.ID,
		Detail:   fmt.Sprintf("%d comment(s) rejected and re-queued", len(rejected)),
		At:       time.Now().UTC(),
	})
	slog.Warn("review partially submitted", "review", review.ID, "change", change.ID, "rejected", len(rejected))
	return nil
}

// reconcileByContent matches still-unsynced review comments against the
// server's comment list by anchor and message. Used after a tag re-query
// confirmed a submission whose response was lost.
func (e *SyncEngine) reconcileByContent(ctx context.Context, ep driven.Endpoint, change model.Change, review model.Review) error {
	remote, err := e.client.ListComments(ctx, ep, change.ChangeKey)
	if err != nil {
		return err
	}

	for _, id := range review.CommentIDs {
		c, err := e.comments.GetComment(ctx, id)
		if err != nil || c.HasRemote() {
			continue
		}
		for _, rc := range remote {
			if rc.Path == c.Path && rc.Line == c.Line && rc.Message == c.Message {
				if err := e.comments.MarkSynced(ctx, c.ID, rc.RemoteID); err != nil {
					return err
				}
				break
			}
		}
	}
	return nil
}

func (e *SyncEngine) executeUpdateLabels(ctx context.Context, ep driven.Endpoint, change model.Change, op model.QueuedOperation, p model.UpdateLabelsPayload) error {
	if change.CurrentPatchSetID == 0 {
		return fmt.Errorf("change %d has no imported patch set", change.ID)
	}
	ps, err := e.changes.GetPatchSet(ctx, change.CurrentPatchSetID)
	if err != nil {
		return err
	}

	_, err = e.client.SetReview(ctx, ep, change.ChangeKey, ps.Revision, driven.ReviewInput{
		Labels:  p.Labels,
		Message: p.Message,
		Tag:     op.Token,
	})
	return err
}

func (e *SyncEngine) executePushPatchSet(ctx context.Context, ep driven.Endpoint, change model.Change, p model.PushPatchSetPayload) error {
	remoteURL := ep.BaseURL + "/a/" + change.Project

	revision, err := e.pusher.PushForReview(ctx, p.WorkTree, remoteURL, p.TargetBranch)
	if err != nil {
		return err
	}

	slog.Info("patch set pushed", "change", change.ID, "revision", revision)
	// The next poll cycle observes the new revision and re-imports.
	return nil
}

func (e *SyncEngine) noteCommentFailure(ctx context.Context, c model.Comment, cause error) {
	if err := e.comments.SetSyncStatus(ctx, c.ID, model.CommentSyncFailed); err != nil {
		slog.Error("mark comment sync failed", "comment", c.ID, "error", err)
	}
	e.events.Publish(model.Event{
		Kind:      model.EventCommentSyncFailed,
		ChangeID:  c.ChangeID,
		CommentID: c.ID,
		Detail:    cause.Error(),
		At:        time.Now().UTC(),
	})
}

func (e *SyncEngine) pauseAuth(ctx context.Context, instanceID int64) {
	if e.authPaused.Swap(true) {
		return
	}
	slog.Warn("authentication failed, dispatch paused", "instance", instanceID)

	if err := e.registry.instances.SetConnectionStatus(ctx, instanceID,
		model.ConnectionAuthFailed); err != nil {
		slog.Error("record auth failure failed", "instance", instanceID, "error", err)
	}
	e.events.Publish(model.Event{
		Kind:       model.EventInstanceStatus,
		InstanceID: instanceID,
		Detail:     string(model.ConnectionAuthFailed),
		At:         time.Now().UTC(),
	})
}

// activeEndpoint loads the active instance and decrypts its credentials.
// Returns (nil, zero, nil) when no instance is active.
func (e *SyncEngine) activeEndpoint(ctx context.Context) (*model.Instance, driven.Endpoint, error) {
	inst, err := e.registry.GetActive(ctx)
	if err != nil || inst == nil {
		return nil, driven.Endpoint{}, err
	}
	ep, err := e.registry.Endpoint(*inst)
	if err != nil {
		return nil, driven.Endpoint{}, err
	}
	return inst, ep, nil
}
