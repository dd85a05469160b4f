package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/ericfisherdev/reviewdesk/internal/domain/model"
	"github.com/ericfisherdev/reviewdesk/internal/domain/port/driven"
)

// fileFetchConcurrency bounds parallel file-content downloads per import.
const fileFetchConcurrency = 4

// fileFetchRetries is the per-file retry budget within one import run. Files
// that still fail stay Fetched=false and resume on the next import.
const fileFetchRetries = 2

// Importer is the staged change-import pipeline: change metadata, file
// listing, file contents, then remote comments. Each stage reports progress
// through the event sink. An import that fails part-way leaves a resumable
// snapshot, never a corrupt one.
type Importer struct {
	changes  driven.ChangeStore
	comments driven.CommentStore
	client   driven.GerritClient
	events   driven.EventSink
}

// NewImporter creates an Importer with all required dependencies.
func NewImporter(
	changes driven.ChangeStore,
	comments driven.CommentStore,
	client driven.GerritClient,
	events driven.EventSink,
) *Importer {
	return &Importer{
		changes:  changes,
		comments: comments,
		client:   client,
		events:   events,
	}
}

// Import fetches one change into the local snapshot. When the change is
// already imported at the server's current revision and force is false, the
// call is a fast no-op. force re-fetches everything.
func (s *Importer) Import(ctx context.Context, inst model.Instance, ep driven.Endpoint, changeKey string, force bool) (model.Change, error) {
	s.progress(inst.ID, 0, model.StageFetchingChange, 0, 0, changeKey)

	detail, err := s.client.FetchChange(ctx, ep, changeKey)
	if err != nil {
		s.events.Publish(model.Event{
			Kind:       model.EventImportFailed,
			InstanceID: inst.ID,
			Detail:     err.Error(),
			At:         time.Now().UTC(),
		})
		return model.Change{}, fmt.Errorf("fetch change %q: %w", changeKey, err)
	}

	existing, err := s.changes.GetChangeByKey(ctx, inst.ID, changeKey)
	if err != nil {
		return model.Change{}, err
	}

	if existing != nil && !force && s.upToDate(ctx, *existing, detail) {
		slog.Debug("import skipped, snapshot current", "change", existing.ID, "revision", detail.CurrentRevision)
		return *existing, nil
	}

	change, err := s.upsertMetadata(ctx, inst.ID, existing, detail)
	if err != nil {
		return model.Change{}, err
	}

	ps, err := s.ensureCurrentPatchSet(ctx, change, detail)
	if err != nil {
		return s.fail(ctx, change, err)
	}

	if err := s.importFiles(ctx, ep, change, ps, detail.CurrentRevision, force); err != nil {
		return s.fail(ctx, change, err)
	}

	if err := s.importComments(ctx, ep, change); err != nil {
		return s.fail(ctx, change, err)
	}

	s.progress(inst.ID, change.ID, model.StageProcessingDiffs, 0, 0, "")

	if err := s.finish(ctx, &change); err != nil {
		return model.Change{}, err
	}

	s.progress(inst.ID, change.ID, model.StageComplete, 0, 0, "")
	s.events.Publish(model.Event{
		Kind:       model.EventImportCompleted,
		InstanceID: inst.ID,
		ChangeID:   change.ID,
		At:         time.Now().UTC(),
	})

	slog.Info("change imported",
		"change", change.ID,
		"change_key", changeKey,
		"revision", detail.CurrentRevision,
	)
	return change, nil
}

// upToDate reports whether the stored snapshot already reflects the server's
// current revision.
func (s *Importer) upToDate(ctx context.Context, c model.Change, detail *driven.ChangeDetail) bool {
	if c.ImportStatus != model.ImportStatusImported || c.CurrentPatchSetID == 0 {
		return false
	}
	ps, err := s.changes.GetPatchSet(ctx, c.CurrentPatchSetID)
	if err != nil {
		return false
	}
	return ps.Revision == detail.CurrentRevision
}

func (s *Importer) upsertMetadata(ctx context.Context, instanceID int64, existing *model.Change, detail *driven.ChangeDetail) (model.Change, error) {
	c := model.Change{
		InstanceID:         instanceID,
		ChangeKey:          detail.ChangeKey,
		Project:            detail.Project,
		Branch:             detail.Branch,
		Subject:            detail.Subject,
		Owner:              detail.Owner,
		Status:             detail.Status,
		ImportStatus:       model.ImportStatusImporting,
		ConflictState:      model.ConflictNone,
		RemoteCommentCount: detail.CommentCount,
	}
	if existing != nil {
		c.ConflictState = existing.ConflictState
	}
	return s.changes.UpsertChange(ctx, c)
}

// ensureCurrentPatchSet makes the change's current pointer track the server's
// current revision. First import inserts and adopts the patch set; a later
// revision advances the pointer atomically.
func (s *Importer) ensureCurrentPatchSet(ctx context.Context, c model.Change, detail *driven.ChangeDetail) (model.PatchSet, error) {
	if c.CurrentPatchSetID != 0 {
		current, err := s.changes.GetPatchSet(ctx, c.CurrentPatchSetID)
		if err != nil {
			return model.PatchSet{}, err
		}
		if current.Revision == detail.CurrentRevision {
			return *current, nil
		}
	}

	ps := model.PatchSet{
		ChangeID: c.ID,
		Number:   detail.CurrentNumber,
		Revision: detail.CurrentRevision,
	}
	advanced, err := s.changes.AdvanceCurrentPatchSet(ctx, c.ID, ps)
	if err != nil {
		return model.PatchSet{}, err
	}

	// AdvanceCurrentPatchSet marks the snapshot Outdated; this import is
	// bringing it current, so move straight back to Importing.
	if err := s.changes.SetImportStatus(ctx, c.ID, model.ImportStatusImporting); err != nil {
		return model.PatchSet{}, err
	}
	return advanced, nil
}

// importFiles replaces the file listing (unless resuming) and downloads file
// contents concurrently, retrying each file independently.
func (s *Importer) importFiles(ctx context.Context, ep driven.Endpoint, c model.Change, ps model.PatchSet, revision string, force bool) error {
	stored, err := s.changes.ListFiles(ctx, ps.ID)
	if err != nil {
		return err
	}

	if force || len(stored) == 0 {
		remote, err := s.client.ListFiles(ctx, ep, c.ChangeKey, revision)
		if err != nil {
			return fmt.Errorf("list files: %w", err)
		}

		files := make([]model.ChangeFile, 0, len(remote))
		for _, rf := range remote {
			files = append(files, model.ChangeFile{
				ChangeID:      c.ID,
				PatchSetID:    ps.ID,
				Path:          rf.Path,
				Status:        rf.Status,
				LinesInserted: rf.LinesInserted,
				LinesDeleted:  rf.LinesDeleted,
			})
		}
		if err := s.changes.ReplaceFiles(ctx, c.ID, ps.ID, files); err != nil {
			return err
		}
		stored, err = s.changes.ListFiles(ctx, ps.ID)
		if err != nil {
			return err
		}
	}

	var pending []model.ChangeFile
	for _, f := range stored {
		if !f.Fetched {
			pending = append(pending, f)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	total := len(stored)
	done := total - len(pending)
	s.progress(c.InstanceID, c.ID, model.StageFetchingFiles, done, total, "")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fileFetchConcurrency)

	progressCh := make(chan int64, len(pending))
	for _, f := range pending {
		f := f
		g.Go(func() error {
			// Deleted files have no content at this revision.
			if f.Status == "D" {
				if err := s.changes.MarkFileFetched(gctx, f.ID); err != nil {
					return err
				}
				progressCh <- f.ID
				return nil
			}

			lines, err := s.fetchFileWithRetry(gctx, ep, c.ChangeKey, ps.Revision, f.Path)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", f.Path, err)
			}
			// Stored content is what makes draft re-anchoring work offline.
			if err := s.changes.SaveFileContent(gctx, f.ID, lines); err != nil {
				return err
			}
			progressCh <- f.ID
			return nil
		})
	}

	fetchErr := g.Wait()
	close(progressCh)
	for range progressCh {
		done++
	}
	s.progress(c.InstanceID, c.ID, model.StageFetchingFiles, done, total, "")

	return fetchErr
}

func (s *Importer) fetchFileWithRetry(ctx context.Context, ep driven.Endpoint, changeKey, revision, path string) ([]string, error) {
	var lines []string
	op := func() error {
		var err error
		lines, err = s.client.FetchFileLines(ctx, ep, changeKey, revision, path)
		if err == nil {
			return nil
		}

		// Only transient network failures are worth retrying inside one run.
		var re *driven.RemoteError
		if errors.As(err, &re) && re.Kind != driven.RemoteNetworkError {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), fileFetchRetries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return lines, nil
}

// importComments mirrors the server's published comments into the snapshot.
// Comments already known locally (matched by remote ID) are left alone; the
// sync engine owns divergence handling.
func (s *Importer) importComments(ctx context.Context, ep driven.Endpoint, c model.Change) error {
	s.progress(c.InstanceID, c.ID, model.StageFetchingComments, 0, 0, "")

	_, err := s.SyncRemoteComments(ctx, ep, c)
	return err
}

// SyncRemoteComments fetches the server's published comments, inserts the ones
// not yet known locally, and returns the full remote set for conflict
// scanning. Also used by the poll loop when a comment-count divergence shows.
func (s *Importer) SyncRemoteComments(ctx context.Context, ep driven.Endpoint, c model.Change) ([]driven.RemoteComment, error) {
	remote, err := s.client.ListComments(ctx, ep, c.ChangeKey)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}

	for _, rc := range remote {
		existing, err := s.comments.GetCommentByRemoteID(ctx, c.ID, rc.RemoteID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			continue
		}

		ps, err := s.resolvePatchSet(ctx, c.ID, rc)
		if err != nil {
			return nil, err
		}

		remoteID := rc.RemoteID
		if _, err := s.comments.InsertComment(ctx, model.Comment{
			RemoteID:      &remoteID,
			ChangeID:      c.ID,
			PatchSetID:    ps.ID,
			Path:          rc.Path,
			Side:          rc.Side,
			Line:          rc.Line,
			RangeStart:    rc.RangeStart,
			Message:       rc.Message,
			Author:        rc.Author,
			SyncStatus:    model.CommentSynced,
			RemoteUpdated: rc.Updated,
		}); err != nil {
			return nil, err
		}
	}
	return remote, nil
}

// resolvePatchSet finds or records the patch set a remote comment anchors to.
// Comments can reference historical revisions the import never fetched.
func (s *Importer) resolvePatchSet(ctx context.Context, changeID int64, rc driven.RemoteComment) (model.PatchSet, error) {
	if rc.Revision != "" {
		ps, err := s.changes.GetPatchSetByRevision(ctx, changeID, rc.Revision)
		if err == nil {
			return *ps, nil
		}
		if !errors.Is(err, driven.ErrPatchSetNotFound) {
			return model.PatchSet{}, err
		}
		return s.changes.InsertPatchSet(ctx, model.PatchSet{
			ChangeID: changeID,
			Number:   rc.PatchSetNumber,
			Revision: rc.Revision,
		})
	}

	sets, err := s.changes.ListPatchSets(ctx, changeID)
	if err != nil {
		return model.PatchSet{}, err
	}
	for _, ps := range sets {
		if ps.Number == rc.PatchSetNumber {
			return ps, nil
		}
	}
	return model.PatchSet{}, fmt.Errorf("comment %s references unknown patch set %d: %w",
		rc.RemoteID, rc.PatchSetNumber, driven.ErrPatchSetNotFound)
}

// finish marks the import complete and clears a stale patch-set conflict flag
// when nothing local is waiting on it.
func (s *Importer) finish(ctx context.Context, c *model.Change) error {
	// Re-read: ensureCurrentPatchSet may have flipped the conflict state.
	fresh, err := s.changes.GetChange(ctx, c.ID)
	if err != nil {
		return err
	}
	*c = *fresh

	if err := s.changes.SetImportStatus(ctx, c.ID, model.ImportStatusImported); err != nil {
		return err
	}
	c.ImportStatus = model.ImportStatusImported

	if c.ConflictState == model.ConflictPatchSetUpdated {
		pending, err := s.pendingLocalComments(ctx, c.ID)
		if err != nil {
			return err
		}
		if !pending {
			if err := s.changes.SetConflictState(ctx, c.ID, model.ConflictNone); err != nil {
				return err
			}
			c.ConflictState = model.ConflictNone
		}
	}
	return nil
}

func (s *Importer) pendingLocalComments(ctx context.Context, changeID int64) (bool, error) {
	for _, status := range []model.CommentSyncStatus{
		model.CommentLocalOnly,
		model.CommentSyncPending,
		model.CommentModifiedLocally,
		model.CommentConflictDetected,
	} {
		comments, err := s.comments.ListCommentsByStatus(ctx, changeID, status)
		if err != nil {
			return false, err
		}
		if len(comments) > 0 {
			return true, nil
		}
	}
	return false, nil
}

func (s *Importer) fail(ctx context.Context, c model.Change, cause error) (model.Change, error) {
	if err := s.changes.SetImportStatus(ctx, c.ID, model.ImportStatusFailed); err != nil {
		slog.Error("mark import failed", "change", c.ID, "error", err)
	}
	s.events.Publish(model.Event{
		Kind:       model.EventImportFailed,
		InstanceID: c.InstanceID,
		ChangeID:   c.ID,
		Detail:     cause.Error(),
		At:         time.Now().UTC(),
	})
	return model.Change{}, fmt.Errorf("import change %q: %w", c.ChangeKey, cause)
}

func (s *Importer) progress(instanceID, changeID int64, stage model.ImportStage, done, total int, detail string) {
	s.events.Publish(model.Event{
		Kind:       model.EventImportProgress,
		InstanceID: instanceID,
		ChangeID:   changeID,
		Stage:      stage,
		Done:       done,
		Total:      total,
		Detail:     detail,
		At:         time.Now().UTC(),
	})
}
