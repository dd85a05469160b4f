package application

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/reviewdesk/internal/adapter/driven/sqlite"
	"github.com/ericfisherdev/reviewdesk/internal/domain/model"
	"github.com/ericfisherdev/reviewdesk/internal/domain/port/driven"
)

// testStores bundles the real SQLite repositories the services run against.
// Only the outward-facing adapters (Gerrit, vault, git, events) are faked.
type testStores struct {
	db        *sqlite.DB
	instances *sqlite.InstanceRepo
	changes   *sqlite.ChangeRepo
	comments  *sqlite.CommentRepo
	reviews   *sqlite.ReviewRepo
	ops       *sqlite.OperationRepo
}

func newTestStores(t *testing.T) *testStores {
	t.Helper()

	db, err := sqlite.NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, sqlite.RunMigrations(db.Writer))

	return &testStores{
		db:        db,
		instances: sqlite.NewInstanceRepo(db),
		changes:   sqlite.NewChangeRepo(db),
		comments:  sqlite.NewCommentRepo(db),
		reviews:   sqlite.NewReviewRepo(db),
		ops:       sqlite.NewOperationRepo(db),
	}
}

func (ts *testStores) seedInstance(t *testing.T) model.Instance {
	t.Helper()
	inst, err := ts.instances.Create(context.Background(), model.Instance{
		Name:           "test-" + t.Name(),
		BaseURL:        "https://gerrit.example.com",
		CredentialBlob: "dana\nhttp-token",
		PollInterval:   time.Minute,
	})
	require.NoError(t, err)
	require.NoError(t, ts.instances.SetActive(context.Background(), inst.ID))
	inst.IsActive = true
	return inst
}

func (ts *testStores) seedChange(t *testing.T, instanceID int64) (model.Change, model.PatchSet) {
	t.Helper()
	ctx := context.Background()

	c, err := ts.changes.UpsertChange(ctx, model.Change{
		InstanceID:    instanceID,
		ChangeKey:     "core~main~I" + t.Name(),
		Project:       "platform/core",
		Branch:        "main",
		Subject:       "Fix retry handling",
		Status:        model.ChangeStatusNew,
		ImportStatus:  model.ImportStatusImported,
		ConflictState: model.ConflictNone,
	})
	require.NoError(t, err)

	ps, err := ts.changes.AdvanceCurrentPatchSet(ctx, c.ID, model.PatchSet{
		ChangeID: c.ID, Number: 1, Revision: "rev1-" + t.Name(),
	})
	require.NoError(t, err)

	// Advancing flags the snapshot outdated; the seeds represent a completed
	// import, so settle it back.
	require.NoError(t, ts.changes.SetImportStatus(ctx, c.ID, model.ImportStatusImported))
	require.NoError(t, ts.changes.SetConflictState(ctx, c.ID, model.ConflictNone))

	fresh, err := ts.changes.GetChange(ctx, c.ID)
	require.NoError(t, err)
	return *fresh, ps
}

// plainVault stores credential blobs unencrypted so tests can seed them directly.
type plainVault struct{}

func (plainVault) Encrypt(plaintext string) (string, error) { return plaintext, nil }
func (plainVault) Decrypt(blob string) (string, error)      { return blob, nil }

// captureEvents records published events for assertion.
type captureEvents struct {
	mu     sync.Mutex
	events []model.Event
}

func (c *captureEvents) Publish(e model.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *captureEvents) kinds() []model.EventKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.EventKind, 0, len(c.events))
	for _, e := range c.events {
		out = append(out, e.Kind)
	}
	return out
}

func (c *captureEvents) has(kind model.EventKind) bool {
	for _, k := range c.kinds() {
		if k == kind {
			return true
		}
	}
	return false
}

// fakeGerrit is a hand-rolled GerritClient double. Each method delegates to an
// optional function field; unset fields return benign zero results.
type fakeGerrit struct {
	mu sync.Mutex

	probeFn        func(ctx context.Context, ep driven.Endpoint) (string, error)
	summaryFn      func(ctx context.Context, ep driven.Endpoint, changeKey string) (*driven.ChangeSummary, error)
	fetchChangeFn  func(ctx context.Context, ep driven.Endpoint, changeKey string) (*driven.ChangeDetail, error)
	listFilesFn    func(ctx context.Context, ep driven.Endpoint, changeKey, revision string) ([]driven.RemoteFile, error)
	fileLinesFn    func(ctx context.Context, ep driven.Endpoint, changeKey, revision, path string) ([]string, error)
	listCommentsFn func(ctx context.Context, ep driven.Endpoint, changeKey string) ([]driven.RemoteComment, error)
	createDraftFn  func(ctx context.Context, ep driven.Endpoint, changeKey, revision string, c driven.DraftComment) (string, error)
	updateDraftFn  func(ctx context.Context, ep driven.Endpoint, changeKey, revision, remoteID, message string) error
	deleteDraftFn  func(ctx context.Context, ep driven.Endpoint, changeKey, revision, remoteID string) error
	setReviewFn    func(ctx context.Context, ep driven.Endpoint, changeKey, revision string, in driven.ReviewInput) (*driven.ReviewOutcome, error)
	findByTagFn    func(ctx context.Context, ep driven.Endpoint, changeKey, tag string) (bool, error)

	setReviewCalls   int
	findByTagCalls   int
	createDraftCalls int
}

var _ driven.GerritClient = (*fakeGerrit)(nil)

func (f *fakeGerrit) count(n *int) {
	f.mu.Lock()
	*n++
	f.mu.Unlock()
}

func (f *fakeGerrit) ProbeVersion(ctx context.Context, ep driven.Endpoint) (string, error) {
	if f.probeFn != nil {
		return f.probeFn(ctx, ep)
	}
	return "3.9.1", nil
}

func (f *fakeGerrit) QueryChangeSummary(ctx context.Context, ep driven.Endpoint, changeKey string) (*driven.ChangeSummary, error) {
	if f.summaryFn != nil {
		return f.summaryFn(ctx, ep, changeKey)
	}
	return &driven.ChangeSummary{ChangeKey: changeKey, Status: model.ChangeStatusNew}, nil
}

func (f *fakeGerrit) FetchChange(ctx context.Context, ep driven.Endpoint, changeKey string) (*driven.ChangeDetail, error) {
	if f.fetchChangeFn != nil {
		return f.fetchChangeFn(ctx, ep, changeKey)
	}
	return &driven.ChangeDetail{
		ChangeSummary: driven.ChangeSummary{ChangeKey: changeKey, Status: model.ChangeStatusNew},
		Project:       "platform/core",
		Branch:        "main",
	}, nil
}

func (f *fakeGerrit) ListFiles(ctx context.Context, ep driven.Endpoint, changeKey, revision string) ([]driven.RemoteFile, error) {
	if f.listFilesFn != nil {
		return f.listFilesFn(ctx, ep, changeKey, revision)
	}
	return nil, nil
}

func (f *fakeGerrit) FetchFileLines(ctx context.Context, ep driven.Endpoint, changeKey, revision, path string) ([]string, error) {
	if f.fileLinesFn != nil {
		return f.fileLinesFn(ctx, ep, changeKey, revision, path)
	}
	return nil, nil
}

func (f *fakeGerrit) ListComments(ctx context.Context, ep driven.Endpoint, changeKey string) ([]driven.RemoteComment, error) {
	if f.listCommentsFn != nil {
		return f.listCommentsFn(ctx, ep, changeKey)
	}
	return nil, nil
}

func (f *fakeGerrit) CreateDraftComment(ctx context.Context, ep driven.Endpoint, changeKey, revision string, c driven.DraftComment) (string, error) {
	f.count(&f.createDraftCalls)
	if f.createDraftFn != nil {
		return f.createDraftFn(ctx, ep, changeKey, revision, c)
	}
	return "remote-draft-1", nil
}

func (f *fakeGerrit) UpdateDraftComment(ctx context.Context, ep driven.Endpoint, changeKey, revision, remoteID, message string) error {
	if f.updateDraftFn != nil {
		return f.updateDraftFn(ctx, ep, changeKey, revision, remoteID, message)
	}
	return nil
}

func (f *fakeGerrit) DeleteDraftComment(ctx context.Context, ep driven.Endpoint, changeKey, revision, remoteID string) error {
	if f.deleteDraftFn != nil {
		return f.deleteDraftFn(ctx, ep, changeKey, revision, remoteID)
	}
	return nil
}

func (f *fakeGerrit) SetReview(ctx context.Context, ep driven.Endpoint, changeKey, revision string, in driven.ReviewInput) (*driven.ReviewOutcome, error) {
	f.count(&f.setReviewCalls)
	if f.setReviewFn != nil {
		return f.setReviewFn(ctx, ep, changeKey, revision, in)
	}
	outcome := &driven.ReviewOutcome{LabelsApplied: true, CommentIDs: map[int64]string{}}
	for i, c := range in.Comments {
		outcome.CommentIDs[c.LocalID] = "remote-" + string(rune('a'+i))
	}
	return outcome, nil
}

func (f *fakeGerrit) FindReviewByTag(ctx context.Context, ep driven.Endpoint, changeKey, tag string) (bool, error) {
	f.count(&f.findByTagCalls)
	if f.findByTagFn != nil {
		return f.findByTagFn(ctx, ep, changeKey, tag)
	}
	return false, nil
}

// fakePusher records push calls and returns a fixed revision.
type fakePusher struct {
	mu       sync.Mutex
	calls    []string // remoteURL values
	revision string
	err      error
}

var _ driven.GitPusher = (*fakePusher)(nil)

func (f *fakePusher) PushForReview(ctx context.Context, workTree, remoteURL, branch string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, remoteURL)
	f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	if f.revision == "" {
		return "deadbeef", nil
	}
	return f.revision, nil
}
