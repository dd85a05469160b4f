package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/ericfisherdev/reviewdesk/internal/domain/model"
	"github.com/ericfisherdev/reviewdesk/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.ChangeStore = (*ChangeRepo)(nil)

// ChangeRepo is the SQLite implementation of the ChangeStore port interface.
type ChangeRepo struct {
	db *DB
}

// NewChangeRepo creates a new ChangeRepo backed by the given DB.
func NewChangeRepo(db *DB) *ChangeRepo {
	return &ChangeRepo{db: db}
}

const changeColumns = `id, instance_id, change_key, project, branch, subject, owner,
	status, import_status, conflict_state, current_patch_set_id,
	remote_comment_count, created_at, updated_at`

// UpsertChange inserts or updates a change keyed by (instance_id, change_key).
// The current-patch-set pointer is not touched here; only
// AdvanceCurrentPatchSet moves it, atomically with the patch-set insert.
func (r *ChangeRepo) UpsertChange(ctx context.Context, c model.Change) (model.Change, error) {
	const query = `
		INSERT INTO changes (
			instance_id, change_key, project, branch, subject, owner,
			status, import_status, conflict_state, remote_comment_count
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(instance_id, change_key) DO UPDATE SET
			project = excluded.project,
			branch = excluded.branch,
			subject = excluded.subject,
			owner = excluded.owner,
			status = excluded.status,
			import_status = excluded.import_status,
			conflict_state = excluded.conflict_state,
			remote_comment_count = excluded.remote_comment_count,
			updated_at = CURRENT_TIMESTAMP
	`

	_, err := r.db.Writer.ExecContext(ctx, query,
		c.InstanceID, c.ChangeKey, c.Project, c.Branch, c.Subject, c.Owner,
		string(c.Status), string(c.ImportStatus), string(c.ConflictState),
		c.RemoteCommentCount,
	)
	if err != nil {
		return model.Change{}, fmt.Errorf("upsert change %q: %w", c.ChangeKey, err)
	}

	stored, err := r.GetChangeByKey(ctx, c.InstanceID, c.ChangeKey)
	if err != nil {
		return model.Change{}, err
	}
	if stored == nil {
		return model.Change{}, driven.ErrChangeNotFound
	}
	return *stored, nil
}

// GetChange retrieves a single change by local ID.
func (r *ChangeRepo) GetChange(ctx context.Context, id int64) (*model.Change, error) {
	query := `SELECT ` + changeColumns + ` FROM changes WHERE id = ?`

	c, err := scanChange(r.db.Reader.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, driven.ErrChangeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get change %d: %w", id, err)
	}
	return c, nil
}

// GetChangeByKey retrieves a change by instance and remote key.
// Returns nil, nil when the change has never been imported.
func (r *ChangeRepo) GetChangeByKey(ctx context.Context, instanceID int64, changeKey string) (*model.Change, error) {
	query := `SELECT ` + changeColumns + ` FROM changes WHERE instance_id = ? AND change_key = ?`

	c, err := scanChange(r.db.Reader.QueryRowContext(ctx, query, instanceID, changeKey))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get change %q: %w", changeKey, err)
	}
	return c, nil
}

// ListChangesByInstance returns all changes for an instance, most recent first.
func (r *ChangeRepo) ListChangesByInstance(ctx context.Context, instanceID int64) ([]model.Change, error) {
	query := `SELECT ` + changeColumns + ` FROM changes WHERE instance_id = ? ORDER BY updated_at DESC`

	rows, err := r.db.Reader.QueryContext(ctx, query, instanceID)
	if err != nil {
		return nil, fmt.Errorf("list changes for instance %d: %w", instanceID, err)
	}
	defer rows.Close()

	var changes []model.Change
	for rows.Next() {
		c, err := scanChange(rows)
		if err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		changes = append(changes, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate changes: %w", err)
	}
	return changes, nil
}

// SetImportStatus updates only the import lifecycle field.
func (r *ChangeRepo) SetImportStatus(ctx context.Context, changeID int64, status model.ImportStatus) error {
	res, err := r.db.Writer.ExecContext(ctx,
		`UPDATE changes SET import_status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		string(status), changeID)
	if err != nil {
		return fmt.Errorf("set import status for change %d: %w", changeID, err)
	}
	return requireRow(res, driven.ErrChangeNotFound)
}

// SetConflictState updates only the conflict summary field.
func (r *ChangeRepo) SetConflictState(ctx context.Context, changeID int64, state model.ConflictState) error {
	res, err := r.db.Writer.ExecContext(ctx,
		`UPDATE changes SET conflict_state = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		string(state), changeID)
	if err != nil {
		return fmt.Errorf("set conflict state for change %d: %w", changeID, err)
	}
	return requireRow(res, driven.ErrChangeNotFound)
}

// SetChangeStatus applies a remote status transition. Terminal statuses are
// monotonic: once Merged or Abandoned the row no longer moves.
func (r *ChangeRepo) SetChangeStatus(ctx context.Context, changeID int64, status model.ChangeStatus) error {
	const query = `
		UPDATE changes SET status = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status NOT IN ('merged', 'abandoned')
	`

	res, err := r.db.Writer.ExecContext(ctx, query, string(status), changeID)
	if err != nil {
		return fmt.Errorf("set status for change %d: %w", changeID, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rows == 0 {
		// Either missing or already terminal; distinguish for the caller.
		if _, err := r.GetChange(ctx, changeID); err != nil {
			return err
		}
	}
	return nil
}

// InsertPatchSet persists a patch set without moving the current pointer.
// Used during import for historical revisions referenced by comments.
func (r *ChangeRepo) InsertPatchSet(ctx context.Context, ps model.PatchSet) (model.PatchSet, error) {
	const query = `
		INSERT INTO patch_sets (change_id, number, revision) VALUES (?, ?, ?)
		ON CONFLICT(change_id, revision) DO NOTHING
	`

	if _, err := r.db.Writer.ExecContext(ctx, query, ps.ChangeID, ps.Number, ps.Revision); err != nil {
		return model.PatchSet{}, fmt.Errorf("insert patch set %d/%s: %w", ps.ChangeID, ps.Revision, err)
	}

	stored, err := r.GetPatchSetByRevision(ctx, ps.ChangeID, ps.Revision)
	if err != nil {
		return model.PatchSet{}, err
	}
	return *stored, nil
}

// GetPatchSet retrieves a patch set by local ID.
func (r *ChangeRepo) GetPatchSet(ctx context.Context, id int64) (*model.PatchSet, error) {
	const query = `SELECT id, change_id, number, revision, created_at FROM patch_sets WHERE id = ?`

	ps, err := scanPatchSet(r.db.Reader.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, driven.ErrPatchSetNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get patch set %d: %w", id, err)
	}
	return ps, nil
}

// GetPatchSetByRevision retrieves a patch set by change and revision hash.
func (r *ChangeRepo) GetPatchSetByRevision(ctx context.Context, changeID int64, revision string) (*model.PatchSet, error) {
	const query = `SELECT id, change_id, number, revision, created_at FROM patch_sets WHERE change_id = ? AND revision = ?`

	ps, err := scanPatchSet(r.db.Reader.QueryRowContext(ctx, query, changeID, revision))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, driven.ErrPatchSetNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get patch set %d/%s: %w", changeID, revision, err)
	}
	return ps, nil
}

// ListPatchSets returns all patch sets for a change ordered by number.
func (r *ChangeRepo) ListPatchSets(ctx context.Context, changeID int64) ([]model.PatchSet, error) {
	const query = `SELECT id, change_id, number, revision, created_at FROM patch_sets WHERE change_id = ? ORDER BY number`

	rows, err := r.db.Reader.QueryContext(ctx, query, changeID)
	if err != nil {
		return nil, fmt.Errorf("list patch sets for change %d: %w", changeID, err)
	}
	defer rows.Close()

	var sets []model.PatchSet
	for rows.Next() {
		ps, err := scanPatchSet(rows)
		if err != nil {
			return nil, fmt.Errorf("scan patch set: %w", err)
		}
		sets = append(sets, *ps)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate patch sets: %w", err)
	}
	return sets, nil
}

// AdvanceCurrentPatchSet atomically inserts the new patch set, moves the
// change's current pointer, marks the change Outdated, and flips its conflict
// state to PatchSetUpdated. A crash between any two of these writes cannot be
// observed: either all commit or none.
func (r *ChangeRepo) AdvanceCurrentPatchSet(ctx context.Context, changeID int64, ps model.PatchSet) (model.PatchSet, error) {
	tx, err := r.db.Writer.BeginTx(ctx, nil)
	if err != nil {
		return model.PatchSet{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback after commit is a no-op.

	const insert = `
		INSERT INTO patch_sets (change_id, number, revision) VALUES (?, ?, ?)
		ON CONFLICT(change_id, revision) DO NOTHING
	`
	if _, err := tx.ExecContext(ctx, insert, changeID, ps.Number, ps.Revision); err != nil {
		return model.PatchSet{}, fmt.Errorf("insert patch set %d: %w", ps.Number, err)
	}

	var psID int64
	row := tx.QueryRowContext(ctx,
		`SELECT id FROM patch_sets WHERE change_id = ? AND revision = ?`, changeID, ps.Revision)
	if err := row.Scan(&psID); err != nil {
		return model.PatchSet{}, fmt.Errorf("locate inserted patch set: %w", err)
	}

	const update = `
		UPDATE changes
		SET current_patch_set_id = ?, import_status = ?, conflict_state = ?,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`
	res, err := tx.ExecContext(ctx, update,
		psID, string(model.ImportStatusOutdated), string(model.ConflictPatchSetUpdated), changeID)
	if err != nil {
		return model.PatchSet{}, fmt.Errorf("advance current patch set for change %d: %w", changeID, err)
	}
	if err := requireRow(res, driven.ErrChangeNotFound); err != nil {
		return model.PatchSet{}, err
	}

	if err := tx.Commit(); err != nil {
		return model.PatchSet{}, fmt.Errorf("commit patch set advance: %w", err)
	}

	stored, err := r.GetPatchSet(ctx, psID)
	if err != nil {
		return model.PatchSet{}, err
	}
	return *stored, nil
}

// ReplaceFiles atomically replaces the file listing for a patch set.
func (r *ChangeRepo) ReplaceFiles(ctx context.Context, changeID, patchSetID int64, files []model.ChangeFile) error {
	tx, err := r.db.Writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback after commit is a no-op.

	if _, err := tx.ExecContext(ctx, `DELETE FROM change_files WHERE patch_set_id = ?`, patchSetID); err != nil {
		return fmt.Errorf("delete files for patch set %d: %w", patchSetID, err)
	}

	const insert = `
		INSERT INTO change_files (change_id, patch_set_id, path, status, lines_inserted, lines_deleted, fetched)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	for _, f := range files {
		fetched := 0
		if f.Fetched {
			fetched = 1
		}
		if _, err := tx.ExecContext(ctx, insert,
			changeID, patchSetID, f.Path, f.Status, f.LinesInserted, f.LinesDeleted, fetched,
		); err != nil {
			return fmt.Errorf("insert file %q: %w", f.Path, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit file replacement: %w", err)
	}
	return nil
}

// ListFiles returns the file listing for a patch set ordered by path.
func (r *ChangeRepo) ListFiles(ctx context.Context, patchSetID int64) ([]model.ChangeFile, error) {
	const query = `
		SELECT id, change_id, patch_set_id, path, status, lines_inserted, lines_deleted, fetched
		FROM change_files WHERE patch_set_id = ? ORDER BY path
	`

	rows, err := r.db.Reader.QueryContext(ctx, query, patchSetID)
	if err != nil {
		return nil, fmt.Errorf("list files for patch set %d: %w", patchSetID, err)
	}
	defer rows.Close()

	var files []model.ChangeFile
	for rows.Next() {
		var f model.ChangeFile
		var fetched int
		if err := rows.Scan(&f.ID, &f.ChangeID, &f.PatchSetID, &f.Path, &f.Status,
			&f.LinesInserted, &f.LinesDeleted, &fetched); err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		f.Fetched = fetched != 0
		files = append(files, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate files: %w", err)
	}
	return files, nil
}

// MarkFileFetched flags one file row as successfully fetched.
func (r *ChangeRepo) MarkFileFetched(ctx context.Context, fileID int64) error {
	_, err := r.db.Writer.ExecContext(ctx, `UPDATE change_files SET fetched = 1 WHERE id = ?`, fileID)
	if err != nil {
		return fmt.Errorf("mark file %d fetched: %w", fileID, err)
	}
	return nil
}

// SaveFileContent stores the fetched lines of one file and marks it fetched in
// the same write, so a stored snapshot is always complete.
func (r *ChangeRepo) SaveFileContent(ctx context.Context, fileID int64, lines []string) error {
	_, err := r.db.Writer.ExecContext(ctx,
		`UPDATE change_files SET content = ?, fetched = 1 WHERE id = ?`,
		strings.Join(lines, "\n"), fileID)
	if err != nil {
		return fmt.Errorf("save content for file %d: %w", fileID, err)
	}
	return nil
}

// GetFileLines returns the stored content of one file at one patch set.
// Returns ErrFileNotFound when the file is not in the listing or its content
// was never fetched.
func (r *ChangeRepo) GetFileLines(ctx context.Context, patchSetID int64, path string) ([]string, error) {
	var content sql.NullString
	err := r.db.Reader.QueryRowContext(ctx,
		`SELECT content FROM change_files WHERE patch_set_id = ? AND path = ?`,
		patchSetID, path).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, driven.ErrFileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get content for %q: %w", path, err)
	}
	if !content.Valid {
		return nil, driven.ErrFileNotFound
	}
	if content.String == "" {
		return nil, nil
	}
	return strings.Split(content.String, "\n"), nil
}

func scanChange(s scanner) (*model.Change, error) {
	var c model.Change
	var status, importStatus, conflictState string
	var currentPS sql.NullInt64
	var createdAt, updatedAt string

	err := s.Scan(
		&c.ID, &c.InstanceID, &c.ChangeKey, &c.Project, &c.Branch, &c.Subject, &c.Owner,
		&status, &importStatus, &conflictState, &currentPS,
		&c.RemoteCommentCount, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	c.Status = model.ChangeStatus(status)
	c.ImportStatus = model.ImportStatus(importStatus)
	c.ConflictState = model.ConflictState(conflictState)
	if currentPS.Valid {
		c.CurrentPatchSetID = currentPS.Int64
	}

	c.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	c.UpdatedAt, err = parseTime(updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}

	return &c, nil
}

func scanPatchSet(s scanner) (*model.PatchSet, error) {
	var ps model.PatchSet
	var createdAt string

	if err := s.Scan(&ps.ID, &ps.ChangeID, &ps.Number, &ps.Revision, &createdAt); err != nil {
		return nil, err
	}

	var err error
	ps.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	return &ps, nil
}
