package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ericfisherdev/reviewdesk/internal/domain/model"
	"github.com/ericfisherdev/reviewdesk/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.InstanceStore = (*InstanceRepo)(nil)

// InstanceRepo is the SQLite implementation of the InstanceStore port interface.
type InstanceRepo struct {
	db *DB
}

// NewInstanceRepo creates a new InstanceRepo backed by the given DB.
func NewInstanceRepo(db *DB) *InstanceRepo {
	return &InstanceRepo{db: db}
}

const instanceColumns = `id, name, base_url, credential_blob, poll_interval_sec,
	is_active, status, server_version, last_connected_at, created_at, updated_at`

// Create persists a new instance and returns it with its assigned ID.
func (r *InstanceRepo) Create(ctx context.Context, inst model.Instance) (model.Instance, error) {
	const query = `
		INSERT INTO instances (name, base_url, credential_blob, poll_interval_sec, is_active, status)
		VALUES (?, ?, ?, ?, 0, ?)
	`

	res, err := r.db.Writer.ExecContext(ctx, query,
		inst.Name, inst.BaseURL, inst.CredentialBlob,
		int(inst.PollInterval.Seconds()), string(model.ConnectionDisconnected),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: instances.name") {
			return model.Instance{}, driven.ErrInstanceNameTaken
		}
		return model.Instance{}, fmt.Errorf("create instance %q: %w", inst.Name, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return model.Instance{}, fmt.Errorf("instance insert id: %w", err)
	}

	created, err := r.GetByID(ctx, id)
	if err != nil {
		return model.Instance{}, err
	}
	return *created, nil
}

// GetByID retrieves a single instance. Returns ErrInstanceNotFound when absent.
func (r *InstanceRepo) GetByID(ctx context.Context, id int64) (*model.Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM instances WHERE id = ?`

	inst, err := scanInstance(r.db.Reader.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, driven.ErrInstanceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get instance %d: %w", id, err)
	}
	return inst, nil
}

// ListAll returns all instances ordered by name.
func (r *InstanceRepo) ListAll(ctx context.Context) ([]model.Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM instances ORDER BY name`

	rows, err := r.db.Reader.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer rows.Close()

	var insts []model.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		insts = append(insts, *inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate instances: %w", err)
	}
	return insts, nil
}

// Update persists the mutable fields of an instance.
func (r *InstanceRepo) Update(ctx context.Context, inst model.Instance) error {
	const query = `
		UPDATE instances
		SET name = ?, base_url = ?, credential_blob = ?, poll_interval_sec = ?,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`

	res, err := r.db.Writer.ExecContext(ctx, query,
		inst.Name, inst.BaseURL, inst.CredentialBlob,
		int(inst.PollInterval.Seconds()), inst.ID,
	)
	if err != nil {
		return fmt.Errorf("update instance %d: %w", inst.ID, err)
	}
	return requireRow(res, driven.ErrInstanceNotFound)
}

// Delete removes an instance. Active-instance state clears with the row.
func (r *InstanceRepo) Delete(ctx context.Context, id int64) error {
	res, err := r.db.Writer.ExecContext(ctx, `DELETE FROM instances WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete instance %d: %w", id, err)
	}
	return requireRow(res, driven.ErrInstanceNotFound)
}

// SetActive atomically deactivates all instances and activates the given one.
// Deactivate-all then activate-one runs in a single transaction, so a crash
// mid-switch can never commit two active rows.
func (r *InstanceRepo) SetActive(ctx context.Context, id int64) error {
	tx, err := r.db.Writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback after commit is a no-op.

	if _, err := tx.ExecContext(ctx, `UPDATE instances SET is_active = 0 WHERE is_active = 1`); err != nil {
		return fmt.Errorf("deactivate instances: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE instances SET is_active = 1, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("activate instance %d: %w", id, err)
	}
	if err := requireRow(res, driven.ErrInstanceNotFound); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit active switch: %w", err)
	}
	return nil
}

// GetActive returns the single active instance, or nil when none is active.
func (r *InstanceRepo) GetActive(ctx context.Context) (*model.Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM instances WHERE is_active = 1`

	inst, err := scanInstance(r.db.Reader.QueryRowContext(ctx, query))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active instance: %w", err)
	}
	return inst, nil
}

// UpdateConnectionState records the outcome of a connection test.
func (r *InstanceRepo) UpdateConnectionState(ctx context.Context, id int64, status model.ConnectionStatus, serverVersion string, lastConnected time.Time) error {
	const query = `
		UPDATE instances
		SET status = ?, server_version = ?, last_connected_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`

	var connectedAt any
	if !lastConnected.IsZero() {
		connectedAt = bindTime(lastConnected)
	}

	res, err := r.db.Writer.ExecContext(ctx, query, string(status), serverVersion, connectedAt, id)
	if err != nil {
		return fmt.Errorf("update connection state for instance %d: %w", id, err)
	}
	return requireRow(res, driven.ErrInstanceNotFound)
}

// SetConnectionStatus updates only the connection status, leaving the recorded
// server version and last-connected timestamp from the last successful probe
// in place.
func (r *InstanceRepo) SetConnectionStatus(ctx context.Context, id int64, status model.ConnectionStatus) error {
	res, err := r.db.Writer.ExecContext(ctx,
		`UPDATE instances SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		string(status), id)
	if err != nil {
		return fmt.Errorf("set connection status for instance %d: %w", id, err)
	}
	return requireRow(res, driven.ErrInstanceNotFound)
}

func scanInstance(s scanner) (*model.Instance, error) {
	var inst model.Instance
	var pollSec int
	var isActive int
	var status string
	var lastConnected sql.NullString
	var createdAt, updatedAt string

	err := s.Scan(
		&inst.ID, &inst.Name, &inst.BaseURL, &inst.CredentialBlob, &pollSec,
		&isActive, &status, &inst.ServerVersion, &lastConnected, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	inst.PollInterval = time.Duration(pollSec) * time.Second
	inst.IsActive = isActive != 0
	inst.Status = model.ConnectionStatus(status)

	if lastConnected.Valid {
		inst.LastConnected, err = parseTime(lastConnected.String)
		if err != nil {
			return nil, fmt.Errorf("parse last_connected_at: %w", err)
		}
	}

	inst.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	inst.UpdatedAt, err = parseTime(updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}

	return &inst, nil
}

// requireRow converts a zero-rows-affected result into the given sentinel.
func requireRow(res sql.Result, notFound error) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rows == 0 {
		return notFound
	}
	return nil
}
