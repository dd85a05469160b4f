// Package driven defines secondary port interfaces for external adapters.
package driven

import (
	"context"
	"errors"
	"time"

	"github.com/ericfisherdev/reviewdesk/internal/domain/model"
)

// Sentinel errors returned by InstanceStore implementations.
var (
	// ErrInstanceNotFound indicates the requested instance does not exist.
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrInstanceNameTaken indicates another instance already uses the name.
	ErrInstanceNameTaken = errors.New("instance name already in use")
)

// InstanceStore defines the driven port for Gerrit instance persistence.
// SetActive is transactional: deactivate-all then activate-one commits
// atomically so a crash mid-switch can never leave two active instances.
type InstanceStore interface {
	Create(ctx context.Context, inst model.Instance) (model.Instance, error)
	GetByID(ctx context.Context, id int64) (*model.Instance, error)
	ListAll(ctx context.Context) ([]model.Instance, error)
	Update(ctx context.Context, inst model.Instance) error

	// Delete removes the instance. Deleting the active instance clears
	// active-instance state as a side effect of the row going away.
	Delete(ctx context.Context, id int64) error

	// SetActive atomically deactivates all instances and activates the given one.
	SetActive(ctx context.Context, id int64) error

	// GetActive returns the single active instance, or nil when none is active.
	GetActive(ctx context.Context) (*model.Instance, error)

	// UpdateConnectionState records the outcome of a connection test.
	UpdateConnectionState(ctx context.Context, id int64, status model.ConnectionStatus, serverVersion string, lastConnected time.Time) error

	// SetConnectionStatus updates only the connection status, preserving the
	// recorded server version and last-connected timestamp.
	SetConnectionStatus(ctx context.Context, id int64, status model.ConnectionStatus) error
}
