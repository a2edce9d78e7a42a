package storage

import (
	"context"

	"github.com/ignatij/tasktrack/pkg/models"
	"github.com/pkg/errors"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when an insert hits a unique constraint.
	ErrConflict = errors.New("conflict")
	// ErrNotInTransaction is returned by Commit/Rollback on a non-transactional store.
	ErrNotInTransaction = errors.New("not a transaction")
	// ErrRetryable marks a transaction the database aborted for a serialization
	// failure or deadlock. Re-running the whole unit of work may succeed.
	ErrRetryable = errors.New("retryable transaction failure")
)

// Store defines the storage operations for tasks and their dependency edges.
// Begin returns a Store bound to a new transaction; every read and write made
// through it belongs to that unit of work until Commit or Rollback.
type Store interface {
	Begin(ctx context.Context) (Store, error)
	Commit() error
	Rollback() error
	Close() error

	// Authorization reads
	GetMembership(ctx context.Context, workspaceID, userID string) (models.Membership, error)
	GetProject(ctx context.Context, projectID string) (models.Project, error)
	GetTaskScope(ctx context.Context, taskID string) (models.TaskScope, error)

	// Task operations
	SaveTask(ctx context.Context, t models.Task) error
	GetTask(ctx context.Context, id string) (models.Task, error)
	// GetTaskForUpdate is GetTask with a row lock held until the transaction ends.
	GetTaskForUpdate(ctx context.Context, id string) (models.Task, error)
	UpdateTask(ctx context.Context, t models.Task) error
	DeleteTask(ctx context.Context, id string) error
	ListTasks(ctx context.Context, projectID string, filter models.TaskFilter) ([]models.Task, error)
	SaveFailedTask(ctx context.Context, f models.FailedTask) error

	// Dependency operations
	// LockWorkspaceGraph serializes edge-graph mutations of one workspace for the
	// rest of the transaction.
	LockWorkspaceGraph(ctx context.Context, workspaceID string) error
	// SaveDependency inserts the edge and reports whether a new row was written.
	SaveDependency(ctx context.Context, d models.TaskDependency) (bool, error)
	// DeleteDependency removes the edge and reports whether a row was removed.
	DeleteDependency(ctx context.Context, blockerID, blockedID string) (bool, error)
	GetDependencies(ctx context.Context, workspaceID string) ([]models.TaskDependency, error)
	GetBlockers(ctx context.Context, taskID string) ([]models.Task, error)
	GetBlocking(ctx context.Context, taskID string) ([]models.Task, error)
}

// ActivityStore persists audit records. It is written after commit, outside
// any task transaction.
type ActivityStore interface {
	SaveActivity(ctx context.Context, rec models.ActivityRecord) error
}
