package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/ignatij/tasktrack/pkg/models"
	"github.com/ignatij/tasktrack/pkg/storage"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
)

const (
	uniqueViolation      = "23505"
	foreignKeyViolation  = "23503"
	serializationFailure = "40001"
	deadlockDetected     = "40P01"

	taskColumns = `id, title, description, status, priority, project_id, workspace_id,
		assignee_id, deadline, created_by, created_at, updated_at`
)

// DBInterface is satisfied by both *sqlx.DB and *sqlx.Tx.
type DBInterface interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	QueryRowxContext(ctx context.Context, query string, args ...interface{}) *sqlx.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type PostgresStore struct {
	db        DBInterface
	isolation sql.IsolationLevel
}

var (
	_ storage.Store         = (*PostgresStore)(nil)
	_ storage.ActivityStore = (*PostgresStore)(nil)
)

type Option func(*PostgresStore)

// WithIsolation sets the isolation level of transactions opened by Begin.
func WithIsolation(level sql.IsolationLevel) Option {
	return func(s *PostgresStore) {
		s.isolation = level
	}
}

func NewPostgresStore(connStr string, opts ...Option) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping database")
	}
	return NewPostgresStoreFromDB(db, opts...), nil
}

// NewPostgresStoreFromDB wraps an existing connection pool.
func NewPostgresStoreFromDB(db *sqlx.DB, opts ...Option) *PostgresStore {
	s := &PostgresStore{db: db, isolation: sql.LevelReadCommitted}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *PostgresStore) Begin(ctx context.Context) (storage.Store, error) {
	db, ok := s.db.(*sqlx.DB)
	if !ok {
		return nil, errors.New("cannot begin transaction: already in a transaction")
	}
	tx, err := db.BeginTxx(ctx, &sql.TxOptions{Isolation: s.isolation})
	if err != nil {
		return nil, errors.Wrap(err, "begin transaction")
	}
	return &PostgresStore{db: tx, isolation: s.isolation}, nil
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return classify(tx.Commit(), "commit")
	}
	return storage.ErrNotInTransaction
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return storage.ErrNotInTransaction
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

// DB returns the underlying pool, or nil for a transaction-bound store.
func (s *PostgresStore) DB() *sqlx.DB {
	db, _ := s.db.(*sqlx.DB)
	return db
}

func (s *PostgresStore) GetMembership(ctx context.Context, workspaceID, userID string) (models.Membership, error) {
	var m models.Membership
	err := s.db.GetContext(ctx, &m,
		"SELECT workspace_id, user_id, role FROM workspace_members WHERE workspace_id = $1 AND user_id = $2",
		workspaceID, userID)
	if err == sql.ErrNoRows {
		return models.Membership{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Membership{}, classify(err, "get membership %s/%s", workspaceID, userID)
	}
	return m, nil
}

func (s *PostgresStore) GetProject(ctx context.Context, projectID string) (models.Project, error) {
	var p models.Project
	err := s.db.GetContext(ctx, &p, "SELECT id, workspace_id, name FROM projects WHERE id = $1", projectID)
	if err == sql.ErrNoRows {
		return models.Project{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Project{}, classify(err, "get project %s", projectID)
	}
	return p, nil
}

// GetTaskScope resolves the workspace through the project, not the copied column.
func (s *PostgresStore) GetTaskScope(ctx context.Context, taskID string) (models.TaskScope, error) {
	var scope models.TaskScope
	err := s.db.GetContext(ctx, &scope, `
		SELECT t.id, t.project_id, p.workspace_id, t.created_by
		FROM tasks t
		JOIN projects p ON p.id = t.project_id
		WHERE t.id = $1`, taskID)
	if err == sql.ErrNoRows {
		return models.TaskScope{}, storage.ErrNotFound
	}
	if err != nil {
		return models.TaskScope{}, classify(err, "get task scope %s", taskID)
	}
	return scope, nil
}

// SaveTask creates a new task
func (s *PostgresStore) SaveTask(ctx context.Context, t models.Task) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		t.ID, t.Title, t.Description, t.Status, t.Priority, t.ProjectID, t.WorkspaceID,
		t.AssigneeID, t.Deadline, t.CreatedBy, t.CreatedAt, t.UpdatedAt)
	return classify(err, "save task %s", t.ID)
}

func (s *PostgresStore) GetTask(ctx context.Context, id string) (models.Task, error) {
	return s.getTask(ctx, id, "")
}

func (s *PostgresStore) GetTaskForUpdate(ctx context.Context, id string) (models.Task, error) {
	return s.getTask(ctx, id, " FOR NO KEY UPDATE")
}

func (s *PostgresStore) getTask(ctx context.Context, id, lock string) (models.Task, error) {
	var task models.Task
	err := s.db.GetContext(ctx, &task, "SELECT "+taskColumns+" FROM tasks WHERE id = $1"+lock, id)
	if err == sql.ErrNoRows {
		return models.Task{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Task{}, classify(err, "get task %s", id)
	}
	return task, nil
}

func (s *PostgresStore) UpdateTask(ctx context.Context, t models.Task) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET title = $1, description = $2, status = $3, priority = $4,
		    assignee_id = $5, deadline = $6, updated_at = $7
		WHERE id = $8`,
		t.Title, t.Description, t.Status, t.Priority, t.AssigneeID, t.Deadline, t.UpdatedAt, t.ID)
	if err != nil {
		return classify(err, "update task %s", t.ID)
	}
	return requireRow(res, "update task %s", t.ID)
}

// DeleteTask removes the task; its dependency rows cascade.
func (s *PostgresStore) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM tasks WHERE id = $1", id)
	if err != nil {
		return classify(err, "delete task %s", id)
	}
	return requireRow(res, "delete task %s", id)
}

func (s *PostgresStore) ListTasks(ctx context.Context, projectID string, filter models.TaskFilter) ([]models.Task, error) {
	query := "SELECT " + taskColumns + " FROM tasks WHERE project_id = $1"
	args := []interface{}{projectID}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += " AND status = $" + strconv.Itoa(len(args))
	}
	if filter.Priority != "" {
		args = append(args, filter.Priority)
		query += " AND priority = $" + strconv.Itoa(len(args))
	}
	if filter.AssigneeID != "" {
		args = append(args, filter.AssigneeID)
		query += " AND assignee_id = $" + strconv.Itoa(len(args))
	}
	query += " ORDER BY created_at DESC, id"

	tasks := []models.Task{}
	if err := s.db.SelectContext(ctx, &tasks, query, args...); err != nil {
		return nil, classify(err, "list tasks of project %s", projectID)
	}
	return tasks, nil
}

func (s *PostgresStore) SaveFailedTask(ctx context.Context, f models.FailedTask) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO failed_tasks (id, task_id, workspace_id, project_id, snapshot, reason, failed_by, failed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		f.ID, f.TaskID, f.WorkspaceID, f.ProjectID, []byte(f.Snapshot), f.Reason, f.FailedBy, f.FailedAt)
	return classify(err, "save failed task %s", f.TaskID)
}

// GetFailedTask returns an archive row by id.
func (s *PostgresStore) GetFailedTask(ctx context.Context, id string) (models.FailedTask, error) {
	var f models.FailedTask
	err := s.db.GetContext(ctx, &f, `
		SELECT id, task_id, workspace_id, project_id, snapshot, reason, failed_by, failed_at
		FROM failed_tasks WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return models.FailedTask{}, storage.ErrNotFound
	}
	if err != nil {
		return models.FailedTask{}, classify(err, "get failed task %s", id)
	}
	return f, nil
}

// LockWorkspaceGraph takes a transaction-scoped advisory lock keyed by workspace.
func (s *PostgresStore) LockWorkspaceGraph(ctx context.Context, workspaceID string) error {
	if _, ok := s.db.(*sqlx.Tx); !ok {
		return storage.ErrNotInTransaction
	}
	_, err := s.db.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", "task_graph:"+workspaceID)
	return classify(err, "lock graph of workspace %s", workspaceID)
}

func (s *PostgresStore) SaveDependency(ctx context.Context, d models.TaskDependency) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO task_dependencies (blocker_task_id, blocked_task_id, workspace_id, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (blocker_task_id, blocked_task_id) DO NOTHING`,
		d.BlockerID, d.BlockedID, d.WorkspaceID, d.CreatedBy, d.CreatedAt)
	if err != nil {
		return false, classify(err, "save dependency %s -> %s", d.BlockerID, d.BlockedID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "rows affected")
	}
	return n > 0, nil
}

func (s *PostgresStore) DeleteDependency(ctx context.Context, blockerID, blockedID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM task_dependencies WHERE blocker_task_id = $1 AND blocked_task_id = $2",
		blockerID, blockedID)
	if err != nil {
		return false, classify(err, "delete dependency %s -> %s", blockerID, blockedID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "rows affected")
	}
	return n > 0, nil
}

// GetDependencies retrieves all dependency edges of a workspace
func (s *PostgresStore) GetDependencies(ctx context.Context, workspaceID string) ([]models.TaskDependency, error) {
	deps := []models.TaskDependency{}
	err := s.db.SelectContext(ctx, &deps, `
		SELECT blocker_task_id, blocked_task_id, workspace_id, created_by, created_at
		FROM task_dependencies WHERE workspace_id = $1
		ORDER BY created_at, blocker_task_id, blocked_task_id`, workspaceID)
	if err != nil {
		return nil, classify(err, "get dependencies of workspace %s", workspaceID)
	}
	return deps, nil
}

func (s *PostgresStore) GetBlockers(ctx context.Context, taskID string) ([]models.Task, error) {
	return s.edgeTasks(ctx, "d.blocker_task_id", "d.blocked_task_id", taskID)
}

func (s *PostgresStore) GetBlocking(ctx context.Context, taskID string) ([]models.Task, error) {
	return s.edgeTasks(ctx, "d.blocked_task_id", "d.blocker_task_id", taskID)
}

// edgeTasks returns the tasks on the join side of edges whose match column is taskID.
func (s *PostgresStore) edgeTasks(ctx context.Context, join, match, taskID string) ([]models.Task, error) {
	cols := "t." + strings.Join(strings.Fields(strings.ReplaceAll(taskColumns, ",", " ")), ", t.")
	tasks := []models.Task{}
	err := s.db.SelectContext(ctx, &tasks, `
		SELECT `+cols+`
		FROM task_dependencies d
		JOIN tasks t ON t.id = `+join+`
		WHERE `+match+` = $1
		ORDER BY d.created_at, t.id`, taskID)
	if err != nil {
		return nil, classify(err, "get edge tasks of %s", taskID)
	}
	return tasks, nil
}

// SaveActivity writes an audit record. It runs outside task transactions.
func (s *PostgresStore) SaveActivity(ctx context.Context, rec models.ActivityRecord) error {
	details, err := json.Marshal(rec.Details)
	if err != nil {
		return errors.Wrap(err, "marshal activity details")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO activity_records (id, workspace_id, actor_id, type, entity_type, entity_ids, title, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.ID, rec.WorkspaceID, rec.ActorID, rec.Type, rec.EntityType, pq.Array(rec.EntityIDs),
		rec.Title, details, rec.CreatedAt)
	return classify(err, "save activity %s", rec.ID)
}

// classify maps constraint violations and serialization failures to the
// storage sentinels.
func classify(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case uniqueViolation:
			return errors.Wrapf(storage.ErrConflict, format+": %s", append(args, pqErr.Message)...)
		case foreignKeyViolation:
			return errors.Wrapf(storage.ErrNotFound, format+": %s", append(args, pqErr.Message)...)
		case serializationFailure, deadlockDetected:
			return errors.Wrapf(storage.ErrRetryable, format+": %s", append(args, pqErr.Message)...)
		}
	}
	return errors.Wrapf(err, format, args...)
}

func requireRow(res sql.Result, format string, args ...interface{}) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return errors.Wrapf(storage.ErrNotFound, format, args...)
	}
	return nil
}
