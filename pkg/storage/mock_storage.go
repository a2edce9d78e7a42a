package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/ignatij/tasktrack/pkg/models"
	"github.com/pkg/errors"
)

// memState is one consistent copy of every table.
type memState struct {
	memberships  map[string]models.Membership
	projects     map[string]models.Project
	tasks        map[string]models.Task
	dependencies []models.TaskDependency
	failed       []models.FailedTask
}

func newMemState() *memState {
	return &memState{
		memberships: make(map[string]models.Membership),
		projects:    make(map[string]models.Project),
		tasks:       make(map[string]models.Task),
	}
}

func (s *memState) clone() *memState {
	c := newMemState()
	for k, v := range s.memberships {
		c.memberships[k] = v
	}
	for k, v := range s.projects {
		c.projects[k] = v
	}
	for k, v := range s.tasks {
		c.tasks[k] = v
	}
	c.dependencies = append([]models.TaskDependency(nil), s.dependencies...)
	c.failed = append([]models.FailedTask(nil), s.failed...)
	return c
}

// mockDB is the shared "database" behind every MockStore handle. Transactions
// are serialized by txMu and work on a private copy that replaces the committed
// state on Commit.
type mockDB struct {
	mu         sync.RWMutex
	txMu       sync.Mutex
	state      *memState
	activities []models.ActivityRecord
	activityFn func(models.ActivityRecord) error
}

// MockStore implements Store and ActivityStore in memory.
type MockStore struct {
	db    *mockDB
	tx    *memState // nil outside a transaction
	ended bool
}

var (
	_ Store         = (*MockStore)(nil)
	_ ActivityStore = (*MockStore)(nil)
)

func NewMockStore() *MockStore {
	return &MockStore{db: &mockDB{state: newMemState()}}
}

func membershipKey(workspaceID, userID string) string {
	return workspaceID + "|" + userID
}

// SeedProject inserts a project row directly into committed state.
func (m *MockStore) SeedProject(p models.Project) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	m.db.state.projects[p.ID] = p
}

// SeedMembership inserts a membership row directly into committed state.
func (m *MockStore) SeedMembership(ms models.Membership) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	m.db.state.memberships[membershipKey(ms.WorkspaceID, ms.UserID)] = ms
}

// FailActivityWritesWith makes SaveActivity call fn first and fail with its error.
func (m *MockStore) FailActivityWritesWith(fn func(models.ActivityRecord) error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	m.db.activityFn = fn
}

// Activities returns every audit record written so far.
func (m *MockStore) Activities() []models.ActivityRecord {
	m.db.mu.RLock()
	defer m.db.mu.RUnlock()
	return append([]models.ActivityRecord(nil), m.db.activities...)
}

// FailedTasks returns the committed archive rows.
func (m *MockStore) FailedTasks() []models.FailedTask {
	m.db.mu.RLock()
	defer m.db.mu.RUnlock()
	return append([]models.FailedTask(nil), m.db.state.failed...)
}

// CountTasks returns the number of committed task rows.
func (m *MockStore) CountTasks() int {
	m.db.mu.RLock()
	defer m.db.mu.RUnlock()
	return len(m.db.state.tasks)
}

func (m *MockStore) Begin(ctx context.Context) (Store, error) {
	if m.tx != nil {
		return nil, errors.New("transaction already open")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.db.txMu.Lock()
	m.db.mu.RLock()
	snapshot := m.db.state.clone()
	m.db.mu.RUnlock()
	return &MockStore{db: m.db, tx: snapshot}, nil
}

func (m *MockStore) Commit() error {
	if m.tx == nil {
		return ErrNotInTransaction
	}
	if m.ended {
		return errors.New("transaction already committed or rolled back")
	}
	m.ended = true
	m.db.mu.Lock()
	m.db.state = m.tx
	m.db.mu.Unlock()
	m.db.txMu.Unlock()
	return nil
}

func (m *MockStore) Rollback() error {
	if m.tx == nil {
		return ErrNotInTransaction
	}
	if m.ended {
		return errors.New("transaction already committed or rolled back")
	}
	m.ended = true
	m.db.txMu.Unlock()
	return nil
}

func (m *MockStore) Close() error {
	return nil
}

// read runs fn against the transaction copy or, outside a transaction, against
// the committed state under a read lock.
func (m *MockStore) read(ctx context.Context, fn func(s *memState) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.tx != nil {
		if m.ended {
			return errors.New("transaction already committed or rolled back")
		}
		return fn(m.tx)
	}
	m.db.mu.RLock()
	defer m.db.mu.RUnlock()
	return fn(m.db.state)
}

// write is read with exclusive access. Outside a transaction it autocommits.
func (m *MockStore) write(ctx context.Context, fn func(s *memState) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.tx != nil {
		if m.ended {
			return errors.New("transaction already committed or rolled back")
		}
		return fn(m.tx)
	}
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	return fn(m.db.state)
}

func (m *MockStore) GetMembership(ctx context.Context, workspaceID, userID string) (models.Membership, error) {
	var ms models.Membership
	err := m.read(ctx, func(s *memState) error {
		found, ok := s.memberships[membershipKey(workspaceID, userID)]
		if !ok {
			return ErrNotFound
		}
		ms = found
		return nil
	})
	return ms, err
}

func (m *MockStore) GetProject(ctx context.Context, projectID string) (models.Project, error) {
	var p models.Project
	err := m.read(ctx, func(s *memState) error {
		found, ok := s.projects[projectID]
		if !ok {
			return ErrNotFound
		}
		p = found
		return nil
	})
	return p, err
}

func (m *MockStore) GetTaskScope(ctx context.Context, taskID string) (models.TaskScope, error) {
	var scope models.TaskScope
	err := m.read(ctx, func(s *memState) error {
		t, ok := s.tasks[taskID]
		if !ok {
			return ErrNotFound
		}
		p, ok := s.projects[t.ProjectID]
		if !ok {
			return ErrNotFound
		}
		scope = models.TaskScope{TaskID: t.ID, ProjectID: p.ID, WorkspaceID: p.WorkspaceID, CreatedBy: t.CreatedBy}
		return nil
	})
	return scope, err
}

func (m *MockStore) SaveTask(ctx context.Context, t models.Task) error {
	return m.write(ctx, func(s *memState) error {
		if _, exists := s.tasks[t.ID]; exists {
			return ErrConflict
		}
		if _, ok := s.projects[t.ProjectID]; !ok {
			return errors.Wrapf(ErrNotFound, "project %s", t.ProjectID)
		}
		s.tasks[t.ID] = t
		return nil
	})
}

func (m *MockStore) GetTask(ctx context.Context, id string) (models.Task, error) {
	var task models.Task
	err := m.read(ctx, func(s *memState) error {
		t, ok := s.tasks[id]
		if !ok {
			return ErrNotFound
		}
		task = t
		return nil
	})
	return task, err
}

// GetTaskForUpdate needs no extra locking: transactions are already serialized.
func (m *MockStore) GetTaskForUpdate(ctx context.Context, id string) (models.Task, error) {
	return m.GetTask(ctx, id)
}

func (m *MockStore) UpdateTask(ctx context.Context, t models.Task) error {
	return m.write(ctx, func(s *memState) error {
		if _, ok := s.tasks[t.ID]; !ok {
			return ErrNotFound
		}
		s.tasks[t.ID] = t
		return nil
	})
}

func (m *MockStore) DeleteTask(ctx context.Context, id string) error {
	return m.write(ctx, func(s *memState) error {
		if _, ok := s.tasks[id]; !ok {
			return ErrNotFound
		}
		delete(s.tasks, id)
		// ON DELETE CASCADE on both edge endpoints
		kept := s.dependencies[:0]
		for _, d := range s.dependencies {
			if d.BlockerID != id && d.BlockedID != id {
				kept = append(kept, d)
			}
		}
		s.dependencies = kept
		return nil
	})
}

func (m *MockStore) ListTasks(ctx context.Context, projectID string, filter models.TaskFilter) ([]models.Task, error) {
	tasks := []models.Task{}
	err := m.read(ctx, func(s *memState) error {
		for _, t := range s.tasks {
			if t.ProjectID != projectID {
				continue
			}
			if filter.Status != "" && t.Status != filter.Status {
				continue
			}
			if filter.Priority != "" && t.Priority != filter.Priority {
				continue
			}
			if filter.AssigneeID != "" && (t.AssigneeID == nil || *t.AssigneeID != filter.AssigneeID) {
				continue
			}
			tasks = append(tasks, t)
		}
		return nil
	})
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
	return tasks, err
}

func (m *MockStore) SaveFailedTask(ctx context.Context, f models.FailedTask) error {
	return m.write(ctx, func(s *memState) error {
		s.failed = append(s.failed, f)
		return nil
	})
}

func (m *MockStore) LockWorkspaceGraph(ctx context.Context, workspaceID string) error {
	if m.tx == nil {
		return ErrNotInTransaction
	}
	return ctx.Err()
}

func (m *MockStore) SaveDependency(ctx context.Context, d models.TaskDependency) (bool, error) {
	created := false
	err := m.write(ctx, func(s *memState) error {
		if _, ok := s.tasks[d.BlockerID]; !ok {
			return errors.Wrapf(ErrNotFound, "task %s", d.BlockerID)
		}
		if _, ok := s.tasks[d.BlockedID]; !ok {
			return errors.Wrapf(ErrNotFound, "task %s", d.BlockedID)
		}
		for _, existing := range s.dependencies {
			if existing.BlockerID == d.BlockerID && existing.BlockedID == d.BlockedID {
				return nil
			}
		}
		s.dependencies = append(s.dependencies, d)
		created = true
		return nil
	})
	return created, err
}

func (m *MockStore) DeleteDependency(ctx context.Context, blockerID, blockedID string) (bool, error) {
	removed := false
	err := m.write(ctx, func(s *memState) error {
		for i, d := range s.dependencies {
			if d.BlockerID == blockerID && d.BlockedID == blockedID {
				s.dependencies = append(s.dependencies[:i], s.dependencies[i+1:]...)
				removed = true
				return nil
			}
		}
		return nil
	})
	return removed, err
}

func (m *MockStore) GetDependencies(ctx context.Context, workspaceID string) ([]models.TaskDependency, error) {
	var deps []models.TaskDependency
	err := m.read(ctx, func(s *memState) error {
		for _, d := range s.dependencies {
			if d.WorkspaceID == workspaceID {
				deps = append(deps, d)
			}
		}
		return nil
	})
	return deps, err
}

func (m *MockStore) GetBlockers(ctx context.Context, taskID string) ([]models.Task, error) {
	tasks := []models.Task{}
	err := m.read(ctx, func(s *memState) error {
		for _, d := range s.dependencies {
			if d.BlockedID == taskID {
				if t, ok := s.tasks[d.BlockerID]; ok {
					tasks = append(tasks, t)
				}
			}
		}
		return nil
	})
	return tasks, err
}

func (m *MockStore) GetBlocking(ctx context.Context, taskID string) ([]models.Task, error) {
	tasks := []models.Task{}
	err := m.read(ctx, func(s *memState) error {
		for _, d := range s.dependencies {
			if d.BlockerID == taskID {
				if t, ok := s.tasks[d.BlockedID]; ok {
					tasks = append(tasks, t)
				}
			}
		}
		return nil
	})
	return tasks, err
}

func (m *MockStore) SaveActivity(ctx context.Context, rec models.ActivityRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	if m.db.activityFn != nil {
		if err := m.db.activityFn(rec); err != nil {
			return err
		}
	}
	m.db.activities = append(m.db.activities, rec)
	return nil
}
