package service_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/ignatij/tasktrack/pkg/models"
	"github.com/ignatij/tasktrack/pkg/service"
	"github.com/ignatij/tasktrack/pkg/storage"
	"github.com/stretchr/testify/require"
)

// testLogger implements Logger and keeps error lines for assertions.
type testLogger struct {
	mu     sync.Mutex
	errors []string
	warns  []string
}

func (l *testLogger) Infof(format string, args ...interface{}) {
}

func (l *testLogger) Warnf(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns = append(l.warns, fmt.Sprintf(format, args...))
}

func (l *testLogger) Errorf(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, fmt.Sprintf(format, args...))
}

func (l *testLogger) Errors() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.errors...)
}

func (l *testLogger) Warns() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.warns...)
}

// recordingSink is the EventSink stub used by every service test.
type recordingSink struct {
	mu     sync.Mutex
	events []models.RealtimeEvent
	err    error
	panics bool
}

func (s *recordingSink) Emit(ctx context.Context, event models.RealtimeEvent) error {
	if s.panics {
		panic("sink exploded")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSink) Events() []models.RealtimeEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.RealtimeEvent(nil), s.events...)
}

func (s *recordingSink) Named(name string) []models.RealtimeEvent {
	var out []models.RealtimeEvent
	for _, e := range s.Events() {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

const (
	wsOne     = "ws-1"
	wsTwo     = "ws-2"
	projOne   = "proj-1"
	projTwo   = "proj-2"
	adminUser = "admin"
	alice     = "alice"
	bob       = "bob"
	viewer    = "victor"
	stranger  = "mallory"
)

// fixture is a seeded in-memory world: ws-1 holds proj-1 with an admin, two
// members and a viewer; ws-2 holds proj-2 where alice is also a member.
type fixture struct {
	ctx    context.Context
	store  *storage.MockStore
	sink   *recordingSink
	logger *testLogger
	svc    *service.Services
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMockStore()
	store.SeedProject(models.Project{ID: projOne, WorkspaceID: wsOne, Name: "Platform"})
	store.SeedProject(models.Project{ID: projTwo, WorkspaceID: wsTwo, Name: "Mobile"})
	store.SeedMembership(models.Membership{WorkspaceID: wsOne, UserID: adminUser, Role: models.AdminRole})
	store.SeedMembership(models.Membership{WorkspaceID: wsOne, UserID: alice, Role: models.MemberRole})
	store.SeedMembership(models.Membership{WorkspaceID: wsOne, UserID: bob, Role: models.MemberRole})
	store.SeedMembership(models.Membership{WorkspaceID: wsOne, UserID: viewer, Role: models.ViewerRole})
	store.SeedMembership(models.Membership{WorkspaceID: wsTwo, UserID: alice, Role: models.MemberRole})

	logger := &testLogger{}
	sink := &recordingSink{}
	effects := service.NewSideEffectDispatcher(store, sink, logger)
	return &fixture{
		ctx:    context.Background(),
		store:  store,
		sink:   sink,
		logger: logger,
		svc:    service.New(store, effects, logger),
	}
}

func (f *fixture) task(t *testing.T, actor, projectID, title string) models.Task {
	t.Helper()
	task, err := f.svc.Tasks.CreateTask(f.ctx, actor, models.NewTask{ProjectID: projectID, Title: title})
	require.NoError(t, err)
	return task
}

func (f *fixture) edges(t *testing.T, workspaceID string) []models.TaskDependency {
	t.Helper()
	deps, err := f.store.GetDependencies(f.ctx, workspaceID)
	require.NoError(t, err)
	return deps
}

func (f *fixture) complete(actor, taskID string) (models.Task, error) {
	status := models.CompletedTaskStatus
	return f.svc.Tasks.UpdateTask(f.ctx, actor, taskID, models.TaskPatch{Status: &status})
}

func activitiesOfType(store *storage.MockStore, kind models.ActivityType) []models.ActivityRecord {
	var out []models.ActivityRecord
	for _, a := range store.Activities() {
		if a.Type == kind {
			out = append(out, a)
		}
	}
	return out
}

func strPtr(s string) *string { return &s }
