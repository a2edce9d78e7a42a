package service_test

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/ignatij/tasktrack/pkg/models"
	"github.com/ignatij/tasktrack/pkg/service"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskLifecycleService_CreateTask(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		f := newFixture(t)
		task, err := f.svc.Tasks.CreateTask(f.ctx, alice, models.NewTask{ProjectID: projOne, Title: "  Write docs  "})
		require.NoError(t, err)
		assert.NotEmpty(t, task.ID)
		assert.Equal(t, "Write docs", task.Title)
		assert.Equal(t, models.PendingTaskStatus, task.Status)
		assert.Equal(t, models.MediumPriority, task.Priority)
		assert.Equal(t, wsOne, task.WorkspaceID)
		assert.Equal(t, alice, task.CreatedBy)
		assert.Equal(t, 1, f.store.CountTasks())

		created := activitiesOfType(f.store, models.TaskCreatedActivity)
		require.Len(t, created, 1)
		assert.Equal(t, []string{task.ID}, created[0].EntityIDs)
	})

	t.Run("WithAssigneeAndDeadline", func(t *testing.T) {
		f := newFixture(t)
		deadline := time.Date(2030, 1, 2, 3, 4, 5, 0, time.FixedZone("x", 3600))
		task, err := f.svc.Tasks.CreateTask(f.ctx, alice, models.NewTask{
			ProjectID:  projOne,
			Title:      "Assigned",
			Priority:   models.HighPriority,
			AssigneeID: strPtr(bob),
			Deadline:   &deadline,
		})
		require.NoError(t, err)
		require.NotNil(t, task.AssigneeID)
		assert.Equal(t, bob, *task.AssigneeID)
		assert.True(t, deadline.Equal(*task.Deadline))
		assert.Equal(t, time.UTC, task.Deadline.Location())

		events := f.sink.Named(models.TaskUpdatedEvent)
		require.Len(t, events, 1)
		assert.Equal(t, []string{models.WorkspaceChannel(wsOne), models.UserChannel(bob)}, events[0].Channels)
	})

	t.Run("InvalidInput", func(t *testing.T) {
		f := newFixture(t)
		tests := []struct {
			name  string
			input models.NewTask
		}{
			{"EmptyTitle", models.NewTask{ProjectID: projOne, Title: "   "}},
			{"LongTitle", models.NewTask{ProjectID: projOne, Title: strings.Repeat("x", 256)}},
			{"NoProject", models.NewTask{Title: "t"}},
			{"BadStatus", models.NewTask{ProjectID: projOne, Title: "t", Status: "done"}},
			{"BadPriority", models.NewTask{ProjectID: projOne, Title: "t", Priority: "urgent"}},
			{"EmptyAssignee", models.NewTask{ProjectID: projOne, Title: "t", AssigneeID: strPtr("")}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := f.svc.Tasks.CreateTask(f.ctx, alice, tt.input)
				assert.Equal(t, service.CodeInvalidInput, service.ErrorCode(err))
			})
		}
		assert.Equal(t, 0, f.store.CountTasks())
	})

	t.Run("ProjectNotFound", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.Tasks.CreateTask(f.ctx, alice, models.NewTask{ProjectID: "nope", Title: "t"})
		assert.Equal(t, service.CodeProjectNotFound, service.ErrorCode(err))
	})

	t.Run("Authorization", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.Tasks.CreateTask(f.ctx, viewer, models.NewTask{ProjectID: projOne, Title: "t"})
		assert.Equal(t, service.CodeForbidden, service.ErrorCode(err))
		_, err = f.svc.Tasks.CreateTask(f.ctx, stranger, models.NewTask{ProjectID: projOne, Title: "t"})
		assert.Equal(t, service.CodeForbidden, service.ErrorCode(err))
		_, err = f.svc.Tasks.CreateTask(f.ctx, "", models.NewTask{ProjectID: projOne, Title: "t"})
		assert.Equal(t, service.CodeUnauthenticated, service.ErrorCode(err))
		assert.Equal(t, 0, f.store.CountTasks())
	})

	t.Run("InvalidAssigneeLeavesNoOrphan", func(t *testing.T) {
		f := newFixture(t)
		f.task(t, alice, projOne, "existing")

		// alice belongs to ws-2 but stranger does not
		_, err := f.svc.Tasks.CreateTask(f.ctx, alice, models.NewTask{
			ProjectID:  projTwo,
			Title:      "orphan?",
			AssigneeID: strPtr(stranger),
		})
		assert.Equal(t, service.CodeInvalidAssignee, service.ErrorCode(err))
		assert.Equal(t, 1, f.store.CountTasks())

		tasks, err := f.svc.Tasks.ListTasks(f.ctx, alice, projTwo, models.TaskFilter{})
		assert.NoError(t, err)
		assert.Empty(t, tasks)
		assert.Len(t, activitiesOfType(f.store, models.TaskCreatedActivity), 1)
	})

	t.Run("CreatedAsCompleted", func(t *testing.T) {
		f := newFixture(t)
		task, err := f.svc.Tasks.CreateTask(f.ctx, alice, models.NewTask{
			ProjectID: projOne,
			Title:     "already done",
			Status:    models.CompletedTaskStatus,
		})
		assert.NoError(t, err)
		assert.Equal(t, models.CompletedTaskStatus, task.Status)
	})
}

func TestTaskLifecycleService_Completion(t *testing.T) {
	t.Run("BlockerScenario", func(t *testing.T) {
		f := newFixture(t)
		a := f.task(t, alice, projOne, "A")
		b := f.task(t, alice, projOne, "B")
		require.NoError(t, f.svc.Graph.AddEdge(f.ctx, alice, a.ID, b.ID))

		_, err := f.complete(alice, b.ID)
		require.Error(t, err)
		svcErr, ok := service.AsError(err)
		require.True(t, ok)
		assert.Equal(t, service.CodeTaskBlocked, svcErr.Code)
		assert.Equal(t, 1, svcErr.Details["blockerCount"])
		assert.Equal(t, []string{a.ID}, svcErr.Details["blockerIds"])

		stored, err := f.store.GetTask(f.ctx, b.ID)
		require.NoError(t, err)
		assert.Equal(t, models.PendingTaskStatus, stored.Status)

		done, err := f.complete(alice, a.ID)
		require.NoError(t, err)
		assert.Equal(t, models.CompletedTaskStatus, done.Status)

		done, err = f.complete(alice, b.ID)
		require.NoError(t, err)
		assert.Equal(t, models.CompletedTaskStatus, done.Status)
	})

	t.Run("CountsOnlyIncompleteBlockers", func(t *testing.T) {
		f := newFixture(t)
		a := f.task(t, alice, projOne, "A")
		b := f.task(t, alice, projOne, "B")
		c := f.task(t, alice, projOne, "C")
		target := f.task(t, alice, projOne, "target")
		for _, blocker := range []models.Task{a, b, c} {
			require.NoError(t, f.svc.Graph.AddEdge(f.ctx, alice, blocker.ID, target.ID))
		}
		_, err := f.complete(alice, a.ID)
		require.NoError(t, err)

		_, err = f.complete(alice, target.ID)
		svcErr, ok := service.AsError(err)
		require.True(t, ok)
		assert.Equal(t, service.CodeTaskBlocked, svcErr.Code)
		assert.Equal(t, 2, svcErr.Details["blockerCount"])
	})

	t.Run("ReopenIsAllowed", func(t *testing.T) {
		f := newFixture(t)
		a := f.task(t, alice, projOne, "A")
		b := f.task(t, alice, projOne, "B")
		_, err := f.complete(alice, a.ID)
		require.NoError(t, err)
		_, err = f.complete(alice, b.ID)
		require.NoError(t, err)
		require.NoError(t, f.svc.Graph.AddEdge(f.ctx, alice, a.ID, b.ID))

		pending := models.PendingTaskStatus
		reopened, err := f.svc.Tasks.UpdateTask(f.ctx, alice, a.ID, models.TaskPatch{Status: &pending})
		require.NoError(t, err)
		assert.Equal(t, models.PendingTaskStatus, reopened.Status)
	})

	t.Run("OtherFieldsOfCompletedTaskWithOpenBlockers", func(t *testing.T) {
		f := newFixture(t)
		a := f.task(t, alice, projOne, "A")
		b := f.task(t, alice, projOne, "B")
		_, err := f.complete(alice, b.ID)
		require.NoError(t, err)
		require.NoError(t, f.svc.Graph.AddEdge(f.ctx, alice, a.ID, b.ID))

		title := "B renamed"
		updated, err := f.svc.Tasks.UpdateTask(f.ctx, alice, b.ID, models.TaskPatch{Title: &title})
		require.NoError(t, err)
		assert.Equal(t, "B renamed", updated.Title)
		assert.Equal(t, models.CompletedTaskStatus, updated.Status)
	})
}

func TestTaskLifecycleService_UpdateTask(t *testing.T) {
	t.Run("PatchFields", func(t *testing.T) {
		f := newFixture(t)
		task, err := f.svc.Tasks.CreateTask(f.ctx, alice, models.NewTask{ProjectID: projOne, Title: "A", AssigneeID: strPtr(alice)})
		require.NoError(t, err)

		title := "A2"
		priority := models.LowPriority
		status := models.InProgressTaskStatus
		deadline := time.Date(2031, 5, 6, 7, 8, 9, 0, time.UTC)
		updated, err := f.svc.Tasks.UpdateTask(f.ctx, bob, task.ID, models.TaskPatch{
			Title:    &title,
			Priority: &priority,
			Status:   &status,
			Assignee: models.OptionalString{Set: true, Value: strPtr(bob)},
			Deadline: models.OptionalDeadline{Set: true, Value: &deadline},
		})
		require.NoError(t, err)
		assert.Equal(t, "A2", updated.Title)
		assert.Equal(t, models.LowPriority, updated.Priority)
		assert.Equal(t, models.InProgressTaskStatus, updated.Status)
		assert.Equal(t, bob, *updated.AssigneeID)
		assert.True(t, deadline.Equal(*updated.Deadline))
		assert.False(t, updated.UpdatedAt.Before(task.UpdatedAt))

		statusChanges := activitiesOfType(f.store, models.TaskStatusActivity)
		require.Len(t, statusChanges, 1)
		assert.Equal(t, bob, statusChanges[0].ActorID)

		events := f.sink.Named(models.TaskUpdatedEvent)
		last := events[len(events)-1]
		assert.ElementsMatch(t, []string{
			models.WorkspaceChannel(wsOne), models.UserChannel(bob), models.UserChannel(alice),
		}, last.Channels)
		entity := last.Payload.Entity.(models.TaskUpdatedEntity)
		assert.Equal(t, task.ID, entity.TaskID)
		assert.Equal(t, "A2", entity.Changes["title"])
		assert.Equal(t, "in_progress", entity.Changes["status"])
		assert.Equal(t, bob, entity.Changes["assigneeId"])
	})

	t.Run("ClearAssignee", func(t *testing.T) {
		f := newFixture(t)
		task, err := f.svc.Tasks.CreateTask(f.ctx, alice, models.NewTask{ProjectID: projOne, Title: "A", AssigneeID: strPtr(bob)})
		require.NoError(t, err)

		updated, err := f.svc.Tasks.UpdateTask(f.ctx, alice, task.ID, models.TaskPatch{
			Assignee: models.OptionalString{Set: true},
		})
		require.NoError(t, err)
		assert.Nil(t, updated.AssigneeID)
		assert.Len(t, activitiesOfType(f.store, models.TaskUpdatedActivity), 1)
	})

	t.Run("AssigneeRevalidated", func(t *testing.T) {
		f := newFixture(t)
		task := f.task(t, alice, projOne, "A")
		_, err := f.svc.Tasks.UpdateTask(f.ctx, alice, task.ID, models.TaskPatch{
			Assignee: models.OptionalString{Set: true, Value: strPtr(stranger)},
		})
		assert.Equal(t, service.CodeInvalidAssignee, service.ErrorCode(err))

		stored, err := f.store.GetTask(f.ctx, task.ID)
		require.NoError(t, err)
		assert.Nil(t, stored.AssigneeID)
	})

	t.Run("NoOpPatchWritesNothing", func(t *testing.T) {
		f := newFixture(t)
		task := f.task(t, alice, projOne, "A")
		title := "A"
		same, err := f.svc.Tasks.UpdateTask(f.ctx, alice, task.ID, models.TaskPatch{Title: &title})
		require.NoError(t, err)
		assert.Equal(t, task.UpdatedAt, same.UpdatedAt)
		assert.Empty(t, activitiesOfType(f.store, models.TaskUpdatedActivity))
	})

	t.Run("Rejections", func(t *testing.T) {
		f := newFixture(t)
		task := f.task(t, alice, projOne, "A")
		bad := models.TaskStatus("archived")
		empty := ""

		_, err := f.svc.Tasks.UpdateTask(f.ctx, alice, task.ID, models.TaskPatch{})
		assert.Equal(t, service.CodeInvalidInput, service.ErrorCode(err))
		_, err = f.svc.Tasks.UpdateTask(f.ctx, alice, task.ID, models.TaskPatch{Status: &bad})
		assert.Equal(t, service.CodeInvalidInput, service.ErrorCode(err))
		_, err = f.svc.Tasks.UpdateTask(f.ctx, alice, task.ID, models.TaskPatch{Title: &empty})
		assert.Equal(t, service.CodeInvalidInput, service.ErrorCode(err))

		title := "x"
		_, err = f.svc.Tasks.UpdateTask(f.ctx, viewer, task.ID, models.TaskPatch{Title: &title})
		assert.Equal(t, service.CodeForbidden, service.ErrorCode(err))
		_, err = f.svc.Tasks.UpdateTask(f.ctx, alice, "missing", models.TaskPatch{Title: &title})
		assert.Equal(t, service.CodeTaskNotFound, service.ErrorCode(err))
	})

	t.Run("AuditFailureDoesNotFailUpdate", func(t *testing.T) {
		f := newFixture(t)
		task := f.task(t, alice, projOne, "A")
		f.store.FailActivityWritesWith(func(models.ActivityRecord) error {
			return errors.New("audit table unavailable")
		})

		status := models.CompletedTaskStatus
		updated, err := f.svc.Tasks.UpdateTask(f.ctx, alice, task.ID, models.TaskPatch{Status: &status})
		require.NoError(t, err)
		assert.Equal(t, models.CompletedTaskStatus, updated.Status)

		stored, err := f.store.GetTask(f.ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, models.CompletedTaskStatus, stored.Status)

		// the realtime half still ran
		events := f.sink.Named(models.TaskUpdatedEvent)
		last := events[len(events)-1]
		assert.Equal(t, "completed", last.Payload.Entity.(models.TaskUpdatedEntity).Changes["status"])
		assert.NotEmpty(t, f.logger.Errors())
	})
}

func TestTaskLifecycleService_DeleteAndFail(t *testing.T) {
	t.Run("CreatorOrAdmin", func(t *testing.T) {
		f := newFixture(t)
		mine := f.task(t, alice, projOne, "mine")
		other := f.task(t, alice, projOne, "other")

		err := f.svc.Tasks.DeleteTask(f.ctx, bob, mine.ID)
		assert.Equal(t, service.CodeForbidden, service.ErrorCode(err))
		err = f.svc.Tasks.DeleteTask(f.ctx, viewer, mine.ID)
		assert.Equal(t, service.CodeForbidden, service.ErrorCode(err))

		assert.NoError(t, f.svc.Tasks.DeleteTask(f.ctx, alice, mine.ID))
		assert.NoError(t, f.svc.Tasks.DeleteTask(f.ctx, adminUser, other.ID))
		assert.Equal(t, 0, f.store.CountTasks())

		err = f.svc.Tasks.DeleteTask(f.ctx, alice, mine.ID)
		assert.Equal(t, service.CodeTaskNotFound, service.ErrorCode(err))

		deleted := f.sink.Named(models.TaskDeletedEvent)
		require.Len(t, deleted, 2)
		entity := deleted[0].Payload.Entity.(models.TaskDeletedEntity)
		assert.Equal(t, mine.ID, entity.TaskID)
		assert.Equal(t, projOne, entity.ProjectID)
		assert.Equal(t, alice, deleted[0].Payload.Meta.ByUserID)
	})

	t.Run("FailArchivesSnapshot", func(t *testing.T) {
		f := newFixture(t)
		a := f.task(t, alice, projOne, "A")
		b := f.task(t, alice, projOne, "B")
		c := f.task(t, alice, projOne, "C")
		require.NoError(t, f.svc.Graph.AddEdge(f.ctx, alice, a.ID, b.ID))
		require.NoError(t, f.svc.Graph.AddEdge(f.ctx, alice, b.ID, c.ID))

		failed, err := f.svc.Tasks.FailTask(f.ctx, alice, b.ID, "  vendor went away ")
		require.NoError(t, err)
		assert.Equal(t, b.ID, failed.TaskID)
		assert.Equal(t, "vendor went away", failed.Reason)
		assert.Equal(t, alice, failed.FailedBy)

		var snapshot models.TaskSnapshot
		require.NoError(t, json.Unmarshal(failed.Snapshot, &snapshot))
		assert.Equal(t, "B", snapshot.Title)
		assert.Equal(t, []string{a.ID}, snapshot.BlockerIDs)
		assert.Equal(t, []string{c.ID}, snapshot.BlockingIDs)

		archived := f.store.FailedTasks()
		require.Len(t, archived, 1)
		assert.Equal(t, failed.ID, archived[0].ID)

		_, err = f.store.GetTask(f.ctx, b.ID)
		assert.Error(t, err)
		assert.Empty(t, f.edges(t, wsOne))
		assert.Len(t, activitiesOfType(f.store, models.TaskFailedActivity), 1)
		assert.Len(t, f.sink.Named(models.TaskDeletedEvent), 1)
	})

	t.Run("FailRequiresReasonAndOwnership", func(t *testing.T) {
		f := newFixture(t)
		task := f.task(t, alice, projOne, "A")

		_, err := f.svc.Tasks.FailTask(f.ctx, alice, task.ID, "   ")
		assert.Equal(t, service.CodeInvalidInput, service.ErrorCode(err))
		_, err = f.svc.Tasks.FailTask(f.ctx, bob, task.ID, "nope")
		assert.Equal(t, service.CodeForbidden, service.ErrorCode(err))
		assert.Equal(t, 1, f.store.CountTasks())
		assert.Empty(t, f.store.FailedTasks())
	})
}

func TestTaskLifecycleService_Reads(t *testing.T) {
	f := newFixture(t)
	a := f.task(t, alice, projOne, "A")
	b, err := f.svc.Tasks.CreateTask(f.ctx, alice, models.NewTask{
		ProjectID:  projOne,
		Title:      "B",
		Priority:   models.HighPriority,
		AssigneeID: strPtr(bob),
	})
	require.NoError(t, err)
	c := f.task(t, alice, projOne, "C")
	require.NoError(t, f.svc.Graph.AddEdge(f.ctx, alice, a.ID, b.ID))
	require.NoError(t, f.svc.Graph.AddEdge(f.ctx, alice, b.ID, c.ID))

	t.Run("GetTaskDetail", func(t *testing.T) {
		detail, err := f.svc.Tasks.GetTask(f.ctx, viewer, b.ID)
		require.NoError(t, err)
		assert.Equal(t, b.ID, detail.ID)
		assert.Equal(t, []models.TaskSummary{{ID: a.ID, Title: "A", Status: models.PendingTaskStatus}}, detail.Blockers)
		assert.Equal(t, []models.TaskSummary{{ID: c.ID, Title: "C", Status: models.PendingTaskStatus}}, detail.Blocking)
	})

	t.Run("GetTaskWithoutEdges", func(t *testing.T) {
		other := f.task(t, alice, projOne, "lonely")
		detail, err := f.svc.Tasks.GetTask(f.ctx, alice, other.ID)
		require.NoError(t, err)
		assert.NotNil(t, detail.Blockers)
		assert.Empty(t, detail.Blockers)
		assert.Empty(t, detail.Blocking)
	})

	t.Run("GetTaskAuthorization", func(t *testing.T) {
		_, err := f.svc.Tasks.GetTask(f.ctx, stranger, b.ID)
		assert.Equal(t, service.CodeForbidden, service.ErrorCode(err))
		_, err = f.svc.Tasks.GetTask(f.ctx, alice, "missing")
		assert.Equal(t, service.CodeTaskNotFound, service.ErrorCode(err))
	})

	t.Run("ListWithFilters", func(t *testing.T) {
		all, err := f.svc.Tasks.ListTasks(f.ctx, viewer, projOne, models.TaskFilter{})
		require.NoError(t, err)
		assert.GreaterOrEqual(t, len(all), 3)

		high, err := f.svc.Tasks.ListTasks(f.ctx, viewer, projOne, models.TaskFilter{Priority: models.HighPriority})
		require.NoError(t, err)
		require.Len(t, high, 1)
		assert.Equal(t, b.ID, high[0].ID)

		assigned, err := f.svc.Tasks.ListTasks(f.ctx, viewer, projOne, models.TaskFilter{AssigneeID: bob})
		require.NoError(t, err)
		require.Len(t, assigned, 1)
		assert.Equal(t, b.ID, assigned[0].ID)

		_, err = f.svc.Tasks.ListTasks(f.ctx, viewer, projOne, models.TaskFilter{Status: "bogus"})
		assert.Equal(t, service.CodeInvalidInput, service.ErrorCode(err))
		_, err = f.svc.Tasks.ListTasks(f.ctx, stranger, projOne, models.TaskFilter{})
		assert.Equal(t, service.CodeForbidden, service.ErrorCode(err))
	})
}
