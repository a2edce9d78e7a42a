package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/ignatij/tasktrack/pkg/models"
	"github.com/ignatij/tasktrack/pkg/storage"
	"github.com/pkg/errors"
)

const (
	maxTitleLength  = 255
	maxReasonLength = 2000
)

// TaskLifecycleService owns task creation, updates, deletion and the status
// state machine. A task cannot become completed while any blocker is not.
type TaskLifecycleService struct {
	tx      *TransactionCoordinator
	guard   *AuthorizationGuard
	graph   *DependencyGraphService
	effects *SideEffectDispatcher
	logger  Logger
}

func NewTaskLifecycleService(tx *TransactionCoordinator, guard *AuthorizationGuard, graph *DependencyGraphService, effects *SideEffectDispatcher, logger Logger) *TaskLifecycleService {
	return &TaskLifecycleService{
		tx:      tx,
		guard:   guard,
		graph:   graph,
		effects: effects,
		logger:  logger,
	}
}

// CreateTask inserts a task into the project. The assignee, if any, must be a
// member of the project's workspace; otherwise the insert is rolled back.
func (s *TaskLifecycleService) CreateTask(ctx context.Context, actorID string, input models.NewTask) (task models.Task, err error) {
	title, err := validateTitle(input.Title)
	if err != nil {
		return models.Task{}, err
	}
	if input.ProjectID == "" {
		return models.Task{}, newError(CodeInvalidInput, "project id is required")
	}
	status := input.Status
	if status == "" {
		status = models.PendingTaskStatus
	}
	if !status.Valid() {
		return models.Task{}, newError(CodeInvalidInput, "invalid status %q", status).WithDetail("field", "status")
	}
	priority := input.Priority
	if priority == "" {
		priority = models.MediumPriority
	}
	if !priority.Valid() {
		return models.Task{}, newError(CodeInvalidInput, "invalid priority %q", priority).WithDetail("field", "priority")
	}
	if input.AssigneeID != nil && *input.AssigneeID == "" {
		return models.Task{}, newError(CodeInvalidInput, "assignee id cannot be empty").WithDetail("field", "assigneeId")
	}

	err = s.tx.WithTransaction(ctx, func(ctx context.Context, tx storage.Store) error {
		project, err := s.guard.ResolveProject(ctx, input.ProjectID)
		if err != nil {
			return err
		}
		if _, err := s.guard.Require(ctx, actorID, project.WorkspaceID, models.MemberRole); err != nil {
			return err
		}

		created := now()
		task = models.Task{
			ID:          uuid.NewString(),
			Title:       title,
			Description: input.Description,
			Status:      status,
			Priority:    priority,
			ProjectID:   project.ID,
			WorkspaceID: project.WorkspaceID,
			AssigneeID:  input.AssigneeID,
			Deadline:    utcPtr(input.Deadline),
			CreatedBy:   actorID,
			CreatedAt:   created,
			UpdatedAt:   created,
		}
		if err := tx.SaveTask(ctx, task); err != nil {
			if errors.Cause(err) == storage.ErrConflict {
				return newError(CodeConflict, "task %s already exists", task.ID).withCause(err)
			}
			s.logger.Errorf("Failed to save task in project %s: %v", project.ID, err)
			return internalError(errors.Wrap(err, "save task"), "create task")
		}
		if err := s.validateAssignee(ctx, project.WorkspaceID, task.AssigneeID); err != nil {
			return err
		}

		s.logger.Infof("Task %s created in project %s by %s", task.ID, project.ID, actorID)
		s.dispatch(ctx, SideEffect{
			Activity: taskActivity(models.TaskCreatedActivity, actorID, task, task.Title,
				map[string]interface{}{"projectId": task.ProjectID, "status": string(task.Status)}),
			Event: taskUpdatedEvent(actorID, task.ID,
				map[string]interface{}{"created": true},
				taskChannels(task.WorkspaceID, task.AssigneeID)),
		})
		return nil
	})
	if err != nil {
		return models.Task{}, err
	}
	return task, nil
}

// UpdateTask applies a field-level patch. A transition into completed is
// rejected with TASK_BLOCKED while any blocker is incomplete.
func (s *TaskLifecycleService) UpdateTask(ctx context.Context, actorID, taskID string, patch models.TaskPatch) (task models.Task, err error) {
	if patch.Empty() {
		return models.Task{}, newError(CodeInvalidInput, "no fields to update")
	}
	if patch.Title != nil {
		title, err := validateTitle(*patch.Title)
		if err != nil {
			return models.Task{}, err
		}
		patch.Title = &title
	}
	if patch.Status != nil && !patch.Status.Valid() {
		return models.Task{}, newError(CodeInvalidInput, "invalid status %q", *patch.Status).WithDetail("field", "status")
	}
	if patch.Priority != nil && !patch.Priority.Valid() {
		return models.Task{}, newError(CodeInvalidInput, "invalid priority %q", *patch.Priority).WithDetail("field", "priority")
	}
	if patch.Assignee.Set && patch.Assignee.Value != nil && *patch.Assignee.Value == "" {
		return models.Task{}, newError(CodeInvalidInput, "assignee id cannot be empty").WithDetail("field", "assigneeId")
	}

	err = s.tx.WithTransaction(ctx, func(ctx context.Context, tx storage.Store) error {
		scope, _, err := s.guard.RequireTaskAccess(ctx, actorID, taskID, models.MemberRole)
		if err != nil {
			return err
		}
		// The graph lock always precedes the row lock.
		if patch.Status != nil && *patch.Status == models.CompletedTaskStatus {
			if err := s.lockGraph(ctx, tx, scope.WorkspaceID, "update task"); err != nil {
				return err
			}
		}
		current, err := s.lockTask(ctx, tx, taskID)
		if err != nil {
			return err
		}

		updated, changes := applyPatch(current, patch)
		if len(changes) == 0 {
			task = current
			return nil
		}

		if _, ok := changes["assigneeId"]; ok {
			if err := s.validateAssignee(ctx, scope.WorkspaceID, updated.AssigneeID); err != nil {
				return err
			}
		}
		statusChanged := current.Status != updated.Status
		if statusChanged && updated.Status == models.CompletedTaskStatus {
			incomplete, err := s.graph.IncompleteBlockers(ctx, scope.WorkspaceID, taskID)
			if err != nil {
				return err
			}
			if len(incomplete) > 0 {
				ids := make([]string, 0, len(incomplete))
				for _, b := range incomplete {
					ids = append(ids, b.ID)
				}
				return newError(CodeTaskBlocked, "task is blocked by %d incomplete task(s)", len(incomplete)).
					WithDetail("blockerCount", len(incomplete)).
					WithDetail("blockerIds", ids)
			}
		}

		updated.UpdatedAt = now()
		if err := tx.UpdateTask(ctx, updated); err != nil {
			s.logger.Errorf("Failed to update task %s: %v", taskID, err)
			return internalError(errors.Wrap(err, "update task"), "update task")
		}
		task = updated

		kind := models.TaskUpdatedActivity
		title := "Task updated: " + updated.Title
		if statusChanged {
			kind = models.TaskStatusActivity
			title = "Task " + string(updated.Status) + ": " + updated.Title
		}
		s.logger.Infof("Task %s updated by %s (%d field(s))", taskID, actorID, len(changes))
		s.dispatch(ctx, SideEffect{
			Activity: taskActivity(kind, actorID, updated, title, map[string]interface{}{"changes": changes}),
			Event: taskUpdatedEvent(actorID, taskID, changes,
				taskChannels(updated.WorkspaceID, updated.AssigneeID, current.AssigneeID)),
		})
		return nil
	})
	if err != nil {
		return models.Task{}, err
	}
	return task, nil
}

// DeleteTask removes the task; its dependency edges go with it. Only the
// task's creator or a workspace admin may delete.
func (s *TaskLifecycleService) DeleteTask(ctx context.Context, actorID, taskID string) error {
	return s.tx.WithTransaction(ctx, func(ctx context.Context, tx storage.Store) error {
		current, err := s.requireOwnership(ctx, tx, actorID, taskID, "delete task")
		if err != nil {
			return err
		}
		if err := tx.DeleteTask(ctx, taskID); err != nil {
			s.logger.Errorf("Failed to delete task %s: %v", taskID, err)
			return internalError(errors.Wrap(err, "delete task"), "delete task")
		}

		s.logger.Infof("Task %s deleted by %s", taskID, actorID)
		s.dispatch(ctx, SideEffect{
			Activity: taskActivity(models.TaskDeletedActivity, actorID, current, "Task deleted: "+current.Title,
				map[string]interface{}{"projectId": current.ProjectID}),
			Event: taskDeletedEvent(actorID, current),
		})
		return nil
	})
}

// FailTask archives a snapshot of the task, edges included, and deletes the
// live row in the same transaction.
func (s *TaskLifecycleService) FailTask(ctx context.Context, actorID, taskID, reason string) (failed models.FailedTask, err error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return models.FailedTask{}, newError(CodeInvalidInput, "a failure reason is required").WithDetail("field", "reason")
	}
	if utf8.RuneCountInString(reason) > maxReasonLength {
		return models.FailedTask{}, newError(CodeInvalidInput, "reason must be at most %d characters", maxReasonLength).
			WithDetail("field", "reason")
	}

	err = s.tx.WithTransaction(ctx, func(ctx context.Context, tx storage.Store) error {
		current, err := s.requireOwnership(ctx, tx, actorID, taskID, "fail task")
		if err != nil {
			return err
		}
		blockers, err := s.graph.BlockersOf(ctx, taskID)
		if err != nil {
			return err
		}
		blocking, err := s.graph.BlockingOf(ctx, taskID)
		if err != nil {
			return err
		}
		snapshot, err := json.Marshal(models.TaskSnapshot{
			Task:        current,
			BlockerIDs:  taskIDs(blockers),
			BlockingIDs: taskIDs(blocking),
		})
		if err != nil {
			return internalError(errors.Wrap(err, "marshal snapshot"), "fail task")
		}

		failed = models.FailedTask{
			ID:          uuid.NewString(),
			TaskID:      current.ID,
			WorkspaceID: current.WorkspaceID,
			ProjectID:   current.ProjectID,
			Snapshot:    snapshot,
			Reason:      reason,
			FailedBy:    actorID,
			FailedAt:    now(),
		}
		if err := tx.SaveFailedTask(ctx, failed); err != nil {
			s.logger.Errorf("Failed to archive task %s: %v", taskID, err)
			return internalError(errors.Wrap(err, "save failed task"), "fail task")
		}
		if err := tx.DeleteTask(ctx, taskID); err != nil {
			s.logger.Errorf("Failed to delete failed task %s: %v", taskID, err)
			return internalError(errors.Wrap(err, "delete task"), "fail task")
		}

		s.logger.Infof("Task %s failed by %s", taskID, actorID)
		s.dispatch(ctx, SideEffect{
			Activity: taskActivity(models.TaskFailedActivity, actorID, current, "Task failed: "+current.Title,
				map[string]interface{}{"reason": reason, "failedTaskId": failed.ID}),
			Event: taskDeletedEvent(actorID, current),
		})
		return nil
	})
	if err != nil {
		return models.FailedTask{}, err
	}
	return failed, nil
}

// GetTask returns the task with both sides of its dependency edges.
func (s *TaskLifecycleService) GetTask(ctx context.Context, actorID, taskID string) (models.TaskDetail, error) {
	if _, _, err := s.guard.RequireTaskAccess(ctx, actorID, taskID, models.ViewerRole); err != nil {
		return models.TaskDetail{}, err
	}
	task, err := s.tx.Store(ctx).GetTask(ctx, taskID)
	if errors.Cause(err) == storage.ErrNotFound {
		return models.TaskDetail{}, newError(CodeTaskNotFound, "task %s not found", taskID).WithDetail("taskId", taskID)
	}
	if err != nil {
		return models.TaskDetail{}, internalError(errors.Wrap(err, "get task"), "get task")
	}
	blockers, err := s.graph.BlockersOf(ctx, taskID)
	if err != nil {
		return models.TaskDetail{}, err
	}
	blocking, err := s.graph.BlockingOf(ctx, taskID)
	if err != nil {
		return models.TaskDetail{}, err
	}
	return models.TaskDetail{
		Task:     task,
		Blockers: summaries(blockers),
		Blocking: summaries(blocking),
	}, nil
}

// ListTasks returns the project's tasks, newest first, narrowed by filter.
func (s *TaskLifecycleService) ListTasks(ctx context.Context, actorID, projectID string, filter models.TaskFilter) ([]models.Task, error) {
	if projectID == "" {
		return nil, newError(CodeInvalidInput, "project id is required")
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, newError(CodeInvalidInput, "invalid status filter %q", filter.Status).WithDetail("field", "status")
	}
	if filter.Priority != "" && !filter.Priority.Valid() {
		return nil, newError(CodeInvalidInput, "invalid priority filter %q", filter.Priority).WithDetail("field", "priority")
	}
	project, err := s.guard.ResolveProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if _, err := s.guard.Require(ctx, actorID, project.WorkspaceID, models.ViewerRole); err != nil {
		return nil, err
	}
	tasks, err := s.tx.Store(ctx).ListTasks(ctx, projectID, filter)
	if err != nil {
		return nil, internalError(errors.Wrap(err, "list tasks"), "list tasks")
	}
	return tasks, nil
}

// requireOwnership checks the actor created the task or is an admin, then
// locks the workspace graph and the task row, in that order.
func (s *TaskLifecycleService) requireOwnership(ctx context.Context, tx storage.Store, actorID, taskID, op string) (models.Task, error) {
	scope, membership, err := s.guard.RequireTaskAccess(ctx, actorID, taskID, models.MemberRole)
	if err != nil {
		return models.Task{}, err
	}
	if scope.CreatedBy != actorID && membership.Role != models.AdminRole {
		return models.Task{}, newError(CodeForbidden, "only the task creator or a workspace admin may do this").
			WithDetail("taskId", taskID)
	}
	if err := s.lockGraph(ctx, tx, scope.WorkspaceID, op); err != nil {
		return models.Task{}, err
	}
	return s.lockTask(ctx, tx, taskID)
}

func (s *TaskLifecycleService) lockGraph(ctx context.Context, tx storage.Store, workspaceID, op string) error {
	if err := tx.LockWorkspaceGraph(ctx, workspaceID); err != nil {
		return internalError(errors.Wrap(err, "lock workspace graph"), op)
	}
	return nil
}

func (s *TaskLifecycleService) lockTask(ctx context.Context, tx storage.Store, taskID string) (models.Task, error) {
	task, err := tx.GetTaskForUpdate(ctx, taskID)
	if errors.Cause(err) == storage.ErrNotFound {
		return models.Task{}, newError(CodeTaskNotFound, "task %s not found", taskID).WithDetail("taskId", taskID)
	}
	if err != nil {
		return models.Task{}, internalError(errors.Wrap(err, "lock task"), "load task")
	}
	return task, nil
}

func (s *TaskLifecycleService) validateAssignee(ctx context.Context, workspaceID string, assigneeID *string) error {
	if assigneeID == nil {
		return nil
	}
	member, err := s.guard.IsMember(ctx, workspaceID, *assigneeID)
	if err != nil {
		return err
	}
	if !member {
		return newError(CodeInvalidAssignee, "assignee is not a member of this workspace").
			WithDetail("assigneeId", *assigneeID)
	}
	return nil
}

func (s *TaskLifecycleService) dispatch(ctx context.Context, effect SideEffect) {
	s.tx.AfterCommit(ctx, func() {
		s.effects.AfterCommit(effect)
	})
}

// applyPatch returns the patched task and the fields whose value changed.
func applyPatch(current models.Task, patch models.TaskPatch) (models.Task, map[string]interface{}) {
	updated := current
	changes := make(map[string]interface{})

	if patch.Title != nil && *patch.Title != current.Title {
		updated.Title = *patch.Title
		changes["title"] = updated.Title
	}
	if patch.Description != nil && *patch.Description != current.Description {
		updated.Description = *patch.Description
		changes["description"] = updated.Description
	}
	if patch.Status != nil && *patch.Status != current.Status {
		updated.Status = *patch.Status
		changes["status"] = string(updated.Status)
	}
	if patch.Priority != nil && *patch.Priority != current.Priority {
		updated.Priority = *patch.Priority
		changes["priority"] = string(updated.Priority)
	}
	if patch.Assignee.Set && !equalStringPtr(patch.Assignee.Value, current.AssigneeID) {
		updated.AssigneeID = patch.Assignee.Value
		if updated.AssigneeID == nil {
			changes["assigneeId"] = nil
		} else {
			changes["assigneeId"] = *updated.AssigneeID
		}
	}
	if patch.Deadline.Set {
		deadline := utcPtr(patch.Deadline.Value)
		if !equalTimePtr(deadline, current.Deadline) {
			updated.Deadline = deadline
			if deadline == nil {
				changes["deadline"] = nil
			} else {
				changes["deadline"] = *deadline
			}
		}
	}
	return updated, changes
}

func validateTitle(title string) (string, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return "", newError(CodeInvalidInput, "title is required").WithDetail("field", "title")
	}
	if utf8.RuneCountInString(title) > maxTitleLength {
		return "", newError(CodeInvalidInput, "title must be at most %d characters", maxTitleLength).
			WithDetail("field", "title")
	}
	return title, nil
}

func summaries(tasks []models.Task) []models.TaskSummary {
	out := make([]models.TaskSummary, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.Summary())
	}
	return out
}

func taskIDs(tasks []models.Task) []string {
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		ids = append(ids, t.ID)
	}
	return ids
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func equalStringPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func equalTimePtr(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
