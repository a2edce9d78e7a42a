package service

import (
	"context"

	"github.com/ignatij/tasktrack/pkg/models"
	"github.com/ignatij/tasktrack/pkg/storage"
	"github.com/pkg/errors"
)

// DependencyGraphService maintains the blocker -> blocked edges of each
// workspace and keeps every workspace graph acyclic.
type DependencyGraphService struct {
	tx      *TransactionCoordinator
	guard   *AuthorizationGuard
	effects *SideEffectDispatcher
	logger  Logger
}

func NewDependencyGraphService(tx *TransactionCoordinator, guard *AuthorizationGuard, effects *SideEffectDispatcher, logger Logger) *DependencyGraphService {
	return &DependencyGraphService{
		tx:      tx,
		guard:   guard,
		effects: effects,
		logger:  logger,
	}
}

// AddEdge records that blockerID must be completed before blockedID. Attaching
// an edge that already exists succeeds without writing anything.
func (s *DependencyGraphService) AddEdge(ctx context.Context, actorID, blockerID, blockedID string) error {
	if blockerID == "" || blockedID == "" {
		return newError(CodeInvalidInput, "blocker and blocked task ids are required")
	}
	if blockerID == blockedID {
		return newError(CodeInvalidDependency, "a task cannot depend on itself").
			WithDetail("taskId", blockerID)
	}
	if actorID == "" {
		return newError(CodeUnauthenticated, "authentication required")
	}

	return s.tx.WithTransaction(ctx, func(ctx context.Context, tx storage.Store) error {
		blocker, err := s.guard.ResolveTaskScope(ctx, blockerID)
		if err != nil {
			return err
		}
		blocked, err := s.guard.ResolveTaskScope(ctx, blockedID)
		if err != nil {
			return err
		}
		if blocker.WorkspaceID != blocked.WorkspaceID {
			return newError(CodeCrossWorkspaceDependency, "tasks belong to different workspaces").
				WithDetail("blockerId", blockerID).
				WithDetail("blockedId", blockedID)
		}
		workspaceID := blocked.WorkspaceID
		if _, err := s.guard.Require(ctx, actorID, workspaceID, models.MemberRole); err != nil {
			return err
		}

		graph, err := s.lockedGraph(ctx, tx, workspaceID)
		if err != nil {
			return err
		}
		if graph.WouldCycle(blockerID, blockedID) {
			return newError(CodeCycleDetected, "adding this dependency would create a cycle").
				WithDetail("blockerId", blockerID).
				WithDetail("blockedId", blockedID)
		}

		created, err := tx.SaveDependency(ctx, models.TaskDependency{
			BlockerID:   blockerID,
			BlockedID:   blockedID,
			WorkspaceID: workspaceID,
			CreatedBy:   actorID,
			CreatedAt:   now(),
		})
		if err != nil {
			s.logger.Errorf("Failed to save dependency %s -> %s: %v", blockerID, blockedID, err)
			return internalError(errors.Wrap(err, "save dependency"), "add dependency")
		}
		if !created {
			return nil
		}

		s.logger.Infof("Dependency %s -> %s added in workspace %s", blockerID, blockedID, workspaceID)
		s.dispatch(ctx, SideEffect{
			Activity: &models.ActivityRecord{
				WorkspaceID: workspaceID,
				ActorID:     actorID,
				Type:        models.DependencyAddedActivity,
				EntityType:  "task_dependency",
				EntityIDs:   []string{blockerID, blockedID},
				Title:       "Dependency added",
				Details:     map[string]interface{}{"blockerId": blockerID, "blockedId": blockedID},
			},
			Event: taskUpdatedEvent(actorID, blockedID,
				map[string]interface{}{"blockerAdded": blockerID},
				[]string{models.WorkspaceChannel(workspaceID)}),
		})
		return nil
	})
}

// RemoveEdge detaches blockerID from blockedID. A missing edge is not an error.
func (s *DependencyGraphService) RemoveEdge(ctx context.Context, actorID, blockerID, blockedID string) error {
	if blockerID == "" || blockedID == "" {
		return newError(CodeInvalidInput, "blocker and blocked task ids are required")
	}

	return s.tx.WithTransaction(ctx, func(ctx context.Context, tx storage.Store) error {
		scope, _, err := s.guard.RequireTaskAccess(ctx, actorID, blockedID, models.MemberRole)
		if err != nil {
			return err
		}
		if err := tx.LockWorkspaceGraph(ctx, scope.WorkspaceID); err != nil {
			return internalError(errors.Wrap(err, "lock workspace graph"), "remove dependency")
		}
		removed, err := tx.DeleteDependency(ctx, blockerID, blockedID)
		if err != nil {
			s.logger.Errorf("Failed to delete dependency %s -> %s: %v", blockerID, blockedID, err)
			return internalError(errors.Wrap(err, "delete dependency"), "remove dependency")
		}
		if !removed {
			return nil
		}

		s.logger.Infof("Dependency %s -> %s removed in workspace %s", blockerID, blockedID, scope.WorkspaceID)
		s.dispatch(ctx, SideEffect{
			Activity: &models.ActivityRecord{
				WorkspaceID: scope.WorkspaceID,
				ActorID:     actorID,
				Type:        models.DependencyRemovedActivity,
				EntityType:  "task_dependency",
				EntityIDs:   []string{blockerID, blockedID},
				Title:       "Dependency removed",
				Details:     map[string]interface{}{"blockerId": blockerID, "blockedId": blockedID},
			},
			Event: taskUpdatedEvent(actorID, blockedID,
				map[string]interface{}{"blockerRemoved": blockerID},
				[]string{models.WorkspaceChannel(scope.WorkspaceID)}),
		})
		return nil
	})
}

// BlockersOf returns the tasks that must be completed before taskID.
func (s *DependencyGraphService) BlockersOf(ctx context.Context, taskID string) ([]models.Task, error) {
	tasks, err := s.tx.Store(ctx).GetBlockers(ctx, taskID)
	if err != nil {
		return nil, internalError(errors.Wrap(err, "get blockers"), "list blockers")
	}
	return tasks, nil
}

// BlockingOf returns the tasks waiting on taskID.
func (s *DependencyGraphService) BlockingOf(ctx context.Context, taskID string) ([]models.Task, error) {
	tasks, err := s.tx.Store(ctx).GetBlocking(ctx, taskID)
	if err != nil {
		return nil, internalError(errors.Wrap(err, "get blocking"), "list blocking")
	}
	return tasks, nil
}

// IncompleteBlockers returns the blockers of taskID that are not completed. It
// must run inside a transaction: the workspace graph stays locked until that
// transaction ends, so no edge can be attached behind the check.
func (s *DependencyGraphService) IncompleteBlockers(ctx context.Context, workspaceID, taskID string) ([]models.Task, error) {
	if !s.tx.InTransaction(ctx) {
		return nil, internalError(storage.ErrNotInTransaction, "check blockers")
	}
	tx := s.tx.Store(ctx)
	if err := tx.LockWorkspaceGraph(ctx, workspaceID); err != nil {
		return nil, internalError(errors.Wrap(err, "lock workspace graph"), "check blockers")
	}
	blockers, err := s.BlockersOf(ctx, taskID)
	if err != nil {
		return nil, err
	}
	var incomplete []models.Task
	for _, b := range blockers {
		if b.Status != models.CompletedTaskStatus {
			incomplete = append(incomplete, b)
		}
	}
	return incomplete, nil
}

// Order returns the workspace's dependent tasks with every blocker ahead of
// the tasks it blocks.
func (s *DependencyGraphService) Order(ctx context.Context, actorID, workspaceID string) ([]string, error) {
	if workspaceID == "" {
		return nil, newError(CodeInvalidInput, "workspace id is required")
	}
	if _, err := s.guard.Require(ctx, actorID, workspaceID, models.ViewerRole); err != nil {
		return nil, err
	}
	deps, err := s.tx.Store(ctx).GetDependencies(ctx, workspaceID)
	if err != nil {
		return nil, internalError(errors.Wrap(err, "get dependencies"), "dependency order")
	}
	order, err := NewDependencyGraph(deps).TopologicalOrder()
	if err != nil {
		s.logger.Errorf("Workspace %s dependency graph is not acyclic: %v", workspaceID, err)
		return nil, internalError(err, "dependency order")
	}
	return order, nil
}

func (s *DependencyGraphService) lockedGraph(ctx context.Context, tx storage.Store, workspaceID string) (*DependencyGraph, error) {
	if err := tx.LockWorkspaceGraph(ctx, workspaceID); err != nil {
		return nil, internalError(errors.Wrap(err, "lock workspace graph"), "add dependency")
	}
	deps, err := tx.GetDependencies(ctx, workspaceID)
	if err != nil {
		return nil, internalError(errors.Wrap(err, "get dependencies"), "add dependency")
	}
	return NewDependencyGraph(deps), nil
}

func (s *DependencyGraphService) dispatch(ctx context.Context, effect SideEffect) {
	s.tx.AfterCommit(ctx, func() {
		s.effects.AfterCommit(effect)
	})
}
