package service

import (
	"context"

	"github.com/ignatij/tasktrack/pkg/models"
	"github.com/ignatij/tasktrack/pkg/storage"
	"github.com/pkg/errors"
)

// AuthorizationGuard answers "may this user act here" from the membership and
// task/project tables. Reads join the ambient transaction when there is one so
// the check and the write that follows see the same data.
type AuthorizationGuard struct {
	tx     *TransactionCoordinator
	logger Logger
}

func NewAuthorizationGuard(tx *TransactionCoordinator, logger Logger) *AuthorizationGuard {
	return &AuthorizationGuard{tx: tx, logger: logger}
}

// ResolveMembership returns the user's membership in the workspace.
func (g *AuthorizationGuard) ResolveMembership(ctx context.Context, userID, workspaceID string) (models.Membership, error) {
	if userID == "" {
		return models.Membership{}, newError(CodeUnauthenticated, "authentication required")
	}
	membership, err := g.tx.Store(ctx).GetMembership(ctx, workspaceID, userID)
	if errors.Cause(err) == storage.ErrNotFound {
		return models.Membership{}, newError(CodeForbidden, "user is not a member of this workspace").
			WithDetail("workspaceId", workspaceID)
	}
	if err != nil {
		return models.Membership{}, internalError(errors.Wrap(err, "get membership"), "resolve membership")
	}
	return membership, nil
}

// ResolveTaskScope returns the project and workspace the task belongs to.
func (g *AuthorizationGuard) ResolveTaskScope(ctx context.Context, taskID string) (models.TaskScope, error) {
	scope, err := g.tx.Store(ctx).GetTaskScope(ctx, taskID)
	if errors.Cause(err) == storage.ErrNotFound {
		return models.TaskScope{}, newError(CodeTaskNotFound, "task %s not found", taskID).
			WithDetail("taskId", taskID)
	}
	if err != nil {
		return models.TaskScope{}, internalError(errors.Wrap(err, "get task scope"), "resolve task scope")
	}
	return scope, nil
}

// ResolveProject returns the project, which carries the workspace reference.
func (g *AuthorizationGuard) ResolveProject(ctx context.Context, projectID string) (models.Project, error) {
	project, err := g.tx.Store(ctx).GetProject(ctx, projectID)
	if errors.Cause(err) == storage.ErrNotFound {
		return models.Project{}, newError(CodeProjectNotFound, "project %s not found", projectID).
			WithDetail("projectId", projectID)
	}
	if err != nil {
		return models.Project{}, internalError(errors.Wrap(err, "get project"), "resolve project")
	}
	return project, nil
}

// Require resolves the membership and checks it ranks at least min.
func (g *AuthorizationGuard) Require(ctx context.Context, userID, workspaceID string, min models.Role) (models.Membership, error) {
	membership, err := g.ResolveMembership(ctx, userID, workspaceID)
	if err != nil {
		return models.Membership{}, err
	}
	if !membership.Role.AtLeast(min) {
		return models.Membership{}, newError(CodeForbidden, "role %q may not perform this action", membership.Role).
			WithDetail("requiredRole", string(min))
	}
	return membership, nil
}

// RequireTaskAccess resolves the task's scope and requires min role in its workspace.
func (g *AuthorizationGuard) RequireTaskAccess(ctx context.Context, userID, taskID string, min models.Role) (models.TaskScope, models.Membership, error) {
	if userID == "" {
		return models.TaskScope{}, models.Membership{}, newError(CodeUnauthenticated, "authentication required")
	}
	scope, err := g.ResolveTaskScope(ctx, taskID)
	if err != nil {
		return models.TaskScope{}, models.Membership{}, err
	}
	membership, err := g.Require(ctx, userID, scope.WorkspaceID, min)
	if err != nil {
		return models.TaskScope{}, models.Membership{}, err
	}
	return scope, membership, nil
}

// IsMember reports whether userID holds any role in the workspace.
func (g *AuthorizationGuard) IsMember(ctx context.Context, workspaceID, userID string) (bool, error) {
	_, err := g.tx.Store(ctx).GetMembership(ctx, workspaceID, userID)
	if errors.Cause(err) == storage.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, internalError(errors.Wrap(err, "get membership"), "check membership")
	}
	return true, nil
}
