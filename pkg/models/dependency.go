package models

import "time"

// TaskDependency is a finish-to-start edge: BlockerID must be completed before
// BlockedID may be completed. Both tasks live in WorkspaceID.
type TaskDependency struct {
	BlockerID   string    `json:"blockerId" db:"blocker_task_id"`
	BlockedID   string    `json:"blockedId" db:"blocked_task_id"`
	WorkspaceID string    `json:"workspaceId" db:"workspace_id"`
	CreatedBy   string    `json:"createdBy" db:"created_by"`
	CreatedAt   time.Time `json:"createdAt" db:"created_at"`
}
