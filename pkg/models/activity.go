package models

import "time"

type ActivityType string

const (
	TaskCreatedActivity       ActivityType = "task.created"
	TaskUpdatedActivity       ActivityType = "task.updated"
	TaskStatusActivity        ActivityType = "task.status_changed"
	TaskDeletedActivity       ActivityType = "task.deleted"
	TaskFailedActivity        ActivityType = "task.failed"
	DependencyAddedActivity   ActivityType = "dependency.added"
	DependencyRemovedActivity ActivityType = "dependency.removed"
)

// ActivityRecord is the write-once audit entry derived from a committed mutation.
type ActivityRecord struct {
	ID          string                 `json:"id" db:"id"`
	WorkspaceID string                 `json:"workspaceId" db:"workspace_id"`
	ActorID     string                 `json:"actorId" db:"actor_id"`
	Type        ActivityType           `json:"type" db:"type"`
	EntityType  string                 `json:"entityType" db:"entity_type"`
	EntityIDs   []string               `json:"entityIds" db:"entity_ids"`
	Title       string                 `json:"title" db:"title"`
	Details     map[string]interface{} `json:"details" db:"details"`
	CreatedAt   time.Time              `json:"createdAt" db:"created_at"`
}

const (
	TaskUpdatedEvent = "task.updated"
	TaskDeletedEvent = "task.deleted"
)

// RealtimeEvent is pushed to presentation clients on the listed channels.
type RealtimeEvent struct {
	Name     string       `json:"event"`
	Channels []string     `json:"channels"`
	Payload  EventPayload `json:"payload"`
}

type EventPayload struct {
	Entity interface{} `json:"entity"`
	Meta   EventMeta   `json:"meta"`
}

type EventMeta struct {
	ByUserID string `json:"byUserId"`
}

type TaskUpdatedEntity struct {
	TaskID  string                 `json:"taskId"`
	Changes map[string]interface{} `json:"changes"`
}

type TaskDeletedEntity struct {
	TaskID    string `json:"taskId"`
	ProjectID string `json:"projectId"`
}

func WorkspaceChannel(workspaceID string) string { return "workspace:" + workspaceID }

func UserChannel(userID string) string { return "user:" + userID }
