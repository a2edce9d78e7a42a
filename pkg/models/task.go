package models

import (
	"encoding/json"
	"time"
)

type TaskStatus string

const (
	PendingTaskStatus    TaskStatus = "pending"
	InProgressTaskStatus TaskStatus = "in_progress"
	CompletedTaskStatus  TaskStatus = "completed"
)

// Valid reports whether s is one of the known task states.
func (s TaskStatus) Valid() bool {
	switch s {
	case PendingTaskStatus, InProgressTaskStatus, CompletedTaskStatus:
		return true
	}
	return false
}

type TaskPriority string

const (
	LowPriority    TaskPriority = "low"
	MediumPriority TaskPriority = "medium"
	HighPriority   TaskPriority = "high"
)

func (p TaskPriority) Valid() bool {
	switch p {
	case LowPriority, MediumPriority, HighPriority:
		return true
	}
	return false
}

// Task is a unit of work inside a project. The workspace reference is copied from
// the owning project when the task is created.
type Task struct {
	ID          string       `json:"id" db:"id"`
	Title       string       `json:"title" db:"title"`
	Description string       `json:"description" db:"description"`
	Status      TaskStatus   `json:"status" db:"status"`
	Priority    TaskPriority `json:"priority" db:"priority"`
	ProjectID   string       `json:"projectId" db:"project_id"`
	WorkspaceID string       `json:"workspaceId" db:"workspace_id"`
	AssigneeID  *string      `json:"assigneeId,omitempty" db:"assignee_id"`
	Deadline    *time.Time   `json:"deadline,omitempty" db:"deadline"`
	CreatedBy   string       `json:"createdBy" db:"created_by"`
	CreatedAt   time.Time    `json:"createdAt" db:"created_at"`
	UpdatedAt   time.Time    `json:"updatedAt" db:"updated_at"`
}

// Summary returns the short form used in blocker/blocking listings.
func (t Task) Summary() TaskSummary {
	return TaskSummary{ID: t.ID, Title: t.Title, Status: t.Status}
}

type TaskSummary struct {
	ID     string     `json:"id"`
	Title  string     `json:"title"`
	Status TaskStatus `json:"status"`
}

// TaskDetail is a task together with both sides of its dependency edges.
type TaskDetail struct {
	Task
	Blockers []TaskSummary `json:"blockers"`
	Blocking []TaskSummary `json:"blocking"`
}

// NewTask carries the fields accepted when creating a task.
type NewTask struct {
	ProjectID   string       `json:"projectId"`
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Status      TaskStatus   `json:"status"`
	Priority    TaskPriority `json:"priority"`
	AssigneeID  *string      `json:"assigneeId"`
	Deadline    *time.Time   `json:"deadline"`
}

// TaskPatch is a field-level update. Nil pointers leave the field untouched;
// Assignee and Deadline distinguish "absent" from an explicit null.
type TaskPatch struct {
	Title       *string          `json:"title"`
	Description *string          `json:"description"`
	Status      *TaskStatus      `json:"status"`
	Priority    *TaskPriority    `json:"priority"`
	Assignee    OptionalString   `json:"assigneeId"`
	Deadline    OptionalDeadline `json:"deadline"`
}

// Empty reports whether the patch changes nothing.
func (p TaskPatch) Empty() bool {
	return p.Title == nil && p.Description == nil && p.Status == nil &&
		p.Priority == nil && !p.Assignee.Set && !p.Deadline.Set
}

// OptionalString is a nullable string field that remembers whether it was present.
type OptionalString struct {
	Set   bool
	Value *string
}

func (o *OptionalString) UnmarshalJSON(data []byte) error {
	o.Set = true
	if string(data) == "null" {
		o.Value = nil
		return nil
	}
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	o.Value = &v
	return nil
}

// OptionalDeadline is the time counterpart of OptionalString.
type OptionalDeadline struct {
	Set   bool
	Value *time.Time
}

func (o *OptionalDeadline) UnmarshalJSON(data []byte) error {
	o.Set = true
	if string(data) == "null" {
		o.Value = nil
		return nil
	}
	var v time.Time
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	o.Value = &v
	return nil
}

// TaskFilter narrows project task listings. Empty fields match everything.
type TaskFilter struct {
	Status     TaskStatus
	Priority   TaskPriority
	AssigneeID string
}

// FailedTask is the immutable archive written when a task is failed.
type FailedTask struct {
	ID          string          `json:"id" db:"id"`
	TaskID      string          `json:"taskId" db:"task_id"`
	WorkspaceID string          `json:"workspaceId" db:"workspace_id"`
	ProjectID   string          `json:"projectId" db:"project_id"`
	Snapshot    json.RawMessage `json:"snapshot" db:"snapshot"`
	Reason      string          `json:"reason" db:"reason"`
	FailedBy    string          `json:"failedBy" db:"failed_by"`
	FailedAt    time.Time       `json:"failedAt" db:"failed_at"`
}

// TaskSnapshot is the archived state of a task, edges included.
type TaskSnapshot struct {
	Task
	BlockerIDs  []string `json:"blockerIds"`
	BlockingIDs []string `json:"blockingIds"`
}
