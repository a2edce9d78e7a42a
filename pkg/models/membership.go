package models

type Role string

const (
	ViewerRole Role = "viewer"
	MemberRole Role = "member"
	AdminRole  Role = "admin"
)

// roleRank orders roles for guard checks. Viewer is read-only and does not
// satisfy member-level guards.
var roleRank = map[Role]int{
	ViewerRole: 1,
	MemberRole: 2,
	AdminRole:  3,
}

func (r Role) Valid() bool {
	_, ok := roleRank[r]
	return ok
}

// AtLeast reports whether r ranks at or above min. Unknown roles rank below everything.
func (r Role) AtLeast(min Role) bool {
	return roleRank[r] > 0 && roleRank[r] >= roleRank[min]
}

// Membership is the read-only (workspace, user, role) row consumed for authorization.
type Membership struct {
	WorkspaceID string `json:"workspaceId" db:"workspace_id"`
	UserID      string `json:"userId" db:"user_id"`
	Role        Role   `json:"role" db:"role"`
}

// Project is the read side of the project table: only the workspace link matters here.
type Project struct {
	ID          string `json:"id" db:"id"`
	WorkspaceID string `json:"workspaceId" db:"workspace_id"`
	Name        string `json:"name" db:"name"`
}

// TaskScope is the authorization chain of a task.
type TaskScope struct {
	TaskID      string `db:"id"`
	ProjectID   string `db:"project_id"`
	WorkspaceID string `db:"workspace_id"`
	CreatedBy   string `db:"created_by"`
}
