// Package rbac implements role-based access control for the helpdesk:
// a fixed role set, a static grant table, team-derived access scopes,
// and the permission checker the HTTP layer consults before every
// protected operation.
package rbac

import (
	"time"
)

// Role is one of the four built-in roles. The role set is closed;
// there is no custom role creation.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleManager  Role = "manager"
	RoleTeamLead Role = "team_lead"
	RoleAgent    Role = "agent"
)

// AllRoles lists every valid role, in descending order of privilege.
var AllRoles = []Role{RoleAdmin, RoleManager, RoleTeamLead, RoleAgent}

// Valid reports whether r is one of the built-in roles.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleManager, RoleTeamLead, RoleAgent:
		return true
	}
	return false
}

// Resource identifies a protected resource category
type Resource string

const (
	ResourceTicket       Resource = "ticket"
	ResourceCustomer     Resource = "customer"
	ResourceTeam         Resource = "team"
	ResourceUser         Resource = "user"
	ResourceRole         Resource = "role"
	ResourceArticle      Resource = "article"
	ResourceNotification Resource = "notification"
	ResourceAuditLog     Resource = "audit_log"
	ResourceDashboard    Resource = "dashboard"
)

// AllResources lists every resource category
var AllResources = []Resource{
	ResourceTicket,
	ResourceCustomer,
	ResourceTeam,
	ResourceUser,
	ResourceRole,
	ResourceArticle,
	ResourceNotification,
	ResourceAuditLog,
	ResourceDashboard,
}

// Action identifies an operation on a resource
type Action string

const (
	ActionRead    Action = "read"
	ActionCreate  Action = "create"
	ActionUpdate  Action = "update"
	ActionDelete  Action = "delete"
	ActionAssign  Action = "assign"
	ActionExport  Action = "export"
	ActionComment Action = "comment"
)

// AllActions lists every action
var AllActions = []Action{
	ActionRead,
	ActionCreate,
	ActionUpdate,
	ActionDelete,
	ActionAssign,
	ActionExport,
	ActionComment,
}

// Permission pairs a resource with an action
type Permission struct {
	Resource Resource `json:"resource"`
	Action   Action   `json:"action"`
}

func (p Permission) String() string {
	return string(p.Resource) + ":" + string(p.Action)
}

// AccessScope describes which records a user may reach once the
// coarse role grant has passed. OrganizationWide supersedes TeamIDs.
type AccessScope struct {
	OrganizationWide bool               `json:"organization_wide"`
	TeamIDs          map[int64]struct{} `json:"-"`
}

// ContainsTeam reports whether the scope reaches records owned by teamID.
func (s AccessScope) ContainsTeam(teamID int64) bool {
	if s.OrganizationWide {
		return true
	}
	_, ok := s.TeamIDs[teamID]
	return ok
}

// TeamIDList returns the scoped team IDs as a slice, for SQL IN clauses
// and JSON responses. Nil when the scope is organization-wide.
func (s AccessScope) TeamIDList() []int64 {
	if s.OrganizationWide || len(s.TeamIDs) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(s.TeamIDs))
	for id := range s.TeamIDs {
		ids = append(ids, id)
	}
	return ids
}

// ResourceContext carries the ownership facts about a concrete record
// that the checker needs beyond the coarse grant: which team owns it
// and which users are tied to it. Zero values mean "not applicable".
type ResourceContext struct {
	TeamID     int64   `json:"team_id,omitempty"`
	CreatorID  int64   `json:"creator_id,omitempty"`
	AssigneeID int64   `json:"assignee_id,omitempty"`
	CustomerID int64   `json:"customer_id,omitempty"`
	Followers  []int64 `json:"followers,omitempty"`

	// TargetUserID is the user being acted on for user/role operations.
	// The checker denies role assignment when it equals the actor.
	TargetUserID int64 `json:"target_user_id,omitempty"`
}

// IsFollower reports whether userID is in the follower list.
func (c *ResourceContext) IsFollower(userID int64) bool {
	for _, id := range c.Followers {
		if id == userID {
			return true
		}
	}
	return false
}

// Deny reasons returned in Decision.Reason. These are stable strings
// recorded in the audit trail, not user-facing copy.
const (
	ReasonRoleDenied     = "role_lacks_permission"
	ReasonOutOfScope     = "resource_out_of_scope"
	ReasonSelfAssignment = "self_role_assignment"
	ReasonUnknownUser    = "unknown_user"
)

// Decision is the outcome of a permission check.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Code    string `json:"code,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Allow returns an allowing decision.
func Allow() Decision {
	return Decision{Allowed: true}
}

// Deny returns a denying decision with an error code and a reason.
func Deny(code, reason string) Decision {
	return Decision{Allowed: false, Code: code, Reason: reason}
}

// User is a directory record with its assigned role.
type User struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Role      Role      `json:"role"`
	TeamID    *int64    `json:"team_id,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Team is a group of agents with at most one lead per leadership row.
type Team struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TeamLeadership records that a user leads a team. A user may lead
// several teams and a team may have several leads.
type TeamLeadership struct {
	ID        int64     `json:"id"`
	TeamID    int64     `json:"team_id"`
	UserID    int64     `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}
