package rbac

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/opsdesk/opsdesk/pkg/audit"
	"github.com/opsdesk/opsdesk/pkg/contextkeys"
	"github.com/opsdesk/opsdesk/pkg/httputil"
	"github.com/opsdesk/opsdesk/pkg/observability"
)

// Handlers exposes the directory and permission admin surface.
type Handlers struct {
	directory *Directory
	scopes    *ScopeResolver
	checker   *Checker
	grants    *GrantTable
	auditor   audit.Logger
}

// NewHandlers creates the RBAC admin handlers.
func NewHandlers(directory *Directory, scopes *ScopeResolver, checker *Checker, grants *GrantTable, auditor audit.Logger) *Handlers {
	if auditor == nil {
		auditor = audit.NopLogger()
	}
	return &Handlers{
		directory: directory,
		scopes:    scopes,
		checker:   checker,
		grants:    grants,
		auditor:   auditor,
	}
}

// targetUserResolver reads the target user id from the route path so
// the self-assignment lockout is enforced in the guard.
func targetUserResolver(r *http.Request) (*ResourceContext, error) {
	id, err := httputil.ParsePathInt64(r, "id")
	if err != nil {
		return nil, err
	}
	return &ResourceContext{TargetUserID: id}, nil
}

// RegisterRoutes mounts the admin surface on the router, guarded.
func (h *Handlers) RegisterRoutes(r *mux.Router, guard *Guard) {
	protect := func(action Action, resource Resource, auditAction string, resolver ContextResolverFunc, fn http.HandlerFunc) http.Handler {
		return guard.Protect(Requirement{
			Permission:  &Permission{Resource: resource, Action: action},
			AuditAction: auditAction,
			Resolver:    resolver,
		})(fn)
	}

	// Users
	r.Handle("/users", protect(ActionRead, ResourceUser, "", nil, h.ListUsers)).Methods(http.MethodGet)
	r.Handle("/users", protect(ActionCreate, ResourceUser, "create_user", nil, h.CreateUser)).Methods(http.MethodPost)
	r.Handle("/users/{id:[0-9]+}", protect(ActionRead, ResourceUser, "", nil, h.GetUser)).Methods(http.MethodGet)
	r.Handle("/users/{id:[0-9]+}/role", protect(ActionAssign, ResourceRole, "assign_role", targetUserResolver, h.AssignRole)).Methods(http.MethodPut)
	r.Handle("/users/{id:[0-9]+}/team", protect(ActionUpdate, ResourceUser, "set_user_team", nil, h.SetUserTeam)).Methods(http.MethodPut)
	r.Handle("/users/{id:[0-9]+}", protect(ActionUpdate, ResourceUser, "deactivate_user", nil, h.DeactivateUser)).Methods(http.MethodDelete)

	// Roles
	r.Handle("/roles", protect(ActionRead, ResourceRole, "", nil, h.ListRoles)).Methods(http.MethodGet)

	// Teams
	r.Handle("/teams", protect(ActionRead, ResourceTeam, "", nil, h.ListTeams)).Methods(http.MethodGet)
	r.Handle("/teams", protect(ActionCreate, ResourceTeam, "create_team", nil, h.CreateTeam)).Methods(http.MethodPost)
	r.Handle("/teams/{id:[0-9]+}", protect(ActionRead, ResourceTeam, "", nil, h.GetTeam)).Methods(http.MethodGet)
	r.Handle("/teams/{id:[0-9]+}", protect(ActionUpdate, ResourceTeam, "update_team", nil, h.UpdateTeam)).Methods(http.MethodPut)
	r.Handle("/teams/{id:[0-9]+}", protect(ActionDelete, ResourceTeam, "delete_team", nil, h.DeleteTeam)).Methods(http.MethodDelete)
	r.Handle("/teams/{id:[0-9]+}/leaders", protect(ActionAssign, ResourceTeam, "add_team_leader", nil, h.AddLeader)).Methods(http.MethodPost)
	r.Handle("/teams/{id:[0-9]+}/leaders/{userId:[0-9]+}", protect(ActionAssign, ResourceTeam, "remove_team_leader", nil, h.RemoveLeader)).Methods(http.MethodDelete)

	// Permission introspection
	r.Handle("/rbac/check", guard.RequireAuth(http.HandlerFunc(h.CheckPermissionHandler))).Methods(http.MethodPost)
}

// ListUsers returns a page of directory users.
func (h *Handlers) ListUsers(w http.ResponseWriter, r *http.Request) {
	page, limit := httputil.ParsePage(r, 50, 200)
	users, total, err := h.directory.ListUsers(r.Context(), limit, (page-1)*limit)
	if err != nil {
		observability.FromContext(r.Context()).WithError(err).Error("failed to list users")
		httputil.WriteInternalError(w)
		return
	}
	httputil.WritePaged(w, users, page, limit, total)
}

// GetUser returns a single user.
func (h *Handlers) GetUser(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	user, err := h.directory.GetUser(r.Context(), id)
	if errors.Is(err, ErrNotFound) {
		httputil.WriteNotFound(w, "user not found")
		return
	}
	if err != nil {
		observability.FromContext(r.Context()).WithError(err).Error("failed to get user")
		httputil.WriteInternalError(w)
		return
	}
	httputil.WriteSuccess(w, user)
}

// CreateUser adds a directory user.
func (h *Handlers) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email  string `json:"email"`
		Name   string `json:"name"`
		Role   Role   `json:"role"`
		TeamID *int64 `json:"team_id"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Email == "" || req.Name == "" {
		httputil.WriteValidationError(w, "email and name are required")
		return
	}
	if !req.Role.Valid() {
		httputil.WriteValidationError(w, fmt.Sprintf("invalid role: %q", req.Role))
		return
	}

	user, err := h.directory.CreateUser(r.Context(), req.Email, req.Name, req.Role, req.TeamID)
	if err != nil {
		observability.FromContext(r.Context()).WithError(err).Error("failed to create user")
		httputil.WriteInternalError(w)
		return
	}

	h.auditor.LogAdminAction(r.Context(), audit.EventTypeAdminUserCreate,
		contextkeys.GetUserID(r.Context()), string(ResourceUser), fmt.Sprintf("%d", user.ID),
		fmt.Sprintf("created user %s with role %s", user.Email, user.Role))
	httputil.WriteCreated(w, user)
}

// AssignRole changes a user's role. Self-assignment is rejected by the
// guard before this handler runs.
func (h *Handlers) AssignRole(w http.ResponseWriter, r *http.Request) {
	targetID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	var req struct {
		Role Role `json:"role"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !req.Role.Valid() {
		httputil.WriteValidationError(w, fmt.Sprintf("invalid role: %q", req.Role))
		return
	}

	err := h.directory.SetUserRole(r.Context(), targetID, req.Role)
	if errors.Is(err, ErrNotFound) {
		httputil.WriteNotFound(w, "user not found")
		return
	}
	if err != nil {
		observability.FromContext(r.Context()).WithError(err).Error("failed to assign role")
		httputil.WriteInternalError(w)
		return
	}

	// The old scope may grant more or less than the new role allows.
	h.scopes.InvalidateUser(r.Context(), targetID)

	h.auditor.LogAdminAction(r.Context(), audit.EventTypeAuthzRoleChange,
		contextkeys.GetUserID(r.Context()), string(ResourceUser), fmt.Sprintf("%d", targetID),
		fmt.Sprintf("assigned role %s to user %d", req.Role, targetID))
	httputil.WriteSuccess(w, map[string]interface{}{"user_id": targetID, "role": req.Role})
}

// SetUserTeam moves a user between teams.
func (h *Handlers) SetUserTeam(w http.ResponseWriter, r *http.Request) {
	targetID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	var req struct {
		TeamID *int64 `json:"team_id"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	if req.TeamID != nil {
		if _, err := h.directory.GetTeam(r.Context(), *req.TeamID); errors.Is(err, ErrNotFound) {
			httputil.WriteValidationError(w, "team does not exist")
			return
		} else if err != nil {
			observability.FromContext(r.Context()).WithError(err).Error("failed to check team")
			httputil.WriteInternalError(w)
			return
		}
	}

	err := h.directory.SetUserTeam(r.Context(), targetID, req.TeamID)
	if errors.Is(err, ErrNotFound) {
		httputil.WriteNotFound(w, "user not found")
		return
	}
	if err != nil {
		observability.FromContext(r.Context()).WithError(err).Error("failed to set user team")
		httputil.WriteInternalError(w)
		return
	}

	h.scopes.InvalidateUser(r.Context(), targetID)

	h.auditor.LogAdminAction(r.Context(), audit.EventTypeAdminUserUpdate,
		contextkeys.GetUserID(r.Context()), string(ResourceUser), fmt.Sprintf("%d", targetID),
		"changed user team")
	httputil.WriteNoContent(w)
}

// DeactivateUser marks a user inactive.
func (h *Handlers) DeactivateUser(w http.ResponseWriter, r *http.Request) {
	targetID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	err := h.directory.DeactivateUser(r.Context(), targetID)
	if errors.Is(err, ErrNotFound) {
		httputil.WriteNotFound(w, "user not found")
		return
	}
	if err != nil {
		observability.FromContext(r.Context()).WithError(err).Error("failed to deactivate user")
		httputil.WriteInternalError(w)
		return
	}

	h.scopes.InvalidateUser(r.Context(), targetID)

	h.auditor.LogAdminAction(r.Context(), audit.EventTypeAdminUserDeactivate,
		contextkeys.GetUserID(r.Context()), string(ResourceUser), fmt.Sprintf("%d", targetID),
		"deactivated user")
	httputil.WriteNoContent(w)
}

// ListRoles returns the built-in roles with their granted permissions.
func (h *Handlers) ListRoles(w http.ResponseWriter, r *http.Request) {
	type roleInfo struct {
		Name        Role         `json:"name"`
		Permissions []Permission `json:"permissions"`
	}
	roles := make([]roleInfo, 0, len(AllRoles))
	for _, role := range AllRoles {
		roles = append(roles, roleInfo{Name: role, Permissions: h.grants.Permissions(role)})
	}
	httputil.WriteSuccess(w, roles)
}

// ListTeams returns all teams.
func (h *Handlers) ListTeams(w http.ResponseWriter, r *http.Request) {
	teams, err := h.directory.ListTeams(r.Context())
	if err != nil {
		observability.FromContext(r.Context()).WithError(err).Error("failed to list teams")
		httputil.WriteInternalError(w)
		return
	}
	httputil.WriteSuccess(w, teams)
}

// GetTeam returns a team with its member and leader ids.
func (h *Handlers) GetTeam(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	team, err := h.directory.GetTeam(r.Context(), id)
	if errors.Is(err, ErrNotFound) {
		httputil.WriteNotFound(w, "team not found")
		return
	}
	if err != nil {
		observability.FromContext(r.Context()).WithError(err).Error("failed to get team")
		httputil.WriteInternalError(w)
		return
	}

	members, err := h.directory.TeamMemberIDs(r.Context(), id)
	if err != nil {
		observability.FromContext(r.Context()).WithError(err).Error("failed to list team members")
		httputil.WriteInternalError(w)
		return
	}
	leaders, err := h.directory.TeamLeaderIDs(r.Context(), id)
	if err != nil {
		observability.FromContext(r.Context()).WithError(err).Error("failed to list team leaders")
		httputil.WriteInternalError(w)
		return
	}

	httputil.WriteSuccess(w, map[string]interface{}{
		"team":       team,
		"member_ids": members,
		"leader_ids": leaders,
	})
}

// CreateTeam adds a team.
func (h *Handlers) CreateTeam(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Name == "" {
		httputil.WriteValidationError(w, "name is required")
		return
	}

	team, err := h.directory.CreateTeam(r.Context(), req.Name, req.Description)
	if err != nil {
		observability.FromContext(r.Context()).WithError(err).Error("failed to create team")
		httputil.WriteInternalError(w)
		return
	}

	h.auditor.LogAdminAction(r.Context(), audit.EventTypeAdminTeamCreate,
		contextkeys.GetUserID(r.Context()), string(ResourceTeam), fmt.Sprintf("%d", team.ID),
		fmt.Sprintf("created team %s", team.Name))
	httputil.WriteCreated(w, team)
}

// UpdateTeam renames a team.
func (h *Handlers) UpdateTeam(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Name == "" {
		httputil.WriteValidationError(w, "name is required")
		return
	}

	err := h.directory.UpdateTeam(r.Context(), id, req.Name, req.Description)
	if errors.Is(err, ErrNotFound) {
		httputil.WriteNotFound(w, "team not found")
		return
	}
	if err != nil {
		observability.FromContext(r.Context()).WithError(err).Error("failed to update team")
		httputil.WriteInternalError(w)
		return
	}

	h.auditor.LogAdminAction(r.Context(), audit.EventTypeAdminTeamUpdate,
		contextkeys.GetUserID(r.Context()), string(ResourceTeam), fmt.Sprintf("%d", id),
		"updated team")
	httputil.WriteNoContent(w)
}

// DeleteTeam removes a team, its memberships and leaderships. Every
// cached scope is dropped since any member or lead may be affected.
func (h *Handlers) DeleteTeam(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	err := h.directory.DeleteTeam(r.Context(), id)
	if errors.Is(err, ErrNotFound) {
		httputil.WriteNotFound(w, "team not found")
		return
	}
	if err != nil {
		observability.FromContext(r.Context()).WithError(err).Error("failed to delete team")
		httputil.WriteInternalError(w)
		return
	}

	h.scopes.InvalidateAll(r.Context())

	h.auditor.LogAdminAction(r.Context(), audit.EventTypeAdminTeamDelete,
		contextkeys.GetUserID(r.Context()), string(ResourceTeam), fmt.Sprintf("%d", id),
		"deleted team")
	httputil.WriteNoContent(w)
}

// AddLeader records a leadership relation.
func (h *Handlers) AddLeader(w http.ResponseWriter, r *http.Request) {
	teamID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	var req struct {
		UserID int64 `json:"user_id"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.UserID == 0 {
		httputil.WriteValidationError(w, "user_id is required")
		return
	}

	if _, err := h.directory.GetTeam(r.Context(), teamID); errors.Is(err, ErrNotFound) {
		httputil.WriteNotFound(w, "team not found")
		return
	} else if err != nil {
		observability.FromContext(r.Context()).WithError(err).Error("failed to check team")
		httputil.WriteInternalError(w)
		return
	}
	if _, err := h.directory.GetUser(r.Context(), req.UserID); errors.Is(err, ErrNotFound) {
		httputil.WriteValidationError(w, "user does not exist")
		return
	} else if err != nil {
		observability.FromContext(r.Context()).WithError(err).Error("failed to check user")
		httputil.WriteInternalError(w)
		return
	}

	if err := h.directory.AddLeadership(r.Context(), teamID, req.UserID); err != nil {
		observability.FromContext(r.Context()).WithError(err).Error("failed to add leadership")
		httputil.WriteInternalError(w)
		return
	}

	h.scopes.InvalidateUser(r.Context(), req.UserID)

	h.auditor.LogAdminAction(r.Context(), audit.EventTypeAdminLeadershipAdd,
		contextkeys.GetUserID(r.Context()), string(ResourceTeam), fmt.Sprintf("%d", teamID),
		fmt.Sprintf("added user %d as team leader", req.UserID))
	httputil.WriteNoContent(w)
}

// RemoveLeader removes a leadership relation.
func (h *Handlers) RemoveLeader(w http.ResponseWriter, r *http.Request) {
	teamID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	userID, ok := httputil.ParsePathInt64OrError(w, r, "userId")
	if !ok {
		return
	}

	err := h.directory.RemoveLeadership(r.Context(), teamID, userID)
	if errors.Is(err, ErrNotFound) {
		httputil.WriteNotFound(w, "leadership not found")
		return
	}
	if err != nil {
		observability.FromContext(r.Context()).WithError(err).Error("failed to remove leadership")
		httputil.WriteInternalError(w)
		return
	}

	h.scopes.InvalidateUser(r.Context(), userID)

	h.auditor.LogAdminAction(r.Context(), audit.EventTypeAdminLeadershipDrop,
		contextkeys.GetUserID(r.Context()), string(ResourceTeam), fmt.Sprintf("%d", teamID),
		fmt.Sprintf("removed user %d as team leader", userID))
	httputil.WriteNoContent(w)
}

// CheckPermissionHandler answers a permission introspection query.
// Users may check their own permissions; checking another user's
// permissions requires user:read.
func (h *Handlers) CheckPermissionHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID   int64            `json:"user_id"`
		Action   Action           `json:"action"`
		Resource Resource         `json:"resource"`
		Context  *ResourceContext `json:"context"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !validAction(req.Action) || !validResource(req.Resource) {
		httputil.WriteValidationError(w, "unknown action or resource")
		return
	}

	callerID := contextkeys.GetUserID(r.Context())
	subjectID := req.UserID
	if subjectID == 0 {
		subjectID = callerID
	}

	if subjectID != callerID {
		allowed := h.checker.CheckPermission(r.Context(), callerID, ActionRead, ResourceUser, nil)
		if !allowed {
			httputil.WriteForbidden(w, httputil.CodeInsufficientPermissions,
				"requires user:read permission to check other users")
			return
		}
	}

	decision, err := h.checker.Check(r.Context(), subjectID, req.Action, req.Resource, req.Context)
	if err != nil {
		observability.FromContext(r.Context()).WithError(err).Error("permission check failed")
		httputil.WriteInternalError(w)
		return
	}

	httputil.WriteSuccess(w, decision)
}
