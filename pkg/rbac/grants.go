package rbac

import (
	"fmt"
	"sort"
)

// RoleGrants maps every resource to the actions a role may perform on
// it. An empty action list is a valid, explicit "no access" entry.
type RoleGrants map[Resource][]Action

// GrantTable is the static authority for coarse-grained permission
// lookups. It is total by construction: NewGrantTable rejects any
// definition that leaves a (role, resource) pair unlisted, so a
// missing grant is a startup failure rather than a silent deny or a
// silent allow at request time.
type GrantTable struct {
	grants map[Role]map[Resource]map[Action]struct{}
}

// NewGrantTable builds a grant table from the given definition.
// Every built-in role must be present, and every role must carry an
// explicit entry for every resource.
func NewGrantTable(spec map[Role]RoleGrants) (*GrantTable, error) {
	t := &GrantTable{grants: make(map[Role]map[Resource]map[Action]struct{}, len(AllRoles))}

	for _, role := range AllRoles {
		roleSpec, ok := spec[role]
		if !ok {
			return nil, fmt.Errorf("grant table: role %q has no entry", role)
		}
		byResource := make(map[Resource]map[Action]struct{}, len(AllResources))
		for _, resource := range AllResources {
			actions, ok := roleSpec[resource]
			if !ok {
				return nil, fmt.Errorf("grant table: role %q missing entry for resource %q", role, resource)
			}
			set := make(map[Action]struct{}, len(actions))
			for _, action := range actions {
				if !validAction(action) {
					return nil, fmt.Errorf("grant table: role %q resource %q lists unknown action %q", role, resource, action)
				}
				set[action] = struct{}{}
			}
			byResource[resource] = set
		}
		for resource := range roleSpec {
			if !validResource(resource) {
				return nil, fmt.Errorf("grant table: role %q lists unknown resource %q", role, resource)
			}
		}
		t.grants[role] = byResource
	}

	for role := range spec {
		if !role.Valid() {
			return nil, fmt.Errorf("grant table: unknown role %q", role)
		}
	}

	return t, nil
}

// Allows reports whether role may perform action on resource. Unknown
// roles, actions, and resources deny.
func (t *GrantTable) Allows(role Role, action Action, resource Resource) bool {
	byResource, ok := t.grants[role]
	if !ok {
		return false
	}
	actions, ok := byResource[resource]
	if !ok {
		return false
	}
	_, ok = actions[action]
	return ok
}

// Permissions returns every permission granted to role, sorted for
// stable JSON output.
func (t *GrantTable) Permissions(role Role) []Permission {
	byResource, ok := t.grants[role]
	if !ok {
		return nil
	}
	var perms []Permission
	for resource, actions := range byResource {
		for action := range actions {
			perms = append(perms, Permission{Resource: resource, Action: action})
		}
	}
	sort.Slice(perms, func(i, j int) bool {
		if perms[i].Resource != perms[j].Resource {
			return perms[i].Resource < perms[j].Resource
		}
		return perms[i].Action < perms[j].Action
	})
	return perms
}

func validAction(a Action) bool {
	for _, known := range AllActions {
		if a == known {
			return true
		}
	}
	return false
}

func validResource(r Resource) bool {
	for _, known := range AllResources {
		if r == known {
			return true
		}
	}
	return false
}

// allActionsList is the full action set, used for the admin grants.
func allActionsList() []Action {
	out := make([]Action, len(AllActions))
	copy(out, AllActions)
	return out
}

// DefaultGrants returns the production grant table. Admins hold every
// permission. Managers operate organization-wide but cannot delete
// users or roles. Team leads and agents are scoped at check time by
// the access scope resolver; the grants here are only the coarse gate.
func DefaultGrants() *GrantTable {
	adminGrants := make(RoleGrants, len(AllResources))
	for _, resource := range AllResources {
		adminGrants[resource] = allActionsList()
	}

	spec := map[Role]RoleGrants{
		RoleAdmin: adminGrants,
		RoleManager: {
			ResourceTicket:       {ActionRead, ActionCreate, ActionUpdate, ActionDelete, ActionAssign, ActionExport, ActionComment},
			ResourceCustomer:     {ActionRead, ActionCreate, ActionUpdate, ActionDelete, ActionExport},
			ResourceTeam:         {ActionRead, ActionCreate, ActionUpdate, ActionDelete, ActionAssign},
			ResourceUser:         {ActionRead, ActionCreate, ActionUpdate, ActionAssign},
			ResourceRole:         {ActionRead, ActionAssign},
			ResourceArticle:      {ActionRead, ActionCreate, ActionUpdate, ActionDelete, ActionComment},
			ResourceNotification: {ActionRead, ActionCreate, ActionUpdate, ActionDelete},
			ResourceAuditLog:     {ActionRead, ActionExport},
			ResourceDashboard:    {ActionRead, ActionExport},
		},
		RoleTeamLead: {
			ResourceTicket:       {ActionRead, ActionCreate, ActionUpdate, ActionAssign, ActionComment},
			ResourceCustomer:     {ActionRead, ActionCreate, ActionUpdate},
			ResourceTeam:         {ActionRead},
			ResourceUser:         {ActionRead},
			ResourceRole:         {ActionRead},
			ResourceArticle:      {ActionRead, ActionCreate, ActionUpdate, ActionComment},
			ResourceNotification: {ActionRead, ActionUpdate},
			ResourceAuditLog:     {},
			ResourceDashboard:    {ActionRead},
		},
		RoleAgent: {
			ResourceTicket:       {ActionRead, ActionCreate, ActionUpdate, ActionComment},
			ResourceCustomer:     {ActionRead, ActionCreate},
			ResourceTeam:         {ActionRead},
			ResourceUser:         {ActionRead},
			ResourceRole:         {},
			ResourceArticle:      {ActionRead, ActionComment},
			ResourceNotification: {ActionRead, ActionUpdate},
			ResourceAuditLog:     {},
			ResourceDashboard:    {ActionRead},
		},
	}

	table, err := NewGrantTable(spec)
	if err != nil {
		// The default definition is a compile-time constant; a
		// construction failure here is a programming error.
		panic(err)
	}
	return table
}
