package rbac

import (
	"strings"
	"testing"
)

func fullSpec() map[Role]RoleGrants {
	spec := make(map[Role]RoleGrants, len(AllRoles))
	for _, role := range AllRoles {
		grants := make(RoleGrants, len(AllResources))
		for _, resource := range AllResources {
			grants[resource] = []Action{ActionRead}
		}
		spec[role] = grants
	}
	return spec
}

func TestNewGrantTable(t *testing.T) {
	table, err := NewGrantTable(fullSpec())
	if err != nil {
		t.Fatalf("NewGrantTable failed: %v", err)
	}
	if !table.Allows(RoleAgent, ActionRead, ResourceTicket) {
		t.Error("Expected granted action to be allowed")
	}
	if table.Allows(RoleAgent, ActionDelete, ResourceTicket) {
		t.Error("Expected ungranted action to be denied")
	}
}

func TestNewGrantTableMissingRole(t *testing.T) {
	spec := fullSpec()
	delete(spec, RoleTeamLead)

	_, err := NewGrantTable(spec)
	if err == nil {
		t.Fatal("Expected error for missing role")
	}
	if !strings.Contains(err.Error(), "team_lead") {
		t.Errorf("Expected error to name the missing role, got: %v", err)
	}
}

func TestNewGrantTableMissingResource(t *testing.T) {
	spec := fullSpec()
	delete(spec[RoleAgent], ResourceAuditLog)

	_, err := NewGrantTable(spec)
	if err == nil {
		t.Fatal("Expected error for missing resource entry")
	}
	if !strings.Contains(err.Error(), "audit_log") {
		t.Errorf("Expected error to name the missing resource, got: %v", err)
	}
}

func TestNewGrantTableEmptyEntryIsValid(t *testing.T) {
	spec := fullSpec()
	spec[RoleAgent][ResourceAuditLog] = []Action{}

	table, err := NewGrantTable(spec)
	if err != nil {
		t.Fatalf("Expected empty action list to be a valid entry: %v", err)
	}
	if table.Allows(RoleAgent, ActionRead, ResourceAuditLog) {
		t.Error("Expected empty entry to deny everything")
	}
}

func TestNewGrantTableUnknownAction(t *testing.T) {
	spec := fullSpec()
	spec[RoleAgent][ResourceTicket] = []Action{ActionRead, Action("approve")}

	if _, err := NewGrantTable(spec); err == nil {
		t.Fatal("Expected error for unknown action")
	}
}

func TestNewGrantTableUnknownResource(t *testing.T) {
	spec := fullSpec()
	spec[RoleAgent][Resource("invoice")] = []Action{ActionRead}

	if _, err := NewGrantTable(spec); err == nil {
		t.Fatal("Expected error for unknown resource")
	}
}

func TestNewGrantTableUnknownRole(t *testing.T) {
	spec := fullSpec()
	grants := make(RoleGrants, len(AllResources))
	for _, resource := range AllResources {
		grants[resource] = []Action{ActionRead}
	}
	spec[Role("superuser")] = grants

	if _, err := NewGrantTable(spec); err == nil {
		t.Fatal("Expected error for unknown role")
	}
}

func TestGrantTableUnknownLookupsDeny(t *testing.T) {
	table := DefaultGrants()

	if table.Allows(Role("superuser"), ActionRead, ResourceTicket) {
		t.Error("Expected unknown role to deny")
	}
	if table.Allows(RoleAdmin, Action("approve"), ResourceTicket) {
		t.Error("Expected unknown action to deny")
	}
	if table.Allows(RoleAdmin, ActionRead, Resource("invoice")) {
		t.Error("Expected unknown resource to deny")
	}
}

func TestDefaultGrants(t *testing.T) {
	table := DefaultGrants()

	tests := []struct {
		role     Role
		action   Action
		resource Resource
		want     bool
	}{
		{RoleAdmin, ActionDelete, ResourceUser, true},
		{RoleAdmin, ActionAssign, ResourceRole, true},
		{RoleManager, ActionDelete, ResourceUser, false},
		{RoleManager, ActionDelete, ResourceRole, false},
		{RoleManager, ActionAssign, ResourceRole, true},
		{RoleManager, ActionExport, ResourceAuditLog, true},
		{RoleTeamLead, ActionAssign, ResourceTicket, true},
		{RoleTeamLead, ActionRead, ResourceAuditLog, false},
		{RoleTeamLead, ActionDelete, ResourceTicket, false},
		{RoleAgent, ActionComment, ResourceTicket, true},
		{RoleAgent, ActionAssign, ResourceTicket, false},
		{RoleAgent, ActionRead, ResourceAuditLog, false},
		{RoleAgent, ActionAssign, ResourceRole, false},
	}

	for _, tc := range tests {
		got := table.Allows(tc.role, tc.action, tc.resource)
		if got != tc.want {
			t.Errorf("Allows(%s, %s, %s) = %v, want %v", tc.role, tc.action, tc.resource, got, tc.want)
		}
	}
}

func TestPermissionsSorted(t *testing.T) {
	table := DefaultGrants()

	perms := table.Permissions(RoleAgent)
	if len(perms) == 0 {
		t.Fatal("Expected agent to hold some permissions")
	}
	for i := 1; i < len(perms); i++ {
		prev, cur := perms[i-1], perms[i]
		if prev.Resource > cur.Resource ||
			(prev.Resource == cur.Resource && prev.Action >= cur.Action) {
			t.Errorf("Permissions not sorted at %d: %s before %s", i, prev, cur)
		}
	}

	if table.Permissions(Role("superuser")) != nil {
		t.Error("Expected nil permissions for unknown role")
	}
}
