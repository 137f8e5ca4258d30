package rbac

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestResolveScopeAdmin(t *testing.T) {
	d := newTestDirectory(t)
	team := mustCreateTeam(t, d, "support")
	admin := mustCreateUser(t, d, "admin@example.com", RoleAdmin, &team.ID)

	r := NewScopeResolver(d, nil, nil, 64)
	scope, err := r.ResolveScope(context.Background(), admin.ID)
	if err != nil {
		t.Fatalf("ResolveScope failed: %v", err)
	}
	if !scope.OrganizationWide {
		t.Error("Expected organization-wide scope for admin")
	}
	// Organization-wide reaches any team, member or not.
	if !scope.ContainsTeam(9999) {
		t.Error("Expected organization-wide scope to contain every team")
	}
}

func TestResolveScopeManager(t *testing.T) {
	d := newTestDirectory(t)
	manager := mustCreateUser(t, d, "manager@example.com", RoleManager, nil)

	r := NewScopeResolver(d, nil, nil, 64)
	scope, err := r.ResolveScope(context.Background(), manager.ID)
	if err != nil {
		t.Fatalf("ResolveScope failed: %v", err)
	}
	if !scope.OrganizationWide {
		t.Error("Expected organization-wide scope for manager")
	}
}

func TestResolveScopeTeamLead(t *testing.T) {
	d := newTestDirectory(t)
	ctx := context.Background()

	home := mustCreateTeam(t, d, "home")
	led := mustCreateTeam(t, d, "led")
	other := mustCreateTeam(t, d, "other")
	lead := mustCreateUser(t, d, "lead@example.com", RoleTeamLead, &home.ID)
	if err := d.AddLeadership(ctx, led.ID, lead.ID); err != nil {
		t.Fatalf("AddLeadership failed: %v", err)
	}

	r := NewScopeResolver(d, nil, nil, 64)
	scope, err := r.ResolveScope(ctx, lead.ID)
	if err != nil {
		t.Fatalf("ResolveScope failed: %v", err)
	}
	if scope.OrganizationWide {
		t.Error("Expected team-bounded scope for team lead")
	}
	if !scope.ContainsTeam(home.ID) {
		t.Error("Expected scope to contain the lead's own team")
	}
	if !scope.ContainsTeam(led.ID) {
		t.Error("Expected scope to contain the led team")
	}
	if scope.ContainsTeam(other.ID) {
		t.Error("Expected scope to exclude unrelated teams")
	}
}

func TestResolveScopeTeamLeadWithoutTeams(t *testing.T) {
	d := newTestDirectory(t)
	lead := mustCreateUser(t, d, "lead@example.com", RoleTeamLead, nil)

	r := NewScopeResolver(d, nil, nil, 64)
	scope, err := r.ResolveScope(context.Background(), lead.ID)
	if err != nil {
		t.Fatalf("ResolveScope failed: %v", err)
	}
	if scope.OrganizationWide || len(scope.TeamIDs) != 0 {
		t.Errorf("Expected self-only scope, got %+v", scope)
	}
}

func TestResolveScopeAgent(t *testing.T) {
	d := newTestDirectory(t)
	team := mustCreateTeam(t, d, "support")
	agent := mustCreateUser(t, d, "agent@example.com", RoleAgent, &team.ID)

	r := NewScopeResolver(d, nil, nil, 64)
	scope, err := r.ResolveScope(context.Background(), agent.ID)
	if err != nil {
		t.Fatalf("ResolveScope failed: %v", err)
	}
	// Agents have no team visibility even with a team assignment;
	// their access is decided per-record by ownership.
	if scope.OrganizationWide || scope.ContainsTeam(team.ID) {
		t.Errorf("Expected self-only scope for agent, got %+v", scope)
	}
}

func TestResolveScopeUnknownAndInactiveUsers(t *testing.T) {
	d := newTestDirectory(t)
	ctx := context.Background()

	r := NewScopeResolver(d, nil, nil, 64)
	scope, err := r.ResolveScope(ctx, 9999)
	if err != nil {
		t.Fatalf("Expected missing user to resolve without error, got %v", err)
	}
	if scope.OrganizationWide || len(scope.TeamIDs) != 0 {
		t.Errorf("Expected self-only scope for unknown user, got %+v", scope)
	}

	admin := mustCreateUser(t, d, "admin@example.com", RoleAdmin, nil)
	if err := d.DeactivateUser(ctx, admin.ID); err != nil {
		t.Fatalf("DeactivateUser failed: %v", err)
	}
	scope, err = r.ResolveScope(ctx, admin.ID)
	if err != nil {
		t.Fatalf("ResolveScope failed: %v", err)
	}
	if scope.OrganizationWide {
		t.Error("Expected deactivated admin to lose organization-wide scope")
	}
}

func TestResolveScopeLedTeamCap(t *testing.T) {
	d := newTestDirectory(t)
	ctx := context.Background()

	lead := mustCreateUser(t, d, "lead@example.com", RoleTeamLead, nil)
	for _, name := range []string{"a", "b", "c"} {
		team := mustCreateTeam(t, d, name)
		if err := d.AddLeadership(ctx, team.ID, lead.ID); err != nil {
			t.Fatalf("AddLeadership failed: %v", err)
		}
	}

	r := NewScopeResolver(d, nil, nil, 2)
	scope, err := r.ResolveScope(ctx, lead.ID)
	if err != nil {
		t.Fatalf("ResolveScope failed: %v", err)
	}
	if len(scope.TeamIDs) != 2 {
		t.Errorf("Expected led teams capped at 2, got %d", len(scope.TeamIDs))
	}
}

func TestResolveScopeUsesCache(t *testing.T) {
	d := newTestDirectory(t)
	ctx := context.Background()

	admin := mustCreateUser(t, d, "admin@example.com", RoleAdmin, nil)
	cache := NewMemoryScopeCache(16, time.Minute)
	r := NewScopeResolver(d, cache, nil, 64)

	scope, err := r.ResolveScope(ctx, admin.ID)
	if err != nil {
		t.Fatalf("ResolveScope failed: %v", err)
	}
	if !scope.OrganizationWide {
		t.Fatal("Expected organization-wide scope")
	}

	// A role change without invalidation serves the stale cached scope
	// until the TTL expires.
	if err := d.SetUserRole(ctx, admin.ID, RoleAgent); err != nil {
		t.Fatalf("SetUserRole failed: %v", err)
	}
	scope, err = r.ResolveScope(ctx, admin.ID)
	if err != nil {
		t.Fatalf("ResolveScope failed: %v", err)
	}
	if !scope.OrganizationWide {
		t.Error("Expected cached scope before invalidation")
	}

	r.InvalidateUser(ctx, admin.ID)
	scope, err = r.ResolveScope(ctx, admin.ID)
	if err != nil {
		t.Fatalf("ResolveScope failed: %v", err)
	}
	if scope.OrganizationWide {
		t.Error("Expected recomputed scope after invalidation")
	}
}

// brokenCache fails every operation, standing in for an unreachable
// cache backend.
type brokenCache struct{}

var errCacheDown = errors.New("cache backend unavailable")

func (brokenCache) Get(context.Context, int64) (*AccessScope, error) { return nil, errCacheDown }
func (brokenCache) Set(context.Context, int64, AccessScope) error    { return errCacheDown }
func (brokenCache) Invalidate(context.Context, int64) error          { return errCacheDown }
func (brokenCache) InvalidateAll(context.Context) error              { return errCacheDown }

func TestResolveScopeCacheFailureFallsBack(t *testing.T) {
	d := newTestDirectory(t)
	admin := mustCreateUser(t, d, "admin@example.com", RoleAdmin, nil)

	r := NewScopeResolver(d, brokenCache{}, nil, 64)
	scope, err := r.ResolveScope(context.Background(), admin.ID)
	if err != nil {
		t.Fatalf("Expected direct computation despite cache failure, got %v", err)
	}
	if !scope.OrganizationWide {
		t.Error("Expected organization-wide scope from direct computation")
	}

	// Invalidation against a broken cache is logged, never fatal.
	r.InvalidateUser(context.Background(), admin.ID)
	r.InvalidateAll(context.Background())
}

func TestInvalidateAll(t *testing.T) {
	d := newTestDirectory(t)
	ctx := context.Background()

	team := mustCreateTeam(t, d, "support")
	lead := mustCreateUser(t, d, "lead@example.com", RoleTeamLead, &team.ID)

	cache := NewMemoryScopeCache(16, time.Minute)
	r := NewScopeResolver(d, cache, nil, 64)

	if _, err := r.ResolveScope(ctx, lead.ID); err != nil {
		t.Fatalf("ResolveScope failed: %v", err)
	}
	if err := d.DeleteTeam(ctx, team.ID); err != nil {
		t.Fatalf("DeleteTeam failed: %v", err)
	}
	r.InvalidateAll(ctx)

	scope, err := r.ResolveScope(ctx, lead.ID)
	if err != nil {
		t.Fatalf("ResolveScope failed: %v", err)
	}
	if scope.ContainsTeam(team.ID) {
		t.Error("Expected deleted team to leave the scope after invalidation")
	}
}
