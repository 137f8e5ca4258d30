package rbac

import (
	"context"
	"errors"
	"time"

	"github.com/opsdesk/opsdesk/pkg/httputil"
	"github.com/opsdesk/opsdesk/pkg/observability"
)

// Checker is the single authority answering whether a user may perform
// an action on a resource. It is a pure decision function: it never
// writes audit records and never errors on expected absences. Only
// data-store failures surface as errors.
type Checker struct {
	directory *Directory
	grants    *GrantTable
	scopes    *ScopeResolver
	metrics   *observability.Metrics
}

// NewChecker creates a permission checker. metrics may be nil.
func NewChecker(directory *Directory, grants *GrantTable, scopes *ScopeResolver, metrics *observability.Metrics) *Checker {
	return &Checker{
		directory: directory,
		grants:    grants,
		scopes:    scopes,
		metrics:   metrics,
	}
}

// Check decides whether userID may perform action on resource. When rc
// is non-nil the decision includes fine-grained scope filtering against
// the concrete record; when nil only the coarse grant applies.
//
// Identical inputs with no intervening data mutation yield identical
// decisions.
func (c *Checker) Check(ctx context.Context, userID int64, action Action, resource Resource, rc *ResourceContext) (Decision, error) {
	start := time.Now()
	decision, err := c.check(ctx, userID, action, resource, rc)
	if c.metrics != nil {
		outcome := "denied"
		if err != nil {
			outcome = "error"
		} else if decision.Allowed {
			outcome = "allowed"
		}
		c.metrics.ObservePermissionCheck(string(resource), string(action), outcome, time.Since(start))
	}
	return decision, err
}

func (c *Checker) check(ctx context.Context, userID int64, action Action, resource Resource, rc *ResourceContext) (Decision, error) {
	user, err := c.directory.GetUser(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return Deny(httputil.CodeInsufficientPermissions, ReasonUnknownUser), nil
	}
	if err != nil {
		return Deny(httputil.CodeInsufficientPermissions, ReasonUnknownUser), err
	}
	if !user.Active || !user.Role.Valid() {
		return Deny(httputil.CodeInsufficientPermissions, ReasonUnknownUser), nil
	}

	if !c.grants.Allows(user.Role, action, resource) {
		return Deny(httputil.CodeInsufficientPermissions, ReasonRoleDenied), nil
	}

	if rc == nil {
		return Allow(), nil
	}

	// Self role-assignment is denied for every role, admins included.
	// Checked before the scope pass so organization-wide access cannot
	// override it.
	if resource == ResourceRole && action == ActionAssign && rc.TargetUserID == userID {
		return Deny(httputil.CodeSelfAssignmentDenied, ReasonSelfAssignment), nil
	}

	scope, err := c.scopes.ResolveScope(ctx, userID)
	if err != nil {
		return Deny(httputil.CodeAccessDenied, ReasonOutOfScope), err
	}

	if scope.OrganizationWide {
		return Allow(), nil
	}

	// Assignees and followers can always read and comment on their
	// records, whatever team owns them.
	if action == ActionRead || action == ActionComment {
		if rc.AssigneeID == userID || rc.IsFollower(userID) {
			return Allow(), nil
		}
	}

	if rc.TeamID != 0 && scope.ContainsTeam(rc.TeamID) {
		return Allow(), nil
	}

	// Ownership fallback for team-scoped and self-only users.
	if rc.CreatorID == userID || rc.AssigneeID == userID || rc.CustomerID == userID {
		return Allow(), nil
	}

	return Deny(httputil.CodeAccessDenied, ReasonOutOfScope), nil
}

// CheckPermission is the boolean convenience form. Errors resolve to
// false.
func (c *Checker) CheckPermission(ctx context.Context, userID int64, action Action, resource Resource, rc *ResourceContext) bool {
	decision, err := c.Check(ctx, userID, action, resource, rc)
	if err != nil {
		return false
	}
	return decision.Allowed
}
