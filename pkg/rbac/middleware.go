package rbac

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/opsdesk/opsdesk/pkg/audit"
	"github.com/opsdesk/opsdesk/pkg/contextkeys"
	"github.com/opsdesk/opsdesk/pkg/httputil"
	"github.com/opsdesk/opsdesk/pkg/observability"
	"github.com/opsdesk/opsdesk/pkg/session"
)

// ContextResolverFunc extracts the ownership context of the concrete
// record a request targets. Returning ErrNotFound means the record
// does not exist; the guard then checks the coarse grant only and
// leaves the 404 to the handler, so a denial never reveals whether the
// record exists.
type ContextResolverFunc func(r *http.Request) (*ResourceContext, error)

// Requirement describes what a guarded route demands. A nil Permission
// requires authentication only. A non-empty AuditAction makes the
// guard write exactly one audit entry per attempt, allowed or denied.
type Requirement struct {
	Permission  *Permission
	AuditAction string
	Resolver    ContextResolverFunc
}

// Guard adapts the permission checker into HTTP middleware.
type Guard struct {
	checker *Checker
	auditor audit.Logger
}

// NewGuard creates a guard. auditor may be nil; audit entries are then
// dropped.
func NewGuard(checker *Checker, auditor audit.Logger) *Guard {
	if auditor == nil {
		auditor = audit.NopLogger()
	}
	return &Guard{checker: checker, auditor: auditor}
}

// RequireAuth wraps a handler so it only runs with an authenticated
// session. The user id is added to the request context.
func (g *Guard) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, ok := session.FromContext(r.Context())
		if !ok {
			httputil.WriteUnauthenticated(w, "authentication required")
			return
		}
		ctx := contextkeys.WithUserID(r.Context(), sess.UserID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Protect wraps a handler with the requirement: 401 without a session,
// 403 with the decision code on denial, 500 on checker failure, and
// delegation on allow. The guard never retries and the wrapped handler
// never runs on a denial.
func (g *Guard) Protect(req Requirement) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess, ok := session.FromContext(r.Context())
			if !ok {
				httputil.WriteUnauthenticated(w, "authentication required")
				return
			}
			ctx := contextkeys.WithUserID(r.Context(), sess.UserID)
			r = r.WithContext(ctx)

			if req.Permission == nil {
				// Auth-only routes can still ask for an audit trail.
				g.audit(r, sess.UserID, req, true, "")
				next.ServeHTTP(w, r)
				return
			}

			var rc *ResourceContext
			if req.Resolver != nil {
				resolved, err := req.Resolver(r)
				if err != nil && !errors.Is(err, ErrNotFound) {
					observability.FromContext(ctx).WithError(err).Error("failed to resolve resource context")
					httputil.WriteInternalError(w)
					return
				}
				rc = resolved
			}

			decision, err := g.checker.Check(ctx, sess.UserID, req.Permission.Action, req.Permission.Resource, rc)
			if err != nil {
				observability.FromContext(ctx).WithError(err).Error("permission check failed")
				g.audit(r, sess.UserID, req, false, "internal_error")
				httputil.WriteInternalError(w)
				return
			}

			if !decision.Allowed {
				g.audit(r, sess.UserID, req, false, decision.Reason)
				g.writeDenial(w, req.Permission, decision)
				return
			}

			g.audit(r, sess.UserID, req, true, "")
			next.ServeHTTP(w, r)
		})
	}
}

func (g *Guard) audit(r *http.Request, userID int64, req Requirement, allowed bool, reason string) {
	if req.AuditAction == "" {
		return
	}
	var action, resource string
	if req.Permission != nil {
		action = string(req.Permission.Action)
		resource = string(req.Permission.Resource)
	}
	g.auditor.LogPermissionCheck(r.Context(), r, userID,
		action, resource, req.AuditAction, allowed, reason)
}

func (g *Guard) writeDenial(w http.ResponseWriter, perm *Permission, decision Decision) {
	switch decision.Code {
	case httputil.CodeSelfAssignmentDenied:
		httputil.WriteForbidden(w, decision.Code, "you cannot change your own role")
	case httputil.CodeAccessDenied:
		httputil.WriteForbidden(w, decision.Code, "you do not have access to this resource")
	default:
		httputil.WriteForbidden(w, httputil.CodeInsufficientPermissions,
			fmt.Sprintf("requires %s permission", perm))
	}
}

// RequirePermission is a convenience for routes without a resource
// context.
func (g *Guard) RequirePermission(action Action, resource Resource, auditAction string) func(http.Handler) http.Handler {
	return g.Protect(Requirement{
		Permission:  &Permission{Resource: resource, Action: action},
		AuditAction: auditAction,
	})
}
