package api

import (
	"errors"
	"net/http"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/opsdesk/opsdesk/pkg/audit"
	"github.com/opsdesk/opsdesk/pkg/httputil"
	"github.com/opsdesk/opsdesk/pkg/observability"
	"github.com/opsdesk/opsdesk/pkg/rbac"
	"github.com/opsdesk/opsdesk/pkg/session"
)

// AuthHandlers serves authentication endpoints.
type AuthHandlers struct {
	directory *rbac.Directory
	sessions  *session.Manager
	auditor   audit.Logger
}

// NewAuthHandlers creates the authentication handlers.
func NewAuthHandlers(directory *rbac.Directory, sessions *session.Manager, auditor audit.Logger) *AuthHandlers {
	if auditor == nil {
		auditor = audit.NopLogger()
	}
	return &AuthHandlers{directory: directory, sessions: sessions, auditor: auditor}
}

// Login verifies credentials and issues a session token. Failed
// attempts are recorded in the audit trail; the response never says
// whether the email or the password was wrong.
func (h *AuthHandlers) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Email == "" || req.Password == "" {
		httputil.WriteValidationError(w, "email and password are required")
		return
	}

	user, hash, err := h.directory.GetCredentials(r.Context(), req.Email)
	if errors.Is(err, rbac.ErrNotFound) {
		h.logFailedLogin(r, req.Email, "unknown email")
		httputil.WriteUnauthenticated(w, "invalid credentials")
		return
	}
	if err != nil {
		observability.FromContext(r.Context()).WithError(err).Error("failed to look up credentials")
		httputil.WriteInternalError(w)
		return
	}

	if !user.Active {
		h.logFailedLogin(r, req.Email, "inactive account")
		httputil.WriteUnauthenticated(w, "invalid credentials")
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(req.Password)) != nil {
		h.logFailedLogin(r, req.Email, "wrong password")
		httputil.WriteUnauthenticated(w, "invalid credentials")
		return
	}

	token, err := h.sessions.Issue(user.ID, user.Email, string(user.Role))
	if err != nil {
		observability.FromContext(r.Context()).WithError(err).Error("failed to issue session token")
		httputil.WriteInternalError(w)
		return
	}

	event := &audit.Event{
		Timestamp: time.Now().UTC(),
		EventType: audit.EventTypeAuthLogin,
		Status:    audit.EventStatusSuccess,
		UserID:    &user.ID,
		UserEmail: user.Email,
		IPAddress: r.RemoteAddr,
		UserAgent: r.UserAgent(),
		Method:    r.Method,
		Path:      r.URL.Path,
	}
	h.auditor.Log(r.Context(), event)

	httputil.WriteSuccess(w, map[string]interface{}{
		"token": token,
		"user":  user,
	})
}

func (h *AuthHandlers) logFailedLogin(r *http.Request, email, reason string) {
	event := &audit.Event{
		Timestamp:    time.Now().UTC(),
		EventType:    audit.EventTypeAuthLoginFailed,
		Status:       audit.EventStatusFailure,
		UserEmail:    email,
		ErrorMessage: reason,
		IPAddress:    r.RemoteAddr,
		UserAgent:    r.UserAgent(),
		Method:       r.Method,
		Path:         r.URL.Path,
	}
	h.auditor.Log(r.Context(), event)
}
