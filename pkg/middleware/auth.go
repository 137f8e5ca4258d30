// Package middleware provides the HTTP session middleware.
package middleware

import (
	"net/http"
	"strings"

	"github.com/opsdesk/opsdesk/pkg/contextkeys"
	"github.com/opsdesk/opsdesk/pkg/session"
)

// SessionMiddleware verifies the bearer token on incoming requests and
// attaches the session to the context. Requests without a token pass
// through unauthenticated; route guards decide whether that matters.
type SessionMiddleware struct {
	manager *session.Manager
}

// NewSessionMiddleware creates a session middleware.
func NewSessionMiddleware(manager *session.Manager) *SessionMiddleware {
	return &SessionMiddleware{manager: manager}
}

// Handler wraps next with session extraction.
func (m *SessionMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractBearerToken(r)
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}

		sess, err := m.manager.Parse(token)
		if err != nil {
			// An invalid token is treated the same as no token. The
			// guard returns 401 for routes that need identity.
			next.ServeHTTP(w, r)
			return
		}

		ctx := contextkeys.WithSession(r.Context(), sess)
		ctx = contextkeys.WithUserID(ctx, sess.UserID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// extractBearerToken returns the token from the Authorization header,
// or "" when absent or malformed.
func extractBearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
