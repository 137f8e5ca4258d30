package audit

import (
	"net/http"
	"strings"
	"time"
)

// Middleware attaches the audit logger to request contexts and records
// request-level events for mutations, denials, and sensitive paths.
type Middleware struct {
	logger         Logger
	logAllRequests bool
}

// NewMiddleware creates an audit middleware. When logAllRequests is
// false only mutations, error responses, and sensitive endpoints are
// recorded.
func NewMiddleware(logger Logger, logAllRequests bool) *Middleware {
	return &Middleware{
		logger:         logger,
		logAllRequests: logAllRequests,
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

// Handler wraps an HTTP handler with audit logging.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()
		ctx := WithLogger(r.Context(), m.logger)

		wrapped := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(wrapped, r.WithContext(ctx))

		if m.logAllRequests || m.shouldLogRequest(r, wrapped.statusCode) {
			m.logger.LogHTTPRequest(ctx, r, wrapped.statusCode, time.Since(startTime))
		}
	})
}

// shouldLogRequest determines if a request should be logged
func (m *Middleware) shouldLogRequest(r *http.Request, statusCode int) bool {
	// Mutations always get recorded.
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return true
	}

	// So do errors and denials.
	if statusCode >= 400 {
		return true
	}

	return m.isSensitiveEndpoint(r.URL.Path)
}

// isSensitiveEndpoint checks if an endpoint is considered sensitive
func (m *Middleware) isSensitiveEndpoint(path string) bool {
	for _, prefix := range []string{"/api/v1/auth", "/api/v1/admin", "/api/v1/audit"} {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
