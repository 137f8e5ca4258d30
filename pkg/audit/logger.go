package audit

import (
	"context"
	"net/http"
	"time"

	"github.com/opsdesk/opsdesk/pkg/contextkeys"
)

// Logger is the interface for audit logging. Implementations must not
// propagate write failures to the caller; audit-trail unavailability
// never blocks the operation being audited.
type Logger interface {
	// Log records an audit event.
	Log(ctx context.Context, event *Event) error

	// LogPermissionCheck records the outcome of a gated operation
	// attempt, allowed or denied.
	LogPermissionCheck(ctx context.Context, r *http.Request, userID int64, action, resource, auditAction string, allowed bool, reason string) error

	// LogAdminAction records a directory mutation performed by an admin.
	LogAdminAction(ctx context.Context, eventType EventType, actorID int64, resource, resourceID, message string) error

	// LogHTTPRequest records a completed HTTP request.
	LogHTTPRequest(ctx context.Context, r *http.Request, statusCode int, duration time.Duration) error

	// Close flushes any buffered entries.
	Close() error
}

// WithLogger adds an audit logger to the context
func WithLogger(ctx context.Context, logger Logger) context.Context {
	return contextkeys.WithAuditLogger(ctx, logger)
}

// FromContext retrieves the audit logger from context, or a no-op
// logger when none is set.
func FromContext(ctx context.Context) Logger {
	if logger, ok := ctx.Value(contextkeys.AuditLoggerKey).(Logger); ok {
		return logger
	}
	return &noOpLogger{}
}

// NopLogger returns a logger that discards every event.
func NopLogger() Logger {
	return &noOpLogger{}
}

// noOpLogger discards every event.
type noOpLogger struct{}

func (l *noOpLogger) Log(ctx context.Context, event *Event) error { return nil }

func (l *noOpLogger) LogPermissionCheck(ctx context.Context, r *http.Request, userID int64, action, resource, auditAction string, allowed bool, reason string) error {
	return nil
}

func (l *noOpLogger) LogAdminAction(ctx context.Context, eventType EventType, actorID int64, resource, resourceID, message string) error {
	return nil
}

func (l *noOpLogger) LogHTTPRequest(ctx context.Context, r *http.Request, statusCode int, duration time.Duration) error {
	return nil
}

func (l *noOpLogger) Close() error { return nil }

// getClientIP extracts the client IP from the request
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}

// buildBaseEvent creates an event with the common context fields
// populated. r may be nil for events outside a request.
func buildBaseEvent(ctx context.Context, r *http.Request, eventType EventType, status EventStatus) *Event {
	event := &Event{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Status:    status,
		RequestID: contextkeys.GetRequestID(ctx),
	}

	if userID := contextkeys.GetUserID(ctx); userID != 0 {
		event.UserID = &userID
	}

	if r != nil {
		event.IPAddress = getClientIP(r)
		event.UserAgent = r.UserAgent()
		event.Method = r.Method
		event.Path = r.URL.Path
	}

	return event
}
