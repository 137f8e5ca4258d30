package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/opsdesk/opsdesk/pkg/observability"
)

// DBLogger implements audit logging to a SQL database. Writes degrade
// silently: a failed insert is reported to the operational log and the
// failure metric, never to the caller. Reads fail loudly.
type DBLogger struct {
	db      *sql.DB
	metrics *observability.Metrics
}

// NewDBLogger creates a database-backed audit logger and ensures the
// audit_logs table exists. metrics may be nil.
func NewDBLogger(db *sql.DB, metrics *observability.Metrics) (*DBLogger, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	logger := &DBLogger{db: db, metrics: metrics}
	if err := logger.ensureTable(); err != nil {
		return nil, fmt.Errorf("failed to ensure audit_logs table: %w", err)
	}
	return logger, nil
}

// ensureTable creates the audit_logs table if it doesn't exist
func (l *DBLogger) ensureTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_logs (
		id BIGSERIAL PRIMARY KEY,
		timestamp TIMESTAMP NOT NULL,
		event_type VARCHAR(100) NOT NULL,
		status VARCHAR(20) NOT NULL,
		user_id BIGINT,
		user_email VARCHAR(255),
		resource VARCHAR(50),
		resource_id VARCHAR(255),
		action VARCHAR(50),
		ip_address VARCHAR(64),
		user_agent TEXT,
		request_id VARCHAR(100),
		method VARCHAR(10),
		path TEXT,
		status_code INTEGER,
		message TEXT,
		error_message TEXT,
		metadata TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_audit_logs_timestamp ON audit_logs(timestamp);
	CREATE INDEX IF NOT EXISTS idx_audit_logs_event_type ON audit_logs(event_type);
	CREATE INDEX IF NOT EXISTS idx_audit_logs_user_id ON audit_logs(user_id);
	CREATE INDEX IF NOT EXISTS idx_audit_logs_resource ON audit_logs(resource, resource_id);
	CREATE INDEX IF NOT EXISTS idx_audit_logs_status ON audit_logs(status);
	`

	_, err := l.db.Exec(query)
	return err
}

// Log writes an event. Insert failures are swallowed after being
// reported operationally; audit unavailability never fails the
// operation being audited.
func (l *DBLogger) Log(ctx context.Context, event *Event) error {
	if err := l.insert(ctx, event); err != nil {
		observability.FromContext(ctx).WithError(err).
			WithField("event_type", string(event.EventType)).
			Error("failed to write audit event")
		if l.metrics != nil {
			l.metrics.AuditWriteFailuresTotal.Inc()
		}
		return nil
	}
	if l.metrics != nil {
		l.metrics.AuditEventsTotal.WithLabelValues(string(event.EventType), string(event.Status)).Inc()
	}
	return nil
}

func (l *DBLogger) insert(ctx context.Context, event *Event) error {
	var metadataJSON []byte
	if event.Metadata != nil {
		var err error
		metadataJSON, err = json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}

	query := `
		INSERT INTO audit_logs (
			timestamp, event_type, status,
			user_id, user_email,
			resource, resource_id, action,
			ip_address, user_agent, request_id,
			method, path, status_code,
			message, error_message, metadata
		) VALUES (
			$1, $2, $3,
			$4, $5,
			$6, $7, $8,
			$9, $10, $11,
			$12, $13, $14,
			$15, $16, $17
		) RETURNING id`

	return l.db.QueryRowContext(ctx, query,
		event.Timestamp, event.EventType, event.Status,
		event.UserID, event.UserEmail,
		event.Resource, event.ResourceID, event.Action,
		event.IPAddress, event.UserAgent, event.RequestID,
		event.Method, event.Path, event.StatusCode,
		event.Message, event.ErrorMessage, string(metadataJSON),
	).Scan(&event.ID)
}

// LogPermissionCheck records a gated operation attempt. Exactly one
// entry is written per attempt, allowed or denied.
func (l *DBLogger) LogPermissionCheck(ctx context.Context, r *http.Request, userID int64, action, resource, auditAction string, allowed bool, reason string) error {
	status := EventStatusSuccess
	eventType := EventTypeAuthzPermissionCheck
	if !allowed {
		status = EventStatusDenied
		eventType = EventTypeAuthzAccessDenied
	}

	event := buildBaseEvent(ctx, r, eventType, status)
	if userID != 0 {
		event.UserID = &userID
	}
	event.Action = action
	event.Resource = resource
	event.Message = auditAction
	if reason != "" {
		event.ErrorMessage = reason
	}

	return l.Log(ctx, event)
}

// LogAdminAction records a directory mutation performed by an admin.
func (l *DBLogger) LogAdminAction(ctx context.Context, eventType EventType, actorID int64, resource, resourceID, message string) error {
	event := buildBaseEvent(ctx, nil, eventType, EventStatusSuccess)
	if actorID != 0 {
		event.UserID = &actorID
	}
	event.Resource = resource
	event.ResourceID = resourceID
	event.Message = message

	return l.Log(ctx, event)
}

// LogHTTPRequest records a completed HTTP request.
func (l *DBLogger) LogHTTPRequest(ctx context.Context, r *http.Request, statusCode int, duration time.Duration) error {
	status := EventStatusSuccess
	if statusCode >= 400 {
		status = EventStatusFailure
	}
	if statusCode == http.StatusForbidden {
		status = EventStatusDenied
	}

	event := buildBaseEvent(ctx, r, EventTypeHTTPRequest, status)
	event.StatusCode = statusCode
	event.Metadata = map[string]interface{}{"duration_ms": duration.Milliseconds()}

	return l.Log(ctx, event)
}

// sortColumns whitelists the fields Search accepts in SortBy.
var sortColumns = map[string]bool{
	"timestamp":  true,
	"event_type": true,
	"status":     true,
	"user_id":    true,
	"resource":   true,
}

// Search returns audit log entries matching the filter, newest first
// unless the filter sorts otherwise.
func (l *DBLogger) Search(ctx context.Context, filter SearchFilter) ([]*Event, error) {
	query := `
		SELECT
			id, timestamp, event_type, status,
			user_id, user_email,
			resource, resource_id, action,
			ip_address, user_agent, request_id,
			method, path, status_code,
			message, error_message, metadata
		FROM audit_logs`

	where, args := buildWhere(filter)
	query += where

	if filter.SortBy != "" && sortColumns[filter.SortBy] {
		order := "DESC"
		if strings.EqualFold(filter.SortOrder, "asc") {
			order = "ASC"
		}
		query += fmt.Sprintf(" ORDER BY %s %s", filter.SortBy, order)
	} else {
		query += " ORDER BY timestamp DESC"
	}

	argCount := len(args) + 1
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argCount)
		args = append(args, filter.Limit)
		argCount++
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argCount)
		args = append(args, filter.Offset)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search audit logs: %w", err)
	}
	defer rows.Close()

	events := make([]*Event, 0)
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit logs: %w", err)
	}
	return events, nil
}

// Count returns the number of entries matching the filter, ignoring
// pagination.
func (l *DBLogger) Count(ctx context.Context, filter SearchFilter) (int64, error) {
	where, args := buildWhere(filter)
	var total int64
	err := l.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_logs"+where, args...).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to count audit logs: %w", err)
	}
	return total, nil
}

// Get returns a single entry by id.
func (l *DBLogger) Get(ctx context.Context, id int64) (*Event, error) {
	query := `
		SELECT
			id, timestamp, event_type, status,
			user_id, user_email,
			resource, resource_id, action,
			ip_address, user_agent, request_id,
			method, path, status_code,
			message, error_message, metadata
		FROM audit_logs
		WHERE id = $1`

	rows, err := l.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get audit log: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrEventNotFound
	}
	return scanEvent(rows)
}

func buildWhere(filter SearchFilter) (string, []interface{}) {
	clauses := []string{}
	args := []interface{}{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.StartTime != nil {
		clauses = append(clauses, "timestamp >= "+arg(*filter.StartTime))
	}
	if filter.EndTime != nil {
		clauses = append(clauses, "timestamp <= "+arg(*filter.EndTime))
	}
	if filter.UserID != nil {
		clauses = append(clauses, "user_id = "+arg(*filter.UserID))
	}
	if filter.UserEmail != "" {
		clauses = append(clauses, "user_email = "+arg(filter.UserEmail))
	}
	if len(filter.EventTypes) > 0 {
		placeholders := make([]string, len(filter.EventTypes))
		for i, et := range filter.EventTypes {
			placeholders[i] = arg(string(et))
		}
		clauses = append(clauses, "event_type IN ("+strings.Join(placeholders, ", ")+")")
	}
	if filter.Status != nil {
		clauses = append(clauses, "status = "+arg(string(*filter.Status)))
	}
	if filter.Resource != "" {
		clauses = append(clauses, "resource = "+arg(filter.Resource))
	}
	if filter.ResourceID != "" {
		clauses = append(clauses, "resource_id = "+arg(filter.ResourceID))
	}
	if filter.Action != "" {
		clauses = append(clauses, "action = "+arg(filter.Action))
	}
	if filter.IPAddress != "" {
		clauses = append(clauses, "ip_address = "+arg(filter.IPAddress))
	}
	if filter.Method != "" {
		clauses = append(clauses, "method = "+arg(filter.Method))
	}
	if filter.Path != "" {
		clauses = append(clauses, "path LIKE "+arg("%"+filter.Path+"%"))
	}

	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func scanEvent(rows *sql.Rows) (*Event, error) {
	event := &Event{}
	var metadataJSON sql.NullString

	err := rows.Scan(
		&event.ID, &event.Timestamp, &event.EventType, &event.Status,
		&event.UserID, &event.UserEmail,
		&event.Resource, &event.ResourceID, &event.Action,
		&event.IPAddress, &event.UserAgent, &event.RequestID,
		&event.Method, &event.Path, &event.StatusCode,
		&event.Message, &event.ErrorMessage, &metadataJSON,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan audit log: %w", err)
	}

	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &event.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return event, nil
}

// GetStats computes aggregate statistics, optionally bounded by a time
// range.
func (l *DBLogger) GetStats(ctx context.Context, startTime, endTime *time.Time) (*Stats, error) {
	stats := &Stats{
		EventsByType:   make(map[EventType]int64),
		EventsByStatus: make(map[EventStatus]int64),
		EventsByUser:   make(map[int64]int64),
	}

	whereClause := "WHERE 1=1"
	args := []interface{}{}
	argCount := 1

	if startTime != nil {
		whereClause += fmt.Sprintf(" AND timestamp >= $%d", argCount)
		args = append(args, *startTime)
		argCount++
		if stats.TimeRange == nil {
			stats.TimeRange = &TimeRange{}
		}
		stats.TimeRange.Start = *startTime
	}
	if endTime != nil {
		whereClause += fmt.Sprintf(" AND timestamp <= $%d", argCount)
		args = append(args, *endTime)
		if stats.TimeRange == nil {
			stats.TimeRange = &TimeRange{}
		}
		stats.TimeRange.End = *endTime
	}

	err := l.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM audit_logs %s", whereClause), args...).
		Scan(&stats.TotalEvents)
	if err != nil {
		return nil, fmt.Errorf("failed to get total events: %w", err)
	}

	rows, err := l.db.QueryContext(ctx,
		fmt.Sprintf("SELECT event_type, COUNT(*) FROM audit_logs %s GROUP BY event_type", whereClause), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get events by type: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var eventType EventType
		var count int64
		if err := rows.Scan(&eventType, &count); err != nil {
			return nil, err
		}
		stats.EventsByType[eventType] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = l.db.QueryContext(ctx,
		fmt.Sprintf("SELECT status, COUNT(*) FROM audit_logs %s GROUP BY status", whereClause), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get events by status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status EventStatus
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats.EventsByStatus[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = l.db.QueryContext(ctx,
		fmt.Sprintf("SELECT user_id, COUNT(*) FROM audit_logs %s AND user_id IS NOT NULL GROUP BY user_id", whereClause), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get events by user: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var userID, count int64
		if err := rows.Scan(&userID, &count); err != nil {
			return nil, err
		}
		stats.EventsByUser[userID] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	stats.UniqueUsers = int64(len(stats.EventsByUser))

	err = l.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(DISTINCT ip_address) FROM audit_logs %s AND ip_address != ''", whereClause), args...).
		Scan(&stats.UniqueIPs)
	if err != nil {
		return nil, fmt.Errorf("failed to get unique IPs: %w", err)
	}

	// Keyed to the guard's denial events so denied mutations are not
	// counted a second time through their http.request entries.
	err = l.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM audit_logs %s AND event_type = 'authz.access_denied'", whereClause), args...).
		Scan(&stats.AccessDenials)
	if err != nil {
		return nil, fmt.Errorf("failed to get access denials: %w", err)
	}

	err = l.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM audit_logs %s AND event_type = 'auth.login_failed'", whereClause), args...).
		Scan(&stats.FailedLogins)
	if err != nil {
		return nil, fmt.Errorf("failed to get failed logins: %w", err)
	}

	return stats, nil
}

// Close is a no-op; the database connection is shared.
func (l *DBLogger) Close() error {
	return nil
}
