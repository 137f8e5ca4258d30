package audit

import (
	"encoding/json"
	"time"
)

// EventType represents the category of audit event
type EventType string

const (
	// Authentication events
	EventTypeAuthLogin       EventType = "auth.login"
	EventTypeAuthLogout      EventType = "auth.logout"
	EventTypeAuthLoginFailed EventType = "auth.login_failed"

	// Authorization events
	EventTypeAuthzPermissionCheck EventType = "authz.permission_check"
	EventTypeAuthzAccessDenied    EventType = "authz.access_denied"
	EventTypeAuthzRoleChange      EventType = "authz.role_change"

	// Ticket lifecycle events
	EventTypeTicketCreate  EventType = "ticket.create"
	EventTypeTicketUpdate  EventType = "ticket.update"
	EventTypeTicketDelete  EventType = "ticket.delete"
	EventTypeTicketAssign  EventType = "ticket.assign"
	EventTypeTicketComment EventType = "ticket.comment"

	// Admin events
	EventTypeAdminUserCreate     EventType = "admin.user_create"
	EventTypeAdminUserUpdate     EventType = "admin.user_update"
	EventTypeAdminUserDeactivate EventType = "admin.user_deactivate"
	EventTypeAdminTeamCreate     EventType = "admin.team_create"
	EventTypeAdminTeamUpdate     EventType = "admin.team_update"
	EventTypeAdminTeamDelete     EventType = "admin.team_delete"
	EventTypeAdminLeadershipAdd  EventType = "admin.leadership_add"
	EventTypeAdminLeadershipDrop EventType = "admin.leadership_remove"

	// Request-level events from the HTTP middleware. Kept distinct from
	// the authz.* family so the guard's one-entry-per-gated-attempt
	// property stays verifiable from the trail.
	EventTypeHTTPRequest EventType = "http.request"

	// Audit trail maintenance events
	EventTypeRetentionCleanup EventType = "retention.cleanup"
	EventTypeAuditExport      EventType = "audit.export"
)

// EventStatus represents the outcome of an event
type EventStatus string

const (
	EventStatusSuccess EventStatus = "success"
	EventStatusFailure EventStatus = "failure"
	EventStatusDenied  EventStatus = "denied"
)

// Event is a single immutable audit log entry. Entries are written on
// every permission-gated attempt, allowed or denied, and are removed
// only by retention cleanup.
type Event struct {
	ID        int64       `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	EventType EventType   `json:"event_type"`
	Status    EventStatus `json:"status"`

	// Actor
	UserID    *int64 `json:"user_id,omitempty"`
	UserEmail string `json:"user_email,omitempty"`

	// Target
	Resource   string `json:"resource,omitempty"`
	ResourceID string `json:"resource_id,omitempty"`
	Action     string `json:"action,omitempty"`

	// Request context
	IPAddress  string `json:"ip_address,omitempty"`
	UserAgent  string `json:"user_agent,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	Method     string `json:"method,omitempty"`
	Path       string `json:"path,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`

	// Details
	Message      string                 `json:"message,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// ToJSON converts the event to JSON
func (e *Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// FromJSON parses an event from JSON
func FromJSON(data []byte) (*Event, error) {
	var event Event
	err := json.Unmarshal(data, &event)
	return &event, err
}

// SearchFilter represents filters for searching the audit trail
type SearchFilter struct {
	// Time range
	StartTime *time.Time
	EndTime   *time.Time

	// Actor filters
	UserID    *int64
	UserEmail string

	// Event filters
	EventTypes []EventType
	Status     *EventStatus

	// Target filters
	Resource   string
	ResourceID string
	Action     string

	// Request context filters
	IPAddress string
	Method    string
	Path      string

	// Pagination
	Limit  int
	Offset int

	// Sorting: field name plus "asc" or "desc"
	SortBy    string
	SortOrder string
}

// ExportFormat represents the format for exporting audit logs
type ExportFormat string

const (
	ExportFormatJSON   ExportFormat = "json"
	ExportFormatCSV    ExportFormat = "csv"
	ExportFormatNDJSON ExportFormat = "ndjson"
)

// Stats represents aggregate statistics about the audit trail
type Stats struct {
	TotalEvents    int64                 `json:"total_events"`
	EventsByType   map[EventType]int64   `json:"events_by_type"`
	EventsByStatus map[EventStatus]int64 `json:"events_by_status"`
	EventsByUser   map[int64]int64       `json:"events_by_user"`
	UniqueUsers    int64                 `json:"unique_users"`
	UniqueIPs      int64                 `json:"unique_ips"`
	AccessDenials  int64                 `json:"access_denials"`
	FailedLogins   int64                 `json:"failed_logins"`
	TimeRange      *TimeRange            `json:"time_range,omitempty"`
}

// TimeRange represents a time range for statistics
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// RetentionPolicy defines how long audit entries are kept. Days is
// bounded to 1..365; Cleanup rejects anything outside that range
// before touching rows.
type RetentionPolicy struct {
	RetentionDays int

	// ArchivePath, when non-empty, receives a gzip-compressed NDJSON
	// archive of expired entries before deletion.
	ArchivePath string
}

// DefaultRetentionPolicy returns the default 90-day policy.
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{RetentionDays: 90}
}
