package audit

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/opsdesk/opsdesk/pkg/httputil"
	"github.com/opsdesk/opsdesk/pkg/observability"
)

// Handlers exposes the audit trail read/maintenance surface over HTTP.
// Access control is applied by the router that mounts these routes.
type Handlers struct {
	store Store
}

// NewHandlers creates audit HTTP handlers backed by store.
func NewHandlers(store Store) *Handlers {
	return &Handlers{store: store}
}

// ListLogs returns a paginated page of audit entries.
func (h *Handlers) ListLogs(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		httputil.WriteValidationError(w, err.Error())
		return
	}

	page, limit := httputil.ParsePage(r, 50, 500)
	filter.Limit = limit
	filter.Offset = (page - 1) * limit

	events, err := h.store.Search(r.Context(), filter)
	if err != nil {
		observability.FromContext(r.Context()).WithError(err).Error("failed to search audit logs")
		httputil.WriteInternalError(w)
		return
	}

	total, err := h.store.Count(r.Context(), filter)
	if err != nil {
		observability.FromContext(r.Context()).WithError(err).Error("failed to count audit logs")
		httputil.WriteInternalError(w)
		return
	}

	httputil.WritePaged(w, events, page, limit, total)
}

// GetLog returns a single audit entry by id.
func (h *Handlers) GetLog(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		httputil.WriteValidationError(w, "invalid audit log id")
		return
	}

	event, err := h.store.Get(r.Context(), id)
	if errors.Is(err, ErrEventNotFound) {
		httputil.WriteNotFound(w, "audit log entry not found")
		return
	}
	if err != nil {
		observability.FromContext(r.Context()).WithError(err).Error("failed to get audit log")
		httputil.WriteInternalError(w)
		return
	}

	httputil.WriteSuccess(w, event)
}

// ExportLogs streams matching entries in the requested format.
func (h *Handlers) ExportLogs(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		httputil.WriteValidationError(w, err.Error())
		return
	}

	format := ExportFormat(r.URL.Query().Get("format"))
	if format == "" {
		format = ExportFormatJSON
	}
	switch format {
	case ExportFormatCSV, ExportFormatJSON, ExportFormatNDJSON:
	default:
		httputil.WriteValidationError(w, fmt.Sprintf("unsupported export format: %s", format))
		return
	}

	data, err := h.store.Export(r.Context(), filter, format)
	if err != nil {
		observability.FromContext(r.Context()).WithError(err).Error("failed to export audit logs")
		httputil.WriteInternalError(w)
		return
	}

	filename := fmt.Sprintf("audit-export-%s.%s", time.Now().UTC().Format("20060102-150405"), format)
	switch format {
	case ExportFormatCSV:
		w.Header().Set("Content-Type", "text/csv")
	case ExportFormatNDJSON:
		w.Header().Set("Content-Type", "application/x-ndjson")
	default:
		w.Header().Set("Content-Type", "application/json")
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// GetStatsHandler returns aggregate statistics for a time range.
func (h *Handlers) GetStatsHandler(w http.ResponseWriter, r *http.Request) {
	startTime, err := httputil.ParseQueryTime(r, "start_time")
	if err != nil {
		httputil.WriteValidationError(w, "invalid start_time, expected RFC3339")
		return
	}
	endTime, err := httputil.ParseQueryTime(r, "end_time")
	if err != nil {
		httputil.WriteValidationError(w, "invalid end_time, expected RFC3339")
		return
	}

	stats, err := h.store.GetStats(r.Context(), startTime, endTime)
	if err != nil {
		observability.FromContext(r.Context()).WithError(err).Error("failed to compute audit stats")
		httputil.WriteInternalError(w)
		return
	}

	httputil.WriteSuccess(w, stats)
}

// CleanupLogs runs retention cleanup with the requested retention
// period. Out-of-bound periods are rejected before any deletion.
func (h *Handlers) CleanupLogs(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RetentionDays int `json:"retention_days"`
	}
	if err := httputil.ParseJSON(r, &req); err != nil {
		httputil.WriteValidationError(w, "invalid request body")
		return
	}

	deleted, err := h.store.Cleanup(r.Context(), req.RetentionDays)
	if errors.Is(err, ErrInvalidRetention) {
		httputil.WriteValidationError(w, err.Error())
		return
	}
	if err != nil {
		observability.FromContext(r.Context()).WithError(err).Error("audit cleanup failed")
		httputil.WriteInternalError(w)
		return
	}

	httputil.WriteSuccess(w, map[string]interface{}{
		"deleted_count":  deleted,
		"retention_days": req.RetentionDays,
	})
}

// parseFilter builds a SearchFilter from query parameters.
func parseFilter(r *http.Request) (SearchFilter, error) {
	q := r.URL.Query()
	var filter SearchFilter

	startTime, err := httputil.ParseQueryTime(r, "start_time")
	if err != nil {
		return filter, fmt.Errorf("invalid start_time, expected RFC3339")
	}
	filter.StartTime = startTime

	endTime, err := httputil.ParseQueryTime(r, "end_time")
	if err != nil {
		return filter, fmt.Errorf("invalid end_time, expected RFC3339")
	}
	filter.EndTime = endTime

	if v := q.Get("user_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return filter, fmt.Errorf("invalid user_id")
		}
		filter.UserID = &id
	}
	filter.UserEmail = q.Get("user_email")

	for _, et := range q["event_type"] {
		filter.EventTypes = append(filter.EventTypes, EventType(et))
	}
	if v := q.Get("status"); v != "" {
		status := EventStatus(v)
		switch status {
		case EventStatusSuccess, EventStatusFailure, EventStatusDenied:
			filter.Status = &status
		default:
			return filter, fmt.Errorf("invalid status: %s", v)
		}
	}

	filter.Resource = q.Get("resource")
	filter.ResourceID = q.Get("resource_id")
	filter.Action = q.Get("action")
	filter.IPAddress = q.Get("ip_address")
	filter.Method = q.Get("method")
	filter.Path = q.Get("path")
	filter.SortBy = q.Get("sort_by")
	filter.SortOrder = q.Get("sort_order")

	return filter, nil
}
