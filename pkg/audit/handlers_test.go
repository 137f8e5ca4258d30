package audit

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
)

func newHandlerRouter(t *testing.T) (*mux.Router, *DBLogger) {
	t.Helper()

	store := newTestLogger(t)
	h := NewHandlers(store)

	r := mux.NewRouter()
	r.HandleFunc("/audit/logs", h.ListLogs).Methods(http.MethodGet)
	r.HandleFunc("/audit/logs/{id:[0-9]+}", h.GetLog).Methods(http.MethodGet)
	r.HandleFunc("/audit/export", h.ExportLogs).Methods(http.MethodGet)
	r.HandleFunc("/audit/stats", h.GetStatsHandler).Methods(http.MethodGet)
	r.HandleFunc("/audit/cleanup", h.CleanupLogs).Methods(http.MethodPost)
	return r, store
}

func TestListLogsEndpoint(t *testing.T) {
	router, store := newHandlerRouter(t)
	userID := int64(1)

	for i := 0; i < 3; i++ {
		logEvent(t, store, &Event{EventType: EventTypeTicketCreate, Status: EventStatusSuccess, UserID: &userID})
	}
	logEvent(t, store, &Event{EventType: EventTypeAuthzAccessDenied, Status: EventStatusDenied})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/audit/logs?status=denied", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var page struct {
		Data       []*Event `json:"data"`
		Pagination struct {
			Total int64 `json:"total"`
		} `json:"pagination"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&page); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if page.Pagination.Total != 1 || len(page.Data) != 1 {
		t.Errorf("Expected one denied entry, got total=%d len=%d", page.Pagination.Total, len(page.Data))
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/audit/logs?status=bogus", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for invalid status, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/audit/logs?start_time=yesterday", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for malformed start_time, got %d", rec.Code)
	}
}

func TestGetLogEndpoint(t *testing.T) {
	router, store := newHandlerRouter(t)

	event := logEvent(t, store, &Event{EventType: EventTypeTicketCreate, Status: EventStatusSuccess})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, fmt.Sprintf("/audit/logs/%d", event.ID), nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var got Event
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if got.ID != event.ID {
		t.Errorf("Expected event %d, got %d", event.ID, got.ID)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/audit/logs/9999", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", rec.Code)
	}
}

func TestExportLogsEndpoint(t *testing.T) {
	router, store := newHandlerRouter(t)

	logEvent(t, store, &Event{EventType: EventTypeTicketCreate, Status: EventStatusSuccess})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/audit/export?format=csv", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/csv" {
		t.Errorf("Expected text/csv, got %s", ct)
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, "attachment") {
		t.Errorf("Expected attachment disposition, got %s", cd)
	}

	// JSON is the default format.
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/audit/export", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected application/json, got %s", ct)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/audit/export?format=xml", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for unsupported format, got %d", rec.Code)
	}
}

func TestStatsEndpoint(t *testing.T) {
	router, store := newHandlerRouter(t)

	logEvent(t, store, &Event{EventType: EventTypeAuthzAccessDenied, Status: EventStatusDenied})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/audit/stats", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var stats Stats
	if err := json.NewDecoder(rec.Body).Decode(&stats); err != nil {
		t.Fatalf("Failed to decode stats: %v", err)
	}
	if stats.TotalEvents != 1 || stats.AccessDenials != 1 {
		t.Errorf("Unexpected stats: %+v", stats)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/audit/stats?start_time=yesterday", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for malformed time, got %d", rec.Code)
	}
}

func TestCleanupEndpoint(t *testing.T) {
	router, store := newHandlerRouter(t)

	logEvent(t, store, &Event{
		Timestamp: time.Now().UTC().AddDate(0, 0, -60),
		EventType: EventTypeTicketCreate,
		Status:    EventStatusSuccess,
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/audit/cleanup", strings.NewReader(`{"retention_days": 30}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		DeletedCount int64 `json:"deleted_count"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.DeletedCount != 1 {
		t.Errorf("Expected 1 deletion, got %d", resp.DeletedCount)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/audit/cleanup", strings.NewReader(`{"retention_days": 500}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for out-of-bound retention, got %d", rec.Code)
	}
}
