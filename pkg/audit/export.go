package audit

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
)

// exportCSV renders events as CSV with a header row.
func exportCSV(events []*Event) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	header := []string{
		"id", "timestamp", "event_type", "status",
		"user_id", "user_email",
		"resource", "resource_id", "action",
		"ip_address", "user_agent", "request_id",
		"method", "path", "status_code",
		"message", "error_message",
	}
	if err := w.Write(header); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, e := range events {
		userID := ""
		if e.UserID != nil {
			userID = strconv.FormatInt(*e.UserID, 10)
		}
		statusCode := ""
		if e.StatusCode != 0 {
			statusCode = strconv.Itoa(e.StatusCode)
		}
		record := []string{
			strconv.FormatInt(e.ID, 10),
			e.Timestamp.Format("2006-01-02T15:04:05Z07:00"),
			string(e.EventType),
			string(e.Status),
			userID,
			e.UserEmail,
			e.Resource,
			e.ResourceID,
			e.Action,
			e.IPAddress,
			e.UserAgent,
			e.RequestID,
			e.Method,
			e.Path,
			statusCode,
			e.Message,
			e.ErrorMessage,
		}
		if err := w.Write(record); err != nil {
			return nil, fmt.Errorf("failed to write CSV record: %w", err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("failed to flush CSV: %w", err)
	}
	return buf.Bytes(), nil
}

// exportJSON renders events as a single JSON array.
func exportJSON(events []*Event) ([]byte, error) {
	data, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal events: %w", err)
	}
	return data, nil
}

// exportNDJSON renders events as newline-delimited JSON, one event per
// line. This is the streaming-friendly format used for archives.
func exportNDJSON(events []*Event) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range events {
		if err := enc.Encode(e); err != nil {
			return nil, fmt.Errorf("failed to encode event: %w", err)
		}
	}
	return buf.Bytes(), nil
}
