package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opsdesk/opsdesk/pkg/observability"
)

// ErrEventNotFound is returned when an audit entry does not exist.
var ErrEventNotFound = errors.New("audit event not found")

// ErrInvalidRetention is returned by Cleanup for retention periods
// outside the 1..365 day bound. No rows are touched in that case.
var ErrInvalidRetention = errors.New("retention days must be between 1 and 365")

// Store is the read/maintenance surface over the audit trail.
type Store interface {
	Search(ctx context.Context, filter SearchFilter) ([]*Event, error)
	Count(ctx context.Context, filter SearchFilter) (int64, error)
	Get(ctx context.Context, id int64) (*Event, error)
	GetStats(ctx context.Context, startTime, endTime *time.Time) (*Stats, error)
	Export(ctx context.Context, filter SearchFilter, format ExportFormat) ([]byte, error)
	Cleanup(ctx context.Context, retentionDays int) (int64, error)
}

// Export renders entries matching the filter in the requested format.
func (l *DBLogger) Export(ctx context.Context, filter SearchFilter, format ExportFormat) ([]byte, error) {
	events, err := l.Search(ctx, filter)
	if err != nil {
		return nil, err
	}

	switch format {
	case ExportFormatCSV:
		return exportCSV(events)
	case ExportFormatJSON:
		return exportJSON(events)
	case ExportFormatNDJSON:
		return exportNDJSON(events)
	default:
		return nil, fmt.Errorf("unsupported export format: %s", format)
	}
}

// Cleanup deletes entries older than retentionDays and returns the
// number deleted. The bound is validated before any row is touched,
// and the deletion is itself recorded in the trail so the log shows
// its own truncation. Repeat calls with no new expired entries are
// idempotent.
func (l *DBLogger) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays < 1 || retentionDays > 365 {
		return 0, fmt.Errorf("%w: got %d", ErrInvalidRetention, retentionDays)
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	result, err := l.db.ExecContext(ctx, `DELETE FROM audit_logs WHERE timestamp < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up audit logs: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read deleted count: %w", err)
	}

	if l.metrics != nil {
		l.metrics.AuditCleanupDeleted.Add(float64(deleted))
	}

	event := buildBaseEvent(ctx, nil, EventTypeRetentionCleanup, EventStatusSuccess)
	event.Message = fmt.Sprintf("deleted %d audit entries older than %d days", deleted, retentionDays)
	event.Metadata = map[string]interface{}{
		"deleted_count":  deleted,
		"retention_days": retentionDays,
		"cutoff":         cutoff.Format(time.RFC3339),
	}
	l.Log(ctx, event)

	observability.FromContext(ctx).
		WithField("deleted", deleted).
		WithField("retention_days", retentionDays).
		Info("audit retention cleanup completed")

	return deleted, nil
}
