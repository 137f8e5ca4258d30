package audit

import (
	"compress/gzip"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/opsdesk/opsdesk/pkg/observability"
)

// RetentionScheduler runs the retention policy on a cron schedule.
type RetentionScheduler struct {
	store  *DBLogger
	policy RetentionPolicy
	cron   *cron.Cron
	logger *observability.Logger
}

// NewRetentionScheduler creates a scheduler that applies policy to
// store on the given cron schedule.
func NewRetentionScheduler(store *DBLogger, policy RetentionPolicy, schedule string, logger *observability.Logger) (*RetentionScheduler, error) {
	if policy.RetentionDays < 1 || policy.RetentionDays > 365 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidRetention, policy.RetentionDays)
	}

	s := &RetentionScheduler{
		store:  store,
		policy: policy,
		cron:   cron.New(),
		logger: logger,
	}

	if _, err := s.cron.AddFunc(schedule, s.run); err != nil {
		return nil, fmt.Errorf("invalid cleanup schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start begins running scheduled cleanups.
func (s *RetentionScheduler) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for a running cleanup to finish.
func (s *RetentionScheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func (s *RetentionScheduler) run() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	if _, err := s.RunOnce(ctx); err != nil {
		s.logger.WithError(err).Error("scheduled audit cleanup failed")
	}
}

// RunOnce applies the retention policy immediately: archive expired
// entries when an archive path is configured, then delete them.
func (s *RetentionScheduler) RunOnce(ctx context.Context) (int64, error) {
	if s.policy.ArchivePath != "" {
		if err := s.archiveExpired(ctx); err != nil {
			// Deleting unarchived entries would lose them for good.
			return 0, fmt.Errorf("failed to archive expired entries: %w", err)
		}
	}
	return s.store.Cleanup(ctx, s.policy.RetentionDays)
}

// archiveExpired writes entries past the retention cutoff to a
// gzip-compressed NDJSON file named by the run date.
func (s *RetentionScheduler) archiveExpired(ctx context.Context) error {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.policy.RetentionDays)
	events, err := s.store.Search(ctx, SearchFilter{EndTime: &cutoff})
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	if err := os.MkdirAll(s.policy.ArchivePath, 0o755); err != nil {
		return fmt.Errorf("failed to create archive directory: %w", err)
	}

	name := fmt.Sprintf("audit-%s.ndjson.gz", time.Now().UTC().Format("20060102-150405"))
	path := filepath.Join(s.policy.ArchivePath, name)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create archive file: %w", err)
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	data, err := exportNDJSON(events)
	if err != nil {
		return err
	}
	if _, err := gz.Write(data); err != nil {
		return fmt.Errorf("failed to write archive: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("failed to finalize archive: %w", err)
	}

	s.logger.
		WithField("archived", len(events)).
		WithField("path", path).
		Info("archived expired audit entries")
	return nil
}
