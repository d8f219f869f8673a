package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/yuguri76/fitbit/internal/logging"
)

// RetentionSchedule runs payload retention once a day, away from the collection ticks.
const RetentionSchedule = "30 3 * * *"

// AddMaintenance registers a housekeeping function that is not tied to a user.
func (s *Scheduler) AddMaintenance(name, spec string, fn func(ctx context.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	_, err := s.cron.AddFunc(spec, func() {
		ctx := logging.WithCorrelationID(s.baseCtx, logging.GenerateCorrelationID())
		if err := fn(ctx); err != nil {
			s.logger.ErrorWithContext(ctx, "maintenance job failed", "job", name, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule maintenance %s: %w", name, err)
	}
	return nil
}

// Purger deletes payloads collected before a cutoff.
type Purger interface {
	PurgePayloadsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// PurgeRecorder counts purged rows.
type PurgeRecorder interface {
	RecordPayloadsPurged(n int64)
}

// RetentionJob returns a maintenance function deleting payloads older than retention.
func RetentionJob(p Purger, retention time.Duration, clock func() time.Time, rec PurgeRecorder, logger *logging.Logger) func(ctx context.Context) error {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return func(ctx context.Context) error {
		cutoff := clock().Add(-retention)
		n, err := p.PurgePayloadsBefore(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("purge payloads: %w", err)
		}
		if rec != nil {
			rec.RecordPayloadsPurged(n)
		}
		logger.InfoWithContext(ctx, "payload retention applied", "purged", n, "cutoff", cutoff.Format(time.RFC3339))
		return nil
	}
}
