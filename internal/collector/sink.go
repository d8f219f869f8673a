package collector

import (
	"context"

	"github.com/yuguri76/fitbit/internal/logging"
	"github.com/yuguri76/fitbit/internal/models"
)

// Sink receives every payload a task collects. *store.SQLStore implements it.
type Sink interface {
	SavePayload(ctx context.Context, p *models.Payload) error
}

// LogSink only logs payloads. It is used when the store has no payload table.
type LogSink struct {
	logger *logging.Logger
}

// NewLogSink creates a sink writing one debug line per payload.
func NewLogSink(logger *logging.Logger) *LogSink {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) SavePayload(ctx context.Context, p *models.Payload) error {
	s.logger.DebugWithContext(ctx, "payload collected",
		"user_id", p.UserID,
		"cadence", string(p.Cadence),
		"resource", p.Resource,
		"bytes", len(p.Body),
	)
	return nil
}
