package trace

import (
	"context"
	"time"

	"github.com/casys-ai/pml/internal/telemetry"
	"github.com/casys-ai/pml/internal/wire"
)

// Poster is the transport a RetryingSyncer delivers batches over; it
// mirrors the narrow surface internal/catalog's HTTP client exposes so
// this package stays decoupled from the concrete cloud catalog wiring.
type Poster interface {
	PostTraces(ctx context.Context, batch []wire.ExecutionTrace) error
}

// RetryingSyncer wraps a Poster with the bounded exponential backoff
// retry the spec requires for catalog trace uploads.
type RetryingSyncer struct {
	poster     Poster
	logger     telemetry.Logger
	maxRetries int
	baseDelay  time.Duration
}

// DefaultMaxRetries bounds how many times a failed batch post is retried
// before Flush gives up and leaves the batch pending for the next call.
const DefaultMaxRetries = 5

// DefaultBaseDelay is the first retry's backoff delay; each subsequent
// attempt doubles it.
const DefaultBaseDelay = 500 * time.Millisecond

// NewRetryingSyncer returns a Syncer that retries a failing PostTraces
// call with exponential backoff.
func NewRetryingSyncer(poster Poster, logger telemetry.Logger, maxRetries int, baseDelay time.Duration) *RetryingSyncer {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if baseDelay <= 0 {
		baseDelay = DefaultBaseDelay
	}
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &RetryingSyncer{poster: poster, logger: logger, maxRetries: maxRetries, baseDelay: baseDelay}
}

// SyncBatch implements Syncer.
func (s *RetryingSyncer) SyncBatch(ctx context.Context, batch []wire.ExecutionTrace) error {
	delay := s.baseDelay
	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			delay *= 2
		}
		err := s.poster.PostTraces(ctx, batch)
		if err == nil {
			return nil
		}
		lastErr = err
		s.logger.Warn(ctx, "trace batch post failed, retrying", "attempt", attempt, "error", err)
	}
	return lastErr
}
