// Package collector calls the Fitbit Web API on behalf of users and hands the
// responses to a payload sink.
package collector

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/yuguri76/fitbit/internal/config"
	"github.com/yuguri76/fitbit/internal/errors"
	"github.com/yuguri76/fitbit/internal/logging"
)

// Recorder receives API call metrics.
type Recorder interface {
	RecordAPIAttempt(outcome string)
	RecordRateLimitRemaining(userID string, remaining int64)
	RecordPayload(cadence, resource string)
}

type nopRecorder struct{}

func (nopRecorder) RecordAPIAttempt(string)               {}
func (nopRecorder) RecordRateLimitRemaining(string, int64) {}
func (nopRecorder) RecordPayload(string, string)           {}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RetryingClient runs outbound calls with bounded retries on rate limiting.
// Attempt 1 fires immediately; attempt i waits InitialDelay * 2^(i-2).
type RetryingClient struct {
	maxAttempts  int
	initialDelay time.Duration
	sleep        SleepFunc
	logger       *logging.Logger
	metrics      Recorder

	requestsPerHour int
	burst           int
	mu              sync.Mutex
	limiters        map[string]*rate.Limiter
}

// ClientOption configures a RetryingClient.
type ClientOption func(*RetryingClient)

// WithSleep replaces the backoff sleep, e.g. with a recording fake in tests.
func WithSleep(fn SleepFunc) ClientOption {
	return func(c *RetryingClient) {
		c.sleep = fn
	}
}

// WithClientLogger sets the client logger.
func WithClientLogger(l *logging.Logger) ClientOption {
	return func(c *RetryingClient) {
		c.logger = l
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) ClientOption {
	return func(c *RetryingClient) {
		c.metrics = r
	}
}

// NewRetryingClient creates a client from retry settings.
func NewRetryingClient(cfg config.RetryConfig, opts ...ClientOption) *RetryingClient {
	c := &RetryingClient{
		maxAttempts:     cfg.MaxAttempts,
		initialDelay:    cfg.InitialDelay,
		sleep:           sleepContext,
		logger:          logging.NewNop(),
		metrics:         nopRecorder{},
		requestsPerHour: cfg.RequestsPerHour,
		burst:           cfg.Burst,
		limiters:        make(map[string]*rate.Limiter),
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = 3
	}
	if c.initialDelay <= 0 {
		c.initialDelay = time.Second
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Backoff returns the wait before the given 1-based attempt.
func (c *RetryingClient) Backoff(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	return c.initialDelay << uint(attempt-2)
}

// limiter returns the per-user token bucket, or nil when throttling is off.
func (c *RetryingClient) limiter(userID string) *rate.Limiter {
	if c.requestsPerHour <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	l, ok := c.limiters[userID]
	if !ok {
		burst := c.burst
		if burst <= 0 {
			burst = 1
		}
		l = rate.NewLimiter(rate.Every(time.Hour/time.Duration(c.requestsPerHour)), burst)
		c.limiters[userID] = l
	}
	return l
}

// Do runs fn until it succeeds, fails with something other than a rate limit,
// or the attempts are exhausted. Exhaustion returns the last rate-limit error.
func (c *RetryingClient) Do(ctx context.Context, userID string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if wait := c.Backoff(attempt); wait > 0 {
			c.logger.DebugWithContext(ctx, "retrying after rate limit",
				"user_id", userID, "attempt", attempt, "wait", wait.String())
			if err := c.sleep(ctx, wait); err != nil {
				return err
			}
		}
		if l := c.limiter(userID); l != nil {
			if err := l.Wait(ctx); err != nil {
				return err
			}
		}

		err := fn(ctx)
		if err == nil {
			c.metrics.RecordAPIAttempt("success")
			return nil
		}

		var rl *errors.RateLimitError
		if !stderrors.As(err, &rl) {
			c.metrics.RecordAPIAttempt("error")
			return err
		}
		c.metrics.RecordAPIAttempt("rate_limited")
		lastErr = err
	}

	c.logger.WarnWithContext(ctx, "rate limit retries exhausted", "user_id", userID, "attempts", c.maxAttempts)
	return lastErr
}

// Call is Do for functions that produce a value.
func Call[T any](ctx context.Context, c *RetryingClient, userID string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := c.Do(ctx, userID, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
