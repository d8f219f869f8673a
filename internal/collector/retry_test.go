package collector

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuguri76/fitbit/internal/config"
	"github.com/yuguri76/fitbit/internal/errors"
)

type recordingSleep struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *recordingSleep) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waits = append(s.waits, d)
	return ctx.Err()
}

func (s *recordingSleep) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.waits...)
}

type countingRecorder struct {
	mu        sync.Mutex
	attempts  map[string]int
	remaining map[string]int64
	payloads  map[string]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{
		attempts:  make(map[string]int),
		remaining: make(map[string]int64),
		payloads:  make(map[string]int),
	}
}

func (r *countingRecorder) RecordAPIAttempt(outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts[outcome]++
}

func (r *countingRecorder) RecordRateLimitRemaining(userID string, remaining int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remaining[userID] = remaining
}

func (r *countingRecorder) RecordPayload(cadence, resource string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads[cadence+"/"+resource]++
}

func newTestClient(t *testing.T) (*RetryingClient, *recordingSleep, *countingRecorder) {
	t.Helper()
	s := &recordingSleep{}
	rec := newCountingRecorder()
	cfg := config.RetryConfig{MaxAttempts: 3, InitialDelay: time.Second}
	return NewRetryingClient(cfg, WithSleep(s.sleep), WithRecorder(rec)), s, rec
}

func TestRetryingClient_Backoff(t *testing.T) {
	c, _, _ := newTestClient(t)
	assert.Equal(t, time.Duration(0), c.Backoff(1))
	assert.Equal(t, time.Second, c.Backoff(2))
	assert.Equal(t, 2*time.Second, c.Backoff(3))
	assert.Equal(t, 4*time.Second, c.Backoff(4))
}

func TestRetryingClient_RateLimitExhaustsAttempts(t *testing.T) {
	c, s, rec := newTestClient(t)

	calls := 0
	rl := &errors.RateLimitError{Message: "slow down"}
	err := c.Do(context.Background(), "u1", func(ctx context.Context) error {
		calls++
		return rl
	})

	require.Error(t, err)
	assert.Same(t, rl, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, s.recorded())
	assert.Equal(t, 3, rec.attempts["rate_limited"])
}

func TestRetryingClient_SucceedsAfterRateLimit(t *testing.T) {
	c, s, rec := newTestClient(t)

	calls := 0
	got, err := Call(context.Background(), c, "u1", func(ctx context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", &errors.RateLimitError{}
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 2, calls)
	assert.Equal(t, []time.Duration{time.Second}, s.recorded())
	assert.Equal(t, 1, rec.attempts["success"])
}

func TestRetryingClient_OtherErrorsDoNotRetry(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"server error", &errors.HTTPStatusError{StatusCode: 500}},
		{"not found", &errors.HTTPStatusError{StatusCode: 404}},
		{"plain", stderrors.New("boom")},
		{"no token", errors.ErrNoToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, s, _ := newTestClient(t)
			calls := 0
			err := c.Do(context.Background(), "u1", func(ctx context.Context) error {
				calls++
				return tt.err
			})
			assert.ErrorIs(t, err, tt.err)
			assert.Equal(t, 1, calls)
			assert.Empty(t, s.recorded())
		})
	}
}

func TestRetryingClient_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := NewRetryingClient(config.RetryConfig{MaxAttempts: 3, InitialDelay: time.Hour})

	calls := 0
	err := c.Do(ctx, "u1", func(ctx context.Context) error {
		calls++
		cancel()
		return &errors.RateLimitError{}
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestRetryingClient_Defaults(t *testing.T) {
	c := NewRetryingClient(config.RetryConfig{})
	assert.Equal(t, 3, c.maxAttempts)
	assert.Equal(t, time.Second, c.Backoff(2))
	assert.Nil(t, c.limiter("u1"))
}

func TestRetryingClient_PerUserLimiter(t *testing.T) {
	c := NewRetryingClient(config.RetryConfig{MaxAttempts: 1, RequestsPerHour: 150, Burst: 2})

	l1 := c.limiter("u1")
	require.NotNil(t, l1)
	assert.Same(t, l1, c.limiter("u1"))
	assert.NotSame(t, l1, c.limiter("u2"))
	assert.Equal(t, 2, l1.Burst())

	assert.True(t, l1.Allow())
	assert.True(t, l1.Allow())
	assert.False(t, l1.Allow())
	assert.True(t, c.limiter("u2").Allow())
}

func TestSoftCall(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		c, _, _ := newTestClient(t)
		v, res, err := SoftCall(ctx, c, "u1", -1, func(ctx context.Context) (int, error) { return 7, nil })
		require.NoError(t, err)
		assert.Equal(t, 7, v)
		assert.Equal(t, SoftResult{}, res)
	})

	t.Run("not found returns default", func(t *testing.T) {
		c, _, _ := newTestClient(t)
		v, res, err := SoftCall(ctx, c, "u1", -1, func(ctx context.Context) (int, error) {
			return 0, &errors.HTTPStatusError{StatusCode: 404}
		})
		require.NoError(t, err)
		assert.Equal(t, -1, v)
		assert.True(t, res.Defaulted)
		assert.False(t, res.ReauthRequired)
	})

	t.Run("forbidden flags reauth", func(t *testing.T) {
		c, _, _ := newTestClient(t)
		v, res, err := SoftCall(ctx, c, "u1", -1, func(ctx context.Context) (int, error) {
			return 0, &errors.HTTPStatusError{StatusCode: 403}
		})
		require.NoError(t, err)
		assert.Equal(t, -1, v)
		assert.True(t, res.ReauthRequired)
	})

	t.Run("other errors propagate", func(t *testing.T) {
		c, _, _ := newTestClient(t)
		_, _, err := SoftCall(ctx, c, "u1", -1, func(ctx context.Context) (int, error) {
			return 0, &errors.HTTPStatusError{StatusCode: 500}
		})
		assert.Equal(t, 500, errors.StatusCode(err))
	})

	t.Run("exhausted rate limit propagates", func(t *testing.T) {
		c, s, _ := newTestClient(t)
		_, _, err := SoftCall(ctx, c, "u1", -1, func(ctx context.Context) (int, error) {
			return 0, &errors.RateLimitError{}
		})
		assert.True(t, errors.IsRateLimited(err))
		assert.Len(t, s.recorded(), 2)
	})
}
