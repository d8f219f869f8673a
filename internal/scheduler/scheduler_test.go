package scheduler

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/yuguri76/fitbit/internal/errors"
	"github.com/yuguri76/fitbit/internal/logging"
	"github.com/yuguri76/fitbit/internal/models"
	"github.com/yuguri76/fitbit/internal/store"
)

type recordingNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (n *recordingNotifier) NotifyReauthRequired(ctx context.Context, userID string, cadence models.Cadence, cause error) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, userID+"/"+string(cadence))
	return nil
}

func (n *recordingNotifier) recorded() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.calls...)
}

type countingRecorder struct {
	mu           sync.Mutex
	runs         map[string]int
	deregistered map[string]int
	active       int
	purged       int64
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{runs: make(map[string]int), deregistered: make(map[string]int)}
}

func (r *countingRecorder) RecordJobRun(cadence, outcome string, _ float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[cadence+"/"+outcome]++
}

func (r *countingRecorder) RecordJobDeregistered(cadence string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deregistered[cadence]++
}

func (r *countingRecorder) SetActiveJobs(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = n
}

func (r *countingRecorder) RecordPayloadsPurged(n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.purged += n
}

func seoul(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Seoul")
	require.NoError(t, err)
	return loc
}

func newTestScheduler(t *testing.T, users UserLister, opts ...Option) *Scheduler {
	t.Helper()
	s := New(seoul(t), users, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})
	return s
}

func noop(context.Context, string) error { return nil }

func TestStart_ReplacesExistingJob(t *testing.T) {
	rec := newCountingRecorder()
	s := newTestScheduler(t, nil, WithMetrics(rec))

	var first, second atomic.Int32
	require.NoError(t, s.Start("u1", models.CadenceDaily, func(context.Context, string) error {
		first.Add(1)
		return nil
	}))
	require.NoError(t, s.Start("u1", models.CadenceDaily, func(context.Context, string) error {
		second.Add(1)
		return nil
	}))

	assert.Len(t, s.Jobs(), 1)
	assert.Len(t, s.cron.Entries(), 1)
	assert.Equal(t, 1, rec.active)

	require.NoError(t, s.RunNow(context.Background(), "u1", models.CadenceDaily))
	assert.Equal(t, int32(0), first.Load())
	assert.Equal(t, int32(1), second.Load())
}

func TestStart_Validation(t *testing.T) {
	s := newTestScheduler(t, nil)

	assert.Error(t, s.Start("", models.CadenceDaily, noop))
	assert.Error(t, s.Start("u1", models.CadenceDaily, nil))
	assert.Error(t, s.Start("u1", models.Cadence("hourly"), noop))
	assert.Empty(t, s.Jobs())
}

func TestStatus_NextRunInConfiguredZone(t *testing.T) {
	s := newTestScheduler(t, nil)
	require.NoError(t, s.Start("u1", models.CadenceDaily, noop))

	job, ok := s.Status("u1", models.CadenceDaily)
	require.True(t, ok)
	assert.Equal(t, models.JobRunning, job.Status)
	require.False(t, job.NextRun.IsZero())

	next := job.NextRun.In(seoul(t))
	assert.Equal(t, 6, next.Hour())
	assert.Equal(t, 0, next.Minute())

	_, ok = s.Status("u1", models.CadenceSleep)
	assert.False(t, ok)
}

func TestStopVariants(t *testing.T) {
	s := newTestScheduler(t, nil)
	for _, user := range []string{"u1", "u2"} {
		require.NoError(t, s.StartUser(user, map[models.Cadence]Task{
			models.CadenceIntraday: noop,
			models.CadenceDaily:    noop,
			models.CadenceSleep:    noop,
		}))
	}
	require.Len(t, s.Jobs(), 6)

	assert.True(t, s.Stop("u1", models.CadenceSleep))
	assert.False(t, s.Stop("u1", models.CadenceSleep))
	assert.Equal(t, 2, s.StopUser("u1"))
	assert.Equal(t, 0, s.StopUser("u1"))

	jobs := s.Jobs()
	require.Len(t, jobs, 3)
	assert.Equal(t, models.CadenceIntraday, jobs[0].Cadence)
	assert.Equal(t, models.CadenceDaily, jobs[1].Cadence)

	assert.Equal(t, 3, s.StopAll())
	assert.Empty(t, s.Jobs())
	assert.Empty(t, s.cron.Entries())
}

func TestAuthFailureStopsOnlyThatPair(t *testing.T) {
	rec := newCountingRecorder()
	notifier := &recordingNotifier{}
	s := newTestScheduler(t, nil, WithMetrics(rec), WithNotifier(notifier))

	var intradayRuns atomic.Int32
	require.NoError(t, s.Start("u1", models.CadenceIntraday, func(context.Context, string) error {
		intradayRuns.Add(1)
		return nil
	}))
	require.NoError(t, s.Start("u1", models.CadenceDaily, func(context.Context, string) error {
		return &errors.ErrReauthRequired{UserID: "u1", Err: stderrors.New("invalid_grant")}
	}))

	err := s.RunNow(context.Background(), "u1", models.CadenceDaily)
	assert.True(t, errors.IsAuthFailure(err))

	_, ok := s.Status("u1", models.CadenceDaily)
	assert.False(t, ok)
	_, ok = s.Status("u1", models.CadenceIntraday)
	assert.True(t, ok)

	require.NoError(t, s.RunNow(context.Background(), "u1", models.CadenceIntraday))
	assert.Equal(t, int32(1), intradayRuns.Load())

	assert.Equal(t, []string{"u1/daily"}, notifier.recorded())
	assert.Equal(t, 1, rec.deregistered["daily"])
	assert.Equal(t, 1, rec.runs["daily/auth_failure"])
	assert.Equal(t, 1, rec.active)
}

func TestAuthFailureTypes(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"no token", errors.ErrNoToken},
		{"no refresh token", errors.ErrNoRefreshToken},
		{"wrapped no token", stderrors.Join(stderrors.New("fetch"), errors.ErrNoToken)},
		{"unauthorized", &errors.HTTPStatusError{StatusCode: 401}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestScheduler(t, nil)
			require.NoError(t, s.Start("u1", models.CadenceSleep, func(context.Context, string) error { return tt.err }))
			_ = s.RunNow(context.Background(), "u1", models.CadenceSleep)
			_, ok := s.Status("u1", models.CadenceSleep)
			assert.False(t, ok)
		})
	}
}

func TestOtherErrorsKeepJobRunning(t *testing.T) {
	rec := newCountingRecorder()
	s := newTestScheduler(t, nil, WithMetrics(rec))

	require.NoError(t, s.Start("u1", models.CadenceIntraday, func(context.Context, string) error {
		return &errors.RateLimitError{Message: "rate limit exceeded"}
	}))
	require.NoError(t, s.Start("u1", models.CadenceSleep, func(context.Context, string) error {
		panic("boom")
	}))

	assert.Error(t, s.RunNow(context.Background(), "u1", models.CadenceIntraday))
	err := s.RunNow(context.Background(), "u1", models.CadenceSleep)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")

	job, ok := s.Status("u1", models.CadenceIntraday)
	require.True(t, ok)
	assert.Equal(t, "rate limit exceeded", job.LastError)
	assert.False(t, job.LastRun.IsZero())

	_, ok = s.Status("u1", models.CadenceSleep)
	assert.True(t, ok)
	assert.Equal(t, 1, rec.runs["sleep/error"])
	assert.Empty(t, rec.deregistered)
}

func TestReplacedJobIsNotRemovedByStaleFailure(t *testing.T) {
	s := newTestScheduler(t, nil)

	release := make(chan struct{})
	entered := make(chan struct{})
	require.NoError(t, s.Start("u1", models.CadenceDaily, func(context.Context, string) error {
		close(entered)
		<-release
		return errors.ErrNoToken
	}))

	done := make(chan error, 1)
	go func() { done <- s.RunNow(context.Background(), "u1", models.CadenceDaily) }()
	<-entered

	require.NoError(t, s.Start("u1", models.CadenceDaily, noop))
	close(release)
	<-done

	_, ok := s.Status("u1", models.CadenceDaily)
	assert.True(t, ok)
}

func TestEachTickGetsFreshCorrelationID(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	s := newTestScheduler(t, nil, WithLogger(logging.NewLogger(logging.WithCore(core))))

	var mu sync.Mutex
	var ids []string
	require.NoError(t, s.Start("u1", models.CadenceIntraday, func(ctx context.Context, userID string) error {
		mu.Lock()
		defer mu.Unlock()
		ids = append(ids, logging.GetCorrelationID(ctx))
		assert.Equal(t, "u1", logging.GetUserID(ctx))
		return stderrors.New("transient")
	}))

	_ = s.RunNow(context.Background(), "u1", models.CadenceIntraday)
	_ = s.RunNow(context.Background(), "u1", models.CadenceIntraday)

	require.Len(t, ids, 2)
	assert.NotEmpty(t, ids[0])
	assert.NotEqual(t, ids[0], ids[1])

	failures := logs.FilterMessage("job tick failed").All()
	require.Len(t, failures, 2)
	assert.Equal(t, ids[0], failures[0].ContextMap()["correlation_id"])
}

func TestStartAllKnownUsers(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	for _, user := range []string{"b", "a"} {
		require.NoError(t, st.PutToken(ctx, user, &models.UserToken{AccessToken: "x", ExpiresIn: 28800}))
	}

	s := newTestScheduler(t, st)
	tasks := map[models.Cadence]Task{}
	for _, c := range models.Cadences {
		tasks[c] = noop
	}

	n, err := s.StartAllKnownUsers(ctx, tasks)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	jobs := s.Jobs()
	require.Len(t, jobs, 8)
	assert.Equal(t, "a", jobs[0].UserID)
	assert.Equal(t, models.CadenceIntraday, jobs[0].Cadence)
	assert.Equal(t, "b", jobs[7].UserID)
	assert.Equal(t, models.CadenceAverage, jobs[7].Cadence)

	// Resuming again replaces rather than duplicates.
	_, err = s.StartAllKnownUsers(ctx, tasks)
	require.NoError(t, err)
	assert.Len(t, s.Jobs(), 8)
	assert.Len(t, s.cron.Entries(), 8)
}

type staticUsers []string

func (u staticUsers) ListUsers(context.Context) ([]string, error) { return u, nil }

func TestStartAllKnownUsers_SkipsFailingUser(t *testing.T) {
	s := newTestScheduler(t, staticUsers{"a", "", "b"})

	n, err := s.StartAllKnownUsers(context.Background(), map[models.Cadence]Task{models.CadenceDaily: noop})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "user id is required")
	assert.Equal(t, 2, n)

	_, ok := s.Status("a", models.CadenceDaily)
	assert.True(t, ok)
	_, ok = s.Status("b", models.CadenceDaily)
	assert.True(t, ok, "users after the failing one are still started")
	assert.Len(t, s.Jobs(), 2)
}

func TestRunNow_UnknownJob(t *testing.T) {
	s := newTestScheduler(t, nil)
	err := s.RunNow(context.Background(), "ghost", models.CadenceDaily)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestClose(t *testing.T) {
	s := New(time.UTC, nil)

	started := make(chan struct{})
	var once sync.Once
	var cancelled atomic.Bool
	require.NoError(t, s.AddMaintenance("slow", "@every 1s", func(ctx context.Context) error {
		once.Do(func() { close(started) })
		<-ctx.Done()
		cancelled.Store(true)
		return ctx.Err()
	}))

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("maintenance job never fired")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Close(ctx), context.DeadlineExceeded)
	assert.Eventually(t, cancelled.Load, time.Second, 10*time.Millisecond)

	assert.ErrorIs(t, s.Start("u1", models.CadenceDaily, noop), ErrClosed)
	assert.ErrorIs(t, s.AddMaintenance("x", "@daily", func(context.Context) error { return nil }), ErrClosed)
	assert.NoError(t, s.Close(context.Background()))
}

func TestClose_WaitsForInFlight(t *testing.T) {
	s := New(time.UTC, nil)

	started := make(chan struct{})
	var once sync.Once
	var finished atomic.Bool
	require.NoError(t, s.AddMaintenance("short", "@every 1s", func(ctx context.Context) error {
		once.Do(func() { close(started) })
		time.Sleep(100 * time.Millisecond)
		finished.Store(true)
		return nil
	}))

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("maintenance job never fired")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Close(ctx))
	assert.True(t, finished.Load())
}

type fakePurger struct {
	cutoff time.Time
	n      int64
	err    error
}

func (p *fakePurger) PurgePayloadsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	p.cutoff = cutoff
	return p.n, p.err
}

func TestRetentionJob(t *testing.T) {
	now := time.Date(2024, 6, 1, 3, 30, 0, 0, time.UTC)
	rec := newCountingRecorder()

	p := &fakePurger{n: 12}
	job := RetentionJob(p, 90*24*time.Hour, func() time.Time { return now }, rec, nil)
	require.NoError(t, job(context.Background()))
	assert.Equal(t, now.AddDate(0, 0, -90), p.cutoff)
	assert.Equal(t, int64(12), rec.purged)

	p.err = stderrors.New("db gone")
	assert.Error(t, job(context.Background()))
}
