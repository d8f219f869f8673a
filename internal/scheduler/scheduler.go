// Package scheduler runs the recurring collection jobs of every authorized user.
package scheduler

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/yuguri76/fitbit/internal/errors"
	"github.com/yuguri76/fitbit/internal/logging"
	"github.com/yuguri76/fitbit/internal/models"
)

var (
	// ErrClosed is returned when starting jobs on a closed scheduler.
	ErrClosed = stderrors.New("scheduler closed")
	// ErrJobNotFound is returned by RunNow for an unregistered pair.
	ErrJobNotFound = stderrors.New("job not found")
)

// Task is one collection run for a user.
type Task = func(ctx context.Context, userID string) error

// Notifier is told when a job is stopped because the user must re-authorize.
type Notifier interface {
	NotifyReauthRequired(ctx context.Context, userID string, cadence models.Cadence, cause error) error
}

// Recorder receives scheduler metrics.
type Recorder interface {
	RecordJobRun(cadence, outcome string, durationSeconds float64)
	RecordJobDeregistered(cadence string)
	SetActiveJobs(n int)
}

// UserLister lists users that have stored credentials.
type UserLister interface {
	ListUsers(ctx context.Context) ([]string, error)
}

type nopRecorder struct{}

func (nopRecorder) RecordJobRun(string, string, float64) {}
func (nopRecorder) RecordJobDeregistered(string)         {}
func (nopRecorder) SetActiveJobs(int)                    {}

type jobKey struct {
	userID  string
	cadence models.Cadence
}

type job struct {
	key     jobKey
	entryID cron.EntryID
	task    Task
	info    models.ScheduledJob
}

// Scheduler keeps at most one job per (user, cadence) pair on a shared cron runner.
type Scheduler struct {
	mu     sync.Mutex
	cron   *cron.Cron
	jobs   map[jobKey]*job
	closed bool

	users    UserLister
	logger   *logging.Logger
	metrics  Recorder
	notifier Notifier
	clock    func() time.Time
	loc      *time.Location

	baseCtx context.Context
	cancel  context.CancelFunc
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Scheduler) {
		s.logger = l
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(r Recorder) Option {
	return func(s *Scheduler) {
		s.metrics = r
	}
}

// WithNotifier sets the re-authorization notifier.
func WithNotifier(n Notifier) Option {
	return func(s *Scheduler) {
		s.notifier = n
	}
}

// WithClock overrides time.Now for job bookkeeping.
func WithClock(clock func() time.Time) Option {
	return func(s *Scheduler) {
		s.clock = clock
	}
}

// New creates a running scheduler evaluating cron expressions in loc.
func New(loc *time.Location, users UserLister, opts ...Option) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	s := &Scheduler{
		jobs:    make(map[jobKey]*job),
		users:   users,
		logger:  logging.NewNop(),
		metrics: nopRecorder{},
		clock:   time.Now,
		loc:     loc,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.baseCtx, s.cancel = context.WithCancel(context.Background())
	s.cron = cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(cronLogger{s.logger}),
	)
	s.cron.Start()
	return s
}

// Location returns the time zone schedules are evaluated in.
func (s *Scheduler) Location() *time.Location {
	return s.loc
}

// Start registers task for the pair, replacing any existing job for it.
func (s *Scheduler) Start(userID string, cadence models.Cadence, task Task) error {
	if userID == "" {
		return fmt.Errorf("user id is required")
	}
	if task == nil {
		return fmt.Errorf("task is required")
	}
	spec, err := cadence.Schedule()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	key := jobKey{userID: userID, cadence: cadence}
	if old, ok := s.jobs[key]; ok {
		s.cron.Remove(old.entryID)
		delete(s.jobs, key)
	}

	j := &job{
		key:  key,
		task: task,
		info: models.ScheduledJob{
			UserID:    userID,
			Cadence:   cadence,
			Status:    models.JobRunning,
			StartedAt: s.clock(),
		},
	}
	id, err := s.cron.AddFunc(spec, func() { s.tick(j) })
	if err != nil {
		return fmt.Errorf("schedule %s for %s: %w", cadence, userID, err)
	}
	j.entryID = id
	s.jobs[key] = j
	s.metrics.SetActiveJobs(len(s.jobs))

	s.logger.Info("job started", "user_id", userID, "cadence", string(cadence), "schedule", spec)
	s.logger.Audit(logging.NewAuditEvent(logging.JobStarted, "start_job", logging.StatusSuccess).
		WithUserID(userID).
		WithResource(string(cadence)))
	return nil
}

// StartUser registers every cadence in tasks for one user.
func (s *Scheduler) StartUser(userID string, tasks map[models.Cadence]Task) error {
	for _, cadence := range models.Cadences {
		task, ok := tasks[cadence]
		if !ok {
			continue
		}
		if err := s.Start(userID, cadence, task); err != nil {
			return err
		}
	}
	return nil
}

// StartAllKnownUsers registers tasks for every user with stored credentials.
// A user that cannot be started is logged and skipped; the count covers the
// users that were started and the error joins the skipped ones.
func (s *Scheduler) StartAllKnownUsers(ctx context.Context, tasks map[models.Cadence]Task) (int, error) {
	if s.users == nil {
		return 0, nil
	}
	users, err := s.users.ListUsers(ctx)
	if err != nil {
		return 0, fmt.Errorf("list users: %w", err)
	}

	started := 0
	var failed []error
	for _, userID := range users {
		if err := s.StartUser(userID, tasks); err != nil {
			s.logger.ErrorWithContext(ctx, "failed to resume jobs for user", "user_id", userID, "error", err)
			failed = append(failed, fmt.Errorf("user %q: %w", userID, err))
			continue
		}
		started++
	}
	s.logger.InfoWithContext(ctx, "jobs resumed for known users", "users", started, "failed", len(failed))
	return started, stderrors.Join(failed...)
}

// Stop cancels future firings of one pair. In-flight ticks run to completion.
func (s *Scheduler) Stop(userID string, cadence models.Cadence) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(jobKey{userID: userID, cadence: cadence}, nil)
}

// StopUser cancels every job of a user and returns how many were stopped.
func (s *Scheduler) StopUser(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for key := range s.jobs {
		if key.userID == userID && s.removeLocked(key, nil) {
			n++
		}
	}
	return n
}

// StopAll cancels every job and returns how many were stopped.
func (s *Scheduler) StopAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for key := range s.jobs {
		if s.removeLocked(key, nil) {
			n++
		}
	}
	return n
}

// removeLocked drops the job for key. When only is set the job is removed
// only if it is still the registered one.
func (s *Scheduler) removeLocked(key jobKey, only *job) bool {
	j, ok := s.jobs[key]
	if !ok || (only != nil && j != only) {
		return false
	}
	s.cron.Remove(j.entryID)
	delete(s.jobs, key)
	s.metrics.SetActiveJobs(len(s.jobs))
	return true
}

// Status returns the registered job for a pair.
func (s *Scheduler) Status(userID string, cadence models.Cadence) (models.ScheduledJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobKey{userID: userID, cadence: cadence}]
	if !ok {
		return models.ScheduledJob{}, false
	}
	return s.snapshotLocked(j), true
}

// Jobs returns every registered job ordered by user and cadence.
func (s *Scheduler) Jobs() []models.ScheduledJob {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.ScheduledJob, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, s.snapshotLocked(j))
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].UserID != out[b].UserID {
			return out[a].UserID < out[b].UserID
		}
		return cadenceIndex(out[a].Cadence) < cadenceIndex(out[b].Cadence)
	})
	return out
}

func cadenceIndex(c models.Cadence) int {
	for i, known := range models.Cadences {
		if known == c {
			return i
		}
	}
	return len(models.Cadences)
}

func (s *Scheduler) snapshotLocked(j *job) models.ScheduledJob {
	info := j.info
	if entry := s.cron.Entry(j.entryID); entry.Valid() {
		info.NextRun = entry.Next
	}
	return info
}

// RunNow runs the registered task of a pair once, synchronously, with the
// same error policy as a scheduled tick.
func (s *Scheduler) RunNow(ctx context.Context, userID string, cadence models.Cadence) error {
	s.mu.Lock()
	j, ok := s.jobs[jobKey{userID: userID, cadence: cadence}]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrJobNotFound, userID, cadence)
	}
	return s.run(ctx, j)
}

func (s *Scheduler) tick(j *job) {
	_ = s.run(s.baseCtx, j)
}

func (s *Scheduler) run(parent context.Context, j *job) error {
	ctx := logging.WithUserID(parent, j.key.userID)
	ctx = logging.WithCorrelationID(ctx, logging.GenerateCorrelationID())

	start := s.clock()
	err := s.invoke(ctx, j)
	elapsed := s.clock().Sub(start)

	outcome := "success"
	switch {
	case err == nil:
	case errors.IsAuthFailure(err):
		outcome = "auth_failure"
	default:
		outcome = "error"
	}
	s.metrics.RecordJobRun(string(j.key.cadence), outcome, elapsed.Seconds())

	s.mu.Lock()
	j.info.LastRun = start
	j.info.LastError = ""
	if err != nil {
		j.info.LastError = err.Error()
	}
	s.mu.Unlock()

	switch outcome {
	case "success":
		s.logger.DebugWithContext(ctx, "job tick finished",
			"user_id", j.key.userID, "cadence", string(j.key.cadence), "duration", elapsed.String())
	case "auth_failure":
		s.deregister(ctx, j, err)
	default:
		s.logger.ErrorWithContext(ctx, "job tick failed",
			"user_id", j.key.userID, "cadence", string(j.key.cadence), "error", err)
	}
	return err
}

// invoke runs the task and turns a panic into an ordinary error.
func (s *Scheduler) invoke(ctx context.Context, j *job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return j.task(ctx, j.key.userID)
}

// deregister stops only the failing pair; other cadences of the user keep running.
func (s *Scheduler) deregister(ctx context.Context, j *job, cause error) {
	s.mu.Lock()
	removed := s.removeLocked(j.key, j)
	if removed {
		j.info.Status = models.JobStopped
	}
	s.mu.Unlock()
	if !removed {
		return
	}

	userID, cadence := j.key.userID, j.key.cadence
	s.metrics.RecordJobDeregistered(string(cadence))
	s.logger.WarnWithContext(ctx, "job stopped, re-authorization required",
		"user_id", userID, "cadence", string(cadence), "error", cause)
	s.logger.Audit(logging.NewAuditEvent(logging.JobDeregistered, "stop_job", logging.StatusFailure).
		WithUserID(userID).
		WithResource(string(cadence)).
		WithSeverity(logging.SeverityWarning).
		WithError(cause))

	if s.notifier != nil {
		if err := s.notifier.NotifyReauthRequired(ctx, userID, cadence, cause); err != nil {
			s.logger.WarnWithContext(ctx, "re-authorization notification failed", "user_id", userID, "error", err)
		}
	}
}

// Close stops the cron runner and waits for in-flight ticks until ctx is done,
// after which their contexts are cancelled.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		return ctx.Err()
	}
}

// cronLogger routes cron runner logs through the application logger.
type cronLogger struct {
	l *logging.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
