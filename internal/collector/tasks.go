package collector

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/yuguri76/fitbit/internal/errors"
	"github.com/yuguri76/fitbit/internal/logging"
	"github.com/yuguri76/fitbit/internal/models"
)

const dateLayout = "2006-01-02"

// Resource is one Fitbit endpoint read by a cadence.
type Resource struct {
	Name  string
	Scope string
	Path  func(day time.Time) string
}

func onDay(format string) func(time.Time) string {
	return func(day time.Time) string {
		return fmt.Sprintf(format, day.Format(dateLayout))
	}
}

func fixed(path string) func(time.Time) string {
	return func(time.Time) string { return path }
}

var cadenceResources = map[models.Cadence][]Resource{
	models.CadenceIntraday: {
		{Name: "devices", Scope: "settings", Path: fixed("/1/user/-/devices.json")},
		{Name: "steps_intraday", Scope: "activity", Path: onDay("/1/user/-/activities/steps/date/%s/1d/15min.json")},
		{Name: "heart_intraday", Scope: "heartrate", Path: onDay("/1/user/-/activities/heart/date/%s/1d/1min.json")},
	},
	models.CadenceDaily: {
		{Name: "profile", Scope: "profile", Path: fixed("/1/user/-/profile.json")},
		{Name: "activity_summary", Scope: "activity", Path: onDay("/1/user/-/activities/date/%s.json")},
		{Name: "heart_summary", Scope: "heartrate", Path: onDay("/1/user/-/activities/heart/date/%s/1d.json")},
		{Name: "hrv", Scope: "heartrate", Path: onDay("/1/user/-/hrv/date/%s.json")},
		{Name: "spo2", Scope: "oxygen_saturation", Path: onDay("/1/user/-/spo2/date/%s.json")},
		{Name: "breathing_rate", Scope: "respiratory_rate", Path: onDay("/1/user/-/br/date/%s.json")},
		{Name: "skin_temperature", Scope: "temperature", Path: onDay("/1/user/-/temp/skin/date/%s.json")},
		{Name: "weight", Scope: "weight", Path: onDay("/1/user/-/body/log/weight/date/%s.json")},
		{Name: "nutrition", Scope: "nutrition", Path: onDay("/1/user/-/foods/log/date/%s.json")},
	},
	models.CadenceSleep: {
		{Name: "sleep", Scope: "sleep", Path: onDay("/1.2/user/-/sleep/date/%s.json")},
	},
	models.CadenceAverage: {
		{Name: "steps_7d", Scope: "activity", Path: onDay("/1/user/-/activities/steps/date/%s/7d.json")},
		{Name: "heart_7d", Scope: "heartrate", Path: onDay("/1/user/-/activities/heart/date/%s/7d.json")},
		{Name: "sleep_7d", Scope: "sleep", Path: func(day time.Time) string {
			return fmt.Sprintf("/1.2/user/-/sleep/date/%s/%s.json",
				day.AddDate(0, 0, -6).Format(dateLayout), day.Format(dateLayout))
		}},
	},
}

// Resources returns the endpoints read by a cadence.
func Resources(c models.Cadence) []Resource {
	return cadenceResources[c]
}

// reportDay picks the calendar day a cadence reads. Daily and average runs
// cover the last complete day.
func reportDay(c models.Cadence, now time.Time) time.Time {
	switch c {
	case models.CadenceDaily, models.CadenceAverage:
		return now.AddDate(0, 0, -1)
	}
	return now
}

// Getter reads one API path for a user.
type Getter interface {
	Get(ctx context.Context, userID, path string) (json.RawMessage, error)
}

// Authorizer checks and revokes user grants after a forbidden response.
type Authorizer interface {
	ValidateScope(ctx context.Context, userID, required string) (bool, error)
	Invalidate(ctx context.Context, userID string) error
}

// Collector runs the per-cadence collection tasks.
type Collector struct {
	api     Getter
	client  *RetryingClient
	auth    Authorizer
	sink    Sink
	logger  *logging.Logger
	metrics Recorder
	clock   func() time.Time
	loc     *time.Location
}

// Option configures a Collector.
type Option func(*Collector)

// WithLogger sets the collector logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Collector) {
		c.logger = l
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(r Recorder) Option {
	return func(c *Collector) {
		c.metrics = r
	}
}

// WithClock overrides time.Now.
func WithClock(clock func() time.Time) Option {
	return func(c *Collector) {
		c.clock = clock
	}
}

// WithLocation sets the time zone used to pick report dates.
func WithLocation(loc *time.Location) Option {
	return func(c *Collector) {
		if loc != nil {
			c.loc = loc
		}
	}
}

// New creates a Collector.
func New(api Getter, client *RetryingClient, auth Authorizer, sink Sink, opts ...Option) *Collector {
	c := &Collector{
		api:     api,
		client:  client,
		auth:    auth,
		sink:    sink,
		logger:  logging.NewNop(),
		metrics: nopRecorder{},
		clock:   time.Now,
		loc:     time.UTC,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Tasks returns one task per cadence, ready to hand to the scheduler.
func (c *Collector) Tasks() map[models.Cadence]func(ctx context.Context, userID string) error {
	tasks := make(map[models.Cadence]func(context.Context, string) error, len(models.Cadences))
	for _, cadence := range models.Cadences {
		cadence := cadence
		tasks[cadence] = func(ctx context.Context, userID string) error {
			return c.Run(ctx, cadence, userID)
		}
	}
	return tasks
}

// Run reads every resource of the cadence for userID. Authentication
// failures abort the run; other failures are collected and returned together.
func (c *Collector) Run(ctx context.Context, cadence models.Cadence, userID string) error {
	resources := Resources(cadence)
	if resources == nil {
		return fmt.Errorf("unknown cadence %q", string(cadence))
	}

	now := c.clock()
	day := reportDay(cadence, now.In(c.loc))

	var errs []error
	for _, r := range resources {
		path := r.Path(day)
		body, res, err := SoftCall(ctx, c.client, userID, json.RawMessage(nil), func(ctx context.Context) (json.RawMessage, error) {
			return c.api.Get(ctx, userID, path)
		})
		if err != nil {
			if errors.IsAuthFailure(err) {
				return err
			}
			c.logger.WarnWithContext(ctx, "resource fetch failed",
				"user_id", userID, "cadence", string(cadence), "resource", r.Name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", r.Name, err))
			continue
		}
		if res.ReauthRequired {
			if err := c.checkGrant(ctx, userID, r); err != nil {
				return err
			}
			continue
		}
		if res.Defaulted {
			c.logger.DebugWithContext(ctx, "resource not found", "user_id", userID, "resource", r.Name)
			continue
		}

		p := &models.Payload{
			UserID:      userID,
			Cadence:     cadence,
			Resource:    r.Name,
			Body:        body,
			CollectedAt: now,
		}
		if err := c.sink.SavePayload(ctx, p); err != nil {
			errs = append(errs, fmt.Errorf("save %s: %w", r.Name, err))
			continue
		}
		c.metrics.RecordPayload(string(cadence), r.Name)
	}
	return stderrors.Join(errs...)
}

// checkGrant handles a 403. A missing or inactive grant invalidates the
// token and ends collection for the user; a granted scope only skips the resource.
func (c *Collector) checkGrant(ctx context.Context, userID string, r Resource) error {
	ok, err := c.auth.ValidateScope(ctx, userID, r.Scope)
	if err != nil {
		if errors.IsAuthFailure(err) {
			return err
		}
		c.logger.WarnWithContext(ctx, "scope check failed", "user_id", userID, "resource", r.Name, "error", err)
		return nil
	}
	if ok {
		c.logger.InfoWithContext(ctx, "resource forbidden with scope granted, skipping",
			"user_id", userID, "resource", r.Name, "scope", r.Scope)
		return nil
	}

	if err := c.auth.Invalidate(ctx, userID); err != nil {
		c.logger.WarnWithContext(ctx, "invalidate token failed", "user_id", userID, "error", err)
	}
	return &errors.ErrReauthRequired{
		UserID: userID,
		Err:    fmt.Errorf("%s scope not granted", r.Scope),
	}
}
