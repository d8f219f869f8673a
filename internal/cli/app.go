package cli

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/yuguri76/fitbit/internal/auth"
	"github.com/yuguri76/fitbit/internal/collector"
	"github.com/yuguri76/fitbit/internal/config"
	"github.com/yuguri76/fitbit/internal/logging"
	"github.com/yuguri76/fitbit/internal/metrics"
	"github.com/yuguri76/fitbit/internal/models"
	"github.com/yuguri76/fitbit/internal/scheduler"
	"github.com/yuguri76/fitbit/internal/store"
	"github.com/yuguri76/fitbit/internal/telegram"
)

// app holds the components shared by every command.
type app struct {
	cfg       *config.Config
	logger    *logging.Logger
	metrics   *metrics.Metrics
	store     store.CredentialStore
	flow      *auth.Flow
	client    *collector.RetryingClient
	collector *collector.Collector
	loc       *time.Location
}

func newApp(cfg *config.Config, logger *logging.Logger) (*app, error) {
	loc, err := cfg.Scheduler.Location()
	if err != nil {
		return nil, fmt.Errorf("scheduler timezone: %w", err)
	}

	m := metrics.NewMetrics("fitbit")
	st, err := store.Open(cfg.Store, store.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Store.Driver, err)
	}

	httpClient := &http.Client{Timeout: cfg.Fitbit.RequestTimeout}
	flow := auth.NewFlow(cfg.Fitbit, st,
		auth.WithHTTPClient(httpClient),
		auth.WithLogger(logger),
		auth.WithMetrics(m),
	)
	client := collector.NewRetryingClient(cfg.Retry,
		collector.WithClientLogger(logger),
		collector.WithRecorder(m),
	)

	var sink collector.Sink = collector.NewLogSink(logger)
	if s, ok := st.(collector.Sink); ok {
		sink = s
	}
	api := collector.NewAPI(cfg.Fitbit.APIBaseURL, flow, httpClient, m)
	coll := collector.New(api, client, flow, sink,
		collector.WithLogger(logger),
		collector.WithMetrics(m),
		collector.WithLocation(loc),
	)

	return &app{
		cfg:       cfg,
		logger:    logger,
		metrics:   m,
		store:     st,
		flow:      flow,
		client:    client,
		collector: coll,
		loc:       loc,
	}, nil
}

// tasks returns the collection tasks of the enabled cadences.
func (a *app) tasks() map[models.Cadence]scheduler.Task {
	all := a.collector.Tasks()
	out := make(map[models.Cadence]scheduler.Task, len(all))
	for _, c := range a.cfg.Scheduler.EnabledCadences() {
		if task, ok := all[c]; ok {
			out[c] = task
		}
	}
	return out
}

// publicAuthURL is the link handed to users; opening it mints a fresh challenge.
func (a *app) publicAuthURL(_ context.Context, userID string) (string, error) {
	return a.cfg.Fitbit.PublicBaseURL() + "/auth/" + url.PathEscape(userID), nil
}

// newBot builds the Telegram notifier, or nil when it is disabled.
func (a *app) newBot() (*telegram.Bot, error) {
	if !a.cfg.Telegram.Enabled {
		return nil, nil
	}
	client, err := telegram.NewTGBotAPIClient(a.cfg.Telegram.BotToken)
	if err != nil {
		return nil, fmt.Errorf("telegram client: %w", err)
	}
	bot := telegram.NewBot(a.cfg.Telegram.ChatID, true, &telegram.BotOptions{
		BotAPI:   client,
		Logger:   a.logger,
		Location: a.loc,
	})
	bot.SetAuthURLCallback(a.publicAuthURL)
	bot.SetUsersCallback(a.userSummaries(nil))
	return bot, nil
}

// userSummaries lists authorized users with their token age. jobs may be nil.
func (a *app) userSummaries(jobs func() []models.ScheduledJob) func(ctx context.Context) ([]telegram.UserSummary, error) {
	return func(ctx context.Context) ([]telegram.UserSummary, error) {
		users, err := a.store.ListUsers(ctx)
		if err != nil {
			return nil, err
		}

		perUser := make(map[string]int)
		if jobs != nil {
			for _, j := range jobs() {
				perUser[j.UserID]++
			}
		}

		now := time.Now()
		out := make([]telegram.UserSummary, 0, len(users))
		for _, userID := range users {
			token, ok, err := a.store.GetToken(ctx, userID)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			out = append(out, telegram.UserSummary{
				UserID:    userID,
				TokenAge:  token.Age(now),
				ExpiresAt: token.ExpiresAt(),
				Jobs:      perUser[userID],
			})
		}
		return out, nil
	}
}

func (a *app) Close() error {
	return a.store.Close()
}
