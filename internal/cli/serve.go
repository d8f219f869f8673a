package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/yuguri76/fitbit/internal/api"
	"github.com/yuguri76/fitbit/internal/config"
	"github.com/yuguri76/fitbit/internal/scheduler"
	"github.com/yuguri76/fitbit/internal/store"
	"github.com/yuguri76/fitbit/internal/telegram"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"s", "server", "run"},
	Short:   "Start the callback server and the collection scheduler",
	Long: `Start the HTTP server that receives OAuth2 callbacks, resume collection
jobs for every user with stored credentials, and run until interrupted.

Example:
  fitbitsync serve --config config.yaml`,
	RunE: runServe,
}

var serveFlags struct {
	Host        string
	Port        int
	Timeout     time.Duration
	NoScheduler bool
}

func init() {
	serveCmd.Flags().StringVar(&serveFlags.Host, "host", "", "Server host (overrides config)")
	serveCmd.Flags().IntVar(&serveFlags.Port, "port", 0, "Server port (overrides config)")
	serveCmd.Flags().DurationVar(&serveFlags.Timeout, "timeout", 0, "Shutdown timeout (overrides config)")
	serveCmd.Flags().BoolVar(&serveFlags.NoScheduler, "no-scheduler", false, "Serve authorization endpoints only")

	RootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	loader, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyServeFlags(cfg)

	logger := newLogger(cfg)
	defer func() { _ = logger.Sync() }()

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}

	bot, err := a.newBot()
	if err != nil {
		logger.Warn("telegram disabled", "error", err)
	}

	schedOpts := []scheduler.Option{
		scheduler.WithLogger(logger),
		scheduler.WithMetrics(a.metrics),
	}
	if bot != nil {
		schedOpts = append(schedOpts, scheduler.WithNotifier(bot))
	}
	sched := scheduler.New(a.loc, a.store, schedOpts...)

	tasks := a.tasks()
	if !cfg.Scheduler.Enabled || serveFlags.NoScheduler {
		tasks = nil
	}

	if tasks != nil && cfg.Scheduler.ResumeOnStartup {
		n, err := sched.StartAllKnownUsers(cmd.Context(), tasks)
		if err != nil {
			logger.Error("some collection jobs were not resumed", "error", err)
		}
		logger.Info("collection jobs resumed", "users", n, "cadences", len(tasks))
	}

	if purger, ok := a.store.(*store.SQLStore); ok && cfg.Store.PayloadRetention > 0 {
		job := scheduler.RetentionJob(purger, cfg.Store.PayloadRetention, time.Now, a.metrics, logger)
		if err := sched.AddMaintenance("payload_retention", scheduler.RetentionSchedule, job); err != nil {
			return err
		}
	}

	if bot != nil {
		bot.SetJobsCallback(sched.Jobs)
		bot.SetUsersCallback(a.userSummaries(sched.Jobs))
		if err := bot.Start(); err != nil {
			logger.Warn("telegram bot not started", "error", err)
		}
	}

	server := api.NewServer(cfg.Server, api.Deps{
		Auth:    a.flow,
		Jobs:    sched,
		Tasks:   tasks,
		Tokens:  a.store,
		Metrics: a.metrics,
		Logger:  logger,
	})
	server.OnShutdown(api.ShutdownFunc(func(ctx context.Context) error {
		stopped := sched.StopAll()
		logger.Info("collection jobs stopped", "jobs", stopped)
		return sched.Close(ctx)
	}))
	if bot != nil {
		server.OnShutdown(api.ShutdownFunc(func(context.Context) error {
			return bot.Stop()
		}))
	}

	loader.SetOnChange(func(next *config.Config) {
		logger.Warn("configuration file changed, restart to apply", "path", globalFlags.Config, "version", next.Version)
	})
	loader.StartWatcher(30*time.Second, func(err error) {
		logger.Warn("configuration reload failed", "error", err)
	})
	defer loader.StopWatcher()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Run()
	}()

	sigCh := api.SetupSignalHandler()
	select {
	case err := <-errCh:
		_ = shutdown(server, a, cfg.Server.ShutdownTimeout)
		return err
	case sig := <-sigCh:
		logger.Info("received signal", "signal", sig.String())
	}

	if err := shutdown(server, a, cfg.Server.ShutdownTimeout); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func applyServeFlags(cfg *config.Config) {
	if serveFlags.Host != "" {
		cfg.Server.Host = serveFlags.Host
	}
	if serveFlags.Port != 0 {
		cfg.Server.HTTPPort = serveFlags.Port
	}
	if serveFlags.Timeout > 0 {
		cfg.Server.ShutdownTimeout = serveFlags.Timeout
	}
}

// shutdown stops the server and its components, then closes the store.
func shutdown(server *api.Server, a *app, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := server.Shutdown(ctx)
	if cerr := a.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

var _ scheduler.Notifier = (*telegram.Bot)(nil)
