package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/yuguri76/fitbit/internal/config"
	"github.com/yuguri76/fitbit/internal/store"
)

// checkCmd represents the check command
var checkCmd = &cobra.Command{
	Use:     "check",
	Aliases: []string{"c", "health", "status"},
	Short:   "Validate configuration and credential storage",
	Long: `Perform a health check of the fitbitsync installation.

This command checks:
- Configuration validity
- Credential store connectivity
- Stored token freshness
- Collection schedules in the configured time zone

Example:
  fitbitsync check`,
	RunE: runCheck,
}

func init() {
	RootCmd.AddCommand(checkCmd)
}

// CheckResult represents the result of a health check
type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

const (
	statusOK      = "OK"
	statusWarning = "WARNING"
	statusFail    = "FAIL"
)

func runCheck(cmd *cobra.Command, args []string) error {
	_, cfg, err := loadConfig()
	if err != nil {
		return outputCheckResults(cmd.OutOrStdout(), []CheckResult{{
			Name:    "Configuration",
			Status:  statusFail,
			Message: err.Error(),
		}})
	}

	results := []CheckResult{checkConfig(cfg)}

	st, err := store.Open(cfg.Store)
	if err != nil {
		results = append(results, CheckResult{
			Name:    "Store",
			Status:  statusFail,
			Message: fmt.Sprintf("Failed to open %s store: %v", cfg.Store.Driver, err),
		})
		return outputCheckResults(cmd.OutOrStdout(), results)
	}
	defer func() { _ = st.Close() }()

	results = append(results,
		checkStore(cmd.Context(), cfg.Store, st),
		checkTokens(cmd.Context(), st, time.Now()),
		checkSchedules(cfg.Scheduler, time.Now()),
	)
	return outputCheckResults(cmd.OutOrStdout(), results)
}

func checkConfig(cfg *config.Config) CheckResult {
	result := CheckResult{Name: "Configuration", Status: statusOK}
	result.Message = fmt.Sprintf("Configuration valid (version: %s)", cfg.Version)
	result.Details = fmt.Sprintf("Server: %s:%d, callback: %s", cfg.Server.Host, cfg.Server.HTTPPort, cfg.Fitbit.CallbackURI())
	if strings.HasPrefix(cfg.Fitbit.CallbackURI(), "http://") && !strings.Contains(cfg.Fitbit.CallbackURI(), "localhost") {
		result.Status = statusWarning
		result.Message = "Callback URI is not HTTPS; Fitbit only accepts plain HTTP for localhost"
	}
	return result
}

func checkStore(ctx context.Context, cfg config.StoreConfig, st store.CredentialStore) CheckResult {
	result := CheckResult{Name: "Store", Status: statusOK}
	if _, err := st.ListUsers(ctx); err != nil {
		result.Status = statusFail
		result.Message = fmt.Sprintf("Store query failed: %v", err)
		return result
	}
	result.Message = fmt.Sprintf("%s store reachable", cfg.Driver)
	switch cfg.Driver {
	case config.DriverMemory:
		result.Status = statusWarning
		result.Details = "tokens are lost on restart"
	case config.DriverPostgres:
		result.Details = "dsn configured"
	default:
		result.Details = "path: " + cfg.Path
	}
	return result
}

func checkTokens(ctx context.Context, st store.CredentialStore, now time.Time) CheckResult {
	result := CheckResult{Name: "Tokens", Status: statusOK}
	users, err := st.ListUsers(ctx)
	if err != nil {
		result.Status = statusFail
		result.Message = err.Error()
		return result
	}
	if len(users) == 0 {
		result.Status = statusWarning
		result.Message = "No authorized users"
		return result
	}

	stale, noRefresh := 0, 0
	for _, id := range users {
		token, ok, err := st.GetToken(ctx, id)
		if err != nil || !ok {
			continue
		}
		if token.NeedsRefresh(now) {
			stale++
		}
		if token.RefreshToken == "" {
			noRefresh++
		}
	}

	result.Message = fmt.Sprintf("%d users authorized, %d due for refresh", len(users), stale)
	if noRefresh > 0 {
		result.Status = statusWarning
		result.Details = fmt.Sprintf("%d users have no refresh token and must re-authorize when expired", noRefresh)
	}
	return result
}

func checkSchedules(cfg config.SchedulerConfig, now time.Time) CheckResult {
	result := CheckResult{Name: "Scheduler", Status: statusOK}
	if !cfg.Enabled {
		result.Status = statusWarning
		result.Message = "Scheduler disabled"
		return result
	}
	loc, err := cfg.Location()
	if err != nil {
		result.Status = statusFail
		result.Message = err.Error()
		return result
	}

	parts := make([]string, 0, len(cfg.EnabledCadences()))
	for _, c := range cfg.EnabledCadences() {
		spec, _ := c.Schedule()
		sched, err := cron.ParseStandard(spec)
		if err != nil {
			result.Status = statusFail
			result.Message = fmt.Sprintf("%s: %v", c, err)
			return result
		}
		parts = append(parts, fmt.Sprintf("%s next %s", c, sched.Next(now.In(loc)).Format("01-02 15:04")))
	}
	result.Message = fmt.Sprintf("%d cadences in %s", len(parts), loc)
	result.Details = strings.Join(parts, ", ")
	return result
}

func outputCheckResults(out io.Writer, results []CheckResult) error {
	if globalFlags.JSON {
		if err := writeJSON(out, results); err != nil {
			return err
		}
	} else if err := outputCheckResultsTable(out, results); err != nil {
		return err
	}

	for _, r := range results {
		if r.Status == statusFail {
			return fmt.Errorf("health check failed")
		}
	}
	return nil
}

func outputCheckResultsTable(out io.Writer, results []CheckResult) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CHECK\tSTATUS\tMESSAGE\tDETAILS")

	allPassed := true
	for _, r := range results {
		statusIcon := "✓"
		if r.Status == statusFail {
			statusIcon = "✗"
			allPassed = false
		} else if r.Status == statusWarning {
			statusIcon = "!"
		}

		details := r.Details
		if details == "" {
			details = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.Name, statusIcon+" "+r.Status, r.Message, details)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(out)
	if allPassed {
		fmt.Fprintln(out, "✓ All checks passed!")
	} else {
		fmt.Fprintln(out, "✗ Some checks failed. Please review the output above.")
	}
	return nil
}
