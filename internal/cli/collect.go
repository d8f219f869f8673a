package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yuguri76/fitbit/internal/logging"
	"github.com/yuguri76/fitbit/internal/models"
)

var collectCmd = &cobra.Command{
	Use:   "collect <user_id> [cadence...]",
	Short: "Run one collection for a user immediately",
	Long: `Fetch the resources of the given cadences once, outside the scheduler.
Without cadences every enabled cadence runs.

Example:
  fitbitsync collect alice daily sleep`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCollect,
}

func init() {
	RootCmd.AddCommand(collectCmd)
}

func runCollect(cmd *cobra.Command, args []string) error {
	userID := args[0]
	cadences, err := parseCadences(args[1:])
	if err != nil {
		return err
	}

	return withApp(func(a *app) error {
		if len(cadences) == 0 {
			cadences = a.cfg.Scheduler.EnabledCadences()
		}

		ctx := logging.WithUserID(cmd.Context(), userID)
		failed := 0
		for _, c := range cadences {
			runCtx := logging.WithCorrelationID(ctx, logging.GenerateCorrelationID())
			if err := a.collector.Run(runCtx, c, userID); err != nil {
				failed++
				fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", c, err)
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", c)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d collections failed", failed, len(cadences))
		}
		return nil
	})
}

func parseCadences(names []string) ([]models.Cadence, error) {
	out := make([]models.Cadence, 0, len(names))
	for _, name := range names {
		c, err := models.ParseCadence(name)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}
