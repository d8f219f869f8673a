package cli

import (
	"fmt"
	"os"
	"sync"

	"github.com/spf13/cobra"
)

var initOnce sync.Once

// Execute runs the root command with the given arguments.
func Execute(args []string) error {
	RootCmd.SetArgs(args)
	if err := RootCmd.Execute(); err != nil {
		return fmt.Errorf("command execution failed: %w", err)
	}
	return nil
}

// ExecuteWithErrorCode runs the root command and maps failure to exit code 1.
// Cobra already prints the error; --verbose repeats it with the wrapped cause.
func ExecuteWithErrorCode(args []string) int {
	if err := Execute(args); err != nil {
		if globalFlags.Verbose {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		return 1
	}
	return 0
}

// GetRootCommand returns the root command
func GetRootCommand() *cobra.Command {
	return RootCmd
}

// RegisterCommand adds a subcommand to fitbitsync.
func RegisterCommand(cmd *cobra.Command) {
	RootCmd.AddCommand(cmd)
}

// InitCLI sets up the global flags once. Subcommands register themselves in init.
func InitCLI() {
	initOnce.Do(InitRoot)
}
