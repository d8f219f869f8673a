package cli

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/yuguri76/fitbit/internal/config"
	"github.com/yuguri76/fitbit/internal/logging"
)

// Version is set at build time with -ldflags "-X .../internal/cli.Version=...".
var (
	Version   = "0.1.0"
	BuildDate = "unknown"
)

// GlobalFlags contains global flags available for all commands
type GlobalFlags struct {
	Config  string
	EnvFile string
	DBPath  string
	Verbose bool
	JSON    bool
}

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:   "fitbitsync",
	Short: "fitbitsync - Fitbit OAuth2 credential manager and collection scheduler",
	Long: `fitbitsync authorizes Fitbit users with OAuth2 PKCE, keeps their tokens
fresh, and collects their data on fixed schedules.

Usage:
  fitbitsync [command] [flags]

Available Commands:
  serve      Start the callback server and the collection scheduler
  auth-url   Print an authorization link for a user
  users      List or revoke authorized users
  collect    Run one collection for a user immediately
  check      Validate configuration and credential storage

Use "fitbitsync [command] --help" for more information about a command.`,
	SilenceUsage: true,
}

// InitRoot initializes the root command with global flags
func InitRoot() {
	configPath := os.Getenv(config.EnvConfigPath)
	if configPath == "" {
		configPath = "config.yaml"
	}

	RootCmd.PersistentFlags().StringVar(&globalFlags.Config, "config", configPath, "Path to configuration file")
	RootCmd.PersistentFlags().StringVar(&globalFlags.EnvFile, "env-file", ".env", "Path to dotenv file loaded before the configuration")
	RootCmd.PersistentFlags().StringVar(&globalFlags.DBPath, "db", "", "Store path (overrides store.path)")
	RootCmd.PersistentFlags().BoolVarP(&globalFlags.Verbose, "verbose", "v", false, "Enable debug logging")
	RootCmd.PersistentFlags().BoolVar(&globalFlags.JSON, "json", false, "Output in JSON format")

	RootCmd.AddCommand(versionCmd)
}

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of fitbitsync",
	Run: func(cmd *cobra.Command, args []string) {
		info := GetVersionInfo()
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "fitbitsync Version:", info.Version)
		fmt.Fprintln(out, "Go Version:", info.GoVersion)
		fmt.Fprintln(out, "OS/Arch:", info.OS+"/"+info.Arch)
		fmt.Fprintln(out, "Build Date:", info.BuildDate)
	},
}

var globalFlags GlobalFlags

// GetGlobalFlags returns the global flags
func GetGlobalFlags() GlobalFlags {
	return globalFlags
}

// VersionInfo contains version information
type VersionInfo struct {
	Version   string
	GoVersion string
	OS        string
	Arch      string
	BuildDate string
}

// GetVersionInfo returns version information
func GetVersionInfo() VersionInfo {
	return VersionInfo{
		Version:   Version,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		BuildDate: BuildDate,
	}
}

// loadConfig reads the configuration file after the dotenv file and applies
// command line overrides.
func loadConfig() (*config.Loader, *config.Config, error) {
	loader := config.NewLoader(globalFlags.Config).WithEnvFile(globalFlags.EnvFile)
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if globalFlags.DBPath != "" {
		cfg.Store.Path = globalFlags.DBPath
	}
	return loader, cfg, nil
}

func newLogger(cfg *config.Config) *logging.Logger {
	level := logging.ParseLevel(cfg.Server.LogLevel)
	if globalFlags.Verbose {
		level = logging.LevelDebug
	}
	return logging.NewLogger(logging.WithLevel(level), logging.WithOutput(os.Stderr))
}
