// Package commands provides the CLI commands for doclens.
package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/doclens-ai/doclens/internal/api"
	"github.com/doclens-ai/doclens/internal/config"
	"github.com/doclens-ai/doclens/internal/logging"
)

var (
	// Version information set at build time
	Version   = "0.1.0"
	BuildTime = "dev"
)

// Global flags
var (
	printLogs bool
	logLevel  string
	baseURL   string
)

var rootCmd = &cobra.Command{
	Use:   "doclens",
	Short: "doclens - document intelligence console client",
	Long: `doclens is a terminal client for a document intelligence console.
It streams analysis turns, manages conversation threads, and follows the
console's change notifications.

Run 'doclens chat' to start an interactive session, 'doclens threads' to
manage threads, or 'doclens watch' to follow change notifications.`,
	Version: Version,
	// If no subcommand, show help
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	// Global flags available to all commands
	rootCmd.PersistentFlags().BoolVar(&printLogs, "print-logs", false, "Print logs to stderr")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (DEBUG|INFO|WARN|ERROR), overrides configuration")
	rootCmd.PersistentFlags().StringVar(&baseURL, "base-url", "", "Console endpoint, overrides configuration")

	// Version template
	rootCmd.SetVersionTemplate(fmt.Sprintf("doclens %s (%s)\n", Version, BuildTime))

	// Add subcommands
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(threadsCmd)
	rootCmd.AddCommand(watchCmd)
}

// Execute runs the root command.
func Execute() error {
	// A .env next to the invocation can supply DOCLENS_* variables; it has
	// to load before any config assembly reads the environment.
	_ = godotenv.Load()
	return rootCmd.Execute()
}

// loadConfig assembles configuration and applies the global flag overrides.
func loadConfig(directory string) (*config.Config, error) {
	workDir, err := GetWorkDir(directory)
	if err != nil {
		return nil, err
	}

	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return nil, err
	}

	cfg, err := config.Load(workDir)
	if err != nil {
		return nil, err
	}

	if baseURL != "" {
		cfg.BaseURL = baseURL
		cfg.Normalize()
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return cfg, nil
}

// setupLogging configures the global logger. Without --print-logs the CLI
// keeps its output clean and drops log lines entirely.
func setupLogging(cfg *config.Config) {
	logCfg := logging.DefaultConfig()
	logCfg.Level = logging.ParseLevel(cfg.Log.Level)
	logCfg.Pretty = cfg.Log.Pretty
	if !printLogs {
		logCfg.Output = io.Discard
	}
	logging.Init(logCfg)
}

// newAPIClient builds the console client from resolved configuration.
func newAPIClient(cfg *config.Config) *api.Client {
	return api.New(api.Options{
		BaseURL: cfg.BaseURL,
		Timeout: cfg.Timeout.Std(),
	})
}

// GetWorkDir returns the working directory from flag or current directory.
func GetWorkDir(dir string) (string, error) {
	if dir != "" {
		return dir, nil
	}
	return os.Getwd()
}
