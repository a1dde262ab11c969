// Package commands implements the sandclaw CLI using cobra.
package commands

import (
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/jholhewres/sandclaw/pkg/sandclaw/config"
)

// NewRootCmd creates the root command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sandclaw",
		Short: "sandclaw - sandboxed agent dispatch daemon",
		Long: `sandclaw dispatches sandboxed agent workloads triggered by chat
messages, scheduled tasks, and email events, brokering all tool-call
side effects through a filesystem bridge.

Examples:
  sandclaw serve
  sandclaw task list
  sandclaw task add --group home --schedule-type cron --schedule-value "0 9 * * *" --prompt "morning briefing"`,
		Version: version,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newTaskCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "sandclaw.yaml", "path to the config file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}

// loadConfig reads the config file named by the --config flag,
// loading a .env file first for secrets.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	// A missing .env is fine.
	_ = godotenv.Load()

	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}

	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		cfg.Logging.Level = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// setupLogger builds the process logger from config and installs it
// as the slog default.
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
