package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/jianyq/pr-telemetry/internal/config"
	"github.com/jianyq/pr-telemetry/internal/log"
)

var rootCmd = &cobra.Command{
	Use:   "pr-telemetry",
	Short: "Trace collection service for developer activity sessions",
	Long: `pr-telemetry collects developer activity traces uploaded in chunks,
verifies them with an HMAC hash chain, assembles them into canonical trace
documents, and runs QA (sandbox validation plus an LLM rubric judge) on the
result.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// newLogger builds the process logger from config.
func newLogger(cfg *config.Config) log.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	return log.New(log.Config{Level: level, JSON: cfg.LogJSON})
}
