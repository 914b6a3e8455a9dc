// Package main is the autopilot command line.
//
//	autopilot serve            # HTTP API plus the in-process minute cron
//	autopilot tick schedules   # run one schedule tick and exit
//	autopilot tick files       # run one file monitor tick and exit
//	autopilot version
package main

import (
	"fmt"
	"log/slog"
	"os"
	_ "time/tzdata"

	"github.com/spf13/cobra"

	"autopilot/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "autopilot",
	Short: "Recurring schedule engine and publishing file monitor",
	Long: `autopilot fires per-channel content schedules in each channel's local time zone,
arms delayed download tasks for the generated content, and publishes finished
video files from each channel's storage directory to the configured platforms.

Configuration is read from the environment (and a .env file when present).`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, args []string) {
		b := config.NewBuildInfo()
		fmt.Fprintf(cmd.OutOrStdout(), "autopilot %s (commit %s, built %s)\n", b.Version, b.Commit, b.BuildTime)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(tickCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads configuration and the matching logger.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.LoadConfig(nil)
	if err != nil {
		return nil, nil, fmt.Errorf("loading configuration: %w", err)
	}
	return cfg, newLogger(cfg.LogLevel), nil
}

// newLogger creates a JSON slog.Logger for the given level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
