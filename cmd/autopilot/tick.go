package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"autopilot/internal/app"
	"autopilot/internal/scheduler"
)

var (
	tickAt   string
	tickWait time.Duration
)

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run a single tick and exit",
	Long: `Run one schedule or file monitor tick, print its report as JSON and exit.

Delayed download tasks armed by a schedule tick live in this process only.
Use --wait to keep the process alive until they have run.`,
}

var tickSchedulesCmd = &cobra.Command{
	Use:   "schedules",
	Short: "Evaluate every auto-send schedule once",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		payload := scheduler.TickPayload{Tick: scheduler.TickSchedules}
		if tickAt != "" {
			at, err := time.Parse(time.RFC3339, tickAt)
			if err != nil {
				return fmt.Errorf("--at must be RFC 3339: %w", err)
			}
			payload.ReferenceTime = &at
		}
		return runTick(cmd, payload, tickWait)
	},
}

var tickFilesCmd = &cobra.Command{
	Use:   "files",
	Short: "Scan every publish-enabled channel directory once",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTick(cmd, scheduler.TickPayload{Tick: scheduler.TickFiles}, 0)
	},
}

func init() {
	tickSchedulesCmd.Flags().StringVar(&tickAt, "at", "", "replay the tick at this RFC 3339 instant")
	tickSchedulesCmd.Flags().DurationVar(&tickWait, "wait", 0, "wait up to this long for armed download tasks to run")
	tickCmd.AddCommand(tickSchedulesCmd)
	tickCmd.AddCommand(tickFilesCmd)
}

func runTick(cmd *cobra.Command, payload scheduler.TickPayload, wait time.Duration) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}

	res, runErr := a.TickRunner().RunTick(ctx, payload)

	if wait > 0 && res.Schedules != nil && res.Schedules.TasksScheduled > 0 {
		logger.InfoContext(ctx, "waiting for delayed tasks", "tasks", res.Schedules.TasksScheduled, "max_wait", wait.String())
		waitCtx, cancel := context.WithTimeout(ctx, wait)
		if err := a.Tasks.Wait(waitCtx); err != nil {
			logger.WarnContext(ctx, "delayed tasks still pending at exit", "error", err)
		}
		cancel()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := a.Close(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	if runErr != nil {
		return runErr
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
