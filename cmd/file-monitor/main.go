// Package main is the entrypoint for the file monitor Lambda function.
//
// An EventBridge rule invokes it every minute with an empty payload or
// {"tick":"file_tick"}. Schedule ticks are refused: they arm in-process
// download timers that a frozen Lambda environment would never fire, so
// they belong to `autopilot serve`. With the postgres store, the job_locks
// table keeps concurrent invocations from running the same tick slot twice.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"
	_ "time/tzdata"

	"github.com/aws/aws-lambda-go/lambda"

	"autopilot/internal/app"
	"autopilot/internal/config"
	"autopilot/internal/scheduler"
	"autopilot/internal/types"
)

// TickRunner runs one tick. *app.TickRunner satisfies it.
type TickRunner interface {
	RunTick(ctx context.Context, payload scheduler.TickPayload) (app.TickResult, error)
}

// Handler holds the dependencies of the Lambda handler.
type Handler struct {
	Runner TickRunner
	Logger *slog.Logger
}

// Handle runs the file monitor tick. Any other tick type is rejected.
func (h *Handler) Handle(ctx context.Context, payload scheduler.TickPayload) (app.TickResult, error) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if payload.Tick == "" {
		payload.Tick = scheduler.TickFiles
	}
	if payload.Tick != scheduler.TickFiles {
		logger.ErrorContext(ctx, "tick type not served by this function", "tick", payload.Tick)
		return app.TickResult{Tick: payload.Tick}, types.NewAppError(types.ErrCodeValidationInvalidField,
			fmt.Sprintf("tick %q is not served by the file monitor function; run it from autopilot serve", payload.Tick), nil)
	}

	logger.InfoContext(ctx, "file monitor handler invoked", "tick", payload.Tick)
	res, err := h.Runner.RunTick(ctx, payload)
	if err != nil {
		logger.ErrorContext(ctx, "tick failed", "tick", payload.Tick, "error", err)
		return res, err
	}
	logger.InfoContext(ctx, "tick complete", "tick", payload.Tick, "skipped", res.Skipped)
	return res, nil
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	logger.Info("file monitor Lambda initializing (cold start)")

	cfg, err := config.LoadConfig(nil)
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	a, err := app.New(ctx, cfg, logger)
	cancel()
	if err != nil {
		logger.Error("failed to wire engine", "error", err)
		os.Exit(1)
	}

	handler := &Handler{Runner: a.TickRunner(), Logger: logger}
	logger.Info("file monitor Lambda initialized", "worker_id", a.WorkerID, "store", cfg.Store.Backend)

	lambda.Start(handler.Handle)
}
