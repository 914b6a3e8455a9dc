package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"autopilot/internal/api/handlers"
	"autopilot/internal/app"
	"autopilot/internal/config"
	"autopilot/internal/core"
	"autopilot/internal/scheduler"
)

var serveNoCron bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API and run both ticks every minute",
	Long: `Serve the HTTP API (health, cron triggers, task admin) and run the schedule
and file monitor ticks on CRON_SPEC. A tick that is still running when its next
slot arrives is skipped.

Use --no-cron when an external scheduler calls the /api/cron routes instead.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg, logger)
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveNoCron, "no-cron", false, "do not run the in-process tick cron")
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("autopilot starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	runner := a.TickRunner()

	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		_ = a.Close(ctx)
		return fmt.Errorf("creating server: %w", err)
	}
	srv.HealthProbes = a.HealthProbes()

	cronHandler := handlers.NewCronHandler(runner, logger)
	taskHandler := handlers.NewTaskHandler(a.Tasks, srv.Validator, logger)
	srv.CronRegistrars = append(srv.CronRegistrars, cronHandler.RegisterRoutes)
	srv.APIRegistrars = append(srv.APIRegistrars, taskHandler.RegisterRoutes)
	srv.MountRoutes()

	var c *cron.Cron
	if !serveNoCron {
		c, err = startCron(ctx, cfg.Scheduler.CronSpec, runner, logger)
		if err != nil {
			_ = a.Close(ctx)
			return err
		}
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Tick triggers answer after the tick finishes.
		WriteTimeout: max(cfg.Scheduler.TickTimeout, cfg.Monitor.TickTimeout) + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(shutdown)

	var runErr error
	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			runErr = fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer stop()

	if c != nil {
		// Stop scheduling; running ticks see ctx cancelled below if they
		// outlive the shutdown budget.
		select {
		case <-c.Stop().Done():
		case <-shutdownCtx.Done():
			logger.Warn("running ticks did not finish before shutdown deadline")
		}
	}
	cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	if err := a.Close(shutdownCtx); err != nil {
		logger.Error("engine shutdown error", "error", err)
	}

	if runErr == nil {
		logger.Info("server stopped cleanly")
	}
	return runErr
}

// startCron registers both ticks on spec. SkipIfStillRunning keeps a slow
// tick from overlapping its successor.
func startCron(ctx context.Context, spec string, runner *app.TickRunner, logger *slog.Logger) (*cron.Cron, error) {
	cl := cronLogger{logger: logger}
	c := cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl)))

	for _, tick := range []scheduler.TickType{scheduler.TickSchedules, scheduler.TickFiles} {
		tick := tick
		job := cron.NewChain(cron.SkipIfStillRunning(cl)).Then(cron.FuncJob(func() {
			res, err := runner.RunTick(ctx, scheduler.TickPayload{Tick: tick})
			if err != nil {
				logger.ErrorContext(ctx, "scheduled tick failed", "tick", tick, "error", err)
				return
			}
			if res.Skipped != "" {
				logger.DebugContext(ctx, "scheduled tick skipped", "tick", tick, "reason", res.Skipped)
			}
		}))
		if _, err := c.AddJob(spec, job); err != nil {
			return nil, fmt.Errorf("invalid CRON_SPEC %q: %w", spec, err)
		}
	}

	c.Start()
	logger.Info("tick cron started", "spec", spec)
	return c, nil
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
