// Package handlers contains the HTTP handlers of the autopilot API.
//
// This file implements the cron trigger routes. Both are mounted behind the
// cron secret middleware:
//   - POST /api/cron/manual-tick runs one schedule tick
//   - POST /api/cron/file-tick   runs one file monitor tick
package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"autopilot/internal/app"
	"autopilot/internal/core"
	"autopilot/internal/scheduler"
)

// TickRunner runs one tick. *app.TickRunner satisfies it.
type TickRunner interface {
	RunTick(ctx context.Context, payload scheduler.TickPayload) (app.TickResult, error)
}

// CronHandler maps trigger requests to tick runs.
type CronHandler struct {
	runner TickRunner
	logger *slog.Logger
}

// NewCronHandler creates a CronHandler.
func NewCronHandler(runner TickRunner, logger *slog.Logger) *CronHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &CronHandler{runner: runner, logger: logger}
}

// RegisterRoutes mounts the trigger routes.
func (h *CronHandler) RegisterRoutes(r chi.Router) {
	r.Post("/cron/manual-tick", h.HandleScheduleTick)
	r.Post("/cron/file-tick", h.HandleFileTick)
}

// HandleScheduleTick handles POST /api/cron/manual-tick. The body is optional;
// a reference_time replays the tick at that instant. The tick runs even if
// the cron already ran this minute.
func (h *CronHandler) HandleScheduleTick(w http.ResponseWriter, r *http.Request) {
	var payload scheduler.TickPayload
	if err := core.DecodeJSON(w, r, &payload, true); err != nil {
		core.Error(w, r, err)
		return
	}
	payload.Tick = scheduler.TickSchedules
	payload.Manual = true
	h.run(w, r, payload)
}

// HandleFileTick handles POST /api/cron/file-tick. The body is ignored.
func (h *CronHandler) HandleFileTick(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, scheduler.TickPayload{Tick: scheduler.TickFiles})
}

func (h *CronHandler) run(w http.ResponseWriter, r *http.Request, payload scheduler.TickPayload) {
	res, err := h.runner.RunTick(r.Context(), payload)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "tick failed", "tick", payload.Tick, "error", err)
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusOK, res)
}
