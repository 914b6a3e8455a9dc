// Package core is the HTTP chassis of the autopilot service: a chi router
// with the cross-cutting middleware (panic recovery, request ids, request
// logging, timeouts, cron secret checks) that runs before handlers.
package core

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"autopilot/internal/config"
)

// RouteRegistrar mounts a handler group under the /api prefix.
type RouteRegistrar func(r chi.Router)

// Server holds the router and the dependencies shared by handlers.
type Server struct {
	Config       *config.Config
	Logger       *slog.Logger
	Validator    *Validator
	HealthProbes []HealthProbe

	// Registrars run by MountRoutes. CronRegistrars are mounted behind the
	// cron secret check.
	APIRegistrars  []RouteRegistrar
	CronRegistrars []RouteRegistrar

	router *chi.Mux
}

// NewServer prepares a server. The caller adds registrars and probes, then
// calls MountRoutes.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}
	return &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(logger),
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux.
func (s *Server) Router() *chi.Mux {
	return s.router
}
