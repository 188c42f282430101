// Package core provides the API chassis for the static IP platform: a chi
// router with the cross-cutting middleware stack (request IDs, identity,
// logging, panic recovery, timeouts) and the standard response envelope,
// applied before requests reach domain handlers.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"staticip/internal/config"
)

// Server bundles the router with its cross-cutting dependencies so cmd/api
// and tests construct the same stack.
type Server struct {
	Config *config.Config
	Logger *slog.Logger

	pool   *pgxpool.Pool
	router *chi.Mux
}

// NewServer validates the critical dependencies and prepares an empty router.
// The caller mounts routes after construction; the separation lets tests
// register only what they exercise.
func NewServer(cfg *config.Config, pool *pgxpool.Pool, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	return &Server{
		Config: cfg,
		Logger: logger,
		pool:   pool,
		router: chi.NewRouter(),
	}, nil
}

// Handler returns the http.Handler for http.ListenAndServe.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// UseBaseMiddleware installs the standard middleware stack in the required
// order: recovery outermost, then request IDs, logging, and the request
// timeout. Identity resolution is mounted per route group, not here, so the
// health endpoint stays unauthenticated.
func (s *Server) UseBaseMiddleware() {
	s.router.Use(s.Recoverer)
	s.router.Use(RequestID)
	s.router.Use(RequestLogger(s.Logger))
	s.router.Use(Timeout(s.Config.Server.RequestTimeout))
}

// MountHealth registers the liveness endpoint. It reports database
// reachability so load balancers can drain a node with a dead pool.
func (s *Server) MountHealth() {
	s.router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		status := map[string]string{"status": "ok"}
		code := http.StatusOK
		if s.pool != nil {
			if err := s.pool.Ping(r.Context()); err != nil {
				status["status"] = "degraded"
				status["database"] = "unreachable"
				code = http.StatusServiceUnavailable
			}
		}
		JSON(w, r, code, status)
	})
}

// Shutdown releases server resources: the database pool and anything buffered
// in the logger.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.Info("server shutdown initiated")
	if s.pool != nil {
		s.pool.Close()
	}
	s.Logger.Info("server shutdown complete")
	return nil
}
