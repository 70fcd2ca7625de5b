// Package server assembles every component into one HTTP process: carrier
// webhooks, the background retry/reconcile runner, and a small admin API
// for operational visibility.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relaysms/gateway/internal/config"
	"github.com/relaysms/gateway/internal/dispatch"
	"github.com/relaysms/gateway/internal/router"
	"github.com/relaysms/gateway/internal/usage"
)

// Server is the gateway's HTTP process: it owns the chi router and the
// dispatch background runner, and holds the DB pool for the admin handlers
// (the pool is closed by its creator, not by Server).
type Server struct {
	cfg    *config.Config
	router *chi.Mux
	http   *http.Server
	logger *slog.Logger

	pool   *pgxpool.Pool
	usage  *usage.Store
	runner *dispatch.Runner

	adminToken string
}

// New wires the router, the admin API, and global middleware. runner may be
// nil (e.g. in tests that don't exercise the retry/reconcile loops).
func New(cfg *config.Config, logger *slog.Logger, pool *pgxpool.Pool, usageStore *usage.Store, runner *dispatch.Runner, inbound *router.Router) *Server {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)

	s := &Server{
		cfg:        cfg,
		router:     r,
		logger:     logger,
		pool:       pool,
		usage:      usageStore,
		runner:     runner,
		adminToken: cfg.Server.AdminToken,
	}

	r.Get("/health", s.handleHealth)

	inbound.Routes(r)

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.requireAdminToken)
		r.Get("/attempts/{id}", s.handleAdminAttempt)
		r.Get("/usage/{userID}/{yearMonth}", s.handleAdminUsage)
		r.Get("/sms-health", s.handleAdminSMSHealth)
	})

	return s
}

// Router returns the chi router for tests that want to drive it directly.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Start begins listening and blocks until the server is shut down.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:              s.cfg.Address(),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	if s.runner != nil {
		s.runner.Start(context.Background())
	}

	s.logger.Info("server starting", "address", s.cfg.Address())
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the background runner and the HTTP listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	if s.runner != nil {
		s.runner.Stop()
	}
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
