// Package server assembles the HTTP surface of the service and runs it.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/rpattn/devprov/internal/auth"
	"github.com/rpattn/devprov/internal/config"
	"github.com/rpattn/devprov/internal/middleware"
)

const shutdownTimeout = 30 * time.Second

// Routes registers handlers under a route group.
type Routes interface {
	Register(r chi.Router)
}

// Checker reports whether a dependency is reachable.
type Checker interface {
	Ping(ctx context.Context) error
}

// Dependencies are the handlers and probes the router serves.
type Dependencies struct {
	Provisioning []Routes
	Checks       map[string]Checker
	Metrics      http.Handler
	Logger       *zap.Logger
}

type Server struct {
	router *chi.Mux
	http   *http.Server
	checks map[string]Checker
	logger *zap.Logger
}

// New builds the router. Provisioning routes live under /provisioning and
// require an acting user.
func New(cfg config.ServerConfig, deps Dependencies) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		router: chi.NewRouter(),
		checks: deps.Checks,
		logger: logger,
	}

	s.router.Use(chimw.RequestID)
	s.router.Use(chimw.RealIP)
	s.router.Use(middleware.Logging(logger))
	s.router.Use(chimw.Recoverer)
	s.router.Use(cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowCredentials: true,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"Content-Disposition"},
	}).Handler)

	s.router.Get("/healthz", s.handleHealth)
	if deps.Metrics != nil {
		s.router.Method(http.MethodGet, "/metrics", deps.Metrics)
	}
	s.router.Route("/provisioning", func(r chi.Router) {
		r.Use(auth.RequireActor)
		for _, routes := range deps.Provisioning {
			routes.Register(r)
		}
	})

	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("shutting down http server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	failures := map[string]string{}
	for name, check := range s.checks {
		if check == nil {
			continue
		}
		if err := check.Ping(ctx); err != nil {
			failures[name] = err.Error()
		}
	}

	if len(failures) > 0 {
		s.logger.Warn("health check failed", zap.Any("failures", failures))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":   "error",
			"message":  "Dependencies unavailable",
			"failures": failures,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "message": "Server is running"})
}
