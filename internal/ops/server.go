// Package ops serves the read-only health and statistics endpoint. It is
// operational tooling for the daemon itself, not the platform's management
// API: no schedule CRUD lives here.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/flowdeck/pulse/internal/core"
	"github.com/flowdeck/pulse/internal/daemon"
)

// StatusSource exposes the daemon's observable state.
type StatusSource interface {
	State() daemon.State
	Stats() daemon.Stats
}

// Config holds the server configuration.
type Config struct {
	Listen          string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() Config {
	return Config{
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 5 * time.Second,
	}
}

// Server is the ops HTTP listener.
type Server struct {
	cfg        Config
	logger     *slog.Logger
	source     StatusSource
	store      core.ScheduleStore
	httpServer *http.Server
}

// New creates the server. The store is used only for the active-schedule
// count on /statusz.
func New(cfg Config, source StatusSource, store core.ScheduleStore, logger *slog.Logger) *Server {
	s := &Server{cfg: cfg, logger: logger, source: source, store: store}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/statusz", s.handleStatusz)

	s.httpServer = &http.Server{
		Addr:         cfg.Listen,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("ops endpoint listening", "addr", s.cfg.Listen)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	}
}

// loggingMiddleware logs requests using structured logging. Health probes
// arrive every few seconds, so these land at debug level.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.logger.Debug("http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Duration("duration", time.Since(start)),
				slog.String("request_id", middleware.GetReqID(r.Context())),
				slog.String("remote_addr", r.RemoteAddr),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// handleHealthz reports 200 while the daemon is polling, 503 otherwise.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	state := s.source.State()
	status := http.StatusOK
	if state != daemon.StatePolling {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"state": state,
	})
}

// handleStatusz reports poller counters and the active schedule count.
func (s *Server) handleStatusz(w http.ResponseWriter, r *http.Request) {
	active, err := s.store.CountActiveSchedules(r.Context())
	if err != nil {
		s.logger.Warn("counting active schedules failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error": "schedule count unavailable",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"state":            s.source.State(),
		"poller":           s.source.Stats(),
		"active_schedules": active,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
