// Package server is the HTTP surface of stillpoint: job submission and
// polling, downloads, health and metrics.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/stillpoint/internal/errors"
	"github.com/3leaps/stillpoint/internal/server/handlers"
	"github.com/3leaps/stillpoint/internal/server/middleware"
)

// Timeouts of the underlying http.Server.
type Timeouts struct {
	Read  time.Duration
	Write time.Duration
	Idle  time.Duration
}

var defaultTimeouts = Timeouts{Read: 30 * time.Second, Write: 30 * time.Second, Idle: 120 * time.Second}

// Server wraps the router and its http.Server.
type Server struct {
	host     string
	port     int
	router   chi.Router
	http     *http.Server
	log      *zap.Logger
	timeouts Timeouts

	jobs     *handlers.JobsHandler
	metrics  http.Handler
	observer middleware.HTTPObserver
}

// Option configures a Server.
type Option func(*Server)

// WithJobs mounts the job API.
func WithJobs(h *handlers.JobsHandler) Option {
	return func(s *Server) { s.jobs = h }
}

// WithMetrics serves h on /metrics and reports requests to observe.
func WithMetrics(h http.Handler, observe middleware.HTTPObserver) Option {
	return func(s *Server) {
		s.metrics = h
		s.observer = observe
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// WithTimeouts overrides non-zero http.Server timeouts.
func WithTimeouts(t Timeouts) Option {
	return func(s *Server) {
		if t.Read > 0 {
			s.timeouts.Read = t.Read
		}
		if t.Write > 0 {
			s.timeouts.Write = t.Write
		}
		if t.Idle > 0 {
			s.timeouts.Idle = t.Idle
		}
	}
}

func New(host string, port int, opts ...Option) *Server {
	s := &Server{host: host, port: port, log: zap.NewNop(), timeouts: defaultTimeouts}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	s.http = &http.Server{
		Addr:              net.JoinHostPort(host, strconv.Itoa(port)),
		Handler:           s.router,
		ReadTimeout:       s.timeouts.Read,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.timeouts.Write,
		IdleTimeout:       s.timeouts.Idle,
	}
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(s.log))
	if s.observer != nil {
		r.Use(middleware.Metrics(s.observer))
	}
	r.Use(middleware.ErrorHandler)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		apperrors.WriteError(w, http.StatusNotFound, apperrors.HTTPError{
			Code:      apperrors.CodeNotFound,
			Message:   "route not found: " + r.URL.Path,
			RequestID: r.Header.Get(middleware.RequestIDHeader),
		})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		apperrors.WriteError(w, http.StatusMethodNotAllowed, apperrors.HTTPError{
			Code:      apperrors.CodeMethodNotAllowed,
			Message:   "method " + r.Method + " not allowed on " + r.URL.Path,
			RequestID: r.Header.Get(middleware.RequestIDHeader),
		})
	})

	r.Get("/health", handlers.HealthHandler)
	r.Get("/health/live", handlers.LivenessHandler)
	r.Get("/health/ready", handlers.ReadinessHandler)
	r.Get("/health/startup", handlers.StartupHandler)
	r.Get("/version", handlers.VersionHandler)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
	if s.jobs != nil {
		r.Route("/v1/users/{userID}/jobs", s.jobs.Routes)
	}
	return r
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Port() int { return s.port }

// Addr is the configured listen address.
func (s *Server) Addr() string { return s.http.Addr }

// Start serves until ctx is cancelled, then shuts down within
// shutdownTimeout.
func (s *Server) Start(ctx context.Context, shutdownTimeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("HTTP server listening", zap.String("addr", s.http.Addr))
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

	s.log.Info("HTTP server shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(sctx); err != nil {
		return err
	}
	return <-errCh
}
