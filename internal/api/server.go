// Package api is the HTTP front-end: it validates requests, maps them onto the
// coordinator and serves the rendered files.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-dispatch/internal/core"
	"github.com/book-expert/tts-dispatch/internal/tts"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/afero"
)

const (
	readTimeout     = 10 * time.Second
	writeTimeout    = 2 * time.Minute
	idleTimeout     = 60 * time.Second
	shutdownTimeout = 5 * time.Second
	unmatchedRoute  = "unmatched"
)

// Log formats.
const (
	logFmtStarting     = "API server listening on %s"
	logFmtShuttingDown = "API server shutting down"
	logFmtHTTPRequest  = "http request: method=%s path=%s status=%d duration=%s request_id=%s"
)

// PoolStats reports the state of the worker pool.
type PoolStats interface {
	Stats(ctx context.Context) (tts.Stats, error)
}

// Observer records front-end events.
type Observer interface {
	RequestHandled(decision string)
	ObserveHTTP(method, path string, status int, duration time.Duration)
}

// Config holds the HTTP settings.
type Config struct {
	Listen        string
	MaxTextLength int
	// FilesDir is where artifacts are promoted to, relative to Files.
	FilesDir string
}

// Deps are the collaborators of the server.
type Deps struct {
	Synthesizer core.Synthesizer
	Pool        PoolStats
	Observer    Observer
	Metrics     http.Handler
	Files       afero.Fs
	Log         *logger.Logger
}

// Server is the HTTP front-end.
type Server struct {
	cfg    Config
	deps   Deps
	server *http.Server
}

// New creates a server. It does not listen until Start is called.
func New(cfg Config, deps Deps) *Server {
	return &Server{cfg: cfg, deps: deps}
}

// Start serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.cfg.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	s.deps.Log.Info(logFmtStarting, s.cfg.Listen)

	errCh := make(chan error, 1)

	go func() {
		err := s.server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.deps.Log.Info(logFmtShuttingDown)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		err := s.server.Shutdown(shutdownCtx)
		if err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}

		return nil
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler returns the router with all middleware applied.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleIndex)
	r.Get("/tts", s.handleTTS)
	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", s.deps.Metrics)
	r.Handle("/files/*", s.filesHandler())

	return r
}

// loggingMiddleware logs every request and records it in the metrics.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		duration := time.Since(start)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		s.deps.Log.Info(logFmtHTTPRequest,
			r.Method, r.URL.Path, status, duration, middleware.GetReqID(r.Context()))
		s.deps.Observer.ObserveHTTP(r.Method, routePattern(r), status, duration)
	})
}

// routePattern extracts the matched chi route pattern to keep metric labels
// bounded.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}

	return unmatchedRoute
}
