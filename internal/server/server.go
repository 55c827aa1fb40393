// Package server exposes the engine over HTTP: the GitHub webhook, health,
// Prometheus metrics and the API-key protected task endpoints.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/marcus/codebot/internal/engine"
	"github.com/marcus/codebot/internal/integrations"
	"github.com/marcus/codebot/internal/logging"
	"github.com/marcus/codebot/internal/metrics"
	"github.com/marcus/codebot/internal/tasklog"
	"github.com/marcus/codebot/internal/tasks"
	"github.com/marcus/codebot/internal/webhook"
)

const (
	// maxBodyBytes caps webhook and submission bodies. GitHub deliveries
	// are at most 25MB.
	maxBodyBytes      = 25 << 20
	retryAfterSeconds = 30
	shutdownTimeout   = 10 * time.Second
	followPoll        = 500 * time.Millisecond
)

// Engine is what the HTTP surface needs from the engine.
type Engine interface {
	SubmitNew(payload tasks.Payload) (tasks.Task, error)
	Retry(id string) (tasks.Task, error)
	Get(id string) (tasks.Task, error)
	List(status tasks.Status) []tasks.Task
	Logs(id, source string) ([]tasklog.Entry, error)
	FollowLogs(id string, cursor int) (tasklog.Batch, error)
	Stats() engine.Stats
}

// RepositoryLister lists the repositories tasks can target.
type RepositoryLister interface {
	ListRepositories(ctx context.Context) ([]integrations.Repository, error)
}

// Ingestor handles verified webhook deliveries.
type Ingestor interface {
	Handle(ctx context.Context, eventType string, body []byte) (webhook.Outcome, error)
}

// Config holds the server's settings.
type Config struct {
	Addr          string
	WebhookSecret string
	APIKeys       []string
}

// Server is the codebot HTTP server.
type Server struct {
	cfg      Config
	engine   Engine
	ingestor Ingestor
	metrics  *metrics.Metrics
	started  time.Time
	repos    RepositoryLister
	poll     time.Duration
	log      *logging.Logger
	handler  http.Handler
}

// Option configures a Server.
type Option func(*Server)

// WithRepositories serves GET /api/repositories from l.
func WithRepositories(l RepositoryLister) Option {
	return func(s *Server) { s.repos = l }
}

// New builds the router. m may be nil, in which case /metrics is not served.
func New(cfg Config, e Engine, ing Ingestor, m *metrics.Metrics, opts ...Option) *Server {
	s := &Server{
		cfg:      cfg,
		engine:   e,
		ingestor: ing,
		metrics:  m,
		started:  time.Now(),
		poll:     followPoll,
		log:      logging.Component("http"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.handler = s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}
	r.Post("/webhook", s.handleWebhook)

	r.Route("/api/tasks", func(r chi.Router) {
		r.Use(requireAPIKey(s.cfg.APIKeys))
		r.Post("/", s.handleSubmit)
		r.Get("/", s.handleList)
		r.Get("/{id}", s.handleGet)
		r.Get("/{id}/logs", s.handleLogs)
		r.Post("/{id}/retry", s.handleRetry)
	})
	r.With(requireAPIKey(s.cfg.APIKeys)).Get("/api/repositories", s.handleRepositories)
	return r
}

// ListenAndServe serves until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.InfoCtx("listening", map[string]any{"addr": s.cfg.Addr})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	s.log.Info("http server stopped")
	return nil
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.DebugCtx("request", map[string]any{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"bytes":       ww.BytesWritten(),
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  middleware.GetReqID(r.Context()),
		})
	})
}
