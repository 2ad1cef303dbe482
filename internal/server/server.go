// Package server sets up the HTTP router, middleware, and request handlers.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/howard-nolan/llmbridge/internal/completion"
	"github.com/howard-nolan/llmbridge/internal/provider"
)

// Completer is everything the handlers need from the completion layer.
// *completion.Service implements it.
type Completer interface {
	Providers() []string
	ListModels(ctx context.Context, providerID string) ([]string, error)
	Generate(ctx context.Context, providerID string, req *provider.CompletionRequest) (*provider.CompletionResponse, error)
	Stream(ctx context.Context, providerID string, req *provider.CompletionRequest) (<-chan provider.StreamChunk, error)
	Compare(ctx context.Context, providerIDs []string, req *provider.CompletionRequest) (map[string]completion.Outcome, error)
}

// Server holds the HTTP router and all dependencies that handlers need.
type Server struct {
	router  chi.Router
	svc     Completer
	metrics http.Handler
	logger  *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger used for request logs and handler errors.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetrics mounts h at /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// New creates a Server, wires up routes and middleware, and returns it
// ready to use as an http.Handler.
func New(svc Completer, opts ...Option) *Server {
	s := &Server{svc: svc, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

// routes builds the chi router with all middleware and route definitions,
// gathered in one method so the routing table is easy to scan.
func (s *Server) routes() {
	r := chi.NewRouter()

	// --- Global middleware ---
	// RequestID tags every request so log lines can be correlated, RealIP
	// trusts X-Forwarded-For from the load balancer, and Recoverer turns a
	// handler panic into a 500 instead of crashing the process.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	// --- Routes ---
	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/providers", s.handleListProviders)
		r.Get("/providers/{provider}/models", s.handleListModels)
		r.Post("/providers/{provider}/completions", s.handleCompletion)
		r.Post("/compare", s.handleCompare)
	})

	s.router = r
}

// requestLogger writes one structured line per request once it finishes.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.InfoContext(r.Context(), "request completed",
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Int("bytes", ww.BytesWritten()),
			slog.Duration("latency", time.Since(start)),
			slog.String("client_ip", r.RemoteAddr),
		)
	})
}

// ServeHTTP makes Server satisfy the http.Handler interface by delegating
// to the chi router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
