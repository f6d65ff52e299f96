// Package server exposes the search and conversation services over HTTP.
//
// The router is chi; every route except health and metrics sits behind
// bearer authentication. Errors leave as {detail, code} bodies with a
// correlation id and without stack traces.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nestor-ai/nestor/pkg/auth"
	"github.com/nestor-ai/nestor/pkg/config"
	"github.com/nestor-ai/nestor/pkg/conversation"
	"github.com/nestor-ai/nestor/pkg/observability"
	"github.com/nestor-ai/nestor/pkg/search"
)

// SearchService is the slice of the search facade the handlers call.
// *search.Service implements it.
type SearchService interface {
	Search(ctx context.Context, in search.Input) (*search.Output, error)
	SearchStream(ctx context.Context, in search.Input, onDelta func(string)) (*search.Output, error)
}

// Deps are the services the server fronts.
type Deps struct {
	Search        SearchService
	Conversations *conversation.Manager

	// Observability is optional; without it the server runs without the
	// /metrics route and HTTP spans.
	Observability *observability.Manager

	// Validator verifies bearer tokens. nil is only valid with the dev
	// bypass enabled.
	Validator auth.Validator
}

func (d *Deps) validate(cfg *config.ServerConfig) error {
	if d.Search == nil {
		return fmt.Errorf("server: search service is required")
	}
	if d.Conversations == nil {
		return fmt.Errorf("server: conversation manager is required")
	}
	if d.Validator == nil && (cfg.Auth == nil || !cfg.Auth.DevBypass) {
		return fmt.Errorf("server: token validator is required unless dev bypass is enabled")
	}
	return nil
}

// Server is the HTTP front of the service.
type Server struct {
	cfg    *config.ServerConfig
	deps   Deps
	router chi.Router
	http   *http.Server
}

func New(cfg *config.ServerConfig, deps Deps) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("server: config is required")
	}
	if err := deps.validate(cfg); err != nil {
		return nil, err
	}

	s := &Server{cfg: cfg, deps: deps}
	s.router = s.routes()
	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s, nil
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until the context is canceled, then drains in-flight
// requests.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.cfg.TLS != nil && config.BoolValue(s.cfg.TLS.Enabled, false) {
			err = s.http.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			err = s.http.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	slog.Info("server listening", "addr", s.http.Addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	slog.Info("server shutting down")
	return s.http.Shutdown(shutdownCtx)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	if s.deps.Observability != nil {
		r.Use(observability.HTTPMiddleware(
			s.deps.Observability.Tracer("nestor.http"),
			s.deps.Observability.Metrics(),
		))
	}
	if s.cfg.CORS != nil {
		r.Use(corsMiddleware(s.cfg.CORS))
	}
	r.Use(auth.Middleware(s.deps.Validator, s.cfg.Auth))

	r.Get("/health", s.handleHealth)
	if s.deps.Observability != nil && s.deps.Observability.MetricsEnabled() {
		r.Method(http.MethodGet, "/metrics", s.deps.Observability.MetricsHandler())
	}
	if s.deps.Observability != nil && s.deps.Observability.SpanBuffer() != nil {
		r.Get("/debug/traces", s.handleDebugTraces)
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/search", s.handleSearch)
		r.Post("/search/stream", s.handleSearchStream)

		r.Route("/chat/sessions", func(r chi.Router) {
			r.Post("/", s.handleCreateSession)
			r.Get("/", s.handleListSessions)

			r.Route("/{sessionID}", func(r chi.Router) {
				r.Get("/", s.handleGetSession)
				r.Patch("/", s.handleUpdateSession)
				r.Delete("/", s.handleDeleteSession)

				r.Post("/messages", s.handleAddMessage)
				r.Get("/messages", s.handleListMessages)
				r.Post("/process", s.handleProcess)
				r.Post("/summaries", s.handleSummarize)
				r.Get("/summaries", s.handleListSummaries)
				r.Get("/export", s.handleExport)
			})
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDebugTraces(w http.ResponseWriter, r *http.Request) {
	buf := s.deps.Observability.SpanBuffer()
	if traceID := r.URL.Query().Get("trace_id"); traceID != "" {
		writeJSON(w, http.StatusOK, buf.ByTrace(traceID))
		return
	}
	writeJSON(w, http.StatusOK, buf.Recent())
}

// corsMiddleware answers preflights and stamps the configured origins.
func corsMiddleware(cfg *config.CORSConfig) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(cfg.AllowedOrigins))
	wildcard := false
	for _, o := range cfg.AllowedOrigins {
		if o == "*" {
			wildcard = true
		}
		allowed[o] = true
	}

	methods := "GET, POST, PATCH, DELETE, OPTIONS"
	if len(cfg.AllowedMethods) > 0 {
		methods = joinHeader(cfg.AllowedMethods)
	}
	headers := "Content-Type, Authorization"
	if len(cfg.AllowedHeaders) > 0 {
		headers = joinHeader(cfg.AllowedHeaders)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && (wildcard || allowed[origin]) {
				if wildcard {
					w.Header().Set("Access-Control-Allow-Origin", "*")
				} else {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Vary", "Origin")
				}
				if config.BoolValue(cfg.AllowCredentials, false) {
					w.Header().Set("Access-Control-Allow-Credentials", "true")
				}
				if r.Method == http.MethodOptions {
					w.Header().Set("Access-Control-Allow-Methods", methods)
					w.Header().Set("Access-Control-Allow-Headers", headers)
					w.WriteHeader(http.StatusNoContent)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func joinHeader(values []string) string {
	out := ""
	for i, v := range values {
		if i > 0 {
			out += ", "
		}
		out += v
	}
	return out
}
