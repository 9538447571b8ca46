package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/anzen-health/anzen/internal/ratelimit"
)

// Config holds server settings.
type Config struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Limiter guards the authenticated API, keyed by client ID. Nil disables
	// rate limiting.
	Limiter ratelimit.Limiter
	// AuthLimiter guards the unauthenticated token exchange, keyed by client
	// IP. Nil disables rate limiting.
	AuthLimiter ratelimit.Limiter

	// MCP, when non-nil, is mounted at /mcp behind auth.
	MCP http.Handler
}

// Server is the HTTP server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// New builds the server with all routes and middleware wired.
func New(cfg Config, h *Handlers, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	clientKey := func(r *http.Request) string {
		if claims := ClaimsFromContext(r.Context()); claims != nil {
			return claims.ClientID
		}
		return ""
	}
	requestIDOf := func(r *http.Request) string { return RequestIDFromContext(r.Context()) }
	apiLimit := ratelimit.Middleware(cfg.Limiter, clientKey, requestIDOf)
	authLimit := ratelimit.Middleware(cfg.AuthLimiter, ratelimit.IPKeyFunc, requestIDOf)

	mux.Handle("GET /health", http.HandlerFunc(h.HandleHealth))
	mux.Handle("POST /auth/token", authLimit(http.HandlerFunc(h.HandleAuthToken)))

	mux.Handle("POST /v1/runs", apiLimit(http.HandlerFunc(h.HandleStartRun)))
	mux.Handle("GET /v1/runs/{run_id}", apiLimit(http.HandlerFunc(h.HandleGetRun)))
	mux.Handle("POST /v1/runs/{run_id}/cancel", apiLimit(http.HandlerFunc(h.HandleCancelRun)))
	mux.Handle("GET /v1/runs/{run_id}/evidence", apiLimit(http.HandlerFunc(h.HandleEvidence)))
	mux.Handle("POST /v1/documents", apiLimit(requireRole("admin", "editor")(http.HandlerFunc(h.HandleIngestDocument))))

	if cfg.MCP != nil {
		mux.Handle("/mcp", apiLimit(cfg.MCP))
		mux.Handle("/mcp/", apiLimit(cfg.MCP))
	}

	// Outermost first: request ID, then headers, tracing, logging, auth, and
	// panic recovery closest to the handlers.
	var handler http.Handler = mux
	handler = recoveryMiddleware(logger, handler)
	handler = authMiddleware(h.jwt, handler)
	handler = loggingMiddleware(logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		logger: logger,
	}
}

// Handler returns the fully wired handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins serving. Blocks until the server stops.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server, waiting for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}
