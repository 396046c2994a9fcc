package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/mattjoyce/pomodoro-bridge/internal/auth"
	"github.com/mattjoyce/pomodoro-bridge/internal/bridge"
	"github.com/mattjoyce/pomodoro-bridge/internal/events"
	"github.com/mattjoyce/pomodoro-bridge/internal/journal"
	"github.com/mattjoyce/pomodoro-bridge/internal/shell"
)

// Bridge is the part of the shell the API drives.
type Bridge interface {
	Submit(name string, args ...any) *bridge.Future
	Status() shell.Status
}

// JournalReader reads the command journal.
type JournalReader interface {
	List(ctx context.Context, limit int) ([]journal.Entry, error)
	Summary(ctx context.Context) (journal.Summary, error)
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey is a single bearer token with full access.
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens []auth.TokenConfig
	// AllowedOrigins enables CORS for a browser or webview front-end.
	AllowedOrigins []string
}

// Server represents the HTTP API server
type Server struct {
	config  Config
	bridge  Bridge
	journal JournalReader
	hub     *events.Hub
	logger  *slog.Logger
	server  *http.Server
}

// New creates a new API server instance. journal may be nil when the journal
// is disabled.
func New(config Config, b Bridge, j JournalReader, hub *events.Hub, logger *slog.Logger) *Server {
	return &Server{
		config:  config,
		bridge:  b,
		journal: j,
		hub:     hub,
		logger:  logger,
	}
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout: /v1/events streams for as long as the client stays.
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler returns the routed handler, wrapped for CORS when origins are set.
func (s *Server) Handler() http.Handler {
	r := s.setupRoutes()
	if len(s.config.AllowedOrigins) == 0 {
		return r
	}
	return cors.New(cors.Options{
		AllowedOrigins: s.config.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Authorization", "Content-Type", "Last-Event-ID"},
		MaxAge:         300,
	}).Handler(r)
}

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoints.
	r.Get("/healthz", s.handleHealthz)
	r.Get("/openapi.json", s.handleOpenAPI)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.With(s.requireScopes(auth.ScopeCommandsRW)).Post("/v1/commands/{name}", s.handleCommand)
		r.With(s.requireScopes(auth.ScopeCommandsRO, auth.ScopeCommandsRW)).Get("/v1/status", s.handleStatus)
		r.With(s.requireScopes(auth.ScopeEventsRO)).Get("/v1/events", s.handleEvents)
		r.With(s.requireScopes(auth.ScopeJournalRO)).Get("/v1/journal", s.handleJournal)
		r.With(s.requireScopes(auth.ScopeJournalRO)).Get("/v1/journal/summary", s.handleJournalSummary)
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
