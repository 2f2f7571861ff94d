// Package server sets up the HTTP server, router, and all route definitions.
//
// SERVER ARCHITECTURE:
// This package is the "wiring" layer. It decides:
// - Which URL patterns map to which handler functions
// - What middleware runs on which routes
// - How the server starts and stops gracefully
//
// DEPENDENCY INJECTION FLOW:
//
//	config.Config → Server.New() creates:
//	  sqlite.DB ─┬→ SessionService (+ TokenService, GoogleProvider)
//	             └→ ConversationService (+ Generator, metrics.Collector)
//	  services → handlers → routes
//
// This is the "composition root" pattern: all dependencies are wired here,
// in one place, rather than scattered across the codebase.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/sakif/damaijiwa/internal/auth"
	"github.com/sakif/damaijiwa/internal/config"
	"github.com/sakif/damaijiwa/internal/handler"
	"github.com/sakif/damaijiwa/internal/llm"
	"github.com/sakif/damaijiwa/internal/metrics"
	"github.com/sakif/damaijiwa/internal/middleware"
	sqliteRepo "github.com/sakif/damaijiwa/internal/repository/sqlite"
	"github.com/sakif/damaijiwa/internal/service"
)

// sessionSweepInterval is how often expired session rows are deleted.
const sessionSweepInterval = time.Hour

// Option overrides a dependency New would otherwise build from config.
// Tests use these to swap in fakes.
type Option func(*options)

type options struct {
	generator llm.Generator
	google    service.OAuthProvider
	registry  *prometheus.Registry
}

// WithGenerator replaces the generator built from GEMINI_API_KEY.
func WithGenerator(g llm.Generator) Option {
	return func(o *options) { o.generator = g }
}

// WithOAuthProvider replaces the Google provider built from config.
func WithOAuthProvider(p service.OAuthProvider) Option {
	return func(o *options) { o.google = p }
}

// WithRegistry sets the Prometheus registry. Tests pass a fresh one so
// metric registration doesn't collide between servers.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// Server represents the HTTP server and all its dependencies.
//
// RESOURCE MANAGEMENT:
// The Server owns the database connection and the rate limiter's cleanup
// goroutine. Close releases both; Start calls it on shutdown.
type Server struct {
	router   *chi.Mux
	config   *config.Config
	logger   *slog.Logger
	db       *sqliteRepo.DB
	sessions *service.SessionService
	limiter  *middleware.RateLimiter
}

// New creates a Server from cfg, opening the database and wiring every layer.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Server, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	// === CREATE DATABASE ===
	if cfg.DBPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}
	db, err := sqliteRepo.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// === AUTH ===
	tokens, err := auth.NewTokenService(cfg.SessionSecret)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating token service: %w", err)
	}

	google := o.google
	if google == nil && cfg.GoogleEnabled() {
		google = auth.NewGoogleProvider(auth.GoogleConfig{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  cfg.GoogleRedirectURL,
		})
	}
	if google == nil {
		logger.Warn("GOOGLE_CLIENT_ID not set; Google login is disabled")
	}

	// === GENERATOR ===
	generator := o.generator
	if generator == nil {
		generator, err = newGenerator(cfg, logger)
		if err != nil {
			db.Close()
			return nil, err
		}
	}

	// === METRICS ===
	registry := o.registry
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	collector := metrics.NewCollector(registry)

	s := &Server{
		router: chi.NewRouter(),
		config: cfg,
		logger: logger,
		db:     db,
		sessions: service.NewSessionService(
			db, db, db, tokens, google, cfg.SessionMaxAge, logger,
		),
		limiter: middleware.NewRateLimiter(
			middleware.NewRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitTurns), collector, logger,
		),
	}

	conversations := service.NewConversationService(db, db, generator, cfg.LoginNudgeAfter, collector, logger)

	if err := s.setupRoutes(conversations, collector, registry); err != nil {
		s.Close()
		return nil, fmt.Errorf("setting up routes: %w", err)
	}

	return s, nil
}

// newGenerator builds the OpenAI-compatible client, or the always-failing
// Unavailable generator when no API key is set so the app still runs.
func newGenerator(cfg *config.Config, logger *slog.Logger) (llm.Generator, error) {
	g, err := llm.NewOpenAIGenerator(llm.ClientConfig{
		APIKey:     cfg.GeminiAPIKey,
		BaseURL:    cfg.GeneratorBaseURL,
		Model:      cfg.GeneratorModel,
		Timeout:    cfg.GeneratorTimeout,
		MaxRetries: cfg.GeneratorMaxRetries,
	}, logger)
	if errors.Is(err, llm.ErrNotConfigured) {
		logger.Warn("GEMINI_API_KEY not set; every reply will be the fallback text")
		return llm.Unavailable{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("creating generator: %w", err)
	}
	return g, nil
}

// setupRoutes configures all middleware and route handlers.
//
// ROUTE STRUCTURE:
//
//	GET  /healthz                      → liveness
//	GET  /metrics                      → Prometheus scrape
//	GET  /auth/google/callback         → OAuth popup landing page
//	GET  /api/me                       → current user or null
//	POST /api/auth/anonymous           → anonymous session
//	GET  /api/auth/google/url          → Google consent URL
//	POST /api/logout                   → end session
//	GET  /api/categories               → category list
//	GET  /api/chat/{category}          → history          (session required)
//	POST /api/chat/{category}          → record a turn    (session required)
//	POST /api/chat/{category}/start    → open a journey   (session required)
//	POST /api/chat/{category}/turn     → send a message   (session required)
//	GET  /api/chat/{category}/stream   → websocket turns  (session required)
//	GET  /static/*                     → client assets
//	GET  /*                            → client shell
//
// MIDDLEWARE ORDER MATTERS:
// 1. RequestID: assigns an ID used by the logger
// 2. RealIP: extracts the client IP from proxy headers
// 3. Logger and Metrics: observe every request, including panics turned 500
// 4. Recoverer: catches panics and returns 500 instead of crashing
// 5. Sentry: gives each request a hub, reports panics, then re-panics into Recoverer
func (s *Server) setupRoutes(conversations *service.ConversationService, collector *metrics.Collector, registry *prometheus.Registry) error {
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(middleware.Logger(s.logger))
	s.router.Use(middleware.Metrics(collector))
	s.router.Use(chimiddleware.Recoverer)
	s.router.Use(sentryhttp.New(sentryhttp.Options{Repanic: true}).Handle)

	authHandler := handler.NewAuthHandler(s.sessions, handler.CookieConfig{
		Secure: s.config.CookieSecure,
		MaxAge: s.config.SessionMaxAge,
	}, s.logger)
	chatHandler := handler.NewChatHandler(conversations)
	streamHandler := handler.NewStreamHandler(conversations, collector, s.limiter, s.logger)

	shellHandler, err := handler.NewShellHandler(s.logger)
	if err != nil {
		return fmt.Errorf("creating shell handler: %w", err)
	}

	// === Operational ===
	s.router.Get("/healthz", handler.HandleHealth)
	s.router.Handle("/metrics", metrics.Handler(registry))

	// === OAuth callback (browser navigation, not JSON) ===
	s.router.Get("/auth/google/callback", authHandler.HandleGoogleCallback)

	// === API ===
	s.router.Route("/api", func(r chi.Router) {
		r.With(auth.OptionalUser(s.sessions)).Get("/me", authHandler.HandleMe)
		r.Post("/auth/anonymous", authHandler.HandleAnonymous)
		r.Get("/auth/google/url", authHandler.HandleGoogleURL)
		r.With(auth.OptionalUser(s.sessions)).Post("/logout", authHandler.HandleLogout)
		r.Get("/categories", chatHandler.HandleCategories)

		// Everything below needs a session. RequireUser runs first so the
		// rate limiter can key on the user ID.
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireUser(s.sessions))
			r.Use(s.limiter.General())

			r.Get("/chat/{category}", chatHandler.HandleHistory)
			r.Post("/chat/{category}", chatHandler.HandleRecord)

			r.With(s.limiter.Turns()).Post("/chat/{category}/start", chatHandler.HandleStart)
			r.With(s.limiter.Turns()).Post("/chat/{category}/turn", chatHandler.HandleTurn)
			// The socket spends a turn per message, not per connection.
			r.Get("/chat/{category}/stream", streamHandler.HandleStream)
		})

		r.NotFound(handler.HandleAPINotFound)
		r.MethodNotAllowed(handler.HandleAPINotFound)
	})

	// === Client shell ===
	s.router.Get("/static/*", shellHandler.HandleStatic)
	s.router.Get("/*", shellHandler.HandleShell)

	return nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Close stops background work and closes the database. Safe to call once
// the server is no longer serving.
func (s *Server) Close() error {
	s.limiter.Stop()
	return s.db.Close()
}

// Start starts the HTTP server and handles graceful shutdown.
//
// GRACEFUL SHUTDOWN:
// 1. Stop accepting new HTTP connections
// 2. Wait for in-flight requests to finish (30s timeout)
// 3. Stop the rate limiter and close the database (flushes WAL, releases lock)
func (s *Server) Start() error {
	defer s.Close()

	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", s.config.Port),
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: a generator call with retries can outlast any
		// fixed write deadline, and websocket connections are long-lived.
		IdleTimeout: 60 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.sweepSessions(ctx)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	serverErrors := make(chan error, 1)

	go func() {
		s.logger.Info("server starting",
			slog.Int("port", s.config.Port),
			slog.String("url", s.config.BaseURL),
			slog.String("database", s.config.DBPath),
			slog.Bool("googleLogin", s.sessions.GoogleEnabled()),
		)
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

	case sig := <-quit:
		s.logger.Info("shutdown signal received", slog.String("signal", sig.String()))

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server stopped gracefully")
	}

	return nil
}

// sweepSessions deletes expired session rows at startup and then hourly.
func (s *Server) sweepSessions(ctx context.Context) {
	ticker := time.NewTicker(sessionSweepInterval)
	defer ticker.Stop()

	for {
		n, err := s.sessions.SweepExpired(ctx)
		if err != nil {
			s.logger.Warn("session sweep failed", slog.String("error", err.Error()))
		} else if n > 0 {
			s.logger.Info("expired sessions removed", slog.Int64("count", n))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
