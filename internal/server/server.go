// Package server provides the local status API for the trading bot.
// It is read-only: every mutation goes through the chat commands, the
// API only mirrors what the bot is doing for dashboards and scripts.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
)

// Config holds the server wiring. All sources are read-only views of
// the running bot.
type Config struct {
	Log     zerolog.Logger
	Port    int
	DevMode bool
	Loc     *time.Location

	Mode     ModeSource
	State    StateSource
	Ticks    TickSource
	Bridge   Connectivity
	Trades   TradeLedger
	Active   ActiveSource
	Settings SettingsSource
	Events   EventSource
	Stats    StatsSource
	DB       DatabaseStats
}

// Server is the HTTP status server.
type Server struct {
	router   *chi.Mux
	server   *http.Server
	log      zerolog.Logger
	handlers *StatusHandlers
}

// New creates the status server on the configured port (default 8899).
func New(cfg Config) *Server {
	port := cfg.Port
	if port == 0 {
		port = 8899
	}

	s := &Server{
		router:   chi.NewRouter(),
		log:      cfg.Log.With().Str("component", "server").Logger(),
		handlers: NewStatusHandlers(cfg),
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware(devMode bool) {
	// Recovery from panics
	s.router.Use(middleware.Recoverer)

	// Request ID
	s.router.Use(middleware.RequestID)

	// Real IP
	s.router.Use(middleware.RealIP)

	// Logging
	s.router.Use(s.loggingMiddleware)

	// Timeout
	s.router.Use(middleware.Timeout(60 * time.Second))

	// CORS
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Compress responses
	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handlers.HandleStatus)
		r.Get("/positions", s.handlers.HandlePositions)
		r.Get("/events/recent", s.handlers.HandleRecentEvents)
		r.Get("/stats/daily", s.handlers.HandleDailyStats)
		r.Get("/system/status", s.handlers.HandleSystemStatus)
	})
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.handlers.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"service": "taipei-trader",
	})
}

// Start starts the HTTP server. It blocks until the server stops and
// returns http.ErrServerClosed after a clean Shutdown.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Starting status API")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down status API")
	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
