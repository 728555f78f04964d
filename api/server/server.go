// Package server wires the research handlers into an HTTP server.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"internal-perplexity/research/api/handlers"
	"internal-perplexity/research/llm/events"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// Config holds server configuration
type Config struct {
	Address         string
	ReadTimeout     time.Duration
	ShutdownTimeout time.Duration
	// StreamTimeout bounds event streams that pass no timeout parameter
	StreamTimeout time.Duration
}

// Dependencies are the services behind the routes. A nil Researcher or Jobs
// leaves its routes unregistered.
type Dependencies struct {
	Researcher  handlers.Researcher
	Jobs        handlers.JobSubmitter
	Broadcaster events.Broadcaster
}

// Server represents the research API server
type Server struct {
	config Config
	router *mux.Router
	server *http.Server
	logger zerolog.Logger
}

// NewServer creates a new server instance
func NewServer(config Config, deps Dependencies, logger zerolog.Logger) *Server {
	if config.Address == "" {
		config.Address = ":8080"
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 15 * time.Second
	}

	s := &Server{
		config: config,
		router: mux.NewRouter(),
		logger: logger.With().Str("component", "http").Logger(),
	}
	s.setupRoutes(deps)

	// No write timeout: event streams stay open until their job ends.
	s.server = &http.Server{
		Addr:              config.Address,
		Handler:           s.router,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes(deps Dependencies) {
	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.loggingMiddleware)
	api.Use(s.corsMiddleware)

	api.HandleFunc("/health", handlers.Health).Methods(http.MethodGet)

	if deps.Researcher != nil {
		research := handlers.NewResearchHandler(deps.Researcher, s.logger)
		api.HandleFunc("/research", research.Research).Methods(http.MethodPost)
	}

	if deps.Jobs != nil && deps.Broadcaster != nil {
		jobs := handlers.NewJobHandler(deps.Jobs, deps.Broadcaster, s.config.StreamTimeout, s.logger)
		api.HandleFunc("/jobs", jobs.SubmitJob).Methods(http.MethodPost)
		api.HandleFunc("/jobs/{id}/events", jobs.StreamEvents).Methods(http.MethodGet)
		api.HandleFunc("/jobs/{id}/ws", jobs.StreamWebSocket).Methods(http.MethodGet)
	}
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx ends, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	serverErr := make(chan error, 1)
	go func() {
		s.logger.Info().Str("address", s.config.Address).Msg("starting research API server")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	s.logger.Info().Msg("server stopped")
	return nil
}

// statusRecorder captures the response status for logging
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush keeps Server-Sent Events working through the recorder
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack hands the connection to the websocket upgrader
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Unwrap exposes the underlying writer to http.ResponseController
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// loggingMiddleware logs every request with its status and duration
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

// corsMiddleware allows browser clients from any origin
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
