// Package server provides the HTTP shell over the decision engine.
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

	"github.com/mkosta/autopilot/internal/di"
)

// Server is the HTTP server over the engine container.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	container *di.Container
	log       zerolog.Logger
}

// New creates the HTTP server.
func New(container *di.Container) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		container: container,
		log:       container.Log.With().Str("component", "http_server").Logger(),
	}
	s.setupMiddleware(container.Config.DevMode)
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Route("/autopilot", func(r chi.Router) {
			r.Get("/status", s.handleAutopilotStatus)
			r.Put("/policy", s.handleUpdatePolicy)
			r.Get("/repairs/pending", s.handlePendingRepairs)
			r.Post("/repairs/{id}/execute", s.handleExecuteRepair)
			r.Post("/repairs/revert-last", s.handleRevertLast)
		})
		r.Route("/transactions", func(r chi.Router) {
			r.Post("/validate", s.handleValidateTransaction)
			r.Post("/confirm", s.handleConfirmTransaction)
			r.Get("/status", s.handleValidationStatus)
		})
		r.Get("/system/health", s.handleSystemHealth)
		r.Post("/system/incident", s.handleProtocolIncident)
		r.Get("/alerts", s.handleRecentAlerts)
	})
}

// Start begins serving. It blocks until the listener fails or Shutdown is
// called.
func (s *Server) Start(port int) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Info().Int("port", port).Msg("HTTP server listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("Request handled")
	})
}
