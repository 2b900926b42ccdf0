// Package server exposes the arbitration core over a small HTTP surface.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/obralink/foreman/internal/arbiter"
	"github.com/obralink/foreman/internal/store"
)

// Service is the HTTP front of the arbitration core.
type Service struct {
	processor *arbiter.Processor
	store     *store.Store
	router    chi.Router
	version   string
	startTime time.Time
}

// NewService wires the router.
func NewService(processor *arbiter.Processor, st *store.Store, version string) *Service {
	svc := &Service{
		processor: processor,
		store:     st,
		router:    chi.NewRouter(),
		version:   version,
		startTime: time.Now(),
	}
	svc.setupRoutes()
	return svc
}

func (s *Service) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/health", s.handleHealth)

	s.router.Route("/v1", func(r chi.Router) {
		r.Post("/messages", s.handleMessage)
		r.Route("/sessions/{sessionID}", func(r chi.Router) {
			r.Get("/", s.handleGetSession)
			r.Post("/transition", s.handleTransition)
			r.Get("/history", s.handleHistory)
		})
		r.Route("/users/{userID}", func(r chi.Router) {
			r.Get("/session", s.handleUserSession)
			r.Get("/draft", s.handleUserDraft)
		})
	})
}

// Handler returns the root handler.
func (s *Service) Handler() http.Handler {
	return s.router
}

// ListenAndServe runs the HTTP server until ctx is cancelled.
func (s *Service) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Str("version", s.version).Msg("HTTP server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
