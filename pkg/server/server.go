// Package server is the thin HTTP adapter over the mission controller:
// REST-shaped mission operations, paginated getters, and a server-sent
// event stream of the progress bus.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quillhq/quill/pkg/bus"
	"github.com/quillhq/quill/pkg/controller"
	"github.com/quillhq/quill/pkg/mission"
	"github.com/quillhq/quill/pkg/usage"
)

// MissionService is the controller surface the server adapts.
// *controller.Controller satisfies it.
type MissionService interface {
	Create(ctx context.Context, req controller.CreateRequest) (*mission.Context, error)
	Start(ctx context.Context, missionID string) error
	Stop(ctx context.Context, missionID string) error
	Resume(ctx context.Context, missionID string) error
	ResumeFromRound(ctx context.Context, missionID string, round int) error
	ReviseOutlineAndResume(ctx context.Context, missionID string, round int, feedback string, outline []mission.Section) error
}

type Server struct {
	missions MissionService
	store    *mission.Store
	bus      *bus.Bus
	meter    *usage.Meter
	logger   *slog.Logger

	httpServer *http.Server
}

type Options struct {
	Addr   string
	Logger *slog.Logger
}

func New(missions MissionService, store *mission.Store, eventBus *bus.Bus, meter *usage.Meter, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	addr := opts.Addr
	if addr == "" {
		addr = ":8080"
	}

	s := &Server{
		missions: missions,
		store:    store,
		bus:      eventBus,
		meter:    meter,
		logger:   logger,
	}
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router builds the route tree. Exposed so tests can drive handlers
// through httptest without binding a port.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/missions", func(r chi.Router) {
		r.Post("/", s.handleCreate)

		r.Route("/{missionID}", func(r chi.Router) {
			r.Post("/start", s.handleStart)
			r.Post("/stop", s.handleStop)
			r.Post("/resume", s.handleResume)
			r.Post("/resume-from-round", s.handleResumeFromRound)
			r.Post("/revise", s.handleRevise)

			r.Get("/", s.handleStatus)
			r.Get("/stats", s.handleStats)
			r.Get("/plan", s.handlePlan)
			r.Get("/notes", s.handleNotes)
			r.Get("/logs", s.handleLogs)
			r.Get("/report", s.handleReport)
			r.Put("/report", s.handleUpdateReport)
			r.Get("/context", s.handleContext)
			r.Get("/settings", s.handleSettings)
			r.Get("/events", s.handleEvents)
		})
	})
	return r
}

// ListenAndServe runs the server until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}
