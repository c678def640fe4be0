// Package api implements the HTTP management surface: thin handlers that
// validate input, translate to Store/Scheduler calls, and serialize
// responses over a plain http.ServeMux, with method dispatch inside each
// handler and shared writeJSON/writeError helpers.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/jholhewres/scrapesched/internal/scheduler"
	"github.com/jholhewres/scrapesched/internal/store"
)

// Server is the HTTP management API.
type Server struct {
	store     store.Store
	scheduler *scheduler.Scheduler
	logger    *slog.Logger
	server    *http.Server
}

// New builds a Server bound to the given store and scheduler. addr is the
// listen address, e.g. ":8080".
func New(addr string, st store.Store, sched *scheduler.Scheduler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{store: st, scheduler: sched, logger: logger.With("component", "api")}

	mux := http.NewServeMux()
	mux.HandleFunc("/schedules", s.handleSchedules)
	mux.HandleFunc("/schedules/", s.handleScheduleByID)
	mux.HandleFunc("/scheduler/status", s.handleSchedulerStatus)
	mux.HandleFunc("/scheduler/reload", s.handleSchedulerReload)
	mux.HandleFunc("/startup", s.handleStartup)

	s.server = &http.Server{
		Addr:        addr,
		Handler:     mux,
		ReadTimeout: 30 * time.Second,
		// POST /schedules/{id}/run blocks until the triggered run
		// completes (see handleRunNow), and a crawl/batch run's
		// poll-to-completion budget alone is pollAttempts*pollInterval
		// (runner.go): 120*5s = 10 minutes, on top of the initial
		// request. WriteTimeout has to cover that worst case for every
		// route since http.Server applies it server-wide.
		WriteTimeout: 16 * time.Minute,
	}
	return s
}

// Start begins serving in the background; errors other than a clean
// shutdown are logged, not returned.
func (s *Server) Start() {
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("api server error", "error", err)
		}
	}()
	s.logger.Info("api server started", "address", s.server.Addr)
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
