// Package api serves the runner's benchmarks, results and live events
// over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/hochfrequenz/agent-bench-runner/internal/domain"
	"github.com/hochfrequenz/agent-bench-runner/internal/observer"
	"github.com/hochfrequenz/agent-bench-runner/internal/schedule"
	"github.com/hochfrequenz/agent-bench-runner/internal/store"
)

// Store interface for database operations
type Store interface {
	ListJobs(opts store.ListOptions) ([]domain.BenchmarkJob, error)
	GetJob(id string) (*domain.BenchmarkJob, error)
	ListResults(benchmarkID string) ([]domain.ResultSpec, error)
	RecentEvents(limit int) ([]observer.Event, error)
}

// Pool reports the benchmarks currently executing
type Pool interface {
	Running() []string
	MaxTasks() int
}

// Scheduler reports the state of scheduled jobs
type Scheduler interface {
	Status() []schedule.JobStatus
}

// Tracker reports bundle executions seen on the event stream
type Tracker interface {
	GetMetrics() observer.Metrics
	Stuck(now time.Time) []string
	GetRecentCompletions(since time.Duration) []string
}

// Options configures a Server. Pool, Scheduler, Tracker and Metrics are
// optional.
type Options struct {
	Addr      string
	Pool      Pool
	Scheduler Scheduler
	Tracker   Tracker
	Metrics   http.Handler
	Logger    *slog.Logger
}

// Server is the HTTP API server. It is an observer.Sink: every event it
// receives is pushed to connected stream clients.
type Server struct {
	store  Store
	opts   Options
	mux    *http.ServeMux
	hub    *Hub
	logger *slog.Logger
}

// NewServer creates a new API server
func NewServer(st Store, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		store:  st,
		opts:   opts,
		mux:    http.NewServeMux(),
		hub:    NewHub(),
		logger: logger.With("component", "api"),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("GET /api/status", s.statusHandler())
	s.mux.HandleFunc("GET /api/benchmarks", s.listBenchmarksHandler())
	s.mux.HandleFunc("GET /api/benchmarks/{id}", s.getBenchmarkHandler())
	s.mux.HandleFunc("GET /api/benchmarks/{id}/results", s.resultsHandler())
	s.mux.HandleFunc("GET /api/events", s.eventsHandler())
	s.mux.HandleFunc("GET /api/schedule", s.scheduleHandler())
	s.mux.HandleFunc("GET /api/bundles", s.bundlesHandler())
	s.mux.HandleFunc("GET /api/stream", s.sseHandler())
	s.mux.HandleFunc("GET /api/ws", s.wsHandler())

	if s.opts.Metrics != nil {
		s.mux.Handle("GET /metrics", s.opts.Metrics)
	}
}

// SetPool sets the pool reported by /api/status. It must be called
// before Start.
func (s *Server) SetPool(p Pool) {
	s.opts.Pool = p
}

// SetScheduler sets the scheduler reported by /api/schedule. It must be
// called before Start.
func (s *Server) SetScheduler(sched Scheduler) {
	s.opts.Scheduler = sched
}

// Handler returns the routes of the server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)

	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", "addr", s.opts.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Notify implements observer.Sink.
func (s *Server) Notify(e observer.Event) {
	s.hub.Broadcast(e)
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
