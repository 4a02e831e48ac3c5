package api

import (
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/hochfrequenz/agent-bench-runner/internal/domain"
	"github.com/hochfrequenz/agent-bench-runner/internal/observer"
	"github.com/hochfrequenz/agent-bench-runner/internal/schedule"
	"github.com/hochfrequenz/agent-bench-runner/internal/store"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 500
)

// BenchmarkResponse is the API response for a benchmark job
type BenchmarkResponse struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Phase     string  `json:"phase"`
	Message   string  `json:"message,omitempty"`
	RunnerID  string  `json:"runner_id,omitempty"`
	Bundles   int     `json:"bundles"`
	Agents    int     `json:"agents"`
	LogFile   string  `json:"log_file,omitempty"`
	CreatedAt string  `json:"created_at"`
	UpdatedAt *string `json:"updated_at,omitempty"`
}

// StatusResponse is the API response for overall status
type StatusResponse struct {
	Total               int      `json:"total"`
	Queued              int      `json:"queued"`
	Running             int      `json:"running"`
	Finished            int      `json:"finished"`
	PendingResultUpload int      `json:"pending_result_upload"`
	Error               int      `json:"error"`
	Active              []string `json:"active"`
	Slots               int      `json:"slots"`
	StreamClients       int      `json:"stream_clients"`
}

// BundleStatsResponse is the API response for bundle executions
type BundleStatsResponse struct {
	Completed int      `json:"completed"`
	Passed    int      `json:"passed"`
	Errored   int      `json:"errored"`
	InFlight  int      `json:"in_flight"`
	AvgTTR    string   `json:"avg_ttr"`
	LastHour  int      `json:"completed_last_hour"`
	Stuck     []string `json:"stuck"`
}

// AgentSummary aggregates the results of one agent
type AgentSummary struct {
	Agent         string   `json:"agent"`
	Bundles       int      `json:"bundles"`
	Passed        int      `json:"passed"`
	Score         float64  `json:"score"`
	MTTR          string   `json:"mttr"`
	IncidentTypes []string `json:"incident_types,omitempty"`
}

// ResultsResponse is the API response for the results of a benchmark
type ResultsResponse struct {
	BenchmarkID string              `json:"benchmark_id"`
	Agents      []AgentSummary      `json:"agents"`
	Results     []domain.ResultSpec `json:"results"`
}

func jobToResponse(j domain.BenchmarkJob) BenchmarkResponse {
	b := j.Benchmark
	resp := BenchmarkResponse{
		ID:        b.Metadata.ID,
		Name:      b.Spec.Name,
		Phase:     string(b.Phase()),
		RunnerID:  b.Spec.RunnerID,
		Bundles:   len(j.Bundles),
		Agents:    len(j.Agents),
		LogFile:   b.Spec.LogFilePath,
		CreatedAt: b.Metadata.CreationTimestamp.Format(time.RFC3339),
	}
	if b.Status != nil {
		if b.Status.Message != nil {
			resp.Message = *b.Status.Message
		}
		if !b.Status.LastTransitionTime.IsZero() {
			t := b.Status.LastTransitionTime.Format(time.RFC3339)
			resp.UpdatedAt = &t
		}
	}
	return resp
}

// summarize groups results by agent, in order of first appearance.
func summarize(results []domain.ResultSpec) []AgentSummary {
	var order []string
	byAgent := make(map[string][]domain.BundleResult)
	for _, r := range results {
		if _, ok := byAgent[r.Agent]; !ok {
			order = append(order, r.Agent)
		}
		byAgent[r.Agent] = append(byAgent[r.Agent], r.BundleResult)
	}

	summaries := make([]AgentSummary, 0, len(order))
	for _, agent := range order {
		a := observer.NewAnalyzer(byAgent[agent])
		summaries = append(summaries, AgentSummary{
			Agent:         agent,
			Bundles:       len(byAgent[agent]),
			Passed:        a.NumOfPassed(),
			Score:         a.PassRate(),
			MTTR:          a.MTTR().Round(time.Second).String(),
			IncidentTypes: a.IncidentTypes(),
		})
	}
	sort.SliceStable(summaries, func(i, j int) bool {
		return summaries[i].Score > summaries[j].Score
	})
	return summaries
}

func (s *Server) statusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobs, err := s.store.ListJobs(store.ListOptions{})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		status := StatusResponse{
			Total:         len(jobs),
			Active:        []string{},
			StreamClients: s.hub.Clients(),
		}
		for _, j := range jobs {
			switch j.Benchmark.Phase() {
			case domain.BenchmarkQueued:
				status.Queued++
			case domain.BenchmarkRunning:
				status.Running++
			case domain.BenchmarkFinished:
				status.Finished++
			case domain.BenchmarkPendingResultUpload:
				status.PendingResultUpload++
			case domain.BenchmarkError:
				status.Error++
			}
		}
		if s.opts.Pool != nil {
			status.Active = append(status.Active, s.opts.Pool.Running()...)
			status.Slots = s.opts.Pool.MaxTasks()
		}

		writeJSON(w, status)
	}
}

func (s *Server) listBenchmarksHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		opts := store.ListOptions{
			Phase:    domain.BenchmarkPhase(r.URL.Query().Get("phase")),
			RunnerID: r.URL.Query().Get("runner"),
		}
		jobs, err := s.store.ListJobs(opts)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		resp := make([]BenchmarkResponse, len(jobs))
		for i, j := range jobs {
			resp[i] = jobToResponse(j)
		}
		writeJSON(w, resp)
	}
}

func (s *Server) getBenchmarkHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := s.store.GetJob(r.PathValue("id"))
		if errors.Is(err, store.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "benchmark not found")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, jobToResponse(*job))
	}
}

func (s *Server) resultsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if _, err := s.store.GetJob(id); err != nil {
			if errors.Is(err, store.ErrJobNotFound) {
				writeError(w, http.StatusNotFound, "benchmark not found")
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		results, err := s.store.ListResults(id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if results == nil {
			results = []domain.ResultSpec{}
		}
		writeJSON(w, ResultsResponse{
			BenchmarkID: id,
			Agents:      summarize(results),
			Results:     results,
		})
	}
}

func (s *Server) eventsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := defaultEventLimit
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				writeError(w, http.StatusBadRequest, "limit must be a positive number")
				return
			}
			limit = min(n, maxEventLimit)
		}

		events, err := s.store.RecentEvents(limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if events == nil {
			events = []observer.Event{}
		}
		writeJSON(w, events)
	}
}

func (s *Server) scheduleHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobs := []schedule.JobStatus{}
		if s.opts.Scheduler != nil {
			jobs = append(jobs, s.opts.Scheduler.Status()...)
		}
		writeJSON(w, jobs)
	}
}

func (s *Server) bundlesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.opts.Tracker == nil {
			writeError(w, http.StatusNotFound, "bundle tracking is disabled")
			return
		}
		m := s.opts.Tracker.GetMetrics()
		stuck := s.opts.Tracker.Stuck(time.Now())
		sort.Strings(stuck)
		writeJSON(w, BundleStatsResponse{
			Completed: m.TotalCompleted,
			Passed:    m.TotalPassed,
			Errored:   m.TotalErrored,
			InFlight:  m.InFlight,
			AvgTTR:    m.AvgTTR.Round(time.Second).String(),
			LastHour:  len(s.opts.Tracker.GetRecentCompletions(time.Hour)),
			Stuck:     append([]string{}, stuck...),
		})
	}
}
