package runner

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hochfrequenz/agent-bench-runner/internal/clock"
	"github.com/hochfrequenz/agent-bench-runner/internal/domain"
	"github.com/hochfrequenz/agent-bench-runner/internal/jobqueue"
	"github.com/hochfrequenz/agent-bench-runner/internal/makeexec"
	"github.com/hochfrequenz/agent-bench-runner/internal/observer"
	"github.com/hochfrequenz/agent-bench-runner/internal/restclient"
	"github.com/hochfrequenz/agent-bench-runner/internal/store"
)

var start = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

// passingProcesses answers make targets of bundles that always resolve
type passingProcesses struct {
	mu    sync.Mutex
	conds map[string]domain.Conditions
}

func (p *passingProcesses) Run(ctx context.Context, inv makeexec.Invocation) (*makeexec.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conds == nil {
		p.conds = map[string]domain.Conditions{}
	}
	if inv.Name != "make" {
		return &makeexec.Result{Stdout: "fixed it"}, nil
	}

	set := func(condType string, status domain.ConditionStatus) {
		p.conds[inv.Dir] = p.conds[inv.Dir].Set(domain.Condition{Type: condType, Status: status})
	}
	switch inv.Args[0] {
	case "deploy_bundle":
		set(domain.ConditionDeployed, domain.ConditionTrue)
	case "inject_fault":
		set(domain.ConditionFaultInjected, domain.ConditionTrue)
	case "get_status":
		data, _ := json.Marshal(map[string]any{"status": domain.BundleStatus{Conditions: p.conds[inv.Dir]}})
		return &makeexec.Result{Stdout: string(data)}, nil
	case "get":
		return &makeexec.Result{Stdout: `{"metadata":{"goal":"restore"}}`}, nil
	case "evaluate":
		return &makeexec.Result{Stdout: `{"pass": true, "details": "ok"}`}, nil
	case "delete":
		set(domain.ConditionDestroyed, domain.ConditionTrue)
	case "revert":
		set(domain.ConditionFaultInjected, domain.ConditionFalse)
	}
	return &makeexec.Result{}, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func inlineJob(t *testing.T, id string) domain.BenchmarkJob {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "bundle1")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	return domain.BenchmarkJob{
		Benchmark: domain.Benchmark{
			Metadata: domain.Metadata{ID: id, CreationTimestamp: start},
			Spec:     domain.BenchmarkSpec{Name: "nightly"},
		},
		Bundles: []domain.RegistryBundle{{
			Metadata: domain.Metadata{ID: "bundle1-id"},
			Spec:     domain.BundleSpec{Name: "bundle1", Path: dir},
		}},
		Agents: []domain.RegistryAgent{{
			Metadata: domain.Metadata{ID: "agent1-id"},
			Spec: domain.AgentSpec{
				Name: "agent1",
				Path: t.TempDir(),
				Run:  &domain.AgentRunCommand{Command: []string{"run-agent"}},
			},
		}},
	}
}

type fixture struct {
	store  *store.Store
	queue  *jobqueue.LocalQueue
	logDir string
	rec    *observer.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return &fixture{
		store:  st,
		queue:  jobqueue.NewLocalQueue(st),
		logDir: t.TempDir(),
		rec:    observer.NewRecorder(0),
	}
}

func (f *fixture) options(t *testing.T, q jobqueue.Queue) Options {
	opts := Options{
		RunnerID:     "r1",
		Queue:        q,
		Results:      f.store,
		PollSchedule: "@every 10s",
		SingleRun:    true,
		LogDir:       f.logDir,
		OutputRoot:   t.TempDir(),
		Logger:       quietLogger(),
		Sink:         f.rec,
		Clock:        clock.NewFake(start),
	}
	opts.Bench.Runner = &passingProcesses{}
	opts.Bench.WorkspaceRoot = t.TempDir()
	opts.Bench.Clock = clock.NewFake(start)
	return opts
}

func TestRunner_SingleRun(t *testing.T) {
	tests := []struct {
		name  string
		mini  bool
		phase domain.BenchmarkPhase
	}{
		{"registry", false, domain.BenchmarkFinished},
		{"mini", true, domain.BenchmarkPendingResultUpload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			if err := f.queue.Enqueue(ctx, inlineJob(t, "b1")); err != nil {
				t.Fatal(err)
			}

			opts := f.options(t, f.queue)
			opts.Mini = tt.mini
			r, err := New(opts)
			if err != nil {
				t.Fatal(err)
			}
			if err := r.Run(ctx); err != nil {
				t.Fatal(err)
			}

			job, err := f.store.GetJob("b1")
			if err != nil {
				t.Fatal(err)
			}
			if job.Benchmark.Phase() != tt.phase {
				t.Errorf("phase = %q, want %q (%s)", job.Benchmark.Phase(), tt.phase, job.Benchmark.Status.MessageText())
			}
			if job.Benchmark.Spec.RunnerID != "r1" {
				t.Errorf("owner = %q, want r1", job.Benchmark.Spec.RunnerID)
			}

			logPath := filepath.Join(f.logDir, LogFileName("b1"))
			if job.Benchmark.Spec.LogFilePath != logPath {
				t.Errorf("log file path = %q, want %q", job.Benchmark.Spec.LogFilePath, logPath)
			}
			data, err := os.ReadFile(logPath)
			if err != nil {
				t.Fatal(err)
			}
			if !strings.Contains(string(data), "benchmark finished") {
				t.Errorf("benchmark log misses the final line:\n%s", data)
			}

			results, err := f.store.ListResults("b1")
			if err != nil {
				t.Fatal(err)
			}
			if len(results) != 1 || !results[0].Passed || results[0].BundleID != "bundle1-id" {
				t.Errorf("stored results = %+v", results)
			}
			if got := len(f.rec.Named(observer.EventJobTake)); got != 1 {
				t.Errorf("take events = %d, want 1", got)
			}
		})
	}
}

func TestRunner_EmptyQueueSingleRun(t *testing.T) {
	f := newFixture(t)
	r, err := New(f.options(t, f.queue))
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := len(f.rec.Named(observer.EventJobTake)); n != 0 {
		t.Errorf("take events = %d, want 0", n)
	}
}

func TestRunner_PollSkipsJobsOfOtherRunners(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.queue.Enqueue(ctx, inlineJob(t, "b1")); err != nil {
		t.Fatal(err)
	}
	if _, err := f.queue.Take(ctx, "b1", "other"); err != nil {
		t.Fatal(err)
	}

	r, err := New(f.options(t, f.queue))
	if err != nil {
		t.Fatal(err)
	}
	id, err := r.Poll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	r.Wait()
	if id != "" {
		t.Errorf("Poll took %q, want nothing", id)
	}
	owner, _ := f.store.Owner("b1")
	if owner != "other" {
		t.Errorf("owner = %q, want other", owner)
	}
	events := f.rec.Named(observer.EventJobTake)
	if len(events) != 1 || events[0].Fields["success"] != false {
		t.Errorf("take events = %+v", events)
	}
}

func TestRunner_PollReleasesJobWithoutFreeSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.queue.Enqueue(ctx, inlineJob(t, "b1")); err != nil {
		t.Fatal(err)
	}

	r, err := New(f.options(t, f.queue))
	if err != nil {
		t.Fatal(err)
	}
	if !r.Pool().Acquire("busy") {
		t.Fatal("could not fill the pool")
	}

	id, err := r.Poll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	r.Wait()
	if id != "" {
		t.Errorf("Poll started %q with a full pool", id)
	}
	if owner, _ := f.store.Owner("b1"); owner != "" {
		t.Errorf("owner = %q, want the job released", owner)
	}
	events := f.rec.Named(observer.EventJobRelease)
	if len(events) != 1 || events[0].Fields["success"] != true {
		t.Errorf("release events = %+v", events)
	}
}

func TestExecute_FailureReleasesJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := inlineJob(t, "b1")
	job.Agents = nil
	if err := f.queue.Enqueue(ctx, job); err != nil {
		t.Fatal(err)
	}
	if _, err := f.queue.Take(ctx, "b1", "r1"); err != nil {
		t.Fatal(err)
	}

	r, err := New(f.options(t, f.queue))
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Execute(ctx, job); err == nil {
		t.Fatal("Execute without definitions or registry should fail")
	}

	stored, err := f.store.GetJob("b1")
	if err != nil {
		t.Fatal(err)
	}
	if stored.Benchmark.Phase() != domain.BenchmarkError {
		t.Errorf("phase = %q, want Error", stored.Benchmark.Phase())
	}
	msg := stored.Benchmark.Status.MessageText()
	if !strings.HasPrefix(msg, "Error while running benchmark 'b1': ") {
		t.Errorf("message = %q", msg)
	}
	if strings.Contains(msg, "Failed to release") {
		t.Errorf("release should have succeeded: %q", msg)
	}
	if owner, _ := f.store.Owner("b1"); owner != "" {
		t.Errorf("owner after failure = %q, want none", owner)
	}
}

// stuckQueue refuses releases and records updates
type stuckQueue struct {
	mu      sync.Mutex
	updates []domain.Benchmark
}

func (q *stuckQueue) List(ctx context.Context) ([]domain.BenchmarkJob, error) { return nil, nil }

func (q *stuckQueue) Take(ctx context.Context, id, runnerID string) (domain.TakeResult, error) {
	return domain.TakeResult{Success: true}, nil
}

func (q *stuckQueue) Release(ctx context.Context, id string) (domain.TakeResult, error) {
	return domain.TakeResult{Success: false, Message: "not the owner"}, nil
}

func (q *stuckQueue) Update(ctx context.Context, b domain.Benchmark) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.updates = append(q.updates, b)
	return nil
}

func TestExecute_ReleaseFailureIsReported(t *testing.T) {
	f := newFixture(t)
	q := &stuckQueue{}
	r, err := New(f.options(t, q))
	if err != nil {
		t.Fatal(err)
	}

	job := inlineJob(t, "b1")
	job.Bundles = nil
	cause := r.Execute(context.Background(), job)
	if cause == nil {
		t.Fatal("Execute should fail")
	}

	if len(q.updates) != 1 {
		t.Fatalf("updates = %d, want 1", len(q.updates))
	}
	msg := q.updates[0].Status.MessageText()
	want := "Error while running benchmark 'b1': " + cause.Error() +
		"\nFailed to release job of benchmark id 'b1': not the owner"
	if msg != want {
		t.Errorf("message = %q, want %q", msg, want)
	}
	if events := f.rec.Named(observer.EventJobRelease); len(events) != 1 || events[0].Fields["success"] != false {
		t.Errorf("release events = %+v", events)
	}
}

func TestExecute_FetchesDefinitionsWithAgentToken(t *testing.T) {
	job := inlineJob(t, "b1")
	var auth []string
	var mu sync.Mutex

	mux := http.NewServeMux()
	mux.HandleFunc("GET /benchmarks/b1/bundles", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		auth = append(auth, r.Header.Get("Authorization"))
		mu.Unlock()
		_ = json.NewEncoder(w).Encode(job.Bundles)
	})
	mux.HandleFunc("GET /benchmarks/b1/agents", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		auth = append(auth, r.Header.Get("Authorization"))
		mu.Unlock()
		_ = json.NewEncoder(w).Encode(job.Agents)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f := newFixture(t)
	opts := f.options(t, &stuckQueue{})
	opts.Registry = restclient.NewWithBaseURL(srv.URL, restclient.Endpoint{Token: "service", RateLimit: -1})
	r, err := New(opts)
	if err != nil {
		t.Fatal(err)
	}

	remote := job
	remote.Bundles, remote.Agents = nil, nil
	remote.AgentManifest = &domain.AgentManifest{Token: "agent-token"}
	cfg, rest, err := r.prepare(context.Background(), remote, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	if rest == nil || !cfg.PushModel {
		t.Error("registry jobs run in push model")
	}
	if len(cfg.Bundles) != 1 || len(cfg.Agents) != 1 {
		t.Fatalf("config = %+v", cfg)
	}
	mu.Lock()
	defer mu.Unlock()
	for _, h := range auth {
		if h != "Bearer agent-token" {
			t.Errorf("Authorization = %q, want the agent token", h)
		}
	}
}

func TestBuildRunConfig(t *testing.T) {
	job := inlineJob(t, "b1")
	cfg := BuildRunConfig(job.Benchmark, job.Agents, job.Bundles, false, RunSettings{
		SoftDelete: true,
		OutputRoot: "/out",
		Interval:   10,
	})
	if cfg.BenchmarkID != "b1" || cfg.Config.Title != "nightly" || !cfg.Config.SoftDelete {
		t.Errorf("config = %+v", cfg)
	}
	if cfg.OutputDir != filepath.Join("/out", "b1") {
		t.Errorf("output dir = %q", cfg.OutputDir)
	}
	if cfg.PushModel {
		t.Error("inline jobs do not push")
	}
	if cfg.Agents[0].Run == nil || cfg.Bundles[0].ID != "bundle1-id" {
		t.Errorf("definitions not converted: %+v", cfg)
	}
}

func TestNew_Validates(t *testing.T) {
	q := &stuckQueue{}
	tests := []struct {
		name string
		opts Options
	}{
		{"no runner id", Options{Queue: q}},
		{"no queue", Options{RunnerID: "r1"}},
		{"bad schedule", Options{RunnerID: "r1", Queue: q, PollSchedule: "sometimes"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.opts); err == nil {
				t.Error("New should fail")
			}
		})
	}
}
