package sync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"slices"
	gosync "sync"
	"testing"
	"time"

	"github.com/hochfrequenz/agent-bench-runner/internal/clock"
	"github.com/hochfrequenz/agent-bench-runner/internal/domain"
	"github.com/hochfrequenz/agent-bench-runner/internal/observer"
	"github.com/hochfrequenz/agent-bench-runner/internal/restclient"
)

func info(id, phase, runner string) domain.BenchmarkInfo {
	b := domain.BenchmarkInfo{ID: id, Name: "bench " + id, RunnerID: runner}
	if phase != "" {
		s := domain.NewStatus(phase, "")
		b.Status = &s
	}
	return b
}

func status(phase string) *domain.Status {
	s := domain.NewStatus(phase, "")
	return &s
}

func TestDiff(t *testing.T) {
	tests := []struct {
		name                     string
		source, secondary        []string
		wantNew, wantEx, wantObs []string
	}{
		{"overlap", []string{"A", "B"}, []string{"B", "C"}, []string{"A"}, []string{"B"}, []string{"C"}},
		{"empty secondary", []string{"A", "B"}, nil, []string{"A", "B"}, nil, nil},
		{"empty source", nil, []string{"C"}, nil, nil, []string{"C"}},
		{"same", []string{"A"}, []string{"A"}, nil, []string{"A"}, nil},
		{"duplicates", []string{"A", "A"}, []string{"C", "C"}, []string{"A"}, nil, []string{"C"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var source, secondary []domain.BenchmarkInfo
			for _, id := range tt.source {
				source = append(source, domain.BenchmarkInfo{ID: id})
			}
			for _, id := range tt.secondary {
				secondary = append(secondary, domain.BenchmarkInfo{ID: id})
			}
			d := Diff(source, secondary)
			check := func(kind string, got []domain.BenchmarkInfo, want []string) {
				ids := IDs(got)
				if len(ids) == 0 && len(want) == 0 {
					return
				}
				if !reflect.DeepEqual(ids, want) {
					t.Errorf("%s = %v, want %v", kind, ids, want)
				}
			}
			check("new", d.New, tt.wantNew)
			check("existing", d.Existing, tt.wantEx)
			check("obsolete", d.Obsolete, tt.wantObs)
		})
	}
}

// registry is an in-memory registry server recording every request
type registry struct {
	mu       gosync.Mutex
	requests []string
	bodies   map[string][]json.RawMessage
	*httptest.Server
}

// failing answers the listed calls of a route, counted from one, with code
// and every other call with reply.
type failing struct {
	calls []int
	code  int
	reply any
}

func newRegistry(t *testing.T, routes map[string]any) *registry {
	t.Helper()
	reg := &registry{bodies: map[string][]json.RawMessage{}}
	reg.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Method + " " + r.URL.Path
		if r.URL.RawQuery != "" {
			key += "?" + r.URL.RawQuery
		}
		var body json.RawMessage
		_ = json.NewDecoder(r.Body).Decode(&body)

		reg.mu.Lock()
		reg.requests = append(reg.requests, key)
		if body != nil {
			reg.bodies[key] = append(reg.bodies[key], body)
		}
		reg.mu.Unlock()
		call := reg.count(key)

		reply, ok := routes[key]
		if !ok {
			if r.Method == http.MethodGet {
				http.NotFound(w, r)
			}
			return
		}
		if f, ok := reply.(failing); ok {
			if slices.Contains(f.calls, call) {
				w.WriteHeader(f.code)
				return
			}
			reply = f.reply
		}
		if reply == nil {
			return
		}
		if code, ok := reply.(int); ok {
			w.WriteHeader(code)
			return
		}
		_ = json.NewEncoder(w).Encode(reply)
	}))
	t.Cleanup(reg.Close)
	return reg
}

func (r *registry) client() *restclient.Client {
	return restclient.NewWithBaseURL(r.URL, restclient.Endpoint{RateLimit: -1})
}

func (r *registry) count(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, k := range r.requests {
		if k == key {
			n++
		}
	}
	return n
}

func (r *registry) statuses(key string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var phases []string
	for _, raw := range r.bodies[key] {
		var s domain.Status
		_ = json.Unmarshal(raw, &s)
		phases = append(phases, s.Phase)
	}
	return phases
}

func newSyncer(t *testing.T, source, secondary *registry, sink observer.Sink) *Syncer {
	t.Helper()
	s, err := New(Options{
		RunnerID:  "r1",
		Source:    source.client(),
		Secondary: secondary.client(),
		Sink:      sink,
	})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestSyncOnce_StartsNewBenchmarks(t *testing.T) {
	source := newRegistry(t, map[string]any{
		"GET /registry/list-benchmark?status=true": []domain.BenchmarkInfo{
			info("A", "Queued", ""),
			info("D", "Queued", "other"),
			info("E", "Finished", ""),
		},
		"PUT /benchmarks/A/take_benchmark_job":       domain.TakeResult{Success: true},
		"GET /registry/get-benchmark?benchmark_id=A": info("A", "Queued", "r1"),
	})
	secondary := newRegistry(t, map[string]any{
		"GET /registry/list-benchmark": []domain.BenchmarkInfo{},
	})
	rec := observer.NewRecorder(0)

	d, err := newSyncer(t, source, secondary, rec).SyncOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got := IDs(d.New); !reflect.DeepEqual(got, []string{"A", "D", "E"}) {
		t.Errorf("new = %v", got)
	}

	if n := source.count("PUT /benchmarks/A/take_benchmark_job"); n != 1 {
		t.Errorf("take A = %d, want 1", n)
	}
	if n := source.count("PUT /benchmarks/D/take_benchmark_job"); n != 0 {
		t.Errorf("take D = %d, want 0 for a benchmark of another runner", n)
	}
	if got := source.statuses("PUT /benchmarks/A/status"); !reflect.DeepEqual(got, []string{"Running"}) {
		t.Errorf("A status puts = %v, want [Running]", got)
	}
	if n := secondary.count("POST /mini-bench"); n != 1 {
		t.Errorf("mini-bench posts = %d, want 1", n)
	}

	events := rec.Named(observer.EventSyncCycle)
	if len(events) != 1 || events[0].Fields["started"] != 1 {
		t.Errorf("sync events = %+v", events)
	}
}

func TestSyncOnce_RejectedTakeSkipsBenchmark(t *testing.T) {
	source := newRegistry(t, map[string]any{
		"GET /registry/list-benchmark?status=true": []domain.BenchmarkInfo{info("A", "Queued", "")},
		"PUT /benchmarks/A/take_benchmark_job":     domain.TakeResult{Success: false, Message: "taken"},
	})
	secondary := newRegistry(t, map[string]any{
		"GET /registry/list-benchmark": []domain.BenchmarkInfo{},
	})

	if _, err := newSyncer(t, source, secondary, nil).SyncOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := source.count("PUT /benchmarks/A/status"); n != 0 {
		t.Errorf("status puts = %d, want 0", n)
	}
	if n := secondary.count("POST /mini-bench"); n != 0 {
		t.Errorf("mini-bench posts = %d, want 0", n)
	}
}

func TestSyncOnce_SyncsExistingBenchmarks(t *testing.T) {
	running := info("B", "Running", "r1")
	running.AgentAccess = &domain.AgentAccessInfo{ID: "ag1"}
	bundle := func(id, phase string) domain.RegistryBundle {
		return domain.RegistryBundle{Metadata: domain.Metadata{ID: id}, Status: status(phase)}
	}

	source := newRegistry(t, map[string]any{
		"GET /registry/list-benchmark?status=true": []domain.BenchmarkInfo{
			running,
			info("F", "Finished", "r1"),
			info("G", "Running", "other"),
		},
		"GET /benchmarks/B/bundles":    []domain.RegistryBundle{bundle("bx", "Ready"), bundle("by", "Evaluating")},
		"GET /benchmarks/B/agents/ag1": domain.RegistryAgent{Status: status("Executing")},
	})
	secondary := newRegistry(t, map[string]any{
		"GET /registry/list-benchmark": []domain.BenchmarkInfo{
			info("B", "", ""), info("F", "", ""), info("G", "", ""), info("C", "", ""),
		},
		"GET /benchmarks/B/bundles": []domain.RegistryBundle{
			bundle("bx", "Terminated"), bundle("by", "Evaluating"), bundle("bz", "Ready"),
		},
		"GET /benchmarks/B/agents/ag1": domain.RegistryAgent{Status: status("Finished")},
		"GET /benchmarks/B":            domain.Benchmark{Status: status("PendingResultUpload")},
		"GET /benchmarks/B/results": []domain.RegistryResult{
			{Spec: domain.ResultSpec{BundleID: "bx"}},
		},
	})

	d, err := newSyncer(t, source, secondary, nil).SyncOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got := IDs(d.Obsolete); !reflect.DeepEqual(got, []string{"C"}) {
		t.Errorf("obsolete = %v, want [C]", got)
	}

	if got := source.statuses("PUT /benchmarks/B/bundles/bx/status"); !reflect.DeepEqual(got, []string{"Terminated"}) {
		t.Errorf("bx status puts = %v", got)
	}
	for _, key := range []string{"PUT /benchmarks/B/bundles/by/status", "PUT /benchmarks/B/bundles/bz/status"} {
		if n := source.count(key); n != 0 {
			t.Errorf("%s = %d, want 0", key, n)
		}
	}
	if got := source.statuses("PUT /benchmarks/B/agents/ag1/status"); !reflect.DeepEqual(got, []string{"Finished"}) {
		t.Errorf("agent status puts = %v", got)
	}
	if got := source.statuses("PUT /benchmarks/B/status"); !reflect.DeepEqual(got, []string{"PendingResultUpload", "Finished"}) {
		t.Errorf("benchmark status puts = %v", got)
	}
	if n := source.count("POST /benchmarks/B/results/bulk"); n != 1 {
		t.Errorf("result uploads = %d, want 1", n)
	}

	// terminal or foreign benchmarks are left alone
	for _, id := range []string{"F", "G"} {
		if n := secondary.count("GET /benchmarks/" + id); n != 0 {
			t.Errorf("benchmark %s was synced", id)
		}
	}
}

func TestSyncOnce_SecondaryFailureKeepsBenchmarkQueued(t *testing.T) {
	source := newRegistry(t, map[string]any{
		"GET /registry/list-benchmark?status=true":   []domain.BenchmarkInfo{info("A", "Queued", "")},
		"PUT /benchmarks/A/take_benchmark_job":       domain.TakeResult{Success: true},
		"GET /registry/get-benchmark?benchmark_id=A": info("A", "Queued", "r1"),
	})
	secondary := newRegistry(t, map[string]any{
		"GET /registry/list-benchmark": []domain.BenchmarkInfo{},
		"POST /mini-bench":             failing{calls: []int{1}, code: http.StatusServiceUnavailable},
	})
	s := newSyncer(t, source, secondary, nil)
	ctx := context.Background()

	if _, err := s.SyncOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if n := source.count("PUT /benchmarks/A/status"); n != 0 {
		t.Errorf("status puts after failed hand-over = %d, want 0", n)
	}

	if _, err := s.SyncOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if n := secondary.count("POST /mini-bench"); n != 2 {
		t.Errorf("mini-bench posts = %d, want 2", n)
	}
	if got := source.statuses("PUT /benchmarks/A/status"); !reflect.DeepEqual(got, []string{"Running"}) {
		t.Errorf("A status puts = %v, want [Running]", got)
	}
}

func TestSyncOnce_FinishedRetryKeepsSingleUpload(t *testing.T) {
	source := newRegistry(t, map[string]any{
		"GET /registry/list-benchmark?status=true": []domain.BenchmarkInfo{info("B", "Running", "r1")},
		"GET /benchmarks/B/bundles":                []domain.RegistryBundle{},
		"PUT /benchmarks/B/status":                 failing{calls: []int{2}, code: http.StatusInternalServerError},
	})
	secondary := newRegistry(t, map[string]any{
		"GET /registry/list-benchmark": []domain.BenchmarkInfo{info("B", "", "")},
		"GET /benchmarks/B/bundles":    []domain.RegistryBundle{},
		"GET /benchmarks/B":            domain.Benchmark{Status: status("PendingResultUpload")},
		"GET /benchmarks/B/results":    []domain.RegistryResult{{Spec: domain.ResultSpec{BundleID: "bx"}}},
	})
	s := newSyncer(t, source, secondary, nil)
	ctx := context.Background()

	for range 2 {
		if _, err := s.SyncOnce(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if n := source.count("POST /benchmarks/B/results/bulk"); n != 1 {
		t.Errorf("result uploads = %d, want 1", n)
	}
	want := []string{"PendingResultUpload", "Finished", "PendingResultUpload", "Finished"}
	if got := source.statuses("PUT /benchmarks/B/status"); !reflect.DeepEqual(got, want) {
		t.Errorf("benchmark status puts = %v, want %v", got, want)
	}
	if s.resultsUploaded("B") {
		t.Error("B still marked as uploaded after it finished")
	}
}

func TestSyncOnce_ListingFailure(t *testing.T) {
	source := newRegistry(t, map[string]any{
		"GET /registry/list-benchmark?status=true": http.StatusInternalServerError,
	})
	secondary := newRegistry(t, map[string]any{
		"GET /registry/list-benchmark": []domain.BenchmarkInfo{},
	})
	if _, err := newSyncer(t, source, secondary, nil).SyncOnce(context.Background()); err == nil {
		t.Error("SyncOnce should fail when a listing fails")
	}
}

func TestRun_StopsAtTimeout(t *testing.T) {
	source := newRegistry(t, map[string]any{
		"GET /registry/list-benchmark?status=true": http.StatusBadGateway,
	})
	secondary := newRegistry(t, map[string]any{
		"GET /registry/list-benchmark": []domain.BenchmarkInfo{},
	})
	s, err := New(Options{
		RunnerID:  "r1",
		Source:    source.client(),
		Secondary: secondary.client(),
		Schedule:  "@every 10s",
		Timeout:   30 * time.Second,
		Clock:     clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := source.count("GET /registry/list-benchmark?status=true"); n != 3 {
		t.Errorf("cycles = %d, want 3 despite failures", n)
	}
}

func TestNew_RequiresRegistries(t *testing.T) {
	if _, err := New(Options{RunnerID: "r1"}); err == nil {
		t.Error("New without registries should fail")
	}
}
