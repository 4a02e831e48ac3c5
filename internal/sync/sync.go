package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	gosync "sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/agent-bench-runner/internal/clock"
	"github.com/hochfrequenz/agent-bench-runner/internal/domain"
	"github.com/hochfrequenz/agent-bench-runner/internal/observer"
	"github.com/hochfrequenz/agent-bench-runner/internal/restclient"
	"github.com/hochfrequenz/agent-bench-runner/internal/schedule"
)

// DefaultSchedule runs a sync cycle every ten seconds.
const DefaultSchedule = "@every 10s"

// Options configures a Syncer
type Options struct {
	RunnerID string
	// Source is the registry benchmarks originate from.
	Source *restclient.Client
	// Secondary is the registry that runs them, e.g. a mini-bench.
	Secondary *restclient.Client
	// Schedule is a cron expression or interval. Defaults to DefaultSchedule.
	Schedule string
	// Timeout bounds Run. Zero means no limit.
	Timeout time.Duration

	Logger *slog.Logger
	Sink   observer.Sink
	Clock  clock.Clock
}

// Syncer moves queued benchmarks of the source registry to the secondary
// and copies status and results back.
type Syncer struct {
	opts   Options
	logger *slog.Logger
	sink   observer.Sink
	clock  clock.Clock

	mu gosync.Mutex

	// uploaded holds benchmarks whose results reached the source but
	// which are not marked finished there yet.
	uploaded map[string]bool
}

// New validates the options and creates a syncer.
func New(opts Options) (*Syncer, error) {
	if opts.Source == nil || opts.Secondary == nil {
		return nil, errors.New("source and secondary registries are required")
	}
	if opts.Schedule == "" {
		opts.Schedule = DefaultSchedule
	}
	if _, err := schedule.Parse(opts.Schedule); err != nil {
		return nil, fmt.Errorf("invalid sync schedule: %w", err)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	return &Syncer{
		opts:   opts,
		logger: opts.Logger.With("component", "sync"),
		sink:   observer.OrNoop(opts.Sink),
		clock:  opts.Clock,

		uploaded: map[string]bool{},
	}, nil
}

// Run syncs on the schedule until ctx is done or the timeout elapses.
// A failed cycle is logged and never stops the loop.
func (s *Syncer) Run(ctx context.Context) error {
	sched, _ := schedule.Parse(s.opts.Schedule)
	var deadline time.Time
	if s.opts.Timeout > 0 {
		deadline = s.clock.Now().Add(s.opts.Timeout)
	}
	s.logger.Info("sync started", "schedule", s.opts.Schedule, "timeout", s.opts.Timeout)

	err := schedule.Loop(ctx, sched, s.clock, func(ctx context.Context) bool {
		if !deadline.IsZero() && !s.clock.Now().Before(deadline) {
			s.logger.Info("sync timeout reached")
			return true
		}
		if _, err := s.SyncOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("sync cycle failed", "error", err)
		}
		return false
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// SyncOnce runs one cycle and returns the diff it worked on.
func (s *Syncer) SyncOnce(ctx context.Context) (DiffResult, error) {
	var source, secondary []domain.BenchmarkInfo
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		source, err = s.list(gctx, s.opts.Source, true)
		if err != nil {
			return fmt.Errorf("listing source benchmarks: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		secondary, err = s.list(gctx, s.opts.Secondary, false)
		if err != nil {
			return fmt.Errorf("listing secondary benchmarks: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return DiffResult{}, err
	}

	d := Diff(source, secondary)
	s.logger.Debug("benchmarks listed", "source", len(source), "secondary", len(secondary))

	started := 0
	for _, b := range d.New {
		ok, err := s.start(ctx, b)
		if err != nil {
			s.logger.Error("failed to start benchmark on secondary", "benchmark_id", b.ID, "error", err)
			continue
		}
		if ok {
			started++
		}
	}
	for _, b := range d.Existing {
		if err := s.syncExisting(ctx, b); err != nil {
			s.logger.Error("failed to sync benchmark", "benchmark_id", b.ID, "error", err)
		}
	}
	if len(d.Obsolete) > 0 {
		s.logger.Info("benchmarks only on secondary", "ids", IDs(d.Obsolete))
	}

	s.sink.Notify(observer.NewEvent(observer.EventSyncCycle, map[string]any{
		"new": len(d.New), "existing": len(d.Existing), "obsolete": len(d.Obsolete), "started": started,
	}))
	return d, nil
}

func (s *Syncer) list(ctx context.Context, c *restclient.Client, withStatus bool) ([]domain.BenchmarkInfo, error) {
	path := "/registry/list-benchmark"
	if withStatus {
		path += "?status=true"
	}
	var infos []domain.BenchmarkInfo
	if err := c.Get(ctx, path, &infos); err != nil {
		return nil, err
	}
	return infos, nil
}

// start takes a queued source benchmark and hands it to the secondary.
// It reports false when the benchmark is not for this runner. The source
// is marked running only once the secondary accepted the benchmark; until
// then it stays queued and owned by this runner, and the next cycle retries.
func (s *Syncer) start(ctx context.Context, b domain.BenchmarkInfo) (bool, error) {
	if b.Phase() != domain.BenchmarkQueued {
		return false, nil
	}
	if b.RunnerID != "" && b.RunnerID != s.opts.RunnerID {
		return false, nil
	}

	if b.RunnerID == "" {
		var res domain.TakeResult
		path := fmt.Sprintf("/benchmarks/%s/take_benchmark_job", b.ID)
		if err := s.opts.Source.Put(ctx, path, domain.JobTake{RunnerID: s.opts.RunnerID}, &res); err != nil {
			return false, fmt.Errorf("taking benchmark: %w", err)
		}
		s.sink.Notify(observer.NewEvent(observer.EventJobTake, map[string]any{
			"benchmark_id": b.ID, "runner_id": s.opts.RunnerID, "success": res.Success,
		}))
		if !res.Success {
			s.logger.Info("benchmark job already assigned", "benchmark_id", b.ID, "message", res.Message)
			return false, nil
		}
	}

	var info domain.BenchmarkInfo
	if err := s.opts.Source.Get(ctx, "/registry/get-benchmark?benchmark_id="+url.QueryEscape(b.ID), &info); err != nil {
		return false, fmt.Errorf("reading benchmark: %w", err)
	}
	if err := s.opts.Secondary.Post(ctx, "/mini-bench", info, nil); err != nil {
		return false, fmt.Errorf("creating benchmark on secondary: %w", err)
	}
	if err := s.putStatus(ctx, b.ID, domain.BenchmarkRunning); err != nil {
		return false, err
	}
	s.logger.Info("benchmark started on secondary", "benchmark_id", b.ID, "name", b.Name)
	return true, nil
}

// syncExisting copies bundle, agent and benchmark status from the
// secondary to the source, then uploads results once they are ready.
func (s *Syncer) syncExisting(ctx context.Context, b domain.BenchmarkInfo) error {
	if b.RunnerID != s.opts.RunnerID || b.Phase().Terminal() {
		return nil
	}
	logger := s.logger.With("benchmark_id", b.ID)

	if err := s.syncBundles(ctx, b.ID, logger); err != nil {
		return err
	}
	if b.AgentAccess != nil && b.AgentAccess.ID != "" {
		if err := s.syncAgent(ctx, b.ID, b.AgentAccess.ID, logger); err != nil {
			return err
		}
	}

	var bm domain.Benchmark
	if err := s.opts.Secondary.Get(ctx, fmt.Sprintf("/benchmarks/%s", b.ID), &bm); err != nil {
		return fmt.Errorf("reading secondary benchmark: %w", err)
	}
	if bm.Status != nil && !bm.Status.SameAs(b.Status) {
		if err := s.opts.Source.Put(ctx, fmt.Sprintf("/benchmarks/%s/status", b.ID), bm.Status, nil); err != nil {
			return fmt.Errorf("pushing benchmark status: %w", err)
		}
		logger.Info("benchmark status synced", "phase", bm.Status.Phase)
	}

	if bm.Phase() == domain.BenchmarkPendingResultUpload {
		return s.uploadResults(ctx, b.ID, logger)
	}
	return nil
}

func (s *Syncer) syncBundles(ctx context.Context, id string, logger *slog.Logger) error {
	var secondary, source []domain.RegistryBundle
	path := fmt.Sprintf("/benchmarks/%s/bundles", id)
	if err := s.opts.Secondary.Get(ctx, path, &secondary); err != nil {
		return fmt.Errorf("listing secondary bundles: %w", err)
	}
	if err := s.opts.Source.Get(ctx, path, &source); err != nil {
		return fmt.Errorf("listing source bundles: %w", err)
	}

	byID := make(map[string]domain.RegistryBundle, len(source))
	for _, b := range source {
		byID[b.Metadata.ID] = b
	}
	for _, b := range secondary {
		counterpart, ok := byID[b.Metadata.ID]
		if !ok || b.Status == nil || b.Status.SameAs(counterpart.Status) {
			continue
		}
		if err := s.opts.Source.Put(ctx, fmt.Sprintf("%s/%s/status", path, b.Metadata.ID), b.Status, nil); err != nil {
			return fmt.Errorf("pushing bundle status: %w", err)
		}
		logger.Debug("bundle status synced", "bundle_id", b.Metadata.ID, "phase", b.Status.Phase)
	}
	return nil
}

func (s *Syncer) syncAgent(ctx context.Context, id, agentID string, logger *slog.Logger) error {
	path := fmt.Sprintf("/benchmarks/%s/agents/%s", id, agentID)
	var secondary, source domain.RegistryAgent
	if err := s.opts.Secondary.Get(ctx, path, &secondary); err != nil {
		return fmt.Errorf("reading secondary agent: %w", err)
	}
	if err := s.opts.Source.Get(ctx, path, &source); err != nil && !restclient.IsNotFound(err) {
		return fmt.Errorf("reading source agent: %w", err)
	}
	if secondary.Status == nil || secondary.Status.SameAs(source.Status) {
		return nil
	}
	if err := s.opts.Source.Put(ctx, path+"/status", secondary.Status, nil); err != nil {
		return fmt.Errorf("pushing agent status: %w", err)
	}
	logger.Debug("agent status synced", "agent_id", agentID, "phase", secondary.Status.Phase)
	return nil
}

func (s *Syncer) uploadResults(ctx context.Context, id string, logger *slog.Logger) error {
	if !s.resultsUploaded(id) {
		var results []domain.RegistryResult
		if err := s.opts.Secondary.Get(ctx, fmt.Sprintf("/benchmarks/%s/results", id), &results); err != nil {
			return fmt.Errorf("reading secondary results: %w", err)
		}
		specs := make([]domain.ResultSpec, 0, len(results))
		for _, r := range results {
			specs = append(specs, r.Spec)
		}
		if err := s.opts.Source.Post(ctx, fmt.Sprintf("/benchmarks/%s/results/bulk", id), specs, nil); err != nil {
			return fmt.Errorf("uploading results: %w", err)
		}
		s.setUploaded(id, true)
		logger.Info("results uploaded", "results", len(specs))
	}
	if err := s.putStatus(ctx, id, domain.BenchmarkFinished); err != nil {
		return err
	}
	s.setUploaded(id, false)
	return nil
}

func (s *Syncer) resultsUploaded(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uploaded[id]
}

func (s *Syncer) setUploaded(id string, done bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if done {
		s.uploaded[id] = true
		return
	}
	delete(s.uploaded, id)
}

func (s *Syncer) putStatus(ctx context.Context, id string, phase domain.BenchmarkPhase) error {
	st := domain.NewStatus(string(phase), "")
	st.LastTransitionTime = s.clock.Now().UTC()
	if err := s.opts.Source.Put(ctx, fmt.Sprintf("/benchmarks/%s/status", id), st, nil); err != nil {
		return fmt.Errorf("pushing %s status: %w", phase, err)
	}
	s.sink.Notify(observer.NewEvent(observer.EventBenchmarkPhase, map[string]any{
		"benchmark_id": id, "phase": string(phase),
	}))
	return nil
}
