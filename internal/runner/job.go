package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/hochfrequenz/agent-bench-runner/internal/benchclient"
	"github.com/hochfrequenz/agent-bench-runner/internal/benchmark"
	"github.com/hochfrequenz/agent-bench-runner/internal/domain"
	"github.com/hochfrequenz/agent-bench-runner/internal/notify"
	"github.com/hochfrequenz/agent-bench-runner/internal/observer"
	"github.com/hochfrequenz/agent-bench-runner/internal/restclient"
)

// RunSettings are the runner-wide parts of a run config
type RunSettings struct {
	SoftDelete     bool
	ResolutionWait int
	IsTest         bool
	OutputRoot     string
	// Interval is the agent status interval in seconds.
	Interval int
}

// BuildRunConfig assembles the run config of a benchmark from its
// registry definitions. Output goes to OutputRoot/<benchmark id>.
func BuildRunConfig(b domain.Benchmark, agents []domain.RegistryAgent, bundles []domain.RegistryBundle, pushModel bool, s RunSettings) domain.BenchRunConfig {
	cfg := domain.BenchRunConfig{
		BenchmarkID: b.Metadata.ID,
		PushModel:   pushModel,
		Config: domain.BenchConfig{
			Title:          b.Spec.Name,
			IsTest:         s.IsTest,
			SoftDelete:     s.SoftDelete,
			ResolutionWait: s.ResolutionWait,
		},
		OutputDir: filepath.Join(s.OutputRoot, b.Metadata.ID),
		Interval:  s.Interval,
	}
	for i := range agents {
		cfg.Agents = append(cfg.Agents, agents[i].ToAgentInfo())
	}
	for i := range bundles {
		cfg.Bundles = append(cfg.Bundles, bundles[i].ToBundle())
	}
	return cfg
}

// Execute runs one taken job to its end and reports the phases to the
// queue. On failure the job is released and marked Error.
func (r *Runner) Execute(ctx context.Context, job domain.BenchmarkJob) error {
	b := job.Benchmark
	id := b.Metadata.ID

	logger, logPath, closeLog, err := openBenchmarkLog(r.logger, r.opts.LogDir, id)
	if err != nil {
		r.logger.Warn("benchmark log unavailable", "benchmark_id", id, "error", err)
		logger, logPath, closeLog = r.logger.With("benchmark_id", id), "", func() {}
	}
	defer closeLog()

	cfg, rest, err := r.prepare(ctx, job, logger)
	if err != nil {
		return r.fail(ctx, b, err, logger)
	}

	r.setPhase(&b, domain.BenchmarkRunning, "")
	b.Spec.LogFilePath = logPath
	if err := r.opts.Queue.Update(ctx, b); err != nil {
		return r.fail(ctx, b, err, logger)
	}
	logger.Info("benchmark running", "name", b.Spec.Name, "agents", len(cfg.Agents), "bundles", len(cfg.Bundles))

	bopts := r.opts.Bench
	bopts.Rest = rest
	bopts.Logger = logger
	bopts.Sink = r.sink
	if bopts.Clock == nil {
		bopts.Clock = r.clock
	}
	results, err := benchmark.New(bopts).RunAndWrite(ctx, cfg)
	if err != nil {
		return r.fail(ctx, b, err, logger)
	}
	b.Spec.BundleResultsPath = filepath.Join(cfg.OutputDir, benchmark.BundleResultsFile)
	r.saveResults(id, cfg, results, logger)

	phase := domain.BenchmarkFinished
	if r.opts.Mini {
		phase = domain.BenchmarkPendingResultUpload
	}
	r.setPhase(&b, phase, "")
	if err := r.opts.Queue.Update(ctx, b); err != nil {
		return r.fail(ctx, b, err, logger)
	}
	logger.Info("benchmark finished", "phase", phase)

	n := notify.Finished(id, b.Spec.Name, results)
	n.LogFile = logPath
	r.send(n, logger)
	return nil
}

// prepare resolves bundles and agents, either from the job itself or
// from the registry using the job's agent token.
func (r *Runner) prepare(ctx context.Context, job domain.BenchmarkJob, logger *slog.Logger) (domain.BenchRunConfig, *restclient.Client, error) {
	settings := RunSettings{
		SoftDelete:     r.opts.SoftDelete,
		ResolutionWait: r.opts.ResolutionWait,
		IsTest:         r.opts.IsTest,
		OutputRoot:     r.opts.OutputRoot,
		Interval:       int(r.interval.Seconds()),
	}
	if job.Inline() {
		return BuildRunConfig(job.Benchmark, job.Agents, job.Bundles, false, settings), nil, nil
	}
	if r.opts.Registry == nil {
		return domain.BenchRunConfig{}, nil, errors.New("job has no definitions and no registry is configured")
	}

	rest := r.opts.Registry.WithToken(job.Token())
	client := benchclient.New(rest, job.Benchmark.Metadata.ID, true, logger)
	bundles, err := client.ListBundles(ctx)
	if err != nil {
		return domain.BenchRunConfig{}, nil, err
	}
	agents, err := client.ListAgents(ctx)
	if err != nil {
		return domain.BenchRunConfig{}, nil, err
	}
	return BuildRunConfig(job.Benchmark, agents, bundles, true, settings), rest, nil
}

// fail marks the benchmark Error and gives the job back to the queue.
// Cleanup outlives a cancelled ctx.
func (r *Runner) fail(ctx context.Context, b domain.Benchmark, cause error, logger *slog.Logger) error {
	ctx = context.WithoutCancel(ctx)
	id := b.Metadata.ID
	msg := fmt.Sprintf("Error while running benchmark '%s': %v", id, cause)
	logger.Error(msg)

	if err := r.release(ctx, id); err != nil {
		rel := fmt.Sprintf("Failed to release job of benchmark id '%s': %v", id, err)
		logger.Error(rel)
		msg += "\n" + rel
	}

	r.setPhase(&b, domain.BenchmarkError, msg)
	if err := r.opts.Queue.Update(ctx, b); err != nil {
		logger.Error("failed to update benchmark status", "error", err)
	}

	n := notify.Failed(id, b.Spec.Name, msg)
	n.LogFile = b.Spec.LogFilePath
	r.send(n, logger)
	return cause
}

// release gives the job back to the queue, also after ctx is cancelled.
func (r *Runner) release(ctx context.Context, id string) error {
	res, err := r.opts.Queue.Release(context.WithoutCancel(ctx), id)
	if err == nil && !res.Success {
		err = errors.New(res.Message)
	}
	r.sink.Notify(observer.NewEvent(observer.EventJobRelease, map[string]any{
		"benchmark_id": id, "runner_id": r.opts.RunnerID, "success": err == nil,
	}))
	return err
}

func (r *Runner) setPhase(b *domain.Benchmark, phase domain.BenchmarkPhase, msg string) {
	s := domain.NewStatus(string(phase), msg)
	s.LastTransitionTime = r.clock.Now().UTC()
	b.Status = &s
	r.sink.Notify(observer.NewEvent(observer.EventBenchmarkPhase, map[string]any{
		"benchmark_id": b.Metadata.ID, "phase": string(phase),
	}))
}

func (r *Runner) saveResults(id string, cfg domain.BenchRunConfig, results []domain.BenchmarkResult, logger *slog.Logger) {
	if r.opts.Results == nil {
		return
	}
	bundleIDs := make(map[string]string, len(cfg.Bundles))
	for _, bundle := range cfg.Bundles {
		bundleIDs[bundle.Name] = bundle.ID
	}
	var specs []domain.ResultSpec
	for _, br := range results {
		for _, res := range br.Results {
			specs = append(specs, domain.ResultSpec{BundleResult: res, BundleID: bundleIDs[res.Name]})
		}
	}
	if err := r.opts.Results.SaveResults(id, specs); err != nil {
		logger.Error("failed to store results", "error", err)
	}
}

func (r *Runner) send(n notify.Notification, logger *slog.Logger) {
	if err := r.notifier.Send(n); err != nil {
		logger.Warn("notification failed", "error", err)
	}
}
