// Package benchmark runs every agent of a benchmark against every bundle
// and aggregates the results.
package benchmark

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hochfrequenz/agent-bench-runner/internal/benchclient"
	"github.com/hochfrequenz/agent-bench-runner/internal/clock"
	"github.com/hochfrequenz/agent-bench-runner/internal/domain"
	"github.com/hochfrequenz/agent-bench-runner/internal/makeexec"
	"github.com/hochfrequenz/agent-bench-runner/internal/observer"
	"github.com/hochfrequenz/agent-bench-runner/internal/restclient"
)

// Options configures a Benchmark
type Options struct {
	// Runner starts make and local agent processes.
	Runner makeexec.Runner
	// Rest reaches the registry in push-model runs.
	Rest *restclient.Client
	// WorkspaceRoot holds the shared workspaces. Defaults to os.TempDir().
	WorkspaceRoot string

	WaitInterval  time.Duration
	WaitTimeout   time.Duration
	RetryInterval time.Duration
	MaxRetry      int
	AgentInterval time.Duration

	Logger *slog.Logger
	Sink   observer.Sink
	Clock  clock.Clock
}

// Benchmark orchestrates benchmark runs
type Benchmark struct {
	runner        makeexec.Runner
	rest          *restclient.Client
	workspaceRoot string
	opts          Options
	logger        *slog.Logger
	sink          observer.Sink
	clock         clock.Clock
}

// New creates an orchestrator.
func New(opts Options) *Benchmark {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Runner == nil {
		opts.Runner = &makeexec.ProcessRunner{Logger: opts.Logger}
	}
	if opts.WorkspaceRoot == "" {
		opts.WorkspaceRoot = os.TempDir()
	}
	return &Benchmark{
		runner:        opts.Runner,
		rest:          opts.Rest,
		workspaceRoot: opts.WorkspaceRoot,
		opts:          opts,
		logger:        opts.Logger.With("component", "benchmark"),
		sink:          observer.OrNoop(opts.Sink),
		clock:         opts.Clock,
	}
}

// Run executes the benchmark and returns one result per agent. It only
// fails when setup fails or ctx is cancelled; failures of single bundles
// become errored results.
func (b *Benchmark) Run(ctx context.Context, cfg domain.BenchRunConfig) ([]domain.BenchmarkResult, error) {
	outputDir, err := filepath.Abs(cfg.OutputDir)
	if err != nil {
		return nil, fmt.Errorf("resolving output dir: %w", err)
	}
	groups, err := b.setup(cfg, outputDir)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(groups))
	for _, g := range groups {
		names = append(names, g.agent.Name)
	}
	b.logger.Info("start benchmarking", "benchmark_id", cfg.BenchmarkID, "agents", strings.Join(names, ","))

	client := benchclient.New(b.rest, cfg.BenchmarkID, cfg.PushModel, b.opts.Logger)
	var results []domain.BenchmarkResult

	for _, g := range groups {
		agentDir := filepath.Join(outputDir, g.agent.Name)
		if err := os.MkdirAll(agentDir, 0755); err != nil {
			return results, fmt.Errorf("creating agent output dir: %w", err)
		}
		b.logger.Info("benchmark agent", "agent", g.agent.Name, "bundles", len(g.pairs))

		var bundleResults []domain.BundleResult
		for _, p := range g.pairs {
			if err := ctx.Err(); err != nil {
				return results, err
			}
			b.logger.Info("run scenario", "agent", g.agent.Name, "bundle", p.bundle.Name)

			if err := client.Validate(ctx); err != nil {
				if errors.Is(err, benchclient.ErrBenchmarkNotFound) {
					b.logger.Error("benchmark not found, it may have been deleted", "error", err)
					break
				}
				b.logger.Error("unhandled error, continuing with next bundle", "error", err)
				continue
			}

			res := b.runBundle(ctx, client, cfg, p, agentDir)
			if err := client.UploadResults(ctx, p.bundle.ID, []domain.BundleResult{res}); err != nil {
				b.logger.Error("unhandled error, continuing with next bundle", "error", err)
			}
			bundleResults = append(bundleResults, res)
		}

		b.logger.Info("finished benchmarking agent", "agent", g.agent.Name)
		b.logger.Info("summary\n" + SummaryTable(bundleResults))

		br := observer.NewAnalyzer(bundleResults).BenchmarkResult(cfg.Config.Title, g.agent.Name)
		br.ID = cfg.BenchmarkID
		b.sink.Notify(observer.NewEvent(observer.EventBenchmarkResult, map[string]any{
			"benchmark_id": cfg.BenchmarkID, "agent": g.agent.Name, "result": br,
		}))
		results = append(results, br)
	}

	b.logger.Info("finished benchmarking for all agents", "benchmark_id", cfg.BenchmarkID)
	return results, nil
}

// RunAndWrite runs the benchmark and writes the leaderboard files into
// the output directory.
func (b *Benchmark) RunAndWrite(ctx context.Context, cfg domain.BenchRunConfig) ([]domain.BenchmarkResult, error) {
	results, err := b.Run(ctx, cfg)
	if err != nil {
		return results, err
	}
	if err := WriteLeaderboard(results, cfg.OutputDir); err != nil {
		return results, err
	}
	return results, nil
}

func writeBundleResult(dir string, r domain.BundleResult) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, BundleResultFileName), data, 0644)
}
