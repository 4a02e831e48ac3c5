// Package runner polls a job queue, takes benchmark jobs and runs them.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hochfrequenz/agent-bench-runner/internal/benchmark"
	"github.com/hochfrequenz/agent-bench-runner/internal/clock"
	"github.com/hochfrequenz/agent-bench-runner/internal/domain"
	"github.com/hochfrequenz/agent-bench-runner/internal/jobqueue"
	"github.com/hochfrequenz/agent-bench-runner/internal/notify"
	"github.com/hochfrequenz/agent-bench-runner/internal/observer"
	"github.com/hochfrequenz/agent-bench-runner/internal/restclient"
	"github.com/hochfrequenz/agent-bench-runner/internal/schedule"
)

// DefaultPollInterval is used when Options.PollSchedule is empty.
const DefaultPollInterval = 10 * time.Second

// ResultStore keeps the bundle results of finished benchmarks
type ResultStore interface {
	SaveResults(benchmarkID string, results []domain.ResultSpec) error
}

// Options configures a Runner
type Options struct {
	RunnerID string
	Queue    jobqueue.Queue
	// Registry serves bundles and agents of jobs that do not carry them.
	// Requests use the agent token of the job.
	Registry *restclient.Client
	// Authenticate runs before each poll, e.g. a service account login.
	Authenticate func(ctx context.Context) error
	Results      ResultStore
	Notifier     notify.Notifier

	// PollSchedule is a cron expression or interval. Defaults to every 10s.
	PollSchedule  string
	MaxConcurrent int
	// SingleRun stops the runner once no benchmark is running after a poll.
	SingleRun bool
	// Mini marks finished benchmarks PendingResultUpload instead of Finished.
	Mini bool

	SoftDelete     bool
	ResolutionWait int
	IsTest         bool
	LogDir         string
	OutputRoot     string

	// Bench is the template for each benchmark. Logger, Sink and Rest are
	// filled in per job, Clock when unset.
	Bench benchmark.Options

	Logger *slog.Logger
	Sink   observer.Sink
	Clock  clock.Clock
}

// Runner takes queued benchmark jobs and runs them
type Runner struct {
	opts     Options
	pool     *Pool
	sched    cron.Schedule
	interval time.Duration
	wg       sync.WaitGroup
	logger   *slog.Logger
	sink     observer.Sink
	clock    clock.Clock
	notifier notify.Notifier
}

// New validates the options and creates a runner.
func New(opts Options) (*Runner, error) {
	if opts.RunnerID == "" {
		return nil, errors.New("runner id is required")
	}
	if opts.Queue == nil {
		return nil, errors.New("job queue is required")
	}
	if opts.PollSchedule == "" {
		opts.PollSchedule = schedule.Every(DefaultPollInterval)
	}
	sched, err := schedule.Parse(opts.PollSchedule)
	if err != nil {
		return nil, fmt.Errorf("invalid poll schedule: %w", err)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.NoopNotifier{}
	}

	now := opts.Clock.Now()
	return &Runner{
		opts:     opts,
		pool:     NewPool(opts.MaxConcurrent),
		sched:    sched,
		interval: sched.Next(now).Sub(now),
		logger:   opts.Logger.With("component", "runner", "runner_id", opts.RunnerID),
		sink:     observer.OrNoop(opts.Sink),
		clock:    opts.Clock,
		notifier: opts.Notifier,
	}, nil
}

// Pool exposes the running benchmarks.
func (r *Runner) Pool() *Pool { return r.pool }

// Run polls the queue until ctx is done or, in single-run mode, until
// nothing is running after a poll. It waits for running benchmarks
// before returning.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("runner started", "schedule", r.opts.PollSchedule, "max_concurrent", r.pool.MaxTasks())
	err := schedule.Loop(ctx, r.sched, r.clock, func(ctx context.Context) bool {
		r.tick(ctx)
		return r.opts.SingleRun && len(r.pool.Running()) == 0
	})
	r.wg.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	r.logger.Info("runner stopped")
	return err
}

func (r *Runner) tick(ctx context.Context) {
	if r.pool.Available() == 0 {
		r.logger.Info("maximum concurrent benchmarks running", "running", r.pool.Running())
		return
	}
	if _, err := r.Poll(ctx); err != nil {
		r.logger.Error("poll failed", "error", err)
	}
}

// Poll lists the queue and takes the first job it can own. The job
// runs in the background; Poll returns its id, or "" when none was taken.
func (r *Runner) Poll(ctx context.Context) (string, error) {
	if r.opts.Authenticate != nil {
		if err := r.opts.Authenticate(ctx); err != nil {
			return "", fmt.Errorf("authenticating: %w", err)
		}
	}
	jobs, err := r.opts.Queue.List(ctx)
	if err != nil {
		return "", err
	}
	if len(jobs) == 0 {
		r.logger.Debug("no benchmark jobs queued")
		return "", nil
	}

	for _, job := range jobs {
		id := job.Benchmark.Metadata.ID
		res, err := r.opts.Queue.Take(ctx, id, r.opts.RunnerID)
		if err != nil {
			r.logger.Error("take failed", "benchmark_id", id, "error", err)
			continue
		}
		r.sink.Notify(observer.NewEvent(observer.EventJobTake, map[string]any{
			"benchmark_id": id, "runner_id": r.opts.RunnerID, "success": res.Success,
		}))
		if !res.Success {
			r.logger.Info("benchmark job already assigned", "benchmark_id", id, "message", res.Message)
			continue
		}
		if err := r.pool.Admit(id); err != nil {
			if errors.Is(err, ErrAlreadyRunning) {
				r.logger.Debug("benchmark already running here", "benchmark_id", id)
				continue
			}
			// taken but no slot left: hand the job back
			r.logger.Info("no free slot for taken benchmark", "benchmark_id", id)
			if err := r.release(ctx, id); err != nil {
				r.logger.Error("failed to release benchmark job", "benchmark_id", id, "error", err)
			}
			return "", nil
		}

		job.Benchmark.Spec.RunnerID = r.opts.RunnerID
		r.logger.Info("took benchmark job", "benchmark_id", id, "name", job.Benchmark.Spec.Name)
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			defer r.pool.Release(id)
			_ = r.Execute(ctx, job)
		}()
		return id, nil
	}
	return "", nil
}

// Wait blocks until every benchmark started by Poll has ended.
func (r *Runner) Wait() { r.wg.Wait() }
