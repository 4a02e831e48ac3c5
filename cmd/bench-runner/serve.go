package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/agent-bench-runner/internal/config"
	"github.com/hochfrequenz/agent-bench-runner/internal/jobfile"
	"github.com/hochfrequenz/agent-bench-runner/internal/metrics"
	"github.com/hochfrequenz/agent-bench-runner/internal/observer"
	"github.com/hochfrequenz/agent-bench-runner/internal/restclient"
	"github.com/hochfrequenz/agent-bench-runner/internal/schedule"
	bsync "github.com/hochfrequenz/agent-bench-runner/internal/sync"
	"github.com/hochfrequenz/agent-bench-runner/web/api"
)

var (
	servePort      int
	serveWithRun   bool
	serveWithSync  bool
	serveWatch     bool
	serveRunnerID  string
	serveQueueName string
	serveStuck     time.Duration
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the status API and run scheduled jobs",
		Long: `Serve the status API, the live event streams and /metrics. With
--runner and --sync the runner poll and the registry sync run as
scheduled jobs of the same process; their state is listed under
/api/schedule.`,
		RunE: runServe,
	}
	f := serveCmd.Flags()
	f.IntVar(&servePort, "port", 0, "port to listen on (default: web.port)")
	f.BoolVar(&serveWithRun, "runner", false, "poll the queue and run benchmarks")
	f.BoolVar(&serveWithSync, "sync", false, "sync the registry with the mini-bench")
	f.BoolVar(&serveWatch, "watch", false, "enqueue job files from the spool directory")
	f.StringVarP(&serveRunnerID, "runner-id", "i", "", "runner id")
	f.StringVar(&serveQueueName, "queue", "", "queue backend: rest, local or redis")
	f.DurationVar(&serveStuck, "stuck-after", 30*time.Minute, "report bundles running longer than this as stuck")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("port") {
		cfg.Web.Port = servePort
	}
	if cmd.Flags().Changed("runner-id") {
		cfg.Runner.ID = serveRunnerID
	}
	if cmd.Flags().Changed("queue") {
		cfg.Queue.Backend = serveQueueName
	}
	logger := newLogger()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	m := metrics.New()
	tracker := observer.New(serveStuck)
	server := api.NewServer(st, api.Options{
		Addr:    fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port),
		Tracker: tracker,
		Metrics: m.Handler(),
		Logger:  logger,
	})
	sink := eventSink(st, logger, m, tracker, server)

	var jobs []schedule.Job
	if serveWithRun {
		if cfg.Runner.ID == "" {
			return errors.New("a runner id is required, set --runner-id or runner.id")
		}
		r, closeQueue, err := buildRunner(cfg, st, logger, sink)
		if err != nil {
			return err
		}
		defer closeQueue()
		defer r.Wait()
		server.SetPool(r.Pool())

		jobs = append(jobs, schedule.Job{
			Name: "runner",
			Spec: schedule.Every(cfg.Runner.PollEvery()),
			Run: func(ctx context.Context) error {
				if r.Pool().Available() == 0 {
					return nil
				}
				_, err := r.Poll(ctx)
				return err
			},
		})
	}
	if serveWithSync {
		job, err := syncJob(cfg, logger, sink)
		if err != nil {
			return err
		}
		jobs = append(jobs, job)
	}
	if serveWatch {
		queue, closeQueue, err := newEnqueuer(cfg, st)
		if err != nil {
			return err
		}
		defer closeQueue()
		w, err := jobfile.NewWatcher(cfg.Queue.SpoolDir, queue, logger)
		if err != nil {
			return err
		}
		defer w.Stop()
		if err := w.Start(ctx); err != nil {
			return err
		}
	}

	sched, err := schedule.New(jobs, nil, logger)
	if err != nil {
		return err
	}
	server.SetScheduler(sched)
	go sched.Start(ctx)

	return server.Start(ctx)
}

// syncJob wraps a sync cycle as a scheduled job.
func syncJob(cfg *config.Config, logger *slog.Logger, sink observer.Sink) (schedule.Job, error) {
	if cfg.Runner.ID == "" {
		return schedule.Job{}, errors.New("a runner id is required, set --runner-id or runner.id")
	}
	source := restclient.New(cfg.Registry.Endpoint())
	login, err := authenticator(cfg, source)
	if err != nil {
		return schedule.Job{}, err
	}
	spec := cfg.Sync.Schedule
	if spec == "" {
		spec = schedule.Every(cfg.Sync.StatusSyncEvery())
	}
	s, err := bsync.New(bsync.Options{
		RunnerID:  cfg.Runner.ID,
		Source:    source,
		Secondary: restclient.New(cfg.MiniBench.Endpoint()),
		Schedule:  spec,
		Logger:    logger,
		Sink:      sink,
	})
	if err != nil {
		return schedule.Job{}, err
	}
	return schedule.Job{
		Name: "sync",
		Spec: spec,
		Run: func(ctx context.Context) error {
			if login != nil {
				if err := login(ctx); err != nil {
					return err
				}
			}
			_, err := s.SyncOnce(ctx)
			return err
		},
	}, nil
}
