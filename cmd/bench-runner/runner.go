package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/agent-bench-runner/internal/config"
	"github.com/hochfrequenz/agent-bench-runner/internal/metrics"
	"github.com/hochfrequenz/agent-bench-runner/internal/notify"
	"github.com/hochfrequenz/agent-bench-runner/internal/observer"
	"github.com/hochfrequenz/agent-bench-runner/internal/restclient"
	"github.com/hochfrequenz/agent-bench-runner/internal/runner"
	"github.com/hochfrequenz/agent-bench-runner/internal/schedule"
	"github.com/hochfrequenz/agent-bench-runner/internal/store"
)

var (
	runnerID          string
	runnerServiceType string
	runnerToken       string
	runnerSingleRun   bool
	runnerQueue       string
	runnerMini        bool
	runnerMetricsAddr string
)

func init() {
	runnerCmd := &cobra.Command{
		Use:   "runner",
		Short: "Take benchmark jobs from the queue and run them",
		RunE:  runRunner,
	}
	runnerCmd.Flags().StringVarP(&runnerID, "runner-id", "i", "", "unique runner id (default: config or a random UUID)")
	runnerCmd.Flags().StringVarP(&runnerServiceType, "service-type", "t", "", "service account type used to log in")
	runnerCmd.Flags().StringVar(&runnerToken, "token", "", "bearer token for the registry")
	runnerCmd.Flags().BoolVar(&runnerSingleRun, "single-run", false, "process the queued jobs once and exit")
	runnerCmd.Flags().StringVar(&runnerQueue, "queue", "", "queue backend: rest, local or redis")
	runnerCmd.Flags().BoolVar(&runnerMini, "mini", false, "run against the mini-bench registry")
	runnerCmd.Flags().StringVar(&runnerMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	rootCmd.AddCommand(runnerCmd)
}

// applyRunnerFlags lets flags override the config file.
func applyRunnerFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("runner-id") {
		cfg.Runner.ID = runnerID
	}
	if flags.Changed("service-type") {
		cfg.Runner.ServiceType = runnerServiceType
	}
	if flags.Changed("token") {
		cfg.Runner.Token = runnerToken
	}
	if flags.Changed("single-run") {
		cfg.Runner.SingleRun = runnerSingleRun
	}
	if flags.Changed("queue") {
		cfg.Queue.Backend = runnerQueue
	}
	if flags.Changed("mini") {
		cfg.Runner.Mini = runnerMini
	}
	if cfg.Runner.ID == "" {
		cfg.Runner.ID = uuid.NewString()
	}
}

func runRunner(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyRunnerFlags(cmd, cfg)
	logger := newLogger()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	m := metrics.New()
	r, closeQueue, err := buildRunner(cfg, st, logger, eventSink(st, logger, m))
	if err != nil {
		return err
	}
	defer closeQueue()

	if runnerMetricsAddr != "" {
		go serveMetrics(ctx, runnerMetricsAddr, m, logger)
	}

	logger.Info("runner started", "runner_id", cfg.Runner.ID, "queue", cfg.Queue.Backend, "mini", cfg.Runner.Mini)
	return r.Run(ctx)
}

// buildRunner wires a runner from the config. Mini runners take their
// jobs from the mini-bench registry.
func buildRunner(cfg *config.Config, st *store.Store, logger *slog.Logger, sink observer.Sink) (*runner.Runner, func() error, error) {
	endpoint := cfg.Registry
	if cfg.Runner.Mini {
		endpoint = cfg.MiniBench
	}
	registry := restclient.New(endpoint.Endpoint())

	auth, err := authenticator(cfg, registry)
	if errors.Is(err, config.ErrNoServiceAccount) {
		return nil, nil, fmt.Errorf("please specify a correct service type: %w", err)
	}
	if err != nil {
		return nil, nil, err
	}

	queue, closeQueue, err := newQueue(cfg, st, registry)
	if err != nil {
		return nil, nil, err
	}

	r, err := runner.New(runner.Options{
		RunnerID:       cfg.Runner.ID,
		Queue:          queue,
		Registry:       registry,
		Authenticate:   auth,
		Results:        st,
		Notifier:       notify.New(cfg.Notifications.Desktop, cfg.Notifications.SlackWebhook),
		PollSchedule:   schedule.Every(cfg.Runner.PollEvery()),
		MaxConcurrent:  cfg.Runner.MaxConcurrentTasks,
		SingleRun:      cfg.Runner.SingleRun,
		Mini:           cfg.Runner.Mini,
		SoftDelete:     cfg.Bench.SoftDelete,
		ResolutionWait: cfg.Bench.ResolutionWait,
		IsTest:         cfg.Bench.IsTest,
		LogDir:         cfg.Runner.LogDir,
		OutputRoot:     cfg.Runner.OutputRoot,
		Bench:          benchOptions(cfg),
		Logger:         logger,
		Sink:           sink,
	})
	if err != nil {
		closeQueue()
		return nil, nil, err
	}
	return r, closeQueue, nil
}
