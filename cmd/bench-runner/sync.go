package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/agent-bench-runner/internal/config"
	"github.com/hochfrequenz/agent-bench-runner/internal/restclient"
	"github.com/hochfrequenz/agent-bench-runner/internal/schedule"
	bsync "github.com/hochfrequenz/agent-bench-runner/internal/sync"
)

var (
	syncRunnerID     string
	syncRemoteHost   string
	syncRemotePort   int
	syncRemoteRoot   string
	syncRemoteSSL    bool
	syncRemoteVerify bool
	syncRemoteToken  string
	syncMiniHost     string
	syncMiniPort     int
	syncMiniSSL      bool
	syncMiniToken    string
	syncTimeout      int
	syncOnce         bool
)

func init() {
	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Hand queued benchmarks to a mini-bench and copy its state back",
		RunE:  runSync,
	}
	f := syncCmd.Flags()
	f.StringVarP(&syncRunnerID, "runner-id", "i", "", "runner id used to take benchmarks")
	f.StringVar(&syncRemoteHost, "remote-host", "", "host of the source registry")
	f.IntVar(&syncRemotePort, "remote-port", 0, "port of the source registry")
	f.StringVar(&syncRemoteRoot, "remote-root-path", "", "root path of the source registry")
	f.BoolVar(&syncRemoteSSL, "remote-ssl", false, "use https for the source registry")
	f.BoolVar(&syncRemoteVerify, "remote-ssl-verify", false, "verify the certificate of the source registry")
	f.StringVar(&syncRemoteToken, "remote-token", "", "bearer token for the source registry")
	f.StringVar(&syncMiniHost, "minibench-host", "", "host of the mini-bench")
	f.IntVar(&syncMiniPort, "minibench-port", 0, "port of the mini-bench")
	f.BoolVar(&syncMiniSSL, "minibench-ssl", false, "use https for the mini-bench")
	f.StringVar(&syncMiniToken, "minibench-token", "", "bearer token for the mini-bench")
	f.IntVar(&syncTimeout, "timeout", 0, "stop after this many seconds, negative for no limit")
	f.BoolVar(&syncOnce, "once", false, "run a single sync cycle and exit")
	rootCmd.AddCommand(syncCmd)
}

func applySyncFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("runner-id") {
		cfg.Runner.ID = syncRunnerID
	}
	if f.Changed("remote-host") {
		cfg.Registry.Host = syncRemoteHost
	}
	if f.Changed("remote-port") {
		cfg.Registry.Port = syncRemotePort
	}
	if f.Changed("remote-root-path") {
		cfg.Registry.RootPath = syncRemoteRoot
	}
	if f.Changed("remote-ssl") {
		cfg.Registry.SSL = syncRemoteSSL
	}
	if f.Changed("remote-ssl-verify") {
		cfg.Registry.SSLVerify = syncRemoteVerify
	}
	if f.Changed("remote-token") {
		cfg.Registry.Token = syncRemoteToken
	}
	if f.Changed("minibench-host") {
		cfg.MiniBench.Host = syncMiniHost
	}
	if f.Changed("minibench-port") {
		cfg.MiniBench.Port = syncMiniPort
	}
	if f.Changed("minibench-ssl") {
		cfg.MiniBench.SSL = syncMiniSSL
	}
	if f.Changed("minibench-token") {
		cfg.MiniBench.Token = syncMiniToken
	}
	if f.Changed("timeout") {
		cfg.Sync.Timeout = syncTimeout
	}
}

func runSync(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applySyncFlags(cmd, cfg)
	if cfg.Runner.ID == "" {
		return fmt.Errorf("a runner id is required, set --runner-id or runner.id")
	}
	logger := newLogger()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	source := restclient.New(cfg.Registry.Endpoint())
	login, err := authenticator(cfg, source)
	if err != nil {
		return err
	}
	if login != nil {
		if err := login(ctx); err != nil {
			return fmt.Errorf("logging in to the source registry: %w", err)
		}
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	spec := cfg.Sync.Schedule
	if spec == "" {
		spec = schedule.Every(cfg.Sync.StatusSyncEvery())
	}
	s, err := bsync.New(bsync.Options{
		RunnerID:  cfg.Runner.ID,
		Source:    source,
		Secondary: restclient.New(cfg.MiniBench.Endpoint()),
		Schedule:  spec,
		Timeout:   cfg.Sync.TimeoutDuration(),
		Logger:    logger,
		Sink:      eventSink(st, logger),
	})
	if err != nil {
		return err
	}

	if syncOnce {
		d, err := s.SyncOnce(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("new: %d | existing: %d | obsolete: %d\n", len(d.New), len(d.Existing), len(d.Obsolete))
		return nil
	}

	logger.Info("sync started", "runner_id", cfg.Runner.ID, "schedule", spec, "timeout", cfg.Sync.TimeoutDuration().Round(time.Second))
	return s.Run(ctx)
}
