package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/agent-bench-runner/internal/benchmark"
	"github.com/hochfrequenz/agent-bench-runner/internal/domain"
	"github.com/hochfrequenz/agent-bench-runner/internal/observer"
)

var (
	benchTitle          string
	benchAgents         []string
	benchAgentDir       string
	benchAgentCmd       []string
	benchBundles        []string
	benchBundleDir      string
	benchOut            string
	benchSoftDelete     bool
	benchResolutionWait int
	benchTest           bool
)

func init() {
	benchCmd := &cobra.Command{
		Use:   "bench",
		Short: "Run a benchmark locally without a registry",
		Long: `Run every agent against every bundle and write the leaderboard files
to the output directory. Pass '*' as the only bundle to use every
directory below --bundle-dir. Agents without --agent-cmd are treated as
remote agents and are not started.`,
		RunE: runBench,
	}
	f := benchCmd.Flags()
	f.StringVar(&benchTitle, "title", "benchmark", "benchmark title")
	f.StringSliceVar(&benchAgents, "agents", []string{"builtin", "human"}, "agent names")
	f.StringVar(&benchAgentDir, "agent-dir", ".", "directory the agents run in")
	f.StringSliceVar(&benchAgentCmd, "agent-cmd", nil, "command starting a local agent")
	f.StringSliceVar(&benchBundles, "bundles", []string{"*"}, "bundle names below --bundle-dir, or '*'")
	f.StringVar(&benchBundleDir, "bundle-dir", "bundles", "directory holding the bundles")
	f.StringVar(&benchOut, "out", "results", "output directory")
	f.BoolVar(&benchSoftDelete, "soft-delete", false, "revert faults instead of destroying bundles")
	f.IntVar(&benchResolutionWait, "resolution-wait", domain.DefaultResolutionWait, "seconds to wait for a fault to resolve")
	f.BoolVar(&benchTest, "test", false, "test mode")
	rootCmd.AddCommand(benchCmd)
}

// resolveBundles expands '*' to every directory below dir.
func resolveBundles(names []string, dir string) ([]domain.Bundle, error) {
	if len(names) == 1 && names[0] == "*" {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("listing bundles: %w", err)
		}
		names = nil
		for _, e := range entries {
			if e.IsDir() {
				names = append(names, e.Name())
			}
		}
		sort.Strings(names)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("no bundles in %s", dir)
	}

	bundles := make([]domain.Bundle, 0, len(names))
	for _, name := range names {
		bundles = append(bundles, domain.Bundle{
			BundleInfo:           domain.BundleInfo{Name: name},
			ID:                   uuid.NewString(),
			Directory:            filepath.Join(dir, name),
			EnableEvaluationWait: true,
		})
	}
	return bundles, nil
}

func localAgents(names []string, dir string, argv []string) []domain.AgentInfo {
	agents := make([]domain.AgentInfo, 0, len(names))
	for _, name := range names {
		a := domain.AgentInfo{ID: uuid.NewString(), Name: name, Directory: dir, Mode: domain.AgentModeRemote}
		if len(argv) > 0 {
			a.Mode = domain.AgentModeLocal
			a.Run = &domain.AgentRunCommand{Command: argv}
		}
		agents = append(agents, a)
	}
	return agents
}

func runBench(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bundles, err := resolveBundles(benchBundles, benchBundleDir)
	if err != nil {
		return err
	}
	run := domain.BenchRunConfig{
		BenchmarkID: uuid.NewString(),
		Config: domain.BenchConfig{
			Title:          benchTitle,
			IsTest:         benchTest,
			SoftDelete:     benchSoftDelete,
			ResolutionWait: benchResolutionWait,
		},
		Agents:    localAgents(benchAgents, benchAgentDir, benchAgentCmd),
		Bundles:   bundles,
		OutputDir: benchOut,
	}

	opts := benchOptions(cfg)
	opts.Logger = logger
	opts.Sink = observer.Log{Logger: logger}
	results, err := benchmark.New(opts).RunAndWrite(ctx, run)
	if err != nil {
		return err
	}

	fmt.Println(benchmark.ScoreTable(results))
	fmt.Printf("Leaderboard written to %s\n", filepath.Join(benchOut, benchmark.BenchmarkMarkdown))
	return nil
}
