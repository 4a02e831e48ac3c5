package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/agent-bench-runner/internal/config"
)

var (
	configPath string
	verbose    bool
	rootCmd    = &cobra.Command{
		Use:   "bench-runner",
		Short: "Agent benchmark runner",
		Long: `bench-runner drives agents against bundles of incident scenarios.
It takes benchmark jobs from a queue, runs every bundle through deploy,
fault injection, evaluation and teardown, and reports the results back
to the benchmark registry.`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (TOML or YAML)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log at debug level")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	return config.LoadWithLocalFallback(configPath)
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}
