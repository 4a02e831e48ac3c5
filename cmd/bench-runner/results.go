package main

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/agent-bench-runner/internal/benchmark"
	"github.com/hochfrequenz/agent-bench-runner/internal/domain"
	"github.com/hochfrequenz/agent-bench-runner/internal/observer"
	"github.com/hochfrequenz/agent-bench-runner/internal/store"
)

var resultsBundles bool

func init() {
	resultsCmd := &cobra.Command{
		Use:   "results BENCHMARK_ID",
		Short: "Show the stored results of a benchmark",
		Args:  cobra.ExactArgs(1),
		RunE:  runResults,
	}
	resultsCmd.Flags().BoolVar(&resultsBundles, "bundles", false, "also list every bundle result")
	rootCmd.AddCommand(resultsCmd)
}

// agentResults groups stored results into one benchmark result per
// agent, in order of first appearance.
func agentResults(title string, specs []domain.ResultSpec) []domain.BenchmarkResult {
	var order []string
	byAgent := make(map[string][]domain.BundleResult)
	for _, s := range specs {
		if _, ok := byAgent[s.Agent]; !ok {
			order = append(order, s.Agent)
		}
		byAgent[s.Agent] = append(byAgent[s.Agent], s.BundleResult)
	}
	results := make([]domain.BenchmarkResult, 0, len(order))
	for _, agent := range order {
		results = append(results, observer.NewAnalyzer(byAgent[agent]).BenchmarkResult(title, agent))
	}
	return results
}

func runResults(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	id := args[0]
	job, err := st.GetJob(id)
	if errors.Is(err, store.ErrJobNotFound) {
		return fmt.Errorf("no benchmark %s in %s", id, cfg.Queue.DatabasePath)
	}
	if err != nil {
		return err
	}
	specs, err := st.ListResults(id)
	if err != nil {
		return err
	}

	b := job.Benchmark
	fmt.Printf("%s (%s) | %s", b.Spec.Name, id, b.Phase())
	if b.Status != nil && !b.Status.LastTransitionTime.IsZero() {
		fmt.Printf(" %s", humanize.Time(b.Status.LastTransitionTime))
	}
	fmt.Println()
	if len(specs) == 0 {
		fmt.Println("No results yet")
		return nil
	}

	results := agentResults(b.Spec.Name, specs)
	fmt.Println(benchmark.ScoreTable(results))
	if resultsBundles {
		for _, r := range results {
			fmt.Printf("\n%s\n", r.Agent)
			fmt.Println(benchmark.SummaryTable(r.Results))
		}
	}
	return nil
}
