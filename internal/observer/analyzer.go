package observer

import (
	"strings"
	"time"

	"github.com/hochfrequenz/agent-bench-runner/internal/domain"
)

// Analyzer computes per-agent scores from bundle results
type Analyzer struct {
	results []domain.BundleResult
}

// NewAnalyzer creates an analyzer over results.
func NewAnalyzer(results []domain.BundleResult) *Analyzer {
	return &Analyzer{results: results}
}

// MTTR returns the mean time to repair over all results.
func (a *Analyzer) MTTR() time.Duration {
	if len(a.results) == 0 {
		return 0
	}
	var total time.Duration
	for _, r := range a.results {
		total += r.TTR.Std()
	}
	return total / time.Duration(len(a.results))
}

// NumOfPassed returns how many results passed.
func (a *Analyzer) NumOfPassed() int {
	n := 0
	for _, r := range a.results {
		if r.Passed {
			n++
		}
	}
	return n
}

// PassRate returns passed results over non-errored results, or 0 when
// every result errored.
func (a *Analyzer) PassRate() float64 {
	total := 0
	for _, r := range a.results {
		if !r.Errored {
			total++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(a.NumOfPassed()) / float64(total)
}

// IncidentTypes returns the distinct non-empty incident types in first-seen order.
func (a *Analyzer) IncidentTypes() []string {
	seen := make(map[string]struct{})
	var types []string
	for _, r := range a.results {
		if r.IncidentType == "" {
			continue
		}
		if _, ok := seen[r.IncidentType]; ok {
			continue
		}
		seen[r.IncidentType] = struct{}{}
		types = append(types, r.IncidentType)
	}
	return types
}

// Latest returns the most recent result date.
func (a *Analyzer) Latest() time.Time {
	var latest time.Time
	for _, r := range a.results {
		if r.Date.After(latest) {
			latest = r.Date
		}
	}
	return latest
}

// BenchmarkResult builds the aggregated result for agent.
func (a *Analyzer) BenchmarkResult(title, agent string) domain.BenchmarkResult {
	return domain.BenchmarkResult{
		Name:         title,
		Agent:        agent,
		IncidentType: strings.Join(a.IncidentTypes(), ","),
		Results:      a.results,
		MTTR:         domain.Duration(a.MTTR()),
		NumOfPassed:  a.NumOfPassed(),
		Score:        a.PassRate(),
		Date:         a.Latest(),
	}
}
