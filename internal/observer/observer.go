package observer

import (
	"sync"
	"time"

	"github.com/hochfrequenz/agent-bench-runner/internal/domain"
)

// Observer watches bundle executions and collects metrics.
// It is a Sink: bundle:start and bundle:result events drive it.
type Observer struct {
	stuckThreshold time.Duration

	inFlight    map[string]time.Time
	completions []completion
	mu          sync.RWMutex
}

type completion struct {
	Key         string
	Agent       string
	Passed      bool
	Errored     bool
	TTR         time.Duration
	CompletedAt time.Time
}

// Metrics holds aggregated metrics
type Metrics struct {
	TotalCompleted int           `json:"total_completed"`
	TotalPassed    int           `json:"total_passed"`
	TotalErrored   int           `json:"total_errored"`
	InFlight       int           `json:"in_flight"`
	AvgTTR         time.Duration `json:"avg_ttr"`
}

// New creates a new Observer. Bundles running longer than stuckThreshold
// are reported by Stuck.
func New(stuckThreshold time.Duration) *Observer {
	return &Observer{
		stuckThreshold: stuckThreshold,
		inFlight:       make(map[string]time.Time),
	}
}

// Notify implements Sink.
func (o *Observer) Notify(e Event) {
	switch e.Name {
	case EventBundleStart:
		key := bundleKey(e.Fields)
		o.mu.Lock()
		o.inFlight[key] = e.Time
		o.mu.Unlock()
	case EventBundleResult:
		r, ok := e.Fields["result"].(domain.BundleResult)
		if !ok {
			return
		}
		o.RecordResult(bundleKey(e.Fields), r)
	}
}

// RecordResult records a finished bundle execution
func (o *Observer) RecordResult(key string, r domain.BundleResult) {
	o.mu.Lock()
	defer o.mu.Unlock()

	delete(o.inFlight, key)
	o.completions = append(o.completions, completion{
		Key:         key,
		Agent:       r.Agent,
		Passed:      r.Passed,
		Errored:     r.Errored,
		TTR:         r.TTR.Std(),
		CompletedAt: time.Now(),
	})
}

// Stuck returns the keys of bundle executions running longer than the threshold.
func (o *Observer) Stuck(now time.Time) []string {
	o.mu.RLock()
	defer o.mu.RUnlock()

	var stuck []string
	for key, started := range o.inFlight {
		if now.Sub(started) > o.stuckThreshold {
			stuck = append(stuck, key)
		}
	}
	return stuck
}

// GetMetrics returns aggregated metrics
func (o *Observer) GetMetrics() Metrics {
	o.mu.RLock()
	defer o.mu.RUnlock()

	metrics := Metrics{InFlight: len(o.inFlight)}
	var totalTTR time.Duration

	for _, c := range o.completions {
		metrics.TotalCompleted++
		if c.Passed {
			metrics.TotalPassed++
		}
		if c.Errored {
			metrics.TotalErrored++
		}
		totalTTR += c.TTR
	}

	if metrics.TotalCompleted > 0 {
		metrics.AvgTTR = totalTTR / time.Duration(metrics.TotalCompleted)
	}

	return metrics
}

// GetRecentCompletions returns completion keys from the last duration
func (o *Observer) GetRecentCompletions(since time.Duration) []string {
	o.mu.RLock()
	defer o.mu.RUnlock()

	cutoff := time.Now().Add(-since)
	var result []string

	for _, c := range o.completions {
		if c.CompletedAt.After(cutoff) {
			result = append(result, c.Key)
		}
	}

	return result
}

func bundleKey(fields map[string]any) string {
	bench, _ := fields["benchmark_id"].(string)
	agent, _ := fields["agent"].(string)
	bundle, _ := fields["bundle"].(string)
	return bench + "/" + agent + "/" + bundle
}
