// Package metrics exposes runner events as Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hochfrequenz/agent-bench-runner/internal/domain"
	"github.com/hochfrequenz/agent-bench-runner/internal/observer"
)

const namespace = "bench_runner"

// Metrics is an observer.Sink that keeps Prometheus collectors up to date
type Metrics struct {
	registry *prometheus.Registry

	benchmarkPhases *prometheus.CounterVec
	bundlePhases    *prometheus.CounterVec
	agentPhases     *prometheus.CounterVec
	bundleResults   *prometheus.CounterVec
	ttr             *prometheus.HistogramVec
	score           *prometheus.GaugeVec
	jobTakes        *prometheus.CounterVec
	jobReleases     *prometheus.CounterVec
	invokeDuration  *prometheus.HistogramVec
	invokeErrors    *prometheus.CounterVec
	syncCycles      prometheus.Counter
	syncStarted     prometheus.Counter
	runningBundles  prometheus.Gauge
}

// New registers the collectors in a fresh registry together with the Go
// and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		benchmarkPhases: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "benchmark",
			Name:      "phase_transitions_total",
			Help:      "Benchmark phase transitions reported by this runner",
		}, []string{"phase"}),
		bundlePhases: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bundle",
			Name:      "phase_transitions_total",
			Help:      "Bundle phase transitions",
		}, []string{"phase"}),
		agentPhases: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "phase_transitions_total",
			Help:      "Agent phase transitions",
		}, []string{"phase"}),
		bundleResults: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bundle",
			Name:      "results_total",
			Help:      "Bundle results by agent and outcome (passed, failed, errored)",
		}, []string{"agent", "outcome"}),
		ttr: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "bundle",
			Name:      "ttr_seconds",
			Help:      "Time to resolve of passed bundles",
			Buckets:   []float64{10, 30, 60, 120, 300, 600, 1200, 1800, 3600},
		}, []string{"agent"}),
		score: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "benchmark",
			Name:      "score",
			Help:      "Pass rate of the latest benchmark result per agent",
		}, []string{"agent"}),
		jobTakes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "takes_total",
			Help:      "Job take attempts by result (taken, rejected)",
		}, []string{"result"}),
		jobReleases: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "releases_total",
			Help:      "Job releases by result (released, failed)",
		}, []string{"result"}),
		invokeDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "make",
			Name:      "invoke_duration_seconds",
			Help:      "Duration of make target invocations",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"target"}),
		invokeErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "make",
			Name:      "invoke_errors_total",
			Help:      "Failed make target invocations",
		}, []string{"target"}),
		syncCycles: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "cycles_total",
			Help:      "Completed cross-registry sync cycles",
		}),
		syncStarted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "started_total",
			Help:      "Benchmarks handed to the secondary registry",
		}),
		runningBundles: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bundle",
			Name:      "running",
			Help:      "Bundles currently being run",
		}),
	}
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the metrics in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Notify implements observer.Sink.
func (m *Metrics) Notify(e observer.Event) {
	switch e.Name {
	case observer.EventBenchmarkPhase:
		m.benchmarkPhases.WithLabelValues(str(e.Fields["phase"])).Inc()
	case observer.EventBundlePhase:
		m.bundlePhases.WithLabelValues(str(e.Fields["phase"])).Inc()
	case observer.EventAgentPhase:
		m.agentPhases.WithLabelValues(str(e.Fields["phase"])).Inc()
	case observer.EventBundleStart:
		m.runningBundles.Inc()
	case observer.EventBundleResult:
		m.runningBundles.Dec()
		if r, ok := e.Fields["result"].(domain.BundleResult); ok {
			m.bundleResults.WithLabelValues(r.Agent, outcome(r)).Inc()
			if r.Passed {
				m.ttr.WithLabelValues(r.Agent).Observe(r.TTR.Seconds())
			}
		}
	case observer.EventBenchmarkResult:
		if r, ok := e.Fields["result"].(domain.BenchmarkResult); ok {
			m.score.WithLabelValues(r.Agent).Set(r.Score)
		}
	case observer.EventJobTake:
		m.jobTakes.WithLabelValues(result(e.Fields["success"], "taken", "rejected")).Inc()
	case observer.EventJobRelease:
		m.jobReleases.WithLabelValues(result(e.Fields["success"], "released", "failed")).Inc()
	case observer.EventInvokeEnd:
		if d, ok := e.Fields["duration"].(time.Duration); ok {
			m.invokeDuration.WithLabelValues(str(e.Fields["target"])).Observe(d.Seconds())
		}
	case observer.EventInvokeError:
		m.invokeErrors.WithLabelValues(str(e.Fields["target"])).Inc()
	case observer.EventSyncCycle:
		m.syncCycles.Inc()
		if n, ok := e.Fields["started"].(int); ok {
			m.syncStarted.Add(float64(n))
		}
	}
}

func outcome(r domain.BundleResult) string {
	switch {
	case r.Errored:
		return "errored"
	case r.Passed:
		return "passed"
	default:
		return "failed"
	}
}

func result(v any, yes, no string) string {
	if ok, _ := v.(bool); ok {
		return yes
	}
	return no
}

func str(v any) string {
	s, _ := v.(string)
	return s
}
