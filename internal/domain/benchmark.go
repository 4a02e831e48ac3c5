package domain

import "time"

// DefaultResolutionWait is the default violation-resolution wait in seconds.
const DefaultResolutionWait = 30

// BenchConfig holds per-run benchmark settings
type BenchConfig struct {
	Title          string `json:"title" yaml:"title"`
	IsTest         bool   `json:"is_test" yaml:"is_test"`
	SoftDelete     bool   `json:"soft_delete" yaml:"soft_delete"`
	ResolutionWait int    `json:"resolution_wait" yaml:"resolution_wait"`
}

// ResolutionTimeout returns the resolution wait, defaulting to 30s.
func (c BenchConfig) ResolutionTimeout() time.Duration {
	return secondsOr(c.ResolutionWait, DefaultResolutionWait)
}

// BenchRunConfig is everything needed to run one benchmark
type BenchRunConfig struct {
	BenchmarkID string      `json:"benchmark_id"`
	PushModel   bool        `json:"push_model"`
	Config      BenchConfig `json:"config"`
	Agents      []AgentInfo `json:"agents"`
	Bundles     []Bundle    `json:"bundles"`
	OutputDir   string      `json:"output_dir"`
	Interval    int         `json:"interval,omitempty"`
}

// BenchmarkResult aggregates the bundle results of one agent
type BenchmarkResult struct {
	ID           string         `json:"id,omitempty"`
	Name         string         `json:"name"`
	IncidentType string         `json:"incident_type"`
	Agent        string         `json:"agent"`
	Results      []BundleResult `json:"results"`
	MTTR         Duration       `json:"mttr"`
	NumOfPassed  int            `json:"num_of_passed"`
	Score        float64        `json:"score"`
	Date         time.Time      `json:"date"`
}
