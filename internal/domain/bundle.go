package domain

import (
	"encoding/json"
	"errors"
	"time"
)

// Default bundle timeouts in seconds.
const (
	DefaultBundleReadyTimeout    = 300
	DefaultAgentOperationTimeout = 300
)

// BundleInfo is the descriptive part of a bundle, also read from info.json
type BundleInfo struct {
	Name         string `json:"name" yaml:"name"`
	Description  string `json:"description,omitempty" yaml:"description,omitempty"`
	IncidentType string `json:"incident_type,omitempty" yaml:"incident_type,omitempty"`
}

// Bundle is a scenario fixture driven through deploy, fault injection,
// evaluation and teardown by make targets in Directory.
type Bundle struct {
	BundleInfo `yaml:",inline"`

	ID                    string             `json:"id" yaml:"id"`
	Directory             string             `json:"directory" yaml:"directory"`
	BundleReadyTimeout    int                `json:"bundle_ready_timeout,omitempty" yaml:"bundle_ready_timeout,omitempty"`
	AgentOperationTimeout int                `json:"agent_operation_timeout,omitempty" yaml:"agent_operation_timeout,omitempty"`
	PollingInterval       int                `json:"polling_interval,omitempty" yaml:"polling_interval,omitempty"`
	Status                *BundleStatus      `json:"status,omitempty" yaml:"status,omitempty"`
	Input                 map[string]any     `json:"input,omitempty" yaml:"input,omitempty"`
	Params                map[string]string  `json:"params,omitempty" yaml:"params,omitempty"`
	Env                   []Env              `json:"env,omitempty" yaml:"env,omitempty"`
	MakeTargets           *MakeTargetMapping `json:"make_target_mapping,omitempty" yaml:"make_target_mapping,omitempty"`
	EnableEvaluationWait  bool               `json:"enable_evaluation_wait,omitempty" yaml:"enable_evaluation_wait,omitempty"`
	UseInputFile          *bool              `json:"use_input_file,omitempty" yaml:"use_input_file,omitempty"`
}

// ReadyTimeout returns the bundle-ready timeout, defaulting to 300s.
func (b *Bundle) ReadyTimeout() time.Duration {
	return secondsOr(b.BundleReadyTimeout, DefaultBundleReadyTimeout)
}

// OperationTimeout returns the agent-operation timeout, defaulting to 300s.
func (b *Bundle) OperationTimeout() time.Duration {
	return secondsOr(b.AgentOperationTimeout, DefaultAgentOperationTimeout)
}

// Interval returns the polling interval, or zero when unset.
func (b *Bundle) Interval() time.Duration {
	return secondsOr(b.PollingInterval, 0)
}

// InputFileEnabled reports whether input.json handling applies. Defaults to true.
func (b *Bundle) InputFileEnabled() bool {
	return b.UseInputFile == nil || *b.UseInputFile
}

// SetParam sets a make parameter, creating the map when needed.
func (b *Bundle) SetParam(key, value string) {
	if b.Params == nil {
		b.Params = make(map[string]string)
	}
	b.Params[key] = value
}

func secondsOr(v, def int) time.Duration {
	if v <= 0 {
		v = def
	}
	return time.Duration(v) * time.Second
}

// BundleRequest carries the per-run context passed to every make invocation
type BundleRequest struct {
	SharedWorkspace string `json:"shared_workspace"`
	InputFile       string `json:"input_file,omitempty"`
}

// EvaluationError is a single error reported by an evaluate target
type EvaluationError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// BundleEvaluation is the parsed output of an evaluate target
type BundleEvaluation struct {
	Pass    bool              `json:"pass"`
	Details string            `json:"details,omitempty"`
	Errors  []EvaluationError `json:"errors,omitempty"`
	Report  string            `json:"report"`
}

// UnmarshalJSON accepts structured report and details values and keeps
// them as JSON text.
func (e *BundleEvaluation) UnmarshalJSON(data []byte) error {
	var raw struct {
		Pass    *bool             `json:"pass"`
		Details json.RawMessage   `json:"details"`
		Errors  []EvaluationError `json:"errors"`
		Report  json.RawMessage   `json:"report"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Pass == nil {
		return errors.New(`evaluation result has no "pass" field`)
	}
	*e = BundleEvaluation{
		Pass:    *raw.Pass,
		Details: stringify(raw.Details),
		Errors:  raw.Errors,
		Report:  stringify(raw.Report),
	}
	return nil
}

// stringify returns a JSON string's value, or the JSON text of anything else.
func stringify(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// BundleResult is the outcome of running one agent against one bundle
type BundleResult struct {
	BundleInfo

	Agent       string    `json:"agent"`
	Passed      bool      `json:"passed"`
	TTR         Duration  `json:"ttr"`
	Errored     bool      `json:"errored"`
	Message     string    `json:"message,omitempty"`
	Date        time.Time `json:"date"`
	BenchmarkID string    `json:"benchmark_id,omitempty"`
}

// ResultSpec is the upload form of a bundle result
type ResultSpec struct {
	BundleResult
	BundleID string `json:"bundle_id"`
}
