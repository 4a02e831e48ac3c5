package domain

import "time"

// BenchmarkPhase represents the lifecycle state of a benchmark job
type BenchmarkPhase string

const (
	BenchmarkNotRegistered       BenchmarkPhase = "NotRegistered"
	BenchmarkNotStarted          BenchmarkPhase = "NotStarted"
	BenchmarkQueued              BenchmarkPhase = "Queued"
	BenchmarkRunning             BenchmarkPhase = "Running"
	BenchmarkFinished            BenchmarkPhase = "Finished"
	BenchmarkPendingResultUpload BenchmarkPhase = "PendingResultUpload"
	BenchmarkError               BenchmarkPhase = "Error"
)

// Terminal reports whether no further work happens for a benchmark in this phase.
func (p BenchmarkPhase) Terminal() bool {
	return p == BenchmarkFinished || p == BenchmarkError
}

// BundlePhase represents the externally reported state of a bundle
type BundlePhase string

const (
	BundleNotStarted     BundlePhase = "NotStarted"
	BundleProvisioning   BundlePhase = "Provisioning"
	BundleProvisioned    BundlePhase = "Provisioned"
	BundleFaultInjecting BundlePhase = "FaultInjecting"
	BundleFaultInjected  BundlePhase = "FaultInjected"
	BundleReady          BundlePhase = "Ready"
	BundleEvaluating     BundlePhase = "Evaluating"
	BundleEvaluated      BundlePhase = "Evaluated"
	BundleTerminating    BundlePhase = "Terminating"
	BundleTerminated     BundlePhase = "Terminated"
	BundleError          BundlePhase = "Error"
)

// Finished reports whether the bundle run has ended, successfully or not.
func (p BundlePhase) Finished() bool {
	return p == BundleTerminated || p == BundleError
}

// AgentPhase represents the state of an agent
type AgentPhase string

const (
	AgentNotStarted   AgentPhase = "NotStarted"
	AgentInitializing AgentPhase = "Initializing"
	AgentReady        AgentPhase = "Ready"
	AgentExecuting    AgentPhase = "Executing"
	AgentFinished     AgentPhase = "Finished"
	AgentError        AgentPhase = "Error"
	AgentTimedOut     AgentPhase = "TimedOut"
	AgentTerminating  AgentPhase = "Terminating"
	AgentTerminated   AgentPhase = "Terminated"
)

// Status is the status document exchanged with registries for
// benchmarks, bundles and agents.
type Status struct {
	LastTransitionTime time.Time `json:"lastTransitionTime" yaml:"lastTransitionTime"`
	Phase              string    `json:"phase" yaml:"phase"`
	Message            *string   `json:"message,omitempty" yaml:"message,omitempty"`
}

// NewStatus creates a status stamped with the current UTC time.
// An empty message is omitted.
func NewStatus(phase string, message string) Status {
	s := Status{
		LastTransitionTime: time.Now().UTC(),
		Phase:              phase,
	}
	if message != "" {
		s.Message = &message
	}
	return s
}

// MessageText returns the message or "" when unset.
func (s *Status) MessageText() string {
	if s == nil || s.Message == nil {
		return ""
	}
	return *s.Message
}

// SetMessage replaces the message.
func (s *Status) SetMessage(msg string) {
	s.Message = &msg
}

// SameAs compares phase and message, ignoring the transition time.
func (s *Status) SameAs(other *Status) bool {
	if s == nil || other == nil {
		return s == other
	}
	return s.Phase == other.Phase && s.MessageText() == other.MessageText()
}
