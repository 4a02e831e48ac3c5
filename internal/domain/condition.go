package domain

import "time"

// ConditionStatus is the tri-state value of a bundle condition
type ConditionStatus string

const (
	ConditionTrue    ConditionStatus = "True"
	ConditionFalse   ConditionStatus = "False"
	ConditionUnknown ConditionStatus = "Unknown"
)

// Well-known condition types reported by bundles.
const (
	ConditionDeployed      = "Deployed"
	ConditionFaultInjected = "FaultInjected"
	ConditionDestroyed     = "Destroyed"
)

// Condition reasons that end a wait immediately.
const (
	ReasonDeploymentFailed     = "DeploymentFailed"
	ReasonFaultInjectionFailed = "FaultInjectionFailed"
	ReasonDestroyFailed        = "DestroyFailed"
)

// IsFailureReason reports whether reason marks a condition as failed for good.
func IsFailureReason(reason string) bool {
	switch reason {
	case ReasonDeploymentFailed, ReasonFaultInjectionFailed, ReasonDestroyFailed:
		return true
	}
	return false
}

// Condition is a single named state of a bundle
type Condition struct {
	Type               string          `json:"type" yaml:"type"`
	Status             ConditionStatus `json:"status" yaml:"status"`
	Reason             string          `json:"reason,omitempty" yaml:"reason,omitempty"`
	Message            string          `json:"message,omitempty" yaml:"message,omitempty"`
	LastTransitionTime time.Time       `json:"lastTransitionTime" yaml:"lastTransitionTime"`
	LastProbeTime      *time.Time      `json:"lastProbeTime,omitempty" yaml:"lastProbeTime,omitempty"`
}

// Conditions holds at most one condition per type.
type Conditions []Condition

// Find returns the condition with the given type.
func (cs Conditions) Find(condType string) (Condition, bool) {
	for _, c := range cs {
		if c.Type == condType {
			return c, true
		}
	}
	return Condition{}, false
}

// Set replaces the condition with the same type in place, or appends it.
// Duplicates already present are collapsed into the first occurrence.
func (cs Conditions) Set(c Condition) Conditions {
	out := cs[:0:0]
	replaced := false
	for _, existing := range cs {
		if existing.Type != c.Type {
			out = append(out, existing)
			continue
		}
		if !replaced {
			out = append(out, c)
			replaced = true
		}
	}
	if !replaced {
		out = append(out, c)
	}
	return out
}

// BundleStatus is the status document reported by a bundle's status target
type BundleStatus struct {
	Kubeconfig string     `json:"kubeconfig,omitempty" yaml:"kubeconfig,omitempty"`
	Conditions Conditions `json:"conditions" yaml:"conditions"`
}

// SetCondition updates a condition, keeping one entry per type.
func (s *BundleStatus) SetCondition(c Condition) {
	s.Conditions = s.Conditions.Set(c)
}
