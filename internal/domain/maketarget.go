package domain

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Env is a single environment variable
type Env struct {
	Name  string `json:"name" yaml:"name"`
	Value string `json:"value" yaml:"value"`
}

// EnvMap converts a list of env vars into a map. Later entries win.
func EnvMap(envs []Env) map[string]string {
	if len(envs) == 0 {
		return nil
	}
	m := make(map[string]string, len(envs))
	for _, e := range envs {
		m[e.Name] = e.Value
	}
	return m
}

// MakeTarget binds a bundle phase to a make target, or marks the phase unused.
// The zero value is "not configured" and is replaced by a default.
type MakeTarget struct {
	Target string            `json:"target,omitempty" yaml:"target,omitempty"`
	Params map[string]string `json:"params,omitempty" yaml:"params,omitempty"`
	Env    []Env             `json:"env,omitempty" yaml:"env,omitempty"`
	Unused bool              `json:"unused,omitempty" yaml:"unused,omitempty"`
}

// Named creates a binding to the given target.
func Named(target string) MakeTarget {
	return MakeTarget{Target: target}
}

// Unused creates a binding that skips its phase.
func Unused() MakeTarget {
	return MakeTarget{Unused: true}
}

// IsSet reports whether the binding was configured at all.
func (m MakeTarget) IsSet() bool {
	return m.Unused || m.Target != ""
}

// Validate checks that a used binding names a target.
func (m MakeTarget) Validate() error {
	if !m.Unused && m.Target == "" {
		return fmt.Errorf("target is required when the binding is not unused")
	}
	return nil
}

// ExtraArgs returns the binding params as sorted key=value tokens.
func (m MakeTarget) ExtraArgs() []string {
	return KeyValueArgs(m.Params)
}

// KeyValueArgs renders a map as key=value tokens sorted by key.
func KeyValueArgs(params map[string]string) []string {
	if len(params) == 0 {
		return nil
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	args := make([]string, 0, len(keys))
	for _, k := range keys {
		args = append(args, k+"="+params[k])
	}
	return args
}

// MakeTargetMapping holds one binding per bundle phase
type MakeTargetMapping struct {
	Deploy      MakeTarget `json:"deploy" yaml:"deploy"`
	InjectFault MakeTarget `json:"inject_fault" yaml:"inject_fault"`
	Evaluate    MakeTarget `json:"evaluate" yaml:"evaluate"`
	Delete      MakeTarget `json:"delete" yaml:"delete"`
	Revert      MakeTarget `json:"revert,omitempty" yaml:"revert,omitempty"`
	Status      MakeTarget `json:"status" yaml:"status"`
	Get         MakeTarget `json:"get" yaml:"get"`
	OnError     MakeTarget `json:"on_error,omitempty" yaml:"on_error,omitempty"`
}

// DefaultMakeTargetMapping returns the conventional target names.
func DefaultMakeTargetMapping() MakeTargetMapping {
	return MakeTargetMapping{
		Deploy:      Named("deploy_bundle"),
		InjectFault: Named("inject_fault"),
		Evaluate:    Named("evaluate"),
		Delete:      Named("delete"),
		Revert:      Named("revert"),
		Status:      Named("get_status"),
		Get:         Named("get"),
		OnError:     Named("on_error"),
	}
}

// WithDefaults fills every unconfigured binding from the defaults.
// A nil mapping yields the defaults.
func (m *MakeTargetMapping) WithDefaults() MakeTargetMapping {
	def := DefaultMakeTargetMapping()
	if m == nil {
		return def
	}
	out := *m
	fill := func(dst *MakeTarget, d MakeTarget) {
		if !dst.IsSet() {
			*dst = d
		}
	}
	fill(&out.Deploy, def.Deploy)
	fill(&out.InjectFault, def.InjectFault)
	fill(&out.Evaluate, def.Evaluate)
	fill(&out.Delete, def.Delete)
	fill(&out.Revert, def.Revert)
	fill(&out.Status, def.Status)
	fill(&out.Get, def.Get)
	fill(&out.OnError, def.OnError)
	return out
}

// MarshalJSON leaves out unconfigured bindings so that a partial mapping
// decodes back to the same mapping.
func (m MakeTargetMapping) MarshalJSON() ([]byte, error) {
	bindings := map[string]MakeTarget{
		"deploy":       m.Deploy,
		"inject_fault": m.InjectFault,
		"evaluate":     m.Evaluate,
		"delete":       m.Delete,
		"revert":       m.Revert,
		"status":       m.Status,
		"get":          m.Get,
		"on_error":     m.OnError,
	}
	for name, b := range bindings {
		if !b.IsSet() {
			delete(bindings, name)
		}
	}
	return json.Marshal(bindings)
}

// UnmarshalJSON rejects bindings that are neither named nor unused.
func (m *MakeTarget) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	type plain MakeTarget
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	t := MakeTarget(p)
	if err := t.Validate(); err != nil {
		return err
	}
	*m = t
	return nil
}
