package domain

import "time"

// Metadata identifies a registry resource
type Metadata struct {
	ID                string            `json:"id" yaml:"id"`
	ResourceType      string            `json:"resource_type" yaml:"resource_type"`
	CreationTimestamp time.Time         `json:"creation_timestamp" yaml:"creation_timestamp"`
	Labels            map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
	UserID            string            `json:"user_id,omitempty" yaml:"user_id,omitempty"`
}

// BenchmarkSpec is the desired state of a benchmark. RunnerID is the
// ownership token: only the runner holding it may progress the benchmark.
type BenchmarkSpec struct {
	Name              string `json:"name" yaml:"name"`
	RunnerID          string `json:"runner_id,omitempty" yaml:"runner_id,omitempty"`
	AgentID           string `json:"agent_id,omitempty" yaml:"agent_id,omitempty"`
	LogFilePath       string `json:"log_file_path,omitempty" yaml:"log_file_path,omitempty"`
	BundleResultsPath string `json:"bundle_results_path,omitempty" yaml:"bundle_results_path,omitempty"`
}

// Benchmark is a registry benchmark resource
type Benchmark struct {
	Metadata Metadata      `json:"metadata" yaml:"metadata"`
	Spec     BenchmarkSpec `json:"spec" yaml:"spec"`
	Status   *Status       `json:"status,omitempty" yaml:"status,omitempty"`
}

// Phase returns the benchmark phase, or NotStarted when no status is set.
func (b *Benchmark) Phase() BenchmarkPhase {
	if b.Status == nil {
		return BenchmarkNotStarted
	}
	return BenchmarkPhase(b.Status.Phase)
}

// AgentManifest carries the credentials an agent uses against the registry
type AgentManifest struct {
	Token            string `json:"token,omitempty" yaml:"token,omitempty"`
	ManifestEndpoint string `json:"manifest_endpoint,omitempty" yaml:"manifest_endpoint,omitempty"`
}

// BenchmarkJob is a queued benchmark as handed out by a job queue.
// Jobs of local queues carry their bundles and agents inline; registry
// jobs leave them empty and the runner fetches them.
type BenchmarkJob struct {
	Benchmark     Benchmark        `json:"benchmark" yaml:"benchmark"`
	AgentManifest *AgentManifest   `json:"agent_manifest,omitempty" yaml:"agent_manifest,omitempty"`
	Bundles       []RegistryBundle `json:"bundles,omitempty" yaml:"bundles,omitempty"`
	Agents        []RegistryAgent  `json:"agents,omitempty" yaml:"agents,omitempty"`
}

// Inline reports whether the job carries its own definitions.
func (j *BenchmarkJob) Inline() bool {
	return len(j.Bundles) > 0 && len(j.Agents) > 0
}

// Token returns the agent token, or "" when no manifest is attached.
func (j *BenchmarkJob) Token() string {
	if j.AgentManifest == nil {
		return ""
	}
	return j.AgentManifest.Token
}

// JobTake is the body of a take request
type JobTake struct {
	RunnerID string `json:"runner_id"`
}

// TakeResult is the reply of take and release requests
type TakeResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// BundleSpec is the registry form of a bundle
type BundleSpec struct {
	Name                  string             `json:"name" yaml:"name"`
	Path                  string             `json:"path,omitempty" yaml:"path,omitempty"`
	RootDir               string             `json:"root_dir,omitempty" yaml:"root_dir,omitempty"`
	ScenarioType          string             `json:"scenario_type,omitempty" yaml:"scenario_type,omitempty"`
	Description           string             `json:"description,omitempty" yaml:"description,omitempty"`
	Version               string             `json:"version,omitempty" yaml:"version,omitempty"`
	BundleReadyTimeout    int                `json:"bundle_ready_timeout,omitempty" yaml:"bundle_ready_timeout,omitempty"`
	AgentOperationTimeout int                `json:"agent_operation_timeout,omitempty" yaml:"agent_operation_timeout,omitempty"`
	Env                   []Env              `json:"env,omitempty" yaml:"env,omitempty"`
	Params                map[string]string  `json:"params,omitempty" yaml:"params,omitempty"`
	Data                  map[string]any     `json:"data,omitempty" yaml:"data,omitempty"`
	AssignedAgentID       string             `json:"assigned_agent_id,omitempty" yaml:"assigned_agent_id,omitempty"`
	MakeTargets           *MakeTargetMapping `json:"make_target_mapping,omitempty" yaml:"make_target_mapping,omitempty"`
	EnableEvaluationWait  bool               `json:"enable_evaluation_wait,omitempty" yaml:"enable_evaluation_wait,omitempty"`
}

// RegistryBundle is a registry bundle resource
type RegistryBundle struct {
	Metadata Metadata   `json:"metadata" yaml:"metadata"`
	Spec     BundleSpec `json:"spec" yaml:"spec"`
	Status   *Status    `json:"status,omitempty" yaml:"status,omitempty"`
}

// ToBundle converts the registry form into the runner form.
// Input files are not used for registry bundles; input comes from spec.data.input.
func (r *RegistryBundle) ToBundle() Bundle {
	dir := r.Spec.Path
	if r.Spec.RootDir != "" {
		dir = r.Spec.RootDir + "/" + r.Spec.Path
	}
	var input map[string]any
	if in, ok := r.Spec.Data["input"].(map[string]any); ok {
		input = in
	}
	useInputFile := false
	return Bundle{
		BundleInfo: BundleInfo{
			Name:         r.Spec.Name,
			Description:  r.Spec.Description,
			IncidentType: r.Spec.ScenarioType,
		},
		ID:                    r.Metadata.ID,
		Directory:             dir,
		BundleReadyTimeout:    r.Spec.BundleReadyTimeout,
		AgentOperationTimeout: r.Spec.AgentOperationTimeout,
		Params:                r.Spec.Params,
		Input:                 input,
		Env:                   r.Spec.Env,
		MakeTargets:           r.Spec.MakeTargets,
		EnableEvaluationWait:  r.Spec.EnableEvaluationWait,
		UseInputFile:          &useInputFile,
	}
}

// AgentSpec is the registry form of an agent
type AgentSpec struct {
	Name          string         `json:"name" yaml:"name"`
	Type          string         `json:"type,omitempty" yaml:"type,omitempty"`
	Level         string         `json:"level,omitempty" yaml:"level,omitempty"`
	Path          string         `json:"path,omitempty" yaml:"path,omitempty"`
	Mode          AgentMode      `json:"mode,omitempty" yaml:"mode,omitempty"`
	Env           []Env          `json:"env,omitempty" yaml:"env,omitempty"`
	UserID        string         `json:"user_id,omitempty" yaml:"user_id,omitempty"`
	AgentManifest *AgentManifest `json:"agent_manifest,omitempty" yaml:"agent_manifest,omitempty"`

	// Run starts a local-mode agent. Remote agents leave it empty.
	Run *AgentRunCommand `json:"run,omitempty" yaml:"run,omitempty"`
}

// RegistryAgent is a registry agent resource
type RegistryAgent struct {
	Metadata Metadata  `json:"metadata" yaml:"metadata"`
	Spec     AgentSpec `json:"spec" yaml:"spec"`
	Status   *Status   `json:"status,omitempty" yaml:"status,omitempty"`
}

// ToAgentInfo converts the registry form into the runner form.
func (r *RegistryAgent) ToAgentInfo() AgentInfo {
	return AgentInfo{
		ID:        r.Metadata.ID,
		Name:      r.Spec.Name,
		Directory: r.Spec.Path,
		Mode:      r.Spec.Mode,
		Run:       r.Spec.Run,
	}
}

// Phase returns the agent phase, or NotStarted when no status is set.
func (r *RegistryAgent) Phase() AgentPhase {
	if r.Status == nil {
		return AgentNotStarted
	}
	return AgentPhase(r.Status.Phase)
}

// RegistryResult is a stored result resource
type RegistryResult struct {
	Metadata Metadata   `json:"metadata"`
	Spec     ResultSpec `json:"spec"`
	Status   *Status    `json:"status,omitempty"`
}

// AgentAccessInfo tells a registry where to find an agent's status
type AgentAccessInfo struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	SourceID       string `json:"source_id"`
	StatusEndpoint string `json:"status_endpoint"`
}

// BenchmarkInfo is the cross-registry listing entry of a benchmark
type BenchmarkInfo struct {
	ID                string           `json:"id"`
	Name              string           `json:"name"`
	Token             string           `json:"token"`
	ResultEndpoint    string           `json:"result_endpoint"`
	RunnerID          string           `json:"runner_id,omitempty"`
	AgentAccess       *AgentAccessInfo `json:"agent_access,omitempty"`
	Status            *Status          `json:"status,omitempty"`
	CreationTimestamp *time.Time       `json:"creation_timestamp,omitempty"`
}

// Phase returns the listed phase, or NotStarted when no status is set.
func (b *BenchmarkInfo) Phase() BenchmarkPhase {
	if b.Status == nil {
		return BenchmarkNotStarted
	}
	return BenchmarkPhase(b.Status.Phase)
}
