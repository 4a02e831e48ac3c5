package domain

// AgentMode selects how the orchestrator drives an agent
type AgentMode string

const (
	// AgentModeLocal means the runner starts the agent process itself.
	AgentModeLocal AgentMode = "local"
	// AgentModeRemote means the agent runs elsewhere and reports its own status.
	AgentModeRemote AgentMode = "remote"
)

// AgentRunCommand is the command line used to start a local agent
type AgentRunCommand struct {
	Command []string `json:"command,omitempty" yaml:"command,omitempty"`
	Args    []string `json:"args,omitempty" yaml:"args,omitempty"`
	Env     []Env    `json:"env,omitempty" yaml:"env,omitempty"`
}

// Argv joins command and args.
func (c *AgentRunCommand) Argv() []string {
	if c == nil {
		return nil
	}
	argv := make([]string, 0, len(c.Command)+len(c.Args))
	argv = append(argv, c.Command...)
	return append(argv, c.Args...)
}

// AgentInfo describes an agent taking part in a benchmark
type AgentInfo struct {
	ID          string           `json:"id" yaml:"id"`
	Name        string           `json:"name" yaml:"name"`
	Directory   string           `json:"directory" yaml:"directory"`
	Description string           `json:"description,omitempty" yaml:"description,omitempty"`
	Mode        AgentMode        `json:"mode,omitempty" yaml:"mode,omitempty"`
	Run         *AgentRunCommand `json:"run,omitempty" yaml:"run,omitempty"`
}

// IsRemote reports whether the agent reports its own status.
func (a *AgentInfo) IsRemote() bool {
	return a.Mode == AgentModeRemote
}
