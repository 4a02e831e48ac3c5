package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/hochfrequenz/agent-bench-runner/internal/domain"
	"github.com/hochfrequenz/agent-bench-runner/internal/makeexec"
)

// Files written into the shared workspace for local agents.
const (
	BundleFileName     = "bundle.json"
	KubeconfigFileName = "kubeconfig.yaml"
	OutputFileName     = "agent-result.json"
)

// ErrNoRunCommand is returned when a local agent has nothing to run.
var ErrNoRunCommand = errors.New("agent has no run command")

var placeholderRe = regexp.MustCompile(`\{\{\s*(\w+)\s*\}\}`)

// Request describes one local agent invocation
type Request struct {
	BundleName      string
	SharedWorkspace string
	// Entity is the bundle entity returned by the get target.
	Entity map[string]any
	// OutputDir receives the agent output and a copy of the workspace.
	OutputDir string
}

// LocalInvoker runs agents as local processes
type LocalInvoker struct {
	runner makeexec.Runner
	logger *slog.Logger
}

// NewLocalInvoker creates an invoker running processes through runner.
func NewLocalInvoker(runner makeexec.Runner, logger *slog.Logger) *LocalInvoker {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalInvoker{runner: runner, logger: logger.With("component", "agent")}
}

// Invoke prepares the workspace, runs the agent and returns its stdout.
func (l *LocalInvoker) Invoke(ctx context.Context, info domain.AgentInfo, req Request) (string, error) {
	argv := info.Run.Argv()
	if len(argv) == 0 {
		return "", ErrNoRunCommand
	}
	l.logger.Info("invoking agent", "agent", info.Name, "bundle", req.BundleName)

	bundleFile := filepath.Join(req.SharedWorkspace, BundleFileName)
	data, err := json.MarshalIndent(req.Entity, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding bundle entity: %w", err)
	}
	if err := os.WriteFile(bundleFile, data, 0644); err != nil {
		return "", fmt.Errorf("writing bundle file: %w", err)
	}

	kubeconfig := ""
	if vars, ok := req.Entity["vars"].(map[string]any); ok {
		if kc, ok := vars["kubeconfig"].(string); ok && kc != "" {
			kubeconfig = filepath.Join(req.SharedWorkspace, KubeconfigFileName)
			if err := os.WriteFile(kubeconfig, []byte(kc), 0600); err != nil {
				return "", fmt.Errorf("writing kubeconfig: %w", err)
			}
		}
	}

	goal := RenderGoal(goalTemplate(req.Entity), map[string]string{
		"shared_workspace": req.SharedWorkspace,
		"kubeconfig":       kubeconfig,
	})
	l.logger.Debug("agent goal", "goal", goal)

	if req.OutputDir != "" {
		if err := os.MkdirAll(req.OutputDir, 0755); err != nil {
			return "", fmt.Errorf("creating agent output dir: %w", err)
		}
	}

	env := domain.EnvMap(info.Run.Env)
	if env == nil {
		env = make(map[string]string)
	}
	env["SHARED_WORKSPACE"] = req.SharedWorkspace
	env["BUNDLE_NAME"] = req.BundleName
	env["BUNDLE_FILE"] = bundleFile
	env["AGENT_GOAL"] = goal
	env["AGENT_OUTPUT"] = filepath.Join(req.OutputDir, OutputFileName)

	res, err := l.runner.Run(ctx, makeexec.Invocation{
		Name: argv[0],
		Args: argv[1:],
		Dir:  info.Directory,
		Env:  env,
	})

	if req.OutputDir != "" {
		dst := filepath.Join(req.OutputDir, "shared_workspace")
		if cerr := os.CopyFS(dst, os.DirFS(req.SharedWorkspace)); cerr != nil {
			l.logger.Error("failed to copy shared workspace to output dir", "error", cerr)
		}
	}

	if err != nil {
		return "", fmt.Errorf("running agent: %w", err)
	}
	l.logger.Info("agent tasks finished", "agent", info.Name, "bundle", req.BundleName, "exit_code", res.ExitCode)
	if res.ExitCode != 0 {
		msg := strings.TrimSpace(res.Stderr)
		if msg == "" {
			msg = fmt.Sprintf("exit code %d", res.ExitCode)
		}
		return "", errors.New(msg)
	}
	return res.Stdout, nil
}

func goalTemplate(entity map[string]any) string {
	if s, ok := entity["goal_template"].(string); ok {
		return s
	}
	if meta, ok := entity["metadata"].(map[string]any); ok {
		if s, ok := meta["goal"].(string); ok {
			return s
		}
	}
	return ""
}

// RenderGoal substitutes {{ name }} placeholders. Unknown names are left
// as they are.
func RenderGoal(tmpl string, vars map[string]string) string {
	return placeholderRe.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := placeholderRe.FindStringSubmatch(m)[1]
		if v, ok := vars[name]; ok {
			return v
		}
		return m
	})
}
