package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hochfrequenz/agent-bench-runner/internal/clock"
	"github.com/hochfrequenz/agent-bench-runner/internal/domain"
	"github.com/hochfrequenz/agent-bench-runner/internal/makeexec"
	"github.com/hochfrequenz/agent-bench-runner/internal/observer"
)

// phaseScript replays agent phases; the last one repeats.
type phaseScript struct {
	phases []domain.AgentPhase
	errAt  map[int]error
	polls  int
}

func (p *phaseScript) GetAgentStatus(ctx context.Context, benchmarkID, agentID string) (*domain.Status, error) {
	i := p.polls
	p.polls++
	if err := p.errAt[i]; err != nil {
		return nil, err
	}
	if i >= len(p.phases) {
		i = len(p.phases) - 1
	}
	s := domain.NewStatus(string(p.phases[i]), "msg "+string(p.phases[i]))
	return &s, nil
}

func TestGate_WaitForStatus(t *testing.T) {
	const interval = 10 * time.Second
	tests := []struct {
		name        string
		phases      []domain.AgentPhase
		timeout     time.Duration
		execTimeout time.Duration
		wantSuccess bool
		wantMessage string
		wantPolls   int
	}{
		{
			name:        "finished",
			phases:      []domain.AgentPhase{domain.AgentReady, domain.AgentExecuting, domain.AgentFinished},
			timeout:     time.Minute,
			execTimeout: time.Minute,
			wantSuccess: true,
			wantMessage: "msg Finished",
			wantPolls:   3,
		},
		{
			name:        "error",
			phases:      []domain.AgentPhase{domain.AgentReady, domain.AgentError},
			timeout:     time.Minute,
			execTimeout: time.Minute,
			wantMessage: MsgAgentError,
			wantPolls:   2,
		},
		{
			name:        "pending timeout",
			phases:      []domain.AgentPhase{domain.AgentReady},
			timeout:     30 * time.Second,
			execTimeout: time.Minute,
			wantMessage: MsgPendingTimeout,
			wantPolls:   3,
		},
		{
			name:        "executing timeout",
			phases:      []domain.AgentPhase{domain.AgentExecuting},
			timeout:     20 * time.Second,
			execTimeout: 40 * time.Second,
			wantMessage: MsgExecutingTimeout,
			wantPolls:   4,
		},
		{
			name:        "executing resets readiness timer",
			phases:      []domain.AgentPhase{domain.AgentReady, domain.AgentExecuting, domain.AgentExecuting, domain.AgentExecuting, domain.AgentFinished},
			timeout:     20 * time.Second,
			execTimeout: time.Hour,
			wantSuccess: true,
			wantMessage: "msg Finished",
			wantPolls:   5,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &phaseScript{phases: tt.phases}
			g := NewGate(src, "bm-1", GateOptions{Clock: clock.NewFake(time.Unix(0, 0))})

			res, err := g.WaitForStatus(context.Background(), "agent-1", tt.timeout, tt.execTimeout, interval)
			if err != nil {
				t.Fatal(err)
			}
			if res.Success != tt.wantSuccess || res.Message != tt.wantMessage {
				t.Errorf("result = %+v, want success=%v message=%q", res, tt.wantSuccess, tt.wantMessage)
			}
			if src.polls != tt.wantPolls {
				t.Errorf("polls = %d, want %d", src.polls, tt.wantPolls)
			}
		})
	}
}

func TestGate_TransportErrorCountsAsPoll(t *testing.T) {
	src := &phaseScript{
		phases: []domain.AgentPhase{domain.AgentReady, domain.AgentFinished},
		errAt:  map[int]error{0: errors.New("connection refused")},
	}
	rec := observer.NewRecorder(0)
	g := NewGate(src, "bm-1", GateOptions{Clock: clock.NewFake(time.Unix(0, 0)), Sink: rec})

	res, err := g.WaitForStatus(context.Background(), "agent-1", time.Minute, time.Minute, 0)
	if err != nil || !res.Success {
		t.Fatalf("WaitForStatus() = %+v, %v", res, err)
	}
	if src.polls != 2 {
		t.Errorf("polls = %d, want 2", src.polls)
	}
	if got := len(rec.Named(observer.EventAgentPhase)); got != 1 {
		t.Errorf("agent phase events = %d, want 1", got)
	}
}

func TestGate_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	g := NewGate(&phaseScript{phases: []domain.AgentPhase{domain.AgentReady}}, "bm-1", GateOptions{Clock: clock.NewFake(time.Unix(0, 0))})

	if _, err := g.WaitForStatus(ctx, "a", time.Minute, time.Minute, time.Second); !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestGate_WaitForMoveNext(t *testing.T) {
	g := NewGate(&phaseScript{phases: []domain.AgentPhase{domain.AgentFinished, domain.AgentReady}}, "bm-1", GateOptions{Clock: clock.NewFake(time.Unix(0, 0))})
	res, err := g.WaitForMoveNext(context.Background(), "a", time.Minute, time.Second)
	if err != nil || !res.Success {
		t.Errorf("WaitForMoveNext() = %+v, %v", res, err)
	}

	g = NewGate(&phaseScript{phases: []domain.AgentPhase{domain.AgentFinished}}, "bm-1", GateOptions{Clock: clock.NewFake(time.Unix(0, 0))})
	res, err = g.WaitForMoveNext(context.Background(), "a", 3*time.Second, time.Second)
	if err != nil || res.Success || res.Message != MsgNotReadyTimeout {
		t.Errorf("WaitForMoveNext() = %+v, %v", res, err)
	}
}

type recordingRunner struct {
	inv makeexec.Invocation
	res *makeexec.Result
}

func (r *recordingRunner) Run(ctx context.Context, inv makeexec.Invocation) (*makeexec.Result, error) {
	r.inv = inv
	return r.res, nil
}

func TestLocalInvoker_Invoke(t *testing.T) {
	ws := t.TempDir()
	out := filepath.Join(t.TempDir(), "out")
	runner := &recordingRunner{res: &makeexec.Result{Stdout: "resolved"}}
	inv := NewLocalInvoker(runner, nil)

	info := domain.AgentInfo{
		Name:      "agent-1",
		Directory: "/agents/a1",
		Run: &domain.AgentRunCommand{
			Command: []string{"python", "main.py"},
			Args:    []string{"--auto"},
			Env:     []domain.Env{{Name: "MODEL", Value: "m1"}},
		},
	}
	entity := map[string]any{
		"goal_template": "Fix the cluster using {{ kubeconfig }} in {{shared_workspace}}",
		"vars":          map[string]any{"kubeconfig": "apiVersion: v1"},
	}

	got, err := inv.Invoke(context.Background(), info, Request{BundleName: "b1", SharedWorkspace: ws, Entity: entity, OutputDir: out})
	if err != nil {
		t.Fatal(err)
	}
	if got != "resolved" {
		t.Errorf("stdout = %q", got)
	}

	if runner.inv.Name != "python" || len(runner.inv.Args) != 2 || runner.inv.Dir != "/agents/a1" {
		t.Errorf("invocation = %+v", runner.inv)
	}
	kc := filepath.Join(ws, KubeconfigFileName)
	wantGoal := "Fix the cluster using " + kc + " in " + ws
	env := runner.inv.Env
	if env["AGENT_GOAL"] != wantGoal || env["MODEL"] != "m1" || env["BUNDLE_NAME"] != "b1" || env["SHARED_WORKSPACE"] != ws {
		t.Errorf("env = %v", env)
	}
	if data, err := os.ReadFile(kc); err != nil || string(data) != "apiVersion: v1" {
		t.Errorf("kubeconfig = %q, %v", data, err)
	}
	if _, err := os.Stat(filepath.Join(out, "shared_workspace", BundleFileName)); err != nil {
		t.Errorf("workspace not copied: %v", err)
	}
}

func TestLocalInvoker_Failures(t *testing.T) {
	inv := NewLocalInvoker(&recordingRunner{res: &makeexec.Result{ExitCode: 1, Stderr: "model unavailable\n"}}, nil)
	info := domain.AgentInfo{Run: &domain.AgentRunCommand{Command: []string{"agent"}}}

	_, err := inv.Invoke(context.Background(), info, Request{SharedWorkspace: t.TempDir(), Entity: map[string]any{}})
	if err == nil || err.Error() != "model unavailable" {
		t.Errorf("error = %v", err)
	}

	_, err = inv.Invoke(context.Background(), domain.AgentInfo{}, Request{SharedWorkspace: t.TempDir()})
	if !errors.Is(err, ErrNoRunCommand) {
		t.Errorf("error = %v, want ErrNoRunCommand", err)
	}
}

func TestRenderGoal(t *testing.T) {
	got := RenderGoal("{{ a }}-{{b}}-{{ unknown }}", map[string]string{"a": "1", "b": "2"})
	if got != "1-2-{{ unknown }}" {
		t.Errorf("RenderGoal() = %q", got)
	}
}
