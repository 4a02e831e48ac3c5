// Package agent gates bundle progress on an agent: it either waits for a
// remote agent to report completion or runs a local agent process.
package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/hochfrequenz/agent-bench-runner/internal/clock"
	"github.com/hochfrequenz/agent-bench-runner/internal/domain"
	"github.com/hochfrequenz/agent-bench-runner/internal/observer"
)

// DefaultInterval is the status polling interval for remote agents.
const DefaultInterval = 10 * time.Second

// Failure messages reported by the gate.
const (
	MsgAgentError       = "Agent encountered an error."
	MsgExecutingTimeout = "Timeout reached for executing phase."
	MsgPendingTimeout   = "Timeout reached. The operation is still pending."
	MsgNotReadyTimeout  = "Timeout reached. The Agent could not be ready within the timeout."
)

// Result is the outcome of an agent run
type Result struct {
	Success bool
	Message string
}

// StatusSource reads the status an agent reports for a benchmark
type StatusSource interface {
	GetAgentStatus(ctx context.Context, benchmarkID, agentID string) (*domain.Status, error)
}

// GateOptions configures a Gate
type GateOptions struct {
	Logger *slog.Logger
	Sink   observer.Sink
	Clock  clock.Clock
}

// Gate polls a remote agent's status
type Gate struct {
	source      StatusSource
	benchmarkID string
	logger      *slog.Logger
	sink        observer.Sink
	clock       clock.Clock
}

// NewGate creates a gate for agents of the given benchmark.
func NewGate(source StatusSource, benchmarkID string, opts GateOptions) *Gate {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	return &Gate{
		source:      source,
		benchmarkID: benchmarkID,
		logger:      opts.Logger.With("component", "agent"),
		sink:        observer.OrNoop(opts.Sink),
		clock:       opts.Clock,
	}
}

func (g *Gate) poll(ctx context.Context, agentID string) (domain.AgentPhase, string) {
	status, err := g.source.GetAgentStatus(ctx, g.benchmarkID, agentID)
	if err != nil {
		g.logger.Error("failed to read agent status", "agent", agentID, "error", err)
		return "", ""
	}
	if status == nil {
		return domain.AgentNotStarted, ""
	}
	return domain.AgentPhase(status.Phase), status.MessageText()
}

func (g *Gate) observe(agentID string, prev *domain.AgentPhase, phase domain.AgentPhase) {
	if phase == "" || phase == *prev {
		return
	}
	*prev = phase
	g.sink.Notify(observer.NewEvent(observer.EventAgentPhase, map[string]any{
		"benchmark_id": g.benchmarkID, "agent": agentID, "phase": string(phase),
	}))
}

// WaitForStatus waits for the agent to finish. The readiness timer is
// reset while the agent is executing; execution time is bounded by
// execTimeout instead. An error is returned only when ctx is done.
func (g *Gate) WaitForStatus(ctx context.Context, agentID string, timeout, execTimeout, interval time.Duration) (Result, error) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	var elapsed, execElapsed time.Duration
	var last domain.AgentPhase

	for elapsed < timeout {
		phase, msg := g.poll(ctx, agentID)
		g.observe(agentID, &last, phase)

		switch phase {
		case domain.AgentFinished:
			g.logger.Info("agent finished", "agent", agentID)
			return Result{Success: true, Message: msg}, nil
		case domain.AgentError:
			g.logger.Error("agent reported an error", "agent", agentID, "message", msg)
			return Result{Message: MsgAgentError}, nil
		case domain.AgentExecuting:
			elapsed = 0
			execElapsed += interval
			if execElapsed >= execTimeout {
				g.logger.Error("agent did not finish executing in time", "agent", agentID, "timeout", execTimeout)
				return Result{Message: MsgExecutingTimeout}, nil
			}
		case domain.AgentReady, domain.AgentNotStarted, "":
		default:
			g.logger.Warn("unexpected agent phase", "agent", agentID, "phase", phase)
		}

		if err := g.clock.Sleep(ctx, interval); err != nil {
			return Result{}, err
		}
		elapsed += interval
	}
	g.logger.Error("agent operation still pending at timeout", "agent", agentID, "timeout", timeout)
	return Result{Message: MsgPendingTimeout}, nil
}

// WaitForMoveNext waits for the agent to become Ready again after a bundle.
func (g *Gate) WaitForMoveNext(ctx context.Context, agentID string, timeout, interval time.Duration) (Result, error) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	var elapsed time.Duration
	var last domain.AgentPhase

	for elapsed < timeout {
		phase, msg := g.poll(ctx, agentID)
		g.observe(agentID, &last, phase)
		if phase == domain.AgentReady {
			return Result{Success: true, Message: msg}, nil
		}
		if err := g.clock.Sleep(ctx, interval); err != nil {
			return Result{}, err
		}
		elapsed += interval
	}
	g.logger.Error("agent did not become ready", "agent", agentID, "timeout", timeout)
	return Result{Message: MsgNotReadyTimeout}, nil
}
