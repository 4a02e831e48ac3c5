package benchmark

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/hochfrequenz/agent-bench-runner/internal/agent"
	"github.com/hochfrequenz/agent-bench-runner/internal/benchclient"
	"github.com/hochfrequenz/agent-bench-runner/internal/bundle"
	"github.com/hochfrequenz/agent-bench-runner/internal/domain"
	"github.com/hochfrequenz/agent-bench-runner/internal/makeexec"
	"github.com/hochfrequenz/agent-bench-runner/internal/observer"
)

// IncidentTypeSRE marks bundles that receive run and participant ids.
const IncidentTypeSRE = "SRE"

// Result messages.
const (
	MsgAgentFailedPrefix = "Agent failed: "
	MsgMoveNextFailed    = "Agent status did not change Finished to Ready."
)

// bundleRun carries the collaborators of one pair
type bundleRun struct {
	b      *Benchmark
	client *benchclient.Client
	cfg    domain.BenchRunConfig
	pair   pair
	op     *bundle.Operator
	fields map[string]any
}

// agentInterval prefers the interval of the run config over the default.
func (r *bundleRun) agentInterval() time.Duration {
	if r.cfg.Interval > 0 {
		return time.Duration(r.cfg.Interval) * time.Second
	}
	return r.b.opts.AgentInterval
}

// runBundle drives one bundle for one agent and always returns a result.
// bundle-result.json is written to the per-bundle output directory.
func (b *Benchmark) runBundle(ctx context.Context, client *benchclient.Client, cfg domain.BenchRunConfig, p pair, agentDir string) domain.BundleResult {
	outDir := filepath.Join(agentDir, p.bundle.Name)
	if err := os.MkdirAll(outDir, 0755); err != nil {
		b.logger.Error("failed to create bundle output dir", "error", err)
	}

	if p.bundle.IncidentType == IncidentTypeSRE {
		p.bundle.SetParam("RUN_UUID", cfg.BenchmarkID)
		p.bundle.SetParam("PARTICIPANT_AGENT_UUID", p.agent.ID)
	}

	logger := b.opts.Logger.With("agent", p.agent.Name)
	executor := makeexec.NewExecutor(b.runner, makeexec.Config{
		Dir:           p.bundle.Directory,
		Request:       p.request,
		Params:        p.bundle.Params,
		Env:           domain.EnvMap(p.bundle.Env),
		IsTest:        cfg.Config.IsTest,
		MaxRetry:      b.opts.MaxRetry,
		RetryInterval: b.opts.RetryInterval,
		Logger:        logger,
		Sink:          b.sink,
		Clock:         b.clock,
	})
	op := bundle.NewOperator(&p.bundle, p.request, executor, bundle.Options{
		WaitInterval: b.opts.WaitInterval,
		WaitTimeout:  b.opts.WaitTimeout,
		Logger:       logger,
		Clock:        b.clock,
	})

	r := &bundleRun{
		b:      b,
		client: client,
		cfg:    cfg,
		pair:   p,
		op:     op,
		fields: map[string]any{"benchmark_id": cfg.BenchmarkID, "agent": p.agent.Name, "bundle": p.bundle.Name},
	}
	b.sink.Notify(observer.NewEvent(observer.EventBundleStart, r.eventFields(nil)))

	res, err := r.run(ctx, outDir)
	if err != nil {
		msg := err.Error()
		if action := op.ErrorAction(ctx); action != "" {
			msg += "\n" + action
		}
		res = r.result(false, 0, msg, true)
		r.pushBundle(ctx, domain.BundleError, msg)
	}

	if err := writeBundleResult(outDir, res); err != nil {
		b.logger.Error("failed to write bundle result", "error", err)
	}
	b.sink.Notify(observer.NewEvent(observer.EventBundleResult, r.eventFields(map[string]any{"result": res})))
	return res
}

func (r *bundleRun) eventFields(extra map[string]any) map[string]any {
	out := make(map[string]any, len(r.fields)+len(extra))
	for k, v := range r.fields {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func (r *bundleRun) pushBundle(ctx context.Context, phase domain.BundlePhase, msg string) {
	r.client.PushBundleStatus(ctx, r.pair.bundle.ID, phase, msg)
	r.b.sink.Notify(observer.NewEvent(observer.EventBundlePhase, r.eventFields(map[string]any{"phase": string(phase)})))
}

func (r *bundleRun) pushAgent(ctx context.Context, phase domain.AgentPhase, msg string) {
	r.client.PushAgentStatus(ctx, r.pair.agent.ID, phase, msg)
	r.b.sink.Notify(observer.NewEvent(observer.EventAgentPhase, r.eventFields(map[string]any{"phase": string(phase)})))
}

func (r *bundleRun) result(passed bool, ttr time.Duration, msg string, errored bool) domain.BundleResult {
	return domain.BundleResult{
		BundleInfo:  r.pair.bundle.BundleInfo,
		Agent:       r.pair.agent.Name,
		Passed:      passed,
		TTR:         domain.Duration(ttr),
		Errored:     errored,
		Message:     msg,
		Date:        r.b.clock.Now().UTC(),
		BenchmarkID: r.cfg.BenchmarkID,
	}
}

// run executes the phases in order. Any returned error is handled by the
// caller through the error action.
func (r *bundleRun) run(ctx context.Context, outDir string) (domain.BundleResult, error) {
	op := r.op
	bun := &r.pair.bundle
	ag := r.pair.agent

	r.pushBundle(ctx, domain.BundleProvisioning, "")
	if err := op.Deploy(ctx); err != nil {
		return domain.BundleResult{}, err
	}
	r.pushBundle(ctx, domain.BundleProvisioned, "")

	r.pushBundle(ctx, domain.BundleFaultInjecting, "")
	if err := op.InjectFault(ctx); err != nil {
		return domain.BundleResult{}, err
	}
	r.pushBundle(ctx, domain.BundleFaultInjected, "")

	started := r.b.clock.Now()

	entity, err := op.Get(ctx)
	if err != nil {
		return domain.BundleResult{}, err
	}
	entity["shared_workspace"] = r.pair.request.SharedWorkspace
	if err := r.client.PushBundleData(ctx, bun.ID, entity); err != nil {
		return domain.BundleResult{}, err
	}
	r.pushBundle(ctx, domain.BundleReady, "")

	var agentRes agent.Result
	gate := agent.NewGate(r.client, r.cfg.BenchmarkID, agent.GateOptions{Logger: r.b.opts.Logger, Sink: r.b.sink, Clock: r.b.clock})
	if ag.IsRemote() {
		agentRes, err = gate.WaitForStatus(ctx, ag.ID, bun.ReadyTimeout(), bun.OperationTimeout(), r.agentInterval())
		if err != nil {
			return domain.BundleResult{}, err
		}
	} else {
		r.pushAgent(ctx, domain.AgentExecuting, "")
		invoker := agent.NewLocalInvoker(r.b.runner, r.b.opts.Logger)
		stdout, err := invoker.Invoke(ctx, ag, agent.Request{
			BundleName:      bun.Name,
			SharedWorkspace: r.pair.request.SharedWorkspace,
			Entity:          entity,
			OutputDir:       outDir,
		})
		if err != nil {
			r.b.logger.Error("agent failed", "agent", ag.Name, "bundle", bun.Name, "error", err)
			r.pushAgent(ctx, domain.AgentError, err.Error())
			agentRes = agent.Result{Message: err.Error()}
		} else {
			r.pushAgent(ctx, domain.AgentFinished, stdout)
			agentRes = agent.Result{Success: true, Message: stdout}
		}
	}

	ttr := r.b.clock.Now().Sub(started)

	var res domain.BundleResult
	if agentRes.Success {
		dest := filepath.Join(r.pair.request.SharedWorkspace, AgentOutputFileName)
		if err := r.client.DownloadAgentFile(ctx, bun.ID, dest); err != nil {
			r.b.logger.Error("failed to download agent file", "error", err)
		}
		r.pushBundle(ctx, domain.BundleEvaluating, "")
		if bun.EnableEvaluationWait {
			if _, err := op.WaitForViolationResolved(ctx, bun.Interval(), r.cfg.Config.ResolutionTimeout()); err != nil {
				return domain.BundleResult{}, err
			}
		}
		eval, err := op.Evaluate(ctx)
		if err != nil {
			return domain.BundleResult{}, err
		}
		r.pushBundle(ctx, domain.BundleEvaluated, "")
		passed, details := false, ""
		if eval != nil {
			passed, details = eval.Pass, eval.Details
		}
		res = r.result(passed, ttr, details, false)
	} else {
		r.pushBundle(ctx, domain.BundleError, agentRes.Message)
		res = r.result(false, ttr, MsgAgentFailedPrefix+agentRes.Message, false)
	}

	if err := op.Delete(ctx, r.cfg.Config.SoftDelete); err != nil {
		return domain.BundleResult{}, err
	}
	r.pushBundle(ctx, domain.BundleTerminating, "")
	r.pushBundle(ctx, domain.BundleTerminated, "")

	if ag.IsRemote() {
		next, err := gate.WaitForMoveNext(ctx, ag.ID, bun.ReadyTimeout(), r.agentInterval())
		if err != nil {
			return domain.BundleResult{}, err
		}
		if !next.Success {
			res.Errored = true
			res.Message = MsgMoveNextFailed
		}
	}
	return res, nil
}
