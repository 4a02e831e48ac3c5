// Package bundle drives a single bundle through its lifecycle:
// deploy, fault injection, data exposure, evaluation and teardown.
package bundle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hochfrequenz/agent-bench-runner/internal/clock"
	"github.com/hochfrequenz/agent-bench-runner/internal/domain"
	"github.com/hochfrequenz/agent-bench-runner/internal/makeexec"
)

// Defaults for condition waits.
const (
	DefaultWaitInterval = 5 * time.Second
	DefaultWaitTimeout  = 300 * time.Second
)

// Invoker runs a make target and returns its stdout
type Invoker interface {
	Invoke(ctx context.Context, call makeexec.Call) (string, error)
}

// Options configures an Operator
type Options struct {
	WaitInterval time.Duration
	WaitTimeout  time.Duration
	Logger       *slog.Logger
	Clock        clock.Clock
}

// Operator drives one bundle through its phases
type Operator struct {
	bundle  *domain.Bundle
	request domain.BundleRequest
	targets domain.MakeTargetMapping
	invoker Invoker

	waitInterval time.Duration
	waitTimeout  time.Duration
	logger       *slog.Logger
	clock        clock.Clock
}

// NewOperator creates an operator for b. Unconfigured make targets fall
// back to the conventional names.
func NewOperator(b *domain.Bundle, req domain.BundleRequest, invoker Invoker, opts Options) *Operator {
	if opts.WaitInterval <= 0 {
		opts.WaitInterval = DefaultWaitInterval
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = DefaultWaitTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	return &Operator{
		bundle:       b,
		request:      req,
		targets:      b.MakeTargets.WithDefaults(),
		invoker:      invoker,
		waitInterval: opts.WaitInterval,
		waitTimeout:  opts.WaitTimeout,
		logger:       opts.Logger.With("component", "bundle", "bundle", b.Name),
		clock:        opts.Clock,
	}
}

// Bundle returns the bundle being operated.
func (o *Operator) Bundle() *domain.Bundle { return o.bundle }

// Request returns the per-run request.
func (o *Operator) Request() domain.BundleRequest { return o.request }

// Targets returns the effective make target mapping.
func (o *Operator) Targets() domain.MakeTargetMapping { return o.targets }

func (o *Operator) interval() time.Duration {
	if d := o.bundle.Interval(); d > 0 {
		return d
	}
	return o.waitInterval
}

func (o *Operator) readyTimeout() time.Duration {
	return o.bundle.ReadyTimeout()
}

func (o *Operator) invoke(ctx context.Context, t domain.MakeTarget, maxRetry int) (string, error) {
	return o.invoker.Invoke(ctx, makeexec.Call{
		Target:    t.Target,
		ExtraArgs: t.ExtraArgs(),
		Env:       domain.EnvMap(t.Env),
		MaxRetry:  maxRetry,
	})
}

// Status runs the status target and parses the reported conditions.
func (o *Operator) Status(ctx context.Context) (*domain.BundleStatus, error) {
	out, err := o.invoke(ctx, o.targets.Status, 0)
	if err != nil {
		return nil, err
	}
	var doc struct {
		Status *domain.BundleStatus `json:"status"`
	}
	if err := json.Unmarshal([]byte(out), &doc); err != nil {
		return nil, fmt.Errorf("parsing bundle status: %w", err)
	}
	if doc.Status == nil {
		return nil, fmt.Errorf("parsing bundle status: no status document")
	}
	o.bundle.Status = doc.Status
	return doc.Status, nil
}

// Deploy runs the deploy target and waits until the bundle is deployed.
// When fault injection is unused, it waits for FaultInjected instead.
func (o *Operator) Deploy(ctx context.Context) error {
	t := o.targets.Deploy
	if t.Unused {
		return nil
	}
	o.logger.Info("deploying bundle")
	if _, err := o.invoke(ctx, t, 0); err != nil {
		return err
	}

	waitFor := domain.ConditionDeployed
	if o.targets.InjectFault.Unused {
		waitFor = domain.ConditionFaultInjected
	}
	ok, err := o.WaitBundle(ctx, waitFor, domain.ConditionTrue, o.interval(), o.readyTimeout())
	if err != nil {
		return err
	}
	if !ok {
		return &PhaseError{Message: "Deployment Failed", Phase: "deploy", Target: t.Target}
	}
	return nil
}

// InjectFault runs the inject_fault target and waits for FaultInjected.
func (o *Operator) InjectFault(ctx context.Context) error {
	t := o.targets.InjectFault
	if t.Unused {
		return nil
	}
	o.logger.Info("injecting fault")
	if _, err := o.invoke(ctx, t, 0); err != nil {
		return err
	}
	ok, err := o.WaitBundle(ctx, domain.ConditionFaultInjected, domain.ConditionTrue, o.interval(), o.readyTimeout())
	if err != nil {
		return err
	}
	if !ok {
		return &PhaseError{Message: "FaultInjection Failed", Phase: domain.ConditionFaultInjected, Target: t.Target}
	}
	return nil
}

// Get runs the get target and returns the bundle entity. The entity
// always carries metadata.goal.
func (o *Operator) Get(ctx context.Context) (map[string]any, error) {
	t := o.targets.Get
	if t.Unused {
		return map[string]any{}, nil
	}
	out, err := o.invoke(ctx, t, 0)
	if err != nil {
		return nil, err
	}
	var entity map[string]any
	if err := json.Unmarshal([]byte(out), &entity); err != nil {
		return nil, fmt.Errorf("parsing bundle entity: %w", err)
	}
	if entity == nil {
		entity = map[string]any{}
	}
	meta, ok := entity["metadata"].(map[string]any)
	if !ok {
		meta = map[string]any{}
		entity["metadata"] = meta
	}
	if _, ok := meta["goal"]; !ok {
		meta["goal"] = ""
	}
	return entity, nil
}

// Evaluate runs the evaluate target. It returns nil when evaluation is
// unused for this bundle.
func (o *Operator) Evaluate(ctx context.Context) (*domain.BundleEvaluation, error) {
	t := o.targets.Evaluate
	if t.Unused {
		return nil, nil
	}
	out, err := o.invoke(ctx, t, 0)
	if err != nil {
		return nil, err
	}
	var eval domain.BundleEvaluation
	if err := json.Unmarshal([]byte(out), &eval); err != nil {
		return nil, fmt.Errorf("parsing evaluation: %w", err)
	}
	return &eval, nil
}

// HasIncident reports whether the injected problem is still present.
func (o *Operator) HasIncident(ctx context.Context) (bool, error) {
	eval, err := o.Evaluate(ctx)
	if err != nil {
		return false, err
	}
	if eval == nil {
		return false, nil
	}
	return !eval.Pass, nil
}

// Delete tears the bundle down. A soft delete reverts the fault and
// waits for FaultInjected=False; a hard delete waits for Destroyed=True.
// Only a failed wait is returned; other failures are logged.
func (o *Operator) Delete(ctx context.Context, soft bool) error {
	t := o.targets.Delete
	condType, want := domain.ConditionDestroyed, domain.ConditionTrue
	if soft {
		o.logger.Info("soft-deleting bundle")
		t = o.targets.Revert
		condType, want = domain.ConditionFaultInjected, domain.ConditionFalse
	} else {
		o.logger.Info("deleting bundle")
	}
	if t.Unused {
		return nil
	}

	if _, err := o.invoke(ctx, t, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		o.logger.Error("bundle deletion did not succeed, continuing", "error", err)
		return nil
	}
	ok, err := o.WaitBundle(ctx, condType, want, o.interval(), o.readyTimeout())
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		o.logger.Error("bundle deletion did not succeed, continuing", "error", err)
		return nil
	}
	if !ok {
		return &PhaseError{Message: "Failed to delete", Phase: condType, Target: t.Target}
	}
	return nil
}

// ErrorAction runs the on_error target and waits for Destroyed=True.
// It returns the target output, or a description of what went wrong.
func (o *Operator) ErrorAction(ctx context.Context) string {
	t := o.targets.OnError
	if t.Unused || t.Target == "" {
		o.logger.Info("no error handler is registered, nothing to do")
		return ""
	}
	o.logger.Info("executing on_error target", "target", t.Target)

	out, err := o.invoke(ctx, t, 0)
	if err == nil {
		var ok bool
		ok, err = o.WaitBundle(ctx, domain.ConditionDestroyed, domain.ConditionTrue, o.interval(), o.readyTimeout())
		if err == nil && !ok {
			err = &PhaseError{Message: "ErrorAction Failed", Phase: domain.ConditionDestroyed, Target: t.Target}
		}
	}
	if err != nil {
		msg := fmt.Sprintf("Failed to execute 'on_error' target: %s. Exception: %s, Message: %v", t.Target, errorKind(err), err)
		o.logger.Error(msg)
		return msg
	}
	return out
}

// WaitBundle polls the status target until the condition condType has
// status want. It returns false when the condition is missing, carries a
// failure reason, or timeout elapses first.
func (o *Operator) WaitBundle(ctx context.Context, condType string, want domain.ConditionStatus, interval, timeout time.Duration) (bool, error) {
	if interval <= 0 {
		interval = o.waitInterval
	}
	if timeout <= 0 {
		timeout = o.waitTimeout
	}

	start := o.clock.Now()
	for o.clock.Now().Sub(start) < timeout {
		status, err := o.Status(ctx)
		if err != nil {
			return false, err
		}
		cond, found := status.Conditions.Find(condType)
		if !found {
			o.logger.Error("condition not found", "condition", condType)
			return false, nil
		}
		if cond.Status == want {
			o.logger.Info("condition satisfied", "condition", condType, "status", want)
			return true, nil
		}
		if domain.IsFailureReason(cond.Reason) {
			o.logger.Error("bundle reported a failure", "condition", condType, "reason", cond.Reason, "message", cond.Message)
			return false, nil
		}
		if cond.Message != "" {
			o.logger.Info(cond.Message, "condition", condType)
		}
		if err := o.clock.Sleep(ctx, interval); err != nil {
			return false, err
		}
	}
	o.logger.Error("timed out waiting for condition", "condition", condType, "timeout", timeout)
	return false, nil
}

// WaitForViolationResolved polls evaluation until the incident is gone
// or timeout elapses.
func (o *Operator) WaitForViolationResolved(ctx context.Context, interval, timeout time.Duration) (bool, error) {
	if interval <= 0 {
		interval = o.waitInterval
	}
	if timeout <= 0 {
		timeout = o.waitTimeout
	}
	o.logger.Info("watching for the problem to be resolved")

	start := o.clock.Now()
	for o.clock.Now().Sub(start) < timeout {
		incident, err := o.HasIncident(ctx)
		if err != nil {
			return false, err
		}
		if !incident {
			o.logger.Info("the problem is resolved")
			return true, nil
		}
		if err := o.clock.Sleep(ctx, interval); err != nil {
			return false, err
		}
	}
	return false, nil
}

// IsContextError reports whether err came from cancellation.
func IsContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
