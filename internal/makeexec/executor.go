package makeexec

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hochfrequenz/agent-bench-runner/internal/clock"
	"github.com/hochfrequenz/agent-bench-runner/internal/domain"
	"github.com/hochfrequenz/agent-bench-runner/internal/observer"
)

// Defaults for failed invocations.
const (
	DefaultMaxRetry      = 3
	DefaultRetryInterval = 5 * time.Second
)

// Call is a request to run one make target
type Call struct {
	Target    string
	ExtraArgs []string
	Env       map[string]string
	// MaxRetry overrides the executor's retry limit when positive.
	MaxRetry int
}

// ExitError is returned when a target keeps failing after all retries
type ExitError struct {
	Target   string
	ExitCode int
	Stderr   string
	Attempts int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("make target %q failed with exit code %d after %d attempt(s)", e.Target, e.ExitCode, e.Attempts)
}

// Config configures an Executor
type Config struct {
	// Dir is the bundle directory containing the Makefile.
	Dir     string
	Request domain.BundleRequest
	Params  map[string]string
	Env     map[string]string
	IsTest  bool

	MaxRetry      int
	RetryInterval time.Duration

	Logger *slog.Logger
	Sink   observer.Sink
	Clock  clock.Clock
}

// Executor runs make targets for a single bundle
type Executor struct {
	runner Runner
	config Config
}

// NewExecutor creates an executor for the bundle described by config.
func NewExecutor(runner Runner, config Config) *Executor {
	if config.MaxRetry <= 0 {
		config.MaxRetry = DefaultMaxRetry
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = DefaultRetryInterval
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	config.Sink = observer.OrNoop(config.Sink)
	if config.Clock == nil {
		config.Clock = clock.Real{}
	}
	return &Executor{runner: runner, config: config}
}

// SetParam updates a make parameter passed on every invocation.
func (e *Executor) SetParam(key, value string) {
	if e.config.Params == nil {
		e.config.Params = make(map[string]string)
	}
	e.config.Params[key] = value
}

// Args builds the make argument list for target.
func (e *Executor) Args(target string, extra []string) []string {
	args := []string{target, "SHARED_WORKSPACE=" + e.config.Request.SharedWorkspace}
	if e.config.Request.InputFile != "" {
		args = append(args, "INPUT_FILE="+e.config.Request.InputFile)
	}
	args = append(args, domain.KeyValueArgs(e.config.Params)...)
	args = append(args, extra...)
	if e.config.IsTest {
		args = append(args, "TEST=true")
	}
	return args
}

// Invoke runs the target and returns its stdout. A non-zero exit is
// retried after the retry interval until the retry limit is reached.
func (e *Executor) Invoke(ctx context.Context, call Call) (string, error) {
	maxRetry := e.config.MaxRetry
	if call.MaxRetry > 0 {
		maxRetry = call.MaxRetry
	}
	logger := e.config.Logger.With("component", "makeexec", "target", call.Target)

	env := make(map[string]string, len(e.config.Env)+len(call.Env))
	for k, v := range e.config.Env {
		env[k] = v
	}
	for k, v := range call.Env {
		env[k] = v
	}

	inv := Invocation{
		Name: "make",
		Args: e.Args(call.Target, call.ExtraArgs),
		Dir:  e.config.Dir,
		Env:  env,
	}

	for retry := 0; ; retry++ {
		e.config.Sink.Notify(observer.NewEvent(observer.EventInvokeStart, map[string]any{
			"target": call.Target, "args": inv.Args, "dir": inv.Dir, "retry": retry,
		}))

		res, err := e.runner.Run(ctx, inv)
		if err != nil {
			e.config.Sink.Notify(observer.NewEvent(observer.EventInvokeError, map[string]any{
				"target": call.Target, "error": err.Error(),
			}))
			return "", fmt.Errorf("invoking %q: %w", call.Target, err)
		}

		e.config.Sink.Notify(observer.NewEvent(observer.EventInvokeEnd, map[string]any{
			"target": call.Target, "exit_code": res.ExitCode, "stdout": res.Stdout,
			"stderr": res.Stderr, "retry": retry, "duration": res.Duration,
		}))

		if res.ExitCode == 0 {
			return res.Stdout, nil
		}

		logger.Error("make target failed", "exit_code", res.ExitCode, "stderr", res.Stderr)
		if retry >= maxRetry {
			exitErr := &ExitError{Target: call.Target, ExitCode: res.ExitCode, Stderr: res.Stderr, Attempts: retry + 1}
			e.config.Sink.Notify(observer.NewEvent(observer.EventInvokeError, map[string]any{
				"target": call.Target, "error": exitErr.Error(),
			}))
			return "", exitErr
		}
		logger.Warn("retrying make target", "retry", retry+1, "max_retry", maxRetry)
		if err := e.config.Clock.Sleep(ctx, e.config.RetryInterval); err != nil {
			return "", err
		}
	}
}
