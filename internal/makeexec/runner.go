// Package makeexec invokes make targets for bundles and retries failed
// invocations.
package makeexec

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"
)

// Invocation is a single process run
type Invocation struct {
	Name string
	Args []string
	Dir  string
	Env  map[string]string
}

// String renders the command line.
func (i Invocation) String() string {
	return strings.Join(append([]string{i.Name}, i.Args...), " ")
}

// Result is the outcome of a process run
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// OutputCallback is called for each line of output
type OutputCallback func(stream, line string)

// Runner starts a process and waits for it
type Runner interface {
	Run(ctx context.Context, inv Invocation) (*Result, error)
}

// ProcessRunner runs processes on the local machine.
//
// Processes are not killed when ctx is cancelled: a phase that has
// started runs to completion.
type ProcessRunner struct {
	OnOutput OutputCallback
	Logger   *slog.Logger
}

// Run starts the process and captures its output.
func (p *ProcessRunner) Run(ctx context.Context, inv Invocation) (*Result, error) {
	start := time.Now()
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cmd := exec.Command(inv.Name, inv.Args...)
	cmd.Dir = inv.Dir
	cmd.Env = MergeEnv(os.Environ(), inv.Env)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	var stdoutBuf, stderrBuf strings.Builder

	logger.Debug("starting command", "component", "makeexec", "cmd", inv.String(), "dir", inv.Dir)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting command: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.streamOutput(stdout, "stdout", &stdoutBuf)
	}()
	go func() {
		defer wg.Done()
		p.streamOutput(stderr, "stderr", &stderrBuf)
	}()
	wg.Wait()

	err = cmd.Wait()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("command failed: %w", err)
		}
		exitCode = exitErr.ExitCode()
	}

	return &Result{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		ExitCode: exitCode,
		Duration: time.Since(start),
	}, nil
}

func (p *ProcessRunner) streamOutput(r io.Reader, stream string, output *strings.Builder) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text() + "\n"
		output.WriteString(line)
		if p.OnOutput != nil {
			p.OnOutput(stream, line)
		}
	}
}

// MergeEnv overlays overrides on a KEY=VALUE environment. Overridden
// keys are replaced, not duplicated; new keys are appended in sorted order.
func MergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	out := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, ok := overrides[key]; ok {
			continue
		}
		out = append(out, kv)
	}
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+overrides[k])
	}
	return out
}
