package makeexec

import (
	"context"
	"errors"
	"os/exec"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hochfrequenz/agent-bench-runner/internal/clock"
	"github.com/hochfrequenz/agent-bench-runner/internal/domain"
	"github.com/hochfrequenz/agent-bench-runner/internal/observer"
)

type scriptedRunner struct {
	results []*Result
	calls   []Invocation
}

func (s *scriptedRunner) Run(ctx context.Context, inv Invocation) (*Result, error) {
	s.calls = append(s.calls, inv)
	if len(s.results) == 0 {
		return &Result{}, nil
	}
	r := s.results[0]
	if len(s.results) > 1 {
		s.results = s.results[1:]
	}
	return r, nil
}

func TestExecutor_Args(t *testing.T) {
	e := NewExecutor(&scriptedRunner{}, Config{
		Request: domain.BundleRequest{SharedWorkspace: "/tmp/ws", InputFile: "/tmp/ws/.input.json"},
		Params:  map[string]string{"B": "2", "A": "1"},
		IsTest:  true,
	})

	got := e.Args("deploy_bundle", []string{"EXTRA=x"})
	want := []string{"deploy_bundle", "SHARED_WORKSPACE=/tmp/ws", "INPUT_FILE=/tmp/ws/.input.json", "A=1", "B=2", "EXTRA=x", "TEST=true"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Args() = %v, want %v", got, want)
	}

	e = NewExecutor(&scriptedRunner{}, Config{Request: domain.BundleRequest{SharedWorkspace: "/ws"}})
	got = e.Args("get", nil)
	want = []string{"get", "SHARED_WORKSPACE=/ws"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Args() = %v, want %v", got, want)
	}
}

func TestExecutor_InvokeSuccess(t *testing.T) {
	runner := &scriptedRunner{results: []*Result{{Stdout: `{"ok":true}`}}}
	rec := observer.NewRecorder(0)
	e := NewExecutor(runner, Config{Dir: "/bundle", Env: map[string]string{"A": "1"}, Sink: rec})

	out, err := e.Invoke(context.Background(), Call{Target: "get", Env: map[string]string{"B": "2"}})
	if err != nil {
		t.Fatal(err)
	}
	if out != `{"ok":true}` {
		t.Errorf("stdout = %q", out)
	}
	if len(runner.calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(runner.calls))
	}
	inv := runner.calls[0]
	if inv.Name != "make" || inv.Dir != "/bundle" {
		t.Errorf("invocation = %+v", inv)
	}
	if inv.Env["A"] != "1" || inv.Env["B"] != "2" {
		t.Errorf("env = %v", inv.Env)
	}
	if len(rec.Named(observer.EventInvokeStart)) != 1 || len(rec.Named(observer.EventInvokeEnd)) != 1 {
		t.Errorf("events = %+v", rec.Events())
	}
}

func TestExecutor_RetriesThenSucceeds(t *testing.T) {
	runner := &scriptedRunner{results: []*Result{
		{ExitCode: 2, Stderr: "boom"},
		{ExitCode: 2, Stderr: "boom"},
		{Stdout: "done"},
	}}
	clk := clock.NewFake(time.Unix(0, 0))
	e := NewExecutor(runner, Config{Clock: clk, RetryInterval: 5 * time.Second})

	out, err := e.Invoke(context.Background(), Call{Target: "deploy", ExtraArgs: []string{"X=1"}})
	if err != nil {
		t.Fatal(err)
	}
	if out != "done" {
		t.Errorf("stdout = %q", out)
	}
	if len(runner.calls) != 3 {
		t.Errorf("calls = %d, want 3", len(runner.calls))
	}
	for i, c := range runner.calls {
		if c.Args[len(c.Args)-1] != "X=1" {
			t.Errorf("call %d lost extra args: %v", i, c.Args)
		}
	}
	if sleeps := clk.Sleeps(); len(sleeps) != 2 || sleeps[0] != 5*time.Second {
		t.Errorf("sleeps = %v", sleeps)
	}
}

func TestExecutor_RetryExhausted(t *testing.T) {
	tests := []struct {
		name         string
		configRetry  int
		callRetry    int
		wantAttempts int
	}{
		{"default budget", 0, 0, DefaultMaxRetry + 1},
		{"call override", 3, 1, 2},
		{"config budget", 2, 0, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &scriptedRunner{results: []*Result{{ExitCode: 1, Stderr: "nope"}}}
			e := NewExecutor(runner, Config{Clock: clock.NewFake(time.Unix(0, 0)), MaxRetry: tt.configRetry})

			_, err := e.Invoke(context.Background(), Call{Target: "delete", MaxRetry: tt.callRetry})
			var exitErr *ExitError
			if !errors.As(err, &exitErr) {
				t.Fatalf("error = %v, want ExitError", err)
			}
			if exitErr.Attempts != tt.wantAttempts || len(runner.calls) != tt.wantAttempts {
				t.Errorf("attempts = %d, calls = %d, want %d", exitErr.Attempts, len(runner.calls), tt.wantAttempts)
			}
			if exitErr.Stderr != "nope" || exitErr.ExitCode != 1 {
				t.Errorf("ExitError = %+v", exitErr)
			}
		})
	}
}

func TestExecutor_CancelledDuringRetry(t *testing.T) {
	runner := &scriptedRunner{results: []*Result{{ExitCode: 1}}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e := NewExecutor(runner, Config{Clock: clock.NewFake(time.Unix(0, 0))})

	_, err := e.Invoke(ctx, Call{Target: "deploy"})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestMergeEnv(t *testing.T) {
	got := MergeEnv([]string{"A=1", "B=2", "PATH=/bin"}, map[string]string{"B": "3", "C": "4"})
	want := []string{"A=1", "PATH=/bin", "B=3", "C=4"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("MergeEnv() = %v, want %v", got, want)
	}
}

func TestProcessRunner_Run(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	var (
		mu    sync.Mutex
		lines []string
	)
	p := &ProcessRunner{OnOutput: func(stream, line string) {
		mu.Lock()
		defer mu.Unlock()
		lines = append(lines, stream+":"+line)
	}}
	res, err := p.Run(context.Background(), Invocation{
		Name: "sh",
		Args: []string{"-c", `echo "$GREETING"; echo oops >&2; exit 3`},
		Dir:  t.TempDir(),
		Env:  map[string]string{"GREETING": "hello"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", res.ExitCode)
	}
	if res.Stdout != "hello\n" {
		t.Errorf("Stdout = %q", res.Stdout)
	}
	if !strings.Contains(res.Stderr, "oops") {
		t.Errorf("Stderr = %q", res.Stderr)
	}
	if len(lines) != 2 {
		t.Errorf("callback lines = %v", lines)
	}
}

func TestProcessRunner_MissingBinary(t *testing.T) {
	p := &ProcessRunner{}
	_, err := p.Run(context.Background(), Invocation{Name: "definitely-not-a-binary-xyz"})
	if err == nil {
		t.Error("expected an error for a missing binary")
	}
}
