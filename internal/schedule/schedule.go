// Package schedule drives the periodic loops of the runner and the syncer.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hochfrequenz/agent-bench-runner/internal/clock"
)

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Parse parses a cron expression with an optional seconds field, a
// descriptor such as "@every 10s" or "@hourly", or a bare duration like "10s".
func Parse(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.New("empty schedule")
	}
	if d, err := time.ParseDuration(expr); err == nil {
		if d <= 0 {
			return nil, fmt.Errorf("schedule interval must be positive: %s", expr)
		}
		return cron.Every(d), nil
	}
	return parser.Parse(expr)
}

// Every returns the descriptor of a fixed interval.
func Every(d time.Duration) string {
	return "@every " + d.String()
}

// Loop calls fn and then sleeps until the next activation. It returns nil
// once fn reports stop, or ctx.Err() when ctx is done.
func Loop(ctx context.Context, sched cron.Schedule, clk clock.Clock, fn func(context.Context) (stop bool)) error {
	if clk == nil {
		clk = clock.Real{}
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if fn(ctx) {
			return nil
		}
		now := clk.Now()
		if err := clk.Sleep(ctx, sched.Next(now).Sub(now)); err != nil {
			return err
		}
	}
}

// Job is a named periodic task
type Job struct {
	Name string
	Spec string
	Run  func(context.Context) error
}

// Validate checks if the job is valid
func (j Job) Validate() error {
	if j.Name == "" {
		return fmt.Errorf("job name is required")
	}
	if j.Spec == "" {
		return fmt.Errorf("job %s: schedule is required", j.Name)
	}
	if _, err := Parse(j.Spec); err != nil {
		return fmt.Errorf("job %s: invalid schedule: %w", j.Name, err)
	}
	if j.Run == nil {
		return fmt.Errorf("job %s: run function is required", j.Name)
	}
	return nil
}

// JobStatus is a snapshot of a scheduled job
type JobStatus struct {
	Name      string    `json:"name"`
	Spec      string    `json:"spec"`
	Running   bool      `json:"running"`
	Runs      int       `json:"runs"`
	LastRun   time.Time `json:"last_run,omitempty"`
	NextRun   time.Time `json:"next_run,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// Scheduler runs several jobs, each on its own schedule. A failing run is
// logged and never stops its job.
type Scheduler struct {
	jobs      map[string]Job
	schedules map[string]cron.Schedule
	lastRun   map[string]time.Time
	lastErr   map[string]string
	runs      map[string]int
	running   map[string]bool
	mu        sync.RWMutex
	clock     clock.Clock
	logger    *slog.Logger
}

// New creates a scheduler. A nil clock is the system clock.
func New(jobs []Job, clk clock.Clock, logger *slog.Logger) (*Scheduler, error) {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		jobs:      make(map[string]Job),
		schedules: make(map[string]cron.Schedule),
		lastRun:   make(map[string]time.Time),
		lastErr:   make(map[string]string),
		runs:      make(map[string]int),
		running:   make(map[string]bool),
		clock:     clk,
		logger:    logger.With("component", "schedule"),
	}

	for _, job := range jobs {
		if err := job.Validate(); err != nil {
			return nil, err
		}
		if _, dup := s.jobs[job.Name]; dup {
			return nil, fmt.Errorf("duplicate job %s", job.Name)
		}
		sched, _ := Parse(job.Spec)
		s.jobs[job.Name] = job
		s.schedules[job.Name] = sched
	}
	return s, nil
}

// NextRun returns the next activation of a job, or zero for unknown jobs.
func (s *Scheduler) NextRun(name string) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sched, ok := s.schedules[name]
	if !ok {
		return time.Time{}
	}
	last := s.lastRun[name]
	if last.IsZero() {
		last = s.clock.Now()
	}
	return sched.Next(last)
}

// ListJobs returns all job names in order.
func (s *Scheduler) ListJobs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Status returns a snapshot of every job.
func (s *Scheduler) Status() []JobStatus {
	names := s.ListJobs()
	out := make([]JobStatus, 0, len(names))
	for _, name := range names {
		next := s.NextRun(name)
		s.mu.RLock()
		out = append(out, JobStatus{
			Name:      name,
			Spec:      s.jobs[name].Spec,
			Running:   s.running[name],
			Runs:      s.runs[name],
			LastRun:   s.lastRun[name],
			NextRun:   next,
			LastError: s.lastErr[name],
		})
		s.mu.RUnlock()
	}
	return out
}

func (s *Scheduler) markRunning(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[name] = true
}

func (s *Scheduler) markComplete(name string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[name] = false
	s.runs[name]++
	s.lastRun[name] = s.clock.Now()
	if err != nil {
		s.lastErr[name] = err.Error()
	} else {
		delete(s.lastErr, name)
	}
}

// Start runs every job until ctx is done, then waits for runs in flight.
func (s *Scheduler) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for _, name := range s.ListJobs() {
		job, sched := s.jobs[name], s.schedules[name]
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = Loop(ctx, sched, s.clock, func(ctx context.Context) bool {
				s.markRunning(job.Name)
				err := job.Run(ctx)
				s.markComplete(job.Name, err)
				if err != nil && ctx.Err() == nil {
					s.logger.Error("scheduled job failed", "job", job.Name, "error", err)
				}
				return false
			})
		}()
	}
	wg.Wait()
}
