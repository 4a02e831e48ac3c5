// Package jobqueue hands out benchmark jobs to runners. A job has at
// most one owner; Take is a compare-and-set on that owner.
package jobqueue

import (
	"context"
	"fmt"
	"sort"

	"github.com/hochfrequenz/agent-bench-runner/internal/domain"
)

// Queue is the runner's view of a job queue
type Queue interface {
	// List returns the jobs eligible for taking.
	List(ctx context.Context) ([]domain.BenchmarkJob, error)
	// Take claims a job. It succeeds when the job is free or already owned
	// by runnerID; a job owned by another runner is left untouched.
	Take(ctx context.Context, benchmarkID, runnerID string) (domain.TakeResult, error)
	// Release clears the owner of a job.
	Release(ctx context.Context, benchmarkID string) (domain.TakeResult, error)
	// Update stores the benchmark's spec and status.
	Update(ctx context.Context, b domain.Benchmark) error
}

// Enqueuer is implemented by queues that accept jobs from this process
type Enqueuer interface {
	Enqueue(ctx context.Context, job domain.BenchmarkJob) error
}

func taken(id string) domain.TakeResult {
	return domain.TakeResult{Success: true, Message: fmt.Sprintf("benchmark job '%s' is taken", id)}
}

func rejected(id, owner string) domain.TakeResult {
	return domain.TakeResult{Success: false, Message: fmt.Sprintf("benchmark job '%s' is already assigned to runner '%s'", id, owner)}
}

func released(id string) domain.TakeResult {
	return domain.TakeResult{Success: true, Message: fmt.Sprintf("benchmark job '%s' is released", id)}
}

// queued reports whether a job waits for a runner
func queued(job domain.BenchmarkJob) bool {
	return job.Benchmark.Status != nil && job.Benchmark.Phase() == domain.BenchmarkQueued
}

// sortJobs orders jobs oldest first, then by id
func sortJobs(jobs []domain.BenchmarkJob) {
	sort.SliceStable(jobs, func(i, j int) bool {
		a, b := jobs[i].Benchmark.Metadata, jobs[j].Benchmark.Metadata
		if !a.CreationTimestamp.Equal(b.CreationTimestamp) {
			return a.CreationTimestamp.Before(b.CreationTimestamp)
		}
		return a.ID < b.ID
	})
}
