package jobqueue

import (
	"context"
	"errors"
	"fmt"

	"github.com/hochfrequenz/agent-bench-runner/internal/domain"
	"github.com/hochfrequenz/agent-bench-runner/internal/store"
)

// LocalQueue keeps jobs in the SQLite store of this host
type LocalQueue struct {
	store *store.Store
}

// NewLocalQueue creates a queue on st.
func NewLocalQueue(st *store.Store) *LocalQueue {
	return &LocalQueue{store: st}
}

func (q *LocalQueue) List(ctx context.Context) ([]domain.BenchmarkJob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	jobs, err := q.store.ListJobs(store.ListOptions{Phase: domain.BenchmarkQueued})
	if err != nil {
		return nil, fmt.Errorf("listing benchmark jobs: %w", err)
	}
	return jobs, nil
}

func (q *LocalQueue) Take(ctx context.Context, benchmarkID, runnerID string) (domain.TakeResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.TakeResult{}, err
	}
	ok, err := q.store.TakeJob(benchmarkID, runnerID)
	if err != nil {
		return domain.TakeResult{}, fmt.Errorf("taking benchmark job: %w", err)
	}
	if ok {
		return taken(benchmarkID), nil
	}
	owner, err := q.store.Owner(benchmarkID)
	if err != nil {
		return domain.TakeResult{}, fmt.Errorf("taking benchmark job: %w", err)
	}
	return rejected(benchmarkID, owner), nil
}

func (q *LocalQueue) Release(ctx context.Context, benchmarkID string) (domain.TakeResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.TakeResult{}, err
	}
	if err := q.store.ReleaseJob(benchmarkID); err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			return domain.TakeResult{Success: false, Message: err.Error()}, nil
		}
		return domain.TakeResult{}, fmt.Errorf("releasing benchmark job: %w", err)
	}
	return released(benchmarkID), nil
}

func (q *LocalQueue) Update(ctx context.Context, b domain.Benchmark) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := q.store.UpdateBenchmark(b); err != nil {
		return fmt.Errorf("updating benchmark job: %w", err)
	}
	return nil
}

// Enqueue adds or replaces a job.
func (q *LocalQueue) Enqueue(ctx context.Context, job domain.BenchmarkJob) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return q.store.EnqueueJob(job)
}
