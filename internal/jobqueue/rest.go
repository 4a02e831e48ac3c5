package jobqueue

import (
	"context"
	"fmt"

	"github.com/hochfrequenz/agent-bench-runner/internal/domain"
	"github.com/hochfrequenz/agent-bench-runner/internal/restclient"
)

// RESTQueue is the job queue of a benchmark registry or a mini-bench server
type RESTQueue struct {
	client *restclient.Client
}

// NewRESTQueue creates a queue on an authenticated registry client.
func NewRESTQueue(client *restclient.Client) *RESTQueue {
	return &RESTQueue{client: client}
}

// Client returns the underlying registry client.
func (q *RESTQueue) Client() *restclient.Client { return q.client }

// List returns the listed jobs. The registry decides eligibility; jobs in
// a terminal phase are dropped in case it returns them anyway.
func (q *RESTQueue) List(ctx context.Context) ([]domain.BenchmarkJob, error) {
	var jobs []domain.BenchmarkJob
	if err := q.client.Get(ctx, "/benchmarks/queue/list_benchmark_jobs", &jobs); err != nil {
		return nil, fmt.Errorf("listing benchmark jobs: %w", err)
	}
	out := jobs[:0]
	for _, job := range jobs {
		if job.Benchmark.Phase().Terminal() {
			continue
		}
		out = append(out, job)
	}
	return out, nil
}

func (q *RESTQueue) Take(ctx context.Context, benchmarkID, runnerID string) (domain.TakeResult, error) {
	var res domain.TakeResult
	path := fmt.Sprintf("/benchmarks/%s/take_benchmark_job", benchmarkID)
	if err := q.client.Put(ctx, path, domain.JobTake{RunnerID: runnerID}, &res); err != nil {
		return res, fmt.Errorf("taking benchmark job: %w", err)
	}
	return res, nil
}

func (q *RESTQueue) Release(ctx context.Context, benchmarkID string) (domain.TakeResult, error) {
	var res domain.TakeResult
	path := fmt.Sprintf("/benchmarks/%s/release_benchmark_job", benchmarkID)
	if err := q.client.Put(ctx, path, nil, &res); err != nil {
		return res, fmt.Errorf("releasing benchmark job: %w", err)
	}
	return res, nil
}

func (q *RESTQueue) Update(ctx context.Context, b domain.Benchmark) error {
	path := fmt.Sprintf("/benchmarks/%s/update_benchmark_job", b.Metadata.ID)
	if err := q.client.Put(ctx, path, b, nil); err != nil {
		return fmt.Errorf("updating benchmark job: %w", err)
	}
	return nil
}
