package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/hochfrequenz/agent-bench-runner/internal/domain"
)

// DefaultRedisKey is the hash holding the job definitions.
const DefaultRedisKey = "bench:jobs"

// KEYS[1] jobs hash, KEYS[2] owners hash, ARGV[1] benchmark id, ARGV[2] runner id.
// Returns 1 when taken, 0 when owned by another runner, -1 when unknown.
const takeScript = `
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 0 then
  return -1
end
local owner = redis.call('HGET', KEYS[2], ARGV[1])
if (not owner) or owner == ARGV[2] then
  redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
  return 1
end
return 0
`

// KEYS[1] jobs hash, KEYS[2] owners hash, ARGV[1] benchmark id.
const releaseScript = `
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 0 then
  return -1
end
redis.call('HDEL', KEYS[2], ARGV[1])
return 1
`

// maxUpdateAttempts bounds the optimistic retries of Update.
const maxUpdateAttempts = 50

// RedisQueue shares jobs between runners through a Redis server. Job
// definitions live in one hash and owners in a second one, so a take
// never rewrites the definition.
type RedisQueue struct {
	client *redis.Client
	key    string
}

// NewRedisQueue connects to the server at address (redis://host:port/db).
func NewRedisQueue(address, key string) (*RedisQueue, error) {
	if address == "" {
		address = "redis://127.0.0.1:6379"
	}
	options, err := redis.ParseURL(address)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return newRedisQueue(redis.NewClient(options), key), nil
}

func newRedisQueue(client *redis.Client, key string) *RedisQueue {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisQueue{client: client, key: key}
}

func (q *RedisQueue) ownersKey() string { return q.key + ":owners" }

func (q *RedisQueue) List(ctx context.Context) ([]domain.BenchmarkJob, error) {
	raw, err := q.client.HGetAll(ctx, q.key).Result()
	if err != nil {
		return nil, fmt.Errorf("listing benchmark jobs: %w", err)
	}
	owners, err := q.client.HGetAll(ctx, q.ownersKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("listing job owners: %w", err)
	}

	jobs := make([]domain.BenchmarkJob, 0, len(raw))
	for id, data := range raw {
		var job domain.BenchmarkJob
		if err := json.Unmarshal([]byte(data), &job); err != nil {
			return nil, fmt.Errorf("decoding benchmark job %s: %w", id, err)
		}
		if !queued(job) {
			continue
		}
		job.Benchmark.Spec.RunnerID = owners[id]
		jobs = append(jobs, job)
	}
	sortJobs(jobs)
	return jobs, nil
}

func (q *RedisQueue) Take(ctx context.Context, benchmarkID, runnerID string) (domain.TakeResult, error) {
	n, err := q.client.Eval(ctx, takeScript, []string{q.key, q.ownersKey()}, benchmarkID, runnerID).Int()
	if err != nil {
		return domain.TakeResult{}, fmt.Errorf("taking benchmark job: %w", err)
	}
	switch n {
	case 1:
		return taken(benchmarkID), nil
	case 0:
		owner, err := q.client.HGet(ctx, q.ownersKey(), benchmarkID).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return domain.TakeResult{}, fmt.Errorf("reading job owner: %w", err)
		}
		return rejected(benchmarkID, owner), nil
	default:
		return domain.TakeResult{}, fmt.Errorf("taking benchmark job: %s: not found", benchmarkID)
	}
}

func (q *RedisQueue) Release(ctx context.Context, benchmarkID string) (domain.TakeResult, error) {
	n, err := q.client.Eval(ctx, releaseScript, []string{q.key, q.ownersKey()}, benchmarkID).Int()
	if err != nil {
		return domain.TakeResult{}, fmt.Errorf("releasing benchmark job: %w", err)
	}
	if n != 1 {
		return domain.TakeResult{Success: false, Message: fmt.Sprintf("benchmark job '%s' not found", benchmarkID)}, nil
	}
	return released(benchmarkID), nil
}

// Update replaces the benchmark of a stored job. The job is watched so a
// concurrent write makes the transaction fail and the update is retried.
func (q *RedisQueue) Update(ctx context.Context, b domain.Benchmark) error {
	id := b.Metadata.ID
	update := func(tx *redis.Tx) error {
		data, err := tx.HGet(ctx, q.key, id).Result()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("updating benchmark job: %s: not found", id)
		}
		if err != nil {
			return fmt.Errorf("updating benchmark job: %w", err)
		}
		var job domain.BenchmarkJob
		if err := json.Unmarshal([]byte(data), &job); err != nil {
			return fmt.Errorf("decoding benchmark job %s: %w", id, err)
		}
		job.Benchmark = b
		encoded, err := encodeJob(job)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, q.key, id, encoded)
			return nil
		})
		return err
	}

	for range maxUpdateAttempts {
		err := q.client.Watch(ctx, update, q.key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return err
		}
		return nil
	}
	return fmt.Errorf("updating benchmark job %s: too many concurrent writes", id)
}

// Enqueue adds or replaces a job. A job without a status is queued.
func (q *RedisQueue) Enqueue(ctx context.Context, job domain.BenchmarkJob) error {
	if job.Benchmark.Metadata.ID == "" {
		return errors.New("benchmark job has no id")
	}
	if job.Benchmark.Status == nil {
		s := domain.NewStatus(string(domain.BenchmarkQueued), "")
		job.Benchmark.Status = &s
	}
	return q.put(ctx, job)
}

func (q *RedisQueue) put(ctx context.Context, job domain.BenchmarkJob) error {
	data, err := encodeJob(job)
	if err != nil {
		return err
	}
	if err := q.client.HSet(ctx, q.key, job.Benchmark.Metadata.ID, data).Err(); err != nil {
		return fmt.Errorf("storing benchmark job: %w", err)
	}
	return nil
}

func encodeJob(job domain.BenchmarkJob) (string, error) {
	// the owners hash is authoritative
	job.Benchmark.Spec.RunnerID = ""
	data, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("encoding benchmark job: %w", err)
	}
	return string(data), nil
}

// Close closes the connection.
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}
