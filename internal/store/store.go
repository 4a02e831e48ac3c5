// Package store persists benchmark jobs, results and runner events in SQLite.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hochfrequenz/agent-bench-runner/internal/domain"
	"github.com/hochfrequenz/agent-bench-runner/internal/observer"
)

// ErrJobNotFound is returned when no benchmark job has the requested id.
var ErrJobNotFound = errors.New("benchmark job not found")

// Store provides SQLite-backed job persistence
type Store struct {
	db *sql.DB
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// A single connection keeps :memory: databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// EnqueueJob inserts a job or replaces its definition. A job without a
// status is queued. The owner of an existing job is kept.
func (s *Store) EnqueueJob(job domain.BenchmarkJob) error {
	if job.Benchmark.Metadata.ID == "" {
		return errors.New("benchmark job has no id")
	}
	phase := domain.BenchmarkQueued
	msg := ""
	if job.Benchmark.Status != nil {
		phase = domain.BenchmarkPhase(job.Benchmark.Status.Phase)
		msg = job.Benchmark.Status.MessageText()
	}
	data, err := encodeJob(job)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	_, err = s.db.Exec(`
		INSERT INTO benchmarks (id, name, phase, message, runner_id, job, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			phase = excluded.phase,
			message = excluded.message,
			job = excluded.job,
			updated_at = excluded.updated_at
	`,
		job.Benchmark.Metadata.ID,
		job.Benchmark.Spec.Name,
		string(phase),
		nullString(msg),
		nullString(job.Benchmark.Spec.RunnerID),
		data,
		now,
		now,
	)
	return err
}

// GetJob retrieves a job by benchmark id
func (s *Store) GetJob(id string) (*domain.BenchmarkJob, error) {
	row := s.db.QueryRow(`SELECT phase, message, runner_id, job, updated_at FROM benchmarks WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return job, err
}

// ListOptions specifies filters for listing jobs
type ListOptions struct {
	Phase    domain.BenchmarkPhase
	RunnerID string
}

// ListJobs returns jobs matching the given options, oldest first
func (s *Store) ListJobs(opts ListOptions) ([]domain.BenchmarkJob, error) {
	query := `SELECT phase, message, runner_id, job, updated_at FROM benchmarks WHERE 1=1`
	var args []any

	if opts.Phase != "" {
		query += " AND phase = ?"
		args = append(args, string(opts.Phase))
	}
	if opts.RunnerID != "" {
		query += " AND runner_id = ?"
		args = append(args, opts.RunnerID)
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.BenchmarkJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// TakeJob sets the owner of a job when it has none or already belongs to
// runnerID. It reports whether the runner owns the job afterwards.
func (s *Store) TakeJob(id, runnerID string) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE benchmarks SET runner_id = ?, updated_at = ?
		WHERE id = ? AND (runner_id IS NULL OR runner_id = ?)
	`, runnerID, time.Now().UTC(), id, runnerID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	if _, err := s.Owner(id); err != nil {
		return false, err
	}
	return false, nil
}

// ReleaseJob clears the owner of a job.
func (s *Store) ReleaseJob(id string) error {
	res, err := s.db.Exec(`UPDATE benchmarks SET runner_id = NULL, updated_at = ? WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return nil
}

// Owner returns the runner owning a job, or "" when it is free.
func (s *Store) Owner(id string) (string, error) {
	var owner sql.NullString
	err := s.db.QueryRow(`SELECT runner_id FROM benchmarks WHERE id = ?`, id).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return owner.String, err
}

// UpdateBenchmark replaces the stored benchmark of a job. The owner is
// only changed through TakeJob and ReleaseJob.
func (s *Store) UpdateBenchmark(b domain.Benchmark) error {
	job, err := s.GetJob(b.Metadata.ID)
	if err != nil {
		return err
	}
	job.Benchmark = b
	data, err := encodeJob(*job)
	if err != nil {
		return err
	}
	phase := b.Phase()
	if b.Status == nil {
		phase = domain.BenchmarkQueued
	}
	_, err = s.db.Exec(`UPDATE benchmarks SET name = ?, phase = ?, message = ?, job = ?, updated_at = ? WHERE id = ?`,
		b.Spec.Name, string(phase), nullString(b.Status.MessageText()), data, time.Now().UTC(), b.Metadata.ID)
	return err
}

// SaveResults appends bundle results of a benchmark.
func (s *Store) SaveResults(benchmarkID string, results []domain.ResultSpec) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, r := range results {
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`
			INSERT INTO results (benchmark_id, bundle_id, agent, name, passed, errored, ttr_seconds, result, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, benchmarkID, nullString(r.BundleID), r.Agent, r.Name, r.Passed, r.Errored, r.TTR.Seconds(), string(data), time.Now().UTC()); err != nil {
			return fmt.Errorf("inserting result %s: %w", r.Name, err)
		}
	}
	return tx.Commit()
}

// ListResults returns the stored results of a benchmark in insertion order.
func (s *Store) ListResults(benchmarkID string) ([]domain.ResultSpec, error) {
	rows, err := s.db.Query(`SELECT result FROM results WHERE benchmark_id = ? ORDER BY id`, benchmarkID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []domain.ResultSpec
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var r domain.ResultSpec
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// RecordEvent appends a runner event.
func (s *Store) RecordEvent(e observer.Event) error {
	var fields sql.NullString
	if len(e.Fields) > 0 {
		data, err := json.Marshal(e.Fields)
		if err != nil {
			return err
		}
		fields = sql.NullString{String: string(data), Valid: true}
	}
	_, err := s.db.Exec(`INSERT INTO events (name, timestamp, fields) VALUES (?, ?, ?)`, e.Name, e.Time, fields)
	return err
}

// RecentEvents returns up to limit events, newest first.
func (s *Store) RecentEvents(limit int) ([]observer.Event, error) {
	rows, err := s.db.Query(`SELECT name, timestamp, fields FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []observer.Event
	for rows.Next() {
		var e observer.Event
		var fields sql.NullString
		if err := rows.Scan(&e.Name, &e.Time, &fields); err != nil {
			return nil, err
		}
		if fields.Valid {
			if err := json.Unmarshal([]byte(fields.String), &e.Fields); err != nil {
				return nil, err
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*domain.BenchmarkJob, error) {
	var phase, data string
	var message, runnerID sql.NullString
	var updated time.Time
	if err := row.Scan(&phase, &message, &runnerID, &data, &updated); err != nil {
		return nil, err
	}

	var job domain.BenchmarkJob
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("decoding job: %w", err)
	}
	job.Benchmark.Spec.RunnerID = runnerID.String
	job.Benchmark.Status = &domain.Status{LastTransitionTime: updated.UTC(), Phase: phase}
	if message.Valid {
		job.Benchmark.Status.SetMessage(message.String)
	}
	return &job, nil
}

// encodeJob stores the job without the columns kept separately
func encodeJob(job domain.BenchmarkJob) (string, error) {
	job.Benchmark.Status = nil
	job.Benchmark.Spec.RunnerID = ""
	data, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("encoding job: %w", err)
	}
	return string(data), nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
