package store

const schema = `
CREATE TABLE IF NOT EXISTS benchmarks (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    phase TEXT NOT NULL DEFAULT 'Queued',
    message TEXT,
    runner_id TEXT,
    job TEXT NOT NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_benchmarks_phase ON benchmarks(phase);
CREATE INDEX IF NOT EXISTS idx_benchmarks_runner_id ON benchmarks(runner_id);

CREATE TABLE IF NOT EXISTS results (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    benchmark_id TEXT NOT NULL,
    bundle_id TEXT,
    agent TEXT NOT NULL,
    name TEXT NOT NULL,
    passed BOOLEAN DEFAULT FALSE,
    errored BOOLEAN DEFAULT FALSE,
    ttr_seconds REAL,
    result TEXT NOT NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_results_benchmark_id ON results(benchmark_id);

CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    fields TEXT
);

CREATE INDEX IF NOT EXISTS idx_events_name ON events(name);
`
