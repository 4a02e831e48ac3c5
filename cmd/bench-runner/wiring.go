package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/hochfrequenz/agent-bench-runner/internal/benchmark"
	"github.com/hochfrequenz/agent-bench-runner/internal/config"
	"github.com/hochfrequenz/agent-bench-runner/internal/jobqueue"
	"github.com/hochfrequenz/agent-bench-runner/internal/metrics"
	"github.com/hochfrequenz/agent-bench-runner/internal/observer"
	"github.com/hochfrequenz/agent-bench-runner/internal/restclient"
	"github.com/hochfrequenz/agent-bench-runner/internal/store"
)

func openStore(cfg *config.Config) (*store.Store, error) {
	path := cfg.Queue.DatabasePath
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database dir: %w", err)
		}
	}
	return store.New(path)
}

// newQueue opens the queue backend named in the config. The returned
// close function releases backend connections.
func newQueue(cfg *config.Config, st *store.Store, registry *restclient.Client) (jobqueue.Queue, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Queue.Backend {
	case config.BackendREST, "":
		return jobqueue.NewRESTQueue(registry), noop, nil
	case config.BackendLocal:
		return jobqueue.NewLocalQueue(st), noop, nil
	case config.BackendRedis:
		q, err := jobqueue.NewRedisQueue(cfg.Queue.RedisURL, cfg.Queue.RedisKey)
		if err != nil {
			return nil, nil, err
		}
		return q, q.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown queue backend %q", cfg.Queue.Backend)
	}
}

// newEnqueuer opens a queue that accepts new jobs. Only the local and
// redis backends do.
func newEnqueuer(cfg *config.Config, st *store.Store) (jobqueue.Enqueuer, func() error, error) {
	if cfg.Queue.Backend == config.BackendRedis {
		q, err := jobqueue.NewRedisQueue(cfg.Queue.RedisURL, cfg.Queue.RedisKey)
		if err != nil {
			return nil, nil, err
		}
		return q, q.Close, nil
	}
	return jobqueue.NewLocalQueue(st), func() error { return nil }, nil
}

// authenticator returns the login run before each poll. A service type
// takes precedence over a static token and must match a configured
// service account.
func authenticator(cfg *config.Config, client *restclient.Client) (func(context.Context) error, error) {
	if cfg.Runner.ServiceType != "" {
		sa, err := cfg.ServiceAccountFor(cfg.Runner.ServiceType)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context) error {
			return client.Login(ctx, sa.ID, sa.Key())
		}, nil
	}
	if cfg.Runner.Token != "" {
		client.SetToken(cfg.Runner.Token)
	}
	return nil, nil
}

// eventSink records events in the store and fans them out to the other
// sinks.
func eventSink(st *store.Store, logger *slog.Logger, sinks ...observer.Sink) observer.Sink {
	record := observer.SinkFunc(func(e observer.Event) {
		if err := st.RecordEvent(e); err != nil {
			logger.Warn("could not record event", "event", e.Name, "error", err)
		}
	})
	all := append([]observer.Sink{record, observer.Log{Logger: logger}}, sinks...)
	return observer.NewMulti(all...)
}

func benchOptions(cfg *config.Config) benchmark.Options {
	b := cfg.Bench
	return benchmark.Options{
		WorkspaceRoot: cfg.Runner.WorkspaceRoot,
		WaitInterval:  time.Duration(b.WaitInterval) * time.Second,
		WaitTimeout:   time.Duration(b.WaitTimeout) * time.Second,
		RetryInterval: time.Duration(b.RetryInterval) * time.Second,
		MaxRetry:      b.MaxRetry,
	}
}

// serveMetrics serves /metrics until ctx is done.
func serveMetrics(ctx context.Context, addr string, m *metrics.Metrics, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	logger.Info("serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server stopped", "error", err)
	}
}
