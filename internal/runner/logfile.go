package runner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// teeHandler sends records to every handler that accepts their level
type teeHandler struct {
	handlers []slog.Handler
}

func (h *teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *teeHandler) Handle(ctx context.Context, r slog.Record) error {
	var first error
	for _, handler := range h.handlers {
		if !handler.Enabled(ctx, r.Level) {
			continue
		}
		if err := handler.Handle(ctx, r.Clone()); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (h *teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &teeHandler{handlers: handlers}
}

func (h *teeHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &teeHandler{handlers: handlers}
}

// LogFileName is the per-benchmark log file inside the log directory.
func LogFileName(benchmarkID string) string {
	return "log_" + benchmarkID + ".log"
}

// openBenchmarkLog returns a logger writing to base and to the benchmark's
// log file in dir. Without dir it only writes to base.
func openBenchmarkLog(base *slog.Logger, dir, benchmarkID string) (*slog.Logger, string, func(), error) {
	if dir == "" {
		return base.With("benchmark_id", benchmarkID), "", func() {}, nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, "", nil, fmt.Errorf("creating log dir: %w", err)
	}
	path, err := filepath.Abs(filepath.Join(dir, LogFileName(benchmarkID)))
	if err != nil {
		return nil, "", nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, "", nil, fmt.Errorf("opening benchmark log: %w", err)
	}
	file := slog.NewTextHandler(f, &slog.HandlerOptions{Level: slog.LevelInfo})
	logger := slog.New(&teeHandler{handlers: []slog.Handler{base.Handler(), file}})
	return logger.With("benchmark_id", benchmarkID), path, func() { f.Close() }, nil
}
