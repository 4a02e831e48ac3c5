package jobfile

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/hochfrequenz/agent-bench-runner/internal/jobqueue"
)

// Subdirectories of the spool directory that hold handled files.
const (
	DoneDir   = "done"
	FailedDir = "failed"
)

// Watcher enqueues job files dropped into a spool directory. Handled
// files move to DoneDir, unreadable ones to FailedDir.
type Watcher struct {
	dir      string
	queue    jobqueue.Enqueuer
	watcher  *fsnotify.Watcher
	debounce time.Duration
	logger   *slog.Logger

	pending map[string]struct{}
	timer   *time.Timer
	mu      sync.Mutex

	// serializes file handling between Scan and debounced flushes
	handleMu sync.Mutex

	cancel context.CancelFunc
	ctx    context.Context
}

// NewWatcher creates a watcher for dir. The directory is created if needed.
func NewWatcher(dir string, queue jobqueue.Enqueuer, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	for _, d := range []string{dir, filepath.Join(dir, DoneDir), filepath.Join(dir, FailedDir)} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return nil, fmt.Errorf("creating spool dir: %w", err)
		}
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		dir:      dir,
		queue:    queue,
		watcher:  watcher,
		debounce: 500 * time.Millisecond,
		logger:   logger.With("component", "jobfile", "dir", dir),
		pending:  make(map[string]struct{}),
	}, nil
}

// SetDebounce sets how long the watcher waits for writes to settle.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.debounce = d
}

// Scan enqueues every job file already in the spool directory and
// returns the number enqueued.
func (w *Watcher) Scan(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return 0, err
	}
	var paths []string
	for _, e := range entries {
		if !e.IsDir() && IsJobFile(e.Name()) {
			paths = append(paths, filepath.Join(w.dir, e.Name()))
		}
	}
	return w.handle(ctx, paths), nil
}

// Start scans the directory once and then watches it until ctx is done
// or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watching spool dir: %w", err)
	}
	ctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.ctx, w.cancel = ctx, cancel
	w.mu.Unlock()

	if _, err := w.Scan(ctx); err != nil {
		w.logger.Error("initial spool scan failed", "error", err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				w.handleEvent(event)
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				w.logger.Warn("watch error", "error", err)
			}
		}
	}()
	return nil
}

// Stop stops watching.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	w.watcher.Close()
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !IsJobFile(event.Name) || filepath.Dir(event.Name) != filepath.Clean(w.dir) {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending[event.Name] = struct{}{}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.flush)
}

func (w *Watcher) flush() {
	w.mu.Lock()
	pending := w.pending
	w.pending = make(map[string]struct{})
	ctx := w.ctx
	w.mu.Unlock()

	if ctx == nil || ctx.Err() != nil {
		return
	}
	paths := make([]string, 0, len(pending))
	for p := range pending {
		paths = append(paths, p)
	}
	w.handle(ctx, paths)
}

func (w *Watcher) handle(ctx context.Context, paths []string) int {
	w.handleMu.Lock()
	defer w.handleMu.Unlock()

	sort.Strings(paths)
	n := 0
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			continue // already handled
		}
		job, err := Load(path)
		if err == nil {
			err = w.queue.Enqueue(ctx, job)
		}
		if err != nil {
			w.logger.Error("job file rejected", "file", filepath.Base(path), "error", err)
			w.move(path, FailedDir)
			continue
		}
		w.logger.Info("benchmark job enqueued", "file", filepath.Base(path), "benchmark_id", job.Benchmark.Metadata.ID)
		w.move(path, DoneDir)
		n++
	}
	return n
}

func (w *Watcher) move(path, sub string) {
	dst := filepath.Join(w.dir, sub, filepath.Base(path))
	if err := os.Rename(path, dst); err != nil {
		w.logger.Warn("could not move job file", "file", path, "error", err)
	}
}
