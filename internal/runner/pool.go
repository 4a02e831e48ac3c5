package runner

import (
	"errors"
	"sort"
	"sync"
)

// Admission failures.
var (
	ErrPoolFull       = errors.New("pool is full")
	ErrAlreadyRunning = errors.New("benchmark is already running")
)

// Pool admits at most a fixed number of concurrent benchmark executions
type Pool struct {
	maxTasks  int
	running   map[string]struct{}
	mu        sync.Mutex
	onChanged func(running int) // Callback when admissions change
}

// NewPool creates a pool with the given capacity. Capacities below one
// are raised to one.
func NewPool(maxTasks int) *Pool {
	if maxTasks < 1 {
		maxTasks = 1
	}
	return &Pool{
		maxTasks: maxTasks,
		running:  make(map[string]struct{}),
	}
}

// SetOnChanged sets a callback invoked with the number of running benchmarks
func (p *Pool) SetOnChanged(callback func(running int)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onChanged = callback
}

// Acquire admits a benchmark. It fails when the pool is full or the
// benchmark is already running.
func (p *Pool) Acquire(benchmarkID string) bool {
	return p.Admit(benchmarkID) == nil
}

// Admit is Acquire reporting why a benchmark was turned away.
func (p *Pool) Admit(benchmarkID string) error {
	p.mu.Lock()
	if _, dup := p.running[benchmarkID]; dup {
		p.mu.Unlock()
		return ErrAlreadyRunning
	}
	if len(p.running) >= p.maxTasks {
		p.mu.Unlock()
		return ErrPoolFull
	}
	p.running[benchmarkID] = struct{}{}
	callback := p.onChanged
	n := len(p.running)
	p.mu.Unlock()

	// Notify outside of lock to avoid deadlock
	if callback != nil {
		callback(n)
	}
	return nil
}

// Release ends the admission of a benchmark.
func (p *Pool) Release(benchmarkID string) {
	p.mu.Lock()
	if _, ok := p.running[benchmarkID]; !ok {
		p.mu.Unlock()
		return
	}
	delete(p.running, benchmarkID)
	callback := p.onChanged
	n := len(p.running)
	p.mu.Unlock()

	if callback != nil {
		callback(n)
	}
}

// Available returns the number of free slots.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxTasks - len(p.running)
}

// Running returns the ids of the admitted benchmarks, sorted.
func (p *Pool) Running() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.running))
	for id := range p.running {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// MaxTasks returns the pool capacity.
func (p *Pool) MaxTasks() int {
	return p.maxTasks
}
