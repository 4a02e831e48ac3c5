package observer

import (
	"log/slog"
	"sync"
	"time"
)

// Event names emitted by the runner components.
const (
	EventInvokeStart     = "invoke:start"
	EventInvokeEnd       = "invoke:end"
	EventInvokeError     = "invoke:error"
	EventBundleStart     = "bundle:start"
	EventBundlePhase     = "bundle:phase"
	EventBundleResult    = "bundle:result"
	EventAgentPhase      = "agent:phase"
	EventBenchmarkPhase  = "benchmark:phase"
	EventJobTake         = "job:take"
	EventJobRelease      = "job:release"
	EventSyncCycle       = "sync:cycle"
	EventBenchmarkResult = "benchmark:result"
)

// Event is a single notification from a runner component
type Event struct {
	Name   string         `json:"name"`
	Time   time.Time      `json:"time"`
	Fields map[string]any `json:"fields,omitempty"`
}

// NewEvent creates an event stamped with the current time.
func NewEvent(name string, fields map[string]any) Event {
	return Event{Name: name, Time: time.Now().UTC(), Fields: fields}
}

// Sink receives events. Implementations must not block for long and
// must be safe for concurrent use.
type Sink interface {
	Notify(Event)
}

// SinkFunc adapts a function to the Sink interface
type SinkFunc func(Event)

// Notify calls f.
func (f SinkFunc) Notify(e Event) { f(e) }

// Noop discards all events
type Noop struct{}

// Notify does nothing.
func (Noop) Notify(Event) {}

// OrNoop returns s, or a Noop sink when s is nil.
func OrNoop(s Sink) Sink {
	if s == nil {
		return Noop{}
	}
	return s
}

// Log writes events to a structured logger at debug level
type Log struct {
	Logger *slog.Logger
}

// Notify logs the event.
func (l Log) Notify(e Event) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := make([]any, 0, 2*len(e.Fields))
	for k, v := range e.Fields {
		attrs = append(attrs, k, v)
	}
	logger.Debug(e.Name, attrs...)
}

// Multi fans events out to several sinks
type Multi struct {
	sinks []Sink
}

// NewMulti creates a sink that forwards to all non-nil sinks.
func NewMulti(sinks ...Sink) *Multi {
	m := &Multi{}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

// Notify forwards e to every sink.
func (m *Multi) Notify(e Event) {
	for _, s := range m.sinks {
		s.Notify(e)
	}
}

// Recorder keeps the most recent events in memory
type Recorder struct {
	limit  int
	events []Event
	mu     sync.RWMutex
}

// NewRecorder creates a recorder holding up to limit events. A limit
// of zero or less keeps everything.
func NewRecorder(limit int) *Recorder {
	return &Recorder{limit: limit}
}

// Notify records e, dropping the oldest event when full.
func (r *Recorder) Notify(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	if r.limit > 0 && len(r.events) > r.limit {
		r.events = r.events[len(r.events)-r.limit:]
	}
}

// Events returns a copy of the recorded events, oldest first.
func (r *Recorder) Events() []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Named returns the recorded events with the given name.
func (r *Recorder) Named(name string) []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Event
	for _, e := range r.events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}
