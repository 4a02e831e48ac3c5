// Package notify tells operators about finished and failed benchmarks.
package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/hochfrequenz/agent-bench-runner/internal/domain"
)

// NotificationType represents the type of notification
type NotificationType int

const (
	NotifyInfo NotificationType = iota
	NotifySuccess
	NotifyWarning
	NotifyError
)

// Notification represents a notification to be sent
type Notification struct {
	Title       string
	Message     string
	Type        NotificationType
	BenchmarkID string // Optional benchmark reference
	LogFile     string // Optional path of the benchmark log
	Fields      []Field
}

// Field is a named line of a notification, one per agent for a finished
// benchmark.
type Field struct {
	Name  string
	Value string
}

// Notifier is the interface for sending notifications
type Notifier interface {
	Send(n Notification) error
}

// MultiNotifier sends to multiple notifiers
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a notifier that sends to all provided notifiers
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Send sends the notification to all notifiers
func (m *MultiNotifier) Send(n Notification) error {
	var lastErr error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(n); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// NoopNotifier does nothing (for testing or disabled notifications)
type NoopNotifier struct{}

func (NoopNotifier) Send(n Notification) error { return nil }

// New builds the notifier for the configured channels.
func New(desktop bool, slackWebhook string) Notifier {
	var ns []Notifier
	if desktop {
		ns = append(ns, NewDesktopNotifier())
	}
	if slackWebhook != "" {
		ns = append(ns, NewSlackNotifier(slackWebhook))
	}
	if len(ns) == 0 {
		return NoopNotifier{}
	}
	return NewMultiNotifier(ns...)
}

// Finished describes a completed benchmark with one line per agent.
func Finished(benchmarkID, name string, results []domain.BenchmarkResult) Notification {
	fields := make([]Field, 0, len(results))
	lines := make([]string, 0, len(results))
	for _, r := range results {
		value := fmt.Sprintf("%d/%d passed (%.1f%%), mttr %s",
			r.NumOfPassed, len(r.Results), r.Score*100, r.MTTR.Std().Round(100*time.Millisecond))
		fields = append(fields, Field{Name: r.Agent, Value: value})
		lines = append(lines, r.Agent+": "+value)
	}
	return Notification{
		Title:       fmt.Sprintf("Benchmark %s finished", name),
		Message:     strings.Join(lines, "\n"),
		Type:        NotifySuccess,
		BenchmarkID: benchmarkID,
		Fields:      fields,
	}
}

// Failed describes a benchmark that ended in Error.
func Failed(benchmarkID, name, message string) Notification {
	return Notification{
		Title:       fmt.Sprintf("Benchmark %s failed", name),
		Message:     message,
		Type:        NotifyError,
		BenchmarkID: benchmarkID,
	}
}
