package notify

import (
	"os/exec"
	"runtime"
	"strings"
)

// DesktopNotifier pops up a notification on the machine running the
// benchmark, via osascript on macOS and notify-send on Linux.
type DesktopNotifier struct {
	goos string
	run  func(name string, args ...string) error
}

// NewDesktopNotifier creates a desktop notifier for the current OS.
func NewDesktopNotifier() *DesktopNotifier {
	return &DesktopNotifier{
		goos: runtime.GOOS,
		run: func(name string, args ...string) error {
			return exec.Command(name, args...).Run()
		},
	}
}

// Send shows n. Other operating systems are silently skipped.
func (d *DesktopNotifier) Send(n Notification) error {
	name, args := d.command(n)
	if name == "" {
		return nil
	}
	return d.run(name, args...)
}

func (d *DesktopNotifier) command(n Notification) (string, []string) {
	body := n.Message
	if n.BenchmarkID != "" {
		body += "\n(" + n.BenchmarkID + ")"
	}
	switch d.goos {
	case "darwin":
		script := `display notification "` + appleScriptQuote(body) + `" with title "` + appleScriptQuote(n.Title) + `"`
		return "osascript", []string{"-e", script}
	case "linux":
		return "notify-send", []string{"--icon", IconForType(n.Type), "--urgency", urgency(n.Type), n.Title, body}
	default:
		return "", nil
	}
}

func appleScriptQuote(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}

func urgency(t NotificationType) string {
	if t == NotifyError {
		return "critical"
	}
	return "normal"
}

// IconForType returns the freedesktop icon name for a notification type.
func IconForType(t NotificationType) string {
	switch t {
	case NotifySuccess:
		return "dialog-positive"
	case NotifyWarning:
		return "dialog-warning"
	case NotifyError:
		return "dialog-error"
	default:
		return "dialog-information"
	}
}
