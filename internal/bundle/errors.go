package bundle

import (
	"errors"
	"fmt"

	"github.com/hochfrequenz/agent-bench-runner/internal/makeexec"
)

// PhaseError reports that a bundle phase did not reach its expected
// condition, either within its timeout or because the bundle reported
// a failure reason.
type PhaseError struct {
	Message string
	Phase   string
	Target  string
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("Bundle operation at %s [%s] error: %s", e.Phase, e.Target, e.Message)
}

// IsPhaseError reports whether err is or wraps a PhaseError.
func IsPhaseError(err error) bool {
	var pe *PhaseError
	return errors.As(err, &pe)
}

func errorKind(err error) string {
	var pe *PhaseError
	var ee *makeexec.ExitError
	switch {
	case errors.As(err, &pe):
		return "PhaseError"
	case errors.As(err, &ee):
		return "ExitError"
	default:
		return "Error"
	}
}
