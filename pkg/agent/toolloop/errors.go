package toolloop

import (
	"errors"
	"fmt"
)

var (
	// ErrStepLimitExceeded means the model kept requesting tools until the step limit ran out.
	// It is terminal: the model never converged on an answer.
	ErrStepLimitExceeded = errors.New("step limit exceeded")

	// ErrGracefulShutdown is returned when the caller cancels the run between steps.
	ErrGracefulShutdown = errors.New("graceful shutdown requested")

	// ErrInvalidConfig is returned before any model call when the loop cannot start.
	ErrInvalidConfig = errors.New("invalid tool loop config")
)

// StepLimitError reports how many model calls were made before giving up.
type StepLimitError struct {
	LastTools []string
	MaxSteps  int
}

func (e *StepLimitError) Error() string {
	if len(e.LastTools) == 0 {
		return fmt.Sprintf("step limit exceeded: model still requesting tools after %d steps", e.MaxSteps)
	}
	return fmt.Sprintf("step limit exceeded: model still requesting tools after %d steps (last: %v)", e.MaxSteps, e.LastTools)
}

func (e *StepLimitError) Unwrap() error {
	return ErrStepLimitExceeded
}
