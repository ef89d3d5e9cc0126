package engine

import (
	"errors"
	"fmt"
)

var (
	ErrOOMKilled      = errors.New("oom killed")
	ErrTimedOut       = errors.New("timed out")
	ErrWorkflowFailed = errors.New("workflow failed")
)

// StepError reports a step exiting non-zero. It matches
// ErrWorkflowFailed under errors.Is.
type StepError struct {
	ExitCode int
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step failed with exit code %d", e.ExitCode)
}

func (e *StepError) Unwrap() error {
	return ErrWorkflowFailed
}
