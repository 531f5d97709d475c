package flow

import (
	"errors"
	"fmt"
)

var (
	// ErrScriptNotFound means no script is saved under the requested alias.
	ErrScriptNotFound = errors.New("flow script not found")
	// ErrStepTimeout means a single step exceeded its execution timeout.
	ErrStepTimeout = errors.New("step timed out")
	// ErrStepRetryExhausted means a step kept failing after all retries.
	ErrStepRetryExhausted = errors.New("step retries exhausted")
)

// NoRetry marks a step error as permanent so playback fails immediately
// instead of burning the retry budget.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// BindingMissingError reports a placeholder with no supplied binding.
// Playback fails with this before any step executes.
type BindingMissingError struct {
	Variable string
}

func (e *BindingMissingError) Error() string {
	return fmt.Sprintf("no binding for variable %q", e.Variable)
}

// StepError identifies the failing step of an aborted playback run.
type StepError struct {
	Index int
	Kind  Kind
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d (%s): %v", e.Index, e.Kind, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }
