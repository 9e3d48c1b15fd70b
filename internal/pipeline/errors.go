package pipeline

import (
	"context"
	"errors"
	"fmt"

	"burstfuse/internal/governor"
)

var (
	// ErrInput is returned before any stage runs when the burst is unusable.
	ErrInput = errors.New("invalid input")
	// ErrResourceExhausted means memory or temperature forced an abort.
	ErrResourceExhausted = errors.New("resources exhausted")
	// ErrCancelled means the caller or the wall-clock budget stopped the run.
	ErrCancelled = errors.New("run cancelled")
	// ErrStage is an unrecoverable failure inside a stage.
	ErrStage = errors.New("stage failed")
)

// StageError tags a failure with the stage it happened in. It matches
// both its class sentinel and the underlying cause with errors.Is.
type StageError struct {
	Stage  Stage
	Reason string
	Kind   error
	Err    error
}

func (e *StageError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s: %s", e.Stage, e.Kind, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %v", e.Stage, e.Kind, e.Err)
}

func (e *StageError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func inputError(format string, args ...any) error {
	return &StageError{Stage: StageIdle, Reason: fmt.Sprintf(format, args...), Kind: ErrInput}
}

// classify wraps err from stage into a StageError of the right kind.
func classify(stage Stage, err error) *StageError {
	var se *StageError
	if errors.As(err, &se) {
		return se
	}
	var abort *governor.AbortError
	switch {
	case errors.As(err, &abort):
		return &StageError{Stage: stage, Reason: abort.Reason, Kind: ErrResourceExhausted, Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &StageError{Stage: stage, Reason: "wall-clock budget exceeded", Kind: ErrCancelled, Err: err}
	case errors.Is(err, context.Canceled):
		return &StageError{Stage: stage, Reason: "cancelled by caller", Kind: ErrCancelled, Err: err}
	}
	return &StageError{Stage: stage, Reason: err.Error(), Kind: ErrStage, Err: err}
}
