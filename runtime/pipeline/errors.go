package pipeline

import (
	"context"
	"errors"
	"fmt"
)

// StageExecutionError reports the failure of a stage. The run is aborted and
// no Result is returned. Completed holds the results of the stages that ran
// before the failure and is kept for diagnostics only.
type StageExecutionError struct {
	// Stage is the failing stage.
	Stage StageID
	// Timeout is set when the stage or the run exceeded its deadline.
	Timeout bool
	// Cause is the underlying error.
	Cause error
	// Records lists every stage record of the run, including pending ones.
	Records []StageRecord
	// Completed holds the results merged before the failure.
	Completed Analyses
}

// Error implements error.
func (e *StageExecutionError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("stage %s timed out: %v", e.Stage, e.Cause)
	}
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Cause)
}

// Unwrap returns the underlying error.
func (e *StageExecutionError) Unwrap() error { return e.Cause }

// Canceled reports whether the run was aborted because the caller went away.
func (e *StageExecutionError) Canceled() bool {
	return errors.Is(e.Cause, context.Canceled)
}

// Malformed reports whether the stage returned an invalid result.
func (e *StageExecutionError) Malformed() bool {
	return errors.Is(e.Cause, ErrMalformedResult)
}
