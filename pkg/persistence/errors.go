// Package persistence provides standardized error types for registry
// operations.
package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrRunNotFound indicates no run exists for the given identifier.
	ErrRunNotFound = errors.New("run not found")

	// ErrRunAlreadyExists indicates a run with the same identifier already exists.
	ErrRunAlreadyExists = errors.New("run already exists")

	// ErrVersionConflict indicates a compare-and-swap update lost the race:
	// the stored run version no longer matches the expected version.
	ErrVersionConflict = errors.New("run version conflict")

	// ErrDuplicateActiveJob indicates a non-terminal run already exists for
	// the same saga and job id.
	ErrDuplicateActiveJob = errors.New("active run exists for job")

	// ErrScheduleNotFound indicates no schedule exists for the given identifier.
	ErrScheduleNotFound = errors.New("schedule not found")
)

// RunError wraps run-related registry errors with operation context.
type RunError struct {
	Op    string // Operation being performed (e.g. "CreateRun", "UpdateRun")
	RunID string // Run ID if applicable
	Err   error  // Underlying error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("%s failed for run %s: %v", e.Op, e.RunID, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for run errors.
func (e *RunError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewRunError creates a new run error with context.
func NewRunError(op, runID string, err error) *RunError {
	return &RunError{Op: op, RunID: runID, Err: err}
}

// ScheduleError wraps schedule-related registry errors with operation context.
type ScheduleError struct {
	Op         string
	ScheduleID string
	Err        error
}

func (e *ScheduleError) Error() string {
	return fmt.Sprintf("%s failed for schedule %s: %v", e.Op, e.ScheduleID, e.Err)
}

func (e *ScheduleError) Unwrap() error {
	return e.Err
}

func (e *ScheduleError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// IsRunNotFound checks if an error indicates a run was not found.
func IsRunNotFound(err error) bool {
	return errors.Is(err, ErrRunNotFound)
}

// IsVersionConflict checks if an error indicates a lost compare-and-swap.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}

// IsDuplicateActiveJob checks if an error indicates a create lost to an
// existing active run for the same saga and job id.
func IsDuplicateActiveJob(err error) bool {
	return errors.Is(err, ErrDuplicateActiveJob)
}

// IsScheduleNotFound checks if an error indicates a schedule was not found.
func IsScheduleNotFound(err error) bool {
	return errors.Is(err, ErrScheduleNotFound)
}
