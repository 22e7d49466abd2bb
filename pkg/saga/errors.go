package saga

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownSaga indicates no definition is registered under the name.
	ErrUnknownSaga = errors.New("unknown saga")

	// ErrUnknownRun indicates the run id does not correspond to a stored run.
	ErrUnknownRun = errors.New("unknown run")

	// ErrDuplicateRun indicates a non-terminal run already exists for the
	// same saga and job id.
	ErrDuplicateRun = errors.New("duplicate run for job")

	// ErrInvalidDefinition indicates a malformed saga definition.
	ErrInvalidDefinition = errors.New("invalid saga definition")

	// ErrInvalidSignal indicates a signal payload failed schema validation.
	ErrInvalidSignal = errors.New("invalid signal payload")

	// ErrRunTerminal indicates an operation targeted a run that already
	// reached a terminal status.
	ErrRunTerminal = errors.New("run already terminal")
)

// ActivityError wraps a step failure: the remote call returned an error, a
// non-2xx result, or the per-step timeout elapsed. It triggers the unwind.
type ActivityError struct {
	RunID    string
	StepName string
	Err      error
}

func (e *ActivityError) Error() string {
	return fmt.Sprintf("step %s failed in run %s: %v", e.StepName, e.RunID, e.Err)
}

func (e *ActivityError) Unwrap() error {
	return e.Err
}

// CompensationError records a best-effort compensation failure. It is logged
// into the run's details and never escalated.
type CompensationError struct {
	RunID    string
	StepName string
	Err      error
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("compensation for step %s failed in run %s: %v", e.StepName, e.RunID, e.Err)
}

func (e *CompensationError) Unwrap() error {
	return e.Err
}

// IsUnknownRun checks if an error indicates a missing or inactive run.
func IsUnknownRun(err error) bool {
	return errors.Is(err, ErrUnknownRun)
}

// IsDuplicateRun checks if an error indicates a job id collision.
func IsDuplicateRun(err error) bool {
	return errors.Is(err, ErrDuplicateRun)
}
