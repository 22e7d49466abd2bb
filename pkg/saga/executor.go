package saga

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ActivityExecutor invokes a single step's activity with a bounded time
// budget. Timeout expiry is an ordinary failure, not a distinct error path.
// Retry policy is the step's: MaxAttempts with exponential backoff, default
// a single attempt.
type ActivityExecutor struct {
	logger *slog.Logger
}

func NewActivityExecutor(logger *slog.Logger) *ActivityExecutor {
	return &ActivityExecutor{logger: logger.With("module", "activity_executor")}
}

// Execute runs the step's activity. Any error, including the per-step
// deadline, comes back as an *ActivityError.
func (e *ActivityExecutor) Execute(ctx context.Context, runID string, step Step, input map[string]any) (any, error) {
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = DefaultStepTimeout
	}

	logger := e.logger.With("run_id", runID, "step", step.Name)

	var result any

	attempt := 0
	operation := func() error {
		attempt++

		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		value, err := step.Activity.Execute(stepCtx, runID, input)
		if err != nil {
			logger.WarnContext(ctx, "Activity attempt failed", "attempt", attempt, "error", err)

			return err
		}

		result = value

		return nil
	}

	err := backoff.Retry(operation, e.retryPolicy(ctx, step))
	if err != nil {
		return nil, &ActivityError{RunID: runID, StepName: step.Name, Err: err}
	}

	return result, nil
}

func (e *ActivityExecutor) retryPolicy(ctx context.Context, step Step) backoff.BackOffContext {
	retries := uint64(0)
	if step.MaxAttempts > 1 {
		retries = uint64(step.MaxAttempts - 1)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxInterval = 10 * time.Second

	return backoff.WithContext(backoff.WithMaxRetries(policy, retries), ctx)
}

// CompensationExecutor invokes the undo action for a previously successful
// step. Best effort only: failures (including panics) are converted to a
// *CompensationError for the orchestrator to record, never to re-raise,
// because compensations already run inside a failure path and must not abort
// the unwind.
type CompensationExecutor struct {
	logger *slog.Logger
}

func NewCompensationExecutor(logger *slog.Logger) *CompensationExecutor {
	return &CompensationExecutor{logger: logger.With("module", "compensation_executor")}
}

// Compensate runs the step's compensation with the step's time budget.
func (e *CompensationExecutor) Compensate(ctx context.Context, runID string, step Step, input map[string]any) (err error) {
	if step.Compensation == nil {
		return nil
	}

	timeout := step.Timeout
	if timeout <= 0 {
		timeout = DefaultStepTimeout
	}

	compCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = &CompensationError{RunID: runID, StepName: step.Name, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	logger := e.logger.With("run_id", runID, "step", step.Name)
	logger.InfoContext(ctx, "Applying compensation")

	if err := step.Compensation.Compensate(compCtx, runID, input); err != nil {
		logger.ErrorContext(ctx, "Compensation failed", "error", err)

		return &CompensationError{RunID: runID, StepName: step.Name, Err: err}
	}

	return nil
}
