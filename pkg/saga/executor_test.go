package saga

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActivityExecutor_Execute(t *testing.T) {
	executor := NewActivityExecutor(newTestLogger())

	step := Step{
		Name:     "reserve",
		Activity: okActivity(map[string]any{"id": "r-1"}),
	}

	result, err := executor.Execute(t.Context(), "run-1", step, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"id": "r-1"}, result)
}

func TestActivityExecutor_WrapsFailure(t *testing.T) {
	executor := NewActivityExecutor(newTestLogger())

	cause := errors.New("upstream rejected")
	step := Step{
		Name: "reserve",
		Activity: ActivityFunc(func(_ context.Context, _ string, _ map[string]any) (any, error) {
			return nil, cause
		}),
	}

	_, err := executor.Execute(t.Context(), "run-1", step, nil)
	require.Error(t, err)

	var activityErr *ActivityError

	require.ErrorAs(t, err, &activityErr)
	assert.Equal(t, "reserve", activityErr.StepName)
	assert.ErrorIs(t, err, cause)
}

func TestActivityExecutor_TimeoutIsOrdinaryFailure(t *testing.T) {
	executor := NewActivityExecutor(newTestLogger())

	step := Step{
		Name:    "slow",
		Timeout: 50 * time.Millisecond,
		Activity: ActivityFunc(func(ctx context.Context, _ string, _ map[string]any) (any, error) {
			<-ctx.Done()

			return nil, ctx.Err()
		}),
	}

	_, err := executor.Execute(t.Context(), "run-1", step, nil)
	require.Error(t, err)

	var activityErr *ActivityError

	require.ErrorAs(t, err, &activityErr)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestActivityExecutor_RetriesUpToMaxAttempts(t *testing.T) {
	executor := NewActivityExecutor(newTestLogger())

	var calls atomic.Int32

	step := Step{
		Name:        "flaky",
		MaxAttempts: 3,
		Activity: ActivityFunc(func(_ context.Context, _ string, _ map[string]any) (any, error) {
			if calls.Add(1) < 3 {
				return nil, errors.New("transient")
			}

			return "ok", nil
		}),
	}

	result, err := executor.Execute(t.Context(), "run-1", step, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, int32(3), calls.Load())
}

func TestActivityExecutor_SingleAttemptByDefault(t *testing.T) {
	executor := NewActivityExecutor(newTestLogger())

	var calls atomic.Int32

	step := Step{
		Name: "flaky",
		Activity: ActivityFunc(func(_ context.Context, _ string, _ map[string]any) (any, error) {
			calls.Add(1)

			return nil, errors.New("transient")
		}),
	}

	_, err := executor.Execute(t.Context(), "run-1", step, nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCompensationExecutor_NilCompensationIsNoop(t *testing.T) {
	executor := NewCompensationExecutor(newTestLogger())

	err := executor.Compensate(t.Context(), "run-1", Step{Name: "reserve"}, nil)
	require.NoError(t, err)
}

func TestCompensationExecutor_WrapsFailure(t *testing.T) {
	executor := NewCompensationExecutor(newTestLogger())

	step := Step{
		Name: "reserve",
		Compensation: CompensationFunc(func(_ context.Context, _ string, _ map[string]any) error {
			return errors.New("release failed")
		}),
	}

	err := executor.Compensate(t.Context(), "run-1", step, nil)
	require.Error(t, err)

	var compErr *CompensationError

	require.ErrorAs(t, err, &compErr)
	assert.Equal(t, "reserve", compErr.StepName)
}

func TestCompensationExecutor_RecoversPanic(t *testing.T) {
	executor := NewCompensationExecutor(newTestLogger())

	step := Step{
		Name: "reserve",
		Compensation: CompensationFunc(func(_ context.Context, _ string, _ map[string]any) error {
			panic("corrupted undo state")
		}),
	}

	err := executor.Compensate(t.Context(), "run-1", step, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "corrupted undo state")
}
