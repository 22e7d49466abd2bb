// Package persistence provides the durable Run Registry abstraction for saga
// orchestration.
package persistence

import (
	"context"

	"github.com/lfarias/sagaflow/pkg/models"
)

// Persistence is the Run Registry: the single mutable shared store keyed by
// run id. All writes to a given run go through UpdateRun, which performs a
// compare-and-swap on the run's version so a resumed orchestrator can never
// double-apply a checkpoint another process instance already wrote.
type Persistence interface {
	// CreateRun stores a new run. Fails with ErrRunAlreadyExists when the id
	// is taken.
	CreateRun(ctx context.Context, run *models.Run) error

	// UpdateRun persists the run if the stored version still equals
	// expectedVersion, then bumps run.Version. Fails with ErrVersionConflict
	// otherwise.
	UpdateRun(ctx context.Context, run *models.Run, expectedVersion int64) error

	// RunByID fetches a run. Fails with ErrRunNotFound.
	RunByID(ctx context.Context, id string) (*models.Run, error)

	// Runs returns all stored runs.
	Runs(ctx context.Context) ([]*models.Run, error)

	// ActiveRuns returns runs whose status is not terminal, for crash
	// recovery.
	ActiveRuns(ctx context.Context) ([]*models.Run, error)

	// ActiveRunByJob returns the non-terminal run for the given saga and job
	// id, or ErrRunNotFound when no such run exists.
	ActiveRunByJob(ctx context.Context, sagaName, jobID string) (*models.Run, error)

	Schedules(ctx context.Context) ([]*models.Schedule, error)
	ScheduleByID(ctx context.Context, id string) (*models.Schedule, error)
	SaveSchedule(ctx context.Context, schedule *models.Schedule) error
	DeleteSchedule(ctx context.Context, id string) error

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}
