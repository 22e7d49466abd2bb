package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/lfarias/sagaflow/pkg/models"
	"github.com/lfarias/sagaflow/pkg/persistence"
)

const runColumns = `id, saga_name, job_id, input, status, current_step,
	steps_completed, compensated_steps, details, signals, cancel_requested,
	error, schedule_id, version, created_at, updated_at, terminal_at`

// CreateRun inserts a new run row.
func (p *Persistence) CreateRun(ctx context.Context, run *models.Run) error {
	run.Version = 1
	run.UpdatedAt = time.Now().UTC()

	input, stepsCompleted, compensatedSteps, details, signals, err := marshalRunJSON(run)
	if err != nil {
		return persistence.NewRunError("CreateRun", run.ID, err)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO runs (`+runColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`,
		run.ID, run.SagaName, run.JobID, input, run.Status, run.CurrentStep,
		stepsCompleted, compensatedSteps, details, signals, run.CancelRequested,
		run.Error, run.ScheduleID, run.Version, run.CreatedAt, run.UpdatedAt,
		run.TerminalAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			if violatedConstraint(err) == "idx_runs_active_job" {
				return persistence.NewRunError("CreateRun", run.ID, persistence.ErrDuplicateActiveJob)
			}

			return persistence.NewRunError("CreateRun", run.ID, persistence.ErrRunAlreadyExists)
		}

		return persistence.NewRunError("CreateRun", run.ID, err)
	}

	return nil
}

// UpdateRun checkpoints the run guarded by the expected version.
func (p *Persistence) UpdateRun(ctx context.Context, run *models.Run, expectedVersion int64) error {
	input, stepsCompleted, compensatedSteps, details, signals, err := marshalRunJSON(run)
	if err != nil {
		return persistence.NewRunError("UpdateRun", run.ID, err)
	}

	run.UpdatedAt = time.Now().UTC()

	result, err := p.db.ExecContext(ctx, `
		UPDATE runs SET
			status = $1, current_step = $2, steps_completed = $3,
			compensated_steps = $4, details = $5, signals = $6,
			cancel_requested = $7, error = $8, version = $9, updated_at = $10,
			terminal_at = $11, input = $12
		WHERE id = $13 AND version = $14
	`,
		run.Status, run.CurrentStep, stepsCompleted, compensatedSteps, details,
		signals, run.CancelRequested, run.Error, expectedVersion+1,
		run.UpdatedAt, run.TerminalAt, input, run.ID, expectedVersion,
	)
	if err != nil {
		return persistence.NewRunError("UpdateRun", run.ID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewRunError("UpdateRun", run.ID, err)
	}

	if affected == 0 {
		// Either the row is missing or another writer advanced the version.
		if _, err := p.RunByID(ctx, run.ID); err != nil {
			return err
		}

		return persistence.NewRunError("UpdateRun", run.ID, persistence.ErrVersionConflict)
	}

	run.Version = expectedVersion + 1

	return nil
}

// RunByID fetches a single run row.
func (p *Persistence) RunByID(ctx context.Context, id string) (*models.Run, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id)

	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewRunError("RunByID", id, persistence.ErrRunNotFound)
		}

		return nil, persistence.NewRunError("RunByID", id, err)
	}

	return run, nil
}

// Runs returns every stored run.
func (p *Persistence) Runs(ctx context.Context) ([]*models.Run, error) {
	return p.queryRuns(ctx, `SELECT `+runColumns+` FROM runs ORDER BY created_at`)
}

// ActiveRuns returns non-terminal runs, for crash recovery.
func (p *Persistence) ActiveRuns(ctx context.Context) ([]*models.Run, error) {
	return p.queryRuns(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE status NOT IN ('succeeded', 'failed', 'timed_out')
		ORDER BY created_at
	`)
}

// ActiveRunByJob returns the non-terminal run for the given saga and job id.
func (p *Persistence) ActiveRunByJob(ctx context.Context, sagaName, jobID string) (*models.Run, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE saga_name = $1 AND job_id = $2
		  AND status NOT IN ('succeeded', 'failed', 'timed_out')
		LIMIT 1
	`, sagaName, jobID)

	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrRunNotFound
		}

		return nil, err
	}

	return run, nil
}

func (p *Persistence) queryRuns(ctx context.Context, query string, args ...any) ([]*models.Run, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []*models.Run

	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}

		runs = append(runs, run)
	}

	return runs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*models.Run, error) {
	var (
		run              models.Run
		input            []byte
		stepsCompleted   []byte
		compensatedSteps []byte
		details          []byte
		signals          []byte
		terminalAt       sql.NullTime
	)

	err := row.Scan(
		&run.ID, &run.SagaName, &run.JobID, &input, &run.Status,
		&run.CurrentStep, &stepsCompleted, &compensatedSteps, &details,
		&signals, &run.CancelRequested, &run.Error, &run.ScheduleID,
		&run.Version, &run.CreatedAt, &run.UpdatedAt, &terminalAt,
	)
	if err != nil {
		return nil, err
	}

	if terminalAt.Valid {
		t := terminalAt.Time

		run.TerminalAt = &t
	}

	columns := []struct {
		src []byte
		dst any
	}{
		{input, &run.Input},
		{stepsCompleted, &run.StepsCompleted},
		{compensatedSteps, &run.CompensatedSteps},
		{details, &run.Details},
		{signals, &run.Signals},
	}

	for _, column := range columns {
		if len(column.src) == 0 {
			continue
		}

		if err := json.Unmarshal(column.src, column.dst); err != nil {
			return nil, fmt.Errorf("failed to decode run %s: %w", run.ID, err)
		}
	}

	return &run, nil
}

func marshalRunJSON(run *models.Run) (input, stepsCompleted, compensatedSteps, details, signals []byte, err error) {
	if input, err = json.Marshal(run.Input); err != nil {
		return nil, nil, nil, nil, nil, err
	}

	if run.StepsCompleted == nil {
		run.StepsCompleted = []string{}
	}

	if stepsCompleted, err = json.Marshal(run.StepsCompleted); err != nil {
		return nil, nil, nil, nil, nil, err
	}

	if run.CompensatedSteps == nil {
		run.CompensatedSteps = []string{}
	}

	if compensatedSteps, err = json.Marshal(run.CompensatedSteps); err != nil {
		return nil, nil, nil, nil, nil, err
	}

	if run.Details == nil {
		run.Details = map[string]any{}
	}

	if details, err = json.Marshal(run.Details); err != nil {
		return nil, nil, nil, nil, nil, err
	}

	if run.Signals == nil {
		run.Signals = map[string]*models.Signal{}
	}

	if signals, err = json.Marshal(run.Signals); err != nil {
		return nil, nil, nil, nil, nil, err
	}

	return input, stepsCompleted, compensatedSteps, details, signals, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505" // unique_violation
	}

	return false
}

func violatedConstraint(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Constraint
	}

	return ""
}
