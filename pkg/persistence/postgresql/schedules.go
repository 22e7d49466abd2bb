package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lfarias/sagaflow/pkg/models"
	"github.com/lfarias/sagaflow/pkg/persistence"
)

// Schedules returns every stored schedule.
func (p *Persistence) Schedules(ctx context.Context) ([]*models.Schedule, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, cron_expr, saga_name, overlap_policy, input, enabled, created_at
		FROM schedules ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query schedules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var schedules []*models.Schedule

	for rows.Next() {
		schedule, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}

		schedules = append(schedules, schedule)
	}

	return schedules, rows.Err()
}

// ScheduleByID fetches one schedule row.
func (p *Persistence) ScheduleByID(ctx context.Context, id string) (*models.Schedule, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, cron_expr, saga_name, overlap_policy, input, enabled, created_at
		FROM schedules WHERE id = $1
	`, id)

	schedule, err := scanSchedule(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &persistence.ScheduleError{Op: "ScheduleByID", ScheduleID: id, Err: persistence.ErrScheduleNotFound}
		}

		return nil, err
	}

	return schedule, nil
}

// SaveSchedule creates or replaces a schedule row.
func (p *Persistence) SaveSchedule(ctx context.Context, schedule *models.Schedule) error {
	input, err := json.Marshal(schedule.Input)
	if err != nil {
		return fmt.Errorf("failed to encode schedule %s: %w", schedule.ID, err)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO schedules (id, cron_expr, saga_name, overlap_policy, input, enabled, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			cron_expr = EXCLUDED.cron_expr,
			saga_name = EXCLUDED.saga_name,
			overlap_policy = EXCLUDED.overlap_policy,
			input = EXCLUDED.input,
			enabled = EXCLUDED.enabled
	`, schedule.ID, schedule.CronExpr, schedule.SagaName, schedule.OverlapPolicy,
		input, schedule.Enabled, schedule.CreatedAt)
	if err != nil {
		return &persistence.ScheduleError{Op: "SaveSchedule", ScheduleID: schedule.ID, Err: err}
	}

	return nil
}

// DeleteSchedule removes a schedule row.
func (p *Persistence) DeleteSchedule(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = $1`, id)
	if err != nil {
		return &persistence.ScheduleError{Op: "DeleteSchedule", ScheduleID: id, Err: err}
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if affected == 0 {
		return &persistence.ScheduleError{Op: "DeleteSchedule", ScheduleID: id, Err: persistence.ErrScheduleNotFound}
	}

	return nil
}

func scanSchedule(row rowScanner) (*models.Schedule, error) {
	var (
		schedule models.Schedule
		input    []byte
	)

	err := row.Scan(&schedule.ID, &schedule.CronExpr, &schedule.SagaName,
		&schedule.OverlapPolicy, &input, &schedule.Enabled, &schedule.CreatedAt)
	if err != nil {
		return nil, err
	}

	if len(input) > 0 {
		if err := json.Unmarshal(input, &schedule.Input); err != nil {
			return nil, fmt.Errorf("failed to decode schedule %s: %w", schedule.ID, err)
		}
	}

	return &schedule, nil
}
