// Package postgresql provides the PostgreSQL Run Registry implementation.
package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/lib/pq" // postgres driver
	"github.com/lfarias/sagaflow/pkg/persistence/sqlbase"
)

// Persistence implements the Run Registry on PostgreSQL. Checkpoint writes
// use an optimistic version column so concurrent process instances cannot
// double-apply a transition.
type Persistence struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPersistence connects, pings, and runs migrations.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	if err := database.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())
	if err := migrationManager.RunMigrations(ctx); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Persistence{db: database, logger: logger}, nil
}

// Close closes the database connection.
func (p *Persistence) Close(_ context.Context) error {
	if p.db != nil {
		if err := p.db.Close(); err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE IF NOT EXISTS runs (
				id               TEXT PRIMARY KEY,
				saga_name        TEXT NOT NULL,
				job_id           TEXT NOT NULL,
				input            JSONB,
				status           TEXT NOT NULL,
				current_step     INTEGER NOT NULL DEFAULT 0,
				steps_completed  JSONB NOT NULL DEFAULT '[]',
				compensated_steps JSONB NOT NULL DEFAULT '[]',
				details          JSONB NOT NULL DEFAULT '{}',
				signals          JSONB NOT NULL DEFAULT '{}',
				cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
				error            TEXT NOT NULL DEFAULT '',
				schedule_id      TEXT NOT NULL DEFAULT '',
				version          BIGINT NOT NULL DEFAULT 1,
				created_at       TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at       TIMESTAMP WITH TIME ZONE NOT NULL,
				terminal_at      TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX IF NOT EXISTS idx_runs_saga_job ON runs (saga_name, job_id);
			CREATE INDEX IF NOT EXISTS idx_runs_status ON runs (status);

			CREATE TABLE IF NOT EXISTS schedules (
				id             TEXT PRIMARY KEY,
				cron_expr      TEXT NOT NULL,
				saga_name      TEXT NOT NULL,
				overlap_policy TEXT NOT NULL,
				input          JSONB,
				enabled        BOOLEAN NOT NULL DEFAULT TRUE,
				created_at     TIMESTAMP WITH TIME ZONE NOT NULL
			);
		`,
		2: `
			-- Backs the one-active-run-per-job rule so concurrent creates
			-- cannot both slip past the orchestrator's pre-check.
			DROP INDEX IF EXISTS idx_runs_saga_job;
			CREATE UNIQUE INDEX idx_runs_active_job
				ON runs (saga_name, job_id)
				WHERE status NOT IN ('succeeded', 'failed', 'timed_out');
		`,
	}
}
