// Package schedule provides the Schedule Driver: recurring cron firings that
// start saga runs, with an overlap policy applied when a previously started
// run is still active.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/lfarias/sagaflow/pkg/models"
	"github.com/lfarias/sagaflow/pkg/persistence"
)

var (
	// ErrInvalidSchedule indicates a malformed cron expression or overlap
	// policy, rejected at registration.
	ErrInvalidSchedule = errors.New("invalid schedule")

	// ErrUnknownSchedule indicates the schedule id does not exist.
	ErrUnknownSchedule = errors.New("unknown schedule")
)

// Starter starts saga runs on behalf of the driver.
type Starter interface {
	StartScheduledRun(ctx context.Context, sagaName, jobID, scheduleID string, input map[string]any) (string, error)
}

// Driver registers cron entries for persisted schedules and applies the
// schedule's overlap policy on each firing.
type Driver struct {
	cron     *cron.Cron
	starter  Starter
	store    persistence.Persistence
	validate *validator.Validate
	logger   *slog.Logger

	mu       sync.Mutex
	entries  map[string]cron.EntryID
	active   map[string]string // schedule id -> run id of the last started, still-active run
	buffered map[string]bool   // schedule id -> one firing queued behind the active run
}

func NewDriver(starter Starter, store persistence.Persistence, logger *slog.Logger) *Driver {
	return &Driver{
		cron: cron.New(cron.WithChain(
			cron.Recover(cron.DefaultLogger),
		)),
		starter:  starter,
		store:    store,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger.With("module", "schedule_driver"),
		entries:  make(map[string]cron.EntryID),
		active:   make(map[string]string),
		buffered: make(map[string]bool),
	}
}

// Start loads persisted schedules, registers their cron entries, and starts
// the clock.
func (d *Driver) Start(ctx context.Context) error {
	schedules, err := d.store.Schedules(ctx)
	if err != nil {
		return fmt.Errorf("failed to load schedules: %w", err)
	}

	for _, schedule := range schedules {
		if !schedule.Enabled {
			continue
		}

		if err := d.addEntry(schedule); err != nil {
			d.logger.ErrorContext(ctx, "Skipping unloadable schedule", "schedule_id", schedule.ID, "error", err)
		}
	}

	d.cron.Start()
	d.logger.InfoContext(ctx, "Schedule driver started", "schedules", len(d.entries))

	return nil
}

// Stop halts the clock. Firings already in flight finish.
func (d *Driver) Stop(ctx context.Context) error {
	stopCtx := d.cron.Stop()

	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Register validates, persists, and activates a schedule. A malformed cron
// expression or overlap policy fails with ErrInvalidSchedule.
func (d *Driver) Register(ctx context.Context, schedule *models.Schedule) error {
	if err := d.validate.Struct(schedule); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}

	if !schedule.OverlapPolicy.Valid() {
		return fmt.Errorf("%w: unknown overlap policy %q", ErrInvalidSchedule, schedule.OverlapPolicy)
	}

	if _, err := cron.ParseStandard(schedule.CronExpr); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}

	if schedule.CreatedAt.IsZero() {
		schedule.CreatedAt = time.Now().UTC()
	}

	if err := d.store.SaveSchedule(ctx, schedule); err != nil {
		return err
	}

	d.removeEntry(schedule.ID)

	if schedule.Enabled {
		return d.addEntry(schedule)
	}

	return nil
}

// Unregister removes a schedule and its cron entry.
func (d *Driver) Unregister(ctx context.Context, scheduleID string) error {
	err := d.store.DeleteSchedule(ctx, scheduleID)
	if err != nil {
		if persistence.IsScheduleNotFound(err) {
			return fmt.Errorf("%w: %s", ErrUnknownSchedule, scheduleID)
		}

		return err
	}

	d.removeEntry(scheduleID)

	return nil
}

// HandleRunFinished reacts to a terminal run started by a schedule: it
// clears the active marker and releases a buffered firing, if any.
func (d *Driver) HandleRunFinished(ctx context.Context, scheduleID, runID string) {
	if scheduleID == "" {
		return
	}

	d.mu.Lock()

	if d.active[scheduleID] == runID {
		delete(d.active, scheduleID)
	}

	release := d.buffered[scheduleID]
	delete(d.buffered, scheduleID)

	d.mu.Unlock()

	if release {
		d.logger.InfoContext(ctx, "Releasing buffered firing", "schedule_id", scheduleID)
		d.Fire(ctx, scheduleID)
	}
}

func (d *Driver) addEntry(schedule *models.Schedule) error {
	scheduleID := schedule.ID

	entryID, err := d.cron.AddFunc(schedule.CronExpr, func() {
		d.Fire(context.Background(), scheduleID)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}

	d.mu.Lock()
	d.entries[scheduleID] = entryID
	d.mu.Unlock()

	return nil
}

func (d *Driver) removeEntry(scheduleID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if entryID, ok := d.entries[scheduleID]; ok {
		d.cron.Remove(entryID)
		delete(d.entries, scheduleID)
	}
}

// Fire applies the overlap policy for one firing of the schedule. The cron
// clock calls it; tests may call it directly.
func (d *Driver) Fire(ctx context.Context, scheduleID string) {
	logger := d.logger.With("schedule_id", scheduleID)

	schedule, err := d.store.ScheduleByID(ctx, scheduleID)
	if err != nil {
		logger.ErrorContext(ctx, "Firing for unknown schedule", "error", err)

		return
	}

	if d.overlapping(ctx, scheduleID) && schedule.OverlapPolicy != models.OverlapAllowAll {
		switch schedule.OverlapPolicy {
		case models.OverlapSkip:
			logger.InfoContext(ctx, "Prior run still active, dropping firing")
		case models.OverlapBufferOne:
			d.mu.Lock()
			already := d.buffered[scheduleID]
			d.buffered[scheduleID] = true
			d.mu.Unlock()

			if already {
				logger.InfoContext(ctx, "Firing already buffered, dropping")
			} else {
				logger.InfoContext(ctx, "Prior run still active, buffering firing")
			}
		}

		return
	}

	d.startRun(ctx, logger, schedule)
}

// overlapping reports whether the run this schedule last started is still
// non-terminal, consulting the registry in case the terminal event was
// missed.
func (d *Driver) overlapping(ctx context.Context, scheduleID string) bool {
	d.mu.Lock()
	runID := d.active[scheduleID]
	d.mu.Unlock()

	if runID == "" {
		return false
	}

	run, err := d.store.RunByID(ctx, runID)
	if err != nil || run.Status.IsTerminal() {
		d.mu.Lock()
		if d.active[scheduleID] == runID {
			delete(d.active, scheduleID)
		}
		d.mu.Unlock()

		return false
	}

	return true
}

func (d *Driver) startRun(ctx context.Context, logger *slog.Logger, schedule *models.Schedule) {
	jobID := fmt.Sprintf("%s-%s", schedule.ID, uuid.New().String()[:8])

	runID, err := d.starter.StartScheduledRun(ctx, schedule.SagaName, jobID, schedule.ID, schedule.Input)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to start scheduled run", "error", err)

		return
	}

	d.mu.Lock()
	d.active[schedule.ID] = runID
	d.mu.Unlock()

	logger.InfoContext(ctx, "Started scheduled run", "run_id", runID)
}
