package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"

	"github.com/lfarias/sagaflow/pkg/models"
	"github.com/lfarias/sagaflow/pkg/persistence"
)

func (fp *Persistence) schedulePath(id string) string {
	return path.Join(fp.root, "schedules", id+".json")
}

// Schedules returns every stored schedule.
func (fp *Persistence) Schedules(_ context.Context) ([]*models.Schedule, error) {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	root := os.DirFS(path.Join(fp.root, "schedules"))

	jsonFiles, err := fs.Glob(root, "*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list schedule files: %w", err)
	}

	schedules := make([]*models.Schedule, 0, len(jsonFiles))

	for _, file := range jsonFiles {
		schedule, err := fp.readSchedule(file[:len(file)-5])
		if err != nil {
			return nil, err
		}

		schedules = append(schedules, schedule)
	}

	return schedules, nil
}

// ScheduleByID fetches one schedule.
func (fp *Persistence) ScheduleByID(_ context.Context, id string) (*models.Schedule, error) {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	return fp.readSchedule(id)
}

// SaveSchedule creates or replaces a schedule document.
func (fp *Persistence) SaveSchedule(_ context.Context, schedule *models.Schedule) error {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	data, err := json.MarshalIndent(schedule, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode schedule %s: %w", schedule.ID, err)
	}

	tmp := fp.schedulePath(schedule.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write schedule %s: %w", schedule.ID, err)
	}

	return os.Rename(tmp, fp.schedulePath(schedule.ID))
}

// DeleteSchedule removes a schedule document.
func (fp *Persistence) DeleteSchedule(_ context.Context, id string) error {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	err := os.Remove(fp.schedulePath(id))
	if errors.Is(err, os.ErrNotExist) {
		return &persistence.ScheduleError{Op: "DeleteSchedule", ScheduleID: id, Err: persistence.ErrScheduleNotFound}
	}

	return err
}

func (fp *Persistence) readSchedule(id string) (*models.Schedule, error) {
	data, err := os.ReadFile(fp.schedulePath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &persistence.ScheduleError{Op: "ScheduleByID", ScheduleID: id, Err: persistence.ErrScheduleNotFound}
		}

		return nil, err
	}

	var schedule models.Schedule
	if err := json.Unmarshal(data, &schedule); err != nil {
		return nil, fmt.Errorf("failed to decode schedule %s: %w", id, err)
	}

	return &schedule, nil
}
