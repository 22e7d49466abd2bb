package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"time"

	"github.com/lfarias/sagaflow/pkg/models"
	"github.com/lfarias/sagaflow/pkg/persistence"
)

func (fp *Persistence) runPath(id string) string {
	return path.Join(fp.root, "runs", id+".json")
}

// CreateRun stores a new run document. The store lock makes the active-job
// check atomic with the write, so concurrent creates for the same saga and
// job id cannot both land.
func (fp *Persistence) CreateRun(_ context.Context, run *models.Run) error {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	if _, err := os.Stat(fp.runPath(run.ID)); err == nil {
		return persistence.NewRunError("CreateRun", run.ID, persistence.ErrRunAlreadyExists)
	}

	all, err := fp.allRuns()
	if err != nil {
		return persistence.NewRunError("CreateRun", run.ID, err)
	}

	for _, stored := range all {
		if stored.SagaName == run.SagaName && stored.JobID == run.JobID && !stored.Status.IsTerminal() {
			return persistence.NewRunError("CreateRun", run.ID, persistence.ErrDuplicateActiveJob)
		}
	}

	run.Version = 1
	run.UpdatedAt = time.Now().UTC()

	return fp.writeRun(run)
}

// UpdateRun checkpoints the run, guarded by the version the caller last read.
func (fp *Persistence) UpdateRun(_ context.Context, run *models.Run, expectedVersion int64) error {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	stored, err := fp.readRun(run.ID)
	if err != nil {
		return persistence.NewRunError("UpdateRun", run.ID, err)
	}

	if stored.Version != expectedVersion {
		return persistence.NewRunError("UpdateRun", run.ID, persistence.ErrVersionConflict)
	}

	run.Version = expectedVersion + 1
	run.UpdatedAt = time.Now().UTC()

	return fp.writeRun(run)
}

// RunByID fetches a single run document.
func (fp *Persistence) RunByID(_ context.Context, id string) (*models.Run, error) {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	run, err := fp.readRun(id)
	if err != nil {
		return nil, persistence.NewRunError("RunByID", id, err)
	}

	return run, nil
}

// Runs returns every stored run.
func (fp *Persistence) Runs(ctx context.Context) ([]*models.Run, error) {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	return fp.allRuns()
}

// ActiveRuns returns runs that have not reached a terminal status.
func (fp *Persistence) ActiveRuns(ctx context.Context) ([]*models.Run, error) {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	all, err := fp.allRuns()
	if err != nil {
		return nil, err
	}

	active := make([]*models.Run, 0, len(all))

	for _, run := range all {
		if !run.Status.IsTerminal() {
			active = append(active, run)
		}
	}

	return active, nil
}

// ActiveRunByJob returns the non-terminal run for the given saga and job id.
func (fp *Persistence) ActiveRunByJob(ctx context.Context, sagaName, jobID string) (*models.Run, error) {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	all, err := fp.allRuns()
	if err != nil {
		return nil, err
	}

	for _, run := range all {
		if run.SagaName == sagaName && run.JobID == jobID && !run.Status.IsTerminal() {
			return run, nil
		}
	}

	return nil, persistence.ErrRunNotFound
}

func (fp *Persistence) allRuns() ([]*models.Run, error) {
	root := os.DirFS(path.Join(fp.root, "runs"))

	jsonFiles, err := fs.Glob(root, "*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list run files: %w", err)
	}

	runs := make([]*models.Run, 0, len(jsonFiles))

	for _, file := range jsonFiles {
		run, err := fp.readRun(file[:len(file)-5]) // strip .json
		if err != nil {
			return nil, fmt.Errorf("failed to load run %s: %w", file, err)
		}

		runs = append(runs, run)
	}

	return runs, nil
}

func (fp *Persistence) readRun(id string) (*models.Run, error) {
	data, err := os.ReadFile(fp.runPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, persistence.ErrRunNotFound
		}

		return nil, err
	}

	var run models.Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("failed to decode run %s: %w", id, err)
	}

	return &run, nil
}

func (fp *Persistence) writeRun(run *models.Run) error {
	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode run %s: %w", run.ID, err)
	}

	tmp := fp.runPath(run.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write run %s: %w", run.ID, err)
	}

	return os.Rename(tmp, fp.runPath(run.ID))
}
