package schedule

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lfarias/sagaflow/pkg/models"
	"github.com/lfarias/sagaflow/pkg/persistence"
	"github.com/lfarias/sagaflow/pkg/persistence/file"
)

// fakeStarter records started runs and registers them as active in the
// store, the way the orchestrator would.
type fakeStarter struct {
	store persistence.Persistence

	mu      sync.Mutex
	started []string
}

func (f *fakeStarter) StartScheduledRun(ctx context.Context, sagaName, jobID, scheduleID string, input map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	runID := fmt.Sprintf("run-%d", len(f.started)+1)
	f.started = append(f.started, runID)

	run := &models.Run{
		ID:         runID,
		SagaName:   sagaName,
		JobID:      jobID,
		ScheduleID: scheduleID,
		Status:     models.RunStatusRunning,
		CreatedAt:  time.Now().UTC(),
	}

	return runID, f.store.CreateRun(ctx, run)
}

func (f *fakeStarter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.started)
}

func (f *fakeStarter) finish(t *testing.T, runID string) {
	t.Helper()

	run, err := f.store.RunByID(t.Context(), runID)
	require.NoError(t, err)

	run.Status = models.RunStatusSucceeded
	require.NoError(t, f.store.UpdateRun(t.Context(), run, run.Version))
}

func newTestDriver(t *testing.T) (*Driver, *fakeStarter, persistence.Persistence) {
	t.Helper()

	store, err := file.NewPersistence(t.TempDir())
	require.NoError(t, err)

	starter := &fakeStarter{store: store}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	return NewDriver(starter, store, logger), starter, store
}

func testSchedule(id string, policy models.OverlapPolicy) *models.Schedule {
	return &models.Schedule{
		ID:            id,
		CronExpr:      "*/5 * * * *",
		SagaName:      "healthcheck",
		OverlapPolicy: policy,
		Enabled:       true,
	}
}

func TestDriver_RegisterRejectsInvalidCron(t *testing.T) {
	driver, _, _ := newTestDriver(t)

	sched := testSchedule("sched-1", models.OverlapSkip)
	sched.CronExpr = "162 * * * *"

	err := driver.Register(t.Context(), sched)
	require.ErrorIs(t, err, ErrInvalidSchedule)
}

func TestDriver_RegisterRejectsUnknownOverlapPolicy(t *testing.T) {
	driver, _, _ := newTestDriver(t)

	sched := testSchedule("sched-1", models.OverlapPolicy("sometimes"))

	err := driver.Register(t.Context(), sched)
	require.ErrorIs(t, err, ErrInvalidSchedule)
}

func TestDriver_RegisterPersists(t *testing.T) {
	driver, _, store := newTestDriver(t)

	require.NoError(t, driver.Register(t.Context(), testSchedule("sched-1", models.OverlapSkip)))

	stored, err := store.ScheduleByID(t.Context(), "sched-1")
	require.NoError(t, err)
	assert.Equal(t, "healthcheck", stored.SagaName)
	assert.False(t, stored.CreatedAt.IsZero())
}

func TestDriver_UnregisterUnknown(t *testing.T) {
	driver, _, _ := newTestDriver(t)

	err := driver.Unregister(t.Context(), "nope")
	require.ErrorIs(t, err, ErrUnknownSchedule)
}

func TestDriver_FireStartsRun(t *testing.T) {
	driver, starter, _ := newTestDriver(t)

	require.NoError(t, driver.Register(t.Context(), testSchedule("sched-1", models.OverlapSkip)))

	driver.Fire(t.Context(), "sched-1")
	assert.Equal(t, 1, starter.count())
}

func TestDriver_SkipPolicyDropsOverlappingFiring(t *testing.T) {
	driver, starter, _ := newTestDriver(t)

	require.NoError(t, driver.Register(t.Context(), testSchedule("sched-1", models.OverlapSkip)))

	driver.Fire(t.Context(), "sched-1")
	driver.Fire(t.Context(), "sched-1")
	driver.Fire(t.Context(), "sched-1")

	assert.Equal(t, 1, starter.count())

	// Once the active run finishes, the next firing starts again.
	starter.finish(t, "run-1")
	driver.Fire(t.Context(), "sched-1")

	assert.Equal(t, 2, starter.count())
}

func TestDriver_BufferOnePolicyQueuesExactlyOne(t *testing.T) {
	driver, starter, _ := newTestDriver(t)

	require.NoError(t, driver.Register(t.Context(), testSchedule("sched-1", models.OverlapBufferOne)))

	driver.Fire(t.Context(), "sched-1")
	require.Equal(t, 1, starter.count())

	// Three overlapping firings buffer at most one.
	driver.Fire(t.Context(), "sched-1")
	driver.Fire(t.Context(), "sched-1")
	driver.Fire(t.Context(), "sched-1")
	require.Equal(t, 1, starter.count())

	starter.finish(t, "run-1")
	driver.HandleRunFinished(t.Context(), "sched-1", "run-1")

	// The single buffered firing was released.
	assert.Equal(t, 2, starter.count())

	starter.finish(t, "run-2")
	driver.HandleRunFinished(t.Context(), "sched-1", "run-2")

	// Nothing else was queued.
	assert.Equal(t, 2, starter.count())
}

func TestDriver_AllowAllPolicyStartsConcurrentRuns(t *testing.T) {
	driver, starter, _ := newTestDriver(t)

	require.NoError(t, driver.Register(t.Context(), testSchedule("sched-1", models.OverlapAllowAll)))

	driver.Fire(t.Context(), "sched-1")
	driver.Fire(t.Context(), "sched-1")
	driver.Fire(t.Context(), "sched-1")

	assert.Equal(t, 3, starter.count())
}

func TestDriver_HandleRunFinishedIgnoresForeignRun(t *testing.T) {
	driver, starter, _ := newTestDriver(t)

	require.NoError(t, driver.Register(t.Context(), testSchedule("sched-1", models.OverlapBufferOne)))

	driver.Fire(t.Context(), "sched-1")
	driver.Fire(t.Context(), "sched-1")
	require.Equal(t, 1, starter.count())

	// A terminal event without a schedule id is not ours.
	driver.HandleRunFinished(t.Context(), "", "run-other")
	assert.Equal(t, 1, starter.count())
}

func TestDriver_StartLoadsPersistedSchedules(t *testing.T) {
	driver, _, store := newTestDriver(t)

	require.NoError(t, store.SaveSchedule(t.Context(), testSchedule("sched-1", models.OverlapSkip)))

	disabled := testSchedule("sched-2", models.OverlapSkip)
	disabled.Enabled = false
	require.NoError(t, store.SaveSchedule(t.Context(), disabled))

	require.NoError(t, driver.Start(t.Context()))

	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = driver.Stop(stopCtx)
	})

	driver.mu.Lock()
	defer driver.mu.Unlock()

	assert.Contains(t, driver.entries, "sched-1")
	assert.NotContains(t, driver.entries, "sched-2")
}
