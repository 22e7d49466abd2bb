package web_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lfarias/sagaflow/pkg/activities/httpcheck"
	"github.com/lfarias/sagaflow/pkg/models"
	"github.com/lfarias/sagaflow/pkg/persistence/file"
	"github.com/lfarias/sagaflow/pkg/saga"
	"github.com/lfarias/sagaflow/pkg/schedule"
	"github.com/lfarias/sagaflow/pkg/web"
)

func setupTestApp(t *testing.T) (*fiber.App, *saga.Orchestrator) {
	t.Helper()

	store, err := file.NewPersistence(t.TempDir())
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	registry := saga.NewRegistry()
	require.NoError(t, registry.Register(&saga.Definition{
		Name: "provisioning",
		Steps: []saga.Step{
			{Name: "reserve", Activity: saga.ActivityFunc(func(_ context.Context, _ string, _ map[string]any) (any, error) {
				return "reserved", nil
			})},
		},
	}))
	require.NoError(t, registry.Register(&saga.Definition{
		Name: "settlement",
		Steps: []saga.Step{
			{Name: "submit", Activity: saga.ActivityFunc(func(_ context.Context, _ string, _ map[string]any) (any, error) {
				return nil, nil
			})},
		},
		RequiredSignals: []string{"cleared"},
		SignalDeadline:  10 * time.Second,
	}))

	orchestrator := saga.NewOrchestrator(registry, store, nil, logger)

	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = orchestrator.Stop(stopCtx)
	})

	driver := schedule.NewDriver(orchestrator, store, logger)
	checker := httpcheck.NewActivity(http.DefaultClient, logger)
	validate := validator.New(validator.WithRequiredStructEnabled())

	handlers := web.NewAPIHandlers(orchestrator, driver, store, registry, checker, validate)

	app := fiber.New()

	r := app.Group("/runs")
	r.Post("/", handlers.StartRun)
	r.Get("/:id", handlers.GetRun)
	r.Post("/:id/signals", handlers.SignalRun)
	r.Post("/:id/cancel", handlers.CancelRun)

	s := app.Group("/schedules")
	s.Get("/", handlers.ListSchedules)
	s.Post("/", handlers.CreateSchedule)
	s.Get("/:id", handlers.GetSchedule)
	s.Delete("/:id", handlers.DeleteSchedule)

	app.Get("/sagas", handlers.ListSagas)
	app.Get("/healthcheck", handlers.HealthCheckURL)
	app.Get("/health", handlers.HealthCheck)

	return app, orchestrator
}

func doJSON(t *testing.T, app *fiber.App, method, path string, body any) *http.Response {
	t.Helper()

	var reader io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := app.Test(req)
	require.NoError(t, err)

	return resp
}

func decodeBody(t *testing.T, resp *http.Response, dst any) {
	t.Helper()

	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(payload, dst))
}

func startRun(t *testing.T, app *fiber.App, sagaName, jobID string) string {
	t.Helper()

	resp := doJSON(t, app, http.MethodPost, "/runs/", web.StartRunRequest{
		SagaName: sagaName,
		JobID:    jobID,
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var started web.StartRunResponse

	decodeBody(t, resp, &started)
	require.NotEmpty(t, started.RunID)

	return started.RunID
}

func waitForRunStatus(t *testing.T, o *saga.Orchestrator, runID string, status models.RunStatus) {
	t.Helper()

	require.Eventually(t, func() bool {
		result, err := o.GetResult(context.Background(), runID)

		return err == nil && result.Status == status
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStartRun(t *testing.T) {
	app, orchestrator := setupTestApp(t)

	runID := startRun(t, app, "provisioning", "job-1")
	waitForRunStatus(t, orchestrator, runID, models.RunStatusSucceeded)

	resp := doJSON(t, app, http.MethodGet, "/runs/"+runID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result saga.Result

	decodeBody(t, resp, &result)
	assert.Equal(t, models.RunStatusSucceeded, result.Status)
	assert.Equal(t, "reserved", result.Details["reserve"])
}

func TestStartRun_ValidationError(t *testing.T) {
	app, _ := setupTestApp(t)

	resp := doJSON(t, app, http.MethodPost, "/runs/", web.StartRunRequest{SagaName: "provisioning"})
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStartRun_UnknownSaga(t *testing.T) {
	app, _ := setupTestApp(t)

	resp := doJSON(t, app, http.MethodPost, "/runs/", web.StartRunRequest{SagaName: "nope", JobID: "job-1"})
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStartRun_DuplicateJob(t *testing.T) {
	app, _ := setupTestApp(t)

	startRun(t, app, "settlement", "job-1")

	resp := doJSON(t, app, http.MethodPost, "/runs/", web.StartRunRequest{SagaName: "settlement", JobID: "job-1"})
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestGetRun_NotFound(t *testing.T) {
	app, _ := setupTestApp(t)

	resp := doJSON(t, app, http.MethodGet, "/runs/run-missing", nil)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSignalRun(t *testing.T) {
	app, orchestrator := setupTestApp(t)

	runID := startRun(t, app, "settlement", "job-1")
	waitForRunStatus(t, orchestrator, runID, models.RunStatusAwaitingSignals)

	resp := doJSON(t, app, http.MethodPost, "/runs/"+runID+"/signals", web.SignalRequest{
		Type: "cleared",
		Data: map[string]any{"ref": "c-1"},
	})
	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	waitForRunStatus(t, orchestrator, runID, models.RunStatusSucceeded)
}

func TestSignalRun_MissingType(t *testing.T) {
	app, orchestrator := setupTestApp(t)

	runID := startRun(t, app, "settlement", "job-1")
	waitForRunStatus(t, orchestrator, runID, models.RunStatusAwaitingSignals)

	resp := doJSON(t, app, http.MethodPost, "/runs/"+runID+"/signals", web.SignalRequest{})
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSignalRun_UnknownRun(t *testing.T) {
	app, _ := setupTestApp(t)

	resp := doJSON(t, app, http.MethodPost, "/runs/run-missing/signals", web.SignalRequest{Type: "cleared"})
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelRun(t *testing.T) {
	app, orchestrator := setupTestApp(t)

	runID := startRun(t, app, "settlement", "job-1")
	waitForRunStatus(t, orchestrator, runID, models.RunStatusAwaitingSignals)

	resp := doJSON(t, app, http.MethodPost, "/runs/"+runID+"/cancel", nil)
	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	waitForRunStatus(t, orchestrator, runID, models.RunStatusFailed)
}

func TestListSagas(t *testing.T) {
	app, _ := setupTestApp(t)

	resp := doJSON(t, app, http.MethodGet, "/sagas", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Sagas []string `json:"sagas"`
	}

	decodeBody(t, resp, &body)
	assert.ElementsMatch(t, []string{"provisioning", "settlement"}, body.Sagas)
}

func TestScheduleLifecycle(t *testing.T) {
	app, _ := setupTestApp(t)

	resp := doJSON(t, app, http.MethodPost, "/schedules/", web.CreateScheduleRequest{
		ID:            "sched-1",
		CronExpr:      "*/5 * * * *",
		SagaName:      "provisioning",
		OverlapPolicy: string(models.OverlapBufferOne),
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created models.Schedule

	decodeBody(t, resp, &created)
	assert.Equal(t, models.OverlapBufferOne, created.OverlapPolicy)
	assert.True(t, created.Enabled)

	resp = doJSON(t, app, http.MethodGet, "/schedules/sched-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	resp = doJSON(t, app, http.MethodGet, "/schedules/", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var listed struct {
		Schedules []*models.Schedule `json:"schedules"`
	}

	decodeBody(t, resp, &listed)
	assert.Len(t, listed.Schedules, 1)

	resp = doJSON(t, app, http.MethodDelete, "/schedules/sched-1", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	_ = resp.Body.Close()

	resp = doJSON(t, app, http.MethodGet, "/schedules/sched-1", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestCreateSchedule_InvalidCron(t *testing.T) {
	app, _ := setupTestApp(t)

	resp := doJSON(t, app, http.MethodPost, "/schedules/", web.CreateScheduleRequest{
		ID:       "sched-1",
		CronExpr: "not a cron",
		SagaName: "provisioning",
	})
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthCheckURL(t *testing.T) {
	app, _ := setupTestApp(t)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	resp := doJSON(t, app, http.MethodGet, "/healthcheck?url="+upstream.URL, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result httpcheck.Result

	decodeBody(t, resp, &result)
	assert.True(t, result.OK)
	assert.Equal(t, http.StatusOK, result.StatusCode)
}

func TestHealthCheckURL_Unhealthy(t *testing.T) {
	app, _ := setupTestApp(t)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer upstream.Close()

	resp := doJSON(t, app, http.MethodGet, "/healthcheck?url="+upstream.URL, nil)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHealthCheckURL_MissingParam(t *testing.T) {
	app, _ := setupTestApp(t)

	resp := doJSON(t, app, http.MethodGet, "/healthcheck", nil)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	app, _ := setupTestApp(t)

	resp := doJSON(t, app, http.MethodGet, "/health", nil)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
