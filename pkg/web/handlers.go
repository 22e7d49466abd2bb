// Package web provides the REST API for starting runs, delivering signals,
// and managing schedules.
package web

import (
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"

	"github.com/lfarias/sagaflow/pkg/activities/httpcheck"
	"github.com/lfarias/sagaflow/pkg/models"
	"github.com/lfarias/sagaflow/pkg/persistence"
	"github.com/lfarias/sagaflow/pkg/saga"
	"github.com/lfarias/sagaflow/pkg/schedule"
)

type APIHandlers struct {
	orchestrator *saga.Orchestrator
	driver       *schedule.Driver
	persistence  persistence.Persistence
	registry     *saga.Registry
	checker      *httpcheck.Activity
	validator    *validator.Validate
}

func NewAPIHandlers(
	orchestrator *saga.Orchestrator,
	driver *schedule.Driver,
	persistence persistence.Persistence,
	registry *saga.Registry,
	checker *httpcheck.Activity,
	validator *validator.Validate,
) *APIHandlers {
	return &APIHandlers{
		orchestrator: orchestrator,
		driver:       driver,
		persistence:  persistence,
		registry:     registry,
		checker:      checker,
		validator:    validator,
	}
}

func (h *APIHandlers) StartRun(c fiber.Ctx) error {
	var req StartRunRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	runID, err := h.orchestrator.StartRun(c.Context(), req.SagaName, req.JobID, req.Input)
	if err != nil {
		return handleSagaError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(StartRunResponse{RunID: runID})
}

func (h *APIHandlers) GetRun(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Run ID is required")
	}

	result, err := h.orchestrator.GetResult(c.Context(), id)
	if err != nil {
		return handleSagaError(c, err)
	}

	return c.JSON(result)
}

func (h *APIHandlers) SignalRun(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Run ID is required")
	}

	var req SignalRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	err := h.orchestrator.Signal(c.Context(), id, req.Type, req.Data)
	if err != nil {
		return handleSagaError(c, err)
	}

	return c.SendStatus(fiber.StatusAccepted)
}

func (h *APIHandlers) CancelRun(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Run ID is required")
	}

	err := h.orchestrator.Cancel(c.Context(), id)
	if err != nil {
		return handleSagaError(c, err)
	}

	return c.SendStatus(fiber.StatusAccepted)
}

func (h *APIHandlers) ListSagas(c fiber.Ctx) error {
	return c.JSON(fiber.Map{"sagas": h.registry.Names()})
}

func (h *APIHandlers) CreateSchedule(c fiber.Ctx) error {
	var req CreateScheduleRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	policy := models.OverlapPolicy(req.OverlapPolicy)
	if policy == "" {
		policy = models.OverlapSkip
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	sched := &models.Schedule{
		ID:            req.ID,
		CronExpr:      req.CronExpr,
		SagaName:      req.SagaName,
		OverlapPolicy: policy,
		Input:         req.Input,
		Enabled:       enabled,
	}

	err := h.driver.Register(c.Context(), sched)
	if err != nil {
		return handleSagaError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(sched)
}

func (h *APIHandlers) ListSchedules(c fiber.Ctx) error {
	schedules, err := h.persistence.Schedules(c.Context())
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(fiber.Map{"schedules": schedules})
}

func (h *APIHandlers) GetSchedule(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Schedule ID is required")
	}

	sched, err := h.persistence.ScheduleByID(c.Context(), id)
	if err != nil {
		return handleSagaError(c, err)
	}

	return c.JSON(sched)
}

func (h *APIHandlers) DeleteSchedule(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Schedule ID is required")
	}

	err := h.driver.Unregister(c.Context(), id)
	if err != nil {
		return handleSagaError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

// HealthCheckURL probes an external URL synchronously.
func (h *APIHandlers) HealthCheckURL(c fiber.Ctx) error {
	url := c.Query("url")
	if url == "" {
		return badRequest(c, "url query parameter is required")
	}

	result, err := h.checker.Check(c.Context(), url)
	if err != nil {
		return internalError(c, err)
	}

	status := http.StatusOK
	if !result.OK {
		status = http.StatusServiceUnavailable
	}

	return c.Status(status).JSON(result)
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	repErr := h.persistence.HealthCheck(c.Context())

	status := "healthy"
	message := "Sagaflow API is healthy"
	httpStatus := http.StatusOK
	repositoryCheck := "ok"

	if repErr != nil {
		status = "unhealthy"
		message = "Sagaflow API is unhealthy"
		httpStatus = http.StatusInternalServerError
		repositoryCheck = repErr.Error()
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":  status,
		"message": message,
		"checkers": fiber.Map{
			"repository": repositoryCheck,
		},
		"timestamp": time.Now().UTC(),
	})
}
