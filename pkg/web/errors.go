package web

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"

	"github.com/lfarias/sagaflow/pkg/persistence"
	"github.com/lfarias/sagaflow/pkg/saga"
	"github.com/lfarias/sagaflow/pkg/schedule"
)

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(400).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func notFound(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(404).
		WithInstance(c.Path()).
		WithType("not_found").
		WithDetail(detail)

	return c.Status(fiber.StatusNotFound).JSON(problem)
}

func conflict(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(409).
		WithInstance(c.Path()).
		WithType("conflict").
		WithDetail(detail)

	return c.Status(fiber.StatusConflict).JSON(problem)
}

func internalError(c fiber.Ctx, err error) error {
	problem := problems.NewStatusProblem(500).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(problem)
}

// handleSagaError maps orchestrator and schedule driver errors onto problem
// responses.
func handleSagaError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, saga.ErrUnknownSaga):
		return notFound(c, err.Error())

	case saga.IsUnknownRun(err):
		return notFound(c, "run not found or already finished")

	case saga.IsDuplicateRun(err):
		return conflict(c, err.Error())

	case errors.Is(err, saga.ErrInvalidSignal):
		return badRequest(c, err.Error())

	case errors.Is(err, saga.ErrRunTerminal):
		return conflict(c, err.Error())

	case errors.Is(err, schedule.ErrInvalidSchedule):
		return badRequest(c, err.Error())

	case errors.Is(err, schedule.ErrUnknownSchedule):
		return notFound(c, "schedule not found")

	case persistence.IsRunNotFound(err):
		return notFound(c, "run not found")

	case persistence.IsScheduleNotFound(err):
		return notFound(c, "schedule not found")

	default:
		return internalError(c, err)
	}
}
