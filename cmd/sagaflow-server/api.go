// Package main provides the sagaflow server: the HTTP API, the saga
// orchestrator, and the schedule driver in one process.
package main

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	fiberlogger "github.com/gofiber/fiber/v3/middleware/logger"

	"github.com/lfarias/sagaflow/pkg/activities/httpcheck"
	"github.com/lfarias/sagaflow/pkg/eventbus"
	"github.com/lfarias/sagaflow/pkg/events"
	"github.com/lfarias/sagaflow/pkg/persistence"
	"github.com/lfarias/sagaflow/pkg/saga"
	"github.com/lfarias/sagaflow/pkg/schedule"
	"github.com/lfarias/sagaflow/pkg/web"
)

type API struct {
	logger       *slog.Logger
	persistence  persistence.Persistence
	registry     *saga.Registry
	orchestrator *saga.Orchestrator
	driver       *schedule.Driver
	eventBus     eventbus.EventBus
	checker      *httpcheck.Activity
	validate     *validator.Validate

	app *fiber.App
}

func NewAPI(
	logger *slog.Logger,
	store persistence.Persistence,
	registry *saga.Registry,
	orchestrator *saga.Orchestrator,
	driver *schedule.Driver,
	eventBus eventbus.EventBus,
	checker *httpcheck.Activity,
) *API {
	return &API{
		logger:       logger,
		persistence:  store,
		registry:     registry,
		orchestrator: orchestrator,
		driver:       driver,
		eventBus:     eventBus,
		checker:      checker,
		validate:     validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	handlers := web.NewAPIHandlers(a.orchestrator, a.driver, a.persistence, a.registry, a.checker, a.validate)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(fiberlogger.New(fiberlogger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Sagaflow API")
	})

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

	return app
}

// SubscribeDriver routes terminal run events to the schedule driver so
// buffered firings get released.
func (a *API) SubscribeDriver(ctx context.Context) error {
	release := func(ctx context.Context, event any) error {
		if finished, ok := terminalEvent(event); ok {
			a.driver.HandleRunFinished(ctx, finished.ScheduleID, finished.RunID)
		}

		return nil
	}

	for _, eventType := range []events.EventType{
		events.RunSucceededEvent,
		events.RunFailedEvent,
		events.RunTimedOutEvent,
		events.RunCancelledEvent,
	} {
		if err := a.eventBus.Handle(eventType, release); err != nil {
			return err
		}
	}

	return a.eventBus.Subscribe(ctx)
}

func terminalEvent(event any) (*events.RunFinished, bool) {
	switch e := event.(type) {
	case *events.RunSucceeded:
		return &e.RunFinished, true
	case *events.RunFailed:
		return &e.RunFinished, true
	case *events.RunTimedOut:
		return &e.RunFinished, true
	case *events.RunCancelled:
		return &e.RunFinished, true
	default:
		return nil, false
	}
}

func (a *API) Start(port int) error {
	a.app = a.App()

	return a.app.Listen(":" + strconv.Itoa(port))
}

func (a *API) Shutdown(ctx context.Context) error {
	if a.app == nil {
		return nil
	}

	return a.app.ShutdownWithContext(ctx)
}
