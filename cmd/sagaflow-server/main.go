package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	cli "github.com/urfave/cli/v3"

	"github.com/lfarias/sagaflow/pkg/activities/httpcheck"
	"github.com/lfarias/sagaflow/pkg/cmd"
	"github.com/lfarias/sagaflow/pkg/log"
	"github.com/lfarias/sagaflow/pkg/otelhelper"
	"github.com/lfarias/sagaflow/pkg/receivers/queue"
	"github.com/lfarias/sagaflow/pkg/saga"
	"github.com/lfarias/sagaflow/pkg/schedule"
)

const (
	defaultPort     = 9091
	shutdownTimeout = 30 * time.Second
)

func main() {
	command := &cli.Command{
		Name:                  "sagaflow-server",
		Usage:                 "Run sagas, deliver signals, and manage schedules",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for the run registry",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (kafka, gochannel)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "signal-queue-addr",
				Usage:   "Redis address for the signal queue receiver (disabled when empty)",
				Sources: cli.EnvVars("SIGNAL_QUEUE_ADDR"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: run,
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}

func run(ctx context.Context, command *cli.Command) error {
	log.Setup(command.String("log-level"))

	logger := log.WithModule("sagaflow-server")

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.InfoContext(ctx, "Initializing Sagaflow server")

	store, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
	if err != nil {
		return err
	}

	defer func() {
		if err := store.Close(ctx); err != nil {
			logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
		}
	}()

	eventBus, err := cmd.NewEventBus(command.String("event-bus"), logger)
	if err != nil {
		return err
	}

	defer func() {
		if err := eventBus.Close(); err != nil {
			logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
		}
	}()

	httpClient := &http.Client{Timeout: 10 * time.Second}
	checker := httpcheck.NewActivity(httpClient, logger)

	registry := saga.NewRegistry()
	if err := registry.Register(httpcheck.Definition(httpClient, logger)); err != nil {
		return err
	}

	var opts []saga.Option

	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
		tracer, err := otelhelper.NewTracer(ctx, "sagaflow-server")
		if err != nil {
			logger.WarnContext(ctx, "Tracing disabled", "error", err)
		} else {
			opts = append(opts, saga.WithTracer(tracer))
		}
	}

	orchestrator := saga.NewOrchestrator(registry, store, eventBus, logger, opts...)

	if err := orchestrator.Recover(ctx); err != nil {
		return err
	}

	driver := schedule.NewDriver(orchestrator, store, logger)
	if err := driver.Start(ctx); err != nil {
		return err
	}

	api := NewAPI(logger, store, registry, orchestrator, driver, eventBus, checker)
	if err := api.SubscribeDriver(ctx); err != nil {
		return err
	}

	if addr := command.String("signal-queue-addr"); addr != "" {
		receiver := queue.NewReceiver(addr, "", 0, "", orchestrator, logger)
		if err := receiver.Start(ctx); err != nil {
			return err
		}

		defer func() {
			if err := receiver.Stop(ctx); err != nil {
				logger.ErrorContext(ctx, "Failed to stop queue receiver", "error", err)
			}
		}()
	}

	errCh := make(chan error, 1)

	go func() {
		errCh <- api.Start(command.Int("port"))
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := api.Shutdown(shutdownCtx); err != nil {
		logger.ErrorContext(shutdownCtx, "Failed to stop API server", "error", err)
	}

	if err := driver.Stop(shutdownCtx); err != nil {
		logger.ErrorContext(shutdownCtx, "Failed to stop schedule driver", "error", err)
	}

	if err := orchestrator.Stop(shutdownCtx); err != nil {
		logger.ErrorContext(shutdownCtx, "Failed to stop orchestrator", "error", err)
	}

	return nil
}
