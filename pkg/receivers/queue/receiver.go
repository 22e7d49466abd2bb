// Package queue provides a Redis-backed signal receiver. External systems
// push signal messages onto a list; the receiver pops them and delivers them
// to the orchestrator's inbox.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/lfarias/sagaflow/pkg/saga"
)

const (
	// DefaultQueue is the Redis list consumed when none is configured.
	DefaultQueue = "sagaflow:signals"

	popTimeout = 1 * time.Second
)

// signalMessage is the wire format pushed onto the Redis list.
type signalMessage struct {
	RunID string `json:"run_id"`
	Type  string `json:"type"`
	Data  any    `json:"data"`
}

// Receiver consumes signal messages from a Redis list with BLPOP and hands
// them to the orchestrator.
type Receiver struct {
	Addr     string
	Password string
	DB       int
	Queue    string

	client       redis.UniversalClient
	orchestrator *saga.Orchestrator
	logger       *slog.Logger
	stopCh       chan struct{}
	wg           sync.WaitGroup
}

func NewReceiver(addr, password string, db int, queue string, orchestrator *saga.Orchestrator, logger *slog.Logger) *Receiver {
	if queue == "" {
		queue = DefaultQueue
	}

	return &Receiver{
		Addr:         addr,
		Password:     password,
		DB:           db,
		Queue:        queue,
		orchestrator: orchestrator,
		stopCh:       make(chan struct{}),
		logger: logger.With(
			"module", "queue_receiver",
			"queue", queue,
		),
	}
}

// Start connects to Redis and begins consuming in the background.
func (r *Receiver) Start(ctx context.Context) error {
	addr := r.Addr
	if addr == "" {
		addr = "localhost:6379"
	}

	r.client = redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: r.Password,
		DB:       r.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := r.client.Ping(pingCtx).Err()
	if err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	r.logger.InfoContext(ctx, "Starting signal queue receiver", "addr", addr, "db", r.DB)

	r.wg.Add(1)

	go r.consume(ctx)

	return nil
}

func (r *Receiver) consume(ctx context.Context) {
	defer r.wg.Done()

	for {
		select {
		case <-r.stopCh:
			r.logger.InfoContext(ctx, "Queue receiver stopped")

			return
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "Context cancelled, stopping queue receiver")

			return
		default:
			err := r.processMessage(ctx)
			if err != nil {
				r.logger.ErrorContext(ctx, "Error processing signal message", "error", err)
				time.Sleep(1 * time.Second)
			}
		}
	}
}

func (r *Receiver) processMessage(ctx context.Context) error {
	result, err := r.client.BLPop(ctx, popTimeout, r.Queue).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
			return nil
		}

		return fmt.Errorf("failed to pop message from queue: %w", err)
	}

	if len(result) < 2 {
		return nil
	}

	var message signalMessage
	if err := json.Unmarshal([]byte(result[1]), &message); err != nil {
		r.logger.WarnContext(ctx, "Discarding malformed signal message", "error", err)

		return nil
	}

	if message.RunID == "" || message.Type == "" {
		r.logger.WarnContext(ctx, "Discarding signal message without run_id or type")

		return nil
	}

	err = r.orchestrator.Signal(ctx, message.RunID, message.Type, message.Data)
	if err != nil {
		if saga.IsUnknownRun(err) {
			r.logger.WarnContext(ctx, "Signal for unknown or finished run",
				"run_id", message.RunID, "type", message.Type)

			return nil
		}

		return fmt.Errorf("failed to deliver signal: %w", err)
	}

	r.logger.InfoContext(ctx, "Delivered signal", "run_id", message.RunID, "type", message.Type)

	return nil
}

// Stop halts consumption and closes the Redis connection.
func (r *Receiver) Stop(ctx context.Context) error {
	r.logger.InfoContext(ctx, "Stopping queue receiver")

	close(r.stopCh)
	r.wg.Wait()

	if r.client != nil {
		err := r.client.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "Error closing Redis client", "error", err)
		}
	}

	return nil
}
