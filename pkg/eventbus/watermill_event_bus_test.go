package eventbus_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lfarias/sagaflow/pkg/channels/gochannel"
	"github.com/lfarias/sagaflow/pkg/eventbus"
	"github.com/lfarias/sagaflow/pkg/events"
)

func newTestBus(t *testing.T) eventbus.EventBus {
	t.Helper()

	logger := watermill.NewSlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))

	pub, sub, err := gochannel.CreateTestChannel(logger)
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(pub, sub)

	t.Cleanup(func() { _ = bus.Close() })

	return bus
}

func TestWatermillEventBus_PublishAndHandle(t *testing.T) {
	bus := newTestBus(t)

	var (
		mu       sync.Mutex
		received []*events.StepCompleted
	)

	err := bus.Handle(events.StepCompletedEvent, func(_ context.Context, event any) error {
		completed, ok := event.(*events.StepCompleted)
		require.True(t, ok)

		mu.Lock()
		received = append(received, completed)
		mu.Unlock()

		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Subscribe(t.Context()))

	err = bus.Publish(t.Context(), "run-1", events.StepCompleted{
		BaseEvent: events.BaseEvent{
			ID:       bus.GenerateID(),
			Type:     events.StepCompletedEvent,
			RunID:    "run-1",
			SagaName: "provisioning",
		},
		StepName: "reserve",
		Result:   "reserved",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()

		return len(received) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "reserve", received[0].StepName)
	assert.Equal(t, "run-1", received[0].RunID)
}

func TestWatermillEventBus_UnhandledEventTypesAreDropped(t *testing.T) {
	bus := newTestBus(t)

	handled := make(chan struct{}, 1)

	err := bus.Handle(events.RunSucceededEvent, func(_ context.Context, _ any) error {
		handled <- struct{}{}

		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Subscribe(t.Context()))

	// No handler registered for RunStarted; the message is acked and skipped.
	err = bus.Publish(t.Context(), "run-1", events.RunStarted{
		BaseEvent: events.BaseEvent{ID: bus.GenerateID(), Type: events.RunStartedEvent, RunID: "run-1"},
	})
	require.NoError(t, err)

	err = bus.Publish(t.Context(), "run-1", events.RunSucceeded{
		RunFinished: events.RunFinished{
			BaseEvent: events.BaseEvent{ID: bus.GenerateID(), Type: events.RunSucceededEvent, RunID: "run-1"},
		},
	})
	require.NoError(t, err)

	select {
	case <-handled:
	case <-time.After(2 * time.Second):
		t.Fatal("terminal event was not handled")
	}
}

func TestWatermillEventBus_GenerateID(t *testing.T) {
	bus := newTestBus(t)

	first := bus.GenerateID()
	second := bus.GenerateID()

	assert.NotEmpty(t, first)
	assert.NotEqual(t, first, second)
}
