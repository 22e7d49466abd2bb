package saga

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInboxes_NotifyWakesWatcher(t *testing.T) {
	in := newInboxes()

	wake := in.watch("run-1")
	in.notify("run-1")

	select {
	case <-wake:
	case <-time.After(time.Second):
		t.Fatal("watcher was not woken")
	}

	// A fresh watch after notify blocks until the next delivery.
	next := in.watch("run-1")

	select {
	case <-next:
		t.Fatal("new watch channel already closed")
	default:
	}
}

func TestInboxes_NotifyWithoutWatcher(t *testing.T) {
	in := newInboxes()

	// Delivery before anyone waits must not panic, and the next watch still
	// observes subsequent deliveries.
	in.notify("run-1")

	wake := in.watch("run-1")
	in.notify("run-1")

	select {
	case <-wake:
	case <-time.After(time.Second):
		t.Fatal("watcher was not woken")
	}
}

func TestInboxes_Drop(t *testing.T) {
	in := newInboxes()

	in.watch("run-1")
	in.drop("run-1")

	in.mu.Lock()
	_, ok := in.wakes["run-1"]
	in.mu.Unlock()

	assert.False(t, ok)
}

func TestValidateSignalPayload(t *testing.T) {
	def := &Definition{
		Name: "settlement",
		SignalSchemas: map[string]any{
			"cleared": map[string]any{
				"type":     "object",
				"required": []string{"ref"},
				"properties": map[string]any{
					"ref": map[string]any{"type": "string"},
				},
			},
		},
	}

	require.NoError(t, validateSignalPayload(def, "cleared", map[string]any{"ref": "c-1"}))

	err := validateSignalPayload(def, "cleared", map[string]any{"ref": 42})
	require.ErrorIs(t, err, ErrInvalidSignal)

	// Types without a schema accept any payload.
	require.NoError(t, validateSignalPayload(def, "booked", "free-form"))
}
