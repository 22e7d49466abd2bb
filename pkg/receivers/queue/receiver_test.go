package queue

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewReceiver(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	receiver := NewReceiver("localhost:6379", "", 2, "", nil, logger)

	assert.Equal(t, "localhost:6379", receiver.Addr)
	assert.Equal(t, 2, receiver.DB)
	assert.Equal(t, DefaultQueue, receiver.Queue)
}

func TestNewReceiver_CustomQueue(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	receiver := NewReceiver("localhost:6379", "secret", 0, "custom:signals", nil, logger)

	assert.Equal(t, "custom:signals", receiver.Queue)
	assert.Equal(t, "secret", receiver.Password)
}
