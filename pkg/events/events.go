// Package events defines event types and structures for run lifecycle
// notifications.
package events

import (
	"time"

	"github.com/lfarias/sagaflow/pkg/models"
)

type EventType string

// Topic carries every run lifecycle event.
const Topic = "sagaflow.runs"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	RunStartedEvent          EventType = "run.started"
	StepCompletedEvent       EventType = "run.step.completed"
	StepFailedEvent          EventType = "run.step.failed"
	CompensationAppliedEvent EventType = "run.compensation.applied"
	SignalReceivedEvent      EventType = "run.signal.received"
	RunSucceededEvent        EventType = "run.succeeded"
	RunFailedEvent           EventType = "run.failed"
	RunTimedOutEvent         EventType = "run.timed_out"
	RunCancelledEvent        EventType = "run.cancelled"
)

type BaseEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	RunID     string         `json:"run_id"`
	SagaName  string         `json:"saga_name"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type RunStarted struct {
	BaseEvent

	JobID      string         `json:"job_id"`
	ScheduleID string         `json:"schedule_id,omitempty"`
	Input      map[string]any `json:"input,omitempty"`
}

func (e RunStarted) GetType() EventType { return RunStartedEvent }

type StepCompleted struct {
	BaseEvent

	StepName string        `json:"step_name"`
	Result   any           `json:"result,omitempty"`
	Duration time.Duration `json:"duration"`
}

func (e StepCompleted) GetType() EventType { return StepCompletedEvent }

type StepFailed struct {
	BaseEvent

	StepName string        `json:"step_name"`
	Error    string        `json:"error"`
	Duration time.Duration `json:"duration"`
}

func (e StepFailed) GetType() EventType { return StepFailedEvent }

type CompensationApplied struct {
	BaseEvent

	StepName         string `json:"step_name"`
	CompensationName string `json:"compensation_name"`
	Error            string `json:"error,omitempty"` // Set when the compensation itself failed
}

func (e CompensationApplied) GetType() EventType { return CompensationAppliedEvent }

type SignalReceived struct {
	BaseEvent

	SignalType string `json:"signal_type"`
	Data       any    `json:"data,omitempty"`
}

func (e SignalReceived) GetType() EventType { return SignalReceivedEvent }

// RunFinished is the shared shape of every terminal event.
type RunFinished struct {
	BaseEvent

	Status     models.RunStatus `json:"status"`
	ScheduleID string           `json:"schedule_id,omitempty"`
	Details    map[string]any   `json:"details,omitempty"`
	Error      string           `json:"error,omitempty"`
	Duration   time.Duration    `json:"duration"`
}

type RunSucceeded struct{ RunFinished }

func (e RunSucceeded) GetType() EventType { return RunSucceededEvent }

type RunFailed struct{ RunFinished }

func (e RunFailed) GetType() EventType { return RunFailedEvent }

type RunTimedOut struct{ RunFinished }

func (e RunTimedOut) GetType() EventType { return RunTimedOutEvent }

type RunCancelled struct{ RunFinished }

func (e RunCancelled) GetType() EventType { return RunCancelledEvent }
