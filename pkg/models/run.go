// Package models defines the core domain models for durable saga orchestration.
package models

import "time"

// RunStatus represents the lifecycle state of a saga run.
type RunStatus string

const (
	RunStatusPending         RunStatus = "pending"          // Created, not yet picked up
	RunStatusRunning         RunStatus = "running"          // Executing steps
	RunStatusAwaitingSignals RunStatus = "awaiting_signals" // All steps done, waiting for confirmations
	RunStatusSucceeded       RunStatus = "succeeded"        // Terminal
	RunStatusFailed          RunStatus = "failed"           // Terminal, unwound
	RunStatusTimedOut        RunStatus = "timed_out"        // Terminal, confirmations missed the deadline
)

// IsTerminal reports whether the status admits no further transitions.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed || s == RunStatusTimedOut
}

// Run is the durable record of a single saga execution. Every state
// transition is checkpointed through the registry before the orchestrator
// advances, so a Run carries enough state to resume after a crash.
type Run struct {
	ID               string             `json:"id"`
	SagaName         string             `json:"saga_name"  validate:"required"`
	JobID            string             `json:"job_id"     validate:"required"`
	Input            map[string]any     `json:"input,omitempty"`
	Status           RunStatus          `json:"status"`
	CurrentStep      int                `json:"current_step"` // Index of the next step to execute
	StepsCompleted   []string           `json:"steps_completed"`
	CompensatedSteps []string           `json:"compensated_steps,omitempty"` // Unwind progress, so a crashed unwind never re-applies a compensation
	Details          map[string]any     `json:"details"`
	Signals          map[string]*Signal `json:"signals,omitempty"` // Latest signal per type, persisted with the run
	CancelRequested  bool               `json:"cancel_requested,omitempty"`
	Error            string             `json:"error,omitempty"`
	ScheduleID       string             `json:"schedule_id,omitempty"` // Set when the run was created by a schedule firing
	Version          int64              `json:"version"`               // Compare-and-swap token, incremented on every write
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
	TerminalAt       *time.Time         `json:"terminal_at,omitempty"`
}

// SetDetail merges a captured result into the run's details map.
func (r *Run) SetDetail(key string, value any) {
	if r.Details == nil {
		r.Details = make(map[string]any)
	}

	r.Details[key] = value
}

// RecordSignal stores a signal on the run, overwriting any earlier signal of
// the same type.
func (r *Run) RecordSignal(signal *Signal) {
	if r.Signals == nil {
		r.Signals = make(map[string]*Signal)
	}

	r.Signals[signal.Type] = signal
	r.SetDetail(signal.Type, signal.Data)
}

// Compensated reports whether the named step's compensation was already
// attempted during this run's unwind.
func (r *Run) Compensated(stepName string) bool {
	for _, name := range r.CompensatedSteps {
		if name == stepName {
			return true
		}
	}

	return false
}

// HasSignals reports whether every listed signal type has been received.
func (r *Run) HasSignals(types []string) bool {
	for _, t := range types {
		if _, ok := r.Signals[t]; !ok {
			return false
		}
	}

	return true
}
