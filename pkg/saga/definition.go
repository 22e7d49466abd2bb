// Package saga implements the durable saga orchestration core: registered
// saga definitions, the activity and compensation executors, the per-run
// signal inbox, and the orchestrator state machine that drives a run from
// PENDING to a terminal status with checkpoints persisted at every
// transition.
package saga

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DefaultStepTimeout bounds a single activity invocation when the step does
// not set its own budget.
const DefaultStepTimeout = 30 * time.Second

// DefaultSignalDeadline bounds the confirmation wait after all steps
// succeeded.
const DefaultSignalDeadline = 10 * time.Minute

// Activity is a single named unit of remote work invoked as one saga step.
// Implementations own no orchestration state; all bookkeeping belongs to the
// orchestrator.
type Activity interface {
	Execute(ctx context.Context, runID string, input map[string]any) (any, error)
}

// ActivityFunc adapts a function to the Activity interface.
type ActivityFunc func(ctx context.Context, runID string, input map[string]any) (any, error)

func (f ActivityFunc) Execute(ctx context.Context, runID string, input map[string]any) (any, error) {
	return f(ctx, runID, input)
}

// Compensation is the undo action paired with a step, invoked during unwind.
type Compensation interface {
	Compensate(ctx context.Context, runID string, input map[string]any) error
}

// CompensationFunc adapts a function to the Compensation interface.
type CompensationFunc func(ctx context.Context, runID string, input map[string]any) error

func (f CompensationFunc) Compensate(ctx context.Context, runID string, input map[string]any) error {
	return f(ctx, runID, input)
}

// Step defines one ordered unit of a saga. Steps are registered once per
// saga definition and shared read-only across runs.
type Step struct {
	Name             string
	Activity         Activity
	Compensation     Compensation // nil when the step is not compensable
	CompensationName string       // informational, defaults to "<name>.compensate"
	Timeout          time.Duration
	MaxAttempts      int // total attempts including the first; <=1 means no retries
}

// Definition declares a saga type: its ordered steps, the confirmation
// signals required before the run may succeed, and optional JSON schemas
// validated at the inbox boundary.
type Definition struct {
	Name            string
	Steps           []Step
	RequiredSignals []string
	SignalDeadline  time.Duration  // defaults to DefaultSignalDeadline
	SignalSchemas   map[string]any // JSON schema document per signal type
}

func (d *Definition) validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: definition name is required", ErrInvalidDefinition)
	}

	seen := make(map[string]bool, len(d.Steps))

	for _, step := range d.Steps {
		if step.Name == "" {
			return fmt.Errorf("%w: step name is required in saga %q", ErrInvalidDefinition, d.Name)
		}

		if seen[step.Name] {
			return fmt.Errorf("%w: duplicate step %q in saga %q", ErrInvalidDefinition, step.Name, d.Name)
		}

		seen[step.Name] = true

		if step.Activity == nil {
			return fmt.Errorf("%w: step %q in saga %q has no activity", ErrInvalidDefinition, step.Name, d.Name)
		}

		if step.Timeout < 0 {
			return fmt.Errorf("%w: step %q in saga %q has a negative timeout", ErrInvalidDefinition, step.Name, d.Name)
		}
	}

	return nil
}

func (d *Definition) stepByName(name string) (Step, bool) {
	for _, step := range d.Steps {
		if step.Name == name {
			return step, true
		}
	}

	return Step{}, false
}

func (d *Definition) signalDeadline() time.Duration {
	if d.SignalDeadline > 0 {
		return d.SignalDeadline
	}

	return DefaultSignalDeadline
}

// Registry holds saga definitions by name.
type Registry struct {
	mu          sync.RWMutex
	definitions map[string]*Definition
}

func NewRegistry() *Registry {
	return &Registry{definitions: make(map[string]*Definition)}
}

// Register adds a definition. Re-registering a name replaces the previous
// definition; in-flight runs keep the definition they started with only to
// the extent that step indexes still line up, so replacement is meant for
// process startup, not live reconfiguration.
func (r *Registry) Register(def *Definition) error {
	if err := def.validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.definitions[def.Name] = def

	return nil
}

// Get returns the definition for a saga name.
func (r *Registry) Get(name string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.definitions[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSaga, name)
	}

	return def, nil
}

// Names returns the registered saga names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.definitions))
	for name := range r.definitions {
		names = append(names, name)
	}

	return names
}
