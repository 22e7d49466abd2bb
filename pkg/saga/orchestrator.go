package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/lfarias/sagaflow/pkg/eventbus"
	"github.com/lfarias/sagaflow/pkg/events"
	"github.com/lfarias/sagaflow/pkg/models"
	"github.com/lfarias/sagaflow/pkg/otelhelper"
	"github.com/lfarias/sagaflow/pkg/persistence"
)

// Orchestrator drives saga runs through their state machine:
//
//	PENDING -> RUNNING -> (SUCCEEDED | AWAITING_SIGNALS -> SUCCEEDED |
//	                       TIMED_OUT | FAILED)
//
// Each run executes in its own goroutine, strictly sequentially; the only
// suspension points are an activity call, a compensation call, and the final
// signal wait. Every transition is checkpointed to the Run Registry before
// the orchestrator advances.
type Orchestrator struct {
	registry      *Registry
	persistence   persistence.Persistence
	eventBus      eventbus.EventBus
	activities    *ActivityExecutor
	compensations *CompensationExecutor
	inboxes       *inboxes
	validate      *validator.Validate
	logger        *slog.Logger
	tracer        trace.Tracer

	ctx    context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	cancel map[string]context.CancelFunc
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithTracer attaches an OpenTelemetry tracer; runs and steps get spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = tracer }
}

// NewOrchestrator wires the orchestrator. The event bus may be nil, in which
// case lifecycle events are not published.
func NewOrchestrator(
	registry *Registry,
	store persistence.Persistence,
	eventBus eventbus.EventBus,
	logger *slog.Logger,
	opts ...Option,
) *Orchestrator {
	ctx, stop := context.WithCancel(context.Background())

	o := &Orchestrator{
		registry:      registry,
		persistence:   store,
		eventBus:      eventBus,
		activities:    NewActivityExecutor(logger),
		compensations: NewCompensationExecutor(logger),
		inboxes:       newInboxes(),
		validate:      validator.New(validator.WithRequiredStructEnabled()),
		logger:        logger.With("module", "saga_orchestrator"),
		ctx:           ctx,
		stop:          stop,
		cancel:        make(map[string]context.CancelFunc),
	}

	for _, opt := range opts {
		opt(o)
	}

	return o
}

// StartRun creates a PENDING run and schedules it for execution. Fails with
// ErrDuplicateRun when a non-terminal run for the same saga carries the same
// job id.
func (o *Orchestrator) StartRun(ctx context.Context, sagaName, jobID string, input map[string]any) (string, error) {
	return o.startRun(ctx, sagaName, jobID, "", input)
}

// StartScheduledRun is StartRun with the originating schedule recorded on
// the run, so the Schedule Driver can track its own firings.
func (o *Orchestrator) StartScheduledRun(ctx context.Context, sagaName, jobID, scheduleID string, input map[string]any) (string, error) {
	return o.startRun(ctx, sagaName, jobID, scheduleID, input)
}

func (o *Orchestrator) startRun(ctx context.Context, sagaName, jobID, scheduleID string, input map[string]any) (string, error) {
	if _, err := o.registry.Get(sagaName); err != nil {
		return "", err
	}

	if _, err := o.persistence.ActiveRunByJob(ctx, sagaName, jobID); err == nil {
		return "", fmt.Errorf("%w: saga %s job %s", ErrDuplicateRun, sagaName, jobID)
	} else if !persistence.IsRunNotFound(err) {
		return "", err
	}

	run := &models.Run{
		ID:         "run-" + uuid.New().String(),
		SagaName:   sagaName,
		JobID:      jobID,
		Input:      input,
		Status:     models.RunStatusPending,
		Details:    make(map[string]any),
		Signals:    make(map[string]*models.Signal),
		ScheduleID: scheduleID,
		CreatedAt:  time.Now().UTC(),
	}

	if err := o.validate.Struct(run); err != nil {
		return "", fmt.Errorf("invalid run: %w", err)
	}

	// The pre-check above is advisory; the registry enforces the rule, so a
	// concurrent create racing past the check still loses here.
	if err := o.persistence.CreateRun(ctx, run); err != nil {
		if persistence.IsDuplicateActiveJob(err) {
			return "", fmt.Errorf("%w: saga %s job %s", ErrDuplicateRun, sagaName, jobID)
		}

		return "", err
	}

	o.spawn(run)

	return run.ID, nil
}

// Signal delivers a named event to a run's inbox. Delivery is idempotent per
// type: a repeat overwrites the stored value and timestamp. Fails with
// ErrUnknownRun when the run does not exist or is already terminal.
func (o *Orchestrator) Signal(ctx context.Context, runID, signalType string, data any) error {
	if signalType == "" {
		return fmt.Errorf("%w: empty signal type", ErrInvalidSignal)
	}

	var run *models.Run

	for {
		var err error

		run, err = o.persistence.RunByID(ctx, runID)
		if err != nil {
			if persistence.IsRunNotFound(err) {
				return fmt.Errorf("%w: %s", ErrUnknownRun, runID)
			}

			return err
		}

		if run.Status.IsTerminal() {
			return fmt.Errorf("%w: run %s is %s", ErrUnknownRun, runID, run.Status)
		}

		if def, err := o.registry.Get(run.SagaName); err == nil {
			if err := validateSignalPayload(def, signalType, data); err != nil {
				return err
			}
		}

		run.RecordSignal(&models.Signal{
			Type:       signalType,
			Data:       data,
			ReceivedAt: time.Now().UTC(),
		})

		err = o.persistence.UpdateRun(ctx, run, run.Version)
		if err == nil {
			break
		}

		if !persistence.IsVersionConflict(err) {
			return err
		}
		// Lost the write race against the orchestrator or another sender.
		// Reload and retry with fresh state.
	}

	o.inboxes.notify(runID)

	o.publish(ctx, runID, events.SignalReceived{
		BaseEvent:  o.baseEvent(events.SignalReceivedEvent, run),
		SignalType: signalType,
		Data:       data,
	})

	return nil
}

// Result is the caller-visible view of a run.
type Result struct {
	RunID      string           `json:"run_id"`
	Status     models.RunStatus `json:"status"`
	Details    map[string]any   `json:"details"`
	Error      string           `json:"error,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	TerminalAt *time.Time       `json:"terminal_at,omitempty"`
}

// GetResult is a non-blocking read of a run's current or terminal state.
func (o *Orchestrator) GetResult(ctx context.Context, runID string) (*Result, error) {
	run, err := o.persistence.RunByID(ctx, runID)
	if err != nil {
		if persistence.IsRunNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownRun, runID)
		}

		return nil, err
	}

	return &Result{
		RunID:      run.ID,
		Status:     run.Status,
		Details:    run.Details,
		Error:      run.Error,
		CreatedAt:  run.CreatedAt,
		TerminalAt: run.TerminalAt,
	}, nil
}

// Cancel requests that a run short-circuit its remaining steps and unwind as
// if the in-flight step had failed. Cancelling a terminal run is a no-op.
func (o *Orchestrator) Cancel(ctx context.Context, runID string) error {
	for {
		run, err := o.persistence.RunByID(ctx, runID)
		if err != nil {
			if persistence.IsRunNotFound(err) {
				return fmt.Errorf("%w: %s", ErrUnknownRun, runID)
			}

			return err
		}

		if run.Status.IsTerminal() {
			return nil
		}

		run.CancelRequested = true

		err = o.persistence.UpdateRun(ctx, run, run.Version)
		if err == nil {
			break
		}

		if !persistence.IsVersionConflict(err) {
			return err
		}
	}

	o.mu.Lock()
	cancel := o.cancel[runID]
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	return nil
}

// Recover resumes every non-terminal run from its last durable checkpoint.
// Completed steps are never re-executed.
func (o *Orchestrator) Recover(ctx context.Context) error {
	runs, err := o.persistence.ActiveRuns(ctx)
	if err != nil {
		return fmt.Errorf("failed to list active runs: %w", err)
	}

	for _, run := range runs {
		o.logger.InfoContext(ctx, "Resuming run from checkpoint",
			"run_id", run.ID, "saga", run.SagaName,
			"status", run.Status, "current_step", run.CurrentStep)
		o.spawn(run)
	}

	return nil
}

// Stop cancels all running sagas and waits for their goroutines, bounded by
// the context. Runs stay at their last durable checkpoint for a later
// Recover.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.stop()

	done := make(chan struct{})

	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) spawn(run *models.Run) {
	runCtx, cancel := context.WithCancel(o.ctx)

	o.mu.Lock()
	o.cancel[run.ID] = cancel
	o.mu.Unlock()

	o.wg.Add(1)

	go func() {
		defer o.wg.Done()
		defer o.release(run.ID)
		o.execute(runCtx, run)
	}()
}

func (o *Orchestrator) release(runID string) {
	o.mu.Lock()
	if cancel, ok := o.cancel[runID]; ok {
		cancel()
		delete(o.cancel, runID)
	}
	o.mu.Unlock()

	o.inboxes.drop(runID)
}

// execute drives one run to a terminal status, or leaves it at its last
// durable checkpoint when the process is shutting down or the registry
// rejects a write.
func (o *Orchestrator) execute(ctx context.Context, run *models.Run) {
	logger := o.logger.With("run_id", run.ID, "saga", run.SagaName, "job_id", run.JobID)
	started := time.Now()

	def, err := o.registry.Get(run.SagaName)
	if err != nil {
		logger.Error("Run references an unregistered saga", "error", err)
		o.failWithoutUnwind(ctx, logger, run, started, err)

		return
	}

	if o.tracer != nil {
		var span trace.Span

		ctx, span = o.tracer.Start(ctx, "saga.run",
			trace.WithAttributes(
				attribute.String(otelhelper.RunIDKey, run.ID),
				attribute.String(otelhelper.SagaNameKey, run.SagaName),
				attribute.String(otelhelper.JobIDKey, run.JobID),
			))
		defer span.End()
	}

	if run.Status == models.RunStatusPending {
		run.Status = models.RunStatusRunning
		if err := o.checkpoint(ctx, run); err != nil {
			o.halt(logger, run, err)

			return
		}

		o.publish(ctx, run.ID, events.RunStarted{
			BaseEvent:  o.baseEvent(events.RunStartedEvent, run),
			JobID:      run.JobID,
			ScheduleID: run.ScheduleID,
			Input:      run.Input,
		})
	}

	if run.Status == models.RunStatusRunning {
		// A non-empty error at this point means the process died mid-unwind.
		if run.Error != "" {
			o.unwind(ctx, logger, def, run, started, errors.New(run.Error))

			return
		}

		if done := o.step(ctx, logger, def, run, started); done {
			return
		}

		if len(def.RequiredSignals) == 0 {
			o.finish(ctx, logger, run, models.RunStatusSucceeded, started)

			return
		}

		run.Status = models.RunStatusAwaitingSignals
		if err := o.checkpoint(ctx, run); err != nil {
			o.halt(logger, run, err)

			return
		}

		logger.Info("All steps completed, awaiting confirmation signals",
			"required", def.RequiredSignals, "deadline", def.signalDeadline())
	}

	if run.Status == models.RunStatusAwaitingSignals {
		satisfied := o.awaitSignals(ctx, logger, def, run)

		switch {
		case satisfied:
			o.finish(ctx, logger, run, models.RunStatusSucceeded, started)
		case run.CancelRequested:
			o.unwind(ctx, logger, def, run, started, errors.New("run cancelled"))
		case ctx.Err() != nil:
			// Shutting down; leave the run awaiting for a later Recover.
			logger.Info("Interrupted while awaiting signals, leaving checkpoint")
		default:
			run.Error = "required confirmation signals not received before deadline"
			o.finish(ctx, logger, run, models.RunStatusTimedOut, started)
		}
	}
}

// step executes steps from the checkpointed index onward. It returns true
// when the run reached a terminal state (or halted) and execute should stop.
func (o *Orchestrator) step(ctx context.Context, logger *slog.Logger, def *Definition, run *models.Run, started time.Time) bool {
	for run.CurrentStep < len(def.Steps) {
		if run.CancelRequested || ctx.Err() != nil {
			if o.refreshCancelled(ctx, run) {
				o.unwind(ctx, logger, def, run, started, errors.New("run cancelled"))
			} else {
				o.halt(logger, run, ctx.Err())
			}

			return true
		}

		step := def.Steps[run.CurrentStep]
		stepStarted := time.Now()

		stepLogger := logger.With("step", step.Name, "position", run.CurrentStep)
		stepLogger.Info("Executing step")

		result, err := o.executeStep(ctx, run, step)
		if err != nil {
			stepLogger.Warn("Step failed, starting unwind", "error", err)

			o.publish(ctx, run.ID, events.StepFailed{
				BaseEvent: o.baseEvent(events.StepFailedEvent, run),
				StepName:  step.Name,
				Error:     err.Error(),
				Duration:  time.Since(stepStarted),
			})

			if o.refreshCancelled(ctx, run) {
				err = errors.New("run cancelled")
			}

			o.unwind(ctx, logger, def, run, started, err)

			return true
		}

		run.StepsCompleted = append(run.StepsCompleted, step.Name)
		run.SetDetail(step.Name, result)
		run.CurrentStep++

		if err := o.checkpoint(ctx, run); err != nil {
			o.halt(logger, run, err)

			return true
		}

		stepLogger.Info("Step completed", "duration", time.Since(stepStarted))

		o.publish(ctx, run.ID, events.StepCompleted{
			BaseEvent: o.baseEvent(events.StepCompletedEvent, run),
			StepName:  step.Name,
			Result:    result,
			Duration:  time.Since(stepStarted),
		})
	}

	return false
}

func (o *Orchestrator) executeStep(ctx context.Context, run *models.Run, step Step) (any, error) {
	if o.tracer == nil {
		return o.activities.Execute(ctx, run.ID, step, run.Input)
	}

	stepCtx, span := o.tracer.Start(ctx, "saga.step",
		trace.WithAttributes(
			attribute.String(otelhelper.RunIDKey, run.ID),
			attribute.String(otelhelper.StepNameKey, step.Name),
		))
	defer span.End()

	result, err := o.activities.Execute(stepCtx, run.ID, step, run.Input)
	if err != nil {
		otelhelper.RecordError(span, err)
	}

	return result, err
}

// unwind compensates completed steps in strict reverse order, at most once
// per step per run, then marks the run FAILED. Compensation failures are
// recorded under a reserved details key and never escalate.
func (o *Orchestrator) unwind(ctx context.Context, logger *slog.Logger, def *Definition, run *models.Run, started time.Time, cause error) {
	cancelled := run.CancelRequested

	run.Error = cause.Error()
	run.SetDetail("error", cause.Error())

	// Unwind is only entered deliberately, and the run context may already be
	// cancelled when it starts (Cancel fired mid-step). Compensations and the
	// registry writes recording them must outlive that cancellation.
	ctx = context.WithoutCancel(ctx)

	// Record the failure before compensating, so a crash mid-unwind resumes
	// the unwind instead of re-running steps.
	if err := o.checkpoint(ctx, run); err != nil {
		o.halt(logger, run, err)

		return
	}

	for i := len(run.StepsCompleted) - 1; i >= 0; i-- {
		name := run.StepsCompleted[i]

		step, ok := def.stepByName(name)
		if !ok || step.Compensation == nil {
			continue
		}

		if run.Compensated(name) {
			continue
		}

		compErr := o.compensations.Compensate(ctx, run.ID, step, run.Input)

		compensationName := step.CompensationName
		if compensationName == "" {
			compensationName = name + ".compensate"
		}

		errText := ""
		if compErr != nil {
			errText = compErr.Error()
			run.SetDetail("error.compensation."+name, errText)
		}

		run.CompensatedSteps = append(run.CompensatedSteps, name)

		if err := o.checkpoint(ctx, run); err != nil {
			o.halt(logger, run, err)

			return
		}

		o.publish(ctx, run.ID, events.CompensationApplied{
			BaseEvent:        o.baseEvent(events.CompensationAppliedEvent, run),
			StepName:         name,
			CompensationName: compensationName,
			Error:            errText,
		})
	}

	if cancelled {
		o.finishWith(ctx, logger, run, models.RunStatusFailed, started, events.RunCancelledEvent)

		return
	}

	o.finish(ctx, logger, run, models.RunStatusFailed, started)
}

// awaitSignals suspends the run until the required confirmation signals have
// all arrived, the deadline elapses, the run is cancelled, or the process
// shuts down. It never polls: wake-ups come from signal delivery or the
// deadline timer.
func (o *Orchestrator) awaitSignals(ctx context.Context, logger *slog.Logger, def *Definition, run *models.Run) bool {
	timer := time.NewTimer(def.signalDeadline())
	defer timer.Stop()

	for {
		if run.HasSignals(def.RequiredSignals) {
			return true
		}

		if run.CancelRequested {
			return false
		}

		wake := o.inboxes.watch(run.ID)

		// Re-read after registering the watch so a delivery racing with it is
		// not missed.
		if err := o.refresh(ctx, run); err != nil {
			if ctx.Err() != nil {
				return false
			}

			logger.Error("Failed to reload run while awaiting signals", "error", err)
		}

		if run.HasSignals(def.RequiredSignals) {
			return true
		}

		if run.CancelRequested {
			return false
		}

		select {
		case <-wake:
			_ = o.refresh(ctx, run)
		case <-timer.C:
			_ = o.refresh(ctx, run)

			return run.HasSignals(def.RequiredSignals)
		case <-ctx.Done():
			_ = o.refresh(context.WithoutCancel(ctx), run)

			return run.HasSignals(def.RequiredSignals)
		}
	}
}

// refresh replaces the in-memory run with the stored record, picking up
// concurrently delivered signals and cancel requests.
func (o *Orchestrator) refresh(ctx context.Context, run *models.Run) error {
	stored, err := o.persistence.RunByID(ctx, run.ID)
	if err != nil {
		return err
	}

	*run = *stored

	return nil
}

func (o *Orchestrator) refreshCancelled(ctx context.Context, run *models.Run) bool {
	if run.CancelRequested {
		return true
	}

	stored, err := o.persistence.RunByID(context.WithoutCancel(ctx), run.ID)
	if err != nil {
		return false
	}

	// Adopting the stored version means the next checkpoint wins its CAS, so
	// concurrently delivered signals must come along too.
	for _, signal := range stored.Signals {
		run.RecordSignal(signal)
	}

	run.CancelRequested = stored.CancelRequested
	run.Version = stored.Version

	return run.CancelRequested
}

func (o *Orchestrator) finish(ctx context.Context, logger *slog.Logger, run *models.Run, status models.RunStatus, started time.Time) {
	var eventType events.EventType

	switch status {
	case models.RunStatusSucceeded:
		eventType = events.RunSucceededEvent
	case models.RunStatusTimedOut:
		eventType = events.RunTimedOutEvent
	default:
		eventType = events.RunFailedEvent
	}

	o.finishWith(ctx, logger, run, status, started, eventType)
}

func (o *Orchestrator) finishWith(ctx context.Context, logger *slog.Logger, run *models.Run, status models.RunStatus, started time.Time, eventType events.EventType) {
	now := time.Now().UTC()
	run.Status = status
	run.TerminalAt = &now

	if err := o.checkpoint(ctx, run); err != nil {
		o.halt(logger, run, err)

		return
	}

	logger.Info("Run finished", "status", status, "duration", time.Since(started))

	finished := events.RunFinished{
		BaseEvent:  o.baseEvent(eventType, run),
		Status:     status,
		ScheduleID: run.ScheduleID,
		Details:    run.Details,
		Error:      run.Error,
		Duration:   time.Since(started),
	}

	switch eventType {
	case events.RunSucceededEvent:
		o.publish(ctx, run.ID, events.RunSucceeded{RunFinished: finished})
	case events.RunTimedOutEvent:
		o.publish(ctx, run.ID, events.RunTimedOut{RunFinished: finished})
	case events.RunCancelledEvent:
		o.publish(ctx, run.ID, events.RunCancelled{RunFinished: finished})
	default:
		o.publish(ctx, run.ID, events.RunFailed{RunFinished: finished})
	}
}

// failWithoutUnwind marks a run FAILED when no step has executed, e.g. the
// saga name is unknown at resume time.
func (o *Orchestrator) failWithoutUnwind(ctx context.Context, logger *slog.Logger, run *models.Run, started time.Time, cause error) {
	run.Error = cause.Error()
	run.SetDetail("error", cause.Error())
	o.finish(ctx, logger, run, models.RunStatusFailed, started)
}

// checkpoint persists the run with compare-and-swap. Conflicting writes can
// only come from signal delivery or a cancel request, so on conflict those
// fields are merged from the stored record and the write retried.
func (o *Orchestrator) checkpoint(ctx context.Context, run *models.Run) error {
	for {
		err := o.persistence.UpdateRun(ctx, run, run.Version)
		if err == nil {
			return nil
		}

		if !persistence.IsVersionConflict(err) {
			return err
		}

		stored, loadErr := o.persistence.RunByID(ctx, run.ID)
		if loadErr != nil {
			return loadErr
		}

		for _, signal := range stored.Signals {
			run.RecordSignal(signal)
		}

		run.CancelRequested = run.CancelRequested || stored.CancelRequested
		run.Version = stored.Version
	}
}

// halt logs a storage failure and leaves the run at its last durable
// checkpoint. The run is neither advanced nor marked terminal; a later
// Recover picks it up.
func (o *Orchestrator) halt(logger *slog.Logger, run *models.Run, err error) {
	logger.Error("Halting run at last durable checkpoint",
		"status", run.Status, "current_step", run.CurrentStep, "error", err)
}

func (o *Orchestrator) baseEvent(eventType events.EventType, run *models.Run) events.BaseEvent {
	return events.BaseEvent{
		ID:        "evt-" + uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		RunID:     run.ID,
		SagaName:  run.SagaName,
	}
}

func (o *Orchestrator) publish(ctx context.Context, key string, event eventbus.Event) {
	if o.eventBus == nil {
		return
	}

	if err := o.eventBus.Publish(context.WithoutCancel(ctx), key, event); err != nil {
		o.logger.Warn("Failed to publish event", "event_type", event.GetType(), "error", err)
	}
}
