package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/edgelift/edgelift/pkg/config"
	"github.com/edgelift/edgelift/pkg/retry"
	"github.com/edgelift/edgelift/pkg/stores"
	"github.com/edgelift/edgelift/pkg/telemetry"
)

// State is the engine's lifecycle state.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// RequiredOutputs is the default completion gate: cross-step outputs that
// must exist before a deployment is declared successful, even when every
// step reports completed.
var RequiredOutputs = []string{"gatewayUrl", "apiKey", "webAppConfig"}

// Options configures an Engine.
type Options struct {
	// Logger receives structured engine logs. Defaults to a stderr logger.
	Logger *telemetry.Logger

	// Metrics records engine metrics. Optional.
	Metrics *telemetry.Metrics

	// Tracer records one span per deployment and one per step. Optional.
	Tracer trace.Tracer

	// RequiredOutputs overrides the completion gate key set.
	RequiredOutputs []string

	// EventBuffer sizes the progress event channel.
	EventBuffer int

	// PolicyForClass overrides the class-to-policy table. Test seam.
	PolicyForClass func(StepClass) retry.Policy

	// Sleep overrides settling waits. Test seam.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Engine drives one deployment through its fixed step pipeline: it consumes
// the state store's scheduling decisions, wraps each step handler in the
// step's retry policy, and validates output completeness at the end.
//
// One Engine instance serves one deployment at a time. Running two engines
// against the same persisted deployment concurrently is undefined behavior.
type Engine struct {
	store    stores.Store
	registry *Registry
	opts     Options

	logger  *telemetry.Logger
	metrics *telemetry.Metrics

	events chan ProgressEvent

	mu           sync.Mutex
	state        State
	deploymentID string
	paused       bool
	finished     bool
	cancelWaits  context.CancelFunc
}

// New creates an engine over the given store and step registry.
func New(store stores.Store, registry *Registry, opts Options) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("engine requires a store")
	}
	if registry == nil || registry.Len() == 0 {
		return nil, fmt.Errorf("engine requires a non-empty step registry")
	}

	if opts.Logger == nil {
		opts.Logger = telemetry.NewDefaultLogger()
	}
	if len(opts.RequiredOutputs) == 0 {
		opts.RequiredOutputs = RequiredOutputs
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 64
	}
	if opts.PolicyForClass == nil {
		opts.PolicyForClass = func(c StepClass) retry.Policy { return c.Policy() }
	}
	if opts.Sleep == nil {
		opts.Sleep = func(ctx context.Context, d time.Duration) error {
			if d <= 0 {
				return nil
			}
			select {
			case <-time.After(d):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	return &Engine{
		store:    store,
		registry: registry,
		opts:     opts,
		logger:   opts.Logger.WithComponent("engine"),
		metrics:  opts.Metrics,
		events:   make(chan ProgressEvent, opts.EventBuffer),
		state:    StateIdle,
	}, nil
}

// Events returns the engine's typed progress event stream. The channel is
// closed when the engine reaches a terminal state.
func (e *Engine) Events() <-chan ProgressEvent {
	return e.events
}

// State returns the engine's current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// DeploymentID returns the identifier of the deployment this engine drives.
func (e *Engine) DeploymentID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.deploymentID
}

// Pause requests a cooperative pause. The step currently in flight, including
// any internal parallel batch, is allowed to finish; no new step is
// dispatched after it.
func (e *Engine) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateRunning {
		e.paused = true
	}
}

// Cancel requests a cooperative stop. It is pause at the orchestration level:
// in-flight external calls within the current step are not forcibly aborted,
// but backoff and settling waits between attempts and steps end early.
func (e *Engine) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateRunning {
		return
	}
	e.paused = true
	if e.cancelWaits != nil {
		e.cancelWaits()
	}
}

// Start creates a fresh deployment from the config and runs it to a terminal
// or paused state. Any prior deployment handle held by this engine is
// dropped; persisted state of earlier runs is untouched.
func (e *Engine) Start(ctx context.Context, cfg *config.DeploymentConfig) error {
	if err := cfg.Validate(); err != nil {
		return NewPermanentError("deployment config rejected", err).WithCode(ErrCodeValidation)
	}

	raw, err := cfg.MarshalOpaque()
	if err != nil {
		return NewPermanentError("failed to serialize config", err).WithCode(ErrCodeValidation)
	}

	d, err := e.store.CreateDeployment(ctx, cfg.ProjectID, cfg.Region, raw, e.registry.StepNames())
	if err != nil {
		return NewPermanentError("failed to create deployment", err).WithCode(ErrCodeStoreFailed)
	}

	return e.run(ctx, d.ID)
}

// Resume loads an existing deployment and continues from the earliest
// non-completed step. No step is reset: completed steps are never
// re-executed, and a step found in_progress after a crash is re-run from
// scratch, relying on the handler idempotency contract.
//
// An engine that has already reached a terminal state refuses to run again;
// resume a failed deployment with a fresh engine over the same store.
func (e *Engine) Resume(ctx context.Context, deploymentID string) error {
	if _, err := e.store.GetDeployment(ctx, deploymentID); err != nil {
		return NewPermanentError("failed to load deployment", err).WithCode(ErrCodeStoreFailed)
	}
	return e.run(ctx, deploymentID)
}

// run is the main loop. It owns the Running state for its duration. An
// engine serves at most one terminal outcome: once finished, the event
// stream is closed and further runs are refused.
func (e *Engine) run(ctx context.Context, deploymentID string) error {
	e.mu.Lock()
	if e.finished {
		e.mu.Unlock()
		return fmt.Errorf("engine already finished deployment %s; create a new engine to run again", e.deploymentID)
	}
	if e.state == StateRunning {
		e.mu.Unlock()
		return fmt.Errorf("engine is already running deployment %s", e.deploymentID)
	}
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.state = StateRunning
	e.paused = false
	e.deploymentID = deploymentID
	e.cancelWaits = cancel
	e.mu.Unlock()

	logger := e.logger.WithDeploymentID(deploymentID)

	var span trace.Span
	if e.opts.Tracer != nil {
		ctx, span = e.opts.Tracer.Start(ctx, "deployment.run",
			trace.WithAttributes(attribute.String("deployment.id", deploymentID)))
		defer span.End()
	}

	if err := e.store.SetDeploymentStatus(ctx, deploymentID, stores.DeploymentStatusRunning); err != nil {
		return e.failFatal(ctx, logger, deploymentID, fmt.Errorf("state store unavailable: %w", err))
	}

	e.metrics.RecordDeploymentStarted()
	started := time.Now()
	logger.Info("deployment run started")

	for {
		if e.pauseRequested() || waitCtx.Err() != nil {
			return e.enterPaused(logger, deploymentID)
		}

		name, err := e.store.NextPendingStep(ctx, deploymentID)
		if errors.Is(err, stores.ErrNoPendingSteps) {
			return e.completionGate(ctx, logger, deploymentID, started)
		}
		if err != nil {
			return e.failFatal(ctx, logger, deploymentID, fmt.Errorf("state store unavailable: %w", err))
		}

		if err := e.executeStep(ctx, waitCtx, logger, deploymentID, name); err != nil {
			if errors.Is(err, context.Canceled) {
				return e.enterPaused(logger, deploymentID)
			}
			return e.failRun(ctx, logger, deploymentID, name, started, err)
		}
	}
}

// executeStep runs one pipeline step under its classified retry policy and
// persists the outcome. A nil return means the step completed and any
// settling delay has elapsed.
func (e *Engine) executeStep(ctx, waitCtx context.Context, logger *telemetry.Logger, deploymentID, name string) error {
	spec, ok := e.registry.Lookup(name)
	if !ok {
		return NewPermanentError(
			fmt.Sprintf("persisted step %q is not registered in this build", name), nil).
			WithCode(ErrCodeInternal).WithStep(name)
	}

	// Merged prior outputs are re-read from the store on every dispatch;
	// the engine holds no in-memory copy that could diverge across resume.
	d, err := e.store.GetDeployment(ctx, deploymentID)
	if err != nil {
		return fmt.Errorf("state store unavailable: %w", err)
	}
	cfg, err := config.UnmarshalOpaque(d.Config)
	if err != nil {
		return NewPermanentError("stored config is unreadable", err).WithCode(ErrCodeInternal)
	}

	stepLogger := logger.WithStep(name)

	inProgress := stores.StepStatusInProgress
	if err := e.store.UpdateStep(ctx, deploymentID, name, stores.StepUpdate{Status: &inProgress}); err != nil {
		return fmt.Errorf("state store unavailable: %w", err)
	}

	e.emitProgress(deploymentID, name, 0, e.totalProgress(d, 0),
		fmt.Sprintf("step %s started", name))
	stepLogger.Info("step started")

	var stepSpan trace.Span
	stepCtx := ctx
	if e.opts.Tracer != nil {
		stepCtx, stepSpan = e.opts.Tracer.Start(ctx, "deployment.step",
			trace.WithAttributes(
				attribute.String("step.name", name),
				attribute.String("step.class", string(spec.Class)),
			))
		defer stepSpan.End()
	}

	req := Request{
		ProjectID: d.ProjectID,
		Region:    d.Region,
		Config:    cfg,
		Outputs:   d.MergedResources(),
	}

	policy := e.opts.PolicyForClass(spec.Class)
	policy.Classify = IsRetryable
	policy.OnRetry = func(attempt int, attemptErr error, delay time.Duration) {
		e.metrics.RecordRetry(name)
		if err := e.store.UpdateStep(ctx, deploymentID, name, stores.StepUpdate{IncrementAttempts: true}); err != nil {
			stepLogger.WithError(err).Warn("failed to record attempt")
		}
		stepLogger.WithError(attemptErr).
			Warnf("attempt %d failed, retrying in %s", attempt, delay)
		e.emitLog(deploymentID, name,
			fmt.Sprintf("step %s attempt %d failed, retrying in %s: %v", name, attempt, delay, attemptErr))
	}

	var outputs map[string]string
	err = policy.Do(waitCtx, func(context.Context) error {
		// The handler runs on the outer context: pause and cancel are
		// cooperative and never abort an in-flight step. Only the
		// waits between attempts observe waitCtx.
		out, execErr := spec.Handler.Execute(stepCtx, req)
		if execErr == nil {
			outputs = out
		}
		return execErr
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// Cancelled during a backoff wait. Leave the step
			// in_progress; resume re-runs it from scratch.
			return err
		}
		msg := err.Error()
		failed := stores.StepStatusFailed
		update := stores.StepUpdate{Status: &failed, Error: &msg, IncrementAttempts: true}
		if storeErr := e.store.UpdateStep(ctx, deploymentID, name, update); storeErr != nil {
			return fmt.Errorf("state store unavailable: %w", storeErr)
		}
		e.metrics.RecordStepExecuted(name, string(stores.StepStatusFailed))
		return err
	}

	for k, v := range outputs {
		if err := e.store.UpdateStepResource(ctx, deploymentID, name, k, v); err != nil {
			return fmt.Errorf("state store unavailable: %w", err)
		}
	}

	completed := stores.StepStatusCompleted
	update := stores.StepUpdate{Status: &completed, IncrementAttempts: true}
	if err := e.store.UpdateStep(ctx, deploymentID, name, update); err != nil {
		return fmt.Errorf("state store unavailable: %w", err)
	}

	e.metrics.RecordStepExecuted(name, string(stores.StepStatusCompleted))
	e.emitProgress(deploymentID, name, 1, e.totalProgress(d, 1),
		fmt.Sprintf("step %s completed", name))
	stepLogger.Info("step completed")

	if spec.SettleAfter > 0 {
		stepLogger.Debugf("settling for %s before next step", spec.SettleAfter)
		// Interrupted settling is not an error: the next loop
		// iteration observes the pause at the step boundary.
		_ = e.opts.Sleep(waitCtx, spec.SettleAfter)
	}

	return nil
}

// completionGate verifies that every required cross-step output exists once
// no pending steps remain. It catches handlers that reported success while
// silently producing incomplete results.
func (e *Engine) completionGate(ctx context.Context, logger *telemetry.Logger, deploymentID string, started time.Time) error {
	d, err := e.store.GetDeployment(ctx, deploymentID)
	if err != nil {
		return e.failFatal(ctx, logger, deploymentID, fmt.Errorf("state store unavailable: %w", err))
	}

	outputs := d.MergedResources()
	var missing []string
	for _, key := range e.opts.RequiredOutputs {
		if outputs[key] == "" {
			missing = append(missing, key)
		}
	}

	if len(missing) > 0 {
		gateErr := &CompletionError{Missing: missing}
		if err := e.store.SetDeploymentStatus(ctx, deploymentID, stores.DeploymentStatusFailed); err != nil {
			logger.WithError(err).Error("failed to persist gate failure")
		}
		logger.WithError(gateErr).Error("completion gate failed")
		e.metrics.RecordDeploymentCompleted(string(stores.DeploymentStatusFailed), time.Since(started))
		e.emitError(deploymentID, "", gateErr)
		e.finish(deploymentID, StateFailed, false, outputs, gateErr)
		return gateErr
	}

	if err := e.store.SetDeploymentStatus(ctx, deploymentID, stores.DeploymentStatusCompleted); err != nil {
		return e.failFatal(ctx, logger, deploymentID, fmt.Errorf("state store unavailable: %w", err))
	}

	logger.Infof("deployment completed in %s", time.Since(started).Round(time.Millisecond))
	e.metrics.RecordDeploymentCompleted(string(stores.DeploymentStatusCompleted), time.Since(started))
	e.finish(deploymentID, StateCompleted, true, outputs, nil)
	return nil
}

// failRun handles step exhaustion: the error is already persisted on the
// step; the deployment is marked failed and remains resumable.
func (e *Engine) failRun(ctx context.Context, logger *telemetry.Logger, deploymentID, step string, started time.Time, err error) error {
	if storeErr := e.store.SetDeploymentStatus(ctx, deploymentID, stores.DeploymentStatusFailed); storeErr != nil {
		logger.WithError(storeErr).Error("failed to persist deployment failure")
	}

	logger.WithStep(step).WithError(err).Error("step exhausted all attempts, halting")
	e.metrics.RecordDeploymentCompleted(string(stores.DeploymentStatusFailed), time.Since(started))
	e.emitError(deploymentID, step, err)
	e.finish(deploymentID, StateFailed, false, nil, err)
	return err
}

// failFatal handles store unavailability: fatal, never retried.
func (e *Engine) failFatal(ctx context.Context, logger *telemetry.Logger, deploymentID string, err error) error {
	logger.WithError(err).Error("fatal engine failure")
	e.emitError(deploymentID, "", err)
	e.finish(deploymentID, StateFailed, false, nil, err)
	return err
}

func (e *Engine) enterPaused(logger *telemetry.Logger, deploymentID string) error {
	e.mu.Lock()
	e.state = StatePaused
	e.mu.Unlock()

	logger.Info("deployment paused at step boundary")
	e.emitLog(deploymentID, "", "deployment paused; resume to continue")
	return nil
}

func (e *Engine) pauseRequested() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// finish moves the engine to a terminal state, emits the complete event, and
// closes the event stream.
func (e *Engine) finish(deploymentID string, state State, success bool, outputs map[string]string, err error) {
	e.mu.Lock()
	e.state = state
	e.finished = true
	e.mu.Unlock()

	e.emit(ProgressEvent{
		Type:          EventComplete,
		DeploymentID:  deploymentID,
		TotalProgress: 1,
		Success:       success,
		Outputs:       outputs,
		Err:           err,
		Message:       completionMessage(success, err),
		Timestamp:     time.Now(),
	})
	close(e.events)
}

func completionMessage(success bool, err error) string {
	if success {
		return "deployment completed successfully"
	}
	return fmt.Sprintf("deployment failed: %v", err)
}

// totalProgress computes overall progress given the current deployment
// snapshot and the in-flight step's own progress fraction.
func (e *Engine) totalProgress(d *stores.Deployment, stepProgress float64) float64 {
	completed := 0
	for _, s := range d.Steps {
		if s.Status == stores.StepStatusCompleted {
			completed++
		}
	}
	total := float64(e.registry.Len())
	return (float64(completed) + stepProgress) / total
}

func (e *Engine) emitProgress(deploymentID, step string, stepProgress, totalProgress float64, msg string) {
	e.emit(ProgressEvent{
		Type:          EventProgress,
		DeploymentID:  deploymentID,
		Step:          step,
		StepProgress:  stepProgress,
		TotalProgress: totalProgress,
		Message:       msg,
		Timestamp:     time.Now(),
	})
}

func (e *Engine) emitLog(deploymentID, step, msg string) {
	e.emit(ProgressEvent{
		Type:         EventLog,
		DeploymentID: deploymentID,
		Step:         step,
		Message:      msg,
		Timestamp:    time.Now(),
	})
}

func (e *Engine) emitError(deploymentID, step string, err error) {
	e.emit(ProgressEvent{
		Type:         EventError,
		DeploymentID: deploymentID,
		Step:         step,
		Message:      err.Error(),
		Err:          err,
		Timestamp:    time.Now(),
	})
}

// emit delivers an event without blocking the main loop. A full buffer drops
// the event with a warning rather than stalling the deployment.
func (e *Engine) emit(ev ProgressEvent) {
	select {
	case e.events <- ev:
	default:
		e.logger.Warnf("event buffer full, dropping %s event", ev.Type)
	}
}
