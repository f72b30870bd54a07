package app

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"deployq/internal/domain"
	"deployq/internal/ports"
)

// StepDefinition binds a collaborator to its pipeline position and policy.
type StepDefinition struct {
	Spec domain.StepSpec
	Run  ports.StepFunc
}

type Pipeline struct {
	Steps   []StepDefinition
	Cleanup *StepDefinition
}

// StepObserver receives per-step timings.
type StepObserver interface {
	ObserveStep(step string, success bool, d time.Duration)
}

type EngineConfig struct {
	DefaultTimeout time.Duration
	// SettleTimeout bounds store writes made after the run context is gone.
	SettleTimeout time.Duration
}

var errCancelled = &domain.Error{Code: domain.CodeCancelled, Message: "deployment cancelled"}

// unskippable steps always run.
var unskippable = []string{domain.StepValidate, domain.StepFinalize}

// outputKeys are looked up, in order, in deploy and finalize data for the
// externally reachable endpoint.
var outputKeys = []string{"url", "endpoint", "output"}

type WorkflowEngine struct {
	store    ports.DeploymentStore
	pipeline Pipeline
	cfg      EngineConfig
	logger   zerolog.Logger
	observer StepObserver
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewWorkflowEngine(store ports.DeploymentStore, pipeline Pipeline, cfg EngineConfig, logger zerolog.Logger) *WorkflowEngine {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 10 * time.Minute
	}
	if cfg.SettleTimeout <= 0 {
		cfg.SettleTimeout = 10 * time.Second
	}
	return &WorkflowEngine{
		store:    store,
		pipeline: pipeline,
		cfg:      cfg,
		logger:   logger.With().Str("component", "workflow").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
		sleep:    sleepContext,
	}
}

func (e *WorkflowEngine) WithObserver(o StepObserver) *WorkflowEngine {
	e.observer = o
	return e
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Execute runs the pipeline for one deployment. A deployment that is
// already terminal is returned as stored without invoking any step. The
// returned error is the classified failure the consumer resolves the message
// with; it is nil for completed, cancelled and replayed deployments.
func (e *WorkflowEngine) Execute(ctx context.Context, msg *domain.QueueMessage, opts ports.ExecuteOptions) (domain.DeploymentResult, error) {
	id := msg.Metadata.DeploymentID
	log := e.logger.With().Str("deployment_id", id).Int("delivery_count", opts.DeliveryCount).Logger()

	state, err := e.load(ctx, msg)
	if err != nil {
		return domain.DeploymentResult{DeploymentID: id}, err
	}
	if state.Status.IsTerminal() {
		log.Info().Str("status", string(state.Status)).Msg("deployment already terminal, skipping replay")
		return state.Result(), nil
	}

	if opts.DeliveryCount > state.Attempts {
		state.Attempts = opts.DeliveryCount
	}

	timeout := e.cfg.DefaultTimeout
	if state.Config.TimeoutSeconds > 0 {
		timeout = time.Duration(state.Config.TimeoutSeconds) * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for _, def := range e.pipeline.Steps {
		name := def.Spec.Name
		if name == domain.StepConfigureDomain && state.Config.CustomDomain == "" {
			continue
		}
		if state.Succeeded(name) {
			continue
		}

		state, err = e.refresh(runCtx, state)
		if err != nil {
			return e.interrupted(ctx, runCtx, state, err, opts, log)
		}

		if err := state.Transition(def.Spec.Status.Status, def.Spec.Status.Stage, e.now()); err != nil {
			return e.fail(ctx, state, domain.WithStep(err, name), opts, log)
		}
		if err := e.checkpoint(runCtx, state); err != nil {
			return e.interrupted(ctx, runCtx, state, err, opts, log)
		}

		if lo.Contains(state.Config.SkipSteps, name) && !lo.Contains(unskippable, name) {
			state.RecordStep(domain.StepResult{Name: name, Success: true, Skipped: true}, e.now())
			state.Advance(def.Spec.Progress)
			log.Info().Str("step", name).Msg("step skipped")
			if err := e.checkpoint(runCtx, state); err != nil {
				return e.interrupted(ctx, runCtx, state, err, opts, log)
			}
			continue
		}

		result, stepErr := e.runStep(runCtx, def, state, log)
		if stepErr != nil {
			if runCtx.Err() != nil && ctx.Err() == nil {
				stepErr = domain.WithStep(domain.NewTimeoutError(runCtx.Err(), fmt.Sprintf("deployment exceeded %s", timeout)), name)
			}
			return e.fail(ctx, state, stepErr, opts, log)
		}

		state.RecordStep(result, e.now())
		state.Advance(def.Spec.Progress)
		if state.Error != nil && state.Error.Step == name {
			state.Error = nil
		}
		if out := outputOf(name, result.Data); out != "" {
			state.Output = out
		}
		if err := e.checkpoint(runCtx, state); err != nil {
			return e.interrupted(ctx, runCtx, state, err, opts, log)
		}
	}

	state.Error = nil
	state.Advance(100)
	if err := state.Transition(domain.StatusCompleted, "completed", e.now()); err != nil {
		return e.fail(ctx, state, err, opts, log)
	}
	if err := e.checkpoint(runCtx, state); err != nil {
		return e.interrupted(ctx, runCtx, state, err, opts, log)
	}
	log.Info().Str("output", state.Output).Msg("deployment completed")
	return state.Result(), nil
}

func outputOf(step string, data map[string]interface{}) string {
	if step != domain.StepDeploy && step != domain.StepFinalize {
		return ""
	}
	for _, k := range outputKeys {
		if v, ok := data[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// load fetches the state for msg or creates it at PENDING.
func (e *WorkflowEngine) load(ctx context.Context, msg *domain.QueueMessage) (*domain.DeploymentState, error) {
	ownerKey := msg.Metadata.Owner.Key()
	state, err := e.store.Get(ctx, msg.Metadata.DeploymentID, ownerKey)
	if err != nil {
		return nil, domain.NewTransientError(err, "load deployment state")
	}
	if state != nil {
		return state, nil
	}

	state = domain.NewDeploymentState(msg, e.now())
	if state.Config.TimeoutSeconds <= 0 {
		state.Config.TimeoutSeconds = int(e.cfg.DefaultTimeout / time.Second)
	}
	err = e.store.Create(ctx, state)
	if errors.Is(err, domain.ErrAlreadyExists) {
		state, err = e.store.Get(ctx, msg.Metadata.DeploymentID, ownerKey)
		if err == nil && state == nil {
			err = domain.ErrDeploymentNotFound
		}
	}
	if err != nil {
		return nil, domain.NewTransientError(err, "create deployment state")
	}
	return state, nil
}

// refresh re-reads the state so a cancellation written between steps is
// observed before the next step starts.
func (e *WorkflowEngine) refresh(ctx context.Context, state *domain.DeploymentState) (*domain.DeploymentState, error) {
	fresh, err := e.store.Get(ctx, state.DeploymentID, state.Owner.Key())
	if err != nil {
		return state, domain.NewTransientError(err, "reload deployment state")
	}
	if fresh == nil {
		return state, domain.ErrDeploymentNotFound
	}
	if fresh.Status == domain.StatusCancelled {
		return fresh, errCancelled
	}
	if fresh.Attempts < state.Attempts {
		fresh.Attempts = state.Attempts
	}
	return fresh, nil
}

func (e *WorkflowEngine) checkpoint(ctx context.Context, state *domain.DeploymentState) error {
	err := e.store.Update(ctx, state)
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrVersionConflict) {
		fresh, gerr := e.store.Get(ctx, state.DeploymentID, state.Owner.Key())
		if gerr == nil && fresh != nil && fresh.Status == domain.StatusCancelled {
			*state = *fresh
			return errCancelled
		}
	}
	return domain.NewTransientError(err, "checkpoint deployment state")
}

// interrupted handles errors raised between steps: cancellation, store
// failures and process shutdown.
func (e *WorkflowEngine) interrupted(ctx, runCtx context.Context, state *domain.DeploymentState, err error, opts ports.ExecuteOptions, log zerolog.Logger) (domain.DeploymentResult, error) {
	if errors.Is(err, errCancelled) {
		log.Info().Msg("deployment cancelled, stopping before next step")
		if hasProgress(state) {
			e.cleanup(ctx, state, log)
		}
		return state.Result(), nil
	}
	if runCtx.Err() != nil && ctx.Err() == nil {
		err = domain.NewTimeoutError(runCtx.Err(), "deployment timed out")
	}
	return e.fail(ctx, state, err, opts, log)
}

func hasProgress(state *domain.DeploymentState) bool {
	return lo.SomeBy(state.StepResults, func(r domain.StepResult) bool { return r.Success && !r.Skipped })
}

// fail decides the stored outcome of a failed run. A retryable failure with
// deliveries left keeps the last good checkpoint so the redelivery can resume;
// anything else commits FAILED and runs cleanup.
func (e *WorkflowEngine) fail(ctx context.Context, state *domain.DeploymentState, err error, opts ports.ExecuteOptions, log zerolog.Logger) (domain.DeploymentResult, error) {
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.SettleTimeout)
	defer cancel()

	log = log.With().Str("step", domain.StepOf(err)).Logger()

	if ctx.Err() != nil {
		log.Warn().Err(err).Msg("run interrupted by shutdown")
		state.SetError(err, e.now())
		if uerr := e.store.Update(settleCtx, state); uerr != nil {
			log.Warn().Err(uerr).Msg("failed to record interrupted run")
		}
		return state.Result(), domain.NewTransientError(ctx.Err(), "consumer shutting down")
	}

	if domain.IsRetryable(err) && !opts.FinalAttempt {
		log.Warn().Err(err).Msg("step failed, leaving deployment for redelivery")
		state.SetError(err, e.now())
		if uerr := e.store.Update(settleCtx, state); uerr != nil {
			log.Warn().Err(uerr).Msg("failed to record retryable error")
		}
		return state.Result(), err
	}

	log.Error().Err(err).Msg("deployment failed")
	if ferr := state.Fail(err, e.now()); ferr != nil {
		log.Error().Err(ferr).Msg("cannot mark deployment failed")
		return state.Result(), err
	}
	if uerr := e.store.Update(settleCtx, state); uerr != nil {
		log.Error().Err(uerr).Msg("failed to persist failed status")
	}
	e.cleanup(settleCtx, state, log)
	return state.Result(), err
}

// cleanup runs the cleanup collaborator. Its outcome is recorded but never
// changes the terminal status already set.
func (e *WorkflowEngine) cleanup(ctx context.Context, state *domain.DeploymentState, log zerolog.Logger) {
	def := e.pipeline.Cleanup
	if def == nil || def.Run == nil {
		return
	}
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), def.Spec.Timeout)
	defer cancel()

	start := time.Now()
	data, err := e.invoke(cleanupCtx, *def, e.stepContext(state, 1))
	result := domain.StepResult{
		Name:       domain.StepCleanup,
		Success:    err == nil,
		DurationMs: time.Since(start).Milliseconds(),
		Attempts:   1,
		Data:       data,
	}
	if err != nil {
		result.Error = err.Error()
		log.Warn().Err(err).Msg("cleanup failed")
	}
	e.observe(domain.StepCleanup, err == nil, time.Since(start))

	state.RecordStep(result, e.now())
	settleCtx, cancelSettle := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.SettleTimeout)
	defer cancelSettle()
	if uerr := e.store.Update(settleCtx, state); uerr != nil {
		log.Warn().Err(uerr).Msg("failed to record cleanup result")
	}
}

func (e *WorkflowEngine) stepContext(state *domain.DeploymentState, attempt int) ports.StepContext {
	results := make([]domain.StepResult, len(state.StepResults))
	copy(results, state.StepResults)
	return ports.StepContext{
		DeploymentID: state.DeploymentID,
		Params:       state.Params,
		Config:       state.Config,
		Results:      results,
		Attempt:      attempt,
	}
}

// runStep invokes a step under its own timeout, retrying retryable failures
// according to its policy.
func (e *WorkflowEngine) runStep(ctx context.Context, def StepDefinition, state *domain.DeploymentState, log zerolog.Logger) (domain.StepResult, error) {
	name := def.Spec.Name
	maxAttempts := def.Spec.Retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	started := time.Now()
	for attempt := 1; ; attempt++ {
		stepCtx, cancel := context.WithTimeout(ctx, def.Spec.Timeout)
		begin := time.Now()
		data, err := e.invoke(stepCtx, def, e.stepContext(state, attempt))
		timedOut := stepCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil
		cancel()
		e.observe(name, err == nil, time.Since(begin))

		if err == nil {
			log.Info().Str("step", name).Int("attempt", attempt).Dur("duration", time.Since(begin)).Msg("step succeeded")
			return domain.StepResult{
				Name:       name,
				Success:    true,
				DurationMs: time.Since(started).Milliseconds(),
				Attempts:   attempt,
				Data:       data,
			}, nil
		}

		if timedOut {
			err = domain.NewTimeoutError(err, fmt.Sprintf("step exceeded %s", def.Spec.Timeout))
		}
		err = domain.WithStep(err, name)
		if !domain.IsRetryable(err) || attempt >= maxAttempts || ctx.Err() != nil {
			return domain.StepResult{}, err
		}

		delay := def.Spec.Retry.Delay(attempt + 1)
		log.Warn().Err(err).Str("step", name).Int("attempt", attempt).Dur("retry_in", delay).Msg("step failed, retrying")
		if serr := e.sleep(ctx, delay); serr != nil {
			return domain.StepResult{}, err
		}
	}
}

// invoke calls the collaborator, turning a panic into an internal error.
func (e *WorkflowEngine) invoke(ctx context.Context, def StepDefinition, sc ports.StepContext) (data map[string]interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Str("step", def.Spec.Name).Str("stack", string(debug.Stack())).Msgf("step panicked: %v", r)
			err = &domain.Error{Code: domain.CodeInternal, Message: fmt.Sprintf("step panicked: %v", r)}
		}
	}()
	return def.Run(ctx, sc)
}

func (e *WorkflowEngine) observe(step string, success bool, d time.Duration) {
	if e.observer != nil {
		e.observer.ObserveStep(step, success, d)
	}
}
