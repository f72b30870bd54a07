package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deployq/internal/adapters/memory"
	"deployq/internal/domain"
	"deployq/internal/ports"
	"deployq/internal/testutil"
)

// fakeSteps records invocations and lets a test script failures per step.
type fakeSteps struct {
	mu        sync.Mutex
	calls     map[string]int
	order     []string
	errs      map[string]error
	failFirst map[string]int
	data      map[string]map[string]interface{}
	hooks     map[string]func(ctx context.Context) error
}

func newFakeSteps() *fakeSteps {
	return &fakeSteps{
		calls:     make(map[string]int),
		errs:      make(map[string]error),
		failFirst: make(map[string]int),
		data:      make(map[string]map[string]interface{}),
		hooks:     make(map[string]func(ctx context.Context) error),
	}
}

func (f *fakeSteps) step(name string) ports.StepFunc {
	return func(ctx context.Context, sc ports.StepContext) (map[string]interface{}, error) {
		f.mu.Lock()
		f.calls[name]++
		n := f.calls[name]
		f.order = append(f.order, name)
		hook := f.hooks[name]
		err := f.errs[name]
		if n <= f.failFirst[name] {
			err = domain.NewTransientError(nil, name+" flaked")
		}
		data := f.data[name]
		f.mu.Unlock()

		if hook != nil {
			if herr := hook(ctx); herr != nil {
				return nil, herr
			}
		}
		if err != nil {
			return nil, err
		}
		if data == nil {
			data = map[string]interface{}{"step": name}
		}
		return data, nil
	}
}

func (f *fakeSteps) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeSteps) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.order)
}

func (f *fakeSteps) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = make(map[string]int)
	f.order = nil
}

func testPipeline(f *fakeSteps) Pipeline {
	specs := domain.DefaultStepSpecs()
	var p Pipeline
	for _, name := range domain.CanonicalSteps {
		p.Steps = append(p.Steps, StepDefinition{Spec: specs[name], Run: f.step(name)})
	}
	p.Cleanup = &StepDefinition{Spec: specs[domain.StepCleanup], Run: f.step(domain.StepCleanup)}
	return p
}

type engineFixture struct {
	store  *memory.DeploymentStore
	steps  *fakeSteps
	engine *WorkflowEngine
	owner  domain.Owner
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	store := memory.NewDeploymentStore(0)
	steps := newFakeSteps()
	engine := NewWorkflowEngine(store, testPipeline(steps), EngineConfig{DefaultTimeout: time.Minute}, zerolog.Nop())
	engine.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return &engineFixture{store: store, steps: steps, engine: engine, owner: testutil.NewTestOwner()}
}

func (f *engineFixture) message() *domain.QueueMessage {
	return testutil.NewTestMessage(f.owner)
}

func (f *engineFixture) state(t *testing.T, id string) *domain.DeploymentState {
	t.Helper()
	state, err := f.store.Get(context.Background(), id, f.owner.Key())
	require.NoError(t, err)
	require.NotNil(t, state)
	return state
}

func stepNames(state *domain.DeploymentState) []string {
	names := make([]string, 0, len(state.StepResults))
	for _, r := range state.StepResults {
		names = append(names, r.Name)
	}
	return names
}

func TestWorkflowEngine_HappyPath(t *testing.T) {
	f := newEngineFixture(t)
	f.steps.data[domain.StepDeploy] = map[string]interface{}{"url": "https://site.example.app"}
	msg := f.message()

	res, err := f.engine.Execute(context.Background(), msg, ports.ExecuteOptions{DeliveryCount: 1})

	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, domain.StatusCompleted, res.Status)
	assert.Equal(t, "https://site.example.app", res.Output)

	state := f.state(t, msg.Metadata.DeploymentID)
	assert.Equal(t, domain.StatusCompleted, state.Status)
	assert.Equal(t, 100, state.Progress)
	assert.Equal(t, domain.RequiredSteps, stepNames(state))
	assert.Nil(t, state.Error)
	assert.NotNil(t, state.CompletedAt)
	assert.Equal(t, 1, state.Attempts)
	for _, r := range state.StepResults {
		assert.True(t, r.Success, r.Name)
		assert.Equal(t, 1, r.Attempts, r.Name)
	}
	assert.Zero(t, f.steps.count(domain.StepConfigureDomain))
	assert.Zero(t, f.steps.count(domain.StepCleanup))
}

func TestWorkflowEngine_CustomDomain(t *testing.T) {
	f := newEngineFixture(t)
	msg := f.message()
	msg.Params.CustomDomain = "www.example.com"

	_, err := f.engine.Execute(context.Background(), msg, ports.ExecuteOptions{DeliveryCount: 1})
	require.NoError(t, err)

	state := f.state(t, msg.Metadata.DeploymentID)
	assert.Equal(t, domain.CanonicalSteps, stepNames(state))
	assert.Equal(t, 1, f.steps.count(domain.StepConfigureDomain))
}

func TestWorkflowEngine_PassesPriorStepData(t *testing.T) {
	f := newEngineFixture(t)
	f.steps.data[domain.StepProvisionEnvironment] = map[string]interface{}{"sandboxId": "sb-1"}

	var seen map[string]interface{}
	specs := domain.DefaultStepSpecs()
	pipeline := testPipeline(f.steps)
	for i, def := range pipeline.Steps {
		if def.Spec.Name == domain.StepSyncFiles {
			pipeline.Steps[i] = StepDefinition{Spec: specs[domain.StepSyncFiles], Run: func(ctx context.Context, sc ports.StepContext) (map[string]interface{}, error) {
				seen = sc.Data(domain.StepProvisionEnvironment)
				return nil, nil
			}}
		}
	}
	f.engine.pipeline = pipeline

	_, err := f.engine.Execute(context.Background(), f.message(), ports.ExecuteOptions{DeliveryCount: 1})
	require.NoError(t, err)
	assert.Equal(t, "sb-1", seen["sandboxId"])
}

func TestWorkflowEngine_NonRetryableFailureRunsCleanup(t *testing.T) {
	f := newEngineFixture(t)
	f.steps.errs[domain.StepBuild] = domain.NewValidationError("build script missing")
	msg := f.message()

	res, err := f.engine.Execute(context.Background(), msg, ports.ExecuteOptions{DeliveryCount: 1})

	require.Error(t, err)
	assert.Equal(t, domain.CodeValidation, domain.Classify(err))
	assert.False(t, res.Success)
	assert.Equal(t, domain.StatusFailed, res.Status)
	assert.Equal(t, 1, f.steps.count(domain.StepBuild), "validation errors are not retried")

	state := f.state(t, msg.Metadata.DeploymentID)
	assert.Equal(t, domain.StatusFailed, state.Status)
	assert.Equal(t, []string{
		domain.StepValidate, domain.StepProvisionEnvironment, domain.StepSyncFiles, domain.StepCleanup,
	}, stepNames(state))
	require.NotNil(t, state.Error)
	assert.Equal(t, domain.CodeValidation, state.Error.Code)
	assert.Equal(t, domain.StepBuild, state.Error.Step)
	assert.NotNil(t, state.CompletedAt)
	assert.Equal(t, 1, f.steps.count(domain.StepCleanup))
}

func TestWorkflowEngine_RetryableFailureKeepsCheckpoint(t *testing.T) {
	f := newEngineFixture(t)
	f.steps.errs[domain.StepDeploy] = domain.NewTransientError(nil, "registry unavailable")
	msg := f.message()

	res, err := f.engine.Execute(context.Background(), msg, ports.ExecuteOptions{DeliveryCount: 1})

	require.Error(t, err)
	assert.True(t, domain.IsRetryable(err))
	assert.False(t, res.Success)
	assert.Equal(t, domain.DefaultStepSpecs()[domain.StepDeploy].Retry.MaxAttempts, f.steps.count(domain.StepDeploy))
	assert.Zero(t, f.steps.count(domain.StepCleanup))

	state := f.state(t, msg.Metadata.DeploymentID)
	assert.Equal(t, domain.StatusDeploying, state.Status)
	assert.Nil(t, state.CompletedAt)
	require.NotNil(t, state.Error)
	assert.Equal(t, domain.CodeTransient, state.Error.Code)
	assert.Equal(t, domain.StepDeploy, state.Error.Step)
}

func TestWorkflowEngine_RetryableFailureOnFinalAttempt(t *testing.T) {
	f := newEngineFixture(t)
	f.steps.errs[domain.StepDeploy] = domain.NewTransientError(nil, "registry unavailable")
	msg := f.message()

	res, err := f.engine.Execute(context.Background(), msg, ports.ExecuteOptions{DeliveryCount: 3, FinalAttempt: true})

	require.Error(t, err)
	assert.Equal(t, domain.StatusFailed, res.Status)
	assert.Equal(t, 1, f.steps.count(domain.StepCleanup))
	assert.Equal(t, domain.StatusFailed, f.state(t, msg.Metadata.DeploymentID).Status)
}

func TestWorkflowEngine_RetriesWithinStep(t *testing.T) {
	f := newEngineFixture(t)
	f.steps.failFirst[domain.StepSyncFiles] = 1
	var delays []time.Duration
	f.engine.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	msg := f.message()

	_, err := f.engine.Execute(context.Background(), msg, ports.ExecuteOptions{DeliveryCount: 1})
	require.NoError(t, err)

	result, ok := f.state(t, msg.Metadata.DeploymentID).StepResult(domain.StepSyncFiles)
	require.True(t, ok)
	assert.True(t, result.Success)
	assert.Equal(t, 2, result.Attempts)
	assert.Equal(t, []time.Duration{time.Second}, delays, "linear backoff before the first retry")
}

func TestWorkflowEngine_ReplayOfTerminalState(t *testing.T) {
	f := newEngineFixture(t)
	msg := f.message()

	first, err := f.engine.Execute(context.Background(), msg, ports.ExecuteOptions{DeliveryCount: 1})
	require.NoError(t, err)
	f.steps.reset()

	second, err := f.engine.Execute(context.Background(), msg, ports.ExecuteOptions{DeliveryCount: 2})

	require.NoError(t, err)
	assert.Zero(t, f.steps.total(), "no step may run for a terminal deployment")
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.Output, second.Output)
	assert.True(t, second.Success)
}

func TestWorkflowEngine_ResumesFromCheckpoint(t *testing.T) {
	f := newEngineFixture(t)
	f.steps.failFirst[domain.StepBuild] = domain.DefaultStepSpecs()[domain.StepBuild].Retry.MaxAttempts
	msg := f.message()

	_, err := f.engine.Execute(context.Background(), msg, ports.ExecuteOptions{DeliveryCount: 1})
	require.Error(t, err)
	assert.Equal(t, domain.StatusBuilding, f.state(t, msg.Metadata.DeploymentID).Status)

	res, err := f.engine.Execute(context.Background(), msg, ports.ExecuteOptions{DeliveryCount: 2})
	require.NoError(t, err)
	assert.True(t, res.Success)

	for _, name := range []string{domain.StepValidate, domain.StepProvisionEnvironment, domain.StepSyncFiles} {
		assert.Equal(t, 1, f.steps.count(name), "%s must not run again", name)
	}
	state := f.state(t, msg.Metadata.DeploymentID)
	assert.Equal(t, domain.RequiredSteps, stepNames(state))
	assert.Equal(t, 2, state.Attempts)
	assert.Nil(t, state.Error)
}

func TestWorkflowEngine_SkipSteps(t *testing.T) {
	f := newEngineFixture(t)
	msg := f.message()
	msg.Config = &domain.RunConfig{SkipSteps: []string{domain.StepBuild, domain.StepValidate, domain.StepFinalize}}

	_, err := f.engine.Execute(context.Background(), msg, ports.ExecuteOptions{DeliveryCount: 1})
	require.NoError(t, err)

	assert.Zero(t, f.steps.count(domain.StepBuild))
	assert.Equal(t, 1, f.steps.count(domain.StepValidate), "validate cannot be skipped")
	assert.Equal(t, 1, f.steps.count(domain.StepFinalize), "finalize cannot be skipped")

	result, ok := f.state(t, msg.Metadata.DeploymentID).StepResult(domain.StepBuild)
	require.True(t, ok)
	assert.True(t, result.Success)
	assert.True(t, result.Skipped)
}

func TestWorkflowEngine_CancelBetweenSteps(t *testing.T) {
	f := newEngineFixture(t)
	service := NewDeploymentService(f.store, zerolog.Nop())
	msg := f.message()
	f.steps.hooks[domain.StepSyncFiles] = func(ctx context.Context) error {
		_, err := service.Cancel(context.Background(), msg.Metadata.DeploymentID, f.owner)
		return err
	}

	res, err := f.engine.Execute(context.Background(), msg, ports.ExecuteOptions{DeliveryCount: 1})

	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, res.Status)
	assert.Zero(t, f.steps.count(domain.StepBuild))
	assert.Equal(t, 1, f.steps.count(domain.StepCleanup))

	state := f.state(t, msg.Metadata.DeploymentID)
	assert.Equal(t, domain.StatusCancelled, state.Status)
	_, ok := state.StepResult(domain.StepCleanup)
	assert.True(t, ok)
}

func TestWorkflowEngine_CancelledBeforeStart(t *testing.T) {
	f := newEngineFixture(t)
	msg := f.message()
	state := domain.NewDeploymentState(msg, time.Now().UTC())
	require.NoError(t, f.store.Create(context.Background(), state))
	_, err := NewDeploymentService(f.store, zerolog.Nop()).Cancel(context.Background(), msg.Metadata.DeploymentID, f.owner)
	require.NoError(t, err)

	res, err := f.engine.Execute(context.Background(), msg, ports.ExecuteOptions{DeliveryCount: 1})

	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, res.Status)
	assert.Zero(t, f.steps.total(), "no cleanup without progress")
}

func TestWorkflowEngine_CleanupErrorKeepsStatus(t *testing.T) {
	f := newEngineFixture(t)
	f.steps.errs[domain.StepBuild] = domain.NewValidationError("bad build")
	f.steps.errs[domain.StepCleanup] = domain.NewTransientError(nil, "sandbox already gone")
	msg := f.message()

	_, err := f.engine.Execute(context.Background(), msg, ports.ExecuteOptions{DeliveryCount: 1})
	require.Error(t, err)

	state := f.state(t, msg.Metadata.DeploymentID)
	assert.Equal(t, domain.StatusFailed, state.Status)
	assert.Equal(t, domain.CodeValidation, state.Error.Code)
	result, ok := state.StepResult(domain.StepCleanup)
	require.True(t, ok)
	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Error)
}

func TestWorkflowEngine_StepPanic(t *testing.T) {
	f := newEngineFixture(t)
	f.steps.hooks[domain.StepDeploy] = func(ctx context.Context) error { panic("nil map") }
	msg := f.message()

	_, err := f.engine.Execute(context.Background(), msg, ports.ExecuteOptions{DeliveryCount: 1})

	require.Error(t, err)
	assert.Equal(t, domain.CodeInternal, domain.Classify(err))
	assert.False(t, domain.IsRetryable(err))
	assert.Equal(t, 1, f.steps.count(domain.StepDeploy))
	assert.Equal(t, domain.StatusFailed, f.state(t, msg.Metadata.DeploymentID).Status)
}

func TestWorkflowEngine_StepTimeout(t *testing.T) {
	f := newEngineFixture(t)
	f.engine.pipeline.Steps[0].Spec.Timeout = 10 * time.Millisecond
	f.steps.hooks[domain.StepValidate] = func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}
	msg := f.message()

	_, err := f.engine.Execute(context.Background(), msg, ports.ExecuteOptions{DeliveryCount: 1})

	require.Error(t, err)
	assert.Equal(t, domain.CodeTimeout, domain.Classify(err))
	assert.Equal(t, domain.StepValidate, domain.StepOf(err))
	assert.Equal(t, domain.DefaultStepSpecs()[domain.StepValidate].Retry.MaxAttempts, f.steps.count(domain.StepValidate))
	assert.Equal(t, domain.StatusValidating, f.state(t, msg.Metadata.DeploymentID).Status)
}

func TestWorkflowEngine_ShutdownLeavesStateLive(t *testing.T) {
	f := newEngineFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.steps.hooks[domain.StepBuild] = func(stepCtx context.Context) error {
		cancel()
		<-stepCtx.Done()
		return stepCtx.Err()
	}
	msg := f.message()

	_, err := f.engine.Execute(ctx, msg, ports.ExecuteOptions{DeliveryCount: 3, FinalAttempt: true})

	require.Error(t, err)
	assert.True(t, domain.IsRetryable(err))
	assert.Zero(t, f.steps.count(domain.StepCleanup))
	assert.Equal(t, domain.StatusBuilding, f.state(t, msg.Metadata.DeploymentID).Status)
}
