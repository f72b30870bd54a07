package steps

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deployq/internal/domain"
	"deployq/internal/ports"
)

func noop(ctx context.Context, sc ports.StepContext) (map[string]interface{}, error) {
	return nil, nil
}

func registerRequired(t *testing.T, r *Registry) {
	t.Helper()
	for _, name := range domain.RequiredSteps {
		require.NoError(t, r.Register(name, noop))
	}
}

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry()

	assert.Error(t, r.Register(domain.StepBuild, nil))
	assert.Error(t, r.Register("compile", noop))
	require.NoError(t, r.Register(domain.StepDeploy, noop))
	require.NoError(t, r.Register(domain.StepBuild, noop))

	assert.Equal(t, []string{domain.StepBuild, domain.StepDeploy}, r.Registered())
}

func TestRegistry_PipelineRequiresSteps(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(domain.StepValidate, noop))

	_, err := r.Pipeline()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingStep))
	assert.Contains(t, err.Error(), domain.StepFinalize)
}

func TestRegistry_PipelineOrder(t *testing.T) {
	t.Run("without optional steps", func(t *testing.T) {
		r := NewRegistry()
		registerRequired(t, r)

		p, err := r.Pipeline()
		require.NoError(t, err)

		names := make([]string, 0, len(p.Steps))
		for _, def := range p.Steps {
			names = append(names, def.Spec.Name)
		}
		assert.Equal(t, domain.RequiredSteps, names)
		assert.Nil(t, p.Cleanup)
	})

	t.Run("with domain and cleanup", func(t *testing.T) {
		r := NewRegistry()
		require.NoError(t, r.Register(domain.StepCleanup, noop))
		require.NoError(t, r.Register(domain.StepConfigureDomain, noop))
		registerRequired(t, r)

		p, err := r.Pipeline()
		require.NoError(t, err)
		require.Len(t, p.Steps, len(domain.CanonicalSteps))
		for i, def := range p.Steps {
			assert.Equal(t, domain.CanonicalSteps[i], def.Spec.Name)
			assert.NotNil(t, def.Run)
		}
		require.NotNil(t, p.Cleanup)
		assert.Equal(t, domain.StepCleanup, p.Cleanup.Spec.Name)
	})
}

func TestRegistry_Override(t *testing.T) {
	r := NewRegistry()
	registerRequired(t, r)

	retry := domain.RetryPolicy{MaxAttempts: 7, Backoff: domain.BackoffNone, BaseDelay: time.Millisecond}
	require.NoError(t, r.Override(domain.StepBuild, domain.StepSpec{Timeout: time.Hour, Retry: retry}))
	require.NoError(t, r.Override(domain.StepDeploy, domain.StepSpec{Timeout: time.Second}))
	assert.Error(t, r.Override("compile", domain.StepSpec{}))

	p, err := r.Pipeline()
	require.NoError(t, err)
	defaults := domain.DefaultStepSpecs()
	for _, def := range p.Steps {
		switch def.Spec.Name {
		case domain.StepBuild:
			assert.Equal(t, time.Hour, def.Spec.Timeout)
			assert.Equal(t, retry, def.Spec.Retry)
			assert.Equal(t, defaults[domain.StepBuild].Progress, def.Spec.Progress, "progress is not overridable")
		case domain.StepDeploy:
			assert.Equal(t, time.Second, def.Spec.Timeout)
			assert.Equal(t, defaults[domain.StepDeploy].Retry, def.Spec.Retry, "zero retry keeps the default")
		}
	}
}
