// Package steps builds the step pipeline from registered collaborators.
package steps

import (
	"sort"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"deployq/internal/app"
	"deployq/internal/domain"
	"deployq/internal/ports"
)

var ErrMissingStep = errors.New("required step not registered")

// Registry maps step names to collaborators. It is built once at startup;
// a missing required step is a configuration error, never a silent stub.
type Registry struct {
	steps map[string]ports.StepFunc
	specs map[string]domain.StepSpec
}

func NewRegistry() *Registry {
	return &Registry{
		steps: make(map[string]ports.StepFunc),
		specs: domain.DefaultStepSpecs(),
	}
}

func (r *Registry) Register(name string, fn ports.StepFunc) error {
	if fn == nil {
		return errors.New("step function cannot be nil")
	}
	if _, ok := r.specs[name]; !ok {
		return errors.Errorf("unknown step %q", name)
	}
	r.steps[name] = fn
	return nil
}

// Override replaces the timeout and retry policy of a step.
func (r *Registry) Override(name string, spec domain.StepSpec) error {
	cur, ok := r.specs[name]
	if !ok {
		return errors.Errorf("unknown step %q", name)
	}
	if spec.Timeout > 0 {
		cur.Timeout = spec.Timeout
	}
	if spec.Retry.MaxAttempts > 0 {
		cur.Retry = spec.Retry
	}
	r.specs[name] = cur
	return nil
}

func (r *Registry) Registered() []string {
	names := lo.Keys(r.steps)
	sort.Strings(names)
	return names
}

// Pipeline returns the steps in canonical order plus the cleanup step.
func (r *Registry) Pipeline() (app.Pipeline, error) {
	missing := lo.Filter(domain.RequiredSteps, func(name string, _ int) bool {
		_, ok := r.steps[name]
		return !ok
	})
	if len(missing) > 0 {
		return app.Pipeline{}, errors.Wrapf(ErrMissingStep, "%v", missing)
	}

	var p app.Pipeline
	for _, name := range domain.CanonicalSteps {
		fn, ok := r.steps[name]
		if !ok {
			continue
		}
		p.Steps = append(p.Steps, app.StepDefinition{Spec: r.specs[name], Run: fn})
	}
	if fn, ok := r.steps[domain.StepCleanup]; ok {
		p.Cleanup = &app.StepDefinition{Spec: r.specs[domain.StepCleanup], Run: fn}
	}
	return p, nil
}
