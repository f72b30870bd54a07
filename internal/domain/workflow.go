package domain

import (
	"time"
)

const (
	StepValidate             = "validate"
	StepProvisionEnvironment = "provisionEnvironment"
	StepSyncFiles            = "syncFiles"
	StepBuild                = "build"
	StepDeploy               = "deploy"
	StepConfigureDomain      = "configureDomain"
	StepFinalize             = "finalize"
	StepCleanup              = "cleanup"
)

// CanonicalSteps is the fixed execution order. configureDomain only runs
// when the request names a custom domain and a collaborator is registered.
var CanonicalSteps = []string{
	StepValidate,
	StepProvisionEnvironment,
	StepSyncFiles,
	StepBuild,
	StepDeploy,
	StepConfigureDomain,
	StepFinalize,
}

// RequiredSteps must be present in every pipeline.
var RequiredSteps = []string{
	StepValidate,
	StepProvisionEnvironment,
	StepSyncFiles,
	StepBuild,
	StepDeploy,
	StepFinalize,
}

type BackoffPolicy string

const (
	BackoffNone        BackoffPolicy = "none"
	BackoffLinear      BackoffPolicy = "linear"
	BackoffExponential BackoffPolicy = "exponential"
)

type RetryPolicy struct {
	MaxAttempts int
	Backoff     BackoffPolicy
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Delay returns the pause before the given attempt (attempt 2 is the first
// retry).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	return BackoffDelay(p.Backoff, attempt-1, p.BaseDelay, p.MaxDelay)
}

// BackoffDelay computes the delay for the n-th retry (n >= 1).
func BackoffDelay(policy BackoffPolicy, n int, base, max time.Duration) time.Duration {
	if n < 1 {
		n = 1
	}
	var delay time.Duration
	switch policy {
	case BackoffLinear:
		delay = time.Duration(n) * base
	case BackoffExponential:
		if n > 30 {
			n = 30
		}
		delay = time.Duration(1<<uint(n-1)) * base
	default:
		delay = base
	}
	if max > 0 && delay > max {
		delay = max
	}
	return delay
}

type StepSpec struct {
	Name     string
	Status   StatusStage
	Progress int
	Timeout  time.Duration
	Retry    RetryPolicy
}

type StatusStage struct {
	Status Status
	Stage  string
}

// DefaultStepSpecs are the per-step status, progress, timeout and retry
// defaults of the pipeline.
func DefaultStepSpecs() map[string]StepSpec {
	linear := func(n int) RetryPolicy {
		return RetryPolicy{MaxAttempts: n, Backoff: BackoffLinear, BaseDelay: time.Second, MaxDelay: 30 * time.Second}
	}
	exp := func(n int) RetryPolicy {
		return RetryPolicy{MaxAttempts: n, Backoff: BackoffExponential, BaseDelay: time.Second, MaxDelay: 30 * time.Second}
	}
	once := RetryPolicy{MaxAttempts: 1, Backoff: BackoffNone}

	return map[string]StepSpec{
		StepValidate: {
			Name: StepValidate, Status: StatusStage{StatusValidating, "validating request"},
			Progress: 10, Timeout: 30 * time.Second, Retry: linear(3),
		},
		StepProvisionEnvironment: {
			Name: StepProvisionEnvironment, Status: StatusStage{StatusProvisioning, "provisioning environment"},
			Progress: 25, Timeout: 5 * time.Minute, Retry: exp(2),
		},
		StepSyncFiles: {
			Name: StepSyncFiles, Status: StatusStage{StatusSyncingFiles, "syncing files"},
			Progress: 40, Timeout: 2 * time.Minute, Retry: linear(2),
		},
		StepBuild: {
			Name: StepBuild, Status: StatusStage{StatusBuilding, "building"},
			Progress: 65, Timeout: 10 * time.Minute, Retry: linear(2),
		},
		StepDeploy: {
			Name: StepDeploy, Status: StatusStage{StatusDeploying, "deploying"},
			Progress: 85, Timeout: 5 * time.Minute, Retry: exp(5),
		},
		StepConfigureDomain: {
			Name: StepConfigureDomain, Status: StatusStage{StatusConfiguringDomain, "configuring domain"},
			Progress: 92, Timeout: 2 * time.Minute, Retry: exp(3),
		},
		StepFinalize: {
			Name: StepFinalize, Status: StatusStage{StatusFinalizing, "finalizing"},
			Progress: 99, Timeout: time.Minute, Retry: once,
		},
		StepCleanup: {
			Name: StepCleanup, Timeout: 2 * time.Minute, Retry: once,
		},
	}
}
