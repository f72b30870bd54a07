package ports

import (
	"context"
	"time"

	"deployq/internal/domain"
)

// StepContext is what a step collaborator sees. Cancellation arrives through
// the context.Context passed alongside it.
type StepContext struct {
	DeploymentID string
	Params       domain.DeploymentParams
	Config       domain.DeploymentConfig
	Results      []domain.StepResult
	Attempt      int
}

// Data returns the data a prior step produced, or nil.
func (c StepContext) Data(step string) map[string]interface{} {
	for _, r := range c.Results {
		if r.Name == step && r.Success {
			return r.Data
		}
	}
	return nil
}

// StepFunc is the uniform contract for pipeline steps. Implementations must
// tolerate being invoked more than once for the same deployment.
type StepFunc func(ctx context.Context, sc StepContext) (map[string]interface{}, error)

// Producer submits deployment messages. ScheduleRetry is for retries an
// embedding application initiates after a cool-down; consumer retries go
// through transport redelivery.
type Producer interface {
	Enqueue(ctx context.Context, params domain.DeploymentParams, cfg *domain.RunConfig) (string, error)
	Schedule(ctx context.Context, params domain.DeploymentParams, delay time.Duration, cfg *domain.RunConfig) (string, error)
	SendUrgent(ctx context.Context, params domain.DeploymentParams) (string, error)
	ScheduleRetry(ctx context.Context, original *domain.QueueMessage, attempt int, lastErr error) error
}

type DeploymentService interface {
	Get(ctx context.Context, id string, owner domain.Owner) (*domain.DeploymentState, error)
	List(ctx context.Context, owner domain.Owner, filter ListFilter, pageToken string) ([]*domain.DeploymentState, string, error)
	Cancel(ctx context.Context, id string, owner domain.Owner) (*domain.DeploymentState, error)
	Delete(ctx context.Context, id string, owner domain.Owner) error
}

type WorkflowEngine interface {
	Execute(ctx context.Context, msg *domain.QueueMessage, opts ExecuteOptions) (domain.DeploymentResult, error)
}

type ExecuteOptions struct {
	// FinalAttempt is set when the message will not be delivered again, so a
	// retryable failure must still commit the FAILED status.
	FinalAttempt  bool
	DeliveryCount int
}
