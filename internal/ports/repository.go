package ports

import (
	"context"
	"time"

	"deployq/internal/domain"
)

type ListFilter struct {
	Status domain.Status
	Limit  int
}

// DeploymentStore persists one document per deployment, partitioned by owner
// key. Get returns nil, nil when the document does not exist.
type DeploymentStore interface {
	Create(ctx context.Context, state *domain.DeploymentState) error
	Get(ctx context.Context, id, ownerKey string) (*domain.DeploymentState, error)
	Update(ctx context.Context, state *domain.DeploymentState) error
	List(ctx context.Context, ownerKey string, filter ListFilter, pageToken string) ([]*domain.DeploymentState, string, error)
	Delete(ctx context.Context, id, ownerKey string) error
}

// RetentionPurger removes terminal deployments whose retention window ended.
type RetentionPurger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}
