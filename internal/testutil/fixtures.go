package testutil

import (
	"time"

	"github.com/google/uuid"

	"deployq/internal/domain"
)

func NewTestOwner() domain.Owner {
	return domain.Owner{
		OrganizationID: "org-" + uuid.NewString()[:8],
		UserID:         "user-" + uuid.NewString()[:8],
	}
}

func NewTestParams(owner domain.Owner) domain.DeploymentParams {
	return domain.DeploymentParams{
		TargetID: "site-" + uuid.NewString()[:8],
		Owner:    owner,
	}
}

func NewTestMessage(owner domain.Owner) *domain.QueueMessage {
	return &domain.QueueMessage{
		SchemaVersion: domain.MessageSchemaVersion,
		Metadata: domain.MessageMetadata{
			DeploymentID: uuid.NewString(),
			CreatedAt:    time.Now().UTC(),
			Owner:        owner,
			Priority:     domain.DefaultPriority,
		},
		Params: NewTestParams(owner),
	}
}

// NewTestState builds a PENDING state whose StartedAt is at, truncated to
// the microsecond precision the stores keep.
func NewTestState(owner domain.Owner, at time.Time) *domain.DeploymentState {
	return domain.NewDeploymentState(NewTestMessage(owner), at.UTC().Truncate(time.Microsecond))
}
