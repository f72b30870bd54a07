package app

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"deployq/internal/domain"
	"deployq/internal/ports"
)

const maxCancelAttempts = 3

// deploymentService is the status-query and cancellation side. It reads the
// store directly and never touches the queue.
type deploymentService struct {
	store  ports.DeploymentStore
	logger zerolog.Logger
	now    func() time.Time
}

func NewDeploymentService(store ports.DeploymentStore, logger zerolog.Logger) ports.DeploymentService {
	return &deploymentService{
		store:  store,
		logger: logger.With().Str("component", "deployments").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *deploymentService) Get(ctx context.Context, id string, owner domain.Owner) (*domain.DeploymentState, error) {
	state, err := s.store.Get(ctx, id, owner.Key())
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, domain.ErrDeploymentNotFound
	}
	return state, nil
}

func (s *deploymentService) List(ctx context.Context, owner domain.Owner, filter ports.ListFilter, pageToken string) ([]*domain.DeploymentState, string, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, "", domain.NewValidationError("unknown status %q", filter.Status)
	}
	if _, err := ports.DecodePageToken(pageToken); err != nil {
		return nil, "", domain.NewValidationError("invalid page token")
	}
	return s.store.List(ctx, owner.Key(), filter, pageToken)
}

// Cancel marks a live deployment CANCELLED. The engine stops before its next
// step; the step in flight runs to completion.
func (s *deploymentService) Cancel(ctx context.Context, id string, owner domain.Owner) (*domain.DeploymentState, error) {
	for i := 0; i < maxCancelAttempts; i++ {
		state, err := s.Get(ctx, id, owner)
		if err != nil {
			return nil, err
		}
		if state.Status.IsTerminal() {
			return state, errors.Wrapf(domain.ErrInvalidTransition, "deployment is already %s", state.Status)
		}
		now := s.now()
		if err := state.Transition(domain.StatusCancelled, "cancelled by request", now); err != nil {
			return nil, err
		}
		err = s.store.Update(ctx, state)
		if errors.Is(err, domain.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		s.logger.Info().Str("deployment_id", id).Msg("deployment cancelled")
		return state, nil
	}
	return nil, domain.ErrVersionConflict
}

func (s *deploymentService) Delete(ctx context.Context, id string, owner domain.Owner) error {
	state, err := s.Get(ctx, id, owner)
	if err != nil {
		return err
	}
	if !state.Status.IsTerminal() {
		return errors.Wrap(domain.ErrInvalidTransition, "only finished deployments can be deleted")
	}
	return s.store.Delete(ctx, id, owner.Key())
}
