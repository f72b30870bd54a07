package app

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"deployq/internal/domain"
	"deployq/internal/ports"
)

const (
	MaxScheduleDelay = 24 * time.Hour

	RetryBaseDelay = 60 * time.Second
	RetryMaxDelay  = 3600 * time.Second
)

type ProducerConfig struct {
	DefaultTimeout time.Duration
	UrgentTimeout  time.Duration
}

func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		DefaultTimeout: 10 * time.Minute,
		UrgentTimeout:  5 * time.Minute,
	}
}

// Producer turns deployment requests into queue messages. When a store is
// configured the PENDING state is written before the message is sent, so
// the deployment is queryable as soon as its id is returned.
type Producer struct {
	transport ports.QueueTransport
	store     ports.DeploymentStore
	cfg       ProducerConfig
	logger    zerolog.Logger
	now       func() time.Time
	newID     func() string
}

func NewProducer(transport ports.QueueTransport, store ports.DeploymentStore, cfg ProducerConfig, logger zerolog.Logger) *Producer {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultProducerConfig().DefaultTimeout
	}
	if cfg.UrgentTimeout <= 0 {
		cfg.UrgentTimeout = DefaultProducerConfig().UrgentTimeout
	}
	return &Producer{
		transport: transport,
		store:     store,
		cfg:       cfg,
		logger:    logger.With().Str("component", "producer").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
	}
}

func (p *Producer) Enqueue(ctx context.Context, params domain.DeploymentParams, cfg *domain.RunConfig) (string, error) {
	msg, err := p.newMessage(params, cfg, domain.DefaultPriority, p.cfg.DefaultTimeout)
	if err != nil {
		return "", err
	}
	if err := p.submit(ctx, msg, domain.SendOptions{MessageID: msg.Metadata.DeploymentID}); err != nil {
		return "", err
	}
	return msg.Metadata.DeploymentID, nil
}

func (p *Producer) Schedule(ctx context.Context, params domain.DeploymentParams, delay time.Duration, cfg *domain.RunConfig) (string, error) {
	if delay < 0 || delay > MaxScheduleDelay {
		return "", domain.NewValidationError("delay must be between 0 and %s", MaxScheduleDelay)
	}
	msg, err := p.newMessage(params, cfg, domain.DefaultPriority, p.cfg.DefaultTimeout)
	if err != nil {
		return "", err
	}
	opts := domain.SendOptions{
		MessageID: msg.Metadata.DeploymentID,
		DeliverAt: msg.Metadata.CreatedAt.Add(delay),
	}
	if err := p.submit(ctx, msg, opts); err != nil {
		return "", err
	}
	return msg.Metadata.DeploymentID, nil
}

// SendUrgent raises the priority hint and shortens the run timeout.
func (p *Producer) SendUrgent(ctx context.Context, params domain.DeploymentParams) (string, error) {
	msg, err := p.newMessage(params, nil, domain.MaxPriority, p.cfg.UrgentTimeout)
	if err != nil {
		return "", err
	}
	if err := p.submit(ctx, msg, domain.SendOptions{MessageID: msg.Metadata.DeploymentID}); err != nil {
		return "", err
	}
	return msg.Metadata.DeploymentID, nil
}

// ScheduleRetry re-sends original after an exponential cool-down. The derived
// message id keeps two retries of the same attempt from being in flight.
func (p *Producer) ScheduleRetry(ctx context.Context, original *domain.QueueMessage, attempt int, lastErr error) error {
	if original == nil {
		return domain.NewValidationError("original message is required")
	}
	if attempt < 1 {
		return domain.NewValidationError("attempt must be at least 1")
	}
	msg := *original
	msg.Metadata.RetryCount = attempt
	if lastErr != nil {
		msg.Metadata.LastError = lastErr.Error()
	}
	if original.Config != nil {
		cfg := *original.Config
		msg.Config = &cfg
	}

	deliverAt := p.now().Add(RetryDelay(attempt))
	body, err := msg.Encode()
	if err != nil {
		return errors.Wrap(err, "encode retry message")
	}
	opts := domain.SendOptions{
		MessageID: domain.RetryMessageID(msg.Metadata.DeploymentID, attempt),
		Priority:  msg.Metadata.Priority,
	}
	if err := p.transport.ScheduleAt(ctx, body, deliverAt, opts); err != nil {
		return domain.NewTransientError(err, "schedule retry")
	}
	p.logger.Info().
		Str("deployment_id", msg.Metadata.DeploymentID).
		Int("attempt", attempt).
		Time("deliver_at", deliverAt).
		Msg("retry scheduled")
	return nil
}

// RetryDelay is min(60s * 2^(attempt-1), 3600s).
func RetryDelay(attempt int) time.Duration {
	return domain.BackoffDelay(domain.BackoffExponential, attempt, RetryBaseDelay, RetryMaxDelay)
}

func (p *Producer) newMessage(params domain.DeploymentParams, cfg *domain.RunConfig, priority int, timeout time.Duration) (*domain.QueueMessage, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	run := domain.RunConfig{}
	if cfg != nil {
		run = *cfg
		run.SkipSteps = append([]string(nil), cfg.SkipSteps...)
	}
	if run.TimeoutSeconds <= 0 {
		run.TimeoutSeconds = int(timeout / time.Second)
	}
	return &domain.QueueMessage{
		SchemaVersion: domain.MessageSchemaVersion,
		Metadata: domain.MessageMetadata{
			DeploymentID: p.newID(),
			CreatedAt:    p.now(),
			Owner:        params.Owner,
			Priority:     domain.ClampPriority(priority),
		},
		Params: params,
		Config: &run,
	}, nil
}

func (p *Producer) submit(ctx context.Context, msg *domain.QueueMessage, opts domain.SendOptions) error {
	body, err := msg.Encode()
	if err != nil {
		return errors.Wrap(err, "encode queue message")
	}
	opts.Priority = msg.Metadata.Priority

	var state *domain.DeploymentState
	if p.store != nil {
		state = domain.NewDeploymentState(msg, msg.Metadata.CreatedAt)
		if err := p.store.Create(ctx, state); err != nil {
			return domain.NewTransientError(err, "create deployment state")
		}
	}

	if err := p.transport.Send(ctx, body, opts); err != nil {
		p.logger.Error().Err(err).Str("deployment_id", msg.Metadata.DeploymentID).Msg("send failed")
		sendErr := domain.NewTransientError(err, "send queue message")
		if state != nil {
			if ferr := state.Fail(sendErr, p.now()); ferr == nil {
				if uerr := p.store.Update(ctx, state); uerr != nil {
					p.logger.Warn().Err(uerr).Str("deployment_id", state.DeploymentID).Msg("failed to mark unsent deployment")
				}
			}
		}
		return sendErr
	}

	p.logger.Info().
		Str("deployment_id", msg.Metadata.DeploymentID).
		Str("target_id", msg.Params.TargetID).
		Int("priority", msg.Metadata.Priority).
		Msg("deployment queued")
	return nil
}
