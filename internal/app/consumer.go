package app

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"deployq/internal/domain"
	"deployq/internal/ports"
)

type Outcome string

const (
	OutcomeCompleted    Outcome = "completed"
	OutcomeAbandoned    Outcome = "abandoned"
	OutcomeDeadLettered Outcome = "dead_lettered"
	OutcomeUnresolved   Outcome = "unresolved"
)

type ConsumerConfig struct {
	BatchSize        int
	MaxWait          time.Duration
	MaxDeliveryCount int
	ReceiveBackoff   time.Duration
	MaxBackoff       time.Duration
	SettleTimeout    time.Duration
	// RenewInterval is how often a message lease is extended while its run
	// is in progress. Zero renews at a third of the lease granted on receive.
	RenewInterval time.Duration
}

func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		BatchSize:        5,
		MaxWait:          30 * time.Second,
		MaxDeliveryCount: 3,
		ReceiveBackoff:   time.Second,
		MaxBackoff:       30 * time.Second,
		SettleTimeout:    10 * time.Second,
	}
}

type MessageOutcome struct {
	MessageID     string
	DeploymentID  string
	DeliveryCount int
	Outcome       Outcome
	Success       bool
	Err           error
}

type BatchResult struct {
	Outcomes  []MessageOutcome
	Succeeded int
	Failed    int
	Duration  time.Duration
}

// BatchObserver receives per-batch and per-message outcomes.
type BatchObserver interface {
	ObserveMessage(outcome string)
	ObserveBatch(size int, d time.Duration)
}

// Consumer pulls batches from the transport and runs the workflow engine for
// each message concurrently, bounded by the batch size.
type Consumer struct {
	transport ports.QueueTransport
	engine    ports.WorkflowEngine
	store     ports.DeploymentStore
	cfg       ConsumerConfig
	logger    zerolog.Logger
	observer  BatchObserver
	now       func() time.Time
	ctx       context.Context
	cancel    context.CancelFunc
	started   atomic.Bool
	done      chan struct{}
}

func NewConsumer(parent context.Context, transport ports.QueueTransport, engine ports.WorkflowEngine, store ports.DeploymentStore, cfg ConsumerConfig, logger zerolog.Logger) *Consumer {
	def := DefaultConsumerConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = def.MaxWait
	}
	if cfg.MaxDeliveryCount <= 0 {
		cfg.MaxDeliveryCount = def.MaxDeliveryCount
	}
	if cfg.ReceiveBackoff <= 0 {
		cfg.ReceiveBackoff = def.ReceiveBackoff
	}
	if cfg.MaxBackoff < cfg.ReceiveBackoff {
		cfg.MaxBackoff = cfg.ReceiveBackoff
	}
	if cfg.SettleTimeout <= 0 {
		cfg.SettleTimeout = def.SettleTimeout
	}
	ctx, cancel := context.WithCancel(parent)
	return &Consumer{
		transport: transport,
		engine:    engine,
		store:     store,
		cfg:       cfg,
		logger:    logger.With().Str("component", "consumer").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

func (c *Consumer) WithObserver(o BatchObserver) *Consumer {
	c.observer = o
	return c
}

// Run receives and processes batches until the consumer is stopped. Receive
// failures pause the loop with a bounded backoff and never end it.
func (c *Consumer) Run() error {
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("consumer already started or stopped")
	}
	defer close(c.done)
	backoff := c.cfg.ReceiveBackoff
	for {
		select {
		case <-c.ctx.Done():
			return c.ctx.Err()
		default:
		}

		msgs, err := c.transport.ReceiveBatch(c.ctx, c.cfg.BatchSize, c.cfg.MaxWait)
		if err != nil {
			if c.ctx.Err() != nil {
				return c.ctx.Err()
			}
			c.logger.Error().Err(err).Dur("retry_in", backoff).Msg("receive batch failed")
			if serr := sleepContext(c.ctx, backoff); serr != nil {
				return serr
			}
			backoff *= 2
			if backoff > c.cfg.MaxBackoff {
				backoff = c.cfg.MaxBackoff
			}
			continue
		}
		backoff = c.cfg.ReceiveBackoff
		if len(msgs) == 0 {
			continue
		}

		res := c.ProcessBatch(c.ctx, msgs)
		c.logger.Info().
			Int("size", len(msgs)).
			Int("succeeded", res.Succeeded).
			Int("failed", res.Failed).
			Dur("duration", res.Duration).
			Msg("batch processed")
	}
}

// Stop cancels the receive loop and waits for the batch in flight.
func (c *Consumer) Stop(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	if c.started.CompareAndSwap(false, true) {
		close(c.done)
	}
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return errors.New("timeout waiting for consumer to stop")
	}
}

// ProcessBatch handles every message of a batch concurrently. One message's
// failure or panic never affects its siblings.
func (c *Consumer) ProcessBatch(ctx context.Context, msgs []*domain.LockedMessage) BatchResult {
	start := time.Now()
	outcomes := make([]MessageOutcome, len(msgs))

	var wg sync.WaitGroup
	for i, msg := range msgs {
		wg.Add(1)
		go func(i int, msg *domain.LockedMessage) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error().Str("message_id", msg.ID).Str("stack", string(debug.Stack())).Msgf("message handler panicked: %v", r)
					outcomes[i] = MessageOutcome{
						MessageID:     msg.ID,
						DeliveryCount: msg.DeliveryCount,
						Outcome:       OutcomeUnresolved,
						Err:           fmt.Errorf("panic: %v", r),
					}
				}
			}()
			outcomes[i] = c.handle(ctx, msg)
		}(i, msg)
	}
	wg.Wait()

	res := BatchResult{Outcomes: outcomes, Duration: time.Since(start)}
	for _, o := range outcomes {
		if o.Success {
			res.Succeeded++
		} else {
			res.Failed++
		}
		if c.observer != nil {
			c.observer.ObserveMessage(string(o.Outcome))
		}
	}
	if c.observer != nil {
		c.observer.ObserveBatch(len(msgs), res.Duration)
	}
	return res
}

func (c *Consumer) handle(ctx context.Context, msg *domain.LockedMessage) MessageOutcome {
	out := MessageOutcome{MessageID: msg.ID, DeliveryCount: msg.DeliveryCount}
	log := c.logger.With().Str("message_id", msg.ID).Int("delivery_count", msg.DeliveryCount).Logger()

	qm, err := domain.DecodeQueueMessage(msg.Body)
	if err != nil {
		log.Warn().Err(err).Msg("invalid message")
		out.Err = err
		out.Outcome = c.deadLetter(ctx, msg, domain.ReasonInvalidMessage, err, log)
		return out
	}
	out.DeploymentID = qm.Metadata.DeploymentID
	log = log.With().Str("deployment_id", qm.Metadata.DeploymentID).Logger()

	final := msg.DeliveryCount >= c.cfg.MaxDeliveryCount
	runCtx, stopRenew := c.keepLease(ctx, msg, log)
	defer stopRenew()
	res, err := c.engine.Execute(runCtx, qm, ports.ExecuteOptions{FinalAttempt: final, DeliveryCount: msg.DeliveryCount})
	if stopRenew() {
		if err == nil {
			err = domain.ErrLockLost
		}
		log.Warn().Err(err).Msg("lease lost during run, message left to its next holder")
		out.Err = err
		out.Outcome = OutcomeUnresolved
		return out
	}
	if err == nil {
		out.Success = true
		out.Outcome = c.complete(ctx, msg, log)
		log.Info().Str("status", string(res.Status)).Msg("message resolved")
		return out
	}
	out.Err = err

	if ctx.Err() != nil {
		out.Outcome = c.abandon(ctx, msg, "consumer shutting down", log)
		return out
	}

	retryable := domain.IsRetryable(err)
	if final || !retryable {
		reason := domain.ReasonNonRetryableError
		if retryable {
			reason = domain.ReasonDeliveryCountExceeded
		}
		out.Outcome = c.deadLetter(ctx, msg, reason, err, log)
		c.markFailed(ctx, qm, err, log)
		return out
	}

	out.Outcome = c.abandon(ctx, msg, err.Error(), log)
	return out
}

// keepLease renews the lease of msg in the background until the returned stop
// function is called. Losing the lock cancels the returned context; stop
// reports whether that happened and may be called more than once.
func (c *Consumer) keepLease(ctx context.Context, msg *domain.LockedMessage, log zerolog.Logger) (context.Context, func() bool) {
	runCtx, cancel := context.WithCancel(ctx)
	interval := c.cfg.RenewInterval
	if interval <= 0 {
		interval = time.Until(msg.LockedUntil) / 3
	}
	if interval <= 0 {
		return runCtx, func() bool {
			cancel()
			return false
		}
	}

	var lost atomic.Bool
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				err := c.transport.Renew(runCtx, msg)
				if err == nil {
					continue
				}
				if errors.Is(err, domain.ErrLockLost) {
					lost.Store(true)
					cancel()
					return
				}
				log.Warn().Err(err).Msg("lease renewal failed")
			case <-stop:
				return
			case <-runCtx.Done():
				return
			}
		}
	}()

	var once sync.Once
	return runCtx, func() bool {
		once.Do(func() {
			close(stop)
			<-done
			cancel()
		})
		return lost.Load()
	}
}

func (c *Consumer) settleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), c.cfg.SettleTimeout)
}

func (c *Consumer) complete(ctx context.Context, msg *domain.LockedMessage, log zerolog.Logger) Outcome {
	sctx, cancel := c.settleContext(ctx)
	defer cancel()
	if err := c.transport.Complete(sctx, msg); err != nil {
		log.Warn().Err(err).Msg("complete failed, message will be redelivered")
		return OutcomeUnresolved
	}
	return OutcomeCompleted
}

func (c *Consumer) abandon(ctx context.Context, msg *domain.LockedMessage, reason string, log zerolog.Logger) Outcome {
	sctx, cancel := c.settleContext(ctx)
	defer cancel()
	if err := c.transport.Abandon(sctx, msg, reason); err != nil {
		log.Warn().Err(err).Msg("abandon failed, lease expiry will redeliver")
		return OutcomeUnresolved
	}
	log.Info().Str("reason", reason).Msg("message abandoned for retry")
	return OutcomeAbandoned
}

func (c *Consumer) deadLetter(ctx context.Context, msg *domain.LockedMessage, reason domain.DeadLetterReason, cause error, log zerolog.Logger) Outcome {
	sctx, cancel := c.settleContext(ctx)
	defer cancel()
	if err := c.transport.DeadLetter(sctx, msg, reason, cause.Error()); err != nil {
		log.Error().Err(err).Msg("dead-letter failed")
		return OutcomeUnresolved
	}
	log.Warn().Str("reason", string(reason)).Err(cause).Msg("message dead-lettered")
	return OutcomeDeadLettered
}

// markFailed commits FAILED for a dead-lettered deployment that the engine
// left non-terminal, so clients see the real error.
func (c *Consumer) markFailed(ctx context.Context, qm *domain.QueueMessage, cause error, log zerolog.Logger) {
	if c.store == nil {
		return
	}
	sctx, cancel := c.settleContext(ctx)
	defer cancel()

	for i := 0; i < 3; i++ {
		state, err := c.store.Get(sctx, qm.Metadata.DeploymentID, qm.Metadata.Owner.Key())
		if err != nil {
			log.Error().Err(err).Msg("load state for dead-lettered deployment failed")
			return
		}
		if state == nil || state.Status.IsTerminal() {
			return
		}
		if err := state.Fail(cause, c.now()); err != nil {
			log.Error().Err(err).Msg("cannot mark dead-lettered deployment failed")
			return
		}
		err = c.store.Update(sctx, state)
		if err == nil {
			return
		}
		if !errors.Is(err, domain.ErrVersionConflict) {
			log.Error().Err(err).Msg("persist failed status for dead-lettered deployment failed")
			return
		}
	}
}
