package app

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"deployq/internal/ports"
)

type HousekeepingConfig struct {
	FastInterval time.Duration
	SlowInterval time.Duration
}

// HousekeepingRunner sweeps transport leases and scheduled messages on a fast
// tick and purges expired deployments on a slow tick. Either dependency may
// be nil when the backend needs no sweeping.
type HousekeepingRunner struct {
	maintainer ports.QueueMaintainer
	purger     ports.RetentionPurger
	cfg        HousekeepingConfig
	logger     zerolog.Logger
	now        func() time.Time
}

func NewHousekeepingRunner(maintainer ports.QueueMaintainer, purger ports.RetentionPurger, cfg HousekeepingConfig, logger zerolog.Logger) *HousekeepingRunner {
	if cfg.FastInterval <= 0 {
		cfg.FastInterval = 2 * time.Second
	}
	if cfg.SlowInterval <= 0 {
		cfg.SlowInterval = 60 * time.Second
	}
	return &HousekeepingRunner{
		maintainer: maintainer,
		purger:     purger,
		cfg:        cfg,
		logger:     logger.With().Str("component", "housekeeping").Logger(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (r *HousekeepingRunner) Start(ctx context.Context) error {
	r.logger.Info().Msg("starting housekeeping")

	fastTicker := time.NewTicker(r.cfg.FastInterval)
	slowTicker := time.NewTicker(r.cfg.SlowInterval)

	defer fastTicker.Stop()
	defer slowTicker.Stop()

	go r.fastTick(ctx, fastTicker)
	go r.slowTick(ctx, slowTicker)

	<-ctx.Done()
	r.logger.Info().Msg("housekeeping shutting down")
	return nil
}

func (r *HousekeepingRunner) fastTick(ctx context.Context, ticker *time.Ticker) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.SweepQueue(ctx)
		}
	}
}

func (r *HousekeepingRunner) slowTick(ctx context.Context, ticker *time.Ticker) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.PurgeExpired(ctx)
		}
	}
}

func (r *HousekeepingRunner) SweepQueue(ctx context.Context) {
	if r.maintainer == nil {
		return
	}
	promoted, reclaimed, err := r.maintainer.Maintain(ctx, r.now())
	if err != nil {
		r.logger.Error().Err(err).Msg("queue maintenance failed")
		return
	}
	if promoted+reclaimed > 0 {
		r.logger.Info().Int("promoted", promoted).Int("reclaimed", reclaimed).Msg("queue maintenance")
	}
}

func (r *HousekeepingRunner) PurgeExpired(ctx context.Context) {
	if r.purger == nil {
		return
	}
	n, err := r.purger.PurgeExpired(ctx, r.now())
	if err != nil {
		r.logger.Error().Err(err).Msg("purging expired deployments failed")
		return
	}
	if n > 0 {
		r.logger.Info().Int64("purged", n).Msg("purged expired deployments")
	}
}
