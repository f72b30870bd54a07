// Package bootstrap wires adapters from configuration for the binaries.
package bootstrap

import (
	"context"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"deployq/internal/adapters/database"
	"deployq/internal/adapters/memory"
	"deployq/internal/adapters/queue"
	"deployq/internal/adapters/steps"
	"deployq/internal/app"
	"deployq/internal/config"
	"deployq/internal/metrics"
	"deployq/internal/ports"
)

// Infra holds the long-lived adapters shared by the binaries.
type Infra struct {
	Store       ports.DeploymentStore
	Purger      ports.RetentionPurger
	Transport   ports.QueueTransport
	Maintainer  ports.QueueMaintainer
	DeadLetters ports.DeadLetterReader
	Metrics     *metrics.Metrics

	closers []func()
}

func (i *Infra) Close() {
	for n := len(i.closers) - 1; n >= 0; n-- {
		i.closers[n]()
	}
}

func NewInfra(ctx context.Context, cfg config.Config, reg prometheus.Registerer, logger zerolog.Logger) (*Infra, error) {
	infra := &Infra{Metrics: metrics.New(reg)}

	store, err := newStore(ctx, cfg, infra)
	if err != nil {
		infra.Close()
		return nil, err
	}
	infra.Store = metrics.InstrumentedStore(store, infra.Metrics)
	infra.Purger, _ = infra.Store.(ports.RetentionPurger)

	if err := newTransport(ctx, cfg, infra); err != nil {
		infra.Close()
		return nil, err
	}

	logger.Info().
		Str("store", cfg.Database.Backend).
		Str("queue", cfg.Queue.Backend).
		Str("queue_name", cfg.Queue.Name).
		Msg("infrastructure ready")
	return infra, nil
}

func newStore(ctx context.Context, cfg config.Config, infra *Infra) (ports.DeploymentStore, error) {
	switch cfg.Database.Backend {
	case config.StoreMemory:
		return memory.NewDeploymentStore(cfg.Retention.Period), nil
	case config.StoreSQLite:
		db, err := database.NewSQLiteDB(cfg.Database.SQLitePath)
		if err != nil {
			return nil, err
		}
		if sqlDB, err := db.DB(); err == nil {
			infra.closers = append(infra.closers, func() { sqlDB.Close() })
		}
		return database.NewSQLiteDeploymentStore(db, cfg.Retention.Period), nil
	default:
		pool, err := database.NewPostgresPool(ctx, cfg.Database.URL)
		if err != nil {
			return nil, err
		}
		infra.closers = append(infra.closers, pool.Close)
		return database.NewPostgresDeploymentStore(pool, cfg.Retention.Period), nil
	}
}

func newTransport(ctx context.Context, cfg config.Config, infra *Infra) error {
	switch cfg.Queue.Backend {
	case config.QueueMemory:
		t := memory.NewTransport(cfg.Queue.Lease)
		infra.Transport, infra.Maintainer, infra.DeadLetters = t, t, t
	default:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return errors.Wrap(err, "ping redis")
		}
		t := queue.NewRedisTransport(client, queue.RedisConfig{
			Queue: cfg.Queue.Name,
			Lease: cfg.Queue.Lease,
		})
		infra.closers = append(infra.closers, func() { t.Close() })
		infra.Transport, infra.Maintainer, infra.DeadLetters = t, t, t
	}
	return nil
}

func (i *Infra) Producer(cfg config.Config, logger zerolog.Logger) *app.Producer {
	return app.NewProducer(i.Transport, i.Store, app.ProducerConfig{
		DefaultTimeout: cfg.Workflow.DefaultTimeout,
		UrgentTimeout:  cfg.Workflow.UrgentTimeout,
	}, logger)
}

// Consumer builds the workflow engine on the HTTP step service and the
// consumer around it. parent governs the consumer's lifetime.
func (i *Infra) Consumer(parent context.Context, cfg config.Config, logger zerolog.Logger) (*app.Consumer, error) {
	registry, err := steps.NewHTTPRegistry(steps.HTTPConfig{
		BaseURL: cfg.Steps.ServiceURL,
		Token:   cfg.Steps.Token,
		Timeout: cfg.Steps.Timeout,
	})
	if err != nil {
		return nil, err
	}
	pipeline, err := registry.Pipeline()
	if err != nil {
		return nil, err
	}

	engine := app.NewWorkflowEngine(i.Store, pipeline, app.EngineConfig{
		DefaultTimeout: cfg.Workflow.DefaultTimeout,
	}, logger).WithObserver(i.Metrics)

	ccfg := app.DefaultConsumerConfig()
	ccfg.BatchSize = cfg.Consumer.BatchSize
	ccfg.MaxWait = cfg.Consumer.Wait
	ccfg.MaxDeliveryCount = cfg.Consumer.MaxDeliveryCount
	ccfg.ReceiveBackoff = cfg.Consumer.ReceiveBackoff
	ccfg.RenewInterval = cfg.Queue.Lease / 3

	return app.NewConsumer(parent, i.Transport, engine, i.Store, ccfg, logger).WithObserver(i.Metrics), nil
}

func (i *Infra) Housekeeping(logger zerolog.Logger) *app.HousekeepingRunner {
	return app.NewHousekeepingRunner(i.Maintainer, i.Purger, app.HousekeepingConfig{}, logger)
}
