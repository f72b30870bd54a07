package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"deployq/internal/bootstrap"
	"deployq/internal/config"
	"deployq/internal/logging"
)

const serviceName = "deployq-consumer"

func main() {
	cfg, err := config.Load()
	logger := logging.New(serviceName, cfg.Log.Level, cfg.Log.Pretty)
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid configuration")
	}
	if cfg.Local() {
		logger.Fatal().Msg("The in-process queue cannot be shared; run the API server with the memory backend instead")
	}

	logger.Info().Msg("Consumer starting...")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	infra, err := bootstrap.NewInfra(ctx, cfg, prometheus.DefaultRegisterer, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialise infrastructure")
	}
	defer infra.Close()

	consumer, err := infra.Consumer(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to build consumer")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	probe := &http.Server{Addr: cfg.HTTP.MetricsAddr, Handler: mux}
	go func() {
		if err := probe.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()

	go infra.Housekeeping(logger).Start(ctx)

	runErr := make(chan error, 1)
	go func() { runErr <- consumer.Run() }()
	logger.Info().Str("queue", cfg.Queue.Name).Msg("Consumer started successfully")

	select {
	case <-ctx.Done():
	case err := <-runErr:
		logger.Error().Err(err).Msg("Consumer loop exited")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.Workflow.DefaultTimeout)
	defer stopCancel()
	if err := consumer.Stop(stopCtx); err != nil {
		logger.Error().Err(err).Msg("Consumer did not stop in time")
	}
	probe.Shutdown(stopCtx)

	logger.Info().Msg("Consumer stopped")
}
