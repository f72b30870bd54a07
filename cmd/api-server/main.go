package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpAdapter "deployq/internal/adapters/http"
	"deployq/internal/app"
	"deployq/internal/bootstrap"
	"deployq/internal/config"
	"deployq/internal/logging"
)

const serviceName = "deployq-api-server"

func main() {
	cfg, err := config.Load()
	logger := logging.New(serviceName, cfg.Log.Level, cfg.Log.Pretty)
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	infra, err := bootstrap.NewInfra(ctx, cfg, prometheus.DefaultRegisterer, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialise infrastructure")
	}
	defer infra.Close()

	producer := infra.Producer(cfg, logger)
	service := app.NewDeploymentService(infra.Store, logger)
	handler := httpAdapter.NewDeploymentHandler(producer, service, infra.DeadLetters, logger)

	gin.SetMode(gin.ReleaseMode)
	router := httpAdapter.NewRouter(handler, serviceName, logger)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// With the in-process transport nothing else can drain the queue.
	var consumer *app.Consumer
	if cfg.Consumer.Embedded || cfg.Local() {
		consumer, err = infra.Consumer(ctx, cfg, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to build embedded consumer")
		}
		go func() {
			if err := consumer.Run(); err != nil && ctx.Err() == nil {
				logger.Error().Err(err).Msg("Embedded consumer stopped")
			}
		}()
		go infra.Housekeeping(logger).Start(ctx)
		logger.Info().Msg("Embedded consumer started")
	}

	srv := &http.Server{
		Addr:    ":" + cfg.HTTP.Port,
		Handler: router,
	}

	go func() {
		logger.Info().Str("port", cfg.HTTP.Port).Msg("Starting API server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}
	if consumer != nil {
		if err := consumer.Stop(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Embedded consumer did not stop in time")
		}
	}
	cancel()

	logger.Info().Msg("Server exited")
}
