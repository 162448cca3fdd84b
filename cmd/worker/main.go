package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"comfyworker/internal/comfy"
	"comfyworker/internal/httpapi"
	"comfyworker/internal/infra"
	"comfyworker/internal/jobstore"
	"comfyworker/internal/outputs"
	"comfyworker/internal/telemetry"
	"comfyworker/internal/worker"
	"comfyworker/internal/workflows"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := comfy.NewClient(comfy.Options{
		BaseURL:         cfg.ComfyBaseURI,
		Timeout:         cfg.RequestTimeout,
		Logger:          &logger,
		HistoryAttempts: cfg.HistoryAttempts,
		HistoryDelay:    cfg.HistoryDelay,
	})

	stream := comfy.NewStreamMonitor(comfy.StreamConfig{
		URL:               client.WebsocketURL,
		ReconnectAttempts: cfg.WSReconnectAttempts,
		ReconnectDelay:    cfg.WSReconnectDelay,
		Logger:            logger,
		DebugFile:         cfg.WSDebugFile,
	})

	var uploader outputs.Uploader
	if cfg.BucketEndpointURL != "" {
		s3up, err := outputs.NewS3Uploader(ctx, outputs.S3Options{
			EndpointURL:     cfg.BucketEndpointURL,
			Bucket:          cfg.BucketName,
			Region:          cfg.BucketRegion,
			AccessKeyID:     cfg.BucketAccessKeyID,
			SecretAccessKey: cfg.BucketSecretKey,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to configure bucket uploader")
		}
		uploader = s3up
		logger.Info().Str("endpoint", cfg.BucketEndpointURL).Msg("outputs will be uploaded to object storage")
	}

	runner := worker.NewRunner(
		client,
		stream,
		comfy.NewFinalizer(client, cfg.FinalizeAttempts, cfg.FinalizeDelay, logger),
		outputs.NewProcessor(client, uploader, logger),
		logger,
	)

	app := &httpapi.App{
		Runner:    runner,
		Store:     jobstore.NewMemoryStore(),
		Client:    client,
		Workflows: workflows.NewRegistry(cfg.WorkflowsDir),
		Probe:     telemetry.NewProbe(logger),
		Log:       logger,
		BaseCtx:   ctx,
	}

	if !client.CheckServer(ctx, cfg.APIAvailableMaxRetries, cfg.APIAvailableInterval) {
		logger.Fatal().Msg("ComfyUI server is not ready")
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      httpapi.NewRouter(app),
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("port", cfg.Port).Str("comfy_base_uri", cfg.ComfyBaseURI).Msg("worker API listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server stopped with error")
	}
	logger.Info().Msg("worker stopped")
}
