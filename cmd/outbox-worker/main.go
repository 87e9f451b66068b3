package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/mosabry99/ClinicWave/internal/config"
	"github.com/mosabry99/ClinicWave/internal/db"
	"github.com/mosabry99/ClinicWave/internal/logging"
	"github.com/mosabry99/ClinicWave/internal/metrics"
	"github.com/mosabry99/ClinicWave/internal/outbox"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.Env).With().Str("service", "outbox-worker").Logger()
	logger.Info().Str("env", cfg.Env).Dur("interval", cfg.WorkerInterval).Int("batch_size", cfg.OutboxBatchSize).
		Msg("outbox-worker starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg)
	cancelPg()
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres connection error")
	}
	defer pgPool.Close()
	logger.Info().Msg("connected to Postgres")

	sinks := []outbox.Sink{outbox.NewLogSink(logger)}
	if cfg.EventsQueueURL != "" {
		client, err := outbox.NewSQSClient(rootCtx, cfg)
		if err != nil {
			logger.Fatal().Err(err).Msg("aws config error")
		}
		sinks = append(sinks, outbox.NewSQSSink(client, cfg.EventsQueueURL))
		logger.Info().Str("queue_url", cfg.EventsQueueURL).Msg("notification queue sink enabled")
	} else {
		logger.Warn().Msg("EVENTS_QUEUE_URL not set, events are only written to the audit log")
	}

	deliverer := outbox.NewDeliverer(
		outbox.NewStore(pgPool),
		logger,
		metrics.NewScheduling(prometheus.DefaultRegisterer),
		sinks...,
	).WithBatchSize(int32(cfg.OutboxBatchSize)).
		WithInterval(cfg.WorkerInterval).
		WithMaxAttempts(cfg.OutboxMaxTries)

	// Drain whatever piled up while the worker was down before waiting a tick.
	runOnce(rootCtx, deliverer, logger)
	deliverer.Start(rootCtx)

	logger.Info().Msg("shutdown signal received, outbox-worker stopped")
}

func runOnce(ctx context.Context, d *outbox.Deliverer, logger zerolog.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	n := d.RunOnce(runCtx)
	logger.Info().Int("delivered", n).Dur("took", time.Since(start)).Msg("startup drain complete")
}
