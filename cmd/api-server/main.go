package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mosabry99/ClinicWave/internal/api"
	"github.com/mosabry99/ClinicWave/internal/appointment"
	"github.com/mosabry99/ClinicWave/internal/config"
	"github.com/mosabry99/ClinicWave/internal/db"
	"github.com/mosabry99/ClinicWave/internal/logging"
	"github.com/mosabry99/ClinicWave/internal/metrics"
	"github.com/mosabry99/ClinicWave/internal/realtime"
	redisclient "github.com/mosabry99/ClinicWave/internal/redis"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.Env).With().Str("service", "api-server").Logger()
	logger.Info().Str("env", cfg.Env).Str("http_port", cfg.HTTPPort).Str("relay", cfg.RealtimeRelay).Msg("api-server starting up")

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

	rdb, err := redisclient.NewRedisClient(rootCtx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis connection error")
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Warn().Err(err).Msg("error closing redis")
		}
	}()
	logger.Info().Msg("connected to Redis")

	m := metrics.NewScheduling(prometheus.DefaultRegisterer)
	hub := realtime.NewHub(cfg.RealtimeBuffer, m)

	// With the relay every instance, this one included, receives events
	// through Redis, so the synchronizer must not also publish to the hub.
	var pub realtime.Publisher = hub
	var relay *redisclient.Relay
	if cfg.RealtimeRelay == config.RelayRedis {
		relay = redisclient.NewRelay(rdb, cfg.RealtimeChannel, hub, logger)
		go relay.Start(rootCtx)
		pub = relay
	}

	repo := appointment.NewPgRepository(pgPool, cfg.CommitAttempts, m)
	locker := redisclient.NewRedisLocker(rdb, cfg.LockTTL, cfg.LockWait)
	sync := appointment.NewSynchronizer(repo, pub, cfg, logger, appointment.WithMetrics(m))
	svc := appointment.NewService(repo, locker, sync, cfg, logger, appointment.WithMetrics(m))

	health := api.NewHealthHandler(
		pgPool.Ping,
		func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		cfg.Env, version,
	)
	if relay != nil {
		health.WithCheck("realtime_relay", relay.Check)
	}

	router := api.NewRouter(api.RouterConfig{
		Scheduler: svc,
		Status:    sync,
		Health:    health,
		Realtime:  realtime.NewHandler(hub, logger),
		Metrics:   promhttp.Handler(),
		Logger:    logger,
		JWTSecret: cfg.AuthJWTSecret,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-rootCtx.Done()

	logger.Info().Dur("timeout", cfg.ShutdownTimeout).Msg("shutting down api-server")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("api-server stopped")
}
