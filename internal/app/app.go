package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/remitops/transfer-core/internal/api"
	"github.com/remitops/transfer-core/internal/api/middleware"
	"github.com/remitops/transfer-core/internal/config"
	"github.com/remitops/transfer-core/internal/db"
	"github.com/remitops/transfer-core/internal/directory"
	"github.com/remitops/transfer-core/internal/gateway"
	"github.com/remitops/transfer-core/internal/idempotency"
	"github.com/remitops/transfer-core/internal/notify"
	"github.com/remitops/transfer-core/internal/observability"
	"github.com/remitops/transfer-core/internal/rates"
	"github.com/remitops/transfer-core/internal/repository"
	"github.com/remitops/transfer-core/internal/service"
	"github.com/remitops/transfer-core/internal/worker"
	"go.uber.org/zap"
)

// Run bootstraps the HTTP server, rate monitor and settlement poller,
// blocking until shutdown.
func Run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)
	observability.Init()
	middleware.SetJWTSecret(cfg.JWTSecret)
	middleware.SetJWTValidation(cfg.JWTIssuer, cfg.JWTAudience)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	redisClient, err := newRedisClient(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer redisClient.Close()

	sink, closeSink, err := newSink(cfg, logger)
	if err != nil {
		return fmt.Errorf("connect notification broker: %w", err)
	}
	defer closeSink()

	idemStore := idempotency.NewStore(redisClient, repository.NewKeyQueries(pool), cfg.IdempotencyTTL)
	store := repository.NewStore(pool)

	provider := newProvider(cfg, logger)
	rateSource := newRatesSource(cfg, logger)
	recipients := newDirectory(cfg, logger)

	locks := service.NewRateLockManager(store, cfg.RateLockTTL)
	recon := service.NewReconciliationService(store, sink)
	payments := service.NewPaymentService(store, provider, recipients, locks, recon)
	transfers := service.NewTransferService(store, rateSource, locks)
	cancels := service.NewCancellationService(store, payments, provider, recipients, sink)
	monitor := service.NewMonitorService(store, rateSource, payments, sink, monitorInterval(cfg.MonitorSchedule))
	settlement := service.NewSettlementService(store, provider, recon, sink)
	webhooks := service.NewWebhookService(store, recon, cancels, cfg.WebhookHMACKey, cfg.WebhookSkipSignature)

	monitorWorker := worker.NewRateMonitorWorker(monitor, cancels).
		WithSchedule(cfg.MonitorSchedule).
		WithBatchSize(cfg.MonitorBatchSize)
	if err := monitorWorker.Start(); err != nil {
		return fmt.Errorf("start rate monitor worker: %w", err)
	}
	logger.Info("rate monitor worker started", zap.String("schedule", cfg.MonitorSchedule), zap.Int32("batch", cfg.MonitorBatchSize))

	poller := worker.NewSettlementPoller(settlement).
		WithPollInterval(cfg.SettlementInterval).
		WithBatchSize(cfg.SettlementBatch)
	stopPoller := poller.Run(ctx)
	logger.Info("settlement poller started", zap.Duration("interval", cfg.SettlementInterval), zap.Int32("batch", cfg.SettlementBatch))

	router := api.NewRouter(api.Deps{
		Config:      cfg,
		Logger:      logger,
		DB:          pool,
		Redis:       redisClient,
		Idempotency: idemStore,
		Transfers:   transfers,
		Payments:    payments,
		Cancels:     cancels,
		Webhooks:    webhooks,
	})

	server := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("http server starting", zap.String("port", cfg.HTTPPort))
		serverErr <- server.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("stopping workers")
	monitorWorker.Stop()
	stopPoller()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	switch strings.ToLower(level) {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info", "":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return cfg.Build()
}

func newRedisClient(url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

func newSink(cfg *config.Config, logger *zap.Logger) (notify.Sink, func(), error) {
	if cfg.AMQPURL == "" {
		logger.Info("no AMQP URL configured, lifecycle events disabled")
		return notify.NopSink{}, func() {}, nil
	}
	sink, err := notify.NewAMQPSink(cfg.AMQPURL, cfg.NotifyExchange)
	if err != nil {
		return nil, nil, err
	}
	return sink, sink.Close, nil
}

func newProvider(cfg *config.Config, logger *zap.Logger) gateway.Provider {
	if cfg.ProviderBaseURL == "" {
		logger.Warn("no provider base URL configured, using mock gateway")
		return gateway.NewMockProvider()
	}
	return gateway.NewHTTPProvider(cfg.ProviderBaseURL, cfg.ProviderAPIKey, cfg.ProviderTimeout)
}

func newRatesSource(cfg *config.Config, logger *zap.Logger) rates.Source {
	if cfg.RatesBaseURL == "" {
		logger.Warn("no rates base URL configured, using static rate table")
		return rates.NewStaticSource()
	}
	return rates.NewHTTPSource(cfg.RatesBaseURL, cfg.RatesTimeout)
}

func newDirectory(cfg *config.Config, logger *zap.Logger) directory.Client {
	if cfg.DirectoryBaseURL == "" {
		logger.Warn("no directory base URL configured, using static recipient directory")
		return directory.NewStaticClient()
	}
	return directory.NewHTTPClient(cfg.DirectoryBaseURL, cfg.DirectoryAPIKey, cfg.DirectoryTimeout)
}

// monitorInterval extracts the pass interval from an "@every" cron spec so the
// claim query's staleness cutoff lines up with the worker schedule.
func monitorInterval(schedule string) time.Duration {
	if rest, ok := strings.CutPrefix(schedule, "@every "); ok {
		if d, err := time.ParseDuration(strings.TrimSpace(rest)); err == nil && d > 0 {
			return d
		}
	}
	return 15 * time.Minute
}
