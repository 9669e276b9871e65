// Package main runs the background payment worker (retry sweeps and queued provider outcomes).
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tutorlink/backend/config"
	"github.com/tutorlink/backend/internal/notifications"
	"github.com/tutorlink/backend/internal/payments"
	"github.com/tutorlink/backend/internal/realtime"
	"github.com/tutorlink/backend/internal/subscriptions"
	"github.com/tutorlink/backend/internal/users"
	"github.com/tutorlink/backend/internal/worker"
	"github.com/tutorlink/backend/pkg/database"
	"github.com/tutorlink/backend/pkg/queue"
	"github.com/tutorlink/backend/pkg/redis"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	if !cfg.Stripe.Enabled() {
		logger.Fatal("stripe not configured; nothing to retry")
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	userRepo := users.NewRepository(pool)
	notifier := notifications.NewService(notifications.NewRepository(pool), logger)
	if cfg.Realtime.RedisFanout {
		// Publish-only hub: API instances deliver to the user's open connections.
		notifier.SetPusher(realtime.NewHub(realtime.NewRedisPubSub(rdb.Client, logger), logger))
	}

	engine := payments.NewEngine(
		payments.NewRepository(pool),
		payments.NewStripeProvider(cfg.Stripe.SecretKey, cfg.Stripe.WebhookSecret),
		notifier,
		userRepo,
		subscriptions.NewRepository(pool),
		payments.EngineConfig{
			BaseDelay:       cfg.Retry.BaseDelay(),
			MaxRetries:      cfg.Retry.MaxRetries,
			ProviderTimeout: cfg.Stripe.Timeout(),
		},
		logger,
	)

	workerCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Retry.Enabled {
		go payments.NewScheduler(engine, cfg.Retry.Interval(), cfg.Retry.Concurrency, logger).Run(workerCtx)
	}
	jobQueue := queue.NewQueue(rdb.Client, logger)
	go worker.NewOutcomeProcessor(engine, jobQueue, logger).Run(workerCtx)
	logger.Info("worker started", zap.Bool("retries", cfg.Retry.Enabled))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()
	time.Sleep(2 * time.Second)
	logger.Info("worker stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
