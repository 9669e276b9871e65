// Package main runs the tutoring platform HTTP server with WebSocket relay, payment retries and graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tutorlink/backend/config"
	"github.com/tutorlink/backend/internal/auth"
	"github.com/tutorlink/backend/internal/metrics"
	"github.com/tutorlink/backend/internal/middleware"
	"github.com/tutorlink/backend/internal/models"
	"github.com/tutorlink/backend/internal/notifications"
	"github.com/tutorlink/backend/internal/payments"
	"github.com/tutorlink/backend/internal/realtime"
	"github.com/tutorlink/backend/internal/sessions"
	"github.com/tutorlink/backend/internal/subscriptions"
	"github.com/tutorlink/backend/internal/users"
	"github.com/tutorlink/backend/internal/worker"
	"github.com/tutorlink/backend/pkg/database"
	"github.com/tutorlink/backend/pkg/queue"
	"github.com/tutorlink/backend/pkg/redis"
	"github.com/tutorlink/backend/pkg/response"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	metrics.Init()

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool, logger); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)

	// Realtime relay
	var bus realtime.Bus
	if cfg.Realtime.RedisFanout {
		bus = realtime.NewRedisPubSub(rdb.Client, logger)
	}
	hub := realtime.NewHub(bus, logger)
	if err := hub.Run(bgCtx); err != nil {
		logger.Fatal("realtime bus", zap.Error(err))
	}

	// Directory and notifications
	userRepo := users.NewRepository(pool)
	subscriptionRepo := subscriptions.NewRepository(pool)
	notificationRepo := notifications.NewRepository(pool)
	notifier := notifications.NewService(notificationRepo, logger)
	notifier.SetPusher(hub)
	notificationHandler := notifications.NewHandler(notificationRepo)

	// Sessions
	sessionStore := sessions.NewPostgresStore(pool)
	registry := sessions.NewRegistry(sessionStore, userRepo, logger)
	registry.SetBroadcaster(hub)
	sessionHandler := sessions.NewHandler(registry, logger)

	// Payments
	var provider payments.Provider
	var verifier payments.WebhookVerifier
	if cfg.Stripe.Enabled() {
		stripeProvider := payments.NewStripeProvider(cfg.Stripe.SecretKey, cfg.Stripe.WebhookSecret)
		provider = stripeProvider
		if cfg.Stripe.WebhookSecret != "" {
			verifier = stripeProvider
		}
	} else {
		logger.Warn("stripe not configured; payment endpoints and retries disabled")
	}
	engine := payments.NewEngine(payments.NewRepository(pool), provider, notifier, userRepo, subscriptionRepo, payments.EngineConfig{
		BaseDelay:       cfg.Retry.BaseDelay(),
		MaxRetries:      cfg.Retry.MaxRetries,
		ProviderTimeout: cfg.Stripe.Timeout(),
	}, logger)

	jobQueue := queue.NewQueue(rdb.Client, logger)
	var outcomes payments.OutcomeQueue
	if cfg.Queue.OutcomesEnabled {
		outcomes = jobQueue
	}
	paymentHandler := payments.NewHandler(engine, verifier, outcomes, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))
	router.Use(metrics.Instrument())

	// Health and metrics
	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	// Provider webhooks (no JWT; signature verified in handler)
	router.POST("/payments/webhook", paymentHandler.Webhook)

	// WebSocket (token optional, in query or bearer header)
	router.GET("/ws", realtime.ServeWs(hub, registry, jwtService, realtime.ClientConfig{
		EventsPerSecond: cfg.Realtime.EventsPerSecond,
		EventBurst:      cfg.Realtime.EventBurst,
		AllowedOrigins:  cfg.Server.CORSAllowedOrigins,
	}, logger))
	router.GET("/realtime/ice-servers", realtime.ICEServersHandler(cfg.Realtime.ICEUrls))

	// Protected API (JWT required)
	api := router.Group("")
	api.Use(middleware.JWT(jwtService))
	{
		// Notifications
		api.GET("/notifications", notificationHandler.List)
		api.PUT("/notifications/:id/read", notificationHandler.MarkRead)

		// Payments
		api.POST("/payments/create-intent", paymentHandler.CreateIntent)
		api.POST("/payments/confirm/:id", paymentHandler.Confirm)
		api.GET("/payments", paymentHandler.List)
		api.GET("/payments/:id", paymentHandler.Get)
		api.POST("/payments/:id/refund", middleware.RequireRole(models.RoleAdmin, models.RoleTutor), paymentHandler.Refund)

		// Live sessions
		api.GET("/sessions", sessionHandler.List)
		api.GET("/sessions/live", sessionHandler.ListLive)
		api.GET("/sessions/:id", sessionHandler.Get)
		api.GET("/sessions/:id/attendees", sessionHandler.Attendees)
		api.GET("/sessions/:id/messages", sessionHandler.Messages)
		api.POST("/sessions", middleware.RequireRole(models.RoleLecturer, models.RoleAdmin), sessionHandler.Create)
		api.PUT("/sessions/:id/start", middleware.RequireRole(models.RoleLecturer, models.RoleAdmin), sessionHandler.Start)
		api.PUT("/sessions/:id/end", middleware.RequireRole(models.RoleLecturer, models.RoleAdmin), sessionHandler.End)
		api.PUT("/sessions/:id/document", middleware.RequireRole(models.RoleLecturer, models.RoleAdmin), sessionHandler.UpdateDocument)
		api.DELETE("/sessions/:id", middleware.RequireRole(models.RoleLecturer, models.RoleAdmin), sessionHandler.Delete)
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	// Background: payment retries and queued provider outcomes
	if cfg.Retry.Enabled && engine.ProviderConfigured() {
		scheduler := payments.NewScheduler(engine, cfg.Retry.Interval(), cfg.Retry.Concurrency, logger)
		go scheduler.Run(bgCtx)
	}
	if cfg.Queue.OutcomesEnabled {
		go worker.NewOutcomeProcessor(engine, jobQueue, logger).Run(bgCtx)
		logger.Info("outcome worker started")
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	bgCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
