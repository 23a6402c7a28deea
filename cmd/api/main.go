// Command api runs the HTTP surface of spec §6: the queue read/cancel/
// retry/cleanup endpoints and the two carrier-webhook routes. Grounded on
// the teacher's cmd/api/main.go bootstrap sequence (config, db, redis,
// nats, migrations, services, handlers, graceful shutdown).
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"sms-dispatch-core/internal/api"
	"sms-dispatch-core/internal/auth"
	"sms-dispatch-core/internal/carrier/mock"
	"sms-dispatch-core/internal/config"
	"sms-dispatch-core/internal/contacts"
	"sms-dispatch-core/internal/db"
	"sms-dispatch-core/internal/messagelog"
	"sms-dispatch-core/internal/notify"
	"sms-dispatch-core/internal/observability"
	"sms-dispatch-core/internal/poller"
	"sms-dispatch-core/internal/queue"
	"sms-dispatch-core/internal/ratelimit"
	"sms-dispatch-core/internal/receipt"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()
	logger.Info("starting sms dispatch api")

	ctx := context.Background()

	postgres, err := db.NewPostgres(ctx, cfg.PostgresURL)
	if err != nil {
		logger.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer postgres.Close()

	if err := postgres.RunMigrations(cfg.MigrationsPath); err != nil {
		logger.Fatal("failed to run migrations", zap.Error(err))
	}

	redisClient, err := db.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer redisClient.Close()

	publisher, err := notify.NewPublisher(cfg.NATSURL, logger)
	if err != nil {
		logger.Fatal("failed to connect to nats", zap.Error(err))
	}
	defer publisher.Close()

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	otelShutdown, err := observability.SetupOpenTelemetry("sms-dispatch-api", logger)
	if err != nil {
		logger.Warn("failed to set up opentelemetry, continuing without it", zap.Error(err))
	} else {
		defer otelShutdown()
	}

	contactStore := contacts.NewStore(postgres.DB)

	queueStore := queue.NewPostgresStore(postgres)
	queueService := queue.NewService(queueStore, contactStore, contactStore, publisher, logger, cfg.DefaultCountryCode, cfg.RetryBackoffBase)

	logStore := messagelog.NewPostgresStore(postgres)
	logService := messagelog.NewService(logStore, logger)

	receiptService := receipt.NewService(logService, redisClient.Client, metrics, logger, cfg.WebhookSecret, cfg.WebhookDedupTTL)

	authService := auth.NewService(cfg.APIKeyHash, logger)
	limiter := ratelimit.NewLimiter(redisClient, logger, cfg.APIRateLimitRPS, cfg.APIRateLimitBurst)

	handlers := api.NewHandlers(queueService, logService, receiptService, postgres.DB, logger)

	app := fiber.New(fiber.Config{
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			logger.Error("unhandled fiber error", zap.Error(err))
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal server error"})
		},
	})

	api.SetupMiddleware(app, logger, metrics)
	api.SetupRoutes(app, handlers, authService, limiter)
	app.Get("/metrics", api.MetricsHandler(registry))

	// the status poller runs here too: it only needs carrier + log access,
	// no dispatch workers, so it's cheap to keep alongside the HTTP surface
	// rather than require a third binary.
	carrierProvider := mock.NewProvider(logger)
	statusPoller := poller.New(logService, carrierProvider, logger, cfg.PollerInterval, 24*time.Hour)
	pollerCtx, cancelPoller := context.WithCancel(ctx)
	statusPoller.Start(pollerCtx)

	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			logger.Fatal("failed to start http server", zap.Error(err))
		}
	}()
	logger.Info("sms dispatch api listening", zap.String("port", cfg.Port))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	cancelPoller()
	statusPoller.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error("failed to shut down gracefully", zap.Error(err))
	}
	logger.Info("sms dispatch api stopped")
}
