// Command dispatcher runs the three background processes that drain the
// durable queue: the batch dispatcher (spec §4.5), the stuck-lease reaper
// (spec §5), and a NATS subscription that wakes the dispatcher early when
// the API process publishes a new submission. The status poller runs
// alongside cmd/api instead, since it only needs read access to carrier +
// log state. Grounded on the teacher's cmd/worker/main.go bootstrap
// sequence.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"sms-dispatch-core/internal/carrier/mock"
	"sms-dispatch-core/internal/config"
	"sms-dispatch-core/internal/contacts"
	"sms-dispatch-core/internal/db"
	"sms-dispatch-core/internal/dispatcher"
	"sms-dispatch-core/internal/messagelog"
	"sms-dispatch-core/internal/notify"
	"sms-dispatch-core/internal/observability"
	"sms-dispatch-core/internal/queue"
	"sms-dispatch-core/internal/reaper"
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
	logger.Info("starting sms dispatch worker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	postgres, err := db.NewPostgres(ctx, cfg.PostgresURL)
	if err != nil {
		logger.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer postgres.Close()

	publisher, err := notify.NewPublisher(cfg.NATSURL, logger)
	if err != nil {
		logger.Fatal("failed to connect to nats", zap.Error(err))
	}
	defer publisher.Close()

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	contactStore := contacts.NewStore(postgres.DB)

	queueStore := queue.NewPostgresStore(postgres)
	queueService := queue.NewService(queueStore, contactStore, contactStore, publisher, logger, cfg.DefaultCountryCode, cfg.RetryBackoffBase)

	logStore := messagelog.NewPostgresStore(postgres)
	logService := messagelog.NewService(logStore, logger)

	carrierProvider := mock.NewProvider(logger)

	dispatcherSvc := dispatcher.New(queueService, logService, carrierProvider, contactStore, metrics, logger, dispatcher.Config{
		BaseURL:     cfg.BaseURL,
		Region:      cfg.DefaultCountryCode,
		Interval:    cfg.DispatchInterval,
		BatchSize:   cfg.SMSRateLimit,
		Concurrency: cfg.DispatchConcurrency,
	})
	dispatcherSvc.Start(ctx)

	if sub, err := notify.Subscribe(publisher.Conn(), dispatcherSvc, logger); err != nil {
		logger.Warn("failed to subscribe to queue wake subject, dispatcher will rely on its poll interval only", zap.Error(err))
	} else {
		defer sub.Unsubscribe()
	}

	leaseTimeout := time.Duration(cfg.LeaseTimeoutSeconds) * time.Second
	reaperSvc := reaper.New(queueService, metrics, logger, cfg.ReaperInterval, leaseTimeout)
	reaperSvc.Start(ctx)

	logger.Info("sms dispatch worker started",
		zap.Duration("dispatch_interval", cfg.DispatchInterval),
		zap.Duration("reaper_interval", cfg.ReaperInterval))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	cancel()
	dispatcherSvc.Stop()
	reaperSvc.Stop()
	logger.Info("sms dispatch worker stopped")
}
