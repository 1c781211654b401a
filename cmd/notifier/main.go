package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/safar/go-order-ledger/internal/config"
	"github.com/safar/go-order-ledger/internal/database"
	"github.com/safar/go-order-ledger/internal/models"
	"github.com/safar/go-order-ledger/internal/notify"
	"github.com/safar/go-order-ledger/internal/observability"
	"github.com/safar/go-order-ledger/internal/store"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Telemetry.LogLevel, cfg.Telemetry.ServiceName+"-notifier")
	if err != nil {
		log.Fatalf("Create logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.Telemetry)
	if err != nil {
		logger.Fatal("setup tracing", zap.Error(err))
	}

	db, err := database.NewConnection(&cfg.Database)
	if err != nil {
		logger.Fatal("connect to database", zap.Error(err))
	}
	defer db.Close()

	loadOrder := notify.OrderLoaderFunc(func(ctx context.Context, id int64) (*models.Order, error) {
		return store.GetOrder(ctx, db, id)
	})

	reader := notify.NewKafkaReader(cfg.Kafka.Brokers, cfg.Kafka.GroupID, cfg.Kafka.NotificationTopic)
	defer reader.Close()

	worker := notify.NewWorker(reader, loadOrder, notify.LogMailer{Logger: logger}, cfg.Notify, logger)

	logger.Info("notifier started",
		zap.Strings("brokers", cfg.Kafka.Brokers),
		zap.String("topic", cfg.Kafka.NotificationTopic),
		zap.String("group", cfg.Kafka.GroupID),
	)

	if err := worker.Run(ctx); err != nil {
		logger.Error("worker stopped", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("shutdown tracing", zap.Error(err))
	}
}
