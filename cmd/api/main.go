package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/safar/go-order-ledger/internal/audit"
	"github.com/safar/go-order-ledger/internal/config"
	"github.com/safar/go-order-ledger/internal/database"
	"github.com/safar/go-order-ledger/internal/httpapi"
	"github.com/safar/go-order-ledger/internal/idempotency"
	"github.com/safar/go-order-ledger/internal/ledger"
	"github.com/safar/go-order-ledger/internal/notify"
	"github.com/safar/go-order-ledger/internal/observability"
	"github.com/safar/go-order-ledger/internal/orders"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Telemetry.LogLevel, cfg.Telemetry.ServiceName)
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

	logger.Info("connected to database")

	policy, err := audit.ParseFieldPolicy(cfg.Audit.FieldPolicy)
	if err != nil {
		logger.Fatal("parse audit field policy", zap.Error(err))
	}
	recorder := audit.NewRecorder(policy, logger)

	var cache idempotency.ReplayCache
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unavailable, replay cache disabled", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		} else {
			cache = idempotency.NewRedisCache(rdb, cfg.Redis.ReplayTTL)
		}
	}

	dispatcher := notify.NewKafkaDispatcher(
		notify.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.NotificationTopic),
		cfg.Kafka.BufferSize,
		cfg.Telemetry.ServiceName,
		logger,
	)

	handler := &httpapi.Handler{
		DB:          db,
		Coordinator: orders.NewCoordinator(db, recorder, dispatcher, logger, cfg.Orders),
		Ledger:      ledger.NewService(db, recorder, logger, cfg.Orders.LockTimeout, cfg.Orders.MaxRetries),
		Gate:        idempotency.NewGate(db, cfg.Idempotency, cache, logger),
		Logger:      logger,
	}

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      httpapi.NewRouter(handler, cfg.Server.RequestTimeout),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("server starting", zap.String("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	// Orders committed before shutdown still get their notification.
	if err := dispatcher.Close(); err != nil {
		logger.Error("close dispatcher", zap.Error(err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("shutdown tracing", zap.Error(err))
	}
}
