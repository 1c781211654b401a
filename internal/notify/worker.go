package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/safar/go-order-ledger/internal/config"
	"github.com/safar/go-order-ledger/internal/database"
	"github.com/safar/go-order-ledger/internal/models"
	"github.com/safar/go-order-ledger/internal/observability"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// MessageReader is the part of *kafka.Reader the worker needs.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type OrderLoader interface {
	GetOrder(ctx context.Context, id int64) (*models.Order, error)
}

// OrderLoaderFunc adapts a plain read function, such as store.GetOrder bound
// to a database handle, to OrderLoader.
type OrderLoaderFunc func(ctx context.Context, id int64) (*models.Order, error)

func (f OrderLoaderFunc) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	return f(ctx, id)
}

type Message struct {
	From    string
	To      string
	Subject string
	Body    string
}

type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// LogMailer writes messages to the log instead of delivering them.
type LogMailer struct {
	Logger *zap.Logger
}

func (m LogMailer) Send(_ context.Context, msg Message) error {
	m.Logger.Info("order confirmation",
		zap.String("from", msg.From),
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject),
		zap.String("body", msg.Body),
	)
	return nil
}

func NewKafkaReader(brokers []string, groupID, topic string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        groupID,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0,
	})
}

// Worker consumes OrderPlaced events and sends one confirmation per event.
// Offsets are committed only after an event has been handled or given up
// on, so delivery is at-least-once.
type Worker struct {
	r      MessageReader
	orders OrderLoader
	mailer Mailer
	cfg    config.NotifyConfig
	logger *zap.Logger
	tracer trace.Tracer
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewWorker(r MessageReader, orders OrderLoader, mailer Mailer, cfg config.NotifyConfig, logger *zap.Logger) *Worker {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Worker{
		r:      r,
		orders: orders,
		mailer: mailer,
		cfg:    cfg,
		logger: logger.Named("worker"),
		tracer: observability.Tracer("notify"),
		sleep:  sleepContext,
	}
}

// Run blocks until ctx is cancelled or the reader fails.
func (w *Worker) Run(ctx context.Context) error {
	for {
		msg, err := w.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch message: %w", err)
		}

		if err := w.Handle(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Error("dropping order event",
				zap.Int64("offset", msg.Offset),
				zap.ByteString("key", msg.Key),
				zap.Error(err),
			)
		}

		if err := w.r.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("commit message: %w", err)
		}
	}
}

// Handle processes one event. Errors returned here are final: transient
// failures have already been retried.
func (w *Worker) Handle(ctx context.Context, msg kafka.Message) (err error) {
	headers := msg.Headers
	ctx = otel.GetTextMapPropagator().Extract(ctx, headerCarrier{headers: &headers})
	ctx, span := w.tracer.Start(ctx, "notify.Handle", trace.WithSpanKind(trace.SpanKindConsumer))
	defer func() { observability.EndSpan(span, err) }()

	var env Envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	if env.EventType != EventOrderPlaced {
		w.logger.Debug("ignoring event", zap.String("event_type", env.EventType))
		return nil
	}

	var payload OrderPlacedPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	span.SetAttributes(
		attribute.Int64("order.id", payload.OrderID),
		attribute.String("event.id", env.EventID),
	)

	return w.retry(ctx, payload.OrderID, func(ctx context.Context) error {
		order, err := w.orders.GetOrder(ctx, payload.OrderID)
		if err != nil {
			return err
		}
		return w.mailer.Send(ctx, w.render(order))
	})
}

// retry runs fn up to MaxAttempts times with exponential backoff. A missing
// order is permanent and is not retried.
func (w *Worker) retry(ctx context.Context, orderID int64, fn func(context.Context) error) error {
	backoff := w.cfg.Backoff

	var err error
	for attempt := 1; attempt <= w.cfg.MaxAttempts; attempt++ {
		if err = fn(ctx); err == nil {
			w.logger.Info("confirmation sent", zap.Int64("order_id", orderID), zap.Int("attempt", attempt))
			return nil
		}
		if errors.Is(err, database.ErrOrderNotFound) {
			return err
		}
		if attempt == w.cfg.MaxAttempts {
			break
		}

		w.logger.Warn("confirmation failed, retrying",
			zap.Int64("order_id", orderID),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		if sleepErr := w.sleep(ctx, backoff); sleepErr != nil {
			return sleepErr
		}
		backoff *= 2
	}

	return fmt.Errorf("send confirmation for order %d after %d attempts: %w", orderID, w.cfg.MaxAttempts, err)
}

func (w *Worker) render(order *models.Order) Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Thank you for your order. Total: %s\nItems:\n", order.TotalAmount.StringFixed(models.MoneyPlaces))
	for _, item := range order.Items {
		name := item.ProductName
		if name == "" {
			name = fmt.Sprintf("product %d", item.ProductID)
		}
		fmt.Fprintf(&b, "- %s x%d @ %s\n", name, item.Quantity, item.UnitPrice.StringFixed(models.MoneyPlaces))
	}

	return Message{
		From:    w.cfg.FromAddress,
		To:      fmt.Sprintf("user:%d", order.UserID),
		Subject: fmt.Sprintf("Order Confirmation #%d", order.ID),
		Body:    b.String(),
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
