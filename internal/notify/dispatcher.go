// Package notify hands committed orders to the confirmation pipeline. The
// order side publishes one OrderPlaced event per committed order without
// blocking; the Worker consumes those events and sends the confirmation.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/safar/go-order-ledger/internal/observability"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var (
	ErrDispatcherClosed = errors.New("notify: dispatcher closed")
	ErrInboxFull        = errors.New("notify: dispatch inbox and overflow are full")
)

// Dispatcher triggers the confirmation for a committed order. Dispatch must
// not block the caller on the downstream system.
type Dispatcher interface {
	Dispatch(ctx context.Context, orderID int64) error
}

// MessageWriter is the part of *kafka.Writer the dispatcher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

const writeTimeout = 10 * time.Second

func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
}

// KafkaDispatcher queues events in a buffered inbox drained by a single
// goroutine. When the inbox is full the event is written from its own
// goroutine instead, so Dispatch never waits on Kafka. At most bufferSize
// such writers run at once; past that Dispatch returns ErrInboxFull.
//
// Delivery is best-effort from this side: a failed write is logged and the
// event is dropped. Confirmation retries belong to the Worker.
type KafkaDispatcher struct {
	w        MessageWriter
	producer string
	logger   *zap.Logger
	tracer   trace.Tracer

	mu       sync.RWMutex
	closed   bool
	inbox    chan kafka.Message
	done     chan struct{}
	detached sync.WaitGroup
	overflow chan struct{}
}

func NewKafkaDispatcher(w MessageWriter, bufferSize int, producer string, logger *zap.Logger) *KafkaDispatcher {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	d := &KafkaDispatcher{
		w:        w,
		producer: producer,
		logger:   logger.Named("dispatcher"),
		tracer:   observability.Tracer("notify"),
		inbox:    make(chan kafka.Message, bufferSize),
		done:     make(chan struct{}),
		overflow: make(chan struct{}, bufferSize),
	}
	go d.loop()
	return d
}

var _ Dispatcher = (*KafkaDispatcher)(nil)

func (d *KafkaDispatcher) Dispatch(ctx context.Context, orderID int64) (err error) {
	ctx, span := d.tracer.Start(ctx, "notify.Dispatch",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(attribute.Int64("order.id", orderID)))
	defer func() { observability.EndSpan(span, err) }()

	msg, err := d.message(ctx, orderID)
	if err != nil {
		return err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}

	select {
	case d.inbox <- msg:
		return nil
	default:
	}

	select {
	case d.overflow <- struct{}{}:
	default:
		return fmt.Errorf("order %d: %w", orderID, ErrInboxFull)
	}

	d.logger.Warn("dispatch inbox full, writing detached", zap.Int64("order_id", orderID))
	d.detached.Add(1)
	go func() {
		defer d.detached.Done()
		defer func() { <-d.overflow }()
		d.write(msg)
	}()

	return nil
}

func (d *KafkaDispatcher) message(ctx context.Context, orderID int64) (kafka.Message, error) {
	payload, err := json.Marshal(OrderPlacedPayload{OrderID: orderID})
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode payload: %w", err)
	}

	id := strconv.FormatInt(orderID, 10)
	value, err := json.Marshal(Envelope{
		EventID:       uuid.NewString(),
		EventType:     EventOrderPlaced,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      d.producer,
		CorrelationID: id,
		Payload:       payload,
	})
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode envelope: %w", err)
	}

	headers := []kafka.Header{{Key: "event_type", Value: []byte(EventOrderPlaced)}}
	otel.GetTextMapPropagator().Inject(ctx, headerCarrier{headers: &headers})

	return kafka.Message{
		Key:     []byte(id),
		Value:   value,
		Headers: headers,
		Time:    time.Now(),
	}, nil
}

func (d *KafkaDispatcher) loop() {
	defer close(d.done)
	for msg := range d.inbox {
		d.write(msg)
	}
}

func (d *KafkaDispatcher) write(msg kafka.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := d.w.WriteMessages(ctx, msg); err != nil {
		d.logger.Error("failed to publish order event",
			zap.ByteString("order_id", msg.Key),
			zap.Error(err),
		)
		return
	}
	d.logger.Debug("order event published", zap.ByteString("order_id", msg.Key))
}

// Close stops accepting events, flushes everything queued and closes the
// writer.
func (d *KafkaDispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.inbox)
	d.mu.Unlock()

	<-d.done
	d.detached.Wait()

	return d.w.Close()
}
