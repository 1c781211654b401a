package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type fakeWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	block    chan struct{}
	err      error
	closed   bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.block != nil {
		<-w.block
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func TestDispatchPublishesEnvelope(t *testing.T) {
	w := &fakeWriter{}
	d := NewKafkaDispatcher(w, 8, "order-api", zap.NewNop())

	if err := d.Dispatch(context.Background(), 42); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if !w.closed {
		t.Error("Expected writer to be closed")
	}
	if len(w.messages) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(w.messages))
	}

	msg := w.messages[0]
	if string(msg.Key) != "42" {
		t.Errorf("Expected key 42, got %q", msg.Key)
	}

	var env Envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		t.Fatalf("Decode envelope: %v", err)
	}
	if env.EventType != EventOrderPlaced || env.Producer != "order-api" || env.CorrelationID != "42" {
		t.Errorf("Unexpected envelope: %+v", env)
	}
	if env.EventID == "" {
		t.Error("Expected an event id")
	}

	var payload OrderPlacedPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		t.Fatalf("Decode payload: %v", err)
	}
	if payload.OrderID != 42 {
		t.Errorf("Expected order 42, got %d", payload.OrderID)
	}
}

func TestDispatchDoesNotBlockWhenInboxIsFull(t *testing.T) {
	w := &fakeWriter{block: make(chan struct{})}
	d := NewKafkaDispatcher(w, 1, "order-api", zap.NewNop())

	// At most one message sits with the drain goroutine, one in the inbox
	// and one in a detached writer; the rest are refused without blocking.
	accepted, refused := 0, 0
	for id := int64(1); id <= 6; id++ {
		err := d.Dispatch(context.Background(), id)
		switch {
		case err == nil:
			accepted++
		case errors.Is(err, ErrInboxFull):
			refused++
		default:
			t.Fatalf("Dispatch %d: %v", id, err)
		}
	}

	if accepted > 3 || refused < 3 {
		t.Errorf("Expected overflow to be capped, accepted %d refused %d", accepted, refused)
	}

	close(w.block)
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if len(w.messages) != accepted {
		t.Errorf("Expected %d messages after flush, got %d", accepted, len(w.messages))
	}
}

func TestDetachedSlotIsFreedAfterWrite(t *testing.T) {
	w := &fakeWriter{block: make(chan struct{})}
	d := NewKafkaDispatcher(w, 1, "order-api", zap.NewNop())

	for id := int64(1); id <= 4; id++ {
		_ = d.Dispatch(context.Background(), id)
	}
	close(w.block)

	deadline := time.Now().Add(2 * time.Second)
	for {
		if err := d.Dispatch(context.Background(), 99); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Dispatch kept refusing after writes drained")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestDispatchAfterClose(t *testing.T) {
	d := NewKafkaDispatcher(&fakeWriter{}, 1, "order-api", zap.NewNop())
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := d.Dispatch(context.Background(), 1); !errors.Is(err, ErrDispatcherClosed) {
		t.Errorf("Expected ErrDispatcherClosed, got %v", err)
	}
	if err := d.Close(); err != nil {
		t.Errorf("Second close should be a no-op, got %v", err)
	}
}

func TestWriteErrorsAreSwallowed(t *testing.T) {
	d := NewKafkaDispatcher(&fakeWriter{err: errors.New("broker down")}, 4, "order-api", zap.NewNop())
	if err := d.Dispatch(context.Background(), 7); err != nil {
		t.Fatalf("Dispatch should not surface write errors: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestHeaderCarrier(t *testing.T) {
	var headers []kafka.Header
	c := headerCarrier{headers: &headers}

	c.Set("traceparent", "a")
	c.Set("traceparent", "b")
	c.Set("baggage", "x=1")

	if got := c.Get("traceparent"); got != "b" {
		t.Errorf("Expected overwritten value b, got %q", got)
	}
	if len(c.Keys()) != 2 {
		t.Errorf("Expected 2 keys, got %v", c.Keys())
	}
	if c.Get("missing") != "" {
		t.Error("Expected empty value for missing key")
	}
}
