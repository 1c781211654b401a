package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("IDEMPOTENCY_IN_PROGRESS_POLICY", "")
	t.Setenv("KAFKA_BROKERS", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Idempotency.InProgressPolicy != InProgressReject {
		t.Errorf("Expected default policy %q, got %q", InProgressReject, cfg.Idempotency.InProgressPolicy)
	}
	if cfg.Orders.LockTimeout != 2*time.Second {
		t.Errorf("Expected lock timeout 2s, got %s", cfg.Orders.LockTimeout)
	}
	if len(cfg.Kafka.Brokers) != 1 || cfg.Kafka.Brokers[0] != "localhost:9092" {
		t.Errorf("Unexpected default brokers: %v", cfg.Kafka.Brokers)
	}
	if cfg.Notify.MaxAttempts != 3 {
		t.Errorf("Expected 3 notify attempts, got %d", cfg.Notify.MaxAttempts)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("IDEMPOTENCY_IN_PROGRESS_POLICY", "wait")
	t.Setenv("IDEMPOTENCY_ON_FAILURE", "expire")
	t.Setenv("ORDERS_LOCK_TIMEOUT", "750ms")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,,")
	t.Setenv("DATABASE_MAX_OPEN_CONNS", "not-a-number")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Idempotency.InProgressPolicy != InProgressWait {
		t.Errorf("Expected wait policy, got %q", cfg.Idempotency.InProgressPolicy)
	}
	if cfg.Idempotency.OnFailure != OnFailureExpire {
		t.Errorf("Expected expire on failure, got %q", cfg.Idempotency.OnFailure)
	}
	if cfg.Orders.LockTimeout != 750*time.Millisecond {
		t.Errorf("Expected 750ms, got %s", cfg.Orders.LockTimeout)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "k2:9092" {
		t.Errorf("Unexpected brokers: %v", cfg.Kafka.Brokers)
	}
	if cfg.Database.MaxOpenConns != 25 {
		t.Errorf("Invalid int should fall back to default, got %d", cfg.Database.MaxOpenConns)
	}
}

func TestLoadRejectsUnknownPolicy(t *testing.T) {
	t.Setenv("IDEMPOTENCY_IN_PROGRESS_POLICY", "retry-forever")

	if _, err := Load(); err == nil {
		t.Fatal("Expected error for unknown in-progress policy")
	}
}
