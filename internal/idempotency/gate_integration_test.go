package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/safar/go-order-ledger/internal/config"
	"github.com/safar/go-order-ledger/internal/database"
	"github.com/safar/go-order-ledger/internal/database/dbtest"
	"github.com/safar/go-order-ledger/internal/models"
	"go.uber.org/zap"
)

func testConfig() config.IdempotencyConfig {
	return config.IdempotencyConfig{
		InProgressPolicy: config.InProgressReject,
		WaitTimeout:      5 * time.Second,
		PollInterval:     20 * time.Millisecond,
		ReservationTTL:   5 * time.Minute,
		OnFailure:        config.OnFailureRelease,
	}
}

func countingHandler(calls *atomic.Int32, body string) Handler {
	return func(ctx context.Context, finalize Finalizer) (Response, error) {
		calls.Add(1)
		return Response{StatusCode: 201, Body: []byte(body)}, nil
	}
}

func TestExecuteReplaysCompletedKey(t *testing.T) {
	db := dbtest.NewPostgres(t)
	gate := NewGate(db, testConfig(), nil, zap.NewNop())
	ctx := context.Background()

	user := int64(7)
	req := Request{Key: "replay-1", UserID: &user, Fingerprint: "f1"}

	var calls atomic.Int32
	first, err := gate.Execute(ctx, req, countingHandler(&calls, `{"id":1}`))
	if err != nil {
		t.Fatalf("First execute: %v", err)
	}
	second, err := gate.Execute(ctx, req, countingHandler(&calls, `{"id":2}`))
	if err != nil {
		t.Fatalf("Second execute: %v", err)
	}

	if calls.Load() != 1 {
		t.Errorf("Expected handler to run once, ran %d times", calls.Load())
	}
	if first.Replayed || !second.Replayed {
		t.Errorf("Expected only the second response to be replayed: %+v %+v", first, second)
	}
	if string(second.Body) != `{"id":1}` || second.StatusCode != 201 {
		t.Errorf("Expected byte-identical replay, got %d %s", second.StatusCode, second.Body)
	}
}

func TestExecuteWithoutKeyAlwaysRuns(t *testing.T) {
	db := dbtest.NewPostgres(t)
	gate := NewGate(db, testConfig(), nil, zap.NewNop())

	var calls atomic.Int32
	for i := 0; i < 2; i++ {
		if _, err := gate.Execute(context.Background(), Request{}, countingHandler(&calls, "{}")); err != nil {
			t.Fatalf("Execute: %v", err)
		}
	}
	if calls.Load() != 2 {
		t.Errorf("Expected 2 executions without a key, got %d", calls.Load())
	}
}

func TestExecuteRejectsReusedKey(t *testing.T) {
	db := dbtest.NewPostgres(t)
	gate := NewGate(db, testConfig(), nil, zap.NewNop())
	ctx := context.Background()

	var calls atomic.Int32
	if _, err := gate.Execute(ctx, Request{Key: "reuse-1", Fingerprint: "a"}, countingHandler(&calls, "{}")); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	_, err := gate.Execute(ctx, Request{Key: "reuse-1", Fingerprint: "b"}, countingHandler(&calls, "{}"))
	if !errors.Is(err, database.ErrKeyReused) {
		t.Fatalf("Expected ErrKeyReused, got %v", err)
	}
}

// blockingHandler signals started and then waits for release before
// returning, keeping the key reserved in between.
func blockingHandler(calls *atomic.Int32, started chan<- struct{}, release <-chan struct{}) Handler {
	return func(ctx context.Context, finalize Finalizer) (Response, error) {
		calls.Add(1)
		close(started)
		<-release
		return Response{StatusCode: 201, Body: []byte(`{"ok":true}`)}, nil
	}
}

func TestConcurrentDuplicateIsRejectedWhileInFlight(t *testing.T) {
	db := dbtest.NewPostgres(t)
	gate := NewGate(db, testConfig(), nil, zap.NewNop())
	ctx := context.Background()
	req := Request{Key: "inflight-1", Fingerprint: "f"}

	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})

	var wg sync.WaitGroup
	var firstErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, firstErr = gate.Execute(ctx, req, blockingHandler(&calls, started, release))
	}()

	<-started
	_, err := gate.Execute(ctx, req, countingHandler(&calls, "{}"))
	if !errors.Is(err, database.ErrRequestInProgress) {
		t.Errorf("Expected ErrRequestInProgress, got %v", err)
	}

	close(release)
	wg.Wait()
	if firstErr != nil {
		t.Fatalf("First execute: %v", firstErr)
	}

	resp, err := gate.Execute(ctx, req, countingHandler(&calls, "{}"))
	if err != nil {
		t.Fatalf("Execute after completion: %v", err)
	}
	if !resp.Replayed {
		t.Error("Expected replay after completion")
	}
	if calls.Load() != 1 {
		t.Errorf("Expected a single execution, got %d", calls.Load())
	}
}

func TestWaitPolicyReplaysOnceHolderCompletes(t *testing.T) {
	db := dbtest.NewPostgres(t)
	cfg := testConfig()
	cfg.InProgressPolicy = config.InProgressWait
	gate := NewGate(db, cfg, nil, zap.NewNop())
	ctx := context.Background()
	req := Request{Key: "wait-1", Fingerprint: "f"}

	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})

	go func() {
		_, _ = gate.Execute(ctx, req, blockingHandler(&calls, started, release))
	}()
	<-started

	time.AfterFunc(100*time.Millisecond, func() { close(release) })

	resp, err := gate.Execute(ctx, req, countingHandler(&calls, "{}"))
	if err != nil {
		t.Fatalf("Waiting execute: %v", err)
	}
	if !resp.Replayed || string(resp.Body) != `{"ok":true}` {
		t.Errorf("Expected replay of holder's response, got %+v", resp)
	}
	if calls.Load() != 1 {
		t.Errorf("Expected a single execution, got %d", calls.Load())
	}
}

func TestFailureReleasesKey(t *testing.T) {
	db := dbtest.NewPostgres(t)
	gate := NewGate(db, testConfig(), nil, zap.NewNop())
	ctx := context.Background()
	req := Request{Key: "fail-1", Fingerprint: "f"}

	boom := errors.New("boom")
	_, err := gate.Execute(ctx, req, func(context.Context, Finalizer) (Response, error) {
		return Response{}, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Expected boom, got %v", err)
	}

	record, err := loadKey(ctx, db, req.Key)
	if err != nil {
		t.Fatalf("Load key: %v", err)
	}
	if record != nil {
		t.Fatalf("Expected key to be released, found %+v", record)
	}

	var calls atomic.Int32
	if _, err := gate.Execute(ctx, req, countingHandler(&calls, "{}")); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("Expected retry to execute, got %d calls", calls.Load())
	}
}

func TestFailureExpirePolicyBlocksUntilExpiry(t *testing.T) {
	db := dbtest.NewPostgres(t)
	cfg := testConfig()
	cfg.OnFailure = config.OnFailureExpire
	cfg.ReservationTTL = 200 * time.Millisecond
	gate := NewGate(db, cfg, nil, zap.NewNop())
	ctx := context.Background()
	req := Request{Key: "expire-1", Fingerprint: "f"}

	_, _ = gate.Execute(ctx, req, func(context.Context, Finalizer) (Response, error) {
		return Response{}, errors.New("boom")
	})

	var calls atomic.Int32
	if _, err := gate.Execute(ctx, req, countingHandler(&calls, "{}")); !errors.Is(err, database.ErrRequestInProgress) {
		t.Fatalf("Expected ErrRequestInProgress before expiry, got %v", err)
	}

	time.Sleep(400 * time.Millisecond)

	if _, err := gate.Execute(ctx, req, countingHandler(&calls, "{}")); err != nil {
		t.Fatalf("Execute after expiry: %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("Expected one execution after expiry, got %d", calls.Load())
	}
}

func TestStaleReservationIsTakenOver(t *testing.T) {
	db := dbtest.NewPostgres(t)
	gate := NewGate(db, testConfig(), nil, zap.NewNop())
	ctx := context.Background()
	req := Request{Key: "stale-1", Fingerprint: "f"}

	var staleToken time.Time
	err := db.QueryRowContext(ctx,
		`INSERT INTO idempotency_keys (key, request_hash, status, created_at, updated_at)
		 VALUES ($1, $2, $3, NOW() - INTERVAL '1 hour', NOW() - INTERVAL '1 hour')
		 RETURNING updated_at`,
		req.Key, req.Fingerprint, models.IdempotencyReserved).Scan(&staleToken)
	if err != nil {
		t.Fatalf("Insert stale reservation: %v", err)
	}

	var calls atomic.Int32
	if _, err := gate.Execute(ctx, req, countingHandler(&calls, `{"new":true}`)); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("Expected takeover to execute, got %d calls", calls.Load())
	}

	err = complete(ctx, db, req.Key, staleToken, Response{StatusCode: 201, Body: []byte("{}")})
	if !errors.Is(err, database.ErrReservationLost) {
		t.Errorf("Expected original holder to lose the reservation, got %v", err)
	}
}

func TestFinalizerRollsBackWithCallerTransaction(t *testing.T) {
	db := dbtest.NewPostgres(t)
	gate := NewGate(db, testConfig(), nil, zap.NewNop())
	ctx := context.Background()
	req := Request{Key: "tx-1", Fingerprint: "f"}

	boom := errors.New("commit hook failed")
	_, err := gate.Execute(ctx, req, func(ctx context.Context, finalize Finalizer) (Response, error) {
		resp := Response{StatusCode: 201, Body: []byte("{}")}
		err := database.WithTransaction(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
			if err := finalize(ctx, tx, resp); err != nil {
				return err
			}
			return boom
		})
		return resp, err
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Expected boom, got %v", err)
	}

	record, err := loadKey(ctx, db, req.Key)
	if err != nil {
		t.Fatalf("Load key: %v", err)
	}
	if record != nil {
		t.Errorf("Expected rolled-back completion to leave the key releasable, found %+v", record)
	}
}

func TestRedisCacheServesReplays(t *testing.T) {
	db := dbtest.NewPostgres(t)
	rdb := redis.NewClient(&redis.Options{Addr: dbtest.NewRedis(t)})
	t.Cleanup(func() { _ = rdb.Close() })

	gate := NewGate(db, testConfig(), NewRedisCache(rdb, time.Hour), zap.NewNop())
	ctx := context.Background()
	req := Request{Key: "cache-1", Fingerprint: "f"}

	var calls atomic.Int32
	if _, err := gate.Execute(ctx, req, countingHandler(&calls, `{"cached":true}`)); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if _, err := db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE key = $1`, req.Key); err != nil {
		t.Fatalf("Delete key: %v", err)
	}

	resp, err := gate.Execute(ctx, req, countingHandler(&calls, "{}"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !resp.Replayed || string(resp.Body) != `{"cached":true}` {
		t.Errorf("Expected replay from cache, got %+v", resp)
	}
	if calls.Load() != 1 {
		t.Errorf("Expected one execution, got %d", calls.Load())
	}

	_, err = gate.Execute(ctx, Request{Key: "cache-1", Fingerprint: "other"}, countingHandler(&calls, "{}"))
	if !errors.Is(err, database.ErrKeyReused) {
		t.Errorf("Expected ErrKeyReused from cached entry, got %v", err)
	}
}
