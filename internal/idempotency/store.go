package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/safar/go-order-ledger/internal/database"
	"github.com/safar/go-order-ledger/internal/models"
)

// A reservation is owned by whoever last wrote its updated_at. Every
// transition out of reserved compares that value, so a holder that lost the
// key to a stale takeover can no longer complete or release it.

const keyColumns = `id, key, user_id, request_hash, status, response_code, response_body, created_at, updated_at, expires_at`

func scanKey(row interface{ Scan(...any) error }, k *models.IdempotencyKey) error {
	return row.Scan(
		&k.ID,
		&k.Key,
		&k.UserID,
		&k.RequestHash,
		&k.Status,
		&k.ResponseCode,
		&k.ResponseBody,
		&k.CreatedAt,
		&k.UpdatedAt,
		&k.ExpiresAt,
	)
}

// reserve inserts a reserved record. ok is false when the key already exists.
func reserve(ctx context.Context, q database.Querier, req Request) (token time.Time, ok bool, err error) {
	err = q.QueryRowContext(ctx,
		`INSERT INTO idempotency_keys (key, user_id, request_hash, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, NOW(), NOW())
		 ON CONFLICT (key) DO NOTHING
		 RETURNING updated_at`,
		req.Key, req.UserID, req.Fingerprint, models.IdempotencyReserved).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("reserve idempotency key: %w", err)
	}
	return token, true, nil
}

func loadKey(ctx context.Context, q database.Querier, key string) (*models.IdempotencyKey, error) {
	k := &models.IdempotencyKey{}
	err := scanKey(q.QueryRowContext(ctx,
		`SELECT `+keyColumns+` FROM idempotency_keys WHERE key = $1`, key), k)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load idempotency key: %w", err)
	}
	return k, nil
}

// takeOver claims a reservation whose holder is presumed dead: either its
// expiry has passed or it has not been touched for ttl.
func takeOver(ctx context.Context, q database.Querier, req Request, prev time.Time, ttl time.Duration) (token time.Time, ok bool, err error) {
	err = q.QueryRowContext(ctx,
		`UPDATE idempotency_keys
		 SET updated_at = NOW(),
		     expires_at = NULL
		 WHERE key = $1
		   AND status = $2
		   AND updated_at = $3
		   AND COALESCE(expires_at, updated_at + $4::float8 * INTERVAL '1 millisecond') <= NOW()
		 RETURNING updated_at`,
		req.Key, models.IdempotencyReserved, prev, ttl.Milliseconds()).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("take over idempotency key: %w", err)
	}
	return token, true, nil
}

func complete(ctx context.Context, q database.Querier, key string, token time.Time, resp Response) error {
	result, err := q.ExecContext(ctx,
		`UPDATE idempotency_keys
		 SET status = $1,
		     response_code = $2,
		     response_body = $3,
		     updated_at = NOW(),
		     expires_at = NULL
		 WHERE key = $4
		   AND status = $5
		   AND updated_at = $6`,
		models.IdempotencyCompleted, resp.StatusCode, resp.Body, key, models.IdempotencyReserved, token)
	if err != nil {
		return fmt.Errorf("complete idempotency key: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("complete idempotency key %q: %w", key, database.ErrReservationLost)
	}
	return nil
}

func release(ctx context.Context, q database.Querier, key string, token time.Time) error {
	_, err := q.ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE key = $1 AND status = $2 AND updated_at = $3`,
		key, models.IdempotencyReserved, token)
	if err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}

func expire(ctx context.Context, q database.Querier, key string, token time.Time, ttl time.Duration) error {
	_, err := q.ExecContext(ctx,
		`UPDATE idempotency_keys
		 SET expires_at = NOW() + $1::float8 * INTERVAL '1 millisecond'
		 WHERE key = $2 AND status = $3 AND updated_at = $4`,
		ttl.Milliseconds(), key, models.IdempotencyReserved, token)
	if err != nil {
		return fmt.Errorf("expire idempotency key: %w", err)
	}
	return nil
}
