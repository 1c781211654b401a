package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// KeyReplay is the Redis key of a completed response: idem:order:create:{key}.
const KeyReplay = "idem:order:create:%s"

// CachedResponse is a completed key as stored in the replay cache. The
// fingerprint and user travel with it so a reused key is still detected
// without a database round trip.
type CachedResponse struct {
	Fingerprint string `json:"fingerprint"`
	UserID      *int64 `json:"user_id,omitempty"`
	StatusCode  int    `json:"status_code"`
	Body        []byte `json:"body"`
}

// ReplayCache sits in front of the idempotency table. It only ever holds
// completed responses; Postgres stays authoritative.
type ReplayCache interface {
	Get(ctx context.Context, key string) (*CachedResponse, error)
	Set(ctx context.Context, key string, resp CachedResponse) error
}

type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisCache{rdb: rdb, ttl: ttl}
}

// Get returns nil, nil on a miss.
func (c *RedisCache) Get(ctx context.Context, key string) (*CachedResponse, error) {
	data, err := c.rdb.Get(ctx, fmt.Sprintf(KeyReplay, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cached response: %w", err)
	}

	var resp CachedResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode cached response: %w", err)
	}
	return &resp, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, resp CachedResponse) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode cached response: %w", err)
	}
	if err := c.rdb.Set(ctx, fmt.Sprintf(KeyReplay, key), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("set cached response: %w", err)
	}
	return nil
}
