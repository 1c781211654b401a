// Package idempotency runs a mutating operation at most once per
// client-supplied key and replays the stored response to every later
// request carrying the same key.
//
// Each key moves through absent -> reserved -> completed. The reservation is
// an INSERT ... ON CONFLICT DO NOTHING, so the unique index picks exactly one
// winner among concurrent callers. The winner completes the key from inside
// its own transaction through a Finalizer, which makes "order committed" and
// "response stored" a single atomic step.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/safar/go-order-ledger/internal/config"
	"github.com/safar/go-order-ledger/internal/database"
	"github.com/safar/go-order-ledger/internal/models"
	"github.com/safar/go-order-ledger/internal/observability"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type Request struct {
	// Key is the client token. An empty key disables deduplication.
	Key         string
	UserID      *int64
	Fingerprint string
}

type Response struct {
	StatusCode int
	Body       []byte
	Replayed   bool
}

// Finalizer marks the reservation completed with resp. Call it with the
// transaction that performs the guarded side effects, just before commit.
// It fails with database.ErrReservationLost if the key was taken over.
type Finalizer func(ctx context.Context, q database.Querier, resp Response) error

// Handler performs the guarded operation. A handler that returns without
// calling finalize has its response stored by the gate afterwards.
type Handler func(ctx context.Context, finalize Finalizer) (Response, error)

type Gate struct {
	db     database.Querier
	cache  ReplayCache
	cfg    config.IdempotencyConfig
	logger *zap.Logger
	tracer trace.Tracer
}

// NewGate builds a gate over the idempotency_keys table. cache may be nil.
func NewGate(db database.Querier, cfg config.IdempotencyConfig, cache ReplayCache, logger *zap.Logger) *Gate {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	return &Gate{
		db:     db,
		cache:  cache,
		cfg:    cfg,
		logger: logger.Named("idempotency"),
		tracer: observability.Tracer("idempotency"),
	}
}

func (g *Gate) Execute(ctx context.Context, req Request, h Handler) (resp Response, err error) {
	if req.Key == "" {
		return h(ctx, func(context.Context, database.Querier, Response) error { return nil })
	}

	ctx, span := g.tracer.Start(ctx, "idempotency.Execute",
		trace.WithAttributes(attribute.String("idempotency.key", req.Key)))
	defer func() {
		span.SetAttributes(attribute.Bool("idempotency.replayed", resp.Replayed))
		observability.EndSpan(span, err)
	}()

	if cached, ok := g.fromCache(ctx, req); ok {
		if err := matches(req, cached.Fingerprint, cached.UserID); err != nil {
			return Response{}, err
		}
		return Response{StatusCode: cached.StatusCode, Body: cached.Body, Replayed: true}, nil
	}

	var deadline time.Time
	if g.cfg.InProgressPolicy == config.InProgressWait {
		deadline = time.Now().Add(g.cfg.WaitTimeout)
	}

	for {
		token, owned, err := g.acquire(ctx, req)
		if err != nil {
			return Response{}, err
		}
		if owned {
			return g.run(ctx, req, token, h)
		}

		record, err := loadKey(ctx, g.db, req.Key)
		if err != nil {
			return Response{}, database.Persistence("load idempotency key", err)
		}
		if record == nil {
			// Released between our insert and our read; try again.
			continue
		}

		if err := matches(req, record.RequestHash, record.UserID); err != nil {
			return Response{}, err
		}

		if record.Status == models.IdempotencyCompleted {
			resp := Response{StatusCode: derefInt(record.ResponseCode), Body: record.ResponseBody, Replayed: true}
			g.toCache(ctx, req, resp)
			g.logger.Debug("replaying stored response", zap.String("key", req.Key))
			return resp, nil
		}

		token, owned, err = takeOver(ctx, g.db, req, record.UpdatedAt, g.cfg.ReservationTTL)
		if err != nil {
			return Response{}, database.Persistence("take over idempotency key", err)
		}
		if owned {
			g.logger.Warn("took over stale reservation",
				zap.String("key", req.Key),
				zap.Time("reserved_at", record.UpdatedAt),
			)
			return g.run(ctx, req, token, h)
		}

		if deadline.IsZero() || !time.Now().Before(deadline) {
			return Response{}, fmt.Errorf("key %q: %w", req.Key, database.ErrRequestInProgress)
		}

		select {
		case <-ctx.Done():
			return Response{}, ctx.Err()
		case <-time.After(g.cfg.PollInterval):
		}
	}
}

func (g *Gate) acquire(ctx context.Context, req Request) (time.Time, bool, error) {
	token, ok, err := reserve(ctx, g.db, req)
	if err != nil {
		return time.Time{}, false, database.Persistence("reserve idempotency key", err)
	}
	return token, ok, nil
}

// run executes h as the owner of the reservation identified by token.
func (g *Gate) run(ctx context.Context, req Request, token time.Time, h Handler) (Response, error) {
	var finalized bool
	finalize := func(ctx context.Context, q database.Querier, resp Response) error {
		if err := complete(ctx, q, req.Key, token, resp); err != nil {
			return err
		}
		finalized = true
		return nil
	}

	resp, err := h(ctx, finalize)
	if err != nil {
		g.abandon(ctx, req.Key, token, err)
		return Response{}, err
	}

	if !finalized {
		if err := complete(ctx, g.db, req.Key, token, resp); err != nil {
			return Response{}, database.Persistence("complete idempotency key", err)
		}
	}

	resp.Replayed = false
	g.toCache(ctx, req, resp)
	return resp, nil
}

// abandon applies the failure policy to a reservation whose operation failed.
// It runs detached from ctx so a cancelled request still releases its key.
func (g *Gate) abandon(ctx context.Context, key string, token time.Time, cause error) {
	ctx = context.WithoutCancel(ctx)

	var err error
	switch g.cfg.OnFailure {
	case config.OnFailureExpire:
		err = expire(ctx, g.db, key, token, g.cfg.ReservationTTL)
	default:
		err = release(ctx, g.db, key, token)
	}

	if err != nil {
		g.logger.Error("failed to abandon reservation",
			zap.String("key", key),
			zap.String("policy", g.cfg.OnFailure),
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
	}
}

func (g *Gate) fromCache(ctx context.Context, req Request) (*CachedResponse, bool) {
	if g.cache == nil {
		return nil, false
	}
	cached, err := g.cache.Get(ctx, req.Key)
	if err != nil {
		g.logger.Warn("replay cache read failed", zap.String("key", req.Key), zap.Error(err))
		return nil, false
	}
	return cached, cached != nil
}

func (g *Gate) toCache(ctx context.Context, req Request, resp Response) {
	if g.cache == nil {
		return
	}
	err := g.cache.Set(ctx, req.Key, CachedResponse{
		Fingerprint: req.Fingerprint,
		UserID:      req.UserID,
		StatusCode:  resp.StatusCode,
		Body:        resp.Body,
	})
	if err != nil {
		g.logger.Warn("replay cache write failed", zap.String("key", req.Key), zap.Error(err))
	}
}

func matches(req Request, fingerprint string, userID *int64) error {
	if fingerprint != req.Fingerprint {
		return fmt.Errorf("key %q: %w", req.Key, database.ErrKeyReused)
	}
	if (userID == nil) != (req.UserID == nil) || (userID != nil && *userID != *req.UserID) {
		return fmt.Errorf("key %q: %w", req.Key, database.ErrKeyReused)
	}
	return nil
}

// Fingerprint hashes the canonical JSON form of v under scope, e.g.
// "POST /orders". Callers normalise v first so that semantically equal
// requests hash the same.
func Fingerprint(scope string, v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode request fingerprint: %w", err)
	}
	sum := sha256.Sum256(append([]byte(scope+"\n"), data...))
	return hex.EncodeToString(sum[:]), nil
}

func derefInt(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}
