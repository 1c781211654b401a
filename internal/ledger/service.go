package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/safar/go-order-ledger/internal/audit"
	"github.com/safar/go-order-ledger/internal/database"
	"github.com/safar/go-order-ledger/internal/models"
	"github.com/safar/go-order-ledger/internal/observability"
	"github.com/safar/go-order-ledger/internal/store"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Service runs the stock flows that sit outside order placement: seeding
// products, restocks, returns, manual adjustments and releases. It uses the
// same lock helper and ledger primitive as the order coordinator.
type Service struct {
	db       *sql.DB
	observer audit.Observer
	logger   *zap.Logger
	tracer   trace.Tracer
	txOpts   database.TxOptions
}

func NewService(db *sql.DB, observer audit.Observer, logger *zap.Logger, lockTimeout time.Duration, maxRetries int) *Service {
	opts := database.DefaultTxOptions()
	opts.LockTimeout = lockTimeout
	opts.MaxRetries = maxRetries

	return &Service{
		db:       db,
		observer: observer,
		logger:   logger.Named("ledger"),
		tracer:   observability.Tracer("ledger"),
		txOpts:   opts,
	}
}

type NewProduct struct {
	SKU          string
	Name         string
	Description  string
	Price        decimal.Decimal
	InitialStock int
	UserID       *int64
}

// CreateProduct inserts a product and books its initial stock as a restock
// movement, so a freshly created product already satisfies the ledger
// invariant.
func (s *Service) CreateProduct(ctx context.Context, in NewProduct) (product *models.Product, err error) {
	ctx, span := s.tracer.Start(ctx, "ledger.CreateProduct",
		trace.WithAttributes(attribute.String("product.sku", in.SKU)))
	defer func() { observability.EndSpan(span, err) }()

	if in.InitialStock < 0 {
		return nil, fmt.Errorf("%w: initial stock must not be negative", database.ErrInvalidMovement)
	}

	err = database.WithRetry(ctx, s.db, s.txOpts, func(tx *sql.Tx) error {
		created, err := store.CreateProduct(ctx, tx, in.SKU, in.Name, in.Description, in.Price)
		if err != nil {
			return err
		}
		if err := s.observer.AfterCreate(ctx, tx, created); err != nil {
			return err
		}

		if in.InitialStock > 0 {
			if _, err := s.book(ctx, tx, created, MovementInput{
				ProductID: created.ID,
				UserID:    in.UserID,
				Change:    in.InitialStock,
				Reason:    models.ReasonRestock,
				Reference: "initial-stock",
			}); err != nil {
				return err
			}
		}

		product = created
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("product created",
		zap.Int64("product_id", product.ID),
		zap.String("sku", product.SKU),
		zap.Int("stock", product.Stock),
	)

	return product, nil
}

type Adjustment struct {
	ProductID int64
	Change    int
	Reason    models.MovementReason
	Reference string
	Note      string
	UserID    *int64
}

// Apply locks the product, books the movement and updates the cached
// counter. A change that would take stock below zero fails with an
// InsufficientStockError and writes nothing.
func (s *Service) Apply(ctx context.Context, adj Adjustment) (movement *models.InventoryMovement, product *models.Product, err error) {
	ctx, span := s.tracer.Start(ctx, "ledger.Apply", trace.WithAttributes(
		attribute.Int64("product.id", adj.ProductID),
		attribute.Int("movement.change", adj.Change),
		attribute.String("movement.reason", string(adj.Reason)),
	))
	defer func() { observability.EndSpan(span, err) }()

	in := MovementInput{
		ProductID: adj.ProductID,
		UserID:    adj.UserID,
		Change:    adj.Change,
		Reason:    adj.Reason,
		Reference: adj.Reference,
		Note:      adj.Note,
	}
	if err := in.Validate(); err != nil {
		return nil, nil, err
	}
	if adj.Reason == models.ReasonOrder {
		return nil, nil, fmt.Errorf("%w: order movements are written by order placement", database.ErrInvalidMovement)
	}

	err = database.WithRetry(ctx, s.db, s.txOpts, func(tx *sql.Tx) error {
		locked, err := store.LockProducts(ctx, tx, []int64{adj.ProductID})
		if err != nil {
			return err
		}
		current := locked[adj.ProductID]

		if current.Stock+adj.Change < 0 {
			return &database.InsufficientStockError{
				ProductID: current.ID,
				Requested: -adj.Change,
				Available: current.Stock,
			}
		}

		m, err := s.book(ctx, tx, current, in)
		if err != nil {
			return err
		}

		movement, product = m, current
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	s.logger.Info("stock adjusted",
		zap.Int64("product_id", product.ID),
		zap.Int("change", movement.Change),
		zap.String("reason", string(movement.Reason)),
		zap.Int("stock", product.Stock),
	)

	return movement, product, nil
}

// book writes the movement, applies it to the cache and audits both.
// product must be locked by tx (or created by it) and is updated in place.
func (s *Service) book(ctx context.Context, tx *sql.Tx, product *models.Product, in MovementInput) (*models.InventoryMovement, error) {
	movement, err := RecordMovement(ctx, tx, in)
	if err != nil {
		return nil, err
	}
	if err := s.observer.AfterCreate(ctx, tx, movement); err != nil {
		return nil, err
	}

	prior := *product
	stock, err := store.AdjustStock(ctx, tx, product.ID, in.Change)
	if err != nil {
		return nil, err
	}
	product.Stock = stock

	if err := s.observer.BeforeMutation(ctx, tx, prior, *product); err != nil {
		return nil, err
	}

	return movement, nil
}

type Reconciliation struct {
	ProductID  int64 `json:"product_id"`
	Cached     int   `json:"cached"`
	Ledger     int   `json:"ledger"`
	Consistent bool  `json:"consistent"`
}

// Reconcile compares the cached counter with the ledger sum inside one
// read-only snapshot.
func (s *Service) Reconcile(ctx context.Context, productID int64) (*Reconciliation, error) {
	var result *Reconciliation

	opts := database.TxOptions{IsolationLevel: sql.LevelRepeatableRead, ReadOnly: true}
	err := database.WithTransaction(ctx, s.db, opts, func(tx *sql.Tx) error {
		product, err := store.GetProduct(ctx, tx, productID)
		if err != nil {
			return err
		}
		sum, err := Reconcile(ctx, tx, productID)
		if err != nil {
			return err
		}

		result = &Reconciliation{
			ProductID:  productID,
			Cached:     product.Stock,
			Ledger:     sum,
			Consistent: product.Stock == sum,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// CheckDrift reports every product whose cache disagrees with the ledger
// and logs each one.
func (s *Service) CheckDrift(ctx context.Context) (drifts []Drift, err error) {
	ctx, span := s.tracer.Start(ctx, "ledger.CheckDrift")
	defer func() { observability.EndSpan(span, err) }()

	drifts, err = FindDrift(ctx, s.db)
	if err != nil {
		return nil, err
	}

	for _, d := range drifts {
		s.logger.Warn("stock cache drift",
			zap.Int64("product_id", d.ProductID),
			zap.Int("cached", d.Cached),
			zap.Int("ledger", d.Ledger),
		)
	}
	span.SetAttributes(attribute.Int("drift.count", len(drifts)))

	return drifts, nil
}

func (s *Service) Movements(ctx context.Context, productID int64, limit int) ([]models.InventoryMovement, error) {
	if _, err := store.GetProduct(ctx, s.db, productID); err != nil {
		return nil, err
	}
	return ListMovements(ctx, s.db, productID, limit)
}
