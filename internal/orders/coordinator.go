// Package orders places orders against the shared inventory. One order is
// one transaction: products are locked in ascending id order, stock is
// re-checked under the lock, and the order, its lines, their ledger
// movements, the stock cache and the audit trail are written together or
// not at all.
package orders

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/safar/go-order-ledger/internal/audit"
	"github.com/safar/go-order-ledger/internal/config"
	"github.com/safar/go-order-ledger/internal/database"
	"github.com/safar/go-order-ledger/internal/ledger"
	"github.com/safar/go-order-ledger/internal/models"
	"github.com/safar/go-order-ledger/internal/notify"
	"github.com/safar/go-order-ledger/internal/observability"
	"github.com/safar/go-order-ledger/internal/store"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type Item struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}

type PlaceOrderRequest struct {
	UserID int64
	Items  []Item
}

// CommitHook runs inside the order transaction after every row has been
// written and before commit. An error rolls the whole order back.
type CommitHook func(ctx context.Context, tx *sql.Tx, order *models.Order) error

type Coordinator struct {
	db         *sql.DB
	observer   audit.Observer
	dispatcher notify.Dispatcher
	logger     *zap.Logger
	tracer     trace.Tracer
	txOpts     database.TxOptions
}

func NewCoordinator(db *sql.DB, observer audit.Observer, dispatcher notify.Dispatcher, logger *zap.Logger, cfg config.OrdersConfig) *Coordinator {
	opts := database.DefaultTxOptions()
	opts.LockTimeout = cfg.LockTimeout
	opts.MaxRetries = cfg.MaxRetries

	return &Coordinator{
		db:         db,
		observer:   observer,
		dispatcher: dispatcher,
		logger:     logger.Named("orders"),
		tracer:     observability.Tracer("orders"),
		txOpts:     opts,
	}
}

// MaxQuantity is the largest quantity one order line can hold; order_items
// stores it as INTEGER.
const MaxQuantity = math.MaxInt32

// NormalizeItems validates the requested lines and merges repeated product
// ids into one line, keeping the position of the first occurrence. A merged
// quantity above MaxQuantity is rejected rather than wrapped.
func NormalizeItems(items []Item) ([]Item, error) {
	if len(items) == 0 {
		return nil, database.ErrEmptyOrder
	}

	merged := make([]Item, 0, len(items))
	index := make(map[int64]int, len(items))
	for _, item := range items {
		if item.Quantity <= 0 || item.Quantity > MaxQuantity {
			return nil, fmt.Errorf("product %d: %w", item.ProductID, database.ErrInvalidQuantity)
		}
		if i, ok := index[item.ProductID]; ok {
			if item.Quantity > MaxQuantity-merged[i].Quantity {
				return nil, fmt.Errorf("product %d: merged quantity too large: %w", item.ProductID, database.ErrInvalidQuantity)
			}
			merged[i].Quantity += item.Quantity
			continue
		}
		index[item.ProductID] = len(merged)
		merged = append(merged, item)
	}

	return merged, nil
}

// PlaceOrder places the order in one transaction, retrying deadlocks and
// serialization failures. A failed COMMIT is not retried because the order
// may have landed; callers that need exactly-once placement go through
// PlaceIdempotent.
func (c *Coordinator) PlaceOrder(ctx context.Context, req PlaceOrderRequest, hooks ...CommitHook) (order *models.Order, err error) {
	ctx, span := c.tracer.Start(ctx, "orders.PlaceOrder", trace.WithAttributes(
		attribute.Int64("user.id", req.UserID),
		attribute.Int("order.lines", len(req.Items)),
	))
	defer func() { observability.EndSpan(span, err) }()

	items, err := NormalizeItems(req.Items)
	if err != nil {
		return nil, err
	}

	ids := make([]int64, len(items))
	for i, item := range items {
		ids[i] = item.ProductID
	}

	// Existence only. Stock read here is stale by the time the locks are
	// held, so availability is decided under the lock.
	found, err := store.FindProducts(ctx, c.db, ids)
	if err != nil {
		return nil, database.Persistence("resolve products", err)
	}
	for _, id := range ids {
		if _, ok := found[id]; !ok {
			return nil, &database.ProductNotFoundError{ProductID: id}
		}
	}

	err = database.WithRetry(ctx, c.db, c.txOpts, func(tx *sql.Tx) error {
		placed, err := c.place(ctx, tx, req.UserID, items)
		if err != nil {
			return err
		}
		for _, hook := range hooks {
			if err := hook(ctx, tx, placed); err != nil {
				return err
			}
		}
		order = placed
		return nil
	})
	if err != nil {
		c.logger.Info("order rejected",
			zap.Int64("user_id", req.UserID),
			zap.Error(err),
		)
		return nil, classify(err)
	}

	span.SetAttributes(attribute.Int64("order.id", order.ID))
	c.logger.Info("order placed",
		zap.Int64("order_id", order.ID),
		zap.Int64("user_id", order.UserID),
		zap.String("total", order.TotalAmount.StringFixed(models.MoneyPlaces)),
		zap.Int("lines", len(order.Items)),
	)

	c.dispatch(ctx, order.ID)

	return order, nil
}

// place performs every write of one order attempt inside tx.
func (c *Coordinator) place(ctx context.Context, tx *sql.Tx, userID int64, items []Item) (*models.Order, error) {
	ids := make([]int64, len(items))
	for i, item := range items {
		ids[i] = item.ProductID
	}

	locked, err := store.LockProducts(ctx, tx, ids)
	if err != nil {
		return nil, err
	}

	for _, item := range items {
		product := locked[item.ProductID]
		if product.Stock < item.Quantity {
			return nil, &database.InsufficientStockError{
				ProductID: product.ID,
				Requested: item.Quantity,
				Available: product.Stock,
			}
		}
	}

	order, err := store.InsertOrder(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	if err := c.observer.AfterCreate(ctx, tx, order); err != nil {
		return nil, err
	}

	reference := strconv.FormatInt(order.ID, 10)
	total := decimal.Zero
	lines := make([]models.OrderItem, 0, len(items))

	for _, item := range items {
		product := locked[item.ProductID]

		line, err := store.InsertOrderItem(ctx, tx, order.ID, product.ID, item.Quantity, product.Price)
		if err != nil {
			return nil, err
		}
		if err := c.observer.AfterCreate(ctx, tx, line); err != nil {
			return nil, err
		}

		movement, err := ledger.RecordMovement(ctx, tx, ledger.MovementInput{
			ProductID:   product.ID,
			OrderItemID: &line.ID,
			UserID:      &userID,
			Change:      -item.Quantity,
			Reason:      models.ReasonOrder,
			Reference:   reference,
		})
		if err != nil {
			return nil, err
		}
		if err := c.observer.AfterCreate(ctx, tx, movement); err != nil {
			return nil, err
		}

		prior := *product
		stock, err := store.AdjustStock(ctx, tx, product.ID, -item.Quantity)
		if err != nil {
			return nil, err
		}
		product.Stock = stock
		if err := c.observer.BeforeMutation(ctx, tx, prior, *product); err != nil {
			return nil, err
		}

		total = total.Add(line.LineTotal())
		line.ProductName = product.Name
		lines = append(lines, *line)
	}

	prior := *order
	updated, err := store.UpdateOrderTotal(ctx, tx, order.ID, total.Round(models.MoneyPlaces))
	if err != nil {
		return nil, err
	}
	if err := c.observer.BeforeMutation(ctx, tx, prior, *updated); err != nil {
		return nil, err
	}
	updated.Items = lines

	return updated, nil
}

// dispatch hands the committed order to the notifier. Failures are logged;
// the order is already durable.
func (c *Coordinator) dispatch(ctx context.Context, orderID int64) {
	if c.dispatcher == nil {
		return
	}
	if err := c.dispatcher.Dispatch(context.WithoutCancel(ctx), orderID); err != nil {
		c.logger.Error("failed to dispatch order notification",
			zap.Int64("order_id", orderID),
			zap.Error(err),
		)
	}
}

// classify keeps domain failures intact and marks everything else as a
// persistence failure.
func classify(err error) error {
	switch {
	case errors.Is(err, database.ErrProductNotFound),
		errors.Is(err, database.ErrInsufficientStock),
		errors.Is(err, database.ErrLockTimeout),
		errors.Is(err, database.ErrReservationLost),
		errors.Is(err, database.ErrInvalidMovement),
		errors.Is(err, database.ErrPersistence),
		errors.Is(err, audit.ErrUnhandledField),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return database.Persistence("place order", err)
}

func (c *Coordinator) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	return store.GetOrder(ctx, c.db, id)
}

func (c *Coordinator) ListOrders(ctx context.Context, userID int64, cursor string, limit int) (*store.CursorPage, error) {
	return store.ListOrdersCursor(ctx, c.db, userID, cursor, limit)
}
