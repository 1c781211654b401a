package ledger

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/safar/go-order-ledger/internal/audit"
	"github.com/safar/go-order-ledger/internal/database"
	"github.com/safar/go-order-ledger/internal/database/dbtest"
	"github.com/safar/go-order-ledger/internal/models"
	"github.com/safar/go-order-ledger/internal/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	db := dbtest.NewPostgres(t)
	return NewService(db, audit.NewRecorder(audit.PolicyStringify, zap.NewNop()), zap.NewNop(), 2*time.Second, 3)
}

func TestCreateProductBooksInitialStock(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	product, err := svc.CreateProduct(ctx, NewProduct{
		SKU:          "LEDGER-001",
		Name:         "Widget",
		Price:        decimal.RequireFromString("12.50"),
		InitialStock: 10,
	})
	if err != nil {
		t.Fatalf("Create product: %v", err)
	}
	if product.Stock != 10 {
		t.Errorf("Expected stock 10, got %d", product.Stock)
	}

	sum, err := Reconcile(ctx, svc.db, product.ID)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if sum != 10 {
		t.Errorf("Expected ledger sum 10, got %d", sum)
	}

	movements, err := ListMovements(ctx, svc.db, product.ID, 0)
	if err != nil {
		t.Fatalf("List movements: %v", err)
	}
	if len(movements) != 1 || movements[0].Reason != models.ReasonRestock || movements[0].Change != 10 {
		t.Errorf("Unexpected movements: %+v", movements)
	}

	entries, err := audit.ListEntries(ctx, svc.db, "Product", strconv.FormatInt(product.ID, 10))
	if err != nil {
		t.Fatalf("List audit entries: %v", err)
	}
	if len(entries) != 2 || entries[0].Action != models.AuditCreate || entries[1].Action != models.AuditUpdate {
		t.Errorf("Expected create then update entries, got %+v", entries)
	}
}

func TestCreateProductDuplicateSKU(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	in := NewProduct{SKU: "DUP-001", Name: "Widget", Price: decimal.NewFromInt(1)}
	if _, err := svc.CreateProduct(ctx, in); err != nil {
		t.Fatalf("Create product: %v", err)
	}
	if _, err := svc.CreateProduct(ctx, in); !errors.Is(err, database.ErrProductExists) {
		t.Fatalf("Expected ErrProductExists, got %v", err)
	}
}

func TestApplyKeepsCacheInSyncWithLedger(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	product, err := svc.CreateProduct(ctx, NewProduct{SKU: "LEDGER-002", Name: "Widget", Price: decimal.NewFromInt(5), InitialStock: 4})
	if err != nil {
		t.Fatalf("Create product: %v", err)
	}

	steps := []Adjustment{
		{ProductID: product.ID, Change: 6, Reason: models.ReasonRestock, Reference: "PO-1"},
		{ProductID: product.ID, Change: -3, Reason: models.ReasonAdjustment, Note: "damaged"},
		{ProductID: product.ID, Change: 1, Reason: models.ReasonReturn},
	}
	for _, adj := range steps {
		if _, _, err := svc.Apply(ctx, adj); err != nil {
			t.Fatalf("Apply %+v: %v", adj, err)
		}
	}

	rec, err := svc.Reconcile(ctx, product.ID)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if rec.Cached != 8 || rec.Ledger != 8 || !rec.Consistent {
		t.Errorf("Expected consistent stock 8, got %+v", rec)
	}
}

func TestApplyRejectsNegativeStock(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	product, err := svc.CreateProduct(ctx, NewProduct{SKU: "LEDGER-003", Name: "Widget", Price: decimal.NewFromInt(5), InitialStock: 2})
	if err != nil {
		t.Fatalf("Create product: %v", err)
	}

	_, _, err = svc.Apply(ctx, Adjustment{ProductID: product.ID, Change: -5, Reason: models.ReasonAdjustment})
	var stockErr *database.InsufficientStockError
	if !errors.As(err, &stockErr) {
		t.Fatalf("Expected InsufficientStockError, got %v", err)
	}
	if stockErr.Available != 2 || stockErr.Requested != 5 {
		t.Errorf("Unexpected error detail: %+v", stockErr)
	}

	movements, err := ListMovements(ctx, svc.db, product.ID, 0)
	if err != nil {
		t.Fatalf("List movements: %v", err)
	}
	if len(movements) != 1 {
		t.Errorf("Expected only the initial movement, got %d", len(movements))
	}
}

func TestApplyRejectsOrderReasonAndUnknownProduct(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, _, err := svc.Apply(ctx, Adjustment{ProductID: 1, Change: -1, Reason: models.ReasonOrder})
	if !errors.Is(err, database.ErrInvalidMovement) {
		t.Errorf("Expected ErrInvalidMovement, got %v", err)
	}

	_, _, err = svc.Apply(ctx, Adjustment{ProductID: 999999, Change: 1, Reason: models.ReasonRestock})
	var notFound *database.ProductNotFoundError
	if !errors.As(err, &notFound) || notFound.ProductID != 999999 {
		t.Errorf("Expected ProductNotFoundError for 999999, got %v", err)
	}
}

func TestCheckDriftReportsCorruptedCache(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	healthy, err := svc.CreateProduct(ctx, NewProduct{SKU: "LEDGER-004", Name: "Healthy", Price: decimal.NewFromInt(5), InitialStock: 3})
	if err != nil {
		t.Fatalf("Create product: %v", err)
	}
	broken, err := svc.CreateProduct(ctx, NewProduct{SKU: "LEDGER-005", Name: "Broken", Price: decimal.NewFromInt(5), InitialStock: 3})
	if err != nil {
		t.Fatalf("Create product: %v", err)
	}

	if _, err := svc.db.ExecContext(ctx, `UPDATE products SET stock = 7 WHERE id = $1`, broken.ID); err != nil {
		t.Fatalf("Corrupt cache: %v", err)
	}

	drifts, err := svc.CheckDrift(ctx)
	if err != nil {
		t.Fatalf("CheckDrift: %v", err)
	}
	if len(drifts) != 1 {
		t.Fatalf("Expected 1 drifting product, got %+v", drifts)
	}
	if drifts[0].ProductID != broken.ID || drifts[0].Cached != 7 || drifts[0].Ledger != 3 {
		t.Errorf("Unexpected drift: %+v", drifts[0])
	}

	if p, _ := store.GetProduct(ctx, svc.db, healthy.ID); p.Stock != 3 {
		t.Errorf("Healthy product changed: %+v", p)
	}
}

func TestMovementsAreAppendOnly(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, err := svc.CreateProduct(ctx, NewProduct{SKU: "LEDGER-006", Name: "Widget", Price: decimal.NewFromInt(5), InitialStock: 1}); err != nil {
		t.Fatalf("Create product: %v", err)
	}

	if _, err := svc.db.ExecContext(ctx, `UPDATE inventory_movements SET change = 100`); err == nil {
		t.Error("Expected update of inventory_movements to be rejected")
	}
	if _, err := svc.db.ExecContext(ctx, `DELETE FROM inventory_movements`); err == nil {
		t.Error("Expected delete from inventory_movements to be rejected")
	}
}
