// Package ledger is the source of truth for stock. Every change to a
// product's cached stock counter is paired with an immutable movement row
// written in the same transaction, so the counter can always be rebuilt
// from the ledger.
package ledger

import (
	"context"
	"fmt"

	"github.com/safar/go-order-ledger/internal/database"
	"github.com/safar/go-order-ledger/internal/models"
)

type MovementInput struct {
	ProductID   int64
	OrderItemID *int64
	UserID      *int64
	Change      int
	Reason      models.MovementReason
	Reference   string
	Note        string
}

// Validate checks the movement before anything is written. Order and
// reservation movements take stock away; restock, return and release put
// it back; adjustments may go either way.
func (in MovementInput) Validate() error {
	if in.Change == 0 {
		return fmt.Errorf("%w: change must not be zero", database.ErrInvalidMovement)
	}
	if !in.Reason.Valid() {
		return fmt.Errorf("%w: unknown reason %q", database.ErrInvalidMovement, in.Reason)
	}

	switch in.Reason {
	case models.ReasonOrder, models.ReasonReservation:
		if in.Change > 0 {
			return fmt.Errorf("%w: %s movements must be negative", database.ErrInvalidMovement, in.Reason)
		}
	case models.ReasonRestock, models.ReasonReturn, models.ReasonRelease:
		if in.Change < 0 {
			return fmt.Errorf("%w: %s movements must be positive", database.ErrInvalidMovement, in.Reason)
		}
	}

	return nil
}

const movementColumns = `id, product_id, order_item_id, user_id, change, reason, reference, note, created_at`

func scanMovement(row interface{ Scan(...any) error }, m *models.InventoryMovement) error {
	return row.Scan(
		&m.ID,
		&m.ProductID,
		&m.OrderItemID,
		&m.UserID,
		&m.Change,
		&m.Reason,
		&m.Reference,
		&m.Note,
		&m.CreatedAt,
	)
}

// RecordMovement appends a ledger entry. The caller applies the same change
// to the cached counter inside the same transaction.
func RecordMovement(ctx context.Context, q database.Querier, in MovementInput) (*models.InventoryMovement, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	movement := &models.InventoryMovement{}

	query := `
		INSERT INTO inventory_movements (product_id, order_item_id, user_id, change, reason, reference, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		RETURNING ` + movementColumns

	err := scanMovement(q.QueryRowContext(ctx, query,
		in.ProductID, in.OrderItemID, in.UserID, in.Change, in.Reason, in.Reference, in.Note), movement)
	if err != nil {
		return nil, fmt.Errorf("record movement: %w", err)
	}

	return movement, nil
}

// Reconcile sums every movement of a product. It is the value the cached
// stock counter must equal.
func Reconcile(ctx context.Context, q database.Querier, productID int64) (int, error) {
	var total int
	err := q.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(change), 0) FROM inventory_movements WHERE product_id = $1`,
		productID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("reconcile product %d: %w", productID, err)
	}
	return total, nil
}

// ListMovements returns the most recent movements of a product, newest first.
func ListMovements(ctx context.Context, q database.Querier, productID int64, limit int) ([]models.InventoryMovement, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT ` + movementColumns + `
		FROM inventory_movements
		WHERE product_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`

	rows, err := q.QueryContext(ctx, query, productID, limit)
	if err != nil {
		return nil, fmt.Errorf("list movements: %w", err)
	}
	defer rows.Close()

	movements := []models.InventoryMovement{}
	for rows.Next() {
		var m models.InventoryMovement
		if err := scanMovement(rows, &m); err != nil {
			return nil, fmt.Errorf("scan movement: %w", err)
		}
		movements = append(movements, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return movements, nil
}

type Drift struct {
	ProductID int64 `json:"product_id"`
	Cached    int   `json:"cached"`
	Ledger    int   `json:"ledger"`
}

// FindDrift returns every product whose cached stock disagrees with its
// ledger, ordered by product id.
func FindDrift(ctx context.Context, q database.Querier) ([]Drift, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT p.id, p.stock, COALESCE(SUM(m.change), 0) AS ledger
		FROM products p
		LEFT JOIN inventory_movements m ON m.product_id = p.id
		GROUP BY p.id, p.stock
		HAVING p.stock <> COALESCE(SUM(m.change), 0)
		ORDER BY p.id`)
	if err != nil {
		return nil, fmt.Errorf("find drift: %w", err)
	}
	defer rows.Close()

	drifts := []Drift{}
	for rows.Next() {
		var d Drift
		if err := rows.Scan(&d.ProductID, &d.Cached, &d.Ledger); err != nil {
			return nil, fmt.Errorf("scan drift: %w", err)
		}
		drifts = append(drifts, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return drifts, nil
}
