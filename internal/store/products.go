package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/lib/pq"
	"github.com/safar/go-order-ledger/internal/database"
	"github.com/safar/go-order-ledger/internal/models"
	"github.com/shopspring/decimal"
)

const productColumns = `id, sku, name, description, price, stock, created_at, updated_at`

func scanProduct(row interface{ Scan(...any) error }, product *models.Product) error {
	return row.Scan(
		&product.ID,
		&product.SKU,
		&product.Name,
		&product.Description,
		&product.Price,
		&product.Stock,
		&product.CreatedAt,
		&product.UpdatedAt,
	)
}

// CreateProduct inserts a product with an empty cache. Initial stock must be
// booked through the ledger so that the cache stays derivable from it.
func CreateProduct(ctx context.Context, q database.Querier, sku, name, description string, price decimal.Decimal) (*models.Product, error) {
	if sku == "" || name == "" {
		return nil, fmt.Errorf("%w: sku and name are required", database.ErrInvalidProduct)
	}
	if !price.IsPositive() {
		return nil, fmt.Errorf("%w: price must be greater than zero", database.ErrInvalidProduct)
	}

	product := &models.Product{}

	query := `
		INSERT INTO products (sku, name, description, price, stock, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, NOW(), NOW())
		RETURNING ` + productColumns

	err := scanProduct(q.QueryRowContext(ctx, query, sku, name, description, price.Round(models.MoneyPlaces)), product)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return nil, fmt.Errorf("create product %s: %w", sku, database.ErrProductExists)
		}
		return nil, fmt.Errorf("create product: %w", err)
	}

	return product, nil
}

func GetProduct(ctx context.Context, q database.Querier, id int64) (*models.Product, error) {
	product := &models.Product{}

	query := `SELECT ` + productColumns + ` FROM products WHERE id = $1`

	err := scanProduct(q.QueryRowContext(ctx, query, id), product)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &database.ProductNotFoundError{ProductID: id}
		}
		return nil, fmt.Errorf("get product: %w", err)
	}

	return product, nil
}

// FindProducts loads the given products without locking them. Missing ids
// are simply absent from the result.
func FindProducts(ctx context.Context, q database.Querier, ids []int64) (map[int64]*models.Product, error) {
	query := `SELECT ` + productColumns + ` FROM products WHERE id = ANY($1)`

	rows, err := q.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("find products: %w", err)
	}
	defer rows.Close()

	products := make(map[int64]*models.Product, len(ids))
	for rows.Next() {
		product := &models.Product{}
		if err := scanProduct(rows, product); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		products[product.ID] = product
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return products, nil
}

// LockProduct takes an exclusive row lock on the product for the rest of
// the transaction. A wait longer than the transaction's lock_timeout
// returns database.ErrLockTimeout.
func LockProduct(ctx context.Context, tx *sql.Tx, id int64) (*models.Product, error) {
	product := &models.Product{}

	query := `SELECT ` + productColumns + ` FROM products WHERE id = $1 FOR UPDATE`

	err := scanProduct(tx.QueryRowContext(ctx, query, id), product)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "55P03" {
			return nil, fmt.Errorf("lock product %d: %w", id, database.ErrLockTimeout)
		}
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &database.ProductNotFoundError{ProductID: id}
		}
		return nil, fmt.Errorf("lock product %d: %w", id, err)
	}

	return product, nil
}

// LockProducts locks every distinct id in ascending order. All code paths
// that hold more than one product lock go through here so that concurrent
// transactions always acquire locks in the same order.
func LockProducts(ctx context.Context, tx *sql.Tx, ids []int64) (map[int64]*models.Product, error) {
	sorted := SortedDistinct(ids)

	locked := make(map[int64]*models.Product, len(sorted))
	for _, id := range sorted {
		product, err := LockProduct(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		locked[id] = product
	}

	return locked, nil
}

func SortedDistinct(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// AdjustStock applies delta to the cached counter of a product the caller
// has already locked, and returns the new value.
func AdjustStock(ctx context.Context, tx *sql.Tx, productID int64, delta int) (int, error) {
	var stock int
	err := tx.QueryRowContext(ctx,
		`UPDATE products
		 SET stock = stock + $1,
		     updated_at = NOW()
		 WHERE id = $2
		   AND stock + $1 >= 0
		 RETURNING stock`,
		delta, productID).Scan(&stock)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("adjust stock of product %d by %d: %w", productID, delta, database.ErrInsufficientStock)
		}
		return 0, fmt.Errorf("adjust stock: %w", err)
	}

	return stock, nil
}

func ListProducts(ctx context.Context, q database.Querier, page, pageSize int) (*OffsetPage, error) {
	if page < 1 {
		page = 1
	}
	pageSize = ClampPageSize(pageSize)

	var total int64
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM products`).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("count products: %w", err)
	}

	offset := (page - 1) * pageSize
	query := `
		SELECT ` + productColumns + `
		FROM products
		ORDER BY created_at DESC, id DESC
		LIMIT $1 OFFSET $2`

	rows, err := q.QueryContext(ctx, query, pageSize, offset)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()

	products := []models.Product{}
	for rows.Next() {
		var product models.Product
		if err := scanProduct(rows, &product); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		products = append(products, product)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	totalPages := int(total) / pageSize
	if int(total)%pageSize > 0 {
		totalPages++
	}

	return &OffsetPage{
		Items:      products,
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: totalPages,
	}, nil
}
