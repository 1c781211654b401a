package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID          int64           `json:"id"`
	SKU         string          `json:"sku"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Price       decimal.Decimal `json:"price"`
	Stock       int             `json:"stock"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

type Order struct {
	ID          int64           `json:"id"`
	UserID      int64           `json:"user_id"`
	Status      string          `json:"status"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	Items       []OrderItem     `json:"items,omitempty"`
}

type OrderItem struct {
	ID        int64           `json:"id"`
	OrderID   int64           `json:"order_id"`
	ProductID int64           `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	CreatedAt time.Time       `json:"created_at"`

	// ProductName is read alongside the item for display; it is not
	// stored on the order line.
	ProductName string `json:"product_name,omitempty"`
}

// LineTotal is unit_price * quantity, exact.
func (i OrderItem) LineTotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

const (
	OrderStatusPending   = "pending"
	OrderStatusConfirmed = "confirmed"
	OrderStatusShipped   = "shipped"
	OrderStatusDelivered = "delivered"
	OrderStatusCancelled = "cancelled"
)

// MoneyPlaces is the number of fractional digits kept for prices and totals.
const MoneyPlaces = 2

type MovementReason string

const (
	ReasonRestock     MovementReason = "restock"
	ReasonOrder       MovementReason = "order"
	ReasonReturn      MovementReason = "return"
	ReasonAdjustment  MovementReason = "adjustment"
	ReasonReservation MovementReason = "reservation"
	ReasonRelease     MovementReason = "release"
)

func (r MovementReason) Valid() bool {
	switch r {
	case ReasonRestock, ReasonOrder, ReasonReturn, ReasonAdjustment, ReasonReservation, ReasonRelease:
		return true
	}
	return false
}

type InventoryMovement struct {
	ID          int64          `json:"id"`
	ProductID   int64          `json:"product_id"`
	OrderItemID *int64         `json:"order_item_id,omitempty"`
	UserID      *int64         `json:"user_id,omitempty"`
	Change      int            `json:"change"`
	Reason      MovementReason `json:"reason"`
	Reference   string         `json:"reference,omitempty"`
	Note        string         `json:"note,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

type IdempotencyStatus string

const (
	IdempotencyReserved  IdempotencyStatus = "reserved"
	IdempotencyCompleted IdempotencyStatus = "completed"
)

type IdempotencyKey struct {
	ID           int64             `json:"id"`
	Key          string            `json:"key"`
	UserID       *int64            `json:"user_id,omitempty"`
	RequestHash  string            `json:"request_hash"`
	Status       IdempotencyStatus `json:"status"`
	ResponseCode *int              `json:"response_code,omitempty"`
	ResponseBody []byte            `json:"-"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	ExpiresAt    *time.Time        `json:"expires_at,omitempty"`
}

type AuditAction string

const (
	AuditCreate AuditAction = "create"
	AuditUpdate AuditAction = "update"
	AuditDelete AuditAction = "delete"
)

type AuditEntry struct {
	ID        int64          `json:"id"`
	Actor     *string        `json:"actor,omitempty"`
	Action    AuditAction    `json:"action"`
	ModelName string         `json:"model_name"`
	ObjectPK  string         `json:"object_pk"`
	Changes   map[string]any `json:"changes"`
	CreatedAt time.Time      `json:"created_at"`
}
