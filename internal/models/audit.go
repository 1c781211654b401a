package models

import "strconv"

// Tracked entities describe themselves to the audit recorder. Field maps
// hold only plain values so the recorder can diff them without reflection.

func (p Product) AuditName() string { return "Product" }
func (p Product) AuditPK() string   { return strconv.FormatInt(p.ID, 10) }

func (p Product) AuditFields() map[string]any {
	return map[string]any{
		"id":          p.ID,
		"sku":         p.SKU,
		"name":        p.Name,
		"description": p.Description,
		"price":       p.Price,
		"stock":       p.Stock,
	}
}

func (o Order) AuditName() string { return "Order" }
func (o Order) AuditPK() string   { return strconv.FormatInt(o.ID, 10) }

func (o Order) AuditFields() map[string]any {
	return map[string]any{
		"id":           o.ID,
		"user_id":      o.UserID,
		"status":       o.Status,
		"total_amount": o.TotalAmount,
		"created_at":   o.CreatedAt,
	}
}

func (i OrderItem) AuditName() string { return "OrderItem" }
func (i OrderItem) AuditPK() string   { return strconv.FormatInt(i.ID, 10) }

func (i OrderItem) AuditFields() map[string]any {
	return map[string]any{
		"id":         i.ID,
		"order_id":   i.OrderID,
		"product_id": i.ProductID,
		"quantity":   i.Quantity,
		"unit_price": i.UnitPrice,
	}
}

func (m InventoryMovement) AuditName() string { return "InventoryMovement" }
func (m InventoryMovement) AuditPK() string   { return strconv.FormatInt(m.ID, 10) }

func (m InventoryMovement) AuditFields() map[string]any {
	return map[string]any{
		"id":            m.ID,
		"product_id":    m.ProductID,
		"order_item_id": m.OrderItemID,
		"user_id":       m.UserID,
		"change":        m.Change,
		"reason":        string(m.Reason),
		"reference":     m.Reference,
		"note":          m.Note,
	}
}
