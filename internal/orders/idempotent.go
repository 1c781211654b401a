package orders

import (
	"context"
	"database/sql"

	"github.com/safar/go-order-ledger/internal/idempotency"
	"github.com/safar/go-order-ledger/internal/models"
)

// Renderer turns a placed order into the response that is stored with the
// idempotency key and sent to the client. It runs inside the order
// transaction, so it must be deterministic and free of side effects.
type Renderer func(order *models.Order) (statusCode int, body []byte, err error)

// PlaceIdempotent places the order behind the idempotency gate. The response
// is rendered and stored inside the order transaction, so a committed order
// always has its response recorded and a rolled-back one never does.
func PlaceIdempotent(ctx context.Context, gate *idempotency.Gate, c *Coordinator, key string, req PlaceOrderRequest, render Renderer) (idempotency.Response, error) {
	items, err := NormalizeItems(req.Items)
	if err != nil {
		return idempotency.Response{}, err
	}

	userID := req.UserID
	fingerprint, err := idempotency.Fingerprint("POST /orders", struct {
		UserID int64  `json:"user_id"`
		Items  []Item `json:"items"`
	}{userID, items})
	if err != nil {
		return idempotency.Response{}, err
	}

	gateReq := idempotency.Request{Key: key, UserID: &userID, Fingerprint: fingerprint}

	return gate.Execute(ctx, gateReq, func(ctx context.Context, finalize idempotency.Finalizer) (idempotency.Response, error) {
		var resp idempotency.Response

		_, err := c.PlaceOrder(ctx, PlaceOrderRequest{UserID: userID, Items: items},
			func(ctx context.Context, tx *sql.Tx, order *models.Order) error {
				code, body, err := render(order)
				if err != nil {
					return err
				}
				resp = idempotency.Response{StatusCode: code, Body: body}
				return finalize(ctx, tx, resp)
			})
		if err != nil {
			return idempotency.Response{}, err
		}

		return resp, nil
	})
}
