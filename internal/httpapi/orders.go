package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/safar/go-order-ledger/internal/models"
	"github.com/safar/go-order-ledger/internal/orders"
)

type placeOrderReq struct {
	Items []orders.Item `json:"items"`
}

func renderOrder(order *models.Order) (int, []byte, error) {
	body, err := json.Marshal(order)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusCreated, body, nil
}

func (h *Handler) placeOrder(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "missing or invalid " + HeaderUserID})
		return
	}

	key := r.Header.Get(HeaderIdempotencyKey)
	if len(key) > maxIdempotencyKeySize {
		badRequest(w, HeaderIdempotencyKey+" is too long")
		return
	}

	var req placeOrderReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid json")
		return
	}

	resp, err := orders.PlaceIdempotent(r.Context(), h.Gate, h.Coordinator, key,
		orders.PlaceOrderRequest{UserID: uid, Items: req.Items}, renderOrder)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if resp.Replayed {
		w.Header().Set(HeaderReplayed, "true")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		badRequest(w, "invalid order id")
		return
	}

	order, err := h.Coordinator.GetOrder(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, order)
}

func (h *Handler) listOrders(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "missing or invalid " + HeaderUserID})
		return
	}

	page, err := h.Coordinator.ListOrders(r.Context(), uid, r.URL.Query().Get("cursor"), queryInt(r, "limit"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, page)
}
