package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/safar/go-order-ledger/internal/ledger"
	"github.com/safar/go-order-ledger/internal/models"
	"github.com/safar/go-order-ledger/internal/store"
	"github.com/shopspring/decimal"
)

type createProductReq struct {
	SKU          string          `json:"sku"`
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	Price        decimal.Decimal `json:"price"`
	InitialStock int             `json:"initial_stock"`
}

type movementReq struct {
	Change    int                   `json:"change"`
	Reason    models.MovementReason `json:"reason"`
	Reference string                `json:"reference"`
	Note      string                `json:"note"`
}

type movementResp struct {
	Movement *models.InventoryMovement `json:"movement"`
	Product  *models.Product           `json:"product"`
}

func optionalUserID(r *http.Request) *int64 {
	if id, ok := userID(r); ok {
		return &id
	}
	return nil
}

func (h *Handler) createProduct(w http.ResponseWriter, r *http.Request) {
	var req createProductReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid json")
		return
	}

	product, err := h.Ledger.CreateProduct(r.Context(), ledger.NewProduct{
		SKU:          req.SKU,
		Name:         req.Name,
		Description:  req.Description,
		Price:        req.Price,
		InitialStock: req.InitialStock,
		UserID:       optionalUserID(r),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, product)
}

func (h *Handler) listProducts(w http.ResponseWriter, r *http.Request) {
	page, err := store.ListProducts(r.Context(), h.DB, queryInt(r, "page"), queryInt(r, "page_size"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, page)
}

func (h *Handler) getProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		badRequest(w, "invalid product id")
		return
	}

	product, err := store.GetProduct(r.Context(), h.DB, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, product)
}

func (h *Handler) recordMovement(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		badRequest(w, "invalid product id")
		return
	}

	var req movementReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid json")
		return
	}

	movement, product, err := h.Ledger.Apply(r.Context(), ledger.Adjustment{
		ProductID: id,
		Change:    req.Change,
		Reason:    req.Reason,
		Reference: req.Reference,
		Note:      req.Note,
		UserID:    optionalUserID(r),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, movementResp{Movement: movement, Product: product})
}

func (h *Handler) listMovements(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		badRequest(w, "invalid product id")
		return
	}

	movements, err := h.Ledger.Movements(r.Context(), id, queryInt(r, "limit"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, movements)
}

func (h *Handler) reconcile(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		badRequest(w, "invalid product id")
		return
	}

	result, err := h.Ledger.Reconcile(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) drift(w http.ResponseWriter, r *http.Request) {
	drifts, err := h.Ledger.CheckDrift(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if drifts == nil {
		drifts = []ledger.Drift{}
	}

	writeJSON(w, http.StatusOK, drifts)
}
