package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/safar/go-order-ledger/internal/audit"
)

func (h *Handler) auditEntries(w http.ResponseWriter, r *http.Request) {
	entries, err := audit.ListEntries(r.Context(), h.DB, chi.URLParam(r, "model"), chi.URLParam(r, "pk"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, entries)
}
