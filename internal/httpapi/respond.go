package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/safar/go-order-ledger/internal/database"
	"github.com/safar/go-order-ledger/internal/store"
	"go.uber.org/zap"
)

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// errorStatus maps a service error to its HTTP status and, for errors the
// client may retry, a Retry-After value in seconds.
func errorStatus(err error) (status int, retryAfter string) {
	switch {
	case errors.Is(err, database.ErrEmptyOrder),
		errors.Is(err, database.ErrInvalidQuantity),
		errors.Is(err, database.ErrInvalidMovement),
		errors.Is(err, database.ErrInvalidProduct),
		errors.Is(err, store.ErrInvalidCursor):
		return http.StatusBadRequest, ""
	case errors.Is(err, database.ErrProductNotFound),
		errors.Is(err, database.ErrOrderNotFound):
		return http.StatusNotFound, ""
	case errors.Is(err, database.ErrInsufficientStock),
		errors.Is(err, database.ErrProductExists):
		return http.StatusConflict, ""
	case errors.Is(err, database.ErrRequestInProgress),
		errors.Is(err, database.ErrReservationLost):
		return http.StatusConflict, "1"
	case errors.Is(err, database.ErrKeyReused):
		return http.StatusUnprocessableEntity, ""
	case errors.Is(err, database.ErrLockTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "1"
	}
	return http.StatusInternalServerError, ""
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, retryAfter := errorStatus(err)
	if retryAfter != "" {
		w.Header().Set("Retry-After", retryAfter)
	}

	message := err.Error()
	if status == http.StatusInternalServerError {
		h.Logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		message = "internal error"
	}

	writeJSON(w, status, errorBody{Error: message})
}

func badRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: message})
}
