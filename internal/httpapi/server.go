// Package httpapi exposes the order coordinator, the inventory ledger and
// the audit trail over HTTP.
package httpapi

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/safar/go-order-ledger/internal/audit"
	"github.com/safar/go-order-ledger/internal/idempotency"
	"github.com/safar/go-order-ledger/internal/ledger"
	"github.com/safar/go-order-ledger/internal/orders"
	"go.uber.org/zap"
)

const (
	HeaderUserID          = "X-User-ID"
	HeaderIdempotencyKey  = "Idempotency-Key"
	HeaderReplayed        = "Idempotent-Replayed"
	maxIdempotencyKeySize = 255
)

type Handler struct {
	DB          *sql.DB
	Coordinator *orders.Coordinator
	Ledger      *ledger.Service
	Gate        *idempotency.Gate
	Logger      *zap.Logger
}

func NewRouter(h *Handler, requestTimeout time.Duration) *chi.Mux {
	if requestTimeout <= 0 {
		requestTimeout = 15 * time.Second
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, requestLogger(h.Logger), middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))
	r.Use(actor)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	h.Register(r)
	return r
}

func (h *Handler) Register(r chi.Router) {
	r.Route("/orders", func(r chi.Router) {
		r.Post("/", h.placeOrder)
		r.Get("/", h.listOrders)
		r.Get("/{id}", h.getOrder)
	})

	r.Route("/products", func(r chi.Router) {
		r.Post("/", h.createProduct)
		r.Get("/", h.listProducts)
		r.Get("/{id}", h.getProduct)
		r.Post("/{id}/movements", h.recordMovement)
		r.Get("/{id}/movements", h.listMovements)
		r.Get("/{id}/reconcile", h.reconcile)
	})

	r.Get("/inventory/drift", h.drift)
	r.Get("/audit/{model}/{pk}", h.auditEntries)
}

// requestLogger replaces chi's text logger with a structured one.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	logger = logger.Named("http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			defer func() {
				logger.Info("request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
					zap.String("request_id", middleware.GetReqID(r.Context())),
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

// actor tags the request context with the caller so audit entries written
// during the request name who made the change.
func actor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id, ok := userID(r); ok {
			r = r.WithContext(audit.WithActor(r.Context(), "user:"+strconv.FormatInt(id, 10)))
		}
		next.ServeHTTP(w, r)
	})
}

// userID reads the caller identity set by the upstream gateway.
func userID(r *http.Request) (int64, bool) {
	raw := r.Header.Get(HeaderUserID)
	if raw == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func pathID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func queryInt(r *http.Request, name string) int {
	v, _ := strconv.Atoi(r.URL.Query().Get(name))
	return v
}
