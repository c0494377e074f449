package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// HealthChecker reports persistence-layer health for the /health endpoint.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// NewRouter builds the HTTP router over the engine handlers.
func NewRouter(h *Handler, health HealthChecker) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(Logger)

	r.Route("/users/{id}", func(r chi.Router) {
		r.Get("/balance", h.GetBalance)
		r.Get("/transactions", h.GetTransactions)
		r.Get("/spending", h.GetSpendingSummary)
		r.Post("/spend", h.Spend)
	})

	r.Route("/purchases", func(r chi.Router) {
		r.Post("/business", h.PurchaseBusinessItem)
		r.Post("/qr-store", h.PurchaseQRStoreItem)
		r.Post("/redeem", h.RedeemPurchaseCode)
	})

	r.Route("/discount-codes", func(r chi.Router) {
		r.Post("/", h.PurchaseDiscountCode)
		r.Post("/validate", h.ValidateDiscountCode)
		r.Post("/redeem", h.RedeemDiscountCode)
	})

	r.Route("/businesses/{id}", func(r chi.Router) {
		r.Get("/wallet", h.GetBusinessWallet)
		r.Get("/revenue", h.GetBusinessRevenue)
		r.Get("/items", h.GetBusinessItems)
	})

	r.Get("/stores/stats", h.GetStoreStats)
	r.Get("/economy/overview", h.GetEconomyOverview)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if health != nil {
			if err := health.HealthCheck(r.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte("db unavailable"))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return r
}
