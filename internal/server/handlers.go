// Package server exposes the coin engines to page and request handlers
// over a thin JSON HTTP surface.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"qr-coin-platform/internal/model"
	"qr-coin-platform/internal/service"
)

// Handler carries the engine dependencies for the HTTP surface.
type Handler struct {
	Ledger   *service.LedgerService
	Wallet   *service.WalletService
	Store    *service.StoreService
	Discount *service.DiscountService
}

// NewHandler creates a new Handler instance.
func NewHandler(ledger *service.LedgerService, wallet *service.WalletService, store *service.StoreService, discount *service.DiscountService) *Handler {
	return &Handler{Ledger: ledger, Wallet: wallet, Store: store, Discount: discount}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// failureStatus maps the engines' failure kinds onto HTTP statuses and
// stable machine-readable kind strings.
func failureStatus(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrInsufficientFunds):
		return http.StatusPaymentRequired, "insufficient_funds"
	case errors.Is(err, service.ErrLimitReached):
		return http.StatusConflict, "limit_reached"
	case errors.Is(err, service.ErrOutOfStock):
		return http.StatusConflict, "out_of_stock"
	case errors.Is(err, service.ErrItemUnavailable):
		return http.StatusNotFound, "item_unavailable"
	case errors.Is(err, service.ErrInvalidOrUsedCode):
		return http.StatusNotFound, "invalid_or_used_code"
	case errors.Is(err, service.ErrCodeExpired):
		return http.StatusGone, "expired"
	case errors.Is(err, service.ErrUsageExceeded):
		return http.StatusGone, "usage_exceeded"
	case errors.Is(err, service.ErrWrongMachine):
		return http.StatusConflict, "wrong_machine"
	case errors.Is(err, service.ErrCodeGeneration):
		return http.StatusServiceUnavailable, "code_generation_failed"
	}
	return http.StatusInternalServerError, "internal_error"
}

func writeFailure(w http.ResponseWriter, err error) {
	status, kind := failureStatus(err)
	body := map[string]any{"success": false, "kind": kind}
	if status != http.StatusInternalServerError {
		body["message"] = err.Error()
	}
	writeJSON(w, status, body)
}

func pathID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	return id, err == nil && id > 0
}

// GetBalance handles GET /users/{id}/balance.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(r, "id")
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid user id"})
		return
	}

	balance, err := h.Ledger.GetBalance(r.Context(), userID)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "balance": balance})
}

// GetTransactions handles GET /users/{id}/transactions.
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(r, "id")
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid user id"})
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	var typeFilter *model.TransactionType
	if t := r.URL.Query().Get("type"); t != "" {
		tt := model.TransactionType(t)
		if !tt.Valid() {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown transaction type"})
			return
		}
		typeFilter = &tt
	}

	txs, err := h.Ledger.TransactionHistory(r.Context(), userID, limit, offset, typeFilter)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": txs})
}

// GetSpendingSummary handles GET /users/{id}/spending.
func (h *Handler) GetSpendingSummary(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(r, "id")
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid user id"})
		return
	}

	days, _ := strconv.Atoi(r.URL.Query().Get("days"))
	summary, err := h.Ledger.SpendingSummary(r.Context(), userID, time.Duration(days)*24*time.Hour)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"spending": summary})
}

type spendRequest struct {
	Amount        int64  `json:"amount"`
	Category      string `json:"category"`
	Description   string `json:"description"`
	AllowNegative bool   `json:"allow_negative"`
}

// Spend handles POST /users/{id}/spend using the smart-spend path.
func (h *Handler) Spend(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(r, "id")
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid user id"})
		return
	}

	var req spendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}

	result, err := h.Ledger.SmartSpend(r.Context(), userID, req.Amount, req.Category, req.Description, req.AllowNegative)
	if err != nil {
		writeFailure(w, err)
		return
	}
	status := http.StatusOK
	if !result.Success {
		status = http.StatusPaymentRequired
	}
	writeJSON(w, status, result)
}

type businessPurchaseRequest struct {
	UserID int64 `json:"user_id"`
	ItemID int64 `json:"item_id"`
}

// PurchaseBusinessItem handles POST /purchases/business.
func (h *Handler) PurchaseBusinessItem(w http.ResponseWriter, r *http.Request) {
	var req businessPurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}

	result, err := h.Store.PurchaseBusinessItem(r.Context(), req.UserID, req.ItemID)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "purchase": result})
}

type qrPurchaseRequest struct {
	UserID   int64 `json:"user_id"`
	ItemID   int64 `json:"item_id"`
	Quantity int64 `json:"quantity"`
}

// PurchaseQRStoreItem handles POST /purchases/qr-store.
func (h *Handler) PurchaseQRStoreItem(w http.ResponseWriter, r *http.Request) {
	var req qrPurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	if req.Quantity == 0 {
		req.Quantity = 1
	}

	result, err := h.Store.PurchaseQRStoreItem(r.Context(), req.UserID, req.ItemID, req.Quantity)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "purchase": result})
}

type redeemPurchaseRequest struct {
	Code       string `json:"code"`
	RedeemerID int64  `json:"redeemer_id"`
}

// RedeemPurchaseCode handles POST /purchases/redeem.
func (h *Handler) RedeemPurchaseCode(w http.ResponseWriter, r *http.Request) {
	var req redeemPurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}

	result, err := h.Store.RedeemPurchaseCode(r.Context(), req.Code, req.RedeemerID)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "redemption": result})
}

type discountPurchaseRequest struct {
	UserID    int64  `json:"user_id"`
	ItemID    int64  `json:"item_id"`
	MachineID *int64 `json:"machine_id,omitempty"`
}

// PurchaseDiscountCode handles POST /discount-codes.
func (h *Handler) PurchaseDiscountCode(w http.ResponseWriter, r *http.Request) {
	var req discountPurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}

	result, err := h.Discount.PurchaseDiscountCode(r.Context(), req.UserID, req.ItemID, req.MachineID)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "discount": result})
}

type validateDiscountRequest struct {
	Code      string `json:"code"`
	MachineID *int64 `json:"machine_id,omitempty"`
}

// ValidateDiscountCode handles POST /discount-codes/validate.
func (h *Handler) ValidateDiscountCode(w http.ResponseWriter, r *http.Request) {
	var req validateDiscountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}

	result, err := h.Discount.ValidateDiscountCode(r.Context(), req.Code, req.MachineID)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type redeemDiscountRequest struct {
	Code                   string  `json:"code"`
	TransactionAmountCents int64   `json:"transaction_amount_cents"`
	ExternalRef            *string `json:"external_ref,omitempty"`
}

// RedeemDiscountCode handles POST /discount-codes/redeem.
func (h *Handler) RedeemDiscountCode(w http.ResponseWriter, r *http.Request) {
	var req redeemDiscountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}

	result, err := h.Discount.RedeemDiscountCode(r.Context(), req.Code, req.TransactionAmountCents, req.ExternalRef)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "redemption": result})
}

// GetEconomyOverview handles GET /economy/overview.
func (h *Handler) GetEconomyOverview(w http.ResponseWriter, r *http.Request) {
	overview, err := h.Ledger.EconomyOverview(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, overview)
}

// GetBusinessWallet handles GET /businesses/{id}/wallet.
func (h *Handler) GetBusinessWallet(w http.ResponseWriter, r *http.Request) {
	businessID, ok := pathID(r, "id")
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid business id"})
		return
	}

	wallet, err := h.Wallet.GetWallet(r.Context(), businessID)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

// GetBusinessRevenue handles GET /businesses/{id}/revenue.
func (h *Handler) GetBusinessRevenue(w http.ResponseWriter, r *http.Request) {
	businessID, ok := pathID(r, "id")
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid business id"})
		return
	}

	days, _ := strconv.Atoi(r.URL.Query().Get("days"))
	summary, err := h.Wallet.RevenueSummary(r.Context(), businessID, days)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revenue": summary})
}

// GetBusinessItems handles GET /businesses/{id}/items.
func (h *Handler) GetBusinessItems(w http.ResponseWriter, r *http.Request) {
	businessID, ok := pathID(r, "id")
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid business id"})
		return
	}

	items, err := h.Store.ListBusinessItems(r.Context(), businessID)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// GetStoreStats handles GET /stores/stats with optional ?business_id=.
func (h *Handler) GetStoreStats(w http.ResponseWriter, r *http.Request) {
	var businessID *int64
	if b := r.URL.Query().Get("business_id"); b != "" {
		id, err := strconv.ParseInt(b, 10, 64)
		if err != nil || id <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid business id"})
			return
		}
		businessID = &id
	}

	stats, err := h.Store.BusinessStoreStats(r.Context(), businessID)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
