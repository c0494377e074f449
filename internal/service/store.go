package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"qr-coin-platform/internal/config"
	"qr-coin-platform/internal/model"
	"qr-coin-platform/internal/pkg/code"
	"qr-coin-platform/internal/pkg/lock"
	"qr-coin-platform/internal/repository"
)

// EffectApplier applies a QR store item's effect (equip an avatar, start a
// boost) after its purchase commits. Failures are logged, never unwound:
// the purchase stands.
type EffectApplier interface {
	Apply(ctx context.Context, userID int64, item *model.QRStoreItem, purchase *model.QRStorePurchase) error
}

// LogEffectApplier is the default applier; it only records the event.
type LogEffectApplier struct{}

// Apply logs the purchased effect.
func (LogEffectApplier) Apply(_ context.Context, userID int64, item *model.QRStoreItem, purchase *model.QRStorePurchase) error {
	log.Info().
		Int64("user_id", userID).
		Int64("item_id", item.ID).
		Str("item_type", item.ItemType).
		Int64("quantity", purchase.Quantity).
		Msg("Item effect recorded")
	return nil
}

// StoreService is the store catalog and purchase engine. Each purchase is
// one atomic unit: stock decrement, purchase record, user debit, and
// business credit commit or roll back together.
type StoreService struct {
	pool       TxBeginner
	storeRepo  *repository.StoreRepository
	ledgerRepo *repository.LedgerRepository
	walletSvc  *WalletService
	effects    EffectApplier
	userLock   *lock.UserLock
	cfg        config.StoreConfig
}

// NewStoreService creates a new StoreService instance.
func NewStoreService(
	pool TxBeginner,
	storeRepo *repository.StoreRepository,
	ledgerRepo *repository.LedgerRepository,
	walletSvc *WalletService,
	effects EffectApplier,
	userLock *lock.UserLock,
	cfg config.StoreConfig,
) *StoreService {
	if effects == nil {
		effects = LogEffectApplier{}
	}
	return &StoreService{
		pool:       pool,
		storeRepo:  storeRepo,
		ledgerRepo: ledgerRepo,
		walletSvc:  walletSvc,
		effects:    effects,
		userLock:   userLock,
		cfg:        cfg,
	}
}

// BusinessPurchaseResult is the outcome of a business-store purchase.
type BusinessPurchaseResult struct {
	PurchaseID          int64  `json:"purchase_id"`
	PurchaseCode        string `json:"purchase_code"`
	ItemName            string `json:"item_name"`
	QRCoinsSpent        int64  `json:"qr_coins_spent"`
	DiscountAmountCents int64  `json:"discount_amount_cents"`
}

// uniquePurchaseCode generates a purchase code and retries on collision,
// bounded by the configured attempt count.
func (s *StoreService) uniquePurchaseCode(ctx context.Context) (string, error) {
	for i := 0; i < s.cfg.CodeAttempts; i++ {
		c, err := code.Generate(s.cfg.PurchaseCodeLength)
		if err != nil {
			return "", err
		}
		exists, err := s.storeRepo.PurchaseCodeExists(ctx, c)
		if err != nil {
			return "", err
		}
		if !exists {
			return c, nil
		}
	}
	return "", ErrCodeGeneration
}

// PurchaseBusinessItem runs the full business-store purchase workflow for
// one user and item. On any failure nothing is applied: the stock
// decrement, purchase record, ledger debit, and wallet credit share one
// transaction.
func (s *StoreService) PurchaseBusinessItem(ctx context.Context, userID, itemID int64) (*BusinessPurchaseResult, error) {
	if userID <= 0 {
		return nil, fmt.Errorf("%w: missing user id", ErrItemUnavailable)
	}

	// Serialize a user's own purchases so their balance check is stable.
	s.userLock.Lock(userID)
	defer s.userLock.Unlock(userID)

	// The code is chosen before the transaction opens: a unique-violation
	// inside a pg transaction would poison it, so collision retries happen
	// against the pool and the unique constraint stays as the backstop.
	purchaseCode, err := s.uniquePurchaseCode(ctx)
	if err != nil {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin purchase: %w", err)
	}
	defer tx.Rollback(ctx)

	storeRepo := s.storeRepo.WithTx(tx)
	ledgerRepo := s.ledgerRepo.WithTx(tx)

	item, err := storeRepo.GetBusinessItem(ctx, itemID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrItemUnavailable
		}
		return nil, err
	}
	if !item.AvailableAt(time.Now()) {
		return nil, ErrItemUnavailable
	}

	balance, err := ledgerRepo.SumBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	if balance < item.QRCoinCost {
		return nil, ErrInsufficientFunds
	}

	if item.MaxPerUser > 0 {
		count, err := storeRepo.CountUserPurchases(ctx, userID, itemID)
		if err != nil {
			return nil, err
		}
		if count >= item.MaxPerUser {
			return nil, ErrLimitReached
		}
	}

	// The conditional decrement is the race-safety point: concurrent
	// purchasers contend on this single statement.
	if item.StockQuantity != model.UnlimitedStock {
		ok, err := storeRepo.DecrementBusinessStock(ctx, itemID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrOutOfStock
		}
	}

	purchase, err := storeRepo.CreatePurchase(ctx, userID, itemID, item.BusinessID,
		item.QRCoinCost, item.DiscountAmountCents(), purchaseCode, item.ValidUntil)
	if err != nil {
		if errors.Is(err, repository.ErrDuplicateCode) {
			return nil, ErrCodeGeneration
		}
		return nil, err
	}

	refType := "store_purchase"
	description := fmt.Sprintf("purchased %s from business %d", item.Name, item.BusinessID)
	_, err = ledgerRepo.Append(ctx, userID, model.TxTypeBusinessPurchase, model.CategoryBusinessStore,
		-item.QRCoinCost, description, nil, &purchase.ID, &refType)
	if err != nil {
		return nil, err
	}

	commission := int64(float64(item.QRCoinCost) * s.cfg.BusinessCommissionRate)
	if commission > 0 {
		err = s.walletSvc.CreditTx(ctx, tx, item.BusinessID, commission,
			"store_sale", fmt.Sprintf("sale of %s", item.Name),
			map[string]any{"gross": item.QRCoinCost, "commission_rate": s.cfg.BusinessCommissionRate},
			&purchase.ID, &refType)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit purchase: %w", err)
	}

	log.Info().
		Int64("user_id", userID).
		Int64("item_id", itemID).
		Str("purchase_code", purchase.PurchaseCode).
		Int64("coins_spent", item.QRCoinCost).
		Msg("Business item purchased")

	return &BusinessPurchaseResult{
		PurchaseID:          purchase.ID,
		PurchaseCode:        purchase.PurchaseCode,
		ItemName:            item.Name,
		QRCoinsSpent:        item.QRCoinCost,
		DiscountAmountCents: purchase.DiscountAmountCents,
	}, nil
}

// QRPurchaseResult is the outcome of a platform store purchase.
type QRPurchaseResult struct {
	PurchaseID   int64      `json:"purchase_id"`
	ItemName     string     `json:"item_name"`
	Quantity     int64      `json:"quantity"`
	QRCoinsSpent int64      `json:"qr_coins_spent"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

// PurchaseQRStoreItem purchases quantity units of a platform store item.
// Cost scales with quantity, the per-user limit is cumulative across prior
// purchases, and any item effect is applied after commit without
// unwinding the purchase on failure.
func (s *StoreService) PurchaseQRStoreItem(ctx context.Context, userID, itemID, quantity int64) (*QRPurchaseResult, error) {
	if userID <= 0 || quantity <= 0 {
		return nil, fmt.Errorf("%w: invalid purchase request", ErrItemUnavailable)
	}

	s.userLock.Lock(userID)
	defer s.userLock.Unlock(userID)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin purchase: %w", err)
	}
	defer tx.Rollback(ctx)

	storeRepo := s.storeRepo.WithTx(tx)
	ledgerRepo := s.ledgerRepo.WithTx(tx)

	item, err := storeRepo.GetQRItem(ctx, itemID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrItemUnavailable
		}
		return nil, err
	}
	if !item.AvailableAt(time.Now()) {
		return nil, ErrItemUnavailable
	}

	cost := item.QRCoinCost * quantity

	balance, err := ledgerRepo.SumBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	if balance < cost {
		return nil, ErrInsufficientFunds
	}

	if item.MaxPerUser > 0 {
		owned, err := storeRepo.SumUserQuantity(ctx, userID, itemID)
		if err != nil {
			return nil, err
		}
		if owned+quantity > item.MaxPerUser {
			return nil, ErrLimitReached
		}
	}

	if item.StockQuantity != model.UnlimitedStock {
		ok, err := storeRepo.DecrementQRStock(ctx, itemID, quantity)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrOutOfStock
		}
	}

	var expiresAt *time.Time
	if d := item.EffectDuration(); d > 0 {
		t := time.Now().Add(d)
		expiresAt = &t
	}

	purchase, err := storeRepo.CreateQRPurchase(ctx, userID, itemID, quantity, cost, expiresAt)
	if err != nil {
		return nil, err
	}

	refType := "qr_store_purchase"
	description := fmt.Sprintf("purchased %dx %s", quantity, item.Name)
	_, err = ledgerRepo.Append(ctx, userID, model.TxTypeSpending, model.CategoryQRStore,
		-cost, description, map[string]any{"quantity": quantity}, &purchase.ID, &refType)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit purchase: %w", err)
	}

	// Effect application is best-effort once the purchase is committed.
	if err := s.effects.Apply(ctx, userID, item, purchase); err != nil {
		log.Error().Err(err).
			Int64("user_id", userID).
			Int64("purchase_id", purchase.ID).
			Msg("Item effect application failed; purchase stands")
	}

	return &QRPurchaseResult{
		PurchaseID:   purchase.ID,
		ItemName:     item.Name,
		Quantity:     quantity,
		QRCoinsSpent: cost,
		ExpiresAt:    purchase.ExpiresAt,
	}, nil
}

// RedeemResult is the outcome of a purchase-code redemption.
type RedeemResult struct {
	ItemName            string  `json:"item_name"`
	DiscountPercentage  float64 `json:"discount_percentage"`
	DiscountAmountCents int64   `json:"discount_amount_cents"`
	CustomerID          int64   `json:"customer_id"`
}

// RedeemPurchaseCode transitions a pending purchase to redeemed. The
// pending precondition lives in the UPDATE itself, so of two racing
// redemptions exactly one succeeds; the other sees the same failure as an
// unknown code, which keeps code enumeration blind.
func (s *StoreService) RedeemPurchaseCode(ctx context.Context, purchaseCode string, redeemerID int64) (*RedeemResult, error) {
	if purchaseCode == "" {
		return nil, ErrInvalidOrUsedCode
	}

	purchase, err := s.storeRepo.RedeemPurchase(ctx, purchaseCode, redeemerID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrInvalidOrUsedCode
		}
		return nil, err
	}

	item, err := s.storeRepo.GetBusinessItem(ctx, purchase.ItemID)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("purchase_code", purchaseCode).
		Int64("redeemed_by", redeemerID).
		Int64("customer_id", purchase.UserID).
		Msg("Purchase code redeemed")

	return &RedeemResult{
		ItemName:            item.Name,
		DiscountPercentage:  item.DiscountPercentage,
		DiscountAmountCents: purchase.DiscountAmountCents,
		CustomerID:          purchase.UserID,
	}, nil
}

// CancelPurchase cancels a pending purchase and refunds the user's coins,
// clawing back the business's commission credit. One atomic unit.
func (s *StoreService) CancelPurchase(ctx context.Context, purchaseID int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin cancellation: %w", err)
	}
	defer tx.Rollback(ctx)

	storeRepo := s.storeRepo.WithTx(tx)
	ledgerRepo := s.ledgerRepo.WithTx(tx)

	purchase, err := storeRepo.CancelPurchase(ctx, purchaseID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrInvalidOrUsedCode
		}
		return err
	}

	refType := "store_purchase"
	_, err = ledgerRepo.Append(ctx, purchase.UserID, model.TxTypeAdjustment, model.CategoryBusinessStore,
		purchase.QRCoinsSpent, fmt.Sprintf("refund for cancelled purchase %s", purchase.PurchaseCode),
		nil, &purchase.ID, &refType)
	if err != nil {
		return err
	}

	commission := int64(float64(purchase.QRCoinsSpent) * s.cfg.BusinessCommissionRate)
	if commission > 0 {
		err = s.walletSvc.ReverseTx(ctx, tx, purchase.BusinessID, commission,
			"store_sale_reversal", fmt.Sprintf("reversal of cancelled purchase %s", purchase.PurchaseCode),
			&purchase.ID, &refType)
		if err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// ListBusinessItems returns a business's currently sellable items.
func (s *StoreService) ListBusinessItems(ctx context.Context, businessID int64) ([]*model.StoreItem, error) {
	return s.storeRepo.ListBusinessItems(ctx, businessID)
}

// BusinessStoreStats aggregates store activity for one business, or for
// the whole platform when businessID is nil.
func (s *StoreService) BusinessStoreStats(ctx context.Context, businessID *int64) (*model.StoreStats, error) {
	return s.storeRepo.Stats(ctx, businessID)
}
