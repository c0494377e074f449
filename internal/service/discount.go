package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"qr-coin-platform/internal/config"
	"qr-coin-platform/internal/model"
	"qr-coin-platform/internal/pkg/code"
	"qr-coin-platform/internal/pkg/lock"
	"qr-coin-platform/internal/repository"
)

// DiscountService is the discount code engine: purchase mints a
// time-boxed, usage-limited code; validation is a pure read; redemption
// re-validates under a row lock and consumes one use.
type DiscountService struct {
	pool         TxBeginner
	discountRepo *repository.DiscountRepository
	storeRepo    *repository.StoreRepository
	ledgerRepo   *repository.LedgerRepository
	walletSvc    *WalletService
	userLock     *lock.UserLock
	cfg          config.DiscountConfig
}

// NewDiscountService creates a new DiscountService instance.
func NewDiscountService(
	pool TxBeginner,
	discountRepo *repository.DiscountRepository,
	storeRepo *repository.StoreRepository,
	ledgerRepo *repository.LedgerRepository,
	walletSvc *WalletService,
	userLock *lock.UserLock,
	cfg config.DiscountConfig,
) *DiscountService {
	return &DiscountService{
		pool:         pool,
		discountRepo: discountRepo,
		storeRepo:    storeRepo,
		ledgerRepo:   ledgerRepo,
		walletSvc:    walletSvc,
		userLock:     userLock,
		cfg:          cfg,
	}
}

// DiscountPurchaseResult is the outcome of buying a discount code.
type DiscountPurchaseResult struct {
	Code               string    `json:"code"`
	DiscountPercentage float64   `json:"discount_percentage"`
	QRCoinsSpent       int64     `json:"qr_coins_spent"`
	MaxUses            int64     `json:"max_uses"`
	ExpiresAt          time.Time `json:"expires_at"`
}

// uniqueDiscountCode generates a prefixed code, retrying on collision with
// the global code space, bounded by the configured attempt count.
func (s *DiscountService) uniqueDiscountCode(ctx context.Context, attempts int) (string, error) {
	for i := 0; i < attempts; i++ {
		c, err := code.GenerateWithPrefix(s.cfg.CodePrefix, s.cfg.CodeLength)
		if err != nil {
			return "", err
		}
		exists, err := s.discountRepo.CodeExists(ctx, c)
		if err != nil {
			return "", err
		}
		if !exists {
			return c, nil
		}
	}
	return "", ErrCodeGeneration
}

// PurchaseDiscountCode debits the user for a catalog item and mints a
// discount code with expiry now + TTL. The debit, code insert, and
// business commission credit form one atomic unit.
func (s *DiscountService) PurchaseDiscountCode(ctx context.Context, userID, itemID int64, machineID *int64) (*DiscountPurchaseResult, error) {
	if userID <= 0 {
		return nil, fmt.Errorf("%w: missing user id", ErrItemUnavailable)
	}

	s.userLock.Lock(userID)
	defer s.userLock.Unlock(userID)

	codeStr, err := s.uniqueDiscountCode(ctx, 10)
	if err != nil {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin discount purchase: %w", err)
	}
	defer tx.Rollback(ctx)

	storeRepo := s.storeRepo.WithTx(tx)
	ledgerRepo := s.ledgerRepo.WithTx(tx)
	discountRepo := s.discountRepo.WithTx(tx)

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
	if item.MachineID != nil && machineID != nil && *item.MachineID != *machineID {
		return nil, ErrWrongMachine
	}

	balance, err := ledgerRepo.SumBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	if balance < item.QRCoinCost {
		return nil, ErrInsufficientFunds
	}

	// The code inherits the item's machine binding; the request's machine
	// only gates compatibility.
	expiresAt := time.Now().Add(s.cfg.TTL)
	dc, err := discountRepo.Create(ctx, userID, itemID, item.BusinessID, codeStr,
		item.DiscountPercentage, item.QRCoinCost, item.MachineID, s.cfg.MaxUses, expiresAt)
	if err != nil {
		if errors.Is(err, repository.ErrDuplicateCode) {
			return nil, ErrCodeGeneration
		}
		return nil, err
	}

	refType := "discount_code"
	_, err = ledgerRepo.Append(ctx, userID, model.TxTypeSpending, model.CategoryNayaxDiscount,
		-item.QRCoinCost, fmt.Sprintf("discount code for %s", item.Name), nil, &dc.ID, &refType)
	if err != nil {
		return nil, err
	}

	commission := int64(float64(item.QRCoinCost) * s.cfg.CommissionRate)
	if commission > 0 {
		err = s.walletSvc.CreditTx(ctx, tx, item.BusinessID, commission,
			"discount_sale", fmt.Sprintf("discount code sale for %s", item.Name),
			map[string]any{"gross": item.QRCoinCost, "commission_rate": s.cfg.CommissionRate},
			&dc.ID, &refType)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit discount purchase: %w", err)
	}

	log.Info().
		Int64("user_id", userID).
		Int64("item_id", itemID).
		Str("code", dc.Code).
		Time("expires_at", dc.ExpiresAt).
		Msg("Discount code purchased")

	return &DiscountPurchaseResult{
		Code:               dc.Code,
		DiscountPercentage: dc.DiscountPercentage,
		QRCoinsSpent:       dc.QRCoinsSpent,
		MaxUses:            dc.MaxUses,
		ExpiresAt:          dc.ExpiresAt,
	}, nil
}

// ValidationResult reports whether a code is currently redeemable and, if
// not, why. Reason distinguishes expiry and exhaustion (safe to disclose
// to a code holder) from plain invalidity.
type ValidationResult struct {
	Valid              bool       `json:"valid"`
	Reason             string     `json:"reason,omitempty"`
	DiscountPercentage float64    `json:"discount_percentage,omitempty"`
	UsesRemaining      int64      `json:"uses_remaining,omitempty"`
	ExpiresAt          *time.Time `json:"expires_at,omitempty"`
}

// Validation reasons.
const (
	ReasonInvalid       = "invalid"
	ReasonExpired       = "expired"
	ReasonUsageExceeded = "usage_exceeded"
	ReasonWrongMachine  = "wrong_machine"
)

// classify applies the validation checks in user-facing order. The check
// order matters for messaging: existence, then expiry, then usage, then
// machine binding.
func classify(dc *model.DiscountCode, machineID *int64, now time.Time) string {
	switch dc.Status {
	case model.StatusActive:
	case model.StatusExpired:
		return ReasonExpired
	case model.StatusUsed:
		return ReasonUsageExceeded
	default:
		return ReasonInvalid
	}
	// Status is only a cache; re-derive expiry and usage from the row.
	if dc.ExpiredAt(now) {
		return ReasonExpired
	}
	if dc.Exhausted() {
		return ReasonUsageExceeded
	}
	if dc.MachineID != nil && machineID != nil && *dc.MachineID != *machineID {
		return ReasonWrongMachine
	}
	return ""
}

// ValidateDiscountCode checks a code without mutating anything.
func (s *DiscountService) ValidateDiscountCode(ctx context.Context, codeStr string, machineID *int64) (*ValidationResult, error) {
	dc, err := s.discountRepo.GetByCode(ctx, codeStr)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return &ValidationResult{Valid: false, Reason: ReasonInvalid}, nil
		}
		return nil, err
	}

	if reason := classify(dc, machineID, time.Now()); reason != "" {
		return &ValidationResult{Valid: false, Reason: reason}, nil
	}

	return &ValidationResult{
		Valid:              true,
		DiscountPercentage: dc.DiscountPercentage,
		UsesRemaining:      dc.MaxUses - dc.UsesCount,
		ExpiresAt:          &dc.ExpiresAt,
	}, nil
}

// DiscountRedeemResult is the outcome of redeeming a discount code at a
// point of sale.
type DiscountRedeemResult struct {
	DiscountAmountCents int64 `json:"discount_amount_cents"`
	FinalAmountCents    int64 `json:"final_amount_cents"`
	BonusCoinsAwarded   int64 `json:"bonus_coins_awarded"`
	UsesRemaining       int64 `json:"uses_remaining"`
}

// RedeemDiscountCode consumes one use of a code against a sale amount. The
// code is re-validated under a row lock inside the same transaction that
// increments uses_count, so racing redemptions cannot both push the count
// to the limit. A small fixed bonus is credited to the purchasing user as
// an incentive to redeem.
func (s *DiscountService) RedeemDiscountCode(ctx context.Context, codeStr string, transactionAmountCents int64, externalRef *string) (*DiscountRedeemResult, error) {
	if transactionAmountCents <= 0 {
		return nil, fmt.Errorf("%w: invalid transaction amount", ErrInvalidOrUsedCode)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin redemption: %w", err)
	}
	defer tx.Rollback(ctx)

	discountRepo := s.discountRepo.WithTx(tx)
	ledgerRepo := s.ledgerRepo.WithTx(tx)

	// Never trust a prior validate call across a request boundary.
	dc, err := discountRepo.GetByCodeForUpdate(ctx, codeStr)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrInvalidOrUsedCode
		}
		return nil, err
	}
	switch classify(dc, nil, time.Now()) {
	case "":
	case ReasonExpired:
		return nil, ErrCodeExpired
	case ReasonUsageExceeded:
		return nil, ErrUsageExceeded
	default:
		return nil, ErrInvalidOrUsedCode
	}

	dc, err = discountRepo.ConsumeUse(ctx, dc.ID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrUsageExceeded
		}
		return nil, err
	}

	discount := discountCents(transactionAmountCents, dc.DiscountPercentage)

	metadata := map[string]any{
		"transaction_amount_cents": transactionAmountCents,
		"discount_amount_cents":    discount,
	}
	if externalRef != nil {
		metadata["external_ref"] = *externalRef
	}
	refType := "discount_code"
	_, err = ledgerRepo.Append(ctx, dc.UserID, model.TxTypeEarning, model.CategoryRedeemBonus,
		s.cfg.RedeemBonus, fmt.Sprintf("redemption bonus for %s", dc.Code), metadata, &dc.ID, &refType)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit redemption: %w", err)
	}

	log.Info().
		Str("code", dc.Code).
		Int64("discount_cents", discount).
		Int64("uses_remaining", dc.MaxUses-dc.UsesCount).
		Msg("Discount code redeemed")

	return &DiscountRedeemResult{
		DiscountAmountCents: discount,
		FinalAmountCents:    transactionAmountCents - discount,
		BonusCoinsAwarded:   s.cfg.RedeemBonus,
		UsesRemaining:       dc.MaxUses - dc.UsesCount,
	}, nil
}

// discountCents applies a percentage discount to a cent amount, rounding to
// the nearest cent.
func discountCents(amountCents int64, pct float64) int64 {
	return int64(math.Round(float64(amountCents) * pct / 100.0))
}

// CleanupExpiredCodes flips stale active codes to expired. Idempotent:
// a second run right after the first changes nothing.
func (s *DiscountService) CleanupExpiredCodes(ctx context.Context) (int64, error) {
	count, err := s.discountRepo.ExpireStale(ctx)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		log.Info().Int64("expired", count).Msg("Expired discount codes swept")
	}
	return count, nil
}

// UserCodes lists a user's discount codes, newest first.
func (s *DiscountService) UserCodes(ctx context.Context, userID int64, limit int) ([]*model.DiscountCode, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.discountRepo.ListByUser(ctx, userID, limit)
}
