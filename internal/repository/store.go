package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"qr-coin-platform/internal/model"
)

// StoreRepository handles the business and QR store catalogs and their
// purchase records.
type StoreRepository struct {
	db DBTX
}

// NewStoreRepository creates a new StoreRepository instance.
func NewStoreRepository(db DBTX) *StoreRepository {
	return &StoreRepository{db: db}
}

// WithTx returns a copy of the repository bound to the given transaction.
func (r *StoreRepository) WithTx(tx DBTX) *StoreRepository {
	return &StoreRepository{db: tx}
}

const storeItemColumns = `id, business_id, name, description, regular_price_cents, discount_percentage, qr_coin_cost, category, stock_quantity, max_per_user, active, valid_from, valid_until, machine_id, original_discount, promotional_boost, is_promotional, created_at`

func scanStoreItem(row interface{ Scan(...any) error }) (*model.StoreItem, error) {
	var it model.StoreItem
	err := row.Scan(
		&it.ID,
		&it.BusinessID,
		&it.Name,
		&it.Description,
		&it.RegularPriceCents,
		&it.DiscountPercentage,
		&it.QRCoinCost,
		&it.Category,
		&it.StockQuantity,
		&it.MaxPerUser,
		&it.Active,
		&it.ValidFrom,
		&it.ValidUntil,
		&it.MachineID,
		&it.OriginalDiscount,
		&it.PromotionalBoost,
		&it.IsPromotional,
		&it.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &it, nil
}

// GetBusinessItem retrieves a business-store item by id.
func (r *StoreRepository) GetBusinessItem(ctx context.Context, itemID int64) (*model.StoreItem, error) {
	const query = `
		SELECT ` + storeItemColumns + `
		FROM store_items
		WHERE id = $1
	`

	it, err := scanStoreItem(r.db.QueryRow(ctx, query, itemID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get store item: %w", err)
	}
	return it, nil
}

// ListBusinessItems retrieves a business's currently sellable items.
func (r *StoreRepository) ListBusinessItems(ctx context.Context, businessID int64) ([]*model.StoreItem, error) {
	const query = `
		SELECT ` + storeItemColumns + `
		FROM store_items
		WHERE business_id = $1
		  AND active = TRUE
		  AND (valid_from IS NULL OR valid_from <= NOW())
		  AND (valid_until IS NULL OR valid_until >= NOW())
		ORDER BY qr_coin_cost ASC
	`

	rows, err := r.db.Query(ctx, query, businessID)
	if err != nil {
		return nil, fmt.Errorf("failed to list store items: %w", err)
	}
	defer rows.Close()

	var items []*model.StoreItem
	for rows.Next() {
		it, err := scanStoreItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan store item: %w", err)
		}
		items = append(items, it)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating store items: %w", err)
	}

	return items, nil
}

const qrItemColumns = `id, item_type, name, description, qr_coin_cost, rarity, stock_quantity, max_per_user, item_data, active, valid_from, valid_until, created_at`

func scanQRItem(row interface{ Scan(...any) error }) (*model.QRStoreItem, error) {
	var it model.QRStoreItem
	err := row.Scan(
		&it.ID,
		&it.ItemType,
		&it.Name,
		&it.Description,
		&it.QRCoinCost,
		&it.Rarity,
		&it.StockQuantity,
		&it.MaxPerUser,
		&it.ItemData,
		&it.Active,
		&it.ValidFrom,
		&it.ValidUntil,
		&it.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &it, nil
}

// GetQRItem retrieves a platform store item by id.
func (r *StoreRepository) GetQRItem(ctx context.Context, itemID int64) (*model.QRStoreItem, error) {
	const query = `
		SELECT ` + qrItemColumns + `
		FROM qr_store_items
		WHERE id = $1
	`

	it, err := scanQRItem(r.db.QueryRow(ctx, query, itemID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get qr store item: %w", err)
	}
	return it, nil
}

// DecrementBusinessStock conditionally decrements an item's stock by one.
// Returns false if the item has no remaining stock; unlimited-stock items
// must not be passed here. This single conditional update is the point
// where concurrent purchasers contend.
func (r *StoreRepository) DecrementBusinessStock(ctx context.Context, itemID int64) (bool, error) {
	const query = `
		UPDATE store_items
		SET stock_quantity = stock_quantity - 1
		WHERE id = $1 AND stock_quantity > 0
	`

	tag, err := r.db.Exec(ctx, query, itemID)
	if err != nil {
		return false, fmt.Errorf("failed to decrement stock: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// DecrementQRStock conditionally decrements a platform item's stock by the
// given quantity.
func (r *StoreRepository) DecrementQRStock(ctx context.Context, itemID, quantity int64) (bool, error) {
	const query = `
		UPDATE qr_store_items
		SET stock_quantity = stock_quantity - $2
		WHERE id = $1 AND stock_quantity >= $2
	`

	tag, err := r.db.Exec(ctx, query, itemID, quantity)
	if err != nil {
		return false, fmt.Errorf("failed to decrement qr stock: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// CountUserPurchases counts a user's non-cancelled purchases of one
// business item, for the per-user limit check.
func (r *StoreRepository) CountUserPurchases(ctx context.Context, userID, itemID int64) (int64, error) {
	const query = `
		SELECT COUNT(*)
		FROM store_purchases
		WHERE user_id = $1 AND item_id = $2 AND status <> 'cancelled'
	`

	var count int64
	if err := r.db.QueryRow(ctx, query, userID, itemID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count user purchases: %w", err)
	}
	return count, nil
}

// SumUserQuantity sums the quantities of a user's non-cancelled platform
// store purchases of one item. The QR store limit is cumulative across
// purchases, not a purchase count.
func (r *StoreRepository) SumUserQuantity(ctx context.Context, userID, itemID int64) (int64, error) {
	const query = `
		SELECT COALESCE(SUM(quantity), 0)
		FROM qr_store_purchases
		WHERE user_id = $1 AND item_id = $2 AND status <> 'cancelled'
	`

	var total int64
	if err := r.db.QueryRow(ctx, query, userID, itemID).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to sum user quantity: %w", err)
	}
	return total, nil
}

// PurchaseCodeExists reports whether a purchase code is already taken.
func (r *StoreRepository) PurchaseCodeExists(ctx context.Context, purchaseCode string) (bool, error) {
	const query = `SELECT EXISTS(SELECT 1 FROM store_purchases WHERE purchase_code = $1)`

	var exists bool
	if err := r.db.QueryRow(ctx, query, purchaseCode).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check purchase code: %w", err)
	}
	return exists, nil
}

const purchaseColumns = `id, user_id, item_id, business_id, qr_coins_spent, discount_amount_cents, purchase_code, status, expires_at, redeemed_at, redeemed_by, created_at`

func scanPurchase(row interface{ Scan(...any) error }) (*model.Purchase, error) {
	var p model.Purchase
	err := row.Scan(
		&p.ID,
		&p.UserID,
		&p.ItemID,
		&p.BusinessID,
		&p.QRCoinsSpent,
		&p.DiscountAmountCents,
		&p.PurchaseCode,
		&p.Status,
		&p.ExpiresAt,
		&p.RedeemedAt,
		&p.RedeemedBy,
		&p.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// CreatePurchase inserts a pending business-store purchase. Returns
// ErrDuplicateCode if the purchase code collides.
func (r *StoreRepository) CreatePurchase(
	ctx context.Context,
	userID, itemID, businessID int64,
	coinsSpent, discountCents int64,
	purchaseCode string,
	expiresAt *time.Time,
) (*model.Purchase, error) {
	const query = `
		INSERT INTO store_purchases
			(user_id, item_id, business_id, qr_coins_spent, discount_amount_cents, purchase_code, status, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending', $7, NOW())
		RETURNING ` + purchaseColumns

	p, err := scanPurchase(r.db.QueryRow(ctx, query,
		userID, itemID, businessID, coinsSpent, discountCents, purchaseCode, expiresAt))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateCode
		}
		return nil, fmt.Errorf("failed to create purchase: %w", err)
	}
	return p, nil
}

// GetPurchaseByCode retrieves a purchase by its unique code.
func (r *StoreRepository) GetPurchaseByCode(ctx context.Context, purchaseCode string) (*model.Purchase, error) {
	const query = `
		SELECT ` + purchaseColumns + `
		FROM store_purchases
		WHERE purchase_code = $1
	`

	p, err := scanPurchase(r.db.QueryRow(ctx, query, purchaseCode))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get purchase: %w", err)
	}
	return p, nil
}

// RedeemPurchase transitions a purchase from pending to redeemed. The
// pending precondition is re-checked in the UPDATE itself so two racing
// redemptions cannot both succeed; the loser gets ErrNotFound, which is
// indistinguishable from an unknown code.
func (r *StoreRepository) RedeemPurchase(ctx context.Context, purchaseCode string, redeemerID int64) (*model.Purchase, error) {
	const query = `
		UPDATE store_purchases
		SET status = 'redeemed', redeemed_at = NOW(), redeemed_by = $2
		WHERE purchase_code = $1 AND status = 'pending'
		RETURNING ` + purchaseColumns

	p, err := scanPurchase(r.db.QueryRow(ctx, query, purchaseCode, redeemerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to redeem purchase: %w", err)
	}
	return p, nil
}

// CancelPurchase transitions a purchase from pending to cancelled, for the
// refund path. Same compare-and-swap shape as RedeemPurchase.
func (r *StoreRepository) CancelPurchase(ctx context.Context, purchaseID int64) (*model.Purchase, error) {
	const query = `
		UPDATE store_purchases
		SET status = 'cancelled'
		WHERE id = $1 AND status = 'pending'
		RETURNING ` + purchaseColumns

	p, err := scanPurchase(r.db.QueryRow(ctx, query, purchaseID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to cancel purchase: %w", err)
	}
	return p, nil
}

// CreateQRPurchase inserts an active platform store purchase.
func (r *StoreRepository) CreateQRPurchase(
	ctx context.Context,
	userID, itemID, quantity, coinsSpent int64,
	expiresAt *time.Time,
) (*model.QRStorePurchase, error) {
	const query = `
		INSERT INTO qr_store_purchases (user_id, item_id, quantity, qr_coins_spent, status, expires_at, created_at)
		VALUES ($1, $2, $3, $4, 'active', $5, NOW())
		RETURNING id, user_id, item_id, quantity, qr_coins_spent, status, expires_at, created_at
	`

	var p model.QRStorePurchase
	err := r.db.QueryRow(ctx, query, userID, itemID, quantity, coinsSpent, expiresAt).Scan(
		&p.ID,
		&p.UserID,
		&p.ItemID,
		&p.Quantity,
		&p.QRCoinsSpent,
		&p.Status,
		&p.ExpiresAt,
		&p.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create qr purchase: %w", err)
	}
	return &p, nil
}

// Stats aggregates business-store activity, for one business or globally.
func (r *StoreRepository) Stats(ctx context.Context, businessID *int64) (*model.StoreStats, error) {
	const query = `
		SELECT
			(SELECT COUNT(*) FROM store_items WHERE $1::BIGINT IS NULL OR business_id = $1),
			(SELECT COUNT(*) FROM store_items WHERE active = TRUE AND ($1::BIGINT IS NULL OR business_id = $1)),
			COUNT(*),
			COALESCE(SUM(qr_coins_spent), 0),
			COUNT(*) FILTER (WHERE status = 'redeemed')
		FROM store_purchases
		WHERE $1::BIGINT IS NULL OR business_id = $1
	`

	var s model.StoreStats
	err := r.db.QueryRow(ctx, query, businessID).Scan(
		&s.TotalItems,
		&s.ActiveItems,
		&s.TotalPurchases,
		&s.TotalCoinsSpent,
		&s.RedeemedCount,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get store stats: %w", err)
	}
	if s.TotalPurchases > 0 {
		s.RedemptionRate = float64(s.RedeemedCount) / float64(s.TotalPurchases)
	}
	return &s, nil
}
