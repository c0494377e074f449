package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"qr-coin-platform/internal/model"
)

// DiscountRepository handles discount code persistence.
type DiscountRepository struct {
	db DBTX
}

// NewDiscountRepository creates a new DiscountRepository instance.
func NewDiscountRepository(db DBTX) *DiscountRepository {
	return &DiscountRepository{db: db}
}

// WithTx returns a copy of the repository bound to the given transaction.
func (r *DiscountRepository) WithTx(tx DBTX) *DiscountRepository {
	return &DiscountRepository{db: tx}
}

const discountColumns = `id, user_id, item_id, business_id, code, discount_percentage, qr_coins_spent, machine_id, status, max_uses, uses_count, expires_at, last_redeemed_at, created_at`

func scanDiscountCode(row interface{ Scan(...any) error }) (*model.DiscountCode, error) {
	var c model.DiscountCode
	err := row.Scan(
		&c.ID,
		&c.UserID,
		&c.ItemID,
		&c.BusinessID,
		&c.Code,
		&c.DiscountPercentage,
		&c.QRCoinsSpent,
		&c.MachineID,
		&c.Status,
		&c.MaxUses,
		&c.UsesCount,
		&c.ExpiresAt,
		&c.LastRedeemedAt,
		&c.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// CodeExists reports whether a discount code string is already taken.
func (r *DiscountRepository) CodeExists(ctx context.Context, codeStr string) (bool, error) {
	const query = `SELECT EXISTS(SELECT 1 FROM discount_codes WHERE code = $1)`

	var exists bool
	if err := r.db.QueryRow(ctx, query, codeStr).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check discount code: %w", err)
	}
	return exists, nil
}

// Create inserts an active discount code. Returns ErrDuplicateCode on
// collision with the global code space.
func (r *DiscountRepository) Create(
	ctx context.Context,
	userID, itemID, businessID int64,
	codeStr string,
	discountPercentage float64,
	coinsSpent int64,
	machineID *int64,
	maxUses int64,
	expiresAt time.Time,
) (*model.DiscountCode, error) {
	const query = `
		INSERT INTO discount_codes
			(user_id, item_id, business_id, code, discount_percentage, qr_coins_spent, machine_id, status, max_uses, uses_count, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'active', $8, 0, $9, NOW())
		RETURNING ` + discountColumns

	c, err := scanDiscountCode(r.db.QueryRow(ctx, query,
		userID, itemID, businessID, codeStr, discountPercentage, coinsSpent, machineID, maxUses, expiresAt))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateCode
		}
		return nil, fmt.Errorf("failed to create discount code: %w", err)
	}
	return c, nil
}

// GetByCode retrieves a discount code without locking, for read-only
// validation.
func (r *DiscountRepository) GetByCode(ctx context.Context, codeStr string) (*model.DiscountCode, error) {
	const query = `
		SELECT ` + discountColumns + `
		FROM discount_codes
		WHERE code = $1
	`

	c, err := scanDiscountCode(r.db.QueryRow(ctx, query, codeStr))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get discount code: %w", err)
	}
	return c, nil
}

// GetByCodeForUpdate reads a discount code under FOR UPDATE. Must be called
// inside a transaction; racing redemptions serialize here so only one can
// push uses_count to the limit.
func (r *DiscountRepository) GetByCodeForUpdate(ctx context.Context, codeStr string) (*model.DiscountCode, error) {
	const query = `
		SELECT ` + discountColumns + `
		FROM discount_codes
		WHERE code = $1
		FOR UPDATE
	`

	c, err := scanDiscountCode(r.db.QueryRow(ctx, query, codeStr))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to lock discount code: %w", err)
	}
	return c, nil
}

// ConsumeUse increments uses_count and flips status to used once the limit
// is reached, in a single statement. The caller holds the row lock.
func (r *DiscountRepository) ConsumeUse(ctx context.Context, codeID int64) (*model.DiscountCode, error) {
	const query = `
		UPDATE discount_codes
		SET uses_count = uses_count + 1,
		    status = CASE WHEN uses_count + 1 >= max_uses THEN 'used' ELSE status END,
		    last_redeemed_at = NOW()
		WHERE id = $1 AND uses_count < max_uses
		RETURNING ` + discountColumns

	c, err := scanDiscountCode(r.db.QueryRow(ctx, query, codeID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to consume discount use: %w", err)
	}
	return c, nil
}

// ExpireStale flips active codes past their expiry to expired and returns
// the number of rows changed. Used codes are left alone. Idempotent.
func (r *DiscountRepository) ExpireStale(ctx context.Context) (int64, error) {
	const query = `
		UPDATE discount_codes
		SET status = 'expired'
		WHERE status = 'active' AND expires_at < NOW()
	`

	tag, err := r.db.Exec(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to expire discount codes: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListByUser retrieves a user's discount codes, newest first.
func (r *DiscountRepository) ListByUser(ctx context.Context, userID int64, limit int) ([]*model.DiscountCode, error) {
	const query = `
		SELECT ` + discountColumns + `
		FROM discount_codes
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list discount codes: %w", err)
	}
	defer rows.Close()

	var codes []*model.DiscountCode
	for rows.Next() {
		c, err := scanDiscountCode(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan discount code: %w", err)
		}
		codes = append(codes, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating discount codes: %w", err)
	}

	return codes, nil
}
