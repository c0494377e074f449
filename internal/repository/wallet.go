package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"qr-coin-platform/internal/model"
)

// WalletRepository handles business wallet persistence: the cached balance
// row, its append-only transaction log, and the daily revenue rollups.
type WalletRepository struct {
	db DBTX
}

// NewWalletRepository creates a new WalletRepository instance.
func NewWalletRepository(db DBTX) *WalletRepository {
	return &WalletRepository{db: db}
}

// WithTx returns a copy of the repository bound to the given transaction.
func (r *WalletRepository) WithTx(tx DBTX) *WalletRepository {
	return &WalletRepository{db: tx}
}

const walletColumns = `business_id, qr_coin_balance, total_earned_all_time, total_spent_all_time, last_transaction_at, created_at, updated_at`

func scanWallet(row interface{ Scan(...any) error }) (*model.BusinessWallet, error) {
	var w model.BusinessWallet
	err := row.Scan(
		&w.BusinessID,
		&w.QRCoinBalance,
		&w.TotalEarnedAllTime,
		&w.TotalSpentAllTime,
		&w.LastTransactionAt,
		&w.CreatedAt,
		&w.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// Ensure creates the wallet row for a business if it does not exist yet.
// Safe to call on every credit.
func (r *WalletRepository) Ensure(ctx context.Context, businessID int64) error {
	const query = `
		INSERT INTO business_wallets (business_id, qr_coin_balance, total_earned_all_time, total_spent_all_time, created_at, updated_at)
		VALUES ($1, 0, 0, 0, NOW(), NOW())
		ON CONFLICT (business_id) DO NOTHING
	`

	if _, err := r.db.Exec(ctx, query, businessID); err != nil {
		return fmt.Errorf("failed to ensure wallet: %w", err)
	}
	return nil
}

// Get retrieves a business wallet. Returns ErrNotFound if no wallet row
// exists yet.
func (r *WalletRepository) Get(ctx context.Context, businessID int64) (*model.BusinessWallet, error) {
	const query = `
		SELECT ` + walletColumns + `
		FROM business_wallets
		WHERE business_id = $1
	`

	w, err := scanWallet(r.db.QueryRow(ctx, query, businessID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get wallet: %w", err)
	}
	return w, nil
}

// GetForUpdate reads a wallet row under FOR UPDATE. Must be called inside a
// transaction; concurrent credits to the same business serialize here.
func (r *WalletRepository) GetForUpdate(ctx context.Context, businessID int64) (*model.BusinessWallet, error) {
	const query = `
		SELECT ` + walletColumns + `
		FROM business_wallets
		WHERE business_id = $1
		FOR UPDATE
	`

	w, err := scanWallet(r.db.QueryRow(ctx, query, businessID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to lock wallet: %w", err)
	}
	return w, nil
}

// ApplyDelta writes the new cached balance and monotonic counters after a
// credit (delta > 0) or debit (delta < 0). The caller holds the row lock.
func (r *WalletRepository) ApplyDelta(ctx context.Context, businessID, delta int64) error {
	const query = `
		UPDATE business_wallets
		SET qr_coin_balance = qr_coin_balance + $2,
		    total_earned_all_time = total_earned_all_time + GREATEST($2, 0),
		    total_spent_all_time = total_spent_all_time + GREATEST(-$2, 0),
		    last_transaction_at = NOW(),
		    updated_at = NOW()
		WHERE business_id = $1
	`

	tag, err := r.db.Exec(ctx, query, businessID, delta)
	if err != nil {
		return fmt.Errorf("failed to update wallet balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendTransaction inserts one wallet ledger row with balance snapshots.
func (r *WalletRepository) AppendTransaction(
	ctx context.Context,
	businessID int64,
	amount int64,
	category string,
	description string,
	metadata map[string]any,
	referenceID *int64,
	referenceType *string,
	balanceBefore, balanceAfter int64,
) (*model.BusinessWalletTransaction, error) {
	const query = `
		INSERT INTO business_wallet_transactions
			(business_id, amount, category, description, metadata, reference_id, reference_type, balance_before, balance_after, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		RETURNING id, business_id, amount, category, description, metadata, reference_id, reference_type, balance_before, balance_after, created_at
	`

	var wt model.BusinessWalletTransaction
	err := r.db.QueryRow(ctx, query,
		businessID, amount, category, description, metadata, referenceID, referenceType, balanceBefore, balanceAfter,
	).Scan(
		&wt.ID,
		&wt.BusinessID,
		&wt.Amount,
		&wt.Category,
		&wt.Description,
		&wt.Metadata,
		&wt.ReferenceID,
		&wt.ReferenceType,
		&wt.BalanceBefore,
		&wt.BalanceAfter,
		&wt.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to append wallet transaction: %w", err)
	}
	return &wt, nil
}

// SumTransactions derives a wallet balance from its transaction log, for
// reconciliation against the cached balance.
func (r *WalletRepository) SumTransactions(ctx context.Context, businessID int64) (int64, error) {
	const query = `
		SELECT COALESCE(SUM(amount), 0)
		FROM business_wallet_transactions
		WHERE business_id = $1
	`

	var sum int64
	if err := r.db.QueryRow(ctx, query, businessID).Scan(&sum); err != nil {
		return 0, fmt.Errorf("failed to sum wallet transactions: %w", err)
	}
	return sum, nil
}

// UpsertDailyRevenue increments the earned amount and transaction count for
// today's rollup row, keyed by business, source, and date.
func (r *WalletRepository) UpsertDailyRevenue(ctx context.Context, businessID int64, source string, amount int64) error {
	const query = `
		INSERT INTO business_revenue_daily (business_id, source, date, amount_earned, transaction_count)
		VALUES ($1, $2, CURRENT_DATE, $3, 1)
		ON CONFLICT (business_id, source, date)
		DO UPDATE SET
			amount_earned = business_revenue_daily.amount_earned + EXCLUDED.amount_earned,
			transaction_count = business_revenue_daily.transaction_count + 1
	`

	if _, err := r.db.Exec(ctx, query, businessID, source, amount); err != nil {
		return fmt.Errorf("failed to upsert daily revenue: %w", err)
	}
	return nil
}

// RevenueSummary retrieves a business's per-source daily rollups since the
// given date, newest first.
func (r *WalletRepository) RevenueSummary(ctx context.Context, businessID int64, since time.Time) ([]*model.RevenueRollup, error) {
	const query = `
		SELECT business_id, source, date, amount_earned, transaction_count
		FROM business_revenue_daily
		WHERE business_id = $1 AND date >= $2
		ORDER BY date DESC, source
	`

	rows, err := r.db.Query(ctx, query, businessID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to get revenue summary: %w", err)
	}
	defer rows.Close()

	var rollups []*model.RevenueRollup
	for rows.Next() {
		var rr model.RevenueRollup
		if err := rows.Scan(&rr.BusinessID, &rr.Source, &rr.Date, &rr.AmountEarned, &rr.TransactionCount); err != nil {
			return nil, fmt.Errorf("failed to scan revenue rollup: %w", err)
		}
		rollups = append(rollups, &rr)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating revenue rollups: %w", err)
	}

	return rollups, nil
}
