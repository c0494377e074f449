package repository

import (
	"context"
	"fmt"
	"time"

	"qr-coin-platform/internal/model"
)

// LedgerRepository handles the append-only user coin ledger.
type LedgerRepository struct {
	db DBTX
}

// NewLedgerRepository creates a new LedgerRepository instance.
func NewLedgerRepository(db DBTX) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// WithTx returns a copy of the repository bound to the given transaction.
func (r *LedgerRepository) WithTx(tx DBTX) *LedgerRepository {
	return &LedgerRepository{db: tx}
}

const txColumns = `id, user_id, transaction_type, category, amount, description, metadata, reference_id, reference_type, created_at`

func scanTransaction(row interface{ Scan(...any) error }) (*model.Transaction, error) {
	var tx model.Transaction
	err := row.Scan(
		&tx.ID,
		&tx.UserID,
		&tx.Type,
		&tx.Category,
		&tx.Amount,
		&tx.Description,
		&tx.Metadata,
		&tx.ReferenceID,
		&tx.ReferenceType,
		&tx.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

// Append inserts one immutable ledger row. Rows are never updated or
// deleted; corrections are new offsetting rows.
func (r *LedgerRepository) Append(
	ctx context.Context,
	userID int64,
	txType model.TransactionType,
	category string,
	amount int64,
	description string,
	metadata map[string]any,
	referenceID *int64,
	referenceType *string,
) (*model.Transaction, error) {
	const query = `
		INSERT INTO coin_transactions (user_id, transaction_type, category, amount, description, metadata, reference_id, reference_type, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		RETURNING ` + txColumns

	tx, err := scanTransaction(r.db.QueryRow(ctx, query,
		userID, txType, category, amount, description, metadata, referenceID, referenceType))
	if err != nil {
		return nil, fmt.Errorf("failed to append transaction: %w", err)
	}
	return tx, nil
}

// SumBalance derives a user's balance by summing their ledger. An unknown
// user sums to zero.
func (r *LedgerRepository) SumBalance(ctx context.Context, userID int64) (int64, error) {
	const query = `
		SELECT COALESCE(SUM(amount), 0)
		FROM coin_transactions
		WHERE user_id = $1
	`

	var balance int64
	if err := r.db.QueryRow(ctx, query, userID).Scan(&balance); err != nil {
		return 0, fmt.Errorf("failed to sum balance: %w", err)
	}
	return balance, nil
}

// History retrieves a user's transactions, newest first, optionally
// filtered by transaction type.
func (r *LedgerRepository) History(ctx context.Context, userID int64, limit, offset int, typeFilter *model.TransactionType) ([]*model.Transaction, error) {
	query := `
		SELECT ` + txColumns + `
		FROM coin_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`
	args := []any{userID, limit, offset}
	if typeFilter != nil {
		query = `
			SELECT ` + txColumns + `
			FROM coin_transactions
			WHERE user_id = $1 AND transaction_type = $4
			ORDER BY created_at DESC, id DESC
			LIMIT $2 OFFSET $3
		`
		args = append(args, *typeFilter)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction history: %w", err)
	}
	defer rows.Close()

	var transactions []*model.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		transactions = append(transactions, tx)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transactions: %w", err)
	}

	return transactions, nil
}

// EconomyAggregates computes the ledger-wide issued and spent totals and
// the count of users with activity since the given time.
func (r *LedgerRepository) EconomyAggregates(ctx context.Context, activeSince time.Time) (issued, spent, activeUsers int64, err error) {
	const query = `
		SELECT
			COALESCE(SUM(amount) FILTER (WHERE amount > 0), 0),
			COALESCE(-SUM(amount) FILTER (WHERE amount < 0), 0),
			COUNT(DISTINCT user_id) FILTER (WHERE created_at >= $1)
		FROM coin_transactions
	`

	if err = r.db.QueryRow(ctx, query, activeSince).Scan(&issued, &spent, &activeUsers); err != nil {
		return 0, 0, 0, fmt.Errorf("failed to get economy aggregates: %w", err)
	}
	return issued, spent, activeUsers, nil
}

// SpendingSummary totals a user's debits per category since the given time.
func (r *LedgerRepository) SpendingSummary(ctx context.Context, userID int64, since time.Time) ([]*model.CategorySummary, error) {
	const query = `
		SELECT category, -SUM(amount) AS total, COUNT(*) AS count
		FROM coin_transactions
		WHERE user_id = $1 AND amount < 0 AND created_at >= $2
		GROUP BY category
		ORDER BY total DESC
	`

	rows, err := r.db.Query(ctx, query, userID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to get spending summary: %w", err)
	}
	defer rows.Close()

	var summaries []*model.CategorySummary
	for rows.Next() {
		var s model.CategorySummary
		if err := rows.Scan(&s.Category, &s.Total, &s.Count); err != nil {
			return nil, fmt.Errorf("failed to scan category summary: %w", err)
		}
		summaries = append(summaries, &s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating spending summary: %w", err)
	}

	return summaries, nil
}

// UserBalance pairs a user with their derived balance, for decay sweeps.
type UserBalance struct {
	UserID  int64
	Balance int64
}

// BalancesAtOrAbove lists users whose derived balance meets the threshold.
func (r *LedgerRepository) BalancesAtOrAbove(ctx context.Context, threshold int64) ([]UserBalance, error) {
	const query = `
		SELECT user_id, SUM(amount) AS balance
		FROM coin_transactions
		GROUP BY user_id
		HAVING SUM(amount) >= $1
		ORDER BY balance DESC
	`

	rows, err := r.db.Query(ctx, query, threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to list balances: %w", err)
	}
	defer rows.Close()

	var balances []UserBalance
	for rows.Next() {
		var b UserBalance
		if err := rows.Scan(&b.UserID, &b.Balance); err != nil {
			return nil, fmt.Errorf("failed to scan balance: %w", err)
		}
		balances = append(balances, b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating balances: %w", err)
	}

	return balances, nil
}

// ActivityStats derives a user's engagement from their earning history:
// vote count, distinct voting days, and distinct spin days.
func (r *LedgerRepository) ActivityStats(ctx context.Context, userID int64) (model.ActivityStats, error) {
	const query = `
		SELECT
			COUNT(*) FILTER (WHERE category = $2),
			COUNT(DISTINCT DATE(created_at)) FILTER (WHERE category = $2),
			COUNT(DISTINCT DATE(created_at)) FILTER (WHERE category = $3)
		FROM coin_transactions
		WHERE user_id = $1 AND transaction_type = $4
	`

	var stats model.ActivityStats
	err := r.db.QueryRow(ctx, query, userID, model.CategoryVoting, model.CategorySpinning, model.TxTypeEarning).Scan(
		&stats.VoteCount,
		&stats.VotingDays,
		&stats.SpinDays,
	)
	if err != nil {
		return model.ActivityStats{}, fmt.Errorf("failed to get activity stats: %w", err)
	}
	return stats, nil
}
