package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"qr-coin-platform/internal/model"
	"qr-coin-platform/internal/repository"
)

// TxBeginner opens pgx transactions; satisfied by *pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// WalletService is the business wallet engine. Credits and debits are
// atomic per business: the wallet row is locked, the cached balance and
// monotonic counters updated, a snapshotted wallet transaction appended,
// and the daily revenue rollup upserted, all in one unit.
type WalletService struct {
	pool       TxBeginner
	walletRepo *repository.WalletRepository
}

// NewWalletService creates a new WalletService instance.
func NewWalletService(pool TxBeginner, walletRepo *repository.WalletRepository) *WalletService {
	return &WalletService{pool: pool, walletRepo: walletRepo}
}

// Credit adds coins to a business wallet in its own transaction.
func (s *WalletService) Credit(
	ctx context.Context,
	businessID, amount int64,
	category, description string,
	metadata map[string]any,
	referenceID *int64,
	referenceType *string,
) error {
	if businessID <= 0 || amount <= 0 {
		return fmt.Errorf("invalid wallet credit: business %d amount %d", businessID, amount)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin wallet credit: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.CreditTx(ctx, tx, businessID, amount, category, description, metadata, referenceID, referenceType); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// CreditTx performs the credit inside an already-open transaction, so a
// purchase workflow can fold the business credit into its own atomic
// boundary.
func (s *WalletService) CreditTx(
	ctx context.Context,
	tx repository.DBTX,
	businessID, amount int64,
	category, description string,
	metadata map[string]any,
	referenceID *int64,
	referenceType *string,
) error {
	repo := s.walletRepo.WithTx(tx)

	// Lazily create the wallet, then lock it. The lock serializes
	// concurrent credits to the same business.
	if err := repo.Ensure(ctx, businessID); err != nil {
		return err
	}
	wallet, err := repo.GetForUpdate(ctx, businessID)
	if err != nil {
		return err
	}

	if err := repo.ApplyDelta(ctx, businessID, amount); err != nil {
		return err
	}
	_, err = repo.AppendTransaction(ctx, businessID, amount, category, description, metadata, referenceID, referenceType,
		wallet.QRCoinBalance, wallet.QRCoinBalance+amount)
	if err != nil {
		return err
	}

	return repo.UpsertDailyRevenue(ctx, businessID, category, amount)
}

// Debit removes coins from a business wallet, failing with
// ErrInsufficientFunds if the balance does not cover the amount.
func (s *WalletService) Debit(
	ctx context.Context,
	businessID, amount int64,
	category, description string,
	metadata map[string]any,
	referenceID *int64,
	referenceType *string,
) error {
	if businessID <= 0 || amount <= 0 {
		return fmt.Errorf("invalid wallet debit: business %d amount %d", businessID, amount)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin wallet debit: %w", err)
	}
	defer tx.Rollback(ctx)

	repo := s.walletRepo.WithTx(tx)
	wallet, err := repo.GetForUpdate(ctx, businessID)
	if err != nil {
		return err
	}
	if wallet.QRCoinBalance < amount {
		return ErrInsufficientFunds
	}

	if err := repo.ApplyDelta(ctx, businessID, -amount); err != nil {
		return err
	}
	_, err = repo.AppendTransaction(ctx, businessID, -amount, category, description, metadata, referenceID, referenceType,
		wallet.QRCoinBalance, wallet.QRCoinBalance-amount)
	if err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// ReverseTx appends a negative wallet transaction inside an open
// transaction without an insufficient-funds check, for refund paths that
// claw back an earlier commission credit. The wallet may go negative; the
// audit trail stays consistent.
func (s *WalletService) ReverseTx(
	ctx context.Context,
	tx repository.DBTX,
	businessID, amount int64,
	category, description string,
	referenceID *int64,
	referenceType *string,
) error {
	repo := s.walletRepo.WithTx(tx)

	wallet, err := repo.GetForUpdate(ctx, businessID)
	if err != nil {
		return err
	}
	if err := repo.ApplyDelta(ctx, businessID, -amount); err != nil {
		return err
	}
	_, err = repo.AppendTransaction(ctx, businessID, -amount, category, description, nil, referenceID, referenceType,
		wallet.QRCoinBalance, wallet.QRCoinBalance-amount)
	return err
}

// GetWallet retrieves a business wallet. A business that has never been
// credited reports a zero wallet rather than an error.
func (s *WalletService) GetWallet(ctx context.Context, businessID int64) (*model.BusinessWallet, error) {
	wallet, err := s.walletRepo.Get(ctx, businessID)
	if errors.Is(err, repository.ErrNotFound) {
		return &model.BusinessWallet{BusinessID: businessID}, nil
	}
	return wallet, err
}

// RevenueSummary retrieves a business's per-source daily revenue rollups
// over the trailing window.
func (s *WalletService) RevenueSummary(ctx context.Context, businessID int64, days int) ([]*model.RevenueRollup, error) {
	if days <= 0 {
		days = 30
	}
	return s.walletRepo.RevenueSummary(ctx, businessID, time.Now().AddDate(0, 0, -days))
}
