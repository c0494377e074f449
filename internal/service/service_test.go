// Package service implements the QR coin engines.
// Tests use testcontainers-go to spin up a PostgreSQL container and run the
// full purchase and redemption workflows against it.
package service

import (
	"context"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"qr-coin-platform/internal/config"
	"qr-coin-platform/internal/model"
	"qr-coin-platform/internal/pkg/lock"
	"qr-coin-platform/internal/repository"
)

// checkDockerAvailable checks if Docker is available and running
func checkDockerAvailable() bool {
	cmd := exec.Command("docker", "info")
	err := cmd.Run()
	return err == nil
}

// testEnv bundles the engines wired over one test database.
type testEnv struct {
	pool         *pgxpool.Pool
	ledgerRepo   *repository.LedgerRepository
	walletRepo   *repository.WalletRepository
	storeRepo    *repository.StoreRepository
	discountRepo *repository.DiscountRepository
	ledger       *LedgerService
	wallet       *WalletService
	store        *StoreService
	discount     *DiscountService
}

func testEconomyConfig() config.EconomyConfig {
	return config.EconomyConfig{
		VoteBase:        5,
		VoteDailyBonus:  25,
		VoteSuperBonus:  100,
		SpinBase:        15,
		SpinDailyBonus:  50,
		SpinSuperBonus:  420,
		DecayThreshold:  50000,
		DecayRate:       0.02,
		OverdraftRatio:  0.5,
		LowBalanceRatio: 0.1,
	}
}

func testStoreConfig() config.StoreConfig {
	return config.StoreConfig{
		BusinessCommissionRate: 0.9,
		PurchaseCodeLength:     8,
		CodeAttempts:           10,
	}
}

func testDiscountConfig() config.DiscountConfig {
	return config.DiscountConfig{
		CodePrefix:     "NDC",
		CodeLength:     10,
		TTL:            24 * time.Hour,
		MaxUses:        1,
		RedeemBonus:    10,
		CommissionRate: 0.9,
	}
}

// setupEnv creates a PostgreSQL container and wires all four engines over it.
// Skips the test if Docker is not available.
func setupEnv(t *testing.T) (*testEnv, func()) {
	if !checkDockerAvailable() {
		t.Skip("Docker is not available, skipping integration test")
	}

	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)

	require.NoError(t, applySchema(ctx, pool))

	ledgerRepo := repository.NewLedgerRepository(pool)
	walletRepo := repository.NewWalletRepository(pool)
	storeRepo := repository.NewStoreRepository(pool)
	discountRepo := repository.NewDiscountRepository(pool)

	userLock := lock.NewUserLock()
	wallet := NewWalletService(pool, walletRepo)

	env := &testEnv{
		pool:         pool,
		ledgerRepo:   ledgerRepo,
		walletRepo:   walletRepo,
		storeRepo:    storeRepo,
		discountRepo: discountRepo,
		ledger:       NewLedgerService(ledgerRepo, ledgerRepo, userLock, testEconomyConfig()),
		wallet:       wallet,
		store:        NewStoreService(pool, storeRepo, ledgerRepo, wallet, nil, userLock, testStoreConfig()),
		discount:     NewDiscountService(pool, discountRepo, storeRepo, ledgerRepo, wallet, userLock, testDiscountConfig()),
	}

	cleanup := func() {
		pool.Close()
		_ = pgContainer.Terminate(ctx)
	}

	return env, cleanup
}

// applySchema applies the database schema
func applySchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS coin_transactions (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL,
			transaction_type VARCHAR(30) NOT NULL,
			category VARCHAR(50) NOT NULL,
			amount BIGINT NOT NULL CHECK (amount <> 0),
			description TEXT NOT NULL DEFAULT '',
			metadata JSONB,
			reference_id BIGINT,
			reference_type VARCHAR(50),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS business_wallets (
			business_id BIGINT PRIMARY KEY,
			qr_coin_balance BIGINT NOT NULL DEFAULT 0,
			total_earned_all_time BIGINT NOT NULL DEFAULT 0,
			total_spent_all_time BIGINT NOT NULL DEFAULT 0,
			last_transaction_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS business_wallet_transactions (
			id BIGSERIAL PRIMARY KEY,
			business_id BIGINT NOT NULL,
			amount BIGINT NOT NULL CHECK (amount <> 0),
			category VARCHAR(50) NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			metadata JSONB,
			reference_id BIGINT,
			reference_type VARCHAR(50),
			balance_before BIGINT NOT NULL,
			balance_after BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS business_revenue_daily (
			business_id BIGINT NOT NULL,
			source VARCHAR(50) NOT NULL,
			date DATE NOT NULL,
			amount_earned BIGINT NOT NULL DEFAULT 0,
			transaction_count BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (business_id, source, date)
		);
		CREATE TABLE IF NOT EXISTS store_items (
			id BIGSERIAL PRIMARY KEY,
			business_id BIGINT NOT NULL,
			name VARCHAR(255) NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			regular_price_cents BIGINT NOT NULL DEFAULT 0,
			discount_percentage DOUBLE PRECISION NOT NULL DEFAULT 0,
			qr_coin_cost BIGINT NOT NULL,
			category VARCHAR(50) NOT NULL DEFAULT '',
			stock_quantity BIGINT NOT NULL DEFAULT -1,
			max_per_user BIGINT NOT NULL DEFAULT 0,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			valid_from TIMESTAMPTZ,
			valid_until TIMESTAMPTZ,
			machine_id BIGINT,
			original_discount DOUBLE PRECISION,
			promotional_boost DOUBLE PRECISION,
			is_promotional BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS qr_store_items (
			id BIGSERIAL PRIMARY KEY,
			item_type VARCHAR(50) NOT NULL,
			name VARCHAR(255) NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			qr_coin_cost BIGINT NOT NULL,
			rarity VARCHAR(30) NOT NULL DEFAULT 'common',
			stock_quantity BIGINT NOT NULL DEFAULT -1,
			max_per_user BIGINT NOT NULL DEFAULT 0,
			item_data JSONB,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			valid_from TIMESTAMPTZ,
			valid_until TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS store_purchases (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL,
			item_id BIGINT NOT NULL REFERENCES store_items(id),
			business_id BIGINT NOT NULL,
			qr_coins_spent BIGINT NOT NULL,
			discount_amount_cents BIGINT NOT NULL DEFAULT 0,
			purchase_code VARCHAR(32) NOT NULL UNIQUE,
			status VARCHAR(20) NOT NULL DEFAULT 'pending',
			expires_at TIMESTAMPTZ,
			redeemed_at TIMESTAMPTZ,
			redeemed_by BIGINT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS qr_store_purchases (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL,
			item_id BIGINT NOT NULL REFERENCES qr_store_items(id),
			quantity BIGINT NOT NULL,
			qr_coins_spent BIGINT NOT NULL,
			status VARCHAR(20) NOT NULL DEFAULT 'active',
			expires_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS discount_codes (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL,
			item_id BIGINT NOT NULL REFERENCES store_items(id),
			business_id BIGINT NOT NULL,
			code VARCHAR(32) NOT NULL UNIQUE,
			discount_percentage DOUBLE PRECISION NOT NULL,
			qr_coins_spent BIGINT NOT NULL,
			machine_id BIGINT,
			status VARCHAR(20) NOT NULL DEFAULT 'active',
			max_uses BIGINT NOT NULL DEFAULT 1,
			uses_count BIGINT NOT NULL DEFAULT 0 CHECK (uses_count <= max_uses),
			expires_at TIMESTAMPTZ NOT NULL,
			last_redeemed_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	return err
}

// seedBalance gives a user a starting balance via a migration entry.
func seedBalance(t *testing.T, env *testEnv, userID, amount int64) {
	t.Helper()
	_, err := env.ledgerRepo.Append(context.Background(), userID, model.TxTypeMigration, "legacy_import",
		amount, "seed balance", nil, nil, nil)
	require.NoError(t, err)
}

// seedStoreItem inserts a business-store item and returns its id.
func seedStoreItem(t *testing.T, env *testEnv, businessID, cost, stock, maxPerUser int64, discountPct float64, machineID *int64) int64 {
	t.Helper()
	var id int64
	err := env.pool.QueryRow(context.Background(), `
		INSERT INTO store_items (business_id, name, regular_price_cents, discount_percentage, qr_coin_cost, stock_quantity, max_per_user, machine_id)
		VALUES ($1, 'Test Item', 1000, $2, $3, $4, $5, $6)
		RETURNING id
	`, businessID, discountPct, cost, stock, maxPerUser, machineID).Scan(&id)
	require.NoError(t, err)
	return id
}

// seedQRItem inserts a platform store item and returns its id.
func seedQRItem(t *testing.T, env *testEnv, cost, stock, maxPerUser int64, itemData map[string]any) int64 {
	t.Helper()
	var id int64
	err := env.pool.QueryRow(context.Background(), `
		INSERT INTO qr_store_items (item_type, name, qr_coin_cost, stock_quantity, max_per_user, item_data)
		VALUES ('avatar', 'Test Avatar', $1, $2, $3, $4)
		RETURNING id
	`, cost, stock, maxPerUser, itemData).Scan(&id)
	require.NoError(t, err)
	return id
}

// ============================================================================
// LedgerService Tests
// ============================================================================

func TestLedgerService_AwardAndBalance(t *testing.T) {
	env, cleanup := setupEnv(t)
	defer cleanup()
	ctx := context.Background()

	// Unknown user has balance zero
	balance, err := env.ledger.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)

	// Base vote
	total, err := env.ledger.AwardVoteCoins(ctx, 1, 101, false, false)
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)

	// Vote with daily bonus lands as one transaction
	total, err = env.ledger.AwardVoteCoins(ctx, 1, 102, true, false)
	require.NoError(t, err)
	assert.Equal(t, int64(30), total)

	// Spin with both bonuses
	total, err = env.ledger.AwardSpinCoins(ctx, 1, 201, true, true)
	require.NoError(t, err)
	assert.Equal(t, int64(485), total)

	balance, err = env.ledger.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(520), balance)

	txs, err := env.ledger.TransactionHistory(ctx, 1, 10, 0, nil)
	require.NoError(t, err)
	assert.Len(t, txs, 3)
}

func TestLedgerService_AddTransactionValidation(t *testing.T) {
	env, cleanup := setupEnv(t)
	defer cleanup()
	ctx := context.Background()

	// Zero amount is rejected without error
	ok, err := env.ledger.AddTransaction(ctx, 1, model.TxTypeEarning, model.CategoryVoting, 0, "", nil, nil, nil)
	require.NoError(t, err)
	assert.False(t, ok)

	// Unknown type is rejected
	ok, err = env.ledger.AddTransaction(ctx, 1, model.TransactionType("bogus"), model.CategoryVoting, 5, "", nil, nil, nil)
	require.NoError(t, err)
	assert.False(t, ok)

	// Missing user is rejected
	ok, err = env.ledger.AddTransaction(ctx, 0, model.TxTypeEarning, model.CategoryVoting, 5, "", nil, nil, nil)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = env.ledger.AddTransaction(ctx, 1, model.TxTypeEarning, model.CategoryVoting, 5, "", nil, nil, nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLedgerService_SpendCoins(t *testing.T) {
	env, cleanup := setupEnv(t)
	defer cleanup()
	ctx := context.Background()

	seedBalance(t, env, 1, 100)

	// Spending more than the balance fails closed
	ok, err := env.ledger.SpendCoins(ctx, 1, 101, model.CategoryQRStore, "too much", nil, nil)
	require.NoError(t, err)
	assert.False(t, ok)

	// Spending the exact balance succeeds
	ok, err = env.ledger.SpendCoins(ctx, 1, 100, model.CategoryQRStore, "all of it", nil, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	// Nothing left
	ok, err = env.ledger.SpendCoins(ctx, 1, 1, model.CategoryQRStore, "one more", nil, nil)
	require.NoError(t, err)
	assert.False(t, ok)

	balance, err := env.ledger.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}

func TestLedgerService_SmartSpendWithoutOverdraft(t *testing.T) {
	env, cleanup := setupEnv(t)
	defer cleanup()
	ctx := context.Background()

	seedBalance(t, env, 1, 50)

	res, err := env.ledger.SmartSpend(ctx, 1, 60, model.CategoryQRStore, "over", false)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, int64(50), res.NewBalance)
	assert.NotEmpty(t, res.Message)

	res, err = env.ledger.SmartSpend(ctx, 1, 40, model.CategoryQRStore, "within", false)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int64(10), res.NewBalance)
	assert.Empty(t, res.Warnings)
}

func TestLedgerService_SmartSpendOverdraft(t *testing.T) {
	env, cleanup := setupEnv(t)
	defer cleanup()
	ctx := context.Background()

	// Build activity: 20 votes (100 coins) and one spin (15 coins).
	// Points: 20 votes + 1 voting day x5 + 1 spin day x10 = 35.
	// Overdraft floor: -floor(0.5 x 35) = -17.
	for i := 0; i < 20; i++ {
		_, err := env.ledger.AwardVoteCoins(ctx, 1, int64(100+i), false, false)
		require.NoError(t, err)
	}
	_, err := env.ledger.AwardSpinCoins(ctx, 1, 200, false, false)
	require.NoError(t, err)

	balance, err := env.ledger.GetBalance(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, int64(115), balance)

	// 115 - 130 = -15, above the -17 floor
	res, err := env.ledger.SmartSpend(ctx, 1, 130, model.CategoryQRStore, "ahead of earnings", true)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int64(-15), res.NewBalance)
	// Low-balance and negative-balance warnings both fire
	assert.Len(t, res.Warnings, 2)

	// -15 - 10 = -25 would breach the floor
	res, err = env.ledger.SmartSpend(ctx, 1, 10, model.CategoryQRStore, "too deep", true)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, int64(-15), res.NewBalance)
	assert.NotEmpty(t, res.Message)

	// Nothing was persisted for the refused spend
	balance, err = env.ledger.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(-15), balance)
}

func TestLedgerService_ApplyMonthlyDecay(t *testing.T) {
	env, cleanup := setupEnv(t)
	defer cleanup()
	ctx := context.Background()

	seedBalance(t, env, 1, 100000)
	seedBalance(t, env, 2, 40000)

	report, err := env.ledger.ApplyMonthlyDecay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.UsersDecayed)
	assert.Equal(t, int64(2000), report.CoinsReclaimed)

	balance, err := env.ledger.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(98000), balance)

	// Below-threshold user is untouched
	balance, err = env.ledger.GetBalance(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(40000), balance)
}

func TestLedgerService_EconomyOverview(t *testing.T) {
	env, cleanup := setupEnv(t)
	defer cleanup()
	ctx := context.Background()

	// Empty ledger reports all zeros
	overview, err := env.ledger.EconomyOverview(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), overview.TotalIssued)
	assert.Equal(t, float64(0), overview.SpendRate)
	assert.Equal(t, float64(0), overview.AvgPerActiveUser)

	seedBalance(t, env, 1, 100)
	ok, err := env.ledger.SpendCoins(ctx, 1, 40, model.CategoryQRStore, "", nil, nil)
	require.NoError(t, err)
	require.True(t, ok)

	overview, err = env.ledger.EconomyOverview(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(100), overview.TotalIssued)
	assert.Equal(t, int64(40), overview.TotalSpent)
	assert.Equal(t, int64(60), overview.Circulation)
	assert.Equal(t, int64(1), overview.ActiveUsers30d)
	assert.InDelta(t, 0.4, overview.SpendRate, 0.001)
	assert.InDelta(t, 60.0, overview.AvgPerActiveUser, 0.001)
}

// ============================================================================
// WalletService Tests
// ============================================================================

func TestWalletService_CreditAndDebit(t *testing.T) {
	env, cleanup := setupEnv(t)
	defer cleanup()
	ctx := context.Background()

	// Never-credited business reports a zero wallet
	w, err := env.wallet.GetWallet(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(0), w.QRCoinBalance)

	require.NoError(t, env.wallet.Credit(ctx, 100, 450, "store_sale", "sale", nil, nil, nil))
	require.NoError(t, env.wallet.Credit(ctx, 100, 50, "discount_sale", "sale", nil, nil, nil))

	w, err = env.wallet.GetWallet(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(500), w.QRCoinBalance)
	assert.Equal(t, int64(500), w.TotalEarnedAllTime)

	require.NoError(t, env.wallet.Debit(ctx, 100, 200, "payout", "cash out", nil, nil, nil))

	w, err = env.wallet.GetWallet(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(300), w.QRCoinBalance)
	assert.Equal(t, int64(200), w.TotalSpentAllTime)

	// Debit beyond the balance is refused and changes nothing
	err = env.wallet.Debit(ctx, 100, 301, "payout", "too much", nil, nil, nil)
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	// Cached balance reconciles with the transaction log
	sum, err := env.walletRepo.SumTransactions(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(300), sum)

	rollups, err := env.wallet.RevenueSummary(ctx, 100, 7)
	require.NoError(t, err)
	assert.Len(t, rollups, 2)
}

// ============================================================================
// StoreService Tests
// ============================================================================

func TestStoreService_PurchaseBusinessItem(t *testing.T) {
	env, cleanup := setupEnv(t)
	defer cleanup()
	ctx := context.Background()

	itemID := seedStoreItem(t, env, 100, 500, model.UnlimitedStock, 0, 20, nil)
	seedBalance(t, env, 1, 600)

	res, err := env.store.PurchaseBusinessItem(ctx, 1, itemID)
	require.NoError(t, err)
	assert.Len(t, res.PurchaseCode, 8)
	assert.Equal(t, int64(500), res.QRCoinsSpent)
	// 20% off 1000 cents
	assert.Equal(t, int64(200), res.DiscountAmountCents)

	balance, err := env.ledger.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)

	// Business got its 90% commission and a revenue rollup
	w, err := env.wallet.GetWallet(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(450), w.QRCoinBalance)

	rollups, err := env.wallet.RevenueSummary(ctx, 100, 1)
	require.NoError(t, err)
	require.Len(t, rollups, 1)
	assert.Equal(t, "store_sale", rollups[0].Source)
	assert.Equal(t, int64(450), rollups[0].AmountEarned)
}

func TestStoreService_PurchaseFailures(t *testing.T) {
	env, cleanup := setupEnv(t)
	defer cleanup()
	ctx := context.Background()

	itemID := seedStoreItem(t, env, 100, 500, model.UnlimitedStock, 1, 20, nil)

	// Unknown item
	_, err := env.store.PurchaseBusinessItem(ctx, 1, 99999)
	assert.ErrorIs(t, err, ErrItemUnavailable)

	// Broke user
	seedBalance(t, env, 1, 10)
	_, err = env.store.PurchaseBusinessItem(ctx, 1, itemID)
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	// Failed attempts leave no trace
	balance, err := env.ledger.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(10), balance)

	// Per-user limit
	seedBalance(t, env, 1, 1000)
	_, err = env.store.PurchaseBusinessItem(ctx, 1, itemID)
	require.NoError(t, err)
	_, err = env.store.PurchaseBusinessItem(ctx, 1, itemID)
	assert.ErrorIs(t, err, ErrLimitReached)

	// Inactive item
	_, err = env.pool.Exec(ctx, `UPDATE store_items SET active = FALSE WHERE id = $1`, itemID)
	require.NoError(t, err)
	seedBalance(t, env, 2, 1000)
	_, err = env.store.PurchaseBusinessItem(ctx, 2, itemID)
	assert.ErrorIs(t, err, ErrItemUnavailable)
}

func TestStoreService_ConcurrentPurchaseLastUnit(t *testing.T) {
	env, cleanup := setupEnv(t)
	defer cleanup()
	ctx := context.Background()

	itemID := seedStoreItem(t, env, 100, 500, 1, 0, 20, nil)
	seedBalance(t, env, 1, 1000)
	seedBalance(t, env, 2, 1000)

	// Two funded users race for the last unit
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, userID := range []int64{1, 2} {
		wg.Add(1)
		go func(i int, userID int64) {
			defer wg.Done()
			_, errs[i] = env.store.PurchaseBusinessItem(ctx, userID, itemID)
		}(i, userID)
	}
	wg.Wait()

	var successes, outOfStock int
	for _, err := range errs {
		switch {
		case err == nil:
			successes++
		case err == ErrOutOfStock:
			outOfStock++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, outOfStock)

	// Exactly one user was charged
	b1, _ := env.ledger.GetBalance(ctx, 1)
	b2, _ := env.ledger.GetBalance(ctx, 2)
	assert.Equal(t, int64(1500), b1+b2)

	item, err := env.storeRepo.GetBusinessItem(ctx, itemID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), item.StockQuantity)
}

func TestStoreService_RedeemPurchaseCode(t *testing.T) {
	env, cleanup := setupEnv(t)
	defer cleanup()
	ctx := context.Background()

	itemID := seedStoreItem(t, env, 100, 500, model.UnlimitedStock, 0, 20, nil)
	seedBalance(t, env, 1, 600)

	res, err := env.store.PurchaseBusinessItem(ctx, 1, itemID)
	require.NoError(t, err)

	redeemed, err := env.store.RedeemPurchaseCode(ctx, res.PurchaseCode, 100)
	require.NoError(t, err)
	assert.Equal(t, "Test Item", redeemed.ItemName)
	assert.Equal(t, 20.0, redeemed.DiscountPercentage)
	assert.Equal(t, int64(200), redeemed.DiscountAmountCents)
	assert.Equal(t, int64(1), redeemed.CustomerID)

	// A code redeems exactly once
	_, err = env.store.RedeemPurchaseCode(ctx, res.PurchaseCode, 100)
	assert.ErrorIs(t, err, ErrInvalidOrUsedCode)

	// Unknown codes fail the same way
	_, err = env.store.RedeemPurchaseCode(ctx, "ZZZZZZZZ", 100)
	assert.ErrorIs(t, err, ErrInvalidOrUsedCode)
}

func TestStoreService_CancelPurchase(t *testing.T) {
	env, cleanup := setupEnv(t)
	defer cleanup()
	ctx := context.Background()

	itemID := seedStoreItem(t, env, 100, 500, model.UnlimitedStock, 0, 20, nil)
	seedBalance(t, env, 1, 600)

	res, err := env.store.PurchaseBusinessItem(ctx, 1, itemID)
	require.NoError(t, err)

	require.NoError(t, env.store.CancelPurchase(ctx, res.PurchaseID))

	// User refunded, commission clawed back
	balance, err := env.ledger.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(600), balance)

	w, err := env.wallet.GetWallet(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(0), w.QRCoinBalance)

	// Cancelled purchases cannot be redeemed
	_, err = env.store.RedeemPurchaseCode(ctx, res.PurchaseCode, 100)
	assert.ErrorIs(t, err, ErrInvalidOrUsedCode)

	// Or cancelled again
	err = env.store.CancelPurchase(ctx, res.PurchaseID)
	assert.ErrorIs(t, err, ErrInvalidOrUsedCode)
}

// recordingApplier captures effect applications for assertions.
type recordingApplier struct {
	mu      sync.Mutex
	applied []int64
}

func (r *recordingApplier) Apply(_ context.Context, _ int64, item *model.QRStoreItem, _ *model.QRStorePurchase) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applied = append(r.applied, item.ID)
	return nil
}

func TestStoreService_PurchaseQRStoreItem(t *testing.T) {
	env, cleanup := setupEnv(t)
	defer cleanup()
	ctx := context.Background()

	applier := &recordingApplier{}
	store := NewStoreService(env.pool, env.storeRepo, env.ledgerRepo, env.wallet, applier, lock.NewUserLock(), testStoreConfig())

	itemID := seedQRItem(t, env, 100, model.UnlimitedStock, 5, map[string]any{"duration_days": 7})
	seedBalance(t, env, 1, 1000)

	res, err := store.PurchaseQRStoreItem(ctx, 1, itemID, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(300), res.QRCoinsSpent)
	assert.Equal(t, int64(3), res.Quantity)
	require.NotNil(t, res.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(7*24*time.Hour), *res.ExpiresAt, time.Minute)

	balance, err := env.ledger.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(700), balance)

	// The effect ran after commit
	assert.Equal(t, []int64{itemID}, applier.applied)

	// The per-user limit is cumulative: 3 owned + 3 more > 5
	_, err = store.PurchaseQRStoreItem(ctx, 1, itemID, 3)
	assert.ErrorIs(t, err, ErrLimitReached)

	// 3 + 2 = 5 is allowed
	_, err = store.PurchaseQRStoreItem(ctx, 1, itemID, 2)
	require.NoError(t, err)
}

func TestStoreService_QRStockByQuantity(t *testing.T) {
	env, cleanup := setupEnv(t)
	defer cleanup()
	ctx := context.Background()

	itemID := seedQRItem(t, env, 100, 2, 0, nil)
	seedBalance(t, env, 1, 1000)

	// Quantity exceeds remaining stock
	_, err := env.store.PurchaseQRStoreItem(ctx, 1, itemID, 3)
	assert.ErrorIs(t, err, ErrOutOfStock)

	_, err = env.store.PurchaseQRStoreItem(ctx, 1, itemID, 2)
	require.NoError(t, err)
}

func TestStoreService_Stats(t *testing.T) {
	env, cleanup := setupEnv(t)
	defer cleanup()
	ctx := context.Background()

	itemID := seedStoreItem(t, env, 100, 500, model.UnlimitedStock, 0, 20, nil)
	seedBalance(t, env, 1, 600)

	res, err := env.store.PurchaseBusinessItem(ctx, 1, itemID)
	require.NoError(t, err)
	_, err = env.store.RedeemPurchaseCode(ctx, res.PurchaseCode, 100)
	require.NoError(t, err)

	stats, err := env.store.BusinessStoreStats(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalPurchases)
	assert.Equal(t, int64(1), stats.RedeemedCount)
	assert.InDelta(t, 1.0, stats.RedemptionRate, 0.001)
}

// ============================================================================
// DiscountService Tests
// ============================================================================

func TestDiscountService_PurchaseValidateRedeem(t *testing.T) {
	env, cleanup := setupEnv(t)
	defer cleanup()
	ctx := context.Background()

	itemID := seedStoreItem(t, env, 100, 1000, model.UnlimitedStock, 0, 20, nil)
	seedBalance(t, env, 1, 1500)

	res, err := env.discount.PurchaseDiscountCode(ctx, 1, itemID, nil)
	require.NoError(t, err)
	assert.Contains(t, res.Code, "NDC-")
	assert.Equal(t, 20.0, res.DiscountPercentage)
	assert.Equal(t, int64(1000), res.QRCoinsSpent)
	assert.Equal(t, int64(1), res.MaxUses)

	balance, err := env.ledger.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(500), balance)

	// Business got its commission immediately
	w, err := env.wallet.GetWallet(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(900), w.QRCoinBalance)

	// Fresh code validates
	v, err := env.discount.ValidateDiscountCode(ctx, res.Code, nil)
	require.NoError(t, err)
	assert.True(t, v.Valid)
	assert.Equal(t, 20.0, v.DiscountPercentage)
	assert.Equal(t, int64(1), v.UsesRemaining)

	// 20% off a 1000-cent sale
	redeemed, err := env.discount.RedeemDiscountCode(ctx, res.Code, 1000, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(200), redeemed.DiscountAmountCents)
	assert.Equal(t, int64(800), redeemed.FinalAmountCents)
	assert.Equal(t, int64(10), redeemed.BonusCoinsAwarded)
	assert.Equal(t, int64(0), redeemed.UsesRemaining)

	// The redemption bonus reached the purchaser
	balance, err = env.ledger.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(510), balance)

	// Single-use code refuses a second redemption
	_, err = env.discount.RedeemDiscountCode(ctx, res.Code, 1000, nil)
	assert.ErrorIs(t, err, ErrUsageExceeded)

	v, err = env.discount.ValidateDiscountCode(ctx, res.Code, nil)
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.Equal(t, ReasonUsageExceeded, v.Reason)
}

func TestDiscountService_MachineBinding(t *testing.T) {
	env, cleanup := setupEnv(t)
	defer cleanup()
	ctx := context.Background()

	machine := int64(7)
	itemID := seedStoreItem(t, env, 100, 1000, model.UnlimitedStock, 0, 20, &machine)
	seedBalance(t, env, 1, 3000)

	// Wrong machine at purchase time
	wrong := int64(8)
	_, err := env.discount.PurchaseDiscountCode(ctx, 1, itemID, &wrong)
	assert.ErrorIs(t, err, ErrWrongMachine)

	// No machine constraint from the buyer side is fine
	res, err := env.discount.PurchaseDiscountCode(ctx, 1, itemID, nil)
	require.NoError(t, err)

	// The minted code inherits the item's machine binding
	v, err := env.discount.ValidateDiscountCode(ctx, res.Code, &wrong)
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.Equal(t, ReasonWrongMachine, v.Reason)

	v, err = env.discount.ValidateDiscountCode(ctx, res.Code, &machine)
	require.NoError(t, err)
	assert.True(t, v.Valid)
}

func TestDiscountService_Expiry(t *testing.T) {
	env, cleanup := setupEnv(t)
	defer cleanup()
	ctx := context.Background()

	// A service whose codes are born expired
	cfg := testDiscountConfig()
	cfg.TTL = -time.Minute
	expired := NewDiscountService(env.pool, env.discountRepo, env.storeRepo, env.ledgerRepo, env.wallet, lock.NewUserLock(), cfg)

	itemID := seedStoreItem(t, env, 100, 1000, model.UnlimitedStock, 0, 20, nil)
	seedBalance(t, env, 1, 1500)

	res, err := expired.PurchaseDiscountCode(ctx, 1, itemID, nil)
	require.NoError(t, err)

	// Expiry wins over the cached active status
	v, err := env.discount.ValidateDiscountCode(ctx, res.Code, nil)
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.Equal(t, ReasonExpired, v.Reason)

	_, err = env.discount.RedeemDiscountCode(ctx, res.Code, 1000, nil)
	assert.ErrorIs(t, err, ErrCodeExpired)

	// The sweep flips the stored status, once
	n, err := env.discount.CleanupExpiredCodes(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = env.discount.CleanupExpiredCodes(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestDiscountService_UnknownCode(t *testing.T) {
	env, cleanup := setupEnv(t)
	defer cleanup()
	ctx := context.Background()

	v, err := env.discount.ValidateDiscountCode(ctx, "NDC-DOESNOTEX", nil)
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.Equal(t, ReasonInvalid, v.Reason)

	_, err = env.discount.RedeemDiscountCode(ctx, "NDC-DOESNOTEX", 1000, nil)
	assert.ErrorIs(t, err, ErrInvalidOrUsedCode)

	// Zero-amount sales are rejected up front
	_, err = env.discount.RedeemDiscountCode(ctx, "NDC-DOESNOTEX", 0, nil)
	assert.ErrorIs(t, err, ErrInvalidOrUsedCode)
}

func TestDiscountService_UserCodes(t *testing.T) {
	env, cleanup := setupEnv(t)
	defer cleanup()
	ctx := context.Background()

	itemID := seedStoreItem(t, env, 100, 100, model.UnlimitedStock, 0, 20, nil)
	seedBalance(t, env, 1, 1000)

	_, err := env.discount.PurchaseDiscountCode(ctx, 1, itemID, nil)
	require.NoError(t, err)
	_, err = env.discount.PurchaseDiscountCode(ctx, 1, itemID, nil)
	require.NoError(t, err)

	codes, err := env.discount.UserCodes(ctx, 1, 0)
	require.NoError(t, err)
	assert.Len(t, codes, 2)
}
