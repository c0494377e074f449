// Package main is the entry point for the QR coin platform service.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"qr-coin-platform/internal/config"
	"qr-coin-platform/internal/pkg/db"
	"qr-coin-platform/internal/pkg/lock"
	"qr-coin-platform/internal/repository"
	"qr-coin-platform/internal/server"
	"qr-coin-platform/internal/service"
)

func main() {
	// Configure zerolog
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	// Load configuration
	cfg, err := config.Load("config")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log.Info().Msg("Configuration loaded successfully")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database connection pool
	dbPool, err := db.NewPool(ctx, &cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer dbPool.Close()

	// Run database migrations
	if err := runMigrations(ctx, dbPool); err != nil {
		log.Fatal().Err(err).Msg("Failed to run database migrations")
	}

	// Initialize repositories
	ledgerRepo := repository.NewLedgerRepository(dbPool.Pool)
	walletRepo := repository.NewWalletRepository(dbPool.Pool)
	storeRepo := repository.NewStoreRepository(dbPool.Pool)
	discountRepo := repository.NewDiscountRepository(dbPool.Pool)

	// Initialize per-user lock
	userLock := lock.NewUserLock()

	// Initialize services
	ledgerService := service.NewLedgerService(ledgerRepo, ledgerRepo, userLock, cfg.Economy)
	walletService := service.NewWalletService(dbPool.Pool, walletRepo)
	storeService := service.NewStoreService(dbPool.Pool, storeRepo, ledgerRepo, walletService, nil, userLock, cfg.Store)
	discountService := service.NewDiscountService(dbPool.Pool, discountRepo, storeRepo, ledgerRepo, walletService, userLock, cfg.Discount)

	// Build the HTTP surface
	handler := server.NewHandler(ledgerService, walletService, storeService, discountService)
	router := server.NewRouter(handler, dbPool)

	httpServer := &http.Server{
		Addr:    cfg.Server.Addr(),
		Handler: router,
	}

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Info().Str("addr", cfg.Server.Addr()).Msg("HTTP server starting")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	log.Info().Msg("Server stopped gracefully")
}

// runMigrations executes database migrations.
func runMigrations(ctx context.Context, pool *db.Pool) error {
	log.Info().Msg("Running database migrations...")

	// Migration 1: Create coin transactions table (the user ledger)
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
		CREATE INDEX IF NOT EXISTS idx_coin_tx_user_time ON coin_transactions(user_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_coin_tx_category_time ON coin_transactions(category, created_at DESC);
	`)
	if err != nil {
		return err
	}
	log.Info().Msg("Migration 1: coin_transactions table created")

	// Migration 2: Create business wallet tables
	_, err = pool.Exec(ctx, `
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
		CREATE INDEX IF NOT EXISTS idx_wallet_tx_business_time ON business_wallet_transactions(business_id, created_at DESC);
		CREATE TABLE IF NOT EXISTS business_revenue_daily (
			business_id BIGINT NOT NULL,
			source VARCHAR(50) NOT NULL,
			date DATE NOT NULL,
			amount_earned BIGINT NOT NULL DEFAULT 0,
			transaction_count BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (business_id, source, date)
		);
	`)
	if err != nil {
		return err
	}
	log.Info().Msg("Migration 2: business wallet tables created")

	// Migration 3: Create store catalog tables
	_, err = pool.Exec(ctx, `
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
		CREATE INDEX IF NOT EXISTS idx_store_items_business ON store_items(business_id, active);
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
	`)
	if err != nil {
		return err
	}
	log.Info().Msg("Migration 3: store catalog tables created")

	// Migration 4: Create purchase tables
	_, err = pool.Exec(ctx, `
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
		CREATE INDEX IF NOT EXISTS idx_store_purchases_user ON store_purchases(user_id, item_id);
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
		CREATE INDEX IF NOT EXISTS idx_qr_store_purchases_user ON qr_store_purchases(user_id, item_id);
	`)
	if err != nil {
		return err
	}
	log.Info().Msg("Migration 4: purchase tables created")

	// Migration 5: Create discount codes table
	_, err = pool.Exec(ctx, `
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
		CREATE INDEX IF NOT EXISTS idx_discount_codes_user ON discount_codes(user_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_discount_codes_status ON discount_codes(status, expires_at);
	`)
	if err != nil {
		return err
	}
	log.Info().Msg("Migration 5: discount_codes table created")

	return nil
}
