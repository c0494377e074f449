package service

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"qr-coin-platform/internal/config"
	"qr-coin-platform/internal/model"
	"qr-coin-platform/internal/pkg/lock"
	"qr-coin-platform/internal/repository"
)

// ActivitySource supplies a user's historical engagement, used to size the
// smart-spend overdraft floor. The default implementation derives it from
// the ledger itself; callers with a dedicated vote/spin store can
// substitute their own.
type ActivitySource interface {
	ActivityStats(ctx context.Context, userID int64) (model.ActivityStats, error)
}

// LedgerService is the coin ledger engine. Every earn and spend funnels
// through a single append primitive; balances are derived by summation.
type LedgerService struct {
	ledgerRepo *repository.LedgerRepository
	activity   ActivitySource
	userLock   *lock.UserLock
	cfg        config.EconomyConfig
}

// NewLedgerService creates a new LedgerService instance.
func NewLedgerService(
	ledgerRepo *repository.LedgerRepository,
	activity ActivitySource,
	userLock *lock.UserLock,
	cfg config.EconomyConfig,
) *LedgerService {
	return &LedgerService{
		ledgerRepo: ledgerRepo,
		activity:   activity,
		userLock:   userLock,
		cfg:        cfg,
	}
}

// GetBalance returns a user's balance as the sum of their transactions.
// Unknown users have balance zero.
func (s *LedgerService) GetBalance(ctx context.Context, userID int64) (int64, error) {
	if userID <= 0 {
		return 0, nil
	}
	return s.ledgerRepo.SumBalance(ctx, userID)
}

// AddTransaction appends one immutable ledger row. A zero amount, missing
// user id, or unknown transaction type is an invalid request, not an
// error: nothing is persisted and false is returned.
func (s *LedgerService) AddTransaction(
	ctx context.Context,
	userID int64,
	txType model.TransactionType,
	category string,
	amount int64,
	description string,
	metadata map[string]any,
	referenceID *int64,
	referenceType *string,
) (bool, error) {
	if userID <= 0 || amount == 0 || !txType.Valid() {
		return false, nil
	}

	if _, err := s.ledgerRepo.Append(ctx, userID, txType, category, amount, description, metadata, referenceID, referenceType); err != nil {
		return false, err
	}
	return true, nil
}

// AwardVoteCoins credits a user for a vote: base amount plus optional daily
// and super bonuses, summed into a single transaction so one economic
// event stays one ledger row. Returns the total awarded.
func (s *LedgerService) AwardVoteCoins(ctx context.Context, userID, voteID int64, dailyBonus, superBonus bool) (int64, error) {
	return s.awardActivity(ctx, userID, voteID, "vote",
		model.CategoryVoting, s.cfg.VoteBase, s.cfg.VoteDailyBonus, s.cfg.VoteSuperBonus,
		dailyBonus, superBonus)
}

// AwardSpinCoins credits a user for a spin, same shape as AwardVoteCoins.
func (s *LedgerService) AwardSpinCoins(ctx context.Context, userID, spinID int64, dailyBonus, superBonus bool) (int64, error) {
	return s.awardActivity(ctx, userID, spinID, "spin",
		model.CategorySpinning, s.cfg.SpinBase, s.cfg.SpinDailyBonus, s.cfg.SpinSuperBonus,
		dailyBonus, superBonus)
}

func (s *LedgerService) awardActivity(
	ctx context.Context,
	userID, refID int64,
	refType, category string,
	base, daily, super int64,
	dailyBonus, superBonus bool,
) (int64, error) {
	if userID <= 0 {
		return 0, nil
	}

	total := base
	metadata := map[string]any{"base": base}
	description := fmt.Sprintf("%s reward", category)
	if dailyBonus {
		total += daily
		metadata["daily_bonus"] = daily
		description += " + daily bonus"
	}
	if superBonus {
		total += super
		metadata["super_bonus"] = super
		description += " + super bonus"
	}

	_, err := s.ledgerRepo.Append(ctx, userID, model.TxTypeEarning, category, total, description, metadata, &refID, &refType)
	if err != nil {
		return 0, err
	}
	return total, nil
}

// SpendCoins is the hard spend path: it fails closed unless the current
// balance covers the full amount. The per-user lock serializes the balance
// check and the append, which are separate statements.
func (s *LedgerService) SpendCoins(
	ctx context.Context,
	userID, amount int64,
	category, description string,
	referenceID *int64,
	referenceType *string,
) (bool, error) {
	if userID <= 0 || amount <= 0 {
		return false, nil
	}

	s.userLock.Lock(userID)
	defer s.userLock.Unlock(userID)

	balance, err := s.ledgerRepo.SumBalance(ctx, userID)
	if err != nil {
		return false, err
	}
	if balance < amount {
		return false, nil
	}

	_, err = s.ledgerRepo.Append(ctx, userID, model.TxTypeSpending, category, -amount, description, nil, referenceID, referenceType)
	if err != nil {
		return false, err
	}
	return true, nil
}

// SmartSpendResult reports the outcome of an overdraft-tolerant spend.
type SmartSpendResult struct {
	Success    bool     `json:"success"`
	NewBalance int64    `json:"new_balance"`
	Warnings   []string `json:"warnings,omitempty"`
	Message    string   `json:"message,omitempty"`
}

// SmartSpend spends with activity-based overdraft protection. With
// allowNegative false it behaves like SpendCoins. With it true, the
// balance may go negative down to a floor of -overdraft_ratio x activity
// points: engaged users can spend ahead of their currency, low-activity
// accounts cannot run arbitrarily negative. Non-fatal warnings flag low
// and negative results.
func (s *LedgerService) SmartSpend(
	ctx context.Context,
	userID, amount int64,
	category, description string,
	allowNegative bool,
) (SmartSpendResult, error) {
	if userID <= 0 || amount <= 0 {
		return SmartSpendResult{Message: "invalid spend request"}, nil
	}

	s.userLock.Lock(userID)
	defer s.userLock.Unlock(userID)

	balance, err := s.ledgerRepo.SumBalance(ctx, userID)
	if err != nil {
		return SmartSpendResult{}, err
	}
	newBalance := balance - amount

	if !allowNegative && newBalance < 0 {
		return SmartSpendResult{
			NewBalance: balance,
			Message:    "insufficient balance",
		}, nil
	}

	var warnings []string
	if allowNegative {
		stats, err := s.activity.ActivityStats(ctx, userID)
		if err != nil {
			return SmartSpendResult{}, err
		}
		points := stats.Points()

		maxNegative := -int64(s.cfg.OverdraftRatio * float64(points))
		if newBalance < maxNegative {
			return SmartSpendResult{
				NewBalance: balance,
				Message:    fmt.Sprintf("spend exceeds overdraft floor of %d", maxNegative),
			}, nil
		}

		if newBalance < int64(s.cfg.LowBalanceRatio*float64(points)) {
			warnings = append(warnings, "balance is below 10% of activity points")
		}
		if newBalance < 0 {
			warnings = append(warnings, "balance is negative; spend is covered by activity history, not currency")
			log.Warn().
				Int64("user_id", userID).
				Int64("new_balance", newBalance).
				Int64("activity_points", points).
				Msg("Smart spend took balance negative")
		}
	}

	_, err = s.ledgerRepo.Append(ctx, userID, model.TxTypeSpending, category, -amount, description, nil, nil, nil)
	if err != nil {
		return SmartSpendResult{}, err
	}

	return SmartSpendResult{
		Success:    true,
		NewBalance: newBalance,
		Warnings:   warnings,
	}, nil
}

// DecayReport summarizes one monthly decay sweep.
type DecayReport struct {
	UsersDecayed   int   `json:"users_decayed"`
	CoinsReclaimed int64 `json:"coins_reclaimed"`
}

// ApplyMonthlyDecay debits floor(balance x decay_rate) from every user at
// or above the decay threshold, one adjustment transaction each. The
// external scheduler drives the cadence; the debit is a percentage of a
// known-positive balance so it can never push anyone negative.
func (s *LedgerService) ApplyMonthlyDecay(ctx context.Context) (DecayReport, error) {
	balances, err := s.ledgerRepo.BalancesAtOrAbove(ctx, s.cfg.DecayThreshold)
	if err != nil {
		return DecayReport{}, err
	}

	var report DecayReport
	for _, b := range balances {
		decay := int64(math.Floor(float64(b.Balance) * s.cfg.DecayRate))
		if decay <= 0 {
			continue
		}

		description := fmt.Sprintf("monthly decay of %.1f%% on balance %d", s.cfg.DecayRate*100, b.Balance)
		metadata := map[string]any{"balance_before": b.Balance, "decay_rate": s.cfg.DecayRate}
		_, err := s.ledgerRepo.Append(ctx, b.UserID, model.TxTypeAdjustment, model.CategoryMonthlyDecay, -decay, description, metadata, nil, nil)
		if err != nil {
			return report, fmt.Errorf("failed to decay user %d: %w", b.UserID, err)
		}

		report.UsersDecayed++
		report.CoinsReclaimed += decay
	}

	log.Info().
		Int("users_decayed", report.UsersDecayed).
		Int64("coins_reclaimed", report.CoinsReclaimed).
		Msg("Monthly decay sweep complete")

	return report, nil
}

// EconomyOverview aggregates the whole ledger for admin reporting. An
// empty ledger reports all zeros.
func (s *LedgerService) EconomyOverview(ctx context.Context) (*model.EconomyOverview, error) {
	issued, spent, activeUsers, err := s.ledgerRepo.EconomyAggregates(ctx, time.Now().AddDate(0, 0, -30))
	if err != nil {
		return nil, err
	}

	overview := &model.EconomyOverview{
		TotalIssued:    issued,
		TotalSpent:     spent,
		Circulation:    issued - spent,
		ActiveUsers30d: activeUsers,
	}
	if issued > 0 {
		overview.SpendRate = float64(spent) / float64(issued)
	}
	if activeUsers > 0 {
		overview.AvgPerActiveUser = float64(overview.Circulation) / float64(activeUsers)
	}
	return overview, nil
}

// TransactionHistory retrieves a user's transactions, newest first.
func (s *LedgerService) TransactionHistory(ctx context.Context, userID int64, limit, offset int, typeFilter *model.TransactionType) ([]*model.Transaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.ledgerRepo.History(ctx, userID, limit, offset, typeFilter)
}

// SpendingSummary totals a user's spending per category over the trailing
// period.
func (s *LedgerService) SpendingSummary(ctx context.Context, userID int64, period time.Duration) ([]*model.CategorySummary, error) {
	if period <= 0 {
		period = 30 * 24 * time.Hour
	}
	return s.ledgerRepo.SpendingSummary(ctx, userID, time.Now().Add(-period))
}
