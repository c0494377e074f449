// Package model defines the data models for the QR coin platform core:
// the coin ledger, business wallets, store catalogs, purchases, and
// discount codes.
package model

import "time"

// TransactionType classifies a ledger entry.
type TransactionType string

// Transaction types. The set is closed; category below is the open tag.
const (
	TxTypeEarning          TransactionType = "earning"
	TxTypeSpending         TransactionType = "spending"
	TxTypeAdjustment       TransactionType = "adjustment"
	TxTypeMigration        TransactionType = "migration"
	TxTypeBusinessPurchase TransactionType = "business_purchase"
)

// Valid reports whether t is one of the known transaction types.
func (t TransactionType) Valid() bool {
	switch t {
	case TxTypeEarning, TxTypeSpending, TxTypeAdjustment, TxTypeMigration, TxTypeBusinessPurchase:
		return true
	}
	return false
}

// Transaction categories. Categories are free-form tags; these are the ones
// the engines themselves write.
const (
	CategoryVoting        = "voting"
	CategorySpinning      = "spinning"
	CategoryBusinessStore = "business_store"
	CategoryQRStore       = "qr_store"
	CategoryNayaxDiscount = "nayax_discount"
	CategoryRedeemBonus   = "redemption_bonus"
	CategoryMonthlyDecay  = "monthly_decay"
)

// Transaction is one immutable entry in the user coin ledger. A user's
// balance is the sum of Amount over all their transactions; rows are never
// updated or deleted, corrections are new offsetting rows.
type Transaction struct {
	ID            int64           `db:"id" json:"id"`
	UserID        int64           `db:"user_id" json:"user_id"`
	Type          TransactionType `db:"transaction_type" json:"transaction_type"`
	Category      string          `db:"category" json:"category"`
	Amount        int64           `db:"amount" json:"amount"`
	Description   string          `db:"description" json:"description"`
	Metadata      map[string]any  `db:"metadata" json:"metadata,omitempty"`
	ReferenceID   *int64          `db:"reference_id" json:"reference_id,omitempty"`
	ReferenceType *string         `db:"reference_type" json:"reference_type,omitempty"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
}

// BusinessWallet holds a business's cached coin balance. The balance must
// always equal the sum of that business's wallet transactions; it is only
// written under a row lock.
type BusinessWallet struct {
	BusinessID         int64      `db:"business_id" json:"business_id"`
	QRCoinBalance      int64      `db:"qr_coin_balance" json:"qr_coin_balance"`
	TotalEarnedAllTime int64      `db:"total_earned_all_time" json:"total_earned_all_time"`
	TotalSpentAllTime  int64      `db:"total_spent_all_time" json:"total_spent_all_time"`
	LastTransactionAt  *time.Time `db:"last_transaction_at" json:"last_transaction_at,omitempty"`
	CreatedAt          time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time  `db:"updated_at" json:"updated_at"`
}

// BusinessWalletTransaction mirrors Transaction but is scoped to a business
// and carries balance snapshots for audit.
type BusinessWalletTransaction struct {
	ID            int64          `db:"id"`
	BusinessID    int64          `db:"business_id"`
	Amount        int64          `db:"amount"`
	Category      string         `db:"category"`
	Description   string         `db:"description"`
	Metadata      map[string]any `db:"metadata"`
	ReferenceID   *int64         `db:"reference_id"`
	ReferenceType *string        `db:"reference_type"`
	BalanceBefore int64          `db:"balance_before"`
	BalanceAfter  int64          `db:"balance_after"`
	CreatedAt     time.Time      `db:"created_at"`
}

// RevenueRollup is the per-day earned total for one business and revenue
// source, maintained by upsert on every wallet credit.
type RevenueRollup struct {
	BusinessID       int64     `db:"business_id" json:"business_id"`
	Source           string    `db:"source" json:"source"`
	Date             time.Time `db:"date" json:"date"`
	AmountEarned     int64     `db:"amount_earned" json:"amount_earned"`
	TransactionCount int64     `db:"transaction_count" json:"transaction_count"`
}

// UnlimitedStock is the stock_quantity sentinel for items without a stock
// limit.
const UnlimitedStock = -1

// StoreItem is a business-store discount item purchasable with QR coins.
type StoreItem struct {
	ID                 int64      `db:"id" json:"id"`
	BusinessID         int64      `db:"business_id" json:"business_id"`
	Name               string     `db:"name" json:"name"`
	Description        string     `db:"description" json:"description"`
	RegularPriceCents  int64      `db:"regular_price_cents" json:"regular_price_cents"`
	DiscountPercentage float64    `db:"discount_percentage" json:"discount_percentage"`
	QRCoinCost         int64      `db:"qr_coin_cost" json:"qr_coin_cost"`
	Category           string     `db:"category" json:"category"`
	StockQuantity      int64      `db:"stock_quantity" json:"stock_quantity"`
	MaxPerUser         int64      `db:"max_per_user" json:"max_per_user"`
	Active             bool       `db:"active" json:"active"`
	ValidFrom          *time.Time `db:"valid_from" json:"valid_from,omitempty"`
	ValidUntil         *time.Time `db:"valid_until" json:"valid_until,omitempty"`
	MachineID          *int64     `db:"machine_id" json:"machine_id,omitempty"`
	OriginalDiscount   *float64   `db:"original_discount" json:"original_discount,omitempty"`
	PromotionalBoost   *float64   `db:"promotional_boost" json:"promotional_boost,omitempty"`
	IsPromotional      bool       `db:"is_promotional" json:"is_promotional"`
	CreatedAt          time.Time  `db:"created_at" json:"created_at"`
}

// AvailableAt reports whether the item can be sold at the given time.
func (i *StoreItem) AvailableAt(now time.Time) bool {
	if !i.Active {
		return false
	}
	if i.ValidFrom != nil && now.Before(*i.ValidFrom) {
		return false
	}
	if i.ValidUntil != nil && now.After(*i.ValidUntil) {
		return false
	}
	return true
}

// DiscountAmountCents returns the cash discount the item grants.
func (i *StoreItem) DiscountAmountCents() int64 {
	return int64(float64(i.RegularPriceCents) * i.DiscountPercentage / 100.0)
}

// QRStoreItem is a platform store item (avatar, boost, insurance, ...).
// ItemData carries effect parameters such as duration_days or duration_hours.
type QRStoreItem struct {
	ID            int64          `db:"id" json:"id"`
	ItemType      string         `db:"item_type" json:"item_type"`
	Name          string         `db:"name" json:"name"`
	Description   string         `db:"description" json:"description"`
	QRCoinCost    int64          `db:"qr_coin_cost" json:"qr_coin_cost"`
	Rarity        string         `db:"rarity" json:"rarity"`
	StockQuantity int64          `db:"stock_quantity" json:"stock_quantity"`
	MaxPerUser    int64          `db:"max_per_user" json:"max_per_user"`
	ItemData      map[string]any `db:"item_data" json:"item_data,omitempty"`
	Active        bool           `db:"active" json:"active"`
	ValidFrom     *time.Time     `db:"valid_from" json:"valid_from,omitempty"`
	ValidUntil    *time.Time     `db:"valid_until" json:"valid_until,omitempty"`
	CreatedAt     time.Time      `db:"created_at" json:"created_at"`
}

// AvailableAt reports whether the item can be sold at the given time.
func (i *QRStoreItem) AvailableAt(now time.Time) bool {
	if !i.Active {
		return false
	}
	if i.ValidFrom != nil && now.Before(*i.ValidFrom) {
		return false
	}
	if i.ValidUntil != nil && now.After(*i.ValidUntil) {
		return false
	}
	return true
}

// EffectDuration derives the purchase lifetime from the item's effect
// parameters. Zero means the purchase does not expire.
func (i *QRStoreItem) EffectDuration() time.Duration {
	if i.ItemData == nil {
		return 0
	}
	if v, ok := numericItemDatum(i.ItemData, "duration_days"); ok {
		return time.Duration(v) * 24 * time.Hour
	}
	if v, ok := numericItemDatum(i.ItemData, "duration_hours"); ok {
		return time.Duration(v) * time.Hour
	}
	return 0
}

// numericItemDatum reads a numeric field out of JSON-decoded item data,
// where numbers may surface as float64 or int.
func numericItemDatum(data map[string]any, key string) (int64, bool) {
	switch v := data[key].(type) {
	case float64:
		return int64(v), v > 0
	case int64:
		return v, v > 0
	case int:
		return int64(v), v > 0
	}
	return 0, false
}

// PurchaseStatus is the lifecycle state of a purchase or discount code.
type PurchaseStatus string

// Purchase lifecycle states. Redeemed, used, expired and cancelled are
// terminal.
const (
	StatusPending   PurchaseStatus = "pending"
	StatusActive    PurchaseStatus = "active"
	StatusRedeemed  PurchaseStatus = "redeemed"
	StatusUsed      PurchaseStatus = "used"
	StatusExpired   PurchaseStatus = "expired"
	StatusCancelled PurchaseStatus = "cancelled"
)

// Purchase records a user's business-store purchase and its redemption code.
type Purchase struct {
	ID                  int64          `db:"id" json:"id"`
	UserID              int64          `db:"user_id" json:"user_id"`
	ItemID              int64          `db:"item_id" json:"item_id"`
	BusinessID          int64          `db:"business_id" json:"business_id"`
	QRCoinsSpent        int64          `db:"qr_coins_spent" json:"qr_coins_spent"`
	DiscountAmountCents int64          `db:"discount_amount_cents" json:"discount_amount_cents"`
	PurchaseCode        string         `db:"purchase_code" json:"purchase_code"`
	Status              PurchaseStatus `db:"status" json:"status"`
	ExpiresAt           *time.Time     `db:"expires_at" json:"expires_at,omitempty"`
	RedeemedAt          *time.Time     `db:"redeemed_at" json:"redeemed_at,omitempty"`
	RedeemedBy          *int64         `db:"redeemed_by" json:"redeemed_by,omitempty"`
	CreatedAt           time.Time      `db:"created_at" json:"created_at"`
}

// QRStorePurchase records a platform store purchase, which may expire based
// on the item's effect duration.
type QRStorePurchase struct {
	ID           int64          `db:"id" json:"id"`
	UserID       int64          `db:"user_id" json:"user_id"`
	ItemID       int64          `db:"item_id" json:"item_id"`
	Quantity     int64          `db:"quantity" json:"quantity"`
	QRCoinsSpent int64          `db:"qr_coins_spent" json:"qr_coins_spent"`
	Status       PurchaseStatus `db:"status" json:"status"`
	ExpiresAt    *time.Time     `db:"expires_at" json:"expires_at,omitempty"`
	CreatedAt    time.Time      `db:"created_at" json:"created_at"`
}

// DiscountCode is a time-boxed, usage-limited code minted by a discount
// purchase and redeemed at a point of sale. Status is a cache: a code past
// expiry or at max uses is invalid regardless of the stored value.
type DiscountCode struct {
	ID                 int64          `db:"id" json:"id"`
	UserID             int64          `db:"user_id" json:"user_id"`
	ItemID             int64          `db:"item_id" json:"item_id"`
	BusinessID         int64          `db:"business_id" json:"business_id"`
	Code               string         `db:"code" json:"code"`
	DiscountPercentage float64        `db:"discount_percentage" json:"discount_percentage"`
	QRCoinsSpent       int64          `db:"qr_coins_spent" json:"qr_coins_spent"`
	MachineID          *int64         `db:"machine_id" json:"machine_id,omitempty"`
	Status             PurchaseStatus `db:"status" json:"status"`
	MaxUses            int64          `db:"max_uses" json:"max_uses"`
	UsesCount          int64          `db:"uses_count" json:"uses_count"`
	ExpiresAt          time.Time      `db:"expires_at" json:"expires_at"`
	LastRedeemedAt     *time.Time     `db:"last_redeemed_at" json:"last_redeemed_at,omitempty"`
	CreatedAt          time.Time      `db:"created_at" json:"created_at"`
}

// ExpiredAt reports whether the code is past expiry at the given time.
func (c *DiscountCode) ExpiredAt(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// Exhausted reports whether the code has no uses left.
func (c *DiscountCode) Exhausted() bool {
	return c.UsesCount >= c.MaxUses
}

// ActivityStats aggregates a user's historical engagement. It sizes the
// smart-spend overdraft floor.
type ActivityStats struct {
	VoteCount  int64
	VotingDays int64
	SpinDays   int64
}

// Points converts activity into the score used for overdraft limits:
// one point per vote, five per distinct voting day, ten per spin day.
func (a ActivityStats) Points() int64 {
	return a.VoteCount + a.VotingDays*5 + a.SpinDays*10
}

// EconomyOverview is the admin-facing aggregate report over the whole
// ledger.
type EconomyOverview struct {
	TotalIssued      int64   `json:"total_issued"`
	TotalSpent       int64   `json:"total_spent"`
	Circulation      int64   `json:"circulation"`
	ActiveUsers30d   int64   `json:"active_users_30d"`
	SpendRate        float64 `json:"spend_rate"`
	AvgPerActiveUser float64 `json:"avg_per_active_user"`
}

// CategorySummary is one row of a per-category spending report.
type CategorySummary struct {
	Category string `db:"category" json:"category"`
	Total    int64  `db:"total" json:"total"`
	Count    int64  `db:"count" json:"count"`
}

// StoreStats aggregates purchase activity for the business store.
type StoreStats struct {
	TotalItems      int64   `db:"total_items" json:"total_items"`
	ActiveItems     int64   `db:"active_items" json:"active_items"`
	TotalPurchases  int64   `db:"total_purchases" json:"total_purchases"`
	TotalCoinsSpent int64   `db:"total_coins_spent" json:"total_coins_spent"`
	RedeemedCount   int64   `db:"redeemed_count" json:"redeemed_count"`
	RedemptionRate  float64 `db:"redemption_rate" json:"redemption_rate"`
}
