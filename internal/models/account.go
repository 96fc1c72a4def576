package models

import "time"

// Tier identifies a subscription level.
type Tier string

// Tier values mirror the subscription plans.
const (
	// TierFree is the default plan for new accounts.
	TierFree Tier = "free"
	// TierLite is the entry paid plan.
	TierLite Tier = "lite"
	// TierPro is the professional plan.
	TierPro Tier = "pro"
	// TierPremium is the top plan.
	TierPremium Tier = "premium"
)

// Valid reports whether the tier is one of the known plans.
func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierLite, TierPro, TierPremium:
		return true
	default:
		return false
	}
}

// Paid reports whether the tier is a paid plan.
func (t Tier) Paid() bool {
	return t.Valid() && t != TierFree
}

// Account holds the per-user accounting record.
//
// Balance and RunningJobs are owned by the ledger and reservation layers and
// must never be written directly by callers; Balance always equals the sum of
// the account's ledger entries, RunningJobs the count of its active
// reservations.
type Account struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	UserID string `gorm:"type:text;not null;uniqueIndex"`          // External user identifier.
	Tier   Tier   `gorm:"type:text;not null;default:'free';index"` // Subscription tier.

	Balance     int64 `gorm:"not null;default:0"` // Cached credit balance.
	RunningJobs int   `gorm:"not null;default:0"` // Count of active reservations.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
