package models

import (
	"time"

	"gorm.io/datatypes"
)

// EntryKind classifies a ledger entry.
type EntryKind string

// EntryKind values cover every balance-changing event.
const (
	// EntryEarned records credits granted by a subscription event.
	EntryEarned EntryKind = "earned"
	// EntrySpent records credits debited for a job (including holds).
	EntrySpent EntryKind = "spent"
	// EntryRefunded records credits returned from a hold.
	EntryRefunded EntryKind = "refunded"
	// EntryBonus records credits granted manually.
	EntryBonus EntryKind = "bonus"
)

// Valid reports whether the kind is one of the known entry kinds.
func (k EntryKind) Valid() bool {
	switch k {
	case EntryEarned, EntrySpent, EntryRefunded, EntryBonus:
		return true
	default:
		return false
	}
}

// LedgerEntry is an immutable record of a single balance change.
//
// Amount uses a single signed convention: spent entries are negative,
// earned/refunded/bonus entries are positive. The current balance of an
// account is always the sum of its entries; BalanceBefore/BalanceAfter are
// audit snapshots taken inside the writing transaction.
type LedgerEntry struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	AccountID uint64    `gorm:"not null;index"`                // Owning account ID.
	Kind      EntryKind `gorm:"type:text;not null;index"`      // Entry classification.
	Amount    int64     `gorm:"not null"`                      // Signed credit delta.

	BalanceBefore int64 `gorm:"not null"` // Balance before the change.
	BalanceAfter  int64 `gorm:"not null"` // Balance after the change.

	JobID *string `gorm:"type:text;index"` // Related generation job, when any.

	Metadata datatypes.JSON `gorm:"type:jsonb"` // Kind-specific metadata payload.

	CreatedAt time.Time `gorm:"not null;autoCreateTime;index"` // Creation timestamp.
}

// TableName overrides the default table name.
func (LedgerEntry) TableName() string {
	return "ledger_entries"
}
