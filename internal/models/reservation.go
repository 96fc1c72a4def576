package models

import "time"

// ReservationStatus tracks the lifecycle of a credit hold.
type ReservationStatus string

// Reservation lifecycle states. A reservation leaves active exactly once.
const (
	// ReservationActive marks an open hold.
	ReservationActive ReservationStatus = "active"
	// ReservationConsumed marks a hold settled for a finished job.
	ReservationConsumed ReservationStatus = "consumed"
	// ReservationReleased marks a hold refunded after failure or cancel.
	ReservationReleased ReservationStatus = "released"
	// ReservationExpired marks a hold refunded by the stale sweep.
	ReservationExpired ReservationStatus = "expired"
)

// Terminal reports whether the status is a final state.
func (s ReservationStatus) Terminal() bool {
	switch s {
	case ReservationConsumed, ReservationReleased, ReservationExpired:
		return true
	default:
		return false
	}
}

// Reservation is a provisional debit created before a generation job starts.
// The held amount is debited from the balance at creation, so the displayed
// balance never overstates what is spendable; consume/release/expire settle
// or refund the hold exactly once.
type Reservation struct {
	ID string `gorm:"type:text;primaryKey"` // Reservation UUID.

	AccountID uint64  `gorm:"not null;index"`  // Owning account ID.
	JobID     *string `gorm:"type:text;index"` // Generation job, when dispatched.

	Amount    int64 `gorm:"not null"` // Held credits, always > 0.
	ModelCost int64 `gorm:"not null"` // Cost-table estimate at reserve time.

	Status ReservationStatus `gorm:"type:text;not null;default:'active';index"` // Lifecycle state.
	Reason string            `gorm:"type:text"`                                 // Close reason for released/expired.

	CreatedAt time.Time  `gorm:"not null;autoCreateTime;index"` // Creation timestamp.
	ExpiresAt time.Time  `gorm:"not null;index"`                // Stale-sweep deadline.
	ClosedAt  *time.Time // Terminal transition time, if closed.
}
