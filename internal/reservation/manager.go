package reservation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	dbutil "github.com/vidfab/vidfab-accounting/internal/db"
	"github.com/vidfab/vidfab-accounting/internal/gate"
	"github.com/vidfab/vidfab-accounting/internal/ledger"
	"github.com/vidfab/vidfab-accounting/internal/models"
	"github.com/vidfab/vidfab-accounting/internal/settings"
)

var (
	// ErrReservationNotFound is returned when no reservation has the given ID.
	ErrReservationNotFound = errors.New("reservation: not found")
	// ErrReservationNotActive is returned when a terminal reservation is
	// consumed or released again. Hitting this from normal flow indicates a
	// caller bug or a lost race and is logged loudly.
	ErrReservationNotActive = errors.New("reservation: not active")
	// ErrInvalidAmount is returned for non-positive hold amounts.
	ErrInvalidAmount = errors.New("reservation: amount must be positive")
)

// ConsumeResult reports the settled cost of a consumed reservation.
type ConsumeResult struct {
	CreditsConsumed  int64 // Final debited amount.
	BalanceRemaining int64 // Account balance after settlement.
}

// Manager owns the credit-hold lifecycle: a reserve debits the balance and
// takes a concurrency slot up front; consume, release, and the stale sweep
// each close the hold exactly once.
type Manager struct {
	db *gorm.DB
}

// NewManager constructs a reservation manager backed by GORM.
func NewManager(db *gorm.DB) *Manager { return &Manager{db: db} }

// TTL returns the active-hold lifetime, honoring the DB settings override.
func (m *Manager) TTL() time.Duration {
	minutes := settings.IntValue(settings.ReservationTTLMinutesKey, settings.DefaultReservationTTLMinutes)
	if minutes <= 0 {
		minutes = settings.DefaultReservationTTLMinutes
	}
	return time.Duration(minutes) * time.Minute
}

// Reserve places a hold: within one transaction it locks the account, checks
// the balance and the concurrency ceiling, debits the hold amount, bumps the
// running-job counter, and creates the active reservation row. Any failure
// rolls the whole hold back; there is no partially-placed state.
func (m *Manager) Reserve(ctx context.Context, accountID uint64, amount int64, jobID *string, meta ledger.SpentMetadata) (*models.Reservation, error) {
	if m == nil || m.db == nil {
		return nil, errors.New("reservation: nil db")
	}
	if amount <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidAmount, amount)
	}

	reservationID := uuid.NewString()
	now := time.Now().UTC()
	row := models.Reservation{
		ID:        reservationID,
		AccountID: accountID,
		JobID:     jobID,
		Amount:    amount,
		ModelCost: amount,
		Status:    models.ReservationActive,
		CreatedAt: now,
		ExpiresAt: now.Add(m.TTL()),
	}

	errTx := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, errLock := ledger.LockAccount(ctx, tx, accountID)
		if errLock != nil {
			return errLock
		}
		if account.Balance < amount {
			return fmt.Errorf("%w: balance %d, required %d", ledger.ErrInsufficientCredits, account.Balance, amount)
		}

		if errAcquire := gate.Acquire(ctx, tx, account); errAcquire != nil {
			return errAcquire
		}

		meta.ReservationID = reservationID
		if jobID != nil && meta.JobID == "" {
			meta.JobID = *jobID
		}
		if _, errDebit := ledger.AppendTx(ctx, tx, accountID, models.EntrySpent, -amount, jobID, meta); errDebit != nil {
			return errDebit
		}

		return tx.Create(&row).Error
	})
	if errTx != nil {
		return nil, errTx
	}

	log.WithField("account_id", accountID).
		WithField("reservation_id", reservationID).
		Infof("reserved %d credits", amount)
	return &row, nil
}

// Consume settles an active reservation for a finished job. When the actual
// cost is below the hold the difference is refunded; when above, the extra is
// debited in the same transaction and the settlement fails if the balance
// cannot cover it. A second consume (or a consume after release) is rejected,
// never double-counted.
func (m *Manager) Consume(ctx context.Context, reservationID string, actualAmount *int64) (ConsumeResult, error) {
	var result ConsumeResult
	if m == nil || m.db == nil {
		return result, errors.New("reservation: nil db")
	}

	errTx := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, errLoad := loadReservation(ctx, tx, reservationID)
		if errLoad != nil {
			return errLoad
		}

		settled := row.Amount
		if actualAmount != nil {
			if *actualAmount <= 0 {
				return fmt.Errorf("%w: actual amount %d", ErrInvalidAmount, *actualAmount)
			}
			settled = *actualAmount
		}

		if errClose := closeReservation(ctx, tx, row.ID, models.ReservationConsumed, "consumed"); errClose != nil {
			return errClose
		}

		switch {
		case settled < row.Amount:
			refund := row.Amount - settled
			meta := ledger.RefundedMetadata{ReservationID: row.ID, Reason: "actual cost below hold"}
			if _, errRefund := ledger.AppendTx(ctx, tx, row.AccountID, models.EntryRefunded, refund, row.JobID, meta); errRefund != nil {
				return errRefund
			}
		case settled > row.Amount:
			extra := settled - row.Amount
			meta := ledger.SpentMetadata{ReservationID: row.ID}
			if _, errDebit := ledger.AppendTx(ctx, tx, row.AccountID, models.EntrySpent, -extra, row.JobID, meta); errDebit != nil {
				return errDebit
			}
		}

		if errRelease := gate.Release(ctx, tx, row.AccountID); errRelease != nil {
			return errRelease
		}

		var account models.Account
		if errFirst := tx.WithContext(ctx).First(&account, row.AccountID).Error; errFirst != nil {
			return errFirst
		}
		result = ConsumeResult{CreditsConsumed: settled, BalanceRemaining: account.Balance}
		return nil
	})
	if errTx != nil {
		if errors.Is(errTx, ErrReservationNotActive) || errors.Is(errTx, ErrReservationNotFound) {
			log.WithError(errTx).
				WithField("reservation_id", reservationID).
				Error("consume rejected: reservation not consumable")
		}
		return ConsumeResult{}, errTx
	}
	return result, nil
}

// Release refunds an active reservation in full after a failed or cancelled
// job. It is safe to call from failure handlers with an ambiguous job
// outcome: the state guard makes the refund at-most-once, and a reservation
// that was already consumed or released is rejected, never refunded again.
func (m *Manager) Release(ctx context.Context, reservationID, reason string) error {
	if m == nil || m.db == nil {
		return errors.New("reservation: nil db")
	}
	errTx := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return releaseTx(ctx, tx, reservationID, models.ReservationReleased, reason)
	})
	if errTx != nil {
		if errors.Is(errTx, ErrReservationNotActive) || errors.Is(errTx, ErrReservationNotFound) {
			log.WithError(errTx).
				WithField("reservation_id", reservationID).
				Error("release rejected: reservation not releasable")
		}
		return errTx
	}
	log.WithField("reservation_id", reservationID).Infof("released hold (%s)", reason)
	return nil
}

// ExpireStale refunds active reservations past their deadline, protecting
// against orphaned holds from crashed or hung workers. Each reservation is
// handled in its own transaction; one failure does not abort the sweep.
func (m *Manager) ExpireStale(ctx context.Context) (int, error) {
	if m == nil || m.db == nil {
		return 0, errors.New("reservation: nil db")
	}

	now := time.Now().UTC()
	var stale []models.Reservation
	if errFind := m.db.WithContext(ctx).
		Select("id").
		Where("status = ? AND expires_at < ?", models.ReservationActive, now).
		Order("expires_at ASC").
		Find(&stale).Error; errFind != nil {
		return 0, errFind
	}

	expired := 0
	for _, row := range stale {
		errTx := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return releaseTx(ctx, tx, row.ID, models.ReservationExpired, "expired")
		})
		if errTx != nil {
			// A concurrent consume/release winning the race is expected here.
			if !errors.Is(errTx, ErrReservationNotActive) {
				log.WithError(errTx).WithField("reservation_id", row.ID).Warn("expire stale reservation failed")
			}
			continue
		}
		expired++
	}
	if expired > 0 {
		log.Infof("expired %d stale reservations", expired)
	}
	return expired, nil
}

// ActiveReservations lists an account's open holds, newest first.
func (m *Manager) ActiveReservations(ctx context.Context, accountID uint64) ([]models.Reservation, error) {
	if m == nil || m.db == nil {
		return nil, errors.New("reservation: nil db")
	}
	var rows []models.Reservation
	if errFind := m.db.WithContext(ctx).
		Where("account_id = ? AND status = ?", accountID, models.ReservationActive).
		Order("created_at DESC").
		Find(&rows).Error; errFind != nil {
		return nil, errFind
	}
	return rows, nil
}

// releaseTx moves an active reservation to a refunding terminal state and
// returns the full held amount to the balance.
func releaseTx(ctx context.Context, tx *gorm.DB, reservationID string, status models.ReservationStatus, reason string) error {
	row, errLoad := loadReservation(ctx, tx, reservationID)
	if errLoad != nil {
		return errLoad
	}

	if errClose := closeReservation(ctx, tx, row.ID, status, reason); errClose != nil {
		return errClose
	}

	meta := ledger.RefundedMetadata{ReservationID: row.ID, Reason: reason}
	if _, errRefund := ledger.AppendTx(ctx, tx, row.AccountID, models.EntryRefunded, row.Amount, row.JobID, meta); errRefund != nil {
		return errRefund
	}

	return gate.Release(ctx, tx, row.AccountID)
}

// loadReservation fetches a reservation under a row lock and verifies it is
// still active.
func loadReservation(ctx context.Context, tx *gorm.DB, reservationID string) (*models.Reservation, error) {
	var row models.Reservation
	if errFirst := dbutil.WithRowLock(tx.WithContext(ctx)).
		Where("id = ?", reservationID).
		First(&row).Error; errFirst != nil {
		if errors.Is(errFirst, gorm.ErrRecordNotFound) {
			return nil, ErrReservationNotFound
		}
		return nil, errFirst
	}
	if row.Status != models.ReservationActive {
		return nil, fmt.Errorf("%w: status %s", ErrReservationNotActive, row.Status)
	}
	return &row, nil
}

// closeReservation performs the guarded active -> terminal transition. The
// conditional update makes the transition race-safe: whichever closer commits
// first wins, every later attempt sees zero affected rows.
func closeReservation(ctx context.Context, tx *gorm.DB, reservationID string, status models.ReservationStatus, reason string) error {
	now := time.Now().UTC()
	res := tx.WithContext(ctx).
		Model(&models.Reservation{}).
		Where("id = ? AND status = ?", reservationID, models.ReservationActive).
		Updates(map[string]any{
			"status":    status,
			"reason":    reason,
			"closed_at": now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: lost close race", ErrReservationNotActive)
	}
	return nil
}
