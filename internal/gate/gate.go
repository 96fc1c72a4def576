// Package gate enforces the per-tier ceiling on simultaneously running
// generation jobs. The check and the counter mutation always happen inside
// the caller's transaction, on an account row the caller has already locked,
// so two racing reserves can never both observe room and both proceed.
package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/vidfab/vidfab-accounting/internal/models"
	"github.com/vidfab/vidfab-accounting/internal/pricing"
)

// ErrConcurrentLimitExceeded is returned when an account already has the
// maximum number of jobs for its tier in flight.
var ErrConcurrentLimitExceeded = errors.New("gate: concurrent job limit exceeded")

// LimitForTier returns the simultaneous-job ceiling for a tier.
func LimitForTier(tier models.Tier) int {
	return pricing.ConcurrentLimit(tier)
}

// Acquire increments the running-job counter for an account row already
// locked within tx, failing when the tier ceiling is reached.
func Acquire(ctx context.Context, tx *gorm.DB, account *models.Account) error {
	if tx == nil || account == nil {
		return errors.New("gate: nil tx or account")
	}

	limit := LimitForTier(account.Tier)
	if account.RunningJobs >= limit {
		return fmt.Errorf("%w: %d/%d running on tier %s", ErrConcurrentLimitExceeded, account.RunningJobs, limit, account.Tier)
	}

	if errUpdate := tx.WithContext(ctx).
		Model(&models.Account{}).
		Where("id = ?", account.ID).
		Updates(map[string]any{
			"running_jobs": gorm.Expr("running_jobs + 1"),
			"updated_at":   time.Now().UTC(),
		}).Error; errUpdate != nil {
		return errUpdate
	}
	account.RunningJobs++
	return nil
}

// Release decrements the running-job counter within tx. The counter floors
// at zero; an account must never report negative running jobs.
func Release(ctx context.Context, tx *gorm.DB, accountID uint64) error {
	if tx == nil {
		return errors.New("gate: nil tx")
	}
	return tx.WithContext(ctx).
		Model(&models.Account{}).
		Where("id = ? AND running_jobs > 0", accountID).
		Updates(map[string]any{
			"running_jobs": gorm.Expr("running_jobs - 1"),
			"updated_at":   time.Now().UTC(),
		}).Error
}
