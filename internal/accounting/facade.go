// Package accounting is the single entry point composing the ledger,
// reservation manager, concurrency gate and storage quota manager over one
// database handle. Callers outside this module talk to the Facade only.
package accounting

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/vidfab/vidfab-accounting/internal/gate"
	"github.com/vidfab/vidfab-accounting/internal/ledger"
	"github.com/vidfab/vidfab-accounting/internal/models"
	"github.com/vidfab/vidfab-accounting/internal/pricing"
	"github.com/vidfab/vidfab-accounting/internal/reservation"
	"github.com/vidfab/vidfab-accounting/internal/storagequota"
)

var (
	// ErrInvalidGrantKind is returned when GrantCredits is called with a kind
	// that is not additive.
	ErrInvalidGrantKind = errors.New("accounting: grant kind must be earned or bonus")
	// ErrModelNotAllowed is returned when the account's tier may not use the
	// requested model or resolution.
	ErrModelNotAllowed = errors.New("accounting: model not allowed for tier")
)

// BudgetWarning grades how close the balance is to the requested cost.
type BudgetWarning string

// BudgetWarning values.
const (
	WarningNone     BudgetWarning = "none"
	WarningLow      BudgetWarning = "low"
	WarningCritical BudgetWarning = "critical"
)

// BudgetInfo is the read-only affordability view for a planned job.
type BudgetInfo struct {
	CurrentBalance  int64         `json:"current_balance"`
	RequiredCredits int64         `json:"required_credits"`
	CanAfford       bool          `json:"can_afford"`
	WarningLevel    BudgetWarning `json:"warning_level"`
	RemainingJobs   int64         `json:"remaining_jobs"`
}

// ConcurrencyInfo is the read-only view of an account's running-job slot.
type ConcurrencyInfo struct {
	Tier           models.Tier `json:"tier"`
	CurrentRunning int         `json:"current_running"`
	MaxAllowed     int         `json:"max_allowed"`
	CanStart       bool        `json:"can_start"`
}

// Facade wires the accounting components together. All components share the
// same *gorm.DB so mutations can compose inside one transaction.
type Facade struct {
	db           *gorm.DB
	ledger       *ledger.Ledger
	reservations *reservation.Manager
	storage      *storagequota.Manager
	costs        pricing.CostTable
}

// New builds a Facade over the given database. The blob deleter may be nil
// when the caller only needs accounting-side eviction.
func New(db *gorm.DB, deleter storagequota.BlobDeleter) (*Facade, error) {
	if db == nil {
		return nil, errors.New("accounting: nil db")
	}
	storage, errStorage := storagequota.NewManager(db, deleter)
	if errStorage != nil {
		return nil, errStorage
	}
	return &Facade{
		db:           db,
		ledger:       ledger.New(db),
		reservations: reservation.NewManager(db),
		storage:      storage,
		costs:        pricing.NewDefaultCostTable(),
	}, nil
}

// Reservations exposes the reservation manager, for wiring the sweeper.
func (f *Facade) Reservations() *reservation.Manager { return f.reservations }

// CreateAccount provisions an account for a user. The initial balance is
// zero; credits arrive through GrantCredits only.
func (f *Facade) CreateAccount(ctx context.Context, userID string, tier models.Tier) (*models.Account, error) {
	if userID == "" {
		return nil, errors.New("accounting: empty user id")
	}
	if !tier.Valid() {
		return nil, fmt.Errorf("accounting: unknown tier %q", tier)
	}
	account := &models.Account{UserID: userID, Tier: tier}
	if errCreate := f.db.WithContext(ctx).Create(account).Error; errCreate != nil {
		return nil, errCreate
	}
	log.WithField("user_id", userID).WithField("tier", tier).Info("account created")
	return account, nil
}

// Account looks up an account by ID.
func (f *Facade) Account(ctx context.Context, accountID uint64) (*models.Account, error) {
	var account models.Account
	if errFirst := f.db.WithContext(ctx).First(&account, accountID).Error; errFirst != nil {
		if errors.Is(errFirst, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: id %d", ledger.ErrAccountNotFound, accountID)
		}
		return nil, errFirst
	}
	return &account, nil
}

// AccountByUser looks up an account by the owning user ID.
func (f *Facade) AccountByUser(ctx context.Context, userID string) (*models.Account, error) {
	var account models.Account
	if errFirst := f.db.WithContext(ctx).Where("user_id = ?", userID).First(&account).Error; errFirst != nil {
		if errors.Is(errFirst, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: user %s", ledger.ErrAccountNotFound, userID)
		}
		return nil, errFirst
	}
	return &account, nil
}

// SetTier updates the account tier on subscription change. Balance is
// untouched; plan credits arrive separately through GrantCredits.
func (f *Facade) SetTier(ctx context.Context, accountID uint64, tier models.Tier) error {
	if !tier.Valid() {
		return fmt.Errorf("accounting: unknown tier %q", tier)
	}
	res := f.db.WithContext(ctx).
		Model(&models.Account{}).
		Where("id = ?", accountID).
		Update("tier", tier)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: id %d", ledger.ErrAccountNotFound, accountID)
	}
	return nil
}

// EstimateCost resolves the credit cost for a model run.
func (f *Facade) EstimateCost(model, resolution, duration string) (int64, error) {
	return f.costs.Cost(model, resolution, duration)
}

// CheckAvailability is the read-only affordability probe. It never holds
// credits; a true CanAfford can still lose the race to Reserve.
func (f *Facade) CheckAvailability(ctx context.Context, accountID uint64, requiredCredits int64) (BudgetInfo, error) {
	if requiredCredits <= 0 {
		return BudgetInfo{}, fmt.Errorf("accounting: required credits must be positive, got %d", requiredCredits)
	}
	if _, errAccount := f.Account(ctx, accountID); errAccount != nil {
		return BudgetInfo{}, errAccount
	}
	balance, errBalance := f.ledger.Balance(ctx, accountID)
	if errBalance != nil {
		return BudgetInfo{}, errBalance
	}

	info := BudgetInfo{
		CurrentBalance:  balance,
		RequiredCredits: requiredCredits,
		CanAfford:       balance >= requiredCredits,
		WarningLevel:    WarningNone,
		RemainingJobs:   balance / requiredCredits,
	}
	if info.RemainingJobs < 0 {
		info.RemainingJobs = 0
	}
	ratio := float64(balance) / float64(requiredCredits)
	switch {
	case ratio < 0.1:
		info.WarningLevel = WarningCritical
	case ratio < 0.2:
		info.WarningLevel = WarningLow
	}
	return info, nil
}

// CheckConcurrency is the read-only slot probe. Like CheckAvailability it is
// advisory; the gate re-checks under the account row lock on Reserve.
func (f *Facade) CheckConcurrency(ctx context.Context, accountID uint64) (ConcurrencyInfo, error) {
	account, errAccount := f.Account(ctx, accountID)
	if errAccount != nil {
		return ConcurrencyInfo{}, errAccount
	}
	limit := gate.LimitForTier(account.Tier)
	return ConcurrencyInfo{
		Tier:           account.Tier,
		CurrentRunning: account.RunningJobs,
		MaxAllowed:     limit,
		CanStart:       account.RunningJobs < limit,
	}, nil
}

// Reserve places a hold for a job. Cost is resolved from the pricing table
// and debited immediately; any failure means the job must not start.
func (f *Facade) Reserve(ctx context.Context, accountID uint64, model, resolution, duration string, jobID *string) (*models.Reservation, error) {
	account, errAccount := f.Account(ctx, accountID)
	if errAccount != nil {
		return nil, errAccount
	}
	if allowed, reason := pricing.CanAccessModel(account.Tier, model, resolution); !allowed {
		return nil, fmt.Errorf("%w: %s", ErrModelNotAllowed, reason)
	}
	cost, errCost := f.costs.Cost(model, resolution, duration)
	if errCost != nil {
		return nil, errCost
	}
	meta := ledger.SpentMetadata{
		Model:      pricing.CanonicalModel(model),
		Resolution: resolution,
		Duration:   duration,
	}
	if jobID != nil {
		meta.JobID = *jobID
	}
	return f.reservations.Reserve(ctx, accountID, cost, jobID, meta)
}

// Consume settles a reservation after the job finished. A nil actualAmount
// settles at the held amount.
func (f *Facade) Consume(ctx context.Context, reservationID string, actualAmount *int64) (reservation.ConsumeResult, error) {
	return f.reservations.Consume(ctx, reservationID, actualAmount)
}

// Release cancels a reservation and refunds the hold in full.
func (f *Facade) Release(ctx context.Context, reservationID, reason string) error {
	return f.reservations.Release(ctx, reservationID, reason)
}

// GrantCredits adds credits to an account. Only the additive kinds are
// accepted; spending goes through Reserve.
func (f *Facade) GrantCredits(ctx context.Context, accountID uint64, kind models.EntryKind, amount int64, meta ledger.Metadata) (*models.LedgerEntry, error) {
	if kind != models.EntryEarned && kind != models.EntryBonus {
		return nil, fmt.Errorf("%w: %q", ErrInvalidGrantKind, kind)
	}
	if amount <= 0 {
		return nil, fmt.Errorf("accounting: grant amount must be positive, got %d", amount)
	}
	entry, errAppend := f.ledger.Append(ctx, accountID, kind, amount, nil, meta)
	if errAppend != nil {
		return nil, errAppend
	}
	log.WithField("account_id", accountID).
		WithField("kind", kind).
		Infof("granted %d credits (balance %d)", amount, entry.BalanceAfter)
	return entry, nil
}

// Balance returns the derived credit balance.
func (f *Facade) Balance(ctx context.Context, accountID uint64) (int64, error) {
	return f.ledger.Balance(ctx, accountID)
}

// History returns ledger entries, newest first.
func (f *Facade) History(ctx context.Context, accountID uint64, limit, offset int) ([]models.LedgerEntry, error) {
	return f.ledger.History(ctx, accountID, limit, offset)
}

// StorageUsage returns the cached usage view for display.
func (f *Facade) StorageUsage(ctx context.Context, accountID uint64) (storagequota.UsageReport, error) {
	return f.storage.CachedUsage(ctx, accountID)
}

// EnforceStorage runs the full cleanup pass for an account.
func (f *Facade) EnforceStorage(ctx context.Context, accountID uint64) (storagequota.CleanupReport, error) {
	return f.storage.PerformCleanup(ctx, accountID)
}

// RegisterAsset records a pending asset for a running job.
func (f *Facade) RegisterAsset(ctx context.Context, asset *models.Asset) error {
	if asset == nil || asset.ID == "" {
		return errors.New("accounting: asset id required")
	}
	if asset.Status == "" {
		asset.Status = models.AssetPending
	}
	return f.db.WithContext(ctx).Create(asset).Error
}

// RecordAssetCompleted marks an asset completed with its final size and
// triggers the opportunistic cleanup pass for the account. Cleanup failures
// are logged, not returned; the completion itself already happened.
func (f *Facade) RecordAssetCompleted(ctx context.Context, assetID string, sizeBytes int64) (storagequota.CleanupReport, error) {
	if sizeBytes < 0 {
		return storagequota.CleanupReport{}, fmt.Errorf("accounting: negative asset size %d", sizeBytes)
	}

	var asset models.Asset
	if errFirst := f.db.WithContext(ctx).Where("id = ?", assetID).First(&asset).Error; errFirst != nil {
		if errors.Is(errFirst, gorm.ErrRecordNotFound) {
			return storagequota.CleanupReport{}, fmt.Errorf("accounting: asset %s not found", assetID)
		}
		return storagequota.CleanupReport{}, errFirst
	}

	now := time.Now().UTC()
	res := f.db.WithContext(ctx).
		Model(&models.Asset{}).
		Where("id = ? AND status = ?", assetID, models.AssetPending).
		Updates(map[string]any{
			"status":       models.AssetCompleted,
			"size_bytes":   sizeBytes,
			"completed_at": now,
		})
	if res.Error != nil {
		return storagequota.CleanupReport{}, res.Error
	}
	if res.RowsAffected == 0 {
		return storagequota.CleanupReport{}, fmt.Errorf("accounting: asset %s is not pending", assetID)
	}

	report, errCleanup := f.storage.PerformCleanup(ctx, asset.AccountID)
	if errCleanup != nil {
		log.WithError(errCleanup).
			WithField("account_id", asset.AccountID).
			Error("post-completion storage cleanup failed")
	}
	return report, nil
}

// RecordAssetFailed marks a pending asset failed so the sweep reclaims it.
func (f *Facade) RecordAssetFailed(ctx context.Context, assetID string) error {
	res := f.db.WithContext(ctx).
		Model(&models.Asset{}).
		Where("id = ? AND status = ?", assetID, models.AssetPending).
		Update("status", models.AssetFailed)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("accounting: asset %s is not pending", assetID)
	}
	return nil
}
