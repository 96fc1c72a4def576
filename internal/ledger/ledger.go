package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	dbutil "github.com/vidfab/vidfab-accounting/internal/db"
	"github.com/vidfab/vidfab-accounting/internal/models"
)

var (
	// ErrAccountNotFound is returned when the account row does not exist.
	// Callers must not retry blindly; a missing account is a provisioning
	// problem upstream.
	ErrAccountNotFound = errors.New("ledger: account not found")
	// ErrInsufficientCredits is returned when a debit would drive the
	// balance below zero.
	ErrInsufficientCredits = errors.New("ledger: insufficient credits")
	// ErrAmountSign is returned when the amount sign does not match the
	// entry kind.
	ErrAmountSign = errors.New("ledger: amount sign does not match entry kind")
)

// Ledger appends balance-changing events and keeps the cached account
// balance in lockstep with the entry history.
type Ledger struct {
	db *gorm.DB
}

// New constructs a Ledger backed by GORM.
func New(db *gorm.DB) *Ledger { return &Ledger{db: db} }

// Append writes one ledger entry and updates the account balance in a single
// transaction.
func (l *Ledger) Append(ctx context.Context, accountID uint64, kind models.EntryKind, amount int64, jobID *string, meta Metadata) (*models.LedgerEntry, error) {
	if l == nil || l.db == nil {
		return nil, errors.New("ledger: nil db")
	}

	var entry *models.LedgerEntry
	errTx := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		appended, errAppend := AppendTx(ctx, tx, accountID, kind, amount, jobID, meta)
		if errAppend != nil {
			return errAppend
		}
		entry = appended
		return nil
	})
	if errTx != nil {
		return nil, errTx
	}
	return entry, nil
}

// AppendTx appends an entry inside the caller's transaction. The account row
// is locked before the balance is read, so concurrent appends on one account
// serialize; no caller may read the balance in one round trip and write it in
// another.
func AppendTx(ctx context.Context, tx *gorm.DB, accountID uint64, kind models.EntryKind, amount int64, jobID *string, meta Metadata) (*models.LedgerEntry, error) {
	if tx == nil {
		return nil, errors.New("ledger: nil tx")
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("ledger: unknown entry kind %q", kind)
	}
	if errSign := checkAmountSign(kind, amount); errSign != nil {
		return nil, errSign
	}
	payload, errMeta := marshalMetadata(kind, meta)
	if errMeta != nil {
		return nil, errMeta
	}

	account, errLoad := LockAccount(ctx, tx, accountID)
	if errLoad != nil {
		return nil, errLoad
	}

	balanceAfter := account.Balance + amount
	if balanceAfter < 0 {
		return nil, fmt.Errorf("%w: balance %d, change %d", ErrInsufficientCredits, account.Balance, amount)
	}

	entry := models.LedgerEntry{
		AccountID:     accountID,
		Kind:          kind,
		Amount:        amount,
		BalanceBefore: account.Balance,
		BalanceAfter:  balanceAfter,
		JobID:         jobID,
		Metadata:      payload,
		CreatedAt:     time.Now().UTC(),
	}
	if errCreate := tx.Create(&entry).Error; errCreate != nil {
		return nil, errCreate
	}

	if errUpdate := tx.Model(&models.Account{}).
		Where("id = ?", accountID).
		Updates(map[string]any{
			"balance":    balanceAfter,
			"updated_at": time.Now().UTC(),
		}).Error; errUpdate != nil {
		return nil, errUpdate
	}

	return &entry, nil
}

// Balance recomputes an account's balance from its entries. This is the audit
// path; the cached Account.Balance must always agree with it.
func (l *Ledger) Balance(ctx context.Context, accountID uint64) (int64, error) {
	if l == nil || l.db == nil {
		return 0, errors.New("ledger: nil db")
	}
	var sum int64
	if errSum := l.db.WithContext(ctx).
		Model(&models.LedgerEntry{}).
		Where("account_id = ?", accountID).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&sum).Error; errSum != nil {
		return 0, errSum
	}
	return sum, nil
}

// History returns an account's entries, newest first.
func (l *Ledger) History(ctx context.Context, accountID uint64, limit, offset int) ([]models.LedgerEntry, error) {
	if l == nil || l.db == nil {
		return nil, errors.New("ledger: nil db")
	}
	if limit <= 0 {
		limit = 50
	}
	var entries []models.LedgerEntry
	if errFind := l.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Offset(offset).
		Find(&entries).Error; errFind != nil {
		return nil, errFind
	}
	return entries, nil
}

// LockAccount loads the account row under a row lock within tx. Every
// mutating operation on an account goes through this first.
func LockAccount(ctx context.Context, tx *gorm.DB, accountID uint64) (*models.Account, error) {
	var account models.Account
	if errFirst := dbutil.WithRowLock(tx.WithContext(ctx)).
		Where("id = ?", accountID).
		First(&account).Error; errFirst != nil {
		if errors.Is(errFirst, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, errFirst
	}
	return &account, nil
}

// checkAmountSign enforces the single signed-amount convention: spent entries
// are negative, all credit-granting kinds are positive.
func checkAmountSign(kind models.EntryKind, amount int64) error {
	switch kind {
	case models.EntrySpent:
		if amount >= 0 {
			return fmt.Errorf("%w: %s must be negative, got %d", ErrAmountSign, kind, amount)
		}
	case models.EntryEarned, models.EntryRefunded, models.EntryBonus:
		if amount <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %d", ErrAmountSign, kind, amount)
		}
	}
	return nil
}
