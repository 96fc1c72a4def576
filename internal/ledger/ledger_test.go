package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"gorm.io/gorm"

	dbutil "github.com/vidfab/vidfab-accounting/internal/db"
	"github.com/vidfab/vidfab-accounting/internal/models"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	conn, errOpen := dbutil.Open(dsn)
	if errOpen != nil {
		t.Fatalf("open: %v", errOpen)
	}
	if errMigrate := dbutil.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	return conn
}

func newTestAccount(t *testing.T, conn *gorm.DB, tier models.Tier) *models.Account {
	t.Helper()
	account := &models.Account{UserID: "user-" + t.Name(), Tier: tier}
	if errCreate := conn.Create(account).Error; errCreate != nil {
		t.Fatalf("create account: %v", errCreate)
	}
	return account
}

func TestAppendEarnedUpdatesBalance(t *testing.T) {
	conn := newTestDB(t)
	account := newTestAccount(t, conn, models.TierLite)
	l := New(conn)
	ctx := context.Background()

	entry, errAppend := l.Append(ctx, account.ID, models.EntryEarned, 300, nil,
		EarnedMetadata{SubscriptionEvent: "subscription_created", PlanID: "lite"})
	if errAppend != nil {
		t.Fatalf("append: %v", errAppend)
	}
	if entry.BalanceBefore != 0 || entry.BalanceAfter != 300 {
		t.Fatalf("balance before/after = %d/%d, want 0/300", entry.BalanceBefore, entry.BalanceAfter)
	}

	var reloaded models.Account
	if errFirst := conn.First(&reloaded, account.ID).Error; errFirst != nil {
		t.Fatalf("reload account: %v", errFirst)
	}
	if reloaded.Balance != 300 {
		t.Fatalf("cached balance = %d, want 300", reloaded.Balance)
	}

	sum, errSum := l.Balance(ctx, account.ID)
	if errSum != nil {
		t.Fatalf("balance: %v", errSum)
	}
	if sum != reloaded.Balance {
		t.Fatalf("derived balance %d disagrees with cached %d", sum, reloaded.Balance)
	}
}

func TestAppendSpentRejectsOverdraft(t *testing.T) {
	conn := newTestDB(t)
	account := newTestAccount(t, conn, models.TierFree)
	l := New(conn)
	ctx := context.Background()

	if _, errGrant := l.Append(ctx, account.ID, models.EntryEarned, 50, nil,
		EarnedMetadata{SubscriptionEvent: "signup"}); errGrant != nil {
		t.Fatalf("grant: %v", errGrant)
	}

	_, errSpend := l.Append(ctx, account.ID, models.EntrySpent, -70, nil,
		SpentMetadata{ReservationID: "res-1"})
	if !errors.Is(errSpend, ErrInsufficientCredits) {
		t.Fatalf("spend: got %v, want ErrInsufficientCredits", errSpend)
	}

	// The failed debit must leave no trace.
	sum, errSum := l.Balance(ctx, account.ID)
	if errSum != nil {
		t.Fatalf("balance: %v", errSum)
	}
	if sum != 50 {
		t.Fatalf("balance = %d, want 50", sum)
	}
	var count int64
	if errCount := conn.Model(&models.LedgerEntry{}).
		Where("account_id = ?", account.ID).
		Count(&count).Error; errCount != nil {
		t.Fatalf("count: %v", errCount)
	}
	if count != 1 {
		t.Fatalf("entry count = %d, want 1", count)
	}
}

func TestAppendEnforcesAmountSign(t *testing.T) {
	conn := newTestDB(t)
	account := newTestAccount(t, conn, models.TierPro)
	l := New(conn)
	ctx := context.Background()

	if _, err := l.Append(ctx, account.ID, models.EntryEarned, -10, nil, nil); !errors.Is(err, ErrAmountSign) {
		t.Fatalf("negative earned: got %v, want ErrAmountSign", err)
	}
	if _, err := l.Append(ctx, account.ID, models.EntrySpent, 10, nil, nil); !errors.Is(err, ErrAmountSign) {
		t.Fatalf("positive spent: got %v, want ErrAmountSign", err)
	}
	if _, err := l.Append(ctx, account.ID, models.EntryRefunded, 0, nil, nil); !errors.Is(err, ErrAmountSign) {
		t.Fatalf("zero refund: got %v, want ErrAmountSign", err)
	}
}

func TestAppendUnknownAccount(t *testing.T) {
	conn := newTestDB(t)
	l := New(conn)

	_, errAppend := l.Append(context.Background(), 9999, models.EntryBonus, 10, nil,
		BonusMetadata{Reason: "test"})
	if !errors.Is(errAppend, ErrAccountNotFound) {
		t.Fatalf("got %v, want ErrAccountNotFound", errAppend)
	}
}

func TestAppendRejectsMismatchedMetadata(t *testing.T) {
	conn := newTestDB(t)
	account := newTestAccount(t, conn, models.TierLite)
	l := New(conn)

	_, errAppend := l.Append(context.Background(), account.ID, models.EntryEarned, 10, nil,
		SpentMetadata{ReservationID: "res-1"})
	if errAppend == nil {
		t.Fatal("expected metadata kind mismatch error")
	}
}

func TestMetadataStoredPerKind(t *testing.T) {
	conn := newTestDB(t)
	account := newTestAccount(t, conn, models.TierPro)
	l := New(conn)
	ctx := context.Background()

	if _, errGrant := l.Append(ctx, account.ID, models.EntryBonus, 25, nil,
		BonusMetadata{GrantedBy: "admin", Reason: "goodwill"}); errGrant != nil {
		t.Fatalf("bonus: %v", errGrant)
	}

	var entry models.LedgerEntry
	if errFirst := conn.Where("account_id = ? AND kind = ?", account.ID, models.EntryBonus).
		First(&entry).Error; errFirst != nil {
		t.Fatalf("load entry: %v", errFirst)
	}

	var meta BonusMetadata
	if errUnmarshal := json.Unmarshal(entry.Metadata, &meta); errUnmarshal != nil {
		t.Fatalf("unmarshal metadata: %v", errUnmarshal)
	}
	if meta.GrantedBy != "admin" || meta.Reason != "goodwill" {
		t.Fatalf("metadata = %+v", meta)
	}
}

func TestHistoryNewestFirst(t *testing.T) {
	conn := newTestDB(t)
	account := newTestAccount(t, conn, models.TierLite)
	l := New(conn)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, errGrant := l.Append(ctx, account.ID, models.EntryBonus, int64(10+i), nil,
			BonusMetadata{Reason: "batch"}); errGrant != nil {
			t.Fatalf("grant %d: %v", i, errGrant)
		}
	}

	entries, errHistory := l.History(ctx, account.ID, 2, 0)
	if errHistory != nil {
		t.Fatalf("history: %v", errHistory)
	}
	if len(entries) != 2 {
		t.Fatalf("len = %d, want 2", len(entries))
	}
	if entries[0].Amount != 12 || entries[1].Amount != 11 {
		t.Fatalf("order = %d, %d; want 12, 11", entries[0].Amount, entries[1].Amount)
	}
}
