package reservation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gorm.io/gorm"

	dbutil "github.com/vidfab/vidfab-accounting/internal/db"
	"github.com/vidfab/vidfab-accounting/internal/ledger"
	"github.com/vidfab/vidfab-accounting/internal/models"
)

func newTestManager(t *testing.T) (*gorm.DB, *Manager) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	conn, errOpen := dbutil.Open(dsn)
	if errOpen != nil {
		t.Fatalf("open: %v", errOpen)
	}
	if errMigrate := dbutil.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	return conn, NewManager(conn)
}

func newFundedAccount(t *testing.T, conn *gorm.DB, tier models.Tier, credits int64) *models.Account {
	t.Helper()
	account := &models.Account{UserID: "user-" + t.Name(), Tier: tier}
	if errCreate := conn.Create(account).Error; errCreate != nil {
		t.Fatalf("create account: %v", errCreate)
	}
	if credits > 0 {
		if _, errGrant := ledger.New(conn).Append(context.Background(), account.ID,
			models.EntryEarned, credits, nil,
			ledger.EarnedMetadata{SubscriptionEvent: "test_grant"}); errGrant != nil {
			t.Fatalf("fund account: %v", errGrant)
		}
	}
	return account
}

func accountState(t *testing.T, conn *gorm.DB, id uint64) models.Account {
	t.Helper()
	var account models.Account
	if errFirst := conn.First(&account, id).Error; errFirst != nil {
		t.Fatalf("reload account: %v", errFirst)
	}
	return account
}

func TestReserveDebitsAndTakesSlot(t *testing.T) {
	conn, m := newTestManager(t)
	account := newFundedAccount(t, conn, models.TierLite, 300)
	ctx := context.Background()

	jobID := "job-1"
	row, errReserve := m.Reserve(ctx, account.ID, 40, &jobID, ledger.SpentMetadata{
		Model: "seedance-v1-pro-t2v", Resolution: "720p", Duration: "10s",
	})
	if errReserve != nil {
		t.Fatalf("reserve: %v", errReserve)
	}
	if row.Status != models.ReservationActive {
		t.Fatalf("status = %s, want active", row.Status)
	}
	if !row.ExpiresAt.After(row.CreatedAt) {
		t.Fatalf("expires_at %v not after created_at %v", row.ExpiresAt, row.CreatedAt)
	}

	state := accountState(t, conn, account.ID)
	if state.Balance != 260 {
		t.Fatalf("balance = %d, want 260", state.Balance)
	}
	if state.RunningJobs != 1 {
		t.Fatalf("running jobs = %d, want 1", state.RunningJobs)
	}
}

func TestReserveInsufficientBalanceLeavesNoTrace(t *testing.T) {
	conn, m := newTestManager(t)
	account := newFundedAccount(t, conn, models.TierLite, 30)
	ctx := context.Background()

	_, errReserve := m.Reserve(ctx, account.ID, 40, nil, ledger.SpentMetadata{})
	if !errors.Is(errReserve, ledger.ErrInsufficientCredits) {
		t.Fatalf("got %v, want ErrInsufficientCredits", errReserve)
	}

	state := accountState(t, conn, account.ID)
	if state.Balance != 30 || state.RunningJobs != 0 {
		t.Fatalf("balance/jobs = %d/%d, want 30/0", state.Balance, state.RunningJobs)
	}
	var count int64
	if errCount := conn.Model(&models.Reservation{}).Count(&count).Error; errCount != nil {
		t.Fatalf("count: %v", errCount)
	}
	if count != 0 {
		t.Fatalf("reservation rows = %d, want 0", count)
	}
}

func TestReserveConcurrencyCeiling(t *testing.T) {
	conn, m := newTestManager(t)
	account := newFundedAccount(t, conn, models.TierFree, 50)
	ctx := context.Background()

	if _, errFirst := m.Reserve(ctx, account.ID, 10, nil, ledger.SpentMetadata{}); errFirst != nil {
		t.Fatalf("first reserve: %v", errFirst)
	}

	_, errSecond := m.Reserve(ctx, account.ID, 10, nil, ledger.SpentMetadata{})
	if errSecond == nil {
		t.Fatal("second reserve on free tier should hit the concurrency ceiling")
	}

	// The rejected reserve must not have debited anything.
	state := accountState(t, conn, account.ID)
	if state.Balance != 40 || state.RunningJobs != 1 {
		t.Fatalf("balance/jobs = %d/%d, want 40/1", state.Balance, state.RunningJobs)
	}
}

func TestConsumeAtHeldAmount(t *testing.T) {
	conn, m := newTestManager(t)
	account := newFundedAccount(t, conn, models.TierPro, 100)
	ctx := context.Background()

	row, errReserve := m.Reserve(ctx, account.ID, 40, nil, ledger.SpentMetadata{})
	if errReserve != nil {
		t.Fatalf("reserve: %v", errReserve)
	}

	result, errConsume := m.Consume(ctx, row.ID, nil)
	if errConsume != nil {
		t.Fatalf("consume: %v", errConsume)
	}
	if result.CreditsConsumed != 40 || result.BalanceRemaining != 60 {
		t.Fatalf("consumed/remaining = %d/%d, want 40/60", result.CreditsConsumed, result.BalanceRemaining)
	}

	state := accountState(t, conn, account.ID)
	if state.RunningJobs != 0 {
		t.Fatalf("running jobs = %d, want 0", state.RunningJobs)
	}
}

func TestConsumeRefundsDifference(t *testing.T) {
	conn, m := newTestManager(t)
	account := newFundedAccount(t, conn, models.TierPro, 100)
	ctx := context.Background()

	row, errReserve := m.Reserve(ctx, account.ID, 40, nil, ledger.SpentMetadata{})
	if errReserve != nil {
		t.Fatalf("reserve: %v", errReserve)
	}

	actual := int64(25)
	result, errConsume := m.Consume(ctx, row.ID, &actual)
	if errConsume != nil {
		t.Fatalf("consume: %v", errConsume)
	}
	if result.CreditsConsumed != 25 || result.BalanceRemaining != 75 {
		t.Fatalf("consumed/remaining = %d/%d, want 25/75", result.CreditsConsumed, result.BalanceRemaining)
	}

	var refund models.LedgerEntry
	if errFirst := conn.Where("account_id = ? AND kind = ?", account.ID, models.EntryRefunded).
		First(&refund).Error; errFirst != nil {
		t.Fatalf("load refund entry: %v", errFirst)
	}
	if refund.Amount != 15 {
		t.Fatalf("refund amount = %d, want 15", refund.Amount)
	}
}

func TestConsumeAboveHoldDebitsExtra(t *testing.T) {
	conn, m := newTestManager(t)
	account := newFundedAccount(t, conn, models.TierPro, 100)
	ctx := context.Background()

	row, errReserve := m.Reserve(ctx, account.ID, 40, nil, ledger.SpentMetadata{})
	if errReserve != nil {
		t.Fatalf("reserve: %v", errReserve)
	}

	actual := int64(55)
	result, errConsume := m.Consume(ctx, row.ID, &actual)
	if errConsume != nil {
		t.Fatalf("consume: %v", errConsume)
	}
	if result.CreditsConsumed != 55 || result.BalanceRemaining != 45 {
		t.Fatalf("consumed/remaining = %d/%d, want 55/45", result.CreditsConsumed, result.BalanceRemaining)
	}
}

func TestConsumeIsNotIdempotent(t *testing.T) {
	conn, m := newTestManager(t)
	account := newFundedAccount(t, conn, models.TierPro, 100)
	ctx := context.Background()

	row, errReserve := m.Reserve(ctx, account.ID, 40, nil, ledger.SpentMetadata{})
	if errReserve != nil {
		t.Fatalf("reserve: %v", errReserve)
	}
	if _, errConsume := m.Consume(ctx, row.ID, nil); errConsume != nil {
		t.Fatalf("first consume: %v", errConsume)
	}

	_, errSecond := m.Consume(ctx, row.ID, nil)
	if !errors.Is(errSecond, ErrReservationNotActive) {
		t.Fatalf("second consume: got %v, want ErrReservationNotActive", errSecond)
	}

	// Double settlement must not alter the balance.
	state := accountState(t, conn, account.ID)
	if state.Balance != 60 {
		t.Fatalf("balance = %d, want 60", state.Balance)
	}
}

func TestReleaseRefundsInFull(t *testing.T) {
	conn, m := newTestManager(t)
	account := newFundedAccount(t, conn, models.TierLite, 100)
	ctx := context.Background()

	row, errReserve := m.Reserve(ctx, account.ID, 40, nil, ledger.SpentMetadata{})
	if errReserve != nil {
		t.Fatalf("reserve: %v", errReserve)
	}
	if errRelease := m.Release(ctx, row.ID, "job failed"); errRelease != nil {
		t.Fatalf("release: %v", errRelease)
	}

	state := accountState(t, conn, account.ID)
	if state.Balance != 100 || state.RunningJobs != 0 {
		t.Fatalf("balance/jobs = %d/%d, want 100/0", state.Balance, state.RunningJobs)
	}

	var reloaded models.Reservation
	if errFirst := conn.First(&reloaded, "id = ?", row.ID).Error; errFirst != nil {
		t.Fatalf("reload reservation: %v", errFirst)
	}
	if reloaded.Status != models.ReservationReleased || reloaded.Reason != "job failed" {
		t.Fatalf("status/reason = %s/%s", reloaded.Status, reloaded.Reason)
	}
	if reloaded.ClosedAt == nil {
		t.Fatal("closed_at not set")
	}

	// Release after release is rejected, not refunded twice.
	if errAgain := m.Release(ctx, row.ID, "again"); !errors.Is(errAgain, ErrReservationNotActive) {
		t.Fatalf("second release: got %v, want ErrReservationNotActive", errAgain)
	}
}

func TestConsumeAfterReleaseRejected(t *testing.T) {
	conn, m := newTestManager(t)
	account := newFundedAccount(t, conn, models.TierLite, 100)
	ctx := context.Background()

	row, errReserve := m.Reserve(ctx, account.ID, 30, nil, ledger.SpentMetadata{})
	if errReserve != nil {
		t.Fatalf("reserve: %v", errReserve)
	}
	if errRelease := m.Release(ctx, row.ID, "cancelled"); errRelease != nil {
		t.Fatalf("release: %v", errRelease)
	}

	if _, errConsume := m.Consume(ctx, row.ID, nil); !errors.Is(errConsume, ErrReservationNotActive) {
		t.Fatalf("consume after release: got %v, want ErrReservationNotActive", errConsume)
	}
}

func TestConsumeUnknownReservation(t *testing.T) {
	_, m := newTestManager(t)
	if _, errConsume := m.Consume(context.Background(), "no-such-id", nil); !errors.Is(errConsume, ErrReservationNotFound) {
		t.Fatalf("got %v, want ErrReservationNotFound", errConsume)
	}
}

func TestExpireStaleRefundsPastDeadline(t *testing.T) {
	conn, m := newTestManager(t)
	account := newFundedAccount(t, conn, models.TierPro, 200)
	ctx := context.Background()

	stale, errStale := m.Reserve(ctx, account.ID, 40, nil, ledger.SpentMetadata{})
	if errStale != nil {
		t.Fatalf("reserve stale: %v", errStale)
	}
	fresh, errFresh := m.Reserve(ctx, account.ID, 30, nil, ledger.SpentMetadata{})
	if errFresh != nil {
		t.Fatalf("reserve fresh: %v", errFresh)
	}

	backdated := time.Now().UTC().Add(-time.Minute)
	if errUpdate := conn.Model(&models.Reservation{}).
		Where("id = ?", stale.ID).
		Update("expires_at", backdated).Error; errUpdate != nil {
		t.Fatalf("backdate: %v", errUpdate)
	}

	expired, errExpire := m.ExpireStale(ctx)
	if errExpire != nil {
		t.Fatalf("expire: %v", errExpire)
	}
	if expired != 1 {
		t.Fatalf("expired = %d, want 1", expired)
	}

	var reloaded models.Reservation
	if errFirst := conn.First(&reloaded, "id = ?", stale.ID).Error; errFirst != nil {
		t.Fatalf("reload: %v", errFirst)
	}
	if reloaded.Status != models.ReservationExpired {
		t.Fatalf("status = %s, want expired", reloaded.Status)
	}

	// Only the stale hold is refunded; the fresh one stays open.
	state := accountState(t, conn, account.ID)
	if state.Balance != 170 || state.RunningJobs != 1 {
		t.Fatalf("balance/jobs = %d/%d, want 170/1", state.Balance, state.RunningJobs)
	}
	active, errActive := m.ActiveReservations(ctx, account.ID)
	if errActive != nil {
		t.Fatalf("active: %v", errActive)
	}
	if len(active) != 1 || active[0].ID != fresh.ID {
		t.Fatalf("active = %+v, want only %s", active, fresh.ID)
	}
}

func TestConcurrentReservesNeverOverdraw(t *testing.T) {
	conn, m := newTestManager(t)
	account := newFundedAccount(t, conn, models.TierLite, 100)
	ctx := context.Background()

	// 8 racing holds of 30 against 100 credits: only 3 can fit.
	const workers = 8
	var wg sync.WaitGroup
	var succeeded atomic.Int64
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, errReserve := m.Reserve(ctx, account.ID, 30, nil, ledger.SpentMetadata{}); errReserve == nil {
				succeeded.Add(1)
			}
		}()
	}
	wg.Wait()

	if succeeded.Load() != 3 {
		t.Fatalf("succeeded = %d, want exactly 3", succeeded.Load())
	}

	state := accountState(t, conn, account.ID)
	if state.Balance != 10 {
		t.Fatalf("balance = %d, want 10", state.Balance)
	}
	if state.Balance < 0 {
		t.Fatalf("balance went negative: %d", state.Balance)
	}
	if state.RunningJobs != 3 {
		t.Fatalf("running jobs = %d, want 3", state.RunningJobs)
	}

	// The cached balance must agree with the entry sum after the race.
	sum, errSum := ledger.New(conn).Balance(ctx, account.ID)
	if errSum != nil {
		t.Fatalf("balance: %v", errSum)
	}
	if sum != state.Balance {
		t.Fatalf("ledger sum %d disagrees with cached balance %d", sum, state.Balance)
	}
}

func TestConcurrentReservesRespectCeiling(t *testing.T) {
	conn, m := newTestManager(t)
	account := newFundedAccount(t, conn, models.TierFree, 1000)
	ctx := context.Background()

	// Plenty of credits; the free tier's single slot is the binding limit.
	const workers = 4
	var wg sync.WaitGroup
	var succeeded atomic.Int64
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, errReserve := m.Reserve(ctx, account.ID, 10, nil, ledger.SpentMetadata{}); errReserve == nil {
				succeeded.Add(1)
			}
		}()
	}
	wg.Wait()

	if succeeded.Load() != 1 {
		t.Fatalf("succeeded = %d, want exactly 1", succeeded.Load())
	}
	state := accountState(t, conn, account.ID)
	if state.RunningJobs != 1 || state.Balance != 990 {
		t.Fatalf("jobs/balance = %d/%d, want 1/990", state.RunningJobs, state.Balance)
	}
}

func TestReserveRejectsNonPositiveAmount(t *testing.T) {
	conn, m := newTestManager(t)
	account := newFundedAccount(t, conn, models.TierLite, 100)

	for _, amount := range []int64{0, -5} {
		if _, errReserve := m.Reserve(context.Background(), account.ID, amount, nil, ledger.SpentMetadata{}); !errors.Is(errReserve, ErrInvalidAmount) {
			t.Fatalf("amount %d: got %v, want ErrInvalidAmount", amount, errReserve)
		}
	}
}
