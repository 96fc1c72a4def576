// Package storagequota accounts stored generated media against a universal
// per-account cap and applies the tier retention policy. It owns no transfer
// mechanism; bytes are counted from asset rows, and eviction is a soft delete
// plus an optional blob-deleter callback.
package storagequota

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/vidfab/vidfab-accounting/internal/models"
	"github.com/vidfab/vidfab-accounting/internal/settings"
)

// ErrAccountNotFound is returned when the account row does not exist.
var ErrAccountNotFound = errors.New("storagequota: account not found")

// BlobDeleter removes an asset's stored bytes. It is injected by the asset
// pipeline; a nil deleter means accounting-only eviction.
type BlobDeleter interface {
	Delete(ctx context.Context, asset models.Asset) error
}

// UsageReport is the derived storage view for one account. It is recomputed
// from asset rows on demand and never authoritative on its own.
type UsageReport struct {
	UsedBytes  int64   `json:"used_bytes"`
	CapBytes   int64   `json:"cap_bytes"`
	Percentage float64 `json:"percentage"`
	IsOverCap  bool    `json:"is_over_cap"`
	Videos     int     `json:"videos"`
	Images     int     `json:"images"`
}

// CleanupReport aggregates the outcome of an eviction pass. Per-asset delete
// failures are counted, not fatal.
type CleanupReport struct {
	DeletedCount  int   `json:"deleted_count"`
	FreedBytes    int64 `json:"freed_bytes"`
	FailedDeletes int   `json:"failed_deletes"`
}

// merge folds another report into this one.
func (r *CleanupReport) merge(other CleanupReport) {
	r.DeletedCount += other.DeletedCount
	r.FreedBytes += other.FreedBytes
	r.FailedDeletes += other.FailedDeletes
}

// Manager enforces the storage cap and retention policy.
type Manager struct {
	db      *gorm.DB
	cache   *usageCache
	deleter BlobDeleter
}

// NewManager constructs a storage quota manager. The usage cache TTL honors
// the DB settings override at construction time.
func NewManager(db *gorm.DB, deleter BlobDeleter) (*Manager, error) {
	if db == nil {
		return nil, errors.New("storagequota: nil db")
	}
	ttlSeconds := settings.IntValue(settings.StorageUsageCacheTTLSecondsKey, settings.DefaultStorageUsageCacheTTLSeconds)
	if ttlSeconds <= 0 {
		ttlSeconds = settings.DefaultStorageUsageCacheTTLSeconds
	}
	cache, errCache := newUsageCache(time.Duration(ttlSeconds) * time.Second)
	if errCache != nil {
		return nil, errCache
	}
	return &Manager{db: db, cache: cache, deleter: deleter}, nil
}

// CapBytes returns the universal storage cap, honoring the settings override.
func (m *Manager) CapBytes() int64 {
	limit := settings.Int64Value(settings.StorageCapBytesKey, settings.DefaultStorageCapBytes)
	if limit <= 0 {
		limit = settings.DefaultStorageCapBytes
	}
	return limit
}

// Usage recomputes the authoritative storage view for an account: the sum of
// sizes over completed, non-deleted assets, videos and images together.
func (m *Manager) Usage(ctx context.Context, accountID uint64) (UsageReport, error) {
	if m == nil || m.db == nil {
		return UsageReport{}, errors.New("storagequota: nil db")
	}

	type kindSum struct {
		Kind  models.AssetKind
		Total int64
		N     int
	}
	var sums []kindSum
	if errSum := m.db.WithContext(ctx).
		Model(&models.Asset{}).
		Select("kind, COALESCE(SUM(size_bytes), 0) AS total, COUNT(*) AS n").
		Where("account_id = ? AND status = ?", accountID, models.AssetCompleted).
		Group("kind").
		Scan(&sums).Error; errSum != nil {
		return UsageReport{}, errSum
	}

	report := UsageReport{CapBytes: m.CapBytes()}
	for _, row := range sums {
		report.UsedBytes += row.Total
		switch row.Kind {
		case models.AssetVideo:
			report.Videos = row.N
		case models.AssetImage:
			report.Images = row.N
		}
	}
	report.Percentage = math.Round(float64(report.UsedBytes)/float64(report.CapBytes)*1000) / 10
	report.IsOverCap = report.UsedBytes > report.CapBytes
	return report, nil
}

// CachedUsage returns the usage view through the TTL cache. Display paths
// only; enforcement always recomputes.
func (m *Manager) CachedUsage(ctx context.Context, accountID uint64) (UsageReport, error) {
	if m == nil {
		return UsageReport{}, errors.New("storagequota: nil manager")
	}
	return m.cache.getOrCompute(cacheKey(accountID), func() (UsageReport, error) {
		return m.Usage(ctx, accountID)
	})
}

// ExpireFreeTierAssets soft-deletes a free account's completed assets older
// than the 24h retention window. Paid tiers are never auto-expired by this
// rule; the hard cap still applies to them through EnforceCap.
func (m *Manager) ExpireFreeTierAssets(ctx context.Context, accountID uint64) (CleanupReport, error) {
	var report CleanupReport
	if m == nil || m.db == nil {
		return report, errors.New("storagequota: nil db")
	}

	account, errAccount := m.loadAccount(ctx, accountID)
	if errAccount != nil {
		return report, errAccount
	}
	if account.Tier.Paid() {
		return report, nil
	}

	cutoff := time.Now().UTC().Add(-time.Duration(settings.FreeTierRetentionHours) * time.Hour)
	var expired []models.Asset
	if errFind := m.db.WithContext(ctx).
		Where("account_id = ? AND status = ? AND completed_at IS NOT NULL AND completed_at < ?",
			accountID, models.AssetCompleted, cutoff).
		Order("completed_at ASC").
		Find(&expired).Error; errFind != nil {
		return report, errFind
	}

	report = m.evict(ctx, expired, "retention expired")
	if report.DeletedCount > 0 {
		m.cache.invalidate(cacheKey(accountID))
		log.WithField("account_id", accountID).
			Infof("expired %d free-tier assets, freed %d bytes", report.DeletedCount, report.FreedBytes)
	}
	return report, nil
}

// EnforceCap evicts completed assets oldest-first until usage fits under the
// cap. Calling it when already under cap is a no-op; repeated calls converge
// and stop evicting. Eviction order is completion time, so the oldest stored
// asset always goes first.
func (m *Manager) EnforceCap(ctx context.Context, accountID uint64) (CleanupReport, error) {
	var report CleanupReport
	if m == nil || m.db == nil {
		return report, errors.New("storagequota: nil db")
	}

	usage, errUsage := m.Usage(ctx, accountID)
	if errUsage != nil {
		return report, errUsage
	}
	if usage.UsedBytes <= usage.CapBytes {
		return report, nil
	}

	var candidates []models.Asset
	if errFind := m.db.WithContext(ctx).
		Where("account_id = ? AND status = ?", accountID, models.AssetCompleted).
		Order("completed_at ASC, id ASC").
		Find(&candidates).Error; errFind != nil {
		return report, errFind
	}

	remaining := usage.UsedBytes
	var toEvict []models.Asset
	for _, asset := range candidates {
		if remaining <= usage.CapBytes {
			break
		}
		toEvict = append(toEvict, asset)
		remaining -= asset.SizeBytes
	}

	report = m.evict(ctx, toEvict, "over storage cap")
	if report.DeletedCount > 0 {
		m.cache.invalidate(cacheKey(accountID))
		log.WithField("account_id", accountID).
			Infof("evicted %d assets to enforce cap, freed %d bytes", report.DeletedCount, report.FreedBytes)
	}
	return report, nil
}

// CleanupFailedAssets soft-deletes failed assets. They never count toward
// usage but linger in listings until swept.
func (m *Manager) CleanupFailedAssets(ctx context.Context, accountID uint64) (CleanupReport, error) {
	var report CleanupReport
	if m == nil || m.db == nil {
		return report, errors.New("storagequota: nil db")
	}

	var failed []models.Asset
	if errFind := m.db.WithContext(ctx).
		Where("account_id = ? AND status = ?", accountID, models.AssetFailed).
		Find(&failed).Error; errFind != nil {
		return report, errFind
	}

	report = m.evict(ctx, failed, "failed asset")
	return report, nil
}

// PerformCleanup composes the full opportunistic pass: failed assets, the
// free-tier retention rule, then cap enforcement. Intended to run on asset
// completion and listing requests; there is no persistent scheduler. Storage
// errors are aggregated into the report and never abort the caller.
func (m *Manager) PerformCleanup(ctx context.Context, accountID uint64) (CleanupReport, error) {
	var report CleanupReport
	if m == nil || m.db == nil {
		return report, errors.New("storagequota: nil db")
	}

	failed, errFailed := m.CleanupFailedAssets(ctx, accountID)
	if errFailed != nil {
		return report, errFailed
	}
	report.merge(failed)

	expired, errExpired := m.ExpireFreeTierAssets(ctx, accountID)
	if errExpired != nil {
		return report, errExpired
	}
	report.merge(expired)

	capped, errCap := m.EnforceCap(ctx, accountID)
	if errCap != nil {
		return report, errCap
	}
	report.merge(capped)

	return report, nil
}

// evict soft-deletes the given assets one by one. A blob-delete failure skips
// that asset (its row stays live so a later pass retries) and the batch
// continues.
func (m *Manager) evict(ctx context.Context, assets []models.Asset, reason string) CleanupReport {
	var report CleanupReport
	now := time.Now().UTC()

	for _, asset := range assets {
		if m.deleter != nil {
			if errDelete := m.deleter.Delete(ctx, asset); errDelete != nil {
				report.FailedDeletes++
				log.WithError(errDelete).
					WithField("asset_id", asset.ID).
					WithField("account_id", asset.AccountID).
					Warnf("storage delete failed (%s), skipping", reason)
				continue
			}
		}

		res := m.db.WithContext(ctx).
			Model(&models.Asset{}).
			Where("id = ? AND status = ?", asset.ID, asset.Status).
			Updates(map[string]any{
				"status":     models.AssetDeleted,
				"deleted_at": now,
			})
		if res.Error != nil {
			report.FailedDeletes++
			log.WithError(res.Error).WithField("asset_id", asset.ID).Warn("soft delete failed, skipping")
			continue
		}
		if res.RowsAffected == 0 {
			continue
		}

		report.DeletedCount++
		if asset.Status == models.AssetCompleted {
			report.FreedBytes += asset.SizeBytes
		}
	}
	return report
}

// loadAccount fetches the account row for tier checks.
func (m *Manager) loadAccount(ctx context.Context, accountID uint64) (*models.Account, error) {
	var account models.Account
	if errFirst := m.db.WithContext(ctx).First(&account, accountID).Error; errFirst != nil {
		if errors.Is(errFirst, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: id %d", ErrAccountNotFound, accountID)
		}
		return nil, errFirst
	}
	return &account, nil
}

func cacheKey(accountID uint64) string {
	return "usage:" + strconv.FormatUint(accountID, 10)
}
