package settings

// DB config keys and defaults for the accounting core.
const (
	// ReservationTTLMinutesKey controls how long a hold may stay active.
	ReservationTTLMinutesKey = "RESERVATION_TTL_MINUTES"
	// ReservationSweepIntervalSecondsKey controls the stale-hold sweep cadence.
	ReservationSweepIntervalSecondsKey = "RESERVATION_SWEEP_INTERVAL_SECONDS"
	// StorageCapBytesKey overrides the universal storage cap.
	StorageCapBytesKey = "STORAGE_CAP_BYTES"
	// StorageUsageCacheTTLSecondsKey controls the cached usage view TTL.
	StorageUsageCacheTTLSecondsKey = "STORAGE_USAGE_CACHE_TTL_SECONDS"

	// DefaultReservationTTLMinutes is the fallback hold lifetime.
	DefaultReservationTTLMinutes = 30
	// DefaultReservationSweepIntervalSeconds is the fallback sweep cadence.
	DefaultReservationSweepIntervalSeconds = 300
	// DefaultStorageCapBytes is the universal 1 GiB storage cap.
	DefaultStorageCapBytes = int64(1) << 30
	// DefaultStorageUsageCacheTTLSeconds is the fallback usage cache TTL.
	DefaultStorageUsageCacheTTLSeconds = 60
	// FreeTierRetentionHours is the free-plan asset retention window.
	FreeTierRetentionHours = 24
)
