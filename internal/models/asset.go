package models

import "time"

// AssetKind distinguishes stored media types. Videos and images share one
// storage cap, so the kind is informational only.
type AssetKind string

// AssetKind values.
const (
	// AssetVideo is a generated video.
	AssetVideo AssetKind = "video"
	// AssetImage is a generated image.
	AssetImage AssetKind = "image"
)

// AssetStatus tracks an asset through the generation pipeline.
type AssetStatus string

// AssetStatus values.
const (
	// AssetPending marks an asset whose job is still running.
	AssetPending AssetStatus = "pending"
	// AssetCompleted marks a stored asset; only these count toward usage.
	AssetCompleted AssetStatus = "completed"
	// AssetFailed marks an asset whose job failed.
	AssetFailed AssetStatus = "failed"
	// AssetDeleted is the soft-delete marker; rows are kept for audit.
	AssetDeleted AssetStatus = "deleted"
)

// Asset is the storage-accounting view of a generated video or image. Only
// completed, non-deleted assets with a known size count toward the quota.
type Asset struct {
	ID string `gorm:"type:text;primaryKey"` // Asset UUID.

	AccountID uint64      `gorm:"not null;index"`                             // Owning account ID.
	Kind      AssetKind   `gorm:"type:text;not null"`                         // Media kind.
	SizeBytes int64       `gorm:"not null;default:0"`                         // Stored size in bytes.
	Status    AssetStatus `gorm:"type:text;not null;default:'pending';index"` // Pipeline state.

	CreatedAt   time.Time  `gorm:"not null;autoCreateTime"` // Creation timestamp.
	CompletedAt *time.Time `gorm:"index"`                   // Completion time; eviction order key.
	DeletedAt   *time.Time // Soft-delete time, if evicted.
}
