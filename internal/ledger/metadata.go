package ledger

import (
	"encoding/json"
	"fmt"

	"gorm.io/datatypes"

	"github.com/vidfab/vidfab-accounting/internal/models"
)

// Metadata is the closed set of per-kind ledger payloads. Each variant knows
// which entry kind it belongs to, so Append can reject a mismatched pair.
type Metadata interface {
	EntryKind() models.EntryKind
}

// EarnedMetadata describes credits granted by a subscription event.
type EarnedMetadata struct {
	SubscriptionEvent string `json:"subscription_event"`
	OrderID           string `json:"order_id,omitempty"`
	PlanID            string `json:"plan_id,omitempty"`
}

// EntryKind implements Metadata.
func (EarnedMetadata) EntryKind() models.EntryKind { return models.EntryEarned }

// SpentMetadata describes a debit placed for a generation job.
type SpentMetadata struct {
	ReservationID string `json:"reservation_id"`
	JobID         string `json:"job_id,omitempty"`
	Model         string `json:"model,omitempty"`
	Resolution    string `json:"resolution,omitempty"`
	Duration      string `json:"duration,omitempty"`
}

// EntryKind implements Metadata.
func (SpentMetadata) EntryKind() models.EntryKind { return models.EntrySpent }

// RefundedMetadata describes credits returned from a hold.
type RefundedMetadata struct {
	ReservationID string `json:"reservation_id"`
	Reason        string `json:"reason,omitempty"`
}

// EntryKind implements Metadata.
func (RefundedMetadata) EntryKind() models.EntryKind { return models.EntryRefunded }

// BonusMetadata describes a manual credit grant.
type BonusMetadata struct {
	GrantedBy string `json:"granted_by,omitempty"`
	Reason    string `json:"reason"`
}

// EntryKind implements Metadata.
func (BonusMetadata) EntryKind() models.EntryKind { return models.EntryBonus }

// marshalMetadata validates the kind/variant pairing and serializes the
// payload for storage. A nil payload is allowed and stored as null.
func marshalMetadata(kind models.EntryKind, meta Metadata) (datatypes.JSON, error) {
	if meta == nil {
		return nil, nil
	}
	if meta.EntryKind() != kind {
		return nil, fmt.Errorf("ledger: metadata for %s used with %s entry", meta.EntryKind(), kind)
	}
	payload, errMarshal := json.Marshal(meta)
	if errMarshal != nil {
		return nil, fmt.Errorf("ledger: marshal metadata: %w", errMarshal)
	}
	return datatypes.JSON(payload), nil
}
