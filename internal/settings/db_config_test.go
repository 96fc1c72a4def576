package settings

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/vidfab/vidfab-accounting/internal/models"
)

func resetSnapshot(t *testing.T) {
	t.Helper()
	t.Cleanup(func() {
		StoreDBConfig(time.Time{}, nil)
	})
}

func TestIntValueParsesHistoricalShapes(t *testing.T) {
	resetSnapshot(t)
	StoreDBConfig(time.Now().UTC(), map[string]json.RawMessage{
		"BARE":    json.RawMessage(`45`),
		"STRING":  json.RawMessage(`"45"`),
		"WRAPPED": json.RawMessage(`{"value": 45}`),
		"FLOAT":   json.RawMessage(`45.0`),
		"BAD":     json.RawMessage(`"not a number"`),
	})

	for _, key := range []string{"BARE", "STRING", "WRAPPED", "FLOAT"} {
		if got := IntValue(key, 7); got != 45 {
			t.Fatalf("IntValue(%s) = %d, want 45", key, got)
		}
	}
	if got := IntValue("BAD", 7); got != 7 {
		t.Fatalf("IntValue(BAD) = %d, want fallback 7", got)
	}
	if got := IntValue("MISSING", 7); got != 7 {
		t.Fatalf("IntValue(MISSING) = %d, want fallback 7", got)
	}
	if got := Int64Value("BARE", 7); got != 45 {
		t.Fatalf("Int64Value(BARE) = %d, want 45", got)
	}
}

func TestRefreshDBConfigSnapshot(t *testing.T) {
	resetSnapshot(t)
	conn, errOpen := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open sqlite: %v", errOpen)
	}
	if errMigrate := conn.AutoMigrate(&models.Setting{}); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}

	updated := time.Now().UTC().Truncate(time.Second)
	row := models.Setting{
		Key:       ReservationTTLMinutesKey,
		Value:     json.RawMessage(`45`),
		UpdatedAt: updated,
	}
	if errCreate := conn.Create(&row).Error; errCreate != nil {
		t.Fatalf("create setting: %v", errCreate)
	}

	if errRefresh := RefreshDBConfigSnapshot(context.Background(), conn); errRefresh != nil {
		t.Fatalf("refresh: %v", errRefresh)
	}
	if got := IntValue(ReservationTTLMinutesKey, DefaultReservationTTLMinutes); got != 45 {
		t.Fatalf("ttl = %d, want 45", got)
	}
	if DBConfigUpdatedAt().IsZero() {
		t.Fatal("updated_at not recorded")
	}
}
