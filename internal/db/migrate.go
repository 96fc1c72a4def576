package db

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/vidfab/vidfab-accounting/internal/models"
)

// Migrate creates or updates the accounting schema.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	return conn.AutoMigrate(
		&models.Account{},
		&models.LedgerEntry{},
		&models.Reservation{},
		&models.Asset{},
		&models.Setting{},
	)
}
