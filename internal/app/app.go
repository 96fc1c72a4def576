// Package app wires the accounting components from a config file into a
// running service: database, migrations, settings snapshot, facade and
// background loops.
package app

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/vidfab/vidfab-accounting/internal/accounting"
	"github.com/vidfab/vidfab-accounting/internal/config"
	"github.com/vidfab/vidfab-accounting/internal/db"
	"github.com/vidfab/vidfab-accounting/internal/logging"
	"github.com/vidfab/vidfab-accounting/internal/models"
	"github.com/vidfab/vidfab-accounting/internal/reservation"
	"github.com/vidfab/vidfab-accounting/internal/settings"
	"github.com/vidfab/vidfab-accounting/internal/storagequota"
)

// App is the assembled accounting service.
type App struct {
	conn      *gorm.DB
	facade    *accounting.Facade
	sweeper   *reservation.Sweeper
	refresher *settings.Refresher
}

// Migrate opens the database from config and runs migrations only.
func Migrate(ctx context.Context, cfg config.Config) error {
	conn, errOpen := db.Open(cfg.Database.DSN)
	if errOpen != nil {
		return errOpen
	}
	return db.Migrate(conn)
}

// Bootstrap builds the service: logging, database, migrations, settings
// overrides and the facade. Background loops start on Start.
func Bootstrap(ctx context.Context, cfg config.Config, deleter storagequota.BlobDeleter) (*App, error) {
	logging.Setup(cfg.Logging)

	conn, errOpen := db.Open(cfg.Database.DSN)
	if errOpen != nil {
		return nil, errOpen
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return nil, errMigrate
	}

	if errSeed := applyOverrides(ctx, conn, cfg.Accounting); errSeed != nil {
		return nil, errSeed
	}
	if errRefresh := settings.RefreshDBConfigSnapshot(ctx, conn); errRefresh != nil {
		return nil, errRefresh
	}

	facade, errFacade := accounting.New(conn, deleter)
	if errFacade != nil {
		return nil, errFacade
	}

	return &App{
		conn:      conn,
		facade:    facade,
		sweeper:   reservation.NewSweeper(facade.Reservations()),
		refresher: settings.NewRefresher(conn, 0),
	}, nil
}

// Start launches the reservation sweeper and the settings refresher. Both
// stop when ctx is cancelled.
func (a *App) Start(ctx context.Context) {
	a.sweeper.Start(ctx)
	a.refresher.Start(ctx)
}

// Facade returns the accounting entry point.
func (a *App) Facade() *accounting.Facade { return a.facade }

// DB returns the underlying database handle.
func (a *App) DB() *gorm.DB { return a.conn }

// applyOverrides writes non-zero config tunables into the settings table so
// they survive restarts and show up for operators alongside DB-edited keys.
func applyOverrides(ctx context.Context, conn *gorm.DB, cfg config.AccountingConfig) error {
	overrides := map[string]int64{}
	if cfg.ReservationTTLMinutes > 0 {
		overrides[settings.ReservationTTLMinutesKey] = int64(cfg.ReservationTTLMinutes)
	}
	if cfg.SweepIntervalSeconds > 0 {
		overrides[settings.ReservationSweepIntervalSecondsKey] = int64(cfg.SweepIntervalSeconds)
	}
	if cfg.StorageCapBytes > 0 {
		overrides[settings.StorageCapBytesKey] = cfg.StorageCapBytes
	}
	if cfg.StorageUsageCacheTTLSeconds > 0 {
		overrides[settings.StorageUsageCacheTTLSecondsKey] = int64(cfg.StorageUsageCacheTTLSeconds)
	}
	if len(overrides) == 0 {
		return nil
	}

	now := time.Now().UTC()
	for key, value := range overrides {
		row := models.Setting{
			Key:       key,
			Value:     json.RawMessage(strconv.FormatInt(value, 10)),
			UpdatedAt: now,
		}
		if errUpsert := conn.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "key"}},
				DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
			}).
			Create(&row).Error; errUpsert != nil {
			return errUpsert
		}
		log.WithField("key", key).Debugf("setting override applied: %d", value)
	}
	return nil
}
