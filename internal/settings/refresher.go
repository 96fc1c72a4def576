package settings

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const defaultRefreshInterval = 3 * time.Minute

// Refresher periodically reloads the settings snapshot so operator edits to
// the settings table take effect without a restart.
type Refresher struct {
	db       *gorm.DB
	interval time.Duration
}

// NewRefresher builds a snapshot refresher. A non-positive interval uses the
// default.
func NewRefresher(db *gorm.DB, interval time.Duration) *Refresher {
	if interval <= 0 {
		interval = defaultRefreshInterval
	}
	return &Refresher{db: db, interval: interval}
}

// Start launches the refresh loop. It stops when ctx is cancelled.
func (r *Refresher) Start(ctx context.Context) {
	if r == nil || r.db == nil {
		return
	}
	go r.run(ctx)
	log.Infof("settings refresher started (interval=%s)", r.interval)
}

func (r *Refresher) run(ctx context.Context) {
	timer := time.NewTimer(r.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if errRefresh := RefreshDBConfigSnapshot(ctx, r.db); errRefresh != nil {
			log.WithError(errRefresh).Warn("settings snapshot refresh failed")
		}

		timer.Reset(r.interval)
	}
}
