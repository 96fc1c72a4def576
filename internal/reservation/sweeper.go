package reservation

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vidfab/vidfab-accounting/internal/settings"
)

// Sweeper periodically expires stale active reservations.
type Sweeper struct {
	manager *Manager
}

// NewSweeper constructs a sweeper over a reservation manager.
func NewSweeper(manager *Manager) *Sweeper {
	if manager == nil {
		return nil
	}
	return &Sweeper{manager: manager}
}

// Start launches the sweep loop in a background goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	if s == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	go s.run(ctx)
	log.Infof("reservation sweeper started (interval=%s)", s.interval())
}

func (s *Sweeper) run(ctx context.Context) {
	for {
		if ctx != nil && ctx.Err() != nil {
			return
		}
		s.sweepOnce(ctx)
		if ctx != nil && ctx.Err() != nil {
			return
		}
		timer := time.NewTimer(s.interval())
		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			return
		case <-timer.C:
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	if s == nil || s.manager == nil {
		return
	}
	if _, errSweep := s.manager.ExpireStale(ctx); errSweep != nil {
		log.WithError(errSweep).Warn("reservation sweeper: expire stale failed")
	}
}

// interval reads the sweep cadence from DB settings with a compiled default.
func (s *Sweeper) interval() time.Duration {
	seconds := settings.IntValue(settings.ReservationSweepIntervalSecondsKey, settings.DefaultReservationSweepIntervalSeconds)
	if seconds <= 0 {
		seconds = settings.DefaultReservationSweepIntervalSeconds
	}
	return time.Duration(seconds) * time.Second
}
