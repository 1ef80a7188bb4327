package booking

import (
	"context"
	"time"

	"github.com/iliyamo/showtime-seating/internal/logging"
)

// DefaultReapInterval is how often a Reaper looks for unpaid bookings.
const DefaultReapInterval = 30 * time.Second

// Reaper periodically rolls back PENDING bookings whose payment window
// elapsed, covering clients that never came back and processes that died
// between claim and payment.
type Reaper struct {
	f        *Finalizer
	interval time.Duration
}

// NewReaper returns a reaper for f.
func NewReaper(f *Finalizer, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	return &Reaper{f: f, interval: interval}
}

// Run reaps until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	log := logging.FromContext(ctx).WithField("component", "booking-reaper")
	log.WithField("interval", r.interval.String()).Info("booking reaper started")
	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("booking reaper stopped")
			return nil
		case <-t.C:
			n, err := r.f.ReapExpired(ctx)
			if err != nil {
				log.WithError(err).Warn("reap failed")
			}
			if n > 0 {
				log.WithField("rolled_back", n).Info("unpaid bookings rolled back")
			}
		}
	}
}
