package hold

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iliyamo/showtime-seating/internal/clock"
	"github.com/iliyamo/showtime-seating/internal/logging"
	"github.com/iliyamo/showtime-seating/internal/model"
)

// DefaultSweepInterval is how often a Sweeper runs when none is given.
const DefaultSweepInterval = 5 * time.Second

// Publisher receives the events produced by registry mutations.
type Publisher interface {
	Publish(ctx context.Context, events ...model.SeatEvent) error
}

// Sweeper evicts lapsed holds and claims on a fixed interval and
// publishes the resulting free events.  Lapsed seats are also treated as
// free lazily on access, so a stopped sweeper delays notifications but
// never allows a double hold.
type Sweeper struct {
	reg      Registry
	pub      Publisher
	clock    clock.Clock
	interval time.Duration
}

// NewSweeper builds a Sweeper.  A non-positive interval selects
// DefaultSweepInterval.
func NewSweeper(reg Registry, pub Publisher, clk clock.Clock, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Sweeper{reg: reg, pub: pub, clock: clk, interval: interval}
}

// Run sweeps until ctx is cancelled.  It always returns nil so it can be
// placed in an errgroup next to the HTTP server.
func (s *Sweeper) Run(ctx context.Context) error {
	log := logging.FromContext(ctx).WithField("component", "hold-sweeper")
	log.WithField("interval", s.interval.String()).Info("hold sweeper started")
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("hold sweeper stopped")
			return nil
		case <-t.C:
			if n, err := s.SweepOnce(ctx); err != nil {
				log.WithError(err).Warn("hold sweep failed")
			} else if n > 0 {
				log.WithField("expired", n).Debug("hold sweep")
			}
		}
	}
}

// SweepOnce runs one expiry pass and returns the number of seats freed.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	events, err := s.reg.ExpireStale(ctx, s.clock.Now())
	if len(events) > 0 && s.pub != nil {
		if perr := s.pub.Publish(ctx, events...); perr != nil {
			logging.FromContext(ctx).WithError(perr).WithFields(logrus.Fields{
				"events": len(events),
			}).Error("publish expiry events")
		}
	}
	return len(events), err
}
