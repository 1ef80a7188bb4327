// Package hold is the single mutation authority for ephemeral seat
// state.  A Registry tracks, per showtime, which seats are held by a
// user, which are claimed by a booking waiting for payment and which
// are booked.  Every mutation returns the model.SeatEvent describing
// the committed change; callers publish those events to viewers.
//
// Holds are checked and set one seat at a time.  The only multi-seat
// operation is Claim, used by the booking finalizer, which locks
// exactly the seats of one request in sorted order.
package hold

import (
	"context"
	"sort"
	"time"

	"github.com/iliyamo/showtime-seating/internal/model"
)

// DefaultTTL is the hold lifetime used when no TTL option is given.
const DefaultTTL = 3 * time.Minute

// DefaultIdleAfter is how long a showtime's registry state survives
// without any operation touching it.  It must outlive the longest claim.
const DefaultIdleAfter = time.Hour

// Registry is implemented by Memory and Redis.
type Registry interface {
	// TryHold grants seat to holder or returns model.ErrSeatUnavailable.
	// A re-hold by the current holder refreshes the expiry.
	TryHold(ctx context.Context, key model.ShowtimeKey, seat model.SeatID, holder string) (model.SeatEvent, error)
	// Release frees seat if holder currently holds it.  The bool reports
	// whether anything changed.
	Release(ctx context.Context, key model.ShowtimeKey, seat model.SeatID, holder string) (model.SeatEvent, bool, error)
	// Refresh extends the holder's live holds among seats and returns the
	// seats that are still held after the call.
	Refresh(ctx context.Context, key model.ShowtimeKey, holder string, seats []model.SeatID) ([]model.SeatID, error)
	// ExpireStale evicts holds and claims whose expiry is before now.
	ExpireStale(ctx context.Context, now time.Time) ([]model.SeatEvent, error)
	// Snapshot returns the active holds and booked seats of a showtime.
	Snapshot(ctx context.Context, key model.ShowtimeKey) (Snapshot, error)

	// Claim moves every seat from held-by-holder to claimed-by-bookingID
	// or changes nothing.  It fails with model.ErrHoldExpired when a seat
	// is not held by anybody and model.ErrSeatNoLongerAvailable when it is
	// held, claimed or booked by someone else.
	Claim(ctx context.Context, key model.ShowtimeKey, seats []model.SeatID, holder, bookingID string, deadline time.Time) ([]model.SeatEvent, error)
	// Unclaim restores seats claimed by bookingID to the holds they were
	// before Claim.
	Unclaim(ctx context.Context, key model.ShowtimeKey, seats []model.SeatID, bookingID string) ([]model.SeatEvent, error)
	// Commit marks seats as booked by bookingID.
	Commit(ctx context.Context, key model.ShowtimeKey, seats []model.SeatID, bookingID string) ([]model.SeatEvent, error)
	// Free returns seats claimed or booked by bookingID to free.
	Free(ctx context.Context, key model.ShowtimeKey, seats []model.SeatID, bookingID string) ([]model.SeatEvent, error)
	// MarkBooked records seats already booked in the durable store.
	MarkBooked(ctx context.Context, key model.ShowtimeKey, booked map[model.SeatID]string) error
}

// Snapshot is the registry's view of one showtime at a point in time.
type Snapshot struct {
	Showtime string                  `json:"showtime"`
	Holds    map[model.SeatID]string `json:"holds"`    // seat -> holder, includes claimed seats
	Booked   map[model.SeatID]string `json:"booked"`   // seat -> booking id
	Versions map[model.SeatID]uint64 `json:"versions"` // last committed version per seat
}

func newSnapshot(key model.ShowtimeKey) Snapshot {
	return Snapshot{
		Showtime: key.String(),
		Holds:    map[model.SeatID]string{},
		Booked:   map[model.SeatID]string{},
		Versions: map[model.SeatID]uint64{},
	}
}

// Status reports the public status of seat in the snapshot.
func (s Snapshot) Status(seat model.SeatID) model.SeatStatus {
	if _, ok := s.Booked[seat]; ok {
		return model.SeatBooked
	}
	if _, ok := s.Holds[seat]; ok {
		return model.SeatHeld
	}
	return model.SeatFree
}

// BookedSource loads seats that are booked in the durable store.  It is
// consulted once per showtime the first time the registry touches it, so
// a restarted process does not hand out holds on sold seats.
type BookedSource interface {
	BookedSeats(ctx context.Context, key model.ShowtimeKey) (map[model.SeatID]string, error)
}

// Option configures a registry.
type Option func(*options)

type options struct {
	ttl    time.Duration
	idle   time.Duration
	booked BookedSource
}

// WithTTL sets the hold lifetime.
func WithTTL(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.ttl = d
		}
	}
}

// WithIdleAfter sets how long an untouched showtime is kept before its
// state is dropped.  Booked seats come back from the booked source.
func WithIdleAfter(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.idle = d
		}
	}
}

// WithBookedSource seeds each showtime from src on first use.
func WithBookedSource(src BookedSource) Option {
	return func(o *options) { o.booked = src }
}

func buildOptions(opts []Option) options {
	o := options{ttl: DefaultTTL, idle: DefaultIdleAfter}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

type seatState string

const (
	stateFree    seatState = "free"
	stateHeld    seatState = "held"
	stateClaimed seatState = "claimed"
	stateBooked  seatState = "booked"
)

func (s seatState) public() model.SeatStatus {
	switch s {
	case stateHeld, stateClaimed:
		return model.SeatHeld
	case stateBooked:
		return model.SeatBooked
	default:
		return model.SeatFree
	}
}

// sortedUnique returns seats sorted with duplicates removed.
func sortedUnique(seats []model.SeatID) []model.SeatID {
	out := make([]model.SeatID, 0, len(seats))
	seen := make(map[model.SeatID]struct{}, len(seats))
	for _, s := range seats {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
