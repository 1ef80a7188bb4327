// Package repository is the durable seat map store.  It records the
// showtime catalogue entries the booking core needs, the bookings
// themselves and which seats each live booking binds.  Seat rows are
// never deleted; cancelling a booking flips their active flag so the
// seat is free again while the history stays.
package repository

import (
	"context"
	"time"

	"github.com/iliyamo/showtime-seating/internal/model"
)

// SeatMapStore is implemented by MySQLStore and MemoryStore.
type SeatMapStore interface {
	// UpsertShowtime creates or replaces a catalogue entry.
	UpsertShowtime(ctx context.Context, s model.Showtime) error
	// GetShowtime returns model.ErrShowtimeNotFound for unknown keys.
	GetShowtime(ctx context.Context, key model.ShowtimeKey) (model.Showtime, error)
	// BookedSeats returns every seat bound to a PENDING or CONFIRMED
	// booking of the showtime, mapped to the booking id.
	BookedSeats(ctx context.Context, key model.ShowtimeKey) (map[model.SeatID]string, error)
	// SoldQuantity returns the tickets counted against capacity.
	SoldQuantity(ctx context.Context, key model.ShowtimeKey) (int, error)

	// CreatePending inserts b with status PENDING together with its seat
	// rows as one conditional write.  A seat already bound to another
	// live booking yields model.ErrSeatNoLongerAvailable; a quantity-only
	// booking over capacity yields model.ErrCapacityExceeded.
	CreatePending(ctx context.Context, b model.Booking) error
	// Confirm moves a PENDING booking to CONFIRMED.  The bool is false
	// when the booking was not PENDING; the current row is returned.
	Confirm(ctx context.Context, id, paymentRef string, now time.Time) (model.Booking, bool, error)
	// Cancel moves a PENDING or CONFIRMED booking to CANCELLED and
	// releases its seats in the same transaction.
	Cancel(ctx context.Context, id string, now time.Time) (model.Booking, bool, error)
	// CancelPending is Cancel restricted to PENDING bookings; it is the
	// rollback path for unconfirmed payments.
	CancelPending(ctx context.Context, id string, now time.Time) (model.Booking, bool, error)

	GetBooking(ctx context.Context, id string) (model.Booking, error)
	ListByUser(ctx context.Context, userID string) ([]model.Booking, error)
	// ExpiredPending lists PENDING bookings whose payment deadline is
	// before now, oldest first.
	ExpiredPending(ctx context.Context, now time.Time, limit int) ([]model.Booking, error)
}
