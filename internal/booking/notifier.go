package booking

import (
	"context"

	"github.com/iliyamo/showtime-seating/internal/model"
)

// Notifier dispatches the confirmation artifact of a booking.  Failures
// are logged by the finalizer and never undo the booking.
type Notifier interface {
	BookingConfirmed(ctx context.Context, b model.Booking) error
}

type nopNotifier struct{}

func (nopNotifier) BookingConfirmed(context.Context, model.Booking) error { return nil }
