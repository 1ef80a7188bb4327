// Package model holds the domain types shared by the hold registry,
// the presence hub, the booking finalizer and the seat map store, and
// the sentinel errors they return.  Callers compare with errors.Is;
// layers wrap with fmt.Errorf("...: %w", err).
package model

import "errors"

var (
	// ErrSeatUnavailable is returned by a hold attempt on a seat that is
	// already held by someone else or booked.
	ErrSeatUnavailable = errors.New("seat unavailable")

	// ErrHoldExpired is returned when a booking references a hold that
	// has lapsed or was never taken.
	ErrHoldExpired = errors.New("hold expired")

	// ErrSeatNoLongerAvailable is returned to the loser of a
	// finalization race.
	ErrSeatNoLongerAvailable = errors.New("seat no longer available")

	// ErrCapacityExceeded is returned by quantity-only bookings that
	// ask for more than the remaining inventory.
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrPaymentUnconfirmed is returned when payment did not complete
	// within the payment window; the seat claim has been rolled back.
	ErrPaymentUnconfirmed = errors.New("payment unconfirmed")

	// ErrPersistence wraps failures of the durable store.
	ErrPersistence = errors.New("persistence failure")

	ErrBookingNotFound  = errors.New("booking not found")
	ErrShowtimeNotFound = errors.New("showtime not found")
	ErrShowtimeStarted  = errors.New("showtime already started")
	ErrForbidden        = errors.New("forbidden")
	ErrUnauthenticated  = errors.New("unauthenticated")
	ErrInvalidRequest   = errors.New("invalid request")
	ErrInvalidSeat      = errors.New("invalid seat")
)

// Code returns the stable wire code for err, used in HTTP responses and
// presence messages.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrSeatUnavailable):
		return "seat_unavailable"
	case errors.Is(err, ErrHoldExpired):
		return "hold_expired"
	case errors.Is(err, ErrSeatNoLongerAvailable):
		return "seat_no_longer_available"
	case errors.Is(err, ErrCapacityExceeded):
		return "capacity_exceeded"
	case errors.Is(err, ErrPaymentUnconfirmed):
		return "payment_unconfirmed"
	case errors.Is(err, ErrPersistence):
		return "persistence_failure"
	case errors.Is(err, ErrBookingNotFound):
		return "booking_not_found"
	case errors.Is(err, ErrShowtimeNotFound):
		return "showtime_not_found"
	case errors.Is(err, ErrShowtimeStarted):
		return "showtime_started"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, ErrInvalidSeat):
		return "invalid_seat"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	default:
		return "internal_error"
	}
}

var byCode = map[string]error{
	"seat_unavailable":         ErrSeatUnavailable,
	"hold_expired":             ErrHoldExpired,
	"seat_no_longer_available": ErrSeatNoLongerAvailable,
	"capacity_exceeded":        ErrCapacityExceeded,
	"payment_unconfirmed":      ErrPaymentUnconfirmed,
	"persistence_failure":      ErrPersistence,
	"booking_not_found":        ErrBookingNotFound,
	"showtime_not_found":       ErrShowtimeNotFound,
	"showtime_started":         ErrShowtimeStarted,
	"forbidden":                ErrForbidden,
	"unauthenticated":          ErrUnauthenticated,
	"invalid_seat":             ErrInvalidSeat,
	"invalid_request":          ErrInvalidRequest,
}

// FromCode maps a wire code back to its sentinel, or nil for unknown
// codes.  Clients use it to compare server rejections with errors.Is.
func FromCode(code string) error {
	return byCode[code]
}
