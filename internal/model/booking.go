package model

import "time"

// BookingStatus tracks the lifecycle of a booking.
type BookingStatus string

const (
	BookingPending   BookingStatus = "PENDING"
	BookingConfirmed BookingStatus = "CONFIRMED"
	BookingCancelled BookingStatus = "CANCELLED"
)

// Booking records a user's purchase for a showtime.  Seat-level
// bookings bind Seats permanently once CONFIRMED; quantity-only
// bookings leave Seats empty and only count Quantity against the
// showtime's capacity.
//
// Fields:
//  ID              – UUID of the booking.
//  UserID          – owning user.
//  Showtime        – showtime the booking is for.
//  Seats           – seats bound to the booking (seat-level only).
//  Quantity        – number of tickets.
//  TotalPriceCents – total price for all tickets.
//  Status          – PENDING, CONFIRMED or CANCELLED.
//  PaymentRef      – payment reference once confirmed.
//  PaymentDeadline – instant after which a PENDING booking is rolled back.
//  CreatedAt       – creation timestamp.
//  UpdatedAt       – last status change.
type Booking struct {
	ID              string        `json:"id"`
	UserID          string        `json:"user_id"`
	Showtime        ShowtimeKey   `json:"-"`
	Seats           []SeatID      `json:"seats"`
	Quantity        int           `json:"quantity"`
	TotalPriceCents int64         `json:"total_price_cents"`
	Status          BookingStatus `json:"status"`
	PaymentRef      string        `json:"payment_ref,omitempty"`
	PaymentDeadline time.Time     `json:"payment_deadline"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// SeatLevel reports whether the booking binds individual seats.
func (b Booking) SeatLevel() bool { return len(b.Seats) > 0 }
