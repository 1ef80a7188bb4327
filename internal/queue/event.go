// Package queue defines the booking.confirmed message and the consumer
// that turns it into the confirmation log artifact.
package queue

import (
	"fmt"
	"strings"
	"time"

	"github.com/iliyamo/showtime-seating/internal/model"
)

// BookingQueue is the durable queue confirmed bookings are published to.
const BookingQueue = "booking.confirmed"

// BookingConfirmedEvent carries enough of a booking for downstream
// consumers to log or notify without querying the store.
type BookingConfirmedEvent struct {
	BookingID       string   `json:"booking_id"`
	UserID          string   `json:"user_id"`
	Showtime        string   `json:"showtime"`
	Seats           []string `json:"seats"`
	Quantity        int      `json:"quantity"`
	TotalPriceCents int64    `json:"total_price_cents"`
	PaymentRef      string   `json:"payment_ref"`
	ConfirmedAt     string   `json:"confirmed_at"`
}

// NewBookingConfirmed builds the event of a confirmed booking.
func NewBookingConfirmed(b model.Booking) BookingConfirmedEvent {
	seats := make([]string, len(b.Seats))
	for i, s := range b.Seats {
		seats[i] = string(s)
	}
	return BookingConfirmedEvent{
		BookingID:       b.ID,
		UserID:          b.UserID,
		Showtime:        b.Showtime.String(),
		Seats:           seats,
		Quantity:        b.Quantity,
		TotalPriceCents: b.TotalPriceCents,
		PaymentRef:      b.PaymentRef,
		ConfirmedAt:     b.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

// Line renders the event as one line of the booking log.
func (ev BookingConfirmedEvent) Line() string {
	seats := "-"
	if len(ev.Seats) > 0 {
		seats = "[" + strings.Join(ev.Seats, ",") + "]"
	}
	return fmt.Sprintf("[%s] Booking confirmed | booking_id=%s | user_id=%s | showtime=%q | quantity=%d | total=%d cents | seats=%s | payment_ref=%s\n",
		ev.ConfirmedAt, ev.BookingID, ev.UserID, ev.Showtime, ev.Quantity, ev.TotalPriceCents, seats, ev.PaymentRef)
}
