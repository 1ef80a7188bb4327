package model

import "time"

// SeatEvent is one committed change to a seat.  Version increases by
// one on every mutation of the seat, so consumers can discard events
// that arrive after a newer one for the same seat.
type SeatEvent struct {
	Showtime  string     `json:"showtime"`
	Seat      SeatID     `json:"seat"`
	Status    SeatStatus `json:"status"`
	Holder    string     `json:"holder,omitempty"`
	BookingID string     `json:"booking_id,omitempty"`
	Version   uint64     `json:"version"`
	Origin    string     `json:"origin,omitempty"` // presence session that caused the change, if any
	At        time.Time  `json:"at"`
}
