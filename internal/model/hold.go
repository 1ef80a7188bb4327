package model

import "time"

// Hold is a short-lived exclusive claim on a seat while a user is
// selecting.  Exactly one Hold may exist per seat; an expired Hold is
// equivalent to no Hold.
type Hold struct {
	Seat      SeatID    // seat being held
	Holder    string    // user id of the holding session
	ExpiresAt time.Time // UTC instant after which the hold is void
}

// Active reports whether the hold is still in force at now.
func (h Hold) Active(now time.Time) bool {
	return !h.ExpiresAt.Before(now)
}
