package model

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ShowtimeKey identifies one bookable instance of an event.  Movies
// use the full tuple (event, date, location, start time); concerts and
// other single-instance events set only EventID.  The key is a value
// type and never changes once built; its String form addresses the
// presence room and partitions all seat state.
type ShowtimeKey struct {
	EventID  string // events.id of the catalogue entry
	Date     string // calendar date, e.g. 2026-10-20 (empty for single-instance events)
	Location string // venue or hall name (empty for single-instance events)
	Time     string // local start time, e.g. 19:30 (empty for single-instance events)
}

// SingleInstance reports whether the key addresses an event that has
// only one showing.
func (k ShowtimeKey) SingleInstance() bool {
	return k.Date == "" && k.Location == "" && k.Time == ""
}

// String returns the stable room address for the key.  Single-instance
// keys serialize to the escaped event id; multi-instance keys join the
// four escaped components with ':'.
func (k ShowtimeKey) String() string {
	if k.SingleInstance() {
		return url.QueryEscape(k.EventID)
	}
	return strings.Join([]string{
		url.QueryEscape(k.EventID),
		url.QueryEscape(k.Date),
		url.QueryEscape(k.Location),
		url.QueryEscape(k.Time),
	}, ":")
}

// Validate checks that the key is usable as a room address.
func (k ShowtimeKey) Validate() error {
	if strings.TrimSpace(k.EventID) == "" {
		return fmt.Errorf("%w: event id is required", ErrInvalidRequest)
	}
	if k.SingleInstance() {
		return nil
	}
	if k.Date == "" || k.Location == "" || k.Time == "" {
		return fmt.Errorf("%w: date, location and time must be set together", ErrInvalidRequest)
	}
	return nil
}

// ParseShowtimeKey is the inverse of ShowtimeKey.String.
func ParseShowtimeKey(raw string) (ShowtimeKey, error) {
	parts := strings.Split(raw, ":")
	if len(parts) != 1 && len(parts) != 4 {
		return ShowtimeKey{}, fmt.Errorf("%w: malformed showtime key %q", ErrInvalidRequest, raw)
	}
	decoded := make([]string, len(parts))
	for i, p := range parts {
		v, err := url.QueryUnescape(p)
		if err != nil {
			return ShowtimeKey{}, fmt.Errorf("%w: malformed showtime key %q", ErrInvalidRequest, raw)
		}
		decoded[i] = v
	}
	var k ShowtimeKey
	if len(decoded) == 1 {
		k = ShowtimeKey{EventID: decoded[0]}
	} else {
		k = ShowtimeKey{EventID: decoded[0], Date: decoded[1], Location: decoded[2], Time: decoded[3]}
	}
	if err := k.Validate(); err != nil {
		return ShowtimeKey{}, err
	}
	return k, nil
}

// Showtime is the catalogue record the booking core needs for one
// ShowtimeKey.  Seat-level showtimes (movies) expose a SeatRows x
// SeatCols grid and Capacity equals the grid size; quantity-only
// showtimes (trains, standing concerts) only track Capacity.
//
// Fields:
//  Key        – the showtime identity.
//  StartsAt   – start instant in UTC; cancellations are refused after it.
//  Capacity   – total sellable seats.
//  SeatRows   – number of seat rows (seat-level only).
//  SeatCols   – seats per row (seat-level only).
//  SeatLevel  – whether individual seats are selected.
//  PriceCents – price of a single seat or ticket.
type Showtime struct {
	Key        ShowtimeKey
	StartsAt   time.Time
	Capacity   int
	SeatRows   int
	SeatCols   int
	SeatLevel  bool
	PriceCents int64
}

// HasSeat reports whether the seat lies inside the showtime's grid.
func (s Showtime) HasSeat(id SeatID) bool {
	if !s.SeatLevel {
		return false
	}
	row, num, err := id.Parts()
	if err != nil {
		return false
	}
	idx, ok := RowLabelToIndex(row)
	if !ok {
		return false
	}
	return idx < s.SeatRows && num >= 1 && num <= s.SeatCols
}
