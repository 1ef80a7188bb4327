package model

import (
	"fmt"
	"strconv"
	"strings"
)

// SeatStatus is the public status of a seat within a showtime.
type SeatStatus string

const (
	SeatFree   SeatStatus = "free"
	SeatHeld   SeatStatus = "held"
	SeatBooked SeatStatus = "booked"
)

// SeatID identifies a seat by row label and number, e.g. "B5" or "AA12".
type SeatID string

// NewSeatID builds the canonical id for a row label and seat number.
func NewSeatID(row string, number int) SeatID {
	return SeatID(fmt.Sprintf("%s%d", strings.ToUpper(row), number))
}

// ParseSeatID normalizes raw into a canonical SeatID.  Case and
// whitespace are ignored and leading zeros are dropped, so " b 05 "
// parses to "B5".  Signs and other characters are rejected.
func ParseSeatID(raw string) (SeatID, error) {
	s := strings.ToUpper(strings.Join(strings.Fields(raw), ""))
	row, digits, err := splitSeat(s)
	if err != nil {
		return "", err
	}
	n, err := strconv.Atoi(digits)
	if err != nil || n < 1 {
		return "", fmt.Errorf("%w: %q", ErrInvalidSeat, raw)
	}
	return NewSeatID(row, n), nil
}

// Parts splits the id into its row label and seat number.  Only the
// canonical form is accepted: "B05" is not a valid SeatID.
func (id SeatID) Parts() (string, int, error) {
	s := string(id)
	row, digits, err := splitSeat(s)
	if err != nil {
		return "", 0, err
	}
	n, err := strconv.Atoi(digits)
	if err != nil || n < 1 || strconv.Itoa(n) != digits {
		return "", 0, fmt.Errorf("%w: %q", ErrInvalidSeat, s)
	}
	return row, n, nil
}

func splitSeat(s string) (row, digits string, err error) {
	i := 0
	for i < len(s) && s[i] >= 'A' && s[i] <= 'Z' {
		i++
	}
	if i == 0 || i == len(s) {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidSeat, s)
	}
	for j := i; j < len(s); j++ {
		if s[j] < '0' || s[j] > '9' {
			return "", "", fmt.Errorf("%w: %q", ErrInvalidSeat, s)
		}
	}
	return s[:i], s[i:], nil
}

// IndexToRowLabel converts a zero-based index to a row label like A, B, AA.
func IndexToRowLabel(i int) string {
	if i < 0 {
		return ""
	}
	res := []rune{}
	for {
		rem := i % 26
		res = append(res, rune('A'+rem))
		i = i/26 - 1
		if i < 0 {
			break
		}
	}
	for j, k := 0, len(res)-1; j < k; j, k = j+1, k-1 {
		res[j], res[k] = res[k], res[j]
	}
	return string(res)
}

// RowLabelToIndex converts a row label like A or AA into its zero-based index.
func RowLabelToIndex(label string) (int, bool) {
	s := strings.ToUpper(strings.TrimSpace(label))
	if s == "" {
		return -1, false
	}
	n := 0
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if ch < 'A' || ch > 'Z' {
			return -1, false
		}
		n = n*26 + int(ch-'A'+1)
	}
	return n - 1, true
}
