package model

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShowtimeKeyString(t *testing.T) {
	tests := []struct {
		name string
		key  ShowtimeKey
		want string
	}{
		{"single instance", ShowtimeKey{EventID: "concert-42"}, "concert-42"},
		{"movie", ShowtimeKey{EventID: "dune", Date: "2026-10-20", Location: "Hall 1", Time: "19:30"}, "dune:2026-10-20:Hall+1:19%3A30"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.key.String())
			back, err := ParseShowtimeKey(tt.key.String())
			require.NoError(t, err)
			assert.Equal(t, tt.key, back)
		})
	}
}

func TestParseShowtimeKeyRejectsPartialTuple(t *testing.T) {
	_, err := ParseShowtimeKey("dune:2026-10-20")
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = ParseShowtimeKey("dune:::19%3A30")
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = ParseShowtimeKey("")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestSeatID(t *testing.T) {
	id, err := ParseSeatID(" b5 ")
	require.NoError(t, err)
	assert.Equal(t, SeatID("B5"), id)

	row, n, err := SeatID("AA12").Parts()
	require.NoError(t, err)
	assert.Equal(t, "AA", row)
	assert.Equal(t, 12, n)

	for raw, want := range map[string]SeatID{"B05": "B5", "b 5": "B5", "aa007": "AA7", " B\t12 ": "B12"} {
		id, err := ParseSeatID(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, id, raw)
	}

	for _, bad := range []string{"", "5", "B", "B0", "B00", "B-1", "B+5", "5B", "B5A", "B 5x"} {
		_, err := ParseSeatID(bad)
		assert.ErrorIs(t, err, ErrInvalidSeat, bad)
	}

	// Non-canonical spellings never address a seat directly.
	for _, alias := range []SeatID{"B05", "B+5", "b5"} {
		_, _, err := alias.Parts()
		assert.ErrorIs(t, err, ErrInvalidSeat, string(alias))
		assert.False(t, Showtime{SeatLevel: true, SeatRows: 3, SeatCols: 10}.HasSeat(alias), string(alias))
	}
	assert.Equal(t, SeatID("C3"), NewSeatID("c", 3))
}

func TestRowLabels(t *testing.T) {
	for i, want := range map[int]string{0: "A", 25: "Z", 26: "AA", 27: "AB", 51: "AZ", 52: "BA", 701: "ZZ", 702: "AAA"} {
		assert.Equal(t, want, IndexToRowLabel(i))
		idx, ok := RowLabelToIndex(want)
		assert.True(t, ok)
		assert.Equal(t, i, idx)
	}
	_, ok := RowLabelToIndex("A1")
	assert.False(t, ok)
}

func TestShowtimeHasSeat(t *testing.T) {
	st := Showtime{SeatLevel: true, SeatRows: 3, SeatCols: 10}
	assert.True(t, st.HasSeat("A1"))
	assert.True(t, st.HasSeat("C10"))
	assert.False(t, st.HasSeat("D1"))
	assert.False(t, st.HasSeat("A11"))
	assert.False(t, Showtime{Capacity: 10}.HasSeat("A1"))
}

func TestCode(t *testing.T) {
	assert.Equal(t, "seat_no_longer_available", Code(fmt.Errorf("seat C3: %w", ErrSeatNoLongerAvailable)))
	assert.Equal(t, "invalid_seat", Code(fmt.Errorf("%w: %q", ErrInvalidSeat, "x")))
	assert.Equal(t, "internal_error", Code(fmt.Errorf("boom")))
	assert.Empty(t, Code(nil))
}

func TestFromCodeRoundTrip(t *testing.T) {
	for code, sentinel := range byCode {
		assert.Equal(t, code, Code(sentinel))
		assert.ErrorIs(t, FromCode(code), sentinel)
	}
	assert.Nil(t, FromCode("internal_error"))
}
