package queue

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/showtime-seating/internal/model"
)

func TestHandleAppendsLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "booking.log")
	c := NewConsumer("amqp://unused", path)

	ev := NewBookingConfirmed(model.Booking{
		ID: "bk-1", UserID: "x",
		Showtime: model.ShowtimeKey{EventID: "tour-2026"},
		Seats:    []model.SeatID{"A1", "A2"}, Quantity: 2, TotalPriceCents: 5000,
		PaymentRef: "pay-9", UpdatedAt: time.Date(2026, 10, 20, 18, 0, 0, 0, time.UTC),
	})
	body, err := json.Marshal(ev)
	require.NoError(t, err)
	require.NoError(t, c.Handle(body))
	require.NoError(t, c.Handle(body))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "booking_id=bk-1")
	assert.Contains(t, lines[0], "seats=[A1,A2]")
	assert.Contains(t, lines[0], `showtime="tour-2026"`)
	assert.True(t, strings.HasPrefix(lines[0], "[2026-10-20T18:00:00Z]"))
}

func TestHandleRejectsMalformed(t *testing.T) {
	c := NewConsumer("amqp://unused", filepath.Join(t.TempDir(), "booking.log"))
	assert.Error(t, c.Handle([]byte("{")))
	assert.Error(t, c.Handle([]byte(`{"user_id":"x"}`)))
}

func TestQuantityOnlyLine(t *testing.T) {
	ev := NewBookingConfirmed(model.Booking{ID: "bk-2", UserID: "y", Quantity: 3})
	assert.Contains(t, ev.Line(), "seats=-")
	assert.Contains(t, ev.Line(), "quantity=3")
}
