package repository

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/showtime-seating/internal/database"
	"github.com/iliyamo/showtime-seating/internal/model"
)

var now = time.Date(2026, 10, 20, 12, 0, 0, 0, time.UTC)

// stores runs fn against the memory store and, when MYSQL_TEST_DSN is
// set, against MySQL.
func stores(t *testing.T, fn func(t *testing.T, s SeatMapStore)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })
	t.Run("mysql", func(t *testing.T) {
		dsn := os.Getenv("MYSQL_TEST_DSN")
		if dsn == "" {
			t.Skip("MYSQL_TEST_DSN not set")
		}
		db, err := database.OpenDSN(dsn)
		require.NoError(t, err)
		t.Cleanup(func() { _ = db.Close() })
		require.NoError(t, database.EnsureSchema(context.Background(), db))
		fn(t, NewMySQLStore(db))
	})
}

// uniqueKey keeps MySQL runs independent of each other.
func uniqueKey(seatLevel bool) model.ShowtimeKey {
	if !seatLevel {
		return model.ShowtimeKey{EventID: "concert-" + uuid.NewString()[:8]}
	}
	return model.ShowtimeKey{EventID: "movie-" + uuid.NewString()[:8], Date: "2026-10-21", Location: "Hall 2", Time: "20:00"}
}

func seedShowtime(t *testing.T, s SeatMapStore, seatLevel bool, capacity int) model.Showtime {
	st := model.Showtime{
		Key:        uniqueKey(seatLevel),
		StartsAt:   now.Add(48 * time.Hour),
		Capacity:   capacity,
		SeatLevel:  seatLevel,
		PriceCents: 1200,
	}
	if seatLevel {
		st.SeatRows, st.SeatCols = 2, capacity/2
	}
	require.NoError(t, s.UpsertShowtime(context.Background(), st))
	return st
}

func pending(st model.Showtime, user string, seats ...model.SeatID) model.Booking {
	q := len(seats)
	if q == 0 {
		q = 1
	}
	return model.Booking{
		ID:              uuid.NewString(),
		UserID:          user,
		Showtime:        st.Key,
		Seats:           seats,
		Quantity:        q,
		TotalPriceCents: st.PriceCents * int64(q),
		PaymentDeadline: now.Add(12 * time.Minute),
		CreatedAt:       now,
	}
}

func TestShowtimeRoundTrip(t *testing.T) {
	stores(t, func(t *testing.T, s SeatMapStore) {
		ctx := context.Background()
		st := seedShowtime(t, s, true, 20)
		got, err := s.GetShowtime(ctx, st.Key)
		require.NoError(t, err)
		assert.Equal(t, st.Key, got.Key)
		assert.Equal(t, 10, got.SeatCols)
		assert.True(t, got.StartsAt.Equal(st.StartsAt))

		_, err = s.GetShowtime(ctx, uniqueKey(false))
		assert.ErrorIs(t, err, model.ErrShowtimeNotFound)
	})
}

func TestCreatePendingRejectsSeatInLiveBooking(t *testing.T) {
	stores(t, func(t *testing.T, s SeatMapStore) {
		ctx := context.Background()
		st := seedShowtime(t, s, true, 20)
		first := pending(st, "u1", "C3", "C4")
		require.NoError(t, s.CreatePending(ctx, first))

		err := s.CreatePending(ctx, pending(st, "u2", "C2", "C3"))
		assert.ErrorIs(t, err, model.ErrSeatNoLongerAvailable)

		booked, err := s.BookedSeats(ctx, st.Key)
		require.NoError(t, err)
		assert.Equal(t, map[model.SeatID]string{"C3": first.ID, "C4": first.ID}, booked)
	})
}

func TestCancelReleasesSeatsOnce(t *testing.T) {
	stores(t, func(t *testing.T, s SeatMapStore) {
		ctx := context.Background()
		st := seedShowtime(t, s, true, 20)
		b := pending(st, "u1", "D1", "D2")
		require.NoError(t, s.CreatePending(ctx, b))
		confirmed, changed, err := s.Confirm(ctx, b.ID, "pay-1", now)
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, model.BookingConfirmed, confirmed.Status)

		cancelled, changed, err := s.Cancel(ctx, b.ID, now.Add(time.Minute))
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, model.BookingCancelled, cancelled.Status)
		assert.Equal(t, []model.SeatID{"D1", "D2"}, cancelled.Seats)

		again, changed, err := s.Cancel(ctx, b.ID, now.Add(2*time.Minute))
		require.NoError(t, err)
		assert.False(t, changed)
		assert.Equal(t, model.BookingCancelled, again.Status)

		booked, err := s.BookedSeats(ctx, st.Key)
		require.NoError(t, err)
		assert.Empty(t, booked)

		require.NoError(t, s.CreatePending(ctx, pending(st, "u2", "D1")))
	})
}

func TestCancelPendingSkipsConfirmed(t *testing.T) {
	stores(t, func(t *testing.T, s SeatMapStore) {
		ctx := context.Background()
		st := seedShowtime(t, s, true, 20)
		b := pending(st, "u1", "E1")
		require.NoError(t, s.CreatePending(ctx, b))
		_, _, err := s.Confirm(ctx, b.ID, "pay", now)
		require.NoError(t, err)

		got, changed, err := s.CancelPending(ctx, b.ID, now)
		require.NoError(t, err)
		assert.False(t, changed)
		assert.Equal(t, model.BookingConfirmed, got.Status)

		_, changed, err = s.Confirm(ctx, b.ID, "pay", now)
		require.NoError(t, err)
		assert.False(t, changed)
	})
}

func TestQuantityOnlyCapacity(t *testing.T) {
	stores(t, func(t *testing.T, s SeatMapStore) {
		ctx := context.Background()
		st := seedShowtime(t, s, false, 3)
		two := pending(st, "u1")
		two.Quantity = 2
		require.NoError(t, s.CreatePending(ctx, two))

		over := pending(st, "u2")
		over.Quantity = 2
		assert.ErrorIs(t, s.CreatePending(ctx, over), model.ErrCapacityExceeded)

		_, _, err := s.CancelPending(ctx, two.ID, now)
		require.NoError(t, err)
		require.NoError(t, s.CreatePending(ctx, over))

		sold, err := s.SoldQuantity(ctx, st.Key)
		require.NoError(t, err)
		assert.Equal(t, 2, sold)
	})
}

func TestExpiredPendingAndListing(t *testing.T) {
	stores(t, func(t *testing.T, s SeatMapStore) {
		ctx := context.Background()
		st := seedShowtime(t, s, true, 20)
		user := "u-" + uuid.NewString()[:8]
		late := pending(st, user, "F1")
		require.NoError(t, s.CreatePending(ctx, late))
		ok := pending(st, user, "F2")
		ok.PaymentDeadline = now.Add(time.Hour)
		ok.CreatedAt = now.Add(time.Second)
		require.NoError(t, s.CreatePending(ctx, ok))

		expired, err := s.ExpiredPending(ctx, now.Add(13*time.Minute), 10)
		require.NoError(t, err)
		ids := []string{}
		for _, b := range expired {
			ids = append(ids, b.ID)
		}
		assert.Contains(t, ids, late.ID)
		assert.NotContains(t, ids, ok.ID)

		list, err := s.ListByUser(ctx, user)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, ok.ID, list[0].ID)
		assert.Equal(t, []model.SeatID{"F2"}, list[0].Seats)
	})
}

func TestGetBookingNotFound(t *testing.T) {
	stores(t, func(t *testing.T, s SeatMapStore) {
		_, err := s.GetBooking(context.Background(), uuid.NewString())
		assert.ErrorIs(t, err, model.ErrBookingNotFound)
	})
}
