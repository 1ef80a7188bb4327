package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/iliyamo/showtime-seating/internal/model"
)

// MemoryStore is a process-local SeatMapStore for tests and single-node
// development.  One mutex plays the role of the MySQL transaction.
type MemoryStore struct {
	mu        sync.Mutex
	showtimes map[string]model.Showtime
	bookings  map[string]model.Booking
	active    map[string]map[model.SeatID]string // show key -> seat -> booking id
}

var _ SeatMapStore = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		showtimes: map[string]model.Showtime{},
		bookings:  map[string]model.Booking{},
		active:    map[string]map[model.SeatID]string{},
	}
}

func cloneBooking(b model.Booking) model.Booking {
	if b.Seats != nil {
		b.Seats = append([]model.SeatID(nil), b.Seats...)
	}
	return b
}

func (s *MemoryStore) UpsertShowtime(_ context.Context, st model.Showtime) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st.StartsAt = st.StartsAt.UTC()
	s.showtimes[st.Key.String()] = st
	return nil
}

func (s *MemoryStore) GetShowtime(_ context.Context, key model.ShowtimeKey) (model.Showtime, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.showtimes[key.String()]
	if !ok {
		return model.Showtime{}, model.ErrShowtimeNotFound
	}
	return st, nil
}

func (s *MemoryStore) BookedSeats(_ context.Context, key model.ShowtimeKey) (map[model.SeatID]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[model.SeatID]string{}
	for seat, id := range s.active[key.String()] {
		out[seat] = id
	}
	return out, nil
}

func (s *MemoryStore) SoldQuantity(_ context.Context, key model.ShowtimeKey) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.soldLocked(key.String()), nil
}

func (s *MemoryStore) soldLocked(showKey string) int {
	n := 0
	for _, b := range s.bookings {
		if b.Showtime.String() == showKey && b.Status != model.BookingCancelled {
			n += b.Quantity
		}
	}
	return n
}

func (s *MemoryStore) CreatePending(_ context.Context, b model.Booking) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	showKey := b.Showtime.String()
	st, ok := s.showtimes[showKey]
	if !ok {
		return model.ErrShowtimeNotFound
	}
	if _, dup := s.bookings[b.ID]; dup {
		return fmt.Errorf("booking %s exists: %w", b.ID, model.ErrPersistence)
	}
	if !b.SeatLevel() {
		if sold := s.soldLocked(showKey); sold+b.Quantity > st.Capacity {
			return fmt.Errorf("%d requested, %d left: %w", b.Quantity, st.Capacity-sold, model.ErrCapacityExceeded)
		}
	}
	seats := s.active[showKey]
	for _, seat := range b.Seats {
		if _, taken := seats[seat]; taken {
			return fmt.Errorf("seat %s: %w", seat, model.ErrSeatNoLongerAvailable)
		}
	}
	if seats == nil {
		seats = map[model.SeatID]string{}
		s.active[showKey] = seats
	}
	for _, seat := range b.Seats {
		seats[seat] = b.ID
	}
	b = cloneBooking(b)
	b.Status = model.BookingPending
	b.UpdatedAt = b.CreatedAt
	s.bookings[b.ID] = b
	return nil
}

func (s *MemoryStore) Confirm(_ context.Context, id, paymentRef string, now time.Time) (model.Booking, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookings[id]
	if !ok {
		return model.Booking{}, false, model.ErrBookingNotFound
	}
	if b.Status != model.BookingPending {
		return cloneBooking(b), false, nil
	}
	b.Status = model.BookingConfirmed
	b.PaymentRef = paymentRef
	b.UpdatedAt = now.UTC()
	s.bookings[id] = b
	return cloneBooking(b), true, nil
}

func (s *MemoryStore) Cancel(_ context.Context, id string, now time.Time) (model.Booking, bool, error) {
	return s.cancel(id, now, model.BookingPending, model.BookingConfirmed)
}

func (s *MemoryStore) CancelPending(_ context.Context, id string, now time.Time) (model.Booking, bool, error) {
	return s.cancel(id, now, model.BookingPending)
}

func (s *MemoryStore) cancel(id string, now time.Time, from ...model.BookingStatus) (model.Booking, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookings[id]
	if !ok {
		return model.Booking{}, false, model.ErrBookingNotFound
	}
	allowed := false
	for _, st := range from {
		if b.Status == st {
			allowed = true
		}
	}
	if !allowed {
		return cloneBooking(b), false, nil
	}
	b.Status = model.BookingCancelled
	b.UpdatedAt = now.UTC()
	s.bookings[id] = b
	seats := s.active[b.Showtime.String()]
	for _, seat := range b.Seats {
		if seats[seat] == id {
			delete(seats, seat)
		}
	}
	return cloneBooking(b), true, nil
}

func (s *MemoryStore) GetBooking(_ context.Context, id string) (model.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookings[id]
	if !ok {
		return model.Booking{}, model.ErrBookingNotFound
	}
	return cloneBooking(b), nil
}

func (s *MemoryStore) ListByUser(_ context.Context, userID string) ([]model.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []model.Booking{}
	for _, b := range s.bookings {
		if b.UserID == userID {
			out = append(out, cloneBooking(b))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ExpiredPending(_ context.Context, now time.Time, limit int) ([]model.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []model.Booking{}
	for _, b := range s.bookings {
		if b.Status == model.BookingPending && b.PaymentDeadline.Before(now) {
			out = append(out, cloneBooking(b))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PaymentDeadline.Before(out[j].PaymentDeadline) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
