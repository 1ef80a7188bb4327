// Package booking is the transactional boundary that turns held seats
// into bookings.  It claims the seats in the hold registry, writes a
// PENDING booking to the seat map store, waits for the payment signal
// and then either confirms the booking and marks the seats booked or
// rolls everything back to free.
package booking

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/showtime-seating/internal/clock"
	"github.com/iliyamo/showtime-seating/internal/hold"
	"github.com/iliyamo/showtime-seating/internal/logging"
	"github.com/iliyamo/showtime-seating/internal/model"
	"github.com/iliyamo/showtime-seating/internal/repository"
)

const (
	// DefaultPaymentWindow bounds the PENDING state of a booking.
	DefaultPaymentWindow = 12 * time.Minute
	// claimGrace keeps registry claims alive a little past the payment
	// deadline so the reaper rolls back the store row first.
	claimGrace = time.Minute
)

// CreateRequest is a booking attempt.  Seat-level showtimes take Seats
// (Quantity may be zero or must equal len(Seats)); quantity-only
// showtimes take Quantity and no Seats.  TotalPriceCents of zero means
// the catalogue price.  Without PaymentProof the booking stays PENDING
// until ConfirmPayment or its deadline.
type CreateRequest struct {
	UserID          string
	Showtime        model.ShowtimeKey
	Seats           []model.SeatID
	Quantity        int
	TotalPriceCents int64
	PaymentProof    string
}

// Finalizer is safe for concurrent use.
type Finalizer struct {
	store    repository.SeatMapStore
	reg      hold.Registry
	pub      hold.Publisher
	payments PaymentVerifier
	notifier Notifier
	clock    clock.Clock
	window   time.Duration
	newID    func() string
}

// Option configures a Finalizer.
type Option func(*Finalizer)

// WithPaymentWindow sets how long a booking may stay PENDING.
func WithPaymentWindow(d time.Duration) Option {
	return func(f *Finalizer) {
		if d > 0 {
			f.window = d
		}
	}
}

// WithClock injects the time source.
func WithClock(c clock.Clock) Option {
	return func(f *Finalizer) {
		if c != nil {
			f.clock = c
		}
	}
}

// WithNotifier sets the confirmation dispatcher.
func WithNotifier(n Notifier) Option {
	return func(f *Finalizer) {
		if n != nil {
			f.notifier = n
		}
	}
}

// WithIDGenerator replaces the booking id generator.
func WithIDGenerator(fn func() string) Option {
	return func(f *Finalizer) {
		if fn != nil {
			f.newID = fn
		}
	}
}

// NewFinalizer wires a finalizer.  pub receives every seat change the
// finalizer commits.
func NewFinalizer(store repository.SeatMapStore, reg hold.Registry, pub hold.Publisher, payments PaymentVerifier, opts ...Option) *Finalizer {
	f := &Finalizer{
		store:    store,
		reg:      reg,
		pub:      pub,
		payments: payments,
		notifier: nopNotifier{},
		clock:    clock.NewSystem(),
		window:   DefaultPaymentWindow,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// CreateBooking validates req, claims its seats and records a PENDING
// booking.  With a payment proof it also settles the payment.  The
// returned errors are the model sentinels: ErrHoldExpired or
// ErrSeatNoLongerAvailable when the claim fails, ErrCapacityExceeded for
// quantity-only flows, ErrPaymentUnconfirmed after a rollback and
// ErrPersistence when the store is unavailable.  On every error the
// seats are back in their pre-request state.
func (f *Finalizer) CreateBooking(ctx context.Context, req CreateRequest) (model.Booking, error) {
	if req.UserID == "" {
		return model.Booking{}, model.ErrUnauthenticated
	}
	if err := req.Showtime.Validate(); err != nil {
		return model.Booking{}, err
	}
	st, err := f.store.GetShowtime(ctx, req.Showtime)
	if err != nil {
		return model.Booking{}, err
	}
	now := f.clock.Now()
	if !now.Before(st.StartsAt) {
		return model.Booking{}, model.ErrShowtimeStarted
	}
	seats, quantity, total, err := validate(st, req)
	if err != nil {
		return model.Booking{}, err
	}

	b := model.Booking{
		ID:              f.newID(),
		UserID:          req.UserID,
		Showtime:        st.Key,
		Seats:           seats,
		Quantity:        quantity,
		TotalPriceCents: total,
		Status:          model.BookingPending,
		PaymentDeadline: now.Add(f.window),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	log := logging.FromContext(ctx).WithFields(logrus.Fields{
		"booking_id": b.ID,
		"showtime":   st.Key.String(),
		"holder":     b.UserID,
	})

	if b.SeatLevel() {
		events, err := f.reg.Claim(ctx, st.Key, seats, req.UserID, b.ID, b.PaymentDeadline.Add(claimGrace))
		if err != nil {
			log.WithError(err).Info("seat claim rejected")
			return model.Booking{}, err
		}
		f.publish(ctx, events)
	}

	if err := f.store.CreatePending(ctx, b); err != nil {
		if b.SeatLevel() {
			f.unclaim(ctx, b)
			if errors.Is(err, model.ErrSeatNoLongerAvailable) {
				f.adoptStoreBookings(ctx, b)
			}
		}
		log.WithError(err).Warn("create pending booking failed")
		return model.Booking{}, err
	}
	log.Info("booking pending")

	if req.PaymentProof == "" {
		return b, nil
	}
	return f.settle(ctx, b, req.PaymentProof)
}

// ConfirmPayment settles a PENDING booking created without proof.
// Confirming a CONFIRMED booking returns it unchanged.
func (f *Finalizer) ConfirmPayment(ctx context.Context, bookingID, userID, proof string) (model.Booking, error) {
	if userID == "" {
		return model.Booking{}, model.ErrUnauthenticated
	}
	b, err := f.store.GetBooking(ctx, bookingID)
	if err != nil {
		return model.Booking{}, err
	}
	if b.UserID != userID {
		return model.Booking{}, model.ErrForbidden
	}
	switch b.Status {
	case model.BookingConfirmed:
		return b, nil
	case model.BookingCancelled:
		return model.Booking{}, fmt.Errorf("booking %s was rolled back: %w", b.ID, model.ErrPaymentUnconfirmed)
	}
	if f.clock.Now().After(b.PaymentDeadline) {
		if err := f.rollback(ctx, b); err != nil {
			return model.Booking{}, err
		}
		return model.Booking{}, fmt.Errorf("booking %s payment window elapsed: %w", b.ID, model.ErrPaymentUnconfirmed)
	}
	if proof == "" {
		return model.Booking{}, fmt.Errorf("%w: payment proof is required", model.ErrInvalidRequest)
	}
	return f.settle(ctx, b, proof)
}

// settle verifies payment within the booking's window and confirms or
// rolls back.
func (f *Finalizer) settle(ctx context.Context, b model.Booking, proof string) (model.Booking, error) {
	log := logging.FromContext(ctx).WithField("booking_id", b.ID)

	remaining := b.PaymentDeadline.Sub(f.clock.Now())
	vctx, cancel := context.WithTimeout(ctx, remaining)
	res, verr := f.payments.Verify(vctx, Payment{
		BookingID:   b.ID,
		UserID:      b.UserID,
		AmountCents: b.TotalPriceCents,
		Proof:       proof,
	})
	cancel()
	if verr == nil && f.clock.Now().After(b.PaymentDeadline) {
		verr = context.DeadlineExceeded
	}
	if verr != nil {
		log.WithError(verr).Warn("payment unconfirmed, rolling back")
		if err := f.rollback(ctx, b); err != nil {
			return model.Booking{}, err
		}
		return model.Booking{}, fmt.Errorf("booking %s: %w: %w", b.ID, model.ErrPaymentUnconfirmed, verr)
	}

	confirmed, changed, err := f.store.Confirm(ctx, b.ID, res.Reference, f.clock.Now())
	if err != nil {
		// The booking stays PENDING; the reaper rolls it back at its deadline.
		log.WithError(err).Error("confirm booking failed")
		return model.Booking{}, err
	}
	if !changed {
		if confirmed.Status == model.BookingConfirmed {
			return confirmed, nil
		}
		return model.Booking{}, fmt.Errorf("booking %s was rolled back: %w", b.ID, model.ErrPaymentUnconfirmed)
	}

	if confirmed.SeatLevel() {
		events, err := f.reg.Commit(ctx, confirmed.Showtime, confirmed.Seats, confirmed.ID)
		if err != nil {
			log.WithError(err).Error("registry commit failed; store remains authoritative")
		}
		f.publish(ctx, events)
	}
	f.notify(ctx, confirmed)
	log.WithField("payment_ref", res.Reference).Info("booking confirmed")
	return confirmed, nil
}

// rollback cancels a PENDING booking and frees its seats.  A booking that
// was confirmed concurrently is left alone.
func (f *Finalizer) rollback(ctx context.Context, b model.Booking) error {
	cancelled, changed, err := f.store.CancelPending(ctx, b.ID, f.clock.Now())
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	if cancelled.SeatLevel() {
		events, err := f.reg.Free(ctx, cancelled.Showtime, cancelled.Seats, cancelled.ID)
		if err != nil {
			logging.FromContext(ctx).WithError(err).WithField("booking_id", b.ID).Error("registry free failed; claims lapse at their deadline")
		}
		f.publish(ctx, events)
	}
	return nil
}

// CancelBooking cancels a booking on behalf of its owner or an admin
// before the showtime starts.  Cancelling a CANCELLED booking returns it
// without releasing anything.
func (f *Finalizer) CancelBooking(ctx context.Context, bookingID string, actor model.Actor) (model.Booking, error) {
	if actor.Anonymous() {
		return model.Booking{}, model.ErrUnauthenticated
	}
	b, err := f.store.GetBooking(ctx, bookingID)
	if err != nil {
		return model.Booking{}, err
	}
	if b.UserID != actor.UserID && !actor.IsAdmin() {
		return model.Booking{}, model.ErrForbidden
	}
	if b.Status == model.BookingCancelled {
		return b, nil
	}
	st, err := f.store.GetShowtime(ctx, b.Showtime)
	if err != nil {
		return model.Booking{}, err
	}
	now := f.clock.Now()
	if !now.Before(st.StartsAt) {
		return model.Booking{}, model.ErrShowtimeStarted
	}

	cancelled, changed, err := f.store.Cancel(ctx, bookingID, now)
	if err != nil {
		return model.Booking{}, err
	}
	if !changed {
		return cancelled, nil
	}
	if cancelled.SeatLevel() {
		events, err := f.reg.Free(ctx, cancelled.Showtime, cancelled.Seats, cancelled.ID)
		if err != nil {
			logging.FromContext(ctx).WithError(err).WithField("booking_id", cancelled.ID).Error("registry free after cancel failed")
		}
		f.publish(ctx, events)
	}
	logging.FromContext(ctx).WithFields(logrus.Fields{
		"booking_id": cancelled.ID,
		"actor":      actor.UserID,
	}).Info("booking cancelled")
	return cancelled, nil
}

// GetBooking returns a booking visible to actor.
func (f *Finalizer) GetBooking(ctx context.Context, bookingID string, actor model.Actor) (model.Booking, error) {
	if actor.Anonymous() {
		return model.Booking{}, model.ErrUnauthenticated
	}
	b, err := f.store.GetBooking(ctx, bookingID)
	if err != nil {
		return model.Booking{}, err
	}
	if b.UserID != actor.UserID && !actor.IsAdmin() {
		return model.Booking{}, model.ErrForbidden
	}
	return b, nil
}

// ListBookings returns the bookings of a user, newest first.
func (f *Finalizer) ListBookings(ctx context.Context, userID string) ([]model.Booking, error) {
	if userID == "" {
		return nil, model.ErrUnauthenticated
	}
	return f.store.ListByUser(ctx, userID)
}

// ReapExpired rolls back PENDING bookings past their payment deadline
// and returns how many were rolled back.
func (f *Finalizer) ReapExpired(ctx context.Context) (int, error) {
	expired, err := f.store.ExpiredPending(ctx, f.clock.Now(), 100)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, b := range expired {
		if err := f.rollback(ctx, b); err != nil {
			return n, fmt.Errorf("reap %s: %w", b.ID, err)
		}
		n++
	}
	return n, nil
}

func (f *Finalizer) unclaim(ctx context.Context, b model.Booking) {
	events, err := f.reg.Unclaim(ctx, b.Showtime, b.Seats, b.ID)
	if err != nil {
		logging.FromContext(ctx).WithError(err).WithField("booking_id", b.ID).Error("unclaim failed; claims lapse at their deadline")
	}
	f.publish(ctx, events)
}

// adoptStoreBookings copies the store's bookings of b's seats into the
// registry after the store rejected b, so the registry stops offering
// seats another process already sold.
func (f *Finalizer) adoptStoreBookings(ctx context.Context, b model.Booking) {
	stored, err := f.store.BookedSeats(ctx, b.Showtime)
	if err != nil {
		return
	}
	taken := map[model.SeatID]string{}
	for _, seat := range b.Seats {
		if id, ok := stored[seat]; ok {
			taken[seat] = id
		}
	}
	if err := f.reg.MarkBooked(ctx, b.Showtime, taken); err != nil {
		logging.FromContext(ctx).WithError(err).Warn("mark booked after conflict failed")
	}
}

func (f *Finalizer) publish(ctx context.Context, events []model.SeatEvent) {
	if len(events) == 0 || f.pub == nil {
		return
	}
	if err := f.pub.Publish(ctx, events...); err != nil {
		logging.FromContext(ctx).WithError(err).Error("publish seat events")
	}
}

func (f *Finalizer) notify(ctx context.Context, b model.Booking) {
	log := logging.FromContext(ctx).WithField("booking_id", b.ID)
	go func() {
		nctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := f.notifier.BookingConfirmed(nctx, b); err != nil {
			log.WithError(err).Warn("booking notification failed")
		}
	}()
}

// validate normalizes the request against the catalogue entry and
// returns the sorted seats, quantity and total price.
func validate(st model.Showtime, req CreateRequest) ([]model.SeatID, int, int64, error) {
	var seats []model.SeatID
	quantity := req.Quantity
	if st.SeatLevel {
		if len(req.Seats) == 0 {
			return nil, 0, 0, fmt.Errorf("%w: seats are required for this showtime", model.ErrInvalidRequest)
		}
		seen := map[model.SeatID]struct{}{}
		for _, raw := range req.Seats {
			seat, err := model.ParseSeatID(string(raw))
			if err != nil {
				return nil, 0, 0, err
			}
			if !st.HasSeat(seat) {
				return nil, 0, 0, fmt.Errorf("%w: %s is not on the seat map", model.ErrInvalidSeat, seat)
			}
			if _, dup := seen[seat]; dup {
				return nil, 0, 0, fmt.Errorf("%w: seat %s listed twice", model.ErrInvalidRequest, seat)
			}
			seen[seat] = struct{}{}
			seats = append(seats, seat)
		}
		if quantity == 0 {
			quantity = len(seats)
		}
		if quantity != len(seats) {
			return nil, 0, 0, fmt.Errorf("%w: quantity %d does not match %d seats", model.ErrInvalidRequest, quantity, len(seats))
		}
		sortSeats(seats)
	} else {
		if len(req.Seats) > 0 {
			return nil, 0, 0, fmt.Errorf("%w: this showtime has no seat map", model.ErrInvalidRequest)
		}
		if quantity < 1 {
			return nil, 0, 0, fmt.Errorf("%w: quantity must be positive", model.ErrInvalidRequest)
		}
	}
	total := st.PriceCents * int64(quantity)
	if req.TotalPriceCents != 0 && req.TotalPriceCents != total {
		return nil, 0, 0, fmt.Errorf("%w: total %d does not match price %d", model.ErrInvalidRequest, req.TotalPriceCents, total)
	}
	return seats, quantity, total, nil
}

func sortSeats(seats []model.SeatID) {
	sort.Slice(seats, func(i, j int) bool { return seats[i] < seats[j] })
}
