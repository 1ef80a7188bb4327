// Package seatctl drives one viewer's seat selection: it mirrors the
// room's seat map from presence events, refuses seats it already knows
// are taken, holds seats through a Gateway and submits the selection to
// the booking API.
package seatctl

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/iliyamo/showtime-seating/internal/model"
	"github.com/iliyamo/showtime-seating/internal/presence"
)

// State is the phase of a controller.
type State string

const (
	StateIdle       State = "idle"
	StateSelecting  State = "selecting"
	StateSubmitting State = "submitting"
	StatePending    State = "awaiting_payment"
	StateConfirmed  State = "confirmed"
	StateRejected   State = "rejected"
)

var (
	// ErrSelectionFull is returned when the selection already has the
	// requested quantity of seats.
	ErrSelectionFull = errors.New("selection is full")
	// ErrWrongState is returned when an action does not fit the phase.
	ErrWrongState = errors.New("action not allowed in current state")
)

// Gateway carries a controller's intents to the server.
type Gateway interface {
	Snapshot(ctx context.Context) (presence.View, error)
	Hold(ctx context.Context, seat model.SeatID) error
	Release(ctx context.Context, seat model.SeatID) error
	Book(ctx context.Context, seats []model.SeatID) (model.Booking, error)
}

// Controller is safe for concurrent use; seat events may be applied
// from a reader goroutine while the user acts.
type Controller struct {
	gw       Gateway
	holder   string
	quantity int

	mu        sync.Mutex
	state     State
	view      presence.View
	booked    map[model.SeatID]struct{}
	selection map[model.SeatID]struct{}
	inflight  map[model.SeatID]struct{}
	booking   model.Booking
	lastErr   error
}

// New returns an idle controller for holder that selects up to quantity
// seats.
func New(gw Gateway, holder string, quantity int) *Controller {
	if quantity < 1 {
		quantity = 1
	}
	return &Controller{
		gw:        gw,
		holder:    holder,
		quantity:  quantity,
		state:     StateIdle,
		booked:    map[model.SeatID]struct{}{},
		selection: map[model.SeatID]struct{}{},
		inflight:  map[model.SeatID]struct{}{},
	}
}

// Start loads the seat map and enters selecting.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return ErrWrongState
	}
	c.mu.Unlock()
	if err := c.refresh(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	c.state = StateSelecting
	c.mu.Unlock()
	return nil
}

// State reports the current phase.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Selection returns the selected seats in order.
func (c *Controller) Selection() []model.SeatID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selectionLocked()
}

// Booking returns the confirmed booking once the state is confirmed.
func (c *Controller) Booking() model.Booking {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.booking
}

// LastError is the most recent rejection reported by the server.
func (c *Controller) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// SeatStatus reports the status of seat as the controller sees it.
func (c *Controller) SeatStatus(seat model.SeatID) model.SeatStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.booked[seat]; ok {
		return model.SeatBooked
	}
	if _, ok := c.view.Holds[seat]; ok {
		return model.SeatHeld
	}
	return model.SeatFree
}

// Available lists the seats of the grid the controller believes free.
func (c *Controller) Available() []model.SeatID {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []model.SeatID
	for r := 0; r < c.view.Rows; r++ {
		for n := 1; n <= c.view.Cols; n++ {
			seat := model.NewSeatID(model.IndexToRowLabel(r), n)
			if _, ok := c.booked[seat]; ok {
				continue
			}
			if _, ok := c.view.Holds[seat]; ok {
				continue
			}
			out = append(out, seat)
		}
	}
	return out
}

// Select adds seat to the selection.  Seats held by someone else or
// booked are refused locally with model.ErrSeatUnavailable.  The seat
// is shown as held immediately and reverted if the server denies it.
func (c *Controller) Select(ctx context.Context, seat model.SeatID) error {
	seat, err := model.ParseSeatID(string(seat))
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.state != StateSelecting {
		c.mu.Unlock()
		return ErrWrongState
	}
	if _, ok := c.selection[seat]; ok {
		c.mu.Unlock()
		return nil
	}
	if len(c.selection) >= c.quantity {
		c.mu.Unlock()
		return ErrSelectionFull
	}
	if _, ok := c.booked[seat]; ok {
		c.mu.Unlock()
		return fmt.Errorf("seat %s is booked: %w", seat, model.ErrSeatUnavailable)
	}
	if h, ok := c.view.Holds[seat]; ok && h != c.holder {
		c.mu.Unlock()
		return fmt.Errorf("seat %s is held: %w", seat, model.ErrSeatUnavailable)
	}
	c.selection[seat] = struct{}{}
	c.inflight[seat] = struct{}{}
	c.view.Holds[seat] = c.holder
	c.mu.Unlock()

	if err := c.gw.Hold(ctx, seat); err != nil {
		c.mu.Lock()
		delete(c.inflight, seat)
		delete(c.selection, seat)
		if c.view.Holds[seat] == c.holder {
			delete(c.view.Holds, seat)
		}
		c.lastErr = err
		c.mu.Unlock()
		return err
	}
	c.mu.Lock()
	delete(c.inflight, seat)
	c.mu.Unlock()
	return nil
}

// Deselect releases seat and removes it from the selection.
func (c *Controller) Deselect(ctx context.Context, seat model.SeatID) error {
	seat, err := model.ParseSeatID(string(seat))
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.state != StateSelecting {
		c.mu.Unlock()
		return ErrWrongState
	}
	if _, ok := c.selection[seat]; !ok {
		c.mu.Unlock()
		return nil
	}
	delete(c.selection, seat)
	delete(c.inflight, seat)
	if c.view.Holds[seat] == c.holder {
		delete(c.view.Holds, seat)
	}
	c.mu.Unlock()
	return c.gw.Release(ctx, seat)
}

// Submit books the current selection.  A booking the server leaves
// PENDING parks the controller in StatePending with the seats still
// selected; only a CONFIRMED booking marks them booked.  On rejection the controller
// reloads the seat map, drops the seats it no longer holds and returns
// to selecting with the server's error; the caller chooses again.
func (c *Controller) Submit(ctx context.Context) (model.Booking, error) {
	c.mu.Lock()
	if c.state != StateSelecting {
		c.mu.Unlock()
		return model.Booking{}, ErrWrongState
	}
	if len(c.selection) == 0 {
		c.mu.Unlock()
		return model.Booking{}, fmt.Errorf("%w: nothing selected", model.ErrInvalidRequest)
	}
	seats := c.selectionLocked()
	c.state = StateSubmitting
	c.mu.Unlock()

	b, err := c.gw.Book(ctx, seats)
	if err == nil && b.Status != model.BookingConfirmed {
		c.mu.Lock()
		c.state = StatePending
		c.booking = b
		c.mu.Unlock()
		return b, nil
	}
	if err == nil {
		c.mu.Lock()
		c.state = StateConfirmed
		c.booking = b
		for _, s := range seats {
			c.booked[s] = struct{}{}
			delete(c.view.Holds, s)
		}
		c.selection = map[model.SeatID]struct{}{}
		c.mu.Unlock()
		return b, nil
	}

	c.mu.Lock()
	c.state = StateRejected
	c.lastErr = err
	c.mu.Unlock()

	if rerr := c.refresh(ctx); rerr != nil {
		return model.Booking{}, errors.Join(err, rerr)
	}
	c.mu.Lock()
	c.state = StateSelecting
	c.mu.Unlock()
	return model.Booking{}, err
}

// Apply folds a seat event into the local map.  Events not newer than
// the seat's known version are ignored.  A selected seat that turns out
// to belong to someone else leaves the selection.
func (c *Controller) Apply(ev model.SeatEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.view.Versions == nil {
		return
	}
	if ev.Version <= c.view.Versions[ev.Seat] {
		return
	}
	c.view.Versions[ev.Seat] = ev.Version
	switch ev.Status {
	case model.SeatFree:
		delete(c.view.Holds, ev.Seat)
		delete(c.booked, ev.Seat)
	case model.SeatHeld:
		c.view.Holds[ev.Seat] = ev.Holder
		delete(c.booked, ev.Seat)
	case model.SeatBooked:
		delete(c.view.Holds, ev.Seat)
		c.booked[ev.Seat] = struct{}{}
	}
	if _, mine := c.selection[ev.Seat]; mine && c.state == StateSelecting {
		if ev.Status != model.SeatHeld || ev.Holder != c.holder {
			delete(c.selection, ev.Seat)
		}
	}
}

// ApplySnapshot replaces the local map with view.
func (c *Controller) ApplySnapshot(view presence.View) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loadLocked(view)
}

func (c *Controller) refresh(ctx context.Context) error {
	view, err := c.gw.Snapshot(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.loadLocked(view)
	c.mu.Unlock()
	return nil
}

func (c *Controller) loadLocked(view presence.View) {
	if view.Holds == nil {
		view.Holds = map[model.SeatID]string{}
	}
	if view.Versions == nil {
		view.Versions = map[model.SeatID]uint64{}
	}
	c.view = view
	c.booked = make(map[model.SeatID]struct{}, len(view.Booked))
	for _, s := range view.Booked {
		c.booked[s] = struct{}{}
	}
	for s := range c.selection {
		h, held := view.Holds[s]
		if h == c.holder {
			continue
		}
		_, booked := c.booked[s]
		if _, ok := c.inflight[s]; ok && !held && !booked {
			// The snapshot predates our hold request.
			c.view.Holds[s] = c.holder
			continue
		}
		delete(c.selection, s)
	}
}

func (c *Controller) selectionLocked() []model.SeatID {
	out := make([]model.SeatID, 0, len(c.selection))
	for s := range c.selection {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
