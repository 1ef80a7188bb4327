package hold

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/iliyamo/showtime-seating/internal/clock"
	"github.com/iliyamo/showtime-seating/internal/model"
)

// entry is the state of one seat.  All fields are guarded by mu.
type entry struct {
	mu        sync.Mutex
	state     seatState
	holder    string
	expiresAt time.Time
	bookingID string
	prevExp   time.Time // hold expiry before Claim, restored by Unclaim
	version   uint64
}

// lapsed reports whether a hold or claim is past its expiry.
func (e *entry) lapsed(now time.Time) bool {
	return (e.state == stateHeld || e.state == stateClaimed) && e.expiresAt.Before(now)
}

func (e *entry) reset() {
	e.state = stateFree
	e.holder = ""
	e.bookingID = ""
	e.expiresAt = time.Time{}
	e.prevExp = time.Time{}
}

func (e *entry) event(room string, seat model.SeatID, now time.Time) model.SeatEvent {
	return model.SeatEvent{
		Showtime:  room,
		Seat:      seat,
		Status:    e.state.public(),
		Holder:    e.holder,
		BookingID: e.bookingID,
		Version:   e.version,
		At:        now,
	}
}

type room struct {
	key    model.ShowtimeKey
	floor  uint64       // version new entries start from
	mu     sync.RWMutex // guards the seats map only, never held during a seat operation
	seats  map[model.SeatID]*entry
	seeded bool
	seedMu sync.Mutex

	// guarded by Memory.mu
	refs     int
	lastUsed time.Time
}

func (r *room) entry(seat model.SeatID) *entry {
	r.mu.RLock()
	e, ok := r.seats[seat]
	r.mu.RUnlock()
	if ok {
		return e
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok = r.seats[seat]; !ok {
		e = &entry{state: stateFree, version: r.floor}
		r.seats[seat] = e
	}
	return e
}

func (r *room) entries() map[model.SeatID]*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[model.SeatID]*entry, len(r.seats))
	for k, v := range r.seats {
		out[k] = v
	}
	return out
}

// idle reports whether r has no live hold or claim, and the highest
// version among its seats.  Booked seats count as idle only when they
// can be re-seeded.
func (r *room) idle(reseedable bool) (uint64, bool) {
	var top uint64
	for _, e := range r.entries() {
		e.mu.Lock()
		st, v := e.state, e.version
		e.mu.Unlock()
		if st == stateHeld || st == stateClaimed || (st == stateBooked && !reseedable) {
			return 0, false
		}
		if v > top {
			top = v
		}
	}
	return top, true
}

// Memory is a process-local Registry.  Each seat has its own mutex, so
// holds on different seats never wait on each other.
//
// Showtimes untouched for the idle period are dropped by ExpireStale.
// Seats of a room created later start from the highest version ever
// dropped, so viewers never see a seat's version go backwards.
type Memory struct {
	clock clock.Clock
	opts  options

	mu    sync.Mutex
	rooms map[string]*room
	floor uint64
}

var _ Registry = (*Memory)(nil)

// NewMemory returns an empty in-memory registry.
func NewMemory(clk clock.Clock, opts ...Option) *Memory {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Memory{clock: clk, opts: buildOptions(opts), rooms: map[string]*room{}}
}

// room returns the room of key pinned against eviction.  Callers must
// call done when the operation is over.
func (m *Memory) room(ctx context.Context, key model.ShowtimeKey) (*room, error) {
	name := key.String()
	m.mu.Lock()
	r, ok := m.rooms[name]
	if !ok {
		r = &room{key: key, floor: m.floor, seats: map[model.SeatID]*entry{}}
		m.rooms[name] = r
	}
	r.refs++
	r.lastUsed = m.clock.Now()
	m.mu.Unlock()
	if err := m.seed(ctx, r); err != nil {
		m.done(r)
		return nil, err
	}
	return r, nil
}

func (m *Memory) done(r *room) {
	m.mu.Lock()
	r.refs--
	m.mu.Unlock()
}

// evictIdle drops unpinned rooms that have been idle since before
// cutoff and reports how many went.
func (m *Memory) evictIdle(cutoff time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for name, r := range m.rooms {
		if r.refs > 0 || !r.lastUsed.Before(cutoff) {
			continue
		}
		top, ok := r.idle(m.opts.booked != nil)
		if !ok {
			continue
		}
		if top > m.floor {
			m.floor = top
		}
		delete(m.rooms, name)
		n++
	}
	return n
}

func (m *Memory) seed(ctx context.Context, r *room) error {
	if m.opts.booked == nil {
		return nil
	}
	r.seedMu.Lock()
	defer r.seedMu.Unlock()
	if r.seeded {
		return nil
	}
	booked, err := m.opts.booked.BookedSeats(ctx, r.key)
	if err != nil {
		return fmt.Errorf("seed booked seats: %w", err)
	}
	for seat, bookingID := range booked {
		e := r.entry(seat)
		e.mu.Lock()
		if e.state != stateBooked {
			e.reset()
			e.state = stateBooked
			e.bookingID = bookingID
			e.version++
		}
		e.mu.Unlock()
	}
	r.seeded = true
	return nil
}

func (m *Memory) TryHold(ctx context.Context, key model.ShowtimeKey, seat model.SeatID, holder string) (model.SeatEvent, error) {
	r, err := m.room(ctx, key)
	if err != nil {
		return model.SeatEvent{}, err
	}
	defer m.done(r)
	now := m.clock.Now()
	e := r.entry(seat)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.lapsed(now) {
		e.reset()
	}
	switch {
	case e.state == stateBooked, e.state == stateClaimed:
		return model.SeatEvent{}, model.ErrSeatUnavailable
	case e.state == stateHeld && e.holder != holder:
		return model.SeatEvent{}, model.ErrSeatUnavailable
	}
	e.state = stateHeld
	e.holder = holder
	e.expiresAt = now.Add(m.opts.ttl)
	e.version++
	return e.event(r.key.String(), seat, now), nil
}

func (m *Memory) Release(ctx context.Context, key model.ShowtimeKey, seat model.SeatID, holder string) (model.SeatEvent, bool, error) {
	r, err := m.room(ctx, key)
	if err != nil {
		return model.SeatEvent{}, false, err
	}
	defer m.done(r)
	now := m.clock.Now()
	e := r.entry(seat)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != stateHeld || e.holder != holder {
		return model.SeatEvent{}, false, nil
	}
	e.reset()
	e.version++
	return e.event(r.key.String(), seat, now), true, nil
}

func (m *Memory) Refresh(ctx context.Context, key model.ShowtimeKey, holder string, seats []model.SeatID) ([]model.SeatID, error) {
	r, err := m.room(ctx, key)
	if err != nil {
		return nil, err
	}
	defer m.done(r)
	now := m.clock.Now()
	var live []model.SeatID
	for _, seat := range sortedUnique(seats) {
		e := r.entry(seat)
		e.mu.Lock()
		if e.state == stateHeld && e.holder == holder && !e.lapsed(now) {
			e.expiresAt = now.Add(m.opts.ttl)
			live = append(live, seat)
		}
		e.mu.Unlock()
	}
	return live, nil
}

// ExpireStale frees lapsed holds and claims, then drops showtimes idle
// for longer than the idle period.
func (m *Memory) ExpireStale(ctx context.Context, now time.Time) ([]model.SeatEvent, error) {
	events, err := m.expire(ctx, now)
	if err != nil {
		return events, err
	}
	m.evictIdle(now.Add(-m.opts.idle))
	return events, nil
}

func (m *Memory) expire(ctx context.Context, now time.Time) ([]model.SeatEvent, error) {
	m.mu.Lock()
	rooms := make([]*room, 0, len(m.rooms))
	for _, r := range m.rooms {
		r.refs++
		rooms = append(rooms, r)
	}
	m.mu.Unlock()
	defer func() {
		for _, r := range rooms {
			m.done(r)
		}
	}()

	var events []model.SeatEvent
	for _, r := range rooms {
		if err := ctx.Err(); err != nil {
			return events, err
		}
		for seat, e := range r.entries() {
			e.mu.Lock()
			if e.lapsed(now) {
				e.reset()
				e.version++
				events = append(events, e.event(r.key.String(), seat, now))
			}
			e.mu.Unlock()
		}
	}
	return events, nil
}

func (m *Memory) Snapshot(ctx context.Context, key model.ShowtimeKey) (Snapshot, error) {
	r, err := m.room(ctx, key)
	if err != nil {
		return Snapshot{}, err
	}
	defer m.done(r)
	now := m.clock.Now()
	snap := newSnapshot(key)
	for seat, e := range r.entries() {
		e.mu.Lock()
		if e.version == r.floor {
			e.mu.Unlock()
			continue
		}
		snap.Versions[seat] = e.version
		switch {
		case e.lapsed(now):
		case e.state == stateHeld, e.state == stateClaimed:
			snap.Holds[seat] = e.holder
		case e.state == stateBooked:
			snap.Booked[seat] = e.bookingID
		}
		e.mu.Unlock()
	}
	return snap, nil
}

// lockSeats locks the entries of seats in sorted order and returns them
// with an unlock function.
func (m *Memory) lockSeats(r *room, seats []model.SeatID) ([]model.SeatID, []*entry, func()) {
	sorted := sortedUnique(seats)
	entries := make([]*entry, len(sorted))
	for i, seat := range sorted {
		entries[i] = r.entry(seat)
		entries[i].mu.Lock()
	}
	return sorted, entries, func() {
		for i := len(entries) - 1; i >= 0; i-- {
			entries[i].mu.Unlock()
		}
	}
}

func (m *Memory) Claim(ctx context.Context, key model.ShowtimeKey, seats []model.SeatID, holder, bookingID string, deadline time.Time) ([]model.SeatEvent, error) {
	r, err := m.room(ctx, key)
	if err != nil {
		return nil, err
	}
	defer m.done(r)
	now := m.clock.Now()
	sorted, entries, unlock := m.lockSeats(r, seats)
	defer unlock()

	for i, e := range entries {
		if e.lapsed(now) {
			e.reset()
		}
		switch {
		case e.state == stateFree:
			return nil, fmt.Errorf("seat %s: %w", sorted[i], model.ErrHoldExpired)
		case e.state != stateHeld || e.holder != holder:
			return nil, fmt.Errorf("seat %s: %w", sorted[i], model.ErrSeatNoLongerAvailable)
		}
	}
	events := make([]model.SeatEvent, 0, len(entries))
	for i, e := range entries {
		e.prevExp = e.expiresAt
		e.state = stateClaimed
		e.bookingID = bookingID
		e.expiresAt = deadline
		e.version++
		events = append(events, e.event(r.key.String(), sorted[i], now))
	}
	return events, nil
}

func (m *Memory) Unclaim(ctx context.Context, key model.ShowtimeKey, seats []model.SeatID, bookingID string) ([]model.SeatEvent, error) {
	r, err := m.room(ctx, key)
	if err != nil {
		return nil, err
	}
	defer m.done(r)
	now := m.clock.Now()
	sorted, entries, unlock := m.lockSeats(r, seats)
	defer unlock()

	var events []model.SeatEvent
	for i, e := range entries {
		if e.state != stateClaimed || e.bookingID != bookingID {
			continue
		}
		e.state = stateHeld
		e.bookingID = ""
		e.expiresAt = e.prevExp
		e.prevExp = time.Time{}
		if e.lapsed(now) {
			e.reset()
		}
		e.version++
		events = append(events, e.event(r.key.String(), sorted[i], now))
	}
	return events, nil
}

func (m *Memory) Commit(ctx context.Context, key model.ShowtimeKey, seats []model.SeatID, bookingID string) ([]model.SeatEvent, error) {
	r, err := m.room(ctx, key)
	if err != nil {
		return nil, err
	}
	defer m.done(r)
	now := m.clock.Now()
	sorted, entries, unlock := m.lockSeats(r, seats)
	defer unlock()

	var events []model.SeatEvent
	for i, e := range entries {
		if e.state == stateBooked && e.bookingID == bookingID {
			continue
		}
		e.reset()
		e.state = stateBooked
		e.bookingID = bookingID
		e.version++
		events = append(events, e.event(r.key.String(), sorted[i], now))
	}
	return events, nil
}

func (m *Memory) Free(ctx context.Context, key model.ShowtimeKey, seats []model.SeatID, bookingID string) ([]model.SeatEvent, error) {
	r, err := m.room(ctx, key)
	if err != nil {
		return nil, err
	}
	defer m.done(r)
	now := m.clock.Now()
	sorted, entries, unlock := m.lockSeats(r, seats)
	defer unlock()

	var events []model.SeatEvent
	for i, e := range entries {
		if (e.state != stateClaimed && e.state != stateBooked) || e.bookingID != bookingID {
			continue
		}
		e.reset()
		e.version++
		events = append(events, e.event(r.key.String(), sorted[i], now))
	}
	return events, nil
}

func (m *Memory) MarkBooked(ctx context.Context, key model.ShowtimeKey, booked map[model.SeatID]string) error {
	r, err := m.room(ctx, key)
	if err != nil {
		return err
	}
	defer m.done(r)
	for seat, bookingID := range booked {
		e := r.entry(seat)
		e.mu.Lock()
		if e.state != stateBooked || e.bookingID != bookingID {
			e.reset()
			e.state = stateBooked
			e.bookingID = bookingID
			e.version++
		}
		e.mu.Unlock()
	}
	return nil
}
