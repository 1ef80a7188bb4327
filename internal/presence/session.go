package presence

import (
	"sync"

	"github.com/lithammer/shortuuid/v3"

	"github.com/iliyamo/showtime-seating/internal/model"
)

// Session is one viewer connected to a room.
type Session struct {
	ID     string
	Holder string // resolved user id, empty for anonymous viewers
	room   *room

	send chan Message

	mu       sync.Mutex
	syncing  bool
	pending  []model.SeatEvent
	versions map[model.SeatID]uint64
	held     map[model.SeatID]struct{}

	closeOnce sync.Once
	leaveOnce sync.Once
	done      chan struct{}
	reasonMu  sync.Mutex
	reason    string
}

func newSession(holder string, r *room, buffer int) *Session {
	return &Session{
		ID:       shortuuid.New(),
		Holder:   holder,
		room:     r,
		send:     make(chan Message, buffer),
		syncing:  true,
		versions: map[model.SeatID]uint64{},
		held:     map[model.SeatID]struct{}{},
		done:     make(chan struct{}),
	}
}

// Anonymous reports whether the session is read-only.
func (s *Session) Anonymous() bool { return s.Holder == "" }

// Showtime returns the room address of the session.
func (s *Session) Showtime() string { return s.room.name }

// Outbox delivers the messages queued for the client.
func (s *Session) Outbox() <-chan Message { return s.send }

// Done is closed when the session is closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Reason returns why the session was closed.
func (s *Session) Reason() string {
	s.reasonMu.Lock()
	defer s.reasonMu.Unlock()
	return s.reason
}

// Close marks the session closed.  The first reason wins.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.reasonMu.Lock()
		s.reason = reason
		s.reasonMu.Unlock()
		close(s.done)
	})
}

func (s *Session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// enqueue queues m without blocking.  A full buffer closes the session
// as lagging; the client is expected to reconnect and resync.
func (s *Session) enqueue(m Message) bool {
	if s.closed() {
		return false
	}
	select {
	case s.send <- m:
		return true
	default:
		s.Close(ReasonLagging)
		return false
	}
}

// deliverLocked applies ev to the session.  Must be called with s.mu held.
func (s *Session) deliverLocked(ev model.SeatEvent) {
	if ev.Origin == s.ID {
		s.versions[ev.Seat] = maxVersion(s.versions[ev.Seat], ev.Version)
		return
	}
	if s.syncing {
		s.pending = append(s.pending, ev)
		return
	}
	if ev.Version <= s.versions[ev.Seat] {
		return
	}
	s.versions[ev.Seat] = ev.Version
	// the seat may have been released by another tab of the same user,
	// expired, or committed to a booking
	if ev.Status != model.SeatHeld || ev.Holder != s.Holder {
		delete(s.held, ev.Seat)
	}
	e := ev
	s.enqueue(Message{Type: TypeSeat, Event: &e})
}

func (s *Session) deliver(ev model.SeatEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliverLocked(ev)
}

// finishSync sends the snapshot and replays events that raced with it.
func (s *Session) finishSync(view View) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for seat, v := range view.Versions {
		s.versions[seat] = maxVersion(s.versions[seat], v)
	}
	s.enqueue(Message{Type: TypeSnapshot, Snapshot: &view})
	s.syncing = false
	pending := s.pending
	s.pending = nil
	for _, ev := range pending {
		s.deliverLocked(ev)
	}
}

func (s *Session) markHeld(seat model.SeatID, version uint64) {
	s.mu.Lock()
	s.held[seat] = struct{}{}
	s.versions[seat] = maxVersion(s.versions[seat], version)
	s.mu.Unlock()
}

func (s *Session) unmarkHeld(seat model.SeatID, version uint64) {
	s.mu.Lock()
	delete(s.held, seat)
	s.versions[seat] = maxVersion(s.versions[seat], version)
	s.mu.Unlock()
}

func (s *Session) heldSeats() []model.SeatID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.SeatID, 0, len(s.held))
	for seat := range s.held {
		out = append(out, seat)
	}
	return out
}

func (s *Session) holds(seat model.SeatID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.held[seat]
	return ok
}

func (s *Session) keepOnly(live []model.SeatID) {
	keep := make(map[model.SeatID]struct{}, len(live))
	for _, seat := range live {
		keep[seat] = struct{}{}
	}
	s.mu.Lock()
	s.held = keep
	s.mu.Unlock()
}

func maxVersion(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
