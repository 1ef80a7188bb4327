// Package presence keeps every viewer of a showtime in sync with the
// hold registry.  A Hub owns one room per showtime; a room exists while
// at least one session is connected.  Sessions receive a snapshot on
// join and then every committed seat change made by someone else, in
// per-seat version order.
package presence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iliyamo/showtime-seating/internal/hold"
	"github.com/iliyamo/showtime-seating/internal/logging"
	"github.com/iliyamo/showtime-seating/internal/model"
)

// ErrHubClosed is returned by Join after Close.
var ErrHubClosed = errors.New("presence hub closed")

const (
	DefaultSendBuffer  = 256
	DefaultIdleTimeout = 60 * time.Second
)

// Catalog is the part of the seat map store the hub reads.
type Catalog interface {
	GetShowtime(ctx context.Context, key model.ShowtimeKey) (model.Showtime, error)
	BookedSeats(ctx context.Context, key model.ShowtimeKey) (map[model.SeatID]string, error)
	SoldQuantity(ctx context.Context, key model.ShowtimeKey) (int, error)
}

// Config tunes session buffering and liveness.
type Config struct {
	SendBuffer  int
	IdleTimeout time.Duration
}

type room struct {
	key      model.ShowtimeKey
	name     string
	mu       sync.RWMutex
	showtime model.Showtime
	sessions map[string]*Session
}

// Hub is the process-wide registry of rooms.
type Hub struct {
	reg     hold.Registry
	catalog Catalog
	pub     hold.Publisher
	cfg     Config

	mu     sync.Mutex
	rooms  map[string]*room
	closed bool
}

// NewHub builds a hub.  Seat changes made through the hub are sent to
// pub; the caller feeds pub's stream back through Deliver.  With a nil
// pub the hub delivers its own changes directly.
func NewHub(reg hold.Registry, catalog Catalog, pub hold.Publisher, cfg Config) *Hub {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = DefaultSendBuffer
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	h := &Hub{reg: reg, catalog: catalog, pub: pub, cfg: cfg, rooms: map[string]*room{}}
	if h.pub == nil {
		h.pub = h
	}
	return h
}

// Publish delivers events to local sessions.  It lets a Hub stand in
// for the event bus in a single process.
func (h *Hub) Publish(_ context.Context, events ...model.SeatEvent) error {
	for _, ev := range events {
		h.Deliver(ev)
	}
	return nil
}

// Deliver fans ev out to the sessions of its room, skipping the session
// that caused it.
func (h *Hub) Deliver(ev model.SeatEvent) {
	h.mu.Lock()
	r, ok := h.rooms[ev.Showtime]
	if !ok {
		h.mu.Unlock()
		return
	}
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()
	h.mu.Unlock()

	for _, s := range sessions {
		s.deliver(ev)
	}
}

// HandleEvent adapts Deliver to an event bus consumer.
func (h *Hub) HandleEvent(_ context.Context, ev model.SeatEvent) error {
	h.Deliver(ev)
	return nil
}

// Join registers a session for key and sends it the current view.
// holder is the resolved user id, or empty for a read-only viewer.
func (h *Hub) Join(ctx context.Context, key model.ShowtimeKey, holder string) (*Session, error) {
	st, err := h.catalog.GetShowtime(ctx, key)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	name := key.String()
	r, ok := h.rooms[name]
	if !ok {
		r = &room{key: key, name: name, sessions: map[string]*Session{}}
		h.rooms[name] = r
	}
	r.mu.Lock()
	r.showtime = st
	sess := newSession(holder, r, h.cfg.SendBuffer)
	r.sessions[sess.ID] = sess
	r.mu.Unlock()
	h.mu.Unlock()

	view, err := h.view(ctx, st)
	if err != nil {
		h.Leave(sess, ReasonClosed)
		return nil, err
	}
	sess.finishSync(view)

	logging.FromContext(ctx).WithFields(logrus.Fields{
		"showtime":   name,
		"session_id": sess.ID,
		"holder":     holder,
	}).Debug("presence join")
	return sess, nil
}

// Leave unregisters sess and releases the seats it held, unless another
// live session of the same holder in the room also holds them.  It is
// safe to call more than once.
func (h *Hub) Leave(sess *Session, reason string) {
	sess.Close(reason)
	sess.leaveOnce.Do(func() {
		r := sess.room
		h.mu.Lock()
		r.mu.Lock()
		delete(r.sessions, sess.ID)
		var siblings []*Session
		for _, other := range r.sessions {
			if other.Holder == sess.Holder && !other.closed() {
				siblings = append(siblings, other)
			}
		}
		if len(r.sessions) == 0 && h.rooms[r.name] == r {
			delete(h.rooms, r.name)
		}
		r.mu.Unlock()
		h.mu.Unlock()

		if sess.Anonymous() {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		log := logging.FromContext(ctx).WithFields(logrus.Fields{
			"showtime":   r.name,
			"session_id": sess.ID,
			"holder":     sess.Holder,
			"reason":     sess.Reason(),
		})
	seats:
		for _, seat := range sess.heldSeats() {
			for _, other := range siblings {
				if other.holds(seat) {
					continue seats
				}
			}
			ev, changed, err := h.reg.Release(ctx, r.key, seat, sess.Holder)
			if err != nil {
				log.WithError(err).WithField("seat", seat).Warn("release on disconnect failed; hold will expire")
				continue
			}
			if changed {
				h.publish(ctx, ev)
			}
		}
		log.Debug("presence leave")
	})
}

// Handle processes one client message.
func (h *Hub) Handle(ctx context.Context, sess *Session, m Message) {
	switch m.Type {
	case TypeHold:
		h.hold(ctx, sess, m)
	case TypeRelease:
		h.release(ctx, sess, m)
	case TypeHeartbeat:
		if sess.Anonymous() {
			return
		}
		live, err := h.reg.Refresh(ctx, sess.room.key, sess.Holder, sess.heldSeats())
		if err != nil {
			logging.FromContext(ctx).WithError(err).WithField("session_id", sess.ID).Warn("heartbeat refresh failed")
			return
		}
		sess.keepOnly(live)
	case TypeResync:
		h.resync(ctx, sess, m.RequestID)
	default:
		sess.enqueue(errorMessage(TypeError, m.RequestID, fmt.Errorf("%w: unknown message type %q", model.ErrInvalidRequest, m.Type)))
	}
}

func (h *Hub) seat(sess *Session, raw model.SeatID) (model.SeatID, error) {
	seat, err := model.ParseSeatID(string(raw))
	if err != nil {
		return "", err
	}
	sess.room.mu.RLock()
	st := sess.room.showtime
	sess.room.mu.RUnlock()
	if !st.HasSeat(seat) {
		return "", fmt.Errorf("%w: %s is not on the seat map", model.ErrInvalidSeat, seat)
	}
	return seat, nil
}

func (h *Hub) hold(ctx context.Context, sess *Session, m Message) {
	if sess.Anonymous() {
		sess.enqueue(errorMessage(TypeHoldResult, m.RequestID, model.ErrUnauthenticated))
		return
	}
	seat, err := h.seat(sess, m.Seat)
	if err != nil {
		sess.enqueue(errorMessage(TypeHoldResult, m.RequestID, err))
		return
	}
	ev, err := h.reg.TryHold(ctx, sess.room.key, seat, sess.Holder)
	if err != nil {
		reply := errorMessage(TypeHoldResult, m.RequestID, err)
		reply.Seat = seat
		sess.enqueue(reply)
		if errors.Is(err, model.ErrSeatUnavailable) {
			h.resync(ctx, sess, m.RequestID)
		}
		return
	}
	ev.Origin = sess.ID
	sess.markHeld(seat, ev.Version)
	h.publish(ctx, ev)
	sess.enqueue(Message{Type: TypeHoldResult, RequestID: m.RequestID, Seat: seat, OK: true, Event: &ev})
}

func (h *Hub) release(ctx context.Context, sess *Session, m Message) {
	if sess.Anonymous() {
		sess.enqueue(errorMessage(TypeReleaseResult, m.RequestID, model.ErrUnauthenticated))
		return
	}
	seat, err := h.seat(sess, m.Seat)
	if err != nil {
		sess.enqueue(errorMessage(TypeReleaseResult, m.RequestID, err))
		return
	}
	ev, changed, err := h.reg.Release(ctx, sess.room.key, seat, sess.Holder)
	if err != nil {
		sess.enqueue(errorMessage(TypeReleaseResult, m.RequestID, err))
		return
	}
	reply := Message{Type: TypeReleaseResult, RequestID: m.RequestID, Seat: seat, OK: true}
	if changed {
		ev.Origin = sess.ID
		sess.unmarkHeld(seat, ev.Version)
		h.publish(ctx, ev)
		reply.Event = &ev
	} else {
		sess.unmarkHeld(seat, 0)
	}
	sess.enqueue(reply)
}

func (h *Hub) resync(ctx context.Context, sess *Session, requestID string) {
	sess.room.mu.RLock()
	st := sess.room.showtime
	sess.room.mu.RUnlock()
	view, err := h.view(ctx, st)
	if err != nil {
		sess.enqueue(errorMessage(TypeError, requestID, err))
		return
	}
	sess.mu.Lock()
	for seat, v := range view.Versions {
		sess.versions[seat] = maxVersion(sess.versions[seat], v)
	}
	sess.mu.Unlock()
	sess.enqueue(Message{Type: TypeSnapshot, RequestID: requestID, Snapshot: &view})
}

func (h *Hub) publish(ctx context.Context, events ...model.SeatEvent) {
	if err := h.pub.Publish(ctx, events...); err != nil {
		logging.FromContext(ctx).WithError(err).Error("publish seat events")
	}
}

// View returns the current seat map of key.
func (h *Hub) View(ctx context.Context, key model.ShowtimeKey) (View, error) {
	st, err := h.catalog.GetShowtime(ctx, key)
	if err != nil {
		return View{}, err
	}
	return h.view(ctx, st)
}

func (h *Hub) view(ctx context.Context, st model.Showtime) (View, error) {
	v := View{
		Showtime:  st.Key.String(),
		SeatLevel: st.SeatLevel,
		Rows:      st.SeatRows,
		Cols:      st.SeatCols,
		Capacity:  st.Capacity,
		Holds:     map[model.SeatID]string{},
		Booked:    []model.SeatID{},
		Versions:  map[model.SeatID]uint64{},
	}
	if !st.SeatLevel {
		sold, err := h.catalog.SoldQuantity(ctx, st.Key)
		if err != nil {
			return View{}, err
		}
		v.Remaining = st.Capacity - sold
		return v, nil
	}

	snap, err := h.reg.Snapshot(ctx, st.Key)
	if err != nil {
		return View{}, fmt.Errorf("registry snapshot: %w", err)
	}
	stored, err := h.catalog.BookedSeats(ctx, st.Key)
	if err != nil {
		return View{}, err
	}
	booked := map[model.SeatID]struct{}{}
	for seat := range snap.Booked {
		booked[seat] = struct{}{}
	}
	for seat := range stored {
		if _, held := snap.Holds[seat]; !held {
			booked[seat] = struct{}{}
		}
	}
	for seat, holder := range snap.Holds {
		v.Holds[seat] = holder
	}
	for seat := range booked {
		v.Booked = append(v.Booked, seat)
	}
	sort.Slice(v.Booked, func(i, j int) bool { return v.Booked[i] < v.Booked[j] })
	for seat, ver := range snap.Versions {
		v.Versions[seat] = ver
	}
	v.Remaining = st.Capacity - len(v.Booked) - len(v.Holds)
	return v, nil
}

// Rooms returns the number of open rooms.
func (h *Hub) Rooms() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

// Sessions returns the number of sessions in the room of key.
func (h *Hub) Sessions(key model.ShowtimeKey) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[key.String()]
	if !ok {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Close stops accepting joins and closes every session.  Transports
// observe the closed sessions and call Leave, which releases holds.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	var all []*Session
	for _, r := range h.rooms {
		r.mu.RLock()
		for _, s := range r.sessions {
			all = append(all, s)
		}
		r.mu.RUnlock()
	}
	h.mu.Unlock()
	for _, s := range all {
		s.Close(ReasonShutdown)
	}
}
