package presence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/showtime-seating/internal/clock"
	"github.com/iliyamo/showtime-seating/internal/hold"
	"github.com/iliyamo/showtime-seating/internal/model"
	"github.com/iliyamo/showtime-seating/internal/repository"
)

var (
	t0   = time.Date(2026, 10, 20, 18, 0, 0, 0, time.UTC)
	show = model.ShowtimeKey{EventID: "dune-3", Date: "2026-10-20", Location: "Hall 1", Time: "19:30"}
)

type fixture struct {
	hub   *Hub
	reg   *hold.Memory
	store *repository.MemoryStore
	clock *clock.Fake
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	clk := clock.NewFake(t0)
	store := repository.NewMemoryStore()
	require.NoError(t, store.UpsertShowtime(context.Background(), model.Showtime{
		Key: show, StartsAt: t0.Add(2 * time.Hour), Capacity: 50,
		SeatRows: 5, SeatCols: 10, SeatLevel: true, PriceCents: 1500,
	}))
	reg := hold.NewMemory(clk, hold.WithTTL(3*time.Minute))
	hub := NewHub(reg, store, nil, cfg)
	t.Cleanup(hub.Close)
	return &fixture{hub: hub, reg: reg, store: store, clock: clk}
}

func next(t *testing.T, s *Session) Message {
	t.Helper()
	select {
	case m := <-s.Outbox():
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no message")
		return Message{}
	}
}

func nextOfType(t *testing.T, s *Session, typ string) Message {
	t.Helper()
	for {
		m := next(t, s)
		if m.Type == typ {
			return m
		}
	}
}

func assertQuiet(t *testing.T, s *Session) {
	t.Helper()
	select {
	case m := <-s.Outbox():
		t.Fatalf("unexpected message %+v", m)
	case <-time.After(50 * time.Millisecond):
	}
}

func join(t *testing.T, f *fixture, holder string) *Session {
	t.Helper()
	s, err := f.hub.Join(context.Background(), show, holder)
	require.NoError(t, err)
	snap := next(t, s)
	require.Equal(t, TypeSnapshot, snap.Type)
	return s
}

func TestJoinSendsSnapshotWithHoldsAndBookedSeats(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	_, err := f.reg.TryHold(ctx, show, "B5", "x")
	require.NoError(t, err)
	require.NoError(t, f.store.CreatePending(ctx, model.Booking{
		ID: "bk-1", UserID: "z", Showtime: show, Seats: []model.SeatID{"E1"}, Quantity: 1,
		PaymentDeadline: t0.Add(time.Minute), CreatedAt: t0,
	}))

	s, err := f.hub.Join(ctx, show, "")
	require.NoError(t, err)
	m := next(t, s)
	require.Equal(t, TypeSnapshot, m.Type)
	require.NotNil(t, m.Snapshot)
	assert.Equal(t, "x", m.Snapshot.Holds["B5"])
	assert.Equal(t, []model.SeatID{"E1"}, m.Snapshot.Booked)
	assert.Equal(t, model.SeatBooked, m.Snapshot.Status("E1"))
	assert.Equal(t, 48, m.Snapshot.Remaining)
	assert.Equal(t, 1, f.hub.Rooms())
}

func TestJoinUnknownShowtime(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := f.hub.Join(context.Background(), model.ShowtimeKey{EventID: "nope"}, "x")
	assert.ErrorIs(t, err, model.ErrShowtimeNotFound)
	assert.Zero(t, f.hub.Rooms())
}

func TestHoldIsBroadcastToOthersOnly(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	x := join(t, f, "x")
	y := join(t, f, "y")

	f.hub.Handle(ctx, x, Message{Type: TypeHold, Seat: "b5", RequestID: "r1"})
	res := next(t, x)
	assert.Equal(t, TypeHoldResult, res.Type)
	assert.True(t, res.OK)
	assert.Equal(t, "r1", res.RequestID)
	assert.Equal(t, model.SeatID("B5"), res.Seat)
	assertQuiet(t, x)

	ev := next(t, y)
	require.Equal(t, TypeSeat, ev.Type)
	assert.Equal(t, model.SeatID("B5"), ev.Event.Seat)
	assert.Equal(t, model.SeatHeld, ev.Event.Status)
	assert.Equal(t, "x", ev.Event.Holder)
}

func TestHoldOnTakenSeatIsDeniedWithFreshSnapshot(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	x := join(t, f, "x")
	y := join(t, f, "y")

	f.hub.Handle(ctx, x, Message{Type: TypeHold, Seat: "B5"})
	next(t, x)
	next(t, y)

	f.hub.Handle(ctx, y, Message{Type: TypeHold, Seat: "B5"})
	res := next(t, y)
	assert.Equal(t, TypeHoldResult, res.Type)
	assert.False(t, res.OK)
	assert.Equal(t, "seat_unavailable", res.Code)
	snap := next(t, y)
	require.Equal(t, TypeSnapshot, snap.Type)
	assert.Equal(t, "x", snap.Snapshot.Holds["B5"])
}

func TestHoldRejectsSeatsOffTheMap(t *testing.T) {
	f := newFixture(t, Config{})
	x := join(t, f, "x")
	f.hub.Handle(context.Background(), x, Message{Type: TypeHold, Seat: "Z99"})
	res := next(t, x)
	assert.Equal(t, "invalid_seat", res.Code)
}

func TestAnonymousSessionsAreReadOnly(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	anon := join(t, f, "")
	x := join(t, f, "x")

	f.hub.Handle(ctx, anon, Message{Type: TypeHold, Seat: "A1"})
	res := next(t, anon)
	assert.Equal(t, TypeHoldResult, res.Type)
	assert.Equal(t, "unauthenticated", res.Code)

	f.hub.Handle(ctx, x, Message{Type: TypeHold, Seat: "A1"})
	ev := nextOfType(t, anon, TypeSeat)
	assert.Equal(t, model.SeatID("A1"), ev.Event.Seat)
}

func TestReleaseIsBroadcast(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	x := join(t, f, "x")
	y := join(t, f, "y")

	f.hub.Handle(ctx, x, Message{Type: TypeHold, Seat: "C1"})
	next(t, x)
	next(t, y)

	f.hub.Handle(ctx, y, Message{Type: TypeRelease, Seat: "C1"})
	res := next(t, y)
	assert.True(t, res.OK)
	assert.Nil(t, res.Event, "foreign release is a no-op")

	f.hub.Handle(ctx, x, Message{Type: TypeRelease, Seat: "C1"})
	res = next(t, x)
	require.NotNil(t, res.Event)
	assert.Equal(t, model.SeatFree, res.Event.Status)
	ev := next(t, y)
	assert.Equal(t, model.SeatFree, ev.Event.Status)
}

func TestLeaveReleasesHolds(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	x := join(t, f, "x")
	y := join(t, f, "y")
	for _, seat := range []model.SeatID{"A1", "A2"} {
		f.hub.Handle(ctx, x, Message{Type: TypeHold, Seat: seat})
		next(t, x)
		next(t, y)
	}

	f.hub.Leave(x, ReasonClosed)
	freed := map[model.SeatID]bool{}
	for i := 0; i < 2; i++ {
		ev := next(t, y)
		assert.Equal(t, model.SeatFree, ev.Event.Status)
		freed[ev.Event.Seat] = true
	}
	assert.Equal(t, map[model.SeatID]bool{"A1": true, "A2": true}, freed)

	snap, err := f.reg.Snapshot(ctx, show)
	require.NoError(t, err)
	assert.Empty(t, snap.Holds)
	assert.Equal(t, 1, f.hub.Sessions(show))

	f.hub.Leave(x, ReasonClosed)
	f.hub.Leave(y, ReasonClosed)
	assert.Zero(t, f.hub.Rooms())
}

func TestLeaveKeepsSeatsHeldByAnotherTabOfSameUser(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	tab1 := join(t, f, "x")
	tab2 := join(t, f, "x")

	f.hub.Handle(ctx, tab1, Message{Type: TypeHold, Seat: "D4"})
	next(t, tab1)
	next(t, tab2)
	f.hub.Handle(ctx, tab2, Message{Type: TypeHold, Seat: "D4"})
	next(t, tab2)

	f.hub.Leave(tab1, ReasonClosed)
	snap, err := f.reg.Snapshot(ctx, show)
	require.NoError(t, err)
	assert.Equal(t, "x", snap.Holds["D4"])
}

func TestTTLExpiryStillFreesSeatsOfSilentClients(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	x := join(t, f, "x")
	y := join(t, f, "y")
	for _, seat := range []model.SeatID{"A1", "A2"} {
		f.hub.Handle(ctx, x, Message{Type: TypeHold, Seat: seat})
		next(t, x)
		next(t, y)
	}

	f.clock.Advance(3*time.Minute + time.Second)
	sw := hold.NewSweeper(f.reg, f.hub, f.clock, time.Second)
	n, err := sw.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for i := 0; i < 2; i++ {
		assert.Equal(t, model.SeatFree, next(t, y).Event.Status)
	}
	view, err := f.hub.View(ctx, show)
	require.NoError(t, err)
	assert.Equal(t, model.SeatFree, view.Status("A1"))
	assert.Equal(t, model.SeatFree, view.Status("A2"))
}

func TestHeartbeatRefreshesHolds(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	x := join(t, f, "x")
	f.hub.Handle(ctx, x, Message{Type: TypeHold, Seat: "A3"})
	next(t, x)

	f.clock.Advance(2 * time.Minute)
	f.hub.Handle(ctx, x, Message{Type: TypeHeartbeat})
	f.clock.Advance(2 * time.Minute)

	snap, err := f.reg.Snapshot(ctx, show)
	require.NoError(t, err)
	assert.Equal(t, "x", snap.Holds["A3"])
}

func TestStaleEventsAreDropped(t *testing.T) {
	f := newFixture(t, Config{})
	y := join(t, f, "y")
	room := show.String()

	f.hub.Deliver(model.SeatEvent{Showtime: room, Seat: "F1", Status: model.SeatHeld, Holder: "x", Version: 3})
	f.hub.Deliver(model.SeatEvent{Showtime: room, Seat: "F1", Status: model.SeatFree, Version: 2})
	f.hub.Deliver(model.SeatEvent{Showtime: room, Seat: "F2", Status: model.SeatHeld, Holder: "x", Version: 1})
	f.hub.Deliver(model.SeatEvent{Showtime: room, Seat: "F1", Status: model.SeatFree, Version: 4})

	got := []uint64{next(t, y).Event.Version, next(t, y).Event.Version, next(t, y).Event.Version}
	assert.Equal(t, []uint64{3, 1, 4}, got)
	assertQuiet(t, y)
}

func TestSyncingSessionReplaysOnlyNewerEvents(t *testing.T) {
	r := &room{name: "m", sessions: map[string]*Session{}}
	s := newSession("y", r, 16)
	s.deliver(model.SeatEvent{Showtime: "m", Seat: "A1", Status: model.SeatHeld, Holder: "x", Version: 1})
	s.deliver(model.SeatEvent{Showtime: "m", Seat: "A1", Status: model.SeatFree, Version: 2})
	s.deliver(model.SeatEvent{Showtime: "m", Seat: "A1", Status: model.SeatHeld, Holder: "z", Version: 3})
	assert.Empty(t, s.send)

	s.finishSync(View{Showtime: "m", Versions: map[model.SeatID]uint64{"A1": 2}})
	assert.Equal(t, TypeSnapshot, (<-s.send).Type)
	m := <-s.send
	assert.Equal(t, uint64(3), m.Event.Version)
	assert.Empty(t, s.send)
}

func TestLaggingSessionIsDisconnected(t *testing.T) {
	f := newFixture(t, Config{SendBuffer: 4})
	y := join(t, f, "y")

	for v := uint64(1); v <= 10; v++ {
		f.hub.Deliver(model.SeatEvent{Showtime: show.String(), Seat: "G1", Status: model.SeatHeld, Holder: "x", Version: v})
	}
	select {
	case <-y.Done():
	case <-time.After(time.Second):
		t.Fatal("lagging session not closed")
	}
	assert.Equal(t, ReasonLagging, y.Reason())
}

func TestCloseRefusesNewSessions(t *testing.T) {
	f := newFixture(t, Config{})
	x := join(t, f, "x")
	f.hub.Close()
	<-x.Done()
	assert.Equal(t, ReasonShutdown, x.Reason())
	_, err := f.hub.Join(context.Background(), show, "y")
	assert.ErrorIs(t, err, ErrHubClosed)
}

func TestUnknownMessageType(t *testing.T) {
	f := newFixture(t, Config{})
	x := join(t, f, "x")
	f.hub.Handle(context.Background(), x, Message{Type: "dance", RequestID: "r9"})
	m := next(t, x)
	assert.Equal(t, TypeError, m.Type)
	assert.Equal(t, "invalid_request", m.Code)
	assert.Equal(t, "r9", m.RequestID)
}
