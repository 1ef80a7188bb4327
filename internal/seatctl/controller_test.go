package seatctl

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/showtime-seating/internal/model"
	"github.com/iliyamo/showtime-seating/internal/presence"
)

type fakeGateway struct {
	mu        sync.Mutex
	views     []presence.View
	snapshots int
	holds     []model.SeatID
	releases  []model.SeatID
	holdErr   map[model.SeatID]error
	bookErr   error
	status    model.BookingStatus
	booked    []model.SeatID
	onHold    func(model.SeatID)
}

func (g *fakeGateway) Snapshot(context.Context) (presence.View, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	v := g.views[0]
	if len(g.views) > 1 {
		g.views = g.views[1:]
	}
	g.snapshots++
	return v, nil
}

func (g *fakeGateway) Hold(_ context.Context, seat model.SeatID) error {
	if g.onHold != nil {
		g.onHold(seat)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.holds = append(g.holds, seat)
	return g.holdErr[seat]
}

func (g *fakeGateway) Release(_ context.Context, seat model.SeatID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.releases = append(g.releases, seat)
	return nil
}

func (g *fakeGateway) Book(_ context.Context, seats []model.SeatID) (model.Booking, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.booked = seats
	if g.bookErr != nil {
		return model.Booking{}, g.bookErr
	}
	status := g.status
	if status == "" {
		status = model.BookingConfirmed
	}
	return model.Booking{ID: "bk-1", UserID: "x", Seats: seats, Quantity: len(seats), Status: status}, nil
}

func view(holds map[model.SeatID]string, booked ...model.SeatID) presence.View {
	versions := map[model.SeatID]uint64{}
	for s := range holds {
		versions[s] = 1
	}
	for _, s := range booked {
		versions[s] = 1
	}
	return presence.View{
		Showtime: "dune-3", SeatLevel: true, Rows: 2, Cols: 3, Capacity: 6,
		Holds: holds, Booked: booked, Versions: versions,
	}
}

func started(t *testing.T, gw *fakeGateway, quantity int) *Controller {
	t.Helper()
	c := New(gw, "x", quantity)
	require.NoError(t, c.Start(context.Background()))
	require.Equal(t, StateSelecting, c.State())
	return c
}

func TestStartLoadsSeatMap(t *testing.T) {
	gw := &fakeGateway{views: []presence.View{view(map[model.SeatID]string{"A2": "y"}, "B1")}}
	c := New(gw, "x", 2)
	assert.Equal(t, StateIdle, c.State())
	_, err := c.Submit(context.Background())
	assert.ErrorIs(t, err, ErrWrongState)

	require.NoError(t, c.Start(context.Background()))
	assert.Equal(t, []model.SeatID{"A1", "A3", "B2", "B3"}, c.Available())
	assert.Equal(t, model.SeatBooked, c.SeatStatus("B1"))
	assert.Equal(t, model.SeatHeld, c.SeatStatus("A2"))
	assert.ErrorIs(t, c.Start(context.Background()), ErrWrongState)
}

func TestSelectRefusesTakenSeatsLocally(t *testing.T) {
	gw := &fakeGateway{views: []presence.View{view(map[model.SeatID]string{"A2": "y"}, "B1")}}
	c := started(t, gw, 2)
	ctx := context.Background()

	assert.ErrorIs(t, c.Select(ctx, "A2"), model.ErrSeatUnavailable)
	assert.ErrorIs(t, c.Select(ctx, "b1"), model.ErrSeatUnavailable)
	assert.Empty(t, gw.holds)
	assert.Empty(t, c.Selection())
}

func TestSelectionIsCappedAtQuantity(t *testing.T) {
	gw := &fakeGateway{views: []presence.View{view(nil)}}
	c := started(t, gw, 2)
	ctx := context.Background()

	require.NoError(t, c.Select(ctx, "A1"))
	require.NoError(t, c.Select(ctx, "A1"))
	require.NoError(t, c.Select(ctx, "A3"))
	assert.ErrorIs(t, c.Select(ctx, "B2"), ErrSelectionFull)
	assert.Equal(t, []model.SeatID{"A1", "A3"}, c.Selection())
	assert.Equal(t, []model.SeatID{"A1", "A3"}, gw.holds)

	require.NoError(t, c.Deselect(ctx, "A1"))
	assert.Equal(t, []model.SeatID{"A1"}, gw.releases)
	assert.Equal(t, model.SeatFree, c.SeatStatus("A1"))
	require.NoError(t, c.Select(ctx, "B2"))
}

func TestDeniedHoldIsReverted(t *testing.T) {
	gw := &fakeGateway{
		views:   []presence.View{view(nil)},
		holdErr: map[model.SeatID]error{"A1": model.ErrSeatUnavailable},
	}
	c := started(t, gw, 1)

	err := c.Select(context.Background(), "A1")
	assert.ErrorIs(t, err, model.ErrSeatUnavailable)
	assert.Empty(t, c.Selection())
	assert.Equal(t, model.SeatFree, c.SeatStatus("A1"))
	assert.ErrorIs(t, c.LastError(), model.ErrSeatUnavailable)
}

func TestRejectedSubmissionReloadsAndDropsStaleSeats(t *testing.T) {
	gw := &fakeGateway{views: []presence.View{
		view(nil),
		view(map[model.SeatID]string{"A1": "x"}, "A2"),
	}}
	c := started(t, gw, 2)
	ctx := context.Background()
	require.NoError(t, c.Select(ctx, "A1"))
	require.NoError(t, c.Select(ctx, "A2"))

	gw.bookErr = model.ErrSeatNoLongerAvailable
	_, err := c.Submit(ctx)
	require.ErrorIs(t, err, model.ErrSeatNoLongerAvailable)

	assert.Equal(t, StateSelecting, c.State())
	assert.Equal(t, 2, gw.snapshots)
	assert.Equal(t, []model.SeatID{"A1"}, c.Selection())
	assert.Equal(t, model.SeatBooked, c.SeatStatus("A2"))
	assert.ErrorIs(t, c.Select(ctx, "A2"), model.ErrSeatUnavailable)
}

func TestSubmitConfirms(t *testing.T) {
	gw := &fakeGateway{views: []presence.View{view(nil)}}
	c := started(t, gw, 2)
	ctx := context.Background()

	_, err := c.Submit(ctx)
	assert.ErrorIs(t, err, model.ErrInvalidRequest)

	require.NoError(t, c.Select(ctx, "B3"))
	require.NoError(t, c.Select(ctx, "B2"))
	b, err := c.Submit(ctx)
	require.NoError(t, err)
	assert.Equal(t, []model.SeatID{"B2", "B3"}, gw.booked)
	assert.Equal(t, StateConfirmed, c.State())
	assert.Equal(t, "bk-1", c.Booking().ID)
	assert.Equal(t, b.ID, c.Booking().ID)
	assert.Equal(t, model.SeatBooked, c.SeatStatus("B2"))
	assert.ErrorIs(t, c.Select(ctx, "A1"), ErrWrongState)
}

func TestApplyOrdersBySeatVersion(t *testing.T) {
	gw := &fakeGateway{views: []presence.View{view(nil)}}
	c := started(t, gw, 2)
	require.NoError(t, c.Select(context.Background(), "A1"))

	c.Apply(model.SeatEvent{Seat: "B1", Status: model.SeatHeld, Holder: "y", Version: 2})
	c.Apply(model.SeatEvent{Seat: "B1", Status: model.SeatFree, Version: 1})
	assert.Equal(t, model.SeatHeld, c.SeatStatus("B1"))

	c.Apply(model.SeatEvent{Seat: "B1", Status: model.SeatBooked, Version: 3})
	assert.Equal(t, model.SeatBooked, c.SeatStatus("B1"))

	// Our hold lapsed and someone else took the seat.
	c.Apply(model.SeatEvent{Seat: "A1", Status: model.SeatHeld, Holder: "z", Version: 5})
	assert.Empty(t, c.Selection())
	assert.Equal(t, model.SeatHeld, c.SeatStatus("A1"))
}

func TestApplySnapshotReplacesView(t *testing.T) {
	gw := &fakeGateway{views: []presence.View{view(nil)}}
	c := started(t, gw, 3)
	require.NoError(t, c.Select(context.Background(), "A1"))

	c.ApplySnapshot(view(map[model.SeatID]string{"A1": "x", "A3": "q"}))
	assert.Equal(t, []model.SeatID{"A1"}, c.Selection())
	assert.Equal(t, model.SeatHeld, c.SeatStatus("A3"))

	c.ApplySnapshot(view(nil))
	assert.Empty(t, c.Selection())
}

func TestPendingBookingIsNotConfirmed(t *testing.T) {
	gw := &fakeGateway{views: []presence.View{view(nil)}, status: model.BookingPending}
	c := started(t, gw, 2)
	ctx := context.Background()
	require.NoError(t, c.Select(ctx, "A1"))

	b, err := c.Submit(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.BookingPending, b.Status)
	assert.Equal(t, StatePending, c.State())
	assert.Equal(t, "bk-1", c.Booking().ID)
	assert.Equal(t, []model.SeatID{"A1"}, c.Selection())
	assert.Equal(t, model.SeatHeld, c.SeatStatus("A1"))
	assert.ErrorIs(t, c.Select(ctx, "A2"), ErrWrongState)
}

func TestSnapshotDuringHoldKeepsSeat(t *testing.T) {
	gw := &fakeGateway{views: []presence.View{view(nil)}}
	c := started(t, gw, 2)
	// The server pushes a map taken before it processed the hold.
	gw.onHold = func(model.SeatID) { c.ApplySnapshot(view(nil)) }

	require.NoError(t, c.Select(context.Background(), "A1"))
	assert.Equal(t, []model.SeatID{"A1"}, c.Selection())
	assert.Equal(t, model.SeatHeld, c.SeatStatus("A1"))
	assert.Empty(t, gw.releases)

	// Once the hold settled, a map without it means the hold is gone.
	gw.onHold = nil
	c.ApplySnapshot(view(nil))
	assert.Empty(t, c.Selection())
}
