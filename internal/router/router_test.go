package router

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/websocket"

	"github.com/iliyamo/showtime-seating/internal/booking"
	"github.com/iliyamo/showtime-seating/internal/clock"
	"github.com/iliyamo/showtime-seating/internal/handler"
	"github.com/iliyamo/showtime-seating/internal/hold"
	"github.com/iliyamo/showtime-seating/internal/model"
	"github.com/iliyamo/showtime-seating/internal/presence"
	"github.com/iliyamo/showtime-seating/internal/repository"
	"github.com/iliyamo/showtime-seating/internal/utils"
)

const (
	jwtSecret   = "router-jwt"
	proofSecret = "router-proof"
)

var movie = model.ShowtimeKey{EventID: "dune-3", Date: "2026-10-20", Location: "Hall 1", Time: "21:00"}

type api struct {
	e     *echo.Echo
	store *repository.MemoryStore
	bus   *loopbackBus
}

// loopbackBus records published seat events and feeds them back to the
// hub, the way the event bus consumer does in cmd/server.
type loopbackBus struct {
	mu     sync.Mutex
	events []model.SeatEvent
	hub    *presence.Hub
}

func (b *loopbackBus) Publish(ctx context.Context, events ...model.SeatEvent) error {
	b.mu.Lock()
	b.events = append(b.events, events...)
	b.mu.Unlock()
	for _, ev := range events {
		if err := b.hub.HandleEvent(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

func (b *loopbackBus) seen() []model.SeatEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]model.SeatEvent(nil), b.events...)
}

func newAPI(t *testing.T) *api {
	t.Helper()
	clk := clock.NewSystem()
	store := repository.NewMemoryStore()
	reg := hold.NewMemory(clk, hold.WithBookedSource(store))
	bus := &loopbackBus{}
	hub := presence.NewHub(reg, store, bus, presence.Config{})
	bus.hub = hub
	t.Cleanup(hub.Close)
	fin := booking.NewFinalizer(store, reg, bus, booking.NewSignedProofVerifier(proofSecret), booking.WithClock(clk))

	e := echo.New()
	Register(e, Deps{
		JWTSecret: jwtSecret,
		Seating:   handler.NewSeatingHandler(hub, reg, store, bus),
		Bookings:  handler.NewBookingHandler(fin, hub),
		Admin:     handler.NewAdminHandler(store),
		Checks:    map[string]handler.Check{"store": func(context.Context) error { return nil }},
	})
	return &api{e: e, store: store, bus: bus}
}

func bearer(t *testing.T, user, role string) string {
	t.Helper()
	tok, err := utils.NewAccessToken(jwtSecret, user, role, time.Hour)
	require.NoError(t, err)
	return tok.Token
}

func (a *api) call(t *testing.T, method, path, token string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	a.e.ServeHTTP(rec, req)
	out := map[string]any{}
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	return rec.Code, out
}

func (a *api) provision(t *testing.T) string {
	t.Helper()
	admin := bearer(t, "ops", model.RoleAdmin)
	code, body := a.call(t, http.MethodPost, "/v1/admin/showtimes", admin, map[string]any{
		"event_id": movie.EventID, "date": movie.Date, "location": movie.Location, "time": movie.Time,
		"starts_at": time.Now().Add(24 * time.Hour), "seat_level": true, "seat_rows": 3, "seat_cols": 4,
		"price_cents": 1100,
	})
	require.Equal(t, http.StatusCreated, code, body)
	assert.Equal(t, float64(12), body["capacity"])
	return "/v1/showtimes/" + body["key"].(string)
}

func TestHealth(t *testing.T) {
	a := newAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	a.e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminRouteNeedsAdmin(t *testing.T) {
	a := newAPI(t)
	code, _ := a.call(t, http.MethodPost, "/v1/admin/showtimes", bearer(t, "x", model.RoleCustomer), map[string]any{})
	assert.Equal(t, http.StatusForbidden, code)

	code, body := a.call(t, http.MethodPost, "/v1/admin/showtimes", bearer(t, "ops", model.RoleAdmin), map[string]any{"event_id": "x"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid_request", body["code"])
}

func TestHoldConflictCarriesSnapshot(t *testing.T) {
	a := newAPI(t)
	room := a.provision(t)
	x, y := bearer(t, "x", model.RoleCustomer), bearer(t, "y", model.RoleCustomer)

	code, _ := a.call(t, http.MethodPost, room+"/holds", "", map[string]string{"seat": "A1"})
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = a.call(t, http.MethodPost, room+"/holds", x, map[string]string{"seat": "A1"})
	require.Equal(t, http.StatusCreated, code)

	code, body := a.call(t, http.MethodPost, room+"/holds", y, map[string]string{"seat": "a1"})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "seat_unavailable", body["code"])
	snap := body["snapshot"].(map[string]any)
	assert.Equal(t, "x", snap["holds"].(map[string]any)["A1"])

	code, body = a.call(t, http.MethodPost, room+"/holds", y, map[string]string{"seat": "Z1"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid_seat", body["code"])

	code, body = a.call(t, http.MethodPost, room+"/heartbeat", x, map[string]any{"seats": []string{"A1", "A2"}})
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, []any{"A1"}, body["held"])

	code, _ = a.call(t, http.MethodDelete, room+"/holds/A1", x, nil)
	assert.Equal(t, http.StatusNoContent, code)

	code, body = a.call(t, http.MethodGet, room+"/seats", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Empty(t, body["holds"])
}

func TestHTTPHoldsReachEventBus(t *testing.T) {
	a := newAPI(t)
	room := a.provision(t)
	x := bearer(t, "x", model.RoleCustomer)

	code, _ := a.call(t, http.MethodPost, room+"/holds", x, map[string]string{"seat": "A1"})
	require.Equal(t, http.StatusCreated, code)
	events := a.bus.seen()
	require.Len(t, events, 1)
	assert.Equal(t, model.SeatID("A1"), events[0].Seat)
	assert.Equal(t, model.SeatHeld, events[0].Status)
	assert.Equal(t, "x", events[0].Holder)

	code, _ = a.call(t, http.MethodDelete, room+"/holds/A1", x, nil)
	require.Equal(t, http.StatusNoContent, code)
	events = a.bus.seen()
	require.Len(t, events, 2)
	assert.Equal(t, model.SeatFree, events[1].Status)
	assert.Greater(t, events[1].Version, events[0].Version)

	// Releasing a seat that is not held publishes nothing.
	code, _ = a.call(t, http.MethodDelete, room+"/holds/A1", x, nil)
	require.Equal(t, http.StatusNoContent, code)
	assert.Len(t, a.bus.seen(), 2)
}

func TestSeatSpellingsShareOneSeat(t *testing.T) {
	a := newAPI(t)
	room := a.provision(t)
	x, y := bearer(t, "x", model.RoleCustomer), bearer(t, "y", model.RoleCustomer)

	code, _ := a.call(t, http.MethodPost, room+"/holds", x, map[string]string{"seat": "B3"})
	require.Equal(t, http.StatusCreated, code)

	code, body := a.call(t, http.MethodPost, room+"/holds", y, map[string]string{"seat": "B03"})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "seat_unavailable", body["code"])

	code, body = a.call(t, http.MethodPost, room+"/holds", y, map[string]string{"seat": "B+3"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid_seat", body["code"])

	proof, err := booking.SignProof(proofSecret, "y", 1100, "pay-y", time.Minute)
	require.NoError(t, err)
	code, body = a.call(t, http.MethodPost, room+"/bookings", y, map[string]any{"seats": []string{"b 03"}, "payment_proof": proof})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "seat_no_longer_available", body["code"])
}

func TestBookingLifecycle(t *testing.T) {
	a := newAPI(t)
	room := a.provision(t)
	x, y := bearer(t, "x", model.RoleCustomer), bearer(t, "y", model.RoleCustomer)

	for _, s := range []string{"B1", "B2"} {
		code, _ := a.call(t, http.MethodPost, room+"/holds", x, map[string]string{"seat": s})
		require.Equal(t, http.StatusCreated, code)
	}
	code, body := a.call(t, http.MethodPost, room+"/bookings", x, map[string]any{"seats": []string{"B1", "B2"}})
	require.Equal(t, http.StatusAccepted, code, body)
	assert.Equal(t, "PENDING", body["status"])
	assert.Equal(t, float64(2200), body["total_price_cents"])
	assert.Equal(t, strings.TrimPrefix(room, "/v1/showtimes/"), body["showtime"])
	id := body["id"].(string)

	code, body = a.call(t, http.MethodPost, room+"/bookings", y, map[string]any{"seats": []string{"B2"}})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "seat_no_longer_available", body["code"])
	assert.NotNil(t, body["snapshot"])

	proof, err := booking.SignProof(proofSecret, "x", 2200, "pay-1", time.Minute)
	require.NoError(t, err)
	code, _ = a.call(t, http.MethodPost, "/v1/bookings/"+id+"/payment", y, map[string]string{"payment_proof": proof})
	assert.Equal(t, http.StatusForbidden, code)
	code, body = a.call(t, http.MethodPost, "/v1/bookings/"+id+"/payment", x, map[string]string{"payment_proof": proof})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "CONFIRMED", body["status"])

	code, _ = a.call(t, http.MethodGet, "/v1/bookings/"+id, y, nil)
	assert.Equal(t, http.StatusForbidden, code)
	code, body = a.call(t, http.MethodGet, "/v1/my-bookings", x, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Len(t, body["items"], 1)

	code, body = a.call(t, http.MethodGet, room+"/seats", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.ElementsMatch(t, []any{"B1", "B2"}, body["booked"])

	code, body = a.call(t, http.MethodDelete, "/v1/bookings/"+id, x, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "CANCELLED", body["status"])
	code, _ = a.call(t, http.MethodGet, "/v1/bookings/missing", x, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestAnonymousViewerJoinsSocket(t *testing.T) {
	a := newAPI(t)
	room := a.provision(t)
	srv := httptest.NewServer(a.e)
	t.Cleanup(srv.Close)

	ws, err := websocket.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+room+"/ws", "", srv.URL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))

	var m presence.Message
	require.NoError(t, websocket.JSON.Receive(ws, &m))
	assert.Equal(t, presence.TypeSnapshot, m.Type)
	require.NotNil(t, m.Snapshot)
	assert.Equal(t, 3, m.Snapshot.Rows)

	require.NoError(t, websocket.JSON.Send(ws, presence.Message{Type: presence.TypeHold, Seat: "A1", RequestID: "1"}))
	require.NoError(t, websocket.JSON.Receive(ws, &m))
	assert.Equal(t, presence.TypeHoldResult, m.Type)
	assert.Equal(t, "unauthenticated", m.Code)
}
