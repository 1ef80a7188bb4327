package handler

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/showtime-seating/internal/hold"
	"github.com/iliyamo/showtime-seating/internal/logging"
	"github.com/iliyamo/showtime-seating/internal/middleware"
	"github.com/iliyamo/showtime-seating/internal/model"
	"github.com/iliyamo/showtime-seating/internal/presence"
	"github.com/iliyamo/showtime-seating/internal/repository"
)

// SeatingHandler serves the seat map and the HTTP flavour of hold
// intents.  Holds made here go to the same seat event stream as socket
// holds.
type SeatingHandler struct {
	Hub      *presence.Hub
	Registry hold.Registry
	Store    repository.SeatMapStore
	Events   hold.Publisher
}

// NewSeatingHandler wires the handler.  events is the seat event bus the
// hub consumes; nil falls back to the hub's local delivery.
func NewSeatingHandler(hub *presence.Hub, reg hold.Registry, store repository.SeatMapStore, events hold.Publisher) *SeatingHandler {
	if hub == nil || reg == nil || store == nil {
		panic("nil dependency passed to NewSeatingHandler")
	}
	if events == nil {
		events = hub
	}
	return &SeatingHandler{Hub: hub, Registry: reg, Store: store, Events: events}
}

// Seats handles GET /v1/showtimes/:key/seats.
func (h *SeatingHandler) Seats(c echo.Context) error {
	key, err := showtimeParam(c)
	if err != nil {
		return fail(c, err, nil, key)
	}
	view, err := h.Hub.View(c.Request().Context(), key)
	if err != nil {
		return fail(c, err, nil, key)
	}
	return c.JSON(http.StatusOK, view)
}

// Socket handles GET /v1/showtimes/:key/ws.  Anonymous viewers join
// read-only.
func (h *SeatingHandler) Socket(c echo.Context) error {
	key, err := showtimeParam(c)
	if err != nil {
		return fail(c, err, nil, key)
	}
	ctx := c.Request().Context()
	if _, err := h.Store.GetShowtime(ctx, key); err != nil {
		return fail(c, err, nil, key)
	}
	h.Hub.WebsocketServer(ctx, key, middleware.ActorFrom(c).UserID).ServeHTTP(c.Response(), c.Request())
	return nil
}

// Hold handles POST /v1/showtimes/:key/holds with {"seat":"B5"}.
func (h *SeatingHandler) Hold(c echo.Context) error {
	key, seat, err := h.seatRequest(c)
	if err != nil {
		return fail(c, err, h.Hub, key)
	}
	ctx := c.Request().Context()
	ev, err := h.Registry.TryHold(ctx, key, seat, middleware.ActorFrom(c).UserID)
	if err != nil {
		return fail(c, err, h.Hub, key)
	}
	h.publish(ctx, ev)
	return c.JSON(http.StatusCreated, echo.Map{"seat": seat, "event": ev})
}

// Release handles DELETE /v1/showtimes/:key/holds/:seat.
func (h *SeatingHandler) Release(c echo.Context) error {
	key, err := showtimeParam(c)
	if err != nil {
		return fail(c, err, nil, key)
	}
	seat, err := model.ParseSeatID(c.Param("seat"))
	if err != nil {
		return fail(c, err, nil, key)
	}
	ctx := c.Request().Context()
	ev, changed, err := h.Registry.Release(ctx, key, seat, middleware.ActorFrom(c).UserID)
	if err != nil {
		return fail(c, err, nil, key)
	}
	if changed {
		h.publish(ctx, ev)
	}
	return c.NoContent(http.StatusNoContent)
}

// Heartbeat handles POST /v1/showtimes/:key/heartbeat with
// {"seats":[...]} and returns the seats still held.
func (h *SeatingHandler) Heartbeat(c echo.Context) error {
	key, err := showtimeParam(c)
	if err != nil {
		return fail(c, err, nil, key)
	}
	var body struct {
		Seats []model.SeatID `json:"seats"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body", "code": model.Code(model.ErrInvalidRequest)})
	}
	seats := make([]model.SeatID, 0, len(body.Seats))
	for _, raw := range body.Seats {
		s, err := model.ParseSeatID(string(raw))
		if err != nil {
			return fail(c, err, nil, key)
		}
		seats = append(seats, s)
	}
	live, err := h.Registry.Refresh(c.Request().Context(), key, middleware.ActorFrom(c).UserID, seats)
	if err != nil {
		return fail(c, err, nil, key)
	}
	if live == nil {
		live = []model.SeatID{}
	}
	return c.JSON(http.StatusOK, echo.Map{"held": live})
}

func (h *SeatingHandler) publish(ctx context.Context, events ...model.SeatEvent) {
	if err := h.Events.Publish(ctx, events...); err != nil {
		logging.FromContext(ctx).WithError(err).Error("publish seat events")
	}
}

func (h *SeatingHandler) seatRequest(c echo.Context) (model.ShowtimeKey, model.SeatID, error) {
	key, err := showtimeParam(c)
	if err != nil {
		return model.ShowtimeKey{}, "", err
	}
	var body struct {
		Seat string `json:"seat"`
	}
	if err := c.Bind(&body); err != nil {
		return key, "", model.ErrInvalidRequest
	}
	seat, err := model.ParseSeatID(body.Seat)
	if err != nil {
		return key, "", err
	}
	st, err := h.Store.GetShowtime(c.Request().Context(), key)
	if err != nil {
		return key, "", err
	}
	if !st.HasSeat(seat) {
		return key, "", model.ErrInvalidSeat
	}
	return key, seat, nil
}
