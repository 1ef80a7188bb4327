package handler

import (
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/showtime-seating/internal/model"
	"github.com/iliyamo/showtime-seating/internal/repository"
)

// AdminHandler provisions the showtime catalogue.
type AdminHandler struct {
	Store repository.SeatMapStore
}

func NewAdminHandler(store repository.SeatMapStore) *AdminHandler {
	return &AdminHandler{Store: store}
}

type showtimeRequest struct {
	EventID    string    `json:"event_id"`
	Date       string    `json:"date"`
	Location   string    `json:"location"`
	Time       string    `json:"time"`
	StartsAt   time.Time `json:"starts_at"`
	Capacity   int       `json:"capacity"`
	SeatRows   int       `json:"seat_rows"`
	SeatCols   int       `json:"seat_cols"`
	SeatLevel  bool      `json:"seat_level"`
	PriceCents int64     `json:"price_cents"`
}

func (r showtimeRequest) showtime() (model.Showtime, error) {
	st := model.Showtime{
		Key:        model.ShowtimeKey{EventID: r.EventID, Date: r.Date, Location: r.Location, Time: r.Time},
		StartsAt:   r.StartsAt.UTC(),
		Capacity:   r.Capacity,
		SeatRows:   r.SeatRows,
		SeatCols:   r.SeatCols,
		SeatLevel:  r.SeatLevel,
		PriceCents: r.PriceCents,
	}
	if err := st.Key.Validate(); err != nil {
		return st, err
	}
	if r.StartsAt.IsZero() {
		return st, fmt.Errorf("%w: starts_at is required", model.ErrInvalidRequest)
	}
	if r.PriceCents < 0 {
		return st, fmt.Errorf("%w: price_cents must not be negative", model.ErrInvalidRequest)
	}
	if st.SeatLevel {
		if r.SeatRows < 1 || r.SeatCols < 1 {
			return st, fmt.Errorf("%w: seat_rows and seat_cols are required for seat maps", model.ErrInvalidRequest)
		}
		st.Capacity = r.SeatRows * r.SeatCols
		return st, nil
	}
	if r.Capacity < 1 {
		return st, fmt.Errorf("%w: capacity must be positive", model.ErrInvalidRequest)
	}
	st.SeatRows, st.SeatCols = 0, 0
	return st, nil
}

// UpsertShowtime handles POST /v1/admin/showtimes.
func (h *AdminHandler) UpsertShowtime(c echo.Context) error {
	var req showtimeRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body", "code": model.Code(model.ErrInvalidRequest)})
	}
	st, err := req.showtime()
	if err != nil {
		return fail(c, err, nil, model.ShowtimeKey{})
	}
	if err := h.Store.UpsertShowtime(c.Request().Context(), st); err != nil {
		return fail(c, err, nil, model.ShowtimeKey{})
	}
	return c.JSON(http.StatusCreated, echo.Map{
		"key":         st.Key.String(),
		"starts_at":   st.StartsAt,
		"capacity":    st.Capacity,
		"seat_level":  st.SeatLevel,
		"seat_rows":   st.SeatRows,
		"seat_cols":   st.SeatCols,
		"price_cents": st.PriceCents,
	})
}
