package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/showtime-seating/internal/logging"
	"github.com/iliyamo/showtime-seating/internal/model"
	"github.com/iliyamo/showtime-seating/internal/presence"
)

// Viewer renders the current seat map of a showtime.  *presence.Hub
// implements it.
type Viewer interface {
	View(ctx context.Context, key model.ShowtimeKey) (presence.View, error)
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, model.ErrSeatUnavailable),
		errors.Is(err, model.ErrHoldExpired),
		errors.Is(err, model.ErrSeatNoLongerAvailable),
		errors.Is(err, model.ErrCapacityExceeded),
		errors.Is(err, model.ErrShowtimeStarted):
		return http.StatusConflict
	case errors.Is(err, model.ErrPaymentUnconfirmed):
		return http.StatusPaymentRequired
	case errors.Is(err, model.ErrPersistence):
		return http.StatusServiceUnavailable
	case errors.Is(err, model.ErrBookingNotFound), errors.Is(err, model.ErrShowtimeNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, model.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, model.ErrInvalidSeat), errors.Is(err, model.ErrInvalidRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// seatRejection reports whether a rejection concerns seat state, in
// which case the client gets a fresh seat map to re-select from.
func seatRejection(err error) bool {
	return errors.Is(err, model.ErrSeatUnavailable) ||
		errors.Is(err, model.ErrHoldExpired) ||
		errors.Is(err, model.ErrSeatNoLongerAvailable) ||
		errors.Is(err, model.ErrCapacityExceeded) ||
		errors.Is(err, model.ErrPaymentUnconfirmed)
}

// fail writes {"error","code"} and, for seat rejections when views is
// set, the current "snapshot" of key.
func fail(c echo.Context, err error, views Viewer, key model.ShowtimeKey) error {
	status := statusOf(err)
	body := echo.Map{"error": err.Error(), "code": model.Code(err)}
	ctx := c.Request().Context()
	if status == http.StatusInternalServerError || status == http.StatusServiceUnavailable {
		logging.FromContext(ctx).WithError(err).Error("request failed")
		body["error"] = http.StatusText(status)
	}
	if views != nil && key.EventID != "" && seatRejection(err) {
		if v, verr := views.View(ctx, key); verr == nil {
			body["snapshot"] = v
		}
	}
	return c.JSON(status, body)
}

func showtimeParam(c echo.Context) (model.ShowtimeKey, error) {
	return model.ParseShowtimeKey(c.Param("key"))
}
