package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/showtime-seating/internal/booking"
	"github.com/iliyamo/showtime-seating/internal/middleware"
	"github.com/iliyamo/showtime-seating/internal/model"
)

// BookingHandler exposes the booking finalizer.
type BookingHandler struct {
	Finalizer *booking.Finalizer
	Views     Viewer
}

func NewBookingHandler(f *booking.Finalizer, views Viewer) *BookingHandler {
	if f == nil {
		panic("nil finalizer passed to NewBookingHandler")
	}
	return &BookingHandler{Finalizer: f, Views: views}
}

type bookingResponse struct {
	model.Booking
	Showtime string `json:"showtime"`
}

func present(b model.Booking) bookingResponse {
	return bookingResponse{Booking: b, Showtime: b.Showtime.String()}
}

// Create handles POST /v1/showtimes/:key/bookings.  Without a payment
// proof the booking is returned PENDING with 202.
func (h *BookingHandler) Create(c echo.Context) error {
	key, err := showtimeParam(c)
	if err != nil {
		return fail(c, err, nil, key)
	}
	var body struct {
		Seats           []model.SeatID `json:"seats"`
		Quantity        int            `json:"quantity"`
		TotalPriceCents int64          `json:"total_price_cents"`
		PaymentProof    string         `json:"payment_proof"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body", "code": model.Code(model.ErrInvalidRequest)})
	}
	b, err := h.Finalizer.CreateBooking(c.Request().Context(), booking.CreateRequest{
		UserID:          middleware.ActorFrom(c).UserID,
		Showtime:        key,
		Seats:           body.Seats,
		Quantity:        body.Quantity,
		TotalPriceCents: body.TotalPriceCents,
		PaymentProof:    body.PaymentProof,
	})
	if err != nil {
		return fail(c, err, h.Views, key)
	}
	status := http.StatusCreated
	if b.Status == model.BookingPending {
		status = http.StatusAccepted
	}
	return c.JSON(status, present(b))
}

// Pay handles POST /v1/bookings/:id/payment.
func (h *BookingHandler) Pay(c echo.Context) error {
	var body struct {
		PaymentProof string `json:"payment_proof"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body", "code": model.Code(model.ErrInvalidRequest)})
	}
	ctx := c.Request().Context()
	actor := middleware.ActorFrom(c)
	b, err := h.Finalizer.ConfirmPayment(ctx, c.Param("id"), actor.UserID, body.PaymentProof)
	if err != nil {
		return fail(c, err, h.Views, h.showtimeOf(c, actor))
	}
	return c.JSON(http.StatusOK, present(b))
}

// Get handles GET /v1/bookings/:id.
func (h *BookingHandler) Get(c echo.Context) error {
	b, err := h.Finalizer.GetBooking(c.Request().Context(), c.Param("id"), middleware.ActorFrom(c))
	if err != nil {
		return fail(c, err, nil, model.ShowtimeKey{})
	}
	return c.JSON(http.StatusOK, present(b))
}

// Cancel handles DELETE /v1/bookings/:id.
func (h *BookingHandler) Cancel(c echo.Context) error {
	b, err := h.Finalizer.CancelBooking(c.Request().Context(), c.Param("id"), middleware.ActorFrom(c))
	if err != nil {
		return fail(c, err, nil, model.ShowtimeKey{})
	}
	return c.JSON(http.StatusOK, present(b))
}

// Mine handles GET /v1/my-bookings.
func (h *BookingHandler) Mine(c echo.Context) error {
	list, err := h.Finalizer.ListBookings(c.Request().Context(), middleware.ActorFrom(c).UserID)
	if err != nil {
		return fail(c, err, nil, model.ShowtimeKey{})
	}
	out := make([]bookingResponse, 0, len(list))
	for _, b := range list {
		out = append(out, present(b))
	}
	return c.JSON(http.StatusOK, echo.Map{"items": out})
}

// showtimeOf looks up the showtime of the booking in the path so a
// payment rejection can carry its seat map.
func (h *BookingHandler) showtimeOf(c echo.Context, actor model.Actor) model.ShowtimeKey {
	b, err := h.Finalizer.GetBooking(c.Request().Context(), c.Param("id"), actor)
	if err != nil {
		return model.ShowtimeKey{}
	}
	return b.Showtime
}
