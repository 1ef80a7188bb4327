// Package router registers the HTTP routes of the seating API.
package router

import (
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/showtime-seating/internal/config"
	"github.com/iliyamo/showtime-seating/internal/handler"
	"github.com/iliyamo/showtime-seating/internal/middleware"
	"github.com/iliyamo/showtime-seating/internal/model"
)

// Deps are the handlers and shared clients the routes need.  Redis may be
// nil, which turns off rate limiting and response caching.
type Deps struct {
	JWTSecret string
	Seating   *handler.SeatingHandler
	Bookings  *handler.BookingHandler
	Admin     *handler.AdminHandler
	Checks    map[string]handler.Check
	Redis     redis.UniversalClient
	RateLimit config.RateLimitConfig
	Cache     config.CacheConfig
}

// Register mounts every route on e.
func Register(e *echo.Echo, d Deps) {
	e.GET("/healthz", handler.Health(d.Checks))

	limit := middleware.NewTokenBucket(d.RateLimit, d.Redis)
	cache := middleware.NewRedisCache(d.Cache, d.Redis)
	customer := middleware.RequireRole(model.RoleCustomer, model.RoleAdmin)

	v1 := e.Group("/v1")
	v1.GET("/showtimes/:key/seats", d.Seating.Seats, cache)
	v1.GET("/showtimes/:key/ws", d.Seating.Socket, middleware.OptionalJWT(d.JWTSecret))

	auth := v1.Group("", middleware.JWTAuth(d.JWTSecret), customer)
	auth.POST("/showtimes/:key/holds", d.Seating.Hold, limit)
	auth.DELETE("/showtimes/:key/holds/:seat", d.Seating.Release, limit)
	auth.POST("/showtimes/:key/heartbeat", d.Seating.Heartbeat)
	auth.POST("/showtimes/:key/bookings", d.Bookings.Create, limit)
	auth.POST("/bookings/:id/payment", d.Bookings.Pay, limit)
	auth.GET("/bookings/:id", d.Bookings.Get)
	auth.DELETE("/bookings/:id", d.Bookings.Cancel)
	auth.GET("/my-bookings", d.Bookings.Mine)

	admin := v1.Group("/admin", middleware.JWTAuth(d.JWTSecret), middleware.RequireRole(model.RoleAdmin))
	admin.POST("/showtimes", d.Admin.UpsertShowtime)
}
