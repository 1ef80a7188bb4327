package middleware

import "github.com/labstack/echo/v4"

// rateIdentity names the caller for rate limit keys; anonymous callers
// share the "anon" bucket of their IP.
func rateIdentity(c echo.Context) string {
	if id := ActorFrom(c).UserID; id != "" {
		return id
	}
	return "anon"
}
