package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/showtime-seating/internal/model"
)

// RequireRole aborts with 403 unless the authenticated caller has one of
// roles.  It must run after JWTAuth.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	allowed := make(map[string]bool, len(roles))
	for _, r := range roles {
		allowed[r] = true
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !allowed[ActorFrom(c).Role] {
				return c.JSON(http.StatusForbidden, echo.Map{
					"error": "forbidden",
					"code":  model.Code(model.ErrForbidden),
				})
			}
			return next(c)
		}
	}
}
