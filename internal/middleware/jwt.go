// Package middleware holds the echo middleware shared by the API: bearer
// token authentication, role checks, request logging, Redis rate limiting
// and the Redis response cache.
package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/showtime-seating/internal/model"
)

const actorKey = "actor"

// Claims is the payload of an access token.  Subject carries the user id.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

var errNoToken = errors.New("missing bearer token")

// JWTAuth rejects requests without a valid HS256 bearer token and stores
// the caller as a model.Actor in the context.
func JWTAuth(secret string) echo.MiddlewareFunc {
	return auth(secret, false)
}

// OptionalJWT lets anonymous requests through as a zero Actor but still
// rejects a token that is present and invalid.  The token may also come
// from the token query parameter, which browsers need for websockets.
func OptionalJWT(secret string) echo.MiddlewareFunc {
	return auth(secret, true)
}

func auth(secret string, optional bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			actor, err := parseBearer(c, secret, optional)
			if errors.Is(err, errNoToken) && optional {
				c.Set(actorKey, model.Actor{})
				return next(c)
			}
			if err != nil {
				return c.JSON(http.StatusUnauthorized, echo.Map{
					"error": err.Error(),
					"code":  model.Code(model.ErrUnauthenticated),
				})
			}
			c.Set(actorKey, actor)
			c.Set("user_id", actor.UserID)
			c.Set("role", actor.Role)
			return next(c)
		}
	}
}

func parseBearer(c echo.Context, secret string, allowQuery bool) (model.Actor, error) {
	raw := ""
	if h := c.Request().Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		raw = strings.TrimPrefix(h, "Bearer ")
	} else if allowQuery {
		raw = c.QueryParam("token")
	}
	if raw == "" {
		return model.Actor{}, errNoToken
	}
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, echo.ErrUnauthorized
		}
		return []byte(secret), nil
	})
	if err != nil || !tok.Valid {
		return model.Actor{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return model.Actor{}, errors.New("invalid claims")
	}
	return model.Actor{UserID: claims.Subject, Role: claims.Role}, nil
}

// ActorFrom returns the caller stored by JWTAuth or OptionalJWT.
func ActorFrom(c echo.Context) model.Actor {
	if a, ok := c.Get(actorKey).(model.Actor); ok {
		return a
	}
	return model.Actor{}
}
