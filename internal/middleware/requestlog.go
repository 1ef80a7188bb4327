package middleware

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/lithammer/shortuuid/v3"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/showtime-seating/internal/logging"
)

// CorrelationHeader carries the request correlation id in both directions.
const CorrelationHeader = "X-Correlation-ID"

// RequestLogger attaches a logrus entry with a correlation id to the
// request context and logs one line per request.
func RequestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			cid := req.Header.Get(CorrelationHeader)
			if cid == "" {
				cid = shortuuid.New()
			}
			c.Response().Header().Set(CorrelationHeader, cid)

			entry := logging.FromContext(req.Context()).WithFields(logrus.Fields{
				"correlation_id": cid,
				"method":         req.Method,
				"route":          c.Path(),
			})
			ctx := logging.ContextWithCorrelationID(req.Context(), cid)
			c.SetRequest(req.WithContext(logging.ToContext(ctx, entry)))

			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			fields := logrus.Fields{
				"status":     c.Response().Status,
				"latency_ms": time.Since(start).Milliseconds(),
			}
			if user := ActorFrom(c).UserID; user != "" {
				fields["user_id"] = user
			}
			log := entry.WithFields(fields)
			switch {
			case c.Response().Status >= 500:
				log.WithError(err).Error("request failed")
			case c.Response().Status >= 400:
				log.Info("request rejected")
			default:
				log.Debug("request served")
			}
			return nil
		}
	}
}
