package events

import (
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/lithammer/shortuuid/v3"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/showtime-seating/internal/logging"
)

func useMiddlewares(router *message.Router) {
	router.AddMiddleware(middleware.Recoverer)
	router.AddMiddleware(correlationMiddleware)
	router.AddMiddleware(loggingMiddleware)
}

func correlationMiddleware(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		ctx := msg.Context()

		id := msg.Metadata.Get(correlationKey)
		if id == "" {
			id = shortuuid.New()
		}

		ctx = logging.ToContext(ctx, logrus.WithFields(logrus.Fields{correlationKey: id}))
		ctx = logging.ContextWithCorrelationID(ctx, id)
		msg.SetContext(ctx)

		return h(msg)
	}
}

func loggingMiddleware(next message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		logger := logging.FromContext(msg.Context()).WithField("message_uuid", msg.UUID)

		msgs, err := next(msg)
		if err != nil {
			logger.WithError(err).Error("seat event handling error")
			return msgs, err
		}
		logger.Trace("seat event handled")
		return msgs, nil
	}
}
