// Package events carries committed seat changes between the components
// that make them (hold intents, the sweeper, the finalizer) and the
// presence hub that fans them out.  The in-memory bus serves a single
// process; the Redis stream bus lets several processes share one
// registry and still deliver every change to every connected viewer.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/showtime-seating/internal/logging"
	"github.com/iliyamo/showtime-seating/internal/model"
)

// SeatTopic is the topic every seat change is published on.
const SeatTopic = "seating.seat_changed"

const correlationKey = "correlation_id"

// Bus publishes and consumes model.SeatEvent values.
type Bus struct {
	pub    message.Publisher
	sub    message.Subscriber
	logger watermill.LoggerAdapter
	topic  string
}

// NewInMemory returns a bus backed by a watermill Go channel pub/sub.
func NewInMemory(logger watermill.LoggerAdapter, buffer int64) *Bus {
	if buffer <= 0 {
		buffer = 1024
	}
	ps := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: buffer}, logger)
	return &Bus{pub: ps, sub: ps, logger: logger, topic: SeatTopic}
}

// NewRedisStream returns a bus on Redis streams.  The subscriber has no
// consumer group, so every process reads every event.
func NewRedisStream(rdb redis.UniversalClient, logger watermill.LoggerAdapter) (*Bus, error) {
	pub, err := redisstream.NewPublisher(redisstream.PublisherConfig{
		Client: rdb,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("redis stream publisher: %w", err)
	}
	sub, err := redisstream.NewSubscriber(redisstream.SubscriberConfig{
		Client: rdb,
	}, logger)
	if err != nil {
		_ = pub.Close()
		return nil, fmt.Errorf("redis stream subscriber: %w", err)
	}
	return &Bus{pub: pub, sub: sub, logger: logger, topic: SeatTopic}, nil
}

// Publish sends events in order.  A failure stops at the first event
// that could not be published.
func (b *Bus) Publish(ctx context.Context, events ...model.SeatEvent) error {
	if len(events) == 0 {
		return nil
	}
	msgs := make([]*message.Message, 0, len(events))
	for _, ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal seat event: %w", err)
		}
		msg := message.NewMessage(watermill.NewUUID(), payload)
		if id := logging.CorrelationIDFromContext(ctx); id != "" {
			msg.Metadata.Set(correlationKey, id)
		}
		msgs = append(msgs, msg)
	}
	if err := b.pub.Publish(b.topic, msgs...); err != nil {
		return fmt.Errorf("publish seat events: %w", err)
	}
	return nil
}

// Close releases the publisher and subscriber.
func (b *Bus) Close() error {
	perr := b.pub.Close()
	if b.sub != nil && any(b.sub) != any(b.pub) {
		if err := b.sub.Close(); err != nil && perr == nil {
			perr = err
		}
	}
	return perr
}

// HandlerFunc consumes one decoded event.
type HandlerFunc func(ctx context.Context, ev model.SeatEvent) error

// Consumer runs a watermill router that feeds decoded seat events to a
// handler.
type Consumer struct {
	router *message.Router
}

// NewConsumer wires handle to the bus under name.
func (b *Bus) NewConsumer(name string, handle HandlerFunc) (*Consumer, error) {
	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: 5 * time.Second}, b.logger)
	if err != nil {
		return nil, fmt.Errorf("new router: %w", err)
	}
	useMiddlewares(router)
	router.AddNoPublisherHandler(name, b.topic, b.sub, func(msg *message.Message) error {
		var ev model.SeatEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			// Poison message: ack and move on, a retry cannot fix it.
			logging.FromContext(msg.Context()).WithError(err).Error("drop undecodable seat event")
			return nil
		}
		return handle(msg.Context(), ev)
	})
	return &Consumer{router: router}, nil
}

// Run blocks until ctx is cancelled or the router fails.
func (c *Consumer) Run(ctx context.Context) error {
	return c.router.Run(ctx)
}

// Running is closed once the router has subscribed.
func (c *Consumer) Running() chan struct{} {
	return c.router.Running()
}

// Close stops the router.
func (c *Consumer) Close() error {
	return c.router.Close()
}
