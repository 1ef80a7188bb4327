// Package service holds outbound integrations of the booking core.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/iliyamo/showtime-seating/internal/logging"
	"github.com/iliyamo/showtime-seating/internal/model"
	"github.com/iliyamo/showtime-seating/internal/queue"
)

// channel is the part of *amqp.Channel the notifier uses.
type channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type dialFunc func(url string) (channel, func() error, error)

func dialAMQP(url string) (channel, func() error, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	return ch, conn.Close, nil
}

// RabbitNotifier publishes booking.confirmed messages.  The connection
// is opened on first use and reopened after a failed publish.
type RabbitNotifier struct {
	url  string
	dial dialFunc

	mu        sync.Mutex
	ch        channel
	closeConn func() error
}

// NewRabbitNotifier returns a notifier for the broker at url.
func NewRabbitNotifier(url string) *RabbitNotifier {
	return &RabbitNotifier{url: url, dial: dialAMQP}
}

// BookingConfirmed publishes the confirmation of b as a persistent message.
func (n *RabbitNotifier) BookingConfirmed(ctx context.Context, b model.Booking) error {
	body, err := json.Marshal(queue.NewBookingConfirmed(b))
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	ch, err := n.channelLocked()
	if err != nil {
		return fmt.Errorf("rabbitmq connect: %w", err)
	}
	err = ch.PublishWithContext(ctx, "", queue.BookingQueue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		MessageId:    b.ID,
		Body:         body,
	})
	if err != nil {
		n.resetLocked()
		return fmt.Errorf("rabbitmq publish: %w", err)
	}
	logging.FromContext(ctx).WithField("booking_id", b.ID).Debug("booking confirmation published")
	return nil
}

// Close releases the broker connection.
func (n *RabbitNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.resetLocked()
	return nil
}

func (n *RabbitNotifier) channelLocked() (channel, error) {
	if n.ch != nil {
		return n.ch, nil
	}
	ch, closeConn, err := n.dial(n.url)
	if err != nil {
		return nil, err
	}
	if _, err := ch.QueueDeclare(queue.BookingQueue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = closeConn()
		return nil, err
	}
	n.ch, n.closeConn = ch, closeConn
	return ch, nil
}

func (n *RabbitNotifier) resetLocked() {
	if n.ch != nil {
		_ = n.ch.Close()
	}
	if n.closeConn != nil {
		_ = n.closeConn()
	}
	n.ch, n.closeConn = nil, nil
}
