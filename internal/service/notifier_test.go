package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/showtime-seating/internal/model"
	"github.com/iliyamo/showtime-seating/internal/queue"
)

type fakeChannel struct {
	declared  []string
	published []amqp.Publishing
	keys      []string
	failNext  bool
	closed    bool
}

func (f *fakeChannel) QueueDeclare(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	f.declared = append(f.declared, name)
	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	if f.failNext {
		f.failNext = false
		return errors.New("channel closed")
	}
	f.keys = append(f.keys, key)
	f.published = append(f.published, msg)
	return nil
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

func TestRabbitNotifierPublishes(t *testing.T) {
	var dials []*fakeChannel
	n := NewRabbitNotifier("amqp://test")
	n.dial = func(string) (channel, func() error, error) {
		ch := &fakeChannel{}
		dials = append(dials, ch)
		return ch, func() error { return nil }, nil
	}

	b := model.Booking{ID: "bk-1", UserID: "x", Seats: []model.SeatID{"A1"}, Quantity: 1, Status: model.BookingConfirmed}
	require.NoError(t, n.BookingConfirmed(context.Background(), b))
	require.NoError(t, n.BookingConfirmed(context.Background(), b))
	require.Len(t, dials, 1)
	assert.Equal(t, []string{queue.BookingQueue}, dials[0].declared)
	assert.Equal(t, []string{queue.BookingQueue, queue.BookingQueue}, dials[0].keys)

	var ev queue.BookingConfirmedEvent
	require.NoError(t, json.Unmarshal(dials[0].published[0].Body, &ev))
	assert.Equal(t, "bk-1", ev.BookingID)
	assert.Equal(t, amqp.Persistent, dials[0].published[0].DeliveryMode)

	dials[0].failNext = true
	assert.Error(t, n.BookingConfirmed(context.Background(), b))
	assert.True(t, dials[0].closed)
	require.NoError(t, n.BookingConfirmed(context.Background(), b))
	assert.Len(t, dials, 2)
}

func TestRabbitNotifierDialFailure(t *testing.T) {
	n := NewRabbitNotifier("amqp://test")
	n.dial = func(string) (channel, func() error, error) { return nil, nil, errors.New("refused") }
	err := n.BookingConfirmed(context.Background(), model.Booking{ID: "bk-1"})
	assert.ErrorContains(t, err, "refused")
}
