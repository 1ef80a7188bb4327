package logging

import (
	"bytes"
	"context"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestFromContextFallsBackToStandardLogger(t *testing.T) {
	e := FromContext(context.Background())
	assert.Equal(t, logrus.StandardLogger(), e.Logger)
}

func TestContextRoundTrip(t *testing.T) {
	entry := logrus.WithField("correlation_id", "abc")
	ctx := ToContext(context.Background(), entry)
	ctx = ContextWithCorrelationID(ctx, "abc")

	assert.Same(t, entry, FromContext(ctx))
	assert.Equal(t, "abc", CorrelationIDFromContext(ctx))
	assert.Empty(t, CorrelationIDFromContext(context.Background()))
}

func TestWatermillAdapterCarriesFields(t *testing.T) {
	var buf bytes.Buffer
	l := logrus.New()
	l.SetOutput(&buf)
	l.SetFormatter(&logrus.JSONFormatter{})

	adapter := NewWatermill(logrus.NewEntry(l)).With(watermill.LogFields{"topic": "seats"})
	adapter.Info("subscribed", watermill.LogFields{"consumer": "hub"})

	out := buf.String()
	assert.Contains(t, out, `"topic":"seats"`)
	assert.Contains(t, out, `"consumer":"hub"`)
	assert.Contains(t, out, `"msg":"subscribed"`)
}
