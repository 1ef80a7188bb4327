package presence

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/websocket"

	"github.com/iliyamo/showtime-seating/internal/logging"
	"github.com/iliyamo/showtime-seating/internal/model"
)

const writeWait = 10 * time.Second

// Conn is the transport of one session.  Receive is only called from
// the read loop and Send only from the write loop.
type Conn interface {
	Receive(m *Message) error
	Send(m Message) error
	SetReadDeadline(t time.Time) error
	Close() error
}

type wsConn struct {
	ws *websocket.Conn
}

// NewWSConn adapts a websocket connection.
func NewWSConn(ws *websocket.Conn) Conn { return &wsConn{ws: ws} }

func (c *wsConn) Receive(m *Message) error { return websocket.JSON.Receive(c.ws, m) }

func (c *wsConn) Send(m Message) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return websocket.JSON.Send(c.ws, m)
}

func (c *wsConn) SetReadDeadline(t time.Time) error { return c.ws.SetReadDeadline(t) }
func (c *wsConn) Close() error                      { return c.ws.Close() }

// WebsocketServer returns a websocket endpoint that joins key as holder.
// Origin checks are left to the HTTP layer in front of it.
func (h *Hub) WebsocketServer(ctx context.Context, key model.ShowtimeKey, holder string) websocket.Server {
	return websocket.Server{
		Handshake: func(*websocket.Config, *http.Request) error { return nil },
		Handler: func(ws *websocket.Conn) {
			h.Serve(ctx, NewWSConn(ws), key, holder)
		},
	}
}

// Serve runs a session over conn until the client leaves, goes idle,
// falls behind or the hub closes.  It releases the session's holds
// before returning.
func (h *Hub) Serve(ctx context.Context, conn Conn, key model.ShowtimeKey, holder string) {
	log := logging.FromContext(ctx).WithFields(logrus.Fields{"showtime": key.String(), "holder": holder})

	sess, err := h.Join(ctx, key, holder)
	if err != nil {
		_ = conn.Send(errorMessage(TypeError, "", err))
		_ = conn.Close()
		log.WithError(err).Debug("presence join refused")
		return
	}
	log = log.WithField("session_id", sess.ID)
	ctx = logging.ToContext(ctx, log)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writeLoop(sess, conn)
	}()

	reason := h.readLoop(ctx, sess, conn)
	sess.Close(reason)
	<-writerDone
	h.Leave(sess, reason)
	log.WithField("reason", sess.Reason()).Info("presence session ended")
}

func (h *Hub) readLoop(ctx context.Context, sess *Session, conn Conn) string {
	for {
		deadline := time.Now().Add(h.cfg.IdleTimeout)
		_ = conn.SetReadDeadline(deadline)
		var m Message
		if err := conn.Receive(&m); err != nil {
			if sess.closed() {
				return sess.Reason()
			}
			var ne net.Error
			if (errors.As(err, &ne) && ne.Timeout()) || !time.Now().Before(deadline) {
				return ReasonIdle
			}
			return ReasonClosed
		}
		h.Handle(ctx, sess, m)
	}
}

func (h *Hub) writeLoop(sess *Session, conn Conn) {
	defer conn.Close()
	for {
		select {
		case m := <-sess.send:
			if err := conn.Send(m); err != nil {
				sess.Close(ReasonClosed)
				return
			}
		case <-sess.done:
			if reason := sess.Reason(); reason != ReasonClosed {
				_ = conn.Send(Message{Type: TypeError, Code: reason, Error: "session closed: " + reason})
			}
			return
		}
	}
}
