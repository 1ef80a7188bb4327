package seatctl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/websocket"

	"github.com/iliyamo/showtime-seating/internal/model"
	"github.com/iliyamo/showtime-seating/internal/presence"
)

// ErrGatewayClosed is returned for requests outstanding when the
// presence connection ends.
var ErrGatewayClosed = errors.New("gateway closed")

// PayFunc obtains a payment proof for a PENDING booking.
type PayFunc func(ctx context.Context, b model.Booking) (string, error)

// GatewayConfig describes where and as whom a WSGateway connects.
type GatewayConfig struct {
	BaseURL  string // e.g. http://localhost:8080
	Showtime model.ShowtimeKey
	Token    string // bearer token; empty joins read-only
	Pay      PayFunc
	HTTP     *http.Client
}

type waiter struct {
	typ string
	ch  chan presence.Message
}

// WSGateway speaks the presence protocol over a websocket for holds and
// the booking HTTP API for submissions.
type WSGateway struct {
	cfg  GatewayConfig
	base string
	ws   *websocket.Conn

	seq     atomic.Uint64
	mu      sync.Mutex
	pending map[string]waiter
	onEvent func(model.SeatEvent)
	onView  func(presence.View)
	ready   chan struct{}
	closed  bool
	reason  string
	done    chan struct{}
	sendMu  sync.Mutex
}

// Dial opens the presence socket of cfg.Showtime and waits for the
// initial snapshot.
func Dial(ctx context.Context, cfg GatewayConfig) (*WSGateway, error) {
	if cfg.HTTP == nil {
		cfg.HTTP = &http.Client{Timeout: 30 * time.Second}
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	room := base + "/v1/showtimes/" + cfg.Showtime.String()
	wsURL := strings.Replace(room, "http", "ws", 1) + "/ws"

	wcfg, err := websocket.NewConfig(wsURL, base)
	if err != nil {
		return nil, fmt.Errorf("websocket config: %w", err)
	}
	if cfg.Token != "" {
		wcfg.Header.Set("Authorization", "Bearer "+cfg.Token)
	}
	ws, err := wcfg.DialContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}
	g := &WSGateway{
		cfg:     cfg,
		base:    base,
		ws:      ws,
		pending: map[string]waiter{},
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
	go g.readLoop()

	select {
	case <-g.ready:
		return g, nil
	case <-g.done:
		return nil, fmt.Errorf("join %s: %w (%s)", cfg.Showtime, ErrGatewayClosed, g.Reason())
	case <-ctx.Done():
		_ = g.Close()
		return nil, ctx.Err()
	}
}

// OnEvent registers the receiver of seat events pushed by the room.
func (g *WSGateway) OnEvent(fn func(model.SeatEvent)) {
	g.mu.Lock()
	g.onEvent = fn
	g.mu.Unlock()
}

// OnSnapshot registers the receiver of snapshots pushed by the room.
func (g *WSGateway) OnSnapshot(fn func(presence.View)) {
	g.mu.Lock()
	g.onView = fn
	g.mu.Unlock()
}

// Done is closed when the socket ends.
func (g *WSGateway) Done() <-chan struct{} { return g.done }

// Reason is the close reason reported by the server, if any.
func (g *WSGateway) Reason() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reason
}

// Close ends the presence session; the server releases its holds.
func (g *WSGateway) Close() error {
	return g.ws.Close()
}

func (g *WSGateway) Snapshot(ctx context.Context) (presence.View, error) {
	reply, err := g.request(ctx, presence.Message{Type: presence.TypeResync}, presence.TypeSnapshot)
	if err != nil {
		return presence.View{}, err
	}
	if reply.Snapshot == nil {
		return presence.View{}, fmt.Errorf("snapshot reply without view")
	}
	return *reply.Snapshot, nil
}

func (g *WSGateway) Hold(ctx context.Context, seat model.SeatID) error {
	_, err := g.request(ctx, presence.Message{Type: presence.TypeHold, Seat: seat}, presence.TypeHoldResult)
	return err
}

func (g *WSGateway) Release(ctx context.Context, seat model.SeatID) error {
	_, err := g.request(ctx, presence.Message{Type: presence.TypeRelease, Seat: seat}, presence.TypeReleaseResult)
	return err
}

// Heartbeat extends the session's holds.  The hub does not reply.
func (g *WSGateway) Heartbeat() error {
	return g.send(presence.Message{Type: presence.TypeHeartbeat})
}

// Book creates a booking for seats and, when a PayFunc is configured,
// pays for it.
func (g *WSGateway) Book(ctx context.Context, seats []model.SeatID) (model.Booking, error) {
	var b model.Booking
	err := g.post(ctx, "/v1/showtimes/"+g.cfg.Showtime.String()+"/bookings", map[string]any{
		"seats":    seats,
		"quantity": len(seats),
	}, &b)
	if err != nil || g.cfg.Pay == nil {
		return b, err
	}
	proof, err := g.cfg.Pay(ctx, b)
	if err != nil {
		return model.Booking{}, fmt.Errorf("obtain payment proof: %w", err)
	}
	var confirmed model.Booking
	err = g.post(ctx, "/v1/bookings/"+url.PathEscape(b.ID)+"/payment", map[string]string{
		"payment_proof": proof,
	}, &confirmed)
	return confirmed, err
}

func (g *WSGateway) request(ctx context.Context, m presence.Message, replyType string) (presence.Message, error) {
	m.RequestID = strconv.FormatUint(g.seq.Add(1), 10)
	ch := make(chan presence.Message, 1)

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return presence.Message{}, ErrGatewayClosed
	}
	g.pending[m.RequestID] = waiter{typ: replyType, ch: ch}
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.pending, m.RequestID)
		g.mu.Unlock()
	}()

	if err := g.send(m); err != nil {
		return presence.Message{}, err
	}
	select {
	case reply, ok := <-ch:
		if !ok {
			return presence.Message{}, ErrGatewayClosed
		}
		if reply.Type == presence.TypeError || (!reply.OK && reply.Type != presence.TypeSnapshot) {
			return reply, remoteError(reply.Code, reply.Error)
		}
		return reply, nil
	case <-ctx.Done():
		return presence.Message{}, ctx.Err()
	}
}

func (g *WSGateway) send(m presence.Message) error {
	g.sendMu.Lock()
	defer g.sendMu.Unlock()
	_ = g.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return websocket.JSON.Send(g.ws, m)
}

func (g *WSGateway) readLoop() {
	defer func() {
		g.mu.Lock()
		g.closed = true
		for id, w := range g.pending {
			close(w.ch)
			delete(g.pending, id)
		}
		g.mu.Unlock()
		close(g.done)
	}()
	joined := false
	for {
		var m presence.Message
		if err := websocket.JSON.Receive(g.ws, &m); err != nil {
			return
		}

		g.mu.Lock()
		w, ok := g.pending[m.RequestID]
		if ok && m.RequestID != "" && (m.Type == w.typ || m.Type == presence.TypeError) {
			delete(g.pending, m.RequestID)
			w.ch <- m
		}
		onEvent, onView := g.onEvent, g.onView
		if m.Type == presence.TypeError && m.RequestID == "" {
			g.reason = m.Code
		}
		g.mu.Unlock()

		switch m.Type {
		case presence.TypeSnapshot:
			if m.Snapshot == nil {
				continue
			}
			if !joined {
				joined = true
				close(g.ready)
			}
			if onView != nil {
				onView(*m.Snapshot)
			}
		case presence.TypeSeat:
			if m.Event != nil && onEvent != nil {
				onEvent(*m.Event)
			}
		case presence.TypeError:
			if m.RequestID == "" {
				return
			}
		}
	}
}

type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (g *WSGateway) post(ctx context.Context, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.base+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if g.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+g.cfg.Token)
	}
	resp, err := g.cfg.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var ae apiError
		_ = json.NewDecoder(resp.Body).Decode(&ae)
		if ae.Error == "" {
			ae.Error = resp.Status
		}
		return remoteError(ae.Code, ae.Error)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func remoteError(code, msg string) error {
	if sentinel := model.FromCode(code); sentinel != nil {
		return fmt.Errorf("%s: %w", msg, sentinel)
	}
	if code == "" {
		return errors.New(msg)
	}
	return fmt.Errorf("%s (%s)", msg, code)
}
