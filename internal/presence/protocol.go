package presence

import "github.com/iliyamo/showtime-seating/internal/model"

// Message types sent by clients.
const (
	TypeHold      = "hold"
	TypeRelease   = "release"
	TypeHeartbeat = "heartbeat"
	TypeResync    = "resync"
)

// Message types sent by the hub.
const (
	TypeHoldResult    = "hold_result"
	TypeReleaseResult = "release_result"
	TypeSnapshot      = "snapshot"
	TypeSeat          = "seat"
	TypeError         = "error"
)

// Close reasons reported in the final error message of a session.
const (
	ReasonClosed   = "closed"
	ReasonIdle     = "idle_timeout"
	ReasonLagging  = "lagging"
	ReasonShutdown = "shutdown"
)

// Message is the single envelope used in both directions on a presence
// connection.  Which fields are set depends on Type.
type Message struct {
	Type      string           `json:"type"`
	RequestID string           `json:"request_id,omitempty"`
	Seat      model.SeatID     `json:"seat,omitempty"`
	Seats     []model.SeatID   `json:"seats,omitempty"`
	OK        bool             `json:"ok,omitempty"`
	Code      string           `json:"code,omitempty"`
	Error     string           `json:"error,omitempty"`
	Event     *model.SeatEvent `json:"event,omitempty"`
	Snapshot  *View            `json:"snapshot,omitempty"`
}

// View is the seat map a viewer starts from: the grid, active holds,
// booked seats and the version of every seat that has ever changed.
type View struct {
	Showtime  string                  `json:"showtime"`
	SeatLevel bool                    `json:"seat_level"`
	Rows      int                     `json:"rows,omitempty"`
	Cols      int                     `json:"cols,omitempty"`
	Capacity  int                     `json:"capacity"`
	Remaining int                     `json:"remaining"`
	Holds     map[model.SeatID]string `json:"holds"`
	Booked    []model.SeatID          `json:"booked"`
	Versions  map[model.SeatID]uint64 `json:"versions"`
}

// Status reports the status of seat in the view.
func (v View) Status(seat model.SeatID) model.SeatStatus {
	for _, b := range v.Booked {
		if b == seat {
			return model.SeatBooked
		}
	}
	if _, ok := v.Holds[seat]; ok {
		return model.SeatHeld
	}
	return model.SeatFree
}

func errorMessage(typ, requestID string, err error) Message {
	return Message{Type: typ, RequestID: requestID, Code: model.Code(err), Error: err.Error()}
}
