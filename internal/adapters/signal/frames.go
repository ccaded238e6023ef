package signal

import (
	"encoding/json"

	"github.com/dkeye/callsync/internal/domain"
)

// Relay events on the wire.
const (
	EventJoin              = "join_consultation_room"
	EventAck               = "ack"
	EventSignal            = "signal"
	EventReady             = "webrtc_client_ready_for_timer"
	EventIceRestart        = "ice_restart_initiated"
	EventBookingStatus     = "booking_status_update"
	EventParticipantJoined = "participant_joined"
	EventError             = "error"
)

// Frame is one websocket text message exchanged with the relay.
type Frame struct {
	Event string          `json:"event"`
	ID    int64           `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type ackData struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}

type signalData struct {
	SessionID domain.SessionID      `json:"sessionId"`
	BookingID domain.BookingID      `json:"bookingId"`
	RoomID    domain.RoomID         `json:"roomId"`
	To        domain.Role           `json:"to,omitempty"`
	Signal    domain.SignalEnvelope `json:"signal"`
}

type readyData struct {
	BookingID domain.BookingID       `json:"bookingId"`
	SessionID domain.SessionID       `json:"sessionId"`
	RoomID    domain.RoomID          `json:"roomId"`
	Signal    *domain.SignalEnvelope `json:"signal,omitempty"`
}

type iceRestartData struct {
	BookingID domain.BookingID `json:"bookingId"`
}

type bookingStatusData struct {
	BookingID domain.BookingID `json:"bookingId"`
	Status    string           `json:"status"`
}

type participantData struct {
	BookingID domain.BookingID `json:"bookingId"`
	RoomID    domain.RoomID    `json:"roomId"`
	Role      domain.Role      `json:"role"`
}

type errorData struct {
	Message string `json:"message"`
}

func encodeFrame(event string, id int64, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Event: event, ID: id, Data: data})
}
