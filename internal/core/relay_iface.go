package core

import (
	"context"

	"github.com/dkeye/callsync/internal/domain"
)

// JoinRequest is the payload of join_consultation_room.
type JoinRequest struct {
	BookingID domain.BookingID `json:"bookingId"`
	RoomID    domain.RoomID    `json:"roomId"`
	SessionID domain.SessionID `json:"sessionId"`
	Role      domain.Role      `json:"role"`
}

type JoinAck struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}

// Route addresses an outbound envelope.
type Route struct {
	BookingID domain.BookingID
	RoomID    domain.RoomID
	To        domain.Role
}

type RelayEventType string

const (
	EventSignal       RelayEventType = "signal"
	EventPeerJoined   RelayEventType = "peer_joined"
	EventIceRestart   RelayEventType = "ice_restart"
	EventDisconnected RelayEventType = "disconnected"
)

// RelayEvent is one inbound notification for a joined room.
type RelayEvent struct {
	Type      RelayEventType
	RoomID    domain.RoomID
	BookingID domain.BookingID
	Envelope  domain.SignalEnvelope
	Role      domain.Role
	Err       error
}

// SignalingRelay abstracts the out-of-band message bus used to exchange
// negotiation data. Delivery is best-effort and unordered across kinds.
type SignalingRelay interface {
	// Join is idempotent per room; rejection is reported through the ack.
	Join(ctx context.Context, req JoinRequest) (JoinAck, error)
	// Leave forgets room membership locally.
	Leave(room domain.RoomID)
	// Send is fire-and-forget; only local enqueue failures are returned.
	Send(route Route, env domain.SignalEnvelope) error
	NotifyIceRestart(booking domain.BookingID) error
	// Subscribe registers fn for inbound events of room. Transport loss is
	// delivered to every subscriber as EventDisconnected.
	Subscribe(room domain.RoomID, fn func(RelayEvent)) (unsubscribe func())
	// OnBookingStatus registers fn for booking_status_update events.
	OnBookingStatus(fn func(booking domain.BookingID, status string)) (unsubscribe func())
}
