// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

const (
	MaxBookingIDLen = 64
	MaxRoomIDLen    = 128
)

var (
	ErrBookingIDEmpty      = errors.New("booking id empty")
	ErrBookingIDTooLong    = errors.New("booking id too long")
	ErrRoomIDEmpty         = errors.New("room id empty")
	ErrRoomIDTooLong       = errors.New("room id too long")
	ErrUnknownConsultation = errors.New("unknown consultation type")
	ErrUnknownRole         = errors.New("unknown role")
)

type (
	SessionID string
	BookingID string
	RoomID    string
)

type ConsultationType string

const (
	ConsultationChat  ConsultationType = "chat"
	ConsultationVoice ConsultationType = "voice"
	ConsultationVideo ConsultationType = "video"
)

func (t ConsultationType) Valid() bool {
	switch t {
	case ConsultationChat, ConsultationVoice, ConsultationVideo:
		return true
	}
	return false
}

// HasAudio reports whether the consultation carries an audio track.
func (t ConsultationType) HasAudio() bool { return t == ConsultationVoice || t == ConsultationVideo }

// HasVideo reports whether the consultation carries a video track.
func (t ConsultationType) HasVideo() bool { return t == ConsultationVideo }

// Role is the local participant's part in negotiation. The initiator
// creates offers, the responder answers them.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

func (r Role) Valid() bool { return r == RoleInitiator || r == RoleResponder }

// Peer returns the opposite role.
func (r Role) Peer() Role {
	if r == RoleInitiator {
		return RoleResponder
	}
	return RoleInitiator
}

// SessionDescriptor identifies one live call attempt. Immutable once created.
type SessionDescriptor struct {
	SessionID        SessionID        `json:"sessionId"`
	BookingID        BookingID        `json:"bookingId"`
	RoomID           RoomID           `json:"roomId"`
	ConsultationType ConsultationType `json:"consultationType"`
	LocalRole        Role             `json:"localRole"`
	CreatedAt        time.Time        `json:"createdAt"`
}

// NewSessionDescriptor validates the request fields and assigns a fresh session id.
func NewSessionDescriptor(booking BookingID, room RoomID, ct ConsultationType, role Role, now time.Time) (SessionDescriptor, error) {
	switch {
	case booking == "":
		return SessionDescriptor{}, ErrBookingIDEmpty
	case len(booking) > MaxBookingIDLen:
		return SessionDescriptor{}, ErrBookingIDTooLong
	case room == "":
		return SessionDescriptor{}, ErrRoomIDEmpty
	case len(room) > MaxRoomIDLen:
		return SessionDescriptor{}, ErrRoomIDTooLong
	case !ct.Valid():
		return SessionDescriptor{}, ErrUnknownConsultation
	case !role.Valid():
		return SessionDescriptor{}, ErrUnknownRole
	}
	return SessionDescriptor{
		SessionID:        SessionID(uuid.NewString()),
		BookingID:        booking,
		RoomID:           room,
		ConsultationType: ct,
		LocalRole:        role,
		CreatedAt:        now,
	}, nil
}
