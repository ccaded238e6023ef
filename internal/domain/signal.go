package domain

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

type SignalKind string

const (
	SignalOffer         SignalKind = "offer"
	SignalAnswer        SignalKind = "answer"
	SignalICECandidate  SignalKind = "ice-candidate"
	SignalReadyForTimer SignalKind = "ready-for-timer"
	SignalICERestart    SignalKind = "ice-restart"
	SignalEnd           SignalKind = "end"
)

func (k SignalKind) Valid() bool {
	switch k {
	case SignalOffer, SignalAnswer, SignalICECandidate, SignalReadyForTimer, SignalICERestart, SignalEnd:
		return true
	}
	return false
}

// SignalEnvelope is the unit exchanged through the relay. Payload is opaque
// to the relay; envelopes may be duplicated or reordered in transit.
type SignalEnvelope struct {
	SessionID  SessionID       `json:"sessionId"`
	Kind       SignalKind      `json:"kind"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	SenderRole Role            `json:"senderRole"`
}

// DescriptionPayload carries an offer or answer for one negotiation round.
// Restart is "ice" or "full" for renegotiations, empty for the first round.
type DescriptionPayload struct {
	Round   int    `json:"round"`
	Restart string `json:"restart,omitempty"`
	SDP     string `json:"sdp"`
}

const (
	RestartICE  = "ice"
	RestartFull = "full"
)

type CandidatePayload struct {
	Round     int                     `json:"round"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// ReadyPayload announces local media connectivity. Ack is set when the
// sender has already seen the receiver's own ready envelope.
type ReadyPayload struct {
	Round int  `json:"round"`
	Ack   bool `json:"ack"`
}

// RestartPayload asks the initiator to renegotiate.
type RestartPayload struct {
	Full bool `json:"full"`
}

type EndPayload struct {
	Reason string `json:"reason,omitempty"`
}

// NewEnvelope marshals payload into an envelope of the given kind.
func NewEnvelope(sid SessionID, kind SignalKind, sender Role, payload any) (SignalEnvelope, error) {
	env := SignalEnvelope{SessionID: sid, Kind: kind, SenderRole: sender}
	if payload == nil {
		return env, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return SignalEnvelope{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	env.Payload = b
	return env, nil
}

// Decode unmarshals the payload into v. An empty payload leaves v untouched.
func (e SignalEnvelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Kind, err)
	}
	return nil
}
