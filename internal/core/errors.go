package core

import (
	"errors"
	"fmt"
)

var (
	// ErrSignaling covers rejected room joins and an unreachable relay.
	ErrSignaling = errors.New("signaling error")
	// ErrNegotiation covers malformed or out-of-sequence envelopes.
	ErrNegotiation = errors.New("negotiation error")
	// ErrMedia covers denied permissions and unavailable devices.
	ErrMedia = errors.New("media error")
	// ErrConnectivity covers ICE and peer connection failures.
	ErrConnectivity = errors.New("connectivity error")
	// ErrHandshakeTimeout is returned when the dual-ready handshake does not complete.
	ErrHandshakeTimeout = errors.New("handshake timeout")

	ErrBackpressure = errors.New("backpressure")
	ErrClosed       = errors.New("connection closed")
)

// SessionError attaches a taxonomy kind and the failing operation to a cause.
type SessionError struct {
	Kind error
	Op   string
	Err  error
}

func NewError(kind error, op string, err error) *SessionError {
	return &SessionError{Kind: kind, Op: op, Err: err}
}

func (e *SessionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }

func (e *SessionError) Is(target error) bool { return target == e.Kind }

// KindOf returns the taxonomy sentinel of the outermost SessionError in
// err's chain, falling back to a plain sentinel match. nil when unclassified.
func KindOf(err error) error {
	var se *SessionError
	if errors.As(err, &se) {
		return se.Kind
	}
	for _, k := range []error{ErrSignaling, ErrNegotiation, ErrMedia, ErrConnectivity, ErrHandshakeTimeout} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
