package callsession

import (
	"errors"

	"github.com/dkeye/callsync/internal/core"
)

type FailureAction int

const (
	Reconnect FailureAction = iota
	Terminate
)

func (a FailureAction) String() string {
	if a == Terminate {
		return "terminate"
	}
	return "reconnect"
}

// FailurePolicy decides whether an error is retried by the reconnector or
// ends the session.
type FailurePolicy interface {
	OnFailure(err error) FailureAction
}

// DefaultPolicy retries signaling, negotiation and connectivity errors and
// terminates on media and handshake-timeout errors.
type DefaultPolicy struct{}

func (DefaultPolicy) OnFailure(err error) FailureAction {
	switch {
	case errors.Is(err, core.ErrMedia), errors.Is(err, core.ErrHandshakeTimeout):
		return Terminate
	case errors.Is(err, core.ErrSignaling), errors.Is(err, core.ErrNegotiation), errors.Is(err, core.ErrConnectivity):
		return Reconnect
	}
	return Terminate
}
