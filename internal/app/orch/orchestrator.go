// Package orch wires session controllers to the shared relay and media
// factory and exposes them to the UI by session id.
package orch

import (
	"context"
	"errors"
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/callsync/internal/app"
	"github.com/dkeye/callsync/internal/app/callsession"
	"github.com/dkeye/callsync/internal/core"
	"github.com/dkeye/callsync/internal/domain"
	"github.com/rs/zerolog/log"
)

const ReasonShutdown = "shutdown"

var ErrSessionNotFound = errors.New("session not found")

// StartRequest is what the UI submits to open a call.
type StartRequest struct {
	BookingID        domain.BookingID        `json:"bookingId"`
	RoomID           domain.RoomID           `json:"roomId"`
	ConsultationType domain.ConsultationType `json:"consultationType"`
	Role             domain.Role             `json:"role"`
}

type Orchestrator struct {
	Registry *app.Registry
	Relay    core.SignalingRelay
	Media    core.MediaEngineFactory
	Config   callsession.Config
	Metrics  *callsession.Metrics
	Policy   callsession.FailurePolicy
	Clock    clock.Clock
}

func (o *Orchestrator) clock() clock.Clock {
	if o.Clock == nil {
		return clock.New()
	}
	return o.Clock
}

// Start creates a controller for req and begins joining. A booking with a
// live session is rejected with app.ErrSessionActive.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (domain.SessionDescriptor, error) {
	desc, err := domain.NewSessionDescriptor(req.BookingID, req.RoomID, req.ConsultationType, req.Role, o.clock().Now())
	if err != nil {
		return domain.SessionDescriptor{}, err
	}
	ctrl, err := callsession.New(desc, o.Config, callsession.Deps{
		Relay:   o.Relay,
		Media:   o.Media,
		Clock:   o.Clock,
		Metrics: o.Metrics,
		Policy:  o.Policy,
	})
	if err != nil {
		return domain.SessionDescriptor{}, fmt.Errorf("new session: %w", err)
	}
	if err := o.Registry.Reserve(ctrl); err != nil {
		ctrl.End(callsession.ReasonCancelled)
		return domain.SessionDescriptor{}, err
	}
	if err := ctrl.Start(ctx); err != nil {
		ctrl.End(callsession.ReasonCancelled)
		return domain.SessionDescriptor{}, fmt.Errorf("start session: %w", err)
	}
	log.Info().Str("module", "app.orch").Str("sid", string(desc.SessionID)).Str("booking", string(desc.BookingID)).Msg("session started")
	return desc, nil
}

// Session returns the live controller for sid.
func (o *Orchestrator) Session(sid domain.SessionID) (*callsession.Controller, bool) {
	s, ok := o.Registry.Get(sid)
	if !ok {
		return nil, false
	}
	ctrl, ok := s.(*callsession.Controller)
	return ctrl, ok
}

func (o *Orchestrator) End(sid domain.SessionID, reason string) error {
	ctrl, ok := o.Session(sid)
	if !ok {
		return ErrSessionNotFound
	}
	ctrl.End(reason)
	return nil
}

func (o *Orchestrator) Cancel(sid domain.SessionID) error {
	ctrl, ok := o.Session(sid)
	if !ok {
		return ErrSessionNotFound
	}
	ctrl.Cancel()
	return nil
}

func (o *Orchestrator) Snapshot(sid domain.SessionID) (callsession.Snapshot, error) {
	ctrl, ok := o.Session(sid)
	if !ok {
		return callsession.Snapshot{}, ErrSessionNotFound
	}
	return ctrl.Snapshot(), nil
}

func (o *Orchestrator) Subscribe(sid domain.SessionID, buffer int) (<-chan callsession.Event, func(), error) {
	ctrl, ok := o.Session(sid)
	if !ok {
		return nil, nil, ErrSessionNotFound
	}
	ch, cancel := ctrl.Subscribe(buffer)
	return ch, cancel, nil
}

// Shutdown ends every live session and waits until they are all done.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	sessions := o.Registry.List()
	for _, s := range sessions {
		if ctrl, ok := s.(*callsession.Controller); ok {
			ctrl.End(ReasonShutdown)
		}
	}
	for _, s := range sessions {
		select {
		case <-s.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	log.Info().Str("module", "app.orch").Int("sessions", len(sessions)).Msg("all sessions ended")
	return nil
}
