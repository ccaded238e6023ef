package orch

import (
	"github.com/dkeye/callsync/internal/app/callsession"
	"github.com/dkeye/callsync/internal/domain"
	"github.com/rs/zerolog/log"
)

// Booking statuses after which no call may continue.
const (
	BookingCompleted = "completed"
	BookingCancelled = "cancelled"
	BookingExpired   = "expired"
	BookingRejected  = "rejected"
)

func terminalBooking(status string) bool {
	switch status {
	case BookingCompleted, BookingCancelled, BookingExpired, BookingRejected:
		return true
	}
	return false
}

// WatchBookings ends sessions whose booking reaches a terminal status.
func (o *Orchestrator) WatchBookings() (stop func()) {
	return o.Relay.OnBookingStatus(o.onBookingStatus)
}

func (o *Orchestrator) onBookingStatus(booking domain.BookingID, status string) {
	log.Info().Str("module", "app.orch").Str("booking", string(booking)).Str("status", status).Msg("booking status")
	if !terminalBooking(status) {
		return
	}
	s, ok := o.Registry.ByBooking(booking)
	if !ok {
		return
	}
	if ctrl, ok := s.(*callsession.Controller); ok {
		ctrl.End("booking " + status)
	}
}
