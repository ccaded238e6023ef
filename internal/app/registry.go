package app

import (
	"errors"
	"sync"

	"github.com/dkeye/callsync/internal/domain"
	"github.com/rs/zerolog/log"
)

// ErrSessionActive is returned when a booking already has a live session.
var ErrSessionActive = errors.New("session already active for booking")

// Session is what the registry needs from a running controller.
type Session interface {
	Descriptor() domain.SessionDescriptor
	Done() <-chan struct{}
}

// Registry indexes live sessions by id and by booking. At most one session
// per booking is live at a time.
type Registry struct {
	mu        sync.RWMutex
	sessions  map[domain.SessionID]Session
	byBooking map[domain.BookingID]domain.SessionID
}

func NewRegistry() *Registry {
	return &Registry{
		sessions:  make(map[domain.SessionID]Session),
		byBooking: make(map[domain.BookingID]domain.SessionID),
	}
}

// Reserve claims the booking for s. The entry is dropped once s is done.
func (r *Registry) Reserve(s Session) error {
	d := s.Descriptor()
	r.mu.Lock()
	if _, ok := r.byBooking[d.BookingID]; ok {
		r.mu.Unlock()
		return ErrSessionActive
	}
	r.sessions[d.SessionID] = s
	r.byBooking[d.BookingID] = d.SessionID
	r.mu.Unlock()

	log.Info().Str("module", "app.registry").Str("sid", string(d.SessionID)).Str("booking", string(d.BookingID)).Msg("bound session")
	go func() {
		<-s.Done()
		r.Unbind(d.SessionID)
	}()
	return nil
}

func (r *Registry) Get(sid domain.SessionID) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sid]
	return s, ok
}

func (r *Registry) ByBooking(b domain.BookingID) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.byBooking[b]
	if !ok {
		return nil, false
	}
	return r.sessions[sid], true
}

func (r *Registry) Unbind(sid domain.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sid]
	if !ok {
		return
	}
	delete(r.sessions, sid)
	if b := s.Descriptor().BookingID; r.byBooking[b] == sid {
		delete(r.byBooking, b)
	}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("unbind session")
}

func (r *Registry) List() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
