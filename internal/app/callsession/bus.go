package callsession

import (
	"sync"
	"time"

	"github.com/dkeye/callsync/internal/domain"
	"github.com/rs/zerolog/log"
)

type EventType string

const (
	EventState      EventType = "state"
	EventConnection EventType = "connection"
	EventIce        EventType = "ice"
	EventQuality    EventType = "quality"
	EventTimer      EventType = "timer"
	EventReconnect  EventType = "reconnect"
	EventTerminal   EventType = "terminal"
)

// Snapshot is the read-only view published to the UI.
type Snapshot struct {
	SessionID    domain.SessionID       `json:"sessionId"`
	BookingID    domain.BookingID       `json:"bookingId"`
	State        State                  `json:"state"`
	Connection   domain.ConnectionState `json:"connection"`
	Ice          domain.IceState        `json:"ice"`
	Tier         domain.QualityTier     `json:"tier"`
	Sample       *domain.QualitySample  `json:"sample,omitempty"`
	Elapsed      time.Duration          `json:"elapsed"`
	TimerRunning bool                   `json:"timerRunning"`
	Readiness    domain.TimerReadiness  `json:"readiness"`
	Reconnecting bool                   `json:"reconnecting"`
	Attempt      int                    `json:"attempt,omitempty"`
	RelayLost    bool                   `json:"relayLost,omitempty"`
	Error        string                 `json:"error,omitempty"`
	At           time.Time              `json:"at"`
}

type Event struct {
	Type     EventType `json:"type"`
	Snapshot Snapshot  `json:"snapshot"`
}

// Bus fans controller events out to subscribers. Publishing never blocks:
// a subscriber whose buffer is full misses the event.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	next   int
	last   *Event
	closed bool
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe returns a channel that first receives the latest event, if any.
// The channel is closed by cancel or when the bus closes.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.last != nil {
		ch <- *b.last
	}
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.last = &ev
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			log.Warn().Str("module", "callsession.bus").Int("sub", id).Str("type", string(ev.Type)).Msg("subscriber slow, event dropped")
		}
	}
}

// Last returns the most recent event.
func (b *Bus) Last() (Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.last == nil {
		return Event{}, false
	}
	return *b.last, true
}

// Close closes every subscriber channel. Later subscribers get the last
// event and a closed channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
