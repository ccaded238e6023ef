package callsession

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/callsync/internal/domain"
)

// BillingTimer accumulates billed duration across pauses.
type BillingTimer struct {
	clock       clock.Clock
	accumulated time.Duration
	since       time.Time
	running     bool
}

func NewBillingTimer(c clock.Clock) *BillingTimer {
	return &BillingTimer{clock: c}
}

// Resume starts or continues accumulation. No-op while running.
func (b *BillingTimer) Resume() {
	if b.running {
		return
	}
	b.since = b.clock.Now()
	b.running = true
}

// Pause stops accumulation and keeps what was billed so far.
func (b *BillingTimer) Pause() {
	if !b.running {
		return
	}
	b.accumulated += b.clock.Since(b.since)
	b.running = false
}

func (b *BillingTimer) Running() bool { return b.running }

func (b *BillingTimer) Elapsed() time.Duration {
	if b.running {
		return b.accumulated + b.clock.Since(b.since)
	}
	return b.accumulated
}

// TimerSync is the dual-ready handshake gating the billing timer. Not safe
// for concurrent use; the controller loop owns it.
type TimerSync struct {
	readiness domain.TimerReadiness
	// minRound is the oldest negotiation round whose ready envelopes count.
	minRound int
	ackSent  bool
	billing  *BillingTimer
}

func NewTimerSync(billing *BillingTimer) *TimerSync {
	return &TimerSync{billing: billing}
}

func (t *TimerSync) Readiness() domain.TimerReadiness { return t.readiness }

func (t *TimerSync) Billing() *BillingTimer { return t.billing }

// MarkLocalReady records local connectivity. changed is false when the
// side was already ready; started is true when this call started the timer.
func (t *TimerSync) MarkLocalReady() (changed, started bool) {
	if t.readiness.LocalReady {
		return false, false
	}
	t.readiness.LocalReady = true
	return true, t.tryStart()
}

// MarkRemoteReady records a peer ready envelope. replyAck asks the caller
// to answer once per round when the peer has not yet seen our ready.
// A zero round comes from peers that do not tag rounds and always counts.
func (t *TimerSync) MarkRemoteReady(p domain.ReadyPayload) (started, replyAck bool) {
	if p.Round != 0 && p.Round < t.minRound {
		return false, false
	}
	if t.readiness.TimerStarted {
		return false, t.wantAck(p)
	}
	t.readiness.RemoteReady = true
	return t.tryStart(), t.wantAck(p)
}

func (t *TimerSync) wantAck(p domain.ReadyPayload) bool {
	if p.Ack || !t.readiness.LocalReady || t.ackSent {
		return false
	}
	t.ackSent = true
	return true
}

func (t *TimerSync) tryStart() bool {
	r := &t.readiness
	if !r.LocalReady || !r.RemoteReady || r.TimerStarted {
		return false
	}
	r.TimerStarted = true
	t.billing.Resume()
	return true
}

// Reset opens a new handshake for a recreated connection. Billed time is kept.
func (t *TimerSync) Reset(minRound int) {
	t.billing.Pause()
	t.readiness = domain.TimerReadiness{}
	t.minRound = minRound
	t.ackSent = false
}
