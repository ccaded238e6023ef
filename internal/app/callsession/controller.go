// Package callsession runs one consultation call: room join, offer/answer
// negotiation, media connectivity, reconnection, quality sampling and the
// dual-ready billing handshake.
//
// Every piece of mutable state is owned by a single event loop. Relay
// events, media callbacks, timers and results of blocking engine calls are
// all posted onto that loop as closures, so handlers never race each other.
package callsession

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/callsync/internal/core"
	"github.com/dkeye/callsync/internal/domain"
	"github.com/looplab/fsm"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	eventQueueSize = 256

	ReasonCancelled = "cancelled"
	ReasonEnded     = "ended"
)

var (
	ErrAlreadyStarted = errors.New("session already started")
	ErrSessionClosed  = errors.New("session closed")
)

// Deps are the collaborators of a controller. Relay and Media are required.
type Deps struct {
	Relay   core.SignalingRelay
	Media   core.MediaEngineFactory
	Clock   clock.Clock
	Metrics *Metrics
	Policy  FailurePolicy
}

// Controller is the per-session state machine.
type Controller struct {
	desc    domain.SessionDescriptor
	cfg     Config
	relay   core.SignalingRelay
	media   core.MediaEngineFactory
	clock   clock.Clock
	sched   *Scheduler
	policy  FailurePolicy
	metrics *Metrics
	bus     *Bus
	logger  zerolog.Logger

	events   chan func()
	done     chan struct{}
	loopOnce sync.Once
	postMu   sync.RWMutex
	stopped  bool
	started  atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc

	// owned by the loop
	sm    *fsm.FSM
	state State
	conn  domain.ConnectionState
	ice   domain.IceState
	live  bool
	err   error

	engine      core.MediaEngine
	engineGen   int
	building    bool
	roundCtx    context.Context
	roundCancel context.CancelFunc
	joinGen     int
	unsubscribe func()
	relayLost   bool

	// negotiation
	round         int
	baseRound     int
	appliedRound  int
	answering     int
	offerInFlight bool
	localOffer    *domain.DescriptionPayload
	remoteSet     bool
	peerSession   domain.SessionID
	pendingOffer  *domain.DescriptionPayload
	pendingFrom   domain.SessionID
	pendingCands  []domain.CandidatePayload
	seenCands     map[string]struct{}

	iceRestartRequested bool
	iceTask             *Task
	disconnectTask      *Task
	handshakeTask       *Task
	handshakeRetried    bool
	offerTask           *Task
	offerRequested      bool

	timer      *TimerSync
	reconn     *Reconnector
	quality    *QualityMonitor
	lastSample *domain.QualitySample
	lastErr    error
}

func New(desc domain.SessionDescriptor, cfg Config, deps Deps) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Relay == nil || deps.Media == nil {
		return nil, errors.New("callsession: relay and media factory are required")
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = NewMetrics(prometheus.NewRegistry())
	}
	policy := deps.Policy
	if policy == nil {
		policy = DefaultPolicy{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		desc:      desc,
		cfg:       cfg,
		relay:     deps.Relay,
		media:     deps.Media,
		clock:     clk,
		sched:     NewScheduler(clk),
		policy:    policy,
		metrics:   metrics,
		bus:       NewBus(),
		events:    make(chan func(), eventQueueSize),
		done:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
		state:     StateIdle,
		conn:      domain.ConnectionNew,
		ice:       domain.IceNew,
		baseRound: 1,
		seenCands: make(map[string]struct{}),
		logger: log.With().
			Str("module", "callsession").
			Str("session_id", string(desc.SessionID)).
			Str("booking_id", string(desc.BookingID)).
			Str("role", string(desc.LocalRole)).
			Logger(),
	}
	c.roundCtx, c.roundCancel = context.WithCancel(ctx)
	c.sm = newStateMachine(c.onEnter)
	c.timer = NewTimerSync(NewBillingTimer(clk))
	c.quality = NewQualityMonitor(cfg.QualityInterval, cfg.Thresholds, c.sched)
	c.reconn = NewReconnector(cfg.Reconnect, c.sched, c.post, c.logger)
	c.reconn.attempt = c.runAttempt
	c.reconn.exhausted = c.onExhausted
	c.reconn.observe = func(o domain.AttemptOutcome) {
		c.metrics.Reconnections.WithLabelValues(string(o)).Inc()
	}
	return c, nil
}

func (c *Controller) Descriptor() domain.SessionDescriptor { return c.desc }

// Subscribe streams controller events; see Bus.Subscribe.
func (c *Controller) Subscribe(buffer int) (<-chan Event, func()) { return c.bus.Subscribe(buffer) }

// Done is closed once the session reached ENDED or FAILED.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Err returns the terminal error of a failed session. nil until Done.
func (c *Controller) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Start joins the room and begins negotiation. It returns once the join
// request has been issued; progress is reported through Subscribe.
func (c *Controller) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	errc := make(chan error, 1)
	c.post(func() { errc <- c.handleStart() })
	select {
	case err := <-errc:
		return err
	case <-c.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// End terminates the session and notifies the peer.
func (c *Controller) End(reason string) {
	if reason == "" {
		reason = ReasonEnded
	}
	c.post(func() { c.finish(evEnd, nil, true, reason) })
}

// Cancel ends the session on explicit user cancellation.
func (c *Controller) Cancel() { c.End(ReasonCancelled) }

// Snapshot returns the current view of the session.
func (c *Controller) Snapshot() Snapshot {
	var s Snapshot
	if c.call(func() { s = c.snapshot() }) {
		return s
	}
	if ev, ok := c.bus.Last(); ok {
		return ev.Snapshot
	}
	return Snapshot{SessionID: c.desc.SessionID, BookingID: c.desc.BookingID, State: StateIdle}
}

// Attempts returns the history of the current reconnection cycle.
func (c *Controller) Attempts() []domain.ReconnectionAttempt {
	var out []domain.ReconnectionAttempt
	c.call(func() { out = c.reconn.Attempts() })
	return out
}

// call runs fn on the loop and waits for it. false when the loop is gone.
func (c *Controller) call(fn func()) bool {
	ran := make(chan struct{})
	c.post(func() {
		fn()
		close(ran)
	})
	select {
	case <-ran:
		return true
	case <-c.done:
		return false
	}
}

// post queues fn for the loop. Never call it from loop code itself.
func (c *Controller) post(fn func()) { c.tryPost(fn) }

// tryPost is post reporting whether fn will run. Once the loop has stopped
// nothing is queued, so the caller still owns whatever fn would release.
func (c *Controller) tryPost(fn func()) bool {
	c.loopOnce.Do(func() { go c.run() })
	c.postMu.RLock()
	defer c.postMu.RUnlock()
	if c.stopped {
		return false
	}
	select {
	case c.events <- fn:
		return true
	case <-c.done:
		return false
	}
}

func (c *Controller) run() {
	defer c.stop()
	for fn := range c.events {
		fn()
		if c.state.Terminal() {
			return
		}
	}
}

// stop closes the loop. Closures queued before that still run and see the
// terminal state.
func (c *Controller) stop() {
	close(c.done)
	c.postMu.Lock()
	c.stopped = true
	c.postMu.Unlock()
	for {
		select {
		case fn := <-c.events:
			fn()
		default:
			return
		}
	}
}

func (c *Controller) handleStart() error {
	if c.state != StateIdle {
		return ErrSessionClosed
	}
	c.live = true
	c.metrics.SessionsActive.Inc()
	c.logger.Info().Str("room_id", string(c.desc.RoomID)).Str("type", string(c.desc.ConsultationType)).Msg("session starting")
	c.unsubscribe = c.relay.Subscribe(c.desc.RoomID, func(ev core.RelayEvent) {
		c.post(func() { c.onRelayEvent(ev) })
	})
	c.transition(evJoin)
	c.join()
	return nil
}

// transition fires ev when legal from the current state.
func (c *Controller) transition(ev string) bool {
	if !c.sm.Can(ev) {
		c.logger.Debug().Str("event", ev).Str("state", string(c.state)).Msg("transition not allowed")
		return false
	}
	if err := c.sm.Event(context.Background(), ev); err != nil {
		c.logger.Error().Err(err).Str("event", ev).Msg("transition")
		return false
	}
	return true
}

func (c *Controller) onEnter(from, to State) {
	c.state = to
	c.metrics.Transitions.WithLabelValues(string(from), string(to)).Inc()
	c.logger.Info().Str("from", string(from)).Str("to", string(to)).Msg("state")
	if !to.Live() {
		c.quality.Stop()
	}
	c.publish(EventState)
}

func (c *Controller) fail(err error) { c.finish(evFail, err, true, "failed") }

// finish moves to a terminal state and releases every resource before the
// terminal event is published.
func (c *Controller) finish(ev string, err error, notifyPeer bool, reason string) {
	if c.state.Terminal() {
		return
	}
	if notifyPeer && c.state != StateIdle && c.state != StateJoinRequested {
		c.sendEnvelope(domain.SignalEnd, domain.EndPayload{Reason: reason})
	}
	c.err = err
	c.teardown()
	c.transition(ev)

	kind := "none"
	if k := core.KindOf(err); k != nil {
		kind = k.Error()
	}
	billed := c.timer.Billing().Elapsed()
	c.metrics.Terminations.WithLabelValues(string(c.state), kind).Inc()
	c.metrics.BilledSeconds.Observe(billed.Seconds())
	if c.live {
		c.metrics.SessionsActive.Dec()
		c.live = false
	}
	l := c.logger.Info()
	if err != nil {
		l = c.logger.Error().Err(err)
	}
	l.Str("reason", reason).Dur("billed", billed).Msg("session terminated")

	c.publish(EventTerminal)
	c.bus.Close()
	c.cancel()
}

func (c *Controller) teardown() {
	c.reconn.Stop()
	c.closeEngine()
	c.timer.Billing().Pause()
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
	if c.state != StateIdle {
		c.relay.Leave(c.desc.RoomID)
	}
}

func (c *Controller) snapshot() Snapshot {
	s := Snapshot{
		SessionID:    c.desc.SessionID,
		BookingID:    c.desc.BookingID,
		State:        c.state,
		Connection:   c.conn,
		Ice:          c.ice,
		Tier:         c.quality.Last(),
		Sample:       c.lastSample,
		Elapsed:      c.timer.Billing().Elapsed(),
		TimerRunning: c.timer.Billing().Running(),
		Readiness:    c.timer.Readiness(),
		Reconnecting: c.reconn.Active(),
		Attempt:      c.reconn.Attempt(),
		RelayLost:    c.relayLost,
		At:           c.clock.Now(),
	}
	if c.err != nil {
		s.Error = c.err.Error()
	}
	return s
}

func (c *Controller) publish(t EventType) {
	c.bus.Publish(Event{Type: t, Snapshot: c.snapshot()})
}
