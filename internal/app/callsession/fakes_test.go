package callsession

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/callsync/internal/core"
	"github.com/dkeye/callsync/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

type fakeRelay struct {
	mu       sync.Mutex
	joinErr  error
	joinAck  core.JoinAck
	joinGate chan struct{}
	joins    int
	left     int
	restarts int
	sent     []domain.SignalEnvelope
	handler  func(core.RelayEvent)
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{joinAck: core.JoinAck{Success: true}}
}

func (r *fakeRelay) Join(ctx context.Context, _ core.JoinRequest) (core.JoinAck, error) {
	r.mu.Lock()
	r.joins++
	gate := r.joinGate
	r.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return core.JoinAck{}, ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.joinAck, r.joinErr
}

// gateJoins makes later joins block until the returned channel is closed.
func (r *fakeRelay) gateJoins() chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.joinGate = make(chan struct{})
	return r.joinGate
}

func (r *fakeRelay) Leave(domain.RoomID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.left++
}

func (r *fakeRelay) Send(_ core.Route, env domain.SignalEnvelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, env)
	return nil
}

func (r *fakeRelay) NotifyIceRestart(domain.BookingID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.restarts++
	return nil
}

func (r *fakeRelay) Subscribe(_ domain.RoomID, fn func(core.RelayEvent)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handler = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.handler = nil
	}
}

func (r *fakeRelay) OnBookingStatus(func(domain.BookingID, string)) func() { return func() {} }

func (r *fakeRelay) emit(ev core.RelayEvent) {
	r.mu.Lock()
	h := r.handler
	r.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

func (r *fakeRelay) sentOf(kind domain.SignalKind) []domain.SignalEnvelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.SignalEnvelope
	for _, e := range r.sent {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func (r *fakeRelay) counts() (joins, restarts, left int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.joins, r.restarts, r.left
}

type fakeEngine struct {
	mu          sync.Mutex
	offers      int
	iceRestarts int
	answers     int
	locals      []webrtc.SessionDescription
	remotes     []webrtc.SessionDescription
	candidates  []webrtc.ICECandidateInit
	stats       core.RawStats
	closed      bool
	offerGate   chan struct{}
	answerGate  chan struct{}
	onCandidate func(webrtc.ICECandidateInit)
	onConn      func(domain.ConnectionState)
	onIce       func(domain.IceState)
}

func (e *fakeEngine) CreateOffer(ctx context.Context, iceRestart bool) (webrtc.SessionDescription, error) {
	e.mu.Lock()
	e.offers++
	if iceRestart {
		e.iceRestarts++
	}
	n, gate := e.offers, e.offerGate
	e.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return webrtc.SessionDescription{}, ctx.Err()
		}
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer-%d", n)}, nil
}

func (e *fakeEngine) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	e.mu.Lock()
	gate := e.answerGate
	e.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return webrtc.SessionDescription{}, ctx.Err()
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.answers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("answer-%d", e.answers)}, nil
}

func (e *fakeEngine) SetLocalDescription(sd webrtc.SessionDescription) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.locals = append(e.locals, sd)
	return nil
}

func (e *fakeEngine) SetRemoteDescription(sd webrtc.SessionDescription) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.remotes = append(e.remotes, sd)
	return nil
}

func (e *fakeEngine) HasRemoteDescription() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.remotes) > 0
}

func (e *fakeEngine) AddICECandidate(ci webrtc.ICECandidateInit) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.candidates = append(e.candidates, ci)
	return nil
}

func (e *fakeEngine) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onCandidate = fn
}

func (e *fakeEngine) OnConnectionStateChange(fn func(domain.ConnectionState)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onConn = fn
}

func (e *fakeEngine) OnICEConnectionStateChange(fn func(domain.IceState)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onIce = fn
}

func (e *fakeEngine) GetStats() (core.RawStats, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats, nil
}

func (e *fakeEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

func (e *fakeEngine) setConn(s domain.ConnectionState) {
	e.mu.Lock()
	fn := e.onConn
	e.mu.Unlock()
	fn(s)
}

func (e *fakeEngine) setIce(s domain.IceState) {
	e.mu.Lock()
	fn := e.onIce
	e.mu.Unlock()
	fn(s)
}

func (e *fakeEngine) setStats(s core.RawStats) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stats = s
}

func (e *fakeEngine) counts() (offers, iceRestarts, answers int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.offers, e.iceRestarts, e.answers
}

func (e *fakeEngine) appliedCandidates() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.candidates)
}

func (e *fakeEngine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

type fakeFactory struct {
	mu      sync.Mutex
	engines []*fakeEngine
	err     error
	prepare func(*fakeEngine)
	// gate holds every build until closed, ignoring cancellation like a
	// device prompt would
	gate chan struct{}
}

func (f *fakeFactory) NewEngine(context.Context, domain.SessionDescriptor) (core.MediaEngine, error) {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	e := &fakeEngine{}
	if f.prepare != nil {
		f.prepare(e)
	}
	f.engines = append(f.engines, e)
	return e, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.engines)
}

func (f *fakeFactory) engine(i int) *fakeEngine {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.engines[i]
}

type harness struct {
	t       *testing.T
	peerSID domain.SessionID
	clock   *clock.Mock
	relay   *fakeRelay
	factory *fakeFactory
	metrics *Metrics
	c       *Controller
}

func newHarness(t *testing.T, role domain.Role, tune ...func(*Config)) *harness {
	t.Helper()
	desc, err := domain.NewSessionDescriptor("booking-1", "room-1", domain.ConsultationVideo, role, time.Now())
	require.NoError(t, err)
	cfg := DefaultConfig()
	for _, fn := range tune {
		fn(&cfg)
	}
	h := &harness{
		t:       t,
		peerSID: "peer-session",
		clock:   clock.NewMock(),
		relay:   newFakeRelay(),
		factory: &fakeFactory{},
		metrics: NewMetrics(prometheus.NewRegistry()),
	}
	h.c, err = New(desc, cfg, Deps{Relay: h.relay, Media: h.factory, Clock: h.clock, Metrics: h.metrics})
	require.NoError(t, err)
	t.Cleanup(func() {
		h.c.End("test done")
		select {
		case <-h.c.Done():
		case <-time.After(2 * time.Second):
			t.Error("controller did not stop")
		}
	})
	return h
}

func (h *harness) start() {
	h.t.Helper()
	require.NoError(h.t, h.c.Start(context.Background()))
}

// sync waits until every event queued so far has been handled.
func (h *harness) sync() Snapshot { return h.c.Snapshot() }

func (h *harness) waitState(s State) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.c.Snapshot().State == s },
		2*time.Second, 2*time.Millisecond, "waiting for %s, at %s", s, h.c.Snapshot().State)
}

func (h *harness) waitEngines(n int) *fakeEngine {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.factory.count() >= n }, 2*time.Second, 2*time.Millisecond)
	return h.factory.engine(n - 1)
}

func (h *harness) waitSent(kind domain.SignalKind, n int) []domain.SignalEnvelope {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return len(h.relay.sentOf(kind)) >= n },
		2*time.Second, 2*time.Millisecond, "waiting for %d %s envelopes", n, kind)
	return h.relay.sentOf(kind)
}

// advance moves the mock clock and lets fired tasks reach the loop.
func (h *harness) advance(d time.Duration) {
	h.clock.Add(d)
	time.Sleep(5 * time.Millisecond)
	h.sync()
}

func (h *harness) peer(kind domain.SignalKind, payload any) {
	h.t.Helper()
	h.peerAs(h.peerSID, kind, payload)
}

// peerAs delivers an envelope sent by the remote role under session sid.
func (h *harness) peerAs(sid domain.SessionID, kind domain.SignalKind, payload any) {
	h.t.Helper()
	env, err := domain.NewEnvelope(sid, kind, h.c.desc.LocalRole.Peer(), payload)
	require.NoError(h.t, err)
	h.relay.emit(core.RelayEvent{Type: core.EventSignal, RoomID: h.c.desc.RoomID, Envelope: env})
}

func decodeDescription(t *testing.T, env domain.SignalEnvelope) domain.DescriptionPayload {
	t.Helper()
	var p domain.DescriptionPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	return p
}

func decodeReady(t *testing.T, env domain.SignalEnvelope) domain.ReadyPayload {
	t.Helper()
	var p domain.ReadyPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	return p
}

// connectInitiator drives an initiator to MEDIA_CONNECTED on its first engine.
func (h *harness) connectInitiator() *fakeEngine {
	h.t.Helper()
	h.start()
	eng := h.waitEngines(1)
	offers := h.waitSent(domain.SignalOffer, 1)
	p := decodeDescription(h.t, offers[0])
	h.peer(domain.SignalAnswer, domain.DescriptionPayload{Round: p.Round, SDP: "answer-sdp"})
	h.waitState(StateDescriptionsExchanged)
	eng.setConn(domain.ConnectionConnected)
	h.waitState(StateMediaConnected)
	return eng
}

// connectResponder drives a responder to MEDIA_CONNECTED on its first engine.
func (h *harness) connectResponder() *fakeEngine {
	h.t.Helper()
	h.start()
	eng := h.waitEngines(1)
	h.waitState(StateAwaitingOffer)
	h.peer(domain.SignalOffer, domain.DescriptionPayload{Round: 1, SDP: "offer-sdp"})
	h.waitState(StateDescriptionsExchanged)
	eng.setConn(domain.ConnectionConnected)
	h.waitState(StateMediaConnected)
	return eng
}
