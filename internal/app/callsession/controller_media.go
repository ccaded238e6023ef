package callsession

import (
	"errors"
	"fmt"

	"github.com/dkeye/callsync/internal/core"
	"github.com/dkeye/callsync/internal/domain"
	"github.com/pion/webrtc/v4"
)

// buildEngine creates a media engine for the next connection attempt. The
// result is discarded if another build or teardown happened meanwhile.
func (c *Controller) buildEngine() {
	c.building = true
	gen, ctx := c.engineGen, c.roundCtx
	go func() {
		eng, err := c.media.NewEngine(ctx, c.desc)
		if !c.tryPost(func() { c.onEngineBuilt(gen, eng, err) }) && eng != nil {
			_ = eng.Close()
		}
	}()
}

func (c *Controller) onEngineBuilt(gen int, eng core.MediaEngine, err error) {
	if gen != c.engineGen || c.state.Terminal() {
		if eng != nil {
			_ = eng.Close()
		}
		return
	}
	c.building = false
	if err != nil {
		if core.KindOf(err) == nil {
			err = core.NewError(core.ErrMedia, "create media engine", err)
		}
		c.recover(err)
		return
	}

	if c.engine != nil {
		c.logger.Warn().Msg("replacing a live media engine")
		c.closeEngine()
		gen = c.engineGen
	}
	c.engine = eng
	c.conn, c.ice = domain.ConnectionNew, domain.IceNew
	c.quality.Rebase()
	c.wireEngine(eng, gen)

	if c.desc.LocalRole == domain.RoleInitiator {
		c.transition(evOffer)
		restart := ""
		if c.round > 0 {
			restart = domain.RestartFull
		}
		c.startOffer(restart)
		return
	}

	c.transition(evAwait)
	if p := c.pendingOffer; p != nil {
		c.pendingOffer = nil
		if p.Round > c.appliedRound {
			c.acceptOffer(c.pendingFrom, *p)
			return
		}
	}
	if c.reconn.Active() {
		c.sendEnvelope(domain.SignalICERestart, domain.RestartPayload{Full: true})
	}
	c.armOfferWait()
}

func (c *Controller) armOfferWait() {
	if c.offerTask.Active() {
		return
	}
	c.offerTask = c.sched.After(c.cfg.OfferTimeout, func(t *Task) {
		c.post(func() { c.onOfferWait(t) })
	})
}

// onOfferWait fires when no offer arrived in time. The first expiry asks
// the initiator to send one again, the second gives up on the connection.
func (c *Controller) onOfferWait(t *Task) {
	if t != c.offerTask || !t.Active() || c.state.Terminal() {
		return
	}
	c.offerTask = nil
	if c.state != StateAwaitingOffer || c.answering != 0 {
		return
	}
	if !c.offerRequested {
		c.offerRequested = true
		c.logger.Warn().Dur("timeout", c.cfg.OfferTimeout).Msg("no offer yet, asking again")
		c.sendEnvelope(domain.SignalICERestart, domain.RestartPayload{Full: false})
		c.armOfferWait()
		return
	}
	c.recover(core.NewError(core.ErrNegotiation, "await offer", fmt.Errorf("no offer within %s of asking", c.cfg.OfferTimeout)))
}

func (c *Controller) wireEngine(eng core.MediaEngine, gen int) {
	eng.OnICECandidate(func(ci webrtc.ICECandidateInit) {
		c.post(func() {
			if gen == c.engineGen {
				c.onLocalCandidate(ci)
			}
		})
	})
	eng.OnConnectionStateChange(func(s domain.ConnectionState) {
		c.post(func() {
			if gen == c.engineGen && !c.state.Terminal() {
				c.onConnectionState(s)
			}
		})
	})
	eng.OnICEConnectionStateChange(func(s domain.IceState) {
		c.post(func() {
			if gen == c.engineGen && !c.state.Terminal() {
				c.onIceState(s)
			}
		})
	})
}

// closeEngine discards the current connection and everything negotiated
// on it. Later callbacks from the old engine are ignored.
func (c *Controller) closeEngine() {
	c.roundCancel()
	c.roundCtx, c.roundCancel = c.childContext()
	c.engineGen++
	c.building = false
	if c.engine != nil {
		if err := c.engine.Close(); err != nil {
			c.logger.Warn().Err(err).Msg("close media engine")
		}
		c.engine = nil
	}
	c.conn, c.ice = domain.ConnectionNew, domain.IceNew
	c.remoteSet = false
	c.peerSession = ""
	c.offerRequested = false
	c.offerInFlight = false
	c.localOffer = nil
	c.answering = 0
	c.iceRestartRequested = false
	c.baseRound = c.round + 1
	c.iceTask.Cancel()
	c.disconnectTask.Cancel()
	c.handshakeTask.Cancel()
	c.offerTask.Cancel()
	c.iceTask, c.disconnectTask, c.handshakeTask, c.offerTask = nil, nil, nil, nil
	c.quality.Stop()

	keep := c.pendingCands[:0]
	for _, p := range c.pendingCands {
		if p.Round >= c.baseRound {
			keep = append(keep, p)
		}
	}
	c.pendingCands = keep
}

// resetHandshake opens a fresh dual-ready handshake for a new connection.
func (c *Controller) resetHandshake() {
	c.timer.Reset(c.round + 1)
	c.handshakeRetried = false
	c.publish(EventTimer)
}

// rebuild replaces the media connection while keeping room membership.
func (c *Controller) rebuild() {
	c.closeEngine()
	c.resetHandshake()
	if c.state != StateRoomJoined {
		c.transition(evReconnect)
	}
	c.buildEngine()
}

func (c *Controller) onConnectionState(s domain.ConnectionState) {
	prev := c.conn
	c.conn = s
	c.publish(EventConnection)
	if s.Lost() {
		c.offerInFlight = false
	}

	switch s {
	case domain.ConnectionConnected:
		c.disconnectTask.Cancel()
		c.disconnectTask = nil
		if c.reconn.Active() && !c.relayLost {
			c.reconn.Succeeded()
			c.publish(EventReconnect)
		}
		c.onMediaConnected()
	case domain.ConnectionDisconnected:
		if c.state.Live() {
			c.degrade()
		}
		c.armDisconnectGrace()
	case domain.ConnectionFailed:
		c.recover(core.NewError(core.ErrConnectivity, "peer connection", errors.New("connection failed")))
	case domain.ConnectionClosed:
		if prev != domain.ConnectionClosed {
			c.recover(core.NewError(core.ErrConnectivity, "peer connection", errors.New("connection closed")))
		}
	}
}

func (c *Controller) onIceState(s domain.IceState) {
	c.ice = s
	c.publish(EventIce)
	switch {
	case s == domain.IceChecking:
		if c.state == StateDescriptionsExchanged {
			c.transition(evIce)
		}
		c.armIceGrace()
	case s.Established():
		c.iceTask.Cancel()
		c.iceTask = nil
		c.iceRestartRequested = false
	case s == domain.IceFailed:
		if c.iceRestartRequested {
			c.recover(core.NewError(core.ErrConnectivity, "ice", errors.New("failed after restart")))
			return
		}
		c.requestIceRestart()
		c.armIceGrace()
	}
}

func (c *Controller) armIceGrace() {
	if c.iceTask.Active() {
		return
	}
	c.iceTask = c.sched.After(c.cfg.ICECheckingGrace, func(t *Task) {
		c.post(func() { c.onIceGrace(t) })
	})
}

// onIceGrace fires when ICE stayed unestablished for the grace period. The
// first expiry in a cycle restarts ICE, the second escalates.
func (c *Controller) onIceGrace(t *Task) {
	if t != c.iceTask || !t.Active() || c.state.Terminal() {
		return
	}
	c.iceTask = nil
	if c.ice.Established() {
		return
	}
	if !c.iceRestartRequested {
		c.logger.Warn().Str("ice", string(c.ice)).Dur("grace", c.cfg.ICECheckingGrace).Msg("ice stuck, restarting")
		c.requestIceRestart()
		c.armIceGrace()
		return
	}
	c.recover(core.NewError(core.ErrConnectivity, "ice", fmt.Errorf("no connectivity within %s of restart", c.cfg.ICECheckingGrace)))
}

func (c *Controller) armDisconnectGrace() {
	if c.disconnectTask.Active() {
		return
	}
	c.disconnectTask = c.sched.After(c.cfg.ICECheckingGrace, func(t *Task) {
		c.post(func() {
			if t != c.disconnectTask || !t.Active() || c.state.Terminal() {
				return
			}
			c.disconnectTask = nil
			if c.conn == domain.ConnectionDisconnected {
				c.recover(core.NewError(core.ErrConnectivity, "peer connection", fmt.Errorf("disconnected for %s", c.cfg.ICECheckingGrace)))
			}
		})
	})
}

// degrade leaves the live states: sampling stops and billing pauses.
func (c *Controller) degrade() {
	c.timer.Billing().Pause()
	c.transition(evDegrade)
	c.publish(EventTimer)
}

func (c *Controller) onMediaConnected() {
	if c.state != StateDescriptionsExchanged && c.state != StateIceNegotiating {
		return
	}
	c.transition(evConnected)
	c.startQuality()

	if c.timer.Readiness().TimerStarted {
		c.timer.Billing().Resume()
		c.transition(evTimer)
		c.publish(EventTimer)
		return
	}
	changed, started := c.timer.MarkLocalReady()
	if changed {
		c.sendReady(c.timer.Readiness().RemoteReady)
	}
	if started {
		c.onTimerStarted()
		return
	}
	c.publish(EventTimer)
	c.armHandshake()
}

func (c *Controller) onTimerStarted() {
	c.handshakeTask.Cancel()
	c.handshakeTask = nil
	c.metrics.TimerStarts.Inc()
	c.logger.Info().Int("round", c.round).Msg("billing timer started")
	if c.state == StateMediaConnected {
		c.transition(evTimer)
	} else {
		c.timer.Billing().Pause()
	}
	c.publish(EventTimer)
}

func (c *Controller) armHandshake() {
	if c.handshakeTask.Active() {
		return
	}
	c.handshakeTask = c.sched.After(c.cfg.HandshakeTimeout, func(t *Task) {
		c.post(func() { c.onHandshakeTimeout(t) })
	})
}

func (c *Controller) onHandshakeTimeout(t *Task) {
	if t != c.handshakeTask || !t.Active() || c.state.Terminal() {
		return
	}
	c.handshakeTask = nil
	if c.timer.Readiness().TimerStarted {
		return
	}
	if !c.handshakeRetried {
		c.handshakeRetried = true
		c.logger.Warn().Dur("timeout", c.cfg.HandshakeTimeout).Msg("peer not ready, resending ready")
		c.sendReady(false)
		c.armHandshake()
		return
	}
	c.recover(core.NewError(core.ErrHandshakeTimeout, "dual-ready handshake",
		fmt.Errorf("peer not ready within %s", 2*c.cfg.HandshakeTimeout)))
}

func (c *Controller) startQuality() {
	c.quality.Start(func(t *Task) {
		c.post(func() { c.onQualityTick(t) })
	})
}

func (c *Controller) onQualityTick(t *Task) {
	if !c.quality.Current(t) || !c.state.Live() || c.engine == nil {
		return
	}
	stats, err := c.engine.GetStats()
	if err != nil {
		c.logger.Debug().Err(err).Msg("get stats")
	}
	sample, changed := c.quality.Observe(stats, err, c.clock.Now())
	if !changed {
		return
	}
	c.lastSample = &sample
	c.metrics.TierChanges.WithLabelValues(string(sample.Tier)).Inc()
	c.logger.Info().
		Str("tier", string(sample.Tier)).
		Float64("rtt_ms", sample.RTTMs).
		Float64("loss", sample.PacketLossFraction).
		Msg("quality tier changed")
	c.publish(EventQuality)
}
