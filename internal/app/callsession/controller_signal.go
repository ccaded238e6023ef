package callsession

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/callsync/internal/core"
	"github.com/dkeye/callsync/internal/domain"
	"github.com/pion/webrtc/v4"
)

func (c *Controller) join() {
	c.joinGen++
	gen := c.joinGen
	req := core.JoinRequest{
		BookingID: c.desc.BookingID,
		RoomID:    c.desc.RoomID,
		SessionID: c.desc.SessionID,
		Role:      c.desc.LocalRole,
	}
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.JoinTimeout)
	go func() {
		defer cancel()
		ack, err := c.relay.Join(ctx, req)
		c.post(func() { c.onJoined(gen, ack, err) })
	}()
}

func (c *Controller) onJoined(gen int, ack core.JoinAck, err error) {
	if gen != c.joinGen || c.state.Terminal() {
		return
	}
	if err == nil && !ack.Success {
		err = fmt.Errorf("join rejected: %s", ack.Reason)
	}
	if err != nil {
		if !errors.Is(err, core.ErrSignaling) {
			err = core.NewError(core.ErrSignaling, "join room", err)
		}
		if c.reconn.Active() {
			c.lastErr = err
			c.logger.Warn().Err(err).Msg("rejoin failed")
			c.reconn.Failed()
			return
		}
		c.fail(err)
		return
	}

	c.logger.Info().Str("room_id", string(c.desc.RoomID)).Msg("room joined")
	c.relayLost = false
	if c.reconn.Active() && c.mediaHealthy() {
		c.reconn.Succeeded()
		if c.state == StateTimerActive {
			c.timer.Billing().Resume()
		}
		c.publish(EventReconnect)
		return
	}
	if c.state != StateJoinRequested {
		// media broke while only the room was being rejoined
		c.rebuild()
		return
	}
	c.transition(evJoined)
	c.buildEngine()
}

func (c *Controller) onRelayEvent(ev core.RelayEvent) {
	if c.state.Terminal() {
		return
	}
	switch ev.Type {
	case core.EventSignal:
		c.onSignal(ev.Envelope)
	case core.EventPeerJoined:
		if ev.Role == c.desc.LocalRole {
			return
		}
		// the first offer may have been sent into an empty room
		if c.desc.LocalRole == domain.RoleInitiator && c.localOffer != nil {
			c.logger.Info().Int("round", c.localOffer.Round).Msg("peer joined, resending offer")
			c.sendEnvelope(domain.SignalOffer, *c.localOffer)
		}
	case core.EventIceRestart:
		c.logger.Debug().Msg("relay reported ice restart")
	case core.EventDisconnected:
		c.relayLost = true
		c.publish(EventReconnect)
		if c.state == StateJoinRequested && !c.reconn.Active() {
			// the pending join reports the failure
			return
		}
		c.recover(core.NewError(core.ErrSignaling, "relay transport", ev.Err))
	}
}

func (c *Controller) onSignal(env domain.SignalEnvelope) {
	if env.SenderRole == c.desc.LocalRole {
		return
	}
	l := c.logger.With().Str("kind", string(env.Kind)).Logger()
	if c.peerSession != "" && env.SessionID != "" && env.SessionID != c.peerSession {
		l.Debug().Str("from", string(env.SessionID)).Str("peer", string(c.peerSession)).Msg("envelope from another session dropped")
		return
	}
	malformed := func(err error) {
		l.Warn().Err(core.NewError(core.ErrNegotiation, "decode envelope", err)).Msg("dropping malformed envelope")
	}

	switch env.Kind {
	case domain.SignalOffer, domain.SignalAnswer:
		var p domain.DescriptionPayload
		if err := env.Decode(&p); err != nil {
			malformed(err)
			return
		}
		if p.SDP == "" {
			malformed(errors.New("empty sdp"))
			return
		}
		if env.Kind == domain.SignalOffer {
			c.onOffer(env.SessionID, p)
		} else {
			c.onAnswer(env.SessionID, p)
		}
	case domain.SignalICECandidate:
		var p domain.CandidatePayload
		if err := env.Decode(&p); err != nil {
			malformed(err)
			return
		}
		c.onRemoteCandidate(p)
	case domain.SignalReadyForTimer:
		var p domain.ReadyPayload
		if err := env.Decode(&p); err != nil {
			malformed(err)
			return
		}
		c.onReady(p)
	case domain.SignalICERestart:
		var p domain.RestartPayload
		if err := env.Decode(&p); err != nil {
			malformed(err)
			return
		}
		c.onRestartRequest(p)
	case domain.SignalEnd:
		var p domain.EndPayload
		_ = env.Decode(&p)
		l.Info().Str("reason", p.Reason).Msg("peer ended session")
		c.finish(evEnd, nil, false, "peer: "+p.Reason)
	default:
		l.Warn().Msg("unknown envelope kind")
	}
}

func (c *Controller) sendEnvelope(kind domain.SignalKind, payload any) {
	env, err := domain.NewEnvelope(c.desc.SessionID, kind, c.desc.LocalRole, payload)
	if err != nil {
		c.logger.Error().Err(err).Msg("build envelope")
		return
	}
	route := core.Route{BookingID: c.desc.BookingID, RoomID: c.desc.RoomID, To: c.desc.LocalRole.Peer()}
	if err := c.relay.Send(route, env); err != nil {
		c.logger.Warn().Err(err).Str("kind", string(kind)).Msg("send envelope")
	}
}

// startOffer creates and sends the initiator's offer for a new round. At
// most one offer is in flight at a time; extra triggers are dropped.
func (c *Controller) startOffer(restart string) {
	if c.offerInFlight {
		c.logger.Debug().Str("restart", restart).Msg("offer already in flight")
		return
	}
	if c.engine == nil {
		return
	}
	c.offerInFlight = true
	c.round++
	round, eng, ctx := c.round, c.engine, c.roundCtx
	c.metrics.OffersCreated.Inc()
	go func() {
		sd, err := eng.CreateOffer(ctx, restart == domain.RestartICE)
		if err == nil {
			err = eng.SetLocalDescription(sd)
		}
		c.post(func() { c.onOfferCreated(round, restart, sd, err) })
	}()
}

func (c *Controller) onOfferCreated(round int, restart string, sd webrtc.SessionDescription, err error) {
	if c.state.Terminal() || round != c.round || !c.offerInFlight {
		return
	}
	if err != nil {
		c.offerInFlight = false
		if errors.Is(err, context.Canceled) {
			return
		}
		c.recover(core.NewError(core.ErrNegotiation, "create offer", err))
		return
	}
	c.localOffer = &domain.DescriptionPayload{Round: round, Restart: restart, SDP: sd.SDP}
	c.logger.Info().Int("round", round).Str("restart", restart).Msg("offer sent")
	c.sendEnvelope(domain.SignalOffer, *c.localOffer)
}

func (c *Controller) onAnswer(from domain.SessionID, p domain.DescriptionPayload) {
	if c.desc.LocalRole != domain.RoleInitiator {
		c.logger.Debug().Msg("responder ignores answers")
		return
	}
	if c.localOffer == nil || p.Round != c.localOffer.Round || c.engine == nil {
		c.logger.Debug().Int("round", p.Round).Msg("stale answer dropped")
		return
	}
	c.localOffer = nil
	c.peerSession = from
	eng, gen := c.engine, c.engineGen
	go func() {
		err := eng.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: p.SDP})
		c.post(func() { c.onAnswerApplied(gen, p.Round, err) })
	}()
}

func (c *Controller) onAnswerApplied(gen, round int, err error) {
	if gen != c.engineGen || c.state.Terminal() {
		return
	}
	if round == c.round {
		c.offerInFlight = false
	}
	if err != nil {
		c.recover(core.NewError(core.ErrNegotiation, "apply answer", err))
		return
	}
	c.appliedRound = round
	c.remoteSet = true
	c.flushCandidates()
	c.afterExchange()
}

func (c *Controller) onOffer(from domain.SessionID, p domain.DescriptionPayload) {
	if c.desc.LocalRole != domain.RoleResponder {
		c.logger.Debug().Msg("initiator ignores offers")
		return
	}
	if p.Round <= c.appliedRound || p.Round == c.answering ||
		(c.pendingOffer != nil && p.Round <= c.pendingOffer.Round) {
		c.logger.Debug().Int("round", p.Round).Msg("duplicate offer dropped")
		return
	}
	if c.engine == nil || c.building {
		c.pendingOffer, c.pendingFrom = &p, from
		return
	}
	if p.Restart == domain.RestartFull && (c.remoteSet || c.engine.HasRemoteDescription()) {
		// the initiator rebuilt its connection; ours must follow
		c.pendingOffer, c.pendingFrom = &p, from
		if c.reconn.Waiting() {
			c.reconn.Preempt()
			return
		}
		c.rebuild()
		return
	}
	c.acceptOffer(from, p)
}

func (c *Controller) acceptOffer(from domain.SessionID, p domain.DescriptionPayload) {
	c.offerTask.Cancel()
	c.offerTask = nil
	c.peerSession = from
	c.answering = p.Round
	if p.Round > c.round {
		c.round = p.Round
	}
	eng, gen, ctx := c.engine, c.engineGen, c.roundCtx
	go func() {
		var answer webrtc.SessionDescription
		err := eng.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: p.SDP})
		if err == nil {
			answer, err = eng.CreateAnswer(ctx)
		}
		if err == nil {
			err = eng.SetLocalDescription(answer)
		}
		c.post(func() { c.onAnswerCreated(gen, p, answer, err) })
	}()
}

func (c *Controller) onAnswerCreated(gen int, p domain.DescriptionPayload, answer webrtc.SessionDescription, err error) {
	if gen != c.engineGen || c.state.Terminal() || p.Round != c.answering {
		return
	}
	c.answering = 0
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		c.recover(core.NewError(core.ErrNegotiation, "answer offer", err))
		return
	}
	c.appliedRound = p.Round
	c.remoteSet = true
	c.logger.Info().Int("round", p.Round).Str("restart", p.Restart).Msg("answer sent")
	c.sendEnvelope(domain.SignalAnswer, domain.DescriptionPayload{Round: p.Round, Restart: p.Restart, SDP: answer.SDP})
	c.flushCandidates()
	c.afterExchange()
}

// afterExchange advances the machine once both descriptions are applied,
// catching up with connectivity that was reported in the meantime.
func (c *Controller) afterExchange() {
	if c.state == StateOfferPending || c.state == StateAwaitingOffer {
		c.transition(evExchanged)
	}
	if c.state != StateDescriptionsExchanged {
		return
	}
	if c.conn == domain.ConnectionConnected {
		c.onMediaConnected()
		return
	}
	if c.ice == domain.IceChecking {
		c.transition(evIce)
	}
}

func candidateKey(p domain.CandidatePayload) string {
	return fmt.Sprintf("%d|%s", p.Round, p.Candidate.Candidate)
}

// onRemoteCandidate buffers candidates until the matching remote
// description is applied. Duplicates are dropped.
func (c *Controller) onRemoteCandidate(p domain.CandidatePayload) {
	key := candidateKey(p)
	if _, dup := c.seenCands[key]; dup {
		return
	}
	c.seenCands[key] = struct{}{}
	if p.Round != 0 && p.Round < c.baseRound {
		c.logger.Debug().Int("round", p.Round).Msg("candidate for previous connection dropped")
		return
	}
	if c.engine == nil || !c.remoteSet || p.Round > c.appliedRound {
		c.pendingCands = append(c.pendingCands, p)
		return
	}
	c.addCandidate(p)
}

func (c *Controller) flushCandidates() {
	keep := c.pendingCands[:0]
	for _, p := range c.pendingCands {
		switch {
		case p.Round != 0 && p.Round < c.baseRound:
		case p.Round <= c.appliedRound:
			c.addCandidate(p)
		default:
			keep = append(keep, p)
		}
	}
	c.pendingCands = keep
}

func (c *Controller) addCandidate(p domain.CandidatePayload) {
	if err := c.engine.AddICECandidate(p.Candidate); err != nil {
		c.logger.Warn().Err(err).Int("round", p.Round).Msg("add remote candidate")
	}
}

func (c *Controller) onLocalCandidate(ci webrtc.ICECandidateInit) {
	c.sendEnvelope(domain.SignalICECandidate, domain.CandidatePayload{Round: c.round, Candidate: ci})
}

func (c *Controller) sendReady(ack bool) {
	c.sendEnvelope(domain.SignalReadyForTimer, domain.ReadyPayload{Round: c.round, Ack: ack})
}

func (c *Controller) onReady(p domain.ReadyPayload) {
	started, reply := c.timer.MarkRemoteReady(p)
	if reply {
		c.sendReady(true)
	}
	if started {
		c.onTimerStarted()
		return
	}
	c.publish(EventTimer)
}

// onRestartRequest handles a responder asking for renegotiation.
func (c *Controller) onRestartRequest(p domain.RestartPayload) {
	if c.desc.LocalRole != domain.RoleInitiator {
		return
	}
	if p.Full {
		if c.reconn.Active() {
			c.reconn.Preempt()
			return
		}
		c.logger.Info().Msg("peer requested full restart")
		c.rebuild()
		return
	}
	if c.localOffer != nil {
		// the peer never saw the outstanding offer
		c.logger.Info().Int("round", c.localOffer.Round).Msg("peer asked for an offer, resending")
		c.sendEnvelope(domain.SignalOffer, *c.localOffer)
		return
	}
	c.logger.Info().Msg("peer requested ice restart")
	c.iceRestartRequested = true
	c.startOffer(domain.RestartICE)
}
