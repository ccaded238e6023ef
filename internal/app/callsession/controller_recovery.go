package callsession

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/callsync/internal/core"
	"github.com/dkeye/callsync/internal/domain"
)

func (c *Controller) childContext() (context.Context, context.CancelFunc) {
	return context.WithCancel(c.ctx)
}

func (c *Controller) mediaHealthy() bool {
	return c.engine != nil && c.conn == domain.ConnectionConnected
}

// recover routes a failure through the policy: either the session ends or
// a reconnection cycle starts or advances.
func (c *Controller) recover(err error) {
	if c.state.Terminal() {
		return
	}
	action := c.policy.OnFailure(err)
	c.logger.Warn().Err(err).Str("action", action.String()).Msg("session failure")
	if action == Terminate {
		c.fail(err)
		return
	}
	c.lastErr = err
	switch {
	case errors.Is(err, core.ErrSignaling) && c.mediaHealthy():
		// media still flows; only billing waits for the room to come back
		c.timer.Billing().Pause()
		c.publish(EventTimer)
	case c.state.Live():
		c.degrade()
	}
	if c.reconn.Active() {
		// a rejoin still in flight belongs to the attempt that just failed
		c.joinGen++
		c.reconn.Failed()
	} else {
		c.reconn.Start()
	}
	if !c.state.Terminal() {
		c.publish(EventReconnect)
	}
}

// runAttempt performs reconnection attempt n. A lost relay is rejoined
// first; media is rebuilt unless it is still connected.
func (c *Controller) runAttempt(n int) {
	c.logger.Info().Int("attempt", n).Bool("relay_lost", c.relayLost).Msg("reconnection attempt")
	if c.relayLost {
		if !c.mediaHealthy() {
			c.closeEngine()
			c.resetHandshake()
			c.transition(evRejoin)
		}
		c.join()
		c.publish(EventReconnect)
		return
	}
	c.rebuild()
	c.publish(EventReconnect)
}

func (c *Controller) onExhausted(attempts int) {
	cause := c.lastErr
	if cause == nil {
		cause = errors.New("no connectivity")
	}
	c.fail(core.NewError(core.ErrConnectivity, "reconnect", fmt.Errorf("gave up after %d attempts: %w", attempts, cause)))
}

// requestIceRestart restarts ICE on the existing connection. Only the
// initiator creates offers; a responder asks for one.
func (c *Controller) requestIceRestart() {
	c.iceRestartRequested = true
	c.metrics.ICERestarts.Inc()
	c.logger.Info().Str("ice", string(c.ice)).Msg("requesting ice restart")
	if err := c.relay.NotifyIceRestart(c.desc.BookingID); err != nil {
		c.logger.Warn().Err(err).Msg("notify ice restart")
	}
	if c.desc.LocalRole == domain.RoleInitiator {
		c.startOffer(domain.RestartICE)
		return
	}
	c.sendEnvelope(domain.SignalICERestart, domain.RestartPayload{Full: false})
}
