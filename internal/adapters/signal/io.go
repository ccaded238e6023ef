package signal

import (
	"encoding/json"
	"time"

	"github.com/dkeye/callsync/internal/core"
	"github.com/dkeye/callsync/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

func (c *Client) writePump(conn *WsSignalConn) {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case data, ok := <-conn.send:
			if !ok {
				log.Warn().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := conn.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := conn.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := conn.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := conn.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump ping error")
				return
			}
		}
	}
}

func (c *Client) readPump(conn *WsSignalConn) {
	var cause error
	defer func() {
		log.Info().Str("module", "signal").Msg("readPump closing")
		conn.Close()
		c.disconnected(conn, cause)
	}()

	wait := 2 * c.opts.PingPeriod
	conn.conn.SetReadLimit(c.opts.ReadLimit)
	_ = conn.conn.SetReadDeadline(time.Now().Add(wait))
	conn.conn.SetPongHandler(func(string) error {
		return conn.conn.SetReadDeadline(time.Now().Add(wait))
	})

	for {
		_, data, err := conn.conn.ReadMessage()
		if err != nil {
			cause = err
			log.Error().Err(err).Str("module", "signal").Msg("readPump read error")
			return
		}
		_ = conn.conn.SetReadDeadline(time.Now().Add(wait))
		c.handleFrame(data)
	}
}

func (c *Client) handleFrame(data []byte) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		return
	}

	switch f.Event {
	case EventAck:
		c.handleAck(f)
	case EventSignal:
		var d signalData
		if !decode(f, &d) {
			return
		}
		c.dispatch(d.RoomID, core.RelayEvent{
			Type:      core.EventSignal,
			RoomID:    d.RoomID,
			BookingID: d.BookingID,
			Envelope:  d.Signal,
		})
	case EventReady:
		var d readyData
		if !decode(f, &d) {
			return
		}
		env := domain.SignalEnvelope{SessionID: d.SessionID, Kind: domain.SignalReadyForTimer}
		if d.Signal != nil {
			env = *d.Signal
		}
		c.dispatch(d.RoomID, core.RelayEvent{
			Type:      core.EventSignal,
			RoomID:    d.RoomID,
			BookingID: d.BookingID,
			Envelope:  env,
		})
	case EventIceRestart:
		var d iceRestartData
		if !decode(f, &d) {
			return
		}
		for _, room := range c.roomsOf(d.BookingID) {
			c.dispatch(room, core.RelayEvent{Type: core.EventIceRestart, RoomID: room, BookingID: d.BookingID})
		}
	case EventBookingStatus:
		var d bookingStatusData
		if !decode(f, &d) {
			return
		}
		c.mu.Lock()
		fns := make([]func(domain.BookingID, string), 0, len(c.statusSubs))
		for _, fn := range c.statusSubs {
			fns = append(fns, fn)
		}
		c.mu.Unlock()
		for _, fn := range fns {
			fn(d.BookingID, d.Status)
		}
	case EventParticipantJoined:
		var d participantData
		if !decode(f, &d) {
			return
		}
		c.dispatch(d.RoomID, core.RelayEvent{
			Type:      core.EventPeerJoined,
			RoomID:    d.RoomID,
			BookingID: d.BookingID,
			Role:      d.Role,
		})
	case EventError:
		var d errorData
		_ = json.Unmarshal(f.Data, &d)
		log.Warn().Str("module", "signal").Str("message", d.Message).Msg("relay error")
	default:
		log.Warn().Str("module", "signal").Str("event", f.Event).Msg("unknown event")
	}
}

func (c *Client) handleAck(f Frame) {
	var d ackData
	if !decode(f, &d) {
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[f.ID]
	c.mu.Unlock()
	if !ok {
		log.Warn().Err(errUnexpectedAck).Str("module", "signal").Int64("id", f.ID).Msg("drop ack")
		return
	}
	select {
	case ch <- core.JoinAck{Success: d.Success, Reason: d.Reason}:
	default:
	}
}

func decode(f Frame, v any) bool {
	if err := json.Unmarshal(f.Data, v); err != nil {
		log.Error().Err(err).Str("module", "signal").Str("event", f.Event).Msg("bad frame data")
		return false
	}
	return true
}
