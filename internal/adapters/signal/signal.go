// Package signal implements core.SignalingRelay over a websocket to the
// consultation relay.
package signal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/callsync/internal/core"
	"github.com/dkeye/callsync/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const sendBuffer = 32

type Options struct {
	URL          string
	Token        string
	ReadLimit    int64
	PingPeriod   time.Duration
	WriteTimeout time.Duration
	Dialer       *websocket.Dialer
}

func (o Options) withDefaults() Options {
	if o.ReadLimit <= 0 {
		o.ReadLimit = 64 << 10
	}
	if o.PingPeriod <= 0 {
		o.PingPeriod = 20 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	return o
}

type WsSignalConn struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	mu     sync.RWMutex
	closed bool
}

func newWsSignalConn(ws *websocket.Conn) *WsSignalConn {
	return &WsSignalConn{conn: ws, send: make(chan []byte, sendBuffer), done: make(chan struct{})}
}

func (c *WsSignalConn) TrySend(b []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrClosed
	}
	select {
	case c.send <- b:
	default:
		return core.ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	close(c.done)
	_ = c.conn.Close()
	c.mu.Unlock()
}

type joinState struct {
	done chan struct{}
	ack  core.JoinAck
	err  error
}

// Client is a single relay connection shared by every session of the
// process. It dials lazily on the first Join and redials after a drop.
type Client struct {
	opts Options

	dialMu sync.Mutex

	mu         sync.Mutex
	conn       *WsSignalConn
	closed     bool
	nextID     int64
	pending    map[int64]chan core.JoinAck
	joins      map[domain.RoomID]*joinState
	bookings   map[domain.RoomID]domain.BookingID
	subs       map[domain.RoomID]map[int]func(core.RelayEvent)
	statusSubs map[int]func(domain.BookingID, string)
	nextSub    int
}

func NewClient(opts Options) *Client {
	return &Client{
		opts:       opts.withDefaults(),
		pending:    make(map[int64]chan core.JoinAck),
		joins:      make(map[domain.RoomID]*joinState),
		bookings:   make(map[domain.RoomID]domain.BookingID),
		subs:       make(map[domain.RoomID]map[int]func(core.RelayEvent)),
		statusSubs: make(map[int]func(domain.BookingID, string)),
	}
}

// Join is idempotent per room: concurrent and repeated joins share one
// join_consultation_room exchange until the membership is lost.
func (c *Client) Join(ctx context.Context, req core.JoinRequest) (core.JoinAck, error) {
	c.mu.Lock()
	js, ok := c.joins[req.RoomID]
	if !ok {
		js = &joinState{done: make(chan struct{})}
		c.joins[req.RoomID] = js
		c.bookings[req.RoomID] = req.BookingID
	}
	c.mu.Unlock()

	if ok {
		select {
		case <-js.done:
			return js.ack, js.err
		case <-ctx.Done():
			return core.JoinAck{}, core.NewError(core.ErrSignaling, "join room", ctx.Err())
		}
	}

	ack, err := c.join(ctx, req)
	c.mu.Lock()
	js.ack, js.err = ack, err
	if err != nil && c.joins[req.RoomID] == js {
		delete(c.joins, req.RoomID)
	}
	c.mu.Unlock()
	close(js.done)
	return ack, err
}

func (c *Client) join(ctx context.Context, req core.JoinRequest) (core.JoinAck, error) {
	conn, err := c.connect(ctx)
	if err != nil {
		return core.JoinAck{}, core.NewError(core.ErrSignaling, "dial relay", err)
	}

	c.mu.Lock()
	c.nextID++
	id := c.nextID
	ch := make(chan core.JoinAck, 1)
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	frame, err := encodeFrame(EventJoin, id, req)
	if err != nil {
		return core.JoinAck{}, core.NewError(core.ErrSignaling, "join room", err)
	}
	if err := conn.TrySend(frame); err != nil {
		return core.JoinAck{}, core.NewError(core.ErrSignaling, "join room", err)
	}

	select {
	case ack := <-ch:
		if !ack.Success {
			return ack, core.NewError(core.ErrSignaling, "join room", fmt.Errorf("rejected: %s", ack.Reason))
		}
		log.Info().Str("module", "signal").Str("room_id", string(req.RoomID)).Msg("joined room")
		return ack, nil
	case <-conn.done:
		return core.JoinAck{}, core.NewError(core.ErrSignaling, "join room", core.ErrClosed)
	case <-ctx.Done():
		return core.JoinAck{}, core.NewError(core.ErrSignaling, "join room", ctx.Err())
	}
}

func (c *Client) connect(ctx context.Context) (*WsSignalConn, error) {
	c.dialMu.Lock()
	defer c.dialMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, core.ErrClosed
	}
	if c.conn != nil {
		conn := c.conn
		c.mu.Unlock()
		return conn, nil
	}
	c.mu.Unlock()

	header := http.Header{}
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}
	ws, resp, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Str("url", c.opts.URL).Msg("dial relay")
		return nil, err
	}

	conn := newWsSignalConn(ws)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return nil, core.ErrClosed
	}
	c.conn = conn
	c.mu.Unlock()

	log.Info().Str("module", "signal").Str("url", c.opts.URL).Msg("relay connected")
	go c.writePump(conn)
	go c.readPump(conn)
	return conn, nil
}

// Leave forgets the room membership locally; the relay has no leave event.
func (c *Client) Leave(room domain.RoomID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.joins, room)
	delete(c.bookings, room)
}

func (c *Client) Send(route core.Route, env domain.SignalEnvelope) error {
	var (
		frame []byte
		err   error
	)
	if env.Kind == domain.SignalReadyForTimer {
		frame, err = encodeFrame(EventReady, 0, readyData{
			BookingID: route.BookingID,
			SessionID: env.SessionID,
			RoomID:    route.RoomID,
			Signal:    &env,
		})
	} else {
		frame, err = encodeFrame(EventSignal, 0, signalData{
			SessionID: env.SessionID,
			BookingID: route.BookingID,
			RoomID:    route.RoomID,
			To:        route.To,
			Signal:    env,
		})
	}
	if err != nil {
		return err
	}
	return c.trySend(frame)
}

func (c *Client) NotifyIceRestart(booking domain.BookingID) error {
	frame, err := encodeFrame(EventIceRestart, 0, iceRestartData{BookingID: booking})
	if err != nil {
		return err
	}
	return c.trySend(frame)
}

func (c *Client) trySend(frame []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return core.ErrClosed
	}
	return conn.TrySend(frame)
}

func (c *Client) Subscribe(room domain.RoomID, fn func(core.RelayEvent)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	if c.subs[room] == nil {
		c.subs[room] = make(map[int]func(core.RelayEvent))
	}
	c.subs[room][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			delete(c.subs[room], id)
			if len(c.subs[room]) == 0 {
				delete(c.subs, room)
			}
		})
	}
}

func (c *Client) OnBookingStatus(fn func(domain.BookingID, string)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	c.statusSubs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			delete(c.statusSubs, id)
		})
	}
}

// Close drops the connection for good. Subscribers are not notified.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	return nil
}

// dispatch delivers ev to the room's subscribers outside the lock.
func (c *Client) dispatch(room domain.RoomID, ev core.RelayEvent) {
	c.mu.Lock()
	fns := make([]func(core.RelayEvent), 0, len(c.subs[room]))
	for _, fn := range c.subs[room] {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (c *Client) roomsOf(booking domain.BookingID) []domain.RoomID {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []domain.RoomID
	for room, b := range c.bookings {
		if b == booking {
			out = append(out, room)
		}
	}
	return out
}

// disconnected forgets every membership and tells all subscribers.
func (c *Client) disconnected(conn *WsSignalConn, cause error) {
	c.mu.Lock()
	if c.conn != conn || c.closed {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.joins = make(map[domain.RoomID]*joinState)
	rooms := make([]domain.RoomID, 0, len(c.subs))
	for room := range c.subs {
		rooms = append(rooms, room)
	}
	c.mu.Unlock()

	if cause == nil {
		cause = core.ErrClosed
	}
	err := core.NewError(core.ErrSignaling, "relay transport", cause)
	log.Warn().Err(err).Str("module", "signal").Int("rooms", len(rooms)).Msg("relay disconnected")
	for _, room := range rooms {
		c.dispatch(room, core.RelayEvent{Type: core.EventDisconnected, RoomID: room, Err: err})
	}
}

var errUnexpectedAck = errors.New("ack for unknown request")
