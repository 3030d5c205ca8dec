package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"nostr-relaypool/internal/nostr"
	"nostr-relaypool/internal/telemetry"
	"nostr-relaypool/internal/types"
)

// Options tunes a relay connection. Zero values pick the defaults below.
type Options struct {
	ConnectTimeout      time.Duration // default 5s
	WriteTimeout        time.Duration // default 10s
	StreamBuffer        int           // per-subscription event buffer, default 100
	SlowConsumerTimeout time.Duration // default 2s
	MaxMessageSize      int64         // default 4 MiB

	// SkipVerify disables id/signature checks on inbound events.
	SkipVerify bool

	OnNotice func(relayURL, message string)
	Dialer   *websocket.Dialer
	Logger   *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 5 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.StreamBuffer <= 0 {
		o.StreamBuffer = 100
	}
	if o.SlowConsumerTimeout <= 0 {
		o.SlowConsumerTimeout = 2 * time.Second
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 4 << 20
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Conn owns one websocket to one relay and multiplexes many subscriptions
// over it. A single reader goroutine dispatches inbound frames; the
// dispatch tables are guarded by mu.
type Conn struct {
	url  string
	ws   *websocket.Conn
	opts Options
	log  *slog.Logger

	writeMu sync.Mutex

	mu     sync.Mutex
	subs   map[string]*Stream
	acks   map[string][]chan OKMessage
	closed bool
	err    error

	subPrefix string
	nextSub   atomic.Uint64

	done      chan struct{}
	closeOnce sync.Once
}

// Connect dials relayURL and starts the read loop. It fails with
// ErrTimeout if the handshake does not finish within ConnectTimeout and
// with ErrConnection on any other dial failure.
func Connect(ctx context.Context, relayURL string, opts Options) (*Conn, error) {
	opts = opts.withDefaults()

	dialCtx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()

	ws, _, err := opts.Dialer.DialContext(dialCtx, relayURL, nil)
	if err != nil {
		var netErr net.Error
		if errors.Is(dialCtx.Err(), context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return nil, fmt.Errorf("%w: connect %s: %w", ErrTimeout, relayURL, err)
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrConnection, relayURL, err)
	}
	ws.SetReadLimit(opts.MaxMessageSize)

	c := &Conn{
		url:       relayURL,
		ws:        ws,
		opts:      opts,
		log:       opts.Logger.With("component", "relay", "relay", relayURL),
		subs:      make(map[string]*Stream),
		acks:      make(map[string][]chan OKMessage),
		subPrefix: uuid.NewString()[:8],
		done:      make(chan struct{}),
	}
	go c.readLoop()

	c.log.Debug("relay connected")
	return c, nil
}

func (c *Conn) URL() string {
	return c.url
}

// Done is closed when the socket is gone.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that closed the connection, or nil while it is open.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Subscriptions returns the number of open subscriptions.
func (c *Conn) Subscriptions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// Subscribe sends ["REQ", subId, filter] under a fresh subscription id and
// returns the stream its events are routed to.
func (c *Conn) Subscribe(filter types.Filter) (*Stream, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}

	id := c.subPrefix + ":" + strconv.FormatUint(c.nextSub.Add(1), 10)
	s := newStream(id, c, filter, c.opts.StreamBuffer, c.opts.SlowConsumerTimeout)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrConnectionClosed, c.url)
	}
	c.subs[id] = s
	c.mu.Unlock()

	data, err := encodeReq(id, filter)
	if err == nil {
		err = c.write(data)
	}
	if err != nil {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
		s.end(ReasonConnectionLost, err.Error())
		return nil, err
	}
	return s, nil
}

// Publish sends ["EVENT", event]. The returned Ack resolves with the
// relay's OK for this event id.
func (c *Conn) Publish(evt types.Event) (*Ack, error) {
	ack := &Ack{conn: c, eventID: evt.ID, ch: make(chan OKMessage, 1)}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrConnectionClosed, c.url)
	}
	c.acks[evt.ID] = append(c.acks[evt.ID], ack.ch)
	c.mu.Unlock()

	data, err := encodeEvent(evt)
	if err == nil {
		err = c.write(data)
	}
	if err != nil {
		c.forgetAck(ack)
		return nil, err
	}
	return ack, nil
}

// Close sends a close frame and tears the connection down.
func (c *Conn) Close() error {
	deadline := time.Now().Add(time.Second)
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	c.shutdown(fmt.Errorf("%w: %s", ErrConnectionClosed, c.url))
	return nil
}

func (c *Conn) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	defer c.ws.SetWriteDeadline(time.Time{})

	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		err = fmt.Errorf("%w: write %s: %w", ErrConnectionClosed, c.url, err)
		c.shutdown(err)
		return err
	}
	return nil
}

func (c *Conn) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.shutdown(fmt.Errorf("%w: %s: %w", ErrConnectionClosed, c.url, err))
			return
		}

		msg, err := ParseMessage(data)
		if err != nil {
			c.log.Debug("dropping frame", "error", err)
			telemetry.IncrRelay(telemetry.MetricFrameDroppedCount, c.url)
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Conn) dispatch(msg Message) {
	switch m := msg.(type) {
	case EventMessage:
		c.onEvent(m)
	case EOSEMessage:
		c.finish(m.SubID, ReasonEOSE, "", true)
	case ClosedMessage:
		c.finish(m.SubID, ReasonClosedByRelay, m.Reason, false)
	case OKMessage:
		c.mu.Lock()
		waiters := c.acks[m.EventID]
		delete(c.acks, m.EventID)
		c.mu.Unlock()
		for _, ch := range waiters {
			select {
			case ch <- m:
			default:
			}
		}
	case NoticeMessage:
		c.log.Info("relay notice", "notice", m.Message)
		if c.opts.OnNotice != nil {
			c.opts.OnNotice(c.url, m.Message)
		}
	}
}

func (c *Conn) onEvent(m EventMessage) {
	c.mu.Lock()
	s := c.subs[m.SubID]
	c.mu.Unlock()

	if s == nil {
		return
	}

	evt := m.Event
	if !c.opts.SkipVerify {
		if err := nostr.CheckEvent(&evt); err != nil {
			c.log.Debug("dropping invalid event", telemetry.LabelSubID.L(m.SubID), "error", err)
			telemetry.IncrRelay(telemetry.MetricEventInvalidCount, c.url)
			return
		}
	}
	if !s.filter.Matches(evt) {
		c.log.Debug("dropping event outside filter", telemetry.LabelSubID.L(m.SubID), "event_id", nostr.ShortID(evt.ID))
		telemetry.IncrRelay(telemetry.MetricEventInvalidCount, c.url)
		return
	}

	evt.RelaysSeen = []string{c.url}
	if s.push(evt) {
		c.log.Warn("subscriber too slow, event dropped", telemetry.LabelSubID.L(m.SubID))
		telemetry.IncrRelay(telemetry.MetricEventOverflowCount, c.url)
	}
}

// finish ends a subscription the relay is done with. After EOSE the relay
// would keep streaming live events, so a CLOSE is sent as well.
func (c *Conn) finish(subID string, reason Reason, detail string, sendClose bool) {
	c.mu.Lock()
	s := c.subs[subID]
	delete(c.subs, subID)
	closed := c.closed
	c.mu.Unlock()

	if s == nil {
		return
	}
	s.end(reason, detail)

	if sendClose && !closed {
		go c.sendClose(subID)
	}
}

func (c *Conn) unsubscribe(s *Stream) {
	c.mu.Lock()
	registered := c.subs[s.id] == s
	if registered {
		delete(c.subs, s.id)
	}
	closed := c.closed
	c.mu.Unlock()

	if registered && !closed {
		c.sendClose(s.id)
	}
}

func (c *Conn) sendClose(subID string) {
	data, err := encodeClose(subID)
	if err != nil {
		return
	}
	if err := c.write(data); err != nil {
		c.log.Debug("failed to send CLOSE", telemetry.LabelSubID.L(subID), "error", err)
	}
}

func (c *Conn) forgetAck(a *Ack) {
	c.mu.Lock()
	defer c.mu.Unlock()

	waiters := c.acks[a.eventID]
	for i, ch := range waiters {
		if ch == a.ch {
			waiters = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(waiters) == 0 {
		delete(c.acks, a.eventID)
	} else {
		c.acks[a.eventID] = waiters
	}
}

// shutdown marks the connection closed, ends every open stream and wakes
// every pending Ack. Safe to call more than once.
func (c *Conn) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.err = cause
		subs := c.subs
		c.subs = make(map[string]*Stream)
		c.acks = make(map[string][]chan OKMessage)
		c.mu.Unlock()

		c.ws.Close()
		for _, s := range subs {
			s.end(ReasonConnectionLost, cause.Error())
		}
		close(c.done)

		c.log.Debug("relay connection closed", "cause", cause, "open_subscriptions", len(subs))
	})
}

// Ack is a pending OK for one published event.
type Ack struct {
	conn    *Conn
	eventID string
	ch      chan OKMessage
}

// Wait blocks for the relay's OK. It returns ErrTimeout when ctx's
// deadline passes and ErrConnectionClosed if the socket goes away first.
func (a *Ack) Wait(ctx context.Context) (OKMessage, error) {
	defer a.conn.forgetAck(a)

	select {
	case ok := <-a.ch:
		return ok, nil
	case <-a.conn.done:
		select {
		case ok := <-a.ch:
			return ok, nil
		default:
		}
		return OKMessage{}, fmt.Errorf("%w: %s", ErrConnectionClosed, a.conn.url)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return OKMessage{}, fmt.Errorf("%w: no OK from %s", ErrTimeout, a.conn.url)
		}
		return OKMessage{}, ctx.Err()
	}
}
