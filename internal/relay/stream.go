package relay

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"nostr-relaypool/internal/types"
)

// Reason records why a Stream reached its terminal state.
type Reason int

const (
	ReasonOpen Reason = iota
	ReasonEOSE
	ReasonClosedByRelay
	ReasonUnsubscribed
	ReasonConnectionLost
)

func (r Reason) String() string {
	switch r {
	case ReasonEOSE:
		return "eose"
	case ReasonClosedByRelay:
		return "closed by relay"
	case ReasonUnsubscribed:
		return "unsubscribed"
	case ReasonConnectionLost:
		return "connection lost"
	default:
		return "open"
	}
}

// Stream is the client side of one subscription on one connection. It has
// a single consumer: at most one Next call may be outstanding at a time.
type Stream struct {
	id     string
	conn   *Conn
	filter types.Filter

	events      chan types.Event
	done        chan struct{}
	slowTimeout time.Duration
	endOnce     sync.Once
	busy        atomic.Bool

	mu     sync.Mutex
	reason Reason
	detail string
}

func newStream(id string, conn *Conn, filter types.Filter, buffer int, slowTimeout time.Duration) *Stream {
	return &Stream{
		id:          id,
		conn:        conn,
		filter:      filter,
		events:      make(chan types.Event, buffer),
		done:        make(chan struct{}),
		slowTimeout: slowTimeout,
	}
}

// ID returns the subscription id, unique within the owning connection.
func (s *Stream) ID() string {
	return s.id
}

func (s *Stream) RelayURL() string {
	return s.conn.URL()
}

func (s *Stream) Filter() types.Filter {
	return s.filter
}

// Done is closed once the stream is terminal.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Reason reports why the stream ended, plus any relay-supplied message.
func (s *Stream) Reason() (Reason, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason, s.detail
}

// Next blocks until the next event arrives. It returns io.EOF once the
// stream is closed (EOSE, CLOSED, connection loss or Unsubscribe) and
// ctx.Err() if ctx ends first, in which case the stream stays open.
// Events received before EOSE are always delivered before io.EOF.
func (s *Stream) Next(ctx context.Context) (types.Event, error) {
	if !s.busy.CompareAndSwap(false, true) {
		return types.Event{}, ErrConcurrentNext
	}
	defer s.busy.Store(false)

	if s.unsubscribed() {
		return types.Event{}, io.EOF
	}

	select {
	case evt := <-s.events:
		return evt, nil
	case <-s.done:
		if s.unsubscribed() {
			return types.Event{}, io.EOF
		}
		select {
		case evt := <-s.events:
			return evt, nil
		default:
			return types.Event{}, io.EOF
		}
	case <-ctx.Done():
		return types.Event{}, ctx.Err()
	}
}

// Unsubscribe sends CLOSE, deregisters the subscription and wakes any
// pending Next. Calling it again is a no-op.
func (s *Stream) Unsubscribe() {
	s.conn.unsubscribe(s)
	s.end(ReasonUnsubscribed, "")
}

func (s *Stream) unsubscribed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason == ReasonUnsubscribed
}

// push hands evt to the consumer. A consumer that does not keep up within
// slowTimeout loses the event rather than stalling the whole socket.
func (s *Stream) push(evt types.Event) (dropped bool) {
	select {
	case s.events <- evt:
		return false
	case <-s.done:
		return false
	default:
	}

	timer := time.NewTimer(s.slowTimeout)
	defer timer.Stop()

	select {
	case s.events <- evt:
		return false
	case <-s.done:
		return false
	case <-timer.C:
		return true
	}
}

func (s *Stream) end(reason Reason, detail string) {
	s.endOnce.Do(func() {
		s.mu.Lock()
		s.reason = reason
		s.detail = detail
		s.mu.Unlock()
		close(s.done)
	})
}
