package relaytest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"

	"nostr-relaypool/internal/types"
)

// Behavior tweaks how the fake relay answers.
type Behavior struct {
	Silent  bool   // accept REQs but never send events or EOSE
	NoAck   bool   // never answer EVENT with OK
	Reject  string // answer EVENT with OK=false and this reason
	Garbage bool   // send malformed frames before every reply
}

// Server is a minimal NIP-01 relay backed by an in-memory event list.
type Server struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu        sync.Mutex
	behavior  Behavior
	events    []types.Event
	published []types.Event
	conns     map[*websocket.Conn]*sync.Mutex
	reqs      int
	closes    int
}

// NewServer starts a relay serving events and registers its shutdown with t.
func NewServer(t testing.TB, behavior Behavior, events ...types.Event) *Server {
	s := &Server{
		behavior: behavior,
		events:   events,
		conns:    make(map[*websocket.Conn]*sync.Mutex),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

// URL returns the ws:// address of the relay.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

// Close drops every client and stops the listener.
func (s *Server) Close() {
	s.DropConnections()
	s.srv.Close()
}

// DropConnections closes every client socket without a close frame.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

func (s *Server) SetBehavior(b Behavior) {
	s.mu.Lock()
	s.behavior = b
	s.mu.Unlock()
}

// Connections returns the number of open client sockets.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Requests returns how many REQ frames were received.
func (s *Server) Requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reqs
}

// Closes returns how many CLOSE frames were received.
func (s *Server) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

// Published returns the events clients sent with EVENT.
func (s *Server) Published() []types.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Event(nil), s.published...)
}

// Broadcast writes frame to every connected client.
func (s *Server) Broadcast(frame ...any) {
	s.mu.Lock()
	targets := make(map[*websocket.Conn]*sync.Mutex, len(s.conns))
	for c, mu := range s.conns {
		targets[c] = mu
	}
	s.mu.Unlock()

	for c, mu := range targets {
		write(c, mu, frame)
	}
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	writeMu := &sync.Mutex{}

	s.mu.Lock()
	s.conns[conn] = writeMu
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg []json.RawMessage
		if err := json.Unmarshal(data, &msg); err != nil || len(msg) < 2 {
			continue
		}
		var label string
		json.Unmarshal(msg[0], &label)

		s.mu.Lock()
		behavior := s.behavior
		s.mu.Unlock()

		if behavior.Garbage {
			writeRaw(conn, writeMu, []byte(`not json`))
			write(conn, writeMu, []any{"EVENT"})
			write(conn, writeMu, []any{"NOTICE", 5})
			write(conn, writeMu, []any{"AUTH", "challenge"})
		}

		switch label {
		case "REQ":
			s.handleReq(conn, writeMu, msg, behavior)
		case "EVENT":
			s.handleEvent(conn, writeMu, msg, behavior)
		case "CLOSE":
			s.mu.Lock()
			s.closes++
			s.mu.Unlock()
		}
	}
}

func (s *Server) handleReq(conn *websocket.Conn, writeMu *sync.Mutex, msg []json.RawMessage, behavior Behavior) {
	if len(msg) < 3 {
		return
	}
	var subID string
	json.Unmarshal(msg[1], &subID)

	var filters []types.Filter
	for _, raw := range msg[2:] {
		var f types.Filter
		if err := json.Unmarshal(raw, &f); err == nil {
			filters = append(filters, f)
		}
	}

	s.mu.Lock()
	s.reqs++
	stored := append([]types.Event(nil), s.events...)
	s.mu.Unlock()

	if behavior.Silent {
		return
	}

	for _, f := range filters {
		sent := 0
		for _, evt := range stored {
			if f.Limit > 0 && sent >= f.Limit {
				break
			}
			if f.Matches(evt) {
				write(conn, writeMu, []any{"EVENT", subID, evt})
				sent++
			}
		}
	}
	write(conn, writeMu, []any{"EOSE", subID})
}

func (s *Server) handleEvent(conn *websocket.Conn, writeMu *sync.Mutex, msg []json.RawMessage, behavior Behavior) {
	var evt types.Event
	if err := json.Unmarshal(msg[1], &evt); err != nil {
		return
	}

	s.mu.Lock()
	s.published = append(s.published, evt)
	if behavior.Reject == "" {
		s.events = append(s.events, evt)
	}
	s.mu.Unlock()

	if behavior.NoAck {
		return
	}
	if behavior.Reject != "" {
		write(conn, writeMu, []any{"OK", evt.ID, false, behavior.Reject})
		return
	}
	write(conn, writeMu, []any{"OK", evt.ID, true, ""})
}

func write(conn *websocket.Conn, mu *sync.Mutex, frame any) {
	mu.Lock()
	defer mu.Unlock()
	conn.WriteJSON(frame)
}

func writeRaw(conn *websocket.Conn, mu *sync.Mutex, data []byte) {
	mu.Lock()
	defer mu.Unlock()
	conn.WriteMessage(websocket.TextMessage, data)
}
