package relay

import (
	"errors"
	"fmt"
)

var (
	ErrConnection       = errors.New("relay: connection failed")
	ErrTimeout          = errors.New("relay: timeout")
	ErrProtocol         = errors.New("relay: protocol error")
	ErrConnectionClosed = errors.New("relay: connection closed")
	ErrConcurrentNext   = errors.New("relay: concurrent Next on a single-consumer stream")
)

// ProtocolError describes an inbound frame the client could not make sense
// of. Such frames are dropped; they never tear down the connection.
type ProtocolError struct {
	Frame  string
	Reason string
}

func (e *ProtocolError) Error() string {
	frame := e.Frame
	if len(frame) > 80 {
		frame = frame[:80] + "..."
	}
	return fmt.Sprintf("relay: protocol error: %s: %s", e.Reason, frame)
}

func (e *ProtocolError) Unwrap() error {
	return ErrProtocol
}
