package relay

import (
	"encoding/json"

	"nostr-relaypool/internal/types"
)

// Message is one decoded relay→client frame.
type Message interface {
	Label() string
}

// EventMessage is ["EVENT", subId, event].
type EventMessage struct {
	SubID string
	Event types.Event
}

// EOSEMessage is ["EOSE", subId].
type EOSEMessage struct {
	SubID string
}

// OKMessage is ["OK", eventId, accepted, reason].
type OKMessage struct {
	EventID  string
	Accepted bool
	Reason   string
}

// NoticeMessage is ["NOTICE", message].
type NoticeMessage struct {
	Message string
}

// ClosedMessage is ["CLOSED", subId, reason].
type ClosedMessage struct {
	SubID  string
	Reason string
}

func (EventMessage) Label() string  { return "EVENT" }
func (EOSEMessage) Label() string   { return "EOSE" }
func (OKMessage) Label() string     { return "OK" }
func (NoticeMessage) Label() string { return "NOTICE" }
func (ClosedMessage) Label() string { return "CLOSED" }

// ParseMessage decodes a relay→client frame. Any shape it does not
// recognize yields a *ProtocolError.
func ParseMessage(data []byte) (Message, error) {
	var frame []json.RawMessage
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, &ProtocolError{Frame: string(data), Reason: "not a JSON array"}
	}
	if len(frame) < 2 {
		return nil, &ProtocolError{Frame: string(data), Reason: "too few elements"}
	}

	var label string
	if err := json.Unmarshal(frame[0], &label); err != nil {
		return nil, &ProtocolError{Frame: string(data), Reason: "label is not a string"}
	}

	bad := func(reason string) (Message, error) {
		return nil, &ProtocolError{Frame: string(data), Reason: label + ": " + reason}
	}

	switch label {
	case "EVENT":
		var m EventMessage
		if len(frame) < 3 {
			return bad("missing event")
		}
		if json.Unmarshal(frame[1], &m.SubID) != nil {
			return bad("subscription id is not a string")
		}
		if err := json.Unmarshal(frame[2], &m.Event); err != nil || m.Event.ID == "" {
			return bad("malformed event")
		}
		return m, nil

	case "EOSE":
		var m EOSEMessage
		if json.Unmarshal(frame[1], &m.SubID) != nil {
			return bad("subscription id is not a string")
		}
		return m, nil

	case "OK":
		var m OKMessage
		if len(frame) < 3 {
			return bad("missing status")
		}
		if json.Unmarshal(frame[1], &m.EventID) != nil || json.Unmarshal(frame[2], &m.Accepted) != nil {
			return bad("malformed acknowledgment")
		}
		if len(frame) > 3 {
			json.Unmarshal(frame[3], &m.Reason)
		}
		return m, nil

	case "NOTICE":
		var m NoticeMessage
		if json.Unmarshal(frame[1], &m.Message) != nil {
			return bad("message is not a string")
		}
		return m, nil

	case "CLOSED":
		var m ClosedMessage
		if json.Unmarshal(frame[1], &m.SubID) != nil {
			return bad("subscription id is not a string")
		}
		if len(frame) > 2 {
			json.Unmarshal(frame[2], &m.Reason)
		}
		return m, nil
	}

	return bad("unsupported label")
}

func encodeReq(subID string, filter types.Filter) ([]byte, error) {
	return json.Marshal([]any{"REQ", subID, filter})
}

func encodeClose(subID string) ([]byte, error) {
	return json.Marshal([]any{"CLOSE", subID})
}

func encodeEvent(evt types.Event) ([]byte, error) {
	return json.Marshal([]any{"EVENT", evt})
}
