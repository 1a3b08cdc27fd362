// Package protocol defines the control-link wire format: a four-variant
// tagged message exchanged between a local and a server process, and the
// NUL-delimited JSON frame codec it travels over.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Tag is the short form written on the wire for each message variant.
type Tag string

const (
	TagInitPort  Tag = "I"
	TagConnect   Tag = "C"
	TagHeartbeat Tag = "H"
	TagError     Tag = "E"
)

// Message is a tagged sum of the four control-link variants. Only the
// payload fields of the given Tag are meaningful (Port and Secret for
// InitPort and Connect, Reason for Error, none for Heartbeat); callers
// should use the constructors below rather than building a Message by hand.
type Message struct {
	Tag    Tag
	Port   uint16
	Secret *string
	Reason string
}

// NewInitPort builds an InitPort message. secret is nil when the sender
// has no shared secret configured.
func NewInitPort(port uint16, secret *string) Message {
	return Message{Tag: TagInitPort, Port: port, Secret: secret}
}

// NewConnect builds a Connect message. On local->server it may carry a
// secret; on server->local secret is always nil.
func NewConnect(port uint16, secret *string) Message {
	return Message{Tag: TagConnect, Port: port, Secret: secret}
}

// NewHeartbeat builds a Heartbeat message.
func NewHeartbeat() Message {
	return Message{Tag: TagHeartbeat}
}

// NewError builds an Error message.
func NewError(reason string) Message {
	return Message{Tag: TagError, Reason: reason}
}

// MarshalJSON encodes the message using the short tag forms required by
// the wire protocol: {"I":[port,secret]}, {"C":[port,secret]}, "H", {"E":"reason"}.
func (m Message) MarshalJSON() ([]byte, error) {
	switch m.Tag {
	case TagHeartbeat:
		return json.Marshal(string(TagHeartbeat))
	case TagInitPort, TagConnect:
		return json.Marshal(map[string][2]any{
			string(m.Tag): {m.Port, m.Secret},
		})
	case TagError:
		return json.Marshal(map[string]string{string(TagError): m.Reason})
	default:
		return nil, fmt.Errorf("protocol: unknown message tag %q", m.Tag)
	}
}

// UnmarshalJSON decodes a message, accepting only the short tag forms.
// Any malformed JSON, unknown tag, or payload of the wrong arity is
// reported as a decode error — the stream is then considered unusable.
func (m *Message) UnmarshalJSON(data []byte) error {
	// Heartbeat is a bare JSON string.
	var asString string
	if err := json.Unmarshal(data, &asString); err == nil {
		if asString != string(TagHeartbeat) {
			return fmt.Errorf("protocol: unknown scalar message %q", asString)
		}
		*m = NewHeartbeat()
		return nil
	}

	var asObject map[string]json.RawMessage
	if err := json.Unmarshal(data, &asObject); err != nil {
		return fmt.Errorf("protocol: malformed message: %w", err)
	}
	if len(asObject) != 1 {
		return fmt.Errorf("protocol: message object must have exactly one key, got %d", len(asObject))
	}

	for tag, raw := range asObject {
		switch Tag(tag) {
		case TagError:
			var reason string
			if err := json.Unmarshal(raw, &reason); err != nil {
				return fmt.Errorf("protocol: malformed error payload: %w", err)
			}
			*m = NewError(reason)
			return nil
		case TagInitPort, TagConnect:
			var payload []json.RawMessage
			if err := json.Unmarshal(raw, &payload); err != nil {
				return fmt.Errorf("protocol: malformed %s payload (want [port, secret]): %w", tag, err)
			}
			if len(payload) != 2 {
				return fmt.Errorf("protocol: %s payload has %d elements (want [port, secret])", tag, len(payload))
			}
			var port uint16
			if err := json.Unmarshal(payload[0], &port); err != nil {
				return fmt.Errorf("protocol: malformed port in %s payload: %w", tag, err)
			}
			var secret *string
			if err := json.Unmarshal(payload[1], &secret); err != nil {
				return fmt.Errorf("protocol: malformed secret in %s payload: %w", tag, err)
			}
			*m = Message{Tag: Tag(tag), Port: port, Secret: secret}
			return nil
		default:
			return fmt.Errorf("protocol: unknown tag %q", tag)
		}
	}
	return fmt.Errorf("protocol: unreachable")
}

// String renders a short human-readable form for logging.
func (m Message) String() string {
	switch m.Tag {
	case TagInitPort:
		return fmt.Sprintf("InitPort(%d)", m.Port)
	case TagConnect:
		return fmt.Sprintf("Connect(%d)", m.Port)
	case TagHeartbeat:
		return "Heartbeat"
	case TagError:
		return fmt.Sprintf("Error(%q)", m.Reason)
	default:
		return "Unknown"
	}
}
