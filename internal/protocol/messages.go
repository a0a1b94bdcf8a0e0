// Package protocol defines the JSON messages exchanged on the "matching"
// broadcast channel and on the realtime gateway WebSocket. Broadcast messages
// carry an event name and a payload addressed to one user; gateway frames use
// a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Broadcast events
// ---------------------------------------------------------------------------

// ChannelMatching is the broadcast channel that carries match lifecycle events.
const ChannelMatching = "matching"

// ChannelPresence carries gateway presence changes to the matchmaker. It is
// never forwarded to clients.
const ChannelPresence = "presence"

const (
	EventMatchFound   = "match_found"
	EventSessionEnded = "session_ended"
	EventQueueTimeout = "queue_timeout"

	EventUserDisconnected = "user_disconnected"
)

// Message is one broadcast on a channel.
type Message struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// MatchFoundPayload tells UserID that SessionID was formed for them. One is
// published per participant.
type MatchFoundPayload struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
}

// SessionEndedPayload tells UserID that SessionID was ended by EndedBy.
type SessionEndedPayload struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
	EndedBy   string `json:"endedBy"`
}

// QueueTimeoutPayload tells UserID that its queue entry expired unmatched.
type QueueTimeoutPayload struct {
	UserID string `json:"userId"`
}

// UserDisconnectedPayload reports that UserID has no gateway connection left.
type UserDisconnectedPayload struct {
	UserID string `json:"userId"`
}

// NewMessage encodes a broadcast message.
func NewMessage(event string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s payload: %w", event, err)
	}
	data, err := json.Marshal(Message{Event: event, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s message: %w", event, err)
	}
	return data, nil
}

// ParseMessage decodes a broadcast message and returns the user it is
// addressed to.
func ParseMessage(data []byte) (Message, string, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, "", fmt.Errorf("protocol: unmarshal message: %w", err)
	}
	if msg.Event == "" {
		return Message{}, "", fmt.Errorf("protocol: missing or empty \"event\" field")
	}
	var to struct {
		UserID string `json:"userId"`
	}
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &to); err != nil {
			return Message{}, "", fmt.Errorf("protocol: unmarshal %s payload: %w", msg.Event, err)
		}
	}
	if to.UserID == "" {
		return Message{}, "", fmt.Errorf("protocol: %s payload has no userId", msg.Event)
	}
	return msg, to.UserID, nil
}

// ---------------------------------------------------------------------------
// Gateway frames
// ---------------------------------------------------------------------------

// Client -> Server frame types.
const (
	TypePing = "ping"
)

// Server -> Client frame types. Broadcast events are forwarded with their
// event name as the type.
const (
	TypeConnected = "connected"
	TypePong      = "pong"
	TypeError     = "error"
)

// Envelope holds the frame type and the raw JSON for deferred parsing.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the raw bytes and extracts only the "type" field.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ServerFrame is written to gateway clients.
type ServerFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ConnectedPayload confirms the authenticated user of a gateway connection.
type ConnectedPayload struct {
	UserID string `json:"userId"`
}

// ErrorPayload describes a rejected client frame.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ParseClientFrame decodes a client frame and validates its type.
func ParseClientFrame(data []byte) (string, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", err
	}
	switch env.Type {
	case TypePing:
		return env.Type, nil
	default:
		return "", fmt.Errorf("protocol: unknown message type %q", env.Type)
	}
}

// NewServerFrame encodes a frame for a gateway client. A nil payload is
// omitted.
func NewServerFrame(msgType string, payload interface{}) ([]byte, error) {
	frame := ServerFrame{Type: msgType}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("protocol: marshal %s payload: %w", msgType, err)
		}
		frame.Payload = raw
	}
	return json.Marshal(frame)
}

// ForwardFrame turns a broadcast message into a gateway frame.
func ForwardFrame(msg Message) ([]byte, error) {
	return json.Marshal(ServerFrame{Type: msg.Event, Payload: msg.Payload})
}
