// Package server implements the envelope codec: validation of inbound client
// frames, construction of server-originated envelopes, and nickname injection
// at broadcast time. All functions here are pure and stateless.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Envelope type tags exchanged over the wire.
const (
	TypeClientSendMessage        = "client_send_message"
	TypeClientSetNickname        = "client_set_nickname"
	TypeServerClientConnected    = "server_client_connected"
	TypeServerClientDisconnected = "server_client_disconnected"
	TypeServerBroadcastMessage   = "server_broadcast_message"
)

// Presence messages carried by connect/disconnect envelopes.
const (
	connectedText    = "User has connected."
	disconnectedText = "User has disconnected."
)

// timestampLayout renders ISO-8601 UTC with second precision.
const timestampLayout = "2006-01-02T15:04:05Z"

// Validation errors for inbound frames. All of them mean "drop the frame and
// keep reading"; none of them closes the session.
var (
	ErrInvalidJSON    = errors.New("invalid JSON")
	ErrNotAnObject    = errors.New("envelope is not an object")
	ErrMissingType    = errors.New("missing or invalid 'type' field")
	ErrUnknownType    = errors.New("unknown message type")
	ErrInvalidPayload = errors.New("missing or invalid 'payload' field")
)

// Envelope is the wire-level JSON message: a type tag plus a type-dependent
// payload object.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ClientMessage is a validated client-originated envelope. Exactly one of
// Text or Nickname carries data, depending on Type.
type ClientMessage struct {
	Type     string
	Text     string
	Nickname string
}

// BroadcastPayload is the payload of server_broadcast_message. Nickname is
// omitted when the session builds the envelope; the hub injects it at
// fan-out time so it always reflects the sender's current nickname.
type BroadcastPayload struct {
	UserID    string `json:"user_id"`
	Nickname  string `json:"nickname,omitempty"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
}

// PresencePayload is the payload of server_client_connected and
// server_client_disconnected.
type PresencePayload struct {
	UserID    string `json:"user_id"`
	Nickname  string `json:"nickname"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// DecodeClientMessage validates a raw inbound frame as a client-originated
// envelope. The validation ladder is: valid JSON, object root, string "type"
// from the known client set, object "payload" with the required string field.
// Any failure returns a typed error; the caller is expected to drop the frame
// and continue reading.
func DecodeClientMessage(raw []byte) (*ClientMessage, error) {
	var root map[string]json.RawMessage
	if err := json.Unmarshal(raw, &root); err != nil {
		var syn *json.SyntaxError
		if errors.As(err, &syn) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrNotAnObject, err)
	}

	rawType, ok := root["type"]
	if !ok {
		return nil, ErrMissingType
	}
	var msgType string
	if err := json.Unmarshal(rawType, &msgType); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMissingType, err)
	}

	switch msgType {
	case TypeClientSendMessage:
		text, err := payloadString(root["payload"], "text")
		if err != nil {
			return nil, err
		}
		return &ClientMessage{Type: msgType, Text: text}, nil
	case TypeClientSetNickname:
		nickname, err := payloadString(root["payload"], "nickname")
		if err != nil {
			return nil, err
		}
		return &ClientMessage{Type: msgType, Nickname: nickname}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, msgType)
	}
}

// payloadString extracts a required string field from a payload object.
func payloadString(rawPayload json.RawMessage, field string) (string, error) {
	if len(rawPayload) == 0 {
		return "", ErrInvalidPayload
	}
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(rawPayload, &payload); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	rawValue, ok := payload[field]
	if !ok {
		return "", fmt.Errorf("%w: missing %q", ErrInvalidPayload, field)
	}
	var value string
	if err := json.Unmarshal(rawValue, &value); err != nil {
		return "", fmt.Errorf("%w: %q is not a string", ErrInvalidPayload, field)
	}
	return value, nil
}

// NewBroadcastMessage serializes a server_broadcast_message envelope without
// a nickname. The hub merges the sender's nickname in at broadcast time.
func NewBroadcastMessage(userID, text, timestamp string) ([]byte, error) {
	return marshalEnvelope(TypeServerBroadcastMessage, BroadcastPayload{
		UserID:    userID,
		Text:      text,
		Timestamp: timestamp,
	})
}

// NewConnectedMessage serializes a server_client_connected envelope.
func NewConnectedMessage(userID, nickname, timestamp string) ([]byte, error) {
	return marshalEnvelope(TypeServerClientConnected, PresencePayload{
		UserID:    userID,
		Nickname:  nickname,
		Message:   connectedText,
		Timestamp: timestamp,
	})
}

// NewDisconnectedMessage serializes a server_client_disconnected envelope.
func NewDisconnectedMessage(userID, nickname, timestamp string) ([]byte, error) {
	return marshalEnvelope(TypeServerClientDisconnected, PresencePayload{
		UserID:    userID,
		Nickname:  nickname,
		Message:   disconnectedText,
		Timestamp: timestamp,
	})
}

func marshalEnvelope(msgType string, payload interface{}) ([]byte, error) {
	rawPayload, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: msgType, Payload: rawPayload})
}

// InjectNickname merges the sender's nickname into the payload of a
// server_broadcast_message envelope and re-serializes it. On any parse or
// shape failure the original bytes come back unmodified; the message is
// never dropped. Envelopes of other types pass through untouched.
func InjectNickname(raw []byte, nickname string) []byte {
	var envelope struct {
		Type    string                 `json:"type"`
		Payload map[string]interface{} `json:"payload"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return raw
	}
	if envelope.Type != TypeServerBroadcastMessage || envelope.Payload == nil {
		return raw
	}

	envelope.Payload["nickname"] = nickname
	merged, err := json.Marshal(map[string]interface{}{
		"type":    envelope.Type,
		"payload": envelope.Payload,
	})
	if err != nil {
		return raw
	}
	return merged
}

// FormatTimestamp renders t as an ISO-8601 UTC timestamp.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}
