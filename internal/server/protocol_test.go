package server

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeClientMessage_SendMessage(t *testing.T) {
	raw := []byte(`{"type":"client_send_message","payload":{"text":"hello there"}}`)

	msg, err := DecodeClientMessage(raw)
	require.NoError(t, err)
	assert.Equal(t, TypeClientSendMessage, msg.Type)
	assert.Equal(t, "hello there", msg.Text)
}

func TestDecodeClientMessage_SetNickname(t *testing.T) {
	raw := []byte(`{"type":"client_set_nickname","payload":{"nickname":"SuperCoder"}}`)

	msg, err := DecodeClientMessage(raw)
	require.NoError(t, err)
	assert.Equal(t, TypeClientSetNickname, msg.Type)
	assert.Equal(t, "SuperCoder", msg.Nickname)
}

func TestDecodeClientMessage_ValidationLadder(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr error
	}{
		{"invalid JSON", `not json`, ErrInvalidJSON},
		{"truncated JSON", `{"type":`, ErrInvalidJSON},
		{"JSON string root", `"just a string"`, ErrNotAnObject},
		{"JSON array root", `[1,2,3]`, ErrNotAnObject},
		{"missing type", `{"payload":{"text":"hi"}}`, ErrMissingType},
		{"non-string type", `{"type":42,"payload":{}}`, ErrMissingType},
		{"unknown type", `{"type":"server_broadcast_message","payload":{}}`, ErrUnknownType},
		{"missing payload", `{"type":"client_send_message"}`, ErrInvalidPayload},
		{"payload not object", `{"type":"client_send_message","payload":"hi"}`, ErrInvalidPayload},
		{"missing text", `{"type":"client_send_message","payload":{"other":1}}`, ErrInvalidPayload},
		{"non-string text", `{"type":"client_send_message","payload":{"text":7}}`, ErrInvalidPayload},
		{"missing nickname", `{"type":"client_set_nickname","payload":{}}`, ErrInvalidPayload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := DecodeClientMessage([]byte(tt.raw))
			assert.Nil(t, msg)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestNewBroadcastMessage_OmitsNickname(t *testing.T) {
	raw, err := NewBroadcastMessage("u1", "hi", "2024-05-04T12:00:00Z")
	require.NoError(t, err)

	var envelope Envelope
	require.NoError(t, json.Unmarshal(raw, &envelope))
	assert.Equal(t, TypeServerBroadcastMessage, envelope.Type)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(envelope.Payload, &payload))
	assert.Equal(t, "u1", payload["user_id"])
	assert.Equal(t, "hi", payload["text"])
	assert.Equal(t, "2024-05-04T12:00:00Z", payload["timestamp"])
	// The hub owns nickname injection; the session-built envelope has none.
	assert.NotContains(t, payload, "nickname")
}

func TestNewPresenceMessages(t *testing.T) {
	raw, err := NewConnectedMessage("u1", "Alice", "2024-05-04T12:00:00Z")
	require.NoError(t, err)

	var envelope Envelope
	require.NoError(t, json.Unmarshal(raw, &envelope))
	assert.Equal(t, TypeServerClientConnected, envelope.Type)

	var payload PresencePayload
	require.NoError(t, json.Unmarshal(envelope.Payload, &payload))
	assert.Equal(t, "u1", payload.UserID)
	assert.Equal(t, "Alice", payload.Nickname)
	assert.Equal(t, "User has connected.", payload.Message)

	raw, err = NewDisconnectedMessage("u1", "Alice", "2024-05-04T12:00:00Z")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &envelope))
	assert.Equal(t, TypeServerClientDisconnected, envelope.Type)
	require.NoError(t, json.Unmarshal(envelope.Payload, &payload))
	assert.Equal(t, "User has disconnected.", payload.Message)
}

func TestInjectNickname_MergesIntoBroadcast(t *testing.T) {
	raw := []byte(`{"type":"server_broadcast_message","payload":{"user_id":"u1","text":"hi","timestamp":"2024-05-04T12:00:00Z"}}`)

	merged := InjectNickname(raw, "Alice")

	var envelope Envelope
	require.NoError(t, json.Unmarshal(merged, &envelope))
	assert.Equal(t, TypeServerBroadcastMessage, envelope.Type)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(envelope.Payload, &payload))
	assert.Equal(t, "Alice", payload["nickname"])
	assert.Equal(t, "u1", payload["user_id"])
	assert.Equal(t, "hi", payload["text"])
	assert.Equal(t, "2024-05-04T12:00:00Z", payload["timestamp"])
}

func TestInjectNickname_FallsBackToOriginalBytes(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"invalid JSON", `}{ garbage`},
		{"non-object root", `"text"`},
		{"payload not object", `{"type":"server_broadcast_message","payload":"hi"}`},
		{"missing payload", `{"type":"server_broadcast_message"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := []byte(tt.raw)
			// Never dropped, never mutated: the exact original bytes come back.
			assert.Equal(t, raw, InjectNickname(raw, "Alice"))
		})
	}
}

func TestInjectNickname_LeavesOtherTypesUntouched(t *testing.T) {
	raw := []byte(`{"type":"server_client_connected","payload":{"user_id":"u1"}}`)
	assert.Equal(t, raw, InjectNickname(raw, "Alice"))
}

func TestFormatTimestamp(t *testing.T) {
	utc := time.Date(2024, 5, 4, 12, 30, 45, 123456789, time.UTC)
	assert.Equal(t, "2024-05-04T12:30:45Z", FormatTimestamp(utc))

	// Non-UTC inputs are rendered in UTC.
	est := time.FixedZone("EST", -5*3600)
	assert.Equal(t, "2024-05-04T17:30:45Z", FormatTimestamp(utc.In(est)))
}
