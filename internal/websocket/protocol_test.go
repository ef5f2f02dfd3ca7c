package websocket

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teamcodebridge/chatrelay/internal/domain"
)

// =============================================================================
// NewMessage Tests
// =============================================================================

func TestNewMessage_CreatesCorrectEnvelope(t *testing.T) {
	before := time.Now()
	msg, err := NewMessage("test.event", map[string]string{"key": "value"})
	after := time.Now()

	require.NoError(t, err)
	require.NotNil(t, msg)

	assert.Equal(t, "test.event", msg.Type)
	assert.NotNil(t, msg.Payload)
	assert.True(t, !msg.Timestamp.Before(before) && !msg.Timestamp.After(after))
}

func TestNewMessage_InvalidPayload(t *testing.T) {
	// Channels cannot be marshalled to JSON
	msg, err := NewMessage("test.event", make(chan int))
	assert.Error(t, err)
	assert.Nil(t, msg)
}

// =============================================================================
// Join Payload Tests
// =============================================================================

func TestParseJoin(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{"bare string", `"alice"`, "alice", false},
		{"object", `{"userId":"bob"}`, "bob", false},
		{"padded", "  \"carol\" ", "carol", false},
		{"empty string", `""`, "", true},
		{"object without id", `{}`, "", true},
		{"missing payload", ``, "", true},
		{"number", `42`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseJoin(json.RawMessage(tt.raw))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// =============================================================================
// Chat Message View Tests
// =============================================================================

func TestChatMessageViews(t *testing.T) {
	env := domain.Envelope{
		ID:         "m1",
		Content:    "hi",
		SenderID:   "alice",
		SenderName: "Alice",
		CreatedAt:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		ReceiverID: "bob",
	}

	recv, err := json.Marshal(receiverView(env))
	require.NoError(t, err)
	var r map[string]any
	require.NoError(t, json.Unmarshal(recv, &r))
	assert.NotContains(t, r, "receiverId")
	assert.Equal(t, false, r["isMyMessage"])
	assert.Equal(t, "Alice", r["senderName"])

	sent, err := json.Marshal(senderView(env))
	require.NoError(t, err)
	var s map[string]any
	require.NoError(t, json.Unmarshal(sent, &s))
	assert.Equal(t, "bob", s["receiverId"])
	assert.Equal(t, true, s["isMyMessage"])
	assert.Equal(t, "2026-03-01T12:00:00Z", s["createdAt"])
}
