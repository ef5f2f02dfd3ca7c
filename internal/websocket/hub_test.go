package websocket

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teamcodebridge/chatrelay/internal/domain"
	"github.com/teamcodebridge/chatrelay/internal/presence"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestHub(t *testing.T, opts Options) *Hub {
	t.Helper()
	if opts.InstanceID == "" {
		opts.InstanceID = "test"
	}
	return NewHub(opts, nil, nil, testLogger())
}

// attach creates a connection-less session tracked by h.
func attach(h *Hub) *Session {
	s := NewSession(h, nil, "test")
	h.Attach(s)
	return s
}

func joinAs(t *testing.T, h *Hub, userID string) *Session {
	t.Helper()
	s := attach(h)
	require.NoError(t, h.Join(s, userID))
	return s
}

// drain decodes every frame queued for s.
func drain(t *testing.T, s *Session) []Message {
	t.Helper()
	frames, _ := s.outbox.Drain()
	out := make([]Message, 0, len(frames))
	for _, f := range frames {
		var m Message
		require.NoError(t, json.Unmarshal(f, &m))
		out = append(out, m)
	}
	return out
}

func ofType(msgs []Message, typ string) []Message {
	var out []Message
	for _, m := range msgs {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

func decodeChat(t *testing.T, m Message) ChatMessagePayload {
	t.Helper()
	var p ChatMessagePayload
	require.NoError(t, json.Unmarshal(m.Payload, &p))
	return p
}

func decodeUsers(t *testing.T, m Message) []string {
	t.Helper()
	var users []string
	require.NoError(t, json.Unmarshal(m.Payload, &users))
	return users
}

func decodeError(t *testing.T, m Message) ErrorPayload {
	t.Helper()
	var p ErrorPayload
	require.NoError(t, json.Unmarshal(m.Payload, &p))
	return p
}

func sendEvent(t *testing.T, h *Hub, s *Session, typ string, payload any) {
	t.Helper()
	msg, err := NewMessage(typ, payload)
	require.NoError(t, err)
	h.HandleMessage(context.Background(), s, msg)
}

// =============================================================================
// Join / Presence Broadcast Tests
// =============================================================================

func TestHub_JoinBroadcastsToEverySession(t *testing.T) {
	h := newTestHub(t, Options{})
	watcher := attach(h)

	alice := joinAs(t, h, "alice")

	msgs := drain(t, alice)
	require.Len(t, msgs, 2)
	assert.Equal(t, EventTypeJoined, msgs[0].Type)
	assert.Equal(t, EventTypeOnlineUsers, msgs[1].Type)
	assert.Equal(t, []string{"alice"}, decodeUsers(t, msgs[1]))

	// unjoined sessions also get the set
	w := drain(t, watcher)
	require.Len(t, w, 1)
	assert.Equal(t, []string{"alice"}, decodeUsers(t, w[0]))

	state := alice.State()
	assert.Equal(t, StateJoined, state)
	assert.Equal(t, StateConnected, watcher.State())
}

func TestHub_JoinPayloadForms(t *testing.T) {
	h := newTestHub(t, Options{})
	a := attach(h)
	b := attach(h)

	sendEvent(t, h, a, EventTypeJoin, "alice")
	sendEvent(t, h, b, EventTypeJoin, JoinPayload{UserID: "bob"})

	assert.Equal(t, []string{"alice", "bob"}, h.OnlineUsers())
}

func TestHub_DetachBroadcastsWithoutUser(t *testing.T) {
	h := newTestHub(t, Options{})
	alice := joinAs(t, h, "alice")
	bob := joinAs(t, h, "bob")
	drain(t, alice)

	h.Detach(bob)

	msgs := drain(t, alice)
	require.Len(t, msgs, 1)
	assert.Equal(t, []string{"alice"}, decodeUsers(t, msgs[0]))
	assert.Equal(t, StateClosed, bob.State())
	assert.Equal(t, 1, h.SessionCount())

	// detaching twice is harmless
	h.Detach(bob)
	assert.Empty(t, drain(t, alice))
}

func TestHub_DetachUnjoinedDoesNotBroadcast(t *testing.T) {
	h := newTestHub(t, Options{})
	alice := joinAs(t, h, "alice")
	drain(t, alice)

	h.Detach(attach(h))

	assert.Empty(t, drain(t, alice))
}

func TestHub_JoinAfterDetachFails(t *testing.T) {
	h := newTestHub(t, Options{})
	s := attach(h)
	h.Detach(s)

	assert.ErrorIs(t, h.Join(s, "alice"), ErrSessionClosed)
	assert.Empty(t, h.OnlineUsers())
}

func TestHub_RejoinMovesSession(t *testing.T) {
	h := newTestHub(t, Options{})
	s := joinAs(t, h, "alice")
	require.NoError(t, h.Join(s, "alice2"))

	assert.Equal(t, []string{"alice2"}, h.OnlineUsers())
	userID, ok := s.UserID()
	assert.True(t, ok)
	assert.Equal(t, "alice2", userID)
}

func TestHub_SingleDeviceSupersedes(t *testing.T) {
	h := newTestHub(t, Options{Mode: presence.SingleDevice})
	first := joinAs(t, h, "alice")
	second := joinAs(t, h, "alice")
	bob := joinAs(t, h, "bob")
	drain(t, first)
	drain(t, second)
	drain(t, bob)

	_, err := h.Relay(context.Background(), domain.SendIntent{SenderID: "bob", ReceiverID: "alice", Content: "hi"})
	require.NoError(t, err)

	assert.Empty(t, ofType(drain(t, first), EventTypeReceiveMessage))
	assert.Len(t, ofType(drain(t, second), EventTypeReceiveMessage), 1)

	echo := drain(t, bob)
	require.Len(t, echo, 1)
	assert.Equal(t, EventTypeMessageSent, echo[0].Type)

	// the superseded session leaving changes nothing
	h.Detach(first)
	assert.Empty(t, drain(t, bob))
	assert.Empty(t, drain(t, second))
	assert.Equal(t, []string{"alice", "bob"}, h.OnlineUsers())
}

// =============================================================================
// Relay Tests
// =============================================================================

func TestRelay_MultiTabEcho(t *testing.T) {
	h := newTestHub(t, Options{})
	a1 := joinAs(t, h, "alice")
	a2 := joinAs(t, h, "alice")
	b := joinAs(t, h, "bob")
	other := attach(h)
	for _, s := range []*Session{a1, a2, b, other} {
		drain(t, s)
	}

	res, err := h.Relay(context.Background(), domain.SendIntent{
		SenderID:   "alice",
		ReceiverID: "bob",
		Content:    "hello",
		SenderName: "Alice",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, 2, res.Echoed)

	for _, s := range []*Session{a1, a2} {
		msgs := drain(t, s)
		require.Len(t, msgs, 1)
		assert.Equal(t, EventTypeMessageSent, msgs[0].Type)
		p := decodeChat(t, msgs[0])
		assert.True(t, p.IsMyMessage)
		assert.Equal(t, "bob", p.ReceiverID)
		assert.Equal(t, res.Envelope.ID, p.ID)
	}

	msgs := drain(t, b)
	require.Len(t, msgs, 1)
	assert.Equal(t, EventTypeReceiveMessage, msgs[0].Type)
	p := decodeChat(t, msgs[0])
	assert.False(t, p.IsMyMessage)
	assert.Empty(t, p.ReceiverID)
	assert.Equal(t, "hello", p.Content)
	assert.Equal(t, "Alice", p.SenderName)

	assert.Empty(t, drain(t, other))
}

func TestRelay_OfflineReceiverDropsSilently(t *testing.T) {
	h := newTestHub(t, Options{})
	alice := joinAs(t, h, "alice")
	bob := joinAs(t, h, "bob")
	drain(t, alice)
	drain(t, bob)

	res, err := h.Relay(context.Background(), domain.SendIntent{SenderID: "alice", ReceiverID: "carol", Content: "anyone?"})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Delivered)

	msgs := drain(t, alice)
	require.Len(t, msgs, 1)
	assert.Equal(t, EventTypeMessageSent, msgs[0].Type)
	assert.Empty(t, drain(t, bob))
}

func TestRelay_PreservesOrder(t *testing.T) {
	h := newTestHub(t, Options{})
	alice := joinAs(t, h, "alice")
	bob := joinAs(t, h, "bob")
	drain(t, bob)

	sendEvent(t, h, alice, EventTypeSendMessage, SendMessagePayload{ReceiverID: "bob", Content: "A"})
	sendEvent(t, h, alice, EventTypeSendMessage, SendMessagePayload{ReceiverID: "bob", Content: "B"})

	msgs := ofType(drain(t, bob), EventTypeReceiveMessage)
	require.Len(t, msgs, 2)
	assert.Equal(t, "A", decodeChat(t, msgs[0]).Content)
	assert.Equal(t, "B", decodeChat(t, msgs[1]).Content)
}

func TestRelay_SelfMessage(t *testing.T) {
	h := newTestHub(t, Options{})
	a1 := joinAs(t, h, "alice")
	a2 := joinAs(t, h, "alice")
	drain(t, a1)
	drain(t, a2)

	_, err := h.Relay(context.Background(), domain.SendIntent{SenderID: "alice", ReceiverID: "alice", Content: "note"})
	require.NoError(t, err)

	for _, s := range []*Session{a1, a2} {
		msgs := drain(t, s)
		assert.Len(t, ofType(msgs, EventTypeReceiveMessage), 1)
		assert.Len(t, ofType(msgs, EventTypeMessageSent), 1)
	}
}

func TestRelay_UsesClientMessageID(t *testing.T) {
	h := newTestHub(t, Options{})
	res, err := h.Relay(context.Background(), domain.SendIntent{SenderID: "a", ReceiverID: "b", Content: "x", MessageID: "db-42"})
	require.NoError(t, err)
	assert.Equal(t, "db-42", res.Envelope.ID)
}

func TestRelay_UnjoinedSenderDeliversToReceiverOnly(t *testing.T) {
	h := newTestHub(t, Options{})
	anon := attach(h)
	bob := joinAs(t, h, "bob")
	drain(t, anon)
	drain(t, bob)

	sendEvent(t, h, anon, EventTypeSendMessage, SendMessagePayload{SenderID: "alice", ReceiverID: "bob", Content: "hi"})

	assert.Empty(t, drain(t, anon))
	assert.Len(t, ofType(drain(t, bob), EventTypeReceiveMessage), 1)
}

func TestRelay_EchoFollowsClaimedSender(t *testing.T) {
	h := newTestHub(t, Options{})
	anon := attach(h)
	alice := joinAs(t, h, "alice")
	bob := joinAs(t, h, "bob")
	drain(t, anon)
	drain(t, alice)
	drain(t, bob)

	sendEvent(t, h, anon, EventTypeSendMessage, SendMessagePayload{SenderID: "alice", ReceiverID: "bob", Content: "hi"})

	assert.Empty(t, drain(t, anon))
	assert.Len(t, ofType(drain(t, alice), EventTypeMessageSent), 1)
	assert.Len(t, ofType(drain(t, bob), EventTypeReceiveMessage), 1)
}

func TestRelay_FillsSenderFromJoin(t *testing.T) {
	h := newTestHub(t, Options{})
	alice := joinAs(t, h, "alice")
	bob := joinAs(t, h, "bob")
	drain(t, alice)
	drain(t, bob)

	sendEvent(t, h, alice, EventTypeSendMessage, SendMessagePayload{ReceiverID: "bob", Content: "hi"})

	msgs := ofType(drain(t, bob), EventTypeReceiveMessage)
	require.Len(t, msgs, 1)
	assert.Equal(t, "alice", decodeChat(t, msgs[0]).SenderID)
}

func TestRelayRoom_FansOutToMembers(t *testing.T) {
	h := newTestHub(t, Options{})
	alice := joinAs(t, h, "alice")
	bob := joinAs(t, h, "bob")
	carol := joinAs(t, h, "carol")
	drain(t, alice)
	drain(t, bob)
	drain(t, carol)

	res, err := h.RelayRoom(context.Background(), domain.RoomIntent{
		SenderID:   "alice",
		ChatRoomID: "r1",
		Content:    "hi room",
		MemberIDs:  []string{"alice", "bob"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, 1, res.Echoed)
	assert.Equal(t, "r1", res.Envelope.ChatRoomID)

	got := ofType(drain(t, bob), EventTypeReceiveMessage)
	require.Len(t, got, 1)
	msg := decodeChat(t, got[0])
	assert.Equal(t, "r1", msg.ChatRoomID)
	assert.Equal(t, "hi room", msg.Content)
	assert.False(t, msg.IsMyMessage)

	echo := ofType(drain(t, alice), EventTypeMessageSent)
	require.Len(t, echo, 1)
	assert.True(t, decodeChat(t, echo[0]).IsMyMessage)

	assert.Empty(t, drain(t, carol))
}

func TestRelayRoom_Validation(t *testing.T) {
	h := newTestHub(t, Options{MaxContentLength: 5})

	_, err := h.RelayRoom(context.Background(), domain.RoomIntent{SenderID: "alice", Content: "x"})
	assert.ErrorIs(t, err, domain.ErrMissingField)

	_, err = h.RelayRoom(context.Background(), domain.RoomIntent{SenderID: "alice", ChatRoomID: "r1", Content: "too long"})
	assert.ErrorIs(t, err, domain.ErrMessageTooLong)
}

// =============================================================================
// Error Event Tests
// =============================================================================

func TestHandleMessage_Errors(t *testing.T) {
	tests := []struct {
		name     string
		typ      string
		payload  any
		wantCode string
	}{
		{"unknown event", "typing", nil, ErrCodeUnknownEvent},
		{"bad join", EventTypeJoin, 42, ErrCodeInvalidPayload},
		{"bad send payload", EventTypeSendMessage, "not an object", ErrCodeInvalidPayload},
		{"missing receiver", EventTypeSendMessage, SendMessagePayload{Content: "hi"}, ErrCodeMissingField},
		{"empty content", EventTypeSendMessage, SendMessagePayload{ReceiverID: "bob", Content: "  "}, ErrCodeMissingField},
		{"too long", EventTypeSendMessage, SendMessagePayload{ReceiverID: "bob", Content: strings.Repeat("x", 11)}, ErrCodeTooLong},
		{"sender mismatch", EventTypeSendMessage, SendMessagePayload{SenderID: "mallory", ReceiverID: "bob", Content: "hi"}, ErrCodeSenderMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHub(t, Options{MaxContentLength: 10})
			s := joinAs(t, h, "alice")
			drain(t, s)

			sendEvent(t, h, s, tt.typ, tt.payload)

			msgs := drain(t, s)
			require.Len(t, msgs, 1)
			assert.Equal(t, EventTypeError, msgs[0].Type)
			assert.Equal(t, tt.wantCode, decodeError(t, msgs[0]).Code)
			assert.Equal(t, StateJoined, s.State())
		})
	}
}

func TestHandleMessage_RateLimited(t *testing.T) {
	h := newTestHub(t, Options{SendRate: 0.001, SendBurst: 2})
	alice := joinAs(t, h, "alice")
	drain(t, alice)

	for i := 0; i < 3; i++ {
		sendEvent(t, h, alice, EventTypeSendMessage, SendMessagePayload{ReceiverID: "bob", Content: "spam"})
	}

	msgs := drain(t, alice)
	assert.Len(t, ofType(msgs, EventTypeMessageSent), 2)
	errs := ofType(msgs, EventTypeError)
	require.Len(t, errs, 1)
	assert.Equal(t, ErrCodeRateLimited, decodeError(t, errs[0]).Code)
}

// =============================================================================
// Backpressure Tests
// =============================================================================

func TestSession_DisconnectOnOverflow(t *testing.T) {
	h := newTestHub(t, Options{OutboxSize: 1, Overflow: Disconnect})
	slow := attach(h)

	joinAs(t, h, "alice") // online_users #1 fills slow's outbox
	joinAs(t, h, "bob")   // online_users #2 overflows it

	_, closed := slow.outbox.Drain()
	assert.True(t, closed)
}

func TestSession_DropOldestKeepsNewest(t *testing.T) {
	h := newTestHub(t, Options{OutboxSize: 1})
	slow := attach(h)

	joinAs(t, h, "alice")
	joinAs(t, h, "bob")

	msgs := drain(t, slow)
	require.Len(t, msgs, 1)
	assert.Equal(t, []string{"alice", "bob"}, decodeUsers(t, msgs[0]))
}
