package websocket

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/teamcodebridge/chatrelay/internal/domain"
)

// Event types for client -> server
const (
	EventTypeJoin        = "join"
	EventTypeSendMessage = "send_message"
)

// Event types for server -> client
const (
	EventTypeOnlineUsers    = "online_users"
	EventTypeReceiveMessage = "receive_message"
	EventTypeMessageSent    = "message_sent"
	EventTypeJoined         = "joined"
	EventTypeError          = "error"
)

// Error codes carried by EventTypeError
const (
	ErrCodeInvalidMessage = "invalid_message"
	ErrCodeInvalidPayload = "invalid_payload"
	ErrCodeMissingField   = "missing_field"
	ErrCodeTooLong        = "message_too_long"
	ErrCodeSenderMismatch = "sender_mismatch"
	ErrCodeRateLimited    = "rate_limited"
	ErrCodeUnknownEvent   = "unknown_event"
)

// Bridge message types
const (
	bridgeTypeDeliver  = "relay.deliver"
	bridgeTypePresence = "presence.sync"
)

// Message is the base WebSocket message envelope
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
}

// NewMessage creates a message with the current timestamp
func NewMessage(eventType string, payload interface{}) (*Message, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:      eventType,
		Payload:   payloadBytes,
		Timestamp: time.Now().UTC(),
	}, nil
}

// encodeMessage builds and marshals a frame in one step.
func encodeMessage(eventType string, payload interface{}) ([]byte, error) {
	msg, err := NewMessage(eventType, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}

// ============================================================================
// Client -> Server Payloads
// ============================================================================

// JoinPayload binds the connection to a user. The payload may also be a
// bare JSON string holding the user ID.
type JoinPayload struct {
	UserID string `json:"userId"`
}

var errEmptyUserID = errors.New("userId is required")

// parseJoin accepts `"alice"` or `{"userId":"alice"}`.
func parseJoin(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", errEmptyUserID
	}

	var userID string
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &userID); err != nil {
			return "", fmt.Errorf("decode join: %w", err)
		}
	} else {
		var p JoinPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return "", fmt.Errorf("decode join: %w", err)
		}
		userID = p.UserID
	}

	if userID == "" {
		return "", errEmptyUserID
	}
	return userID, nil
}

// SendMessagePayload carries a direct message intent.
type SendMessagePayload = domain.SendIntent

// ============================================================================
// Server -> Client Payloads
// ============================================================================

// ErrorPayload for error responses
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// JoinedPayload confirms a join
type JoinedPayload struct {
	UserID string `json:"userId"`
}

// ChatMessagePayload is one view of a relayed envelope. The receiver's view
// omits receiverId; the sender's echo carries it.
type ChatMessagePayload struct {
	ID          string    `json:"id"`
	Content     string    `json:"content"`
	SenderID    string    `json:"senderId"`
	SenderName  string    `json:"senderName"`
	CreatedAt   time.Time `json:"createdAt"`
	ReceiverID  string    `json:"receiverId,omitempty"`
	ChatRoomID  string    `json:"chatRoomId,omitempty"`
	IsMyMessage bool      `json:"isMyMessage"`
}

func receiverView(env domain.Envelope) ChatMessagePayload {
	return ChatMessagePayload{
		ID:         env.ID,
		Content:    env.Content,
		SenderID:   env.SenderID,
		SenderName: env.SenderName,
		CreatedAt:  env.CreatedAt,
		ChatRoomID: env.ChatRoomID,
	}
}

func senderView(env domain.Envelope) ChatMessagePayload {
	v := receiverView(env)
	v.ReceiverID = env.ReceiverID
	v.IsMyMessage = true
	return v
}

// ============================================================================
// Bridge Payloads
// ============================================================================

type deliverPayload struct {
	Origin    string          `json:"origin"`
	Envelope  domain.Envelope `json:"envelope"`
	Receivers []string        `json:"receivers,omitempty"` // room members; empty means Envelope.ReceiverID
}

type presenceSyncPayload struct {
	Origin string   `json:"origin"`
	Users  []string `json:"users"`
}
