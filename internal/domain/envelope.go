package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SendIntent is a request to deliver one direct message live.
type SendIntent struct {
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	Content    string `json:"content"`
	SenderName string `json:"senderName"`
	MessageID  string `json:"messageId,omitempty"` // optional client or store issued id
}

// Validate checks the intent before it is relayed.
func (i SendIntent) Validate(maxContent int) error {
	if i.ReceiverID == "" {
		return fmt.Errorf("%w: receiverId", ErrMissingField)
	}
	if i.SenderID == "" {
		return fmt.Errorf("%w: senderId", ErrMissingField)
	}
	return validateContent(i.Content, maxContent)
}

// Envelope is the transient record fanned out by the relay. It is never
// stored by the relay itself.
type Envelope struct {
	ID         string    `json:"id"`
	Content    string    `json:"content"`
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName"`
	CreatedAt  time.Time `json:"createdAt"`
	ReceiverID string    `json:"receiverId,omitempty"`
	ChatRoomID string    `json:"chatRoomId,omitempty"`
}

// NewEnvelope builds an envelope from an intent, stamping the server time and
// generating an ID when the intent carries none.
func NewEnvelope(i SendIntent, now time.Time) Envelope {
	id := i.MessageID
	if id == "" {
		id = uuid.NewString()
	}
	return Envelope{
		ID:         id,
		Content:    i.Content,
		SenderID:   i.SenderID,
		SenderName: i.SenderName,
		CreatedAt:  now.UTC(),
		ReceiverID: i.ReceiverID,
	}
}

// RoomIntent is a request to deliver one room message live to the room's
// members. Membership is resolved by the caller.
type RoomIntent struct {
	SenderID   string
	ChatRoomID string
	Content    string
	SenderName string
	MessageID  string
	MemberIDs  []string
}

// Validate checks the intent before it is relayed.
func (i RoomIntent) Validate(maxContent int) error {
	if i.ChatRoomID == "" {
		return fmt.Errorf("%w: chatRoomId", ErrMissingField)
	}
	if i.SenderID == "" {
		return fmt.Errorf("%w: senderId", ErrMissingField)
	}
	return validateContent(i.Content, maxContent)
}

// NewRoomEnvelope builds a room envelope, stamping the server time and
// generating an ID when the intent carries none.
func NewRoomEnvelope(i RoomIntent, now time.Time) Envelope {
	env := NewEnvelope(SendIntent{
		SenderID:   i.SenderID,
		Content:    i.Content,
		SenderName: i.SenderName,
		MessageID:  i.MessageID,
	}, now)
	env.ChatRoomID = i.ChatRoomID
	return env
}

// RelayResult reports what happened to one relayed envelope.
type RelayResult struct {
	Envelope  Envelope `json:"envelope"`
	Delivered int      `json:"delivered"` // receiver connections reached on this instance
	Echoed    int      `json:"echoed"`    // sender connections reached on this instance
}
