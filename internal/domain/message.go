package domain

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Message is a persisted chat message. Exactly one of ReceiverID (direct
// message) or ChatRoomID (room message) is set.
type Message struct {
	ID         string    `json:"id"`
	Content    string    `json:"content"`
	SenderID   string    `json:"senderId"`
	ReceiverID *string   `json:"receiverId,omitempty"`
	ChatRoomID *string   `json:"chatRoomId,omitempty"`
	Read       bool      `json:"read"`
	CreatedAt  time.Time `json:"createdAt"`

	// Populated on fetch
	SenderName string `json:"senderName,omitempty"`
}

// Validate checks the fields required to persist a message.
func (m *Message) Validate(maxContent int) error {
	if m.SenderID == "" {
		return fmt.Errorf("%w: senderId", ErrMissingField)
	}
	if err := validateContent(m.Content, maxContent); err != nil {
		return err
	}
	hasReceiver := m.ReceiverID != nil && *m.ReceiverID != ""
	hasRoom := m.ChatRoomID != nil && *m.ChatRoomID != ""
	if hasReceiver == hasRoom {
		return ErrInvalidTarget
	}
	return nil
}

// HistoryItem is a message formatted for one viewer's history pane.
type HistoryItem struct {
	ID          string    `json:"id"`
	Content     string    `json:"content"`
	SenderID    string    `json:"senderId"`
	SenderName  string    `json:"senderName"`
	CreatedAt   time.Time `json:"createdAt"`
	IsMyMessage bool      `json:"isMyMessage"`
}

// ViewFor formats the message from viewerID's point of view.
func (m *Message) ViewFor(viewerID string) HistoryItem {
	return HistoryItem{
		ID:          m.ID,
		Content:     m.Content,
		SenderID:    m.SenderID,
		SenderName:  m.SenderName,
		CreatedAt:   m.CreatedAt,
		IsMyMessage: m.SenderID == viewerID,
	}
}

// UnreadSummary groups unread direct messages by sender.
type UnreadSummary struct {
	ByUser map[string]int `json:"byUser"`
	Total  int            `json:"total"`
}

func validateContent(content string, maxContent int) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyMessage
	}
	if maxContent > 0 && utf8.RuneCountInString(content) > maxContent {
		return ErrMessageTooLong
	}
	return nil
}
