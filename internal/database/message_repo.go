package database

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/teamcodebridge/chatrelay/internal/domain"
)

const messageSelect = `
	SELECT m.id, m.content, m.sender_id, m.receiver_id, m.chat_room_id, m.read, m.created_at,
	       COALESCE(u.name, '')
	FROM messages m
	LEFT JOIN users u ON u.id = m.sender_id`

// MessageRepository handles message history
type MessageRepository struct {
	db *DB
}

func NewMessageRepository(db *DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// CreateMessage stores msg, assigning an ID when it has none and the
// server timestamp.
func (r *MessageRepository) CreateMessage(ctx context.Context, msg *domain.Message) (*domain.Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	err := r.db.Pool.QueryRow(ctx, `
		INSERT INTO messages (id, content, sender_id, receiver_id, chat_room_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING read, created_at
	`, msg.ID, msg.Content, msg.SenderID, msg.ReceiverID, msg.ChatRoomID).Scan(&msg.Read, &msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	if msg.ChatRoomID != nil {
		_, err = r.db.Pool.Exec(ctx, `UPDATE chat_rooms SET updated_at = $2 WHERE id = $1`, *msg.ChatRoomID, msg.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("touch chat room: %w", err)
		}
	}
	return msg, nil
}

// ListDirectMessages returns the conversation between a and b, oldest first
func (r *MessageRepository) ListDirectMessages(ctx context.Context, a, b string) ([]domain.Message, error) {
	rows, err := r.db.Pool.Query(ctx, messageSelect+`
		WHERE (m.sender_id = $1 AND m.receiver_id = $2)
		   OR (m.sender_id = $2 AND m.receiver_id = $1)
		ORDER BY m.created_at ASC, m.id ASC
	`, a, b)
	if err != nil {
		return nil, fmt.Errorf("list direct messages: %w", err)
	}
	return collectMessages(rows)
}

// ListRoomMessages returns a room's messages, oldest first
func (r *MessageRepository) ListRoomMessages(ctx context.Context, chatRoomID string) ([]domain.Message, error) {
	rows, err := r.db.Pool.Query(ctx, messageSelect+`
		WHERE m.chat_room_id = $1
		ORDER BY m.created_at ASC, m.id ASC
	`, chatRoomID)
	if err != nil {
		return nil, fmt.Errorf("list room messages: %w", err)
	}
	return collectMessages(rows)
}

func collectMessages(rows pgx.Rows) ([]domain.Message, error) {
	defer rows.Close()

	msgs := []domain.Message{}
	for rows.Next() {
		var m domain.Message
		if err := rows.Scan(
			&m.ID, &m.Content, &m.SenderID, &m.ReceiverID, &m.ChatRoomID,
			&m.Read, &m.CreatedAt, &m.SenderName,
		); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// UnreadCounts groups userID's unread direct messages by sender
func (r *MessageRepository) UnreadCounts(ctx context.Context, userID string) (*domain.UnreadSummary, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT sender_id, COUNT(*)
		FROM messages
		WHERE receiver_id = $1 AND read = FALSE
		GROUP BY sender_id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("count unread: %w", err)
	}
	defer rows.Close()

	summary := &domain.UnreadSummary{ByUser: map[string]int{}}
	for rows.Next() {
		var sender string
		var n int
		if err := rows.Scan(&sender, &n); err != nil {
			return nil, fmt.Errorf("scan unread: %w", err)
		}
		summary.ByUser[sender] = n
		summary.Total += n
	}
	return summary, rows.Err()
}

// MarkRead marks every unread message from senderID to userID as read
func (r *MessageRepository) MarkRead(ctx context.Context, userID, senderID string) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE messages SET read = TRUE
		WHERE receiver_id = $1 AND sender_id = $2 AND read = FALSE
	`, userID, senderID)
	if err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}
	return tag.RowsAffected(), nil
}
