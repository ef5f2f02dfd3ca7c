package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/teamcodebridge/chatrelay/internal/domain"
)

// RoomRepository handles chat rooms and their membership
type RoomRepository struct {
	db *DB
}

func NewRoomRepository(db *DB) *RoomRepository {
	return &RoomRepository{db: db}
}

// CreateRoom creates a room with its initial members. The creator is always
// a member.
func (r *RoomRepository) CreateRoom(ctx context.Context, room *domain.ChatRoom, memberIDs []string) (*domain.ChatRoom, error) {
	if room.ID == "" {
		room.ID = uuid.NewString()
	}

	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO chat_rooms (id, name, description, created_by)
		VALUES ($1, $2, NULLIF($3, ''), $4)
	`, room.ID, room.Name, room.Description, room.CreatedByID)
	if err != nil {
		return nil, fmt.Errorf("insert chat room: %w", err)
	}

	for _, userID := range domain.RoomMemberIDs(room.CreatedByID, memberIDs) {
		_, err = tx.Exec(ctx, `
			INSERT INTO chat_room_members (chat_room_id, user_id)
			VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, room.ID, userID)
		if err != nil {
			return nil, fmt.Errorf("insert chat room member: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return r.GetRoom(ctx, room.ID)
}

// GetRoom retrieves a room with its members
func (r *RoomRepository) GetRoom(ctx context.Context, id string) (*domain.ChatRoom, error) {
	room := &domain.ChatRoom{}
	err := r.db.Pool.QueryRow(ctx, `
		SELECT id, name, COALESCE(description, ''), created_by, created_at, updated_at
		FROM chat_rooms WHERE id = $1
	`, id).Scan(&room.ID, &room.Name, &room.Description, &room.CreatedByID, &room.CreatedAt, &room.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get chat room: %w", err)
	}

	if room.Members, err = r.members(ctx, id); err != nil {
		return nil, err
	}
	return room, nil
}

func (r *RoomRepository) members(ctx context.Context, roomID string) ([]domain.RoomMember, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT m.user_id, u.name, COALESCE(u.team, ''), COALESCE(u.position, ''),
		       COALESCE(u.image, ''), m.joined_at
		FROM chat_room_members m
		JOIN users u ON u.id = m.user_id
		WHERE m.chat_room_id = $1
		ORDER BY m.joined_at ASC, m.user_id ASC
	`, roomID)
	if err != nil {
		return nil, fmt.Errorf("list chat room members: %w", err)
	}
	defer rows.Close()

	members := []domain.RoomMember{}
	for rows.Next() {
		var m domain.RoomMember
		if err := rows.Scan(&m.UserID, &m.Name, &m.Team, &m.Position, &m.Image, &m.JoinedAt); err != nil {
			return nil, fmt.Errorf("scan chat room member: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// ListRooms returns the rooms userID belongs to, most recently active first,
// each with its members and latest message.
func (r *RoomRepository) ListRooms(ctx context.Context, userID string) ([]domain.ChatRoom, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT c.id, c.name, COALESCE(c.description, ''), c.created_by, c.created_at, c.updated_at
		FROM chat_rooms c
		JOIN chat_room_members m ON m.chat_room_id = c.id
		WHERE m.user_id = $1
		ORDER BY c.updated_at DESC, c.id ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list chat rooms: %w", err)
	}

	rooms := []domain.ChatRoom{}
	for rows.Next() {
		var c domain.ChatRoom
		if err := rows.Scan(&c.ID, &c.Name, &c.Description, &c.CreatedByID, &c.CreatedAt, &c.UpdatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan chat room: %w", err)
		}
		rooms = append(rooms, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range rooms {
		if rooms[i].Members, err = r.members(ctx, rooms[i].ID); err != nil {
			return nil, err
		}
		if rooms[i].LastMessage, err = r.lastMessage(ctx, rooms[i].ID, userID); err != nil {
			return nil, err
		}
	}
	return rooms, nil
}

func (r *RoomRepository) lastMessage(ctx context.Context, roomID, viewerID string) (*domain.HistoryItem, error) {
	rows, err := r.db.Pool.Query(ctx, messageSelect+`
		WHERE m.chat_room_id = $1
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT 1
	`, roomID)
	if err != nil {
		return nil, fmt.Errorf("last chat room message: %w", err)
	}
	msgs, err := collectMessages(rows)
	if err != nil || len(msgs) == 0 {
		return nil, err
	}
	item := msgs[0].ViewFor(viewerID)
	return &item, nil
}

// DeleteRoom removes a room with its members and messages
func (r *RoomRepository) DeleteRoom(ctx context.Context, id string) error {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM chat_rooms WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete chat room: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrRoomNotFound
	}
	return nil
}

// AddRoomMember adds userID to a room
func (r *RoomRepository) AddRoomMember(ctx context.Context, roomID, userID string) error {
	tag, err := r.db.Pool.Exec(ctx, `
		INSERT INTO chat_room_members (chat_room_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, roomID, userID)
	if err != nil {
		return fmt.Errorf("add chat room member: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAlreadyMember
	}
	return nil
}

// RemoveRoomMember removes userID from a room
func (r *RoomRepository) RemoveRoomMember(ctx context.Context, roomID, userID string) error {
	tag, err := r.db.Pool.Exec(ctx, `
		DELETE FROM chat_room_members
		WHERE chat_room_id = $1 AND user_id = $2
	`, roomID, userID)
	if err != nil {
		return fmt.Errorf("remove chat room member: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotRoomMember
	}
	return nil
}
