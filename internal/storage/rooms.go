package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/teamcodebridge/chatrelay/internal/domain"
)

// CreateRoom creates a room with its initial members. The creator is always
// a member.
func (s *Store) CreateRoom(ctx context.Context, room *domain.ChatRoom, memberIDs []string) (*domain.ChatRoom, error) {
	if room.ID == "" {
		room.ID = uuid.NewString()
	}
	now := s.now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO chat_rooms(id, name, description, created_by, created_at, updated_at)
		VALUES(?, ?, NULLIF(?, ''), ?, ?, ?)`,
		room.ID, room.Name, room.Description, room.CreatedByID, now, now)
	if err != nil {
		return nil, fmt.Errorf("insert chat room: %w", err)
	}
	for _, userID := range domain.RoomMemberIDs(room.CreatedByID, memberIDs) {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO chat_room_members(chat_room_id, user_id, joined_at)
			VALUES(?, ?, ?)
			ON CONFLICT DO NOTHING`, room.ID, userID, now)
		if err != nil {
			return nil, fmt.Errorf("insert chat room member: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetRoom(ctx, room.ID)
}

const roomColumns = `c.id, c.name, COALESCE(c.description, ''), c.created_by, c.created_at, c.updated_at`

func scanRoom(row scanner) (domain.ChatRoom, error) {
	var c domain.ChatRoom
	err := row.Scan(&c.ID, &c.Name, &c.Description, &c.CreatedByID, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}

// GetRoom fetches a room with its members.
func (s *Store) GetRoom(ctx context.Context, id string) (*domain.ChatRoom, error) {
	room, err := scanRoom(s.db.QueryRowContext(ctx, `SELECT `+roomColumns+` FROM chat_rooms c WHERE c.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get chat room: %w", err)
	}
	if room.Members, err = s.roomMembers(ctx, id); err != nil {
		return nil, err
	}
	return &room, nil
}

func (s *Store) roomMembers(ctx context.Context, roomID string) ([]domain.RoomMember, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.user_id, u.name, COALESCE(u.team, ''), COALESCE(u.position, ''),
		       COALESCE(u.image, ''), m.joined_at
		FROM chat_room_members m
		JOIN users u ON u.id = m.user_id
		WHERE m.chat_room_id = ?
		ORDER BY m.joined_at ASC, m.rowid ASC`, roomID)
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
func (s *Store) ListRooms(ctx context.Context, userID string) ([]domain.ChatRoom, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+roomColumns+`
		FROM chat_rooms c
		JOIN chat_room_members m ON m.chat_room_id = c.id
		WHERE m.user_id = ?
		ORDER BY c.updated_at DESC, c.id ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list chat rooms: %w", err)
	}

	// Collected first: the single connection is busy until rows is closed.
	rooms := []domain.ChatRoom{}
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan chat room: %w", err)
		}
		rooms = append(rooms, room)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range rooms {
		if rooms[i].Members, err = s.roomMembers(ctx, rooms[i].ID); err != nil {
			return nil, err
		}
		if rooms[i].LastMessage, err = s.lastRoomMessage(ctx, rooms[i].ID, userID); err != nil {
			return nil, err
		}
	}
	return rooms, nil
}

func (s *Store) lastRoomMessage(ctx context.Context, roomID, viewerID string) (*domain.HistoryItem, error) {
	rows, err := s.db.QueryContext(ctx, messageSelect+`
		WHERE m.chat_room_id = ?
		ORDER BY m.created_at DESC, m.rowid DESC
		LIMIT 1`, roomID)
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

// DeleteRoom removes a room with its members and messages.
func (s *Store) DeleteRoom(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM chat_rooms WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete chat room: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrRoomNotFound
	}
	return nil
}

// AddRoomMember adds userID to a room.
func (s *Store) AddRoomMember(ctx context.Context, roomID, userID string) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_room_members(chat_room_id, user_id, joined_at)
		VALUES(?, ?, ?)
		ON CONFLICT DO NOTHING`, roomID, userID, s.now().UTC())
	if err != nil {
		return fmt.Errorf("add chat room member: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrAlreadyMember
	}
	return nil
}

// RemoveRoomMember removes userID from a room.
func (s *Store) RemoveRoomMember(ctx context.Context, roomID, userID string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM chat_room_members
		WHERE chat_room_id = ? AND user_id = ?`, roomID, userID)
	if err != nil {
		return fmt.Errorf("remove chat room member: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotRoomMember
	}
	return nil
}
