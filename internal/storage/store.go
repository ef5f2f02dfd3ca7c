// Package storage is the embedded SQLite history store.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/teamcodebridge/chatrelay/internal/domain"
)

const defaultBusyTimeout = 5000

// Store wraps the SQLite handle and implements the history store.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore opens the SQLite database at path. Accepted forms are a plain
// file path, sqlite://path, file:... URIs and :memory:. Call Close when done.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = "chatrelay.db"
	}
	db, err := sql.Open("sqlite", buildDSN(path))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close releases the underlying DB connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks the database handle.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func buildDSN(path string) string {
	switch {
	case strings.HasPrefix(path, "sqlite://"):
		path = path[len("sqlite://"):]
	case strings.HasPrefix(path, "file:"), strings.HasPrefix(path, ":memory:"):
		// already in a form sqlite understands
	default:
		path = "file:" + path
	}
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout=%d&_pragma=foreign_keys=ON&_time_format=sqlite", path, separator, defaultBusyTimeout)
}

// Migrate runs the schema creation statements.
func (s *Store) Migrate(ctx context.Context) (err error) {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			email TEXT,
			team TEXT,
			position TEXT,
			status TEXT,
			image TEXT,
			created_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS chat_rooms (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT,
			created_by TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			FOREIGN KEY(created_by) REFERENCES users(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS chat_room_members (
			chat_room_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			joined_at DATETIME NOT NULL,
			PRIMARY KEY(chat_room_id, user_id),
			FOREIGN KEY(chat_room_id) REFERENCES chat_rooms(id) ON DELETE CASCADE,
			FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_chat_room_members_user ON chat_room_members(user_id);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			sender_id TEXT NOT NULL,
			receiver_id TEXT,
			chat_room_id TEXT,
			read INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			FOREIGN KEY(sender_id) REFERENCES users(id) ON DELETE CASCADE,
			FOREIGN KEY(receiver_id) REFERENCES users(id) ON DELETE CASCADE,
			FOREIGN KEY(chat_room_id) REFERENCES chat_rooms(id) ON DELETE CASCADE,
			CHECK ((receiver_id IS NULL) <> (chat_room_id IS NULL))
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_direct ON messages(sender_id, receiver_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_room ON messages(chat_room_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_unread ON messages(receiver_id, read);`,
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for _, stmt := range statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// UpsertUser creates a user or updates its profile fields.
func (s *Store) UpsertUser(ctx context.Context, user *domain.User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = s.now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users(id, name, email, team, position, status, image, created_at)
		VALUES(?, ?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, email = excluded.email, team = excluded.team,
			position = excluded.position, status = excluded.status, image = excluded.image`,
		user.ID, user.Name, user.Email, user.Team, user.Position, user.Status, user.Image, user.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

const userColumns = `id, name, COALESCE(email, ''), COALESCE(team, ''), COALESCE(position, ''),
	COALESCE(status, ''), COALESCE(image, ''), created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (*domain.User, error) {
	var user domain.User
	err := row.Scan(&user.ID, &user.Name, &user.Email, &user.Team,
		&user.Position, &user.Status, &user.Image, &user.CreatedAt)
	return &user, err
}

// GetUser fetches a user by ID.
func (s *Store) GetUser(ctx context.Context, id string) (*domain.User, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}

// ListUsers returns every user ordered by name.
func (s *Store) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY name ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	users := []domain.User{}
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, *user)
	}
	return users, rows.Err()
}

// CreateMessage stores msg, assigning an ID when it has none and the
// server timestamp.
func (s *Store) CreateMessage(ctx context.Context, msg *domain.Message) (*domain.Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.CreatedAt = s.now().UTC()
	msg.Read = false

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages(id, content, sender_id, receiver_id, chat_room_id, read, created_at)
		VALUES(?, ?, ?, ?, ?, 0, ?)`,
		msg.ID, msg.Content, msg.SenderID, nullable(msg.ReceiverID), nullable(msg.ChatRoomID), msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	if msg.ChatRoomID != nil {
		if _, err = tx.ExecContext(ctx, `UPDATE chat_rooms SET updated_at = ? WHERE id = ?`, msg.CreatedAt, *msg.ChatRoomID); err != nil {
			return nil, fmt.Errorf("touch chat room: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return msg, nil
}

func nullable(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

const messageSelect = `
	SELECT m.id, m.content, m.sender_id, m.receiver_id, m.chat_room_id, m.read, m.created_at,
	       COALESCE(u.name, '')
	FROM messages m
	LEFT JOIN users u ON u.id = m.sender_id`

// ListDirectMessages returns the conversation between a and b, oldest first.
func (s *Store) ListDirectMessages(ctx context.Context, a, b string) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx, messageSelect+`
		WHERE (m.sender_id = ? AND m.receiver_id = ?) OR (m.sender_id = ? AND m.receiver_id = ?)
		ORDER BY m.created_at ASC, m.rowid ASC`, a, b, b, a)
	if err != nil {
		return nil, fmt.Errorf("list direct messages: %w", err)
	}
	return collectMessages(rows)
}

// ListRoomMessages returns a room's messages, oldest first.
func (s *Store) ListRoomMessages(ctx context.Context, chatRoomID string) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx, messageSelect+`
		WHERE m.chat_room_id = ?
		ORDER BY m.created_at ASC, m.rowid ASC`, chatRoomID)
	if err != nil {
		return nil, fmt.Errorf("list room messages: %w", err)
	}
	return collectMessages(rows)
}

func collectMessages(rows *sql.Rows) ([]domain.Message, error) {
	defer rows.Close()

	msgs := []domain.Message{}
	for rows.Next() {
		var (
			m                  domain.Message
			receiver, chatRoom sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.Content, &m.SenderID, &receiver, &chatRoom,
			&m.Read, &m.CreatedAt, &m.SenderName); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if receiver.Valid {
			m.ReceiverID = &receiver.String
		}
		if chatRoom.Valid {
			m.ChatRoomID = &chatRoom.String
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// UnreadCounts groups userID's unread direct messages by sender.
func (s *Store) UnreadCounts(ctx context.Context, userID string) (*domain.UnreadSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sender_id, COUNT(*) FROM messages
		WHERE receiver_id = ? AND read = 0
		GROUP BY sender_id`, userID)
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

// MarkRead marks every unread message from senderID to userID as read.
func (s *Store) MarkRead(ctx context.Context, userID, senderID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET read = 1
		WHERE receiver_id = ? AND sender_id = ? AND read = 0`, userID, senderID)
	if err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}
	return res.RowsAffected()
}
