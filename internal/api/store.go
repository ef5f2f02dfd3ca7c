// Package api serves the REST surface over the message history store.
package api

import (
	"context"

	"github.com/teamcodebridge/chatrelay/internal/domain"
)

// HistoryStore is the durable message history. It is implemented by the
// PostgreSQL and SQLite backends.
type HistoryStore interface {
	CreateMessage(ctx context.Context, msg *domain.Message) (*domain.Message, error)
	ListDirectMessages(ctx context.Context, a, b string) ([]domain.Message, error)
	ListRoomMessages(ctx context.Context, chatRoomID string) ([]domain.Message, error)
	UnreadCounts(ctx context.Context, userID string) (*domain.UnreadSummary, error)
	MarkRead(ctx context.Context, userID, senderID string) (int64, error)
	UpsertUser(ctx context.Context, user *domain.User) error
	GetUser(ctx context.Context, id string) (*domain.User, error)
	ListUsers(ctx context.Context) ([]domain.User, error)
	CreateRoom(ctx context.Context, room *domain.ChatRoom, memberIDs []string) (*domain.ChatRoom, error)
	GetRoom(ctx context.Context, id string) (*domain.ChatRoom, error)
	ListRooms(ctx context.Context, userID string) ([]domain.ChatRoom, error)
	DeleteRoom(ctx context.Context, id string) error
	AddRoomMember(ctx context.Context, roomID, userID string) error
	RemoveRoomMember(ctx context.Context, roomID, userID string) error
	Ping(ctx context.Context) error
}

// Relayer delivers a message to live connections.
type Relayer interface {
	Relay(ctx context.Context, intent domain.SendIntent) (domain.RelayResult, error)
	RelayRoom(ctx context.Context, intent domain.RoomIntent) (domain.RelayResult, error)
}

// Presence reports the current online set.
type Presence interface {
	OnlineUsers() []string
}
