package domain

import (
	"fmt"
	"strings"
	"time"
)

// ChatRoom is a named group conversation. Only members may read or post.
type ChatRoom struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	CreatedByID string       `json:"createdById"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"` // bumped by every room message
	Members     []RoomMember `json:"members"`

	// Populated when listing a user's rooms
	LastMessage *HistoryItem `json:"lastMessage,omitempty"`
}

// RoomMember is one membership row joined with the member's profile.
type RoomMember struct {
	UserID   string    `json:"userId"`
	Name     string    `json:"name"`
	Team     string    `json:"team,omitempty"`
	Position string    `json:"position,omitempty"`
	Image    string    `json:"image,omitempty"`
	JoinedAt time.Time `json:"joinedAt"`
}

// Validate checks the fields required to create a room.
func (r *ChatRoom) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("%w: name", ErrMissingField)
	}
	if r.CreatedByID == "" {
		return fmt.Errorf("%w: createdById", ErrMissingField)
	}
	return nil
}

// HasMember reports whether userID belongs to the room.
func (r *ChatRoom) HasMember(userID string) bool {
	for _, m := range r.Members {
		if m.UserID == userID {
			return true
		}
	}
	return false
}

// MemberIDs returns the member user IDs in membership order.
func (r *ChatRoom) MemberIDs() []string {
	ids := make([]string, len(r.Members))
	for i, m := range r.Members {
		ids[i] = m.UserID
	}
	return ids
}

// RoomMemberIDs returns creatorID followed by memberIDs, without blanks or
// duplicates.
func RoomMemberIDs(creatorID string, memberIDs []string) []string {
	seen := make(map[string]struct{}, len(memberIDs)+1)
	out := make([]string, 0, len(memberIDs)+1)
	for _, id := range append([]string{creatorID}, memberIDs...) {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
