package domain

import (
	"fmt"
	"strings"
	"time"
)

// User is a workspace member as stored by the history backend.
// IDs are issued by the external session layer and treated as opaque strings.
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email,omitempty"` // omit in public responses
	Team      string    `json:"team,omitempty"`
	Position  string    `json:"position,omitempty"`
	Status    string    `json:"status,omitempty"`
	Image     string    `json:"image,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// PublicUser is the safe-to-expose version of User
type PublicUser struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Team     string `json:"team,omitempty"`
	Position string `json:"position,omitempty"`
	Status   string `json:"status,omitempty"`
	Image    string `json:"image,omitempty"`
	IsOnline bool   `json:"isOnline"`
}

func (u *User) ToPublic() PublicUser {
	return PublicUser{
		ID:       u.ID,
		Name:     u.Name,
		Team:     u.Team,
		Position: u.Position,
		Status:   u.Status,
		Image:    u.Image,
	}
}

// Validate checks the fields required to store a user.
func (u *User) Validate() error {
	if u.ID == "" {
		return fmt.Errorf("%w: id", ErrMissingField)
	}
	if strings.TrimSpace(u.Name) == "" {
		return fmt.Errorf("%w: name", ErrMissingField)
	}
	return nil
}
