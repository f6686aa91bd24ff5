// Package domain contains core domain types for the call relay.
package domain

import (
	"time"
)

// User is a directory entry for a callable identity.
type User struct {
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DisplayName returns the username, falling back to the user ID.
func (u *User) DisplayName() string {
	if u.Username != "" {
		return u.Username
	}
	return u.UserID
}
