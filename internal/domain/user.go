// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"time"
)

const MaxUsernameLen = 36

var (
	ErrUsernameTooLong = errors.New("username too long")
	ErrUsernameEmpty   = errors.New("username empty")
)

// UserID is the server-assigned numeric user identity.
type UserID uint

type UserStatus string

const (
	StatusOnline  UserStatus = "online"
	StatusOffline UserStatus = "offline"
	StatusBusy    UserStatus = "busy"
)

type User struct {
	ID        UserID     `json:"id"`
	Name      string     `json:"name"`
	Email     string     `json:"email"`
	Status    UserStatus `json:"status"`
	AvatarURL *string    `json:"avatar_url,omitempty"`
	LastSeen  time.Time  `json:"last_seen"`
}

func (u *User) SetName(name string) error {
	if len(name) == 0 {
		return ErrUsernameEmpty
	}
	if len(name) > MaxUsernameLen {
		return ErrUsernameTooLong
	}
	u.Name = name
	return nil
}
