package domain

import (
	"time"

	"github.com/google/uuid"
)

// User represents the call-relevant view of a user
// Maps to CockroachDB users table
type User struct {
	UserID         uuid.UUID `json:"user_id" db:"user_id"`
	Username       string    `json:"username" db:"username"`
	DisplayName    string    `json:"display_name" db:"display_name"`
	AvatarURL      *string   `json:"avatar_url,omitempty" db:"avatar_url"`
	ActiveDeviceID *string   `json:"active_device_id,omitempty" db:"active_device_id"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// CallerSummary is the minimal caller identity shown on ringing screens and pushes
type CallerSummary struct {
	UserID      uuid.UUID `json:"userId"`
	Username    string    `json:"username"`
	DisplayName string    `json:"displayName"`
	AvatarURL   *string   `json:"avatarUrl,omitempty"`
}

// Summary returns the caller identity of u
func (u *User) Summary() CallerSummary {
	name := u.DisplayName
	if name == "" {
		name = u.Username
	}
	return CallerSummary{
		UserID:      u.UserID,
		Username:    u.Username,
		DisplayName: name,
		AvatarURL:   u.AvatarURL,
	}
}

// PresenceStatus is returned by the presence endpoint
type PresenceStatus struct {
	UserID  uuid.UUID `json:"userId"`
	Online  bool      `json:"online"`
	Devices []string  `json:"devices"`
}
