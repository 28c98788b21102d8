package user

import (
	"errors"
	"time"
)

var (
	// ErrConflict is returned when another writer created the same external identity first.
	ErrConflict = errors.New("user already exists for external identity")
	ErrNotFound = errors.New("not found")
	ErrStorage  = errors.New("user storage failure")
)

// User is the local account for one GitHub identity.
type User struct {
	ID          string    `json:"id"`
	ExternalID  string    `json:"external_id"`
	Username    string    `json:"username"`
	Email       *string   `json:"email,omitempty"`
	DisplayName *string   `json:"display_name,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Token is the encrypted provider access token owned by a user.
type Token struct {
	UserID     string
	Ciphertext []byte
	IV         []byte
	UpdatedAt  time.Time
}
