// Package session issues opaque login sessions and keeps them in the cache.
package session

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"ghlogin/pkg/cache"
)

// IDBytes is the session id entropy: 256 bits.
const IDBytes = 32

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrStorage         = errors.New("session storage unavailable")
)

var idEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Session binds an unguessable id to a user.
type Session struct {
	ID        string    `json:"-"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Issuer creates, resolves and revokes sessions.
type Issuer struct {
	cache cache.Cache
	ttl   time.Duration
	now   func() time.Time
}

func NewIssuer(c cache.Cache, ttl time.Duration) *Issuer {
	return &Issuer{cache: c, ttl: ttl, now: time.Now}
}

// TTL is how long an issued session stays valid.
func (i *Issuer) TTL() time.Duration {
	return i.ttl
}

// Create issues a new session for userID. Sessions are never reused across logins.
func (i *Issuer) Create(ctx context.Context, userID string) (*Session, error) {
	if userID == "" {
		return nil, errors.New("session requires a user id")
	}

	id, err := newID()
	if err != nil {
		return nil, err
	}

	now := i.now().UTC()
	sess := &Session{
		ID:        id,
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(i.ttl),
	}

	payload, err := json.Marshal(sess)
	if err != nil {
		return nil, fmt.Errorf("failed to encode session: %w", err)
	}
	if err := i.cache.Set(ctx, key(id), string(payload), i.ttl); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return sess, nil
}

// Get resolves a session id, rejecting expired sessions.
func (i *Issuer) Get(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, ErrSessionNotFound
	}

	raw, err := i.cache.Get(ctx, key(id))
	if errors.Is(err, cache.ErrMiss) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	var sess Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return nil, fmt.Errorf("%w: corrupt session: %v", ErrStorage, err)
	}
	if i.now().After(sess.ExpiresAt) {
		_ = i.cache.Del(ctx, key(id))
		return nil, ErrSessionNotFound
	}

	sess.ID = id
	return &sess, nil
}

// Delete revokes a session. Unknown ids are not an error.
func (i *Issuer) Delete(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	if err := i.cache.Del(ctx, key(id)); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}

func newID() (string, error) {
	buf := make([]byte, IDBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return strings.ToLower(idEncoding.EncodeToString(buf)), nil
}

func key(id string) string {
	return "session:" + id
}
