package user

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ghlogin/pkg/db"
	"ghlogin/pkg/oauth2"
	"ghlogin/pkg/tokencipher"
)

const (
	selectUserColumns = "SELECT id, external_id, username, email, display_name, created_at FROM users"

	insertUserQuery = `INSERT INTO users (id, external_id, username, email, display_name, created_at)
VALUES (?, ?, ?, ?, ?, ?)`

	upsertTokenQuery = `INSERT INTO tokens (user_id, ciphertext, iv, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (user_id) DO UPDATE SET
    ciphertext = excluded.ciphertext,
    iv = excluded.iv,
    updated_at = excluded.updated_at`

	selectTokenQuery = "SELECT user_id, ciphertext, iv, updated_at FROM tokens WHERE user_id = ?"
)

// Store persists users and their encrypted tokens.
type Store struct {
	db  db.SQLExecutor
	now func() time.Time
}

func NewStore(executor db.SQLExecutor) *Store {
	return &Store{db: executor, now: time.Now}
}

// FindByExternalID returns (nil, nil) when no user has the identity yet.
func (s *Store) FindByExternalID(ctx context.Context, externalID string) (*User, error) {
	row := s.db.QueryRowContext(ctx, selectUserColumns+" WHERE external_id = ?", externalID)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: find by external id: %v", ErrStorage, err)
	}
	return u, nil
}

// GetByID loads a user by local id.
func (s *Store) GetByID(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx, selectUserColumns+" WHERE id = ?", id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get user: %v", ErrStorage, err)
	}
	return u, nil
}

// CreateUser inserts the user row and its token row in one transaction.
// A concurrent insert of the same external identity yields ErrConflict.
func (s *Store) CreateUser(ctx context.Context, id string, profile *oauth2.Profile, token tokencipher.EncryptedToken) (*User, error) {
	now := s.now().UTC()
	u := &User{
		ID:          id,
		ExternalID:  profile.ExternalID,
		Username:    profile.Username,
		Email:       profile.Email,
		DisplayName: profile.DisplayName,
		CreatedAt:   now.Truncate(time.Millisecond),
	}

	err := s.db.WithTransaction(ctx, sql.LevelDefault, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.db.Rebind(insertUserQuery),
			u.ID, u.ExternalID, u.Username, nullString(u.Email), nullString(u.DisplayName), toMillis(now),
		); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, s.db.Rebind(upsertTokenQuery), u.ID, token.Ciphertext, token.IV, toMillis(now))
		return err
	})
	if db.IsUniqueViolation(err) {
		return nil, ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("%w: create user: %v", ErrStorage, err)
	}
	return u, nil
}

// UpsertToken writes ciphertext and iv together, inserting or replacing the row.
func (s *Store) UpsertToken(ctx context.Context, userID string, token tokencipher.EncryptedToken) error {
	if len(token.Ciphertext) == 0 || len(token.IV) == 0 {
		return fmt.Errorf("%w: token requires both ciphertext and iv", ErrStorage)
	}
	if _, err := s.db.ExecContext(ctx, upsertTokenQuery, userID, token.Ciphertext, token.IV, toMillis(s.now())); err != nil {
		return fmt.Errorf("%w: upsert token: %v", ErrStorage, err)
	}
	return nil
}

// GetToken loads the encrypted token for a user.
func (s *Store) GetToken(ctx context.Context, userID string) (*Token, error) {
	var (
		t         Token
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, selectTokenQuery, userID).Scan(&t.UserID, &t.Ciphertext, &t.IV, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get token: %v", ErrStorage, err)
	}
	t.UpdatedAt = fromMillis(updatedAt)
	return &t, nil
}

func scanUser(row *sql.Row) (*User, error) {
	var (
		u           User
		email, name sql.NullString
		createdAt   int64
	)
	if err := row.Scan(&u.ID, &u.ExternalID, &u.Username, &email, &name, &createdAt); err != nil {
		return nil, err
	}
	if email.Valid {
		u.Email = &email.String
	}
	if name.Valid {
		u.DisplayName = &name.String
	}
	u.CreatedAt = fromMillis(createdAt)
	return &u, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
