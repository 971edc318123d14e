package db

import (
	"context"
	"fmt"
	"time"
)

const userColumns = `id, username, email, password_hash, is_active, created_at, updated_at`

func scanUser(row rowScanner) (*User, error) {
	var u User
	err := row.Scan(
		&u.ID,
		&u.Username,
		&u.Email,
		&u.PasswordHash,
		&u.IsActive,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// CreateUser inserts a user row. Duplicate usernames or emails surface as
// ErrUniqueViolation.
func (s *Store) CreateUser(ctx context.Context, username, email, passwordHash string) (*User, error) {
	defer s.observe("create_user", time.Now())

	if username == "" || email == "" || passwordHash == "" {
		return nil, fmt.Errorf("username, email and password hash must not be empty: %w", ErrCheckViolation)
	}

	var user *User
	err := s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			"INSERT INTO users (username, email, password_hash) VALUES (?, ?, ?)",
			username, email, passwordHash)
		if err != nil {
			return translateError(err, fmt.Sprintf("failed to create user %s", username))
		}

		query := fmt.Sprintf("SELECT %s FROM users WHERE username = ?", userColumns)
		user, err = scanUser(s.db.QueryRowContext(ctx, query, username))
		if err != nil {
			return translateError(err, fmt.Sprintf("failed to read back user %s", username))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

// GetUserByUsername returns an active user by username, or ErrNotFound.
// Deactivated accounts are invisible to lookups.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	defer s.observe("get_user", time.Now())

	query := fmt.Sprintf("SELECT %s FROM users WHERE username = ? AND is_active = 1", userColumns)
	user, err := scanUser(s.db.QueryRowContext(ctx, query, username))
	if err != nil {
		return nil, translateError(err, fmt.Sprintf("failed to get user %s", username))
	}
	return user, nil
}

// GetUserByID returns an active user by id, or ErrNotFound.
func (s *Store) GetUserByID(ctx context.Context, id int64) (*User, error) {
	defer s.observe("get_user", time.Now())

	query := fmt.Sprintf("SELECT %s FROM users WHERE id = ? AND is_active = 1", userColumns)
	user, err := scanUser(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, translateError(err, fmt.Sprintf("failed to get user %d", id))
	}
	return user, nil
}

const tokenColumns = `id, user_id, token, token_type, created_at, expires_at, is_active`

func scanToken(row rowScanner) (*UserToken, error) {
	var t UserToken
	err := row.Scan(
		&t.ID,
		&t.UserID,
		&t.Token,
		&t.TokenType,
		&t.CreatedAt,
		&t.ExpiresAt,
		&t.IsActive,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// InsertToken records a token for a user. A nil expiry means the token
// never expires.
func (s *Store) InsertToken(ctx context.Context, userID int64, token, tokenType string, expiresAt *time.Time) (*UserToken, error) {
	defer s.observe("insert_token", time.Now())

	if tokenType != TokenTypeAuth && tokenType != TokenTypePublish {
		return nil, fmt.Errorf("invalid token type %q: %w", tokenType, ErrCheckViolation)
	}

	var record *UserToken
	err := s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			"INSERT INTO user_tokens (user_id, token, token_type, expires_at) VALUES (?, ?, ?, ?)",
			userID, token, tokenType, expiresAt)
		if err != nil {
			return translateError(err, fmt.Sprintf("failed to insert token for user %d", userID))
		}

		query := fmt.Sprintf("SELECT %s FROM user_tokens WHERE token = ?", tokenColumns)
		record, err = scanToken(s.db.QueryRowContext(ctx, query, token))
		if err != nil {
			return translateError(err, "failed to read back token")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// GetActiveToken resolves a bearer token to its row, honoring both the
// active flag and the expiry timestamp. Unknown, revoked and expired tokens
// all return ErrNotFound.
func (s *Store) GetActiveToken(ctx context.Context, token string) (*UserToken, error) {
	defer s.observe("get_active_token", time.Now())

	query := fmt.Sprintf(`
		SELECT %s FROM user_tokens
		WHERE token = ?
		  AND is_active = 1
		  AND (expires_at IS NULL OR expires_at > CURRENT_TIMESTAMP)
	`, tokenColumns)
	record, err := scanToken(s.db.QueryRowContext(ctx, query, token))
	if err != nil {
		return nil, translateError(err, "failed to get active token")
	}
	return record, nil
}

// RevokeToken deactivates a token. Revoking an unknown or already revoked
// token returns ErrNotFound.
func (s *Store) RevokeToken(ctx context.Context, token string) error {
	defer s.observe("revoke_token", time.Now())

	result, err := s.db.ExecContext(ctx,
		"UPDATE user_tokens SET is_active = 0 WHERE token = ? AND is_active = 1",
		token)
	if err != nil {
		return translateError(err, "failed to revoke token")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("token: %w", ErrNotFound)
	}
	return nil
}

// CountActiveTokens returns the number of live tokens, for gauge exports.
func (s *Store) CountActiveTokens(ctx context.Context) (int64, error) {
	defer s.observe("count_active_tokens", time.Now())

	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM user_tokens
		WHERE is_active = 1
		  AND (expires_at IS NULL OR expires_at > CURRENT_TIMESTAMP)
	`).Scan(&count)
	if err != nil {
		return 0, translateError(err, "failed to count active tokens")
	}
	return count, nil
}
