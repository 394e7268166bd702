package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ErrNotFound is returned by lookup operations that find no matching row.
var ErrNotFound = errors.New("store: not found")

const userColumns = `id, email, username, password_hash, role, created_at, updated_at`

func scanUser(row pgx.Row) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.Username, &u.PasswordHash, &u.Role, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrNotFound
	}
	return u, err
}

// CreateUser inserts a new user row.
func (s *Store) CreateUser(ctx context.Context, u User) (User, error) {
	query := `INSERT INTO users (id, email, username, password_hash, role)
	VALUES ($1, $2, $3, $4, $5)
	RETURNING ` + userColumns

	row := s.pool.QueryRow(ctx, query, u.ID, u.Email, u.Username, u.PasswordHash, u.Role)
	out, err := scanUser(row)
	if err != nil {
		return User{}, fmt.Errorf("store: create user: %w", err)
	}
	return out, nil
}

// GetUserByEmail looks up a user by email.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE email = $1`
	out, err := scanUser(s.pool.QueryRow(ctx, query, email))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return User{}, fmt.Errorf("store: get user by email: %w", err)
	}
	return out, err
}

// GetUserByID looks up a user by id.
func (s *Store) GetUserByID(ctx context.Context, id string) (User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	out, err := scanUser(s.pool.QueryRow(ctx, query, id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return User{}, fmt.Errorf("store: get user by id: %w", err)
	}
	return out, err
}

// GetOrCreateOAuthUser finds the user linked to (provider, providerUserID),
// or creates both the user and the link if this is a first-time login.
func (s *Store) GetOrCreateOAuthUser(ctx context.Context, newUserID, provider, providerUserID, email, username, avatarURL string) (User, error) {
	const findQuery = `SELECT u.id, u.email, u.username, u.password_hash, u.role, u.created_at, u.updated_at
	FROM users u JOIN oauth_accounts o ON o.user_id = u.id
	WHERE o.provider = $1 AND o.provider_user_id = $2`

	row := s.pool.QueryRow(ctx, findQuery, provider, providerUserID)
	if u, err := scanUser(row); err == nil {
		return u, nil
	} else if !errors.Is(err, ErrNotFound) {
		return User{}, fmt.Errorf("store: lookup oauth user: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return User{}, fmt.Errorf("store: begin oauth create: %w", err)
	}
	defer tx.Rollback(ctx)

	u, err := scanUser(tx.QueryRow(ctx,
		`INSERT INTO users (id, email, username, role) VALUES ($1, $2, $3, 'user')
		ON CONFLICT (email) DO UPDATE SET email = EXCLUDED.email
		RETURNING `+userColumns, newUserID, email, username))
	if err != nil {
		return User{}, fmt.Errorf("store: create oauth user: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO oauth_accounts (id, user_id, provider, provider_user_id, avatar_url)
		VALUES (gen_random_uuid(), $1, $2, $3, $4)
		ON CONFLICT (provider, provider_user_id) DO NOTHING`,
		u.ID, provider, providerUserID, avatarURL); err != nil {
		return User{}, fmt.Errorf("store: link oauth account: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return User{}, fmt.Errorf("store: commit oauth create: %w", err)
	}
	return u, nil
}
