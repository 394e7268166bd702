package store

import (
	"context"
	"fmt"
	"time"
)

// CreateSession persists a session row backing a freshly issued JWT.
func (s *Store) CreateSession(ctx context.Context, sess Session) (Session, error) {
	query := `INSERT INTO sessions (id, user_id, expires_at) VALUES ($1, $2, $3)
	RETURNING id, user_id, created_at, expires_at`
	row := s.pool.QueryRow(ctx, query, sess.ID, sess.UserID, sess.ExpiresAt)

	var out Session
	if err := row.Scan(&out.ID, &out.UserID, &out.CreatedAt, &out.ExpiresAt); err != nil {
		return Session{}, fmt.Errorf("store: create session: %w", err)
	}
	return out, nil
}

// SessionExists reports whether a session row with this id still exists and
// has not expired — the basis for post-logout invalidity: /auth/logout
// deletes the row, so a JWT whose signature still verifies is rejected once
// its backing session is gone.
func (s *Store) SessionExists(ctx context.Context, id string, now time.Time) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM sessions WHERE id = $1 AND expires_at > $2)`,
		id, now).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("store: session exists: %w", err)
	}
	return exists, nil
}

// DeleteSession removes a session row, revoking its JWT immediately.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: delete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
