// Package store is the relational persistence layer: users, virtual keys,
// sessions, usage records, and provider credentials, backed by Postgres via
// pgx. Schema management is a single idempotent DDL pass run at startup, not
// a migration framework.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store wraps a pooled Postgres connection and exposes entity operations for
// every table spec'd under the gateway's data model.
type Store struct {
	pool *pgxpool.Pool
}

// NewPool opens a pgx connection pool against databaseURL.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return pool, nil
}

// NewStore builds a Store over an already-open pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS users (
	id UUID PRIMARY KEY,
	email TEXT NOT NULL UNIQUE,
	username TEXT,
	password_hash TEXT,
	role TEXT NOT NULL DEFAULT 'user',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS oauth_accounts (
	id UUID PRIMARY KEY,
	user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	provider TEXT NOT NULL,
	provider_user_id TEXT NOT NULL,
	avatar_url TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (provider, provider_user_id)
);

CREATE TABLE IF NOT EXISTS virtual_keys (
	id UUID PRIMARY KEY,
	user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	lookup_hash TEXT NOT NULL,
	verification_hash TEXT NOT NULL,
	key_prefix TEXT NOT NULL,
	name TEXT,
	budget_usd DOUBLE PRECISION,
	current_spend_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
	rpm_limit INTEGER,
	tpm_limit INTEGER,
	model_allowlist TEXT[],
	expires_at TIMESTAMPTZ,
	blocked BOOLEAN NOT NULL DEFAULT false,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_used_at TIMESTAMPTZ
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_virtual_keys_lookup_hash ON virtual_keys (lookup_hash);

CREATE TABLE IF NOT EXISTS sessions (
	id UUID PRIMARY KEY,
	user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS usage_records (
	id UUID PRIMARY KEY,
	virtual_key_id UUID,
	user_id UUID,
	provider TEXT NOT NULL,
	model TEXT NOT NULL,
	prompt_tokens INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
	latency_ms INTEGER NOT NULL DEFAULT 0,
	cached BOOLEAN NOT NULL DEFAULT false,
	error_text TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_usage_records_created_at ON usage_records (created_at DESC);
CREATE INDEX IF NOT EXISTS idx_usage_records_model ON usage_records (model);
CREATE INDEX IF NOT EXISTS idx_usage_records_provider ON usage_records (provider);
CREATE INDEX IF NOT EXISTS idx_usage_records_virtual_key_id ON usage_records (virtual_key_id);

CREATE TABLE IF NOT EXISTS provider_credentials (
	provider TEXT PRIMARY KEY,
	credential TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// EnsureSchema issues the idempotent CREATE TABLE IF NOT EXISTS DDL for every
// table this gateway needs. It is not a migration framework: there is no
// versioning, no down-migrations, no column evolution beyond what is listed
// here at startup.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("store: ensure schema: %w", err)
	}
	return nil
}
