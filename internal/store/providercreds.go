package store

import (
	"context"
	"fmt"
)

// UpsertProviderCredential persists the vendor secret configured for a
// provider tag. Router.ConfigureProvider calls this and logs a warning
// rather than failing the request if persistence errors — the in-memory
// route table is the source of truth for the running process.
func (s *Store) UpsertProviderCredential(ctx context.Context, provider, credential string) error {
	query := `INSERT INTO provider_credentials (provider, credential, updated_at) VALUES ($1, $2, now())
	ON CONFLICT (provider) DO UPDATE SET credential = EXCLUDED.credential, updated_at = now()`
	if _, err := s.pool.Exec(ctx, query, provider, credential); err != nil {
		return fmt.Errorf("store: upsert provider credential: %w", err)
	}
	return nil
}

// DeleteProviderCredential removes a persisted provider credential.
func (s *Store) DeleteProviderCredential(ctx context.Context, provider string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM provider_credentials WHERE provider = $1`, provider); err != nil {
		return fmt.Errorf("store: delete provider credential: %w", err)
	}
	return nil
}

// ListProviderCredentials returns every persisted provider credential, used
// to repopulate the route table on startup (with precedence over env vars).
func (s *Store) ListProviderCredentials(ctx context.Context) ([]ProviderCredential, error) {
	rows, err := s.pool.Query(ctx, `SELECT provider, credential, updated_at FROM provider_credentials`)
	if err != nil {
		return nil, fmt.Errorf("store: list provider credentials: %w", err)
	}
	defer rows.Close()

	var out []ProviderCredential
	for rows.Next() {
		var c ProviderCredential
		if err := rows.Scan(&c.Provider, &c.Credential, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: scan provider credential: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
