package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const virtualKeyColumns = `id, user_id, lookup_hash, verification_hash, key_prefix, name,
	budget_usd, current_spend_usd, rpm_limit, tpm_limit, model_allowlist,
	expires_at, blocked, created_at, last_used_at`

func scanVirtualKey(row pgx.Row) (VirtualKey, error) {
	var k VirtualKey
	err := row.Scan(
		&k.ID, &k.UserID, &k.LookupHash, &k.VerificationHash, &k.KeyPrefix, &k.Name,
		&k.BudgetUSD, &k.CurrentSpendUSD, &k.RPMLimit, &k.TPMLimit, &k.ModelAllowlist,
		&k.ExpiresAt, &k.Blocked, &k.CreatedAt, &k.LastUsedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return VirtualKey{}, ErrNotFound
	}
	return k, err
}

// CreateVirtualKey inserts a new virtual key row.
func (s *Store) CreateVirtualKey(ctx context.Context, k VirtualKey) (VirtualKey, error) {
	query := `INSERT INTO virtual_keys (id, user_id, lookup_hash, verification_hash, key_prefix, name,
		budget_usd, rpm_limit, tpm_limit, model_allowlist, expires_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	RETURNING ` + virtualKeyColumns

	row := s.pool.QueryRow(ctx, query, k.ID, k.UserID, k.LookupHash, k.VerificationHash, k.KeyPrefix, k.Name,
		k.BudgetUSD, k.RPMLimit, k.TPMLimit, k.ModelAllowlist, k.ExpiresAt)
	out, err := scanVirtualKey(row)
	if err != nil {
		return VirtualKey{}, fmt.Errorf("store: create virtual key: %w", err)
	}
	return out, nil
}

// GetVirtualKeyByLookupHash finds a virtual key by its fast lookup hash —
// the sole indexed path the Authenticator uses to resolve an API-key header.
func (s *Store) GetVirtualKeyByLookupHash(ctx context.Context, lookupHash string) (VirtualKey, error) {
	query := `SELECT ` + virtualKeyColumns + ` FROM virtual_keys WHERE lookup_hash = $1`
	out, err := scanVirtualKey(s.pool.QueryRow(ctx, query, lookupHash))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return VirtualKey{}, fmt.Errorf("store: get virtual key by lookup hash: %w", err)
	}
	return out, err
}

// GetVirtualKeyByID looks up a virtual key by its id.
func (s *Store) GetVirtualKeyByID(ctx context.Context, id string) (VirtualKey, error) {
	query := `SELECT ` + virtualKeyColumns + ` FROM virtual_keys WHERE id = $1`
	out, err := scanVirtualKey(s.pool.QueryRow(ctx, query, id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return VirtualKey{}, fmt.Errorf("store: get virtual key by id: %w", err)
	}
	return out, err
}

// ListVirtualKeysByUser returns every key a user owns, most recent first.
func (s *Store) ListVirtualKeysByUser(ctx context.Context, userID string) ([]VirtualKey, error) {
	query := `SELECT ` + virtualKeyColumns + ` FROM virtual_keys WHERE user_id = $1 ORDER BY created_at DESC`
	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("store: list virtual keys: %w", err)
	}
	defer rows.Close()

	var out []VirtualKey
	for rows.Next() {
		k, err := scanVirtualKey(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan virtual key: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// UpdateVirtualKeyParams carries the mutable fields /auth/key/update exposes.
type UpdateVirtualKeyParams struct {
	ID             string
	Name           *string
	BudgetUSD      *float64
	RPMLimit       *int
	TPMLimit       *int
	ModelAllowlist []string
	Blocked        *bool
}

// UpdateVirtualKey applies a partial update to an existing virtual key.
func (s *Store) UpdateVirtualKey(ctx context.Context, p UpdateVirtualKeyParams) (VirtualKey, error) {
	query := `UPDATE virtual_keys SET
		name = COALESCE($2, name),
		budget_usd = COALESCE($3, budget_usd),
		rpm_limit = COALESCE($4, rpm_limit),
		tpm_limit = COALESCE($5, tpm_limit),
		model_allowlist = COALESCE($6, model_allowlist),
		blocked = COALESCE($7, blocked)
	WHERE id = $1
	RETURNING ` + virtualKeyColumns

	row := s.pool.QueryRow(ctx, query, p.ID, p.Name, p.BudgetUSD, p.RPMLimit, p.TPMLimit, p.ModelAllowlist, p.Blocked)
	out, err := scanVirtualKey(row)
	if err != nil {
		return VirtualKey{}, fmt.Errorf("store: update virtual key: %w", err)
	}
	return out, nil
}

// DeleteVirtualKey permanently removes a virtual key.
func (s *Store) DeleteVirtualKey(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM virtual_keys WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: delete virtual key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchLastUsed records that a key was just used and returns any write
// error. The Authenticator calls it from a background goroutine and discards
// the error — this is a best-effort bookkeeping write.
func (s *Store) TouchLastUsed(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `UPDATE virtual_keys SET last_used_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: touch last used: %w", err)
	}
	return nil
}

// AddSpend debits a virtual key's running spend, used by the Accountant
// after a completed request's cost has been computed.
func (s *Store) AddSpend(ctx context.Context, id string, costUSD float64) error {
	_, err := s.pool.Exec(ctx, `UPDATE virtual_keys SET current_spend_usd = current_spend_usd + $2 WHERE id = $1`, id, costUSD)
	if err != nil {
		return fmt.Errorf("store: add spend: %w", err)
	}
	return nil
}
