package store

import (
	"context"
	"fmt"
)

// InsertUsageRecord appends one usage record. UsageRecord rows are never
// updated or deleted by the application — they are the accounting ledger.
func (s *Store) InsertUsageRecord(ctx context.Context, r UsageRecord) error {
	query := `INSERT INTO usage_records
		(id, virtual_key_id, user_id, provider, model, prompt_tokens, completion_tokens,
		 total_tokens, cost_usd, latency_ms, cached, error_text)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := s.pool.Exec(ctx, query,
		r.ID, nullableID(r.VirtualKeyID), nullableID(r.UserID), r.Provider, r.Model,
		r.PromptTokens, r.CompletionTokens, r.TotalTokens, r.CostUSD, r.LatencyMS, r.Cached, nullableText(r.ErrorText))
	if err != nil {
		return fmt.Errorf("store: insert usage record: %w", err)
	}
	return nil
}

// RecentUsage returns the most recent usage records, newest first, up to limit.
func (s *Store) RecentUsage(ctx context.Context, limit int) ([]UsageRecord, error) {
	query := `SELECT id, COALESCE(virtual_key_id::text, ''), COALESCE(user_id::text, ''), provider, model,
		prompt_tokens, completion_tokens, total_tokens, cost_usd, latency_ms, cached,
		COALESCE(error_text, ''), created_at
	FROM usage_records ORDER BY created_at DESC LIMIT $1`

	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("store: recent usage: %w", err)
	}
	defer rows.Close()

	var out []UsageRecord
	for rows.Next() {
		var r UsageRecord
		if err := rows.Scan(&r.ID, &r.VirtualKeyID, &r.UserID, &r.Provider, &r.Model,
			&r.PromptTokens, &r.CompletionTokens, &r.TotalTokens, &r.CostUSD, &r.LatencyMS, &r.Cached,
			&r.ErrorText, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan usage record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullableID(id string) any {
	if id == "" {
		return nil
	}
	return id
}

func nullableText(s string) any {
	if s == "" {
		return nil
	}
	return s
}
