package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rogers-f/steward/internal/domain"
)

// UsageRepo handles persistence for per-call token and cost usage.
type UsageRepo struct{}

// Create inserts a usage record for a run.
func (r *UsageRepo) Create(ctx context.Context, db *sql.DB, runID string, u domain.Usage) error {
	const q = `INSERT INTO usage_records (run_id, role, provider, stage, input_tokens, output_tokens, amount_usd, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := db.ExecContext(ctx, q,
		runID,
		u.Role,
		u.Provider,
		u.Stage,
		u.InputTokens,
		u.OutputTokens,
		u.AmountUSD,
		u.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create usage: %w", err)
	}
	return nil
}

// ListByRun returns all usage records for a run, ordered by creation time.
func (r *UsageRepo) ListByRun(ctx context.Context, db *sql.DB, runID string) ([]domain.Usage, error) {
	const q = `SELECT role, provider, stage, input_tokens, output_tokens, amount_usd, created_at
FROM usage_records
WHERE run_id = ?
ORDER BY created_at ASC, id ASC`

	rows, err := db.QueryContext(ctx, q, runID)
	if err != nil {
		return nil, fmt.Errorf("list usage: %w", err)
	}
	defer rows.Close()

	var out []domain.Usage
	for rows.Next() {
		var u domain.Usage
		if err := rows.Scan(&u.Role, &u.Provider, &u.Stage, &u.InputTokens, &u.OutputTokens, &u.AmountUSD, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// TotalUSD returns the cumulative spend of a run.
func (r *UsageRepo) TotalUSD(ctx context.Context, db *sql.DB, runID string) (float64, error) {
	var total float64
	err := db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount_usd), 0) FROM usage_records WHERE run_id = ?`, runID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum usage: %w", err)
	}
	return total, nil
}
