package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/rogers-f/steward/internal/domain"
)

// OutputRepo handles persistence for StageOutput snapshots.
type OutputRepo struct{}

// Checksum returns the hex SHA-256 of a stage output document.
func Checksum(outputJSON string) string {
	sum := sha256.Sum256([]byte(outputJSON))
	return hex.EncodeToString(sum[:])
}

// SaveTx inserts a stage output within an existing transaction. An empty
// checksum is computed from the document.
func (r *OutputRepo) SaveTx(ctx context.Context, tx *sql.Tx, out domain.StageOutput) error {
	if out.Checksum == "" {
		out.Checksum = Checksum(out.OutputJSON)
	}
	const q = `INSERT INTO stage_outputs (run_id, stage, round, output_json, checksum, created_at)
VALUES (?, ?, ?, ?, ?, ?)`
	_, err := tx.ExecContext(ctx, q,
		out.RunID,
		out.Stage,
		out.Round,
		out.OutputJSON,
		out.Checksum,
		out.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save stage output: %w", err)
	}
	return nil
}

// GetLatest returns the most recent output of a stage.
// Returns nil if the stage never completed.
func (r *OutputRepo) GetLatest(ctx context.Context, db *sql.DB, runID, stage string) (*domain.StageOutput, error) {
	const q = `SELECT id, run_id, stage, round, output_json, checksum, created_at
FROM stage_outputs
WHERE run_id = ? AND stage = ?
ORDER BY id DESC
LIMIT 1`

	var s domain.StageOutput
	err := db.QueryRowContext(ctx, q, runID, stage).
		Scan(&s.ID, &s.RunID, &s.Stage, &s.Round, &s.OutputJSON, &s.Checksum, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get latest stage output: %w", err)
	}
	return &s, nil
}

// ListByRun returns every stage output of a run in completion order.
func (r *OutputRepo) ListByRun(ctx context.Context, db *sql.DB, runID string) ([]domain.StageOutput, error) {
	const q = `SELECT id, run_id, stage, round, output_json, checksum, created_at
FROM stage_outputs
WHERE run_id = ?
ORDER BY id ASC`

	rows, err := db.QueryContext(ctx, q, runID)
	if err != nil {
		return nil, fmt.Errorf("list stage outputs: %w", err)
	}
	defer rows.Close()

	var out []domain.StageOutput
	for rows.Next() {
		var s domain.StageOutput
		if err := rows.Scan(&s.ID, &s.RunID, &s.Stage, &s.Round, &s.OutputJSON, &s.Checksum, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan stage output: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
