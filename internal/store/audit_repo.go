package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/rogers-f/steward/internal/domain"
)

// AuditRepo persists the decisions taken on behalf of a run: publishes,
// budget checks and denied paths.
type AuditRepo struct{}

// Record stores rec and returns its ID. An empty ID is generated; empty
// payloads are stored as {} and an empty severity as info.
func (r *AuditRepo) Record(ctx context.Context, db *sql.DB, rec domain.AuditRecord) (string, error) {
	if rec.RunID == "" {
		return "", fmt.Errorf("record audit %s: run id is empty", rec.Action)
	}
	if rec.ID == "" {
		rec.ID = "aud-" + uuid.NewString()
	}
	if rec.Severity == "" {
		rec.Severity = "info"
	}
	if rec.RequestJSON == "" {
		rec.RequestJSON = "{}"
	}
	if rec.DecisionJSON == "" {
		rec.DecisionJSON = "{}"
	}

	const q = `INSERT INTO audit_records (id, run_id, category, actor, action, request_json, decision_json, severity, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := db.ExecContext(ctx, q, rec.ID, rec.RunID, rec.Category, rec.Actor, rec.Action,
		rec.RequestJSON, rec.DecisionJSON, rec.Severity, rec.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("record audit %s for run %s: %w", rec.Action, rec.RunID, err)
	}
	return rec.ID, nil
}

// ListByRun returns a run's audit trail, oldest first. A non-empty category
// keeps only that category.
func (r *AuditRepo) ListByRun(ctx context.Context, db *sql.DB, runID, category string) ([]domain.AuditRecord, error) {
	const q = `SELECT id, run_id, category, actor, action, request_json, decision_json, severity, created_at
FROM audit_records
WHERE run_id = ? AND (? = '' OR category = ?)
ORDER BY created_at ASC, rowid ASC`

	rows, err := db.QueryContext(ctx, q, runID, category, category)
	if err != nil {
		return nil, fmt.Errorf("list audit of run %s: %w", runID, err)
	}
	defer rows.Close()

	var records []domain.AuditRecord
	for rows.Next() {
		var a domain.AuditRecord
		if err := rows.Scan(&a.ID, &a.RunID, &a.Category, &a.Actor, &a.Action,
			&a.RequestJSON, &a.DecisionJSON, &a.Severity, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		records = append(records, a)
	}
	return records, rows.Err()
}
