package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/rogers-f/steward/internal/domain"
)

// ScoreCardRepo handles persistence for the review verdicts of reconcile rounds.
type ScoreCardRepo struct{}

// Create inserts the score card a reviewer returned in a reconcile round.
func (r *ScoreCardRepo) Create(ctx context.Context, db *sql.DB, runID string, round int, card domain.ScoreCard, createdAt int64) error {
	findings, err := json.Marshal(card.Findings)
	if err != nil {
		return fmt.Errorf("marshal findings: %w", err)
	}

	const q = `INSERT INTO score_cards (review_id, run_id, round, reviewer, correctness, security, maintainability, scope, testing, findings_json, verdict, summary, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = db.ExecContext(ctx, q,
		card.ReviewID,
		runID,
		round,
		card.Reviewer,
		card.Scores.Correctness,
		card.Scores.Security,
		card.Scores.Maintainability,
		card.Scores.Scope,
		card.Scores.Testing,
		string(findings),
		card.Verdict,
		card.Summary,
		createdAt,
	)
	if err != nil {
		return fmt.Errorf("create score card: %w", err)
	}
	return nil
}

// ListByRun returns all score cards of a run in round order.
func (r *ScoreCardRepo) ListByRun(ctx context.Context, db *sql.DB, runID string) ([]domain.ScoreCard, error) {
	const q = `SELECT review_id, reviewer, correctness, security, maintainability, scope, testing, findings_json, verdict, summary
FROM score_cards
WHERE run_id = ?
ORDER BY round ASC, id ASC`

	rows, err := db.QueryContext(ctx, q, runID)
	if err != nil {
		return nil, fmt.Errorf("list score cards: %w", err)
	}
	defer rows.Close()

	var cards []domain.ScoreCard
	for rows.Next() {
		var c domain.ScoreCard
		var findings string
		if err := rows.Scan(
			&c.ReviewID, &c.Reviewer,
			&c.Scores.Correctness, &c.Scores.Security, &c.Scores.Maintainability,
			&c.Scores.Scope, &c.Scores.Testing,
			&findings, &c.Verdict, &c.Summary,
		); err != nil {
			return nil, fmt.Errorf("scan score card: %w", err)
		}
		if err := json.Unmarshal([]byte(findings), &c.Findings); err != nil {
			return nil, fmt.Errorf("unmarshal findings: %w", err)
		}
		cards = append(cards, c)
	}
	return cards, rows.Err()
}
