package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/rogers-f/steward/internal/domain"
)

// EventRepo persists the sequenced event log of each run.
type EventRepo struct{}

// EventFilter narrows a run's event log. Zero values match everything.
type EventFilter struct {
	SinceSeq int64
	Stage    string
	Types    []string
	Limit    int
}

// AppendTx adds the next event of a run inside the transaction that also
// advances the run's last_event_seq. Sequence numbers start at 1.
func (r *EventRepo) AppendTx(ctx context.Context, tx *sql.Tx, event domain.RunEvent) error {
	if event.SeqNo < 1 {
		return fmt.Errorf("append event %s for run %s: seq_no must be positive, got %d", event.EventType, event.RunID, event.SeqNo)
	}
	payload := event.PayloadJSON
	if payload == "" {
		payload = "{}"
	}
	const q = `INSERT INTO run_events (run_id, seq_no, stage, event_type, payload_json, created_at)
VALUES (?, ?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, q, event.RunID, event.SeqNo, event.Stage, event.EventType, payload, event.CreatedAt); err != nil {
		return fmt.Errorf("append event %d of run %s: %w", event.SeqNo, event.RunID, err)
	}
	return nil
}

// ListByRun returns the events after sinceSeq in sequence order.
func (r *EventRepo) ListByRun(ctx context.Context, db *sql.DB, runID string, sinceSeq int64) ([]domain.RunEvent, error) {
	return r.Query(ctx, db, runID, EventFilter{SinceSeq: sinceSeq})
}

// Query returns the run's events matching f in sequence order.
func (r *EventRepo) Query(ctx context.Context, db *sql.DB, runID string, f EventFilter) ([]domain.RunEvent, error) {
	var q strings.Builder
	q.WriteString(`SELECT id, run_id, seq_no, stage, event_type, payload_json, created_at
FROM run_events
WHERE run_id = ? AND seq_no > ?`)
	args := []any{runID, f.SinceSeq}
	if f.Stage != "" {
		q.WriteString(` AND stage = ?`)
		args = append(args, f.Stage)
	}
	if len(f.Types) > 0 {
		q.WriteString(` AND event_type IN (?` + strings.Repeat(`, ?`, len(f.Types)-1) + `)`)
		for _, t := range f.Types {
			args = append(args, t)
		}
	}
	q.WriteString(` ORDER BY seq_no ASC`)
	if f.Limit > 0 {
		q.WriteString(` LIMIT ?`)
		args = append(args, f.Limit)
	}

	rows, err := db.QueryContext(ctx, q.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list events of run %s: %w", runID, err)
	}
	defer rows.Close()

	var events []domain.RunEvent
	for rows.Next() {
		var e domain.RunEvent
		if err := rows.Scan(&e.ID, &e.RunID, &e.SeqNo, &e.Stage, &e.EventType, &e.PayloadJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
