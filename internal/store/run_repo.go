package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rogers-f/steward/internal/domain"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// RunRepo handles persistence for RunRecord rows.
type RunRepo struct{}

const runColumns = `run_id, kind, target_json, status, current_stage, failed_stage, reason, fatal,
	error_message, state_version, last_event_seq, started_at_unix, updated_at_unix`

// CreateTx inserts a new run within an existing transaction.
// Returns ErrDuplicateRun if the run ID is taken.
func (r *RunRepo) CreateTx(ctx context.Context, tx *sql.Tx, rec domain.RunRecord) error {
	target, err := json.Marshal(rec.Target)
	if err != nil {
		return fmt.Errorf("encode target: %w", err)
	}
	var exists int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM runs WHERE run_id = ?`, rec.RunID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check run: %w", err)
	}
	if exists > 0 {
		return domain.ErrDuplicateRun
	}

	const q = `INSERT INTO runs (` + runColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = tx.ExecContext(ctx, q,
		rec.RunID,
		string(rec.Kind),
		string(target),
		string(rec.Status),
		rec.CurrentStage,
		rec.FailedStage,
		string(rec.Reason),
		boolInt(rec.Fatal),
		rec.ErrorMessage,
		rec.StateVersion,
		rec.LastEventSeq,
		rec.StartedAtUnix,
		rec.UpdatedAtUnix,
	)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// UpdateTx updates a run within a transaction using optimistic locking.
// The update only succeeds if the stored state_version matches rec.StateVersion.
func (r *RunRepo) UpdateTx(ctx context.Context, tx *sql.Tx, rec domain.RunRecord) error {
	const q = `UPDATE runs SET
		status = ?,
		current_stage = ?,
		failed_stage = ?,
		reason = ?,
		fatal = ?,
		error_message = ?,
		state_version = state_version + 1,
		last_event_seq = ?,
		updated_at_unix = ?
	WHERE run_id = ? AND state_version = ?`

	res, err := tx.ExecContext(ctx, q,
		string(rec.Status),
		rec.CurrentStage,
		rec.FailedStage,
		string(rec.Reason),
		boolInt(rec.Fatal),
		rec.ErrorMessage,
		rec.LastEventSeq,
		rec.UpdatedAtUnix,
		rec.RunID,
		rec.StateVersion,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrOptimisticLock
	}
	return nil
}

// GetByID retrieves a run by its ID.
func (r *RunRepo) GetByID(ctx context.Context, db *sql.DB, runID string) (*domain.RunRecord, error) {
	return getRun(ctx, db, runID)
}

func getRun(ctx context.Context, q querier, runID string) (*domain.RunRecord, error) {
	row := q.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID)
	rec, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrRunNotFound
		}
		return nil, fmt.Errorf("get run: %w", err)
	}
	return rec, nil
}

// List returns the most recent runs, newest first. An empty status lists all.
func (r *RunRepo) List(ctx context.Context, db *sql.DB, status domain.RunStatus, limit int) ([]domain.RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + runColumns + ` FROM runs`
	args := []any{}
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, string(status))
	}
	q += ` ORDER BY started_at_unix DESC, run_id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []domain.RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *rec)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*domain.RunRecord, error) {
	var rec domain.RunRecord
	var kind, target, status, reason string
	var fatal int
	err := s.Scan(&rec.RunID, &kind, &target, &status, &rec.CurrentStage, &rec.FailedStage,
		&reason, &fatal, &rec.ErrorMessage, &rec.StateVersion, &rec.LastEventSeq,
		&rec.StartedAtUnix, &rec.UpdatedAtUnix)
	if err != nil {
		return nil, err
	}
	rec.Kind = domain.RunKind(kind)
	rec.Status = domain.RunStatus(status)
	rec.Reason = domain.FailureReason(reason)
	rec.Fatal = fatal != 0
	if err := json.Unmarshal([]byte(target), &rec.Target); err != nil {
		return nil, fmt.Errorf("decode target: %w", err)
	}
	return &rec, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
