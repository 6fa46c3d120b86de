package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rogers-f/steward/internal/domain"
)

// PublishRepo handles persistence for the publish idempotency ledger.
type PublishRepo struct{}

// InsertPending records the intent to publish under rec.Key. An existing
// entry for the key is left untouched.
func (r *PublishRepo) InsertPending(ctx context.Context, db *sql.DB, rec domain.PublishRecord) error {
	const q = `INSERT INTO publish_records (idem_key, run_id, kind, target, status, payload_hash, url, number, created_at, updated_at)
VALUES (?, ?, ?, ?, 'pending', ?, '', 0, ?, ?)
ON CONFLICT(idem_key) DO UPDATE SET
	run_id = excluded.run_id,
	payload_hash = excluded.payload_hash,
	updated_at = excluded.updated_at
WHERE publish_records.status = 'pending'`

	_, err := db.ExecContext(ctx, q,
		rec.Key,
		rec.RunID,
		string(rec.Kind),
		rec.Target,
		rec.PayloadHash,
		rec.CreatedAt,
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert publish record: %w", err)
	}
	return nil
}

// Get returns the ledger entry for key, or nil if there is none.
func (r *PublishRepo) Get(ctx context.Context, db *sql.DB, key string) (*domain.PublishRecord, error) {
	const q = `SELECT idem_key, run_id, kind, target, status, payload_hash, url, number, created_at, updated_at
FROM publish_records WHERE idem_key = ?`

	var p domain.PublishRecord
	var kind string
	err := db.QueryRowContext(ctx, q, key).Scan(&p.Key, &p.RunID, &kind, &p.Target, &p.Status,
		&p.PayloadHash, &p.URL, &p.Number, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get publish record: %w", err)
	}
	p.Kind = domain.PublishKind(kind)
	return &p, nil
}

// MarkDone completes a ledger entry with the URL and number of the created object.
func (r *PublishRepo) MarkDone(ctx context.Context, db *sql.DB, key, url string, number int, now int64) error {
	const q = `UPDATE publish_records SET status = 'done', url = ?, number = ?, updated_at = ? WHERE idem_key = ?`
	res, err := db.ExecContext(ctx, q, url, number, now, key)
	if err != nil {
		return fmt.Errorf("mark publish done: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrPublishNotFound
	}
	return nil
}

// ListByRun returns the publish records written by a run.
func (r *PublishRepo) ListByRun(ctx context.Context, db *sql.DB, runID string) ([]domain.PublishRecord, error) {
	const q = `SELECT idem_key, run_id, kind, target, status, payload_hash, url, number, created_at, updated_at
FROM publish_records WHERE run_id = ? ORDER BY created_at ASC, idem_key ASC`

	rows, err := db.QueryContext(ctx, q, runID)
	if err != nil {
		return nil, fmt.Errorf("list publish records: %w", err)
	}
	defer rows.Close()

	var out []domain.PublishRecord
	for rows.Next() {
		var p domain.PublishRecord
		var kind string
		if err := rows.Scan(&p.Key, &p.RunID, &kind, &p.Target, &p.Status,
			&p.PayloadHash, &p.URL, &p.Number, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan publish record: %w", err)
		}
		p.Kind = domain.PublishKind(kind)
		out = append(out, p)
	}
	return out, rows.Err()
}

// PublishLedger binds PublishRepo to a database for the publish stage.
type PublishLedger struct {
	DB   *sql.DB
	Repo *PublishRepo
	Now  func() time.Time
}

// NewPublishLedger creates a ledger over db.
func NewPublishLedger(db *sql.DB) *PublishLedger {
	return &PublishLedger{DB: db, Repo: &PublishRepo{}, Now: time.Now}
}

// Lookup returns the entry for key, or nil.
func (l *PublishLedger) Lookup(ctx context.Context, key string) (*domain.PublishRecord, error) {
	return l.Repo.Get(ctx, l.DB, key)
}

// Begin records a pending publish.
func (l *PublishLedger) Begin(ctx context.Context, rec domain.PublishRecord) error {
	if rec.CreatedAt == 0 {
		rec.CreatedAt = l.Now().Unix()
	}
	return l.Repo.InsertPending(ctx, l.DB, rec)
}

// Complete marks key as published.
func (l *PublishLedger) Complete(ctx context.Context, key, url string, number int) error {
	return l.Repo.MarkDone(ctx, l.DB, key, url, number, l.Now().Unix())
}
