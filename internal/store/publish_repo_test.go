package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rogers-f/steward/internal/domain"
)

func TestPublishLedger_Lifecycle(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	ledger := NewPublishLedger(db)
	ledger.Now = func() time.Time { return time.Unix(500, 0) }

	got, err := ledger.Lookup(ctx, "k1")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got != nil {
		t.Fatalf("Lookup before Begin = %+v, want nil", got)
	}

	rec := domain.PublishRecord{Key: "k1", RunID: "run-1", Kind: domain.PublishIssue, Target: "octo/repo", PayloadHash: "h"}
	if err := ledger.Begin(ctx, rec); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	got, err = ledger.Lookup(ctx, "k1")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got.Status != domain.PublishPending || got.CreatedAt != 500 {
		t.Errorf("after Begin = %+v, want pending at 500", got)
	}

	if err := ledger.Complete(ctx, "k1", "https://x/1", 1); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	got, err = ledger.Lookup(ctx, "k1")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got.Status != domain.PublishDone || got.URL != "https://x/1" || got.Number != 1 {
		t.Errorf("after Complete = %+v, want done with url and number", got)
	}
}

func TestPublishLedger_BeginDoesNotReopenDone(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	ledger := NewPublishLedger(db)

	rec := domain.PublishRecord{Key: "k2", RunID: "run-1", Kind: domain.PublishComment}
	if err := ledger.Begin(ctx, rec); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := ledger.Complete(ctx, "k2", "u", 7); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	rec.RunID = "run-2"
	if err := ledger.Begin(ctx, rec); err != nil {
		t.Fatalf("second Begin: %v", err)
	}
	got, err := ledger.Lookup(ctx, "k2")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got.Status != domain.PublishDone || got.RunID != "run-1" {
		t.Errorf("record = %+v, want untouched done record of run-1", got)
	}
}

func TestPublishLedger_CompleteUnknown(t *testing.T) {
	db := openTestDB(t)
	err := NewPublishLedger(db).Complete(context.Background(), "nope", "u", 1)
	if !errors.Is(err, domain.ErrPublishNotFound) {
		t.Errorf("err = %v, want ErrPublishNotFound", err)
	}
}

func TestPublishRepo_ListByRun(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	ledger := NewPublishLedger(db)
	for _, k := range []string{"a", "b"} {
		if err := ledger.Begin(ctx, domain.PublishRecord{Key: k, RunID: "run-9", Kind: domain.PublishPullRequest}); err != nil {
			t.Fatalf("Begin %s: %v", k, err)
		}
	}

	got, err := (&PublishRepo{}).ListByRun(ctx, db, "run-9")
	if err != nil {
		t.Fatalf("ListByRun: %v", err)
	}
	if len(got) != 2 || got[0].Kind != domain.PublishPullRequest {
		t.Errorf("ListByRun = %+v, want 2 pull request records", got)
	}
}
