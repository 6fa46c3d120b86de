package workflow

import (
	"context"
	"testing"

	"github.com/rogers-f/steward/internal/domain"
)

func TestCancellationGate(t *testing.T) {
	gate := CancellationGate{}
	cp := Checkpoint{RunID: "run-1", Stage: "gather"}

	decision, err := gate.Evaluate(context.Background(), cp)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !decision.Allow {
		t.Errorf("expected Allow=true, got blockers %v", decision.Blockers)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	decision, err = gate.Evaluate(ctx, cp)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if decision.Allow {
		t.Error("expected Allow=false after cancel")
	}
	if decision.Reason != domain.ReasonCanceled {
		t.Errorf("Reason = %q, want %q", decision.Reason, domain.ReasonCanceled)
	}
}

func TestBudgetGate_AllowsUnderBudget(t *testing.T) {
	gov := newTestGovernor(t)
	gate := &BudgetGate{Governor: gov, CapUSD: 10.0}
	ctx := context.Background()

	if _, err := gov.RecordUsage(ctx, "run-1", domain.Usage{AmountUSD: 2.0}, 10.0); err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}
	decision, err := gate.Evaluate(ctx, Checkpoint{RunID: "run-1", Stage: "publish"})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !decision.Allow {
		t.Errorf("expected Allow=true, got blockers %v", decision.Blockers)
	}
}

func TestBudgetGate_BlocksAtCap(t *testing.T) {
	gov := newTestGovernor(t)
	gate := &BudgetGate{Governor: gov, CapUSD: 10.0}
	ctx := context.Background()

	if _, err := gov.RecordUsage(ctx, "run-1", domain.Usage{AmountUSD: 10.0}, 10.0); err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}
	decision, err := gate.Evaluate(ctx, Checkpoint{RunID: "run-1", Stage: "publish"})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if decision.Allow {
		t.Error("expected Allow=false when budget exhausted")
	}
	if decision.Reason != domain.ReasonBudgetExceeded {
		t.Errorf("Reason = %q, want %q", decision.Reason, domain.ReasonBudgetExceeded)
	}
	if len(decision.Blockers) == 0 {
		t.Error("expected at least one blocker")
	}
}

func TestBudgetGate_ZeroCapNeverBlocks(t *testing.T) {
	gov := newTestGovernor(t)
	gate := &BudgetGate{Governor: gov}
	ctx := context.Background()

	if _, err := gov.RecordUsage(ctx, "run-1", domain.Usage{AmountUSD: 100.0}, 0); err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}
	decision, err := gate.Evaluate(ctx, Checkpoint{RunID: "run-1"})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !decision.Allow {
		t.Error("expected Allow=true with no cap")
	}
}
