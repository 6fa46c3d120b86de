// Package workflow sequences the stages of a maintenance run: validate
// preconditions, gather context, invoke agents, reconcile, publish.
package workflow

import (
	"context"
	"fmt"

	"github.com/rogers-f/steward/internal/domain"
)

// Checkpoint identifies the point between stages at which gates run.
type Checkpoint struct {
	RunID string
	Kind  domain.RunKind
	Stage string
	Index int
	Round int
}

// GateDecision is the outcome of a gate evaluation.
type GateDecision struct {
	Allow    bool
	Blockers []string
	Reason   domain.FailureReason
}

// Gate evaluates whether a run may enter its next stage.
type Gate interface {
	Name() string
	Evaluate(ctx context.Context, cp Checkpoint) (GateDecision, error)
}

// CancellationGate blocks once the run's context is done.
type CancellationGate struct{}

// Name returns the gate name.
func (CancellationGate) Name() string { return "cancellation" }

// Evaluate checks the context.
func (CancellationGate) Evaluate(ctx context.Context, cp Checkpoint) (GateDecision, error) {
	if err := ctx.Err(); err != nil {
		return GateDecision{
			Allow:    false,
			Blockers: []string{fmt.Sprintf("run canceled before %s: %v", cp.Stage, err)},
			Reason:   domain.ReasonCanceled,
		}, nil
	}
	return GateDecision{Allow: true}, nil
}

// BudgetGate blocks a run whose recorded agent spend reached its cap.
type BudgetGate struct {
	Governor *BudgetGovernor
	CapUSD   float64
}

// Name returns the gate name.
func (g *BudgetGate) Name() string { return "budget" }

// Evaluate checks the run's spend against the cap.
func (g *BudgetGate) Evaluate(ctx context.Context, cp Checkpoint) (GateDecision, error) {
	action, used, err := g.Governor.CheckBudget(ctx, cp.RunID, g.CapUSD)
	if err != nil {
		return GateDecision{}, err
	}
	if action == domain.CostHalt {
		return GateDecision{
			Allow:    false,
			Blockers: []string{fmt.Sprintf("budget limit exceeded: used $%.4f of $%.4f", used, g.CapUSD)},
			Reason:   domain.ReasonBudgetExceeded,
		}, nil
	}
	return GateDecision{Allow: true}, nil
}
