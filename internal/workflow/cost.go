package workflow

import (
	"context"
	"database/sql"
	"time"

	"github.com/rogers-f/steward/internal/domain"
	"github.com/rogers-f/steward/internal/store"
)

// BudgetGovernor enforces per-run spend limits over recorded agent usage.
type BudgetGovernor struct {
	DB        *sql.DB
	UsageRepo *store.UsageRepo

	// WarnRatio is the fraction of budget at which a warning is issued (default 0.8).
	WarnRatio float64
	// HaltRatio is the fraction of budget at which execution is halted (default 1.0).
	HaltRatio float64
}

// NewBudgetGovernor creates a governor with standard thresholds.
func NewBudgetGovernor(db *sql.DB) *BudgetGovernor {
	return &BudgetGovernor{
		DB:        db,
		UsageRepo: &store.UsageRepo{},
		WarnRatio: 0.8,
		HaltRatio: 1.0,
	}
}

// RecordUsage stores one agent call's usage and returns the resulting action.
func (g *BudgetGovernor) RecordUsage(ctx context.Context, runID string, u domain.Usage, capUSD float64) (domain.CostAction, error) {
	if u.CreatedAt == 0 {
		u.CreatedAt = time.Now().Unix()
	}
	if err := g.UsageRepo.Create(ctx, g.DB, runID, u); err != nil {
		return domain.CostContinue, err
	}
	action, _, err := g.CheckBudget(ctx, runID, capUSD)
	return action, err
}

// CheckBudget evaluates the run's spend without modifying it.
func (g *BudgetGovernor) CheckBudget(ctx context.Context, runID string, capUSD float64) (domain.CostAction, float64, error) {
	used, err := g.UsageRepo.TotalUSD(ctx, g.DB, runID)
	if err != nil {
		return domain.CostContinue, 0, err
	}
	return g.evaluate(used, capUSD), used, nil
}

func (g *BudgetGovernor) evaluate(used, cap float64) domain.CostAction {
	if cap <= 0 {
		return domain.CostContinue
	}
	ratio := used / cap
	if ratio >= g.HaltRatio {
		return domain.CostHalt
	}
	if ratio >= g.WarnRatio {
		return domain.CostWarn
	}
	return domain.CostContinue
}
