package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/rogers-f/steward/internal/domain"
	"github.com/rogers-f/steward/internal/retry"
)

// Failure describes why a run stopped.
type Failure struct {
	Stage  string
	Cause  error
	Fatal  bool
	Reason domain.FailureReason
}

// Error implements the error interface.
func (f *Failure) Error() string {
	stage := f.Stage
	if stage == "" {
		stage = "<pipeline>"
	}
	return fmt.Sprintf("stage %s failed (%s): %v", stage, f.Reason, f.Cause)
}

// Unwrap returns the stage error.
func (f *Failure) Unwrap() error { return f.Cause }

// Result is the outcome of a run. Exactly one of Context (on success) and
// Failure is meaningful.
type Result struct {
	RunID   string
	Kind    domain.RunKind
	Status  domain.RunStatus
	Context StageContext
	Failure *Failure
	Rounds  int
}

// Succeeded reports whether the run completed every stage.
func (r Result) Succeeded() bool { return r.Status == domain.StatusSucceeded }

// Err returns the failure as an error, or nil on success.
func (r Result) Err() error {
	if r.Failure == nil {
		return nil
	}
	return r.Failure
}

// classifyFailure decides whether a stage error is fatal and why the run
// stopped. Errors that never went through an executor are classified
// directly.
func classifyFailure(ctx context.Context, err error) (bool, domain.FailureReason) {
	if errors.Is(err, domain.ErrBudgetExceeded) {
		return true, domain.ReasonBudgetExceeded
	}
	var rerr *retry.Error
	if errors.As(err, &rerr) {
		switch {
		case rerr.Canceled:
			return true, domain.ReasonCanceled
		case rerr.Exhausted:
			return false, domain.ReasonRetriesExhausted
		default:
			return true, domain.ReasonFatal
		}
	}
	if errors.Is(err, context.Canceled) || (ctx.Err() != nil && errors.Is(err, ctx.Err())) {
		return true, domain.ReasonCanceled
	}
	if retry.Classify(err) == retry.Fatal {
		return true, domain.ReasonFatal
	}
	return false, domain.ReasonRetriesExhausted
}
