package retry

import (
	"context"
	"log/slog"
	"time"
)

// Attempt describes one invocation of a retried call.
type Attempt struct {
	Category string
	Index    int
	Delay    time.Duration
	Prior    Classification
	HasPrior bool
}

// Observer receives executor lifecycle callbacks. Implementations must not
// block and must be safe for concurrent use.
type Observer interface {
	OnAttempt(ctx context.Context, a Attempt)
	OnRetry(ctx context.Context, a Attempt, err error)
	OnGiveUp(ctx context.Context, err *Error)
}

// LogObserver writes executor events to a structured logger.
type LogObserver struct {
	Logger *slog.Logger
}

// OnAttempt logs attempts after the first at debug level.
func (o LogObserver) OnAttempt(ctx context.Context, a Attempt) {
	if a.Index == 0 {
		return
	}
	o.Logger.DebugContext(ctx, "retrying call",
		"category", a.Category,
		"attempt", a.Index+1,
		"prior", a.Prior.String(),
	)
}

// OnRetry logs the failure and the chosen delay.
func (o LogObserver) OnRetry(ctx context.Context, a Attempt, err error) {
	o.Logger.WarnContext(ctx, "call failed, backing off",
		"category", a.Category,
		"attempt", a.Index+1,
		"classification", a.Prior.String(),
		"delay", a.Delay,
		"error", err,
	)
}

// OnGiveUp logs the terminal failure.
func (o LogObserver) OnGiveUp(ctx context.Context, err *Error) {
	o.Logger.ErrorContext(ctx, "call gave up",
		"category", err.Category,
		"attempts", err.Attempts,
		"exhausted", err.Exhausted,
		"canceled", err.Canceled,
		"error", err.Err,
	)
}
