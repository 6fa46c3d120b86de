package retry

import (
	"context"
	"time"
)

// Operation is a single external call.
type Operation func(ctx context.Context) error

// SleepFunc waits for d or until ctx is done, whichever is first.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Executor runs operations under a Policy.
type Executor struct {
	classify  func(error) Classification
	scheduler *Scheduler
	sleep     SleepFunc
	observers []Observer
	detach    bool
}

// Option configures an Executor.
type Option func(*Executor)

// WithClassifier replaces the default Classify function.
func WithClassifier(f func(error) Classification) Option {
	return func(e *Executor) { e.classify = f }
}

// WithScheduler sets the backoff scheduler.
func WithScheduler(s *Scheduler) Option {
	return func(e *Executor) { e.scheduler = s }
}

// WithSleep replaces the timer-based sleep, mainly for tests.
func WithSleep(f SleepFunc) Option {
	return func(e *Executor) { e.sleep = f }
}

// WithObserver adds an observer.
func WithObserver(o Observer) Option {
	return func(e *Executor) {
		if o != nil {
			e.observers = append(e.observers, o)
		}
	}
}

// WithDetachedCalls controls whether operations receive a context detached
// from cancellation. When set, an in-flight call runs to completion and
// cancellation is honoured at the next backoff.
func WithDetachedCalls(detach bool) Option {
	return func(e *Executor) { e.detach = detach }
}

// NewExecutor creates an executor. By default calls are detached from
// cancellation and jitter comes from math/rand.
func NewExecutor(opts ...Option) *Executor {
	e := &Executor{
		classify: Classify,
		sleep:    sleepWithContext,
		detach:   true,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.scheduler == nil {
		e.scheduler = NewScheduler(nil)
	}
	return e
}

// Do invokes op until it succeeds, fails fatally, or p.MaxAttempts calls
// have been made. The wait between attempts is the only suspension point
// and is aborted by ctx.
func (e *Executor) Do(ctx context.Context, p Policy, op Operation) error {
	if err := p.Validate(); err != nil {
		return err
	}
	callCtx := ctx
	if e.detach {
		callCtx = context.WithoutCancel(ctx)
	}

	var (
		prior    Classification
		hasPrior bool
	)
	for attempt := 0; ; attempt++ {
		e.onAttempt(ctx, Attempt{Category: p.Name, Index: attempt, Prior: prior, HasPrior: hasPrior})

		err := op(callCtx)
		if err == nil {
			return nil
		}

		class := e.classify(err)
		if class == Fatal {
			return e.giveUp(ctx, &Error{Category: p.Name, Class: Fatal, Attempts: attempt + 1, Err: err})
		}
		if attempt+1 >= p.MaxAttempts {
			return e.giveUp(ctx, &Error{Category: p.Name, Class: class, Attempts: attempt + 1, Exhausted: true, Err: err})
		}

		delay := e.scheduler.Delay(attempt, p, class)
		e.onRetry(ctx, Attempt{Category: p.Name, Index: attempt, Delay: delay, Prior: class, HasPrior: true}, err)

		if serr := e.sleep(ctx, delay); serr != nil {
			return e.giveUp(ctx, &Error{Category: p.Name, Class: class, Attempts: attempt + 1, Canceled: true, Err: serr})
		}
		prior, hasPrior = class, true
	}
}

// Call is the value-returning form of Do.
func Call[T any](ctx context.Context, e *Executor, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := e.Do(ctx, p, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

func (e *Executor) onAttempt(ctx context.Context, a Attempt) {
	for _, o := range e.observers {
		o.OnAttempt(ctx, a)
	}
}

func (e *Executor) onRetry(ctx context.Context, a Attempt, err error) {
	for _, o := range e.observers {
		o.OnRetry(ctx, a, err)
	}
}

func (e *Executor) giveUp(ctx context.Context, err *Error) error {
	for _, o := range e.observers {
		o.OnGiveUp(ctx, err)
	}
	return err
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
