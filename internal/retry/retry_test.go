package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedSleep struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordedSleep) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func fixedPolicy(attempts int, base, max time.Duration) Policy {
	return Policy{
		Name:              "test",
		MaxAttempts:       attempts,
		BaseDelay:         base,
		MaxDelay:          max,
		MinRateLimitDelay: 30 * time.Second,
	}
}

type statusErr int

func (s statusErr) Error() string   { return fmt.Sprintf("http status %d", int(s)) }
func (s statusErr) StatusCode() int { return int(s) }

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o deadline" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify_Table(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Classification
	}{
		{"marked fatal", Mark(Fatal, errors.New("connection reset")), Fatal},
		{"marked rate limited", Mark(RateLimited, errors.New("boom")), RateLimited},
		{"wrapped marked", fmt.Errorf("outer: %w", Mark(Retryable, errors.New("x"))), Retryable},
		{"status 429", statusErr(429), RateLimited},
		{"status 503", statusErr(503), Retryable},
		{"status 408", statusErr(408), Retryable},
		{"status 401", statusErr(401), Fatal},
		{"status 404", statusErr(404), Fatal},
		{"canceled", context.Canceled, Fatal},
		{"deadline", context.DeadlineExceeded, Retryable},
		{"unexpected eof", io.ErrUnexpectedEOF, Retryable},
		{"econnreset", fmt.Errorf("read: %w", syscall.ECONNRESET), Retryable},
		{"net timeout", timeoutErr{}, Retryable},
		{"op error", &net.OpError{Op: "dial", Err: errors.New("refused")}, Retryable},
		{"dns not found", &net.DNSError{Err: "no such host", Name: "api.github.com", IsNotFound: true}, Retryable},
		{"dns in op error", &net.OpError{Op: "dial", Net: "tcp", Err: &net.DNSError{Err: "no such host", Name: "api.github.com", IsNotFound: true}}, Retryable},
		{"wrapped dns", fmt.Errorf("get issues: %w", &net.OpError{Op: "dial", Net: "tcp", Err: &net.DNSError{Err: "no such host", IsNotFound: true}}), Retryable},
		{"rate limit text", errors.New("API rate limit exceeded for user"), RateLimited},
		{"too many requests", errors.New("Too Many Requests"), RateLimited},
		{"429 text", errors.New("status 429 from upstream"), RateLimited},
		{"quota", errors.New("Quota exceeded for project"), RateLimited},
		{"throttled", errors.New("request throttled"), RateLimited},
		{"secondary limit 403", errors.New("403 You have exceeded a secondary rate limit"), RateLimited},
		{"auth text", errors.New("401 Bad credentials"), Fatal},
		{"invalid key", errors.New("invalid api key provided"), Fatal},
		{"timeout text", errors.New("request timed out"), Retryable},
		{"bad gateway", errors.New("502 Bad Gateway"), Retryable},
		{"server error", errors.New("Internal Server Error"), Retryable},
		{"unknown", errors.New("malformed input"), Fatal},
		{"number inside token count", errors.New("prompt has 5000 tokens, limit is 4000"), Fatal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestMark_Nil(t *testing.T) {
	assert.NoError(t, Mark(Fatal, nil))
}

func TestPolicy_Validate(t *testing.T) {
	require.NoError(t, DefaultPolicy(CategoryLLM).Validate())
	require.NoError(t, DefaultPolicies().Validate())

	bad := []Policy{
		{Name: "zero attempts", MaxAttempts: 0, BaseDelay: time.Second, MaxDelay: time.Second},
		{Name: "zero base", MaxAttempts: 1, BaseDelay: 0, MaxDelay: time.Second},
		{Name: "max below base", MaxAttempts: 1, BaseDelay: 2 * time.Second, MaxDelay: time.Second},
		{Name: "negative floor", MaxAttempts: 1, BaseDelay: time.Second, MaxDelay: time.Second, MinRateLimitDelay: -1},
	}
	for _, p := range bad {
		assert.Error(t, p.Validate(), p.Name)
	}
}

func TestDefaultPolicy_Values(t *testing.T) {
	p := DefaultPolicy(CategoryVCSRead)
	assert.Equal(t, 4, p.MaxAttempts)
	assert.Equal(t, 2*time.Second, p.BaseDelay)
	assert.Equal(t, 120*time.Second, p.MaxDelay)
	assert.Equal(t, 30*time.Second, p.MinRateLimitDelay)
	assert.True(t, p.Jitter)
}

func TestScheduler_Exponential(t *testing.T) {
	s := NewScheduler(nil)
	p := fixedPolicy(10, time.Second, 10*time.Second)
	want := []time.Duration{1, 2, 4, 8, 10, 10}
	for i, w := range want {
		assert.Equal(t, w*time.Second, s.Delay(i, p, Retryable), "attempt %d", i)
	}
}

func TestScheduler_NeverExceedsMax(t *testing.T) {
	s := NewSeededScheduler(7)
	for _, jitter := range []bool{false, true} {
		p := fixedPolicy(10, 3*time.Millisecond, 7*time.Second)
		p.Jitter = jitter
		for attempt := 0; attempt < 200; attempt++ {
			d := s.Delay(attempt, p, Retryable)
			require.LessOrEqual(t, d, p.MaxDelay, "attempt %d jitter %v", attempt, jitter)
			require.GreaterOrEqual(t, d, time.Duration(0))
		}
	}
}

func TestScheduler_JitterUniform(t *testing.T) {
	s := NewSeededScheduler(42)
	p := fixedPolicy(10, time.Second, time.Minute)
	p.Jitter = true

	const n = 20000
	const buckets = 4
	ceiling := 4 * time.Second // attempt 2: 1s * 2^2
	counts := make([]int, buckets)
	var sum float64
	for i := 0; i < n; i++ {
		d := s.Delay(2, p, Retryable)
		require.GreaterOrEqual(t, d, time.Duration(0))
		require.LessOrEqual(t, d, ceiling)
		sum += float64(d)
		b := int(float64(d) / float64(ceiling) * buckets)
		if b == buckets {
			b--
		}
		counts[b]++
	}

	mean := sum / n
	assert.InDelta(t, float64(ceiling)/2, mean, float64(ceiling)*0.02)
	for i, c := range counts {
		assert.InDelta(t, n/buckets, c, n/buckets*0.1, "bucket %d", i)
	}
}

func TestScheduler_JitterUsesInjectedSource(t *testing.T) {
	s := NewScheduler(func() float64 { return 0.25 })
	p := fixedPolicy(5, time.Second, time.Minute)
	p.Jitter = true
	assert.Equal(t, 2*time.Second, s.Delay(3, p, Retryable))
}

func TestScheduler_RateLimitFloor(t *testing.T) {
	s := NewScheduler(func() float64 { return 0 })
	p := fixedPolicy(5, 2*time.Second, 120*time.Second)
	p.Jitter = true

	assert.Equal(t, time.Duration(0), s.Delay(0, p, Retryable))
	assert.Equal(t, 30*time.Second, s.Delay(0, p, RateLimited))

	p.Jitter = false
	assert.Equal(t, 64*time.Second, s.Delay(5, p, RateLimited))
}

func TestExecutor_SucceedsAfterTransientFailures(t *testing.T) {
	rec := &recordedSleep{}
	e := NewExecutor(WithSleep(rec.sleep))
	p := fixedPolicy(4, time.Second, 10*time.Second)

	calls := 0
	err := e.Do(context.Background(), p, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection reset by peer")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, rec.delays)
}

func TestExecutor_FatalStopsAfterOneCall(t *testing.T) {
	rec := &recordedSleep{}
	e := NewExecutor(WithSleep(rec.sleep))
	p := fixedPolicy(5, time.Second, 10*time.Second)

	calls := 0
	err := e.Do(context.Background(), p, func(context.Context) error {
		calls++
		return errors.New("401 Unauthorized: authentication failed")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, rec.delays)
	assert.ErrorIs(t, err, ErrFatal)
	assert.NotErrorIs(t, err, ErrExhausted)

	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, Fatal, rerr.Class)
	assert.Equal(t, 1, rerr.Attempts)
}

func TestExecutor_ExhaustsAtMaxAttempts(t *testing.T) {
	for _, max := range []int{1, 2, 4, 7} {
		rec := &recordedSleep{}
		e := NewExecutor(WithSleep(rec.sleep))
		p := fixedPolicy(max, time.Millisecond, time.Second)

		calls := 0
		err := e.Do(context.Background(), p, func(context.Context) error {
			calls++
			return Mark(Retryable, errors.New("flaky"))
		})

		require.Error(t, err)
		assert.Equal(t, max, calls, "max attempts %d", max)
		assert.Len(t, rec.delays, max-1)
		assert.ErrorIs(t, err, ErrExhausted)

		var rerr *Error
		require.ErrorAs(t, err, &rerr)
		assert.True(t, rerr.Exhausted)
		assert.Equal(t, max, rerr.Attempts)
		assert.Equal(t, Retryable, rerr.Class)
	}
}

func TestExecutor_RateLimitedWaitsFloor(t *testing.T) {
	rec := &recordedSleep{}
	e := NewExecutor(WithSleep(rec.sleep), WithScheduler(NewSeededScheduler(1)))
	p := DefaultPolicy(CategoryVCSWrite)

	calls := 0
	err := e.Do(context.Background(), p, func(context.Context) error {
		calls++
		if calls == 1 {
			return errors.New("403 API rate limit exceeded")
		}
		return nil
	})

	require.NoError(t, err)
	require.Len(t, rec.delays, 1)
	assert.GreaterOrEqual(t, rec.delays[0], 30*time.Second)
	assert.NotEqual(t, 2*time.Second, rec.delays[0])
}

func TestExecutor_CanceledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	e := NewExecutor(WithSleep(func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}))
	p := fixedPolicy(5, time.Second, time.Minute)

	calls := 0
	err := e.Do(ctx, p, func(context.Context) error {
		calls++
		return errors.New("service unavailable")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, ErrCanceled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, IsFatal(err))
}

func TestExecutor_RealSleepAbortsOnCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	e := NewExecutor()
	p := fixedPolicy(3, time.Hour, time.Hour)

	start := time.Now()
	err := e.Do(ctx, p, func(context.Context) error { return errors.New("timeout") })
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestExecutor_DetachedCallContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	e := NewExecutor(WithSleep(func(context.Context, time.Duration) error { return nil }))
	p := fixedPolicy(1, time.Second, time.Second)

	err := e.Do(ctx, p, func(callCtx context.Context) error {
		cancel()
		return callCtx.Err()
	})
	assert.NoError(t, err)
}

func TestExecutor_InvalidPolicy(t *testing.T) {
	e := NewExecutor()
	calls := 0
	err := e.Do(context.Background(), Policy{Name: "bad"}, func(context.Context) error {
		calls++
		return nil
	})
	require.Error(t, err)
	assert.Zero(t, calls)
}

func TestCall_ReturnsValue(t *testing.T) {
	e := NewExecutor(WithSleep(func(context.Context, time.Duration) error { return nil }))
	p := fixedPolicy(3, time.Millisecond, time.Millisecond)

	calls := 0
	v, err := Call(context.Background(), e, p, func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "partial", errors.New("502 bad gateway")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)

	v, err = Call(context.Background(), e, p, func(context.Context) (string, error) {
		return "ignored", errors.New("permission denied")
	})
	require.Error(t, err)
	assert.Empty(t, v)
}

type countingObserver struct {
	attempts, retries, giveUps int
	last                       *Error
}

func (c *countingObserver) OnAttempt(context.Context, Attempt)        { c.attempts++ }
func (c *countingObserver) OnRetry(context.Context, Attempt, error)   { c.retries++ }
func (c *countingObserver) OnGiveUp(_ context.Context, err *Error)    { c.giveUps++; c.last = err }

func TestExecutor_NotifiesObservers(t *testing.T) {
	obs := &countingObserver{}
	e := NewExecutor(
		WithSleep(func(context.Context, time.Duration) error { return nil }),
		WithObserver(obs),
	)
	p := fixedPolicy(3, time.Millisecond, time.Millisecond)

	_ = e.Do(context.Background(), p, func(context.Context) error { return errors.New("timeout") })

	assert.Equal(t, 3, obs.attempts)
	assert.Equal(t, 2, obs.retries)
	assert.Equal(t, 1, obs.giveUps)
	require.NotNil(t, obs.last)
	assert.True(t, obs.last.Exhausted)
}
