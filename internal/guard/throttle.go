package guard

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/rogers-f/steward/internal/agent"
	"github.com/rogers-f/steward/internal/retry"
)

// ThrottledClient limits how often an agent backend is called. Waiting for a
// token is bounded by MaxWait; a call that cannot get one is RateLimited so the
// executor backs off.
type ThrottledClient struct {
	agent.Client
	Limiter *rate.Limiter
	MaxWait time.Duration
}

// Throttle wraps c with a limiter of perMinute calls. perMinute <= 0 returns c
// unchanged.
func Throttle(c agent.Client, perMinute int, burst int) agent.Client {
	if perMinute <= 0 {
		return c
	}
	if burst <= 0 {
		burst = 1
	}
	return &ThrottledClient{
		Client:  c,
		Limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), burst),
		MaxWait: 2 * time.Minute,
	}
}

// Invoke waits for a token, then calls the wrapped client.
func (t *ThrottledClient) Invoke(ctx context.Context, prompt string, in agent.Context) (agent.Response, error) {
	waitCtx := ctx
	if t.MaxWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, t.MaxWait)
		defer cancel()
	}
	if err := t.Limiter.Wait(waitCtx); err != nil {
		return agent.Response{}, retry.Mark(retry.RateLimited,
			fmt.Errorf("agent %s: client-side rate limit: %w", t.Role(), err))
	}
	return t.Client.Invoke(ctx, prompt, in)
}
