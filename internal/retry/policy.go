package retry

import (
	"fmt"
	"strings"
	"time"

	"github.com/rogers-f/steward/internal/domain"
)

// Call categories with their own policy.
const (
	CategoryLLM      = "llm"
	CategoryVCSRead  = "vcs_read"
	CategoryVCSWrite = "vcs_write"
)

// Policy controls how many times a call is attempted and how long to wait
// between attempts. Policies are values and are never mutated after Validate.
type Policy struct {
	Name              string        `yaml:"-" json:"name"`
	MaxAttempts       int           `yaml:"max_attempts" json:"max_attempts"`
	BaseDelay         time.Duration `yaml:"base_delay" json:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay" json:"max_delay"`
	MinRateLimitDelay time.Duration `yaml:"min_rate_limit_delay" json:"min_rate_limit_delay"`
	Jitter            bool          `yaml:"jitter" json:"jitter"`
}

// Validate checks the policy invariants.
func (p Policy) Validate() error {
	var problems []string
	if p.MaxAttempts < 1 {
		problems = append(problems, fmt.Sprintf("max_attempts must be >= 1, got %d", p.MaxAttempts))
	}
	if p.BaseDelay <= 0 {
		problems = append(problems, fmt.Sprintf("base_delay must be > 0, got %s", p.BaseDelay))
	}
	if p.MaxDelay < p.BaseDelay {
		problems = append(problems, fmt.Sprintf("max_delay %s must be >= base_delay %s", p.MaxDelay, p.BaseDelay))
	}
	if p.MinRateLimitDelay < 0 {
		problems = append(problems, fmt.Sprintf("min_rate_limit_delay must be >= 0, got %s", p.MinRateLimitDelay))
	}
	if len(problems) > 0 {
		return domain.WrapEngineError(domain.ErrConfigInvalid.Code,
			fmt.Sprintf("retry policy %q: %s", p.Name, strings.Join(problems, "; ")), nil)
	}
	return nil
}

// DefaultPolicy returns the built-in policy for a call category: four
// attempts, 2s base, 2m cap, jitter on and a 30s floor for rate limits.
func DefaultPolicy(category string) Policy {
	return Policy{
		Name:              category,
		MaxAttempts:       4,
		BaseDelay:         2 * time.Second,
		MaxDelay:          120 * time.Second,
		MinRateLimitDelay: 30 * time.Second,
		Jitter:            true,
	}
}

// Policies holds one policy per call category.
type Policies struct {
	LLM      Policy `yaml:"llm" json:"llm"`
	VCSRead  Policy `yaml:"vcs_read" json:"vcs_read"`
	VCSWrite Policy `yaml:"vcs_write" json:"vcs_write"`
}

// DefaultPolicies returns the built-in policy set.
func DefaultPolicies() Policies {
	return Policies{
		LLM:      DefaultPolicy(CategoryLLM),
		VCSRead:  DefaultPolicy(CategoryVCSRead),
		VCSWrite: DefaultPolicy(CategoryVCSWrite),
	}
}

// Validate validates every policy in the set.
func (ps Policies) Validate() error {
	for _, p := range []Policy{ps.LLM, ps.VCSRead, ps.VCSWrite} {
		if err := p.Validate(); err != nil {
			return err
		}
	}
	return nil
}
