// Package review judges generated fixes: it validates and aggregates the
// score cards a validator agent returns, and checks that a generated patch is
// a well-formed unified diff.
package review

import (
	"fmt"
	"strings"

	"github.com/rogers-f/steward/internal/domain"
)

// SchemaValidator validates ScoreCard fields against the review schema.
type SchemaValidator struct{}

var validVerdicts = map[string]bool{
	domain.VerdictPass:            true,
	domain.VerdictConditionalPass: true,
	domain.VerdictFail:            true,
}

// Finding severities, most severe first.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

var validSeverities = map[string]bool{
	SeverityCritical: true,
	SeverityHigh:     true,
	SeverityMedium:   true,
	SeverityLow:      true,
}

// Validate checks all fields of the given ScoreCard and returns an error
// listing all violations if any are found.
func (v *SchemaValidator) Validate(card domain.ScoreCard) error {
	var violations []string

	if card.Reviewer == "" {
		violations = append(violations, "reviewer must be non-empty")
	}
	if !validVerdicts[card.Verdict] {
		violations = append(violations, fmt.Sprintf("verdict %q is not valid; must be pass, conditional_pass, or fail", card.Verdict))
	}

	type scoreEntry struct {
		name  string
		value int
	}
	scores := []scoreEntry{
		{"correctness", card.Scores.Correctness},
		{"security", card.Scores.Security},
		{"maintainability", card.Scores.Maintainability},
		{"scope", card.Scores.Scope},
		{"testing", card.Scores.Testing},
	}
	for _, s := range scores {
		if s.value < 1 || s.value > 5 {
			violations = append(violations, fmt.Sprintf("%s score %d out of range [1, 5]", s.name, s.value))
		}
	}

	for i, f := range card.Findings {
		if !validSeverities[f.Severity] {
			violations = append(violations, fmt.Sprintf("finding[%d] severity %q is not valid; must be critical, high, medium, or low", i, f.Severity))
		}
	}

	if len(violations) > 0 {
		msg := strings.Join(violations, "; ")
		return domain.NewEngineError(domain.ErrScoreCardInvalid.Code, msg)
	}
	return nil
}
