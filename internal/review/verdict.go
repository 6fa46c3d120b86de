package review

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/rogers-f/steward/internal/domain"
)

var jsonFence = regexp.MustCompile("(?s)```(?:json)?\\s*\\n(\\{.*?\\})\\s*```")

// rawVerdict accepts both the score card shape and the shorter validation
// shape (addresses_root_cause, gaps, risks, confidence_level).
type rawVerdict struct {
	domain.ScoreCard

	AddressesRootCause string   `json:"addresses_root_cause"`
	Gaps               string   `json:"gaps"`
	Risks              string   `json:"risks"`
	TestingAdvice      []string `json:"testing_recommendations"`
	Confidence         string   `json:"confidence_level"`
}

// ParseVerdict extracts the reviewer's verdict from an agent reply. The reply
// may wrap the JSON object in prose or a code fence.
func ParseVerdict(text, reviewer string) (domain.ScoreCard, error) {
	doc, ok := extractJSON(text)
	if !ok {
		return domain.ScoreCard{}, domain.WrapEngineError(domain.ErrInvalidVerdict.Code,
			"no JSON object in reviewer reply", nil)
	}

	var raw rawVerdict
	if err := json.Unmarshal([]byte(doc), &raw); err != nil {
		return domain.ScoreCard{}, domain.WrapEngineError(domain.ErrInvalidVerdict.Code,
			fmt.Sprintf("decode reviewer verdict: %v", err), err)
	}

	card := raw.ScoreCard
	if card.Verdict == "" && raw.AddressesRootCause != "" {
		card = fromValidation(raw)
	}
	card.Verdict = strings.ToLower(strings.TrimSpace(card.Verdict))
	if card.Reviewer == "" {
		card.Reviewer = reviewer
	}
	if card.Verdict == "" {
		return domain.ScoreCard{}, domain.WrapEngineError(domain.ErrInvalidVerdict.Code,
			"reviewer reply has no verdict", nil)
	}
	return card, nil
}

func fromValidation(raw rawVerdict) domain.ScoreCard {
	confidence := strings.ToLower(strings.TrimSpace(raw.Confidence))
	addresses := strings.HasPrefix(strings.ToLower(strings.TrimSpace(raw.AddressesRootCause)), "y")

	correctness := 2
	verdict := domain.VerdictFail
	if addresses {
		switch confidence {
		case "high":
			correctness, verdict = 5, domain.VerdictPass
		case "medium":
			correctness, verdict = 4, domain.VerdictConditionalPass
		default:
			correctness, verdict = 3, domain.VerdictConditionalPass
		}
	}
	testing := 3
	if len(raw.TestingAdvice) > 0 {
		testing = 2
	}

	card := domain.ScoreCard{
		Scores: domain.Scores{
			Correctness:     correctness,
			Security:        4,
			Maintainability: 4,
			Scope:           4,
			Testing:         testing,
		},
		Verdict: verdict,
		Summary: raw.AddressesRootCause,
	}
	if g := strings.TrimSpace(raw.Gaps); g != "" && !strings.EqualFold(g, "none") {
		card.Findings = append(card.Findings, domain.Finding{Severity: SeverityMedium, Description: "gap: " + g})
	}
	if r := strings.TrimSpace(raw.Risks); r != "" && !strings.EqualFold(r, "none") {
		card.Findings = append(card.Findings, domain.Finding{Severity: SeverityMedium, Description: "risk: " + r})
	}
	for _, t := range raw.TestingAdvice {
		card.Findings = append(card.Findings, domain.Finding{Severity: SeverityLow, Description: "test: " + t})
	}
	return card
}

func extractJSON(text string) (string, bool) {
	if m := jsonFence.FindStringSubmatch(text); m != nil {
		return m[1], true
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return text[start : end+1], true
}

// Feedback renders the reasons a fix was rejected for the next generation round.
func Feedback(card domain.ScoreCard, res *domain.ConsensusResult, extra ...string) string {
	var b strings.Builder
	if res != nil {
		fmt.Fprintf(&b, "Review verdict: %s (score %.1f/5).\n", res.FinalVerdict, res.WeightedScore)
		for _, r := range res.BlockReasons {
			fmt.Fprintf(&b, "- blocker: %s\n", r)
		}
	}
	for _, f := range card.Findings {
		if f.Severity == SeverityLow {
			continue
		}
		loc := ""
		if f.Location != "" {
			loc = " (" + f.Location + ")"
		}
		fmt.Fprintf(&b, "- %s%s: %s\n", f.Severity, loc, f.Description)
		if f.Suggestion != "" {
			fmt.Fprintf(&b, "  suggestion: %s\n", f.Suggestion)
		}
	}
	for _, e := range extra {
		fmt.Fprintf(&b, "- %s\n", e)
	}
	if card.Summary != "" {
		fmt.Fprintf(&b, "Reviewer summary: %s\n", card.Summary)
	}
	return strings.TrimSpace(b.String())
}
