package review

import (
	"fmt"

	"github.com/rogers-f/steward/internal/domain"
)

// BlockerChecker inspects score cards for conditions that stop a fix from
// being published regardless of its average score.
type BlockerChecker struct{}

// Check examines all cards for critically low scores, critical findings and
// explicit fail verdicts. It returns whether any blocking condition was found
// and the list of reasons.
func (c *BlockerChecker) Check(cards []domain.ScoreCard) (blocking bool, reasons []string) {
	for _, card := range cards {
		if card.Scores.Correctness <= 2 {
			reasons = append(reasons, fmt.Sprintf(
				"%s: correctness score %d is critically low",
				card.Reviewer, card.Scores.Correctness))
		}
		if card.Scores.Security <= 2 {
			reasons = append(reasons, fmt.Sprintf(
				"%s: security score %d is critically low",
				card.Reviewer, card.Scores.Security))
		}
		if card.Verdict == domain.VerdictFail {
			reasons = append(reasons, fmt.Sprintf("%s: verdict is fail", card.Reviewer))
		}
		for _, f := range card.Findings {
			if f.Severity == SeverityCritical {
				reasons = append(reasons, fmt.Sprintf(
					"%s: critical finding at %s: %s",
					card.Reviewer, f.Location, f.Description))
			}
		}
	}
	return len(reasons) > 0, reasons
}
