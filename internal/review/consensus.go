package review

import "github.com/rogers-f/steward/internal/domain"

// ConsensusEngine aggregates multiple ScoreCards into a single ConsensusResult
// using weighted averaging.
type ConsensusEngine struct {
	Weights   map[string]float64
	Validator *SchemaValidator
	Blockers  *BlockerChecker
}

// DefaultWeights weighs the dedicated validator above a general reviewer.
func DefaultWeights() map[string]float64 {
	return map[string]float64{
		"validator": 0.6,
		"reviewer":  0.4,
	}
}

// NewConsensusEngine creates a ConsensusEngine with the given weight map.
func NewConsensusEngine(weights map[string]float64) *ConsensusEngine {
	return &ConsensusEngine{
		Weights:   weights,
		Validator: &SchemaValidator{},
		Blockers:  &BlockerChecker{},
	}
}

// Evaluate computes a weighted consensus from the provided score cards. A
// blocking condition forces the final verdict to fail.
func (e *ConsensusEngine) Evaluate(cards []domain.ScoreCard) (*domain.ConsensusResult, error) {
	if len(cards) == 0 {
		return nil, domain.ErrConsensusNoCards
	}

	for _, card := range cards {
		if err := e.Validator.Validate(card); err != nil {
			return nil, err
		}
	}

	var weightedSum, totalWeight float64
	for _, card := range cards {
		avg := float64(card.Scores.Correctness+card.Scores.Security+
			card.Scores.Maintainability+card.Scores.Scope+
			card.Scores.Testing) / 5.0

		weight := 1.0
		if w, ok := e.Weights[card.Reviewer]; ok {
			weight = w
		}
		weightedSum += avg * weight
		totalWeight += weight
	}

	finalScore := weightedSum / totalWeight

	var verdict string
	switch {
	case finalScore >= 4.0:
		verdict = domain.VerdictPass
	case finalScore >= 3.0:
		verdict = domain.VerdictConditionalPass
	default:
		verdict = domain.VerdictFail
	}

	res := &domain.ConsensusResult{
		WeightedScore: finalScore,
		FinalVerdict:  verdict,
	}
	if e.Blockers != nil {
		res.Blocking, res.BlockReasons = e.Blockers.Check(cards)
		if res.Blocking {
			res.FinalVerdict = domain.VerdictFail
		}
	}
	return res, nil
}

// Accepted reports whether a consensus lets a fix be published.
func Accepted(res *domain.ConsensusResult) bool {
	return res != nil && !res.Blocking && res.FinalVerdict != domain.VerdictFail
}
