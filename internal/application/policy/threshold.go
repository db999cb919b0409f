package policy

import (
	"fmt"

	"github.com/Knetic/govaluate"
)

// DefaultThresholdExpression approves once supporting power covers the
// guaranteed amount.
const DefaultThresholdExpression = "votes_for >= guarantee_amount"

// CompileThreshold turns a quorum expression into a vote threshold
// predicate. The expression sees votes_for, votes_against, total_staked and
// guarantee_amount and must evaluate to a boolean.
//
// Evaluation errors fail closed: a broken expression never approves.
func CompileThreshold(expression string) (func(votesFor, votesAgainst, totalStaked, guaranteeAmount uint64) bool, error) {
	if expression == "" {
		expression = DefaultThresholdExpression
	}
	expr, err := govaluate.NewEvaluableExpression(expression)
	if err != nil {
		return nil, fmt.Errorf("invalid threshold expression %q: %w", expression, err)
	}

	// Reject expressions over unknown variables up front instead of at
	// every vote.
	known := map[string]struct{}{
		"votes_for": {}, "votes_against": {}, "total_staked": {}, "guarantee_amount": {},
	}
	for _, v := range expr.Vars() {
		if _, ok := known[v]; !ok {
			return nil, fmt.Errorf("threshold expression references unknown variable %q", v)
		}
	}

	return func(votesFor, votesAgainst, totalStaked, guaranteeAmount uint64) bool {
		params := map[string]interface{}{
			"votes_for":        float64(votesFor),
			"votes_against":    float64(votesAgainst),
			"total_staked":     float64(totalStaked),
			"guarantee_amount": float64(guaranteeAmount),
		}
		result, err := expr.Evaluate(params)
		if err != nil {
			return false
		}
		approved, ok := result.(bool)
		return ok && approved
	}, nil
}
