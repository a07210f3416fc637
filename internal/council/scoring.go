package council

import (
	"fmt"
	"math"

	"github.com/AA967-LLM/gemini-agent-governance-kernel/internal/types"
)

// aggregate turns settled calls into a ConsensusResult: veto first, then the
// weight-normalized signed confidence score.
//
//	score = Σ(weight_i · signedConfidence_i) / Σ(weight_i)
//
// where signedConfidence is +confidence for Pass and -confidence for Fail,
// summed over non-abstaining agents only. Abstentions contribute zero weight
// to the denominator. Decision is Pass above the pass cutoff, Fail below the
// fail cutoff, deadlocked in between.
func (e *Engine) aggregate(roundID string, route types.RoutingDecision, calls []votedCall) *types.ConsensusResult {
	result := &types.ConsensusResult{
		RoundID: roundID,
		Route:   route,
	}

	// Veto check runs before any arithmetic: a qualified validator Fail
	// overrides weighted consensus outright.
	for _, c := range calls {
		if c.abstain != nil {
			result.Abstentions = append(result.Abstentions, *c.abstain)
			continue
		}
		result.Verdicts = append(result.Verdicts, c.verdict)
		if c.agent.VetoPower && c.verdict.Decision == types.DecisionFail && c.verdict.Confidence > e.policy.VetoThreshold {
			if result.VetoedBy == "" {
				result.VetoedBy = c.agent.ID
			}
		}
	}

	if result.VetoedBy != "" {
		result.Decision = types.DecisionFail
		result.Confidence = 1.0
		result.Reason = fmt.Sprintf("blocked by veto: %s", result.VetoedBy)
		e.recorder.Publish(types.Event{
			Kind:   types.EventVetoFired,
			Source: result.VetoedBy,
			Payload: map[string]interface{}{
				"round": roundID,
			},
		})
		return result
	}

	var weightedSum, totalWeight float64
	for _, c := range calls {
		if c.abstain != nil {
			continue
		}
		signed := c.verdict.Confidence
		if c.verdict.Decision == types.DecisionFail {
			signed = -signed
		}
		weightedSum += c.agent.Weight * signed
		totalWeight += c.agent.Weight
	}

	if totalWeight == 0 {
		// All abstained; the caller applies the failure policy.
		result.Reason = "no valid votes cast"
		return result
	}

	score := weightedSum / totalWeight
	result.WeightedScore = score
	result.Confidence = math.Abs(score)

	switch {
	case score > e.policy.PassCutoff:
		result.Decision = types.DecisionPass
		result.Reason = fmt.Sprintf("weighted score %.2f above pass cutoff", score)
	case score < e.policy.FailCutoff:
		result.Decision = types.DecisionFail
		result.Reason = fmt.Sprintf("weighted score %.2f below fail cutoff", score)
	default:
		result.Deadlocked = true
		result.Decision = types.DecisionFail // provisional until mediation
		result.Reason = fmt.Sprintf("weighted score %.2f inside deadlock band (%.1f, %.1f)",
			score, e.policy.FailCutoff, e.policy.PassCutoff)
	}
	return result
}
