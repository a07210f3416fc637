package agents

import (
	"context"
	"time"

	"github.com/AA967-LLM/gemini-agent-governance-kernel/internal/types"
)

// ScriptedEvaluator returns a predetermined verdict after an optional delay.
// Used by tests and dry runs; it exercises the full council path without
// network calls.
type ScriptedEvaluator struct {
	agent    types.Agent
	decision types.Decision
	conf     float64
	delay    time.Duration
	err      error
}

// NewScriptedEvaluator builds a deterministic evaluator.
func NewScriptedEvaluator(agent types.Agent, decision types.Decision, confidence float64) *ScriptedEvaluator {
	return &ScriptedEvaluator{agent: agent, decision: decision, conf: confidence}
}

// WithDelay makes the evaluator sleep before answering. Combined with a short
// per-call timeout this simulates a slow or hung backend.
func (s *ScriptedEvaluator) WithDelay(d time.Duration) *ScriptedEvaluator {
	s.delay = d
	return s
}

// WithError makes the evaluator fail with the given error.
func (s *ScriptedEvaluator) WithError(err error) *ScriptedEvaluator {
	s.err = err
	return s
}

// Agent returns the backing agent metadata.
func (s *ScriptedEvaluator) Agent() types.Agent { return s.agent }

// Evaluate produces the scripted verdict, honoring context cancellation.
func (s *ScriptedEvaluator) Evaluate(ctx context.Context, task types.Task, ec EvalContext) (types.Verdict, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return types.Verdict{}, ctx.Err()
		}
	}
	if s.err != nil {
		return types.Verdict{}, s.err
	}
	return types.Verdict{
		AgentID:    s.agent.ID,
		AgentName:  s.agent.Name,
		Decision:   s.decision,
		Confidence: s.conf,
		Rationale:  "scripted verdict",
		Latency:    s.delay,
	}, nil
}
