// Package agents implements the agent invocation boundary: each backend is an
// opaque evaluator producing a structured verdict with provider-specific
// latency and availability characteristics. The kernel is agnostic to the
// transport; every implementation must report a decision in {PASS, FAIL} and
// a confidence in [0,1].
package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/AA967-LLM/gemini-agent-governance-kernel/internal/types"
)

// EvalContext carries per-round context into an agent call: the routing
// decision, constraints recalled from institutional memory, and the session.
type EvalContext struct {
	Route       types.RoutingDecision
	Constraints []string
	SessionID   string
}

// Evaluator is one reasoning backend. Evaluate blocks up to the caller's
// context deadline; a timeout or error is converted to an abstention by the
// council and never aborts the round.
type Evaluator interface {
	Agent() types.Agent
	Evaluate(ctx context.Context, task types.Task, ec EvalContext) (types.Verdict, error)
}

// wireVerdict is the JSON contract every provider must satisfy.
type wireVerdict struct {
	Verdict    string   `json:"verdict"`
	Confidence float64  `json:"confidence"`
	Evidence   []string `json:"evidence"`
	Reasoning  string   `json:"reasoning"`
}

// systemPrompt builds the role instruction, injecting learned constraints as
// hard requirements.
func systemPrompt(agent types.Agent, task types.Task, ec EvalContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, a %s on a code governance council.\n", agent.Name, agent.Role)
	b.WriteString("Review the submitted artifact and respond in valid JSON with exactly this structure:\n")
	b.WriteString(`{"verdict": "PASS"|"FAIL", "confidence": 0.0-1.0, "evidence": ["..."], "reasoning": "..."}` + "\n")

	if len(ec.Constraints) > 0 {
		b.WriteString("\n### INSTITUTIONAL MEMORY (LEARNED CONSTRAINTS)\n")
		b.WriteString("The following constraints were learned from past incidents. Violating any is a hard FAIL:\n")
		for _, c := range ec.Constraints {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	if task.Context != "" {
		fmt.Fprintf(&b, "\nContext: %s\n", task.Context)
	}
	if ec.Route.Model != "" {
		fmt.Fprintf(&b, "\n[SYSTEM: routed to %s via %s]\n", ec.Route.Model, ec.Route.Provider)
	}
	return b.String()
}

// userPrompt renders the artifact under review.
func userPrompt(task types.Task) string {
	lang := task.Language
	if lang == "" {
		lang = "text"
	}
	return fmt.Sprintf("Review this %s artifact:\n```%s\n%s\n```", lang, lang, task.Payload)
}

// parseVerdict validates the structure of a raw model response and binds it
// to the agent. Markdown code fences around the JSON are tolerated.
func parseVerdict(agent types.Agent, raw string, latency time.Duration) (types.Verdict, error) {
	cleaned := stripFences(raw)

	var wv wireVerdict
	if err := json.Unmarshal([]byte(cleaned), &wv); err != nil {
		return types.Verdict{}, fmt.Errorf("agent %s: invalid verdict JSON: %w", agent.ID, err)
	}

	var decision types.Decision
	switch strings.ToUpper(strings.TrimSpace(wv.Verdict)) {
	case "PASS":
		decision = types.DecisionPass
	case "FAIL":
		decision = types.DecisionFail
	default:
		return types.Verdict{}, fmt.Errorf("agent %s: verdict %q not in {PASS, FAIL}", agent.ID, wv.Verdict)
	}
	if wv.Confidence < 0 || wv.Confidence > 1 {
		return types.Verdict{}, fmt.Errorf("agent %s: confidence %v out of [0,1]", agent.ID, wv.Confidence)
	}

	rationale := wv.Reasoning
	if rationale == "" {
		rationale = "no reasoning provided"
	}
	if len(wv.Evidence) > 0 {
		rationale += " [evidence: " + strings.Join(wv.Evidence, "; ") + "]"
	}

	return types.Verdict{
		AgentID:    agent.ID,
		AgentName:  agent.Name,
		Decision:   decision,
		Confidence: wv.Confidence,
		Rationale:  rationale,
		Latency:    latency,
	}, nil
}

// stripFences removes a surrounding markdown code fence, if any.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
