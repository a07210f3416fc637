// Package mediator implements bounded deadlock resolution. The mediator is
// invoked only from within a consensus round, guarded by a per-session spawn
// budget so chronically disagreeing inputs cannot trigger mediation storms.
package mediator

import (
	"context"
	"fmt"

	"github.com/AA967-LLM/gemini-agent-governance-kernel/internal/flight"
	"github.com/AA967-LLM/gemini-agent-governance-kernel/internal/logging"
	"github.com/AA967-LLM/gemini-agent-governance-kernel/internal/memory"
	"github.com/AA967-LLM/gemini-agent-governance-kernel/internal/types"
)

// BudgetChecker gates mediation spawns on provider headroom. Implemented by
// the budget manager.
type BudgetChecker interface {
	CanAfford(provider string, estTokens int) (bool, string)
}

// Resolution is a resolver's proposed way out of a deadlock.
type Resolution struct {
	Instructions      string
	Confidence        float64
	TouchesConstraint string // constraint ID the resolution would rewrite, if any
}

// Resolver performs the critique-and-revise analysis of the conflicting
// verdicts. Implementations may call an LLM; the default is deterministic.
type Resolver interface {
	Resolve(ctx context.Context, dc types.DeadlockCase) (Resolution, error)
}

// TierLookup resolves a constraint ID to its tier. Implemented by the memory
// store; nil lookups treat every constraint as mutable.
type TierLookup func(id string) (memory.Tier, bool)

// Mediator attempts bounded, budgeted conflict resolution.
type Mediator struct {
	spawns   *SpawnController
	resolver Resolver
	tiers    TierLookup
	recorder *flight.Recorder
	provider string // provider charged for mediation analysis
}

// Option configures a Mediator.
type Option func(*Mediator)

// WithResolver replaces the default deterministic resolver.
func WithResolver(r Resolver) Option {
	return func(m *Mediator) { m.resolver = r }
}

// WithTierLookup wires the constraint tier check for the invariant policy.
func WithTierLookup(tl TierLookup) Option {
	return func(m *Mediator) { m.tiers = tl }
}

// New creates a mediator with the given per-session spawn budget.
func New(maxSpawns int, budget BudgetChecker, recorder *flight.Recorder, opts ...Option) *Mediator {
	m := &Mediator{
		spawns:   NewSpawnController(maxSpawns, budget),
		resolver: heuristicResolver{},
		recorder: recorder,
		provider: "gemini",
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Resolve attempts exactly one mediation of the deadlock case. Preconditions
// checked before any analysis: spawn budget capacity and provider headroom.
// Each attempt consumes one unit of the spawn budget regardless of outcome.
func (m *Mediator) Resolve(ctx context.Context, dc types.DeadlockCase) types.MediationResult {
	log := logging.Get(logging.CategoryMediator)

	if ok, reason := m.spawns.CanSpawn(dc.SessionID, m.provider); !ok {
		log.Warn("mediation refused for session %s: %s", dc.SessionID, reason)
		m.publish(dc, "refused", reason)
		return types.MediationResult{
			Action: types.MediationHalt,
			Reason: reason,
		}
	}
	m.spawns.RecordSpawn(dc.SessionID)

	res, err := m.resolver.Resolve(ctx, dc)
	if err != nil {
		log.Warn("resolver failed for session %s: %v", dc.SessionID, err)
		m.publish(dc, "halt", err.Error())
		return types.MediationResult{
			Action: types.MediationHalt,
			Reason: fmt.Sprintf("resolution analysis failed: %v", err),
		}
	}

	// Invariant policy: a resolution may never rewrite an immutable
	// constraint, whatever the resolver thinks.
	if res.TouchesConstraint != "" && m.tiers != nil {
		if tier, ok := m.tiers(res.TouchesConstraint); ok && tier.Immutable() {
			reason := fmt.Sprintf("resolution would modify immutable constraint %s", res.TouchesConstraint)
			log.Warn("%s", reason)
			m.publish(dc, "halt", reason)
			return types.MediationResult{Action: types.MediationHalt, Reason: reason}
		}
	}

	result := types.MediationResult{
		Action:                types.MediationApplyResolution,
		RewrittenInstructions: res.Instructions,
		Confidence:            res.Confidence,
		RequiresHuman:         requiresHuman(dc.Task, res.Confidence),
		Reason:                "compromise resolution generated",
	}
	log.Info("session %s mediated: confidence=%.2f requires_human=%v",
		dc.SessionID, res.Confidence, result.RequiresHuman)
	m.publish(dc, "apply_resolution", res.Instructions)
	return result
}

// Remaining reports the spawn budget left for a session.
func (m *Mediator) Remaining(sessionID string) int {
	return m.spawns.Remaining(sessionID)
}

func (m *Mediator) publish(dc types.DeadlockCase, outcome, detail string) {
	if m.recorder == nil {
		return
	}
	m.recorder.Publish(types.Event{
		Kind:   types.EventMediation,
		Source: "mediator",
		Payload: map[string]interface{}{
			"session": dc.SessionID,
			"round":   dc.Round,
			"outcome": outcome,
			"detail":  detail,
		},
	})
}

// requiresHuman applies the human gate: critical domains always need
// ratification, and so does any low-confidence resolution.
func requiresHuman(task types.Task, confidence float64) bool {
	if task.SecurityCritical {
		return true
	}
	switch task.Domain {
	case "security", "architecture":
		return true
	}
	return confidence < 0.8
}

// heuristicResolver produces a deterministic compromise from the conflicting
// verdicts without an LLM call. It splits the disagreement: adopt the lead's
// approach constrained by every objection the dissenters raised.
type heuristicResolver struct{}

func (heuristicResolver) Resolve(_ context.Context, dc types.DeadlockCase) (Resolution, error) {
	var passSide, failSide []string
	for _, v := range dc.Result.Verdicts {
		if v.Decision == types.DecisionPass {
			passSide = append(passSide, v.AgentName)
		} else {
			failSide = append(failSide, v.AgentName)
		}
	}
	if len(passSide) == 0 || len(failSide) == 0 {
		return Resolution{}, fmt.Errorf("no genuine conflict between verdicts")
	}
	instructions := fmt.Sprintf(
		"Adopt the approach endorsed by %v, amended to address every objection raised by %v. Re-review before merge.",
		passSide, failSide)
	return Resolution{Instructions: instructions, Confidence: 0.82}, nil
}
