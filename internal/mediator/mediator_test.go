package mediator

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AA967-LLM/gemini-agent-governance-kernel/internal/flight"
	"github.com/AA967-LLM/gemini-agent-governance-kernel/internal/memory"
	"github.com/AA967-LLM/gemini-agent-governance-kernel/internal/types"
)

// openBudget always has headroom.
type openBudget struct{}

func (openBudget) CanAfford(string, int) (bool, string) { return true, "ok" }

// meteredBudget refuses past a token allowance, recording each estimate.
type meteredBudget struct {
	allowance int
	estimates []int
}

func (b *meteredBudget) CanAfford(_ string, est int) (bool, string) {
	b.estimates = append(b.estimates, est)
	if est > b.allowance {
		return false, fmt.Sprintf("estimate %d over allowance", est)
	}
	return true, "ok"
}

// stubResolver returns a fixed resolution or error.
type stubResolver struct {
	res Resolution
	err error
}

func (s stubResolver) Resolve(context.Context, types.DeadlockCase) (Resolution, error) {
	return s.res, s.err
}

func deadlockCase(session string) types.DeadlockCase {
	return types.DeadlockCase{
		Task:      types.Task{ID: "t1", Payload: "code", Complexity: 3},
		SessionID: session,
		Round:     1,
		Result: types.ConsensusResult{
			RoundID:    "r1",
			Deadlocked: true,
			Verdicts: []types.Verdict{
				{AgentID: "lead", AgentName: "Lead", Decision: types.DecisionPass, Confidence: 0.95},
				{AgentID: "validator", AgentName: "Validator", Decision: types.DecisionFail, Confidence: 1.0},
			},
		},
	}
}

func newRecorder(t *testing.T) *flight.Recorder {
	t.Helper()
	rec := flight.NewRecorder()
	t.Cleanup(rec.Close)
	return rec
}

func TestResolveProducesCompromise(t *testing.T) {
	m := New(3, openBudget{}, newRecorder(t))

	res := m.Resolve(context.Background(), deadlockCase("s1"))
	require.Equal(t, types.MediationApplyResolution, res.Action)
	assert.NotEmpty(t, res.RewrittenInstructions)
	assert.Contains(t, res.RewrittenInstructions, "Lead")
	assert.Contains(t, res.RewrittenInstructions, "Validator")
	assert.InDelta(t, 0.82, res.Confidence, 0.001)
}

func TestSpawnBudgetExhaustion(t *testing.T) {
	m := New(3, openBudget{}, newRecorder(t))
	dc := deadlockCase("s1")

	for i := 0; i < 3; i++ {
		res := m.Resolve(context.Background(), dc)
		require.Equalf(t, types.MediationApplyResolution, res.Action, "attempt %d", i+1)
	}
	require.Equal(t, 0, m.Remaining("s1"))

	res := m.Resolve(context.Background(), dc)
	require.Equal(t, types.MediationHalt, res.Action)
	assert.Contains(t, res.Reason, "mediation budget exhausted")
}

func TestSpawnBudgetIsPerSession(t *testing.T) {
	m := New(1, openBudget{}, newRecorder(t))

	res := m.Resolve(context.Background(), deadlockCase("s1"))
	require.Equal(t, types.MediationApplyResolution, res.Action)
	res = m.Resolve(context.Background(), deadlockCase("s1"))
	require.Equal(t, types.MediationHalt, res.Action)

	// A different session has its own budget.
	res = m.Resolve(context.Background(), deadlockCase("s2"))
	require.Equal(t, types.MediationApplyResolution, res.Action)
}

func TestEscalatingCostEstimates(t *testing.T) {
	b := &meteredBudget{allowance: 5000}
	m := New(3, b, newRecorder(t))
	dc := deadlockCase("s1")

	// First attempt: 4000 tokens. Second: 6000, over the allowance.
	res := m.Resolve(context.Background(), dc)
	require.Equal(t, types.MediationApplyResolution, res.Action)

	res = m.Resolve(context.Background(), dc)
	require.Equal(t, types.MediationHalt, res.Action)
	assert.Contains(t, res.Reason, "budget insufficient")

	require.Equal(t, []int{4000, 6000}, b.estimates)
}

func TestResolverFailureHalts(t *testing.T) {
	m := New(3, openBudget{}, newRecorder(t),
		WithResolver(stubResolver{err: fmt.Errorf("model unavailable")}))

	res := m.Resolve(context.Background(), deadlockCase("s1"))
	require.Equal(t, types.MediationHalt, res.Action)
	assert.Contains(t, res.Reason, "resolution analysis failed")
	// The failed attempt still consumed spawn budget.
	assert.Equal(t, 2, m.Remaining("s1"))
}

func TestImmutableConstraintBlocksResolution(t *testing.T) {
	tiers := func(id string) (memory.Tier, bool) {
		if id == "C-core" {
			return memory.TierImmutable, true
		}
		return memory.TierExperimental, true
	}
	m := New(3, openBudget{}, newRecorder(t),
		WithResolver(stubResolver{res: Resolution{
			Instructions:      "relax the rule",
			Confidence:        0.9,
			TouchesConstraint: "C-core",
		}}),
		WithTierLookup(tiers))

	res := m.Resolve(context.Background(), deadlockCase("s1"))
	require.Equal(t, types.MediationHalt, res.Action)
	assert.Contains(t, res.Reason, "immutable constraint C-core")
}

func TestMutableConstraintAllowsResolution(t *testing.T) {
	tiers := func(string) (memory.Tier, bool) { return memory.TierExperimental, true }
	m := New(3, openBudget{}, newRecorder(t),
		WithResolver(stubResolver{res: Resolution{
			Instructions:      "relax the trial rule",
			Confidence:        0.9,
			TouchesConstraint: "C-trial",
		}}),
		WithTierLookup(tiers))

	res := m.Resolve(context.Background(), deadlockCase("s1"))
	require.Equal(t, types.MediationApplyResolution, res.Action)
}

func TestHumanGate(t *testing.T) {
	t.Run("security critical task", func(t *testing.T) {
		m := New(3, openBudget{}, newRecorder(t))
		dc := deadlockCase("s1")
		dc.Task.SecurityCritical = true

		res := m.Resolve(context.Background(), dc)
		require.Equal(t, types.MediationApplyResolution, res.Action)
		assert.True(t, res.RequiresHuman)
	})

	t.Run("security domain", func(t *testing.T) {
		m := New(3, openBudget{}, newRecorder(t))
		dc := deadlockCase("s1")
		dc.Task.Domain = "security"

		res := m.Resolve(context.Background(), dc)
		assert.True(t, res.RequiresHuman)
	})

	t.Run("low confidence resolution", func(t *testing.T) {
		m := New(3, openBudget{}, newRecorder(t),
			WithResolver(stubResolver{res: Resolution{Instructions: "x", Confidence: 0.5}}))

		res := m.Resolve(context.Background(), deadlockCase("s1"))
		assert.True(t, res.RequiresHuman)
	})

	t.Run("confident general resolution", func(t *testing.T) {
		m := New(3, openBudget{}, newRecorder(t))

		res := m.Resolve(context.Background(), deadlockCase("s1"))
		assert.False(t, res.RequiresHuman)
	})
}

func TestHeuristicResolverNeedsConflict(t *testing.T) {
	dc := deadlockCase("s1")
	dc.Result.Verdicts = []types.Verdict{
		{AgentName: "Lead", Decision: types.DecisionPass, Confidence: 0.5},
	}
	_, err := heuristicResolver{}.Resolve(context.Background(), dc)
	require.Error(t, err)
}

func TestMediationEventsPublished(t *testing.T) {
	rec := newRecorder(t)
	events := rec.SubscribeKinds(types.EventMediation)
	m := New(3, openBudget{}, rec)

	m.Resolve(context.Background(), deadlockCase("s1"))

	ev := <-events
	assert.Equal(t, "mediator", ev.Source)
	assert.Equal(t, "apply_resolution", ev.Field("outcome"))
}
