package feedback

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AA967-LLM/gemini-agent-governance-kernel/internal/memory"
	"github.com/AA967-LLM/gemini-agent-governance-kernel/internal/types"
)

func newLoop(t *testing.T) (*Loop, *memory.Store) {
	t.Helper()
	store, err := memory.NewStore(filepath.Join(t.TempDir(), "memory.db"), 30*24*time.Hour, 3)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewLoop(store), store
}

func passResult(round string) *types.ConsensusResult {
	return &types.ConsensusResult{RoundID: round, Decision: types.DecisionPass, Confidence: 0.9}
}

func TestApprovedThenFailedLearnsConstraint(t *testing.T) {
	loop, store := newLoop(t)

	learned, err := loop.RecordOutcome(passResult("r1"), Report{
		Outcome: OutcomeFailure,
		Detail:  "approved SQL built by string concatenation caused an injection",
		Pattern: "cursor.execute(f\"",
		Task:    types.Task{ID: "t1", Language: "python", Domain: "security"},
	})
	require.NoError(t, err)
	require.NotNil(t, learned)

	assert.Equal(t, memory.TierExperimental, learned.Tier)
	assert.True(t, learned.Active)
	assert.NotNil(t, learned.ExpiresAt, "experimental constraints get a trial expiry")
	assert.Contains(t, learned.Source, "r1")

	// The new constraint is immediately recallable for the same scope.
	got, err := store.Query("python", "security")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, learned.ID, got[0].ID)

	// The incident trail exists alongside.
	incidents, err := store.Incidents(10)
	require.NoError(t, err)
	require.Len(t, incidents, 1)
	assert.Equal(t, "FAILURE", incidents[0].Outcome)
}

func TestSuccessfulOutcomeLearnsNothing(t *testing.T) {
	loop, store := newLoop(t)

	learned, err := loop.RecordOutcome(passResult("r1"), Report{
		Outcome: OutcomeSuccess,
		Task:    types.Task{ID: "t1"},
	})
	require.NoError(t, err)
	assert.Nil(t, learned)

	got, _ := store.Query("", "")
	assert.Empty(t, got)
}

func TestFailedDecisionLearnsNothing(t *testing.T) {
	loop, store := newLoop(t)

	// A FAIL that then failed in the wild confirms the council; no new rule.
	result := &types.ConsensusResult{RoundID: "r2", Decision: types.DecisionFail}
	learned, err := loop.RecordOutcome(result, Report{Outcome: OutcomeFailure, Task: types.Task{ID: "t1"}})
	require.NoError(t, err)
	assert.Nil(t, learned)

	incidents, _ := store.Incidents(10)
	assert.Len(t, incidents, 1)
}

func TestBroadPatternQuarantined(t *testing.T) {
	loop, _ := newLoop(t)

	learned, err := loop.RecordOutcome(passResult("r3"), Report{
		Outcome: OutcomeIncident,
		Detail:  "vague failure",
		Pattern: "a", // would match nearly everything
		Task:    types.Task{ID: "t1"},
	})
	require.NoError(t, err)
	require.NotNil(t, learned)
	assert.False(t, learned.Active, "overly broad learned pattern must not activate")
	assert.NotEmpty(t, learned.Warning)
}

func TestEmptyDetailGetsGeneratedDescription(t *testing.T) {
	loop, _ := newLoop(t)

	learned, err := loop.RecordOutcome(passResult("r4"), Report{
		Outcome: OutcomeFailure,
		Pattern: "os.system(",
		Task:    types.Task{ID: "t1"},
	})
	require.NoError(t, err)
	require.NotNil(t, learned)
	assert.Contains(t, learned.Description, "r4")
}
