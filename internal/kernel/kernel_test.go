package kernel

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AA967-LLM/gemini-agent-governance-kernel/internal/agents"
	"github.com/AA967-LLM/gemini-agent-governance-kernel/internal/config"
	"github.com/AA967-LLM/gemini-agent-governance-kernel/internal/feedback"
	"github.com/AA967-LLM/gemini-agent-governance-kernel/internal/types"
)

// newOfflineKernel builds a kernel with no provider credentials: every agent
// is registered but unbound until a test attaches a scripted evaluator.
func newOfflineKernel(t *testing.T, mutate func(*config.Config)) *Kernel {
	t.Helper()
	t.Setenv("GOVERN_GEMINI_API_KEY", "")
	t.Setenv("GOVERN_GROQ_API_KEY", "")
	t.Setenv("GOVERN_ENV", "")
	t.Setenv("GOVERN_ENFORCING", "")

	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	k, err := New(cfg, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(k.Close)
	return k
}

// bindScripted attaches a deterministic evaluator to a configured agent and
// restores its health (unbound agents are marked failed at startup).
func bindScripted(t *testing.T, k *Kernel, agentID string, decision types.Decision, conf float64) {
	t.Helper()
	agent, err := k.Registry.Get(agentID)
	require.NoError(t, err)
	k.Engine.Bind(agents.NewScriptedEvaluator(agent, decision, conf))
	require.NoError(t, k.Registry.MarkHealth(agentID, types.HealthAvailable))
}

func TestKernelConstructsWithoutCredentials(t *testing.T) {
	k := newOfflineKernel(t, nil)

	assert.False(t, k.Halted())
	assert.Len(t, k.Registry.ListAll(), 2)
	// Unbound agents are not available for rounds.
	assert.Empty(t, k.Registry.ListAvailable(0))
	assert.Len(t, k.Budget.Snapshot(), 2)
}

func TestExecuteTaskWithoutBoundAgents(t *testing.T) {
	k := newOfflineKernel(t, nil)

	_, err := k.ExecuteTask(context.Background(), types.Task{
		ID: "t1", Payload: "code", Complexity: 3,
	}, "")
	require.ErrorIs(t, err, types.ErrNoEligibleBackend)
}

func TestExecuteTaskApproved(t *testing.T) {
	k := newOfflineKernel(t, nil)
	bindScripted(t, k, "lead-architect", types.DecisionPass, 0.9)
	bindScripted(t, k, "adversarial-validator", types.DecisionPass, 0.85)

	out, err := k.ExecuteTask(context.Background(), types.Task{
		ID: "t1", Payload: "code", Complexity: 1,
	}, "")
	require.NoError(t, err)
	assert.Equal(t, "approved", out.Status)
	assert.Equal(t, types.DecisionPass, out.Result.Decision)
	assert.NotEmpty(t, out.SessionID)
}

func TestAdvisoryModePassesThroughFailures(t *testing.T) {
	k := newOfflineKernel(t, nil) // default config is advisory
	bindScripted(t, k, "lead-architect", types.DecisionFail, 0.95)
	bindScripted(t, k, "adversarial-validator", types.DecisionFail, 0.95)

	out, err := k.ExecuteTask(context.Background(), types.Task{
		ID: "t1", Payload: "code", Complexity: 3,
	}, "")
	require.NoError(t, err, "advisory mode reports, never blocks")
	assert.Equal(t, "advisory", out.Status)
	assert.Equal(t, types.DecisionFail, out.Result.Decision)
}

func TestEnforcingModeBlocks(t *testing.T) {
	k := newOfflineKernel(t, func(c *config.Config) { c.Enforcing = true })
	bindScripted(t, k, "lead-architect", types.DecisionFail, 0.95)
	bindScripted(t, k, "adversarial-validator", types.DecisionFail, 0.95)

	out, err := k.ExecuteTask(context.Background(), types.Task{
		ID: "t1", Payload: "code", Complexity: 3,
	}, "")

	var gerr *GovernanceError
	require.True(t, errors.As(err, &gerr))
	assert.Contains(t, gerr.Error(), "blocked by governance")
	require.NotNil(t, out)
	assert.Equal(t, "blocked", out.Status)

	// The block was recorded as an incident.
	incidents, err := k.Memory.Incidents(10)
	require.NoError(t, err)
	require.Len(t, incidents, 1)
	assert.Equal(t, string(feedback.OutcomeBlocked), incidents[0].Outcome)
}

func TestReportOutcomeLearns(t *testing.T) {
	k := newOfflineKernel(t, nil)
	bindScripted(t, k, "lead-architect", types.DecisionPass, 0.9)
	bindScripted(t, k, "adversarial-validator", types.DecisionPass, 0.9)

	out, err := k.ExecuteTask(context.Background(), types.Task{
		ID: "t1", Payload: "code", Language: "python", Complexity: 3,
	}, "")
	require.NoError(t, err)

	learned, err := k.ReportOutcome(out.Result, feedback.Report{
		Outcome: feedback.OutcomeFailure,
		Detail:  "approved change broke the login flow",
		Pattern: "session.pop(",
		Task:    types.Task{ID: "t1", Language: "python", Domain: "general"},
	})
	require.NoError(t, err)
	require.NotNil(t, learned)

	got, err := k.Memory.Query("python", "general")
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestNewSessionIsUnique(t *testing.T) {
	k := newOfflineKernel(t, nil)
	a, b := k.NewSession(), k.NewSession()
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}

func TestVetoEndToEnd(t *testing.T) {
	k := newOfflineKernel(t, func(c *config.Config) { c.Enforcing = true })
	bindScripted(t, k, "lead-architect", types.DecisionPass, 0.95)
	bindScripted(t, k, "adversarial-validator", types.DecisionFail, 1.0)

	out, err := k.ExecuteTask(context.Background(), types.Task{
		ID: "t1", Payload: "code", Complexity: 5, SecurityCritical: true,
	}, "")

	var gerr *GovernanceError
	require.True(t, errors.As(err, &gerr))
	assert.Equal(t, "adversarial-validator", out.Result.VetoedBy)
	assert.Equal(t, types.DecisionFail, out.Result.Decision)
	assert.False(t, out.Result.Mediated, "a veto never triggers mediation")
}
