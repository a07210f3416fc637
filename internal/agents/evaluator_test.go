package agents

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AA967-LLM/gemini-agent-governance-kernel/internal/types"
)

func testAgent() types.Agent {
	return types.Agent{ID: "validator", Name: "Validator", Role: types.RoleValidator}
}

func TestParseVerdict(t *testing.T) {
	raw := `{"verdict": "PASS", "confidence": 0.85, "evidence": ["uses parameterized queries"], "reasoning": "no injection surface"}`

	v, err := parseVerdict(testAgent(), raw, 120*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, types.DecisionPass, v.Decision)
	assert.Equal(t, 0.85, v.Confidence)
	assert.Equal(t, "validator", v.AgentID)
	assert.Contains(t, v.Rationale, "no injection surface")
	assert.Contains(t, v.Rationale, "parameterized queries")
	assert.Equal(t, 120*time.Millisecond, v.Latency)
}

func TestParseVerdictToleratesFences(t *testing.T) {
	fenced := "```json\n{\"verdict\": \"fail\", \"confidence\": 1.0, \"reasoning\": \"hardcoded secret\"}\n```"

	v, err := parseVerdict(testAgent(), fenced, 0)
	require.NoError(t, err)
	assert.Equal(t, types.DecisionFail, v.Decision)
	assert.Equal(t, 1.0, v.Confidence)
}

func TestParseVerdictRejections(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not json", "the code looks fine to me"},
		{"unknown verdict", `{"verdict": "MAYBE", "confidence": 0.5}`},
		{"confidence above one", `{"verdict": "PASS", "confidence": 1.2}`},
		{"negative confidence", `{"verdict": "FAIL", "confidence": -0.1}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parseVerdict(testAgent(), tc.raw, 0)
			assert.Error(t, err)
		})
	}
}

func TestParseVerdictDefaultsRationale(t *testing.T) {
	v, err := parseVerdict(testAgent(), `{"verdict": "PASS", "confidence": 0.6}`, 0)
	require.NoError(t, err)
	assert.Equal(t, "no reasoning provided", v.Rationale)
}

func TestSystemPromptInjectsConstraints(t *testing.T) {
	task := types.Task{ID: "t1", Payload: "code", Context: "refactor of the auth module"}
	ec := EvalContext{
		Route:       types.RoutingDecision{Provider: "groq", Model: "llama-3.3-70b-versatile"},
		Constraints: []string{"[immutable] never log credentials (pattern: password)"},
	}

	prompt := systemPrompt(testAgent(), task, ec)
	assert.Contains(t, prompt, "Validator")
	assert.Contains(t, prompt, "never log credentials")
	assert.Contains(t, prompt, "hard FAIL")
	assert.Contains(t, prompt, "refactor of the auth module")
	assert.Contains(t, prompt, "llama-3.3-70b-versatile")
}

func TestSystemPromptWithoutConstraints(t *testing.T) {
	prompt := systemPrompt(testAgent(), types.Task{Payload: "x"}, EvalContext{})
	assert.NotContains(t, prompt, "INSTITUTIONAL MEMORY")
}

func TestUserPromptLanguageFence(t *testing.T) {
	p := userPrompt(types.Task{Payload: "SELECT 1", Language: "sql"})
	assert.Contains(t, p, "```sql")
	assert.Contains(t, p, "SELECT 1")

	plain := userPrompt(types.Task{Payload: "notes"})
	assert.Contains(t, plain, "```text")
}

func TestStripFences(t *testing.T) {
	assert.Equal(t, `{"a":1}`, stripFences("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, stripFences("```\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, stripFences(`{"a":1}`))
}
