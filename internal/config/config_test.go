package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AA967-LLM/gemini-agent-governance-kernel/internal/types"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.False(t, cfg.Enforcing)
	assert.Equal(t, "fail_open", cfg.FailurePolicy)
	require.Len(t, cfg.Agents, 2)

	// The hierarchy the council is designed around: heavyweight lead,
	// lightweight validator with veto.
	lead := cfg.Agents[0]
	assert.Equal(t, types.RoleLead, lead.Role)
	assert.Equal(t, 3.0, lead.Weight)
	assert.False(t, lead.VetoPower)

	val := cfg.Agents[1]
	assert.Equal(t, types.RoleValidator, val.Role)
	assert.True(t, val.VetoPower)
	assert.Less(t, val.Weight, lead.Weight)
}

func TestPolicyDurations(t *testing.T) {
	p := PolicyConfig{AgentTimeout: "10s", CouncilTimeout: "45s"}
	assert.Equal(t, 10*time.Second, p.AgentTimeoutDuration())
	assert.Equal(t, 45*time.Second, p.CouncilTimeoutDuration())

	// Garbage and empty strings fall back to safe defaults.
	bad := PolicyConfig{AgentTimeout: "soon", CouncilTimeout: "-5s"}
	assert.Equal(t, 30*time.Second, bad.AgentTimeoutDuration())
	assert.Equal(t, 60*time.Second, bad.CouncilTimeoutDuration())

	none := PolicyConfig{}
	assert.Equal(t, 30*time.Second, none.AgentTimeoutDuration())
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Name, cfg.Name)
}

func TestLoadLayersYAMLOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
enforcing: true
policy:
  veto_threshold: 0.9
  pass_cutoff: 0.7
  fail_cutoff: 0.3
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.Enforcing)
	assert.Equal(t, 0.9, cfg.Policy.VetoThreshold)
	assert.Equal(t, 0.7, cfg.Policy.PassCutoff)
	// Untouched fields keep their defaults.
	assert.Len(t, cfg.Agents, 2)
	assert.Equal(t, 3, cfg.Policy.MediationBudget)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("GOVERN_GEMINI_API_KEY", "test-key-123")
	t.Setenv("GOVERN_ENV", "production")
	t.Setenv("GOVERN_ENFORCING", "1")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	p, ok := cfg.Provider("gemini")
	require.True(t, ok)
	assert.Equal(t, "test-key-123", p.APIKey)
	assert.Equal(t, "fail_closed", cfg.FailurePolicy)
	assert.True(t, cfg.Enforcing)
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no agents", func(c *Config) { c.Agents = nil }},
		{"duplicate agent id", func(c *Config) { c.Agents = append(c.Agents, c.Agents[0]) }},
		{"zero weight", func(c *Config) { c.Agents[0].Weight = 0 }},
		{"unknown provider", func(c *Config) { c.Agents[0].Provider = "mystery" }},
		{"inverted cutoffs", func(c *Config) { c.Policy.FailCutoff = 0.7 }},
		{"veto threshold out of range", func(c *Config) { c.Policy.VetoThreshold = 1.5 }},
		{"loop threshold too low", func(c *Config) { c.Policy.LoopThreshold = 1 }},
		{"bad failure policy", func(c *Config) { c.FailurePolicy = "fail_sideways" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := Default()
	cfg.Policy.MediationBudget = 5
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	if diff := cmp.Diff(cfg.Policy, loaded.Policy); diff != "" {
		t.Errorf("policy round trip mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(cfg.Agents, loaded.Agents); diff != "" {
		t.Errorf("agents round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestMemoryTTL(t *testing.T) {
	m := MemoryConfig{ExperimentTTL: "720h"}
	assert.Equal(t, 30*24*time.Hour, m.ExperimentTTLDuration())
	assert.Equal(t, 30*24*time.Hour, MemoryConfig{}.ExperimentTTLDuration())
}
