// Package config holds the YAML configuration for the governance kernel.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AA967-LLM/gemini-agent-governance-kernel/internal/types"
)

// Config holds all governance kernel configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Enforcing mode: FAIL verdicts block execution instead of advising.
	Enforcing bool `yaml:"enforcing"`

	// FailurePolicy controls round-level fault behavior: fail_open or fail_closed.
	FailurePolicy string `yaml:"failure_policy"`

	// Council members
	Agents []types.Agent `yaml:"agents"`

	// Provider budgets and rotation
	Providers []ProviderConfig `yaml:"providers"`

	// Consensus policy constants
	Policy PolicyConfig `yaml:"policy"`

	// Constraint/incident store
	Memory MemoryConfig `yaml:"memory"`

	// Operator queue
	Operator OperatorConfig `yaml:"operator"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// ProviderConfig configures one backend provider's ceilings and fallbacks.
type ProviderConfig struct {
	Name           string   `yaml:"name"`
	APIKey         string   `yaml:"api_key"`
	BaseURL        string   `yaml:"base_url"`
	RequestsPerMin int      `yaml:"requests_per_min"`
	TokensPerMin   int      `yaml:"tokens_per_min"`
	DailyBudgetUSD float64  `yaml:"daily_budget_usd"`
	CostPerToken   float64  `yaml:"cost_per_token"`
	Rotation       []string `yaml:"rotation"` // ordered fallback providers
}

// PolicyConfig holds the consensus policy constants. The deadlock band and
// veto threshold are deliberately configurable rather than hardcoded.
type PolicyConfig struct {
	VetoThreshold   float64 `yaml:"veto_threshold"`    // validator Fail above this vetoes
	PassCutoff      float64 `yaml:"pass_cutoff"`       // score > cutoff => PASS
	FailCutoff      float64 `yaml:"fail_cutoff"`       // score < cutoff => FAIL
	TrustFloorClass int     `yaml:"trust_floor_class"` // min capability class for security-critical work
	AgentTimeout    string  `yaml:"agent_timeout"`     // per-call timeout
	CouncilTimeout  string  `yaml:"council_timeout"`   // whole-round timeout
	MediationBudget int     `yaml:"mediation_budget"`  // spawn budget per session
	LoopWindow      int     `yaml:"loop_window"`       // sliding window size
	LoopThreshold   int     `yaml:"loop_threshold"`    // identical actions before halt
	AlertThreshold  float64 `yaml:"alert_threshold"`   // budget alert fraction
}

// AgentTimeoutDuration parses the per-call timeout with a safe default.
func (p PolicyConfig) AgentTimeoutDuration() time.Duration {
	return parseDurationOr(p.AgentTimeout, 30*time.Second)
}

// CouncilTimeoutDuration parses the round timeout with a safe default.
func (p PolicyConfig) CouncilTimeoutDuration() time.Duration {
	return parseDurationOr(p.CouncilTimeout, 60*time.Second)
}

func parseDurationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// MemoryConfig configures the SQLite constraint/incident store.
type MemoryConfig struct {
	DatabasePath  string `yaml:"database_path"`
	ExperimentTTL string `yaml:"experiment_ttl"` // lifetime of auto-learned constraints
	MinPatternLen int    `yaml:"min_pattern_len"`
}

// ExperimentTTLDuration parses the experimental constraint lifetime.
func (m MemoryConfig) ExperimentTTLDuration() time.Duration {
	return parseDurationOr(m.ExperimentTTL, 30*24*time.Hour)
}

// OperatorConfig configures the human-intervention queue.
type OperatorConfig struct {
	QueueDir string `yaml:"queue_dir"`
}

// LoggingConfig configures the categorized file logger.
type LoggingConfig struct {
	Debug bool   `yaml:"debug"`
	Level string `yaml:"level"`
}

// Default returns the baseline configuration: a lead architect with triple
// weight and an adversarial validator holding veto power, the hierarchy the
// council was designed around.
func Default() *Config {
	return &Config{
		Name:          "governance-kernel",
		Version:       "1.0",
		Enforcing:     false,
		FailurePolicy: "fail_open",
		Agents: []types.Agent{
			{
				ID:              "lead-architect",
				Name:            "LeadArchitect",
				Provider:        "gemini",
				Model:           "gemini-1.5-pro",
				Weight:          3.0,
				CapabilityClass: 4,
				Role:            types.RoleLead,
			},
			{
				ID:              "adversarial-validator",
				Name:            "AdversarialValidator",
				Provider:        "groq",
				Model:           "llama-3.3-70b-versatile",
				Weight:          1.0,
				CapabilityClass: 3,
				Role:            types.RoleValidator,
				VetoPower:       true,
			},
		},
		Providers: []ProviderConfig{
			{
				Name:           "gemini",
				RequestsPerMin: 30,
				TokensPerMin:   600000,
				DailyBudgetUSD: 5.0,
				CostPerToken:   0.000005,
				Rotation:       []string{"groq"},
			},
			{
				Name:           "groq",
				BaseURL:        "https://api.groq.com/openai/v1",
				RequestsPerMin: 30,
				TokensPerMin:   40000,
				DailyBudgetUSD: 0, // free tier, rate limited only
				Rotation:       []string{"gemini"},
			},
		},
		Policy: PolicyConfig{
			VetoThreshold:   0.8,
			PassCutoff:      0.6,
			FailCutoff:      0.4,
			TrustFloorClass: 3,
			AgentTimeout:    "30s",
			CouncilTimeout:  "60s",
			MediationBudget: 3,
			LoopWindow:      10,
			LoopThreshold:   3,
			AlertThreshold:  0.8,
		},
		Memory: MemoryConfig{
			DatabasePath:  ".govern/memory.db",
			ExperimentTTL: "720h",
			MinPatternLen: 3,
		},
		Operator: OperatorConfig{
			QueueDir: ".govern/queue",
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads a YAML config from path, layered over defaults, then applies
// environment overrides. A missing file yields the default config.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// applyEnvOverrides layers environment variables over file values.
// GOVERN_ENV=production flips the failure policy to fail_closed.
func (c *Config) applyEnvOverrides() {
	for i := range c.Providers {
		envKey := fmt.Sprintf("GOVERN_%s_API_KEY", upper(c.Providers[i].Name))
		if v := os.Getenv(envKey); v != "" {
			c.Providers[i].APIKey = v
		}
	}
	if os.Getenv("GOVERN_ENV") == "production" {
		c.FailurePolicy = "fail_closed"
	}
	if os.Getenv("GOVERN_ENFORCING") == "1" {
		c.Enforcing = true
	}
	if os.Getenv("GOVERN_DEBUG") == "1" {
		c.Logging.Debug = true
	}
}

func upper(s string) string {
	b := []byte(s)
	for i := range b {
		if b[i] >= 'a' && b[i] <= 'z' {
			b[i] -= 'a' - 'A'
		}
	}
	return string(b)
}

// Validate checks structural invariants the rest of the system relies on.
func (c *Config) Validate() error {
	if len(c.Agents) == 0 {
		return fmt.Errorf("config: at least one agent required")
	}
	seen := make(map[string]bool, len(c.Agents))
	for _, a := range c.Agents {
		if a.ID == "" {
			return fmt.Errorf("config: agent %q missing id", a.Name)
		}
		if seen[a.ID] {
			return fmt.Errorf("config: duplicate agent id %q", a.ID)
		}
		seen[a.ID] = true
		if a.Weight <= 0 {
			return fmt.Errorf("config: agent %q weight must be positive, got %v", a.ID, a.Weight)
		}
		if !c.hasProvider(a.Provider) {
			return fmt.Errorf("config: agent %q references unknown provider %q", a.ID, a.Provider)
		}
	}
	p := c.Policy
	if p.FailCutoff >= p.PassCutoff {
		return fmt.Errorf("config: fail_cutoff %v must be below pass_cutoff %v", p.FailCutoff, p.PassCutoff)
	}
	if p.VetoThreshold < 0 || p.VetoThreshold > 1 {
		return fmt.Errorf("config: veto_threshold %v out of [0,1]", p.VetoThreshold)
	}
	if p.LoopThreshold < 2 {
		return fmt.Errorf("config: loop_threshold %d too low", p.LoopThreshold)
	}
	switch c.FailurePolicy {
	case "fail_open", "fail_closed":
	default:
		return fmt.Errorf("config: failure_policy must be fail_open or fail_closed, got %q", c.FailurePolicy)
	}
	return nil
}

func (c *Config) hasProvider(name string) bool {
	for _, p := range c.Providers {
		if p.Name == name {
			return true
		}
	}
	return false
}

// Provider returns the config for a named provider.
func (c *Config) Provider(name string) (ProviderConfig, bool) {
	for _, p := range c.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return ProviderConfig{}, false
}
