// Package types provides shared type definitions used across governance packages.
// This package exists to break import cycles between council, router, budget, and
// kernel. Types in this package should be foundational data structures with no
// complex dependencies.
package types

import (
	"fmt"
	"time"
)

// =============================================================================
// AGENTS
// =============================================================================

// AgentHealth tracks the runtime availability of a backend.
// Health is the only mutable field on an Agent; it is updated by the Budget
// Manager and by call outcomes, never by Registry consumers themselves.
type AgentHealth int

const (
	HealthAvailable AgentHealth = iota
	HealthRateLimited
	HealthExhausted
	HealthFailed
)

func (h AgentHealth) String() string {
	switch h {
	case HealthAvailable:
		return "available"
	case HealthRateLimited:
		return "rate_limited"
	case HealthExhausted:
		return "exhausted"
	case HealthFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", h)
	}
}

// AgentRole describes an agent's function inside the council.
type AgentRole string

const (
	RoleLead       AgentRole = "lead"
	RoleValidator  AgentRole = "validator"
	RoleSpecialist AgentRole = "specialist"
)

// Agent holds the static configuration and runtime health of one backend.
// Weight and CapabilityClass are configuration, not runtime state: they are
// never mutated after registration.
type Agent struct {
	ID              string      `json:"id" yaml:"id"`
	Name            string      `json:"name" yaml:"name"`
	Provider        string      `json:"provider" yaml:"provider"`
	Model           string      `json:"model" yaml:"model"`
	Weight          float64     `json:"weight" yaml:"weight"`
	CapabilityClass int         `json:"capability_class" yaml:"capability_class"`
	Role            AgentRole   `json:"role" yaml:"role"`
	VetoPower       bool        `json:"veto_power" yaml:"veto_power"`
	Health          AgentHealth `json:"health" yaml:"-"`
}

// =============================================================================
// TASKS AND VERDICTS
// =============================================================================

// Task is an immutable unit of work submitted for deliberation.
type Task struct {
	ID               string
	Payload          string // artifact under review (e.g., generated code)
	Context          string
	Language         string
	Domain           string
	Complexity       int // ordinal 1-5
	SecurityCritical bool
	MinCapability    int // required capability class for security-critical work
}

// Validate checks the structural invariants of a task before submission.
func (t Task) Validate() error {
	if t.Complexity < 1 || t.Complexity > 5 {
		return fmt.Errorf("task %s: complexity %d out of range [1,5]", t.ID, t.Complexity)
	}
	if t.Payload == "" {
		return fmt.Errorf("task %s: empty payload", t.ID)
	}
	return nil
}

// Trivial reports whether the task sits in the lowest complexity band.
// Trivial tasks are exempt from the budget circuit breaker.
func (t Task) Trivial() bool {
	return t.Complexity <= 2
}

// Decision is the binary outcome of a verdict or a consensus round.
type Decision string

const (
	DecisionPass Decision = "PASS"
	DecisionFail Decision = "FAIL"
)

// Verdict is one agent's opinion on one task, produced exactly once per agent
// per evaluation round and never mutated after creation.
type Verdict struct {
	AgentID    string        `json:"agent_id"`
	AgentName  string        `json:"agent_name"`
	Decision   Decision      `json:"decision"`
	Confidence float64       `json:"confidence"` // [0,1]
	Rationale  string        `json:"rationale"`
	Latency    time.Duration `json:"latency"`
}

// Abstention records an agent call that produced no verdict (timeout or
// transport error). Abstentions carry zero weight in consensus arithmetic.
type Abstention struct {
	AgentID string `json:"agent_id"`
	Reason  string `json:"reason"`
}

// =============================================================================
// CONSENSUS
// =============================================================================

// ConsensusResult aggregates a round of verdicts into one decision.
// Invariant: if VetoedBy is non-empty, Decision is DecisionFail regardless of
// the weighted score.
type ConsensusResult struct {
	RoundID       string          `json:"round_id"`
	Decision      Decision        `json:"decision"`
	Confidence    float64         `json:"confidence"`
	WeightedScore float64         `json:"weighted_score"`
	VetoedBy      string          `json:"vetoed_by,omitempty"`
	Deadlocked    bool            `json:"deadlocked"`
	Mediated      bool            `json:"mediated"`
	Reason        string          `json:"reason"`
	Verdicts      []Verdict       `json:"verdicts"`
	Abstentions   []Abstention    `json:"abstentions,omitempty"`
	Route         RoutingDecision `json:"route"`
}

// RoutingDecision records which pool a task was sent to and why.
// It is a pure function of the task's complexity score and the budget
// manager's health snapshot at routing time.
type RoutingDecision struct {
	Pool        string `json:"pool"`
	Band        string `json:"band"` // trivial, validation, frontier
	Provider    string `json:"provider"`
	Model       string `json:"model"`
	Reason      string `json:"reason"`
	Substituted bool   `json:"substituted"` // rotation chain replaced the nominal pool
}

// DeadlockCase captures the state handed to the Mediator when a round lands
// in the deadlock band.
type DeadlockCase struct {
	Task        Task
	Result      ConsensusResult
	Round       int // monotonically increasing per session
	SessionID   string
	Constraints []string
}

// MediationAction is the outcome class of a mediation attempt.
type MediationAction string

const (
	MediationApplyResolution MediationAction = "APPLY_RESOLUTION"
	MediationHalt            MediationAction = "HALT"
)

// MediationResult is the outcome of exactly one mediation attempt.
// One mediation per DeadlockCase; never recursive without explicit budget.
type MediationResult struct {
	Action                MediationAction `json:"action"`
	RewrittenInstructions string          `json:"rewritten_instructions,omitempty"`
	Confidence            float64         `json:"confidence"`
	RequiresHuman         bool            `json:"requires_human"`
	Reason                string          `json:"reason"`
}

// =============================================================================
// BUDGETS
// =============================================================================

// Usage reports the consumption of one completed agent call.
type Usage struct {
	Provider     string
	Model        string
	InputTokens  int
	OutputTokens int
	StatusCode   int // 429 triggers immediate rotation
}

// TotalTokens returns input plus output tokens.
func (u Usage) TotalTokens() int {
	return u.InputTokens + u.OutputTokens
}

// BudgetSnapshot is a read-only view of one provider's counters, used by the
// router and for status display.
type BudgetSnapshot struct {
	Provider       string      `json:"provider"`
	WindowRequests int         `json:"window_requests"`
	WindowTokens   int         `json:"window_tokens"`
	RequestCeiling int         `json:"request_ceiling"`
	TokenCeiling   int         `json:"token_ceiling"`
	PeriodCost     float64     `json:"period_cost"`
	CostCeiling    float64     `json:"cost_ceiling"`
	Health         AgentHealth `json:"health"`
}

// Utilization returns the highest fraction consumed across all ceilings.
func (s BudgetSnapshot) Utilization() float64 {
	max := 0.0
	if s.RequestCeiling > 0 {
		if f := float64(s.WindowRequests) / float64(s.RequestCeiling); f > max {
			max = f
		}
	}
	if s.TokenCeiling > 0 {
		if f := float64(s.WindowTokens) / float64(s.TokenCeiling); f > max {
			max = f
		}
	}
	if s.CostCeiling > 0 {
		if f := s.PeriodCost / s.CostCeiling; f > max {
			max = f
		}
	}
	return max
}
