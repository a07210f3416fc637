// Package feedback closes the institutional memory loop: every governed
// decision's real-world outcome is recorded as an incident, and decisions
// that passed review but failed in practice are converted into new
// experimental constraints so the same mistake costs the council only once.
package feedback

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/AA967-LLM/gemini-agent-governance-kernel/internal/logging"
	"github.com/AA967-LLM/gemini-agent-governance-kernel/internal/memory"
	"github.com/AA967-LLM/gemini-agent-governance-kernel/internal/types"
)

// Outcome classifies what actually happened after a decision was enacted.
type Outcome string

const (
	OutcomeSuccess  Outcome = "SUCCESS"
	OutcomeFailure  Outcome = "FAILURE"
	OutcomeBlocked  Outcome = "BLOCKED"
	OutcomeIncident Outcome = "INCIDENT"
)

// Report carries the post-hoc evidence for a decision.
type Report struct {
	Outcome Outcome
	Detail  string // human-readable failure description
	Pattern string // code or config pattern implicated, if identifiable
	Task    types.Task
}

// Loop records outcomes and learns constraints from approvals that went bad.
type Loop struct {
	store *memory.Store
}

// NewLoop wires the feedback loop to the constraint store.
func NewLoop(store *memory.Store) *Loop {
	return &Loop{store: store}
}

// RecordOutcome persists the incident and, when a PASS decision produced a
// FAILURE or INCIDENT outcome, appends an experimental constraint capturing
// the implicated pattern. The store's own guards decide whether the learned
// constraint is safe to activate.
func (l *Loop) RecordOutcome(result *types.ConsensusResult, report Report) (*memory.Constraint, error) {
	log := logging.Get(logging.CategoryMemory)

	details, _ := json.Marshal(map[string]string{
		"detail":  report.Detail,
		"pattern": report.Pattern,
		"task":    report.Task.ID,
	})
	inc := memory.Incident{
		RoundID:  result.RoundID,
		Decision: string(result.Decision),
		Outcome:  string(report.Outcome),
		Details:  string(details),
	}
	if err := l.store.RecordIncident(inc); err != nil {
		return nil, fmt.Errorf("feedback: record incident: %w", err)
	}

	if result.Decision != types.DecisionPass {
		return nil, nil
	}
	if report.Outcome != OutcomeFailure && report.Outcome != OutcomeIncident {
		return nil, nil
	}

	c := l.constraintFromReport(result, report)
	if err := l.store.Append(c); err != nil {
		return nil, fmt.Errorf("feedback: learn constraint: %w", err)
	}
	// Re-read the stored record: the store may have deactivated an overly
	// broad pattern or stamped a trial expiry.
	if stored, err := l.store.Get(c.ID); err == nil {
		c = stored
	}
	if c.Warning != "" {
		log.Warn("learned constraint %s stored inactive: %s", c.ID, c.Warning)
	} else {
		log.Info("learned constraint %s from round %s: %s", c.ID, result.RoundID, c.Description)
	}
	return &c, nil
}

func (l *Loop) constraintFromReport(result *types.ConsensusResult, report Report) memory.Constraint {
	desc := strings.TrimSpace(report.Detail)
	if desc == "" {
		desc = fmt.Sprintf("approved change in round %s later failed", result.RoundID)
	}
	return memory.Constraint{
		ID:          "C-" + uuid.NewString()[:8],
		Description: desc,
		Pattern:     strings.TrimSpace(report.Pattern),
		Tier:        memory.TierExperimental,
		Language:    report.Task.Language,
		Domain:      report.Task.Domain,
		Source:      "feedback:" + result.RoundID,
	}
}
