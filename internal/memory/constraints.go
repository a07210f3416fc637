// Package memory implements the tiered constraint library and incident
// database: the council's persistent institutional memory. The kernel injects
// recalled constraints into agent context but owns no logic about how they
// are stored or promoted between tiers.
package memory

import (
	"fmt"
	"time"
)

// Tier classifies how much trust a constraint has earned.
type Tier string

const (
	TierImmutable    Tier = "immutable"    // core rules, never expire, never rewritten
	TierValidated    Tier = "validated"    // human-approved, stable
	TierExperimental Tier = "experimental" // auto-learned, trial period
	TierLogged       Tier = "logged"       // informational only
)

// Valid reports whether the tier is one of the known values.
func (t Tier) Valid() bool {
	switch t {
	case TierImmutable, TierValidated, TierExperimental, TierLogged:
		return true
	}
	return false
}

// Immutable reports whether a mediator resolution may touch this tier.
func (t Tier) Immutable() bool {
	return t == TierImmutable
}

// Constraint is one learned or configured rule the council enforces.
type Constraint struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	Pattern     string     `json:"pattern"`
	Tier        Tier       `json:"tier"`
	Language    string     `json:"language,omitempty"` // empty matches all
	Domain      string     `json:"domain"`             // security, performance, general
	Source      string     `json:"source"`             // agent name or reflexion_loop
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	Active      bool       `json:"active"`
	Warning     string     `json:"warning,omitempty"`
}

// Expired reports whether the constraint's trial period ended.
func (c Constraint) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && now.After(*c.ExpiresAt)
}

// Matches applies scope matching: language must agree when both set, and a
// general query recalls everything while a specific domain recalls general
// plus that domain.
func (c Constraint) Matches(language, domain string) bool {
	if c.Language != "" && language != "" && c.Language != language {
		return false
	}
	if domain == "" || domain == "general" {
		return true
	}
	return c.Domain == "general" || c.Domain == domain
}

// Render formats the constraint for injection into agent context.
func (c Constraint) Render() string {
	return fmt.Sprintf("[%s] %s (pattern: %s)", c.Tier, c.Description, c.Pattern)
}

// Incident records one execution outcome for the feedback loop.
type Incident struct {
	ID        int64     `json:"id"`
	RoundID   string    `json:"round_id"`
	Decision  string    `json:"decision"`
	Outcome   string    `json:"outcome"` // SUCCESS, FAILURE, INCIDENT, BLOCKED
	Details   string    `json:"details"`
	CreatedAt time.Time `json:"created_at"`
}
