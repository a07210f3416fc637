package types

import "errors"

// Structural failure taxonomy. Transient per-call failures (timeouts, agent
// errors) are absorbed as abstentions and never surface through these.
var (
	// ErrUnknownAgent is returned when an unregistered agent identity is referenced.
	ErrUnknownAgent = errors.New("unknown agent")

	// ErrNoEligibleBackend is returned when routing finds no pool able to take a task.
	ErrNoEligibleBackend = errors.New("no eligible backend")

	// ErrTrustFloorViolation is returned when a security-critical task would be
	// evaluated only by agents below the minimum capability class.
	ErrTrustFloorViolation = errors.New("trust floor violation")

	// ErrBudgetExhausted is returned when the full rotation chain for a required
	// capability class is exhausted and the task is non-trivial.
	ErrBudgetExhausted = errors.New("budget exhausted")

	// ErrMediationBudgetExhausted is recorded when the per-session mediation
	// spawn budget has no remaining capacity.
	ErrMediationBudgetExhausted = errors.New("mediation budget exhausted")

	// ErrHaltActive is returned when a new round is requested while a loop
	// detection halt has not been cleared by an operator.
	ErrHaltActive = errors.New("halt active: operator intervention required")
)
