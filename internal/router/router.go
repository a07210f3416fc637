// Package router maps a task's complexity score to a backend pool, consulting
// the budget manager's rotation chain when the nominal pool is out of
// capacity. Routing never silently drops a task.
package router

import (
	"fmt"

	"github.com/AA967-LLM/gemini-agent-governance-kernel/internal/budget"
	"github.com/AA967-LLM/gemini-agent-governance-kernel/internal/flight"
	"github.com/AA967-LLM/gemini-agent-governance-kernel/internal/logging"
	"github.com/AA967-LLM/gemini-agent-governance-kernel/internal/types"
)

// Band names for the three complexity pools.
const (
	BandTrivial    = "trivial"    // scores 1-2: lowest cost, fastest
	BandValidation = "validation" // scores 3-4: mid-tier validation
	BandFrontier   = "frontier"   // score 5: highest capability
)

// Pool binds a band to its nominal provider and model.
type Pool struct {
	Name     string
	Provider string
	Model    string
}

// Router selects the backend pool for a task. Deterministic given the task's
// complexity score and the budget manager's health snapshot.
type Router struct {
	pools    map[string]Pool   // band -> nominal pool
	models   map[string]string // provider -> default model for substitution
	budget   *budget.Manager
	recorder *flight.Recorder
}

// DefaultPools returns the routing policy the system ships with: trivial work
// goes to Flash (faster and smarter than the small open models), standard
// validation to the free Groq tier, frontier work to Pro.
func DefaultPools() []Pool {
	return []Pool{
		{Name: BandTrivial, Provider: "gemini", Model: "gemini-1.5-flash"},
		{Name: BandValidation, Provider: "groq", Model: "llama-3.3-70b-versatile"},
		{Name: BandFrontier, Provider: "gemini", Model: "gemini-1.5-pro"},
	}
}

// New creates a router over the given pools. Each pool's model doubles as the
// provider's substitution model when a rotation lands on it.
func New(pools []Pool, bm *budget.Manager, recorder *flight.Recorder) *Router {
	r := &Router{
		pools:    make(map[string]Pool, len(pools)),
		models:   make(map[string]string),
		budget:   bm,
		recorder: recorder,
	}
	for _, p := range pools {
		r.pools[p.Name] = p
		if _, ok := r.models[p.Provider]; !ok {
			r.models[p.Provider] = p.Model
		}
	}
	return r
}

// bandFor maps a complexity score to its band.
func bandFor(complexity int) string {
	switch {
	case complexity <= 2:
		return BandTrivial
	case complexity <= 4:
		return BandValidation
	default:
		return BandFrontier
	}
}

// Route selects the pool for a task. If the nominal pool's provider is out of
// capacity the budget manager's rotation chain supplies a substitute, and the
// substitution is emitted as an auditable event. If no pool is eligible the
// task fails with ErrNoEligibleBackend (trivial band) or ErrBudgetExhausted
// (circuit breaker for non-trivial tasks).
func (r *Router) Route(task types.Task) (types.RoutingDecision, error) {
	if r.recorder != nil && r.recorder.Halted() {
		return types.RoutingDecision{}, fmt.Errorf("%w: %s", types.ErrHaltActive, r.recorder.HaltReason())
	}

	band := bandFor(task.Complexity)
	pool, ok := r.pools[band]
	if !ok {
		return types.RoutingDecision{}, fmt.Errorf("%w: no pool for band %s", types.ErrNoEligibleBackend, band)
	}

	provider, err := r.budget.EligibleProvider(pool.Provider, task.Trivial())
	if err != nil {
		return types.RoutingDecision{}, err
	}

	decision := types.RoutingDecision{
		Pool:     pool.Name,
		Band:     band,
		Provider: provider,
		Model:    pool.Model,
		Reason:   fmt.Sprintf("complexity %d -> %s pool", task.Complexity, band),
	}

	if provider != pool.Provider {
		decision.Substituted = true
		if model, ok := r.models[provider]; ok {
			decision.Model = model
		}
		decision.Reason = fmt.Sprintf("complexity %d -> %s pool, %s out of capacity, rotated to %s",
			task.Complexity, band, pool.Provider, provider)
		if r.recorder != nil {
			r.recorder.Publish(types.Event{
				Kind:   types.EventRouteSubstituted,
				Source: "router",
				Payload: map[string]interface{}{
					"task":     task.ID,
					"band":     band,
					"nominal":  pool.Provider,
					"selected": provider,
				},
			})
		}
	}

	logging.Router("task %s routed: %s", task.ID, decision.Reason)
	if r.recorder != nil {
		r.recorder.Publish(types.Event{
			Kind:   types.EventRouteChosen,
			Source: "router",
			Payload: map[string]interface{}{
				"task":     task.ID,
				"band":     band,
				"provider": decision.Provider,
				"model":    decision.Model,
			},
		})
	}
	return decision, nil
}
