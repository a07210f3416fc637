// Package registry holds the static metadata and runtime health of every
// registered backend agent. It is read-mostly shared state: consumers read
// snapshots, only the budget manager and call outcomes mutate health.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/AA967-LLM/gemini-agent-governance-kernel/internal/logging"
	"github.com/AA967-LLM/gemini-agent-governance-kernel/internal/types"
)

// Registry is an instance-based agent registry supporting dependency
// injection for parallel testing. Weight and capability class are
// configuration and never change after Register.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*types.Agent
	order  []string // registration order, for stable listings
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{agents: make(map[string]*types.Agent)}
}

// FromConfig builds a registry pre-populated with the configured council.
func FromConfig(agents []types.Agent) (*Registry, error) {
	r := New()
	for _, a := range agents {
		if err := r.Register(a); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds an agent. Health starts Available unless set otherwise.
func (r *Registry) Register(agent types.Agent) error {
	if agent.ID == "" {
		return fmt.Errorf("registry: agent id required")
	}
	if agent.Weight <= 0 {
		return fmt.Errorf("registry: agent %s weight must be positive", agent.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[agent.ID]; exists {
		return fmt.Errorf("registry: agent %s already registered", agent.ID)
	}
	a := agent
	r.agents[agent.ID] = &a
	r.order = append(r.order, agent.ID)
	logging.Get(logging.CategoryBoot).Info("registered agent %s (%s, weight=%.1f, class=%d)",
		a.ID, a.Provider, a.Weight, a.CapabilityClass)
	return nil
}

// Get returns a copy of one agent.
func (r *Registry) Get(id string) (types.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	if !ok {
		return types.Agent{}, fmt.Errorf("%w: %s", types.ErrUnknownAgent, id)
	}
	return *a, nil
}

// ListAvailable returns copies of all agents whose health is Available and
// whose capability class is at least minClass. Order is registration order.
func (r *Registry) ListAvailable(minClass int) []types.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []types.Agent
	for _, id := range r.order {
		a := r.agents[id]
		if a.Health != types.HealthAvailable {
			continue
		}
		if a.CapabilityClass < minClass {
			continue
		}
		out = append(out, *a)
	}
	return out
}

// ListAll returns copies of every registered agent regardless of health.
func (r *Registry) ListAll() []types.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Agent, 0, len(r.agents))
	for _, id := range r.order {
		out = append(out, *r.agents[id])
	}
	return out
}

// MarkHealth updates the only mutable field of a registered agent.
func (r *Registry) MarkHealth(id string, health types.AgentHealth) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrUnknownAgent, id)
	}
	if a.Health != health {
		logging.Get(logging.CategoryBudget).Info("agent %s health %s -> %s", id, a.Health, health)
	}
	a.Health = health
	return nil
}

// MarkProviderHealth updates health for every agent on a provider. Used by
// the budget manager when a ceiling is crossed.
func (r *Registry) MarkProviderHealth(provider string, health types.AgentHealth) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.agents {
		if a.Provider == provider {
			a.Health = health
		}
	}
}

// Providers returns the distinct providers present in the registry, sorted.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := make(map[string]bool)
	for _, a := range r.agents {
		set[a.Provider] = true
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
