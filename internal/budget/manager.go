// Package budget tracks per-provider consumption against rate and cost
// ceilings, supplies the rotation chain used on exhaustion, and acts as the
// circuit breaker that preserves the trust floor: non-trivial tasks are
// rejected rather than silently degraded to an under-qualified backend.
package budget

import (
	"fmt"
	"sync"
	"time"

	"github.com/AA967-LLM/gemini-agent-governance-kernel/internal/config"
	"github.com/AA967-LLM/gemini-agent-governance-kernel/internal/flight"
	"github.com/AA967-LLM/gemini-agent-governance-kernel/internal/logging"
	"github.com/AA967-LLM/gemini-agent-governance-kernel/internal/types"
)

// HealthSink receives provider health transitions. Implemented by the agent
// registry; abstracted here to keep the dependency one-directional.
type HealthSink interface {
	MarkProviderHealth(provider string, health types.AgentHealth)
}

// providerState holds one provider's counters. Mutated only under Manager.mu
// so an increment-and-check can never race another call past a ceiling.
type providerState struct {
	cfg config.ProviderConfig

	windowStart    time.Time
	windowRequests int
	windowTokens   int
	alerted        bool // one alert per window

	day     string // YYYY-MM-DD of dayCost
	dayCost float64

	health types.AgentHealth
}

// Manager is the token/budget manager. All counter updates are atomic per
// provider: increment-and-check happens under one lock.
type Manager struct {
	mu        sync.Mutex
	providers map[string]*providerState
	order     []string

	recorder       *flight.Recorder
	sink           HealthSink
	alertThreshold float64
	recovered      []string // providers healed by a window roll, pending sink delivery

	store *stateStore // optional daily-spend persistence

	now func() time.Time // injectable clock for tests
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock injects a clock, used by window tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithPersistence enables daily-spend persistence under the workspace.
func WithPersistence(workspace string) Option {
	return func(m *Manager) { m.store = newStateStore(workspace) }
}

// NewManager creates a budget manager for the configured providers.
func NewManager(providers []config.ProviderConfig, recorder *flight.Recorder, sink HealthSink, alertThreshold float64, opts ...Option) *Manager {
	if alertThreshold <= 0 || alertThreshold >= 1 {
		alertThreshold = 0.8
	}
	m := &Manager{
		providers:      make(map[string]*providerState, len(providers)),
		recorder:       recorder,
		sink:           sink,
		alertThreshold: alertThreshold,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	for _, p := range providers {
		m.providers[p.Name] = &providerState{
			cfg:         p,
			windowStart: m.now(),
			day:         m.now().Format("2006-01-02"),
			health:      types.HealthAvailable,
		}
		m.order = append(m.order, p.Name)
	}
	if m.store != nil {
		m.store.restore(m)
	}
	return m
}

// rollWindows resets expired counters. Caller holds mu. Reports whether an
// expired rate limit or exhaustion was lifted; the caller must propagate the
// recovery to the health sink once the lock is released, otherwise the
// registry keeps agents sidelined after the window has rolled.
func (s *providerState) rollWindows(now time.Time) (recovered bool) {
	if now.Sub(s.windowStart) >= time.Minute {
		s.windowStart = now
		s.windowRequests = 0
		s.windowTokens = 0
		s.alerted = false
		if s.health == types.HealthRateLimited {
			s.health = types.HealthAvailable
			recovered = true
		}
	}
	if day := now.Format("2006-01-02"); day != s.day {
		s.day = day
		s.dayCost = 0
		if s.health == types.HealthExhausted {
			s.health = types.HealthAvailable
			recovered = true
		}
	}
	return recovered
}

// rollLocked rolls one provider's windows and queues any health recovery for
// the sink. Caller holds mu.
func (m *Manager) rollLocked(s *providerState) {
	if s.rollWindows(m.now()) {
		m.recovered = append(m.recovered, s.cfg.Name)
	}
}

// notifyRecovered delivers queued health recoveries. Caller must not hold mu.
func (m *Manager) notifyRecovered() {
	m.mu.Lock()
	pending := m.recovered
	m.recovered = nil
	m.mu.Unlock()
	for _, p := range pending {
		logging.Budget("provider %s -> %s", p, types.HealthAvailable)
		if m.sink != nil {
			m.sink.MarkProviderHealth(p, types.HealthAvailable)
		}
	}
}

// CanInvoke reports whether a provider has headroom for one more call.
// The returned reason is diagnostic, suitable for events and errors.
func (m *Manager) CanInvoke(provider string) (bool, string) {
	m.mu.Lock()
	ok, reason := m.canInvokeLocked(provider)
	m.mu.Unlock()
	m.notifyRecovered()
	return ok, reason
}

func (m *Manager) canInvokeLocked(provider string) (bool, string) {
	s, ok := m.providers[provider]
	if !ok {
		return false, fmt.Sprintf("unknown provider %q", provider)
	}
	m.rollLocked(s)

	switch s.health {
	case types.HealthFailed:
		return false, fmt.Sprintf("%s marked failed", provider)
	case types.HealthRateLimited:
		return false, fmt.Sprintf("%s rate limited until window reset", provider)
	case types.HealthExhausted:
		return false, fmt.Sprintf("%s daily budget exhausted", provider)
	}
	if s.cfg.RequestsPerMin > 0 && s.windowRequests >= s.cfg.RequestsPerMin {
		return false, fmt.Sprintf("%s request ceiling reached (%d/min)", provider, s.cfg.RequestsPerMin)
	}
	if s.cfg.TokensPerMin > 0 && s.windowTokens >= s.cfg.TokensPerMin {
		return false, fmt.Sprintf("%s token ceiling reached (%d/min)", provider, s.cfg.TokensPerMin)
	}
	if s.cfg.DailyBudgetUSD > 0 && s.dayCost >= s.cfg.DailyBudgetUSD {
		return false, fmt.Sprintf("%s daily budget %.2f USD spent", provider, s.cfg.DailyBudgetUSD)
	}
	return true, "ok"
}

// CanAfford reports whether a provider has headroom for an estimated spend,
// on top of the plain CanInvoke checks. Used by the mediator's escalating
// cost estimates before each spawn.
func (m *Manager) CanAfford(provider string, estTokens int) (bool, string) {
	m.mu.Lock()
	ok, reason := m.canAffordLocked(provider, estTokens)
	m.mu.Unlock()
	m.notifyRecovered()
	return ok, reason
}

func (m *Manager) canAffordLocked(provider string, estTokens int) (bool, string) {
	if ok, reason := m.canInvokeLocked(provider); !ok {
		return false, reason
	}
	s := m.providers[provider]
	if s.cfg.TokensPerMin > 0 && s.windowTokens+estTokens > s.cfg.TokensPerMin {
		return false, fmt.Sprintf("%s: estimated %d tokens would cross the window ceiling", provider, estTokens)
	}
	if s.cfg.DailyBudgetUSD > 0 && s.cfg.CostPerToken > 0 {
		if s.dayCost+float64(estTokens)*s.cfg.CostPerToken > s.cfg.DailyBudgetUSD {
			return false, fmt.Sprintf("%s: estimated cost would cross the daily budget", provider)
		}
	}
	return true, "ok"
}

// Record registers one completed call's consumption and runs the
// increment-and-check: ceilings crossed here mark the provider and propagate
// health to the registry. A 429 status rate-limits the provider immediately.
func (m *Manager) Record(usage types.Usage) {
	m.mu.Lock()
	s, ok := m.providers[usage.Provider]
	if !ok {
		m.mu.Unlock()
		return
	}
	m.rollLocked(s)

	s.windowRequests++
	s.windowTokens += usage.TotalTokens()
	if s.cfg.CostPerToken > 0 {
		s.dayCost += float64(usage.TotalTokens()) * s.cfg.CostPerToken
	}

	snap := m.snapshotLocked(s)
	util := snap.Utilization()

	var transitions []types.AgentHealth
	if usage.StatusCode == 429 {
		s.health = types.HealthRateLimited
		transitions = append(transitions, types.HealthRateLimited)
	} else {
		if (s.cfg.RequestsPerMin > 0 && s.windowRequests >= s.cfg.RequestsPerMin) ||
			(s.cfg.TokensPerMin > 0 && s.windowTokens >= s.cfg.TokensPerMin) {
			s.health = types.HealthRateLimited
			transitions = append(transitions, types.HealthRateLimited)
		}
		if s.cfg.DailyBudgetUSD > 0 && s.dayCost >= s.cfg.DailyBudgetUSD {
			s.health = types.HealthExhausted
			transitions = append(transitions, types.HealthExhausted)
		}
	}

	alert := false
	if util >= m.alertThreshold && !s.alerted {
		s.alerted = true
		alert = true
	}

	if m.store != nil {
		m.store.scheduleSave(m)
	}
	m.mu.Unlock()
	m.notifyRecovered()

	logging.BudgetDebug("recorded %s: %d tokens, window=%d req, util=%.0f%%",
		usage.Provider, usage.TotalTokens(), snap.WindowRequests, util*100)

	if alert && m.recorder != nil {
		m.recorder.Publish(types.Event{
			Kind:   types.EventBudgetAlert,
			Source: "budget_manager",
			Payload: map[string]interface{}{
				"provider":    usage.Provider,
				"utilization": util,
			},
		})
	}
	for _, h := range transitions {
		logging.Budget("provider %s -> %s", usage.Provider, h)
		if m.sink != nil {
			m.sink.MarkProviderHealth(usage.Provider, h)
		}
	}
}

// MarkFailed flags a provider as hard-failed (repeated transport errors).
func (m *Manager) MarkFailed(provider string) {
	m.mu.Lock()
	if s, ok := m.providers[provider]; ok {
		s.health = types.HealthFailed
	}
	m.mu.Unlock()
	if m.sink != nil {
		m.sink.MarkProviderHealth(provider, types.HealthFailed)
	}
}

// RotationChain returns the ordered fallback providers configured for one
// provider. The chain never includes the provider itself.
func (m *Manager) RotationChain(provider string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.providers[provider]
	if !ok {
		return nil
	}
	out := make([]string, len(s.cfg.Rotation))
	copy(out, s.cfg.Rotation)
	return out
}

// EligibleProvider walks primary-then-rotation-chain and returns the first
// provider with headroom. When the whole chain is exhausted: trivial tasks
// get ErrNoEligibleBackend (the router may still find spare capacity
// elsewhere), non-trivial tasks trip the circuit breaker with
// ErrBudgetExhausted so they are never degraded to an under-qualified
// backend.
func (m *Manager) EligibleProvider(primary string, trivial bool) (string, error) {
	m.mu.Lock()
	candidates := []string{primary}
	if s, ok := m.providers[primary]; ok {
		candidates = append(candidates, s.cfg.Rotation...)
	}

	var (
		chosen  string
		reasons []string
	)
	for _, c := range candidates {
		if ok, reason := m.canInvokeLocked(c); ok {
			chosen = c
			break
		} else {
			reasons = append(reasons, reason)
		}
	}
	m.mu.Unlock()
	m.notifyRecovered()

	if chosen != "" {
		return chosen, nil
	}

	detail := fmt.Sprintf("rotation chain for %s exhausted: %v", primary, reasons)
	if trivial {
		return "", fmt.Errorf("%w: %s", types.ErrNoEligibleBackend, detail)
	}
	if m.recorder != nil {
		m.recorder.Publish(types.Event{
			Kind:   types.EventBudgetExhausted,
			Source: "budget_manager",
			Payload: map[string]interface{}{
				"provider": primary,
				"detail":   detail,
			},
		})
	}
	return "", fmt.Errorf("%w: %s", types.ErrBudgetExhausted, detail)
}

// Snapshot returns read-only views of every provider's counters.
func (m *Manager) Snapshot() []types.BudgetSnapshot {
	m.mu.Lock()
	out := make([]types.BudgetSnapshot, 0, len(m.order))
	for _, name := range m.order {
		s := m.providers[name]
		m.rollLocked(s)
		out = append(out, m.snapshotLocked(s))
	}
	m.mu.Unlock()
	m.notifyRecovered()
	return out
}

func (m *Manager) snapshotLocked(s *providerState) types.BudgetSnapshot {
	return types.BudgetSnapshot{
		Provider:       s.cfg.Name,
		WindowRequests: s.windowRequests,
		WindowTokens:   s.windowTokens,
		RequestCeiling: s.cfg.RequestsPerMin,
		TokenCeiling:   s.cfg.TokensPerMin,
		PeriodCost:     s.dayCost,
		CostCeiling:    s.cfg.DailyBudgetUSD,
		Health:         s.health,
	}
}

// Flush forces pending persistence to disk (used on shutdown).
func (m *Manager) Flush() error {
	if m.store == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.save(m)
}
