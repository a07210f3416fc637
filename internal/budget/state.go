package budget

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/AA967-LLM/gemini-agent-governance-kernel/internal/logging"
)

// persistedState survives process restarts so a crash cannot reset the daily
// spend and blow the cost ceiling. Window counters are deliberately not
// persisted: a minute window never outlives a restart meaningfully.
type persistedState struct {
	Version string                    `json:"version"`
	Spend   map[string]providerSpend  `json:"spend"`
}

type providerSpend struct {
	Day  string  `json:"day"`
	Cost float64 `json:"cost"`
}

// stateStore handles debounced JSON persistence of daily spend.
type stateStore struct {
	path  string
	dirty bool
}

func newStateStore(workspace string) *stateStore {
	dir := filepath.Join(workspace, ".govern")
	if err := os.MkdirAll(dir, 0755); err != nil {
		logging.Get(logging.CategoryBudget).Warn("cannot create state dir: %v", err)
	}
	return &stateStore{path: filepath.Join(dir, "budget_state.json")}
}

// restore loads persisted daily spend into the manager. Caller holds no lock
// (called from NewManager before the manager is shared).
func (st *stateStore) restore(m *Manager) {
	data, err := os.ReadFile(st.path)
	if err != nil {
		return // missing or unreadable state starts fresh
	}
	var ps persistedState
	if err := json.Unmarshal(data, &ps); err != nil {
		logging.Get(logging.CategoryBudget).Warn("corrupt budget state, starting fresh: %v", err)
		return
	}
	today := m.now().Format("2006-01-02")
	for name, spend := range ps.Spend {
		s, ok := m.providers[name]
		if !ok || spend.Day != today {
			continue
		}
		s.dayCost = spend.Cost
	}
}

// scheduleSave debounces writes. Caller holds m.mu.
func (st *stateStore) scheduleSave(m *Manager) {
	if st.dirty {
		return
	}
	st.dirty = true
	time.AfterFunc(5*time.Second, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if err := st.save(m); err != nil {
			logging.Get(logging.CategoryBudget).Warn("budget state save failed: %v", err)
		}
	})
}

// save writes the state synchronously. Caller holds m.mu.
func (st *stateStore) save(m *Manager) error {
	ps := persistedState{Version: "1.0", Spend: make(map[string]providerSpend, len(m.providers))}
	for name, s := range m.providers {
		ps.Spend[name] = providerSpend{Day: s.day, Cost: s.dayCost}
	}
	st.dirty = false
	data, err := json.MarshalIndent(ps, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(st.path, data, 0644)
}
