package mediator

import (
	"fmt"
	"sync"

	"github.com/AA967-LLM/gemini-agent-governance-kernel/internal/types"
)

// baseSpawnCost is the estimated token cost of one mediation analysis.
// Later attempts in a session are assumed more expensive: the conflict
// that survived a mediation needs a deeper pass.
const baseSpawnCost = 4000

var spawnCostMultiplier = []float64{1.0, 1.5, 2.0}

// SpawnController enforces the per-session mediation budget so deadlock
// resolution can never become a resource exhaustion vector.
type SpawnController struct {
	mu        sync.Mutex
	maxSpawns int
	sessions  map[string]int
	budget    BudgetChecker
}

// NewSpawnController creates a controller with the given per-session cap.
func NewSpawnController(maxSpawns int, budget BudgetChecker) *SpawnController {
	if maxSpawns <= 0 {
		maxSpawns = 3
	}
	return &SpawnController{
		maxSpawns: maxSpawns,
		sessions:  make(map[string]int),
		budget:    budget,
	}
}

// CanSpawn checks both the spawn count and the escalating cost estimate
// against provider headroom.
func (c *SpawnController) CanSpawn(sessionID, provider string) (bool, string) {
	c.mu.Lock()
	count := c.sessions[sessionID]
	c.mu.Unlock()

	if count >= c.maxSpawns {
		return false, fmt.Sprintf("%v: max spawns (%d) reached", types.ErrMediationBudgetExhausted, c.maxSpawns)
	}

	if c.budget != nil {
		mult := spawnCostMultiplier[len(spawnCostMultiplier)-1]
		if count < len(spawnCostMultiplier) {
			mult = spawnCostMultiplier[count]
		}
		estimated := int(baseSpawnCost * mult)
		if ok, reason := c.budget.CanAfford(provider, estimated); !ok {
			return false, fmt.Sprintf("budget insufficient for mediation: %s", reason)
		}
	}
	return true, fmt.Sprintf("ok (attempt %d)", count+1)
}

// RecordSpawn consumes one unit of the session's budget.
func (c *SpawnController) RecordSpawn(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[sessionID]++
}

// Remaining returns the unused budget for a session.
func (c *SpawnController) Remaining(sessionID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	left := c.maxSpawns - c.sessions[sessionID]
	if left < 0 {
		return 0
	}
	return left
}
