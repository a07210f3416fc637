// Package council implements the consensus engine: it fans an evaluation task
// out to the routed agent set, collects verdicts, computes a weighted
// decision, applies veto rules, and invokes the mediator on deadlock.
package council

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/AA967-LLM/gemini-agent-governance-kernel/internal/agents"
	"github.com/AA967-LLM/gemini-agent-governance-kernel/internal/config"
	"github.com/AA967-LLM/gemini-agent-governance-kernel/internal/flight"
	"github.com/AA967-LLM/gemini-agent-governance-kernel/internal/logging"
	"github.com/AA967-LLM/gemini-agent-governance-kernel/internal/mediator"
	"github.com/AA967-LLM/gemini-agent-governance-kernel/internal/memory"
	"github.com/AA967-LLM/gemini-agent-governance-kernel/internal/registry"
	"github.com/AA967-LLM/gemini-agent-governance-kernel/internal/router"
	"github.com/AA967-LLM/gemini-agent-governance-kernel/internal/types"
)

// ConstraintSource recalls institutional memory for injection into agent
// context. Implemented by the memory store; nil disables recall.
type ConstraintSource interface {
	Query(language, domain string) ([]memory.Constraint, error)
}

// Escalator receives deadlock cases that need human attention: mediation
// halts and resolutions requiring ratification. Implemented by the operator
// queue.
type Escalator interface {
	Escalate(dc types.DeadlockCase, med types.MediationResult) error
}

// sessionState serializes rounds within one session. Independent sessions
// evaluate concurrently.
type sessionState struct {
	mu    sync.Mutex
	round int
}

// Engine is the consensus engine. All collaborators are injected so isolated
// engines can run side by side in tests.
type Engine struct {
	registry   *registry.Registry
	router     *router.Router
	recorder   *flight.Recorder
	mediator   *mediator.Mediator
	policy     config.PolicyConfig
	failClosed bool

	constraints ConstraintSource
	escalator   Escalator

	mu         sync.Mutex
	evaluators map[string]agents.Evaluator // agent ID -> backend
	sessions   map[string]*sessionState
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithConstraintSource wires institutional memory recall.
func WithConstraintSource(cs ConstraintSource) EngineOption {
	return func(e *Engine) { e.constraints = cs }
}

// WithEscalator wires the human-intervention queue.
func WithEscalator(esc Escalator) EngineOption {
	return func(e *Engine) { e.escalator = esc }
}

// WithFailClosed makes round-level faults (all agents abstaining) an error
// instead of a zero-confidence advisory pass.
func WithFailClosed(closed bool) EngineOption {
	return func(e *Engine) { e.failClosed = closed }
}

// NewEngine creates a consensus engine.
func NewEngine(reg *registry.Registry, rt *router.Router, rec *flight.Recorder, med *mediator.Mediator, policy config.PolicyConfig, opts ...EngineOption) *Engine {
	e := &Engine{
		registry:   reg,
		router:     rt,
		recorder:   rec,
		mediator:   med,
		policy:     policy,
		evaluators: make(map[string]agents.Evaluator),
		sessions:   make(map[string]*sessionState),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Bind attaches a backend evaluator to a registered agent.
func (e *Engine) Bind(ev agents.Evaluator) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.evaluators[ev.Agent().ID] = ev
}

func (e *Engine) session(id string) *sessionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[id]
	if !ok {
		s = &sessionState{}
		e.sessions[id] = s
	}
	return s
}

// votedCall is one settled agent call, recorded in completion order.
type votedCall struct {
	agent   types.Agent
	verdict types.Verdict
	abstain *types.Abstention
}

// Evaluate runs one consensus round for the task within the given session.
// Rounds for a session are strictly sequential; independent sessions may
// evaluate concurrently. Structural failures abort the round and surface to
// the caller; transient per-call failures are absorbed as abstentions.
func (e *Engine) Evaluate(ctx context.Context, task types.Task, sessionID string) (*types.ConsensusResult, error) {
	if e.recorder.Halted() {
		return nil, fmt.Errorf("%w: %s", types.ErrHaltActive, e.recorder.HaltReason())
	}
	if err := task.Validate(); err != nil {
		return nil, err
	}

	sess := e.session(sessionID)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.round++
	round := sess.round

	roundID := uuid.NewString()
	log := logging.Get(logging.CategoryCouncil)
	log.Info("round %s starting (session=%s task=%s complexity=%d)", roundID, sessionID, task.ID, task.Complexity)

	// The action-initiating event feeds the loop detector: re-evaluating the
	// same task over and over is the stuck signature it watches for.
	e.recorder.Publish(types.Event{
		Kind:   types.EventAgentAction,
		Source: "council",
		Payload: map[string]interface{}{
			"action":  "evaluate",
			"target":  task.ID,
			"session": sessionID,
		},
	})
	e.recorder.Publish(types.Event{
		Kind:   types.EventRoundStart,
		Source: "council",
		Payload: map[string]interface{}{
			"round":   roundID,
			"session": sessionID,
			"task":    task.ID,
		},
	})

	route, err := e.router.Route(task)
	if err != nil {
		e.publishError(roundID, err)
		return nil, err
	}

	members, err := e.resolveMembers(task)
	if err != nil {
		e.publishError(roundID, err)
		return nil, err
	}

	constraints := e.recallConstraints(task)

	calls := e.fanOut(ctx, task, route, members, constraints, sessionID, roundID)

	result := e.aggregate(roundID, route, calls)

	if result.Deadlocked && result.VetoedBy == "" {
		e.recorder.Publish(types.Event{
			Kind:   types.EventDeadlock,
			Source: "council",
			Payload: map[string]interface{}{
				"round": roundID,
				"score": result.WeightedScore,
			},
		})
		dc := types.DeadlockCase{
			Task:        task,
			Result:      *result,
			Round:       round,
			SessionID:   sessionID,
			Constraints: constraints,
		}
		med := e.mediator.Resolve(ctx, dc)
		result.Mediated = true
		switch med.Action {
		case types.MediationApplyResolution:
			result.Decision = types.DecisionPass
			// The pre-mediation score stays on the result so the original
			// confidence band is auditable.
			result.Reason += fmt.Sprintf(" [MEDIATED: %s]", med.RewrittenInstructions)
			if med.RequiresHuman && e.escalator != nil {
				if err := e.escalator.Escalate(dc, med); err != nil {
					log.Warn("escalation failed: %v", err)
				}
			}
		case types.MediationHalt:
			result.Decision = types.DecisionFail
			result.Reason += fmt.Sprintf(" [MEDIATION HALTED: %s]", med.Reason)
			if e.escalator != nil {
				if err := e.escalator.Escalate(dc, med); err != nil {
					log.Warn("escalation failed: %v", err)
				}
			}
		}
	}

	if result.Decision == "" {
		// Every member abstained: the round produced no signal at all.
		detail := fmt.Sprintf("no valid votes cast (%d abstentions)", len(result.Abstentions))
		if e.failClosed {
			err := fmt.Errorf("council failure (closed): %s", detail)
			e.publishError(roundID, err)
			return nil, err
		}
		result.Decision = types.DecisionPass
		result.Confidence = 0
		result.Reason = "council failed open: " + detail
	}

	e.recorder.Publish(types.Event{
		Kind:   types.EventConsensus,
		Source: "council",
		Payload: map[string]interface{}{
			"round":    roundID,
			"decision": string(result.Decision),
			"score":    result.WeightedScore,
			"vetoed":   result.VetoedBy,
		},
	})
	e.recorder.Publish(types.Event{
		Kind:   types.EventRoundEnd,
		Source: "council",
		Payload: map[string]interface{}{
			"round":  roundID,
			"status": "success",
		},
	})
	log.Info("round %s done: %s (score=%.2f vetoed=%q mediated=%v)",
		roundID, result.Decision, result.WeightedScore, result.VetoedBy, result.Mediated)
	return result, nil
}

// resolveMembers returns the agent set for the round, enforcing the trust
// floor: security-critical tasks are never evaluated only by agents below
// the minimum capability class.
func (e *Engine) resolveMembers(task types.Task) ([]types.Agent, error) {
	available := e.registry.ListAvailable(0)

	e.mu.Lock()
	var members []types.Agent
	for _, a := range available {
		if _, ok := e.evaluators[a.ID]; ok {
			members = append(members, a)
		}
	}
	e.mu.Unlock()

	if len(members) == 0 {
		return nil, fmt.Errorf("%w: no available agents", types.ErrNoEligibleBackend)
	}

	if task.SecurityCritical {
		floor := e.policy.TrustFloorClass
		if task.MinCapability > floor {
			floor = task.MinCapability
		}
		qualified := false
		for _, a := range members {
			if a.CapabilityClass >= floor {
				qualified = true
				break
			}
		}
		if !qualified {
			return nil, fmt.Errorf("%w: task %s requires capability class >= %d, best available is below",
				types.ErrTrustFloorViolation, task.ID, floor)
		}
	}
	return members, nil
}

// recallConstraints queries institutional memory, tolerating a missing or
// failing store.
func (e *Engine) recallConstraints(task types.Task) []string {
	if e.constraints == nil {
		return nil
	}
	cs, err := e.constraints.Query(task.Language, task.Domain)
	if err != nil {
		logging.Get(logging.CategoryCouncil).Warn("constraint recall failed: %v", err)
		return nil
	}
	out := make([]string, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.Render())
	}
	return out
}

// fanOut invokes all members concurrently with a bounded per-call timeout.
// The engine suspends on the full fan-out, not the first response: the
// aggregate decision is only computed once every call settled or timed out.
// Calls are recorded in completion order, which is the order events reflect.
func (e *Engine) fanOut(ctx context.Context, task types.Task, route types.RoutingDecision, members []types.Agent, constraints []string, sessionID, roundID string) []votedCall {
	roundCtx, cancel := context.WithTimeout(ctx, e.policy.CouncilTimeoutDuration())
	defer cancel()

	ec := agents.EvalContext{Route: route, Constraints: constraints, SessionID: sessionID}

	var mu sync.Mutex
	var calls []votedCall

	g, gctx := errgroup.WithContext(roundCtx)
	for _, member := range members {
		agent := member
		e.mu.Lock()
		ev := e.evaluators[agent.ID]
		e.mu.Unlock()

		g.Go(func() error {
			callCtx, callCancel := context.WithTimeout(gctx, e.policy.AgentTimeoutDuration())
			defer callCancel()

			start := time.Now()
			verdict, err := ev.Evaluate(callCtx, task, ec)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				// Transient failure: absorbed as an abstention, never
				// aborts the round.
				abst := types.Abstention{AgentID: agent.ID, Reason: err.Error()}
				calls = append(calls, votedCall{agent: agent, abstain: &abst})
				e.recorder.Publish(types.Event{
					Kind:   types.EventAgentAbstain,
					Source: agent.ID,
					Payload: map[string]interface{}{
						"round":  roundID,
						"reason": err.Error(),
					},
				})
				logging.Get(logging.CategoryCouncil).Warn("agent %s abstained after %s: %v",
					agent.ID, time.Since(start).Round(time.Millisecond), err)
				return nil
			}
			calls = append(calls, votedCall{agent: agent, verdict: verdict})
			e.recorder.Publish(types.Event{
				Kind:   types.EventAgentVote,
				Source: agent.ID,
				Payload: map[string]interface{}{
					"round":      roundID,
					"decision":   string(verdict.Decision),
					"confidence": verdict.Confidence,
				},
			})
			return nil
		})
	}
	_ = g.Wait() // goroutines absorb their own failures
	return calls
}

func (e *Engine) publishError(roundID string, err error) {
	e.recorder.Publish(types.Event{
		Kind:   types.EventError,
		Source: "council",
		Payload: map[string]interface{}{
			"round": roundID,
			"error": err.Error(),
		},
	})
}
