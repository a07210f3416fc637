// Package kernel assembles the governance components into one instance and
// runs the governed execution pipeline. No package-level singletons: every
// collaborator is constructed here and injected, so isolated kernels can run
// side by side in tests.
package kernel

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/AA967-LLM/gemini-agent-governance-kernel/internal/agents"
	"github.com/AA967-LLM/gemini-agent-governance-kernel/internal/budget"
	"github.com/AA967-LLM/gemini-agent-governance-kernel/internal/config"
	"github.com/AA967-LLM/gemini-agent-governance-kernel/internal/council"
	"github.com/AA967-LLM/gemini-agent-governance-kernel/internal/feedback"
	"github.com/AA967-LLM/gemini-agent-governance-kernel/internal/flight"
	"github.com/AA967-LLM/gemini-agent-governance-kernel/internal/logging"
	"github.com/AA967-LLM/gemini-agent-governance-kernel/internal/mediator"
	"github.com/AA967-LLM/gemini-agent-governance-kernel/internal/memory"
	"github.com/AA967-LLM/gemini-agent-governance-kernel/internal/operator"
	"github.com/AA967-LLM/gemini-agent-governance-kernel/internal/registry"
	"github.com/AA967-LLM/gemini-agent-governance-kernel/internal/router"
	"github.com/AA967-LLM/gemini-agent-governance-kernel/internal/types"
)

// GovernanceError is returned in enforcing mode when the council blocks a
// task. It carries the full round result for inspection.
type GovernanceError struct {
	Result *types.ConsensusResult
}

func (e *GovernanceError) Error() string {
	return fmt.Sprintf("blocked by governance: %s", e.Result.Reason)
}

// Outcome is the result of one governed execution.
type Outcome struct {
	SessionID string                 `json:"session_id"`
	Status    string                 `json:"status"` // approved, advisory, blocked
	Result    *types.ConsensusResult `json:"result"`
}

// Kernel is one governance instance bound to a workspace.
type Kernel struct {
	cfg       *config.Config
	workspace string

	Recorder *flight.Recorder
	Registry *registry.Registry
	Budget   *budget.Manager
	Router   *router.Router
	Mediator *mediator.Mediator
	Engine   *council.Engine
	Memory   *memory.Store
	Feedback *feedback.Loop
	Queue    *operator.Queue

	loopEvents <-chan types.Event
	done       chan struct{}
}

// New builds a kernel from configuration. Agents whose provider has no API
// key configured are registered but left unbound; the council treats them as
// unavailable. An entirely unbound council still constructs, so offline
// commands (status, agents, clear-halt) work without credentials.
func New(cfg *config.Config, workspace string) (*Kernel, error) {
	if err := logging.Initialize(workspace, cfg.Logging.Debug, cfg.Logging.Level); err != nil {
		return nil, fmt.Errorf("kernel: init logging: %w", err)
	}
	log := logging.Get(logging.CategoryKernel)

	recorder := flight.NewRecorder(
		flight.WithLoopPolicy(cfg.Policy.LoopWindow, cfg.Policy.LoopThreshold),
	)

	reg, err := registry.FromConfig(cfg.Agents)
	if err != nil {
		return nil, fmt.Errorf("kernel: build registry: %w", err)
	}

	bm := budget.NewManager(cfg.Providers, recorder, reg, cfg.Policy.AlertThreshold,
		budget.WithPersistence(workspace))

	rt := router.New(router.DefaultPools(), bm, recorder)

	store, err := memory.NewStore(
		resolvePath(workspace, cfg.Memory.DatabasePath),
		cfg.Memory.ExperimentTTLDuration(),
		cfg.Memory.MinPatternLen,
	)
	if err != nil {
		return nil, fmt.Errorf("kernel: open memory store: %w", err)
	}

	tierLookup := func(id string) (memory.Tier, bool) {
		c, err := store.Get(id)
		if err != nil {
			return "", false
		}
		return c.Tier, true
	}
	med := mediator.New(cfg.Policy.MediationBudget, bm, recorder,
		mediator.WithTierLookup(tierLookup))

	queue, err := operator.NewQueue(resolvePath(workspace, cfg.Operator.QueueDir), recorder)
	if err != nil {
		store.Close()
		return nil, err
	}
	if err := queue.Watch(); err != nil {
		log.Warn("operator resolution watcher unavailable: %v", err)
	}

	engine := council.NewEngine(reg, rt, recorder, med, cfg.Policy,
		council.WithConstraintSource(store),
		council.WithEscalator(queue),
		council.WithFailClosed(cfg.FailurePolicy == "fail_closed"),
	)

	k := &Kernel{
		cfg:       cfg,
		workspace: workspace,
		Recorder:  recorder,
		Registry:  reg,
		Budget:    bm,
		Router:    rt,
		Mediator:  med,
		Engine:    engine,
		Memory:    store,
		Feedback:  feedback.NewLoop(store),
		Queue:     queue,
		done:      make(chan struct{}),
	}

	if err := k.bindEvaluators(); err != nil {
		k.Close()
		return nil, err
	}

	// Loop-detection halts are operator business: forward them to the queue.
	k.loopEvents = recorder.SubscribeKinds(types.EventLoopDetected)
	go k.forwardHalts()

	log.Info("kernel ready: %d agents, %d providers, enforcing=%v",
		len(cfg.Agents), len(cfg.Providers), cfg.Enforcing)
	return k, nil
}

// bindEvaluators attaches a live backend to each configured agent.
func (k *Kernel) bindEvaluators() error {
	log := logging.Get(logging.CategoryKernel)
	for _, agent := range k.cfg.Agents {
		pc, ok := k.cfg.Provider(agent.Provider)
		if !ok {
			return fmt.Errorf("kernel: agent %s references unknown provider %s", agent.ID, agent.Provider)
		}
		if pc.APIKey == "" {
			log.Warn("agent %s unbound: provider %s has no API key", agent.ID, agent.Provider)
			_ = k.Registry.MarkHealth(agent.ID, types.HealthFailed)
			continue
		}
		var (
			ev  agents.Evaluator
			err error
		)
		switch agent.Provider {
		case "gemini":
			ev, err = agents.NewGeminiEvaluator(agent, pc.APIKey, k.Budget)
		default:
			// Everything else speaks the OpenAI-compatible chat protocol.
			ev, err = agents.NewOpenAICompatEvaluator(agent, pc.BaseURL, pc.APIKey, k.Budget)
		}
		if err != nil {
			return fmt.Errorf("kernel: bind agent %s: %w", agent.ID, err)
		}
		k.Engine.Bind(ev)
	}
	return nil
}

func (k *Kernel) forwardHalts() {
	for {
		select {
		case <-k.done:
			return
		case ev, ok := <-k.loopEvents:
			if !ok {
				return
			}
			reason := fmt.Sprintf("loop detected: agent=%s action=%s target=%s",
				ev.Field("agent"), ev.Field("action"), ev.Field("target"))
			if err := k.Queue.EscalateHalt(reason); err != nil {
				logging.Get(logging.CategoryKernel).Warn("halt escalation failed: %v", err)
			}
		}
	}
}

// NewSession returns a fresh session identifier. Rounds within a session are
// sequential and share the mediation spawn budget.
func (k *Kernel) NewSession() string {
	return uuid.NewString()
}

// ExecuteTask runs one task through the governance pipeline: council
// deliberation, then the enforcement decision. Structural errors (halt
// active, unknown agent, exhausted budget, trust floor) surface directly.
func (k *Kernel) ExecuteTask(ctx context.Context, task types.Task, sessionID string) (*Outcome, error) {
	if sessionID == "" {
		sessionID = k.NewSession()
	}

	result, err := k.Engine.Evaluate(ctx, task, sessionID)
	if err != nil {
		return nil, err
	}

	out := &Outcome{SessionID: sessionID, Result: result}
	switch {
	case result.Decision == types.DecisionFail && k.cfg.Enforcing:
		out.Status = "blocked"
		k.recordBlocked(result, task)
		return out, &GovernanceError{Result: result}
	case result.Decision == types.DecisionFail:
		out.Status = "advisory"
		logging.Get(logging.CategoryKernel).Warn("advisory FAIL for task %s: %s", task.ID, result.Reason)
	default:
		out.Status = "approved"
	}
	return out, nil
}

func (k *Kernel) recordBlocked(result *types.ConsensusResult, task types.Task) {
	_, err := k.Feedback.RecordOutcome(result, feedback.Report{
		Outcome: feedback.OutcomeBlocked,
		Detail:  result.Reason,
		Task:    task,
	})
	if err != nil {
		logging.Get(logging.CategoryKernel).Warn("record blocked outcome: %v", err)
	}
}

// ReportOutcome feeds the post-execution result back into institutional
// memory. Call it once the governed change has actually run.
func (k *Kernel) ReportOutcome(result *types.ConsensusResult, report feedback.Report) (*memory.Constraint, error) {
	return k.Feedback.RecordOutcome(result, report)
}

// Halted reports whether the halt latch is set.
func (k *Kernel) Halted() bool {
	return k.Recorder.Halted()
}

// Close flushes state and releases every resource.
func (k *Kernel) Close() {
	close(k.done)
	if k.Queue != nil {
		k.Queue.Close()
	}
	if k.Budget != nil {
		if err := k.Budget.Flush(); err != nil {
			logging.Get(logging.CategoryKernel).Warn("budget flush: %v", err)
		}
	}
	if k.Memory != nil {
		_ = k.Memory.Close()
	}
	if k.Recorder != nil {
		k.Recorder.Close()
	}
	logging.CloseAll()
}

func resolvePath(workspace, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(workspace, p)
}
