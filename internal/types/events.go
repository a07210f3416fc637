package types

import "time"

// EventKind identifies the class of a flight recorder event.
type EventKind string

const (
	EventRoundStart       EventKind = "round_start"
	EventRouteChosen      EventKind = "route_chosen"
	EventRouteSubstituted EventKind = "route_substituted"
	EventAgentVote        EventKind = "agent_vote"
	EventAgentAbstain     EventKind = "agent_abstain"
	EventVetoFired        EventKind = "veto_fired"
	EventDeadlock         EventKind = "deadlock"
	EventMediation        EventKind = "mediation"
	EventConsensus        EventKind = "consensus"
	EventRoundEnd         EventKind = "round_end"
	EventBudgetAlert      EventKind = "budget_alert"
	EventBudgetExhausted  EventKind = "budget_exhausted"
	EventAgentAction      EventKind = "agent_action"
	EventLoopDetected     EventKind = "loop_detected"
	EventHaltCleared      EventKind = "halt_cleared"
	EventError            EventKind = "error"
)

// Event is one immutable, append-only telemetry record broadcast to all
// flight recorder subscribers. Seq establishes per-publisher ordering.
type Event struct {
	Seq       uint64                 `json:"seq"`
	Kind      EventKind              `json:"kind"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// Field returns a string payload field, or empty when absent.
func (e Event) Field(key string) string {
	if e.Payload == nil {
		return ""
	}
	if v, ok := e.Payload[key].(string); ok {
		return v
	}
	return ""
}
