// Package flight implements the flight recorder: a publish/subscribe telemetry
// bus with loop detection and a halt latch honored by the council and router.
package flight

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/AA967-LLM/gemini-agent-governance-kernel/internal/logging"
	"github.com/AA967-LLM/gemini-agent-governance-kernel/internal/types"
)

// Predicate selects which events a subscriber receives. A nil predicate
// matches everything.
type Predicate func(types.Event) bool

// subscriber holds one delivery channel plus its filter.
type subscriber struct {
	ch   chan types.Event
	pred Predicate
}

// Recorder collects events from all components and dispatches them to
// subscribers. Publish never blocks the caller: each subscriber has a bounded
// buffer and the oldest event is dropped on overflow (at-most-once delivery,
// no replay after restart, per-publisher ordering via sequence numbers).
type Recorder struct {
	mu          sync.RWMutex
	subscribers []*subscriber
	closed      bool

	sequence atomic.Uint64

	// Halt latch. Set by the loop detector, cleared only by an operator.
	halted     atomic.Bool
	haltMu     sync.Mutex
	haltReason string

	detector *LoopDetector
	bufSize  int
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithBufferSize sets the per-subscriber channel capacity.
func WithBufferSize(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.bufSize = n
		}
	}
}

// WithLoopPolicy overrides the loop detector window and threshold.
func WithLoopPolicy(window, threshold int) Option {
	return func(r *Recorder) {
		r.detector = NewLoopDetector(window, threshold)
	}
}

// NewRecorder creates a flight recorder with an armed loop detector.
func NewRecorder(opts ...Option) *Recorder {
	r := &Recorder{
		bufSize:  64,
		detector: NewLoopDetector(DefaultLoopWindow, DefaultLoopThreshold),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Publish emits an event to all matching subscribers. Fire-and-forget: the
// call never blocks and never fails. Action-initiating events are fed to the
// loop detector; a detected loop publishes exactly one loop_detected event
// and latches the halt signal.
func (r *Recorder) Publish(event types.Event) {
	event.Seq = r.sequence.Add(1)
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	r.dispatch(event)

	if event.Kind != types.EventAgentAction {
		return
	}
	if hit, sig := r.detector.Check(event.Source, event.Field("action"), event.Field("target")); hit {
		r.haltMu.Lock()
		r.haltReason = "repeated action detected: " + event.Source + "/" + event.Field("action")
		r.haltMu.Unlock()
		r.halted.Store(true)

		loopEvent := types.Event{
			Seq:       r.sequence.Add(1),
			Kind:      types.EventLoopDetected,
			Source:    "loop_detector",
			Timestamp: time.Now(),
			Payload: map[string]interface{}{
				"agent":     event.Source,
				"action":    event.Field("action"),
				"target":    event.Field("target"),
				"signature": sig,
				"count":     r.detector.threshold,
			},
		}
		logging.Flight("loop detected: %s action=%s target=%s", event.Source, event.Field("action"), event.Field("target"))
		r.dispatch(loopEvent)
	}
}

// dispatch delivers to subscribers with drop-oldest overflow handling.
func (r *Recorder) dispatch(event types.Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	for _, sub := range r.subscribers {
		if sub.pred != nil && !sub.pred(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			// Buffer full: evict the oldest event, then retry once.
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- event:
			default:
			}
		}
	}
}

// Subscribe returns a channel receiving events that match the predicate.
// Pass nil to receive everything. Subscribers that fall behind lose their
// oldest events; there is no replay.
func (r *Recorder) Subscribe(pred Predicate) <-chan types.Event {
	sub := &subscriber{
		ch:   make(chan types.Event, r.bufSize),
		pred: pred,
	}
	r.mu.Lock()
	r.subscribers = append(r.subscribers, sub)
	r.mu.Unlock()
	return sub.ch
}

// SubscribeKinds is a convenience filter on event kinds.
func (r *Recorder) SubscribeKinds(kinds ...types.EventKind) <-chan types.Event {
	set := make(map[types.EventKind]bool, len(kinds))
	for _, k := range kinds {
		set[k] = true
	}
	return r.Subscribe(func(e types.Event) bool { return set[e.Kind] })
}

// Unsubscribe removes a subscriber channel and closes it.
func (r *Recorder) Unsubscribe(ch <-chan types.Event) {
	if ch == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, sub := range r.subscribers {
		if sub.ch == ch {
			r.subscribers = append(r.subscribers[:i], r.subscribers[i+1:]...)
			close(sub.ch)
			return
		}
	}
}

// Halted reports whether a loop detection halt is active. The council and
// router must check this before starting a new round; in-flight calls are
// allowed to finish.
func (r *Recorder) Halted() bool {
	return r.halted.Load()
}

// HaltReason returns the reason recorded when the halt latched.
func (r *Recorder) HaltReason() string {
	r.haltMu.Lock()
	defer r.haltMu.Unlock()
	return r.haltReason
}

// ClearHalt releases the halt latch. Only an external operator action should
// call this; the detector history is reset so the cleared streak does not
// immediately re-trigger.
func (r *Recorder) ClearHalt(operator string) {
	if !r.halted.CompareAndSwap(true, false) {
		return
	}
	r.detector.Reset()
	r.haltMu.Lock()
	r.haltReason = ""
	r.haltMu.Unlock()
	r.Publish(types.Event{
		Kind:    types.EventHaltCleared,
		Source:  "operator",
		Payload: map[string]interface{}{"operator": operator},
	})
	logging.Flight("halt cleared by %s", operator)
}

// Close shuts down the recorder and all subscriber channels.
func (r *Recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for _, sub := range r.subscribers {
		close(sub.ch)
	}
	r.subscribers = nil
}

// Stats returns current recorder statistics.
func (r *Recorder) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{
		SubscriberCount: len(r.subscribers),
		TotalPublished:  r.sequence.Load(),
		Halted:          r.halted.Load(),
	}
}

// Stats holds recorder statistics.
type Stats struct {
	SubscriberCount int
	TotalPublished  uint64
	Halted          bool
}
