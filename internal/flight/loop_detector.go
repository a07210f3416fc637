package flight

import (
	"fmt"
	"hash/fnv"
	"sync"
)

// Default loop detection policy: three identical actions inside a window of
// ten is the stuck signature the original incident analysis settled on.
const (
	DefaultLoopWindow    = 10
	DefaultLoopThreshold = 3
)

// LoopDetector tracks action signatures to detect identical repetitions.
// Rule: threshold identical actions at the tail of the window means the
// system is stuck and automatic progress must halt.
type LoopDetector struct {
	mu        sync.Mutex
	history   []uint64
	window    int
	threshold int
	fired     bool // one detection per streak
}

// NewLoopDetector creates a detector with the given sliding window and
// repetition threshold.
func NewLoopDetector(window, threshold int) *LoopDetector {
	if window < threshold {
		window = threshold
	}
	return &LoopDetector{
		window:    window,
		threshold: threshold,
	}
}

// Check records one action and reports whether it completes a loop. The
// returned signature identifies the repeated action for diagnostics.
// A streak fires exactly once; Reset re-arms the detector.
func (d *LoopDetector) Check(agent, action, target string) (bool, string) {
	sig := signature(agent, action, target)

	d.mu.Lock()
	defer d.mu.Unlock()

	d.history = append(d.history, sig)
	if len(d.history) > d.window {
		d.history = d.history[1:]
	}

	if len(d.history) < d.threshold {
		return false, ""
	}
	tail := d.history[len(d.history)-d.threshold:]
	for _, s := range tail {
		if s != sig {
			d.fired = false
			return false, ""
		}
	}
	if d.fired {
		return false, ""
	}
	d.fired = true
	return true, fmt.Sprintf("%016x", sig)
}

// Reset clears the history and re-arms the detector. Called when an operator
// clears a halt.
func (d *LoopDetector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.history = d.history[:0]
	d.fired = false
}

// signature hashes the normalized action representation.
func signature(agent, action, target string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(agent))
	h.Write([]byte{0})
	h.Write([]byte(action))
	h.Write([]byte{0})
	h.Write([]byte(target))
	return h.Sum64()
}
