// Package operator implements the human-intervention queue: deadlocks the
// mediator could not settle and halts raised by the loop detector land here
// as JSON entries, and operator resolution files clear active halts. The
// delivery format is files on disk so any external dashboard or a plain
// shell can act as the operator console.
package operator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/AA967-LLM/gemini-agent-governance-kernel/internal/flight"
	"github.com/AA967-LLM/gemini-agent-governance-kernel/internal/logging"
	"github.com/AA967-LLM/gemini-agent-governance-kernel/internal/types"
)

// Entry is one queued item awaiting human attention.
type Entry struct {
	ID         string                 `json:"id"`
	Kind       string                 `json:"kind"` // deadlock, halt
	SessionID  string                 `json:"session_id,omitempty"`
	TaskID     string                 `json:"task_id,omitempty"`
	HaltReason string                 `json:"halt_reason,omitempty"`
	Deadlock   *types.DeadlockCase    `json:"deadlock,omitempty"`
	Mediation  *types.MediationResult `json:"mediation,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
}

// Resolution is what an operator writes into the resolved/ directory to act
// on an entry. ClearHalt releases the loop-detection latch.
type Resolution struct {
	EntryID  string `json:"entry_id,omitempty"`
	Operator string `json:"operator"`
	Action   string `json:"action"` // acknowledge, clear_halt
	Note     string `json:"note,omitempty"`
}

// Queue is a file-backed human-intervention queue.
type Queue struct {
	dir      string
	resolved string
	recorder *flight.Recorder
	watcher  *fsnotify.Watcher
	done     chan struct{}
}

// NewQueue creates the queue directories under dir.
func NewQueue(dir string, recorder *flight.Recorder) (*Queue, error) {
	resolved := filepath.Join(dir, "resolved")
	if err := os.MkdirAll(resolved, 0755); err != nil {
		return nil, fmt.Errorf("operator: create queue dir: %w", err)
	}
	return &Queue{
		dir:      dir,
		resolved: resolved,
		recorder: recorder,
		done:     make(chan struct{}),
	}, nil
}

// Escalate enqueues a deadlock case together with its mediation outcome.
// Implements council.Escalator.
func (q *Queue) Escalate(dc types.DeadlockCase, med types.MediationResult) error {
	entry := Entry{
		ID:        uuid.NewString(),
		Kind:      "deadlock",
		SessionID: dc.SessionID,
		TaskID:    dc.Task.ID,
		Deadlock:  &dc,
		Mediation: &med,
		CreatedAt: time.Now(),
	}
	return q.write(entry)
}

// EscalateHalt enqueues a halt raised by the loop detector.
func (q *Queue) EscalateHalt(reason string) error {
	entry := Entry{
		ID:         uuid.NewString(),
		Kind:       "halt",
		HaltReason: reason,
		CreatedAt:  time.Now(),
	}
	return q.write(entry)
}

func (q *Queue) write(entry Entry) error {
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("operator: marshal entry: %w", err)
	}
	path := filepath.Join(q.dir, fmt.Sprintf("%s-%s.json", entry.Kind, entry.ID))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("operator: write entry: %w", err)
	}
	logging.Get(logging.CategoryOperator).Info("queued %s entry %s", entry.Kind, entry.ID)
	return nil
}

// Pending lists unresolved entries, oldest first.
func (q *Queue) Pending() ([]Entry, error) {
	names, err := os.ReadDir(q.dir)
	if err != nil {
		return nil, fmt.Errorf("operator: read queue: %w", err)
	}
	var out []Entry
	for _, f := range names {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(q.dir, f.Name()))
		if err != nil {
			continue
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			logging.Get(logging.CategoryOperator).Warn("skipping corrupt entry %s: %v", f.Name(), err)
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Watch starts the resolution watcher: a JSON file dropped into resolved/
// with action clear_halt releases the halt latch. Watch returns immediately;
// Close stops the background loop.
func (q *Queue) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("operator: create watcher: %w", err)
	}
	if err := watcher.Add(q.resolved); err != nil {
		watcher.Close()
		return fmt.Errorf("operator: watch %s: %w", q.resolved, err)
	}
	q.watcher = watcher

	go func() {
		for {
			select {
			case <-q.done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
					continue
				}
				if !strings.HasSuffix(event.Name, ".json") {
					continue
				}
				q.handleResolution(event.Name)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logging.Get(logging.CategoryOperator).Warn("watcher error: %v", err)
			}
		}
	}()
	return nil
}

func (q *Queue) handleResolution(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var res Resolution
	if err := json.Unmarshal(data, &res); err != nil {
		logging.Get(logging.CategoryOperator).Warn("corrupt resolution %s: %v", path, err)
		return
	}
	if res.Operator == "" {
		res.Operator = "unknown"
	}
	switch res.Action {
	case "clear_halt":
		q.recorder.ClearHalt(res.Operator)
		logging.Get(logging.CategoryOperator).Info("halt cleared via %s by %s", filepath.Base(path), res.Operator)
	case "acknowledge":
		logging.Get(logging.CategoryOperator).Info("entry %s acknowledged by %s", res.EntryID, res.Operator)
	default:
		logging.Get(logging.CategoryOperator).Warn("unknown resolution action %q in %s", res.Action, path)
	}
	if res.EntryID != "" {
		q.archive(res.EntryID)
	}
}

// archive removes a resolved entry from the pending directory.
func (q *Queue) archive(entryID string) {
	names, err := os.ReadDir(q.dir)
	if err != nil {
		return
	}
	for _, f := range names {
		if strings.Contains(f.Name(), entryID) {
			_ = os.Remove(filepath.Join(q.dir, f.Name()))
			return
		}
	}
}

// SubmitResolution writes a resolution file into resolved/. Used by the CLI
// acting as the operator.
func SubmitResolution(queueDir string, res Resolution) error {
	dir := filepath.Join(queueDir, "resolved")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("operator: create resolved dir: %w", err)
	}
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(dir, fmt.Sprintf("resolution-%s.json", uuid.NewString()))
	return os.WriteFile(path, data, 0644)
}

// Close stops the watcher.
func (q *Queue) Close() {
	close(q.done)
	if q.watcher != nil {
		_ = q.watcher.Close()
	}
}
