package task

import (
	"sync"
	"time"

	"github.com/hetangai/generation-engine/internal/extract"
)

// Store owns every task record for one engine. A single mutex guards the
// record map, the insertion-order index, and the in-flight handle table;
// it is never held across a network call.
type Store struct {
	kind MediaKind

	mu      sync.Mutex
	tasks   map[string]*Task
	order   []string
	handles map[string]*Handle
}

// NewStore creates an empty store for the given media kind.
func NewStore(kind MediaKind) *Store {
	return &Store{
		kind:    kind,
		tasks:   make(map[string]*Task),
		order:   make([]string, 0, 16),
		handles: make(map[string]*Handle),
	}
}

// Kind returns the media kind this store serves.
func (s *Store) Kind() MediaKind {
	return s.kind
}

// add registers a freshly created task and its scheduling handle.
func (s *Store) add(t *Task, h *Handle) Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = t
	s.order = append(s.order, t.ID)
	s.handles[t.ID] = h
	return summarize(t, s.kind)
}

// Get returns the summary for id.
func (s *Store) Get(id string) (Summary, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return Summary{}, false
	}
	return summarize(t, s.kind), true
}

// List returns all task summaries in insertion order, independent of
// completion order.
func (s *Store) List() []Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Summary, 0, len(s.order))
	for _, id := range s.order {
		if t, ok := s.tasks[id]; ok {
			out = append(out, summarize(t, s.kind))
		}
	}
	return out
}

// Cancel flips a still-pending task to cancelled and aborts its queued unit
// of work. Once execution has begun it is a no-op returning false;
// mid-stream cancellation is the executing worker's job.
func (s *Store) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.Status != StatusPending {
		return false
	}
	t.Status = StatusCancelled
	if h, ok := s.handles[id]; ok {
		h.Cancel()
	}
	return true
}

// Delete removes a task record regardless of state. A worker still holding
// the id detects the disappearance and exits without further mutation.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return false
	}
	delete(s.tasks, id)
	delete(s.handles, id)
	s.removeFromOrder(id)
	return true
}

// ClearTerminal removes every task in a terminal state and returns how many
// were removed.
func (s *Store) ClearTerminal() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for id, t := range s.tasks {
		if t.Status.Terminal() {
			delete(s.tasks, id)
			delete(s.handles, id)
			s.removeFromOrder(id)
			count++
		}
	}
	return count
}

func (s *Store) removeFromOrder(id string) {
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}

// retry resets a terminal error/cancelled task back to pending, clearing
// progress, result, error, and file path. Reference payloads are kept so the
// retried run can reuse them. The fresh handle replaces the spent one.
func (s *Store) retry(id string, h *Handle) (Summary, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || (t.Status != StatusError && t.Status != StatusCancelled) {
		return Summary{}, false
	}
	t.Status = StatusPending
	t.Progress = nil
	t.Result = extract.Artifact{}
	t.Error = ""
	t.FilePath = ""
	s.handles[id] = h
	return summarize(t, s.kind), true
}

// runSpec is the snapshot a worker needs to execute a task.
type runSpec struct {
	Prompt         string
	Model          string
	Mode           string
	ImageBase64    string
	EndImageBase64 string
}

// beginRunning transitions pending -> running and snapshots the request
// fields. It refuses when the record is gone or was cancelled while queued.
func (s *Store) beginRunning(id string) (runSpec, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.Status != StatusPending {
		return runSpec{}, false
	}
	t.Status = StatusRunning
	return runSpec{
		Prompt:         t.Prompt,
		Model:          t.Model,
		Mode:           t.Mode,
		ImageBase64:    t.ImageBase64,
		EndImageBase64: t.EndImageBase64,
	}, true
}

// statusOf returns the current status; ok is false when the record is gone.
func (s *Store) statusOf(id string) (Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return "", false
	}
	return t.Status, true
}

// appendProgress adds one progress line, reporting whether the record still
// exists.
func (s *Store) appendProgress(id, text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return false
	}
	t.Progress = append(t.Progress, text)
	return true
}

// progressSnapshot copies the accumulated progress lines.
func (s *Store) progressSnapshot(id string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil
	}
	return append([]string(nil), t.Progress...)
}

// setDone marks a task done with its artifact and drops the reference
// payloads.
func (s *Store) setDone(id string, artifact extract.Artifact) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return false
	}
	t.Status = StatusDone
	t.Result = artifact
	t.Error = ""
	t.ImageBase64 = ""
	t.EndImageBase64 = ""
	return true
}

// setError marks a task failed. Reference payloads are dropped unless the
// engine keeps them for retry.
func (s *Store) setError(id, msg string, keepRefs bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return false
	}
	t.Status = StatusError
	t.Error = msg
	if !keepRefs {
		t.ImageBase64 = ""
		t.EndImageBase64 = ""
	}
	return true
}

// setFilePath records where the artifact was auto-saved.
func (s *Store) setFilePath(id, path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[id]; ok {
		t.FilePath = path
	}
}

// Artifact returns the result artifact of a done task.
func (s *Store) Artifact(id string) (extract.Artifact, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.Status != StatusDone {
		return extract.Artifact{}, false
	}
	return t.Result, true
}

// now is stubbed in tests.
var now = func() int64 { return time.Now().Unix() }
