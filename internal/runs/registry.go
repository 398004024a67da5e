// Package runs tracks in-flight agent runs in memory: run handles, a
// session index, and end-waiters.
package runs

import (
	"sort"
	"sync"
	"time"
)

// DefaultWaitTimeout is how long WaitForRunEnd blocks when the caller
// passes no explicit timeout.
const DefaultWaitTimeout = 15 * time.Second

// AgentType distinguishes top-level agents from spawned subagents.
type AgentType string

const (
	AgentTypeAgent    AgentType = "agent"
	AgentTypeSubagent AgentType = "subagent"
)

// Handle describes one active run.
type Handle struct {
	RunID      string         `json:"run_id"`
	SessionKey string         `json:"session_key"`
	AgentType  AgentType      `json:"agent_type"`
	StartedAt  time.Time      `json:"started_at"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Registry is the process-wide set of active runs. One mutex guards the
// handle map, the session index, and the waiter map together.
type Registry struct {
	mu       sync.Mutex
	handles  map[string]Handle
	sessions map[string]map[string]struct{} // sessionKey → runIDs
	waiters  map[string][]chan struct{}     // runID → end signals
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		handles:  make(map[string]Handle),
		sessions: make(map[string]map[string]struct{}),
		waiters:  make(map[string][]chan struct{}),
	}
}

// RegisterActiveRun records a run as active.
func (r *Registry) RegisterActiveRun(h Handle) {
	if h.StartedAt.IsZero() {
		h.StartedAt = time.Now()
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.handles[h.RunID] = h
	set, ok := r.sessions[h.SessionKey]
	if !ok {
		set = make(map[string]struct{})
		r.sessions[h.SessionKey] = set
	}
	set[h.RunID] = struct{}{}
}

// ClearActiveRun removes a run and releases every end-waiter.
func (r *Registry) ClearActiveRun(runID string) {
	r.mu.Lock()
	h, ok := r.handles[runID]
	if ok {
		delete(r.handles, runID)
		if set, exists := r.sessions[h.SessionKey]; exists {
			delete(set, runID)
			if len(set) == 0 {
				delete(r.sessions, h.SessionKey)
			}
		}
	}
	ws := r.waiters[runID]
	delete(r.waiters, runID)
	r.mu.Unlock()

	for _, ch := range ws {
		close(ch)
	}
}

// IsRunActive reports whether the run is still registered.
func (r *Registry) IsRunActive(runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.handles[runID]
	return ok
}

// ListActiveRuns returns every active handle, ordered by start time.
func (r *Registry) ListActiveRuns() []Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Handle, 0, len(r.handles))
	for _, h := range r.handles {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].RunID < out[j].RunID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// GetActiveRunsForSession returns the run ids active for one session key.
func (r *Registry) GetActiveRunsForSession(sessionKey string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.sessions[sessionKey]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// WaitForRunEnd blocks until the run ends, returning true, or until the
// timeout elapses, returning false. An already absent run resolves true
// immediately. A non-positive timeout uses DefaultWaitTimeout.
func (r *Registry) WaitForRunEnd(runID string, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}

	r.mu.Lock()
	if _, active := r.handles[runID]; !active {
		r.mu.Unlock()
		return true
	}
	ch := make(chan struct{})
	r.waiters[runID] = append(r.waiters[runID], ch)
	r.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		return true
	case <-timer.C:
		r.detachWaiter(runID, ch)
		return false
	}
}

// detachWaiter drops one timed-out waiter without disturbing the rest.
func (r *Registry) detachWaiter(runID string, ch chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ws := r.waiters[runID]
	for i, w := range ws {
		if w == ch {
			r.waiters[runID] = append(ws[:i], ws[i+1:]...)
			return
		}
	}
}
