package providers

import (
	"log/slog"
	"sort"
	"sync"
)

// Resolution is the outcome of routing an action: a snapshot of the chosen
// provider and the model that will serve the call.
type Resolution struct {
	Provider Provider
	Model    string
}

// Router maps actions to providers. Resolution is deterministic for a given
// configuration and tracker state: explicit action mapping, then the default
// provider, then capability and health fallbacks.
type Router struct {
	mu        sync.RWMutex
	defaultID string
	actions   map[Action]string
	tracker   *HealthTracker
}

// NewRouter builds a router over the given tracker. The actions map may be
// nil; unknown actions fall through to the default provider.
func NewRouter(defaultID string, actions map[Action]string, tracker *HealthTracker) *Router {
	if actions == nil {
		actions = make(map[Action]string)
	}
	return &Router{defaultID: defaultID, actions: actions, tracker: tracker}
}

// SetAction overrides the provider for one action.
func (r *Router) SetAction(action Action, providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[action] = providerID
}

// Resolve picks the provider and model for an action.
//
// Order: the action mapping if present, otherwise the default provider.
// If the candidate cannot serve the action, its parent is tried. If the
// candidate is not healthy, the best available provider that supports the
// action substitutes. When nothing can serve, ErrNoHealthyProvider.
func (r *Router) Resolve(action Action) (*Resolution, error) {
	r.mu.RLock()
	id, ok := r.actions[action]
	if !ok || id == "" {
		id = r.defaultID
	}
	r.mu.RUnlock()

	p := r.tracker.Get(id)
	if p == nil {
		return nil, &ErrUnknownProvider{ID: id}
	}

	// Capability fallback: walk up the parent chain until the action
	// is supported. The chain is at most a couple of links deep.
	for !Supports(p.Type, action) {
		if p.Parent == "" {
			break
		}
		parent := r.tracker.Get(p.Parent)
		if parent == nil {
			break
		}
		p = parent
	}

	if p.Status == StatusHealthy && Supports(p.Type, action) {
		return &Resolution{Provider: *p, Model: p.ModelFor(action)}, nil
	}

	// Health fallback: substitute the best available provider.
	if best := r.tracker.BestAvailable(action); len(best) > 0 {
		sub := best[0]
		slog.Warn("router: substituting provider",
			"action", action, "wanted", p.ID, "status", p.Status, "using", sub.ID)
		return &Resolution{Provider: sub, Model: sub.ModelFor(action)}, nil
	}

	return nil, ErrNoHealthyProvider
}

// Candidate is one provider considered during priority ranking.
type Candidate struct {
	ID          string
	Group       string // configured, local, discovered
	CoolingDown bool
	Failures    int
}

// groupRank orders provider groups. Configured providers beat locally
// detected ones, which beat anything discovered at runtime.
func groupRank(g string) int {
	switch g {
	case "configured":
		return 0
	case "local":
		return 1
	default:
		return 2
	}
}

// Rank orders candidates by priority and returns their ids. Ordering is
// total and stable: group, then cooldown state, then failure count, then id.
// Equal inputs always produce the same output.
func Rank(cands []Candidate) []string {
	sorted := make([]Candidate, len(cands))
	copy(sorted, cands)

	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if groupRank(a.Group) != groupRank(b.Group) {
			return groupRank(a.Group) < groupRank(b.Group)
		}
		if a.CoolingDown != b.CoolingDown {
			return !a.CoolingDown
		}
		if a.Failures != b.Failures {
			return a.Failures < b.Failures
		}
		return a.ID < b.ID
	})

	ids := make([]string, len(sorted))
	for i, c := range sorted {
		ids[i] = c.ID
	}
	return ids
}
