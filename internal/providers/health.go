package providers

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"warden/internal/events"
)

const (
	// rollingWindow bounds the per-provider request history.
	rollingWindow = 100
	// averagingWindow is how many recent requests feed the response-time average.
	averagingWindow = 20

	offlineErrorRate  = 50.0
	degradedErrorRate = 20.0
)

type sample struct {
	at    time.Time
	durMs int64
	err   bool
}

type providerState struct {
	desc    Provider
	samples []sample // newest last, capped at rollingWindow
}

// HealthTracker maintains rolling stats and status for every provider.
// It is process-wide shared state mutated from the bus dispatch path;
// readers get snapshot copies.
type HealthTracker struct {
	mu        sync.Mutex
	providers map[string]*providerState
	now       func() time.Time
}

// NewHealthTracker creates an empty tracker.
func NewHealthTracker() *HealthTracker {
	return &HealthTracker{
		providers: make(map[string]*providerState),
		now:       time.Now,
	}
}

// Register adds a provider descriptor. A freshly registered provider is healthy.
func (h *HealthTracker) Register(p Provider) {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	p.Status = StatusHealthy
	p.HealthySince = &now
	h.providers[p.ID] = &providerState{desc: p}
}

// Attach subscribes the tracker to the health-relevant bus events.
// Returns an unsubscribe function.
func (h *HealthTracker) Attach(bus *events.Bus) func() {
	unsubs := []func(){
		bus.Subscribe(events.EventAgentResponse, func(e events.Event) {
			p, ok := events.ExtractPayload[events.AgentResponsePayload](e)
			if !ok || p.ProviderID == "" {
				return
			}
			h.RecordRequest(p.ProviderID, p.DurationMs, p.Error != "")
		}),
		bus.Subscribe(events.EventErrorOccurred, func(e events.Event) {
			p, ok := events.ExtractPayload[events.ErrorOccurredPayload](e)
			if !ok || p.ProviderID == "" {
				return
			}
			h.RecordRequest(p.ProviderID, 0, true)
		}),
		bus.Subscribe(events.EventProviderCooldown, func(e events.Event) {
			p, ok := events.ExtractPayload[events.ProviderCooldownPayload](e)
			if !ok {
				return
			}
			h.SetCooldown(p.ProviderID, p.Until, CooldownReason(p.Reason))
		}),
		bus.Subscribe(events.EventProviderRecovery, func(e events.Event) {
			p, ok := events.ExtractPayload[events.ProviderRecoveryPayload](e)
			if !ok {
				return
			}
			h.ClearCooldown(p.ProviderID)
		}),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// RecordRequest adds one request sample and recomputes stats and status.
func (h *HealthTracker) RecordRequest(id string, durMs int64, isErr bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	st, ok := h.providers[id]
	if !ok {
		return
	}

	st.samples = append(st.samples, sample{at: h.now(), durMs: durMs, err: isErr})
	if len(st.samples) > rollingWindow {
		st.samples = st.samples[len(st.samples)-rollingWindow:]
	}
	h.recompute(st)
}

// SetCooldown puts a provider on cooldown until the given time. Cooldown is
// exclusive: the status stays cooldown regardless of error rate until the
// window passes or ClearCooldown is called.
func (h *HealthTracker) SetCooldown(id string, until time.Time, reason CooldownReason) {
	h.mu.Lock()
	defer h.mu.Unlock()

	st, ok := h.providers[id]
	if !ok {
		return
	}
	st.desc.Cooldown = &Cooldown{Until: until, Reason: reason, StartedAt: h.now()}
	st.desc.Status = StatusCooldown
	slog.Info("provider cooldown", "provider", id, "until", until, "reason", reason)
}

// ClearCooldown lifts a cooldown and re-derives status from the error rate.
func (h *HealthTracker) ClearCooldown(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	st, ok := h.providers[id]
	if !ok || st.desc.Cooldown == nil {
		return
	}
	st.desc.Cooldown = nil
	h.recompute(st)
	slog.Info("provider recovered", "provider", id, "status", st.desc.Status)
}

// recompute updates stats and status from the sample window.
// Caller must hold h.mu.
func (h *HealthTracker) recompute(st *providerState) {
	d := &st.desc

	d.Stats.Requests = len(st.samples)
	d.Stats.Errors = 0
	for _, s := range st.samples {
		if s.err {
			d.Stats.Errors++
		}
	}
	d.Stats.Successes = d.Stats.Requests - d.Stats.Errors

	if d.Stats.Requests > 0 {
		d.Stats.ErrorRate = float64(d.Stats.Errors) / float64(d.Stats.Requests) * 100
		last := st.samples[len(st.samples)-1]
		t := last.at
		d.Stats.LastRequestAt = &t
	} else {
		d.Stats.ErrorRate = 0
	}
	for i := len(st.samples) - 1; i >= 0; i-- {
		if st.samples[i].err {
			t := st.samples[i].at
			d.Stats.LastErrorAt = &t
			break
		}
	}

	// Average response time over the last averagingWindow requests.
	start := len(st.samples) - averagingWindow
	if start < 0 {
		start = 0
	}
	var sum, n int64
	for _, s := range st.samples[start:] {
		sum += s.durMs
		n++
	}
	if n > 0 {
		d.Stats.AvgResponseMs = float64(sum) / float64(n)
	}

	h.applyStatus(st)
}

// applyStatus derives the provider status. Caller must hold h.mu.
func (h *HealthTracker) applyStatus(st *providerState) {
	d := &st.desc

	if d.Cooldown != nil {
		if h.now().Before(d.Cooldown.Until) {
			d.Status = StatusCooldown
			return
		}
		// Cooldown window elapsed.
		d.Cooldown = nil
	}

	prev := d.Status
	switch {
	case d.Stats.ErrorRate > offlineErrorRate:
		d.Status = StatusOffline
	case d.Stats.ErrorRate > degradedErrorRate:
		d.Status = StatusDegraded
	default:
		d.Status = StatusHealthy
	}

	if d.Status == StatusHealthy && prev != StatusHealthy {
		now := h.now()
		d.HealthySince = &now
	}
}

// Get returns a snapshot of one provider, or nil if unknown. Expired
// cooldowns are cleared as a side effect.
func (h *HealthTracker) Get(id string) *Provider {
	h.mu.Lock()
	defer h.mu.Unlock()

	st, ok := h.providers[id]
	if !ok {
		return nil
	}
	h.applyStatus(st)
	cp := st.desc
	return &cp
}

// Snapshot returns copies of all provider descriptors, ordered by id.
func (h *HealthTracker) Snapshot() []Provider {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Provider, 0, len(h.providers))
	for _, st := range h.providers {
		h.applyStatus(st)
		out = append(out, st.desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// BestAvailable returns healthy providers sorted by ascending error rate,
// then ascending average response time. An optional action restricts the
// result to providers whose type can serve it.
func (h *HealthTracker) BestAvailable(action Action) []Provider {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []Provider
	for _, st := range h.providers {
		h.applyStatus(st)
		if st.desc.Status != StatusHealthy {
			continue
		}
		if action != "" && !Supports(st.desc.Type, action) {
			continue
		}
		out = append(out, st.desc)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Stats.ErrorRate != out[j].Stats.ErrorRate {
			return out[i].Stats.ErrorRate < out[j].Stats.ErrorRate
		}
		if out[i].Stats.AvgResponseMs != out[j].Stats.AvgResponseMs {
			return out[i].Stats.AvgResponseMs < out[j].Stats.AvgResponseMs
		}
		return out[i].ID < out[j].ID
	})
	return out
}
