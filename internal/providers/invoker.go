package providers

import (
	"context"
	"fmt"
	"time"

	"warden/internal/events"
)

// Invoker routes an action to a provider, runs the backend call, and feeds
// the outcome back to the bus so the health tracker sees every request.
type Invoker struct {
	Router   *Router
	Registry *Registry
	Bus      *events.Bus

	// CooldownDuration is applied when a permanent error benches a provider.
	CooldownDuration time.Duration
}

// NewInvoker wires a ready-to-use invoker. Cooldowns default to five minutes.
func NewInvoker(router *Router, registry *Registry, bus *events.Bus) *Invoker {
	return &Invoker{
		Router:           router,
		Registry:         registry,
		Bus:              bus,
		CooldownDuration: 5 * time.Minute,
	}
}

// Complete resolves the action, invokes the backend, and publishes an
// agent_response event with the outcome. Permanent errors additionally
// publish provider_cooldown, taking the provider out of rotation.
func (iv *Invoker) Complete(ctx context.Context, action Action, req Request) (*Response, error) {
	res, err := iv.Router.Resolve(action)
	if err != nil {
		return nil, err
	}

	backend, err := iv.Registry.Backend(res.Provider.ID)
	if err != nil {
		return nil, fmt.Errorf("backend %s: %w", res.Provider.ID, err)
	}

	if req.Model == "" {
		req.Model = res.Model
	}

	start := time.Now()
	resp, callErr := backend.Complete(ctx, req)
	durMs := time.Since(start).Milliseconds()

	payload := events.AgentResponsePayload{
		ProviderID: res.Provider.ID,
		Model:      req.Model,
		DurationMs: durMs,
	}
	if callErr != nil {
		payload.Error = callErr.Error()
	}
	iv.Bus.PublishTyped(payload)

	if callErr != nil {
		if Classify(callErr) == ClassPermanent {
			iv.Bus.PublishTyped(events.ProviderCooldownPayload{
				ProviderID: res.Provider.ID,
				Until:      time.Now().Add(iv.CooldownDuration),
				Reason:     string(CooldownReasonFor(callErr)),
			})
		}
		return nil, fmt.Errorf("provider %s: %w", res.Provider.ID, callErr)
	}
	return resp, nil
}
