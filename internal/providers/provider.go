// Package providers implements backend selection for the warden runtime:
// provider descriptors, the action router with deterministic fallback,
// priority ordering, and the per-provider health tracker.
package providers

import "time"

// Action is the kind of work a backend call performs.
type Action string

const (
	ActionChat       Action = "chat"
	ActionTools      Action = "tools"
	ActionEmbeddings Action = "embeddings"
	ActionSummary    Action = "summary"
	ActionSubagent   Action = "subagent"
)

// Type identifies how a provider is reached.
type Type string

const (
	TypeOpenAICompatible Type = "openai-compatible"
	TypeCLISubprocess    Type = "cli-subprocess"
	TypeOllama           Type = "ollama"
)

// Status is the health state of a provider.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusCooldown Status = "cooldown"
	StatusOffline  Status = "offline"
)

// CooldownReason explains why a provider was put on cooldown.
type CooldownReason string

const (
	CooldownRateLimit   CooldownReason = "rate_limit"
	CooldownQuota       CooldownReason = "quota"
	CooldownAuth        CooldownReason = "auth"
	CooldownMaintenance CooldownReason = "maintenance"
	CooldownError       CooldownReason = "error"
)

// Cooldown records an active cooldown window.
type Cooldown struct {
	Until     time.Time      `json:"until"`
	Reason    CooldownReason `json:"reason"`
	StartedAt time.Time      `json:"started_at"`
}

// Stats holds rolling request statistics for a provider. Counters cover the
// rolling window (last 100 requests); the response-time average covers the
// last 20.
type Stats struct {
	Requests      int        `json:"requests"`
	Errors        int        `json:"errors"`
	Successes     int        `json:"successes"`
	AvgResponseMs float64    `json:"avg_response_ms"`
	ErrorRate     float64    `json:"error_rate"` // percent
	LastRequestAt *time.Time `json:"last_request_at,omitempty"`
	LastErrorAt   *time.Time `json:"last_error_at,omitempty"`
}

// Provider is the descriptor for one configured LLM backend.
type Provider struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Type         Type              `json:"type"`
	Model        string            `json:"model"`
	Status       Status            `json:"status"`
	Stats        Stats             `json:"stats"`
	Cooldown     *Cooldown         `json:"cooldown,omitempty"`
	HealthySince *time.Time        `json:"healthy_since,omitempty"`
	Parent       string            `json:"parent,omitempty"`
	Group        string            `json:"group,omitempty"`
	ActionModels map[Action]string `json:"action_models,omitempty"`
}

// ModelFor returns the model serving an action, honoring per-action overrides.
func (p *Provider) ModelFor(action Action) string {
	if m, ok := p.ActionModels[action]; ok && m != "" {
		return m
	}
	return p.Model
}

// Supports reports whether a provider type can serve an action kind.
// Subprocess CLIs expose no structured tool-call or embedding surface;
// ollama serves everything except structured tool calls.
func Supports(t Type, action Action) bool {
	switch t {
	case TypeCLISubprocess:
		return action != ActionTools && action != ActionEmbeddings
	case TypeOllama:
		return action != ActionTools
	default:
		return true
	}
}
