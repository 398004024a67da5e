// Package config defines warden's configuration surface and its JSONC loader.
package config

// Config is the root configuration for warden.
type Config struct {
	StateDir   string                    `json:"state_dir,omitempty"`
	Gateway    GatewayConfig             `json:"gateway"`
	Providers  map[string]ProviderConfig `json:"providers"`
	Router     RouterConfig              `json:"router"`
	Tasks      TasksConfig               `json:"tasks"`
	Lanes      LanesConfig               `json:"lanes"`
	Supervisor SupervisorConfig          `json:"supervisor"`
	Scheduler  SchedulerConfig           `json:"scheduler"`
	EventStore EventStoreConfig          `json:"event_store"`
}

// GatewayConfig holds the gateway server settings.
type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// ProviderConfig configures a single LLM backend.
type ProviderConfig struct {
	Name    string            `json:"name,omitempty"`
	Type    string            `json:"type"` // "openai-compatible", "cli-subprocess", "ollama"
	Model   string            `json:"model"`
	BaseURL string            `json:"base_url,omitempty"`
	APIKey  string            `json:"api_key,omitempty"` // direct key or ${{ .Env.VAR }} template
	Command string            `json:"command,omitempty"` // cli-subprocess only
	Parent  string            `json:"parent,omitempty"`  // fallback when an action is unsupported
	Group   string            `json:"group,omitempty"`   // "configured", "local", "discovered"
	Models  map[string]string `json:"models,omitempty"`  // per-action model overrides
}

// RouterConfig maps actions to provider ids.
type RouterConfig struct {
	Default string            `json:"default"`
	Actions map[string]string `json:"actions,omitempty"` // action → provider id
}

// TasksConfig holds task execution defaults.
type TasksConfig struct {
	TimeoutMs              int64   `json:"timeout_ms"`
	MaxRetries             int     `json:"max_retries"`
	RetryBackoffMs         int64   `json:"retry_backoff_ms"`
	RetryBackoffMultiplier float64 `json:"retry_backoff_multiplier"`
	RetryBackoffCapMs      int64   `json:"retry_backoff_cap_ms"`
	CacheTTLMs             int64   `json:"cache_ttl_ms"`
}

// LaneConfig caps concurrency for one lane.
type LaneConfig struct {
	MaxConcurrent int `json:"max_concurrent"`
}

// LanesConfig holds the three canonical lanes.
type LanesConfig struct {
	Main        LaneConfig `json:"main"`
	Autonomous  LaneConfig `json:"autonomous"`
	Maintenance LaneConfig `json:"maintenance"`
}

// SupervisorConfig holds the supervisor loop settings.
type SupervisorConfig struct {
	Enabled    bool     `json:"enabled"`
	IntervalMs int64    `json:"interval_ms"`
	DutiesFile string   `json:"duties_file"`
	Recipients []string `json:"recipients,omitempty"` // startup notification targets
	AgentID    string   `json:"agent_id,omitempty"`
}

// SchedulerConfig holds the scheduled-jobs engine settings.
type SchedulerConfig struct {
	Enabled        bool  `json:"enabled"`
	JobTimeoutMs   int64 `json:"job_timeout_ms"`
	RetryOnFailure bool  `json:"retry_on_failure"`
	MaxRetries     int   `json:"max_retries"`
}

// EventStoreConfig holds the durable event log settings.
type EventStoreConfig struct {
	RetentionDays        int  `json:"retention_days"`
	CleanupOnStartup     bool `json:"cleanup_on_startup"`
	CleanupIntervalHours int  `json:"cleanup_interval_hours"`
}
