package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/tailscale/hujson"
)

var envTemplateRe = regexp.MustCompile(`\$\{\{\s*\.Env\.(\w+)\s*\}\}`)

// Load reads a JSONC config file, expands ${{ .Env.VAR }} templates,
// standardizes comments/trailing commas away, unmarshals it into Config,
// and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Expand env templates before standardizing, since templates live in strings.
	expanded := expandEnvTemplates(string(data))

	standardized, err := hujson.Standardize([]byte(expanded))
	if err != nil {
		return nil, fmt.Errorf("standardize config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)
	return &cfg, nil
}

// LoadOrDefault loads the config if the file exists, otherwise returns defaults.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := &Config{}
		ApplyDefaults(cfg)
		return cfg, nil
	}
	return Load(path)
}

// expandEnvTemplates replaces ${{ .Env.VAR }} with the env var value.
func expandEnvTemplates(s string) string {
	return envTemplateRe.ReplaceAllStringFunc(s, func(match string) string {
		parts := envTemplateRe.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		return os.Getenv(parts[1])
	})
}

// StatePath returns the warden state directory: $WARDEN_PATH or ~/.warden.
func StatePath() string {
	if p := os.Getenv("WARDEN_PATH"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".warden"
	}
	return filepath.Join(home, ".warden")
}

// ConfigPath returns the default config file location.
func ConfigPath() string {
	return filepath.Join(StatePath(), "config.jsonc")
}

// ApplyDefaults fills in zero-value fields with the documented defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.StateDir == "" {
		cfg.StateDir = StatePath()
	}
	if cfg.Gateway.Host == "" {
		cfg.Gateway.Host = "127.0.0.1"
	}
	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = 7777
	}

	if cfg.Tasks.TimeoutMs == 0 {
		cfg.Tasks.TimeoutMs = 120_000
	}
	if cfg.Tasks.MaxRetries == 0 {
		cfg.Tasks.MaxRetries = 3
	}
	if cfg.Tasks.RetryBackoffMs == 0 {
		cfg.Tasks.RetryBackoffMs = 1000
	}
	if cfg.Tasks.RetryBackoffMultiplier == 0 {
		cfg.Tasks.RetryBackoffMultiplier = 2
	}
	if cfg.Tasks.RetryBackoffCapMs == 0 {
		cfg.Tasks.RetryBackoffCapMs = 60_000
	}
	if cfg.Tasks.CacheTTLMs == 0 {
		cfg.Tasks.CacheTTLMs = 45_000
	}

	if cfg.Lanes.Main.MaxConcurrent == 0 {
		cfg.Lanes.Main.MaxConcurrent = 1
	}
	if cfg.Lanes.Autonomous.MaxConcurrent == 0 {
		cfg.Lanes.Autonomous.MaxConcurrent = 5
	}
	if cfg.Lanes.Maintenance.MaxConcurrent == 0 {
		cfg.Lanes.Maintenance.MaxConcurrent = 1
	}

	if cfg.Supervisor.IntervalMs == 0 {
		cfg.Supervisor.IntervalMs = 60_000
	}
	if cfg.Supervisor.DutiesFile == "" {
		cfg.Supervisor.DutiesFile = "AGENT_DUTIES.md"
	}
	if cfg.Supervisor.AgentID == "" {
		cfg.Supervisor.AgentID = "warden"
	}

	if cfg.Scheduler.JobTimeoutMs == 0 {
		cfg.Scheduler.JobTimeoutMs = 300_000
	}
	if cfg.Scheduler.MaxRetries == 0 {
		cfg.Scheduler.MaxRetries = 3
	}

	if cfg.EventStore.RetentionDays == 0 {
		cfg.EventStore.RetentionDays = 30
	}
	if cfg.EventStore.CleanupIntervalHours == 0 {
		cfg.EventStore.CleanupIntervalHours = 24
	}

	for name, prov := range cfg.Providers {
		if prov.Name == "" {
			prov.Name = name
		}
		if prov.Group == "" {
			prov.Group = "configured"
		}
		cfg.Providers[name] = prov
	}
}
