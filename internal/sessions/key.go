// Package sessions persists conversation transcripts keyed by a
// hierarchical session key, one JSONL file per key.
package sessions

import (
	"fmt"
	"strings"
)

// Session keys are colon-joined: external conversations use
// <channel>:<kind>:<id>, core-internal sessions use agent:<agentId>:<scope>.
const (
	ChannelMessaging = "msg"
	ChannelAgent     = "agent"

	KindDM    = "dm"
	KindGroup = "group"

	ScopeSystem        = "system"
	ScopeStartupHealth = "startup-health"
)

// DMKey builds the session key for a direct message conversation.
func DMKey(chatID string) string {
	return fmt.Sprintf("%s:%s:%s", ChannelMessaging, KindDM, chatID)
}

// GroupKey builds the session key for a group conversation.
func GroupKey(chatID string) string {
	return fmt.Sprintf("%s:%s:%s", ChannelMessaging, KindGroup, chatID)
}

// SystemKey is the agent's standing internal session.
func SystemKey(agentID string) string {
	return fmt.Sprintf("%s:%s:%s", ChannelAgent, agentID, ScopeSystem)
}

// StartupHealthKey names the one-shot health check session run at boot.
func StartupHealthKey(agentID string) string {
	return fmt.Sprintf("%s:%s:%s", ChannelAgent, agentID, ScopeStartupHealth)
}

// TaskKey names the session backing one task execution.
func TaskKey(agentID, taskID string) string {
	return fmt.Sprintf("%s:%s:task:%s", ChannelAgent, agentID, taskID)
}

// SubagentKey names the session backing one spawned subagent.
func SubagentKey(agentID, subagentID string) string {
	return fmt.Sprintf("%s:%s:subagent:%s", ChannelAgent, agentID, subagentID)
}

// ValidateKey checks the key against the session key grammar.
func ValidateKey(key string) error {
	parts := strings.Split(key, ":")
	if len(parts) < 3 {
		return fmt.Errorf("session key %q: want at least channel:kind:id", key)
	}
	for _, p := range parts {
		if p == "" {
			return fmt.Errorf("session key %q: empty segment", key)
		}
	}
	if parts[0] == ChannelAgent {
		switch parts[2] {
		case ScopeSystem, ScopeStartupHealth:
			if len(parts) != 3 {
				return fmt.Errorf("session key %q: trailing segments after scope", key)
			}
		case "task", "subagent":
			if len(parts) != 4 {
				return fmt.Errorf("session key %q: scope %s needs an id", key, parts[2])
			}
		default:
			return fmt.Errorf("session key %q: unknown agent scope %q", key, parts[2])
		}
	}
	return nil
}

// Channel returns the leading segment of a key, or "" when malformed.
func Channel(key string) string {
	channel, _, ok := strings.Cut(key, ":")
	if !ok {
		return ""
	}
	return channel
}

// SafeKey maps a session key to a filename-safe form. Colons become
// double underscores so the mapping stays unambiguous for keys that
// contain neither.
func SafeKey(key string) string {
	var b strings.Builder
	b.Grow(len(key))
	for _, r := range key {
		switch {
		case r == ':':
			b.WriteString("__")
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
