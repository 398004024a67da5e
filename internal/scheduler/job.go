// Package scheduler runs persistent cron jobs: typed triggers feeding typed
// actions, with retry-on-failure and bus event emission.
package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TriggerKind enumerates what a job does when it fires.
type TriggerKind string

const (
	TriggerAgentAsk TriggerKind = "agent_ask"
	TriggerToolCall TriggerKind = "tool_call"
	TriggerWebhook  TriggerKind = "webhook"
)

// Trigger is the producer step of a job. Exactly one variant is populated,
// selected by Kind.
type Trigger struct {
	Kind TriggerKind `json:"kind"`

	// agent_ask
	Prompt string `json:"prompt,omitempty"`

	// tool_call
	Tool string         `json:"tool,omitempty"`
	Args map[string]any `json:"args,omitempty"`

	// webhook
	URL     string            `json:"url,omitempty"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// Validate checks that the trigger's variant fields are present.
func (t Trigger) Validate() error {
	switch t.Kind {
	case TriggerAgentAsk:
		if t.Prompt == "" {
			return fmt.Errorf("agent_ask trigger requires a prompt")
		}
	case TriggerToolCall:
		if t.Tool == "" {
			return fmt.Errorf("tool_call trigger requires a tool name")
		}
	case TriggerWebhook:
		if t.URL == "" {
			return fmt.Errorf("webhook trigger requires a url")
		}
	default:
		return fmt.Errorf("unknown trigger kind: %q", t.Kind)
	}
	return nil
}

// ActionKind enumerates the consumer steps applied to trigger output.
type ActionKind string

const (
	ActionMemoryUpdate ActionKind = "memory_update"
	ActionSendMessage  ActionKind = "send_message"
	ActionLogEvent     ActionKind = "log_event"
)

// Action is one consumer step of a job.
type Action struct {
	Kind ActionKind `json:"kind"`

	// send_message
	Recipient string `json:"recipient,omitempty"`

	// log_event
	Level string `json:"level,omitempty"`

	// Template overrides the trigger output as the action's input when set.
	Template string `json:"template,omitempty"`
}

// RetryPolicy controls job retry behavior.
type RetryPolicy struct {
	OnFailure  bool  `json:"on_failure"`
	MaxRetries int   `json:"max_retries"`
	TimeoutMs  int64 `json:"timeout_ms,omitempty"` // per-execution wall clock
}

// JobResult records the outcome of the most recent execution.
type JobResult struct {
	Status      string    `json:"status"` // completed | failed
	CompletedAt time.Time `json:"completed_at"`
	DurationMs  int64     `json:"duration_ms"`
	Error       string    `json:"error,omitempty"`
	Output      string    `json:"output,omitempty"`
	RetryCount  int       `json:"retry_count"`
}

// ScheduledJob is one persistent cron job.
type ScheduledJob struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Enabled    bool        `json:"enabled"`
	Cron       string      `json:"cron"`
	Trigger    Trigger     `json:"trigger"`
	Actions    []Action    `json:"actions,omitempty"`
	Retry      RetryPolicy `json:"retry"`
	CreatedAt  time.Time   `json:"created_at"`
	LastRunAt  *time.Time  `json:"last_run_at,omitempty"`
	LastResult *JobResult  `json:"last_result,omitempty"`
}

// Validate checks the job's cron expression, trigger, and actions.
func (j *ScheduledJob) Validate() error {
	if j.Name == "" {
		return fmt.Errorf("job requires a name")
	}
	if _, err := ParseCron(j.Cron); err != nil {
		return err
	}
	if err := j.Trigger.Validate(); err != nil {
		return fmt.Errorf("job %s: %w", j.Name, err)
	}
	for i, a := range j.Actions {
		switch a.Kind {
		case ActionMemoryUpdate, ActionSendMessage, ActionLogEvent:
		default:
			return fmt.Errorf("job %s: unknown action kind at index %d: %q", j.Name, i, a.Kind)
		}
	}
	return nil
}

// GenerateJobID creates a unique job identifier.
func GenerateJobID() string {
	u := uuid.New().String()
	return "job_" + strings.ReplaceAll(u[:8], "-", "")
}
