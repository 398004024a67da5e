package events

import (
	"encoding/json"
	"time"
)

// EventPayload is implemented by every typed payload.
type EventPayload interface {
	EventType() EventType
}

// =============================================================================
// TASK EVENTS
// =============================================================================

type TaskQueuedPayload struct {
	TaskID      string `json:"task_id"`
	Lane        string `json:"lane"`
	Description string `json:"description,omitempty"`
	ParentID    string `json:"parent_id,omitempty"`
}

func (TaskQueuedPayload) EventType() EventType { return EventTaskQueued }

type TaskStartedPayload struct {
	TaskID  string `json:"task_id"`
	Lane    string `json:"lane"`
	Attempt int    `json:"attempt"`
}

func (TaskStartedPayload) EventType() EventType { return EventTaskStarted }

type TaskSucceededPayload struct {
	TaskID     string `json:"task_id"`
	Lane       string `json:"lane"`
	DurationMs int64  `json:"duration_ms"`
}

func (TaskSucceededPayload) EventType() EventType { return EventTaskSucceeded }

type TaskFailedPayload struct {
	TaskID    string `json:"task_id"`
	Lane      string `json:"lane"`
	Error     string `json:"error"`
	Attempted int    `json:"attempted"`
	TimedOut  bool   `json:"timed_out,omitempty"`
}

func (TaskFailedPayload) EventType() EventType { return EventTaskFailed }

type TaskCancelledPayload struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason,omitempty"`
}

func (TaskCancelledPayload) EventType() EventType { return EventTaskCancelled }

type TaskRetryScheduledPayload struct {
	TaskID  string `json:"task_id"`
	Attempt int    `json:"attempt"`
	DelayMs int64  `json:"delay_ms"`
	Error   string `json:"error,omitempty"`
}

func (TaskRetryScheduledPayload) EventType() EventType { return EventTaskRetryScheduled }

type TaskTimeoutWarningPayload struct {
	TaskID         string `json:"task_id"`
	MsUntilTimeout int64  `json:"ms_until_timeout"`
}

func (TaskTimeoutWarningPayload) EventType() EventType { return EventTaskTimeoutWarning }

type TaskTimeoutPayload struct {
	TaskID    string `json:"task_id"`
	ElapsedMs int64  `json:"elapsed_ms"`
	TimeoutMs int64  `json:"timeout_ms"`
}

func (TaskTimeoutPayload) EventType() EventType { return EventTaskTimeout }

type SubagentSpawnedPayload struct {
	ParentTaskID   string `json:"parent_task_id"`
	SubagentTaskID string `json:"subagent_task_id"`
}

func (SubagentSpawnedPayload) EventType() EventType { return EventSubagentSpawned }

// =============================================================================
// JOB EVENTS
// =============================================================================

type JobCreatedPayload struct {
	JobID string `json:"job_id"`
	Name  string `json:"name"`
	Cron  string `json:"cron"`
}

func (JobCreatedPayload) EventType() EventType { return EventJobCreated }

type JobStartedPayload struct {
	JobID   string `json:"job_id"`
	Name    string `json:"name"`
	Trigger string `json:"trigger"`
	Manual  bool   `json:"manual,omitempty"`
}

func (JobStartedPayload) EventType() EventType { return EventJobStarted }

type JobCompletedPayload struct {
	JobID      string `json:"job_id"`
	Name       string `json:"name"`
	DurationMs int64  `json:"duration_ms"`
	RetryCount int    `json:"retry_count"`
}

func (JobCompletedPayload) EventType() EventType { return EventJobCompleted }

type JobFailedPayload struct {
	JobID      string `json:"job_id"`
	Name       string `json:"name"`
	Error      string `json:"error"`
	DurationMs int64  `json:"duration_ms"`
	RetryCount int    `json:"retry_count"`
}

func (JobFailedPayload) EventType() EventType { return EventJobFailed }

type JobEnabledPayload struct {
	JobID string `json:"job_id"`
	Name  string `json:"name,omitempty"`
}

func (JobEnabledPayload) EventType() EventType { return EventJobEnabled }

type JobDisabledPayload struct {
	JobID string `json:"job_id"`
	Name  string `json:"name,omitempty"`
}

func (JobDisabledPayload) EventType() EventType { return EventJobDisabled }

type JobRemovedPayload struct {
	JobID string `json:"job_id"`
	Name  string `json:"name,omitempty"`
}

func (JobRemovedPayload) EventType() EventType { return EventJobRemoved }

// =============================================================================
// PROVIDER EVENTS
// =============================================================================

type ProviderCooldownPayload struct {
	ProviderID string    `json:"provider_id"`
	Until      time.Time `json:"until"`
	Reason     string    `json:"reason"`
}

func (ProviderCooldownPayload) EventType() EventType { return EventProviderCooldown }

type ProviderRecoveryPayload struct {
	ProviderID string `json:"provider_id"`
}

func (ProviderRecoveryPayload) EventType() EventType { return EventProviderRecovery }

// =============================================================================
// AGENT ACTIVITY
// =============================================================================

type ErrorOccurredPayload struct {
	Severity   string `json:"severity"`
	ErrorType  string `json:"error_type"`
	Message    string `json:"message"`
	Component  string `json:"component,omitempty"`
	ProviderID string `json:"provider_id,omitempty"`
}

func (ErrorOccurredPayload) EventType() EventType { return EventErrorOccurred }

type ToolExecutedPayload struct {
	Name       string `json:"name"`
	DurationMs int64  `json:"duration_ms"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
}

func (ToolExecutedPayload) EventType() EventType { return EventToolExecuted }

type AgentThinkingPayload struct {
	TaskID string `json:"task_id,omitempty"`
	Phase  string `json:"phase,omitempty"`
}

func (AgentThinkingPayload) EventType() EventType { return EventAgentThinking }

type AgentResponsePayload struct {
	ProviderID string `json:"provider_id"`
	Model      string `json:"model,omitempty"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
	TaskID     string `json:"task_id,omitempty"`
	Phase      string `json:"phase,omitempty"`
}

func (AgentResponsePayload) EventType() EventType { return EventAgentResponse }

type MemoryIndexedPayload struct {
	Count int `json:"count"`
}

func (MemoryIndexedPayload) EventType() EventType { return EventMemoryIndexed }

// =============================================================================
// SESSIONS
// =============================================================================

type SessionStartedPayload struct {
	SessionKey string `json:"session_key"`
}

func (SessionStartedPayload) EventType() EventType { return EventSessionStarted }

type SessionEndedPayload struct {
	SessionKey string `json:"session_key"`
}

func (SessionEndedPayload) EventType() EventType { return EventSessionEnded }

type MainAgentStatusChangedPayload struct {
	Status string `json:"status"`
}

func (MainAgentStatusChangedPayload) EventType() EventType { return EventMainAgentStatusChanged }

// =============================================================================
// PAYLOAD CODEC
// =============================================================================

func toMap(v any) map[string]any {
	var result map[string]any
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return result
}

// ExtractPayload decodes an event's payload into a typed struct.
func ExtractPayload[T EventPayload](e Event) (T, bool) {
	var result T
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return result, false
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return result, false
	}
	return result, true
}
