package events

// EventType enumerates every event the core can publish. The set is closed:
// components publish only these types, and the event store indexes by them.
type EventType string

const (
	// Tasks
	EventTaskQueued         EventType = "task_queued"
	EventTaskStarted        EventType = "task_started"
	EventTaskSucceeded      EventType = "task_succeeded"
	EventTaskFailed         EventType = "task_failed"
	EventTaskCancelled      EventType = "task_cancelled"
	EventTaskRetryScheduled EventType = "task_retry_scheduled"
	EventTaskTimeoutWarning EventType = "task_timeout_warning"
	EventTaskTimeout        EventType = "task_timeout"
	EventSubagentSpawned    EventType = "subagent_spawned"

	// Scheduled jobs
	EventJobCreated   EventType = "job_created"
	EventJobStarted   EventType = "job_started"
	EventJobCompleted EventType = "job_completed"
	EventJobFailed    EventType = "job_failed"
	EventJobEnabled   EventType = "job_enabled"
	EventJobDisabled  EventType = "job_disabled"
	EventJobRemoved   EventType = "job_removed"

	// Providers
	EventProviderCooldown EventType = "provider_cooldown"
	EventProviderRecovery EventType = "provider_recovery"

	// Agent activity
	EventErrorOccurred EventType = "error_occurred"
	EventToolExecuted  EventType = "tool_executed"
	EventAgentThinking EventType = "agent_thinking"
	EventAgentResponse EventType = "agent_response"
	EventMemoryIndexed EventType = "memory_indexed"

	// Sessions
	EventSessionStarted EventType = "session_started"
	EventSessionEnded   EventType = "session_ended"

	EventMainAgentStatusChanged EventType = "main_agent_status_changed"
)

// AllEventTypes lists the closed enumeration, in a stable order.
var AllEventTypes = []EventType{
	EventTaskQueued, EventTaskStarted, EventTaskSucceeded, EventTaskFailed,
	EventTaskCancelled, EventTaskRetryScheduled, EventTaskTimeoutWarning,
	EventTaskTimeout, EventSubagentSpawned,
	EventJobCreated, EventJobStarted, EventJobCompleted, EventJobFailed,
	EventJobEnabled, EventJobDisabled, EventJobRemoved,
	EventProviderCooldown, EventProviderRecovery,
	EventErrorOccurred, EventToolExecuted, EventAgentThinking,
	EventAgentResponse, EventMemoryIndexed,
	EventSessionStarted, EventSessionEnded,
	EventMainAgentStatusChanged,
}

// ValidEventType reports whether t belongs to the closed enumeration.
func ValidEventType(t EventType) bool {
	for _, known := range AllEventTypes {
		if t == known {
			return true
		}
	}
	return false
}
