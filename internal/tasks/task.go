// Package tasks provides durable task records, the lane-limited queue,
// the timeout monitor, and phased subagent execution.
package tasks

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Lane is a named queue with its own concurrency cap.
type Lane string

const (
	LaneMain        Lane = "main"        // interactive foreground work
	LaneAutonomous  Lane = "autonomous"  // background subagents
	LaneMaintenance Lane = "maintenance" // cron and duty work
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusRetrying  Status = "retrying"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether a status permits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusTimedOut, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether from → to is a legal status transition.
// An empty from covers freshly created records.
func CanTransition(from, to Status) bool {
	switch from {
	case "":
		return to == StatusQueued
	case StatusQueued:
		return to == StatusRunning || to == StatusCancelled
	case StatusRunning:
		return to == StatusSucceeded || to == StatusFailed || to == StatusRetrying ||
			to == StatusTimedOut || to == StatusCancelled
	case StatusRetrying:
		return to == StatusQueued || to == StatusCancelled
	}
	return false
}

// ErrTerminalState is returned when a caller tries to advance a task past a
// terminal status.
type ErrTerminalState struct {
	TaskID string
	From   Status
	To     Status
}

func (e *ErrTerminalState) Error() string {
	return fmt.Sprintf("task %s: illegal transition %s -> %s", e.TaskID, e.From, e.To)
}

// RetryPolicy tracks retry budget and backoff state for one task.
type RetryPolicy struct {
	MaxAttempts int        `json:"max_attempts"`
	Attempted   int        `json:"attempted"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
	BackoffMs   int64      `json:"backoff_ms,omitempty"`
}

// Metadata carries free-form task annotations the core never interprets.
type Metadata struct {
	Origin   string   `json:"origin,omitempty"`
	Priority string   `json:"priority,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}

// TaskResult holds the outcome of a finished task.
type TaskResult struct {
	Output     string         `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	DurationMs int64          `json:"duration_ms,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

// Task is one durable unit of work.
type Task struct {
	ID          string      `json:"id"`
	Description string      `json:"description"`
	ParentID    string      `json:"parent_id,omitempty"`
	SessionKey  string      `json:"session_key,omitempty"`
	Lane        Lane        `json:"lane"`
	Metadata    Metadata    `json:"metadata"`
	Retries     RetryPolicy `json:"retries"`
	TimeoutMs   int64       `json:"timeout_ms"`
	CreatedAt   time.Time   `json:"created_at"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	EndedAt     *time.Time  `json:"ended_at,omitempty"`
	Status      Status      `json:"status"`
	LastError   string      `json:"last_error,omitempty"`
	Result      *TaskResult `json:"result,omitempty"`
}

// GenerateTaskID creates a unique task identifier.
func GenerateTaskID() string {
	u := uuid.New().String()
	return "task_" + strings.ReplaceAll(u[:8], "-", "")
}
