package gateway

import (
	"fmt"
	"time"

	"warden/internal/providers"
	"warden/internal/runs"
	"warden/internal/scheduler"
	"warden/internal/tasks"
)

// AssignFunc submits a description as a new Main-lane task and returns
// its id. Wired to the supervisor.
type AssignFunc func(description string, maxRetries int) (string, error)

// Core adapts the internal components to the gateway's typed surface.
// It backs both the HTTP handlers and the WebSocket hub.
type Core struct {
	Store     tasks.Store
	Queue     *tasks.Queue
	Scheduler *scheduler.Scheduler
	Health    *providers.HealthTracker
	Runs      *runs.Registry
	Assign    AssignFunc

	// Restart hooks into the restart coordinator; AbortRestart clears a
	// pending intent. Both stay nil when no coordinator is wired.
	Restart      func(reason, message string) error
	AbortRestart func() error

	startedAt   time.Time
	connections func() int
}

// NewCore builds the gateway core. The connection counter is attached
// by the server once the hub exists.
func NewCore(store tasks.Store, queue *tasks.Queue, sched *scheduler.Scheduler, health *providers.HealthTracker, registry *runs.Registry, assign AssignFunc) *Core {
	return &Core{
		Store:       store,
		Queue:       queue,
		Scheduler:   sched,
		Health:      health,
		Runs:        registry,
		Assign:      assign,
		startedAt:   time.Now(),
		connections: func() int { return 0 },
	}
}

// TaskSummary is the wire shape of a task in list responses.
type TaskSummary struct {
	ID          string       `json:"id"`
	Description string       `json:"description"`
	Lane        tasks.Lane   `json:"lane"`
	Status      tasks.Status `json:"status"`
	CreatedAt   time.Time    `json:"created_at"`
	Attempted   int          `json:"attempted"`
	LastError   string       `json:"last_error,omitempty"`
}

func summarize(t *tasks.Task) TaskSummary {
	return TaskSummary{
		ID:          t.ID,
		Description: t.Description,
		Lane:        t.Lane,
		Status:      t.Status,
		CreatedAt:   t.CreatedAt,
		Attempted:   t.Retries.Attempted,
		LastError:   t.LastError,
	}
}

// LaneStatus reports one lane's load.
type LaneStatus struct {
	Depth    int `json:"depth"`
	InFlight int `json:"in_flight"`
}

// StatusSnapshot is the health surface returned by query-status.
type StatusSnapshot struct {
	Status      string                `json:"status"`
	UptimeMs    int64                 `json:"uptime_ms"`
	Lanes       map[string]LaneStatus `json:"lanes"`
	Providers   []providers.Provider  `json:"providers,omitempty"`
	ActiveRuns  int                   `json:"active_runs"`
	Connections int                   `json:"connections"`
}

// SubmitTask creates and enqueues a task for the description.
func (c *Core) SubmitTask(description string, maxRetries int) (string, error) {
	if c.Assign == nil {
		return "", fmt.Errorf("task submission not available")
	}
	return c.Assign(description, maxRetries)
}

// CancelTask cancels a queued or running task.
func (c *Core) CancelTask(id, reason string) error {
	if reason == "" {
		reason = "cancelled via gateway"
	}
	return c.Queue.Cancel(id, reason)
}

// RequestRestart records a restart intent and begins shutdown.
func (c *Core) RequestRestart(reason, message string) error {
	if c.Restart == nil {
		return fmt.Errorf("restart not available")
	}
	if reason == "" {
		reason = "requested via gateway"
	}
	return c.Restart(reason, message)
}

// CancelRestart clears a pending restart intent.
func (c *Core) CancelRestart() error {
	if c.AbortRestart == nil {
		return fmt.Errorf("restart not available")
	}
	return c.AbortRestart()
}

// ListTasks returns summaries of every stored task.
func (c *Core) ListTasks() (any, error) {
	list, err := c.Store.List()
	if err != nil {
		return nil, err
	}
	out := make([]TaskSummary, len(list))
	for i, t := range list {
		out[i] = summarize(t)
	}
	return out, nil
}

// GetTask returns one task summary.
func (c *Core) GetTask(id string) (*TaskSummary, error) {
	t, err := c.Store.Get(id)
	if err != nil {
		return nil, err
	}
	s := summarize(t)
	return &s, nil
}

// ListJobs returns the scheduler's jobs.
func (c *Core) ListJobs() (any, error) {
	if c.Scheduler == nil {
		return []*scheduler.ScheduledJob{}, nil
	}
	return c.Scheduler.List(), nil
}

// Status builds the health snapshot.
func (c *Core) Status() (any, error) {
	snap := StatusSnapshot{
		Status:      "ok",
		UptimeMs:    time.Since(c.startedAt).Milliseconds(),
		Lanes:       map[string]LaneStatus{},
		Connections: c.connections(),
	}
	for _, lane := range []tasks.Lane{tasks.LaneMain, tasks.LaneAutonomous, tasks.LaneMaintenance} {
		snap.Lanes[string(lane)] = LaneStatus{
			Depth:    c.Queue.Depth(lane),
			InFlight: c.Queue.InFlight(lane),
		}
	}
	if c.Health != nil {
		snap.Providers = c.Health.Snapshot()
	}
	if c.Runs != nil {
		snap.ActiveRuns = len(c.Runs.ListActiveRuns())
	}
	return snap, nil
}
