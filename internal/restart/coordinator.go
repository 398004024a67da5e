// Package restart persists restart intent across process boundaries. The
// process writes restart.json, exits with code 42, and the supervising
// parent respawns it; on the next start the intent file hands back any
// interrupted task context.
package restart

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"warden/internal/storage/fstore"
)

// ExitCodeRestart is the sentinel exit code telling the supervising
// parent to respawn the process.
const ExitCodeRestart = 42

// exitDelay gives in-flight writes time to flush before the process dies.
const exitDelay = 150 * time.Millisecond

const intentFile = "restart.json"

// Intent is the on-disk restart record.
type Intent struct {
	Requested   bool           `json:"requested"`
	RequestedAt time.Time      `json:"requested_at"`
	Reason      string         `json:"reason"`
	Message     string         `json:"message,omitempty"`
	Target      string         `json:"target,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	TaskContext *TaskContext   `json:"task_context,omitempty"`
}

// TaskContext carries enough of an in-flight task to resume it after
// the restart.
type TaskContext struct {
	TaskID      string         `json:"task_id"`
	Description string         `json:"description"`
	SessionKey  string         `json:"session_key,omitempty"`
	Phase       string         `json:"phase,omitempty"`
	State       map[string]any `json:"state,omitempty"`
}

// Request is what callers pass to RequestRestart.
type Request struct {
	Reason   string
	Message  string
	Metadata map[string]any
}

// Handler runs during shutdown with the restart reason. Failures are
// logged, never fatal.
type Handler func(reason string) error

// Coordinator owns the restart intent file and the shutdown hooks.
type Coordinator struct {
	mu       sync.Mutex
	path     string
	handlers []Handler
	shutting bool

	// exit is swapped in tests to observe the code instead of dying.
	exit func(code int)
}

// NewCoordinator creates a coordinator writing restart.json under stateDir.
func NewCoordinator(stateDir string) *Coordinator {
	return &Coordinator{
		path: filepath.Join(stateDir, intentFile),
		exit: os.Exit,
	}
}

// OnShutdown registers a handler invoked during RequestRestart.
func (c *Coordinator) OnShutdown(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, h)
}

// Initialize consumes a pending intent file. When the intent carries a
// task context it is returned as the interrupted task; the file is
// removed either way.
func (c *Coordinator) Initialize() (*TaskContext, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	intent, err := c.readIntent()
	if err != nil {
		return nil, err
	}
	if intent == nil {
		return nil, nil
	}
	if err := os.Remove(c.path); err != nil {
		return nil, fmt.Errorf("removing restart intent: %w", err)
	}
	if intent.TaskContext != nil {
		slog.Info("resuming interrupted task after restart",
			"task_id", intent.TaskContext.TaskID,
			"reason", intent.Reason)
	}
	return intent.TaskContext, nil
}

// RequestRestart runs the shutdown handlers, persists the intent, and
// schedules process exit with the restart sentinel code.
func (c *Coordinator) RequestRestart(req Request) error {
	c.mu.Lock()
	if c.shutting {
		c.mu.Unlock()
		return fmt.Errorf("restart already in progress")
	}
	c.shutting = true
	handlers := make([]Handler, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.Unlock()

	for _, h := range handlers {
		if err := h(req.Reason); err != nil {
			slog.Error("shutdown handler failed", "reason", req.Reason, "error", err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	existing, err := c.readIntent()
	if err != nil {
		slog.Warn("discarding unreadable restart intent", "error", err)
	}
	intent := Intent{
		Requested:   true,
		RequestedAt: time.Now(),
		Reason:      req.Reason,
		Message:     req.Message,
		Metadata:    req.Metadata,
	}
	if existing != nil {
		intent.TaskContext = existing.TaskContext
	}
	if err := c.writeIntent(&intent); err != nil {
		return err
	}

	slog.Info("restart requested", "reason", req.Reason, "exit_code", ExitCodeRestart)
	time.AfterFunc(exitDelay, func() { c.exit(ExitCodeRestart) })
	return nil
}

// SaveTaskContext upserts only the task context of the intent, creating
// a non-requested intent file when none exists yet.
func (c *Coordinator) SaveTaskContext(tc *TaskContext) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	intent, err := c.readIntent()
	if err != nil {
		return err
	}
	if intent == nil {
		intent = &Intent{}
	}
	intent.TaskContext = tc
	return c.writeIntent(intent)
}

// ClearTaskContext drops the task context, deleting the file when
// nothing else is recorded in it.
func (c *Coordinator) ClearTaskContext() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	intent, err := c.readIntent()
	if err != nil {
		return err
	}
	if intent == nil {
		return nil
	}
	intent.TaskContext = nil
	if !intent.Requested {
		if err := os.Remove(c.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing restart intent: %w", err)
		}
		return nil
	}
	return c.writeIntent(intent)
}

// CancelRestart deletes the intent file unless shutdown already started.
func (c *Coordinator) CancelRestart() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.shutting {
		return fmt.Errorf("shutdown already started")
	}
	if err := os.Remove(c.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing restart intent: %w", err)
	}
	return nil
}

// Pending reports whether an intent file exists without consuming it.
func (c *Coordinator) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := os.Stat(c.path)
	return err == nil
}

func (c *Coordinator) readIntent() (*Intent, error) {
	data, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading restart intent: %w", err)
	}
	var intent Intent
	if err := json.Unmarshal(data, &intent); err != nil {
		return nil, fmt.Errorf("parsing restart intent: %w", err)
	}
	return &intent, nil
}

func (c *Coordinator) writeIntent(intent *Intent) error {
	data, err := json.MarshalIndent(intent, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding restart intent: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}
	if err := fstore.WriteFileAtomic(c.path, data); err != nil {
		return fmt.Errorf("writing restart intent: %w", err)
	}
	return nil
}
