package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"warden/internal/events"
	"warden/internal/providers"
	"warden/internal/runs"
	"warden/internal/sessions"
	"warden/internal/tasks"
)

type stubCompleter struct {
	mu      sync.Mutex
	prompts []string
	reply   string
}

func (c *stubCompleter) Complete(_ context.Context, _ providers.Action, req providers.Request) (*providers.Response, error) {
	c.mu.Lock()
	c.prompts = append(c.prompts, req.Prompt)
	c.mu.Unlock()
	return &providers.Response{Text: c.reply, Model: "stub-model"}, nil
}

func (c *stubCompleter) promptCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.prompts)
}

func (c *stubCompleter) hasPrompt(substr string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.prompts {
		if strings.Contains(p, substr) {
			return true
		}
	}
	return false
}

type stubNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *stubNotifier) Send(_ context.Context, recipient, message string) error {
	n.mu.Lock()
	n.messages = append(n.messages, recipient+": "+message)
	n.mu.Unlock()
	return nil
}

type fixture struct {
	sup       *Supervisor
	store     tasks.Store
	queue     *tasks.Queue
	bus       *events.Bus
	completer *stubCompleter
	notifier  *stubNotifier
	registry  *runs.Registry
	stateDir  string
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	dir := t.TempDir()
	bus := events.NewBus()
	store := tasks.NewFileStore(filepath.Join(dir, "tasks"), 0)
	queue := tasks.NewQueue(tasks.QueueConfig{
		Store: store,
		Bus:   bus,
		Lanes: map[tasks.Lane]int{tasks.LaneMain: 1, tasks.LaneAutonomous: 5, tasks.LaneMaintenance: 1},
	})
	queue.Start()
	t.Cleanup(queue.Stop)

	completer := &stubCompleter{reply: "all good"}
	notifier := &stubNotifier{}
	registry := runs.NewRegistry()

	cfg := Config{
		Bus:         bus,
		Store:       store,
		Queue:       queue,
		Executor:    tasks.NewPhaseExecutor(completer, bus, tasks.DefaultPhases()),
		Completer:   completer,
		Transcripts: sessions.NewStore(dir, bus),
		Runs:        registry,
		Notifier:    notifier,
		Recipients:  []string{"owner"},
		Interval:    time.Hour, // cycle loop quiet unless a test shortens it
		StateDir:    dir,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return &fixture{
		sup:       New(cfg),
		store:     store,
		queue:     queue,
		bus:       bus,
		completer: completer,
		notifier:  notifier,
		registry:  registry,
		stateDir:  dir,
	}
}

func TestStartRunsHealthCheckAndNotifies(t *testing.T) {
	f := newFixture(t, nil)

	var statuses []string
	f.bus.Subscribe(events.EventMainAgentStatusChanged, func(e events.Event) {
		p, _ := events.ExtractPayload[events.MainAgentStatusChangedPayload](e)
		statuses = append(statuses, p.Status)
	})

	if err := f.sup.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer f.sup.Stop()

	if !f.completer.hasPrompt("component status") {
		t.Error("health check prompt never sent")
	}
	if len(f.notifier.messages) != 1 || !strings.Contains(f.notifier.messages[0], "owner:") {
		t.Errorf("notifications: %v", f.notifier.messages)
	}
	if len(statuses) < 2 || statuses[0] != "starting" || statuses[1] != "ready" {
		t.Errorf("status sequence: %v", statuses)
	}

	// The health exchange lands on the startup-health transcript.
	msgs, err := sessions.NewStore(f.stateDir, nil).Load(sessions.StartupHealthKey("warden"))
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[1].Role != "assistant" || msgs[1].Content != "all good" {
		t.Errorf("transcript: %+v", msgs)
	}
}

func TestRecoverInterruptedFailsRunningTasks(t *testing.T) {
	f := newFixture(t, nil)

	stuck := &tasks.Task{Description: "was running", Lane: tasks.LaneMain}
	if err := f.store.Create(stuck); err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.UpdateStatus(stuck.ID, tasks.StatusRunning, ""); err != nil {
		t.Fatal(err)
	}

	if err := f.sup.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer f.sup.Stop()

	got, err := f.store.Get(stuck.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != tasks.StatusFailed || got.LastError != "interrupted by restart" {
		t.Errorf("recovered task: status=%s error=%q", got.Status, got.LastError)
	}
}

func TestAssignTaskSpawnsOneSubagent(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.sup.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer f.sup.Stop()

	var spawned atomic.Int32
	var subagentID string
	f.bus.Subscribe(events.EventSubagentSpawned, func(e events.Event) {
		spawned.Add(1)
		p, _ := events.ExtractPayload[events.SubagentSpawnedPayload](e)
		subagentID = p.SubagentTaskID
	})

	id, err := f.sup.AssignTask("summarize the logs", 0)
	if err != nil {
		t.Fatal(err)
	}

	result, err := f.queue.WaitForCompletion(id, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if result == nil || result.Output == "" {
		t.Errorf("result: %+v", result)
	}

	if spawned.Load() != 1 {
		t.Fatalf("subagent_spawned events: %d", spawned.Load())
	}

	parent, err := f.store.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if parent.Status != tasks.StatusSucceeded || parent.Lane != tasks.LaneMain {
		t.Errorf("parent: status=%s lane=%s", parent.Status, parent.Lane)
	}

	sub, err := f.store.Get(subagentID)
	if err != nil {
		t.Fatal(err)
	}
	if sub.ParentID != id || sub.Lane != tasks.LaneAutonomous || sub.Status != tasks.StatusSucceeded {
		t.Errorf("subagent: %+v", sub)
	}

	// The run handle is cleared once the subagent finishes.
	if f.registry.IsRunActive(subagentID) {
		t.Error("subagent run still registered")
	}
}

func TestDutyCycleRunsWhenIdle(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.Interval = 30 * time.Millisecond
	})

	duties := "---\nname: rounds\n---\n\nDo the maintenance rounds.\n"
	if err := os.WriteFile(filepath.Join(f.stateDir, "AGENT_DUTIES.md"), []byte(duties), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := f.sup.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer f.sup.Stop()

	deadline := time.After(3 * time.Second)
	for f.sup.DutyCycles() == 0 {
		select {
		case <-deadline:
			t.Fatal("duty cycle never ran")
		case <-time.After(20 * time.Millisecond):
		}
	}

	if !f.completer.hasPrompt("maintenance rounds") {
		t.Error("duty prompt never sent to the backend")
	}
	msgs, err := sessions.NewStore(f.stateDir, nil).Load(sessions.SystemKey("warden"))
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) < 2 {
		t.Errorf("system transcript: %+v", msgs)
	}

	// The duty exchange runs as a maintenance-lane task.
	all, err := f.store.List()
	if err != nil {
		t.Fatal(err)
	}
	var duty *tasks.Task
	for _, rec := range all {
		if rec.Lane == tasks.LaneMaintenance && strings.HasPrefix(rec.Description, "duty cycle:") {
			duty = rec
			break
		}
	}
	if duty == nil {
		t.Fatal("no maintenance task recorded for the duty cycle")
	}
	if duty.Status != tasks.StatusSucceeded || duty.Metadata.Origin != "supervisor" {
		t.Errorf("duty task: status=%s origin=%q", duty.Status, duty.Metadata.Origin)
	}
}

func TestDutyCycleSkippedWhileTasksActive(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.Interval = 20 * time.Millisecond
	})

	duties := "Do the maintenance rounds.\n"
	if err := os.WriteFile(filepath.Join(f.stateDir, "AGENT_DUTIES.md"), []byte(duties), 0o644); err != nil {
		t.Fatal(err)
	}

	// A queued task counts as active and holds the duty cycle back.
	blocker := &tasks.Task{Description: "pending work", Lane: tasks.LaneMaintenance}
	if err := f.store.Create(blocker); err != nil {
		t.Fatal(err)
	}

	if err := f.sup.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer f.sup.Stop()

	time.Sleep(150 * time.Millisecond)
	if n := f.sup.DutyCycles(); n != 0 {
		t.Errorf("duty cycles with active tasks: %d", n)
	}
}

func TestDutyCycleMissingFileIsQuiet(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.Interval = 20 * time.Millisecond
	})
	if err := f.sup.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer f.sup.Stop()

	baseline := f.completer.promptCount()
	time.Sleep(120 * time.Millisecond)
	if got := f.completer.promptCount(); got != baseline {
		t.Errorf("backend calls without a duties file: %d extra", got-baseline)
	}
}
