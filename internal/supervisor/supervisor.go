// Package supervisor runs the standing background agent: the startup
// health check, the interval-driven duty cycle, and task assignment
// with subagent fan-out.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"warden/internal/events"
	"warden/internal/providers"
	"warden/internal/runs"
	"warden/internal/sessions"
	"warden/internal/tasks"
)

// DefaultInterval is the duty-cycle tick when none is configured.
const DefaultInterval = 60 * time.Second

const defaultAgentID = "warden"

// subagentWait bounds how long a parent task waits for its subagent.
const subagentWait = 30 * time.Minute

// Notifier delivers messages to external recipients.
type Notifier interface {
	Send(ctx context.Context, recipient, message string) error
}

// Config wires the supervisor's collaborators.
type Config struct {
	Bus         *events.Bus
	Store       tasks.Store
	Queue       *tasks.Queue
	Monitor     *tasks.Monitor
	Executor    *tasks.PhaseExecutor
	Completer   tasks.Completer
	Transcripts *sessions.Store
	Runs        *runs.Registry
	Notifier    Notifier

	AgentID    string
	Recipients []string
	Interval   time.Duration
	StateDir   string
	DutiesFile string // relative paths resolve against StateDir

	// Task defaults applied by AssignTask.
	TaskTimeoutMs int64
	MaxRetries    int
}

// Supervisor is the continuous background agent loop.
type Supervisor struct {
	cfg Config

	mu        sync.Mutex
	dutyBusy  bool
	lastDuty  time.Time
	dutyCount int

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New builds a supervisor. Bus, Store, Queue, and Completer are required.
func New(cfg Config) *Supervisor {
	if cfg.AgentID == "" {
		cfg.AgentID = defaultAgentID
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.DutiesFile == "" {
		cfg.DutiesFile = DefaultDutiesFile
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.TaskTimeoutMs <= 0 {
		cfg.TaskTimeoutMs = 120_000
	}
	return &Supervisor{cfg: cfg, stopCh: make(chan struct{})}
}

// Start brings the supervisor up: fail interrupted tasks, start the
// timeout monitor, announce startup, run the health check, then enter
// the cycle loop.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := s.recoverInterrupted(); err != nil {
		return err
	}
	if s.cfg.Monitor != nil {
		s.cfg.Monitor.Start()
	}

	s.cfg.Bus.PublishTyped(events.MainAgentStatusChangedPayload{Status: "starting"})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.notifyStartup(gctx) })
	g.Go(func() error { return s.startupHealthCheck(gctx) })
	if err := g.Wait(); err != nil {
		slog.Warn("startup checks incomplete", "error", err)
	}

	s.cfg.Bus.PublishTyped(events.MainAgentStatusChangedPayload{Status: "ready"})

	s.wg.Add(1)
	go s.cycleLoop()
	slog.Info("supervisor started", "agent_id", s.cfg.AgentID, "interval", s.cfg.Interval)
	return nil
}

// Stop halts the cycle loop and the timeout monitor.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	if s.cfg.Monitor != nil {
		s.cfg.Monitor.Stop()
	}
	s.cfg.Bus.PublishTyped(events.MainAgentStatusChangedPayload{Status: "stopped"})
}

// recoverInterrupted fails tasks still marked running from a previous
// process. Their runners are gone; queued and retrying tasks are left
// for their owners to resubmit.
func (s *Supervisor) recoverInterrupted() error {
	active, err := s.cfg.Store.GetActiveTasks()
	if err != nil {
		return fmt.Errorf("loading active tasks: %w", err)
	}
	for _, t := range active {
		if t.Status != tasks.StatusRunning {
			continue
		}
		if _, err := s.cfg.Store.UpdateStatus(t.ID, tasks.StatusFailed, "interrupted by restart"); err != nil {
			slog.Error("failed to mark interrupted task", "task_id", t.ID, "error", err)
			continue
		}
		slog.Warn("task interrupted by restart", "task_id", t.ID)
	}
	return nil
}

func (s *Supervisor) notifyStartup(ctx context.Context) error {
	if s.cfg.Notifier == nil || len(s.cfg.Recipients) == 0 {
		return nil
	}
	msg := fmt.Sprintf("%s is online", s.cfg.AgentID)
	for _, r := range s.cfg.Recipients {
		if err := s.cfg.Notifier.Send(ctx, r, msg); err != nil {
			slog.Error("startup notification failed", "recipient", r, "error", err)
		}
	}
	return nil
}

// startupHealthCheck runs one backend call summarizing component status
// and persists the exchange as a transcript.
func (s *Supervisor) startupHealthCheck(ctx context.Context) error {
	prompt := fmt.Sprintf(
		"You are %s starting up. Summarize your component status in one short paragraph: task queue, scheduler, event store, providers.",
		s.cfg.AgentID)

	resp, err := s.cfg.Completer.Complete(ctx, providers.ActionChat, providers.Request{Prompt: prompt})
	if err != nil {
		return fmt.Errorf("startup health check: %w", err)
	}

	if s.cfg.Transcripts != nil {
		key := sessions.StartupHealthKey(s.cfg.AgentID)
		if err := s.cfg.Transcripts.Append(key, sessions.Message{Role: "user", Content: prompt}); err != nil {
			return err
		}
		if err := s.cfg.Transcripts.Append(key, sessions.Message{Role: "assistant", Content: resp.Text}); err != nil {
			return err
		}
		s.cfg.Transcripts.End(key)
	}
	slog.Info("startup health check complete", "model", resp.Model)
	return nil
}

func (s *Supervisor) cycleLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.maybeRunDutyCycle()
		}
	}
}

// maybeRunDutyCycle fires a duty cycle when the agent is idle: no
// active tasks (retrying counts as active) and no duty already running.
func (s *Supervisor) maybeRunDutyCycle() {
	active, err := s.cfg.Store.GetActiveTasks()
	if err != nil {
		slog.Error("duty cycle idle check failed", "error", err)
		return
	}
	if len(active) > 0 {
		return
	}

	s.mu.Lock()
	if s.dutyBusy {
		s.mu.Unlock()
		return
	}
	s.dutyBusy = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			s.dutyBusy = false
			s.lastDuty = time.Now()
			s.dutyCount++
			s.mu.Unlock()
		}()
		if err := s.runDutyCycle(); err != nil {
			slog.Error("duty cycle failed", "error", err)
		}
	}()
}

func (s *Supervisor) dutiesPath() string {
	path := s.cfg.DutiesFile
	if !filepath.IsAbs(path) && s.cfg.StateDir != "" {
		path = filepath.Join(s.cfg.StateDir, path)
	}
	return path
}

// runDutyCycle loads the duties file and runs the exchange as a
// maintenance-lane task, so duty work is capped and observable like any
// other task.
func (s *Supervisor) runDutyCycle() error {
	duties, err := LoadDuties(s.dutiesPath())
	if err != nil {
		return err
	}
	if duties == nil {
		return nil
	}

	name := duties.Meta.Name
	if name == "" {
		name = "maintenance"
	}
	t := &tasks.Task{
		Description: fmt.Sprintf("duty cycle: %s", name),
		Lane:        tasks.LaneMaintenance,
		TimeoutMs:   s.cfg.TaskTimeoutMs,
		Metadata:    tasks.Metadata{Origin: "supervisor", Tags: []string{"duty"}},
		Retries:     tasks.RetryPolicy{MaxAttempts: 1},
	}
	if err := s.cfg.Store.Create(t); err != nil {
		return err
	}

	runner := func(ctx context.Context) (*tasks.TaskResult, error) {
		return s.performDuty(ctx, duties)
	}
	if err := s.cfg.Queue.Enqueue(t, runner); err != nil {
		return err
	}

	wait := time.Duration(s.cfg.TaskTimeoutMs)*time.Millisecond + time.Minute
	if _, err := s.cfg.Queue.WaitForCompletion(t.ID, wait); err != nil {
		return fmt.Errorf("duty cycle: %w", err)
	}
	slog.Info("duty cycle complete", "duty", duties.Meta.Name)
	return nil
}

// performDuty runs one duty exchange against the backend and records the
// transcript.
func (s *Supervisor) performDuty(ctx context.Context, duties *Duties) (*tasks.TaskResult, error) {
	resp, err := s.cfg.Completer.Complete(ctx, providers.ActionChat, providers.Request{
		System: fmt.Sprintf("You are %s running a background maintenance duty cycle.", s.cfg.AgentID),
		Prompt: duties.Prompt,
	})
	if err != nil {
		return nil, err
	}

	if s.cfg.Transcripts != nil {
		key := sessions.SystemKey(s.cfg.AgentID)
		if err := s.cfg.Transcripts.Append(key, sessions.Message{Role: "user", Content: duties.Prompt}); err != nil {
			return nil, err
		}
		if err := s.cfg.Transcripts.Append(key, sessions.Message{Role: "assistant", Content: resp.Text}); err != nil {
			return nil, err
		}
	}
	return &tasks.TaskResult{Output: resp.Text}, nil
}

// DutyCycles reports how many duty cycles have completed.
func (s *Supervisor) DutyCycles() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dutyCount
}

// AssignTask creates a Main-lane task and enqueues it. Its runner spawns
// exactly one Autonomous subagent driving the phase executor; the parent
// task's outcome mirrors the subagent's.
func (s *Supervisor) AssignTask(description string, maxRetries int) (string, error) {
	if maxRetries <= 0 {
		maxRetries = s.cfg.MaxRetries
	}

	parent := &tasks.Task{
		Description: description,
		Lane:        tasks.LaneMain,
		TimeoutMs:   s.cfg.TaskTimeoutMs,
		Metadata:    tasks.Metadata{Origin: "supervisor"},
		Retries:     tasks.RetryPolicy{MaxAttempts: maxRetries},
	}
	if err := s.cfg.Store.Create(parent); err != nil {
		return "", err
	}
	parent.SessionKey = sessions.TaskKey(s.cfg.AgentID, parent.ID)
	if _, err := s.cfg.Store.Update(parent.ID, func(t *tasks.Task) error {
		t.SessionKey = parent.SessionKey
		return nil
	}); err != nil {
		return "", err
	}

	parentID := parent.ID
	runner := func(ctx context.Context) (*tasks.TaskResult, error) {
		return s.runViaSubagent(ctx, parentID, description)
	}
	if err := s.cfg.Queue.Enqueue(parent, runner); err != nil {
		return "", err
	}
	return parent.ID, nil
}

// runViaSubagent spawns the single Autonomous subagent for a parent task
// and waits for it, mirroring its result.
func (s *Supervisor) runViaSubagent(ctx context.Context, parentID, description string) (*tasks.TaskResult, error) {
	sub := &tasks.Task{
		Description: description,
		ParentID:    parentID,
		Lane:        tasks.LaneAutonomous,
		TimeoutMs:   s.cfg.TaskTimeoutMs,
		Metadata:    tasks.Metadata{Origin: "supervisor"},
		Retries:     tasks.RetryPolicy{MaxAttempts: 1},
	}
	if err := s.cfg.Store.Create(sub); err != nil {
		return nil, err
	}
	sub.SessionKey = sessions.SubagentKey(s.cfg.AgentID, sub.ID)
	if _, err := s.cfg.Store.Update(sub.ID, func(t *tasks.Task) error {
		t.SessionKey = sub.SessionKey
		return nil
	}); err != nil {
		return nil, err
	}

	s.cfg.Bus.PublishTyped(events.SubagentSpawnedPayload{
		ParentTaskID:   parentID,
		SubagentTaskID: sub.ID,
	}, events.Meta{SessionKey: sub.SessionKey})

	if s.cfg.Runs != nil {
		s.cfg.Runs.RegisterActiveRun(runs.Handle{
			RunID:      sub.ID,
			SessionKey: sub.SessionKey,
			AgentType:  runs.AgentTypeSubagent,
		})
		defer s.cfg.Runs.ClearActiveRun(sub.ID)
	}

	subTask := sub
	runner := func(rctx context.Context) (*tasks.TaskResult, error) {
		return s.cfg.Executor.Execute(rctx, subTask)
	}
	if err := s.cfg.Queue.Enqueue(sub, runner); err != nil {
		return nil, err
	}

	result, err := s.cfg.Queue.WaitForCompletion(sub.ID, subagentWait)
	if err != nil {
		return nil, fmt.Errorf("subagent %s: %w", sub.ID, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
