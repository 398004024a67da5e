package scheduler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"warden/internal/events"
	"warden/internal/tasks"
)

// DefaultJobTimeout bounds one job execution including retries.
const DefaultJobTimeout = 5 * time.Minute

// DefaultRetryBase is the backoff base for job retries.
const DefaultRetryBase = time.Second

// defaultRetryCap bounds a single jittered retry delay.
const defaultRetryCap = time.Minute

// AgentAsker runs an agent_ask trigger against a backend.
type AgentAsker interface {
	Ask(ctx context.Context, prompt string) (string, error)
}

// ToolInvoker runs a named tool from the tool registry collaborator.
type ToolInvoker interface {
	Invoke(ctx context.Context, name string, args map[string]any) (string, error)
}

// MemoryUpdater applies a memory_update action.
type MemoryUpdater interface {
	UpdateMemory(ctx context.Context, content string) error
}

// Notifier applies a send_message action via the messaging collaborator.
type Notifier interface {
	Send(ctx context.Context, recipient, message string) error
}

// Config holds dependencies for the scheduler.
type Config struct {
	Store    *JobStore
	Bus      *events.Bus
	Agent    AgentAsker
	Tools    ToolInvoker
	Memory   MemoryUpdater
	Notifier Notifier

	// TaskStore and Queue route job executions through the maintenance
	// lane. Left nil, executions run inline.
	TaskStore tasks.Store
	Queue     *tasks.Queue

	HTTPClient *http.Client
	JobTimeout time.Duration
	MaxRetries int
	RetryBase  time.Duration
}

// Scheduler manages persistent cron jobs over a shared cron timer.
type Scheduler struct {
	store     *JobStore
	bus       *events.Bus
	agent     AgentAsker
	tools     ToolInvoker
	memory    MemoryUpdater
	notifier  Notifier
	taskStore tasks.Store
	queue     *tasks.Queue
	http      *http.Client

	jobTimeout time.Duration
	maxRetries int
	retryBase  time.Duration

	mu      sync.Mutex
	jobs    map[string]*ScheduledJob
	entries map[string]cron.EntryID
	running map[string]bool
	timer   *cron.Cron

	wg sync.WaitGroup
}

// New creates a Scheduler.
func New(cfg Config) *Scheduler {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultJobTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = DefaultRetryBase
	}
	return &Scheduler{
		store:      cfg.Store,
		bus:        cfg.Bus,
		agent:      cfg.Agent,
		tools:      cfg.Tools,
		memory:     cfg.Memory,
		notifier:   cfg.Notifier,
		taskStore:  cfg.TaskStore,
		queue:      cfg.Queue,
		http:       cfg.HTTPClient,
		jobTimeout: cfg.JobTimeout,
		maxRetries: cfg.MaxRetries,
		retryBase:  cfg.RetryBase,
		jobs:       make(map[string]*ScheduledJob),
		entries:    make(map[string]cron.EntryID),
		running:    make(map[string]bool),
		timer:      cron.New(cron.WithParser(cronParser)),
	}
}

// Start loads persisted jobs, registers the enabled ones, and starts the
// cron timer.
func (s *Scheduler) Start() error {
	jobs, err := s.store.Load()
	if err != nil {
		return fmt.Errorf("load jobs: %w", err)
	}

	s.mu.Lock()
	for _, job := range jobs {
		if err := job.Validate(); err != nil {
			slog.Warn("scheduler: skipping invalid persisted job", "job_id", job.ID, "error", err)
			continue
		}
		s.jobs[job.ID] = job
		if job.Enabled {
			s.registerLocked(job)
		}
	}
	count := len(s.jobs)
	s.mu.Unlock()

	s.timer.Start()
	slog.Info("scheduler started", "jobs", count)
	return nil
}

// Stop halts the cron timer and waits for in-flight executions.
func (s *Scheduler) Stop() {
	ctx := s.timer.Stop()
	<-ctx.Done()
	s.wg.Wait()
	slog.Info("scheduler stopped")
}

// registerLocked puts a job on the cron timer. Caller holds s.mu.
func (s *Scheduler) registerLocked(job *ScheduledJob) {
	expr, err := ParseCron(job.Cron)
	if err != nil {
		slog.Error("scheduler: register job", "job_id", job.ID, "error", err)
		return
	}
	id := job.ID
	entryID := s.timer.Schedule(expr.schedule, cron.FuncJob(func() {
		s.fire(id, false)
	}))
	s.entries[job.ID] = entryID
}

// unregisterLocked removes a job from the cron timer. Caller holds s.mu.
func (s *Scheduler) unregisterLocked(jobID string) {
	if entryID, ok := s.entries[jobID]; ok {
		s.timer.Remove(entryID)
		delete(s.entries, jobID)
	}
}

// persistLocked writes the current job set. Caller holds s.mu.
func (s *Scheduler) persistLocked() error {
	jobs := make([]*ScheduledJob, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })
	return s.store.Save(jobs)
}

// Add validates and persists a new job, registering it when enabled.
func (s *Scheduler) Add(job *ScheduledJob) error {
	if err := job.Validate(); err != nil {
		return err
	}
	if job.ID == "" {
		job.ID = GenerateJobID()
	}
	job.CreatedAt = time.Now()

	s.mu.Lock()
	if _, exists := s.jobs[job.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("job %s already exists", job.ID)
	}
	s.jobs[job.ID] = job
	if job.Enabled {
		s.registerLocked(job)
	}
	err := s.persistLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.bus.PublishTyped(events.JobCreatedPayload{JobID: job.ID, Name: job.Name, Cron: job.Cron})
	return nil
}

// Remove deletes a job.
func (s *Scheduler) Remove(jobID string) error {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown job: %s", jobID)
	}
	s.unregisterLocked(jobID)
	delete(s.jobs, jobID)
	err := s.persistLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.bus.PublishTyped(events.JobRemovedPayload{JobID: jobID, Name: job.Name})
	return nil
}

// Update replaces an existing job's definition, re-registering its schedule.
func (s *Scheduler) Update(job *ScheduledJob) error {
	if err := job.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.jobs[job.ID]
	if !ok {
		return fmt.Errorf("unknown job: %s", job.ID)
	}
	job.CreatedAt = old.CreatedAt
	job.LastRunAt = old.LastRunAt
	job.LastResult = old.LastResult

	s.unregisterLocked(job.ID)
	s.jobs[job.ID] = job
	if job.Enabled {
		s.registerLocked(job)
	}
	return s.persistLocked()
}

// Enable turns a job on.
func (s *Scheduler) Enable(jobID string) error {
	return s.setEnabled(jobID, true)
}

// Disable turns a job off without removing it.
func (s *Scheduler) Disable(jobID string) error {
	return s.setEnabled(jobID, false)
}

func (s *Scheduler) setEnabled(jobID string, enabled bool) error {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown job: %s", jobID)
	}
	if job.Enabled == enabled {
		s.mu.Unlock()
		return nil
	}
	job.Enabled = enabled
	if enabled {
		s.registerLocked(job)
	} else {
		s.unregisterLocked(jobID)
	}
	err := s.persistLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}

	if enabled {
		s.bus.PublishTyped(events.JobEnabledPayload{JobID: jobID, Name: job.Name})
	} else {
		s.bus.PublishTyped(events.JobDisabledPayload{JobID: jobID, Name: job.Name})
	}
	return nil
}

// RunNow executes a job immediately, bypassing its schedule and enabled flag.
func (s *Scheduler) RunNow(jobID string) error {
	s.mu.Lock()
	_, ok := s.jobs[jobID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown job: %s", jobID)
	}
	s.fire(jobID, true)
	return nil
}

// List returns a snapshot of every job, ordered by name.
func (s *Scheduler) List() []*ScheduledJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*ScheduledJob, 0, len(s.jobs))
	for _, j := range s.jobs {
		cp := *j
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns a snapshot of one job, or nil.
func (s *Scheduler) Get(jobID string) *ScheduledJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[jobID]; ok {
		cp := *j
		return &cp
	}
	return nil
}

// fire runs one job execution end to end. Overlapping fires of the same job
// are skipped. Every execution publishes job_started and then exactly one of
// job_completed or job_failed; retries happen inside the execution.
func (s *Scheduler) fire(jobID string, manual bool) {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	if !ok || (!manual && !job.Enabled) || s.running[jobID] {
		s.mu.Unlock()
		return
	}
	s.running[jobID] = true
	snapshot := *job
	s.mu.Unlock()

	s.wg.Add(1)
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.running, jobID)
		s.mu.Unlock()
	}()

	s.bus.PublishTyped(events.JobStartedPayload{
		JobID:   snapshot.ID,
		Name:    snapshot.Name,
		Trigger: string(snapshot.Trigger.Kind),
		Manual:  manual,
	})

	timeout := s.jobTimeout
	if snapshot.Retry.TimeoutMs > 0 {
		timeout = time.Duration(snapshot.Retry.TimeoutMs) * time.Millisecond
	}

	start := time.Now()
	output, retryCount, runErr := s.runJob(&snapshot, timeout)

	result := &JobResult{
		CompletedAt: time.Now(),
		DurationMs:  time.Since(start).Milliseconds(),
		RetryCount:  retryCount,
		Output:      output,
	}

	if runErr != nil {
		result.Status = "failed"
		result.Error = runErr.Error()
		s.bus.PublishTyped(events.JobFailedPayload{
			JobID:      snapshot.ID,
			Name:       snapshot.Name,
			Error:      runErr.Error(),
			DurationMs: result.DurationMs,
			RetryCount: retryCount,
		})
	} else {
		result.Status = "completed"
		actionCtx, cancel := context.WithTimeout(context.Background(), timeout)
		if actionErr := s.applyActions(actionCtx, &snapshot, output); actionErr != nil {
			// Trigger output stands; earlier actions are not unwound.
			result.Error = actionErr.Error()
		}
		cancel()
		s.bus.PublishTyped(events.JobCompletedPayload{
			JobID:      snapshot.ID,
			Name:       snapshot.Name,
			DurationMs: result.DurationMs,
			RetryCount: retryCount,
		})
	}

	now := time.Now()
	s.mu.Lock()
	if live, ok := s.jobs[jobID]; ok {
		live.LastRunAt = &now
		live.LastResult = result
		if err := s.persistLocked(); err != nil {
			slog.Error("scheduler: persist job result", "job_id", jobID, "error", err)
		}
	}
	s.mu.Unlock()
}

// runJob executes the trigger with retries, bounded by the job timeout.
// When the task queue is wired, the execution runs as a maintenance-lane
// task so the lane's concurrency cap and task lifecycle events apply;
// otherwise it runs inline.
func (s *Scheduler) runJob(job *ScheduledJob, timeout time.Duration) (string, int, error) {
	run := func(ctx context.Context) (string, int, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return s.runWithRetries(ctx, job)
	}

	if s.queue == nil || s.taskStore == nil {
		return run(context.Background())
	}

	t := &tasks.Task{
		Description: fmt.Sprintf("scheduled job: %s", job.Name),
		Lane:        tasks.LaneMaintenance,
		TimeoutMs:   timeout.Milliseconds(),
		Metadata:    tasks.Metadata{Origin: "scheduler", Tags: []string{job.ID}},
		Retries:     tasks.RetryPolicy{MaxAttempts: 1},
	}
	if err := s.taskStore.Create(t); err != nil {
		return "", 0, fmt.Errorf("create job task: %w", err)
	}

	var output string
	var retryCount int
	runner := func(ctx context.Context) (*tasks.TaskResult, error) {
		out, rc, err := run(ctx)
		output, retryCount = out, rc
		if err != nil {
			return nil, err
		}
		return &tasks.TaskResult{Output: out}, nil
	}
	if err := s.queue.Enqueue(t, runner); err != nil {
		return "", 0, err
	}
	if _, err := s.queue.WaitForCompletion(t.ID, timeout+time.Minute); err != nil {
		return output, retryCount, err
	}
	return output, retryCount, nil
}

// runWithRetries invokes the trigger, retrying with full-jitter backoff
// while the retry budget and the execution deadline allow.
func (s *Scheduler) runWithRetries(ctx context.Context, job *ScheduledJob) (string, int, error) {
	maxRetries := s.maxRetries
	if job.Retry.MaxRetries > 0 {
		maxRetries = job.Retry.MaxRetries
	}

	var lastErr error
	retryCount := 0
	for {
		output, err := s.runTrigger(ctx, job)
		if err == nil {
			return output, retryCount, nil
		}
		lastErr = err

		if !job.Retry.OnFailure || retryCount >= maxRetries || ctx.Err() != nil {
			return "", retryCount, lastErr
		}

		delay := fullJitter(s.retryBase, retryCount+1, defaultRetryCap)
		slog.Warn("scheduler: trigger failed, retrying",
			"job_id", job.ID, "attempt", retryCount+1, "delay", delay, "error", err)

		select {
		case <-ctx.Done():
			return "", retryCount, lastErr
		case <-time.After(delay):
		}
		retryCount++
	}
}

// fullJitter picks a uniform delay between zero and the capped exponential
// ceiling for the attempt.
func fullJitter(base time.Duration, attempt int, limit time.Duration) time.Duration {
	ceiling := base << attempt
	if ceiling > limit || ceiling <= 0 {
		ceiling = limit
	}
	return time.Duration(rand.Int63n(int64(ceiling) + 1))
}

// runTrigger executes the job's trigger variant.
func (s *Scheduler) runTrigger(ctx context.Context, job *ScheduledJob) (string, error) {
	switch job.Trigger.Kind {
	case TriggerAgentAsk:
		if s.agent == nil {
			return "", fmt.Errorf("no agent collaborator configured")
		}
		return s.agent.Ask(ctx, job.Trigger.Prompt)

	case TriggerToolCall:
		if s.tools == nil {
			return "", fmt.Errorf("no tool registry collaborator configured")
		}
		return s.tools.Invoke(ctx, job.Trigger.Tool, job.Trigger.Args)

	case TriggerWebhook:
		return s.runWebhook(ctx, job.Trigger)

	default:
		return "", fmt.Errorf("unknown trigger kind: %q", job.Trigger.Kind)
	}
}

// runWebhook performs the HTTP request described by a webhook trigger.
func (s *Scheduler) runWebhook(ctx context.Context, t Trigger) (string, error) {
	method := t.Method
	if method == "" {
		method = http.MethodGet
		if t.Body != "" {
			method = http.MethodPost
		}
	}

	var body io.Reader
	if t.Body != "" {
		body = strings.NewReader(t.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, t.URL, body)
	if err != nil {
		return "", fmt.Errorf("build webhook request: %w", err)
	}
	for k, v := range t.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("webhook %s: %w", t.URL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read webhook response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("webhook %s: status %d", t.URL, resp.StatusCode)
	}
	return string(data), nil
}

// applyActions runs every action in order. A failing action is recorded and
// the remaining actions still run; the first error is returned.
func (s *Scheduler) applyActions(ctx context.Context, job *ScheduledJob, output string) error {
	var firstErr error
	record := func(action Action, err error) {
		slog.Error("scheduler: action failed",
			"job_id", job.ID, "action", action.Kind, "error", err)
		if firstErr == nil {
			firstErr = fmt.Errorf("action %s: %w", action.Kind, err)
		}
	}

	for _, action := range job.Actions {
		input := output
		if action.Template != "" {
			input = strings.ReplaceAll(action.Template, "{{output}}", output)
		}

		switch action.Kind {
		case ActionMemoryUpdate:
			if s.memory == nil {
				record(action, fmt.Errorf("no memory collaborator configured"))
				continue
			}
			if err := s.memory.UpdateMemory(ctx, input); err != nil {
				record(action, err)
			}

		case ActionSendMessage:
			if s.notifier == nil {
				record(action, fmt.Errorf("no messaging collaborator configured"))
				continue
			}
			if err := s.notifier.Send(ctx, action.Recipient, input); err != nil {
				record(action, err)
			}

		case ActionLogEvent:
			switch action.Level {
			case "warn":
				slog.Warn("scheduled job output", "job_id", job.ID, "output", input)
			case "error":
				slog.Error("scheduled job output", "job_id", job.ID, "output", input)
			default:
				slog.Info("scheduled job output", "job_id", job.ID, "output", input)
			}
		}
	}
	return firstErr
}
