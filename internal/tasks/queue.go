package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"warden/internal/events"
)

// ErrWaitTimeout is returned by WaitForCompletion when the task does not
// finish within the caller's window.
var ErrWaitTimeout = errors.New("timed out waiting for task completion")

// Runner executes one task attempt. The context is cancelled on task
// cancellation and hard timeout; runners are expected to honor it.
type Runner func(ctx context.Context) (*TaskResult, error)

// BackoffConfig holds the retry backoff parameters shared by all tasks.
type BackoffConfig struct {
	BaseMs     int64
	Multiplier float64
	CapMs      int64
}

type outcome struct {
	result *TaskResult
	err    error
}

type queuedItem struct {
	task   *Task
	runner Runner
}

type laneState struct {
	max      int
	pending  []*queuedItem
	inFlight int
}

type runningTask struct {
	lane      Lane
	cancel    context.CancelFunc
	timedOut  bool
	cancelled bool
}

// defaultOutcomeTTL is how long a settled outcome stays queryable for
// late WaitForCompletion callers before it is evicted.
const defaultOutcomeTTL = 5 * time.Minute

// Queue is the lane-limited FIFO task scheduler. Each lane admits at most
// maxConcurrent runners; within a lane tasks start in enqueue order.
type Queue struct {
	mu       sync.Mutex
	lanes    map[Lane]*laneState
	runners  map[string]*runningTask
	delayed  map[string]*time.Timer
	outcomes map[string]outcome
	waiters  map[string][]chan outcome

	store      Store
	bus        *events.Bus
	backoff    BackoffConfig
	monitor    *Monitor
	outcomeTTL time.Duration

	wakeCh chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// QueueConfig holds configuration for building a Queue.
type QueueConfig struct {
	Store      Store
	Bus        *events.Bus
	Lanes      map[Lane]int // lane → maxConcurrent
	Backoff    BackoffConfig
	OutcomeTTL time.Duration
}

// NewQueue creates a Queue with the given lane caps.
func NewQueue(cfg QueueConfig) *Queue {
	lanes := make(map[Lane]*laneState, len(cfg.Lanes))
	for lane, max := range cfg.Lanes {
		if max <= 0 {
			max = 1
		}
		lanes[lane] = &laneState{max: max}
	}
	if cfg.Backoff.BaseMs <= 0 {
		cfg.Backoff.BaseMs = 1000
	}
	if cfg.Backoff.Multiplier < 1 {
		cfg.Backoff.Multiplier = 2
	}
	if cfg.Backoff.CapMs <= 0 {
		cfg.Backoff.CapMs = 60_000
	}
	if cfg.OutcomeTTL <= 0 {
		cfg.OutcomeTTL = defaultOutcomeTTL
	}
	return &Queue{
		lanes:      lanes,
		runners:    make(map[string]*runningTask),
		delayed:    make(map[string]*time.Timer),
		outcomes:   make(map[string]outcome),
		waiters:    make(map[string][]chan outcome),
		store:      cfg.Store,
		bus:        cfg.Bus,
		backoff:    cfg.Backoff,
		outcomeTTL: cfg.OutcomeTTL,
		wakeCh:     make(chan struct{}, 1),
	}
}

// AttachMonitor lets the queue clear per-task warning state when a task
// leaves running.
func (q *Queue) AttachMonitor(m *Monitor) {
	q.mu.Lock()
	q.monitor = m
	q.mu.Unlock()
}

// Start launches the scheduler loop.
func (q *Queue) Start() {
	q.ctx, q.cancel = context.WithCancel(context.Background())
	q.wg.Add(1)
	go q.scheduleLoop()
	slog.Info("task queue started", "lanes", len(q.lanes))
}

// Stop cancels running tasks, halts pending retry timers, and waits for
// goroutines to finish.
func (q *Queue) Stop() {
	q.mu.Lock()
	for id, timer := range q.delayed {
		timer.Stop()
		delete(q.delayed, id)
	}
	q.mu.Unlock()

	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
	slog.Info("task queue stopped")
}

// Enqueue appends a task to its lane and wakes the scheduler.
func (q *Queue) Enqueue(t *Task, runner Runner) error {
	lane := t.Lane
	q.mu.Lock()
	ls, ok := q.lanes[lane]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("unknown lane: %s", lane)
	}
	ls.pending = append(ls.pending, &queuedItem{task: t, runner: runner})
	q.mu.Unlock()

	q.bus.PublishTyped(events.TaskQueuedPayload{
		TaskID:      t.ID,
		Lane:        string(lane),
		Description: t.Description,
		ParentID:    t.ParentID,
	}, events.Meta{SessionKey: t.SessionKey})

	q.wake()
	return nil
}

// EnqueueWithDelay defers the enqueue. The task holds status retrying for
// the duration of the wait and returns to queued just before scheduling.
func (q *Queue) EnqueueWithDelay(t *Task, runner Runner, delay time.Duration) error {
	next := time.Now().Add(delay)
	if _, err := q.store.Update(t.ID, func(rec *Task) error {
		rec.Status = StatusRetrying
		rec.Retries.NextRetryAt = &next
		rec.Retries.BackoffMs = delay.Milliseconds()
		return nil
	}); err != nil {
		return err
	}

	q.trackDelayed(t.ID, runner, delay)
	return nil
}

// trackDelayed arms the requeue timer for a task sitting out its delay,
// keeping it reachable for Cancel.
func (q *Queue) trackDelayed(id string, runner Runner, delay time.Duration) {
	q.mu.Lock()
	q.delayed[id] = time.AfterFunc(delay, func() { q.requeue(id, runner) })
	q.mu.Unlock()
}

// requeue transitions a delayed task back to queued and schedules it.
func (q *Queue) requeue(id string, runner Runner) {
	q.mu.Lock()
	delete(q.delayed, id)
	q.mu.Unlock()

	t, err := q.store.UpdateStatus(id, StatusQueued, "")
	if err != nil {
		// Cancelled while waiting out the delay.
		slog.Debug("requeue skipped", "task_id", id, "error", err)
		return
	}

	q.mu.Lock()
	if ls, ok := q.lanes[t.Lane]; ok {
		ls.pending = append(ls.pending, &queuedItem{task: t, runner: runner})
	}
	q.mu.Unlock()
	q.wake()
}

// WaitForCompletion blocks until the task finishes, returning its result or
// failure. A non-positive timeout waits indefinitely.
func (q *Queue) WaitForCompletion(id string, timeout time.Duration) (*TaskResult, error) {
	q.mu.Lock()
	if out, ok := q.outcomes[id]; ok {
		q.mu.Unlock()
		return out.result, out.err
	}
	ch := make(chan outcome, 1)
	q.waiters[id] = append(q.waiters[id], ch)
	q.mu.Unlock()

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case out := <-ch:
		return out.result, out.err
	case <-timeoutCh:
		q.detachWaiter(id, ch)
		return nil, ErrWaitTimeout
	}
}

// detachWaiter removes one waiter channel without touching the others.
func (q *Queue) detachWaiter(id string, ch chan outcome) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ws := q.waiters[id]
	for i, w := range ws {
		if w == ch {
			q.waiters[id] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
}

// settle records a task's outcome and releases every waiter. The outcome
// stays queryable for a bounded window, then is evicted.
func (q *Queue) settle(id string, out outcome) {
	q.mu.Lock()
	q.outcomes[id] = out
	ws := q.waiters[id]
	delete(q.waiters, id)
	q.mu.Unlock()

	for _, ch := range ws {
		ch <- out
	}

	time.AfterFunc(q.outcomeTTL, func() {
		q.mu.Lock()
		delete(q.outcomes, id)
		q.mu.Unlock()
	})
}

// Cancel stops a task wherever it currently lives: a running one has its
// context cancelled, a queued one is removed from its lane, and one
// sitting out a retry delay has the requeue timer disarmed. Unknown ids
// and already finished tasks return an error.
func (q *Queue) Cancel(id, reason string) error {
	q.mu.Lock()
	if rt, ok := q.runners[id]; ok {
		rt.cancelled = true
		rt.cancel()
		q.mu.Unlock()
		return nil
	}
	if timer, ok := q.delayed[id]; ok {
		timer.Stop()
		delete(q.delayed, id)
	}
	for _, ls := range q.lanes {
		for i, item := range ls.pending {
			if item.task.ID == id {
				ls.pending = append(ls.pending[:i], ls.pending[i+1:]...)
				break
			}
		}
	}
	q.mu.Unlock()

	// The transition check rejects unknown and terminal tasks; a requeue
	// racing the timer stop loses here the same way.
	t, err := q.store.UpdateStatus(id, StatusCancelled, reason)
	if err != nil {
		return fmt.Errorf("cancel task %s: %w", id, err)
	}
	q.bus.PublishTyped(events.TaskCancelledPayload{
		TaskID: id,
		Reason: reason,
	}, events.Meta{SessionKey: t.SessionKey})
	q.settle(id, outcome{err: fmt.Errorf("task %s cancelled: %s", id, reason)})
	return nil
}

// MarkTimedOut records a hard timeout for a running task. The timeout
// monitor calls this through its onTimeout wiring; the runner's context is
// cancelled and its eventual return is ignored.
func (q *Queue) MarkTimedOut(id string, elapsedMs, timeoutMs int64) {
	q.mu.Lock()
	rt, ok := q.runners[id]
	if !ok || rt.timedOut {
		q.mu.Unlock()
		return
	}
	rt.timedOut = true
	rt.cancel()
	q.mu.Unlock()

	reason := fmt.Sprintf("timed out after %dms (limit %dms)", elapsedMs, timeoutMs)
	t, err := q.store.UpdateStatus(id, StatusTimedOut, reason)
	if err != nil {
		slog.Error("record timeout", "task_id", id, "error", err)
		return
	}

	meta := events.Meta{SessionKey: t.SessionKey}
	q.bus.PublishTyped(events.TaskTimeoutPayload{
		TaskID:    id,
		ElapsedMs: elapsedMs,
		TimeoutMs: timeoutMs,
	}, meta)
	q.bus.PublishTyped(events.TaskFailedPayload{
		TaskID:    id,
		Lane:      string(t.Lane),
		Error:     reason,
		Attempted: t.Retries.Attempted,
		TimedOut:  true,
	}, meta)
	q.settle(id, outcome{err: errors.New(reason)})
}

// InFlight returns the number of running tasks in a lane.
func (q *Queue) InFlight(lane Lane) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if ls, ok := q.lanes[lane]; ok {
		return ls.inFlight
	}
	return 0
}

// Depth returns the number of queued (not yet running) tasks in a lane.
func (q *Queue) Depth(lane Lane) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if ls, ok := q.lanes[lane]; ok {
		return len(ls.pending)
	}
	return 0
}

// wake sends a non-blocking signal to the schedule loop.
func (q *Queue) wake() {
	select {
	case q.wakeCh <- struct{}{}:
	default:
	}
}

// scheduleLoop is the main scheduler goroutine.
func (q *Queue) scheduleLoop() {
	defer q.wg.Done()

	pollTicker := time.NewTicker(5 * time.Second)
	defer pollTicker.Stop()

	for {
		q.schedule()

		select {
		case <-q.ctx.Done():
			return
		case <-q.wakeCh:
		case <-pollTicker.C:
		}
	}
}

// schedule starts pending tasks while lane slots are free.
func (q *Queue) schedule() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, ls := range q.lanes {
		for ls.inFlight < ls.max && len(ls.pending) > 0 {
			item := ls.pending[0]
			ls.pending = ls.pending[1:]
			ls.inFlight++
			q.startLocked(item, ls)
		}
	}
}

// startLocked launches a goroutine to run one attempt. Caller holds q.mu.
func (q *Queue) startLocked(item *queuedItem, ls *laneState) {
	taskCtx, taskCancel := context.WithCancel(q.ctx)
	rt := &runningTask{lane: item.task.Lane, cancel: taskCancel}
	q.runners[item.task.ID] = rt

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		defer func() {
			taskCancel()
			q.mu.Lock()
			delete(q.runners, item.task.ID)
			ls.inFlight--
			monitor := q.monitor
			q.mu.Unlock()
			if monitor != nil {
				monitor.Forget(item.task.ID)
			}
			q.wake()
		}()

		q.runAttempt(taskCtx, item, rt)
	}()
}

// runAttempt transitions the task to running, invokes the runner, and
// records the terminal or retrying outcome.
func (q *Queue) runAttempt(ctx context.Context, item *queuedItem, rt *runningTask) {
	id := item.task.ID

	t, err := q.store.Update(id, func(rec *Task) error {
		if !CanTransition(rec.Status, StatusRunning) {
			return &ErrTerminalState{TaskID: id, From: rec.Status, To: StatusRunning}
		}
		rec.Status = StatusRunning
		now := time.Now()
		rec.StartedAt = &now
		rec.Retries.Attempted++
		return nil
	})
	if err != nil {
		slog.Error("start task", "task_id", id, "error", err)
		return
	}

	meta := events.Meta{SessionKey: t.SessionKey}
	q.bus.PublishTyped(events.TaskStartedPayload{
		TaskID:  id,
		Lane:    string(t.Lane),
		Attempt: t.Retries.Attempted,
	}, meta)

	start := time.Now()
	result, runErr := item.runner(ctx)
	durMs := time.Since(start).Milliseconds()

	q.mu.Lock()
	timedOut, cancelled := rt.timedOut, rt.cancelled
	q.mu.Unlock()

	switch {
	case timedOut:
		// MarkTimedOut already recorded the terminal state.
		return

	case cancelled:
		if _, err := q.store.UpdateStatus(id, StatusCancelled, "cancelled while running"); err != nil {
			slog.Error("record cancellation", "task_id", id, "error", err)
			return
		}
		q.bus.PublishTyped(events.TaskCancelledPayload{
			TaskID: id,
			Reason: "cancelled while running",
		}, meta)
		q.settle(id, outcome{err: fmt.Errorf("task %s cancelled", id)})

	case runErr == nil:
		if result == nil {
			result = &TaskResult{}
		}
		result.DurationMs = durMs
		if _, err := q.store.UpdateStatus(id, StatusSucceeded, ""); err != nil {
			slog.Error("record success", "task_id", id, "error", err)
			return
		}
		if err := q.store.SetResult(id, result); err != nil {
			slog.Error("persist result", "task_id", id, "error", err)
		}
		q.bus.PublishTyped(events.TaskSucceededPayload{
			TaskID:     id,
			Lane:       string(t.Lane),
			DurationMs: durMs,
		}, meta)
		q.settle(id, outcome{result: result})

	default:
		q.handleFailure(item, t, runErr, meta)
	}
}

// handleFailure either schedules a retry or records the terminal failure.
func (q *Queue) handleFailure(item *queuedItem, t *Task, runErr error, meta events.Meta) {
	id := t.ID
	attempt := t.Retries.Attempted

	if attempt < t.Retries.MaxAttempts {
		if _, err := q.store.UpdateStatus(id, StatusRetrying, runErr.Error()); err != nil {
			slog.Error("record retry", "task_id", id, "error", err)
			return
		}
		delay := BackoffDelay(q.backoff.BaseMs, q.backoff.Multiplier, q.backoff.CapMs, attempt)
		q.bus.PublishTyped(events.TaskRetryScheduledPayload{
			TaskID:  id,
			Attempt: attempt,
			DelayMs: delay.Milliseconds(),
			Error:   runErr.Error(),
		}, meta)

		next := time.Now().Add(delay)
		if _, err := q.store.Update(id, func(rec *Task) error {
			rec.Retries.NextRetryAt = &next
			rec.Retries.BackoffMs = delay.Milliseconds()
			return nil
		}); err != nil {
			slog.Error("record backoff", "task_id", id, "error", err)
		}

		q.trackDelayed(id, item.runner, delay)
		return
	}

	if _, err := q.store.UpdateStatus(id, StatusFailed, runErr.Error()); err != nil {
		slog.Error("record failure", "task_id", id, "error", err)
		return
	}
	q.bus.PublishTyped(events.TaskFailedPayload{
		TaskID:    id,
		Lane:      string(t.Lane),
		Error:     runErr.Error(),
		Attempted: attempt,
	}, meta)
	q.settle(id, outcome{err: runErr})
}
