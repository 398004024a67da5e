package tasks

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"warden/internal/events"
)

func newTestQueue(t *testing.T, lanes map[Lane]int, backoff BackoffConfig) (*Queue, *FileStore, *events.Bus) {
	t.Helper()
	store := NewFileStore(t.TempDir(), time.Minute)
	bus := events.NewBus()
	q := NewQueue(QueueConfig{Store: store, Bus: bus, Lanes: lanes, Backoff: backoff})
	q.Start()
	t.Cleanup(q.Stop)
	return q, store, bus
}

func mustCreate(t *testing.T, store *FileStore, task *Task) *Task {
	t.Helper()
	if err := store.Create(task); err != nil {
		t.Fatal(err)
	}
	return task
}

func TestLaneCapsRespected(t *testing.T) {
	q, store, _ := newTestQueue(t, map[Lane]int{LaneMain: 1, LaneAutonomous: 2}, BackoffConfig{})

	var mu sync.Mutex
	running := map[Lane]int{}
	maxSeen := map[Lane]int{}

	runner := func(lane Lane) Runner {
		return func(ctx context.Context) (*TaskResult, error) {
			mu.Lock()
			running[lane]++
			if running[lane] > maxSeen[lane] {
				maxSeen[lane] = running[lane]
			}
			mu.Unlock()
			time.Sleep(50 * time.Millisecond)
			mu.Lock()
			running[lane]--
			mu.Unlock()
			return &TaskResult{Output: "ok"}, nil
		}
	}

	var ids []string
	for i := 0; i < 3; i++ {
		task := mustCreate(t, store, &Task{Description: "bg work", Lane: LaneAutonomous, Retries: RetryPolicy{MaxAttempts: 1}})
		if err := q.Enqueue(task, runner(LaneAutonomous)); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, task.ID)
	}
	task := mustCreate(t, store, &Task{Description: "fg work", Lane: LaneMain, Retries: RetryPolicy{MaxAttempts: 1}})
	if err := q.Enqueue(task, runner(LaneMain)); err != nil {
		t.Fatal(err)
	}
	ids = append(ids, task.ID)

	for _, id := range ids {
		if _, err := q.WaitForCompletion(id, 2*time.Second); err != nil {
			t.Fatalf("task %s: %v", id, err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if maxSeen[LaneAutonomous] != 2 {
		t.Errorf("autonomous max concurrency: %d, want 2", maxSeen[LaneAutonomous])
	}
	if maxSeen[LaneMain] != 1 {
		t.Errorf("main max concurrency: %d, want 1", maxSeen[LaneMain])
	}

	for _, id := range ids {
		rec, err := store.Get(id)
		if err != nil {
			t.Fatal(err)
		}
		if rec.Status != StatusSucceeded {
			t.Errorf("task %s status: %s", id, rec.Status)
		}
	}
}

func TestRetryWithBackoffThenSuccess(t *testing.T) {
	q, store, bus := newTestQueue(t, map[Lane]int{LaneMain: 1},
		BackoffConfig{BaseMs: 10, Multiplier: 2, CapMs: 10})

	var delays []int64
	var delaysMu sync.Mutex
	bus.Subscribe(events.EventTaskRetryScheduled, func(e events.Event) {
		p, _ := events.ExtractPayload[events.TaskRetryScheduledPayload](e)
		delaysMu.Lock()
		delays = append(delays, p.DelayMs)
		delaysMu.Unlock()
	})

	var attempts atomic.Int32
	task := mustCreate(t, store, &Task{Description: "flaky", Lane: LaneMain, Retries: RetryPolicy{MaxAttempts: 3}})
	err := q.Enqueue(task, func(ctx context.Context) (*TaskResult, error) {
		if attempts.Add(1) < 3 {
			return nil, errors.New("transient")
		}
		return &TaskResult{Output: "done"}, nil
	})
	if err != nil {
		t.Fatal(err)
	}

	result, err := q.WaitForCompletion(task.ID, 2*time.Second)
	if err != nil {
		t.Fatalf("WaitForCompletion: %v", err)
	}
	if result.Output != "done" {
		t.Errorf("result: %+v", result)
	}

	rec, err := store.Get(task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != StatusSucceeded {
		t.Errorf("status: %s", rec.Status)
	}
	if rec.Retries.Attempted != 3 {
		t.Errorf("attempted: %d, want 3", rec.Retries.Attempted)
	}

	delaysMu.Lock()
	defer delaysMu.Unlock()
	if len(delays) != 2 {
		t.Fatalf("retry events: %d, want 2", len(delays))
	}
	for i, d := range delays {
		if d != 10 {
			t.Errorf("delay %d: %dms, want 10ms (capped)", i, d)
		}
	}
}

func TestFailureAfterExhaustion(t *testing.T) {
	q, store, bus := newTestQueue(t, map[Lane]int{LaneMain: 1},
		BackoffConfig{BaseMs: 5, Multiplier: 2, CapMs: 5})

	var queuedCount atomic.Int32
	bus.Subscribe(events.EventTaskQueued, func(events.Event) { queuedCount.Add(1) })

	task := mustCreate(t, store, &Task{Description: "doomed", Lane: LaneMain, Retries: RetryPolicy{MaxAttempts: 3}})
	err := q.Enqueue(task, func(ctx context.Context) (*TaskResult, error) {
		return nil, errors.New("boom")
	})
	if err != nil {
		t.Fatal(err)
	}

	_, err = q.WaitForCompletion(task.ID, 2*time.Second)
	if err == nil || err.Error() != "boom" {
		t.Fatalf("err = %v, want boom", err)
	}

	rec, err := store.Get(task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != StatusFailed {
		t.Errorf("status: %s, want failed", rec.Status)
	}
	if rec.LastError != "boom" {
		t.Errorf("last error: %q", rec.LastError)
	}
	if rec.Retries.Attempted != 3 {
		t.Errorf("attempted: %d, want 3", rec.Retries.Attempted)
	}

	// Only the initial enqueue publishes task_queued; retries go through the
	// delayed path without re-announcing.
	time.Sleep(50 * time.Millisecond)
	if got := queuedCount.Load(); got != 1 {
		t.Errorf("task_queued events: %d, want 1", got)
	}
}

func TestCancelQueuedTask(t *testing.T) {
	q, store, _ := newTestQueue(t, map[Lane]int{LaneMain: 1}, BackoffConfig{})

	// Occupy the single slot so the second task stays queued.
	release := make(chan struct{})
	blocker := mustCreate(t, store, &Task{Description: "blocker", Lane: LaneMain, Retries: RetryPolicy{MaxAttempts: 1}})
	if err := q.Enqueue(blocker, func(ctx context.Context) (*TaskResult, error) {
		<-release
		return &TaskResult{}, nil
	}); err != nil {
		t.Fatal(err)
	}

	var ran atomic.Bool
	victim := mustCreate(t, store, &Task{Description: "victim", Lane: LaneMain, Retries: RetryPolicy{MaxAttempts: 1}})
	if err := q.Enqueue(victim, func(ctx context.Context) (*TaskResult, error) {
		ran.Store(true)
		return &TaskResult{}, nil
	}); err != nil {
		t.Fatal(err)
	}

	time.Sleep(50 * time.Millisecond)
	if err := q.Cancel(victim.ID, "operator request"); err != nil {
		t.Fatal(err)
	}
	close(release)

	if _, err := q.WaitForCompletion(blocker.ID, time.Second); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)

	if ran.Load() {
		t.Error("cancelled task's runner was invoked")
	}
	rec, err := store.Get(victim.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != StatusCancelled {
		t.Errorf("status: %s, want cancelled", rec.Status)
	}
}

func TestCancelRunningTask(t *testing.T) {
	q, store, _ := newTestQueue(t, map[Lane]int{LaneMain: 1}, BackoffConfig{})

	started := make(chan struct{})
	task := mustCreate(t, store, &Task{Description: "long", Lane: LaneMain, Retries: RetryPolicy{MaxAttempts: 1}})
	if err := q.Enqueue(task, func(ctx context.Context) (*TaskResult, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}); err != nil {
		t.Fatal(err)
	}

	<-started
	if err := q.Cancel(task.ID, "shutdown"); err != nil {
		t.Fatal(err)
	}

	_, err := q.WaitForCompletion(task.ID, time.Second)
	if err == nil || !strings.Contains(err.Error(), "cancelled") {
		t.Fatalf("err = %v, want cancellation", err)
	}
	rec, _ := store.Get(task.ID)
	if rec.Status != StatusCancelled {
		t.Errorf("status: %s, want cancelled", rec.Status)
	}
}

func TestCancelDuringRetryBackoff(t *testing.T) {
	q, store, _ := newTestQueue(t, map[Lane]int{LaneMain: 1},
		BackoffConfig{BaseMs: 300, Multiplier: 2, CapMs: 300})

	var calls atomic.Int32
	task := mustCreate(t, store, &Task{Description: "flaky", Lane: LaneMain, Retries: RetryPolicy{MaxAttempts: 3}})
	if err := q.Enqueue(task, func(ctx context.Context) (*TaskResult, error) {
		calls.Add(1)
		return nil, errors.New("transient")
	}); err != nil {
		t.Fatal(err)
	}

	// Wait for the first attempt to fail and the task to enter its
	// backoff window.
	deadline := time.Now().Add(2 * time.Second)
	for {
		rec, err := store.Get(task.ID)
		if err != nil {
			t.Fatal(err)
		}
		if rec.Status == StatusRetrying {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("task never reached retrying, status %s", rec.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := q.Cancel(task.ID, "operator request"); err != nil {
		t.Fatalf("cancel during backoff: %v", err)
	}

	rec, err := store.Get(task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != StatusCancelled {
		t.Errorf("status: %s, want cancelled", rec.Status)
	}

	// Past the backoff window the disarmed requeue must not have run a
	// second attempt.
	time.Sleep(500 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Errorf("runner calls after cancel: %d, want 1", got)
	}
	rec, _ = store.Get(task.ID)
	if rec.Status != StatusCancelled {
		t.Errorf("status after backoff window: %s, want cancelled", rec.Status)
	}
}

func TestCancelUnknownOrFinishedTask(t *testing.T) {
	q, store, _ := newTestQueue(t, map[Lane]int{LaneMain: 1}, BackoffConfig{})

	if err := q.Cancel("task_missing", "whoops"); err == nil {
		t.Error("cancelling an unknown task succeeded")
	}

	task := mustCreate(t, store, &Task{Description: "done already", Lane: LaneMain, Retries: RetryPolicy{MaxAttempts: 1}})
	if err := q.Enqueue(task, func(ctx context.Context) (*TaskResult, error) {
		return &TaskResult{}, nil
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := q.WaitForCompletion(task.ID, 2*time.Second); err != nil {
		t.Fatal(err)
	}

	if err := q.Cancel(task.ID, "too late"); err == nil {
		t.Error("cancelling a finished task succeeded")
	}
	rec, _ := store.Get(task.ID)
	if rec.Status != StatusSucceeded {
		t.Errorf("status: %s, want succeeded", rec.Status)
	}
}

func TestSettledOutcomeEvicted(t *testing.T) {
	store := NewFileStore(t.TempDir(), time.Minute)
	q := NewQueue(QueueConfig{
		Store:      store,
		Bus:        events.NewBus(),
		Lanes:      map[Lane]int{LaneMain: 1},
		OutcomeTTL: 30 * time.Millisecond,
	})
	q.Start()
	t.Cleanup(q.Stop)

	task := mustCreate(t, store, &Task{Description: "short lived", Lane: LaneMain, Retries: RetryPolicy{MaxAttempts: 1}})
	if err := q.Enqueue(task, func(ctx context.Context) (*TaskResult, error) {
		return &TaskResult{Output: "ok"}, nil
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := q.WaitForCompletion(task.ID, 2*time.Second); err != nil {
		t.Fatal(err)
	}

	time.Sleep(100 * time.Millisecond)
	q.mu.Lock()
	_, held := q.outcomes[task.ID]
	q.mu.Unlock()
	if held {
		t.Error("settled outcome still held past its retention window")
	}
}

func TestMonitorStateClearedAfterRun(t *testing.T) {
	q, store, _ := newTestQueue(t, map[Lane]int{LaneMain: 1}, BackoffConfig{})
	m := NewMonitor(MonitorConfig{Store: store})
	q.AttachMonitor(m)

	task := mustCreate(t, store, &Task{Description: "watched", Lane: LaneMain, Retries: RetryPolicy{MaxAttempts: 1}})
	m.mu.Lock()
	m.warned[task.ID] = true
	m.fired[task.ID] = true
	m.mu.Unlock()

	if err := q.Enqueue(task, func(ctx context.Context) (*TaskResult, error) {
		return &TaskResult{}, nil
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := q.WaitForCompletion(task.ID, 2*time.Second); err != nil {
		t.Fatal(err)
	}

	time.Sleep(50 * time.Millisecond)
	m.mu.Lock()
	_, warned := m.warned[task.ID]
	_, fired := m.fired[task.ID]
	m.mu.Unlock()
	if warned || fired {
		t.Error("monitor still tracks a finished task")
	}
}

func TestWaitForCompletionTimeout(t *testing.T) {
	q, store, _ := newTestQueue(t, map[Lane]int{LaneMain: 1}, BackoffConfig{})

	task := mustCreate(t, store, &Task{Description: "slow", Lane: LaneMain, Retries: RetryPolicy{MaxAttempts: 1}})
	if err := q.Enqueue(task, func(ctx context.Context) (*TaskResult, error) {
		time.Sleep(500 * time.Millisecond)
		return &TaskResult{}, nil
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := q.WaitForCompletion(task.ID, 50*time.Millisecond); !errors.Is(err, ErrWaitTimeout) {
		t.Errorf("err = %v, want ErrWaitTimeout", err)
	}

	// A second waiter with a generous window still resolves normally.
	if _, err := q.WaitForCompletion(task.ID, 2*time.Second); err != nil {
		t.Errorf("late waiter: %v", err)
	}
}

func TestEnqueueWithDelayDefers(t *testing.T) {
	q, store, _ := newTestQueue(t, map[Lane]int{LaneMain: 1}, BackoffConfig{})

	task := mustCreate(t, store, &Task{Description: "later", Lane: LaneMain, Retries: RetryPolicy{MaxAttempts: 1}})
	start := time.Now()
	if err := q.EnqueueWithDelay(task, func(ctx context.Context) (*TaskResult, error) {
		return &TaskResult{}, nil
	}, 60*time.Millisecond); err != nil {
		t.Fatal(err)
	}

	// During the wait the task sits in retrying.
	time.Sleep(20 * time.Millisecond)
	rec, _ := store.Get(task.ID)
	if rec.Status != StatusRetrying {
		t.Errorf("status during delay: %s, want retrying", rec.Status)
	}

	if _, err := q.WaitForCompletion(task.ID, 2*time.Second); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < 60*time.Millisecond {
		t.Errorf("completed after %v, before the delay expired", elapsed)
	}
}
