package tasks

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultSweepInterval is how often the monitor inspects running tasks.
const DefaultSweepInterval = time.Second

// defaultWarningThreshold is how far before the hard timeout the warning
// callback fires. Short timeouts scale it down to a tenth of the budget.
const defaultWarningThreshold = 10 * time.Second

// Monitor periodically sweeps running tasks for approaching and elapsed
// timeouts. It never mutates task state; the callbacks do.
type Monitor struct {
	store     Store
	interval  time.Duration
	onWarning func(t *Task, msUntilTimeout int64)
	onTimeout func(t *Task, elapsedMs int64)

	mu     sync.Mutex
	warned map[string]bool
	fired  map[string]bool

	stopCh chan struct{}
	wg     sync.WaitGroup
	now    func() time.Time
}

// MonitorConfig holds configuration for building a Monitor.
type MonitorConfig struct {
	Store     Store
	Interval  time.Duration
	OnWarning func(t *Task, msUntilTimeout int64)
	OnTimeout func(t *Task, elapsedMs int64)
}

// NewMonitor creates a timeout monitor.
func NewMonitor(cfg MonitorConfig) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSweepInterval
	}
	return &Monitor{
		store:     cfg.Store,
		interval:  cfg.Interval,
		onWarning: cfg.OnWarning,
		onTimeout: cfg.OnTimeout,
		warned:    make(map[string]bool),
		fired:     make(map[string]bool),
		stopCh:    make(chan struct{}),
		now:       time.Now,
	}
}

// Start launches the sweep loop.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.Sweep()
			}
		}
	}()
	slog.Info("timeout monitor started", "interval", m.interval)
}

// Stop halts the sweep loop.
func (m *Monitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

// warningThreshold returns the lead time before timeoutMs at which the
// warning fires.
func warningThreshold(timeoutMs int64) int64 {
	th := defaultWarningThreshold.Milliseconds()
	if timeoutMs < 2*th {
		return timeoutMs / 10
	}
	return th
}

// Sweep inspects every running task once. Exported so tests and the
// supervisor can force a pass.
func (m *Monitor) Sweep() {
	active, err := m.store.GetActiveTasks()
	if err != nil {
		slog.Error("timeout sweep: list active tasks", "error", err)
		return
	}

	now := m.now()
	for _, t := range active {
		if t.Status != StatusRunning || t.StartedAt == nil || t.TimeoutMs <= 0 {
			continue
		}
		elapsed := now.Sub(*t.StartedAt).Milliseconds()

		if elapsed >= t.TimeoutMs {
			m.mu.Lock()
			done := m.fired[t.ID]
			m.fired[t.ID] = true
			m.mu.Unlock()
			if done || m.onTimeout == nil {
				continue
			}
			m.onTimeout(t, elapsed)
			continue
		}

		if elapsed >= t.TimeoutMs-warningThreshold(t.TimeoutMs) {
			m.mu.Lock()
			warned := m.warned[t.ID]
			m.warned[t.ID] = true
			m.mu.Unlock()
			if warned || m.onWarning == nil {
				continue
			}
			m.onWarning(t, t.TimeoutMs-elapsed)
		}
	}
}

// Forget drops per-task warning state, freeing the maps once a task ends.
func (m *Monitor) Forget(id string) {
	m.mu.Lock()
	delete(m.warned, id)
	delete(m.fired, id)
	m.mu.Unlock()
}
