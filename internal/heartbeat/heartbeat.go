// Package heartbeat provides liveness detection for the warden process.
// The gateway writes a heartbeat file; the status command and the
// supervising parent read it to tell a dead process from a hung one.
package heartbeat

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"warden/internal/storage/fstore"
)

// DefaultInterval is how often the heartbeat file is refreshed.
const DefaultInterval = 30 * time.Second

// Status is the liveness state derived from the heartbeat file.
type Status string

const (
	StatusAlive Status = "alive"
	StatusStale Status = "stale"
	StatusDead  Status = "dead"
)

// Heartbeat is the data written to the heartbeat file.
type Heartbeat struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`
}

// Writer periodically refreshes the heartbeat file.
type Writer struct {
	path     string
	interval time.Duration
	started  time.Time

	mu     sync.Mutex
	stopCh chan struct{}
	done   chan struct{}
}

// NewWriter creates a heartbeat writer for path. A non-positive
// interval falls back to DefaultInterval.
func NewWriter(path string, interval time.Duration) *Writer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Writer{path: path, interval: interval}
}

// Start writes an immediate heartbeat and refreshes it in the background.
func (w *Writer) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopCh != nil {
		return
	}
	w.started = time.Now()
	w.stopCh = make(chan struct{})
	w.done = make(chan struct{})

	w.write()

	go func(stop, done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				w.write()
			case <-stop:
				return
			}
		}
	}(w.stopCh, w.done)
}

// Stop halts the refresh loop and removes the heartbeat file.
func (w *Writer) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopCh == nil {
		return
	}
	close(w.stopCh)
	<-w.done
	w.stopCh = nil

	os.Remove(w.path)
}

// Uptime reports how long the writer has been running.
func (w *Writer) Uptime() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started.IsZero() {
		return 0
	}
	return time.Since(w.started)
}

func (w *Writer) write() {
	hb := Heartbeat{
		PID:       os.Getpid(),
		StartedAt: w.started,
		Timestamp: time.Now(),
		Uptime:    time.Since(w.started).Truncate(time.Second).String(),
	}

	data, err := json.MarshalIndent(hb, "", "  ")
	if err != nil {
		return
	}
	fstore.WriteFileAtomic(w.path, data)
}

// Check reads a heartbeat file and classifies its liveness. maxAge is
// how old a heartbeat may be before it counts as stale.
func Check(path string, maxAge time.Duration) (Status, *Heartbeat, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return StatusDead, nil, nil
		}
		return StatusDead, nil, fmt.Errorf("read heartbeat: %w", err)
	}

	var hb Heartbeat
	if err := json.Unmarshal(data, &hb); err != nil {
		return StatusDead, nil, fmt.Errorf("unmarshal heartbeat: %w", err)
	}

	if time.Since(hb.Timestamp) > maxAge {
		return StatusStale, &hb, nil
	}
	return StatusAlive, &hb, nil
}
