package tasks

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"warden/internal/storage/fstore"
)

// Store is the persistence surface the queue and supervisor depend on.
type Store interface {
	Create(t *Task) error
	Get(id string) (*Task, error)
	List() ([]*Task, error)
	Update(id string, patch func(*Task) error) (*Task, error)
	UpdateStatus(id string, status Status, errMsg string) (*Task, error)
	SetResult(id string, result *TaskResult) error
	GetActiveTasks() ([]*Task, error)
}

// DefaultCacheTTL bounds how long a cached task record is served without
// re-reading disk.
const DefaultCacheTTL = 45 * time.Second

type cacheEntry struct {
	task   *Task
	readAt time.Time
}

// FileStore persists tasks as tasks/<id>.json with an expiring read-through
// cache. All writes invalidate the id's cache entry. Status writes go
// through the transition policy; per-id locks serialize read-modify-write.
type FileStore struct {
	fs  *fstore.FileStore
	ttl time.Duration

	cacheMu sync.Mutex
	cache   map[string]cacheEntry

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	now func() time.Time
}

// NewFileStore creates a FileStore rooted at baseDir.
func NewFileStore(baseDir string, ttl time.Duration) *FileStore {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &FileStore{
		fs:    fstore.New(baseDir, "task"),
		ttl:   ttl,
		cache: make(map[string]cacheEntry),
		locks: make(map[string]*sync.Mutex),
		now:   time.Now,
	}
}

// idLock returns the advisory lock for one task id.
func (s *FileStore) idLock(id string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

func (s *FileStore) invalidate(id string) {
	s.cacheMu.Lock()
	delete(s.cache, id)
	s.cacheMu.Unlock()
}

func (s *FileStore) cached(id string) *Task {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	e, ok := s.cache[id]
	if !ok || s.now().Sub(e.readAt) > s.ttl {
		return nil
	}
	cp := *e.task
	return &cp
}

func (s *FileStore) fill(id string, t *Task) {
	cp := *t
	s.cacheMu.Lock()
	s.cache[id] = cacheEntry{task: &cp, readAt: s.now()}
	s.cacheMu.Unlock()
}

// Create assigns an id and defaults, then persists the task.
func (s *FileStore) Create(t *Task) error {
	if t.ID == "" {
		t.ID = GenerateTaskID()
	}
	if t.Status == "" {
		t.Status = StatusQueued
	}
	if t.Lane == "" {
		t.Lane = LaneMain
	}
	t.CreatedAt = s.now()

	lock := s.idLock(t.ID)
	lock.Lock()
	defer lock.Unlock()

	if err := s.fs.Write(t.ID, t); err != nil {
		return fmt.Errorf("create task %s: %w", t.ID, err)
	}
	s.invalidate(t.ID)
	return nil
}

// Get reads one task, serving from cache when fresh.
func (s *FileStore) Get(id string) (*Task, error) {
	if t := s.cached(id); t != nil {
		return t, nil
	}

	var t Task
	if err := s.fs.Read(id, &t); err != nil {
		return nil, err
	}
	s.fill(id, &t)
	cp := t
	return &cp, nil
}

// List returns every task, newest created first. Corrupted records are skipped.
func (s *FileStore) List() ([]*Task, error) {
	ids, err := s.fs.List()
	if err != nil {
		return nil, err
	}

	var out []*Task
	for _, id := range ids {
		t, err := s.Get(id)
		if err != nil {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Update applies patch under the task's advisory lock and persists the
// result. Status changes inside patch bypass transition checks; callers
// wanting the policy use UpdateStatus.
func (s *FileStore) Update(id string, patch func(*Task) error) (*Task, error) {
	lock := s.idLock(id)
	lock.Lock()
	defer lock.Unlock()

	var t Task
	if err := s.fs.Read(id, &t); err != nil {
		return nil, err
	}
	if err := patch(&t); err != nil {
		return nil, err
	}
	if err := s.fs.Write(id, &t); err != nil {
		return nil, fmt.Errorf("update task %s: %w", id, err)
	}
	s.invalidate(id)
	cp := t
	return &cp, nil
}

// UpdateStatus advances the task through the state machine, stamping
// started/ended timestamps as the status demands. Illegal transitions,
// including any move out of a terminal status, return ErrTerminalState.
func (s *FileStore) UpdateStatus(id string, status Status, errMsg string) (*Task, error) {
	return s.Update(id, func(t *Task) error {
		if !CanTransition(t.Status, status) {
			return &ErrTerminalState{TaskID: id, From: t.Status, To: status}
		}
		t.Status = status
		if errMsg != "" {
			t.LastError = errMsg
		}
		now := s.now()
		switch {
		case status == StatusRunning:
			t.StartedAt = &now
		case status.Terminal():
			t.EndedAt = &now
		}
		return nil
	})
}

// SetResult attaches the structured result to a task.
func (s *FileStore) SetResult(id string, result *TaskResult) error {
	_, err := s.Update(id, func(t *Task) error {
		t.Result = result
		return nil
	})
	return err
}

// GetActiveTasks returns tasks whose status is queued, running, or retrying.
func (s *FileStore) GetActiveTasks() ([]*Task, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	var active []*Task
	for _, t := range all {
		switch t.Status {
		case StatusQueued, StatusRunning, StatusRetrying:
			active = append(active, t)
		}
	}
	return active, nil
}
