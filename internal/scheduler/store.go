package scheduler

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"warden/internal/storage/fstore"
)

// jobsVersion is the current jobs document version.
const jobsVersion = 1

// jobsDocument is the on-disk shape of jobs.json.
type jobsDocument struct {
	Version int             `json:"version"`
	Jobs    []*ScheduledJob `json:"jobs"`
}

// JobStore persists the jobs document at a single path with atomic writes.
type JobStore struct {
	mu   sync.Mutex
	path string
}

// NewJobStore creates a store writing to path (conventionally jobs.json).
func NewJobStore(path string) *JobStore {
	return &JobStore{path: path}
}

// Load reads the jobs document. A missing file yields an empty job list.
// Unversioned documents are migrated in place; documents from a newer
// version are rejected.
func (s *JobStore) Load() ([]*ScheduledJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read jobs file: %w", err)
	}

	var doc jobsDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal jobs file: %w", err)
	}

	switch {
	case doc.Version == jobsVersion:
	case doc.Version == 0:
		slog.Warn("jobs file has no version, migrating", "path", s.path)
	default:
		return nil, fmt.Errorf("jobs file version %d is newer than supported version %d", doc.Version, jobsVersion)
	}
	return doc.Jobs, nil
}

// Save writes the full jobs document with temp-file-then-rename.
func (s *JobStore) Save(jobs []*ScheduledJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := jobsDocument{Version: jobsVersion, Jobs: jobs}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal jobs file: %w", err)
	}
	return fstore.WriteFileAtomic(s.path, data)
}
