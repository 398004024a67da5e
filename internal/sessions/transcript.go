package sessions

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"warden/internal/events"
	"warden/internal/storage/fstore"
)

// Message is one transcript turn, serialized as a JSONL line.
type Message struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	Ts      time.Time `json:"ts"`
}

// Store appends and reads per-session transcripts under
// <baseDir>/sessions. It publishes session_started on the first append
// for a key and session_ended on End.
type Store struct {
	mu      sync.Mutex
	baseDir string
	bus     *events.Bus
	open    map[string]bool // keys seen since process start
}

// NewStore creates a transcript store rooted at stateDir. bus may be nil.
func NewStore(stateDir string, bus *events.Bus) *Store {
	return &Store{
		baseDir: filepath.Join(stateDir, "sessions"),
		bus:     bus,
		open:    make(map[string]bool),
	}
}

func (s *Store) path(key string) string {
	return filepath.Join(s.baseDir, SafeKey(key)+".jsonl")
}

// Append records one message on the session's transcript.
func (s *Store) Append(key string, msg Message) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if msg.Ts.IsZero() {
		msg.Ts = time.Now()
	}

	s.mu.Lock()
	started := !s.open[key]
	s.open[key] = true
	s.mu.Unlock()

	if err := fstore.AppendJSONL(s.path(key), msg); err != nil {
		return fmt.Errorf("appending to session %s: %w", key, err)
	}
	if started && s.bus != nil {
		s.bus.PublishTyped(events.SessionStartedPayload{SessionKey: key},
			events.Meta{SessionKey: key})
	}
	return nil
}

// Load reads the full transcript for a key. Missing transcripts load empty.
func (s *Store) Load(key string) ([]Message, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	msgs, err := fstore.LoadJSONL[Message](s.path(key))
	if err != nil {
		return nil, fmt.Errorf("loading session %s: %w", key, err)
	}
	return msgs, nil
}

// End marks the session finished and publishes session_ended.
func (s *Store) End(key string) {
	s.mu.Lock()
	delete(s.open, key)
	s.mu.Unlock()

	if s.bus != nil {
		s.bus.PublishTyped(events.SessionEndedPayload{SessionKey: key},
			events.Meta{SessionKey: key})
	}
}

// ListKeys returns the safe keys of every persisted transcript, sorted.
// File names are the SafeKey form; the original key is not recoverable
// from disk, so callers get the safe form.
func (s *Store) ListKeys() ([]string, error) {
	entries, err := os.ReadDir(s.baseDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}

	var keys []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		keys = append(keys, strings.TrimSuffix(name, ".jsonl"))
	}
	sort.Strings(keys)
	return keys, nil
}
