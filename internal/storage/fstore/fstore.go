// Package fstore provides primitives for flat-file JSON stores.
// Each entity is a single <id>.json document in the base directory; writes
// are always temp-file-then-rename so readers never observe a torn document.
package fstore

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileStore provides atomic JSON document storage in a single directory.
type FileStore struct {
	mu         sync.RWMutex
	baseDir    string
	entityName string // for error messages: "task", "job"
}

// New creates a FileStore rooted at baseDir.
func New(baseDir, entityName string) *FileStore {
	return &FileStore{baseDir: baseDir, entityName: entityName}
}

// Lock acquires an exclusive lock.
func (fs *FileStore) Lock() { fs.mu.Lock() }

// Unlock releases an exclusive lock.
func (fs *FileStore) Unlock() { fs.mu.Unlock() }

// RLock acquires a shared read lock.
func (fs *FileStore) RLock() { fs.mu.RLock() }

// RUnlock releases a shared read lock.
func (fs *FileStore) RUnlock() { fs.mu.RUnlock() }

// BaseDir returns the store's root directory.
func (fs *FileStore) BaseDir() string { return fs.baseDir }

// Path returns the document path for an entity ID.
func (fs *FileStore) Path(id string) string {
	return filepath.Join(fs.baseDir, id+".json")
}

// EnsureBase creates the base directory if it doesn't exist.
func (fs *FileStore) EnsureBase() error {
	if err := os.MkdirAll(fs.baseDir, 0o755); err != nil {
		return fmt.Errorf("create %s dir: %w", fs.entityName, err)
	}
	return nil
}

// Exists reports whether a document exists for the ID.
func (fs *FileStore) Exists(id string) bool {
	_, err := os.Stat(fs.Path(id))
	return err == nil
}

// Write atomically writes the entity document using a temp file + rename.
func (fs *FileStore) Write(id string, v any) error {
	if err := fs.EnsureBase(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", fs.entityName, err)
	}

	return WriteFileAtomic(fs.Path(id), data)
}

// Read unmarshals the entity document into out.
func (fs *FileStore) Read(id string, out any) error {
	data, err := os.ReadFile(fs.Path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s not found: %s", fs.entityName, id)
		}
		return fmt.Errorf("read %s: %w", fs.entityName, err)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal %s %s: %w", fs.entityName, id, err)
	}
	return nil
}

// Remove deletes the entity document. Missing documents are not an error.
func (fs *FileStore) Remove(id string) error {
	err := os.Remove(fs.Path(id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", fs.entityName, err)
	}
	return nil
}

// List returns the IDs of all documents in the base directory.
func (fs *FileStore) List() ([]string, error) {
	entries, err := os.ReadDir(fs.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %ss dir: %w", fs.entityName, err)
	}

	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	return ids, nil
}

// WriteFileAtomic writes content to path via tmp + rename.
func WriteFileAtomic(path string, content []byte) error {
	tmp := path + ".tmp"

	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return fmt.Errorf("write %s tmp: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

// AppendJSONL appends a JSON-encoded line to the file at path, creating
// parent directories as needed.
func AppendJSONL(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", filepath.Base(path), err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}

// LoadJSONL reads all JSON lines from path, deserializing each into type T.
// Corrupted lines are skipped. A missing file yields nil, nil.
func LoadJSONL[T any](path string) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	var items []T
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var item T
		if err := json.Unmarshal(line, &item); err != nil {
			continue // skip corrupted lines
		}
		items = append(items, item)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", filepath.Base(path), err)
	}
	return items, nil
}
