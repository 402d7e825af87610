package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FileStore is a file-backed Store for single-node deployments. The full
// contents are kept in an in-memory mirror, so reads never touch the disk
// after startup; every mutation is written through to a JSON index with an
// atomic temp-file-then-rename.
type FileStore struct {
	baseDir string

	mu     sync.RWMutex
	data   map[string]json.RawMessage
	closed bool
}

// NewFileStore creates a file store rooted at baseDir, loading any existing
// index from a previous run.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	s := &FileStore{
		baseDir: baseDir,
		data:    make(map[string]json.RawMessage),
	}
	if err := s.loadFromDisk(); err != nil {
		return nil, fmt.Errorf("failed to load state from disk: %w", err)
	}
	return s, nil
}

func (s *FileStore) indexPath() string {
	return filepath.Join(s.baseDir, "index.json")
}

func (s *FileStore) loadFromDisk() error {
	data, err := os.ReadFile(s.indexPath())
	if os.IsNotExist(err) {
		return nil // no existing data
	}
	if err != nil {
		return err
	}

	var index map[string]json.RawMessage
	if err := json.Unmarshal(data, &index); err != nil {
		return err
	}
	if index != nil {
		s.data = index
	}
	return nil
}

// saveToDisk persists the mirror. Caller must hold s.mu.
func (s *FileStore) saveToDisk() error {
	data, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}

	// Atomic write: write to temp file then rename.
	tempPath := s.indexPath() + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tempPath, s.indexPath())
}

// Store writes value under key and flushes the index.
func (s *FileStore) Store(ctx context.Context, key string, value json.RawMessage) error {
	if key == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.data[key] = cloneValue(value)
	return s.saveToDisk()
}

// Retrieve reads from the in-memory mirror.
func (s *FileStore) Retrieve(ctx context.Context, key string) (json.RawMessage, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, false, ErrStoreClosed
	}
	v, ok := s.data[key]
	if !ok {
		return nil, false, nil
	}
	return cloneValue(v), true, nil
}

// Delete removes key from the mirror and flushes the index.
func (s *FileStore) Delete(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrStoreClosed
	}
	_, ok := s.data[key]
	if !ok {
		return false, nil
	}
	delete(s.data, key)
	return true, s.saveToDisk()
}

// ListKeys returns all keys with the given prefix, sorted ascending.
func (s *FileStore) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Clear removes all keys and flushes the empty index.
func (s *FileStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.data = make(map[string]json.RawMessage)
	return s.saveToDisk()
}

// Ping checks if the store is healthy.
func (s *FileStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// Close flushes the index and closes the store.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.saveToDisk()
}
