// Package storage persists small pieces of client state as JSON files under
// the XDG state directory, one subtree per console endpoint. The console
// server owns all real data; this store only remembers local view state
// such as which thread was selected last.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/doclens-ai/doclens/internal/config"
)

var ErrNotFound = errors.New("not found")

// Store is a file-backed JSON key store rooted at one directory.
type Store struct {
	basePath string
	mu       sync.Mutex
	locks    map[string]*FileLock
}

// New creates a store rooted at basePath.
func New(basePath string) *Store {
	return &Store{
		basePath: basePath,
		locks:    make(map[string]*FileLock),
	}
}

// NewDefault creates a store under the standard XDG state directory.
func NewDefault() *Store {
	return New(config.GetPaths().StatePath())
}

func (s *Store) keyToFile(key []string) string {
	parts := append([]string{s.basePath}, key...)
	return filepath.Join(parts...) + ".json"
}

func (s *Store) keyToDir(key []string) string {
	parts := append([]string{s.basePath}, key...)
	return filepath.Join(parts...)
}

// Get reads the value at key into v. Returns ErrNotFound for absent keys.
func (s *Store) Get(ctx context.Context, key []string, v any) error {
	data, err := os.ReadFile(s.keyToFile(key))
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("read state: %w", err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal state: %w", err)
	}
	return nil
}

// Put writes v at key. The write goes to a temp file first and is renamed
// into place, under an flock shared with other doclens processes.
func (s *Store) Put(ctx context.Context, key []string, v any) error {
	filePath := s.keyToFile(key)

	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	lock := s.getLock(filePath)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("acquire state lock: %w", err)
	}
	defer lock.Unlock()

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	tmpPath := filePath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	if err := os.Rename(tmpPath, filePath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace state: %w", err)
	}
	return nil
}

// Delete removes the value at key. Deleting an absent key is not an error.
func (s *Store) Delete(ctx context.Context, key []string) error {
	filePath := s.keyToFile(key)

	lock := s.getLock(filePath)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("acquire state lock: %w", err)
	}
	defer lock.Unlock()

	if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete state: %w", err)
	}
	return nil
}

// List returns the child keys under a key prefix.
func (s *Store) List(ctx context.Context, key []string) ([]string, error) {
	entries, err := os.ReadDir(s.keyToDir(key))
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("read state dir: %w", err)
	}

	var items []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			items = append(items, name)
		} else if strings.HasSuffix(name, ".json") {
			items = append(items, strings.TrimSuffix(name, ".json"))
		}
	}
	return items, nil
}

// Exists reports whether a value is stored at key.
func (s *Store) Exists(ctx context.Context, key []string) bool {
	_, err := os.Stat(s.keyToFile(key))
	return err == nil
}

func (s *Store) getLock(filePath string) *FileLock {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[filePath]
	if !ok {
		lock = NewFileLock(filePath)
		s.locks[filePath] = lock
	}
	return lock
}

// EndpointState is the remembered view state for one console endpoint.
type EndpointState struct {
	BaseURL          string    `json:"baseURL"`
	SelectedThreadID string    `json:"selectedThreadID,omitempty"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// endpointKey derives a stable directory name from a base URL.
func endpointKey(baseURL string) string {
	h := sha256.New()
	h.Write([]byte(baseURL))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// LoadEndpointState reads the remembered state for an endpoint.
func (s *Store) LoadEndpointState(ctx context.Context, baseURL string) (*EndpointState, error) {
	var state EndpointState
	if err := s.Get(ctx, []string{endpointKey(baseURL), "state"}, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// SaveEndpointState persists the state for its endpoint, stamping UpdatedAt.
func (s *Store) SaveEndpointState(ctx context.Context, state *EndpointState) error {
	state.UpdatedAt = time.Now().UTC()
	return s.Put(ctx, []string{endpointKey(state.BaseURL), "state"}, state)
}

// ClearEndpointState forgets the state for an endpoint.
func (s *Store) ClearEndpointState(ctx context.Context, baseURL string) error {
	return s.Delete(ctx, []string{endpointKey(baseURL), "state"})
}
