// Package retention persists the boot counter across wake cycles.
package retention

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// State is the data that survives deep sleep.
type State struct {
	BootCount int       `yaml:"boot_count"`
	LastWake  time.Time `yaml:"last_wake,omitempty"`
}

// Store loads and saves State.
type Store interface {
	Load() (State, error)
	Save(State) error
}

// FileStore keeps State in a YAML file. A missing file is the zero State,
// the equivalent of retention memory after power loss.
type FileStore struct {
	path string
}

// NewFileStore returns a FileStore at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads the state file.
func (s *FileStore) Load() (State, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return State{}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("failed to read state file: %w", err)
	}

	var st State
	if err := yaml.Unmarshal(data, &st); err != nil {
		return State{}, fmt.Errorf("failed to parse state file: %w", err)
	}
	return st, nil
}

// Save writes the state file atomically.
func (s *FileStore) Save(st State) error {
	data, err := yaml.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".state-*")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close state file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

// MemoryStore keeps State in memory.
type MemoryStore struct {
	mu sync.Mutex
	st State
}

func (s *MemoryStore) Load() (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st, nil
}

func (s *MemoryStore) Save(st State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st = st
	return nil
}

// Counter advances the boot counter once per wake.
type Counter struct {
	store Store
	now   func() time.Time
}

// NewCounter returns a Counter backed by store.
func NewCounter(store Store) *Counter {
	return &Counter{store: store, now: time.Now}
}

// Advance loads the state, increments the boot count, stores it and returns
// the new count. The returned count is always usable: an unreadable state
// counts from zero, and the error reports what went wrong.
func (c *Counter) Advance() (int, error) {
	st, loadErr := c.store.Load()
	if loadErr != nil {
		st = State{}
	}

	st.BootCount++
	st.LastWake = c.now()

	if err := c.store.Save(st); err != nil {
		return st.BootCount, errors.Join(loadErr, err)
	}
	if loadErr != nil {
		return st.BootCount, fmt.Errorf("boot counter reset: %w", loadErr)
	}
	return st.BootCount, nil
}
