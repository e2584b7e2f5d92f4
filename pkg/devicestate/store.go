// Package devicestate persists the server-assigned device id across agent
// restarts.
package devicestate

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrNotRegistered is returned by Load when no device id has been persisted.
var ErrNotRegistered = errors.New("device not registered")

// State is the on-disk record.
type State struct {
	DeviceID int64 `json:"device_id"`
}

// FileStore keeps State in a single JSON file. Writes go to a sibling temp
// file and are renamed into place so a crash never leaves a torn record.
type FileStore struct {
	path string
	mu   sync.Mutex
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Path() string {
	return s.path
}

// Load returns the persisted state. A missing file, an empty file, or a
// record without a positive id all yield ErrNotRegistered.
func (s *FileStore) Load() (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return State{}, ErrNotRegistered
		}
		return State{}, fmt.Errorf("read device state: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return State{}, ErrNotRegistered
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, fmt.Errorf("decode device state %s: %w", s.path, err)
	}
	if st.DeviceID <= 0 {
		return State{}, ErrNotRegistered
	}
	return st, nil
}

// Save writes st with 0600 permissions.
func (s *FileStore) Save(st State) error {
	if st.DeviceID <= 0 {
		return fmt.Errorf("refusing to persist invalid device id %d", st.DeviceID)
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		cleanup()
		return fmt.Errorf("replace device state: %w", err)
	}
	return nil
}

// Clear forgets the device id. Clearing an absent file is not an error.
func (s *FileStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove device state: %w", err)
	}
	return nil
}
