package infra

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/eliteGoblin/echidnad/internal/domain"
)

// StateFileName is the persisted profile state inside the data directory.
const StateFileName = "profiles.json"

// JSONStateFile implements domain.StateFile with atomic replace-on-write.
type JSONStateFile struct {
	path string
}

// NewStateFile creates a state file inside dataDir.
func NewStateFile(dataDir string) *JSONStateFile {
	return NewStateFileWithPath(filepath.Join(dataDir, StateFileName))
}

// NewStateFileWithPath creates a state file at a specific path (for testing).
func NewStateFileWithPath(path string) *JSONStateFile {
	return &JSONStateFile{path: path}
}

// Path returns the state file location.
func (f *JSONStateFile) Path() string {
	return f.path
}

// Load reads the persisted state. A missing file yields nil, nil.
func (f *JSONStateFile) Load() (*domain.ProfileState, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	var state domain.ProfileState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to parse state file: %w", err)
	}
	return &state, nil
}

// Save writes payload atomically (write temp + rename).
func (f *JSONStateFile) Save(payload []byte) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0700); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmpPath := fmt.Sprintf("%s.%d.tmp", f.path, os.Getpid())
	if err := os.WriteFile(tmpPath, payload, 0600); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tmpPath, f.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

// Ensure JSONStateFile implements domain.StateFile.
var _ domain.StateFile = (*JSONStateFile)(nil)
