package infra

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/eliteGoblin/echidnad/internal/domain"
)

// OptInFileName marks telemetry consent when it exists and contains "1".
const OptInFileName = "telemetry_opt_in"

// FileOptInFlag implements domain.OptInFlag with a marker file.
type FileOptInFlag struct {
	path string
}

// NewOptInFlag creates a flag stored in dataDir.
func NewOptInFlag(dataDir string) *FileOptInFlag {
	return &FileOptInFlag{path: filepath.Join(dataDir, OptInFileName)}
}

// IsSet reports whether consent was given.
func (f *FileOptInFlag) IsSet() bool {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(data)) == "1"
}

// Set records or withdraws consent. Withdrawing deletes the file.
func (f *FileOptInFlag) Set(enabled bool) error {
	if !enabled {
		if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove opt-in flag: %w", err)
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := os.WriteFile(f.path, []byte("1"), 0600); err != nil {
		return fmt.Errorf("failed to write opt-in flag: %w", err)
	}
	return nil
}

// Ensure FileOptInFlag implements domain.OptInFlag.
var _ domain.OptInFlag = (*FileOptInFlag)(nil)
