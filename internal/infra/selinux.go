package infra

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/eliteGoblin/echidnad/internal/domain"
)

// DefaultSelinuxFS is where the kernel exposes selinuxfs.
const DefaultSelinuxFS = "/sys/fs/selinux"

// SysfsSelinuxReader implements domain.SelinuxReader by reading selinuxfs.
// A missing enforce node means SELinux is disabled.
type SysfsSelinuxReader struct {
	enforcePath string
}

// NewSelinuxReader creates a reader for the default selinuxfs mount.
func NewSelinuxReader() *SysfsSelinuxReader {
	return NewSelinuxReaderWithRoot(DefaultSelinuxFS)
}

// NewSelinuxReaderWithRoot creates a reader rooted at a custom directory (for testing).
func NewSelinuxReaderWithRoot(root string) *SysfsSelinuxReader {
	return &SysfsSelinuxReader{enforcePath: filepath.Join(root, "enforce")}
}

// Enabled reports whether selinuxfs is mounted.
func (s *SysfsSelinuxReader) Enabled() bool {
	_, err := os.Stat(s.enforcePath)
	return err == nil
}

// Enforcing reports whether the enforce node reads "1".
func (s *SysfsSelinuxReader) Enforcing() bool {
	data, err := os.ReadFile(s.enforcePath)
	if err != nil {
		// Unreadable but present: assume the stricter mode.
		return s.Enabled()
	}
	return strings.TrimSpace(string(data)) == "1"
}

// Ensure SysfsSelinuxReader implements domain.SelinuxReader.
var _ domain.SelinuxReader = (*SysfsSelinuxReader)(nil)
