package infra

import (
	"os"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/eliteGoblin/echidnad/internal/domain"
)

// DefaultTelemetryPath is where the engine's shm_open("/echidna_telemetry") lands.
const DefaultTelemetryPath = "/dev/shm/echidna_telemetry"

// MmapTelemetryReader implements domain.TelemetrySource by mapping the shared
// region read-only on every call. It keeps no state between reads; a concurrent
// writer may leave a torn cursor/count pair, which is tolerated.
type MmapTelemetryReader struct {
	path   string
	logger *zap.Logger
}

// NewTelemetryReader creates a reader for the given region path.
func NewTelemetryReader(path string, logger *zap.Logger) *MmapTelemetryReader {
	if path == "" {
		path = DefaultTelemetryPath
	}
	return &MmapTelemetryReader{path: path, logger: logger}
}

// Path returns the region path.
func (r *MmapTelemetryReader) Path() string {
	return r.path
}

// Read maps and decodes the region. Absence is not an error.
func (r *MmapTelemetryReader) Read() (*domain.TelemetrySnapshot, bool) {
	f, err := os.Open(r.path)
	if err != nil {
		return nil, false
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.Size() == 0 {
		return nil, false
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		r.logger.Debug("telemetry mmap failed", zap.String("path", r.path), zap.Error(err))
		return nil, false
	}
	defer func() { _ = unix.Munmap(data) }()

	snapshot, ok := DecodeTelemetry(data)
	if !ok {
		r.logger.Debug("telemetry region not recognized", zap.String("path", r.path))
	}
	return snapshot, ok
}

// Ensure MmapTelemetryReader implements domain.TelemetrySource.
var _ domain.TelemetrySource = (*MmapTelemetryReader)(nil)
