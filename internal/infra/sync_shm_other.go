//go:build !linux

package infra

import (
	"go.uber.org/zap"
)

// DefaultShmCapacity is the initial size of the profile sync region.
const DefaultShmCapacity = 64 * 1024

// ShmTransport is unavailable without memfd; Push always declines so the
// socket transport handles delivery.
type ShmTransport struct {
	logger *zap.Logger
}

// NewShmTransport creates a no-op shared memory transport.
func NewShmTransport(_ *SocketTransport, logger *zap.Logger) *ShmTransport {
	return &ShmTransport{logger: logger}
}

// Name identifies the transport in logs and metrics.
func (t *ShmTransport) Name() string {
	return "shm"
}

// Capacity is always zero.
func (t *ShmTransport) Capacity() int {
	return 0
}

// Push always declines.
func (t *ShmTransport) Push(_ []byte) bool {
	return false
}

// Close is a no-op.
func (t *ShmTransport) Close() error {
	return nil
}
