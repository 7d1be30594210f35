//go:build linux

package infra

import (
	"encoding/binary"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// DefaultShmCapacity is the initial size of the profile sync region.
const DefaultShmCapacity = 64 * 1024

// ShmTransport publishes profile state into an anonymous memfd region and
// hands the descriptor to the engine over the profile socket.
//
// Region layout: 4-byte big-endian length, payload, zero padding.
// The region grows to max(required, DefaultShmCapacity) and never shrinks.
type ShmTransport struct {
	mu       sync.Mutex
	signal   *SocketTransport
	logger   *zap.Logger
	fd       int
	mem      []byte
	capacity int
}

// NewShmTransport creates a shared memory transport that signals through signal.
func NewShmTransport(signal *SocketTransport, logger *zap.Logger) *ShmTransport {
	return &ShmTransport{signal: signal, logger: logger, fd: -1}
}

// Name identifies the transport in logs and metrics.
func (t *ShmTransport) Name() string {
	return "shm"
}

// Capacity returns the current region size (0 before the first push).
func (t *ShmTransport) Capacity() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.capacity
}

// Push writes payload into the region and signals the engine.
func (t *ShmTransport) Push(payload []byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.write(payload); err != nil {
		t.logger.Debug("shared memory write failed", zap.Error(err))
		return false
	}
	if err := t.signal.Deliver(payload, unix.UnixRights(t.fd)); err != nil {
		t.logger.Debug("shared memory signal failed", zap.Error(err))
		return false
	}
	return true
}

func (t *ShmTransport) write(payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("empty payload")
	}
	required := 4 + len(payload)
	if t.fd < 0 || t.capacity < required {
		if err := t.allocate(max(required, DefaultShmCapacity)); err != nil {
			return err
		}
	}

	binary.BigEndian.PutUint32(t.mem[:4], uint32(len(payload)))
	n := copy(t.mem[4:], payload)
	clear(t.mem[4+n:])
	return nil
}

func (t *ShmTransport) allocate(size int) error {
	fd, err := unix.MemfdCreate("echidna_profiles", unix.MFD_CLOEXEC)
	if err != nil {
		return fmt.Errorf("memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return fmt.Errorf("ftruncate: %w", err)
	}
	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return fmt.Errorf("mmap: %w", err)
	}

	t.release()
	t.fd = fd
	t.mem = mem
	t.capacity = size
	t.logger.Debug("profile region allocated", zap.Int("capacity", size))
	return nil
}

func (t *ShmTransport) release() {
	if t.mem != nil {
		_ = unix.Munmap(t.mem)
		t.mem = nil
	}
	if t.fd >= 0 {
		_ = unix.Close(t.fd)
		t.fd = -1
	}
}

// Close unmaps and closes the region.
func (t *ShmTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.release()
	t.capacity = 0
	return nil
}
