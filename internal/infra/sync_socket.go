package infra

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultProfileSocketPath is where the engine's profile sync server listens.
	DefaultProfileSocketPath = "/data/local/tmp/echidna_profiles.sock"

	// MaxFramePayload mirrors the engine's receive limit.
	MaxFramePayload = 10 * 1024 * 1024

	defaultSocketTimeout = 2 * time.Second
)

// FrameHeader returns the 4-byte big-endian length prefix for a payload.
func FrameHeader(payloadLen int) []byte {
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(payloadLen))
	return header
}

// SocketTransport delivers length-framed payloads over a unix stream socket.
type SocketTransport struct {
	path    string
	timeout time.Duration
	logger  *zap.Logger
}

// NewSocketTransport creates a transport for the engine socket at path.
func NewSocketTransport(path string, timeout time.Duration, logger *zap.Logger) *SocketTransport {
	if path == "" {
		path = DefaultProfileSocketPath
	}
	if timeout <= 0 {
		timeout = defaultSocketTimeout
	}
	return &SocketTransport{path: path, timeout: timeout, logger: logger}
}

// Name identifies the transport in logs and metrics.
func (t *SocketTransport) Name() string {
	return "socket"
}

// Deliver sends one frame. When oob is non-empty it carries ancillary data
// (SCM_RIGHTS) attached to the header write.
func (t *SocketTransport) Deliver(payload, oob []byte) error {
	if len(payload) == 0 || len(payload) > MaxFramePayload {
		return fmt.Errorf("payload size %d out of range", len(payload))
	}

	conn, err := net.DialTimeout("unix", t.path, t.timeout)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", t.path, err)
	}
	defer conn.Close()

	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return fmt.Errorf("unexpected connection type %T", conn)
	}
	if err := uc.SetWriteDeadline(time.Now().Add(t.timeout)); err != nil {
		return err
	}

	header := FrameHeader(len(payload))
	if len(oob) > 0 {
		if _, _, err := uc.WriteMsgUnix(header, oob, nil); err != nil {
			return fmt.Errorf("failed to send header: %w", err)
		}
	} else if _, err := uc.Write(header); err != nil {
		return fmt.Errorf("failed to send header: %w", err)
	}

	if _, err := uc.Write(payload); err != nil {
		return fmt.Errorf("failed to send payload: %w", err)
	}
	return nil
}

// Push delivers payload without ancillary data.
func (t *SocketTransport) Push(payload []byte) bool {
	if err := t.Deliver(payload, nil); err != nil {
		// The engine may simply not be running yet.
		t.logger.Debug("socket push skipped", zap.String("path", t.path), zap.Error(err))
		return false
	}
	return true
}
