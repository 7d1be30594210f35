// Package fixtures provides test helpers for integration tests.
package fixtures

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/eliteGoblin/echidnad/internal/domain"
	"github.com/eliteGoblin/echidnad/internal/infra"
)

// FakeEngine stands in for the native audio engine: it owns the telemetry
// region file and accepts profile frames on a unix socket.
type FakeEngine struct {
	TelemetryPath string
	SocketPath    string

	listener *net.UnixListener
	wg       sync.WaitGroup

	mu     sync.Mutex
	frames [][]byte
	fds    int
}

// NewFakeEngine creates an engine whose files live under dir.
func NewFakeEngine(dir string) *FakeEngine {
	return &FakeEngine{
		TelemetryPath: filepath.Join(dir, "echidna_telemetry"),
		SocketPath:    filepath.Join(dir, "profiles.sock"),
	}
}

// Start listens for profile frames.
func (e *FakeEngine) Start() error {
	l, err := net.ListenUnix("unix", &net.UnixAddr{Name: e.SocketPath, Net: "unix"})
	if err != nil {
		return err
	}
	e.listener = l

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			conn, err := l.AcceptUnix()
			if err != nil {
				return
			}
			e.receive(conn)
		}
	}()
	return nil
}

// Stop closes the socket and waits for the accept loop.
func (e *FakeEngine) Stop() {
	if e.listener != nil {
		e.listener.Close()
	}
	e.wg.Wait()
}

func (e *FakeEngine) receive(conn *net.UnixConn) {
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	header := make([]byte, 4)
	oob := make([]byte, unix.CmsgSpace(4))
	n, oobn, _, _, err := conn.ReadMsgUnix(header, oob)
	if err != nil {
		return
	}
	if n < len(header) {
		if _, err := io.ReadFull(conn, header[n:]); err != nil {
			return
		}
	}
	payload := make([]byte, binary.BigEndian.Uint32(header))
	if _, err := io.ReadFull(conn, payload); err != nil {
		return
	}

	received := closeRights(oob[:oobn])

	e.mu.Lock()
	defer e.mu.Unlock()
	e.frames = append(e.frames, payload)
	e.fds += received
}

// closeRights closes descriptors passed with a frame and returns how many arrived.
func closeRights(oob []byte) int {
	if len(oob) == 0 {
		return 0
	}
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return 0
	}
	count := 0
	for _, msg := range msgs {
		fds, err := unix.ParseUnixRights(&msg)
		if err != nil {
			continue
		}
		for _, fd := range fds {
			unix.Close(fd)
			count++
		}
	}
	return count
}

// FrameCount returns how many frames arrived.
func (e *FakeEngine) FrameCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.frames)
}

// DescriptorCount returns how many file descriptors arrived with frames.
func (e *FakeEngine) DescriptorCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fds
}

// LastState decodes the most recent frame.
func (e *FakeEngine) LastState() (*domain.ProfileState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.frames) == 0 {
		return nil, false
	}
	var state domain.ProfileState
	if err := json.Unmarshal(e.frames[len(e.frames)-1], &state); err != nil {
		return nil, false
	}
	return &state, true
}

// WriteTelemetry publishes a region with callbacks samples 1ms apart and one hook.
func (e *FakeEngine) WriteTelemetry(callbacks int) error {
	region := infra.NewTelemetryRegion(infra.TelemetryVersionV2, 64, 4)
	for i := 0; i < callbacks; i++ {
		region.RecordCallback(domain.TelemetrySample{
			TimestampNanos: int64(i+1) * int64(time.Millisecond),
			DurationMicros: 800,
			CPUMicros:      200,
			Flags:          domain.SampleFlagCallback | domain.SampleFlagDSP,
		})
	}
	region.RegisterHook(domain.HookRecord{
		Name:      "AudioFlinger::threadLoop",
		Library:   "libaudioflinger.so",
		Symbol:    "_ZN7android12AudioFlinger12PlaybackThread10threadLoopEv",
		Attempts:  2,
		Successes: 2,
	})
	region.SetWarningFlags(domain.WarningHighLatency)
	return region.WriteFile(e.TelemetryPath)
}

// CorruptTelemetry publishes a region whose magic does not match.
func (e *FakeEngine) CorruptTelemetry() error {
	region := infra.NewTelemetryRegion(infra.TelemetryVersionV2, 8, 1)
	region.RecordCallback(domain.TelemetrySample{TimestampNanos: 1, DurationMicros: 100})
	region.SetMagic(0)
	return region.WriteFile(e.TelemetryPath)
}
