package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/eliteGoblin/echidnad/internal/domain"
)

// scriptedRunner answers commands from a table keyed by the space-joined argv.
// Unknown commands fail with exit code 127.
type scriptedRunner struct {
	mu       sync.Mutex
	outcomes map[string]domain.CommandOutcome
	calls    []string
}

func newScriptedRunner() *scriptedRunner {
	return &scriptedRunner{outcomes: make(map[string]domain.CommandOutcome)}
}

func (r *scriptedRunner) on(cmd string, outcome domain.CommandOutcome) *scriptedRunner {
	r.outcomes[cmd] = outcome
	return r
}

func (r *scriptedRunner) ok(cmd, stdout string) *scriptedRunner {
	return r.on(cmd, domain.CommandOutcome{Success: true, Stdout: stdout})
}

func (r *scriptedRunner) fail(cmd string, exitCode int, stderr string) *scriptedRunner {
	return r.on(cmd, domain.CommandOutcome{ExitCode: exitCode, Stderr: stderr})
}

func (r *scriptedRunner) Run(_ context.Context, argv ...string) domain.CommandOutcome {
	cmd := strings.Join(argv, " ")
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, cmd)
	if outcome, ok := r.outcomes[cmd]; ok {
		return outcome
	}
	return domain.CommandOutcome{ExitCode: 127, Stderr: "not found"}
}

func (r *scriptedRunner) called(prefix string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.calls {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

type fakeSelinux struct {
	enabled   bool
	enforcing bool
}

func (f fakeSelinux) Enabled() bool   { return f.enabled }
func (f fakeSelinux) Enforcing() bool { return f.enforcing }

type fakeProbe struct {
	mu    sync.Mutex
	state domain.SelinuxState
}

func (p *fakeProbe) Evaluate(context.Context) domain.SelinuxState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// memStateFile keeps the persisted payload in memory.
type memStateFile struct {
	mu      sync.Mutex
	payload []byte
	saves   int
	loadErr error
	saveErr error
}

func (f *memStateFile) Load() (*domain.ProfileState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	if f.payload == nil {
		return nil, nil
	}
	var state domain.ProfileState
	if err := json.Unmarshal(f.payload, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (f *memStateFile) Save(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves++
	if f.saveErr != nil {
		return f.saveErr
	}
	f.payload = append([]byte(nil), payload...)
	return nil
}

func (f *memStateFile) Path() string { return "mem://profiles.json" }

func (f *memStateFile) saveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saves
}

// recordingChannel keeps every pushed payload.
type recordingChannel struct {
	mu     sync.Mutex
	pushed [][]byte
	closed bool
}

func (c *recordingChannel) Push(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pushed = append(c.pushed, append([]byte(nil), payload...))
	return true
}

func (c *recordingChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *recordingChannel) payloads() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.pushed...)
}

func (c *recordingChannel) last() map[string]any {
	payloads := c.payloads()
	if len(payloads) == 0 {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(payloads[len(payloads)-1], &out); err != nil {
		return nil
	}
	return out
}

type fakeSource struct {
	snapshot *domain.TelemetrySnapshot
}

func (s fakeSource) Read() (*domain.TelemetrySnapshot, bool) {
	if s.snapshot == nil {
		return nil, false
	}
	return s.snapshot, true
}

type fakeOptIn struct {
	set    bool
	setErr error
}

func (f *fakeOptIn) IsSet() bool { return f.set }

func (f *fakeOptIn) Set(enabled bool) error {
	if f.setErr != nil {
		return f.setErr
	}
	f.set = enabled
	return nil
}

var errDisk = errors.New("disk full")
