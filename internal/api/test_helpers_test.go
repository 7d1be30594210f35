package api

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/echidnad/internal/daemon"
	"github.com/eliteGoblin/echidnad/internal/domain"
)

// fakeControl records calls and answers from in-memory state.
type fakeControl struct {
	mu        sync.Mutex
	accept    bool
	installed []string
	status    domain.ModuleStatus
	profiles  map[string]string
	whitelist map[string]bool
	optIn     bool
	history   []domain.JournalEntry
	limit     int
	listeners *daemon.ListenerRegistry
}

func newFakeControl() *fakeControl {
	return &fakeControl{
		accept:    true,
		status:    domain.ModuleStatus{SelinuxState: domain.SelinuxPermissive, ModuleInstalled: true},
		profiles:  map[string]string{},
		whitelist: map[string]bool{},
		listeners: daemon.NewListenerRegistry(func() []byte { return []byte(`{"totalCallbacks":3}`) }, 5*time.Millisecond, nil, nil, zap.NewNop()),
	}
}

func (c *fakeControl) InstallModule(path string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.installed = append(c.installed, path)
	return c.accept
}

func (c *fakeControl) UninstallModule() bool { return c.accepting() }
func (c *fakeControl) RefreshStatus() bool { return c.accepting() }

func (c *fakeControl) accepting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accept
}

func (c *fakeControl) setAccept(accept bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accept = accept
}

func (c *fakeControl) installCalls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.installed...)
}

func (c *fakeControl) ModuleStatus() domain.ModuleStatus { return c.status }

func (c *fakeControl) UpdateWhitelist(process string, enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.whitelist[process] = enabled
}

func (c *fakeControl) Whitelist() map[string]bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]bool, len(c.whitelist))
	for k, v := range c.whitelist {
		out[k] = v
	}
	return out
}

func (c *fakeControl) PushProfile(id, profileJSON string) domain.SaveResult {
	if len(profileJSON) > 512*1024 {
		return domain.SaveRejectedTooLarge
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.profiles[id] = profileJSON
	return domain.SaveAccepted
}

func (c *fakeControl) ListProfiles() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.profiles))
	for id := range c.profiles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (c *fakeControl) ResolveProfile(id string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.profiles[id]
	return p, ok
}

func (c *fakeControl) DeleteProfile(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.profiles, id)
}

func (c *fakeControl) TelemetrySnapshot() []byte { return []byte(`{"totalCallbacks":3}`) }

func (c *fakeControl) IsTelemetryOptedIn() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.optIn
}

func (c *fakeControl) SetTelemetryOptIn(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.optIn = enabled
}

func (c *fakeControl) ExportTelemetry(includeTrends bool) []byte {
	if !c.IsTelemetryOptedIn() {
		return []byte(`{}`)
	}
	if includeTrends {
		return []byte(`{"samples":[{"offsetNs":0}]}`)
	}
	return []byte(`{"hooks":[]}`)
}

func (c *fakeControl) RegisterTelemetryListener(l daemon.Listener) string {
	return c.listeners.Register(l)
}

func (c *fakeControl) UnregisterTelemetryListener(id string) {
	c.listeners.Unregister(id)
}

func (c *fakeControl) History(limit int) ([]domain.JournalEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.history == nil {
		return nil, errors.New("operation journal disabled")
	}
	c.limit = limit
	return c.history, nil
}

// shortSocketPath stays under the unix socket path limit.
func shortSocketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "echd")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "api.sock")
}
