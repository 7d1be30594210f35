package daemon

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/eliteGoblin/echidnad/internal/domain"
)

// fakeController blocks each operation on gate when it is set.
type fakeController struct {
	mu      sync.Mutex
	calls   []string
	gate    chan struct{}
	started chan struct{}
	status  domain.ModuleStatus
}

func newFakeController() *fakeController {
	return &fakeController{
		started: make(chan struct{}, 64),
		status:  domain.ModuleStatus{SelinuxState: domain.SelinuxPermissive},
	}
}

func (c *fakeController) record(name string) domain.ModuleStatus {
	c.mu.Lock()
	c.calls = append(c.calls, name)
	gate := c.gate
	status := c.status
	c.mu.Unlock()

	c.started <- struct{}{}
	if gate != nil {
		<-gate
	}
	return status
}

func (c *fakeController) Install(_ context.Context, path string) domain.ModuleStatus {
	return c.record("install " + path)
}

func (c *fakeController) Uninstall(context.Context) domain.ModuleStatus {
	return c.record("uninstall")
}

func (c *fakeController) RefreshStatus(context.Context) domain.ModuleStatus {
	return c.record("refresh")
}

func (c *fakeController) CachedStatus() domain.ModuleStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *fakeController) ApplyPolicyPatch(context.Context) domain.SelinuxState {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, "patch")
	return domain.SelinuxPermissive
}

func (c *fakeController) callLog() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

type fakeStore struct {
	mu        sync.Mutex
	profiles  map[string]string
	whitelist map[string]bool
	saves     []string
	closed    bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{profiles: map[string]string{}, whitelist: map[string]bool{}}
}

func (s *fakeStore) Save(id, profileJSON string) domain.SaveResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves = append(s.saves, id)
	if strings.TrimSpace(id) == "" || strings.TrimSpace(profileJSON) == "" {
		return domain.SaveRejectedEmpty
	}
	s.profiles[id] = profileJSON
	return domain.SaveAccepted
}

func (s *fakeStore) saveCalls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.saves...)
}

func (s *fakeStore) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.profiles, id)
}

func (s *fakeStore) UpdateWhitelist(process string, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.whitelist[process] = enabled
}

func (s *fakeStore) List() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.profiles))
	for id := range s.profiles {
		ids = append(ids, id)
	}
	return ids
}

func (s *fakeStore) Resolve(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[id]
	return p, ok
}

func (s *fakeStore) Whitelist() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]bool, len(s.whitelist))
	for k, v := range s.whitelist {
		out[k] = v
	}
	return out
}

func (s *fakeStore) Flush(context.Context) error { return nil }

func (s *fakeStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type fakeExporter struct {
	optedIn bool
}

func (e *fakeExporter) IsOptedIn() bool { return e.optedIn }
func (e *fakeExporter) SetOptIn(enabled bool) { e.optedIn = enabled }
func (e *fakeExporter) Snapshot() []byte { return []byte(`{"totalCallbacks":1}`) }
func (e *fakeExporter) Export(trends bool) []byte {
	if !e.optedIn {
		return []byte(`{}`)
	}
	if trends {
		return []byte(`{"samples":[]}`)
	}
	return []byte(`{"hooks":[]}`)
}

type fakeChannel struct {
	mu     sync.Mutex
	closed bool
}

func (c *fakeChannel) Push([]byte) bool { return true }

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

type fakeJournal struct {
	entries []domain.JournalEntry
	limit   int
	closed  bool
}

func (j *fakeJournal) Record(entry domain.JournalEntry) error {
	j.entries = append(j.entries, entry)
	return nil
}

func (j *fakeJournal) Recent(limit int) ([]domain.JournalEntry, error) {
	j.limit = limit
	return j.entries, nil
}

func (j *fakeJournal) Close() error {
	j.closed = true
	return nil
}

var errListenerGone = errors.New("listener gone")
