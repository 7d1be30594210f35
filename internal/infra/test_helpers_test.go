package infra

import (
	"os"
	"sync"

	"github.com/eliteGoblin/echidnad/internal/domain"
)

// mockProcessManager is a test double for ProcessManager
type mockProcessManager struct {
	runningPIDs map[int]bool
	byName      map[string][]int
}

func newMockProcessManager() *mockProcessManager {
	return &mockProcessManager{
		runningPIDs: make(map[int]bool),
		byName:      make(map[string][]int),
	}
}

func (m *mockProcessManager) FindByName(pattern string) ([]int, error) {
	return m.byName[pattern], nil
}

func (m *mockProcessManager) IsRunning(pid int) bool {
	return m.runningPIDs[pid]
}

func (m *mockProcessManager) GetCurrentPID() int {
	return os.Getpid()
}

func (m *mockProcessManager) SetRunning(pid int, running bool) {
	m.runningPIDs[pid] = running
}

// memJournal is an in-memory OperationJournal.
type memJournal struct {
	mu      sync.Mutex
	entries []domain.JournalEntry
	closed  bool
}

func (j *memJournal) Record(entry domain.JournalEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, entry)
	return nil
}

func (j *memJournal) Recent(limit int) ([]domain.JournalEntry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]domain.JournalEntry, 0, len(j.entries))
	for i := len(j.entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, j.entries[i])
	}
	return out, nil
}

func (j *memJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.closed = true
	return nil
}

// fakeTransport records pushes and answers with a fixed result.
type fakeTransport struct {
	name   string
	accept bool
	mu     sync.Mutex
	pushed [][]byte
	closed bool
}

func (f *fakeTransport) Name() string { return f.name }

func (f *fakeTransport) Push(payload []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushed = append(f.pushed, append([]byte(nil), payload...))
	return f.accept
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pushed)
}

// Ensure test doubles implement their interfaces
var (
	_ domain.ProcessManager   = (*mockProcessManager)(nil)
	_ domain.OperationJournal = (*memJournal)(nil)
	_ SyncTransport           = (*fakeTransport)(nil)
)
