package infra

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eliteGoblin/echidnad/internal/domain"
)

func TestFileRegistry_RegisterAndGet(t *testing.T) {
	tmpDir := t.TempDir()
	pm := newMockProcessManager()
	registry := NewFileRegistry(filepath.Join(tmpDir, "run"), pm)

	entry := domain.DaemonEntry{
		PID:        12345,
		SocketPath: "/tmp/echidnad.sock",
		StartedAt:  time.Now().Unix(),
		AppVersion: "0.1.0",
	}
	require.NoError(t, registry.Register(entry))

	got, err := registry.Get()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 12345, got.PID)
	assert.Equal(t, "/tmp/echidnad.sock", got.SocketPath)
	assert.Equal(t, string(DetectExecMode().Mode), got.Mode, "mode defaults to detected exec mode")

	info, err := os.Stat(registry.Path())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestFileRegistry_RegisterReplacesPrevious(t *testing.T) {
	registry := NewFileRegistryWithPath(filepath.Join(t.TempDir(), RegistryFileName), newMockProcessManager())

	require.NoError(t, registry.Register(domain.DaemonEntry{PID: 1, Mode: "user"}))
	require.NoError(t, registry.Register(domain.DaemonEntry{PID: 2, Mode: "system"}))

	got, err := registry.Get()
	require.NoError(t, err)
	assert.Equal(t, 2, got.PID)
	assert.Equal(t, "system", got.Mode)
}

func TestFileRegistry_GetMissing(t *testing.T) {
	registry := NewFileRegistryWithPath(filepath.Join(t.TempDir(), "missing.json"), newMockProcessManager())

	got, err := registry.Get()
	assert.NoError(t, err)
	assert.Nil(t, got)
	assert.False(t, registry.IsAlive())
}

func TestFileRegistry_GetCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), RegistryFileName)
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))
	registry := NewFileRegistryWithPath(path, newMockProcessManager())

	_, err := registry.Get()
	assert.Error(t, err)
	assert.False(t, registry.IsAlive())
}

func TestFileRegistry_IsAlive(t *testing.T) {
	tests := []struct {
		name    string
		running bool
		want    bool
	}{
		{name: "registered pid running", running: true, want: true},
		{name: "registered pid gone", running: false, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pm := newMockProcessManager()
			pm.SetRunning(4242, tt.running)
			registry := NewFileRegistryWithPath(filepath.Join(t.TempDir(), RegistryFileName), pm)
			require.NoError(t, registry.Register(domain.DaemonEntry{PID: 4242}))

			assert.Equal(t, tt.want, registry.IsAlive())
		})
	}
}

func TestFileRegistry_Clear(t *testing.T) {
	registry := NewFileRegistryWithPath(filepath.Join(t.TempDir(), RegistryFileName), newMockProcessManager())
	require.NoError(t, registry.Register(domain.DaemonEntry{PID: 7}))

	require.NoError(t, registry.Clear())
	_, err := os.Stat(registry.Path())
	assert.True(t, os.IsNotExist(err))

	// Clearing twice is fine
	assert.NoError(t, registry.Clear())
}

func TestProcessManager_CurrentProcess(t *testing.T) {
	pm := NewProcessManager()

	assert.Equal(t, os.Getpid(), pm.GetCurrentPID())
	assert.True(t, pm.IsRunning(os.Getpid()))
	assert.False(t, pm.IsRunning(0))
	assert.False(t, pm.IsRunning(-1))
}

func TestProcessManager_FindByName(t *testing.T) {
	pm := NewProcessManager()

	self, err := os.Executable()
	require.NoError(t, err)
	pids, err := pm.FindByName(filepath.Base(self))
	require.NoError(t, err)
	assert.Contains(t, pids, os.Getpid())

	pids, err = pm.FindByName("no-such-process-echidna-xyz")
	require.NoError(t, err)
	assert.Empty(t, pids)
}
