package infra

import (
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/eliteGoblin/echidnad/internal/domain"
)

// commLimit is the kernel's truncation length for process names.
const commLimit = 15

// ProcessManagerImpl implements domain.ProcessManager using gopsutil.
type ProcessManagerImpl struct{}

// NewProcessManager creates a new process manager.
func NewProcessManager() *ProcessManagerImpl {
	return &ProcessManagerImpl{}
}

// FindByName returns PIDs whose name or executable matches pattern
// (case-insensitive substring). Names longer than the kernel comm limit
// are also compared against the first cmdline argument.
func (pm *ProcessManagerImpl) FindByName(pattern string) ([]int, error) {
	procs, err := process.Processes()
	if err != nil {
		return nil, err
	}

	patternLower := strings.ToLower(pattern)
	var found []int
	for _, p := range procs {
		name, err := p.Name()
		if err != nil {
			continue // exited
		}
		if strings.Contains(strings.ToLower(name), patternLower) {
			found = append(found, int(p.Pid))
			continue
		}
		if len(pattern) <= commLimit {
			continue
		}
		args, err := p.CmdlineSlice()
		if err != nil || len(args) == 0 {
			continue
		}
		if strings.Contains(strings.ToLower(filepath.Base(args[0])), patternLower) {
			found = append(found, int(p.Pid))
		}
	}
	return found, nil
}

// IsRunning checks if a PID exists via signal 0.
func (pm *ProcessManagerImpl) IsRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// GetCurrentPID returns the current process PID.
func (pm *ProcessManagerImpl) GetCurrentPID() int {
	return os.Getpid()
}

// Ensure ProcessManagerImpl implements domain.ProcessManager.
var _ domain.ProcessManager = (*ProcessManagerImpl)(nil)
