package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// StartDetached spawns `<executable> serve <extraArgs...>` in a new session,
// detached from the calling terminal. It returns the child PID.
func StartDetached(extraArgs ...string) (int, error) {
	executable, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("failed to resolve executable: %w", err)
	}
	return StartDetachedWithPath(executable, extraArgs...)
}

// StartDetachedWithPath spawns the daemon from a specific binary (for testing).
func StartDetachedWithPath(executable string, extraArgs ...string) (int, error) {
	args := append([]string{"serve"}, extraArgs...)
	cmd := exec.Command(executable, args...)

	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}

	// Fully detached; the daemon logs to its own file.
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start daemon: %w", err)
	}
	pid := cmd.Process.Pid
	// Not waited on; the child outlives us.
	_ = cmd.Process.Release()
	return pid, nil
}
