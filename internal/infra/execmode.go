// Package infra implements infrastructure concerns (root shell, shared memory,
// sockets, persistence).
package infra

import (
	"os"
	"path/filepath"
)

// ExecMode represents the execution mode of the daemon.
type ExecMode string

const (
	// ExecModeUser runs unprivileged; root commands still go through su.
	ExecModeUser ExecMode = "user"
	// ExecModeSystem runs as root (e.g. launched from the module's service script).
	ExecModeSystem ExecMode = "system"
)

// ExecModeConfig holds the directory layout for the detected mode.
type ExecModeConfig struct {
	Mode       ExecMode
	DataDir    string // profile state, opt-in flag, journal and key
	RuntimeDir string // API socket and discovery file
	LogDir     string
	IsRoot     bool
}

// DetectExecMode determines the layout from the effective UID.
func DetectExecMode() *ExecModeConfig {
	if os.Geteuid() == 0 {
		return &ExecModeConfig{
			Mode:       ExecModeSystem,
			DataDir:    "/data/adb/echidnad",
			RuntimeDir: "/dev/echidnad",
			LogDir:     "/data/adb/echidnad/logs",
			IsRoot:     true,
		}
	}

	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".echidnad")
	runtimeDir := filepath.Join(base, "run")
	if xdg := os.Getenv("XDG_RUNTIME_DIR"); xdg != "" {
		runtimeDir = filepath.Join(xdg, "echidnad")
	}
	return &ExecModeConfig{
		Mode:       ExecModeUser,
		DataDir:    base,
		RuntimeDir: runtimeDir,
		LogDir:     filepath.Join(base, "logs"),
		IsRoot:     false,
	}
}

// String returns a human-readable description of the mode.
func (m ExecMode) String() string {
	switch m {
	case ExecModeSystem:
		return "system (root)"
	case ExecModeUser:
		return "user (escalates through su)"
	default:
		return "unknown"
	}
}
