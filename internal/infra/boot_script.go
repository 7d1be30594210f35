package infra

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"text/template"

	"github.com/eliteGoblin/echidnad/internal/domain"
)

// DefaultBootScriptDir is where Magisk runs late-start service scripts.
const DefaultBootScriptDir = "/data/adb/service.d"

const bootScriptName = "echidnad.sh"

// Boot script template. Runs once boot completes, as root.
const bootScriptTemplate = `#!/system/bin/sh
# echidnad autostart
until [ "$(getprop sys.boot_completed)" = "1" ]; do
    sleep 2
done
exec {{quote .ExecutablePath}} start{{if .ConfigFile}} --config {{quote .ConfigFile}}{{end}} >> {{quote .LogPath}} 2>&1
`

type bootScriptConfig struct {
	ExecutablePath string
	ConfigFile     string
	LogPath        string
}

// BootScriptManager implements domain.BootScriptManager. The script lives
// in a root-owned directory, so every file operation goes through the root
// shell.
type BootScriptManager struct {
	runner     domain.CommandRunner
	scriptPath string
	logDir     string
	configFile string
}

// NewBootScriptManager creates a manager for the default service.d directory.
func NewBootScriptManager(runner domain.CommandRunner, logDir, configFile string) *BootScriptManager {
	return NewBootScriptManagerWithDir(runner, DefaultBootScriptDir, logDir, configFile)
}

// NewBootScriptManagerWithDir creates a manager for a custom directory (for testing).
func NewBootScriptManagerWithDir(runner domain.CommandRunner, dir, logDir, configFile string) *BootScriptManager {
	return &BootScriptManager{
		runner:     runner,
		scriptPath: filepath.Join(dir, bootScriptName),
		logDir:     logDir,
		configFile: configFile,
	}
}

// Path returns the script location.
func (m *BootScriptManager) Path() string {
	return m.scriptPath
}

// generateContent renders the script for execPath.
func (m *BootScriptManager) generateContent(execPath string) ([]byte, error) {
	tmpl, err := template.New("boot").Funcs(template.FuncMap{"quote": ShellQuote}).Parse(bootScriptTemplate)
	if err != nil {
		return nil, fmt.Errorf("failed to parse boot script template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, bootScriptConfig{
		ExecutablePath: execPath,
		ConfigFile:     m.configFile,
		LogPath:        filepath.Join(m.logDir, "echidnad.boot.log"),
	}); err != nil {
		return nil, fmt.Errorf("failed to execute boot script template: %w", err)
	}
	return buf.Bytes(), nil
}

// Install writes the script and marks it executable.
func (m *BootScriptManager) Install(ctx context.Context, execPath string) error {
	content, err := m.generateContent(execPath)
	if err != nil {
		return err
	}

	command := fmt.Sprintf("mkdir -p %s && printf '%%s' %s > %s && chmod 0755 %s",
		ShellQuote(filepath.Dir(m.scriptPath)),
		ShellQuote(string(content)),
		ShellQuote(m.scriptPath),
		ShellQuote(m.scriptPath))
	if outcome := m.runner.Run(ctx, command); !outcome.Success {
		return fmt.Errorf("failed to install boot script: %s", outcome.Stderr)
	}
	return nil
}

// Uninstall removes the script. A missing script is not an error.
func (m *BootScriptManager) Uninstall(ctx context.Context) error {
	if outcome := m.runner.Run(ctx, "rm", "-f", m.scriptPath); !outcome.Success {
		return fmt.Errorf("failed to remove boot script: %s", outcome.Stderr)
	}
	return nil
}

// IsInstalled checks whether the script exists.
func (m *BootScriptManager) IsInstalled(ctx context.Context) bool {
	return m.runner.Run(ctx, "test", "-f", m.scriptPath).Success
}

// NeedsUpdate reports whether an installed script differs from what Install
// would write for execPath.
func (m *BootScriptManager) NeedsUpdate(ctx context.Context, execPath string) bool {
	outcome := m.runner.Run(ctx, "cat", m.scriptPath)
	if !outcome.Success {
		return false // not installed
	}
	expected, err := m.generateContent(execPath)
	if err != nil {
		return true
	}
	// The runner trims output.
	return outcome.Stdout != string(bytes.TrimSpace(expected))
}

// Ensure BootScriptManager implements domain.BootScriptManager.
var _ domain.BootScriptManager = (*BootScriptManager)(nil)
