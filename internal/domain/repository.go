package domain

import "context"

// CommandRunner executes commands through a root shell.
type CommandRunner interface {
	// Run executes argv under the root shell. A single element is treated as
	// an already composed shell string; multiple elements are quoted individually.
	Run(ctx context.Context, argv ...string) CommandOutcome
}

// SelinuxReader reports the kernel SELinux mode.
type SelinuxReader interface {
	// Enabled reports whether SELinux is present at all.
	Enabled() bool

	// Enforcing reports whether SELinux is in enforcing mode.
	Enforcing() bool
}

// CapabilityProbe determines the device's privilege/SELinux posture.
type CapabilityProbe interface {
	Evaluate(ctx context.Context) SelinuxState
}

// ModuleController manages the privileged engine module lifecycle.
type ModuleController interface {
	// Install installs the module archive at path.
	Install(ctx context.Context, path string) ModuleStatus

	// Uninstall removes the module.
	Uninstall(ctx context.Context) ModuleStatus

	// RefreshStatus re-queries the device and replaces the cached status.
	RefreshStatus(ctx context.Context) ModuleStatus

	// CachedStatus returns the last known status without blocking.
	CachedStatus() ModuleStatus

	// ApplyPolicyPatch applies the SELinux rules when the tool is available.
	ApplyPolicyPatch(ctx context.Context) SelinuxState
}

// SyncChannel delivers a configuration snapshot to the native engine.
type SyncChannel interface {
	// Push returns true when a transport accepted the payload.
	// It does not imply engine acknowledgement.
	Push(payload []byte) bool

	// Close releases transport resources.
	Close() error
}

// StateFile persists the full configuration snapshot.
type StateFile interface {
	// Load returns the persisted state, or nil when nothing was saved yet.
	Load() (*ProfileState, error)

	// Save atomically replaces the persisted state with the encoded payload.
	Save(payload []byte) error

	// Path returns the state file location.
	Path() string
}

// ProfileStore validates, persists and indexes configuration profiles.
type ProfileStore interface {
	Save(id, profileJSON string) SaveResult
	Delete(id string)
	UpdateWhitelist(process string, enabled bool)
	List() []string
	Resolve(id string) (string, bool)
	Whitelist() map[string]bool
	Flush(ctx context.Context) error
	Close() error
}

// SaveResult classifies the outcome of ProfileStore.Save.
type SaveResult int

const (
	SaveAccepted SaveResult = iota
	SaveRejectedEmpty
	SaveRejectedInvalidJSON
	SaveRejectedTooLarge
	SaveRejectedSchema
	// SaveRejectedClosed means the store was shutting down and dropped the profile.
	SaveRejectedClosed
)

// String returns a short label used in logs and metrics.
func (r SaveResult) String() string {
	switch r {
	case SaveAccepted:
		return "accepted"
	case SaveRejectedEmpty:
		return "empty"
	case SaveRejectedInvalidJSON:
		return "invalid_json"
	case SaveRejectedTooLarge:
		return "too_large"
	case SaveRejectedSchema:
		return "schema"
	case SaveRejectedClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// TelemetrySource yields decoded telemetry snapshots.
type TelemetrySource interface {
	// Read returns false when no telemetry is available yet.
	Read() (*TelemetrySnapshot, bool)
}

// OptInFlag persists the user's telemetry consent.
type OptInFlag interface {
	IsSet() bool
	Set(enabled bool) error
}

// TelemetryExporter gates and anonymizes telemetry output.
type TelemetryExporter interface {
	IsOptedIn() bool
	SetOptIn(enabled bool)
	Snapshot() []byte
	Export(includeTrends bool) []byte
}

// OperationJournal records privileged operations.
type OperationJournal interface {
	Record(entry JournalEntry) error
	Recent(limit int) ([]JournalEntry, error)
	Close() error
}

// ProcessManager handles OS process operations.
// Implementation: uses gopsutil for cross-platform support.
type ProcessManager interface {
	// FindByName returns PIDs of processes matching the pattern.
	FindByName(pattern string) ([]int, error)

	// IsRunning checks if a PID exists and is running.
	IsRunning(pid int) bool

	// GetCurrentPID returns the current process PID.
	GetCurrentPID() int
}

// DaemonRegistry lets CLI invocations discover the running daemon.
type DaemonRegistry interface {
	// Register records the current daemon.
	Register(entry DaemonEntry) error

	// Get returns the registered daemon, or nil when none is registered.
	Get() (*DaemonEntry, error)

	// IsAlive checks whether the registered daemon PID is running.
	IsAlive() bool

	// Clear removes the registry file.
	Clear() error

	// Path returns the registry file path (for tests).
	Path() string
}

// BootScriptManager installs the script that starts the daemon at boot.
type BootScriptManager interface {
	// Install writes the boot script for the given executable.
	Install(ctx context.Context, execPath string) error

	// Uninstall removes the boot script.
	Uninstall(ctx context.Context) error

	// IsInstalled checks if the boot script exists.
	IsInstalled(ctx context.Context) bool

	// NeedsUpdate reports whether the installed script is stale.
	NeedsUpdate(ctx context.Context, execPath string) bool

	// Path returns the script location.
	Path() string
}
