// Package domain contains core business entities and interfaces.
// This is the innermost layer - no external dependencies.
package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Warning bits reported by the native engine in TelemetrySnapshot.WarningFlags.
const (
	WarningHighLatency int32 = 1 << 0
	WarningHighCPU     int32 = 1 << 1
	WarningXrun        int32 = 1 << 2
)

// Per-sample flag bits written by the engine.
const (
	SampleFlagCallback int32 = 1 << 0
	SampleFlagDSP      int32 = 1 << 1
	SampleFlagBypassed int32 = 1 << 2
	SampleFlagError    int32 = 1 << 3
)

// TelemetrySample is one ring-buffer slot: a single audio callback measurement.
type TelemetrySample struct {
	TimestampNanos int64 `json:"timestampNs"`
	DurationMicros int32 `json:"durationUs"`
	CPUMicros      int32 `json:"cpuUs"`
	Flags          int32 `json:"flags"`
	XrunCount      int32 `json:"xruns"`
}

// HookRecord describes one native instrumentation point.
// Library, Symbol and Reason are only populated by format version 2.
type HookRecord struct {
	Name             string `json:"name"`
	Library          string `json:"library,omitempty"`
	Symbol           string `json:"symbol,omitempty"`
	Reason           string `json:"reason,omitempty"`
	Attempts         int32  `json:"attempts"`
	Successes        int32  `json:"successes"`
	Failures         int32  `json:"failures"`
	LastAttemptNanos int64  `json:"lastAttemptNs"`
	LastSuccessNanos int64  `json:"lastSuccessNs"`
}

// SuccessRate returns successes/attempts, or 0 when nothing was attempted.
func (h HookRecord) SuccessRate() float64 {
	if h.Attempts == 0 {
		return 0
	}
	return float64(h.Successes) / float64(h.Attempts)
}

// TelemetrySnapshot is a decoded view of the shared telemetry region.
// A fresh value is produced on every read and never mutated afterwards.
type TelemetrySnapshot struct {
	TotalCallbacks    int64             `json:"totalCallbacks"`
	AverageLatencyMs  float32           `json:"averageLatencyMs"`
	AverageCPUPercent float32           `json:"averageCpuPercent"`
	InputRMS          float32           `json:"inputRms"`
	OutputRMS         float32           `json:"outputRms"`
	InputPeak         float32           `json:"inputPeak"`
	OutputPeak        float32           `json:"outputPeak"`
	DetectedPitchHz   float32           `json:"detectedPitchHz"`
	TargetPitchHz     float32           `json:"targetPitchHz"`
	FormantShiftCents float32           `json:"formantShiftCents"`
	FormantWidth      float32           `json:"formantWidth"`
	Xruns             int32             `json:"xruns"`
	WarningFlags      int32             `json:"warningFlags"`
	Samples           []TelemetrySample `json:"samples"`
	Hooks             []HookRecord      `json:"hooks"`
}

// Warnings translates WarningFlags into human-readable messages.
func (s *TelemetrySnapshot) Warnings() []string {
	warnings := make([]string, 0, 3)
	if s.WarningFlags&WarningHighLatency != 0 {
		warnings = append(warnings, "Latency exceeded guard threshold")
	}
	if s.WarningFlags&WarningHighCPU != 0 {
		warnings = append(warnings, "CPU usage exceeded 75%")
	}
	if s.WarningFlags&WarningXrun != 0 {
		warnings = append(warnings, "XRuns detected")
	}
	return warnings
}

// SelinuxState is the device's effective capability to run the native engine.
type SelinuxState string

const (
	SelinuxNone                    SelinuxState = "NO_SELINUX"
	SelinuxPermissive              SelinuxState = "PERMISSIVE"
	SelinuxEnforcingWithPolicyTool SelinuxState = "ENFORCING_WITH_POLICY"
	SelinuxEnforcingJavaOnly       SelinuxState = "ENFORCING_JAVA_ONLY"
)

// NativeEngineAllowed reports whether the native engine may run in this state.
func (s SelinuxState) NativeEngineAllowed() bool {
	switch s {
	case SelinuxNone, SelinuxPermissive, SelinuxEnforcingWithPolicyTool:
		return true
	case SelinuxEnforcingJavaOnly:
		return false
	default:
		return false
	}
}

// String returns a human-readable description of the state.
func (s SelinuxState) String() string {
	switch s {
	case SelinuxNone:
		return "disabled"
	case SelinuxPermissive:
		return "permissive"
	case SelinuxEnforcingWithPolicyTool:
		return "enforcing (policy tool available)"
	case SelinuxEnforcingJavaOnly:
		return "enforcing (java-only fallback)"
	default:
		return "unknown"
	}
}

// ModuleStatus describes the privileged engine module integration.
type ModuleStatus struct {
	ModuleInstalled       bool         `json:"moduleInstalled"`
	PrivilegedHookEnabled bool         `json:"privilegedHookEnabled"`
	SelinuxState          SelinuxState `json:"selinuxState"`
	JavaFallbackActive    bool         `json:"javaFallbackActive"`
	LastError             string       `json:"lastError,omitempty"`
}

// CommandOutcome captures the result of a single privileged shell command.
type CommandOutcome struct {
	Success  bool
	Stdout   string
	Stderr   string
	ExitCode int
}

// ProfileState is the full immutable configuration snapshot handed to the
// persistence worker and the sync channel.
type ProfileState struct {
	Profiles  map[string]string
	Whitelist map[string]bool
}

type profileStateJSON struct {
	Profiles  map[string]json.RawMessage `json:"profiles"`
	Whitelist map[string]bool            `json:"whitelist"`
}

// Encode renders {"profiles": {id: profile}, "whitelist": {process: bool}}
// with each profile embedded byte for byte, so a decoded profile reads back
// exactly as it was saved. This is both the persisted layout and the engine
// sync payload. Ids are written in sorted order.
func (s ProfileState) Encode() ([]byte, error) {
	ids := make([]string, 0, len(s.Profiles))
	for id := range s.Profiles {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var buf bytes.Buffer
	buf.WriteString(`{"profiles":{`)
	for i, id := range ids {
		profile := s.Profiles[id]
		if !json.Valid([]byte(profile)) {
			return nil, fmt.Errorf("profile %q is not valid JSON", id)
		}
		key, err := json.Marshal(id)
		if err != nil {
			return nil, err
		}
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.WriteString(profile)
	}
	buf.WriteString(`},"whitelist":`)

	whitelist := s.Whitelist
	if whitelist == nil {
		whitelist = map[string]bool{}
	}
	encoded, err := json.Marshal(whitelist)
	if err != nil {
		return nil, err
	}
	buf.Write(encoded)
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// MarshalJSON delegates to Encode. encoding/json compacts the result when a
// ProfileState is nested in another value; call Encode for the exact bytes.
func (s ProfileState) MarshalJSON() ([]byte, error) {
	return s.Encode()
}

// UnmarshalJSON parses the layout produced by MarshalJSON.
func (s *ProfileState) UnmarshalJSON(data []byte) error {
	var in profileStateJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	s.Profiles = make(map[string]string, len(in.Profiles))
	for id, raw := range in.Profiles {
		s.Profiles[id] = string(raw)
	}
	s.Whitelist = make(map[string]bool, len(in.Whitelist))
	for process, enabled := range in.Whitelist {
		s.Whitelist[process] = enabled
	}
	return nil
}

// JournalEntry records one privileged operation.
type JournalEntry struct {
	Sequence   int64     `json:"sequence"`
	Operation  string    `json:"operation"`
	ExitCode   int       `json:"exitCode"`
	DurationMs int64     `json:"durationMs"`
	Error      string    `json:"error,omitempty"`
	ExecutedAt time.Time `json:"executedAt"`
}

// DaemonEntry is persisted so CLI invocations can find the running daemon.
type DaemonEntry struct {
	PID        int    `json:"pid"`
	SocketPath string `json:"socket_path"`
	StartedAt  int64  `json:"started_at"`
	Mode       string `json:"mode,omitempty"`
	AppVersion string `json:"app_version,omitempty"`
}
