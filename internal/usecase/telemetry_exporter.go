package usecase

import (
	"encoding/json"

	"go.uber.org/zap"

	"github.com/eliteGoblin/echidnad/internal/domain"
)

var emptyJSON = []byte("{}")

// trendSample is a sample with its timestamp replaced by an offset from the
// first sample in the window.
type trendSample struct {
	OffsetNanos    int64 `json:"offsetNs"`
	DurationMicros int32 `json:"durationUs"`
	CPUMicros      int32 `json:"cpuUs"`
	Flags          int32 `json:"flags"`
	XrunCount      int32 `json:"xruns"`
}

type trendHook struct {
	Name      string `json:"name"`
	Attempts  int32  `json:"attempts"`
	Successes int32  `json:"successes"`
	Failures  int32  `json:"failures"`
}

type trendExport struct {
	TotalCallbacks    int64         `json:"totalCallbacks"`
	AverageLatencyMs  float32       `json:"averageLatencyMs"`
	AverageCPUPercent float32       `json:"averageCpuPercent"`
	InputRMS          float32       `json:"inputRms"`
	OutputRMS         float32       `json:"outputRms"`
	InputPeak         float32       `json:"inputPeak"`
	OutputPeak        float32       `json:"outputPeak"`
	DetectedPitchHz   float32       `json:"detectedPitchHz"`
	TargetPitchHz     float32       `json:"targetPitchHz"`
	FormantShiftCents float32       `json:"formantShiftCents"`
	FormantWidth      float32       `json:"formantWidth"`
	Xruns             int32         `json:"xruns"`
	WarningFlags      int32         `json:"warningFlags"`
	Warnings          []string      `json:"warnings"`
	Samples           []trendSample `json:"samples"`
	Hooks             []trendHook   `json:"hooks"`
}

type anonymizedHook struct {
	Name        string  `json:"name"`
	Attempts    int32   `json:"attempts"`
	SuccessRate float64 `json:"successRate"`
}

type anonymizedExport struct {
	TotalCallbacks    int64            `json:"totalCallbacks"`
	AverageLatencyMs  float32          `json:"averageLatencyMs"`
	AverageCPUPercent float32          `json:"averageCpuPercent"`
	Warnings          []string         `json:"warnings"`
	Xruns             int32            `json:"xruns"`
	Hooks             []anonymizedHook `json:"hooks"`
}

type snapshotView struct {
	*domain.TelemetrySnapshot
	Warnings []string `json:"warnings"`
}

// TelemetryExporterImpl implements domain.TelemetryExporter.
type TelemetryExporterImpl struct {
	source domain.TelemetrySource
	optIn  domain.OptInFlag
	logger *zap.Logger
}

// NewTelemetryExporter creates an exporter over a telemetry source and consent flag.
func NewTelemetryExporter(source domain.TelemetrySource, optIn domain.OptInFlag, logger *zap.Logger) *TelemetryExporterImpl {
	return &TelemetryExporterImpl{source: source, optIn: optIn, logger: logger}
}

// IsOptedIn reports whether the user consented to export.
func (e *TelemetryExporterImpl) IsOptedIn() bool {
	return e.optIn.IsSet()
}

// SetOptIn records consent. Failures are logged, not returned.
func (e *TelemetryExporterImpl) SetOptIn(enabled bool) {
	if err := e.optIn.Set(enabled); err != nil {
		e.logger.Warn("failed to update telemetry opt-in", zap.Bool("enabled", enabled), zap.Error(err))
		return
	}
	e.logger.Info("telemetry opt-in updated", zap.Bool("enabled", enabled))
}

// Snapshot returns the full local snapshot, or {} when no data is available.
// It is not gated by consent; it never leaves the device.
func (e *TelemetryExporterImpl) Snapshot() []byte {
	snapshot, ok := e.source.Read()
	if !ok {
		return emptyJSON
	}
	return e.marshal(snapshotView{TelemetrySnapshot: snapshot, Warnings: snapshot.Warnings()})
}

// Export returns a consent-gated, identifier-free view. With includeTrends
// the sample window is kept as relative offsets; otherwise only totals,
// warnings and per-hook success rates are emitted.
func (e *TelemetryExporterImpl) Export(includeTrends bool) []byte {
	if !e.IsOptedIn() {
		return emptyJSON
	}
	snapshot, ok := e.source.Read()
	if !ok {
		return emptyJSON
	}
	if includeTrends {
		return e.marshal(buildTrendExport(snapshot))
	}
	return e.marshal(buildAnonymizedExport(snapshot))
}

func (e *TelemetryExporterImpl) marshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		e.logger.Warn("failed to encode telemetry", zap.Error(err))
		return emptyJSON
	}
	return data
}

func buildTrendExport(s *domain.TelemetrySnapshot) trendExport {
	out := trendExport{
		TotalCallbacks:    s.TotalCallbacks,
		AverageLatencyMs:  s.AverageLatencyMs,
		AverageCPUPercent: s.AverageCPUPercent,
		InputRMS:          s.InputRMS,
		OutputRMS:         s.OutputRMS,
		InputPeak:         s.InputPeak,
		OutputPeak:        s.OutputPeak,
		DetectedPitchHz:   s.DetectedPitchHz,
		TargetPitchHz:     s.TargetPitchHz,
		FormantShiftCents: s.FormantShiftCents,
		FormantWidth:      s.FormantWidth,
		Xruns:             s.Xruns,
		WarningFlags:      s.WarningFlags,
		Warnings:          s.Warnings(),
		Samples:           make([]trendSample, 0, len(s.Samples)),
		Hooks:             make([]trendHook, 0, len(s.Hooks)),
	}
	for _, sample := range s.Samples {
		out.Samples = append(out.Samples, trendSample{
			OffsetNanos:    sample.TimestampNanos - s.Samples[0].TimestampNanos,
			DurationMicros: sample.DurationMicros,
			CPUMicros:      sample.CPUMicros,
			Flags:          sample.Flags,
			XrunCount:      sample.XrunCount,
		})
	}
	for _, hook := range s.Hooks {
		out.Hooks = append(out.Hooks, trendHook{
			Name:      hook.Name,
			Attempts:  hook.Attempts,
			Successes: hook.Successes,
			Failures:  hook.Failures,
		})
	}
	return out
}

func buildAnonymizedExport(s *domain.TelemetrySnapshot) anonymizedExport {
	out := anonymizedExport{
		TotalCallbacks:    s.TotalCallbacks,
		AverageLatencyMs:  s.AverageLatencyMs,
		AverageCPUPercent: s.AverageCPUPercent,
		Warnings:          s.Warnings(),
		Xruns:             s.Xruns,
		Hooks:             make([]anonymizedHook, 0, len(s.Hooks)),
	}
	for _, hook := range s.Hooks {
		out.Hooks = append(out.Hooks, anonymizedHook{
			Name:        hook.Name,
			Attempts:    hook.Attempts,
			SuccessRate: hook.SuccessRate(),
		})
	}
	return out
}

// Ensure TelemetryExporterImpl implements domain.TelemetryExporter.
var _ domain.TelemetryExporter = (*TelemetryExporterImpl)(nil)
