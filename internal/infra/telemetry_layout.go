package infra

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/eliteGoblin/echidnad/internal/domain"
)

// Shared telemetry region constants. The layout is fixed little-endian and
// written by the native engine.
const (
	TelemetryMagic     uint32 = 0xEDC1DA10
	TelemetryVersionV1 int32  = 1
	TelemetryVersionV2 int32  = 2

	TelemetryHeaderSize = 104
	TelemetrySampleSize = 24
	TelemetryHookSizeV1 = 64
	TelemetryHookSizeV2 = 192

	hookNameSize    = 32
	hookLibrarySize = 32
	hookSymbolSize  = 48
	hookReasonSize  = 48
)

// telemetryHeader mirrors the fixed header at the start of the region.
type telemetryHeader struct {
	Magic              uint32
	Version            int32
	LayoutSize         int32
	SampleCapacity     int32
	WriteCursor        uint32
	UsedCount          int32
	TotalCallbacks     int64
	TotalCallbackNanos int64
	TotalCPUNanos      int64
	HookCapacity       int32
	HookCount          int32
	AverageLatencyMs   float32
	AverageCPUPercent  float32
	InputRMS           float32
	OutputRMS          float32
	InputPeak          float32
	OutputPeak         float32
	DetectedPitchHz    float32
	TargetPitchHz      float32
	FormantShiftCents  float32
	FormantWidth       float32
	Xruns              int32
	WarningFlags       int32
}

// hookSlotSize returns the per-hook slot width for a format version.
func hookSlotSize(version int32) (int, bool) {
	switch version {
	case TelemetryVersionV1:
		return TelemetryHookSizeV1, true
	case TelemetryVersionV2:
		return TelemetryHookSizeV2, true
	default:
		return 0, false
	}
}

// DecodeTelemetry parses a telemetry region. It returns false for anything
// that is not a complete, recognized region; callers treat that as "no data yet".
func DecodeTelemetry(buf []byte) (*domain.TelemetrySnapshot, bool) {
	if len(buf) < TelemetryHeaderSize {
		return nil, false
	}

	var h telemetryHeader
	if err := binary.Read(bytes.NewReader(buf[:TelemetryHeaderSize]), binary.LittleEndian, &h); err != nil {
		return nil, false
	}
	if h.Magic != TelemetryMagic {
		return nil, false
	}
	hookSize, ok := hookSlotSize(h.Version)
	if !ok {
		return nil, false
	}
	if h.LayoutSize <= 0 || int(h.LayoutSize) > len(buf) {
		return nil, false
	}
	if h.SampleCapacity < 0 || h.HookCapacity < 0 {
		return nil, false
	}

	// Bounds are computed in int64 so hostile capacities cannot wrap on 32-bit builds.
	samplesEnd64 := int64(TelemetryHeaderSize) + int64(h.SampleCapacity)*TelemetrySampleSize
	hooksEnd64 := samplesEnd64 + int64(h.HookCapacity)*int64(hookSize)
	if hooksEnd64 > int64(len(buf)) {
		return nil, false
	}
	sampleCap := int(h.SampleCapacity)
	hookCap := int(h.HookCapacity)
	samplesEnd := int(samplesEnd64)
	hooksEnd := int(hooksEnd64)

	snapshot := &domain.TelemetrySnapshot{
		TotalCallbacks:    h.TotalCallbacks,
		AverageLatencyMs:  h.AverageLatencyMs,
		AverageCPUPercent: h.AverageCPUPercent,
		InputRMS:          h.InputRMS,
		OutputRMS:         h.OutputRMS,
		InputPeak:         h.InputPeak,
		OutputPeak:        h.OutputPeak,
		DetectedPitchHz:   h.DetectedPitchHz,
		TargetPitchHz:     h.TargetPitchHz,
		FormantShiftCents: h.FormantShiftCents,
		FormantWidth:      h.FormantWidth,
		Xruns:             h.Xruns,
		WarningFlags:      h.WarningFlags,
		Samples:           orderedSamples(buf[TelemetryHeaderSize:samplesEnd], sampleCap, h.WriteCursor, h.UsedCount),
		Hooks:             decodeHooks(buf[samplesEnd:hooksEnd], hookCap, hookSize, h.HookCount),
	}

	if !isFinite(snapshot.AverageLatencyMs) {
		snapshot.AverageLatencyMs = 0
		if h.TotalCallbacks > 0 {
			snapshot.AverageLatencyMs = float32(float64(h.TotalCallbackNanos) / float64(h.TotalCallbacks) / 1e6)
		}
	}
	if !isFinite(snapshot.AverageCPUPercent) {
		snapshot.AverageCPUPercent = 0
		if h.TotalCallbackNanos > 0 {
			snapshot.AverageCPUPercent = float32(float64(h.TotalCPUNanos) / float64(h.TotalCallbackNanos) * 100)
		}
	}

	for _, f := range []*float32{
		&snapshot.InputRMS, &snapshot.OutputRMS, &snapshot.InputPeak, &snapshot.OutputPeak,
		&snapshot.DetectedPitchHz, &snapshot.TargetPitchHz, &snapshot.FormantShiftCents, &snapshot.FormantWidth,
	} {
		if !isFinite(*f) {
			*f = 0
		}
	}

	return snapshot, true
}

// orderedSamples rebuilds chronological order from the write cursor:
// base = ((w mod C) - used + C) mod C, then base, base+1, ... modulo C.
func orderedSamples(region []byte, capacity int, writeCursor uint32, usedCount int32) []domain.TelemetrySample {
	used := int(usedCount)
	if used > capacity {
		used = capacity
	}
	if capacity == 0 || used <= 0 {
		return []domain.TelemetrySample{}
	}

	cursor := int(writeCursor % uint32(capacity))
	base := (cursor - used + capacity) % capacity

	samples := make([]domain.TelemetrySample, used)
	for i := 0; i < used; i++ {
		slot := (base + i) % capacity
		off := slot * TelemetrySampleSize
		samples[i] = decodeSample(region[off : off+TelemetrySampleSize])
	}
	return samples
}

func decodeSample(b []byte) domain.TelemetrySample {
	le := binary.LittleEndian
	return domain.TelemetrySample{
		TimestampNanos: int64(le.Uint64(b[0:8])),
		DurationMicros: int32(le.Uint32(b[8:12])),
		CPUMicros:      int32(le.Uint32(b[12:16])),
		Flags:          int32(le.Uint32(b[16:20])),
		XrunCount:      int32(le.Uint32(b[20:24])),
	}
}

// decodeHooks drops empty slots and truncates to min(hookCount, hookCapacity).
func decodeHooks(region []byte, capacity, slotSize int, hookCount int32) []domain.HookRecord {
	hooks := make([]domain.HookRecord, 0, capacity)
	for i := 0; i < capacity; i++ {
		hook := decodeHook(region[i*slotSize : (i+1)*slotSize])
		if hook.Name == "" && hook.Attempts == 0 && hook.Successes == 0 {
			continue
		}
		hooks = append(hooks, hook)
	}

	limit := int(hookCount)
	if limit < 0 {
		limit = 0
	}
	if limit > capacity {
		limit = capacity
	}
	if limit < len(hooks) {
		hooks = hooks[:limit]
	}
	return hooks
}

func decodeHook(b []byte) domain.HookRecord {
	le := binary.LittleEndian
	hook := domain.HookRecord{Name: cString(b[:hookNameSize])}
	off := hookNameSize
	if len(b) == TelemetryHookSizeV2 {
		hook.Library = cString(b[off : off+hookLibrarySize])
		off += hookLibrarySize
		hook.Symbol = cString(b[off : off+hookSymbolSize])
		off += hookSymbolSize
		hook.Reason = cString(b[off : off+hookReasonSize])
		off += hookReasonSize
	}
	hook.Attempts = int32(le.Uint32(b[off : off+4]))
	hook.Successes = int32(le.Uint32(b[off+4 : off+8]))
	hook.Failures = int32(le.Uint32(b[off+8 : off+12]))
	// off+12 is reserved
	hook.LastAttemptNanos = int64(le.Uint64(b[off+16 : off+24]))
	hook.LastSuccessNanos = int64(le.Uint64(b[off+24 : off+32]))
	return hook
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

func isFinite(f float32) bool {
	v := float64(f)
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
