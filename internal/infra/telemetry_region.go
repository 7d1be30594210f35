package infra

import (
	"bytes"
	"encoding/binary"
	"os"

	"github.com/eliteGoblin/echidnad/internal/domain"
)

// TelemetryRegion builds a telemetry region the way the native engine writes it.
// It is the writer half of the DecodeTelemetry contract, used by fixtures and
// the engine simulator.
type TelemetryRegion struct {
	header  telemetryHeader
	samples []domain.TelemetrySample
	hooks   []domain.HookRecord
}

// NewTelemetryRegion allocates a region with fixed slot counts.
func NewTelemetryRegion(version int32, sampleCapacity, hookCapacity int) *TelemetryRegion {
	r := &TelemetryRegion{
		samples: make([]domain.TelemetrySample, sampleCapacity),
		hooks:   make([]domain.HookRecord, hookCapacity),
	}
	r.header.Magic = TelemetryMagic
	r.header.Version = version
	r.header.SampleCapacity = int32(sampleCapacity)
	r.header.HookCapacity = int32(hookCapacity)
	r.header.InputRMS = -120
	r.header.OutputRMS = -120
	r.header.InputPeak = -120
	r.header.OutputPeak = -120
	return r
}

// RecordCallback appends a sample, advancing the cursor and cumulative counters.
func (r *TelemetryRegion) RecordCallback(s domain.TelemetrySample) {
	capacity := uint32(len(r.samples))
	if capacity == 0 {
		return
	}
	index := r.header.WriteCursor % capacity
	r.samples[index] = s
	r.header.WriteCursor = (index + 1) % capacity
	if r.header.UsedCount < int32(capacity) {
		r.header.UsedCount++
	}
	r.header.TotalCallbacks++
	r.header.TotalCallbackNanos += int64(s.DurationMicros) * 1000
	r.header.TotalCPUNanos += int64(s.CPUMicros) * 1000
	r.header.Xruns = s.XrunCount
	r.header.AverageLatencyMs = float32(float64(r.header.TotalCallbackNanos) / float64(r.header.TotalCallbacks) / 1e6)
	if r.header.TotalCallbackNanos > 0 {
		r.header.AverageCPUPercent = float32(float64(r.header.TotalCPUNanos) / float64(r.header.TotalCallbackNanos) * 100)
	}
}

// SetCursor overrides the raw cursor and used count.
func (r *TelemetryRegion) SetCursor(writeCursor uint32, usedCount int32) {
	r.header.WriteCursor = writeCursor
	r.header.UsedCount = usedCount
}

// SetSlot writes a sample slot directly without touching counters.
func (r *TelemetryRegion) SetSlot(index int, s domain.TelemetrySample) {
	r.samples[index] = s
}

// SetAggregates overrides the rolling averages reported by the engine.
func (r *TelemetryRegion) SetAggregates(latencyMs, cpuPercent float32) {
	r.header.AverageLatencyMs = latencyMs
	r.header.AverageCPUPercent = cpuPercent
}

// SetCounters overrides the cumulative counters.
func (r *TelemetryRegion) SetCounters(callbacks, callbackNanos, cpuNanos int64) {
	r.header.TotalCallbacks = callbacks
	r.header.TotalCallbackNanos = callbackNanos
	r.header.TotalCPUNanos = cpuNanos
}

// SetWarningFlags sets the warning bitmask.
func (r *TelemetryRegion) SetWarningFlags(flags int32) {
	r.header.WarningFlags = flags
}

// SetMagic overrides the magic number (used to simulate corruption).
func (r *TelemetryRegion) SetMagic(magic uint32) {
	r.header.Magic = magic
}

// RegisterHook fills the next hook slot and bumps the hook count.
func (r *TelemetryRegion) RegisterHook(h domain.HookRecord) {
	if int(r.header.HookCount) >= len(r.hooks) {
		return
	}
	r.hooks[r.header.HookCount] = h
	r.header.HookCount++
}

// Encode serializes the region.
func (r *TelemetryRegion) Encode() []byte {
	hookSize, ok := hookSlotSize(r.header.Version)
	if !ok {
		hookSize = TelemetryHookSizeV1
	}
	size := TelemetryHeaderSize + len(r.samples)*TelemetrySampleSize + len(r.hooks)*hookSize

	h := r.header
	h.LayoutSize = int32(size)

	var buf bytes.Buffer
	buf.Grow(size)
	_ = binary.Write(&buf, binary.LittleEndian, &h)

	le := binary.LittleEndian
	for _, s := range r.samples {
		var slot [TelemetrySampleSize]byte
		le.PutUint64(slot[0:8], uint64(s.TimestampNanos))
		le.PutUint32(slot[8:12], uint32(s.DurationMicros))
		le.PutUint32(slot[12:16], uint32(s.CPUMicros))
		le.PutUint32(slot[16:20], uint32(s.Flags))
		le.PutUint32(slot[20:24], uint32(s.XrunCount))
		buf.Write(slot[:])
	}
	for _, hook := range r.hooks {
		buf.Write(encodeHook(hook, hookSize))
	}
	return buf.Bytes()
}

// WriteFile writes the encoded region to path, replacing any previous content.
func (r *TelemetryRegion) WriteFile(path string) error {
	return os.WriteFile(path, r.Encode(), 0644)
}

func encodeHook(h domain.HookRecord, size int) []byte {
	slot := make([]byte, size)
	copy(slot[:hookNameSize-1], h.Name)
	off := hookNameSize
	if size == TelemetryHookSizeV2 {
		copy(slot[off:off+hookLibrarySize-1], h.Library)
		off += hookLibrarySize
		copy(slot[off:off+hookSymbolSize-1], h.Symbol)
		off += hookSymbolSize
		copy(slot[off:off+hookReasonSize-1], h.Reason)
		off += hookReasonSize
	}
	le := binary.LittleEndian
	le.PutUint32(slot[off:off+4], uint32(h.Attempts))
	le.PutUint32(slot[off+4:off+8], uint32(h.Successes))
	le.PutUint32(slot[off+8:off+12], uint32(h.Failures))
	le.PutUint64(slot[off+16:off+24], uint64(h.LastAttemptNanos))
	le.PutUint64(slot[off+24:off+32], uint64(h.LastSuccessNanos))
	return slot
}
