// Package telemetry implements the monitor data processor (§4.3): the
// seven-stage pipeline that turns a raw protocol.MonitorPacket into a
// validated WorkoutMetric, or rejects it. The hot path here is polled at
// 10-20 Hz and feeds a consumer at 60 Hz. Process does not block; it
// allocates one WorkoutMetric for each accepted sample.
package telemetry

// WorkoutMetric is the core's emitted datum (§3).
type WorkoutMetric struct {
	TimestampMs int64
	Tick        uint32

	PositionA float64 // mm, clamped to [MinValidPositionMM, MaxValidPositionMM]
	PositionB float64

	VelocityA float64 // mm/s, signed, EMA smoothed
	VelocityB float64

	LoadA float64 // kg
	LoadB float64

	Status uint16
}

// RomViolation carries which boundary was crossed.
type RomViolation struct {
	Type RomViolationCause
}

// RomViolationCause mirrors protocol.RomViolationType without importing
// protocol into the public telemetry surface unnecessarily.
type RomViolationCause int

const (
	RomOutsideHigh RomViolationCause = iota
	RomOutsideLow
)

// PollRateStats summarizes observed inter-sample arrival intervals,
// useful for diagnostics (§4.3).
type PollRateStats struct {
	Samples     int
	MinMs       float64
	MaxMs       float64
	AvgMs       float64
	Overwritten uint32 // not filled in by GetPollRateStats; always zero
}
