package protocol

import (
	"errors"
	"time"
)

// ErrShortPacket describes why a ParseXPacket call returned nil: the
// wire read was too short to hold its declared or fixed structure.
// The Parse* methods return nil rather than this error directly (they
// carry no byte offset to attach it to); callers that want the
// taxonomy name for logging use it as in e.logger.WithError(protocol.ErrShortPacket).
var ErrShortPacket = errors.New("protocol: packet too short to parse")

// MonitorPacket is the result of parsing a monitor-characteristic read.
// Velocity is never parsed here — it's derived downstream by the
// telemetry processor's EMA (see design note §9, open question 1a/1c).
type MonitorPacket struct {
	Ticks uint32 // 32-bit tick counter, combined from two little-endian halves

	PositionA float64 // mm, 0.1 mm resolution
	PositionB float64 // mm

	LoadA float64 // kg, 0.01 kg resolution
	LoadB float64 // kg

	// ReservedA/ReservedB are the raw signed 16-bit values at offsets
	// 6-7 and 12-13. The wire format marks them reserved; a hardware
	// validation harness hypothesizes they may carry firmware-computed
	// velocities. Exposed here for diagnostics only — never consumed as
	// velocity by the core.
	ReservedA int16
	ReservedB int16

	HasStatus bool
	Status    uint16
}

// DiagnosticPacket carries fault codes and temperature samples read from
// the diagnostic characteristic.
type DiagnosticPacket struct {
	Faults       []uint16
	Temperatures []int8
}

// HasFaults reports whether any fault code is non-zero.
func (d *DiagnosticPacket) HasFaults() bool {
	for _, f := range d.Faults {
		if f != 0 {
			return true
		}
	}
	return false
}

// SideForce holds peak/average concentric/eccentric force for one cable side.
type SideForce struct {
	PeakConcentric   float64
	AvgConcentric    float64
	PeakEccentric    float64
	AvgEccentric     float64
	PeakVelocity     float64
}

// HeuristicPacket is the parsed force-statistics read, timestamped at ingest.
type HeuristicPacket struct {
	Timestamp time.Time
	A         SideForce
	B         SideForce
}

// RepNotification carries rep-boundary telemetry. The modern 24-byte
// format additionally carries range-of-motion boundary floats; the
// legacy 6-byte format does not. Format selection is purely by length —
// there is no version byte (open question 3, §9).
type RepNotification struct {
	RepCount  uint16
	Duration  uint32 // ms
	Modern    bool
	RomLowMM  float32 // only valid when Modern
	RomHighMM float32 // only valid when Modern
}
