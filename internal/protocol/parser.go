package protocol

import (
	"math"
	"time"
)

// Parser decodes the four wire packet formats. It carries no state —
// every method is a pure function of its input bytes.
type Parser struct{}

// NewParser returns a stateless protocol parser.
func NewParser() *Parser {
	return &Parser{}
}

// --- little-endian accessors -------------------------------------------
//
// Every byte is masked with 0xFF before composition to avoid sign
// extension when a []byte element is read through an interface that
// could otherwise promote it to a signed int.

func u16LE(b []byte) uint16 {
	return uint16(b[0]&0xFF) | uint16(b[1]&0xFF)<<8
}

func i16LE(b []byte) int16 {
	return int16(u16LE(b))
}

func u32LE(b []byte) uint32 {
	return uint32(b[0]&0xFF) | uint32(b[1]&0xFF)<<8 | uint32(b[2]&0xFF)<<16 | uint32(b[3]&0xFF)<<24
}

func f32LE(b []byte) float32 {
	return math.Float32frombits(u32LE(b))
}

// ParseMonitorPacket decodes a monitor-characteristic read. Returns nil
// if len(data) < 16. Status is present only when len(data) >= 18.
func (p *Parser) ParseMonitorPacket(data []byte) *MonitorPacket {
	if len(data) < 16 {
		return nil
	}

	ticksLow := u16LE(data[0:2])
	ticksHigh := u16LE(data[2:4])

	posA := i16LE(data[4:6])
	reservedA := i16LE(data[6:8])
	loadA := u16LE(data[8:10])

	posB := i16LE(data[10:12])
	reservedB := i16LE(data[12:14])
	loadB := u16LE(data[14:16])

	pkt := &MonitorPacket{
		Ticks:     uint32(ticksHigh)<<16 | uint32(ticksLow),
		PositionA: float64(posA) / 10.0,
		PositionB: float64(posB) / 10.0,
		LoadA:     float64(loadA) / 100.0,
		LoadB:     float64(loadB) / 100.0,
		ReservedA: reservedA,
		ReservedB: reservedB,
	}

	if len(data) >= 18 {
		pkt.HasStatus = true
		pkt.Status = u16LE(data[16:18])
	}

	return pkt
}

// ParseDiagnosticPacket decodes a diagnostic-characteristic read: a
// one-byte fault count, that many 16-bit LE fault codes, followed by a
// trailing block of 8-bit temperature samples. Returns nil on an input
// too short to hold its own declared fault count.
func (p *Parser) ParseDiagnosticPacket(data []byte) *DiagnosticPacket {
	if len(data) < 1 {
		return nil
	}

	faultCount := int(data[0])
	need := 1 + faultCount*2
	if len(data) < need {
		return nil
	}

	faults := make([]uint16, faultCount)
	for i := 0; i < faultCount; i++ {
		off := 1 + i*2
		faults[i] = u16LE(data[off : off+2])
	}

	tempBytes := data[need:]
	temps := make([]int8, len(tempBytes))
	for i, b := range tempBytes {
		temps[i] = int8(b)
	}

	return &DiagnosticPacket{Faults: faults, Temperatures: temps}
}

// heuristicSideBytes is the wire size of one side's force block:
// five little-endian float32s (peak/avg concentric, peak/avg eccentric,
// peak velocity).
const heuristicSideBytes = 5 * 4

// ParseHeuristicPacket decodes a heuristic-characteristic read into
// per-side peak/average force and peak velocity, stamped at ts. Returns
// nil if the input is shorter than both sides' blocks.
func (p *Parser) ParseHeuristicPacket(data []byte, ts time.Time) *HeuristicPacket {
	if len(data) < 2*heuristicSideBytes {
		return nil
	}

	decodeSide := func(b []byte) SideForce {
		return SideForce{
			PeakConcentric: float64(f32LE(b[0:4])),
			AvgConcentric:  float64(f32LE(b[4:8])),
			PeakEccentric:  float64(f32LE(b[8:12])),
			AvgEccentric:   float64(f32LE(b[12:16])),
			PeakVelocity:   float64(f32LE(b[16:20])),
		}
	}

	return &HeuristicPacket{
		Timestamp: ts,
		A:         decodeSide(data[0:heuristicSideBytes]),
		B:         decodeSide(data[heuristicSideBytes : 2*heuristicSideBytes]),
	}
}

const (
	legacyRepPacketLen = 6
	modernRepPacketLen = 24
)

// ParseRepPacket decodes a rep notification. The format is selected
// purely by length: a 6-byte payload is the legacy format (rep count +
// duration only); a 24-byte payload is the modern format, which
// additionally carries ROM-boundary floats. Any other length is
// unparseable and returns nil (open question 3, §9 — no version byte
// exists to disambiguate).
func (p *Parser) ParseRepPacket(data []byte) *RepNotification {
	switch len(data) {
	case legacyRepPacketLen:
		return &RepNotification{
			RepCount: u16LE(data[0:2]),
			Duration: u32LE(data[2:6]),
		}
	case modernRepPacketLen:
		return &RepNotification{
			RepCount:  u16LE(data[0:2]),
			Duration:  u32LE(data[2:6]),
			Modern:    true,
			RomLowMM:  f32LE(data[6:10]),
			RomHighMM: f32LE(data[10:14]),
		}
	default:
		return nil
	}
}
