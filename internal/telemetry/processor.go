package telemetry

import (
	"math"

	"github.com/sirupsen/logrus"

	"github.com/trainerble/core/internal/clock"
	"github.com/trainerble/core/internal/protocol"
)

// Processor runs the seven-stage monitor pipeline (§4.3): clamp, status
// debounce, Issue #210 tracking-update, jump validation, raw velocity,
// EMA smoothing, emit. It is owned and mutated exclusively by the
// polling engine's monitor task — nothing here is safe for concurrent
// use from two goroutines at once.
type Processor struct {
	now    clock.Source
	logger *logrus.Logger

	onDeload       func()
	onRomViolation func(RomViolationCause)

	// Stage 1/3: last parsed (post-clamp) position per side, updated on
	// every call regardless of whether the sample is ultimately accepted.
	lastPositionA *float64
	lastPositionB *float64

	// Stage 2: deload debounce.
	haveLastDeload bool
	lastDeloadMs   int64

	// Stage 5/6: velocity state, updated only on accepted samples.
	acceptedSamples        int
	prevEmittedPosA        float64
	prevEmittedPosB        float64
	haveEmittedTimestamp   bool
	prevEmittedTimestampMs int64
	emaVelA                float64
	emaVelB                float64

	pollRate     *pollRateTracker
	haveLastCall bool
	lastCallMs   int64
}

// NewProcessor constructs a processor bound to the given clock. A nil
// logger defaults to logrus.New(); nil callbacks are treated as no-ops.
func NewProcessor(now clock.Source, logger *logrus.Logger, onDeload func(), onRomViolation func(RomViolationCause)) *Processor {
	if logger == nil {
		logger = logrus.New()
	}
	if onDeload == nil {
		onDeload = func() {}
	}
	if onRomViolation == nil {
		onRomViolation = func(RomViolationCause) {}
	}
	return &Processor{
		now:            now,
		logger:         logger,
		onDeload:       onDeload,
		onRomViolation: onRomViolation,
		pollRate:       newPollRateTracker(),
	}
}

// ResetForNewSession clears all per-session state. Velocity cold start
// and the jump-filter baseline both restart from scratch; the poll-rate
// diagnostic window also resets.
func (p *Processor) ResetForNewSession() {
	p.lastPositionA = nil
	p.lastPositionB = nil
	p.haveLastDeload = false
	p.lastDeloadMs = 0
	p.acceptedSamples = 0
	p.prevEmittedPosA = 0
	p.prevEmittedPosB = 0
	p.haveEmittedTimestamp = false
	p.prevEmittedTimestampMs = 0
	p.emaVelA = 0
	p.emaVelB = 0
	p.haveLastCall = false
	p.lastCallMs = 0
	p.pollRate.reset()
}

// GetPollRateStats reports observed inter-call interval statistics.
func (p *Processor) GetPollRateStats() PollRateStats {
	return p.pollRate.stats()
}

// Process runs the full pipeline on one parsed monitor packet. Returns
// nil if the sample is rejected (no prior baseline for an out-of-range
// position, a jump past the threshold, or an overloaded side).
func (p *Processor) Process(pkt *protocol.MonitorPacket) *WorkoutMetric {
	if pkt == nil {
		return nil
	}

	nowMs := p.now()
	if p.haveLastCall {
		p.pollRate.observe(float64(nowMs - p.lastCallMs))
	}
	p.haveLastCall = true
	p.lastCallMs = nowMs

	// Stage 1: position clamp.
	clampedA, okA := p.clamp(pkt.PositionA, p.lastPositionA)
	clampedB, okB := p.clamp(pkt.PositionB, p.lastPositionB)
	if !okA || !okB {
		return nil
	}

	// Stage 2: status-flag processing.
	if pkt.HasStatus {
		p.processStatusFlags(pkt.Status, nowMs)
	}

	// Stage 3: Issue #210 tracking-update, before validation runs.
	prevA := p.lastPositionA
	prevB := p.lastPositionB
	p.lastPositionA = &clampedA
	p.lastPositionB = &clampedB

	// Stage 4: validation.
	if jumped(prevA, clampedA) || jumped(prevB, clampedB) {
		return nil
	}
	if pkt.LoadA > protocol.MaxWeightKG || pkt.LoadB > protocol.MaxWeightKG {
		return nil
	}

	// Stage 5: raw velocity.
	var rawVelA, rawVelB float64
	if p.haveEmittedTimestamp {
		dtMs := nowMs - p.prevEmittedTimestampMs
		if dtMs > 0 {
			rawVelA = (clampedA - p.prevEmittedPosA) * 1000 / float64(dtMs)
			rawVelB = (clampedB - p.prevEmittedPosB) * 1000 / float64(dtMs)
		}
	}

	// Stage 6: EMA smoothing, seeded on the second accepted sample.
	var velA, velB float64
	switch p.acceptedSamples {
	case 0:
		velA, velB = 0, 0
	case 1:
		p.emaVelA, p.emaVelB = rawVelA, rawVelB
		velA, velB = p.emaVelA, p.emaVelB
	default:
		p.emaVelA = protocol.EMAAlpha*rawVelA + (1-protocol.EMAAlpha)*p.emaVelA
		p.emaVelB = protocol.EMAAlpha*rawVelB + (1-protocol.EMAAlpha)*p.emaVelB
		velA, velB = p.emaVelA, p.emaVelB
	}

	p.prevEmittedPosA = clampedA
	p.prevEmittedPosB = clampedB
	p.prevEmittedTimestampMs = nowMs
	p.haveEmittedTimestamp = true
	p.acceptedSamples++

	// Stage 7: emit.
	return &WorkoutMetric{
		TimestampMs: nowMs,
		Tick:        pkt.Ticks,
		PositionA:   clampedA,
		PositionB:   clampedB,
		VelocityA:   velA,
		VelocityB:   velB,
		LoadA:       pkt.LoadA,
		LoadB:       pkt.LoadB,
		Status:      pkt.Status,
	}
}

// clamp replaces an out-of-range position with the last valid value for
// that side. Returns ok=false when the position is out of range and no
// prior valid value exists — the whole sample is then rejected.
func (p *Processor) clamp(pos float64, last *float64) (float64, bool) {
	if pos >= protocol.MinValidPositionMM && pos <= protocol.MaxValidPositionMM {
		return pos, true
	}
	if last != nil {
		return *last, true
	}
	return 0, false
}

func jumped(prev *float64, cur float64) bool {
	if prev == nil {
		return false
	}
	return math.Abs(cur-*prev) > protocol.JumpThreshold
}

func (p *Processor) processStatusFlags(status uint16, nowMs int64) {
	if status&protocol.StatusDeloadFlag != 0 {
		if !p.haveLastDeload || nowMs-p.lastDeloadMs >= protocol.DeloadDebounceMS {
			p.haveLastDeload = true
			p.lastDeloadMs = nowMs
			p.onDeload()
		}
	}
	if status&protocol.StatusRomViolationHigh != 0 {
		p.onRomViolation(RomOutsideHigh)
	}
	if status&protocol.StatusRomViolationLow != 0 {
		p.onRomViolation(RomOutsideLow)
	}
}
