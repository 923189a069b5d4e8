// Package handle implements the four-state handle detector (§4.4): a
// hysteresis state machine that turns a stream of WorkoutMetric into
// HandleState transitions, with baseline tracking for cable setups that
// never return to an absolute-zero rest position (overhead pulleys).
package handle

import (
	"github.com/trainerble/core/internal/clock"
	"github.com/trainerble/core/internal/protocol"
	"github.com/trainerble/core/internal/streams"
	"github.com/trainerble/core/internal/telemetry"
)

// State is the four-variant sum type driving the detector.
type State int

const (
	WaitingForRest State = iota
	Released
	Grabbed
	Moving
)

func (s State) String() string {
	switch s {
	case WaitingForRest:
		return "WaitingForRest"
	case Released:
		return "Released"
	case Grabbed:
		return "Grabbed"
	case Moving:
		return "Moving"
	default:
		return "Unknown"
	}
}

// Detection is the coarse boolean pair exposed alongside the fine state.
type Detection struct {
	LeftDetected  bool
	RightDetected bool
}

const (
	activeMaskA = 1 << 0
	activeMaskB = 1 << 1
)

// Detector owns the state machine. Like Processor, it is mutated
// exclusively from the polling engine's monitor task.
type Detector struct {
	now clock.Source

	State     *streams.State[State]
	Detection *streams.State[Detection]

	enabled       bool
	isAutoStart   bool

	baselineSet  bool
	baselinePosA float64
	baselinePosB float64

	waitingSinceMs int64

	grabDwellSinceMs    int64
	haveGrabDwell       bool
	releaseDwellSinceMs int64
	haveReleaseDwell    bool

	activeHandlesMask int

	minPositionSeen float64
	maxPositionSeen float64
	haveSeenAny     bool
}

// NewDetector constructs a detector in the initial WaitingForRest state, disabled.
func NewDetector(now clock.Source) *Detector {
	return &Detector{
		now:       now,
		State:     streams.NewState(WaitingForRest),
		Detection: streams.NewState(Detection{}),
	}
}

// Enable arms the detector for a new session: resets all timers and
// baselines, and selects the velocity threshold used for grab detection
// (auto-start mode uses the lower AUTO_START_VELOCITY_THRESHOLD so a
// gentle first rep reliably arms the machine, Issue #96).
func (d *Detector) Enable(autoStart bool) {
	d.enabled = true
	d.isAutoStart = autoStart
	d.resetTimersAndBaselines()
	d.State.Set(WaitingForRest)
}

// EnableJustLiftWaiting arms the detector in free-form "Just Lift" mode,
// which always uses auto-start's lower velocity threshold.
func (d *Detector) EnableJustLiftWaiting() {
	d.Enable(true)
}

// Disable deactivates the detector and clears baselines.
func (d *Detector) Disable() {
	d.enabled = false
	d.baselineSet = false
}

// Reset clears timers and baselines but preserves the enabled/autoStart
// mode set by the last Enable call.
func (d *Detector) Reset() {
	d.resetTimersAndBaselines()
	d.State.Set(WaitingForRest)
}

func (d *Detector) resetTimersAndBaselines() {
	d.baselineSet = false
	d.waitingSinceMs = d.now()
	d.haveGrabDwell = false
	d.haveReleaseDwell = false
	d.activeHandlesMask = 0
	d.minPositionSeen = 0
	d.maxPositionSeen = 0
	d.haveSeenAny = false
}

// IsAutoStartMode reports the velocity threshold mode selected by Enable.
func (d *Detector) IsAutoStartMode() bool { return d.isAutoStart }

// MinPositionSeen and MaxPositionSeen are diagnostics: monotonic extrema
// across both sides since the last Enable/Reset/EnableJustLiftWaiting.
func (d *Detector) MinPositionSeen() float64 { return d.minPositionSeen }
func (d *Detector) MaxPositionSeen() float64 { return d.maxPositionSeen }

// ProcessMetric advances the state machine on one WorkoutMetric.
func (d *Detector) ProcessMetric(m *telemetry.WorkoutMetric) {
	if m == nil || !d.enabled {
		return
	}

	d.trackExtrema(m.PositionA, m.PositionB)
	d.Detection.Set(Detection{
		LeftDetected:  m.PositionA > protocol.SimpleDetectionThreshold,
		RightDetected: m.PositionB > protocol.SimpleDetectionThreshold,
	})

	nowMs := d.now()
	switch d.State.Get() {
	case WaitingForRest:
		d.stepWaitingForRest(m, nowMs)
	case Released, Moving:
		d.stepReleasedOrMoving(m, nowMs)
	case Grabbed:
		d.stepGrabbed(m, nowMs)
	}
}

func (d *Detector) trackExtrema(posA, posB float64) {
	if !d.haveSeenAny {
		d.minPositionSeen = minF(posA, posB)
		d.maxPositionSeen = maxF(posA, posB)
		d.haveSeenAny = true
		return
	}
	d.minPositionSeen = minF(d.minPositionSeen, minF(posA, posB))
	d.maxPositionSeen = maxF(d.maxPositionSeen, maxF(posA, posB))
}

func (d *Detector) stepWaitingForRest(m *telemetry.WorkoutMetric, nowMs int64) {
	if m.PositionA < protocol.HandleRestThreshold && m.PositionB < protocol.HandleRestThreshold {
		d.setBaseline(m.PositionA, m.PositionB)
		d.State.Set(Released)
		return
	}

	if nowMs-d.waitingSinceMs >= protocol.WaitingForRestTimeout.Milliseconds() {
		if m.PositionA > protocol.HandleGrabbedThreshold || m.PositionB > protocol.HandleGrabbedThreshold {
			// Pre-tensioned cables (Issue #176): use a virtual zero
			// baseline so an already-elevated handle is still gradable.
			d.setBaseline(0, 0)
		} else {
			d.setBaseline(m.PositionA, m.PositionB)
		}
		d.State.Set(Released)
	}
}

func (d *Detector) setBaseline(posA, posB float64) {
	d.baselineSet = true
	d.baselinePosA = posA
	d.baselinePosB = posB
}

func (d *Detector) velocityThreshold() float64 {
	if d.isAutoStart {
		return protocol.AutoStartVelocityThreshold
	}
	return protocol.VelocityThreshold
}

func (d *Detector) grabbed(pos, baseline float64) bool {
	if d.baselineSet {
		return pos-baseline > protocol.GrabDeltaThreshold
	}
	return pos > protocol.HandleGrabbedThreshold
}

func (d *Detector) released(pos, baseline float64) bool {
	if d.baselineSet {
		return pos-baseline < protocol.ReleaseDeltaThreshold
	}
	return pos < protocol.HandleRestThreshold
}

func (d *Detector) stepReleasedOrMoving(m *telemetry.WorkoutMetric, nowMs int64) {
	grabbedA := d.grabbed(m.PositionA, d.baselinePosA)
	grabbedB := d.grabbed(m.PositionB, d.baselinePosB)

	threshold := d.velocityThreshold()
	movingA := abs(m.VelocityA) > threshold
	movingB := abs(m.VelocityB) > threshold

	triggerA := grabbedA && movingA
	triggerB := grabbedB && movingB

	if triggerA || triggerB {
		if !d.haveGrabDwell {
			d.haveGrabDwell = true
			d.grabDwellSinceMs = nowMs
		}
		if nowMs-d.grabDwellSinceMs >= protocol.StateTransitionDwell.Milliseconds() {
			mask := 0
			if triggerA {
				mask |= activeMaskA
			}
			if triggerB {
				mask |= activeMaskB
			}
			d.activeHandlesMask = mask
			d.haveGrabDwell = false
			d.State.Set(Grabbed)
		}
		return
	}
	d.haveGrabDwell = false

	if grabbedA || grabbedB {
		d.State.Set(Moving)
		return
	}
	d.State.Set(Released)
}

func (d *Detector) stepGrabbed(m *telemetry.WorkoutMetric, nowMs int64) {
	releasedA := d.released(m.PositionA, d.baselinePosA)
	releasedB := d.released(m.PositionB, d.baselinePosB)

	var releaseCondition bool
	switch d.activeHandlesMask {
	case activeMaskA:
		releaseCondition = releasedA
	case activeMaskB:
		releaseCondition = releasedB
	case activeMaskA | activeMaskB:
		releaseCondition = releasedA && releasedB
	}

	if !releaseCondition {
		d.haveReleaseDwell = false
		return
	}

	if !d.haveReleaseDwell {
		d.haveReleaseDwell = true
		d.releaseDwellSinceMs = nowMs
	}
	if nowMs-d.releaseDwellSinceMs >= protocol.StateTransitionDwell.Milliseconds() {
		d.activeHandlesMask = 0
		d.haveReleaseDwell = false
		d.State.Set(Released)
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
