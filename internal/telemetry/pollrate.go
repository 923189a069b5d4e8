package telemetry

import (
	"github.com/hedzr/go-ringbuf/v2/mpmc"
)

// pollRateWindow is the depth of the diagnostic ring buffer of observed
// inter-sample intervals. Sized generously past the monitor loop's ~10-20
// Hz sustained rate so a burst of slow samples doesn't immediately
// overwrite the window used for getPollRateStats.
const pollRateWindow uint32 = 256

// pollRateTracker accumulates inter-call arrival intervals for
// getPollRateStats. Min/max/avg are maintained incrementally so the hot
// path never iterates the ring buffer; the buffer keeps the most recent
// intervals in bounded memory. Nothing reads the buffer back, and the
// number of intervals it has overwritten is not counted.
type pollRateTracker struct {
	buffer mpmc.RichOverlappedRingBuffer[float64]

	samples int
	minMs   float64
	maxMs   float64
	sumMs   float64
}

func newPollRateTracker() *pollRateTracker {
	return &pollRateTracker{buffer: mpmc.NewOverlappedRingBuffer[float64](pollRateWindow)}
}

// observe records one inter-sample interval in milliseconds.
func (t *pollRateTracker) observe(intervalMs float64) {
	if t.samples == 0 || intervalMs < t.minMs {
		t.minMs = intervalMs
	}
	if t.samples == 0 || intervalMs > t.maxMs {
		t.maxMs = intervalMs
	}
	t.sumMs += intervalMs
	t.samples++

	if _, err := t.buffer.EnqueueM(intervalMs); err != nil {
		// The ring buffer only ever overwrites the oldest entry; an error
		// here means misuse (e.g. a zero-sized buffer), not data loss.
		panic("telemetry: poll rate ring buffer rejected enqueue: " + err.Error())
	}
}

func (t *pollRateTracker) stats() PollRateStats {
	if t.samples == 0 {
		return PollRateStats{}
	}
	return PollRateStats{
		Samples: t.samples,
		MinMs:   t.minMs,
		MaxMs:   t.maxMs,
		AvgMs:   t.sumMs / float64(t.samples),
	}
}

func (t *pollRateTracker) reset() {
	t.samples = 0
	t.minMs = 0
	t.maxMs = 0
	t.sumMs = 0
	t.buffer = mpmc.NewOverlappedRingBuffer[float64](pollRateWindow)
}
