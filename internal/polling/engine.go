// Package polling owns the four independently cancellable polling loops
// that translate peripheral reads into parsed packets, processed
// metrics, and detector transitions (§4.5).
package polling

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/trainerble/core/internal/groutine"
	"github.com/trainerble/core/internal/handle"
	"github.com/trainerble/core/internal/protocol"
	"github.com/trainerble/core/internal/queue"
	"github.com/trainerble/core/internal/telemetry"
)

// Peripheral is the minimal read surface the engine needs. The
// connection manager's transport implements this against the real
// go-ble characteristic handles; tests substitute a fake.
type Peripheral interface {
	ReadCharacteristic(ctx context.Context, uuid string) ([]byte, error)
}

// Engine owns the four polling loops and the shared processor/detector
// pair. It holds no peripheral reference between calls — every loop
// captures the Peripheral passed to the StartX call that spawned it.
type Engine struct {
	q         *queue.OperationQueue
	parser    *protocol.Parser
	processor *telemetry.Processor
	detector  *handle.Detector
	logger    *logrus.Logger
	nowFn     func() time.Time

	onMetric         func(*telemetry.WorkoutMetric)
	onHeuristic      func(*protocol.HeuristicPacket)
	onConnectionLost func()
	send             func(ctx context.Context, data []byte) error

	// monitorMu serializes entry into the monitor loop's single BLE read;
	// held only for the duration of that read (§5). The loop must enter
	// it unconditionally — no isLocked short-circuit (§9).
	monitorMu sync.Mutex

	mu               sync.Mutex
	monitorCancel    context.CancelFunc
	diagnosticCancel context.CancelFunc
	heuristicCancel  context.CancelFunc
	heartbeatCancel  context.CancelFunc

	consecutiveTimeouts int32

	lastFaults   []uint16
	faultHistory *orderedmap.OrderedMap[uint16, time.Time]

	monitorSamples   uint64
	heuristicSamples uint64
}

// Options bundles the callbacks the engine invokes from its monitor and
// heuristic loops.
type Options struct {
	OnMetric         func(*telemetry.WorkoutMetric)
	OnHeuristic      func(*protocol.HeuristicPacket)
	OnConnectionLost func()
	Logger           *logrus.Logger

	// Send writes a command to the TX characteristic. Used by the
	// heartbeat loop's HEARTBEAT_NO_OP fallback, which already runs it
	// under the engine's OperationQueue.WriteSimple, so Send must not
	// take the queue's lock itself (the lock is not reentrant). A constructor
	// injected function avoids a back-reference to the connection manager
	// (§9, "callbacks vs. back-references").
	Send func(ctx context.Context, data []byte) error
}

// New constructs an Engine bound to the given queue, processor, and detector.
func New(q *queue.OperationQueue, processor *telemetry.Processor, detector *handle.Detector, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	onMetric := opts.OnMetric
	if onMetric == nil {
		onMetric = func(*telemetry.WorkoutMetric) {}
	}
	onHeuristic := opts.OnHeuristic
	if onHeuristic == nil {
		onHeuristic = func(*protocol.HeuristicPacket) {}
	}
	onConnectionLost := opts.OnConnectionLost
	if onConnectionLost == nil {
		onConnectionLost = func() {}
	}
	send := opts.Send
	if send == nil {
		send = func(context.Context, []byte) error { return nil }
	}
	return &Engine{
		q:                q,
		parser:           protocol.NewParser(),
		processor:        processor,
		detector:         detector,
		logger:           logger,
		nowFn:            time.Now,
		onMetric:         onMetric,
		onHeuristic:      onHeuristic,
		onConnectionLost: onConnectionLost,
		send:             send,
		faultHistory:     orderedmap.New[uint16, time.Time](),
	}
}

// StartAll starts all four loops against p.
func (e *Engine) StartAll(p Peripheral) {
	e.startMonitor(p, false)
	e.startDiagnostic(p)
	e.startHeuristic(p)
	e.startHeartbeat(p)
}

// StartMonitorPolling cancels any existing monitor loop, resets the
// processor for a new session, optionally arms the detector in
// auto-start mode, and starts a fresh monitor loop.
func (e *Engine) StartMonitorPolling(p Peripheral, forAutoStart bool) {
	e.stopMonitor()
	e.processor.ResetForNewSession()
	if forAutoStart {
		e.detector.Enable(true)
	}
	atomic.StoreInt32(&e.consecutiveTimeouts, 0)
	e.startMonitor(p, forAutoStart)
}

// StopAll cancels all four loops and resets diagnostic/timeout counters.
func (e *Engine) StopAll() {
	e.stopMonitor()
	e.stopDiagnostic()
	e.stopHeuristic()
	e.stopHeartbeat()
	atomic.StoreInt32(&e.consecutiveTimeouts, 0)
	e.mu.Lock()
	e.lastFaults = nil
	e.mu.Unlock()
}

// StopMonitorOnly cancels only the monitor loop. Diagnostic, heuristic,
// and heartbeat loops MUST remain active (Issue #222).
func (e *Engine) StopMonitorOnly() {
	e.stopMonitor()
}

// RestartAll unconditionally restarts the monitor loop, and restarts the
// other three only if they are not already running.
func (e *Engine) RestartAll(p Peripheral) {
	e.StartMonitorPolling(p, false)
	e.restartIfIdle(p)
}

// RestartDiagnosticAndHeartbeat restarts diagnostic/heuristic/heartbeat
// conditionally, leaving the monitor loop untouched.
func (e *Engine) RestartDiagnosticAndHeartbeat(p Peripheral) {
	e.restartIfIdle(p)
}

func (e *Engine) restartIfIdle(p Peripheral) {
	e.mu.Lock()
	needDiag := e.diagnosticCancel == nil
	needHeur := e.heuristicCancel == nil
	needHeart := e.heartbeatCancel == nil
	e.mu.Unlock()

	if needDiag {
		e.startDiagnostic(p)
	}
	if needHeur {
		e.startHeuristic(p)
	}
	if needHeart {
		e.startHeartbeat(p)
	}
}

// IsMonitorActive, IsDiagnosticActive, IsHeuristicActive, and
// IsHeartbeatActive report whether each loop currently holds a task
// handle. Exposed for the Issue #222 test assertion (§8 scenario 4).
func (e *Engine) IsMonitorActive() bool    { return e.taskActive(func() context.CancelFunc { return e.monitorCancel }) }
func (e *Engine) IsDiagnosticActive() bool { return e.taskActive(func() context.CancelFunc { return e.diagnosticCancel }) }
func (e *Engine) IsHeuristicActive() bool  { return e.taskActive(func() context.CancelFunc { return e.heuristicCancel }) }
func (e *Engine) IsHeartbeatActive() bool  { return e.taskActive(func() context.CancelFunc { return e.heartbeatCancel }) }

func (e *Engine) taskActive(get func() context.CancelFunc) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return get() != nil
}

// --- monitor ---------------------------------------------------------

func (e *Engine) startMonitor(p Peripheral, autoStart bool) {
	e.mu.Lock()
	if e.monitorCancel != nil {
		e.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.monitorCancel = cancel
	e.mu.Unlock()

	groutine.Go(ctx, "polling-monitor", func(ctx context.Context) {
		e.runMonitor(ctx, p)
	})
}

func (e *Engine) stopMonitor() {
	e.mu.Lock()
	cancel := e.monitorCancel
	e.monitorCancel = nil
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// clearMonitorTask nulls the task handle when the loop exits on its own
// (disconnect threshold reached) rather than via stopMonitor.
func (e *Engine) clearMonitorTask() {
	e.mu.Lock()
	e.monitorCancel = nil
	e.mu.Unlock()
}

func (e *Engine) runMonitor(ctx context.Context, p Peripheral) {
	for {
		if ctx.Err() != nil {
			return
		}

		readCtx, readCancel := context.WithTimeout(ctx, protocol.ReadTimeout)
		data, err := e.q.Read(readCtx, func(ctx context.Context) ([]byte, error) {
			e.monitorMu.Lock()
			defer e.monitorMu.Unlock()
			return p.ReadCharacteristic(ctx, protocol.CharMonitor)
		})
		readCancel()

		switch {
		case errors.Is(err, queue.ErrTimeout):
			n := atomic.AddInt32(&e.consecutiveTimeouts, 1)
			e.logger.WithField("consecutive", n).Warn("monitor read timed out")
			if int(n) >= protocol.MaxConsecutiveMonitorTimeouts {
				e.clearMonitorTask()
				e.onConnectionLost()
				return
			}
			if !sleepOrDone(ctx, 50*time.Millisecond) {
				return
			}
		case err != nil:
			atomic.StoreInt32(&e.consecutiveTimeouts, 0)
			e.logger.WithError(err).Warn("monitor read failed")
			if !sleepOrDone(ctx, 50*time.Millisecond) {
				return
			}
		default:
			atomic.StoreInt32(&e.consecutiveTimeouts, 0)
			e.handleMonitorData(data)
			// No delay on success — the BLE round trip rate-limits naturally.
		}
	}
}

func (e *Engine) handleMonitorData(data []byte) {
	pkt := e.parser.ParseMonitorPacket(data)
	if pkt == nil {
		e.logger.WithError(protocol.ErrShortPacket).WithField("len", len(data)).Warn("discarding monitor packet")
		return
	}

	n := atomic.AddUint64(&e.monitorSamples, 1)
	if n%200 == 0 {
		e.logger.WithField("samples", n).Debug("monitor sample checkpoint")
	}

	metric := e.processor.Process(pkt)
	if metric == nil {
		return
	}
	e.onMetric(metric)
	e.detector.ProcessMetric(metric)
}

// --- diagnostic --------------------------------------------------------

func (e *Engine) startDiagnostic(p Peripheral) {
	e.mu.Lock()
	if e.diagnosticCancel != nil {
		e.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.diagnosticCancel = cancel
	e.mu.Unlock()

	groutine.Go(ctx, "polling-diagnostic", func(ctx context.Context) {
		e.runInterval(ctx, protocol.DiagnosticPollInterval, func() {
			data, err := e.q.Read(ctx, func(ctx context.Context) ([]byte, error) {
				return p.ReadCharacteristic(ctx, protocol.CharDiagnostic)
			})
			if err != nil {
				e.logger.WithError(err).Debug("diagnostic read failed")
				return
			}
			pkt := e.parser.ParseDiagnosticPacket(data)
			if pkt == nil {
				return
			}
			e.logFaultChange(pkt.Faults)
		})
	})
}

// logFaultChange logs whenever the trainer's reported fault set
// changes and records each code's first-seen time in the order it
// first appeared, so a later diagnostic dump can report faults in the
// sequence they actually surfaced rather than numeric order.
func (e *Engine) logFaultChange(faults []uint16) {
	e.mu.Lock()
	changed := !reflect.DeepEqual(e.lastFaults, faults)
	if changed {
		e.lastFaults = append([]uint16(nil), faults...)
		now := e.nowFn()
		for _, code := range faults {
			if _, seen := e.faultHistory.Get(code); !seen {
				e.faultHistory.Set(code, now)
			}
		}
	}
	e.mu.Unlock()

	if changed {
		e.logger.WithField("faults", faults).Warn("diagnostic fault set changed")
	}
}

// FaultHistory returns every distinct fault code observed this
// session and the time it was first seen, in first-seen order.
func (e *Engine) FaultHistory() []FaultSighting {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]FaultSighting, 0, e.faultHistory.Len())
	for pair := e.faultHistory.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, FaultSighting{Code: pair.Key, FirstSeen: pair.Value})
	}
	return out
}

// FaultSighting records when a diagnostic fault code was first observed.
type FaultSighting struct {
	Code      uint16
	FirstSeen time.Time
}

func (e *Engine) stopDiagnostic() {
	e.mu.Lock()
	cancel := e.diagnosticCancel
	e.diagnosticCancel = nil
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// --- heuristic -----------------------------------------------------------

func (e *Engine) startHeuristic(p Peripheral) {
	e.mu.Lock()
	if e.heuristicCancel != nil {
		e.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.heuristicCancel = cancel
	e.mu.Unlock()

	groutine.Go(ctx, "polling-heuristic", func(ctx context.Context) {
		e.runInterval(ctx, protocol.HeuristicPollInterval, func() {
			data, err := e.q.Read(ctx, func(ctx context.Context) ([]byte, error) {
				return p.ReadCharacteristic(ctx, protocol.CharHeuristic)
			})
			if err != nil {
				e.logger.WithError(err).Debug("heuristic read failed")
				return
			}
			pkt := e.parser.ParseHeuristicPacket(data, e.nowFn())
			if pkt == nil {
				return
			}
			n := atomic.AddUint64(&e.heuristicSamples, 1)
			if n%100 == 0 {
				e.logger.WithField("samples", n).Debug("heuristic sample checkpoint")
			}
			e.onHeuristic(pkt)
		})
	})
}

func (e *Engine) stopHeuristic() {
	e.mu.Lock()
	cancel := e.heuristicCancel
	e.heuristicCancel = nil
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// --- heartbeat -----------------------------------------------------------

func (e *Engine) startHeartbeat(p Peripheral) {
	e.mu.Lock()
	if e.heartbeatCancel != nil {
		e.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.heartbeatCancel = cancel
	e.mu.Unlock()

	groutine.Go(ctx, "polling-heartbeat", func(ctx context.Context) {
		e.runInterval(ctx, protocol.HeartbeatInterval, func() {
			readCtx, readCancel := context.WithTimeout(ctx, protocol.ReadTimeout)
			_, err := e.q.Read(readCtx, func(ctx context.Context) ([]byte, error) {
				return p.ReadCharacteristic(ctx, protocol.CharTX)
			})
			readCancel()
			if err == nil {
				return
			}
			// TX is write-only on every supported model; the read above
			// is expected to fail. Fall back to the keep-alive write.
			if werr := e.q.WriteSimple(ctx, func(ctx context.Context) error {
				return e.send(ctx, protocol.HeartbeatNoOp)
			}); werr != nil {
				e.logger.WithError(werr).Debug("heartbeat no-op write failed")
			}
		})
	})
}

func (e *Engine) stopHeartbeat() {
	e.mu.Lock()
	cancel := e.heartbeatCancel
	e.heartbeatCancel = nil
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// runInterval invokes fn every d until ctx is cancelled.
func (e *Engine) runInterval(ctx context.Context, d time.Duration, fn func()) {
	t := time.NewTicker(d)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			fn()
		}
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
