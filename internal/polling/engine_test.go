package polling_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/trainerble/core/internal/clock"
	"github.com/trainerble/core/internal/handle"
	"github.com/trainerble/core/internal/polling"
	"github.com/trainerble/core/internal/protocol"
	"github.com/trainerble/core/internal/queue"
	"github.com/trainerble/core/internal/telemetry"
)

// fakePeripheral answers every ReadCharacteristic call through a
// per-characteristic callback, or blocks until ctx expires if none is set.
type fakePeripheral struct {
	mu    sync.Mutex
	reads map[string]func(ctx context.Context) ([]byte, error)
	calls map[string]*int32
}

func newFakePeripheral() *fakePeripheral {
	return &fakePeripheral{
		reads: make(map[string]func(ctx context.Context) ([]byte, error)),
		calls: make(map[string]*int32),
	}
}

func (f *fakePeripheral) On(uuid string, fn func(ctx context.Context) ([]byte, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads[uuid] = fn
}

func (f *fakePeripheral) CallCount(uuid string) int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.calls[uuid]; ok {
		return atomic.LoadInt32(c)
	}
	return 0
}

func (f *fakePeripheral) ReadCharacteristic(ctx context.Context, uuid string) ([]byte, error) {
	f.mu.Lock()
	if _, ok := f.calls[uuid]; !ok {
		f.calls[uuid] = new(int32)
	}
	counter := f.calls[uuid]
	fn := f.reads[uuid]
	f.mu.Unlock()

	atomic.AddInt32(counter, 1)

	if fn != nil {
		return fn(ctx)
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func canonicalMonitorBytes() []byte {
	return []byte{
		0xE8, 0x03, 0x00, 0x00,
		0xDC, 0x05, 0x00, 0x00,
		0x88, 0x13,
		0xC8, 0x05, 0x00, 0x00,
		0x88, 0x13,
		0x00, 0x00,
	}
}

type EngineTestSuite struct {
	suite.Suite
}

func (s *EngineTestSuite) newEngine(onConnectionLost func()) (*polling.Engine, *clock.Fake) {
	clk := clock.NewFake(0)
	proc := telemetry.NewProcessor(clk.Now, nil, nil, nil)
	det := handle.NewDetector(clk.Now)
	q := queue.New(nil)
	e := polling.New(q, proc, det, polling.Options{OnConnectionLost: onConnectionLost})
	return e, clk
}

// Literal scenario 4 (§8): Issue #222, stopMonitorOnly leaves the other
// three loops running, restartAll reactivates only the monitor.
func (s *EngineTestSuite) TestStopMonitorOnlyLeavesOthersRunning() {
	e, _ := s.newEngine(nil)
	p := newFakePeripheral()
	p.On(protocol.CharMonitor, func(ctx context.Context) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	p.On(protocol.CharDiagnostic, func(ctx context.Context) ([]byte, error) {
		return []byte{0x00}, nil
	})
	p.On(protocol.CharHeuristic, func(ctx context.Context) ([]byte, error) {
		return make([]byte, 40), nil
	})
	p.On(protocol.CharTX, func(ctx context.Context) ([]byte, error) {
		return nil, errors.New("tx is write-only")
	})

	e.StartAll(p)
	s.Require().True(e.IsMonitorActive())
	s.Require().True(e.IsDiagnosticActive())
	s.Require().True(e.IsHeuristicActive())
	s.Require().True(e.IsHeartbeatActive())

	e.StopMonitorOnly()
	s.False(e.IsMonitorActive())
	s.True(e.IsDiagnosticActive())
	s.True(e.IsHeuristicActive())
	s.True(e.IsHeartbeatActive())

	e.RestartAll(p)
	s.True(e.IsMonitorActive())
	s.True(e.IsDiagnosticActive())
	s.True(e.IsHeuristicActive())
	s.True(e.IsHeartbeatActive())

	e.StopAll()
}

// Literal scenario 5 (§8): 5 consecutive monitor timeouts -> exactly one
// onConnectionLost call, monitor loop exits.
func (s *EngineTestSuite) TestFiveConsecutiveTimeoutsDisconnect() {
	var lostCalls int32
	e, _ := s.newEngine(func() { atomic.AddInt32(&lostCalls, 1) })

	p := newFakePeripheral()
	p.On(protocol.CharMonitor, func(ctx context.Context) ([]byte, error) {
		<-ctx.Done()
		return nil, context.DeadlineExceeded
	})

	e.StartMonitorPolling(p, false)

	s.Eventually(func() bool {
		return atomic.LoadInt32(&lostCalls) == 1
	}, 8*time.Second, 10*time.Millisecond)

	s.Eventually(func() bool {
		return !e.IsMonitorActive()
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	s.EqualValues(1, atomic.LoadInt32(&lostCalls), "exactly one onConnectionLost invocation")
}

func (s *EngineTestSuite) TestMonitorFeedsProcessorAndDetector() {
	var metrics int32
	p := newFakePeripheral()
	p.On(protocol.CharMonitor, func(ctx context.Context) ([]byte, error) {
		return canonicalMonitorBytes(), nil
	})

	clk := clock.NewFake(0)
	proc := telemetry.NewProcessor(clk.Now, nil, nil, nil)
	det := handle.NewDetector(clk.Now)
	q := queue.New(nil)
	eng := polling.New(q, proc, det, polling.Options{
		OnMetric: func(m *telemetry.WorkoutMetric) { atomic.AddInt32(&metrics, 1) },
	})

	eng.StartMonitorPolling(p, false)
	s.Eventually(func() bool { return atomic.LoadInt32(&metrics) > 0 }, time.Second, 5*time.Millisecond)
	eng.StopAll()
}

func TestEngineTestSuite(t *testing.T) {
	suite.Run(t, new(EngineTestSuite))
}
