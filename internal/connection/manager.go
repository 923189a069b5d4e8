package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/trainerble/core/internal/clock"
	"github.com/trainerble/core/internal/groutine"
	"github.com/trainerble/core/internal/handle"
	"github.com/trainerble/core/internal/polling"
	"github.com/trainerble/core/internal/protocol"
	"github.com/trainerble/core/internal/queue"
	"github.com/trainerble/core/internal/streams"
	"github.com/trainerble/core/internal/telemetry"
)

// DefaultConnectTimeout bounds the dial of a single connect attempt;
// profile discovery after the dial is not bounded by it.
const DefaultConnectTimeout = 15 * time.Second

// MaxReconnectAttempts is the cap on auto-reconnect tries after an
// unexpected drop (§4.6).
const MaxReconnectAttempts = 3

// peripheralTransport is the BLE surface the manager depends on.
// *Transport implements it against real go-ble/ble; tests substitute a
// fake, following the teacher's DeviceFactory-for-testing convention.
type peripheralTransport interface {
	Connect(ctx context.Context, address string, timeout time.Duration) (deviceName string, err error)
	Disconnect() error
	IsConnected() bool
	Disconnected() <-chan struct{}
	ReadCharacteristic(ctx context.Context, uuid string) ([]byte, error)
	WriteCharacteristic(ctx context.Context, uuid string, data []byte, withResponse bool) error
	SetNotifyHandler(fn func([]byte))
}

// Manager is the ConnectionManager lifecycle supervisor (§4.6). It owns
// the peripheral handle exclusively; every other component reaches it
// only through the OperationQueue.
type Manager struct {
	logger    *logrus.Logger
	transport peripheralTransport
	scanner   *Scanner
	q         *queue.OperationQueue
	Engine    *polling.Engine
	Processor *telemetry.Processor
	Detector  *handle.Detector

	State            *streams.State[State]
	BLEErrors        *streams.Event[string]
	CommandResponses *streams.Event[[]byte]
	Metrics          *streams.Event[*telemetry.WorkoutMetric]

	mu              sync.Mutex
	lastAddress     string
	intentional     bool
	watchCancel     context.CancelFunc
	scanCancel      context.CancelFunc
}

// New constructs a Manager wired to a real BLE transport.
func New(logger *logrus.Logger) *Manager {
	return NewWithTransport(NewTransport(logger), logger)
}

// NewWithTransport constructs a Manager over an injected transport,
// the seam tests use to avoid a real adapter.
func NewWithTransport(transport peripheralTransport, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}

	now := clock.Source(clock.System)
	m := &Manager{
		logger:           logger,
		transport:        transport,
		scanner:          NewScanner(),
		q:                queue.New(logger),
		State:            streams.NewState(disconnectedState()),
		BLEErrors:        streams.NewEvent[string](16),
		CommandResponses: streams.NewEvent[[]byte](4),
		Metrics:          streams.NewEvent[*telemetry.WorkoutMetric](32),
	}
	transport.SetNotifyHandler(func(data []byte) { m.CommandResponses.Emit(data) })
	m.Processor = telemetry.NewProcessor(now, logger, m.onDeload, m.onRomViolation)
	m.Detector = handle.NewDetector(now)
	m.Engine = polling.New(m.q, m.Processor, m.Detector, polling.Options{
		Logger:           logger,
		OnConnectionLost: m.onConnectionLost,
		OnMetric:         func(metric *telemetry.WorkoutMetric) { m.Metrics.Emit(metric) },
		Send: func(ctx context.Context, data []byte) error {
			return m.transport.WriteCharacteristic(ctx, protocol.CharTX, data, true)
		},
	})
	return m
}

func (m *Manager) onDeload()                                  {}
func (m *Manager) onRomViolation(_ telemetry.RomViolationCause) {}

// Scan runs a discovery scan (§4.6), transitioning State to Scanning
// for its duration and invoking onFound for every advertisement the
// underlying Scanner recognizes. A Scan already in progress makes this
// call a no-op rather than re-emitting Scanning (guarded against
// redundant state emissions, per §4.6).
func (m *Manager) Scan(ctx context.Context, onFound func(Discovered)) error {
	m.mu.Lock()
	if m.scanCancel != nil {
		m.mu.Unlock()
		return nil
	}
	scanCtx, cancel := context.WithCancel(ctx)
	m.scanCancel = cancel
	m.mu.Unlock()

	if m.State.Get().Phase != Scanning {
		m.State.Set(scanningState())
	}

	err := m.scanner.Scan(scanCtx, func(d Discovered) {
		if onFound != nil {
			onFound(d)
		}
	})

	m.mu.Lock()
	m.scanCancel = nil
	m.mu.Unlock()

	if m.State.Get().Phase == Scanning {
		m.State.Set(disconnectedState())
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// StopScanning cancels an in-progress Scan. A no-op if no scan is
// running.
func (m *Manager) StopScanning() {
	m.mu.Lock()
	cancel := m.scanCancel
	m.scanCancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Connect runs scan-less direct connect to a known address: Connecting
// -> Connected{...} on success, Error{...} on failure (no auto-retry on
// the initial attempt; auto-reconnect only guards an established
// session, per §4.6).
func (m *Manager) Connect(ctx context.Context, address string) error {
	m.mu.Lock()
	m.intentional = false
	m.lastAddress = address
	m.mu.Unlock()

	m.State.Set(connectingState(address))

	name, err := m.transport.Connect(ctx, address, DefaultConnectTimeout)
	if err != nil {
		m.State.Set(errorState("connect failed", err))
		return err
	}

	model := protocol.ModelFromName(name)
	m.State.Set(connectedState(name, address, model))
	m.Processor.ResetForNewSession()
	m.Engine.StartAll(m.transport)
	m.watchDisconnect()
	return nil
}

// Disconnect is the intentional, user-initiated teardown: no
// auto-reconnect follows it.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	m.intentional = true
	if m.watchCancel != nil {
		m.watchCancel()
		m.watchCancel = nil
	}
	m.mu.Unlock()

	m.Engine.StopAll()
	err := m.transport.Disconnect()
	m.State.Set(disconnectedState())
	return err
}

// watchDisconnect observes the transport's out-of-band disconnect
// signal (e.g. CoreBluetooth reporting a dropped link) and feeds it
// through the same reconnect path as a polling-engine timeout.
func (m *Manager) watchDisconnect() {
	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.watchCancel = cancel
	m.mu.Unlock()

	groutine.Go(ctx, "connection-disconnect-watch", func(ctx context.Context) {
		select {
		case <-m.transport.Disconnected():
			m.onConnectionLost()
		case <-ctx.Done():
		}
	})
}

// onConnectionLost is invoked either by the polling engine (5
// consecutive monitor timeouts) or by watchDisconnect. It triggers
// bounded auto-reconnect unless the disconnect was intentional.
func (m *Manager) onConnectionLost() {
	m.mu.Lock()
	if m.intentional {
		m.mu.Unlock()
		return
	}
	address := m.lastAddress
	m.mu.Unlock()

	m.Engine.StopAll()
	m.reconnect(address)
}

// sendCommand writes an opaque command to TX with up to 3 attempts,
// busy-class failures retried internally by the OperationQueue (§4.6).
func (m *Manager) sendCommand(ctx context.Context, data []byte) error {
	return m.q.Write(ctx, 3, func(ctx context.Context) error {
		return m.transport.WriteCharacteristic(ctx, protocol.CharTX, data, true)
	})
}

// SendCommand is the external-facing name for sendCommand (§4.6's
// interface is written in lowerCamel in the spec prose; Go exports it).
func (m *Manager) SendCommand(ctx context.Context, data []byte) error {
	return m.sendCommand(ctx, data)
}

// AwaitResponse suspends on the command-response stream up to timeout.
func (m *Manager) AwaitResponse(ctx context.Context, timeout time.Duration) ([]byte, error) {
	ch, unsub := m.CommandResponses.Subscribe()
	defer unsub()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case v := <-ch:
		return v, nil
	case <-timer.C:
		return nil, fmt.Errorf("await response: %w", context.DeadlineExceeded)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SetLastColorSchemeIndex passes an LED-scheme index through to the
// device as an opaque TX command byte (§6). Safe no-op default: when
// not connected, it returns nil rather than surfacing a connection
// error, since the scheme index is a best-effort passthrough from
// consumers that do not track connection lifecycle themselves.
func (m *Manager) SetLastColorSchemeIndex(ctx context.Context, index int) error {
	if !m.transport.IsConnected() {
		return nil
	}
	return m.sendCommand(ctx, []byte{byte(index)})
}

// EnableJustLiftWaitingMode arms the detector in free-form mode and
// ensures monitor polling is running in auto-start mode.
func (m *Manager) EnableJustLiftWaitingMode() {
	m.Detector.EnableJustLiftWaiting()
	if !m.Engine.IsMonitorActive() {
		m.Engine.StartMonitorPolling(m.transport, true)
	}
}

// IsConnected reports the transport's live connection state.
func (m *Manager) IsConnected() bool {
	return m.transport.IsConnected()
}
