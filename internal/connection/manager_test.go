package connection_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/stretchr/testify/suite"

	"github.com/trainerble/core/internal/connection"
)

// fakeTransport is the peripheralTransport test double: connect
// behavior is scripted per test via connectFn/writeFn.
type fakeTransport struct {
	mu             sync.Mutex
	connected      bool
	connectFn      func(ctx context.Context, address string) (string, error)
	writeFn        func(ctx context.Context, uuid string, data []byte, withResponse bool) error
	notifyFn       func([]byte)
	disconnectedCh chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{disconnectedCh: make(chan struct{})}
}

func (f *fakeTransport) Connect(ctx context.Context, address string, _ time.Duration) (string, error) {
	name, err := f.connectFn(ctx, address)
	f.mu.Lock()
	f.connected = err == nil
	if err == nil {
		f.disconnectedCh = make(chan struct{})
	}
	f.mu.Unlock()
	return name, err
}

func (f *fakeTransport) Disconnect() error {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) Disconnected() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnectedCh
}

func (f *fakeTransport) ReadCharacteristic(ctx context.Context, _ string) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeTransport) WriteCharacteristic(ctx context.Context, uuid string, data []byte, withResponse bool) error {
	if f.writeFn != nil {
		return f.writeFn(ctx, uuid, data, withResponse)
	}
	return nil
}

func (f *fakeTransport) SetNotifyHandler(fn func([]byte)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifyFn = fn
}

// emitNotification simulates a device notification arriving on the
// command characteristic, as a real subscribed Transport would deliver it.
func (f *fakeTransport) emitNotification(data []byte) {
	f.mu.Lock()
	fn := f.notifyFn
	f.mu.Unlock()
	if fn != nil {
		fn(data)
	}
}

type ManagerTestSuite struct {
	suite.Suite
}

func (s *ManagerTestSuite) TestConnectTransitionsToConnected() {
	ft := newFakeTransport()
	ft.connectFn = func(ctx context.Context, address string) (string, error) {
		return "VIT-1234", nil
	}
	m := connection.NewWithTransport(ft, nil)

	s.Equal(connection.Disconnected, m.State.Get().Phase)
	s.Require().NoError(m.Connect(context.Background(), "aa:bb:cc:dd:ee:ff"))

	st := m.State.Get()
	s.Equal(connection.Connected, st.Phase)
	s.Equal("VIT-1234", st.DeviceName)
	m.Disconnect()
}

func (s *ManagerTestSuite) TestConnectFailureTransitionsToError() {
	ft := newFakeTransport()
	ft.connectFn = func(ctx context.Context, address string) (string, error) {
		return "", errors.New("dial failed")
	}
	m := connection.NewWithTransport(ft, nil)

	err := m.Connect(context.Background(), "aa:bb:cc:dd:ee:ff")
	s.Error(err)
	s.Equal(connection.Error, m.State.Get().Phase)
}

// Unexpected disconnect after a successful connect triggers bounded
// auto-reconnect (§4.6): all attempts fail -> terminal Error state
// after exactly MaxReconnectAttempts tries.
func (s *ManagerTestSuite) TestAutoReconnectExhaustion() {
	ft := newFakeTransport()
	var attempts int32
	ft.connectFn = func(ctx context.Context, address string) (string, error) {
		attempts++
		if attempts == 1 {
			return "VIT-0001", nil
		}
		return "", errors.New("dial failed")
	}
	m := connection.NewWithTransport(ft, nil)
	s.Require().NoError(m.Connect(context.Background(), "aa:bb:cc:dd:ee:ff"))

	close(ft.disconnectedCh)

	s.Eventually(func() bool {
		return m.State.Get().Phase == connection.Error
	}, 5*time.Second, 10*time.Millisecond)

	s.Require().ErrorIs(m.State.Get().Cause, connection.ErrReconnectExhausted)
	s.EqualValues(1+connection.MaxReconnectAttempts, attempts)
}

// Unexpected disconnect followed by a successful reconnect resumes
// Connected without surfacing an error.
func (s *ManagerTestSuite) TestAutoReconnectSucceeds() {
	ft := newFakeTransport()
	var attempts int32
	ft.connectFn = func(ctx context.Context, address string) (string, error) {
		attempts++
		return "VIT-0001", nil
	}
	m := connection.NewWithTransport(ft, nil)
	s.Require().NoError(m.Connect(context.Background(), "aa:bb:cc:dd:ee:ff"))

	firstDisconnect := ft.disconnectedCh
	close(firstDisconnect)

	s.Eventually(func() bool {
		return m.State.Get().Phase == connection.Connected && attempts == 2
	}, 5*time.Second, 10*time.Millisecond)
	m.Disconnect()
}

// Intentional disconnect must never trigger auto-reconnect.
func (s *ManagerTestSuite) TestIntentionalDisconnectSkipsReconnect() {
	ft := newFakeTransport()
	ft.connectFn = func(ctx context.Context, address string) (string, error) {
		return "VIT-0001", nil
	}
	m := connection.NewWithTransport(ft, nil)
	s.Require().NoError(m.Connect(context.Background(), "aa:bb:cc:dd:ee:ff"))

	s.Require().NoError(m.Disconnect())
	time.Sleep(50 * time.Millisecond)
	s.Equal(connection.Disconnected, m.State.Get().Phase)
}

func (s *ManagerTestSuite) TestSendCommandWritesToTX() {
	ft := newFakeTransport()
	ft.connectFn = func(ctx context.Context, address string) (string, error) { return "VIT-1", nil }
	var gotUUID string
	ft.writeFn = func(ctx context.Context, uuid string, data []byte, withResponse bool) error {
		gotUUID = uuid
		s.True(withResponse, "default write type must be WithResponse")
		return nil
	}
	m := connection.NewWithTransport(ft, nil)
	s.Require().NoError(m.Connect(context.Background(), "aa:bb:cc:dd:ee:ff"))

	s.Require().NoError(m.SendCommand(context.Background(), []byte{0x01}))
	s.Equal("6e400010b5a3f393e0a9e50e24dcca9e", gotUUID)
	m.Disconnect()
}

// AwaitResponse must resolve once the transport delivers a
// notification, not merely time out: the command-response stream is
// fed by the transport's notify subscription.
func (s *ManagerTestSuite) TestAwaitResponseReceivesNotification() {
	ft := newFakeTransport()
	ft.connectFn = func(ctx context.Context, address string) (string, error) { return "VIT-1", nil }
	m := connection.NewWithTransport(ft, nil)
	s.Require().NoError(m.Connect(context.Background(), "aa:bb:cc:dd:ee:ff"))
	defer m.Disconnect()

	resultCh := make(chan []byte, 1)
	go func() {
		v, err := m.AwaitResponse(context.Background(), time.Second)
		s.NoError(err)
		resultCh <- v
	}()

	time.Sleep(10 * time.Millisecond)
	ft.emitNotification([]byte{0xAA, 0xBB})

	select {
	case v := <-resultCh:
		s.Equal([]byte{0xAA, 0xBB}, v)
	case <-time.After(time.Second):
		s.Fail("AwaitResponse did not observe the notification")
	}
}

func (s *ManagerTestSuite) TestSetLastColorSchemeIndexIsNoOpWhenDisconnected() {
	ft := newFakeTransport()
	m := connection.NewWithTransport(ft, nil)
	s.NoError(m.SetLastColorSchemeIndex(context.Background(), 2))
}

func (s *ManagerTestSuite) TestSetLastColorSchemeIndexWritesToTX() {
	ft := newFakeTransport()
	ft.connectFn = func(ctx context.Context, address string) (string, error) { return "VIT-1", nil }
	var gotUUID string
	var gotData []byte
	ft.writeFn = func(ctx context.Context, uuid string, data []byte, withResponse bool) error {
		gotUUID = uuid
		gotData = data
		return nil
	}
	m := connection.NewWithTransport(ft, nil)
	s.Require().NoError(m.Connect(context.Background(), "aa:bb:cc:dd:ee:ff"))
	defer m.Disconnect()

	s.Require().NoError(m.SetLastColorSchemeIndex(context.Background(), 3))
	s.Equal("6e400010b5a3f393e0a9e50e24dcca9e", gotUUID)
	s.Equal([]byte{3}, gotData)
}

// Scan transitions State to Scanning for its duration and back to
// Disconnected once the underlying device factory fails, without ever
// touching the real ble.Device surface.
func (s *ManagerTestSuite) TestScanTransitionsAndRestoresState() {
	orig := connection.DeviceFactory
	defer func() { connection.DeviceFactory = orig }()

	released := make(chan struct{})
	connection.DeviceFactory = func() (ble.Device, error) {
		close(released)
		return nil, errors.New("no ble adapter on this host")
	}

	ft := newFakeTransport()
	m := connection.NewWithTransport(ft, nil)

	s.Require().Error(m.Scan(context.Background(), nil))
	<-released
	s.Equal(connection.Disconnected, m.State.Get().Phase)
}

// A second Scan call while one is already in flight is a no-op: it
// must not re-emit Scanning or start a second underlying scan.
func (s *ManagerTestSuite) TestScanGuardsRedundantCalls() {
	orig := connection.DeviceFactory
	defer func() { connection.DeviceFactory = orig }()

	block := make(chan struct{})
	connection.DeviceFactory = func() (ble.Device, error) {
		<-block
		return nil, errors.New("stopped")
	}

	ft := newFakeTransport()
	m := connection.NewWithTransport(ft, nil)

	go func() { _ = m.Scan(context.Background(), nil) }()
	s.Eventually(func() bool {
		return m.State.Get().Phase == connection.Scanning
	}, time.Second, 5*time.Millisecond)

	s.NoError(m.Scan(context.Background(), nil), "a concurrent Scan call must be a no-op")

	m.StopScanning()
	close(block)
	s.Eventually(func() bool {
		return m.State.Get().Phase == connection.Disconnected
	}, time.Second, 5*time.Millisecond)
}

func TestManagerTestSuite(t *testing.T) {
	suite.Run(t, new(ManagerTestSuite))
}
