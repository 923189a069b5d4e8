package connection

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/darwin"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"

	"github.com/trainerble/core/internal/groutine"
	"github.com/trainerble/core/internal/protocol"
)

// DeviceFactory creates the local ble.Device adapter. Overridable in
// tests, adapted from the teacher's goble.DeviceFactory.
var DeviceFactory = func() (ble.Device, error) {
	return darwin.NewDevice()
}

const (
	// writeChunkSize follows the teacher's DefaultBLEWriteChunkSize: the
	// 20-byte ATT_MTU payload floor that every BLE 4.x peripheral honors.
	writeChunkSize  = 20
	writeChunkDelay = 10 * time.Millisecond
)

// charUUIDs is the trainer's fixed characteristic set (§6); transport
// never discovers or exposes anything outside it.
var charUUIDs = []string{
	protocol.CharTX,
	protocol.CharMonitor,
	protocol.CharDiagnostic,
	protocol.CharHeuristic,
	protocol.CharFirmwareRevision,
	protocol.CharVersion,
}

// Transport is the connection-manager-facing BLE surface: a single
// live connection to the trainer's fixed characteristic set, adapted
// and narrowed from the teacher's goble.BLEConnection (no generic
// service/descriptor exploration, no pluggable stream modes).
// txTraceCapacity bounds the rolling raw-byte trace of the last TX
// writes, kept for post-mortem diagnostics after a command failure.
const txTraceCapacity = 512

type Transport struct {
	logger *logrus.Logger

	mu        sync.RWMutex
	client    ble.Client
	chars     map[string]*ble.Characteristic
	connected bool
	writeMu   sync.Mutex

	// txTrace mirrors every byte written to CharTX, oldest evicted
	// first, the same rolling-buffer technique the teacher's ptyio
	// package uses for its PTY read/write staging buffers.
	txTrace *ringbuffer.RingBuffer

	// onNotify, when set, receives every notification/indication value
	// delivered by the command characteristic while connected (§6's
	// command-response stream). Connect subscribes only if the
	// characteristic actually advertises CharNotify/CharIndicate.
	onNotify func([]byte)

	disconnectedCh chan struct{}
}

// NewTransport constructs an idle Transport. A nil logger defaults to
// logrus.New(), matching the rest of the stack.
func NewTransport(logger *logrus.Logger) *Transport {
	if logger == nil {
		logger = logrus.New()
	}
	return &Transport{
		logger:  logger,
		chars:   make(map[string]*ble.Characteristic),
		txTrace: ringbuffer.New(txTraceCapacity),
	}
}

// SetNotifyHandler registers the callback invoked for every value
// delivered on the command characteristic's notify/indicate path.
// Must be called before Connect; ConnectionManager wires it to
// CommandResponses.Emit.
func (t *Transport) SetNotifyHandler(fn func([]byte)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onNotify = fn
}

// RecentTXBytes returns a snapshot of the most recent bytes written to
// CharTX, oldest first, for diagnostics after a failed command. Reads
// the ring buffer out and immediately back in, since smallnest's
// RingBuffer only exposes destructive reads.
func (t *Transport) RecentTXBytes() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.txTrace.Length()
	if n == 0 {
		return nil
	}
	buf := make([]byte, n)
	_, _ = t.txTrace.TryRead(buf)
	_, _ = t.txTrace.Write(buf)
	return buf
}

// Connect dials the peripheral at address, discovers its profile, and
// resolves the fixed characteristic set. Returns the GAP/advertised
// device name for hardware-model inference.
func (t *Transport) Connect(ctx context.Context, address string, connectTimeout time.Duration) (deviceName string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connected {
		return "", ErrAlreadyConnected
	}

	dev, err := DeviceFactory()
	if err != nil {
		return "", fmt.Errorf("create ble device: %w", NormalizeError(err))
	}
	ble.SetDefaultDevice(dev)

	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := ble.Dial(dialCtx, ble.NewAddr(address))
	if err != nil {
		return "", fmt.Errorf("dial %s: %w", address, NormalizeError(err))
	}

	profile, err := client.DiscoverProfile(true)
	if err != nil {
		_ = client.CancelConnection()
		return "", fmt.Errorf("discover profile: %w", NormalizeError(err))
	}

	found := make(map[string]*ble.Characteristic)
	for _, svc := range profile.Services {
		for _, c := range svc.Characteristics {
			uuid := normalizeUUID(c.UUID.String())
			for _, want := range charUUIDs {
				if uuid == want {
					found[want] = c
				}
			}
		}
	}

	t.client = client
	t.chars = found
	t.connected = true
	t.disconnectedCh = make(chan struct{})

	if txChar, ok := found[protocol.CharTX]; ok && txChar.Property&(ble.CharNotify|ble.CharIndicate) != 0 {
		notify := t.onNotify
		if notify != nil {
			if err := client.Subscribe(txChar, false, notify); err != nil {
				t.logger.WithError(NormalizeError(err)).Warn("failed to subscribe to command-response notifications")
			}
		}
	}

	if darwinClient, ok := client.(interface{ Disconnected() <-chan struct{} }); ok {
		disconnectedCh := t.disconnectedCh
		groutine.Go(context.Background(), "ble-transport-monitor", func(_ context.Context) {
			select {
			case <-darwinClient.Disconnected():
				t.logger.Warn("transport detected peripheral disconnect")
				close(disconnectedCh)
			case <-disconnectedCh:
			}
		})
	}

	name := resolveDeviceName(client, profile)
	t.logger.WithFields(logrus.Fields{"address": address, "name": name}).Info("ble transport connected")
	return name, nil
}

// resolveDeviceName reads the standard GAP Device Name characteristic
// (0x2a00) from the already-discovered profile when available; it is
// not part of the fixed set and is read opportunistically, best-effort.
func resolveDeviceName(client ble.Client, profile *ble.Profile) string {
	if profile == nil {
		return ""
	}
	for _, svc := range profile.Services {
		for _, c := range svc.Characteristics {
			if normalizeUUID(c.UUID.String()) == "2a00" {
				if data, err := client.ReadCharacteristic(c); err == nil {
					return strings.TrimRight(string(data), "\x00")
				}
			}
		}
	}
	return ""
}

// Disconnected returns a channel closed when the transport detects the
// peripheral dropped the link outside of an explicit Disconnect call.
func (t *Transport) Disconnected() <-chan struct{} {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.disconnectedCh == nil {
		ch := make(chan struct{})
		return ch
	}
	return t.disconnectedCh
}

// Disconnect tears down the live connection. Safe to call when already
// disconnected.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	client := t.client
	t.client = nil
	t.connected = false
	t.chars = make(map[string]*ble.Characteristic)
	t.mu.Unlock()

	if client == nil {
		return nil
	}
	return NormalizeError(client.CancelConnection())
}

// IsConnected reports whether Connect has succeeded and Disconnect has
// not yet been called.
func (t *Transport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

// ReadCharacteristic implements polling.Peripheral. The underlying
// go-ble client call is synchronous and ignores context, so the read
// runs in its own goroutine and races ctx.Done() the way the teacher's
// BLECharacteristic.ReadWithTimeout does, to make the caller's deadline
// actually bound the wait.
func (t *Transport) ReadCharacteristic(ctx context.Context, uuid string) ([]byte, error) {
	t.mu.RLock()
	if !t.connected {
		t.mu.RUnlock()
		return nil, ErrNotConnected
	}
	client := t.client
	c, ok := t.chars[uuid]
	t.mu.RUnlock()

	if !ok || c == nil {
		return nil, fmt.Errorf("characteristic %s not available", uuid)
	}

	type result struct {
		data []byte
		err  error
	}
	resultCh := make(chan result, 1)
	groutine.Go(context.Background(), "ble-transport-read-"+uuid, func(context.Context) {
		data, err := client.ReadCharacteristic(c)
		resultCh <- result{data: data, err: err}
	})

	select {
	case r := <-resultCh:
		if r.err != nil {
			return nil, NormalizeError(r.err)
		}
		return r.data, nil
	case <-ctx.Done():
		return nil, context.DeadlineExceeded
	}
}

// WriteCharacteristic writes data in MTU-sized chunks (§6: write type
// defaults to WithResponse); an empty payload is sent as one zero-length
// write. Serialized against other writes by the caller's OperationQueue;
// writeMu additionally keeps the chunks of two writes through this
// Transport from interleaving. Disconnect does not take writeMu, so a
// concurrent Disconnect can cancel the connection mid-write.
func (t *Transport) WriteCharacteristic(_ context.Context, uuid string, data []byte, withResponse bool) error {
	t.mu.RLock()
	if !t.connected {
		t.mu.RUnlock()
		return ErrNotConnected
	}
	client := t.client
	c, ok := t.chars[uuid]
	t.mu.RUnlock()

	if !ok || c == nil {
		return fmt.Errorf("characteristic %s not available", uuid)
	}

	if uuid == protocol.CharTX {
		t.mu.Lock()
		need := t.txTrace.Length() + len(data) - t.txTrace.Capacity()
		if need > 0 {
			discard := make([]byte, need)
			_, _ = t.txTrace.TryRead(discard)
		}
		_, _ = t.txTrace.Write(data)
		t.mu.Unlock()
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	for {
		n := len(data)
		if n > writeChunkSize {
			n = writeChunkSize
		}
		if err := client.WriteCharacteristic(c, data[:n], !withResponse); err != nil {
			return NormalizeError(err)
		}
		data = data[n:]
		if len(data) == 0 {
			return nil
		}
		time.Sleep(writeChunkDelay)
	}
}

func normalizeUUID(uuid string) string {
	return strings.ToLower(strings.ReplaceAll(uuid, "-", ""))
}
