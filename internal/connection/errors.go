package connection

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors, grounded on the teacher's internal/device
// ConnectionError / NormalizeError pattern (§7).
var (
	ErrNotConnected       = errors.New("connection: not connected")
	ErrAlreadyConnected   = errors.New("connection: already connected")
	ErrBluetoothOff       = errors.New("connection: bluetooth adapter is off")
	ErrReconnectExhausted = errors.New("connection: auto-reconnect attempts exhausted")
)

// NormalizeError maps known go-ble error strings to the sentinels above,
// following the teacher's goble.NormalizeError. Returns the wrapped
// original error so errors.Is still matches the sentinel, and errors.As
// still reaches the underlying cause.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "bluetooth is turned off"),
		strings.Contains(msg, "is bluetooth turned on"):
		return fmt.Errorf("%w: %w", ErrBluetoothOff, err)
	case strings.Contains(msg, "device not connected"), strings.Contains(msg, "disconnected"):
		return fmt.Errorf("%w: %w", ErrNotConnected, err)
	case strings.Contains(msg, "device already connected"):
		return fmt.Errorf("%w: %w", ErrAlreadyConnected, err)
	default:
		return err
	}
}
