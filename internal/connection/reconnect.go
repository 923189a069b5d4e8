package connection

import (
	"context"
	"time"

	"github.com/trainerble/core/internal/protocol"
)

// reconnect attempts up to MaxReconnectAttempts dials to the same
// address (§4.6). Each failure surfaces a non-fatal BLE-error event; on
// success polling resumes via engine.StartAll. Exhaustion transitions
// to the terminal Error state and emits a final event.
func (m *Manager) reconnect(address string) {
	for attempt := 1; attempt <= MaxReconnectAttempts; attempt++ {
		m.State.Set(connectingState(address))

		ctx, cancel := context.WithTimeout(context.Background(), DefaultConnectTimeout)
		name, err := m.transport.Connect(ctx, address, DefaultConnectTimeout)
		cancel()

		if err == nil {
			model := protocol.ModelFromName(name)
			m.State.Set(connectedState(name, address, model))
			m.Processor.ResetForNewSession()
			m.Engine.StartAll(m.transport)
			m.watchDisconnect()
			return
		}

		m.logger.WithError(err).WithField("attempt", attempt).Warn("auto-reconnect attempt failed")
		m.BLEErrors.Emit(err.Error())

		if attempt < MaxReconnectAttempts {
			time.Sleep(reconnectBackoff(attempt))
		}
	}

	m.State.Set(errorState("auto-reconnect exhausted", ErrReconnectExhausted))
	m.BLEErrors.Emit(ErrReconnectExhausted.Error())
}

// reconnectBackoff grows linearly; the source has no documented
// backoff curve for this path, so this mirrors the queue's own
// escalating busy-retry spacing rather than inventing a new one.
func reconnectBackoff(attempt int) time.Duration {
	return time.Duration(attempt) * 500 * time.Millisecond
}
