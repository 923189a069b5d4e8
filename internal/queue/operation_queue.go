// Package queue serializes every BLE read and write so that at most one
// operation is outstanding on the peripheral at any instant (§4.1). The
// underlying go-ble transport does not itself queue operations;
// concurrent read+write on the trainer's command characteristic
// corrupts packet framing and the device replies with fault 16384
// ("bad packet structure").
package queue

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrBusy names the busy-class write failure in the package's error
// taxonomy. Write recognizes busy-class errors by their text and never
// returns ErrBusy itself; once retries are exhausted the caller sees the
// last underlying error.
var ErrBusy = errors.New("ble operation busy")

// ErrTimeout is context.DeadlineExceeded, re-exported under the
// package's own error taxonomy so callers can write
// errors.Is(err, queue.ErrTimeout) without naming the stdlib sentinel.
var ErrTimeout = context.DeadlineExceeded

// busyBackoffs are applied with the lock released, in order, on
// successive busy-class write failures (§3 timing table).
var busyBackoffs = []time.Duration{
	50 * time.Millisecond,
	100 * time.Millisecond,
	150 * time.Millisecond,
}

// OperationQueue guarantees non-interleaving of BLE reads and writes on
// a single peripheral. It lives one-per-peripheral and is not reentrant:
// callers must not nest Read/Write inside WithLock.
type OperationQueue struct {
	mu     sync.Mutex
	logger *logrus.Logger
}

// New creates an OperationQueue. A nil logger defaults to logrus.New(),
// matching the rest of the stack's constructor convention.
func New(logger *logrus.Logger) *OperationQueue {
	if logger == nil {
		logger = logrus.New()
	}
	return &OperationQueue{logger: logger}
}

// Read acquires the serialization lock, runs op, and releases. It never
// retries; the caller observes the underlying I/O error verbatim.
func (q *OperationQueue) Read(ctx context.Context, op func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return op(ctx)
}

// WithLock runs a compound read-modify-write closure under the same
// lock Read/Write use. Intended as an escape hatch; op must not itself
// call Read/Write/WriteSimple (the lock is not reentrant).
func (q *OperationQueue) WithLock(ctx context.Context, op func(ctx context.Context) error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return op(ctx)
}

// Write attempts up to maxRetries times. Each attempt acquires the lock,
// runs op, and releases. On a busy-class failure (case-insensitive
// substring match on "Busy" or "WriteRequestBusy"), the caller backs off
// with the lock released before retrying; any other error fails fast.
func (q *OperationQueue) Write(ctx context.Context, maxRetries int, op func(ctx context.Context) error) error {
	if maxRetries < 1 {
		maxRetries = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		q.mu.Lock()
		err := op(ctx)
		q.mu.Unlock()

		if err == nil {
			return nil
		}
		lastErr = err

		if !isBusyClassError(err) {
			return err
		}

		if attempt == maxRetries-1 {
			break
		}

		backoff := backoffFor(attempt)
		q.logger.WithFields(logrus.Fields{
			"attempt": attempt + 1,
			"backoff": backoff,
		}).Debug("ble write busy, retrying after backoff")

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return lastErr
}

// WriteSimple is Write with maxRetries = 1. Used by the heartbeat no-op path.
func (q *OperationQueue) WriteSimple(ctx context.Context, op func(ctx context.Context) error) error {
	return q.Write(ctx, 1, op)
}

func backoffFor(attempt int) time.Duration {
	if attempt < len(busyBackoffs) {
		return busyBackoffs[attempt]
	}
	return busyBackoffs[len(busyBackoffs)-1]
}

func isBusyClassError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "busy") || strings.Contains(msg, "writerequestbusy")
}
