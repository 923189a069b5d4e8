package main

import (
	"fmt"
	"sync/atomic"
	"time"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// progressPrinter displays an elapsed-time status line, adapted and
// narrowed from the teacher's ProgressPrinter (cmd/blim/progress.go):
// count-up only, no countdown mode, since none of this CLI's commands
// run against a fixed deadline.
//
// Start may be called at most once; Stop releases the background
// goroutine and must be called exactly once.
type progressPrinter struct {
	prefix    string
	phase     atomic.Value
	startTime time.Time
	ticker    atomic.Pointer[time.Ticker]
	stopChan  chan struct{}
	done      chan struct{}
	started   atomic.Bool
}

func newProgressPrinter(prefix, phase string) *progressPrinter {
	p := &progressPrinter{prefix: prefix}
	p.phase.Store(phase)
	return p
}

func (p *progressPrinter) Start() {
	if !p.started.CompareAndSwap(false, true) {
		panic("progressPrinter.Start called more than once")
	}

	p.done = make(chan struct{})
	p.stopChan = make(chan struct{})
	p.startTime = time.Now()
	ticker := time.NewTicker(progressUpdateInterval)
	p.ticker.Store(ticker)

	initialPhase := p.phase.Load().(string)
	fmt.Print(renderProgressLine(p.prefix, initialPhase, -1))

	go func() {
		defer close(p.done)
		for {
			select {
			case <-p.stopChan:
				return
			case <-ticker.C:
				phase := p.phase.Load().(string)
				seconds := int(time.Since(p.startTime).Seconds())
				fmt.Print(renderProgressLine(p.prefix, phase, seconds))
			}
		}
	}()
}

// renderProgressLine formats one status line. seconds < 0 renders the
// pre-tick "..." form Start prints before the first tick.
func renderProgressLine(prefix, phase string, seconds int) string {
	if seconds < 0 {
		return fmt.Sprintf("\r%s (%s...)   ", prefix, phase)
	}
	return fmt.Sprintf("\r%s (%s %ds)   ", prefix, phase, seconds)
}

func (p *progressPrinter) SetPhase(phase string) {
	p.phase.Store(phase)
}

func (p *progressPrinter) Stop() {
	ticker := p.ticker.Swap(nil)
	if ticker == nil {
		return
	}
	ticker.Stop()
	close(p.stopChan)
	<-p.done
	fmt.Print(clearLineSequence)
}
