// Copyright 2025 The PiPinPP Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package interrupt

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"periph.io/x/conn/v3/gpio"

	"github.com/Barbatos6669/PiPinPP-sub003/pinreg"
)

// watcher is one pin's edge-wait state. The watcher goroutine is the only
// caller of the line's edge wait and of the handler.
type watcher struct {
	pin     int
	line    gpio.PinIO
	gen     uint64
	edge    gpio.Edge
	handler Handler

	stopC    chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	mu  sync.Mutex
	err error
}

func (w *watcher) latch(err error) {
	w.mu.Lock()
	w.err = err
	w.mu.Unlock()
}

func (w *watcher) latched() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *watcher) requestStop() {
	w.stopOnce.Do(func() { close(w.stopC) })
}

// stop requests the watcher to exit, interrupts its pending edge wait and
// blocks until it has exited. Registered as the pin's takeover hook.
func (w *watcher) stop() {
	w.requestStop()
	if w.line != nil {
		// Unblocks a WaitForEdge in flight. The next owner re-arms the
		// line with In.
		_ = w.line.Halt()
	}
	<-w.done
}

// run is the watcher loop. Each iteration blocks on the line's edge wait
// for at most the poll interval. A false return that took roughly the
// whole interval is an ordinary timeout; a false return that comes back
// immediately means the line no longer works, and enough of those in a
// row latch an error and end the watcher. On every exit path the pin is
// released.
func (d *Dispatcher) run(w *watcher) {
	var fail error
	defer close(w.done)
	defer func() {
		if fail != nil {
			w.latch(&pinreg.HardwareAccessError{Pin: w.pin, Op: "wait for edge", Err: fail})
			d.reg.Release(w.pin, w.gen)
			d.logger.Error("interrupt watcher died", "pin", w.pin, "err", fail)
			return
		}
		d.reg.Release(w.pin, w.gen)
		d.forget(w)
	}()

	badStreak := 0
	for {
		select {
		case <-w.stopC:
			return
		default:
		}
		start := time.Now()
		if !w.line.WaitForEdge(d.poll) {
			if time.Since(start) >= d.poll/4 {
				// Honest timeout.
				badStreak = 0
				continue
			}
			badStreak++
			if badStreak >= brokenLineLimit {
				fail = errors.Errorf("edge wait failed instantly %d times in a row", badStreak)
				return
			}
			continue
		}
		badStreak = 0

		level := w.line.Read()
		edge := w.edge
		if edge == gpio.BothEdges {
			if level == gpio.High {
				edge = gpio.RisingEdge
			} else {
				edge = gpio.FallingEdge
			}
		}
		w.handler(Event{Pin: w.pin, Edge: edge, Level: level, When: time.Now()})
	}
}
