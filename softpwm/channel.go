// Copyright 2025 The PiPinPP Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package softpwm

import (
	"runtime"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"

	"github.com/Barbatos6669/PiPinPP-sub003/pinreg"
)

// channel is one pin's worker state. The worker goroutine is the only
// writer of the line; everyone else communicates through the mutex-guarded
// parameters and the kick/stop channels.
type channel struct {
	pin  int
	line gpio.PinIO
	gen  uint64

	mu   sync.Mutex
	duty float64
	freq physic.Frequency
	err  error

	// kick wakes a worker parked at duty 0 or 1 so it re-reads the
	// parameters. Buffered so setters never block.
	kick     chan struct{}
	stopC    chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func (ch *channel) params() (float64, physic.Frequency) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.duty, ch.freq
}

func (ch *channel) latch(err error) {
	ch.mu.Lock()
	ch.err = err
	ch.mu.Unlock()
}

func (ch *channel) latched() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.err
}

func (ch *channel) wake() {
	select {
	case ch.kick <- struct{}{}:
	default:
	}
}

func (ch *channel) requestStop() {
	ch.stopOnce.Do(func() { close(ch.stopC) })
}

// stop requests the worker to exit and blocks until it has. Safe to call
// from multiple goroutines; registered as the pin's takeover hook.
func (ch *channel) stop() {
	ch.requestStop()
	<-ch.done
}

// run is the worker loop. Parameters are re-read once per cycle, so
// setter calls land on cycle boundaries. Exit paths: stop request, idle
// timeout at zero duty, or a write failure, which latches the error. On
// every path the pin is released; the line is parked low except after a
// write failure.
func (e *Engine) run(ch *channel) {
	var fail error
	defer close(ch.done)
	defer func() {
		if fail != nil {
			herr := &pinreg.HardwareAccessError{Pin: ch.pin, Op: "drive line", Err: fail}
			ch.latch(herr)
			e.reg.Release(ch.pin, ch.gen)
			e.logger.Error("pwm worker died", "pin", ch.pin, "err", fail)
			return
		}
		if err := ch.line.Out(gpio.Low); err != nil {
			e.logger.Debug("parking line low", "pin", ch.pin, "err", err)
		}
		e.reg.Release(ch.pin, ch.gen)
		e.forget(ch)
	}()

	for {
		select {
		case <-ch.stopC:
			return
		default:
		}
		duty, freq := ch.params()
		period := freq.Duration()

		switch {
		case duty <= 0:
			if err := ch.line.Out(gpio.Low); err != nil {
				fail = err
				return
			}
			idle := time.NewTimer(e.idle)
			select {
			case <-ch.stopC:
				idle.Stop()
				return
			case <-ch.kick:
				idle.Stop()
			case <-idle.C:
				e.logger.Debug("idle at zero duty, stopping", "pin", ch.pin)
				return
			}

		case duty >= 1:
			if err := ch.line.Out(gpio.High); err != nil {
				fail = err
				return
			}
			select {
			case <-ch.stopC:
				return
			case <-ch.kick:
			}

		default:
			high := time.Duration(duty * float64(period))
			if err := ch.line.Out(gpio.High); err != nil {
				fail = err
				return
			}
			if !hybridSleep(high, e.spin, ch.stopC) {
				return
			}
			if err := ch.line.Out(gpio.Low); err != nil {
				fail = err
				return
			}
			if !hybridSleep(period-high, e.spin, ch.stopC) {
				return
			}
		}
	}
}

// hybridSleep sleeps for d, spending at most the final spin of it in a
// busy wait. The timer portion aborts on stop; the spin checks stop each
// pass. Reports false when the sleep was cut short by a stop request.
func hybridSleep(d, spin time.Duration, stop <-chan struct{}) bool {
	if d <= 0 {
		return true
	}
	deadline := time.Now().Add(d)
	if coarse := d - spin; coarse > 0 {
		t := time.NewTimer(coarse)
		select {
		case <-stop:
			t.Stop()
			return false
		case <-t.C:
		}
	}
	for time.Now().Before(deadline) {
		select {
		case <-stop:
			return false
		default:
		}
		runtime.Gosched()
	}
	return true
}
