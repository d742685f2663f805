// Copyright 2025 The PiPinPP Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package softpwm generates PWM waveforms on arbitrary GPIO lines using one
// worker goroutine per line.
//
// Each Start claims the pin through the ownership registry and launches a
// worker that toggles the line with hybrid sleeps: coarse timer sleeps for
// the bulk of each phase, then a busy wait below BusyWaitThreshold for the
// tail. Duty cycle and frequency changes are picked up at the next cycle
// boundary, never mid-phase, so the line sees no truncated pulses.
//
// A worker that can no longer drive its line latches the error, frees the
// pin and exits. The latched error is returned by every query and setter
// for that pin until Stop or a fresh Start clears it.
package softpwm

import (
	"io"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"

	"github.com/Barbatos6669/PiPinPP-sub003/pinreg"
)

const (
	// DefaultBusyWaitThreshold is the phase-tail length below which workers
	// spin instead of sleeping. Timer sleeps on Linux routinely overshoot by
	// tens of microseconds, which is fatal to short phases.
	DefaultBusyWaitThreshold = 100 * time.Microsecond

	// DefaultIdleTimeout is how long a worker holds a zero-duty line low
	// before stopping itself and releasing the pin.
	DefaultIdleTimeout = time.Second

	// MinFrequency is the floor every requested frequency is clamped to.
	MinFrequency = physic.Hertz

	// DefaultMaxFrequency is the default ceiling. Software toggling above a
	// few kilohertz burns a core for very little waveform fidelity.
	DefaultMaxFrequency = 5 * physic.KiloHertz
)

var (
	// ErrNotRunning is wrapped into errors returned for pins without a
	// running channel.
	ErrNotRunning = errors.New("no software pwm running")

	// ErrClosed is returned by Start after Close.
	ErrClosed = errors.New("softpwm: engine closed")
)

// Engine owns the worker goroutines. All methods are safe for concurrent
// use.
type Engine struct {
	reg    *pinreg.Registry
	logger *slog.Logger
	spin   time.Duration
	maxHz  physic.Frequency
	idle   time.Duration

	mu       sync.Mutex
	channels map[int]*channel
	closed   bool
}

// Option adjusts an Engine at construction.
type Option func(*Engine)

// WithLogger routes engine and worker logs to l.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithBusyWaitThreshold overrides DefaultBusyWaitThreshold. Zero disables
// spinning entirely; workers then rely on timer sleeps alone.
func WithBusyWaitThreshold(d time.Duration) Option {
	return func(e *Engine) {
		if d >= 0 {
			e.spin = d
		}
	}
}

// WithMaxFrequency overrides DefaultMaxFrequency.
func WithMaxFrequency(f physic.Frequency) Option {
	return func(e *Engine) {
		if f >= MinFrequency {
			e.maxHz = f
		}
	}
}

// WithIdleTimeout overrides DefaultIdleTimeout.
func WithIdleTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.idle = d
		}
	}
}

// New returns an Engine claiming pins through reg.
func New(reg *pinreg.Registry, opts ...Option) *Engine {
	e := &Engine{
		reg:      reg,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		spin:     DefaultBusyWaitThreshold,
		maxHz:    DefaultMaxFrequency,
		idle:     DefaultIdleTimeout,
		channels: map[int]*channel{},
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Start launches PWM on pin. Frequency is clamped to
// [MinFrequency, WithMaxFrequency] and duty to [0, 1], both silently.
//
// Start always wins the pin: a prior owner, including this engine's own
// channel, is stopped and fully joined before the new worker begins, so
// the line is never driven from two goroutines. A latched error from a
// previous incarnation of the channel is logged and discarded.
func (e *Engine) Start(pin int, freq physic.Frequency, duty float64) error {
	e.mu.Lock()
	closed := e.closed
	old := e.channels[pin]
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if old != nil {
		if lerr := old.latched(); lerr != nil {
			e.logger.Warn("restarting pwm over failed channel", "pin", pin, "err", lerr)
			e.forget(old)
		}
	}

	ch := &channel{
		pin:   pin,
		duty:  clampDuty(duty),
		freq:  e.clampFrequency(freq),
		kick:  make(chan struct{}, 1),
		stopC: make(chan struct{}),
		done:  make(chan struct{}),
	}
	line, gen, err := e.reg.Claim(pinreg.ClaimRequest{
		Pin:      pin,
		Dir:      pinreg.LineOutput,
		Owner:    pinreg.OwnerPWM,
		Takeover: true,
		Stop:     ch.stop,
	})
	if err != nil {
		return err
	}
	ch.line = line
	ch.gen = gen

	if err := line.Out(gpio.Low); err != nil {
		// The claim registered ch.stop as the pin's stop hook, so done must
		// be closed before the claim is given up.
		close(ch.done)
		e.reg.Release(pin, gen)
		return &pinreg.HardwareAccessError{Pin: pin, Op: "configure output", Err: err}
	}

	e.mu.Lock()
	if e.closed {
		ch.requestStop()
	}
	e.channels[pin] = ch
	closed = e.closed
	e.mu.Unlock()
	go e.run(ch)
	if closed {
		return ErrClosed
	}
	e.logger.Debug("pwm started", "pin", pin, "freq", ch.freq.String(), "duty", ch.duty)
	return nil
}

// Stop halts the channel on pin and blocks until its worker has exited and
// the pin is released. Stopping a pin without a channel is a no-op; a
// latched error is cleared. Always returns nil.
func (e *Engine) Stop(pin int) error {
	e.mu.Lock()
	ch := e.channels[pin]
	e.mu.Unlock()
	if ch == nil {
		return nil
	}
	if lerr := ch.latched(); lerr != nil {
		e.logger.Debug("clearing failed pwm channel", "pin", pin, "err", lerr)
	}
	ch.stop()
	e.forget(ch)
	e.logger.Debug("pwm stopped", "pin", pin)
	return nil
}

// SetDutyCycle changes the duty cycle of the running channel on pin. The
// value is clamped to [0, 1] and takes effect at the next cycle boundary.
func (e *Engine) SetDutyCycle(pin int, duty float64) error {
	ch, err := e.channel(pin)
	if err != nil {
		return err
	}
	duty = clampDuty(duty)
	ch.mu.Lock()
	ch.duty = duty
	ch.mu.Unlock()
	ch.wake()
	return nil
}

// SetFrequency changes the frequency of the running channel on pin. The
// value is clamped like Start's and takes effect at the next cycle
// boundary.
func (e *Engine) SetFrequency(pin int, freq physic.Frequency) error {
	ch, err := e.channel(pin)
	if err != nil {
		return err
	}
	freq = e.clampFrequency(freq)
	ch.mu.Lock()
	ch.freq = freq
	ch.mu.Unlock()
	ch.wake()
	return nil
}

// DutyCycle returns the duty cycle of the running channel on pin.
func (e *Engine) DutyCycle(pin int) (float64, error) {
	ch, err := e.channel(pin)
	if err != nil {
		return 0, err
	}
	duty, _ := ch.params()
	return duty, nil
}

// Frequency returns the frequency of the running channel on pin.
func (e *Engine) Frequency(pin int) (physic.Frequency, error) {
	ch, err := e.channel(pin)
	if err != nil {
		return 0, err
	}
	_, freq := ch.params()
	return freq, nil
}

// Active reports whether pin has a live worker.
func (e *Engine) Active(pin int) bool {
	e.mu.Lock()
	ch := e.channels[pin]
	e.mu.Unlock()
	return ch != nil && ch.latched() == nil
}

// ActiveCount returns the number of live workers.
func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	chans := make([]*channel, 0, len(e.channels))
	for _, ch := range e.channels {
		chans = append(chans, ch)
	}
	e.mu.Unlock()
	n := 0
	for _, ch := range chans {
		if ch.latched() == nil {
			n++
		}
	}
	return n
}

// BusyWaitThreshold returns the configured spin threshold.
func (e *Engine) BusyWaitThreshold() time.Duration {
	return e.spin
}

// Close stops every channel, joins every worker and rejects further
// Starts. Latched errors from failed channels are aggregated into the
// returned error.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	chans := make([]*channel, 0, len(e.channels))
	for _, ch := range e.channels {
		chans = append(chans, ch)
	}
	e.channels = map[int]*channel{}
	e.mu.Unlock()

	var err error
	for _, ch := range chans {
		ch.stop()
		if lerr := ch.latched(); lerr != nil {
			err = multierr.Append(err, lerr)
		}
	}
	return err
}

// channel returns the channel on pin, or the reason there is none usable:
// a wrapped ErrNotRunning, or the latched error of a dead channel. Latched
// errors stay in place until Stop or Start clears them.
func (e *Engine) channel(pin int) (*channel, error) {
	e.mu.Lock()
	ch := e.channels[pin]
	e.mu.Unlock()
	if ch == nil {
		return nil, errors.Wrapf(ErrNotRunning, "softpwm: pin %d", pin)
	}
	if lerr := ch.latched(); lerr != nil {
		return nil, lerr
	}
	return ch, nil
}

// forget drops ch from the channel table unless the pin has already been
// re-registered to a newer channel.
func (e *Engine) forget(ch *channel) {
	e.mu.Lock()
	if e.channels[ch.pin] == ch {
		delete(e.channels, ch.pin)
	}
	e.mu.Unlock()
}

func (e *Engine) clampFrequency(f physic.Frequency) physic.Frequency {
	if f < MinFrequency {
		return MinFrequency
	}
	if f > e.maxHz {
		return e.maxHz
	}
	return f
}

func clampDuty(d float64) float64 {
	switch {
	case math.IsNaN(d), d < 0:
		return 0
	case d > 1:
		return 1
	}
	return d
}
